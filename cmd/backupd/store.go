package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"gastrolog/internal/datastore"
)

func newStoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Manage backup datastores",
	}
	cmd.AddCommand(newStoreCreateCmd(), newStoreStatusCmd())
	return cmd
}

func newStoreCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <name>",
		Short: "Create a new backup datastore under the home directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			hd, err := resolveHome(cmd)
			if err != nil {
				return fmt.Errorf("resolve home directory: %w", err)
			}
			if err := hd.EnsureExists(); err != nil {
				return err
			}
			logger := loggerFromCmd(cmd)
			ds, err := datastore.Create(datastore.Config{Name: name, Path: hd.StoreDir(name)}, 0, logger)
			if err != nil {
				return fmt.Errorf("create store %q: %w", name, err)
			}
			logger.Info("store created", "name", ds.Name(), "path", ds.Path())
			return nil
		},
	}
}

func newStoreStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <name>",
		Short: "Show a datastore's name and root path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := openStore(cmd, args[0])
			if err != nil {
				return err
			}
			p := newPrinter(cmd)
			type status struct {
				Name string `json:"name"`
				Path string `json:"path"`
			}
			st := status{Name: ds.Name(), Path: ds.Path()}
			if p.format == "json" {
				return p.json(st)
			}
			p.kv([][2]string{{"Name", st.Name}, {"Path", st.Path}})
			return nil
		},
	}
}
