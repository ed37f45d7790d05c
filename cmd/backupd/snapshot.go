package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"gastrolog/internal/datastore"
)

func newSnapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Inspect and prune backup snapshots",
	}
	cmd.AddCommand(
		newSnapshotListCmd(),
		newSnapshotImagesCmd(),
		newSnapshotRemoveCmd(),
	)
	return cmd
}

// openStore resolves the home directory and opens storeName's datastore.
func openStore(cmd *cobra.Command, storeName string) (*datastore.DataStore, error) {
	hd, err := resolveHome(cmd)
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	ds, err := datastore.Open(datastore.Config{Name: storeName, Path: hd.StoreDir(storeName)}, loggerFromCmd(cmd))
	if err != nil {
		return nil, fmt.Errorf("open store %q: %w", storeName, err)
	}
	return ds, nil
}

func newSnapshotListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <store>",
		Short: "List backup groups in a store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := openStore(cmd, args[0])
			if err != nil {
				return err
			}
			groups, err := ds.ListBackupGroups()
			if err != nil {
				return err
			}
			p := newPrinter(cmd)
			rows := make([][]string, 0, len(groups))
			for _, g := range groups {
				rows = append(rows, []string{g.Type, g.ID})
			}
			return p.emit(groups, []string{"TYPE", "ID"}, rows)
		},
	}
}

func newSnapshotImagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "images <store>",
		Short: "List index files (.fidx/.didx) across the whole store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := openStore(cmd, args[0])
			if err != nil {
				return err
			}
			images, err := ds.ListImages()
			if err != nil {
				return err
			}
			p := newPrinter(cmd)
			rows := make([][]string, 0, len(images))
			for _, img := range images {
				rows = append(rows, []string{img})
			}
			return p.emit(images, []string{"PATH"}, rows)
		},
	}
}

func newSnapshotRemoveCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "remove <store> <relative-snapshot-path>",
		Short: "Remove a single snapshot directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := openStore(cmd, args[0])
			if err != nil {
				return err
			}
			if err := ds.RemoveBackupDir(args[1], force); err != nil {
				return fmt.Errorf("remove snapshot %s: %w", args[1], err)
			}
			loggerFromCmd(cmd).Info("snapshot removed", "store", args[0], "snapshot", args[1])
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "remove even if protected")
	return cmd
}
