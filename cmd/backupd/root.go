// Command backupd is the administrative CLI for a gastrolog backup
// datastore: creating stores, listing and pruning snapshots, and driving
// garbage collection. It operates directly on the on-disk store layout
// described in spec.md §6 — it is not a client for the (explicitly
// out-of-scope) wire backup protocol.
//
// Logging:
//   - One base logger created here and threaded through every command via
//     the command context, matching cmd/gastrolog/main.go's wiring.
//   - No global slog configuration (no slog.SetDefault).
//   - --log-level component=level (repeatable) raises or lowers verbosity
//     for one "component"-tagged logger (e.g. "gc", "chunkstore") without
//     touching the rest, via logging.ComponentFilterHandler.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"gastrolog/internal/home"
	"gastrolog/internal/logging"
)

var version = "dev"

type loggerKey struct{}

func loggerFromCmd(cmd *cobra.Command) *slog.Logger {
	l, _ := cmd.Context().Value(loggerKey{}).(*slog.Logger)
	return logging.Default(l)
}

func main() {
	rootCmd := &cobra.Command{
		Use:           "backupd",
		Short:         "Administer gastrolog backup datastores",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := buildLogger(cmd)
			if err != nil {
				return err
			}
			cmd.SetContext(context.WithValue(cmd.Context(), loggerKey{}, logger))
			return nil
		},
	}
	rootCmd.PersistentFlags().String("home", "", "home directory (default: platform config dir)")
	rootCmd.PersistentFlags().String("output", "table", "output format: table or json")
	rootCmd.PersistentFlags().String("query", "", "RFC 9535 JSONPath filter applied to JSON output, e.g. $.files[*].filename")
	rootCmd.PersistentFlags().StringArray("log-level", nil, "per-component log level override component=level (debug|info|warn|error), repeatable")

	rootCmd.AddCommand(
		newStoreCmd(),
		newSnapshotCmd(),
		newGCCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// buildLogger wraps a text handler in a ComponentFilterHandler so each
// --log-level component=level override only affects loggers tagged with
// that "component" attribute (see logging.ComponentFilterHandler).
func buildLogger(cmd *cobra.Command) (*slog.Logger, error) {
	overrides, _ := cmd.Flags().GetStringArray("log-level")

	base := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	filter := logging.NewComponentFilterHandler(base, slog.LevelInfo)

	for _, o := range overrides {
		component, levelStr, ok := strings.Cut(o, "=")
		if !ok {
			return nil, fmt.Errorf("--log-level %q: expected component=level", o)
		}
		level, err := parseLevel(levelStr)
		if err != nil {
			return nil, fmt.Errorf("--log-level %q: %w", o, err)
		}
		filter.SetLevel(component, level)
	}

	return slog.New(filter), nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown level %q", s)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(version)
		},
	}
}

// resolveHome returns a home.Dir from the --home flag, or the platform
// default when unset.
func resolveHome(cmd *cobra.Command) (home.Dir, error) {
	flagValue, _ := cmd.Flags().GetString("home")
	if flagValue != "" {
		return home.New(flagValue), nil
	}
	return home.Default()
}
