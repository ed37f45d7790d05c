package main

import (
	"crypto/rand"
	"fmt"

	"github.com/spf13/cobra"

	"gastrolog/internal/gc"
	"gastrolog/internal/remotetier"
	"gastrolog/internal/worker"
)

func newGCCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Run and inspect garbage collection",
	}
	cmd.AddCommand(newGCRunCmd(), newGCStatusCmd())
	return cmd
}

func newGCRunCmd() *cobra.Command {
	var s3Bucket, s3Region, s3Prefix, s3AccessKey, s3SecretKey string
	cmd := &cobra.Command{
		Use:   "run <store>",
		Short: "Run one garbage collection pass against a store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			storeName := args[0]
			ds, err := openStore(cmd, storeName)
			if err != nil {
				return err
			}
			collector := gc.New(ds, loggerFromCmd(cmd))
			if s3Bucket != "" {
				backend, err := remotetier.NewS3BackendFromConfig(cmd.Context(), remotetier.S3Config{
					Region:          s3Region,
					Bucket:          s3Bucket,
					Prefix:          s3Prefix,
					AccessKeyID:     s3AccessKey,
					SecretAccessKey: s3SecretKey,
				})
				if err != nil {
					return fmt.Errorf("configure s3 offload: %w", err)
				}
				collector = collector.WithOffload(backend)
			}
			status, err := collector.Run(cmd.Context(), newUPID(storeName), worker.New(nil))
			if err != nil {
				return fmt.Errorf("run gc for store %q: %w", storeName, err)
			}
			return printGCStatus(cmd, status)
		},
	}
	cmd.Flags().StringVar(&s3Bucket, "offload-s3-bucket", "", "offload reclaimed chunks to this S3 bucket before sweep removes them locally")
	cmd.Flags().StringVar(&s3Region, "offload-s3-region", "us-east-1", "region for --offload-s3-bucket")
	cmd.Flags().StringVar(&s3Prefix, "offload-s3-prefix", "", "key prefix for --offload-s3-bucket")
	cmd.Flags().StringVar(&s3AccessKey, "offload-s3-access-key", "", "static access key (default: AWS credential chain)")
	cmd.Flags().StringVar(&s3SecretKey, "offload-s3-secret-key", "", "static secret key, used with --offload-s3-access-key")
	return cmd
}

func newGCStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <store>",
		Short: "Show the most recently published gc status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := openStore(cmd, args[0])
			if err != nil {
				return err
			}
			status, err := gc.LoadStatus(ds)
			if err != nil {
				return fmt.Errorf("load gc status for store %q: %w", args[0], err)
			}
			return printGCStatus(cmd, status)
		},
	}
}

func printGCStatus(cmd *cobra.Command, status *gc.Status) error {
	p := newPrinter(cmd)
	if p.format == "json" {
		return p.json(status)
	}
	p.kv([][2]string{
		{"UPID", status.UPID},
		{"Index files", fmt.Sprint(status.IndexFileCount)},
		{"Index data bytes", fmt.Sprint(status.IndexDataBytes)},
		{"Disk chunks", fmt.Sprint(status.DiskChunks)},
		{"Disk bytes", fmt.Sprint(status.DiskBytes)},
		{"Removed chunks", fmt.Sprint(status.RemovedChunks)},
		{"Removed bytes", fmt.Sprint(status.RemovedBytes)},
		{"Pending chunks", fmt.Sprint(status.PendingChunks)},
		{"Pending bytes", fmt.Sprint(status.PendingBytes)},
		{"Removed bad", fmt.Sprint(status.RemovedBad)},
		{"Still bad", fmt.Sprint(status.StillBad)},
		{"Finished at", status.FinishedAt},
	})
	return nil
}

// newUPID mints a short unique process id for a gc run, "GC:<store>:<hex>".
func newUPID(storeName string) string {
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	return fmt.Sprintf("GC:%s:%x", storeName, buf)
}
