package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusJSON bool

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and sync status",
	Long:  "Display the effective configuration, the selected storage backend, connectivity and the pending queue.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		status := eng.GetSyncStatus()
		if statusJSON {
			return printJSON(status)
		}

		cfg := eng.Config()
		fmt.Println("Configuration:")
		fmt.Printf("  Environment: %s\n", cfg.Remote.Environment)
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Remote.BaseURL, "(not set)"))
		if cfg.Remote.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Remote.Token))
		} else {
			fmt.Println("  Token:       (derived from environment)")
		}
		fmt.Printf("  Storage:     %s (%s)\n", status.Backend, cfg.Storage.Dir)
		if cfg.Backup.Endpoint != "" {
			fmt.Printf("  Backup:      %s/%s\n", cfg.Backup.Endpoint, cfg.Backup.Bucket)
		}

		fmt.Println()
		fmt.Println("Sync:")
		fmt.Printf("  Cloud:       %t\n", status.CloudEnabled)
		fmt.Printf("  Online:      %t\n", status.IsOnline)
		fmt.Printf("  Last sync:   %s\n", formatTime(status.LastSyncTime))
		fmt.Printf("  Queue:       %d pending\n", status.QueueLength)
		if n := len(eng.Failures()); n > 0 {
			fmt.Printf("  Failures:    %d (see 'worldsync queue failures')\n", n)
		}
		return nil
	},
}
