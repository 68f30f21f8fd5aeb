package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maxxine-systems/worldsync"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	syncTimeout time.Duration
	watchListen string
)

func init() {
	syncCmd.Flags().DurationVar(&syncTimeout, "timeout", 2*time.Minute, "Abort the cycle after this long")
	watchCmd.Flags().StringVar(&watchListen, "listen", "", "Serve signed change notifications on this address (e.g. :8085)")
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(watchCmd)
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle now",
	Long:  "Merge remote and local worlds, push the result, reconcile synced settings and replay the pending queue.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
		defer cancel()

		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		start := time.Now()
		if err := eng.ForceSync(ctx); err != nil {
			switch {
			case errors.Is(err, worldsync.ErrCloudDisabled):
				return fmt.Errorf("sync skipped: cloud sync is disabled or no remote is configured")
			case errors.Is(err, worldsync.ErrRemoteUnreachable):
				return fmt.Errorf("sync failed: remote unreachable (%d ops stay queued)", len(eng.PendingOps()))
			}
			return fmt.Errorf("sync failed: %w", err)
		}

		status := eng.GetSyncStatus()
		fmt.Printf("Sync completed in %s\n", time.Since(start).Round(time.Millisecond))
		fmt.Printf("  Last sync: %s\n", formatTime(status.LastSyncTime))
		fmt.Printf("  Queue:     %d pending\n", status.QueueLength)
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Keep syncing until interrupted",
	Long: "Run the periodic sync timer, the connectivity probe and the change feed, printing engine events.\n" +
		"Stops on SIGINT or SIGTERM.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		unsubscribe := eng.Subscribe(printEvent)
		defer unsubscribe()

		if err := eng.Start(ctx); err != nil {
			return err
		}

		var srv *http.Server
		if watchListen != "" {
			mux := http.NewServeMux()
			mux.Handle("/notify", eng.NotificationHandler())
			srv = &http.Server{Addr: watchListen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("Notification listener stopped", zap.Error(err))
				}
			}()
			fmt.Printf("Listening for notifications on %s/notify\n", watchListen)
		}

		eng.RequestSync("startup")
		fmt.Println("Watching. Press Ctrl+C to stop.")
		<-ctx.Done()

		if srv != nil {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}
		fmt.Println("Stopped.")
		return nil
	},
}

func printEvent(ev worldsync.Event) {
	ts := ev.At.Local().Format("15:04:05")
	switch ev.Type {
	case worldsync.EventConnectivityChanged:
		state := "offline"
		if ev.Online {
			state = "online"
		}
		fmt.Printf("[%s] connectivity: %s\n", ts, state)
	case worldsync.EventSyncStarted:
		fmt.Printf("[%s] sync started\n", ts)
	case worldsync.EventSyncCompleted:
		fmt.Printf("[%s] sync completed\n", ts)
	case worldsync.EventSyncFailed:
		final := ""
		if ev.Final {
			final = " (giving up)"
		}
		fmt.Printf("[%s] sync failed: %v%s\n", ts, ev.Err, final)
	case worldsync.EventSyncRetryScheduled:
		fmt.Printf("[%s] retry %d in %s\n", ts, ev.Attempt, ev.Delay)
	case worldsync.EventWorldsChanged:
		fmt.Printf("[%s] worlds changed: %d\n", ts, len(ev.WorldIDs))
	case worldsync.EventOpFailed:
		if ev.Failure != nil {
			fmt.Printf("[%s] dropped %s %s %s: %s\n", ts, ev.Failure.Op.Op, ev.Failure.Op.Target, ev.Failure.Op.TargetID, ev.Failure.Err)
		}
	case worldsync.EventQueueOverflow:
		fmt.Printf("[%s] queue is growing: %d pending\n", ts, ev.Attempt)
	default:
		fmt.Printf("[%s] %s\n", ts, ev.Type)
	}
}
