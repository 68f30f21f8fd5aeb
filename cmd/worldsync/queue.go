package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var queueJSON bool

func init() {
	queueListCmd.Flags().BoolVar(&queueJSON, "json", false, "Output raw JSON")
	queueFailuresCmd.Flags().BoolVar(&queueJSON, "json", false, "Output raw JSON")

	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueDrainCmd)
	queueCmd.AddCommand(queueFailuresCmd)
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and replay pending operations",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List operations waiting for sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		ops := eng.PendingOps()
		if queueJSON {
			return printJSON(ops)
		}
		if len(ops) == 0 {
			fmt.Println("Queue is empty.")
			return nil
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tOP\tTARGET\tATTEMPTS\tENQUEUED\tLAST ERROR")
		for _, op := range ops {
			fmt.Fprintf(tw, "%d\t%s\t%s:%s\t%d\t%s\t%s\n",
				op.ID, op.Op, op.Target, op.TargetID, op.Attempts,
				op.EnqueuedAt.Local().Format("2006-01-02 15:04:05"), valueOrDefault(op.LastError, "-"))
		}
		return tw.Flush()
	},
}

var queueDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Replay queued operations without a full sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		report, err := eng.DrainQueue(ctx)
		if err != nil {
			return fmt.Errorf("drain failed: %w", err)
		}
		if report.Skipped {
			fmt.Println("Another drain is in progress.")
			return nil
		}
		fmt.Printf("Attempted: %d\n", report.Attempted)
		fmt.Printf("Confirmed: %d\n", report.Confirmed)
		fmt.Printf("Retrying:  %d\n", report.Retrying)
		fmt.Printf("Dropped:   %d\n", len(report.Failed))
		fmt.Printf("Remaining: %d\n", report.Remaining)
		return nil
	},
}

var queueFailuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "List operations dropped after too many attempts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		eng, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer eng.Close()

		failures := eng.Failures()
		if queueJSON {
			return printJSON(failures)
		}
		if len(failures) == 0 {
			fmt.Println("No failed operations.")
			return nil
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tOP\tTARGET\tFAILED\tERROR")
		for _, f := range failures {
			fmt.Fprintf(tw, "%d\t%s\t%s:%s\t%s\t%s\n",
				f.Op.ID, f.Op.Op, f.Op.Target, f.Op.TargetID,
				f.FailedAt.Local().Format("2006-01-02 15:04:05"), f.Err)
		}
		return tw.Flush()
	},
}
