package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mailhop/mailhop/internal/message"
	"github.com/mailhop/mailhop/internal/queue"
	"github.com/mailhop/mailhop/internal/store"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Queue inspection commands",
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue and message statistics",
	RunE:  runQueueStats,
}

func init() {
	queueCmd.AddCommand(queueStatsCmd)
	rootCmd.AddCommand(queueCmd)
}

func runQueueStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	q, err := queue.NewBoltQueue(cfg.Storage.QueuePath)
	if err != nil {
		return fmt.Errorf("failed to open queue: %w", err)
	}
	defer q.Close()

	db, err := store.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	ctx := context.Background()
	stats, err := q.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to get queue stats: %w", err)
	}

	counts, err := message.NewStore(db.DB).CountByStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to count messages: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "QUEUE\tCOUNT")
	fmt.Fprintf(w, "ready\t%d\n", stats.Ready)
	fmt.Fprintf(w, "deferred\t%d\n", stats.Deferred)
	fmt.Fprintf(w, "leased\t%d\n", stats.Leased)
	fmt.Fprintf(w, "total\t%d\n", stats.Total)
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Println()
	w = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STATUS\tCOUNT")
	for _, st := range []message.Status{
		message.StatusQueued, message.StatusSent, message.StatusDelivered,
		message.StatusBounced, message.StatusFailed, message.StatusSuppressed,
	} {
		fmt.Fprintf(w, "%s\t%d\n", st, counts[st])
	}
	return w.Flush()
}
