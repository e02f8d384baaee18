package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/zapflow/internal/config"
	"github.com/foxzi/zapflow/internal/queue"
)

var dlqListLimit int

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Job queue management commands",
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-topic queue statistics",
	RunE:  runQueueStats,
}

var queueCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Purge expired dedup keys, stale leases and old dead letters",
	RunE:  runQueueCleanup,
}

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Dead letter queue commands",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered jobs",
	RunE:  runDLQList,
}

var dlqRetryCmd = &cobra.Command{
	Use:   "retry <job_id>",
	Short: "Move a dead-lettered job back to its topic",
	Args:  cobra.ExactArgs(1),
	RunE:  runDLQRetry,
}

var dlqDeleteCmd = &cobra.Command{
	Use:   "delete <job_id>",
	Short: "Delete a dead-lettered job",
	Args:  cobra.ExactArgs(1),
	RunE:  runDLQDelete,
}

func init() {
	dlqListCmd.Flags().IntVar(&dlqListLimit, "limit", 50, "Maximum number of jobs to show")

	dlqCmd.AddCommand(dlqListCmd, dlqRetryCmd, dlqDeleteCmd)
	queueCmd.AddCommand(queueStatsCmd, queueCleanupCmd, dlqCmd)
	rootCmd.AddCommand(queueCmd)
}

func openQueueStorage() (*queue.BoltStorage, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	storage, err := queue.NewBoltStorage(cfg.Storage.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open queue storage: %w", err)
	}
	return storage, cfg, nil
}

func runQueueStats(cmd *cobra.Command, args []string) error {
	storage, _, err := openQueueStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	ctx := context.Background()
	stats, err := storage.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to get stats: %w", err)
	}
	dlq, err := storage.DLQStats(ctx)
	if err != nil {
		return fmt.Errorf("failed to get DLQ stats: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TOPIC\tREADY\tLEASED\tFAILED")
	for _, topic := range []string{queue.TopicCampaigns, queue.TopicWebhooks} {
		st := stats[topic]
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", topic, st.Ready, st.Leased, st.Failed)
	}
	w.Flush()

	fmt.Printf("\nDead letters: %d", dlq.Total)
	if !dlq.OldestAt.IsZero() {
		fmt.Printf(" (oldest %s)", dlq.OldestAt.Format(time.RFC3339))
	}
	fmt.Println()
	return nil
}

func runQueueCleanup(cmd *cobra.Command, args []string) error {
	storage, cfg, err := openQueueStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	cleaner := queue.NewCleaner(storage, queue.CleanerConfig{
		DLQMaxAge:   cfg.Storage.DLQMaxAge,
		DLQMaxCount: cfg.Storage.DLQMaxCount,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	res := cleaner.RunOnce(context.Background())
	fmt.Printf("Removed %d dedup keys, %d leases, %d dead letters\n", res.Dedup, res.Leases, res.DLQ)
	return nil
}

func runDLQList(cmd *cobra.Command, args []string) error {
	storage, _, err := openQueueStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	jobs, err := storage.ListDLQ(context.Background(), dlqListLimit, 0)
	if err != nil {
		return fmt.Errorf("failed to list DLQ: %w", err)
	}
	if len(jobs) == 0 {
		fmt.Println("No dead-lettered jobs")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTOPIC\tKEY\tATTEMPTS\tUPDATED\tERROR")
	for _, job := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			job.ID, job.Topic, job.Key, job.Attempts, job.UpdatedAt.Format(time.RFC3339), truncate(job.LastError, 60))
	}
	return w.Flush()
}

func runDLQRetry(cmd *cobra.Command, args []string) error {
	storage, _, err := openQueueStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	if err := storage.RetryFromDLQ(context.Background(), args[0]); err != nil {
		return fmt.Errorf("failed to retry job: %w", err)
	}
	fmt.Printf("Job %s moved back to its topic\n", args[0])
	return nil
}

func runDLQDelete(cmd *cobra.Command, args []string) error {
	storage, _, err := openQueueStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	if err := storage.DeleteFromDLQ(context.Background(), args[0]); err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	fmt.Printf("Job %s deleted\n", args[0])
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
