package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mesaya/payment-service/internal/idempotency"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the partner delivery worker pool",
	Long: `Start the worker pool that sends pending partner webhooks and retries failed ones.
The worker also purges expired idempotency keys and rotated-out partner secrets.`,
	Run: func(cmd *cobra.Command, args []string) {
		startWorker()
	},
}

var (
	maxWorkers    int
	jobQueueSize  int
	purgeInterval time.Duration
)

func startWorker() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	config, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Use command line flags if provided, otherwise use config values
	config.Partner.Delivery.Workers = getIntFlag(maxWorkers, config.Partner.Delivery.Workers)
	config.Partner.Delivery.QueueSize = getIntFlag(jobQueueSize, config.Partner.Delivery.QueueSize)

	app, err := newApp(ctx, config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}
	logger := app.Logger

	logger.Info("starting delivery worker",
		"workers", config.Partner.Delivery.Workers,
		"queue_size", config.Partner.Delivery.QueueSize,
		"poll_interval", config.Partner.Delivery.PollInterval,
		"purge_interval", purgeInterval)

	app.Pool.Start()

	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()

	logger.Info("delivery worker is running. Press Ctrl+C to stop.")

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			purge(ctx, app)
		}
	}

	logger.Info("received signal, shutting down delivery worker")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	shutdownDone := make(chan struct{})
	go func() {
		app.Pool.Shutdown()
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
		logger.Info("delivery worker pool shutdown complete")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout reached, forcing exit")
	}

	if err := app.Close(shutdownCtx); err != nil {
		logger.Error("error releasing resources", "error", err)
	}
}

func purge(ctx context.Context, app *App) {
	if n, err := app.Partners.PurgeExpiredSecrets(ctx); err != nil {
		app.Logger.Error("failed to purge expired partner secrets", "error", err)
	} else if n > 0 {
		app.Logger.Info("purged expired partner secrets", "count", n)
	}

	purger, ok := app.IdemStore.(idempotency.Purger)
	if !ok {
		return
	}
	if n, err := purger.PurgeExpired(ctx, time.Now().UTC()); err != nil {
		app.Logger.Error("failed to purge expired idempotency keys", "error", err)
	} else if n > 0 {
		app.Logger.Info("purged expired idempotency keys", "count", n)
	}
}

func getIntFlag(flagValue, configValue int) int {
	if flagValue > 0 {
		return flagValue
	}
	return configValue
}

func init() {
	workerCmd.Flags().IntVar(&maxWorkers, "max-workers", 0, "Maximum number of workers (overrides config)")
	workerCmd.Flags().IntVar(&jobQueueSize, "job-queue-size", 0, "Job queue buffer size (overrides config)")
	workerCmd.Flags().DurationVar(&purgeInterval, "purge-interval", 10*time.Minute, "How often expired keys and secrets are purged")

	rootCmd.AddCommand(workerCmd)
}
