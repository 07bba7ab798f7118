package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mesaya/payment-service/internal/payment"
)

var reconcileOpts payment.ReconcileOptions

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Verify stale pending payments against their gateways",
	Long: `Query the gateway for every payment still pending after --older-than and apply
the remote status. Prints a JSON report.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}

		app, err := newApp(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize dependencies: %w", err)
		}
		defer app.Close(context.Background())

		report, err := app.Payments.Reconcile(ctx, reconcileOpts)
		if err != nil {
			return fmt.Errorf("reconcile: %w", err)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

func init() {
	reconcileCmd.Flags().DurationVar(&reconcileOpts.OlderThan, "older-than", 15*time.Minute, "only payments created before now minus this")
	reconcileCmd.Flags().IntVar(&reconcileOpts.Limit, "limit", 100, "maximum payments per run")
	reconcileCmd.Flags().IntVar(&reconcileOpts.Concurrency, "concurrency", 4, "concurrent gateway calls")

	rootCmd.AddCommand(reconcileCmd)
}
