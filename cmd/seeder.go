package cmd

import (
	"context"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/mesaya/payment-service/internal/auth"
	"github.com/mesaya/payment-service/internal/partner"
)

var (
	seedPartnerURL string
	seedAdminKey   string
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the database with a demo partner",
	Long:  `Register a demo partner subscribed to every event, for development and testing purposes.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()

		if seedAdminKey != "" {
			hash, err := auth.HashAdminKey(seedAdminKey)
			if err != nil {
				log.Fatalf("failed to hash admin key: %v", err)
			}
			fmt.Println("Admin key hash (set SECURITY_ADMIN_KEY_HASH):", hash)
		}

		cfg, err := loadConfig(configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}

		app, err := newApp(ctx, cfg)
		if err != nil {
			log.Fatalf("failed to init app: %v", err)
		}
		defer app.Close(ctx)

		existing, err := app.Partners.ListActive(ctx)
		if err != nil {
			log.Fatalf("failed to list partners: %v", err)
		}
		for _, p := range existing {
			if p.WebhookURL == seedPartnerURL {
				fmt.Println("demo partner already exists:", p.ID)
				return
			}
		}

		p, secret, err := app.Partners.Register(ctx, partner.RegisterInput{
			Name:        "Demo Partner",
			WebhookURL:  seedPartnerURL,
			Events:      []string{partner.AllEvents},
			Description: "seeded for local development",
		})
		if err != nil {
			log.Fatalf("failed to register demo partner: %v", err)
		}
		fmt.Println("Seeded demo partner:", p.ID)
		fmt.Println("Webhook secret:", secret)
	},
}

func init() {
	seedCmd.Flags().StringVar(&seedPartnerURL, "partner-url", "http://localhost:9000/webhooks/mesaya", "webhook URL of the demo partner")
	seedCmd.Flags().StringVar(&seedAdminKey, "admin-key", "", "also print the bcrypt hash of this admin key")

	rootCmd.AddCommand(seedCmd)
}
