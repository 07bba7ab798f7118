package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mesaya/payment-service/internal/delivery"
	"github.com/mesaya/payment-service/pkg/logger"
)

var webhookTestCmd = &cobra.Command{
	Use:   "webhook-test",
	Short: "Send a signed sample webhook",
	Long: `Send one signed sample event to a URL, or to a registered partner with --partner-id.
Useful to check that a receiver verifies our signature.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendTestWebhook(cmd.Context())
	},
}

var (
	testURL       string
	testSecret    string
	testPartnerID string
	testEventType string
	testMessage   string
)

func sendTestWebhook(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	log := logger.LoggerWrapper()

	sender := delivery.NewSender(delivery.SenderConfig{Timeout: 10 * time.Second}, log)

	if testPartnerID != "" {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		app, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer app.Close(context.Background())

		p, err := app.Partners.Get(ctx, testPartnerID)
		if err != nil {
			return err
		}
		if testURL == "" {
			testURL = p.WebhookURL
		}
		testSecret = p.Secret
		sender = app.Sender
	}

	if testURL == "" || testSecret == "" {
		return fmt.Errorf("--url and --secret are required without --partner-id")
	}

	ev := delivery.Event{
		ID:         uuid.New().String(),
		Type:       testEventType,
		OccurredAt: time.Now().UTC(),
		Data: map[string]interface{}{
			"message": testMessage,
			"source":  "cli-command",
		},
	}
	body, err := ev.Body()
	if err != nil {
		return err
	}

	log.Info("sending test webhook", "url", testURL, "event_id", ev.ID, "event_type", ev.Type)

	status, err := sender.Send(ctx, delivery.Request{
		URL:       testURL,
		Secret:    testSecret,
		PartnerID: testPartnerID,
		EventID:   ev.ID,
		EventType: ev.Type,
		Body:      body,
	})
	if err != nil {
		return fmt.Errorf("test webhook failed (status %d): %w", status, err)
	}

	log.Info("test webhook delivered", "status", status)
	return nil
}

func init() {
	webhookTestCmd.Flags().StringVar(&testURL, "url", "", "receiver URL")
	webhookTestCmd.Flags().StringVar(&testSecret, "secret", "", "signing secret")
	webhookTestCmd.Flags().StringVar(&testPartnerID, "partner-id", "", "registered partner to send to")
	webhookTestCmd.Flags().StringVar(&testEventType, "event-type", delivery.TestEventType, "event type")
	webhookTestCmd.Flags().StringVar(&testMessage, "data", "test webhook from MesaYA payment service", "event data message")

	rootCmd.AddCommand(webhookTestCmd)
}
