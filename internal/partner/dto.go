package partner

import (
	"time"

	"github.com/mesaya/payment-service/internal/core/datamodel/partner"
)

type RegisterPartnerRequest struct {
	Name         string   `json:"name"`
	WebhookURL   string   `json:"webhook_url"`
	Events       []string `json:"events"`
	Description  string   `json:"description,omitempty"`
	ContactEmail string   `json:"contact_email,omitempty"`
}

func (r *RegisterPartnerRequest) ToInput() RegisterInput {
	return RegisterInput{
		Name:         r.Name,
		WebhookURL:   r.WebhookURL,
		Events:       r.Events,
		Description:  r.Description,
		ContactEmail: r.ContactEmail,
	}
}

type UpdatePartnerRequest struct {
	Name         *string  `json:"name,omitempty"`
	WebhookURL   *string  `json:"webhook_url,omitempty"`
	Events       []string `json:"events,omitempty"`
	Status       *string  `json:"status,omitempty"`
	Description  *string  `json:"description,omitempty"`
	ContactEmail *string  `json:"contact_email,omitempty"`
}

func (r *UpdatePartnerRequest) ToInput() UpdateInput {
	return UpdateInput{
		Name:         r.Name,
		WebhookURL:   r.WebhookURL,
		Events:       r.Events,
		Status:       r.Status,
		Description:  r.Description,
		ContactEmail: r.ContactEmail,
	}
}

// PartnerResponse never carries secrets.
type PartnerResponse struct {
	ID                  string     `json:"id"`
	Name                string     `json:"name"`
	WebhookURL          string     `json:"webhook_url"`
	Events              []string   `json:"events"`
	Status              string     `json:"status"`
	Description         *string    `json:"description,omitempty"`
	ContactEmail        *string    `json:"contact_email,omitempty"`
	TotalWebhooksSent   int64      `json:"total_webhooks_sent"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastWebhookAt       *time.Time `json:"last_webhook_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

func ToPartnerResponse(p *partner.Partner) PartnerResponse {
	return PartnerResponse{
		ID:                  p.ID,
		Name:                p.Name,
		WebhookURL:          p.WebhookURL,
		Events:              []string(p.Events),
		Status:              p.Status,
		Description:         p.Description,
		ContactEmail:        p.ContactEmail,
		TotalWebhooksSent:   p.TotalWebhooksSent,
		ConsecutiveFailures: p.ConsecutiveFailures,
		LastWebhookAt:       p.LastWebhookAt,
		CreatedAt:           p.CreatedAt,
		UpdatedAt:           p.UpdatedAt,
	}
}

func ToPartnerListResponse(partners []*partner.Partner) PartnerListResponse {
	resp := PartnerListResponse{Partners: make([]PartnerResponse, 0, len(partners))}
	for _, p := range partners {
		resp.Partners = append(resp.Partners, ToPartnerResponse(p))
	}
	resp.Total = len(resp.Partners)
	return resp
}

type PartnerListResponse struct {
	Partners []PartnerResponse `json:"partners"`
	Total    int               `json:"total"`
}

// RegisterPartnerResponse is the only response that reveals the secret.
type RegisterPartnerResponse struct {
	Partner PartnerResponse `json:"partner"`
	Secret  string          `json:"secret"`
}

type RotateSecretResponse struct {
	PartnerID               string    `json:"partner_id"`
	Secret                  string    `json:"secret"`
	PreviousSecretExpiresAt time.Time `json:"previous_secret_expires_at"`
}
