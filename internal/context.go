package internal

import (
	"context"
	"time"
)

type ctxKey string

const ContextPartnerIDKey ctxKey = "partnerID"

// PartnerIDFromContext returns the partner whose webhook signature was verified for this request.
func PartnerIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(ContextPartnerIDKey).(string); ok {
		return id
	}
	return ""
}

func ContextWithPartnerID(ctx context.Context, partnerID string) context.Context {
	return context.WithValue(ctx, ContextPartnerIDKey, partnerID)
}

// WithTimeout returns a context with timeout, defaulting to 5 seconds if duration is zero or negative.
func WithTimeout(ctx context.Context, duration time.Duration) (context.Context, context.CancelFunc) {
	if duration <= 0 {
		duration = 5 * time.Second
	}
	return context.WithTimeout(ctx, duration)
}
