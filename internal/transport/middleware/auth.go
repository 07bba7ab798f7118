package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mesaya/payment-service/internal"
	"github.com/mesaya/payment-service/internal/auth"
	"github.com/mesaya/payment-service/pkg/logger"
)

func writeAppError(w http.ResponseWriter, appErr *internal.AppError) {
	status, body := appErr.ToHTTPResponse()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// ServiceAuth requires a bearer token from a MesaYA service. A nil verifier disables the check.
func ServiceAuth(verifier *auth.TokenVerifier, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if verifier == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				writeAppError(w, internal.ErrInvalidToken)
				return
			}

			claims, err := verifier.Verify(token)
			if err != nil {
				log.Warn("service token rejected", "path", r.URL.Path, "error", err)
				appErr, _ := internal.IsAppError(err)
				writeAppError(w, appErr)
				return
			}

			ctx := auth.WithClaims(r.Context(), claims)
			ctx = logger.With(ctx, "service", claims.Service)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
