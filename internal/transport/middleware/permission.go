package middleware

import (
	"log/slog"
	"net/http"

	"github.com/mesaya/payment-service/internal"
	"github.com/mesaya/payment-service/internal/auth"
)

const AdminKeyHeader = "X-Admin-Key"

// RequireAdminKey protects partner management routes.
func RequireAdminKey(admin *auth.AdminKey, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := admin.Check(r.Header.Get(AdminKeyHeader)); err != nil {
				log.Warn("admin key rejected",
					"method", r.Method,
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr)
				writeAppError(w, internal.ErrInvalidAdminKey)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
