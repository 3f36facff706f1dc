package gateway

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Middleware authenticates requests and places the acting user in context.
// Requests without a valid token are rejected with 401 problem+json.
func Middleware(svc *Service, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			credential, ok := bearerCredential(r)
			if !ok {
				httpx.RespondError(w, httpx.ErrUnauthorized)
				return
			}
			token, err := svc.Authenticate(r.Context(), credential)
			if err != nil {
				logger.Warn("gateway: authentication rejected", slog.String("path", r.URL.Path), slog.Any("error", err))
				httpx.RespondError(w, httpx.ErrUnauthorized)
				return
			}
			ctx := shared.ContextWithActor(r.Context(), shared.Actor{
				UserID:         token.UserID,
				OrganizationID: token.OrganizationID,
				TokenID:        token.ID,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerCredential(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	const scheme = "Bearer "
	if !strings.HasPrefix(header, scheme) {
		return "", false
	}
	credential := strings.TrimSpace(strings.TrimPrefix(header, scheme))
	return credential, credential != ""
}
