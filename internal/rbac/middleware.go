package rbac

import (
	"log/slog"
	"net/http"

	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Middleware enforces permission checks on HTTP routes. It expects an
// authenticated actor in the request context; the gateway puts one there.
type Middleware struct {
	Service *Service
	Logger  *slog.Logger
}

// RequireAny admits the request when the actor holds at least one of the
// given permission codes.
func (m Middleware) RequireAny(codes ...string) func(http.Handler) http.Handler {
	required := normalizeCodes(codes)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(required) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			granted, ok := m.effective(w, r)
			if !ok {
				return
			}
			for _, c := range required {
				if _, held := granted[c]; held {
					next.ServeHTTP(w, r)
					return
				}
			}
			httpx.RespondError(w, httpx.ErrForbidden)
		})
	}
}

// RequireAll admits the request only when the actor holds every one of the
// given permission codes.
func (m Middleware) RequireAll(codes ...string) func(http.Handler) http.Handler {
	required := normalizeCodes(codes)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			granted, ok := m.effective(w, r)
			if !ok {
				return
			}
			for _, c := range required {
				if _, held := granted[c]; !held {
					httpx.RespondError(w, httpx.ErrForbidden)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// effective resolves the actor's permission set, writing the error response
// itself when the request cannot proceed.
func (m Middleware) effective(w http.ResponseWriter, r *http.Request) (map[string]struct{}, bool) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return nil, false
	}
	codes, err := m.Service.UserEffectivePermissions(r.Context(), actor.UserID, actor.OrganizationID)
	if err != nil {
		if m.Logger != nil {
			m.Logger.Error("rbac: resolve actor permissions", slog.Int64("user_id", actor.UserID), slog.Any("error", err))
		}
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return nil, false
	}
	set := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		set[c] = struct{}{}
	}
	return set, true
}
