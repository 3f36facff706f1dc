package rbachttp

import (
	"github.com/go-chi/chi/v5"
)

// MountRoutes registers the permission management API.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	r.Get("/roles", h.listRoles)
	r.Get("/permissions", h.listPermissions)

	r.Route("/roles/{roleID}", func(r chi.Router) {
		r.Get("/effective", h.effectivePermissions)
		r.Get("/effective/sources", h.effectivePermissionsWithSource)
		r.Get("/conflicts", h.listConflicts)
		r.Post("/permissions/grant", h.grantPermission)
		r.Post("/permissions/deny", h.denyPermission)
	})

	r.Route("/rules", func(r chi.Router) {
		r.Post("/", h.createRule)
		r.Patch("/{ruleID}", h.updateRule)
	})

	r.Post("/conflicts/{conflictID}/resolve", h.resolveConflict)

	r.Route("/dependencies", func(r chi.Router) {
		r.Get("/", h.listDependencies)
		r.Post("/", h.createDependency)
		r.Get("/{code}/closure", h.dependencyClosure)
	})

	r.Get("/users/{userID}/effective", h.userEffectivePermissions)
}
