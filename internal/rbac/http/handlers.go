// Package rbachttp exposes the permission engine as a JSON management API.
// Authentication happens upstream in the gateway middleware; this package
// enforces the management capabilities and maps domain errors to problem
// responses.
package rbachttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
	"github.com/meridian-erp/meridian-erp/internal/rbac"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

var validate = validator.New()

// Engine is the service contract the handlers need.
type Engine interface {
	CreateInheritanceRule(ctx context.Context, in rbac.CreateRuleInput) (rbac.InheritanceRule, error)
	UpdateInheritanceRule(ctx context.Context, in rbac.UpdateRuleInput) (rbac.InheritanceRule, error)
	InheritanceConflicts(ctx context.Context, roleID int64) ([]rbac.Conflict, error)
	ResolveConflict(ctx context.Context, in rbac.ResolveConflictInput) (rbac.Conflict, error)
	CreateDependency(ctx context.Context, in rbac.CreateDependencyInput) (rbac.PermissionDependency, error)
	Dependencies(ctx context.Context) ([]rbac.PermissionDependency, error)
	RequiredBy(ctx context.Context, code string) ([]string, error)
	EffectivePermissions(ctx context.Context, roleID int64) ([]string, error)
	EffectivePermissionsWithSource(ctx context.Context, roleID int64) (map[string]rbac.Source, error)
	UserEffectivePermissions(ctx context.Context, userID, organizationID int64) ([]string, error)
	GrantPermission(ctx context.Context, in rbac.RolePermissionInput) error
	DenyPermission(ctx context.Context, in rbac.RolePermissionInput) error
	Roles(ctx context.Context, organizationID int64) ([]rbac.Role, error)
	Permissions(ctx context.Context) ([]rbac.Permission, error)
	CanManageRoleInheritance(ctx context.Context, userID, organizationID int64) bool
	CanManageRolePermissions(ctx context.Context, userID, organizationID int64) bool
}

// IdempotencyStore guards mutating requests carrying an Idempotency-Key.
type IdempotencyStore interface {
	CheckAndInsert(ctx context.Context, key, module string) error
}

// Handler serves the permission management API.
type Handler struct {
	logger      *slog.Logger
	engine      Engine
	idempotency IdempotencyStore
}

// NewHandler constructs the handler. idempotency may be nil.
func NewHandler(logger *slog.Logger, engine Engine, idempotency IdempotencyStore) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, engine: engine, idempotency: idempotency}
}

type createRuleRequest struct {
	ParentRoleID  int64    `json:"parent_role_id" validate:"required,gt=0"`
	ChildRoleID   int64    `json:"child_role_id" validate:"required,gt=0"`
	Mode          string   `json:"mode" validate:"required,oneof=inherit_all selected_permissions"`
	SelectedCodes []string `json:"selected_permissions" validate:"omitempty,dive,min=1"`
	Priority      int      `json:"priority" validate:"gte=0,lte=1000"`
}

type updateRuleRequest struct {
	ParentRoleID  *int64    `json:"parent_role_id" validate:"omitempty,gt=0"`
	ChildRoleID   *int64    `json:"child_role_id" validate:"omitempty,gt=0"`
	Mode          *string   `json:"mode" validate:"omitempty,oneof=inherit_all selected_permissions"`
	SelectedCodes *[]string `json:"selected_permissions"`
	Priority      *int      `json:"priority" validate:"omitempty,gte=0,lte=1000"`
	IsActive      *bool     `json:"is_active"`
}

type rolePermissionRequest struct {
	Code string `json:"code" validate:"required,min=1"`
}

type createDependencyRequest struct {
	Code         string `json:"code" validate:"required,min=1"`
	RequiresCode string `json:"requires_code" validate:"required,min=1"`
}

type resolveConflictRequest struct {
	Resolution string `json:"resolution" validate:"required,oneof=keep_grant keep_deny resolve_by_priority"`
}

type ruleResponse struct {
	ID            int64    `json:"id"`
	ParentRoleID  int64    `json:"parent_role_id"`
	ChildRoleID   int64    `json:"child_role_id"`
	Mode          string   `json:"mode"`
	SelectedCodes []string `json:"selected_permissions,omitempty"`
	Priority      int      `json:"priority"`
	IsActive      bool     `json:"is_active"`
}

func toRuleResponse(r rbac.InheritanceRule) ruleResponse {
	return ruleResponse{
		ID:            r.ID,
		ParentRoleID:  r.ParentRoleID,
		ChildRoleID:   r.ChildRoleID,
		Mode:          string(r.Mode),
		SelectedCodes: r.SelectedCodes,
		Priority:      r.Priority,
		IsActive:      r.IsActive,
	}
}

func (h *Handler) createRule(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireManager(w, r, h.engine.CanManageRoleInheritance)
	if !ok {
		return
	}
	var req createRuleRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.checkIdempotency(w, r, "rbac.rules") {
		return
	}
	rule, err := h.engine.CreateInheritanceRule(r.Context(), rbac.CreateRuleInput{
		ParentRoleID:  req.ParentRoleID,
		ChildRoleID:   req.ChildRoleID,
		Mode:          rbac.InheritanceMode(req.Mode),
		SelectedCodes: req.SelectedCodes,
		Priority:      req.Priority,
		ActorID:       actor.UserID,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toRuleResponse(rule))
}

func (h *Handler) updateRule(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireManager(w, r, h.engine.CanManageRoleInheritance)
	if !ok {
		return
	}
	ruleID, ok := h.pathID(w, r, "ruleID")
	if !ok {
		return
	}
	var req updateRuleRequest
	if !h.decode(w, r, &req) {
		return
	}
	in := rbac.UpdateRuleInput{
		RuleID:        ruleID,
		ParentRoleID:  req.ParentRoleID,
		ChildRoleID:   req.ChildRoleID,
		SelectedCodes: req.SelectedCodes,
		Priority:      req.Priority,
		IsActive:      req.IsActive,
		ActorID:       actor.UserID,
	}
	if req.Mode != nil {
		mode := rbac.InheritanceMode(*req.Mode)
		in.Mode = &mode
	}
	rule, err := h.engine.UpdateInheritanceRule(r.Context(), in)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRuleResponse(rule))
}

func (h *Handler) listConflicts(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	conflicts, err := h.engine.InheritanceConflicts(r.Context(), roleID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"conflicts": conflicts})
}

func (h *Handler) resolveConflict(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireManager(w, r, h.engine.CanManageRoleInheritance)
	if !ok {
		return
	}
	conflictID, ok := h.pathID(w, r, "conflictID")
	if !ok {
		return
	}
	var req resolveConflictRequest
	if !h.decode(w, r, &req) {
		return
	}
	conflict, err := h.engine.ResolveConflict(r.Context(), rbac.ResolveConflictInput{
		ConflictID: conflictID,
		Resolution: rbac.ConflictResolution(req.Resolution),
		ActorID:    actor.UserID,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, conflict)
}

func (h *Handler) createDependency(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireManager(w, r, h.engine.CanManageRolePermissions)
	if !ok {
		return
	}
	var req createDependencyRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.checkIdempotency(w, r, "rbac.dependencies") {
		return
	}
	dep, err := h.engine.CreateDependency(r.Context(), rbac.CreateDependencyInput{
		Code:         req.Code,
		RequiresCode: req.RequiresCode,
		ActorID:      actor.UserID,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, dep)
}

func (h *Handler) listDependencies(w http.ResponseWriter, r *http.Request) {
	deps, err := h.engine.Dependencies(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"dependencies": deps})
}

func (h *Handler) dependencyClosure(w http.ResponseWriter, r *http.Request) {
	code := strings.TrimSpace(chi.URLParam(r, "code"))
	if code == "" {
		h.respondError(w, fmt.Errorf("%w: permission code required", rbac.ErrValidation))
		return
	}
	closure, err := h.engine.RequiredBy(r.Context(), code)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"code": rbac.NormalizeCode(code), "requires": closure})
}

func (h *Handler) effectivePermissions(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	codes, err := h.engine.EffectivePermissions(r.Context(), roleID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"role_id": roleID, "permissions": codes})
}

func (h *Handler) effectivePermissionsWithSource(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	sources, err := h.engine.EffectivePermissionsWithSource(r.Context(), roleID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"role_id": roleID, "permissions": sources})
}

func (h *Handler) userEffectivePermissions(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathID(w, r, "userID")
	if !ok {
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	organizationID := actor.OrganizationID
	if raw := strings.TrimSpace(r.URL.Query().Get("organization_id")); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			h.respondError(w, fmt.Errorf("%w: invalid organization_id %q", rbac.ErrValidation, raw))
			return
		}
		organizationID = id
	}
	codes, err := h.engine.UserEffectivePermissions(r.Context(), userID, organizationID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"user_id": userID, "organization_id": organizationID, "permissions": codes})
}

func (h *Handler) grantPermission(w http.ResponseWriter, r *http.Request) {
	h.setRolePermission(w, r, h.engine.GrantPermission)
}

func (h *Handler) denyPermission(w http.ResponseWriter, r *http.Request) {
	h.setRolePermission(w, r, h.engine.DenyPermission)
}

func (h *Handler) setRolePermission(w http.ResponseWriter, r *http.Request, apply func(context.Context, rbac.RolePermissionInput) error) {
	actor, ok := h.requireManager(w, r, h.engine.CanManageRolePermissions)
	if !ok {
		return
	}
	roleID, ok := h.pathID(w, r, "roleID")
	if !ok {
		return
	}
	var req rolePermissionRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.checkIdempotency(w, r, "rbac.role_permissions") {
		return
	}
	if err := apply(r.Context(), rbac.RolePermissionInput{RoleID: roleID, Code: req.Code, ActorID: actor.UserID}); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	actor, _ := shared.ActorFromContext(r.Context())
	roles, err := h.engine.Roles(r.Context(), actor.OrganizationID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.engine.Permissions(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

// requireManager checks the capability predicate for the acting user.
func (h *Handler) requireManager(w http.ResponseWriter, r *http.Request, can func(context.Context, int64, int64) bool) (shared.Actor, bool) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return shared.Actor{}, false
	}
	if !can(r.Context(), actor.UserID, actor.OrganizationID) {
		httpx.RespondError(w, httpx.ErrForbidden)
		return shared.Actor{}, false
	}
	return actor, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return false
	}
	if err := validate.Struct(target); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[strings.ToLower(fe.Field())] = fe.Tag()
			}
			httpx.JSON(w, http.StatusUnprocessableEntity, map[string]any{
				"title":  "Validation Failed",
				"status": http.StatusUnprocessableEntity,
				"fields": fields,
			})
			return false
		}
		httpx.RespondError(w, httpx.ErrValidation)
		return false
	}
	return true
}

// checkIdempotency consumes an optional Idempotency-Key header. A replayed
// key short-circuits with 409 before the mutation runs.
func (h *Handler) checkIdempotency(w http.ResponseWriter, r *http.Request, module string) bool {
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key == "" || h.idempotency == nil {
		return true
	}
	if _, err := uuid.Parse(key); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "Idempotency-Key must be a UUID")
		return false
	}
	if err := h.idempotency.CheckAndInsert(r.Context(), key, module); err != nil {
		if errors.Is(err, shared.ErrIdempotencyConflict) {
			httpx.Problem(w, http.StatusConflict, "Duplicate Request", "this idempotency key was already processed")
			return false
		}
		h.logger.Error("rbachttp: idempotency check", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return false
	}
	return true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		h.respondError(w, fmt.Errorf("%w: invalid %s %q", rbac.ErrValidation, name, raw))
		return 0, false
	}
	return id, true
}

// respondError maps domain errors onto problem responses. Cycle rejections
// include the detected path for diagnostics.
func (h *Handler) respondError(w http.ResponseWriter, err error) {
	var cycle *rbac.CycleError
	switch {
	case errors.As(err, &cycle):
		httpx.JSON(w, http.StatusConflict, map[string]any{
			"title":  "Circular Dependency",
			"status": http.StatusConflict,
			"detail": err.Error(),
			"cycle":  cycle.Path,
		})
	case errors.Is(err, rbac.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, rbac.ErrValidation):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
	case errors.Is(err, rbac.ErrState):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	default:
		h.logger.Error("rbachttp: request failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
