package rbac

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Sentinel errors for the permission engine.
var (
	ErrNotFound           = errors.New("rbac: not found")
	ErrValidation         = errors.New("rbac: validation failed")
	ErrState              = errors.New("rbac: state conflict")
	ErrCircularDependency = errors.New("rbac: circular dependency")
)

// CycleError reports a rejected edge together with the cycle it would close.
// Path entries are role IDs or permission codes depending on the graph.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return "rbac: circular dependency: " + strings.Join(e.Path, " -> ")
}

// Is makes errors.Is(err, ErrCircularDependency) hold for cycle errors.
func (e *CycleError) Is(target error) bool {
	return target == ErrCircularDependency
}

func roleCyclePath(ids []int64) []string {
	path := make([]string, len(ids))
	for i, id := range ids {
		path[i] = strconv.FormatInt(id, 10)
	}
	return path
}

// Role is a named permission grouping scoped to one organization.
type Role struct {
	ID             int64
	OrganizationID int64
	Name           string
	Description    string
	IsActive       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Permission is an atomic capability identified by a stable code such as
// "orders.view". The catalog is managed by seeding, not by this package.
type Permission struct {
	ID          int64
	Code        string
	Module      string
	Description string
	CreatedAt   time.Time
}

// InheritanceMode selects how a rule carries permissions from parent to child.
type InheritanceMode string

const (
	// ModeInheritAll copies the parent's entire accumulated set.
	ModeInheritAll InheritanceMode = "inherit_all"
	// ModeSelected copies only the codes listed on the rule.
	ModeSelected InheritanceMode = "selected_permissions"
)

// Valid reports whether the mode is one of the supported values.
func (m InheritanceMode) Valid() bool {
	return m == ModeInheritAll || m == ModeSelected
}

// InheritanceRule is a directed parent→child edge in the role graph.
// Lower Priority values win when inherited contributions disagree.
type InheritanceRule struct {
	ID            int64
	ParentRoleID  int64
	ChildRoleID   int64
	Mode          InheritanceMode
	SelectedCodes []string
	Priority      int
	IsActive      bool
	CreatedBy     int64
	UpdatedBy     int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RolePermission is an explicit grant or deny placed directly on a role.
// An explicit entry always beats anything the role inherits.
type RolePermission struct {
	RoleID    int64
	Code      string
	Granted   bool
	GrantedBy int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PermissionDependency states that granting Code requires RequiresCode.
type PermissionDependency struct {
	ID           int64
	Code         string
	RequiresCode string
	CreatedBy    int64
	CreatedAt    time.Time
}

// ConflictKind categorises how a conflict arose.
type ConflictKind string

const (
	// ConflictPriorityTie marks inherited grant/deny disagreement that the
	// priority ordering cannot settle on its own.
	ConflictPriorityTie ConflictKind = "priority_tie"
	// ConflictDependencyDeny marks a denied permission that a dependency of a
	// granted permission keeps pulling back in.
	ConflictDependencyDeny ConflictKind = "dependency_deny"
)

// ConflictStatus tracks the lifecycle of a recorded conflict.
type ConflictStatus string

const (
	ConflictUnresolved ConflictStatus = "unresolved"
	ConflictResolved   ConflictStatus = "resolved"
)

// ConflictResolution names the strategy an operator applied.
type ConflictResolution string

const (
	ResolveKeepGrant  ConflictResolution = "keep_grant"
	ResolveKeepDeny   ConflictResolution = "keep_deny"
	ResolveByPriority ConflictResolution = "resolve_by_priority"
)

// Valid reports whether the resolution is one of the supported strategies.
func (r ConflictResolution) Valid() bool {
	return r == ResolveKeepGrant || r == ResolveKeepDeny || r == ResolveByPriority
}

// ConflictSource records one contribution that participates in a conflict.
type ConflictSource struct {
	RuleID        int64     `json:"rule_id,omitempty"`
	RoleID        int64     `json:"role_id"`
	Granted       bool      `json:"granted"`
	Priority      int       `json:"priority"`
	RuleCreatedAt time.Time `json:"rule_created_at,omitempty"`
	ViaCode       string    `json:"via_code,omitempty"`
}

// Conflict is a disagreement between inheritance paths (or between a deny and
// a dependency-driven grant) for one permission on one role. Conflicts are
// data, never resolution errors; operators settle them explicitly.
type Conflict struct {
	ID         int64
	RoleID     int64
	Code       string
	Kind       ConflictKind
	Detail     string
	Sources    []ConflictSource
	Status     ConflictStatus
	Resolution ConflictResolution
	Outcome    bool
	ResolvedBy int64
	ResolvedAt time.Time
	CreatedAt  time.Time
}

// key identifies the live signature of a conflict independent of storage.
func (c Conflict) key() string {
	return fmt.Sprintf("%d|%s|%s", c.RoleID, c.Code, c.Kind)
}

// UserRoleAssignment links a user to a role inside an organization, optionally
// bounded to a validity window. Zero times mean unbounded.
type UserRoleAssignment struct {
	UserID         int64
	RoleID         int64
	OrganizationID int64
	IsActive       bool
	ValidFrom      time.Time
	ValidTo        time.Time
	CreatedAt      time.Time
}

// ActiveAt reports whether the assignment applies at the given instant.
func (a UserRoleAssignment) ActiveAt(now time.Time) bool {
	if !a.IsActive {
		return false
	}
	if !a.ValidFrom.IsZero() && now.Before(a.ValidFrom) {
		return false
	}
	if !a.ValidTo.IsZero() && !now.Before(a.ValidTo) {
		return false
	}
	return true
}

// Source explains where one effective permission came from.
type Source struct {
	Code            string `json:"code"`
	GrantedByRoleID int64  `json:"granted_by_role_id"`
	RuleID          int64  `json:"rule_id,omitempty"`
	Inherited       bool   `json:"is_inherited"`
	ViaDependency   string `json:"via_dependency,omitempty"`
}

// Event is an audit record emitted by a successful mutation. The engine
// returns events as plain data; persisting them is the caller's job.
type Event struct {
	Action   string
	Entity   string
	EntityID string
	ActorID  int64
	Before   map[string]any
	After    map[string]any
	At       time.Time
}

// Audit actions and entities emitted by this package.
const (
	EntityInheritanceRule = "inheritance_rule"
	EntityRolePermission  = "role_permission"
	EntityDependency      = "permission_dependency"
	EntityConflict        = "inheritance_conflict"

	ActionRuleCreated      = "rbac.rule.created"
	ActionRuleUpdated      = "rbac.rule.updated"
	ActionPermissionGrant  = "rbac.permission.granted"
	ActionPermissionDeny   = "rbac.permission.denied"
	ActionDependencyAdded  = "rbac.dependency.created"
	ActionConflictResolved = "rbac.conflict.resolved"
)

// Capabilities required by the management surface.
const (
	PermManageInheritance = "roles.inheritance.manage"
	PermManagePermissions = "roles.permissions.manage"
	PermViewRoles         = "roles.view"
	PermViewPermissions   = "permissions.view"
)

// NormalizeCode lowercases and trims a permission code.
func NormalizeCode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}

func normalizeCodes(codes []string) []string {
	unique := make(map[string]struct{}, len(codes))
	normalized := make([]string, 0, len(codes))
	for _, c := range codes {
		c = NormalizeCode(c)
		if c == "" {
			continue
		}
		if _, ok := unique[c]; ok {
			continue
		}
		unique[c] = struct{}{}
		normalized = append(normalized, c)
	}
	return normalized
}
