package rbac

import (
	"context"
	"time"
)

// GraphReader supplies the role graph to the engines. Implementations must be
// safe for concurrent use; the resolution path is read-only.
type GraphReader interface {
	GetRole(ctx context.Context, id int64) (Role, error)
	// ListRoles returns roles for one organization, or every organization
	// when organizationID is zero.
	ListRoles(ctx context.Context, organizationID int64) ([]Role, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
	GetPermission(ctx context.Context, code string) (Permission, error)

	GetRule(ctx context.Context, id int64) (InheritanceRule, error)
	// ListRulesInto returns the rules whose child is the given role.
	ListRulesInto(ctx context.Context, childRoleID int64) ([]InheritanceRule, error)
	// ListRulesFrom returns the rules whose parent is the given role.
	ListRulesFrom(ctx context.Context, parentRoleID int64) ([]InheritanceRule, error)

	ListRolePermissions(ctx context.Context, roleID int64) ([]RolePermission, error)
	ListDependencies(ctx context.Context) ([]PermissionDependency, error)

	GetConflict(ctx context.Context, id int64) (Conflict, error)
	ListConflicts(ctx context.Context, roleID int64) ([]Conflict, error)

	ListAssignments(ctx context.Context, userID, organizationID int64) ([]UserRoleAssignment, error)
}

// TxPort extends reads with the mutations the engines perform. Every method
// runs inside the transaction opened by RepositoryPort.WithTx.
type TxPort interface {
	GraphReader

	// LockRole serializes concurrent writers touching the same role.
	LockRole(ctx context.Context, roleID int64) error

	InsertRule(ctx context.Context, rule InheritanceRule) (InheritanceRule, error)
	UpdateRule(ctx context.Context, rule InheritanceRule) (InheritanceRule, error)
	UpsertRolePermission(ctx context.Context, rp RolePermission) (RolePermission, error)
	InsertDependency(ctx context.Context, dep PermissionDependency) (PermissionDependency, error)
	InsertConflict(ctx context.Context, c Conflict) (Conflict, error)
	UpdateConflict(ctx context.Context, c Conflict) (Conflict, error)
}

// RepositoryPort is the persistence contract the service depends on.
// A failed WithTx callback must leave no partial writes behind.
type RepositoryPort interface {
	GraphReader
	WithTx(ctx context.Context, fn func(tx TxPort) error) error
}

// AuditPort persists audit events after a mutation commits.
type AuditPort interface {
	Record(ctx context.Context, events []Event) error
}

// CachePort caches effective permission sets. FetchEffective returns the
// cached value or invokes load and stores the result; Invalidate drops the
// given roles on every instance; InvalidateAll drops the whole generation.
type CachePort interface {
	FetchEffective(ctx context.Context, roleID int64, load func(context.Context) ([]string, error)) ([]string, error)
	Invalidate(ctx context.Context, roleIDs ...int64) error
	InvalidateAll(ctx context.Context) error
}

// MetricsPort receives engine-level observations. Implementations must accept
// a nil receiver being absent; the service guards every call.
type MetricsPort interface {
	ObserveResolution(d time.Duration, err error)
	AddCycleRejection()
	AddConflictsDetected(n int)
}
