package rbac

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// CreateRuleInput carries the fields for a new inheritance rule.
type CreateRuleInput struct {
	ParentRoleID  int64
	ChildRoleID   int64
	Mode          InheritanceMode
	SelectedCodes []string
	Priority      int
	ActorID       int64
}

// UpdateRuleInput carries a partial update; nil fields keep current values.
type UpdateRuleInput struct {
	RuleID        int64
	ParentRoleID  *int64
	ChildRoleID   *int64
	Mode          *InheritanceMode
	SelectedCodes *[]string
	Priority      *int
	IsActive      *bool
	ActorID       int64
}

// RolePermissionInput identifies an explicit grant or deny target.
type RolePermissionInput struct {
	RoleID  int64
	Code    string
	ActorID int64
}

// CreateDependencyInput carries a new permission dependency edge.
type CreateDependencyInput struct {
	Code         string
	RequiresCode string
	ActorID      int64
}

// ResolveConflictInput carries an operator decision for a stored conflict.
type ResolveConflictInput struct {
	ConflictID int64
	Resolution ConflictResolution
	ActorID    int64
}

// Service is the entry point for callers. Mutations run inside a store
// transaction; the emitted audit events are persisted and caches invalidated
// only after the transaction commits. Reads are pure graph walks.
type Service struct {
	repo    RepositoryPort
	audit   AuditPort
	cache   CachePort
	metrics MetricsPort
	logger  *slog.Logger
	now     func() time.Time
}

// NewService wires the service. audit, cache and metrics may be nil.
func NewService(repo RepositoryPort, audit AuditPort, cache CachePort, metrics MetricsPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:    repo,
		audit:   audit,
		cache:   cache,
		metrics: metrics,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// CreateInheritanceRule validates and inserts a parent→child rule, rejecting
// edges that would let a role inherit from itself.
func (s *Service) CreateInheritanceRule(ctx context.Context, in CreateRuleInput) (InheritanceRule, error) {
	var (
		rule  InheritanceRule
		event Event
	)
	err := s.repo.WithTx(ctx, func(tx TxPort) error {
		var err error
		rule, event, err = createRule(ctx, tx, in, s.now())
		return err
	})
	if err != nil {
		if isCycle(err) && s.metrics != nil {
			s.metrics.AddCycleRejection()
		}
		return InheritanceRule{}, err
	}
	s.afterMutation(ctx, event, rule.ChildRoleID)
	return rule, nil
}

// UpdateInheritanceRule applies a partial update, re-running the cycle check
// when either endpoint moves.
func (s *Service) UpdateInheritanceRule(ctx context.Context, in UpdateRuleInput) (InheritanceRule, error) {
	var (
		rule   InheritanceRule
		event  Event
		oldTop int64
	)
	err := s.repo.WithTx(ctx, func(tx TxPort) error {
		existing, err := tx.GetRule(ctx, in.RuleID)
		if err != nil {
			return err
		}
		oldTop = existing.ChildRoleID
		rule, event, err = updateRule(ctx, tx, in, s.now())
		return err
	})
	if err != nil {
		if isCycle(err) && s.metrics != nil {
			s.metrics.AddCycleRejection()
		}
		return InheritanceRule{}, err
	}
	s.afterMutation(ctx, event, rule.ChildRoleID, oldTop)
	return rule, nil
}

// GrantPermission places an explicit grant directly on a role.
func (s *Service) GrantPermission(ctx context.Context, in RolePermissionInput) error {
	return s.setRolePermission(ctx, in, true)
}

// DenyPermission places an explicit deny directly on a role. The deny beats
// anything the role inherits.
func (s *Service) DenyPermission(ctx context.Context, in RolePermissionInput) error {
	return s.setRolePermission(ctx, in, false)
}

func (s *Service) setRolePermission(ctx context.Context, in RolePermissionInput, granted bool) error {
	var event Event
	err := s.repo.WithTx(ctx, func(tx TxPort) error {
		var err error
		_, event, err = setRolePermission(ctx, tx, in, granted, s.now())
		return err
	})
	if err != nil {
		return err
	}
	s.afterMutation(ctx, event, in.RoleID)
	return nil
}

// CreateDependency records that Code requires RequiresCode, rejecting edges
// that would make a permission transitively require itself.
func (s *Service) CreateDependency(ctx context.Context, in CreateDependencyInput) (PermissionDependency, error) {
	var (
		dep   PermissionDependency
		event Event
	)
	err := s.repo.WithTx(ctx, func(tx TxPort) error {
		var err error
		dep, event, err = createDependency(ctx, tx, in, s.now())
		return err
	})
	if err != nil {
		if isCycle(err) && s.metrics != nil {
			s.metrics.AddCycleRejection()
		}
		return PermissionDependency{}, err
	}
	if s.audit != nil {
		if auditErr := s.audit.Record(ctx, []Event{event}); auditErr != nil {
			s.logger.Error("rbac: record audit event", slog.String("action", event.Action), slog.Any("error", auditErr))
		}
	}
	// A new dependency edge can widen any role's effective set, so the
	// whole cache generation is dropped rather than chasing affected roles.
	if s.cache != nil {
		if cacheErr := s.cache.InvalidateAll(ctx); cacheErr != nil {
			s.logger.Error("rbac: invalidate cache", slog.Any("error", cacheErr))
		}
	}
	return dep, nil
}

// Dependencies lists every recorded dependency edge.
func (s *Service) Dependencies(ctx context.Context) ([]PermissionDependency, error) {
	return s.repo.ListDependencies(ctx)
}

// RequiredBy returns the transitive closure of permissions required by code,
// excluding code itself.
func (s *Service) RequiredBy(ctx context.Context, code string) ([]string, error) {
	deps, err := s.repo.ListDependencies(ctx)
	if err != nil {
		return nil, err
	}
	return dependencyClosure(dependencyAdjacency(deps), NormalizeCode(code)), nil
}

// EffectivePermissions resolves the effective permission set for a role,
// answering from the cache when one is wired.
func (s *Service) EffectivePermissions(ctx context.Context, roleID int64) ([]string, error) {
	load := func(ctx context.Context) ([]string, error) {
		started := time.Now()
		res, err := s.resolve(ctx, roleID)
		if s.metrics != nil {
			s.metrics.ObserveResolution(time.Since(started), err)
		}
		if err != nil {
			return nil, err
		}
		return res.Codes(), nil
	}
	if s.cache == nil {
		return load(ctx)
	}
	return s.cache.FetchEffective(ctx, roleID, load)
}

// EffectivePermissionsWithSource resolves a role and annotates every granted
// code with its highest-precedence contributor. Always computed fresh.
func (s *Service) EffectivePermissionsWithSource(ctx context.Context, roleID int64) (map[string]Source, error) {
	started := time.Now()
	res, err := s.resolve(ctx, roleID)
	if s.metrics != nil {
		s.metrics.ObserveResolution(time.Since(started), err)
	}
	if err != nil {
		return nil, err
	}
	return res.Grants, nil
}

// UserEffectivePermissions unions the effective sets of every active,
// in-window role assignment the user holds in the organization. Roles
// resolve in parallel; the union is deterministic.
func (s *Service) UserEffectivePermissions(ctx context.Context, userID, organizationID int64) ([]string, error) {
	assignments, err := s.repo.ListAssignments(ctx, userID, organizationID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	roleIDs := make([]int64, 0, len(assignments))
	seen := make(map[int64]struct{}, len(assignments))
	for _, a := range assignments {
		if !a.ActiveAt(now) {
			continue
		}
		if _, dup := seen[a.RoleID]; dup {
			continue
		}
		seen[a.RoleID] = struct{}{}
		roleIDs = append(roleIDs, a.RoleID)
	}
	if len(roleIDs) == 0 {
		return []string{}, nil
	}

	var mu sync.Mutex
	union := make(map[string]struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, roleID := range roleIDs {
		g.Go(func() error {
			codes, err := s.EffectivePermissions(gctx, roleID)
			if err != nil {
				return err
			}
			mu.Lock()
			for _, c := range codes {
				union[c] = struct{}{}
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]string, 0, len(union))
	for c := range union {
		out = append(out, c)
	}
	sort.Strings(out)
	return out, nil
}

// InheritanceConflicts returns the conflicts visible for a role: the ones the
// current graph produces plus stored records the current state no longer
// reproduces (typically already resolved ones).
func (s *Service) InheritanceConflicts(ctx context.Context, roleID int64) ([]Conflict, error) {
	res, err := s.resolve(ctx, roleID)
	if err != nil {
		return nil, err
	}
	stored, err := s.repo.ListConflicts(ctx, roleID)
	if err != nil {
		return nil, err
	}

	byKey := make(map[string]Conflict, len(stored))
	for _, c := range stored {
		byKey[c.key()] = c
	}
	out := make([]Conflict, 0, len(res.Conflicts)+len(stored))
	live := make(map[string]struct{}, len(res.Conflicts))
	for _, c := range res.Conflicts {
		live[c.key()] = struct{}{}
		if existing, ok := byKey[c.key()]; ok {
			out = append(out, existing)
			continue
		}
		out = append(out, c)
	}
	for _, c := range stored {
		if _, ok := live[c.key()]; !ok {
			out = append(out, c)
		}
	}
	if s.metrics != nil {
		s.metrics.AddConflictsDetected(len(res.Conflicts))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Code != out[j].Code {
			return out[i].Code < out[j].Code
		}
		return out[i].Kind < out[j].Kind
	})
	return out, nil
}

// StoreDetectedConflicts persists the live conflicts of a role that have no
// stored counterpart yet. Used by the periodic conflict scan.
func (s *Service) StoreDetectedConflicts(ctx context.Context, roleID int64) (int, error) {
	res, err := s.resolve(ctx, roleID)
	if err != nil {
		return 0, err
	}
	if len(res.Conflicts) == 0 {
		return 0, nil
	}
	inserted := 0
	err = s.repo.WithTx(ctx, func(tx TxPort) error {
		stored, err := tx.ListConflicts(ctx, roleID)
		if err != nil {
			return err
		}
		known := make(map[string]struct{}, len(stored))
		for _, c := range stored {
			known[c.key()] = struct{}{}
		}
		now := s.now()
		for _, c := range res.Conflicts {
			if _, ok := known[c.key()]; ok {
				continue
			}
			c.CreatedAt = now
			if _, err := tx.InsertConflict(ctx, c); err != nil {
				return err
			}
			inserted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if inserted > 0 && s.metrics != nil {
		s.metrics.AddConflictsDetected(inserted)
	}
	return inserted, nil
}

// ResolveConflict applies an operator decision. Re-resolving with the same
// outcome is a no-op; a different outcome fails with ErrState.
func (s *Service) ResolveConflict(ctx context.Context, in ResolveConflictInput) (Conflict, error) {
	var (
		conflict Conflict
		event    Event
		changed  bool
	)
	err := s.repo.WithTx(ctx, func(tx TxPort) error {
		var err error
		conflict, event, changed, err = resolveConflict(ctx, tx, in, s.now())
		return err
	})
	if err != nil {
		return Conflict{}, err
	}
	if changed {
		s.afterMutation(ctx, event, conflict.RoleID)
	}
	return conflict, nil
}

// Roles lists the roles of one organization (all organizations when zero).
func (s *Service) Roles(ctx context.Context, organizationID int64) ([]Role, error) {
	return s.repo.ListRoles(ctx, organizationID)
}

// Role fetches a single role.
func (s *Service) Role(ctx context.Context, id int64) (Role, error) {
	return s.repo.GetRole(ctx, id)
}

// Permissions lists the permission catalog.
func (s *Service) Permissions(ctx context.Context) ([]Permission, error) {
	return s.repo.ListPermissions(ctx)
}

// CanManageRoleInheritance reports whether the user holds the inheritance
// management capability in the organization. Resolution failures deny.
func (s *Service) CanManageRoleInheritance(ctx context.Context, userID, organizationID int64) bool {
	return s.userHas(ctx, userID, organizationID, PermManageInheritance)
}

// CanManageRolePermissions reports whether the user holds the role-permission
// management capability in the organization. Resolution failures deny.
func (s *Service) CanManageRolePermissions(ctx context.Context, userID, organizationID int64) bool {
	return s.userHas(ctx, userID, organizationID, PermManagePermissions)
}

// UserHasPermission checks one code against the user's effective set.
func (s *Service) UserHasPermission(ctx context.Context, userID, organizationID int64, code string) (bool, error) {
	codes, err := s.UserEffectivePermissions(ctx, userID, organizationID)
	if err != nil {
		return false, err
	}
	code = NormalizeCode(code)
	for _, c := range codes {
		if c == code {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) userHas(ctx context.Context, userID, organizationID int64, code string) bool {
	ok, err := s.UserHasPermission(ctx, userID, organizationID, code)
	if err != nil {
		s.logger.Error("rbac: capability check", slog.Int64("user_id", userID), slog.String("code", code), slog.Any("error", err))
		return false
	}
	return ok
}

func (s *Service) resolve(ctx context.Context, roleID int64) (resolution, error) {
	calc := &calculator{reader: s.repo}
	return calc.resolve(ctx, roleID)
}

// afterMutation persists the audit event and drops cached results for the
// affected roles and everything inheriting from them. Both are best-effort:
// the mutation already committed.
func (s *Service) afterMutation(ctx context.Context, event Event, roleIDs ...int64) {
	if s.audit != nil && event.Action != "" {
		if err := s.audit.Record(ctx, []Event{event}); err != nil {
			s.logger.Error("rbac: record audit event", slog.String("action", event.Action), slog.Any("error", err))
		}
	}
	if s.cache == nil {
		return
	}
	affected := make(map[int64]struct{})
	for _, id := range roleIDs {
		if id == 0 {
			continue
		}
		affected[id] = struct{}{}
		descendants, err := descendantRoles(ctx, s.repo, id)
		if err != nil {
			s.logger.Error("rbac: collect descendants for invalidation", slog.Int64("role_id", id), slog.Any("error", err))
			continue
		}
		for _, d := range descendants {
			affected[d] = struct{}{}
		}
	}
	ids := make([]int64, 0, len(affected))
	for id := range affected {
		ids = append(ids, id)
	}
	sortIDs(ids)
	if len(ids) == 0 {
		return
	}
	if err := s.cache.Invalidate(ctx, ids...); err != nil {
		s.logger.Error("rbac: invalidate cache", slog.Any("error", err))
	}
}

func isCycle(err error) bool {
	var ce *CycleError
	return errors.As(err, &ce)
}
