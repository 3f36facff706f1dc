package rbac

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// memStore is an in-memory RepositoryPort used across the package tests.
// WithTx operates on a deep copy and swaps it in on success, so a failed
// callback leaves no partial writes behind.
type memStore struct {
	mu sync.Mutex

	roles       map[int64]Role
	perms       map[string]Permission
	rules       map[int64]InheritanceRule
	rolePerms   map[int64]map[string]RolePermission
	deps        map[int64]PermissionDependency
	conflicts   map[int64]Conflict
	assignments []UserRoleAssignment

	nextRuleID     int64
	nextDepID      int64
	nextConflictID int64

	failInsertRule bool
}

func newMemStore() *memStore {
	return &memStore{
		roles:          map[int64]Role{},
		perms:          map[string]Permission{},
		rules:          map[int64]InheritanceRule{},
		rolePerms:      map[int64]map[string]RolePermission{},
		deps:           map[int64]PermissionDependency{},
		conflicts:      map[int64]Conflict{},
		nextRuleID:     1,
		nextDepID:      1,
		nextConflictID: 1,
	}
}

func (m *memStore) addRole(id int64, name string, active bool) {
	m.roles[id] = Role{ID: id, OrganizationID: 1, Name: name, IsActive: active}
}

func (m *memStore) addPermission(code string) {
	m.perms[code] = Permission{ID: int64(len(m.perms) + 1), Code: code}
}

func (m *memStore) addRule(rule InheritanceRule) InheritanceRule {
	if rule.ID == 0 {
		rule.ID = m.nextRuleID
	}
	if rule.ID >= m.nextRuleID {
		m.nextRuleID = rule.ID + 1
	}
	m.rules[rule.ID] = rule
	return rule
}

func (m *memStore) setRolePerm(roleID int64, code string, granted bool) {
	if m.rolePerms[roleID] == nil {
		m.rolePerms[roleID] = map[string]RolePermission{}
	}
	m.rolePerms[roleID][code] = RolePermission{RoleID: roleID, Code: code, Granted: granted}
}

func (m *memStore) addDep(code, requires string) {
	id := m.nextDepID
	m.nextDepID++
	m.deps[id] = PermissionDependency{ID: id, Code: code, RequiresCode: requires}
}

func (m *memStore) clone() *memStore {
	c := newMemStore()
	for k, v := range m.roles {
		c.roles[k] = v
	}
	for k, v := range m.perms {
		c.perms[k] = v
	}
	for k, v := range m.rules {
		rule := v
		rule.SelectedCodes = append([]string(nil), v.SelectedCodes...)
		c.rules[k] = rule
	}
	for rid, perms := range m.rolePerms {
		c.rolePerms[rid] = map[string]RolePermission{}
		for code, rp := range perms {
			c.rolePerms[rid][code] = rp
		}
	}
	for k, v := range m.deps {
		c.deps[k] = v
	}
	for k, v := range m.conflicts {
		conflict := v
		conflict.Sources = append([]ConflictSource(nil), v.Sources...)
		c.conflicts[k] = conflict
	}
	c.assignments = append([]UserRoleAssignment(nil), m.assignments...)
	c.nextRuleID = m.nextRuleID
	c.nextDepID = m.nextDepID
	c.nextConflictID = m.nextConflictID
	c.failInsertRule = m.failInsertRule
	return c
}

func (m *memStore) adopt(c *memStore) {
	m.roles = c.roles
	m.perms = c.perms
	m.rules = c.rules
	m.rolePerms = c.rolePerms
	m.deps = c.deps
	m.conflicts = c.conflicts
	m.assignments = c.assignments
	m.nextRuleID = c.nextRuleID
	m.nextDepID = c.nextDepID
	m.nextConflictID = c.nextConflictID
}

var _ RepositoryPort = (*memStore)(nil)

func (m *memStore) WithTx(ctx context.Context, fn func(tx TxPort) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	work := m.clone()
	if err := fn(&memTx{memStore: work}); err != nil {
		return err
	}
	m.adopt(work)
	return nil
}

func (m *memStore) GetRole(ctx context.Context, id int64) (Role, error) {
	role, ok := m.roles[id]
	if !ok {
		return Role{}, fmt.Errorf("%w: role %d", ErrNotFound, id)
	}
	return role, nil
}

func (m *memStore) ListRoles(ctx context.Context, organizationID int64) ([]Role, error) {
	ids := make([]int64, 0, len(m.roles))
	for id, role := range m.roles {
		if organizationID != 0 && role.OrganizationID != organizationID {
			continue
		}
		ids = append(ids, id)
	}
	sortIDs(ids)
	out := make([]Role, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.roles[id])
	}
	return out, nil
}

func (m *memStore) ListPermissions(ctx context.Context) ([]Permission, error) {
	out := make([]Permission, 0, len(m.perms))
	for _, p := range m.perms {
		out = append(out, p)
	}
	return out, nil
}

func (m *memStore) GetPermission(ctx context.Context, code string) (Permission, error) {
	p, ok := m.perms[code]
	if !ok {
		return Permission{}, fmt.Errorf("%w: permission %q", ErrNotFound, code)
	}
	return p, nil
}

func (m *memStore) GetRule(ctx context.Context, id int64) (InheritanceRule, error) {
	rule, ok := m.rules[id]
	if !ok {
		return InheritanceRule{}, fmt.Errorf("%w: inheritance rule %d", ErrNotFound, id)
	}
	return rule, nil
}

func (m *memStore) listRules(pick func(InheritanceRule) bool) []InheritanceRule {
	out := make([]InheritanceRule, 0)
	for _, rule := range m.rules {
		if pick(rule) {
			out = append(out, rule)
		}
	}
	sortRules(out)
	return out
}

func (m *memStore) ListRulesInto(ctx context.Context, childRoleID int64) ([]InheritanceRule, error) {
	return m.listRules(func(r InheritanceRule) bool { return r.ChildRoleID == childRoleID }), nil
}

func (m *memStore) ListRulesFrom(ctx context.Context, parentRoleID int64) ([]InheritanceRule, error) {
	return m.listRules(func(r InheritanceRule) bool { return r.ParentRoleID == parentRoleID }), nil
}

func (m *memStore) ListRolePermissions(ctx context.Context, roleID int64) ([]RolePermission, error) {
	perms := m.rolePerms[roleID]
	out := make([]RolePermission, 0, len(perms))
	for _, rp := range perms {
		out = append(out, rp)
	}
	return out, nil
}

func (m *memStore) ListDependencies(ctx context.Context) ([]PermissionDependency, error) {
	ids := make([]int64, 0, len(m.deps))
	for id := range m.deps {
		ids = append(ids, id)
	}
	sortIDs(ids)
	out := make([]PermissionDependency, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.deps[id])
	}
	return out, nil
}

func (m *memStore) GetConflict(ctx context.Context, id int64) (Conflict, error) {
	c, ok := m.conflicts[id]
	if !ok {
		return Conflict{}, fmt.Errorf("%w: conflict %d", ErrNotFound, id)
	}
	return c, nil
}

func (m *memStore) ListConflicts(ctx context.Context, roleID int64) ([]Conflict, error) {
	ids := make([]int64, 0, len(m.conflicts))
	for id, c := range m.conflicts {
		if c.RoleID == roleID {
			ids = append(ids, id)
		}
	}
	sortIDs(ids)
	out := make([]Conflict, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.conflicts[id])
	}
	return out, nil
}

func (m *memStore) ListAssignments(ctx context.Context, userID, organizationID int64) ([]UserRoleAssignment, error) {
	out := make([]UserRoleAssignment, 0)
	for _, a := range m.assignments {
		if a.UserID == userID && a.OrganizationID == organizationID {
			out = append(out, a)
		}
	}
	return out, nil
}

// memTx exposes the mutation methods over the working copy.
type memTx struct {
	*memStore
}

var _ TxPort = (*memTx)(nil)

func (t *memTx) LockRole(ctx context.Context, roleID int64) error {
	if _, ok := t.roles[roleID]; !ok {
		return fmt.Errorf("%w: role %d", ErrNotFound, roleID)
	}
	return nil
}

func (t *memTx) InsertRule(ctx context.Context, rule InheritanceRule) (InheritanceRule, error) {
	if t.failInsertRule {
		return InheritanceRule{}, fmt.Errorf("memstore: insert rule failed")
	}
	rule.ID = t.nextRuleID
	t.nextRuleID++
	t.rules[rule.ID] = rule
	return rule, nil
}

func (t *memTx) UpdateRule(ctx context.Context, rule InheritanceRule) (InheritanceRule, error) {
	if _, ok := t.rules[rule.ID]; !ok {
		return InheritanceRule{}, fmt.Errorf("%w: inheritance rule %d", ErrNotFound, rule.ID)
	}
	t.rules[rule.ID] = rule
	return rule, nil
}

func (t *memTx) UpsertRolePermission(ctx context.Context, rp RolePermission) (RolePermission, error) {
	if t.rolePerms[rp.RoleID] == nil {
		t.rolePerms[rp.RoleID] = map[string]RolePermission{}
	}
	t.rolePerms[rp.RoleID][rp.Code] = rp
	return rp, nil
}

func (t *memTx) InsertDependency(ctx context.Context, dep PermissionDependency) (PermissionDependency, error) {
	for _, existing := range t.deps {
		if existing.Code == dep.Code && existing.RequiresCode == dep.RequiresCode {
			return PermissionDependency{}, fmt.Errorf("%w: dependency %s -> %s already exists", ErrState, dep.Code, dep.RequiresCode)
		}
	}
	dep.ID = t.nextDepID
	t.nextDepID++
	t.deps[dep.ID] = dep
	return dep, nil
}

func (t *memTx) InsertConflict(ctx context.Context, c Conflict) (Conflict, error) {
	for _, existing := range t.conflicts {
		if existing.RoleID == c.RoleID && existing.Code == c.Code && existing.Kind == c.Kind {
			return Conflict{}, fmt.Errorf("%w: conflict already recorded for role %d code %s", ErrState, c.RoleID, c.Code)
		}
	}
	c.ID = t.nextConflictID
	t.nextConflictID++
	t.conflicts[c.ID] = c
	return c, nil
}

func (t *memTx) UpdateConflict(ctx context.Context, c Conflict) (Conflict, error) {
	if _, ok := t.conflicts[c.ID]; !ok {
		return Conflict{}, fmt.Errorf("%w: conflict %d", ErrNotFound, c.ID)
	}
	t.conflicts[c.ID] = c
	return c, nil
}

// recordingAudit captures events handed to Record.
type recordingAudit struct {
	mu     sync.Mutex
	events []Event
}

func (a *recordingAudit) Record(ctx context.Context, events []Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, events...)
	return nil
}

func (a *recordingAudit) all() []Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Event(nil), a.events...)
}

// recordingCache is a pass-through CachePort that tracks invalidations.
type recordingCache struct {
	mu            sync.Mutex
	invalidated   [][]int64
	invalidateAll int
}

func (c *recordingCache) FetchEffective(ctx context.Context, roleID int64, load func(context.Context) ([]string, error)) ([]string, error) {
	return load(ctx)
}

func (c *recordingCache) Invalidate(ctx context.Context, roleIDs ...int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated = append(c.invalidated, append([]int64(nil), roleIDs...))
	return nil
}

func (c *recordingCache) InvalidateAll(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidateAll++
	return nil
}

// countingMetrics tracks engine observations.
type countingMetrics struct {
	mu          sync.Mutex
	resolutions int
	cycles      int
	conflicts   int
}

func (m *countingMetrics) ObserveResolution(d time.Duration, err error) {
	m.mu.Lock()
	m.resolutions++
	m.mu.Unlock()
}

func (m *countingMetrics) AddCycleRejection() {
	m.mu.Lock()
	m.cycles++
	m.mu.Unlock()
}

func (m *countingMetrics) AddConflictsDetected(n int) {
	m.mu.Lock()
	m.conflicts += n
	m.mu.Unlock()
}
