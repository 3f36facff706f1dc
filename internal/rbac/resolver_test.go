package rbac

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func resolveRole(t *testing.T, store *memStore, roleID int64) resolution {
	t.Helper()
	calc := &calculator{reader: store}
	res, err := calc.resolve(context.Background(), roleID)
	require.NoError(t, err)
	return res
}

func TestResolveInheritAllChain(t *testing.T) {
	store := newMemStore()
	store.addRole(1, "Viewer", true)
	store.addRole(2, "Editor", true)
	store.addRole(3, "SuperEditor", true)
	store.addPermission("read:profile")
	store.addPermission("write:profile")

	store.setRolePerm(1, "read:profile", true)
	store.setRolePerm(2, "write:profile", true)
	store.addRule(InheritanceRule{ParentRoleID: 1, ChildRoleID: 2, Mode: ModeInheritAll, IsActive: true})
	store.addRule(InheritanceRule{ParentRoleID: 2, ChildRoleID: 3, Mode: ModeSelected, SelectedCodes: []string{"write:profile"}, IsActive: true})

	require.Equal(t, []string{"read:profile"}, resolveRole(t, store, 1).Codes())
	require.Equal(t, []string{"read:profile", "write:profile"}, resolveRole(t, store, 2).Codes())
	require.Equal(t, []string{"write:profile"}, resolveRole(t, store, 3).Codes())
}

func TestResolveSelectedSkipsCodesParentLacks(t *testing.T) {
	store := newMemStore()
	store.addRole(1, "Parent", true)
	store.addRole(2, "Child", true)
	store.addPermission("orders.view")
	store.addPermission("orders.edit")

	store.setRolePerm(1, "orders.view", true)
	store.addRule(InheritanceRule{ParentRoleID: 1, ChildRoleID: 2, Mode: ModeSelected, SelectedCodes: []string{"orders.view", "orders.edit"}, IsActive: true})

	require.Equal(t, []string{"orders.view"}, resolveRole(t, store, 2).Codes())
}

func TestResolveLocalDenyBeatsInheritedGrant(t *testing.T) {
	store := newMemStore()
	store.addRole(1, "Parent", true)
	store.addRole(2, "Child", true)
	store.addPermission("orders.view")

	store.setRolePerm(1, "orders.view", true)
	store.setRolePerm(2, "orders.view", false)
	store.addRule(InheritanceRule{ParentRoleID: 1, ChildRoleID: 2, Mode: ModeInheritAll, IsActive: true})

	res := resolveRole(t, store, 2)
	require.Empty(t, res.Codes())
	st, ok := res.States["orders.view"]
	require.True(t, ok)
	require.False(t, st.granted)
	require.True(t, st.local)
}

func TestResolveLowerPriorityNumberWins(t *testing.T) {
	store := newMemStore()
	store.addRole(1, "Granting", true)
	store.addRole(2, "Denying", true)
	store.addRole(3, "Child", true)
	store.addPermission("orders.view")

	store.setRolePerm(1, "orders.view", true)
	store.setRolePerm(2, "orders.view", false)
	store.addRule(InheritanceRule{ParentRoleID: 1, ChildRoleID: 3, Mode: ModeInheritAll, Priority: 5, IsActive: true})
	store.addRule(InheritanceRule{ParentRoleID: 2, ChildRoleID: 3, Mode: ModeInheritAll, Priority: 10, IsActive: true})

	res := resolveRole(t, store, 3)
	require.Equal(t, []string{"orders.view"}, res.Codes())
	require.Empty(t, res.Conflicts)

	src := res.Grants["orders.view"]
	require.True(t, src.Inherited)
	require.EqualValues(t, 1, src.GrantedByRoleID)
}

func TestResolveEqualPriorityTieBreaksOnRecency(t *testing.T) {
	store := newMemStore()
	store.addRole(1, "Granting", true)
	store.addRole(2, "Denying", true)
	store.addRole(3, "Child", true)
	store.addPermission("orders.view")

	older := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(24 * time.Hour)
	store.setRolePerm(1, "orders.view", true)
	store.setRolePerm(2, "orders.view", false)
	store.addRule(InheritanceRule{ID: 1, ParentRoleID: 1, ChildRoleID: 3, Mode: ModeInheritAll, Priority: 5, IsActive: true, CreatedAt: older})
	store.addRule(InheritanceRule{ID: 2, ParentRoleID: 2, ChildRoleID: 3, Mode: ModeInheritAll, Priority: 5, IsActive: true, CreatedAt: newer})

	res := resolveRole(t, store, 3)
	// The newer rule carries the deny, so the permission is off.
	require.Empty(t, res.Codes())

	// The tie is still surfaced for an operator to settle.
	require.Len(t, res.Conflicts, 1)
	c := res.Conflicts[0]
	require.Equal(t, ConflictPriorityTie, c.Kind)
	require.Equal(t, "orders.view", c.Code)
	require.Equal(t, ConflictUnresolved, c.Status)
	require.Len(t, c.Sources, 2)
}

func TestResolveTieSuppressedByLocalEntry(t *testing.T) {
	store := newMemStore()
	store.addRole(1, "Granting", true)
	store.addRole(2, "Denying", true)
	store.addRole(3, "Child", true)
	store.addPermission("orders.view")

	store.setRolePerm(1, "orders.view", true)
	store.setRolePerm(2, "orders.view", false)
	store.setRolePerm(3, "orders.view", true)
	store.addRule(InheritanceRule{ParentRoleID: 1, ChildRoleID: 3, Mode: ModeInheritAll, Priority: 5, IsActive: true})
	store.addRule(InheritanceRule{ParentRoleID: 2, ChildRoleID: 3, Mode: ModeInheritAll, Priority: 5, IsActive: true})

	res := resolveRole(t, store, 3)
	require.Equal(t, []string{"orders.view"}, res.Codes())
	require.Empty(t, res.Conflicts)
}

func TestResolveInactiveEdgesAndRolesIgnored(t *testing.T) {
	store := newMemStore()
	store.addRole(1, "ActiveParent", true)
	store.addRole(2, "InactiveParent", false)
	store.addRole(3, "Child", true)
	store.addPermission("orders.view")
	store.addPermission("orders.edit")
	store.addPermission("reports.view")

	store.setRolePerm(1, "orders.view", true)
	store.setRolePerm(1, "reports.view", true)
	store.setRolePerm(2, "orders.edit", true)
	store.addRule(InheritanceRule{ParentRoleID: 1, ChildRoleID: 3, Mode: ModeInheritAll, IsActive: true})
	store.addRule(InheritanceRule{ParentRoleID: 2, ChildRoleID: 3, Mode: ModeInheritAll, IsActive: true})
	store.addRule(InheritanceRule{ParentRoleID: 1, ChildRoleID: 3, Mode: ModeSelected, SelectedCodes: []string{"reports.view"}, IsActive: false})

	res := resolveRole(t, store, 3)
	// reports.view still arrives through the active inherit_all edge; the
	// inactive parent contributes nothing.
	require.Equal(t, []string{"orders.view", "reports.view"}, res.Codes())
}

func TestResolveDependencyExpansion(t *testing.T) {
	store := newMemStore()
	store.addRole(1, "Approver", true)
	store.addPermission("orders.approve")
	store.addPermission("orders.view")

	store.setRolePerm(1, "orders.approve", true)
	store.addDep("orders.approve", "orders.view")

	res := resolveRole(t, store, 1)
	require.Equal(t, []string{"orders.approve", "orders.view"}, res.Codes())

	src := res.Grants["orders.view"]
	require.Equal(t, "orders.approve", src.ViaDependency)
}

func TestResolveTransitiveDependencyExpansion(t *testing.T) {
	store := newMemStore()
	store.addRole(1, "Admin", true)
	store.addPermission("a")
	store.addPermission("b")
	store.addPermission("c")

	store.setRolePerm(1, "a", true)
	store.addDep("a", "b")
	store.addDep("b", "c")

	res := resolveRole(t, store, 1)
	require.Equal(t, []string{"a", "b", "c"}, res.Codes())
}

func TestResolveDependencyDenyContradiction(t *testing.T) {
	store := newMemStore()
	store.addRole(1, "Approver", true)
	store.addPermission("orders.approve")
	store.addPermission("orders.view")

	store.setRolePerm(1, "orders.approve", true)
	store.setRolePerm(1, "orders.view", false)
	store.addDep("orders.approve", "orders.view")

	res := resolveRole(t, store, 1)
	// Expansion is additive: the prerequisite is granted anyway and the
	// contradiction surfaces as a conflict record.
	require.Equal(t, []string{"orders.approve", "orders.view"}, res.Codes())
	require.Len(t, res.Conflicts, 1)
	c := res.Conflicts[0]
	require.Equal(t, ConflictDependencyDeny, c.Kind)
	require.Equal(t, "orders.view", c.Code)
}

func TestResolveDependencyDenySuppressedByKeepDeny(t *testing.T) {
	store := newMemStore()
	store.addRole(1, "Approver", true)
	store.addPermission("orders.approve")
	store.addPermission("orders.view")

	store.setRolePerm(1, "orders.approve", true)
	store.setRolePerm(1, "orders.view", false)
	store.addDep("orders.approve", "orders.view")
	store.conflicts[1] = Conflict{
		ID:         1,
		RoleID:     1,
		Code:       "orders.view",
		Kind:       ConflictDependencyDeny,
		Status:     ConflictResolved,
		Resolution: ResolveKeepDeny,
		Outcome:    false,
	}

	res := resolveRole(t, store, 1)
	require.Empty(t, res.Conflicts)
}

func TestResolveIsIdempotent(t *testing.T) {
	store := newMemStore()
	store.addRole(1, "Parent", true)
	store.addRole(2, "Child", true)
	store.addPermission("orders.view")
	store.addPermission("orders.approve")

	store.setRolePerm(1, "orders.view", true)
	store.setRolePerm(2, "orders.approve", true)
	store.addRule(InheritanceRule{ParentRoleID: 1, ChildRoleID: 2, Mode: ModeInheritAll, IsActive: true})
	store.addDep("orders.approve", "orders.view")

	first := resolveRole(t, store, 2)
	second := resolveRole(t, store, 2)
	require.Equal(t, first.Codes(), second.Codes())
	require.Equal(t, first.Grants, second.Grants)
}

func TestDependencyClosure(t *testing.T) {
	adj := dependencyAdjacency([]PermissionDependency{
		{Code: "a", RequiresCode: "b"},
		{Code: "b", RequiresCode: "c"},
		{Code: "a", RequiresCode: "d"},
	})
	require.Equal(t, []string{"b", "c", "d"}, dependencyClosure(adj, "a"))
	require.Equal(t, []string{"c"}, dependencyClosure(adj, "b"))
	require.Empty(t, dependencyClosure(adj, "c"))
}

func TestCheckDependencyCycle(t *testing.T) {
	adj := dependencyAdjacency([]PermissionDependency{{Code: "a", RequiresCode: "b"}})

	err := checkDependencyCycle(adj, "b", "a")
	require.ErrorIs(t, err, ErrCircularDependency)
	var ce *CycleError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, []string{"b", "a", "b"}, ce.Path)

	require.NoError(t, checkDependencyCycle(adj, "c", "a"))
}
