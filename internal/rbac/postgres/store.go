// Package postgres persists the role graph, inheritance rules, dependency
// edges, conflicts and assignments behind the rbac store ports.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-erp/meridian-erp/internal/platform/db"
	"github.com/meridian-erp/meridian-erp/internal/rbac"
)

type dbtx interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store implements rbac.RepositoryPort over a pgx pool.
type Store struct {
	pool *pgxpool.Pool
	queries
}

var _ rbac.RepositoryPort = (*Store)(nil)

// NewStore constructs the store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, queries: queries{db: pool}}
}

// WithTx runs fn inside a repeatable-read transaction. A failed callback
// rolls everything back; cycle checks rerun against the transaction snapshot
// while LockRole serializes writers on the same role.
func (s *Store) WithTx(ctx context.Context, fn func(tx rbac.TxPort) error) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&txStore{queries: queries{db: tx}, tx: tx})
	})
}

type txStore struct {
	queries
	tx pgx.Tx
}

var _ rbac.TxPort = (*txStore)(nil)

// LockRole takes a row lock on the role so two writers cannot pass the cycle
// check concurrently and jointly close a cycle.
func (t *txStore) LockRole(ctx context.Context, roleID int64) error {
	var id int64
	err := t.tx.QueryRow(ctx, `SELECT id FROM roles WHERE id = $1 FOR UPDATE`, roleID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: role %d", rbac.ErrNotFound, roleID)
	}
	return err
}

type queries struct {
	db dbtx
}

func (q queries) GetRole(ctx context.Context, id int64) (rbac.Role, error) {
	row := q.db.QueryRow(ctx, `SELECT id, organization_id, name, description, is_active, created_at, updated_at FROM roles WHERE id = $1`, id)
	var r rbac.Role
	err := row.Scan(&r.ID, &r.OrganizationID, &r.Name, &r.Description, &r.IsActive, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return rbac.Role{}, fmt.Errorf("%w: role %d", rbac.ErrNotFound, id)
	}
	return r, err
}

func (q queries) ListRoles(ctx context.Context, organizationID int64) ([]rbac.Role, error) {
	query := `SELECT id, organization_id, name, description, is_active, created_at, updated_at FROM roles ORDER BY id`
	args := []any{}
	if organizationID != 0 {
		query = `SELECT id, organization_id, name, description, is_active, created_at, updated_at FROM roles WHERE organization_id = $1 ORDER BY id`
		args = append(args, organizationID)
	}
	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []rbac.Role
	for rows.Next() {
		var r rbac.Role
		if err := rows.Scan(&r.ID, &r.OrganizationID, &r.Name, &r.Description, &r.IsActive, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

func (q queries) ListPermissions(ctx context.Context) ([]rbac.Permission, error) {
	rows, err := q.db.Query(ctx, `SELECT id, code, module, description, created_at FROM permissions ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []rbac.Permission
	for rows.Next() {
		var p rbac.Permission
		if err := rows.Scan(&p.ID, &p.Code, &p.Module, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

func (q queries) GetPermission(ctx context.Context, code string) (rbac.Permission, error) {
	row := q.db.QueryRow(ctx, `SELECT id, code, module, description, created_at FROM permissions WHERE code = $1`, code)
	var p rbac.Permission
	err := row.Scan(&p.ID, &p.Code, &p.Module, &p.Description, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return rbac.Permission{}, fmt.Errorf("%w: permission %q", rbac.ErrNotFound, code)
	}
	return p, err
}

const ruleColumns = `id, parent_role_id, child_role_id, mode, selected_codes, priority, is_active, created_by, updated_by, created_at, updated_at`

func scanRule(row pgx.Row) (rbac.InheritanceRule, error) {
	var (
		r        rbac.InheritanceRule
		mode     string
		selected []string
	)
	err := row.Scan(&r.ID, &r.ParentRoleID, &r.ChildRoleID, &mode, &selected, &r.Priority, &r.IsActive, &r.CreatedBy, &r.UpdatedBy, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return rbac.InheritanceRule{}, err
	}
	r.Mode = rbac.InheritanceMode(mode)
	r.SelectedCodes = selected
	return r, nil
}

func (q queries) GetRule(ctx context.Context, id int64) (rbac.InheritanceRule, error) {
	rule, err := scanRule(q.db.QueryRow(ctx, `SELECT `+ruleColumns+` FROM inheritance_rules WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return rbac.InheritanceRule{}, fmt.Errorf("%w: inheritance rule %d", rbac.ErrNotFound, id)
	}
	return rule, err
}

func (q queries) listRules(ctx context.Context, where string, arg int64) ([]rbac.InheritanceRule, error) {
	rows, err := q.db.Query(ctx, `SELECT `+ruleColumns+` FROM inheritance_rules WHERE `+where+` ORDER BY priority, created_at, id`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var rules []rbac.InheritanceRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

func (q queries) ListRulesInto(ctx context.Context, childRoleID int64) ([]rbac.InheritanceRule, error) {
	return q.listRules(ctx, `child_role_id = $1`, childRoleID)
}

func (q queries) ListRulesFrom(ctx context.Context, parentRoleID int64) ([]rbac.InheritanceRule, error) {
	return q.listRules(ctx, `parent_role_id = $1`, parentRoleID)
}

func (q queries) ListRolePermissions(ctx context.Context, roleID int64) ([]rbac.RolePermission, error) {
	rows, err := q.db.Query(ctx, `SELECT role_id, code, granted, granted_by, created_at, updated_at FROM role_permissions WHERE role_id = $1 ORDER BY code`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []rbac.RolePermission
	for rows.Next() {
		var rp rbac.RolePermission
		if err := rows.Scan(&rp.RoleID, &rp.Code, &rp.Granted, &rp.GrantedBy, &rp.CreatedAt, &rp.UpdatedAt); err != nil {
			return nil, err
		}
		perms = append(perms, rp)
	}
	return perms, rows.Err()
}

func (q queries) ListDependencies(ctx context.Context) ([]rbac.PermissionDependency, error) {
	rows, err := q.db.Query(ctx, `SELECT id, code, requires_code, created_by, created_at FROM permission_dependencies ORDER BY code, requires_code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []rbac.PermissionDependency
	for rows.Next() {
		var d rbac.PermissionDependency
		if err := rows.Scan(&d.ID, &d.Code, &d.RequiresCode, &d.CreatedBy, &d.CreatedAt); err != nil {
			return nil, err
		}
		deps = append(deps, d)
	}
	return deps, rows.Err()
}

const conflictColumns = `id, role_id, code, kind, detail, sources, status, resolution, outcome, resolved_by, resolved_at, created_at`

func scanConflict(row pgx.Row) (rbac.Conflict, error) {
	var (
		c          rbac.Conflict
		kind       string
		status     string
		resolution *string
		sources    []byte
		resolvedBy *int64
		resolvedAt *time.Time
	)
	err := row.Scan(&c.ID, &c.RoleID, &c.Code, &kind, &c.Detail, &sources, &status, &resolution, &c.Outcome, &resolvedBy, &resolvedAt, &c.CreatedAt)
	if err != nil {
		return rbac.Conflict{}, err
	}
	c.Kind = rbac.ConflictKind(kind)
	c.Status = rbac.ConflictStatus(status)
	if resolution != nil {
		c.Resolution = rbac.ConflictResolution(*resolution)
	}
	if resolvedBy != nil {
		c.ResolvedBy = *resolvedBy
	}
	if resolvedAt != nil {
		c.ResolvedAt = *resolvedAt
	}
	if len(sources) > 0 {
		if err := json.Unmarshal(sources, &c.Sources); err != nil {
			return rbac.Conflict{}, fmt.Errorf("rbac/postgres: decode conflict sources: %w", err)
		}
	}
	return c, nil
}

func (q queries) GetConflict(ctx context.Context, id int64) (rbac.Conflict, error) {
	c, err := scanConflict(q.db.QueryRow(ctx, `SELECT `+conflictColumns+` FROM inheritance_conflicts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return rbac.Conflict{}, fmt.Errorf("%w: conflict %d", rbac.ErrNotFound, id)
	}
	return c, err
}

func (q queries) ListConflicts(ctx context.Context, roleID int64) ([]rbac.Conflict, error) {
	rows, err := q.db.Query(ctx, `SELECT `+conflictColumns+` FROM inheritance_conflicts WHERE role_id = $1 ORDER BY id`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var conflicts []rbac.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

func (q queries) ListAssignments(ctx context.Context, userID, organizationID int64) ([]rbac.UserRoleAssignment, error) {
	rows, err := q.db.Query(ctx, `SELECT user_id, role_id, organization_id, is_active, valid_from, valid_to, created_at FROM user_role_assignments WHERE user_id = $1 AND organization_id = $2 ORDER BY role_id`, userID, organizationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var assignments []rbac.UserRoleAssignment
	for rows.Next() {
		var (
			a         rbac.UserRoleAssignment
			validFrom *time.Time
			validTo   *time.Time
		)
		if err := rows.Scan(&a.UserID, &a.RoleID, &a.OrganizationID, &a.IsActive, &validFrom, &validTo, &a.CreatedAt); err != nil {
			return nil, err
		}
		if validFrom != nil {
			a.ValidFrom = *validFrom
		}
		if validTo != nil {
			a.ValidTo = *validTo
		}
		assignments = append(assignments, a)
	}
	return assignments, rows.Err()
}

func (q queries) InsertRule(ctx context.Context, rule rbac.InheritanceRule) (rbac.InheritanceRule, error) {
	row := q.db.QueryRow(ctx, `INSERT INTO inheritance_rules (parent_role_id, child_role_id, mode, selected_codes, priority, is_active, created_by, updated_by, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`,
		rule.ParentRoleID, rule.ChildRoleID, string(rule.Mode), rule.SelectedCodes, rule.Priority, rule.IsActive, rule.CreatedBy, rule.UpdatedBy, rule.CreatedAt, rule.UpdatedAt)
	if err := row.Scan(&rule.ID); err != nil {
		return rbac.InheritanceRule{}, err
	}
	return rule, nil
}

func (q queries) UpdateRule(ctx context.Context, rule rbac.InheritanceRule) (rbac.InheritanceRule, error) {
	tag, err := q.db.Exec(ctx, `UPDATE inheritance_rules SET parent_role_id=$2, child_role_id=$3, mode=$4, selected_codes=$5, priority=$6, is_active=$7, updated_by=$8, updated_at=$9 WHERE id=$1`,
		rule.ID, rule.ParentRoleID, rule.ChildRoleID, string(rule.Mode), rule.SelectedCodes, rule.Priority, rule.IsActive, rule.UpdatedBy, rule.UpdatedAt)
	if err != nil {
		return rbac.InheritanceRule{}, err
	}
	if tag.RowsAffected() == 0 {
		return rbac.InheritanceRule{}, fmt.Errorf("%w: inheritance rule %d", rbac.ErrNotFound, rule.ID)
	}
	return rule, nil
}

func (q queries) UpsertRolePermission(ctx context.Context, rp rbac.RolePermission) (rbac.RolePermission, error) {
	_, err := q.db.Exec(ctx, `INSERT INTO role_permissions (role_id, code, granted, granted_by, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (role_id, code) DO UPDATE SET granted = EXCLUDED.granted, granted_by = EXCLUDED.granted_by, updated_at = EXCLUDED.updated_at`,
		rp.RoleID, rp.Code, rp.Granted, rp.GrantedBy, rp.CreatedAt, rp.UpdatedAt)
	if err != nil {
		return rbac.RolePermission{}, err
	}
	return rp, nil
}

func (q queries) InsertDependency(ctx context.Context, dep rbac.PermissionDependency) (rbac.PermissionDependency, error) {
	row := q.db.QueryRow(ctx, `INSERT INTO permission_dependencies (code, requires_code, created_by, created_at) VALUES ($1, $2, $3, $4) RETURNING id`,
		dep.Code, dep.RequiresCode, dep.CreatedBy, dep.CreatedAt)
	if err := row.Scan(&dep.ID); err != nil {
		if isUniqueViolation(err) {
			return rbac.PermissionDependency{}, fmt.Errorf("%w: dependency %s -> %s already exists", rbac.ErrState, dep.Code, dep.RequiresCode)
		}
		return rbac.PermissionDependency{}, err
	}
	return dep, nil
}

func (q queries) InsertConflict(ctx context.Context, c rbac.Conflict) (rbac.Conflict, error) {
	sources, err := json.Marshal(c.Sources)
	if err != nil {
		return rbac.Conflict{}, fmt.Errorf("rbac/postgres: encode conflict sources: %w", err)
	}
	row := q.db.QueryRow(ctx, `INSERT INTO inheritance_conflicts (role_id, code, kind, detail, sources, status, outcome, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		c.RoleID, c.Code, string(c.Kind), c.Detail, sources, string(c.Status), c.Outcome, c.CreatedAt)
	if err := row.Scan(&c.ID); err != nil {
		if isUniqueViolation(err) {
			return rbac.Conflict{}, fmt.Errorf("%w: conflict already recorded for role %d code %s", rbac.ErrState, c.RoleID, c.Code)
		}
		return rbac.Conflict{}, err
	}
	return c, nil
}

func (q queries) UpdateConflict(ctx context.Context, c rbac.Conflict) (rbac.Conflict, error) {
	var (
		resolution *string
		resolvedBy *int64
		resolvedAt *time.Time
	)
	if c.Resolution != "" {
		s := string(c.Resolution)
		resolution = &s
	}
	if c.ResolvedBy != 0 {
		resolvedBy = &c.ResolvedBy
	}
	if !c.ResolvedAt.IsZero() {
		resolvedAt = &c.ResolvedAt
	}
	tag, err := q.db.Exec(ctx, `UPDATE inheritance_conflicts SET status=$2, resolution=$3, outcome=$4, resolved_by=$5, resolved_at=$6 WHERE id=$1`,
		c.ID, string(c.Status), resolution, c.Outcome, resolvedBy, resolvedAt)
	if err != nil {
		return rbac.Conflict{}, err
	}
	if tag.RowsAffected() == 0 {
		return rbac.Conflict{}, fmt.Errorf("%w: conflict %d", rbac.ErrNotFound, c.ID)
	}
	return c, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
