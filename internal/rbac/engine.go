package rbac

import (
	"context"
	"fmt"
	"time"
)

// This file holds the transactional mutation logic. Each function runs inside
// a store transaction, validates its input, re-runs cycle checks against the
// state visible to that transaction, and returns the result together with the
// audit event the caller persists after commit. Nothing here performs I/O
// beyond the transaction port.

func createRule(ctx context.Context, tx TxPort, in CreateRuleInput, now time.Time) (InheritanceRule, Event, error) {
	if !in.Mode.Valid() {
		return InheritanceRule{}, Event{}, fmt.Errorf("%w: unknown inheritance mode %q", ErrValidation, in.Mode)
	}
	if in.Priority < 0 || in.Priority > maxRulePriority {
		return InheritanceRule{}, Event{}, fmt.Errorf("%w: priority %d out of range [0,%d]", ErrValidation, in.Priority, maxRulePriority)
	}
	if in.ParentRoleID == in.ChildRoleID {
		return InheritanceRule{}, Event{}, fmt.Errorf("%w: a role cannot inherit from itself", ErrValidation)
	}

	if err := tx.LockRole(ctx, in.ChildRoleID); err != nil {
		return InheritanceRule{}, Event{}, err
	}
	if _, err := activeRole(ctx, tx, in.ParentRoleID); err != nil {
		return InheritanceRule{}, Event{}, err
	}
	if _, err := activeRole(ctx, tx, in.ChildRoleID); err != nil {
		return InheritanceRule{}, Event{}, err
	}

	selected := normalizeCodes(in.SelectedCodes)
	if in.Mode == ModeSelected {
		if len(selected) == 0 {
			return InheritanceRule{}, Event{}, fmt.Errorf("%w: selected_permissions mode requires at least one permission code", ErrValidation)
		}
		if err := knownCodes(ctx, tx, selected); err != nil {
			return InheritanceRule{}, Event{}, err
		}
	} else {
		selected = nil
	}

	if err := checkRuleCycle(ctx, tx, in.ParentRoleID, in.ChildRoleID); err != nil {
		return InheritanceRule{}, Event{}, err
	}

	rule, err := tx.InsertRule(ctx, InheritanceRule{
		ParentRoleID:  in.ParentRoleID,
		ChildRoleID:   in.ChildRoleID,
		Mode:          in.Mode,
		SelectedCodes: selected,
		Priority:      in.Priority,
		IsActive:      true,
		CreatedBy:     in.ActorID,
		UpdatedBy:     in.ActorID,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		return InheritanceRule{}, Event{}, err
	}

	return rule, Event{
		Action:   ActionRuleCreated,
		Entity:   EntityInheritanceRule,
		EntityID: formatID(rule.ID),
		ActorID:  in.ActorID,
		After:    ruleSnapshot(rule),
		At:       now,
	}, nil
}

func updateRule(ctx context.Context, tx TxPort, in UpdateRuleInput, now time.Time) (InheritanceRule, Event, error) {
	rule, err := tx.GetRule(ctx, in.RuleID)
	if err != nil {
		return InheritanceRule{}, Event{}, err
	}
	before := ruleSnapshot(rule)

	if err := tx.LockRole(ctx, rule.ChildRoleID); err != nil {
		return InheritanceRule{}, Event{}, err
	}

	edgeChanged := false
	if in.ParentRoleID != nil && *in.ParentRoleID != rule.ParentRoleID {
		rule.ParentRoleID = *in.ParentRoleID
		edgeChanged = true
	}
	if in.ChildRoleID != nil && *in.ChildRoleID != rule.ChildRoleID {
		rule.ChildRoleID = *in.ChildRoleID
		edgeChanged = true
	}
	if in.Mode != nil {
		if !in.Mode.Valid() {
			return InheritanceRule{}, Event{}, fmt.Errorf("%w: unknown inheritance mode %q", ErrValidation, *in.Mode)
		}
		rule.Mode = *in.Mode
	}
	if in.SelectedCodes != nil {
		rule.SelectedCodes = normalizeCodes(*in.SelectedCodes)
	}
	if in.Priority != nil {
		if *in.Priority < 0 || *in.Priority > maxRulePriority {
			return InheritanceRule{}, Event{}, fmt.Errorf("%w: priority %d out of range [0,%d]", ErrValidation, *in.Priority, maxRulePriority)
		}
		rule.Priority = *in.Priority
	}
	if in.IsActive != nil {
		rule.IsActive = *in.IsActive
	}

	if rule.ParentRoleID == rule.ChildRoleID {
		return InheritanceRule{}, Event{}, fmt.Errorf("%w: a role cannot inherit from itself", ErrValidation)
	}
	if _, err := activeRole(ctx, tx, rule.ParentRoleID); err != nil {
		return InheritanceRule{}, Event{}, err
	}
	if _, err := activeRole(ctx, tx, rule.ChildRoleID); err != nil {
		return InheritanceRule{}, Event{}, err
	}

	switch rule.Mode {
	case ModeSelected:
		if len(rule.SelectedCodes) == 0 {
			return InheritanceRule{}, Event{}, fmt.Errorf("%w: selected_permissions mode requires at least one permission code", ErrValidation)
		}
		if err := knownCodes(ctx, tx, rule.SelectedCodes); err != nil {
			return InheritanceRule{}, Event{}, err
		}
	default:
		rule.SelectedCodes = nil
	}

	// Moving either endpoint can close a cycle through edges that were
	// harmless before, so the check reruns against the edge set minus the
	// rule being rewritten.
	if edgeChanged && rule.IsActive {
		if err := checkRuleCycle(ctx, ruleMasked{GraphReader: tx, maskedRuleID: rule.ID}, rule.ParentRoleID, rule.ChildRoleID); err != nil {
			return InheritanceRule{}, Event{}, err
		}
	}

	rule.UpdatedBy = in.ActorID
	rule.UpdatedAt = now
	updated, err := tx.UpdateRule(ctx, rule)
	if err != nil {
		return InheritanceRule{}, Event{}, err
	}

	return updated, Event{
		Action:   ActionRuleUpdated,
		Entity:   EntityInheritanceRule,
		EntityID: formatID(updated.ID),
		ActorID:  in.ActorID,
		Before:   before,
		After:    ruleSnapshot(updated),
		At:       now,
	}, nil
}

func setRolePermission(ctx context.Context, tx TxPort, in RolePermissionInput, granted bool, now time.Time) (RolePermission, Event, error) {
	code := NormalizeCode(in.Code)
	if code == "" {
		return RolePermission{}, Event{}, fmt.Errorf("%w: permission code required", ErrValidation)
	}
	if err := tx.LockRole(ctx, in.RoleID); err != nil {
		return RolePermission{}, Event{}, err
	}
	if _, err := activeRole(ctx, tx, in.RoleID); err != nil {
		return RolePermission{}, Event{}, err
	}
	if _, err := tx.GetPermission(ctx, code); err != nil {
		return RolePermission{}, Event{}, err
	}

	var before map[string]any
	existing, err := tx.ListRolePermissions(ctx, in.RoleID)
	if err != nil {
		return RolePermission{}, Event{}, err
	}
	for _, rp := range existing {
		if rp.Code == code {
			before = rolePermissionSnapshot(rp)
			break
		}
	}

	rp, err := tx.UpsertRolePermission(ctx, RolePermission{
		RoleID:    in.RoleID,
		Code:      code,
		Granted:   granted,
		GrantedBy: in.ActorID,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return RolePermission{}, Event{}, err
	}

	action := ActionPermissionGrant
	if !granted {
		action = ActionPermissionDeny
	}
	return rp, Event{
		Action:   action,
		Entity:   EntityRolePermission,
		EntityID: fmt.Sprintf("%d:%s", in.RoleID, code),
		ActorID:  in.ActorID,
		Before:   before,
		After:    rolePermissionSnapshot(rp),
		At:       now,
	}, nil
}

func createDependency(ctx context.Context, tx TxPort, in CreateDependencyInput, now time.Time) (PermissionDependency, Event, error) {
	code := NormalizeCode(in.Code)
	requires := NormalizeCode(in.RequiresCode)
	if code == "" || requires == "" {
		return PermissionDependency{}, Event{}, fmt.Errorf("%w: both permission codes are required", ErrValidation)
	}
	if code == requires {
		return PermissionDependency{}, Event{}, fmt.Errorf("%w: a permission cannot require itself", ErrValidation)
	}
	if _, err := tx.GetPermission(ctx, code); err != nil {
		return PermissionDependency{}, Event{}, err
	}
	if _, err := tx.GetPermission(ctx, requires); err != nil {
		return PermissionDependency{}, Event{}, err
	}

	deps, err := tx.ListDependencies(ctx)
	if err != nil {
		return PermissionDependency{}, Event{}, err
	}
	adj := dependencyAdjacency(deps)
	for _, existing := range adj[code] {
		if existing == requires {
			return PermissionDependency{}, Event{}, fmt.Errorf("%w: dependency %s -> %s already exists", ErrState, code, requires)
		}
	}
	if err := checkDependencyCycle(adj, code, requires); err != nil {
		return PermissionDependency{}, Event{}, err
	}

	dep, err := tx.InsertDependency(ctx, PermissionDependency{
		Code:         code,
		RequiresCode: requires,
		CreatedBy:    in.ActorID,
		CreatedAt:    now,
	})
	if err != nil {
		return PermissionDependency{}, Event{}, err
	}

	return dep, Event{
		Action:   ActionDependencyAdded,
		Entity:   EntityDependency,
		EntityID: formatID(dep.ID),
		ActorID:  in.ActorID,
		After: map[string]any{
			"code":     dep.Code,
			"requires": dep.RequiresCode,
		},
		At: now,
	}, nil
}

// resolveConflict applies an operator decision to a stored conflict. The
// returned bool reports whether anything changed: re-resolving with the same
// outcome is a no-op success, a different outcome is a state error.
func resolveConflict(ctx context.Context, tx TxPort, in ResolveConflictInput, now time.Time) (Conflict, Event, bool, error) {
	if !in.Resolution.Valid() {
		return Conflict{}, Event{}, false, fmt.Errorf("%w: unknown resolution %q", ErrValidation, in.Resolution)
	}
	c, err := tx.GetConflict(ctx, in.ConflictID)
	if err != nil {
		return Conflict{}, Event{}, false, err
	}
	before := conflictSnapshot(c)

	outcome, err := conflictOutcome(c, in.Resolution)
	if err != nil {
		return Conflict{}, Event{}, false, err
	}

	if c.Status == ConflictResolved {
		if c.Outcome == outcome {
			return c, Event{}, false, nil
		}
		return Conflict{}, Event{}, false, fmt.Errorf("%w: conflict %d already resolved with a different outcome", ErrState, c.ID)
	}

	if err := tx.LockRole(ctx, c.RoleID); err != nil {
		return Conflict{}, Event{}, false, err
	}

	c.Status = ConflictResolved
	c.Resolution = in.Resolution
	c.Outcome = outcome
	c.ResolvedBy = in.ActorID
	c.ResolvedAt = now
	updated, err := tx.UpdateConflict(ctx, c)
	if err != nil {
		return Conflict{}, Event{}, false, err
	}

	return updated, Event{
		Action:   ActionConflictResolved,
		Entity:   EntityConflict,
		EntityID: formatID(updated.ID),
		ActorID:  in.ActorID,
		Before:   before,
		After:    conflictSnapshot(updated),
		At:       now,
	}, true, nil
}

// conflictOutcome maps a resolution strategy to the grant value it settles on.
func conflictOutcome(c Conflict, resolution ConflictResolution) (bool, error) {
	switch resolution {
	case ResolveKeepGrant:
		return true, nil
	case ResolveKeepDeny:
		return false, nil
	case ResolveByPriority:
		if len(c.Sources) == 0 {
			return false, fmt.Errorf("%w: conflict %d has no recorded sources to resolve by priority", ErrState, c.ID)
		}
		best := c.Sources[0]
		for _, s := range c.Sources[1:] {
			if s.Priority < best.Priority {
				best = s
				continue
			}
			if s.Priority == best.Priority && s.RuleCreatedAt.After(best.RuleCreatedAt) {
				best = s
			}
		}
		return best.Granted, nil
	default:
		return false, fmt.Errorf("%w: unknown resolution %q", ErrValidation, resolution)
	}
}

// ruleMasked hides one rule from the graph reader so an update can test the
// would-be edge set instead of the current one.
type ruleMasked struct {
	GraphReader
	maskedRuleID int64
}

func (m ruleMasked) ListRulesFrom(ctx context.Context, parentRoleID int64) ([]InheritanceRule, error) {
	rules, err := m.GraphReader.ListRulesFrom(ctx, parentRoleID)
	if err != nil {
		return nil, err
	}
	kept := rules[:0]
	for _, r := range rules {
		if r.ID != m.maskedRuleID {
			kept = append(kept, r)
		}
	}
	return kept, nil
}

func (m ruleMasked) ListRulesInto(ctx context.Context, childRoleID int64) ([]InheritanceRule, error) {
	rules, err := m.GraphReader.ListRulesInto(ctx, childRoleID)
	if err != nil {
		return nil, err
	}
	kept := rules[:0]
	for _, r := range rules {
		if r.ID != m.maskedRuleID {
			kept = append(kept, r)
		}
	}
	return kept, nil
}

const maxRulePriority = 1000

func activeRole(ctx context.Context, r GraphReader, id int64) (Role, error) {
	role, err := r.GetRole(ctx, id)
	if err != nil {
		return Role{}, err
	}
	if !role.IsActive {
		return Role{}, fmt.Errorf("%w: role %d is inactive", ErrValidation, id)
	}
	return role, nil
}

func knownCodes(ctx context.Context, r GraphReader, codes []string) error {
	for _, code := range codes {
		if _, err := r.GetPermission(ctx, code); err != nil {
			if isNotFound(err) {
				return fmt.Errorf("%w: unknown permission code %q", ErrValidation, code)
			}
			return err
		}
	}
	return nil
}

func formatID(id int64) string {
	return fmt.Sprintf("%d", id)
}

func ruleSnapshot(r InheritanceRule) map[string]any {
	return map[string]any{
		"parent_role_id": r.ParentRoleID,
		"child_role_id":  r.ChildRoleID,
		"mode":           string(r.Mode),
		"selected":       append([]string(nil), r.SelectedCodes...),
		"priority":       r.Priority,
		"is_active":      r.IsActive,
	}
}

func rolePermissionSnapshot(rp RolePermission) map[string]any {
	return map[string]any{
		"role_id": rp.RoleID,
		"code":    rp.Code,
		"granted": rp.Granted,
	}
}

func conflictSnapshot(c Conflict) map[string]any {
	return map[string]any{
		"role_id":    c.RoleID,
		"code":       c.Code,
		"kind":       string(c.Kind),
		"status":     string(c.Status),
		"resolution": string(c.Resolution),
		"outcome":    c.Outcome,
	}
}
