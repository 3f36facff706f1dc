package rbac

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// entry is the accumulated grant-state of one permission at one role while
// folding the ancestor chain.
type entry struct {
	granted  bool
	local    bool
	origin   int64
	ruleID   int64
	priority int
	ruleAt   time.Time
}

// resolution is the outcome of evaluating a single role: the effective grants
// with provenance, the raw accumulated states, and any conflicts the
// computation surfaced. Conflicts here are computed data; nothing is written.
type resolution struct {
	RoleID    int64
	Grants    map[string]Source
	States    map[string]entry
	Conflicts []Conflict
}

// Codes returns the sorted effective permission codes.
func (r resolution) Codes() []string {
	codes := make([]string, 0, len(r.Grants))
	for code := range r.Grants {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

type calculator struct {
	reader GraphReader
}

// resolve computes the effective permission set for one role. The walk is
// read-only and leaves no state behind; acyclicity is maintained by the write
// path, so the chain is finite.
func (c *calculator) resolve(ctx context.Context, roleID int64) (resolution, error) {
	g, err := loadAncestorGraph(ctx, c.reader, roleID)
	if err != nil {
		return resolution{}, err
	}

	locals := make(map[int64][]RolePermission, len(g.order))
	for _, rid := range g.order {
		perms, err := c.reader.ListRolePermissions(ctx, rid)
		if err != nil {
			return resolution{}, err
		}
		locals[rid] = perms
	}

	acc := make(map[int64]map[string]entry, len(g.order))
	var targetContribs map[string][]entry
	for _, rid := range g.order {
		var contribs map[string][]entry
		if rid == roleID {
			contribs = make(map[string][]entry)
			targetContribs = contribs
		}
		acc[rid] = foldRole(rid, g.rulesInto[rid], acc, locals[rid], contribs)
	}

	states := acc[roleID]
	if states == nil {
		states = map[string]entry{}
	}

	res := resolution{RoleID: roleID, States: states, Grants: make(map[string]Source, len(states))}
	for code, e := range states {
		if !e.granted {
			continue
		}
		res.Grants[code] = Source{
			Code:            code,
			GrantedByRoleID: e.origin,
			RuleID:          e.ruleID,
			Inherited:       !e.local,
		}
	}

	res.Conflicts = detectPriorityTies(roleID, targetContribs, states)

	if err := c.expandDependencies(ctx, &res); err != nil {
		return resolution{}, err
	}
	return res, nil
}

// foldRole merges the inherited contributions arriving through each rule edge
// and then applies the role's own explicit entries, which always win locally.
func foldRole(roleID int64, rules []InheritanceRule, acc map[int64]map[string]entry, locals []RolePermission, contribs map[string][]entry) map[string]entry {
	m := make(map[string]entry)
	for _, rule := range rules {
		parentAcc := acc[rule.ParentRoleID]
		if parentAcc == nil {
			continue
		}
		switch rule.Mode {
		case ModeSelected:
			for _, code := range rule.SelectedCodes {
				pe, ok := parentAcc[code]
				if !ok {
					continue
				}
				applyContribution(m, contribs, code, inheritedEntry(pe, rule))
			}
		default:
			for code, pe := range parentAcc {
				applyContribution(m, contribs, code, inheritedEntry(pe, rule))
			}
		}
	}
	for _, lp := range locals {
		m[lp.Code] = entry{granted: lp.Granted, local: true, origin: roleID}
	}
	return m
}

func inheritedEntry(parent entry, rule InheritanceRule) entry {
	return entry{
		granted:  parent.granted,
		origin:   parent.origin,
		ruleID:   rule.ID,
		priority: rule.Priority,
		ruleAt:   rule.CreatedAt,
	}
}

func applyContribution(m map[string]entry, contribs map[string][]entry, code string, cand entry) {
	if contribs != nil {
		contribs[code] = append(contribs[code], cand)
	}
	cur, ok := m[code]
	if !ok || beats(cand, cur) {
		m[code] = cand
	}
}

// beats implements the precedence order: explicit local deny, explicit local
// grant, then inherited entries by ascending priority number, breaking exact
// priority ties in favour of the most recently created rule.
func beats(a, b entry) bool {
	if a.local != b.local {
		return a.local
	}
	if a.local && b.local {
		return !a.granted
	}
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	if !a.ruleAt.Equal(b.ruleAt) {
		return a.ruleAt.After(b.ruleAt)
	}
	return a.ruleID > b.ruleID
}

// detectPriorityTies flags permissions whose best grant and best deny arrive
// at the same priority through different rules, with no explicit local entry
// pinning the outcome. The resolver still picks a deterministic winner; the
// tie is surfaced so an operator can settle it for good.
func detectPriorityTies(roleID int64, contribs map[string][]entry, states map[string]entry) []Conflict {
	if len(contribs) == 0 {
		return nil
	}
	codes := make([]string, 0, len(contribs))
	for code := range contribs {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	var out []Conflict
	for _, code := range codes {
		if st, ok := states[code]; ok && st.local {
			continue
		}
		list := contribs[code]
		grantBest, denyBest := 0, 0
		hasGrant, hasDeny := false, false
		for _, e := range list {
			if e.granted {
				if !hasGrant || e.priority < grantBest {
					grantBest = e.priority
					hasGrant = true
				}
			} else {
				if !hasDeny || e.priority < denyBest {
					denyBest = e.priority
					hasDeny = true
				}
			}
		}
		if !hasGrant || !hasDeny || grantBest != denyBest {
			continue
		}
		sources := make([]ConflictSource, 0, len(list))
		for _, e := range list {
			sources = append(sources, ConflictSource{
				RuleID:        e.ruleID,
				RoleID:        e.origin,
				Granted:       e.granted,
				Priority:      e.priority,
				RuleCreatedAt: e.ruleAt,
			})
		}
		sort.Slice(sources, func(i, j int) bool { return sources[i].RuleID < sources[j].RuleID })
		out = append(out, Conflict{
			RoleID:  roleID,
			Code:    code,
			Kind:    ConflictPriorityTie,
			Detail:  fmt.Sprintf("grant and deny for %q arrive at equal priority %d", code, grantBest),
			Sources: sources,
			Status:  ConflictUnresolved,
		})
	}
	return out
}

// expandDependencies adds the transitive prerequisites of every granted
// permission. Expansion is additive: a denied prerequisite is still granted,
// and the contradiction is surfaced as a conflict unless an operator already
// resolved that exact conflict with keep_deny.
func (c *calculator) expandDependencies(ctx context.Context, res *resolution) error {
	deps, err := c.reader.ListDependencies(ctx)
	if err != nil {
		return err
	}
	if len(deps) == 0 {
		return nil
	}
	adj := dependencyAdjacency(deps)

	suppressed := map[string]struct{}{}
	stored, err := c.reader.ListConflicts(ctx, res.RoleID)
	if err != nil {
		return err
	}
	for _, sc := range stored {
		if sc.Kind == ConflictDependencyDeny && sc.Status == ConflictResolved && !sc.Outcome {
			suppressed[sc.Code] = struct{}{}
		}
	}

	queue := res.Codes()
	for len(queue) > 0 {
		code := queue[0]
		queue = queue[1:]
		driver, ok := res.Grants[code]
		if !ok {
			continue
		}
		for _, req := range adj[code] {
			if _, granted := res.Grants[req]; granted {
				continue
			}
			if st, present := res.States[req]; present && !st.granted {
				if _, skip := suppressed[req]; skip {
					continue
				}
				res.Conflicts = append(res.Conflicts, Conflict{
					RoleID: res.RoleID,
					Code:   req,
					Kind:   ConflictDependencyDeny,
					Detail: fmt.Sprintf("%q is denied but required by granted permission %q", req, code),
					Sources: []ConflictSource{
						{RoleID: st.origin, RuleID: st.ruleID, Granted: false, Priority: st.priority, RuleCreatedAt: st.ruleAt},
						{RoleID: driver.GrantedByRoleID, RuleID: driver.RuleID, Granted: true, ViaCode: code},
					},
					Status: ConflictUnresolved,
				})
			}
			res.Grants[req] = Source{
				Code:            req,
				GrantedByRoleID: driver.GrantedByRoleID,
				RuleID:          driver.RuleID,
				Inherited:       driver.Inherited,
				ViaDependency:   code,
			}
			queue = append(queue, req)
		}
	}
	return nil
}

func dependencyAdjacency(deps []PermissionDependency) map[string][]string {
	adj := make(map[string][]string, len(deps))
	for _, d := range deps {
		adj[d.Code] = append(adj[d.Code], d.RequiresCode)
	}
	for code := range adj {
		sort.Strings(adj[code])
	}
	return adj
}
