package rbac

import (
	"context"
	"errors"
	"sort"
)

// roleGraph is an in-memory adjacency view of the inheritance rules around a
// role. Nodes are role IDs; edges are the active rules. It is built per
// operation from the store and discarded afterwards.
type roleGraph struct {
	roles     map[int64]Role
	rulesInto map[int64][]InheritanceRule
	order     []int64
}

// loadAncestorGraph walks upward from roleID over active rule edges and
// returns the induced subgraph with a deterministic root-to-leaf order.
// Rules whose parent role is missing or inactive are skipped.
func loadAncestorGraph(ctx context.Context, r GraphReader, roleID int64) (*roleGraph, error) {
	g := &roleGraph{
		roles:     make(map[int64]Role),
		rulesInto: make(map[int64][]InheritanceRule),
	}

	start, err := r.GetRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	g.roles[roleID] = start

	stack := []int64{roleID}
	visited := map[int64]struct{}{roleID: {}}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		rules, err := r.ListRulesInto(ctx, current)
		if err != nil {
			return nil, err
		}
		kept := make([]InheritanceRule, 0, len(rules))
		for _, rule := range rules {
			if !rule.IsActive {
				continue
			}
			parent, ok := g.roles[rule.ParentRoleID]
			if !ok {
				parent, err = r.GetRole(ctx, rule.ParentRoleID)
				if err != nil {
					if isNotFound(err) {
						continue
					}
					return nil, err
				}
				g.roles[rule.ParentRoleID] = parent
			}
			if !parent.IsActive {
				continue
			}
			kept = append(kept, rule)
			if _, seen := visited[rule.ParentRoleID]; !seen {
				visited[rule.ParentRoleID] = struct{}{}
				stack = append(stack, rule.ParentRoleID)
			}
		}
		sortRules(kept)
		g.rulesInto[current] = kept
	}

	g.order = topoOrder(visited, g.rulesInto)
	return g, nil
}

// topoOrder returns the node set sorted so every parent precedes its
// children. Ties break on role ID to keep evaluation deterministic. Writes
// keep the graph acyclic, so every node is eventually released; any remainder
// from inconsistent data is appended in ID order rather than dropped.
func topoOrder(nodes map[int64]struct{}, rulesInto map[int64][]InheritanceRule) []int64 {
	pending := make(map[int64]int, len(nodes))
	children := make(map[int64][]int64, len(nodes))
	for id := range nodes {
		count := 0
		for _, rule := range rulesInto[id] {
			if _, ok := nodes[rule.ParentRoleID]; ok {
				count++
				children[rule.ParentRoleID] = append(children[rule.ParentRoleID], id)
			}
		}
		pending[id] = count
	}

	ready := make([]int64, 0, len(nodes))
	for id, count := range pending {
		if count == 0 {
			ready = append(ready, id)
		}
	}
	sortIDs(ready)

	order := make([]int64, 0, len(nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		released := make([]int64, 0, len(children[id]))
		for _, child := range children[id] {
			pending[child]--
			if pending[child] == 0 {
				released = append(released, child)
			}
		}
		sortIDs(released)
		ready = append(ready, released...)
	}

	if len(order) < len(nodes) {
		rest := make([]int64, 0, len(nodes)-len(order))
		seen := make(map[int64]struct{}, len(order))
		for _, id := range order {
			seen[id] = struct{}{}
		}
		for id := range nodes {
			if _, ok := seen[id]; !ok {
				rest = append(rest, id)
			}
		}
		sortIDs(rest)
		order = append(order, rest...)
	}
	return order
}

// reachesDown reports whether target is reachable from start by walking
// parent→child rule edges, and returns the discovered path start..target.
// Inactive rules do not connect.
func reachesDown(ctx context.Context, r GraphReader, start, target int64) (bool, []int64, error) {
	type frame struct {
		id   int64
		prev int
	}
	frames := []frame{{id: start, prev: -1}}
	stack := []int{0}
	visited := map[int64]struct{}{start: {}}

	for len(stack) > 0 {
		idx := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		current := frames[idx].id

		if current == target {
			path := []int64{}
			for i := idx; i >= 0; i = frames[i].prev {
				path = append(path, frames[i].id)
			}
			for l, r := 0, len(path)-1; l < r; l, r = l+1, r-1 {
				path[l], path[r] = path[r], path[l]
			}
			return true, path, nil
		}

		rules, err := r.ListRulesFrom(ctx, current)
		if err != nil {
			return false, nil, err
		}
		for _, rule := range rules {
			if !rule.IsActive {
				continue
			}
			if _, seen := visited[rule.ChildRoleID]; seen {
				continue
			}
			visited[rule.ChildRoleID] = struct{}{}
			frames = append(frames, frame{id: rule.ChildRoleID, prev: idx})
			stack = append(stack, len(frames)-1)
		}
	}
	return false, nil, nil
}

// checkRuleCycle rejects a parent→child edge that would let a role inherit
// from itself, reporting the cycle the edge would close.
func checkRuleCycle(ctx context.Context, r GraphReader, parentRoleID, childRoleID int64) error {
	if parentRoleID == childRoleID {
		return &CycleError{Path: roleCyclePath([]int64{parentRoleID, childRoleID})}
	}
	found, path, err := reachesDown(ctx, r, childRoleID, parentRoleID)
	if err != nil {
		return err
	}
	if found {
		cycle := append([]int64{}, path...)
		cycle = append(cycle, childRoleID)
		return &CycleError{Path: roleCyclePath(cycle)}
	}
	return nil
}

// descendantRoles returns every role reachable downward from roleID through
// active rules, excluding roleID itself. Used for cache invalidation scope.
func descendantRoles(ctx context.Context, r GraphReader, roleID int64) ([]int64, error) {
	stack := []int64{roleID}
	visited := map[int64]struct{}{roleID: {}}
	out := make([]int64, 0)
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		rules, err := r.ListRulesFrom(ctx, current)
		if err != nil {
			return nil, err
		}
		for _, rule := range rules {
			if !rule.IsActive {
				continue
			}
			if _, seen := visited[rule.ChildRoleID]; seen {
				continue
			}
			visited[rule.ChildRoleID] = struct{}{}
			out = append(out, rule.ChildRoleID)
			stack = append(stack, rule.ChildRoleID)
		}
	}
	sortIDs(out)
	return out, nil
}

// sortRules orders rule slices for deterministic evaluation: priority first,
// then creation time, then ID.
func sortRules(rules []InheritanceRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		if !rules[i].CreatedAt.Equal(rules[j].CreatedAt) {
			return rules[i].CreatedAt.Before(rules[j].CreatedAt)
		}
		return rules[i].ID < rules[j].ID
	})
}

func sortIDs(ids []int64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
