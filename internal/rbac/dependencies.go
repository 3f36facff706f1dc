package rbac

import "sort"

// checkDependencyCycle rejects a code→requires edge that would make a
// permission transitively require itself. The walk starts at the required
// code and follows existing requires-edges looking for the dependent code.
func checkDependencyCycle(adj map[string][]string, code, requiresCode string) error {
	if code == requiresCode {
		return &CycleError{Path: []string{code, requiresCode}}
	}
	type frame struct {
		code string
		prev int
	}
	frames := []frame{{code: requiresCode, prev: -1}}
	stack := []int{0}
	visited := map[string]struct{}{requiresCode: {}}

	for len(stack) > 0 {
		idx := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		current := frames[idx].code

		if current == code {
			path := []string{}
			for i := idx; i >= 0; i = frames[i].prev {
				path = append(path, frames[i].code)
			}
			for l, r := 0, len(path)-1; l < r; l, r = l+1, r-1 {
				path[l], path[r] = path[r], path[l]
			}
			return &CycleError{Path: append([]string{code}, path...)}
		}

		for _, next := range adj[current] {
			if _, seen := visited[next]; seen {
				continue
			}
			visited[next] = struct{}{}
			frames = append(frames, frame{code: next, prev: idx})
			stack = append(stack, len(frames)-1)
		}
	}
	return nil
}

// dependencyClosure returns every permission transitively required by start,
// deduplicated and excluding start itself, in sorted order.
func dependencyClosure(adj map[string][]string, start string) []string {
	visited := map[string]struct{}{start: {}}
	queue := append([]string{}, adj[start]...)
	out := make([]string, 0, len(queue))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if _, seen := visited[current]; seen {
			continue
		}
		visited[current] = struct{}{}
		out = append(out, current)
		queue = append(queue, adj[current]...)
	}
	sort.Strings(out)
	return out
}
