package collect

import "monorel/internal/graph"

// Dependents returns every package that depends, directly or transitively, on
// one of names. The walk is breadth-first over LocalDependents with one seen
// set shared by all starting points, so dependency cycles terminate and a
// package reached from one start is not walked again from another. Starting
// packages are only included when another start (or a cycle) leads back to them.
func Dependents(g *graph.Graph, names []string) map[string]bool {
	collected := make(map[string]bool)
	seen := make(map[string]bool, len(names))

	for _, name := range names {
		start, ok := g.Get(name)
		if !ok || seen[name] {
			continue
		}
		seen[name] = true

		queue := []*graph.Node{start}
		for len(queue) > 0 {
			node := queue[0]
			queue = queue[1:]

			for dependent := range node.LocalDependents {
				if dependent == start.Name() {
					continue
				}
				collected[dependent] = true
				if seen[dependent] {
					continue
				}
				seen[dependent] = true
				if next, ok := g.Get(dependent); ok {
					queue = append(queue, next)
				}
			}
		}
	}

	return collected
}
