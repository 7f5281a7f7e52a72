// Package filter selects the working set of packages from command-line
// filters.
package filter

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"monorel/internal/collect"
	"monorel/internal/graph"
)

// Options holds the package filters.
type Options struct {
	// Scope keeps only packages whose name matches one of the globs. A glob
	// starting with "!" excludes instead.
	Scope []string
	// Ignore drops packages whose name matches one of the globs.
	Ignore []string
	// NoPrivate drops private packages.
	NoPrivate bool
	// IncludeDependents adds every package depending on a selected one.
	IncludeDependents bool
	// IncludeDependencies adds every package a selected one depends on.
	IncludeDependencies bool
}

// Validate checks every glob.
func (o Options) Validate() error {
	for _, pattern := range append(append([]string(nil), o.Scope...), o.Ignore...) {
		if !doublestar.ValidatePattern(strings.TrimPrefix(pattern, "!")) {
			return fmt.Errorf("invalid package glob %q", pattern)
		}
	}
	return nil
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
	}
	return false
}

// matchScope applies include globs and "!" exclusions in order. With only
// exclusions every name starts out included.
func matchScope(patterns []string, name string) bool {
	if len(patterns) == 0 {
		return true
	}
	included := true
	for _, p := range patterns {
		if !strings.HasPrefix(p, "!") {
			included = false
			break
		}
	}
	for _, p := range patterns {
		if neg, ok := strings.CutPrefix(p, "!"); ok {
			if m, _ := doublestar.Match(neg, name); m {
				included = false
			}
			continue
		}
		if m, _ := doublestar.Match(p, name); m {
			included = true
		}
	}
	return included
}

// Select returns the nodes of g that pass the name and privacy filters, in
// graph order.
func Select(g *graph.Graph, opts Options) ([]*graph.Node, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	var out []*graph.Node
	for _, node := range g.Nodes() {
		if !matchScope(opts.Scope, node.Name()) || matchAny(opts.Ignore, node.Name()) {
			continue
		}
		if opts.NoPrivate && node.Private() {
			continue
		}
		out = append(out, node)
	}
	return out, nil
}

// Expand adds dependents and dependencies of nodes as requested by opts and
// returns the result in graph order.
func Expand(g *graph.Graph, nodes []*graph.Node, opts Options) []*graph.Node {
	selected := make(map[string]bool, len(nodes))
	names := make([]string, 0, len(nodes))
	for _, node := range nodes {
		selected[node.Name()] = true
		names = append(names, node.Name())
	}

	if opts.IncludeDependents {
		for name := range collect.Dependents(g, names) {
			selected[name] = true
		}
	}
	if opts.IncludeDependencies {
		for name := range Dependencies(g, names) {
			selected[name] = true
		}
	}

	var out []*graph.Node
	for _, node := range g.Nodes() {
		if !selected[node.Name()] {
			continue
		}
		if opts.NoPrivate && node.Private() {
			continue
		}
		out = append(out, node)
	}
	return out
}

// Dependencies returns every package that one of names depends on, directly
// or transitively.
func Dependencies(g *graph.Graph, names []string) map[string]bool {
	out := make(map[string]bool)
	queue := append([]string(nil), names...)
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		seen[name] = true
	}
	for len(queue) > 0 {
		node, ok := g.Get(queue[0])
		queue = queue[1:]
		if !ok {
			continue
		}
		for dep := range node.LocalDependencies {
			out[dep] = true
			if !seen[dep] {
				seen[dep] = true
				queue = append(queue, dep)
			}
		}
	}
	return out
}
