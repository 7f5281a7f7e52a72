// Package graph builds the dependency graph between the packages of a monorepo.
//
// Nodes live in an arena owned by the Graph; edges are stored by package name,
// so cyclic dependents never form owning pointer cycles. A Graph is a snapshot:
// it clones the packages it is built from and is never mutated afterwards.
package graph

import (
	"errors"
	"fmt"
	"log/slog"

	"monorel/internal/manifest"
	"monorel/internal/semver"
)

// ErrDuplicatePackage is wrapped by the warning raised when two packages share a name.
var ErrDuplicatePackage = errors.New("EDUPLICATE: duplicate package name")

// DuplicateError names the package and the locations that collided.
// The first location is the one kept in the graph.
type DuplicateError struct {
	Name      string
	Locations []string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%v %q at %v", ErrDuplicatePackage, e.Name, e.Locations)
}

func (e *DuplicateError) Unwrap() error { return ErrDuplicatePackage }

// Node wraps exactly one package.
type Node struct {
	index int
	pkg   *manifest.Package

	// ExternalDependencies holds specs that no sibling satisfies.
	ExternalDependencies map[string]manifest.Spec
	// LocalDependencies holds specs satisfied by a sibling's current version.
	LocalDependencies map[string]manifest.Spec
	// LocalDependents maps dependent name to the spec that dependent declares.
	LocalDependents map[string]manifest.Spec
}

func (n *Node) Name() string     { return n.pkg.Name }
func (n *Node) Version() string  { return n.pkg.Version }
func (n *Node) Location() string { return n.pkg.Location }
func (n *Node) Private() bool    { return n.pkg.Private }

// Index is the node's position in the graph's arena (insertion order).
func (n *Node) Index() int { return n.index }

// Package returns the node's package. Callers must treat it as read-only;
// use Clone before changing anything.
func (n *Node) Package() *manifest.Package { return n.pkg }

// PrereleaseID returns the prerelease identifier of the current version, if any.
func (n *Node) PrereleaseID() string { return semver.PrereleaseID(n.pkg.Version) }

func (n *Node) String() string {
	if n.pkg.Version == "" {
		return n.pkg.Name
	}
	return n.pkg.Name + "@" + n.pkg.Version
}

// Graph is a name-indexed arena of nodes.
type Graph struct {
	nodes []*Node
	index map[string]int
	keys  []manifest.DependencyKey

	// Warnings collects non-fatal problems found while building.
	Warnings []error
}

type options struct {
	keys   []manifest.DependencyKey
	logger *slog.Logger
}

// Option configures Build.
type Option func(*options)

// WithDependencyKeys selects the manifest collections that produce edges.
// The default is manifest.AllDependencyKeys.
func WithDependencyKeys(keys []manifest.DependencyKey) Option {
	return func(o *options) { o.keys = keys }
}

// WithLogger sets the logger used for build warnings.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Build creates the graph in two passes: every node is created first, then
// edges are resolved against the complete name index.
func Build(pkgs []*manifest.Package, opts ...Option) *Graph {
	o := options{keys: manifest.AllDependencyKeys}
	for _, opt := range opts {
		opt(&o)
	}
	log := o.logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	g := &Graph{
		nodes: make([]*Node, 0, len(pkgs)),
		index: make(map[string]int, len(pkgs)),
		keys:  o.keys,
	}

	dups := make(map[string]*DuplicateError)
	var dupOrder []string
	for _, pkg := range pkgs {
		if i, ok := g.index[pkg.Name]; ok {
			d := dups[pkg.Name]
			if d == nil {
				d = &DuplicateError{Name: pkg.Name, Locations: []string{g.nodes[i].Location()}}
				dups[pkg.Name] = d
				dupOrder = append(dupOrder, pkg.Name)
			}
			d.Locations = append(d.Locations, pkg.Location)
			continue
		}
		g.index[pkg.Name] = len(g.nodes)
		g.nodes = append(g.nodes, &Node{
			index:                len(g.nodes),
			pkg:                  pkg.Clone(),
			ExternalDependencies: make(map[string]manifest.Spec),
			LocalDependencies:    make(map[string]manifest.Spec),
			LocalDependents:      make(map[string]manifest.Spec),
		})
	}
	for _, name := range dupOrder {
		err := dups[name]
		log.Warn("duplicate package name, keeping the first", "package", name, "locations", err.Locations)
		g.Warnings = append(g.Warnings, err)
	}

	for _, node := range g.nodes {
		for depName, raw := range node.pkg.DependenciesFor(o.keys) {
			spec := manifest.ParseSpec(depName, raw)
			if depName == node.Name() {
				node.ExternalDependencies[depName] = spec
				continue
			}
			target, ok := g.Get(depName)
			if !ok {
				node.ExternalDependencies[depName] = spec
				continue
			}
			if !spec.SatisfiedBy(target.Version(), target.Location(), node.Location()) {
				// An out-of-range sibling is resolved like any registry package.
				log.Debug("local dependency not satisfied, treating as external",
					"package", node.Name(), "dependency", depName, "spec", raw, "version", target.Version())
				node.ExternalDependencies[depName] = spec
				continue
			}
			node.LocalDependencies[depName] = spec
			target.LocalDependents[node.Name()] = spec
		}
	}

	return g
}

// Get returns the node for name.
func (g *Graph) Get(name string) (*Node, bool) {
	i, ok := g.index[name]
	if !ok {
		return nil, false
	}
	return g.nodes[i], true
}

// Has reports whether name is a package of the graph.
func (g *Graph) Has(name string) bool {
	_, ok := g.index[name]
	return ok
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Nodes returns all nodes in insertion order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, len(g.nodes))
	copy(out, g.nodes)
	return out
}

// Names returns all package names in insertion order.
func (g *Graph) Names() []string {
	out := make([]string, len(g.nodes))
	for i, n := range g.nodes {
		out[i] = n.Name()
	}
	return out
}

// DependencyKeys returns the manifest collections the graph was built from.
func (g *Graph) DependencyKeys() []manifest.DependencyKey { return g.keys }

// Packages returns deep copies of every package, in insertion order.
func (g *Graph) Packages() []*manifest.Package {
	out := make([]*manifest.Package, len(g.nodes))
	for i, n := range g.nodes {
		out[i] = n.pkg.Clone()
	}
	return out
}

// Lookup resolves names to nodes, skipping unknown names.
func (g *Graph) Lookup(names []string) []*Node {
	out := make([]*Node, 0, len(names))
	for _, name := range names {
		if n, ok := g.Get(name); ok {
			out = append(out, n)
		}
	}
	return out
}
