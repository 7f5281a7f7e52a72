package version

import (
	"fmt"
	"strings"

	"monorel/internal/graph"
	"monorel/internal/manifest"
	"monorel/internal/semver"
)

// Apply returns new package snapshots carrying the assigned versions. Every
// versioned package also has its local dependency specs on other versioned
// packages rewritten to the new versions. The graph itself is not modified;
// callers rebuild a graph from the returned packages.
func Apply(g *graph.Graph, versions map[string]string, exact bool) []*manifest.Package {
	out := make([]*manifest.Package, 0, g.Len())
	for _, node := range g.Nodes() {
		pkg := node.Package().Clone()
		next, ok := versions[node.Name()]
		if ok {
			pkg.Version = next
			for dep, spec := range node.LocalDependencies {
				depVersion, bumped := versions[dep]
				if !bumped {
					continue
				}
				pkg.SetDependency(dep, spec.Rewrite(depVersion, spec.SavePrefix(exact)))
			}
		}
		out = append(out, pkg)
	}
	return out
}

// Changed returns the packages of updated whose name is in versions.
func Changed(updated []*manifest.Package, versions map[string]string) []*manifest.Package {
	var out []*manifest.Package
	for _, pkg := range updated {
		if _, ok := versions[pkg.Name]; ok {
			out = append(out, pkg)
		}
	}
	return out
}

// Canary returns the canary version for current: the next release of kind
// rt (patch when empty) tagged with preid, the number of commits since the
// last release and the short commit sha, as in "1.0.1-alpha.2+3f2c1ab".
func Canary(current string, rt semver.ReleaseType, preid string, commitsSince int, sha string) (string, error) {
	if rt == "" {
		rt = semver.Patch
	}
	if rt.IsPre() {
		rt = semver.ReleaseType(strings.TrimPrefix(string(rt), "pre"))
		if rt == "release" {
			rt = semver.Patch
		}
	}
	base := current
	if v, err := semver.ParseVersion(current); err == nil {
		base = fmt.Sprintf("%d.%d.%d", v.Major(), v.Minor(), v.Patch())
	}
	next, err := semver.Inc(base, rt, "")
	if err != nil {
		return "", err
	}
	if preid == "" {
		preid = DefaultPreID
	}
	if len(sha) > 7 {
		sha = sha[:7]
	}
	return fmt.Sprintf("%s-%s.%d+%s", next, preid, max(0, commitsSince-1), sha), nil
}
