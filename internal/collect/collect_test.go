package collect

import (
	"context"
	"strings"
	"testing"

	"monorel/internal/graph"
	"monorel/internal/manifest"
)

type fakeGit struct {
	tags       bool
	lastTag    string
	commits    int
	sha        string
	changed    map[string]bool // keyed by package location
	diffCalls  []string
	committish string
}

func (f *fakeGit) HasTags(context.Context) (bool, error) { return f.tags, nil }
func (f *fakeGit) LastTag(context.Context, string) (string, error) {
	return f.lastTag, nil
}
func (f *fakeGit) CommitsSince(context.Context, string) (int, error) { return f.commits, nil }
func (f *fakeGit) CurrentSHA(context.Context) (string, error)        { return f.sha, nil }
func (f *fakeGit) HasDiff(_ context.Context, committish, location string, _ []string) (bool, error) {
	f.committish = committish
	f.diffCalls = append(f.diffCalls, location)
	return f.changed[location], nil
}

func pkg(name, version string, deps ...string) *manifest.Package {
	p := manifest.New(name, version, "/repo/packages/"+name)
	for _, dep := range deps {
		p.WithDependency(manifest.Dependencies, dep, "^1.0.0")
	}
	return p
}

func dagGraph() *graph.Graph {
	return graph.Build([]*manifest.Package{
		pkg("dag-1", "1.0.0"),
		pkg("dag-2a", "1.0.0", "dag-1"),
		pkg("dag-2b", "1.0.0", "dag-1"),
		pkg("dag-3", "1.0.0", "dag-2a", "dag-1"),
		pkg("standalone", "1.0.0"),
	})
}

func names(nodes []*graph.Node) string {
	var out []string
	for _, n := range nodes {
		out = append(out, n.Name())
	}
	return strings.Join(out, ",")
}

func TestCollect_ChangedLeafPullsInDependents(t *testing.T) {
	g := dagGraph()
	git := &fakeGit{tags: true, lastTag: "v1.0.0", commits: 3, changed: map[string]bool{"/repo/packages/dag-1": true}}

	updates, err := Collect(context.Background(), g.Nodes(), g, git, Options{})
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if got := names(updates); got != "dag-1,dag-2a,dag-2b,dag-3" {
		t.Errorf("updates = %s, want dag-1,dag-2a,dag-2b,dag-3", got)
	}
	if git.committish != "v1.0.0" {
		t.Errorf("diffed against %q, want last tag", git.committish)
	}
}

func TestCollect_ExcludeDependents(t *testing.T) {
	g := dagGraph()
	git := &fakeGit{tags: true, lastTag: "v1.0.0", commits: 1, changed: map[string]bool{"/repo/packages/dag-1": true}}

	updates, err := Collect(context.Background(), g.Nodes(), g, git, Options{ExcludeDependents: true})
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if got := names(updates); got != "dag-1" {
		t.Errorf("updates = %s, want dag-1", got)
	}
}

func TestCollect_NoCommitsSinceRelease(t *testing.T) {
	g := dagGraph()
	git := &fakeGit{tags: true, lastTag: "v1.0.0", commits: 0}

	updates, err := Collect(context.Background(), g.Nodes(), g, git, Options{})
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(updates) != 0 {
		t.Errorf("expected nothing to release, got %s", names(updates))
	}
	if len(git.diffCalls) != 0 {
		t.Error("short-circuit must not diff")
	}

	forced, err := Collect(context.Background(), g.Nodes(), g, git, Options{Force: []string{"standalone"}})
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if got := names(forced); got != "standalone" {
		t.Errorf("forced updates = %s, want standalone", got)
	}
}

func TestCollect_NoTagsMeansEverything(t *testing.T) {
	g := dagGraph()
	git := &fakeGit{}

	updates, err := Collect(context.Background(), g.Nodes(), g, git, Options{})
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(updates) != g.Len() {
		t.Errorf("expected all %d packages, got %s", g.Len(), names(updates))
	}
}

func TestCollect_ForceAll(t *testing.T) {
	g := dagGraph()
	git := &fakeGit{tags: true, lastTag: "v1.0.0", commits: 2}

	updates, err := Collect(context.Background(), g.Nodes(), g, git, Options{Force: []string{"*"}})
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(updates) != g.Len() {
		t.Errorf("expected all packages, got %s", names(updates))
	}
}

func TestCollect_SinceAndCanary(t *testing.T) {
	g := dagGraph()
	git := &fakeGit{tags: true, lastTag: "v1.0.0", commits: 0, sha: "abc123"}

	if _, err := Collect(context.Background(), g.Nodes(), g, git, Options{Since: "main"}); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if git.committish != "main" {
		t.Errorf("explicit since: diffed against %q, want main", git.committish)
	}

	git.commits = 4
	if _, err := Collect(context.Background(), g.Nodes(), g, git, Options{Canary: true}); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if git.committish != "abc123^..abc123" {
		t.Errorf("canary: diffed against %q", git.committish)
	}
}

func TestCollect_PrereleaseNeedsBump(t *testing.T) {
	g := graph.Build([]*manifest.Package{
		pkg("stable", "1.0.0"),
		pkg("beta", "2.0.0-beta.1"),
	})
	git := &fakeGit{tags: true, lastTag: "v1.0.0", commits: 1}

	tests := []struct {
		bump     string
		graduate []string
		want     string
	}{
		{"", nil, ""},
		{"minor", nil, "beta"},
		{"3.0.0", nil, "beta"},
		{"prerelease", nil, ""},
		{"", []string{"beta"}, "beta"},
		{"", []string{"*"}, "beta"},
	}
	for _, tt := range tests {
		updates, err := Collect(context.Background(), g.Nodes(), g, git, Options{Bump: tt.bump, Graduate: tt.graduate})
		if err != nil {
			t.Fatalf("Collect: %v", err)
		}
		if got := names(updates); got != tt.want {
			t.Errorf("bump=%q graduate=%v: updates = %q, want %q", tt.bump, tt.graduate, got, tt.want)
		}
	}
}

func TestCollect_PreservesWorkingSetOrderAndFilter(t *testing.T) {
	g := dagGraph()
	git := &fakeGit{tags: true, lastTag: "v1.0.0", commits: 1, changed: map[string]bool{"/repo/packages/dag-1": true}}

	// Only working-set members are diffed, so without dag-1 nothing changes.
	working := g.Lookup([]string{"dag-3", "standalone", "dag-2b"})
	updates, err := Collect(context.Background(), working, g, git, Options{})
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if got := names(updates); got != "" {
		t.Errorf("expected no updates, got %s", got)
	}

	working = g.Lookup([]string{"dag-3", "dag-1", "dag-2b"})
	updates, err = Collect(context.Background(), working, g, git, Options{})
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if got := names(updates); got != "dag-3,dag-1,dag-2b" {
		t.Errorf("updates = %s, want working-set order dag-3,dag-1,dag-2b", got)
	}
}

func TestDependents_Cycles(t *testing.T) {
	g := graph.Build([]*manifest.Package{
		pkg("x", "1.0.0", "y"),
		pkg("y", "1.0.0", "x"),
		pkg("z", "1.0.0", "y"),
		pkg("w", "1.0.0", "z"),
	})

	got := Dependents(g, []string{"x"})
	for _, name := range []string{"y", "z", "w"} {
		if !got[name] {
			t.Errorf("expected %s among dependents of x, got %v", name, got)
		}
	}
	if got["x"] {
		t.Errorf("start node must not be its own dependent: %v", got)
	}

	both := Dependents(g, []string{"x", "y"})
	if !both["y"] || !both["z"] || !both["w"] {
		t.Errorf("expected closure over the cycle, got %v", both)
	}
}
