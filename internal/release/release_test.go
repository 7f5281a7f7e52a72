package release

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/go-git/go-git/v5"

	"monorel/internal/batch"
	"monorel/internal/config"
	"monorel/internal/filter"
	"monorel/internal/gitio"
	"monorel/internal/ledger"
	"monorel/internal/manifest"
)

const (
	manifestA = `{"name":"a","version":"1.0.0","scripts":{"preversion":"x","version":"x","postversion":"x","build":"x"}}`
	manifestB = `{"name":"b","version":"1.0.0","dependencies":{"a":"^1.0.0"},"scripts":{"build":"x"}}`
	manifestC = `{"name":"c","version":"1.0.0"}`
)

type fakeRunner struct {
	mu       sync.Mutex
	calls    []string
	failFor  string
	versions map[string]string
	tags     map[string]string
}

func (r *fakeRunner) record(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *fakeRunner) RunScript(_ context.Context, pkg *manifest.Package, script string) error {
	r.record(pkg.Name + ":" + script)
	if pkg.Name == r.failFor {
		return errors.New("exit status 1")
	}
	return nil
}

func (r *fakeRunner) Exec(_ context.Context, pkg *manifest.Package, name string, args ...string) error {
	r.record(pkg.Name + ":" + strings.Join(append([]string{name}, args...), " "))
	return nil
}

func (r *fakeRunner) Publish(_ context.Context, pkg *manifest.Package, distTag string) error {
	r.record(pkg.Name + ":publish")
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.versions == nil {
		r.versions = make(map[string]string)
		r.tags = make(map[string]string)
	}
	r.versions[pkg.Name] = pkg.Version
	r.tags[pkg.Name] = distTag
	return nil
}

func (r *fakeRunner) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fixture struct {
	t      *testing.T
	root   string
	repo   *gitio.Repository
	db     *ledger.DB
	runner *fakeRunner
	out    bytes.Buffer
}

func newFixture(t *testing.T, versionField string) *fixture {
	t.Helper()
	dir := t.TempDir()
	if _, err := git.PlainInit(dir, false); err != nil {
		t.Fatalf("init: %v", err)
	}
	repo, err := gitio.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	f := &fixture{t: t, root: repo.Root(), repo: repo, runner: &fakeRunner{}}
	f.commit("chore: init",
		f.write(config.FileName, "version: "+versionField+"\npackages: [\"packages/*\"]\n"),
		f.write("packages/a/package.json", manifestA),
		f.write("packages/b/package.json", manifestB),
		f.write("packages/c/package.json", manifestC),
	)
	return f
}

func (f *fixture) write(path, content string) string {
	f.t.Helper()
	full := filepath.Join(f.root, path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		f.t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		f.t.Fatal(err)
	}
	return path
}

func (f *fixture) read(path string) string {
	f.t.Helper()
	data, err := os.ReadFile(filepath.Join(f.root, path))
	if err != nil {
		f.t.Fatal(err)
	}
	return string(data)
}

func (f *fixture) pkgJSON(name string) *manifest.Package {
	f.t.Helper()
	pkg, err := manifest.Parse([]byte(f.read("packages/" + name + "/package.json")))
	if err != nil {
		f.t.Fatalf("parsing %s: %v", name, err)
	}
	return pkg
}

func (f *fixture) commit(message string, paths ...string) {
	f.t.Helper()
	if _, err := f.repo.Commit(context.Background(), message, paths); err != nil {
		f.t.Fatalf("Commit: %v", err)
	}
}

func (f *fixture) tag(name string) {
	f.t.Helper()
	if err := f.repo.Tag(context.Background(), name, ""); err != nil {
		f.t.Fatalf("Tag: %v", err)
	}
}

func (f *fixture) project() *Project {
	f.t.Helper()
	cfg, err := config.Load(f.root)
	if err != nil {
		f.t.Fatalf("config.Load: %v", err)
	}
	g, err := LoadGraph(cfg, nil)
	if err != nil {
		f.t.Fatalf("LoadGraph: %v", err)
	}
	if f.db == nil {
		if f.db, err = ledger.Open(LedgerPath(f.root)); err != nil {
			f.t.Fatalf("ledger.Open: %v", err)
		}
		f.t.Cleanup(func() { f.db.Close() })
	}
	return &Project{
		Config: cfg,
		Graph:  g,
		Git:    f.repo,
		Runner: f.runner,
		Ledger: f.db,
		Out:    &f.out,
	}
}

// released tags v1.0.0 and then changes package a.
func (f *fixture) released() {
	f.tag("v1.0.0")
	f.commit("fix: a", f.write("packages/a/index.js", "module.exports = 1\n"))
}

func nodeNames[T interface{ Name() string }](nodes []T) string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Name()
	}
	return strings.Join(out, " ")
}

func TestChanged(t *testing.T) {
	f := newFixture(t, "1.0.0")
	f.released()

	updates, err := f.project().Changed(context.Background(), ChangedOptions{})
	if err != nil {
		t.Fatalf("Changed: %v", err)
	}
	if got := nodeNames(updates); got != "a b" {
		t.Errorf("Changed = %q, want %q", got, "a b")
	}
}

func TestChanged_NothingSinceRelease(t *testing.T) {
	f := newFixture(t, "1.0.0")
	f.tag("v1.0.0")

	updates, err := f.project().Changed(context.Background(), ChangedOptions{})
	if err != nil {
		t.Fatalf("Changed: %v", err)
	}
	if len(updates) != 0 {
		t.Errorf("Changed = %q, want none", nodeNames(updates))
	}
}

func TestVersion_Fixed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "1.0.0")
	f.released()
	p := f.project()

	res, err := p.Version(ctx, VersionOptions{Bump: "minor", Yes: true})
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if res.Versions["a"] != "1.1.0" || res.Versions["b"] != "1.1.0" || len(res.Versions) != 2 {
		t.Errorf("Versions = %v", res.Versions)
	}
	if got := f.pkgJSON("a").Version; got != "1.1.0" {
		t.Errorf("a version on disk = %q", got)
	}
	if got := f.pkgJSON("b").Deps[manifest.Dependencies]["a"]; got != "^1.1.0" {
		t.Errorf("b dependency on a = %q, want ^1.1.0", got)
	}
	if got := f.pkgJSON("c").Version; got != "1.0.0" {
		t.Errorf("c version on disk = %q, want unchanged", got)
	}

	cfg, err := config.Load(f.root)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Version != "1.1.0" {
		t.Errorf("config version = %q", cfg.Version)
	}

	tagged, err := f.repo.ResolveRef("v1.1.0")
	if err != nil {
		t.Fatalf("tag v1.1.0: %v", err)
	}
	if tagged.Hash.String() != res.SHA {
		t.Errorf("tag points at %s, release commit is %s", tagged.Hash, res.SHA)
	}
	if got := strings.TrimSpace(tagged.Message); got != "v1.1.0" {
		t.Errorf("commit message = %q", got)
	}
	if clean, err := f.repo.IsClean(); err != nil || !clean {
		t.Errorf("IsClean = %v, %v; want clean worktree", clean, err)
	}

	want := []string{"a:preversion", "a:version", "a:postversion"}
	if got := f.runner.Calls(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("lifecycle = %v, want %v", got, want)
	}

	releases, err := f.db.List(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(releases) != 1 {
		t.Fatalf("recorded %d releases, want 1", len(releases))
	}
	r := releases[0]
	if r.Command != "version" || r.Mode != "fixed" || r.SHA != res.SHA {
		t.Errorf("release = %+v", r)
	}
	if len(r.Changes) != 2 || r.Changes[0] != (ledger.Change{Name: "a", From: "1.0.0", To: "1.1.0"}) {
		t.Errorf("changes = %+v", r.Changes)
	}

	if node, _ := p.Graph.Get("a"); node.Version() != "1.1.0" {
		t.Errorf("graph not rebuilt: a is %s", node.Version())
	}
}

func TestVersion_FixedWithoutConfiguredVersion(t *testing.T) {
	f := newFixture(t, "1.0.0")
	f.commit("chore: drop version", f.write(config.FileName, "packages: [\"packages/*\"]\n"))
	f.released()

	res, err := f.project().Version(context.Background(), VersionOptions{Bump: "patch", Yes: true, NoGitTagVersion: true})
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if res.GlobalVersion != "1.0.1" {
		t.Errorf("GlobalVersion = %q, want 1.0.1", res.GlobalVersion)
	}
	if res.Versions["a"] != "1.0.1" || res.Versions["b"] != "1.0.1" || len(res.Versions) != 2 {
		t.Errorf("Versions = %v, want a and b at 1.0.1", res.Versions)
	}
	if got := f.pkgJSON("c").Version; got != "1.0.0" {
		t.Errorf("c version on disk = %q, want unchanged", got)
	}

	cfg, err := config.Load(f.root)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Version != "1.0.1" {
		t.Errorf("config version = %q, want 1.0.1", cfg.Version)
	}
}

func TestVersion_FixedBreakingVersionsEverything(t *testing.T) {
	f := newFixture(t, "1.0.0")
	f.released()

	res, err := f.project().Version(context.Background(), VersionOptions{Bump: "major", Yes: true})
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	for _, name := range []string{"a", "b", "c"} {
		if res.Versions[name] != "2.0.0" {
			t.Errorf("%s = %q, want 2.0.0", name, res.Versions[name])
		}
	}
}

func TestVersion_Independent(t *testing.T) {
	f := newFixture(t, "independent")

	res, err := f.project().Version(context.Background(), VersionOptions{Bump: "patch", Yes: true})
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	wantTags := "a@1.0.1 b@1.0.1 c@1.0.1"
	if got := strings.Join(res.Tags, " "); got != wantTags {
		t.Errorf("tags = %q, want %q", got, wantTags)
	}
	head, err := f.repo.ResolveRef("HEAD")
	if err != nil {
		t.Fatal(err)
	}
	wantMsg := "Publish\n\n - a@1.0.1\n - b@1.0.1\n - c@1.0.1"
	if got := strings.TrimSpace(head.Message); got != wantMsg {
		t.Errorf("commit message = %q, want %q", got, wantMsg)
	}
	for _, tag := range res.Tags {
		if _, err := f.repo.ResolveRef(tag); err != nil {
			t.Errorf("missing tag %s: %v", tag, err)
		}
	}
}

func TestVersion_DryRun(t *testing.T) {
	f := newFixture(t, "1.0.0")
	f.released()
	before := f.read("packages/a/package.json")

	res, err := f.project().Version(context.Background(), VersionOptions{Bump: "minor", DryRun: true})
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if res.Versions["a"] != "1.1.0" {
		t.Errorf("Versions = %v", res.Versions)
	}
	if got := f.read("packages/a/package.json"); got != before {
		t.Errorf("dry run modified manifest:\n%s", got)
	}
	out := f.out.String()
	for _, want := range []string{
		"--- a/packages/a/package.json",
		`-  "version": "1.0.0"`,
		`+  "version": "1.1.0"`,
		`+    "a": "^1.1.0"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if _, err := f.repo.ResolveRef("v1.1.0"); err == nil {
		t.Error("dry run created a tag")
	}
	if len(f.runner.Calls()) != 0 {
		t.Errorf("dry run ran scripts: %v", f.runner.Calls())
	}
}

func TestVersion_DirtyWorktree(t *testing.T) {
	f := newFixture(t, "1.0.0")
	f.released()
	f.write("packages/a/scratch.txt", "wip")

	_, err := f.project().Version(context.Background(), VersionOptions{Bump: "patch", Yes: true})
	if !errors.Is(err, gitio.ErrDirty) {
		t.Errorf("Version error = %v, want ErrDirty", err)
	}
}

type declining struct{}

func (declining) Confirm(string) (bool, error) { return false, nil }

func TestVersion_Declined(t *testing.T) {
	f := newFixture(t, "1.0.0")
	f.released()
	p := f.project()
	p.Confirmer = declining{}

	_, err := p.Version(context.Background(), VersionOptions{Bump: "patch"})
	if !errors.Is(err, ErrAborted) {
		t.Errorf("Version error = %v, want ErrAborted", err)
	}
	if got := f.pkgJSON("a").Version; got != "1.0.0" {
		t.Errorf("declined release wrote version %s", got)
	}
}

func TestPublish_VersionsThenPublishes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "1.0.0")
	f.released()

	res, err := f.project().Publish(ctx, PublishOptions{
		VersionOptions: VersionOptions{Bump: "patch", Yes: true, Common: Common{Concurrency: 1}},
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if got := strings.Join(res.Published, " "); got != "a b" {
		t.Errorf("published %q, want %q", got, "a b")
	}
	if f.runner.versions["a"] != "1.0.1" || f.runner.versions["b"] != "1.0.1" {
		t.Errorf("published versions = %v", f.runner.versions)
	}

	releases, err := f.db.List(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(releases) != 2 || releases[0].Command != "publish" {
		t.Errorf("releases = %d, newest %q", len(releases), releases[0].Command)
	}
}

func TestPublish_FromGit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "1.0.0")
	f.released()
	if _, err := f.project().Version(ctx, VersionOptions{Bump: "minor", Yes: true}); err != nil {
		t.Fatalf("Version: %v", err)
	}

	res, err := f.project().Publish(ctx, PublishOptions{
		VersionOptions: VersionOptions{Common: Common{Concurrency: 1}},
		FromGit:        true,
		DistTag:        "next",
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if got := strings.Join(res.Published, " "); got != "a b" {
		t.Errorf("published %q, want %q", got, "a b")
	}
	if f.runner.tags["a"] != "next" {
		t.Errorf("dist-tag = %q, want next", f.runner.tags["a"])
	}
}

func TestPublish_Canary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "1.0.0")
	f.released()
	before := f.read("packages/b/package.json")
	sha, err := f.repo.CurrentSHA(ctx)
	if err != nil {
		t.Fatal(err)
	}

	res, err := f.project().Publish(ctx, PublishOptions{
		VersionOptions: VersionOptions{Yes: true, Common: Common{Concurrency: 1}},
		Canary:         true,
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	want := "1.0.1-alpha.0+" + sha[:7]
	if f.runner.versions["a"] != want || f.runner.versions["b"] != want {
		t.Errorf("canary versions = %v, want %s", f.runner.versions, want)
	}
	if f.runner.tags["a"] != "canary" {
		t.Errorf("dist-tag = %q, want canary", f.runner.tags["a"])
	}
	if got := strings.Join(res.Published, " "); got != "a b" {
		t.Errorf("published %q", got)
	}
	if got := f.read("packages/b/package.json"); got != before {
		t.Errorf("manifest not restored:\n%s", got)
	}
	if _, err := f.repo.ResolveRef("v1.0.1"); err == nil {
		t.Error("canary created a tag")
	}
}

func TestPublish_CanaryRejectsLiteralVersion(t *testing.T) {
	f := newFixture(t, "1.0.0")
	_, err := f.project().Publish(context.Background(), PublishOptions{
		VersionOptions: VersionOptions{Bump: "2.0.0", Yes: true},
		Canary:         true,
	})
	if !errors.Is(err, ErrCanaryBump) {
		t.Errorf("error = %v, want ErrCanaryBump", err)
	}
}

func TestRun(t *testing.T) {
	f := newFixture(t, "1.0.0")
	ran, err := f.project().Run(context.Background(), "build", RunOptions{Common: Common{Concurrency: 1}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := strings.Join(ran, " "); got != "a b" {
		t.Errorf("ran %q, want %q", got, "a b")
	}
	if got := strings.Join(f.runner.Calls(), ","); got != "a:build,b:build" {
		t.Errorf("calls = %s", got)
	}
}

func TestRun_NoBail(t *testing.T) {
	f := newFixture(t, "1.0.0")
	f.runner.failFor = "a"

	_, err := f.project().Run(context.Background(), "build", RunOptions{NoBail: true, Common: Common{Concurrency: 1}})
	var te *batch.TaskError
	if !errors.As(err, &te) || te.Package != "a" || te.Step != "build" {
		t.Fatalf("error = %v, want task error for a/build", err)
	}
	if got := strings.Join(f.runner.Calls(), ","); got != "a:build,b:build" {
		t.Errorf("calls = %s, want b to run after a failed", got)
	}
}

func TestRun_StopsOnFailure(t *testing.T) {
	f := newFixture(t, "1.0.0")
	f.runner.failFor = "a"

	_, err := f.project().Run(context.Background(), "build", RunOptions{Common: Common{Concurrency: 1}})
	if err == nil {
		t.Fatal("Run succeeded, want failure")
	}
	if got := strings.Join(f.runner.Calls(), ","); got != "a:build" {
		t.Errorf("calls = %s, want only a", got)
	}
}

func TestExec(t *testing.T) {
	f := newFixture(t, "1.0.0")
	ran, err := f.project().Exec(context.Background(), []string{"echo", "hi"}, RunOptions{Common: Common{Concurrency: 1}})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if got := strings.Join(ran, " "); got != "a c b" {
		t.Errorf("ran %q, want %q", got, "a c b")
	}
	if calls := f.runner.Calls(); len(calls) != 3 || calls[0] != "a:echo hi" {
		t.Errorf("calls = %v", calls)
	}

	if _, err := f.project().Exec(context.Background(), nil, RunOptions{}); !errors.Is(err, ErrNoCommand) {
		t.Errorf("Exec without command = %v", err)
	}
}

func TestList(t *testing.T) {
	f := newFixture(t, "1.0.0")
	f.write("packages/d/package.json", `{"name":"d","version":"1.0.0","private":true}`)
	p := f.project()

	tests := []struct {
		opts ListOptions
		want string
	}{
		{ListOptions{}, "a b c"},
		{ListOptions{All: true}, "a b c d"},
		{ListOptions{Toposort: true}, "a c b"},
		{ListOptions{Common: Common{Filter: filter.Options{Scope: []string{"b"}}, Concurrency: 1}}, "b"},
	}
	for i, tt := range tests {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			nodes, err := p.List(context.Background(), tt.opts)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if got := nodeNames(nodes); got != tt.want {
				t.Errorf("List = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTagsAndCommitMessage(t *testing.T) {
	versions := map[string]string{"b": "2.0.0", "a": "1.1.0"}

	if got := Tags(false, "v", versions, "3.0.0"); len(got) != 1 || got[0] != "v3.0.0" {
		t.Errorf("fixed tags = %v", got)
	}
	if got := strings.Join(Tags(true, "v", versions, ""), " "); got != "a@1.1.0 b@2.0.0" {
		t.Errorf("independent tags = %q", got)
	}

	tests := []struct {
		independent bool
		message     string
		tags        []string
		want        string
	}{
		{false, "", []string{"v3.0.0"}, "v3.0.0"},
		{false, "chore(release): %s", []string{"v3.0.0"}, "chore(release): v3.0.0"},
		{false, "release %v", []string{"v3.0.0"}, "release 3.0.0"},
		{true, "", []string{"a@1.1.0", "b@2.0.0"}, "Publish\n\n - a@1.1.0\n - b@2.0.0"},
		{true, "chore: release", []string{"a@1.1.0"}, "chore: release\n\n - a@1.1.0"},
	}
	for _, tt := range tests {
		if got := CommitMessage(tt.independent, tt.message, tt.tags, "3.0.0"); got != tt.want {
			t.Errorf("CommitMessage(%v, %q) = %q, want %q", tt.independent, tt.message, got, tt.want)
		}
	}
}

func TestWriteDiff(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteDiff(&buf, "x.json", "a\nb\nc\n", "a\nB\nc\n", false); err != nil {
		t.Fatal(err)
	}
	want := "--- a/x.json\n+++ b/x.json\n@@ -1,3 +1,3 @@\n a\n-b\n+B\n c\n"
	if buf.String() != want {
		t.Errorf("diff =\n%s\nwant\n%s", buf.String(), want)
	}

	buf.Reset()
	if err := WriteDiff(&buf, "x.json", "same\n", "same\n", false); err != nil || buf.Len() != 0 {
		t.Errorf("equal contents produced %q, %v", buf.String(), err)
	}
}

func TestWriteDiff_SeparateHunks(t *testing.T) {
	var before, after strings.Builder
	for i := 1; i <= 20; i++ {
		fmt.Fprintf(&before, "line %d\n", i)
		switch i {
		case 2:
			after.WriteString("changed 2\n")
		case 18:
			after.WriteString("changed 18\n")
		default:
			fmt.Fprintf(&after, "line %d\n", i)
		}
	}
	var buf bytes.Buffer
	if err := WriteDiff(&buf, "f", before.String(), after.String(), false); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"@@ -1,5 +1,5 @@", "@@ -15,6 +15,6 @@"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing hunk header %q in\n%s", want, out)
		}
	}
	if strings.Contains(out, "line 10") {
		t.Errorf("unchanged middle lines included:\n%s", out)
	}
}

func TestVersion_TagConflictRollsBackTags(t *testing.T) {
	f := newFixture(t, "independent")
	// b@1.0.1 already exists, so tagging stops after a@1.0.1.
	f.tag("b@1.0.1")
	f.commit("fix: all",
		f.write("packages/a/index.js", "1"),
		f.write("packages/b/index.js", "1"),
		f.write("packages/c/index.js", "1"),
	)

	_, err := f.project().Version(context.Background(), VersionOptions{Bump: "patch", Yes: true})
	if err == nil {
		t.Fatal("Version succeeded despite an existing tag")
	}
	if _, err := f.repo.ResolveRef("a@1.0.1"); err == nil {
		t.Error("tag a@1.0.1 was not rolled back")
	}
}
