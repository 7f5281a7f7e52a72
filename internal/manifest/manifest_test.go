package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeManifest(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestParseSpec(t *testing.T) {
	tests := []struct {
		raw       string
		wantType  SpecType
		wantRange string
	}{
		{"1.2.3", SpecVersion, "1.2.3"},
		{"^1.2.0", SpecRange, "^1.2.0"},
		{">=1.0.0 <2.0.0", SpecRange, ">=1.0.0 <2.0.0"},
		{"latest", SpecTag, ""},
		{"workspace:*", SpecWorkspace, "*"},
		{"workspace:^1.0.0", SpecWorkspace, "^1.0.0"},
		{"file:../other", SpecFile, ""},
		{"github:user/repo#v1.2.3", SpecGit, "1.2.3"},
		{"user/repo#v2.0.0", SpecGit, "2.0.0"},
		{"git+https://example.com/r.git#semver:^1.0.0", SpecGit, "^1.0.0"},
		{"user/repo#main", SpecGit, ""},
		{"npm:other@^1.0.0", SpecAlias, ""},
		{"https://example.com/pkg.tgz", SpecRemote, ""},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			s := ParseSpec("dep", tt.raw)
			if s.Type != tt.wantType {
				t.Errorf("type = %s, want %s", s.Type, tt.wantType)
			}
			if s.Range != tt.wantRange {
				t.Errorf("range = %q, want %q", s.Range, tt.wantRange)
			}
		})
	}
}

func TestSpecSatisfiedBy(t *testing.T) {
	root := t.TempDir()
	from := filepath.Join(root, "packages", "a")
	sibling := filepath.Join(root, "packages", "b")

	tests := []struct {
		raw     string
		version string
		want    bool
	}{
		{"^1.0.0", "1.4.0", true},
		{"^2.0.0", "1.4.0", false},
		{"user/repo#v1.4.0", "1.4.0", true},
		{"user/repo#v1.3.0", "1.4.0", false},
		{"file:../b", "0.0.0", true},
		{"file:../c", "0.0.0", false},
		{"workspace:*", "9.9.9", true},
		{"latest", "1.4.0", false},
	}
	for _, tt := range tests {
		if got := ParseSpec("b", tt.raw).SatisfiedBy(tt.version, sibling, from); got != tt.want {
			t.Errorf("%q satisfied by %s = %v, want %v", tt.raw, tt.version, got, tt.want)
		}
	}
}

func TestSpecRewrite(t *testing.T) {
	tests := []struct {
		raw   string
		exact bool
		want  string
	}{
		{"^1.0.0", false, "^2.0.0"},
		{"~1.0.0", false, "~2.0.0"},
		{"1.0.0", false, "^2.0.0"},
		{"^1.0.0", true, "2.0.0"},
		{"workspace:*", false, "workspace:*"},
		{"workspace:^1.0.0", false, "workspace:^2.0.0"},
		{"file:../b", false, "file:../b"},
		{"github:user/repo#v1.0.0", false, "github:user/repo#v2.0.0"},
		{"user/repo#semver:^1.0.0", false, "user/repo#semver:^1.0.0"},
	}
	for _, tt := range tests {
		s := ParseSpec("b", tt.raw)
		if got := s.Rewrite("2.0.0", s.SavePrefix(tt.exact)); got != tt.want {
			t.Errorf("Rewrite(%q, exact=%v) = %q, want %q", tt.raw, tt.exact, got, tt.want)
		}
	}
}

func TestLoadAndSaveRoundTrip(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "packages", "a")
	writeManifest(t, dir, `{
  "name": "a",
  "description": "keeps unknown fields",
  "version": "1.0.0",
  "dependencies": {
    "b": "^1.0.0"
  },
  "scripts": {
    "build": "tsc"
  }
}
`)

	pkg, err := Load(dir, root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if pkg.Name != "a" || pkg.Version != "1.0.0" {
		t.Fatalf("unexpected package %+v", pkg)
	}
	if !pkg.HasScript("build") {
		t.Error("expected build script")
	}
	if pkg.RelativeLocation() != "packages/a" {
		t.Errorf("RelativeLocation = %q", pkg.RelativeLocation())
	}

	pkg.Version = "1.1.0"
	pkg.SetDependency("b", "^1.1.0")
	if err := Save(pkg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := os.ReadFile(pkg.ManifestPath())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	got := string(data)
	for _, want := range []string{`"version": "1.1.0"`, `"b": "^1.1.0"`, `"description": "keeps unknown fields"`} {
		if !strings.Contains(got, want) {
			t.Errorf("saved manifest missing %s:\n%s", want, got)
		}
	}
	if strings.Index(got, `"name"`) > strings.Index(got, `"description"`) {
		t.Errorf("key order not preserved:\n%s", got)
	}
}

func TestMarshalKeepsRangeCharacters(t *testing.T) {
	pkg, err := Parse([]byte(`{"name":"a","version":"1.0.0","dependencies":{"left-pad":">=1.0.0 <2.0.0","b":"^1.0.0"},"peerDependencies":{"react":"^17.0.0 || ^18.0.0"}}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	pkg.Version = "1.0.1"
	data, err := pkg.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got := string(data)
	for _, want := range []string{`"left-pad": ">=1.0.0 <2.0.0"`, `"react": "^17.0.0 || ^18.0.0"`, `"version": "1.0.1"`} {
		if !strings.Contains(got, want) {
			t.Errorf("marshaled manifest missing %s:\n%s", want, got)
		}
	}
	if strings.Contains(got, `\u00`) {
		t.Errorf("marshaled manifest has escaped characters:\n%s", got)
	}

	again, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if again.Deps[Dependencies]["left-pad"] != ">=1.0.0 <2.0.0" || again.Deps[PeerDependencies]["react"] != "^17.0.0 || ^18.0.0" {
		t.Errorf("ranges changed on round trip: %v", again.Deps)
	}
}

func TestCloneIsDeep(t *testing.T) {
	p := New("a", "1.0.0", "/repo/a").WithDependency(Dependencies, "b", "^1.0.0")
	c := p.Clone()
	c.SetDependency("b", "^2.0.0")
	c.Version = "2.0.0"
	if p.Deps[Dependencies]["b"] != "^1.0.0" || p.Version != "1.0.0" {
		t.Fatal("clone mutated the original")
	}
}

func TestDependenciesForLastKeyWins(t *testing.T) {
	p := New("a", "1.0.0", "/repo/a").
		WithDependency(DevDependencies, "b", "^1.0.0").
		WithDependency(Dependencies, "b", "^2.0.0").
		WithDependency(PeerDependencies, "c", "*")

	all := p.DependenciesFor(AllDependencyKeys)
	if all["b"] != "^2.0.0" || all["c"] != "*" {
		t.Errorf("unexpected merge %v", all)
	}
	prod := p.DependenciesFor(ProductionDependencyKeys)
	if _, ok := prod["c"]; ok || len(prod) != 1 {
		t.Errorf("production keys leaked %v", prod)
	}
}

func TestDiscover(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, filepath.Join(root, "packages", "b"), `{"name": "b", "version": "1.0.0"}`)
	writeManifest(t, filepath.Join(root, "packages", "a"), `{"name": "a", "version": "1.0.0"}`)
	writeManifest(t, filepath.Join(root, "tools", "x"), `{"name": "x", "version": "0.1.0"}`)
	writeManifest(t, filepath.Join(root, "packages", "a", "node_modules", "dep"), `{"name": "dep"}`)
	if err := os.MkdirAll(filepath.Join(root, "packages", "empty"), 0755); err != nil {
		t.Fatal(err)
	}

	pkgs, err := Discover(root, []string{"packages/*", "tools/*"})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	var names []string
	for _, p := range pkgs {
		names = append(names, p.Name)
	}
	if strings.Join(names, ",") != "a,b,x" {
		t.Errorf("discovered %v, want [a b x]", names)
	}
}
