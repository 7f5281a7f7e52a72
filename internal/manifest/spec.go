package manifest

import (
	"path/filepath"
	"regexp"
	"strings"

	"monorel/internal/semver"
)

// SpecType classifies a dependency spec string.
type SpecType string

const (
	SpecVersion   SpecType = "version"   // exact "1.2.3"
	SpecRange     SpecType = "range"     // "^1.2.0", ">=1 <2", "*"
	SpecTag       SpecType = "tag"       // dist-tag such as "latest"
	SpecGit       SpecType = "git"       // git-hosted reference
	SpecFile      SpecType = "file"      // "file:../pkg" or "link:../pkg"
	SpecWorkspace SpecType = "workspace" // "workspace:^"
	SpecAlias     SpecType = "alias"     // "npm:other@^1"
	SpecRemote    SpecType = "remote"    // tarball URL
)

// Spec is a parsed dependency declaration.
type Spec struct {
	Name string
	Raw  string
	Type SpecType

	// Range is the comparable semver range, "" when the spec has none.
	Range string
	// Committish is the part after '#' of a git-hosted spec.
	Committish string
	// Path is the target of a file: spec.
	Path string
}

var (
	gitPrefixes   = []string{"git+", "git:", "git@", "github:", "gitlab:", "bitbucket:", "gist:"}
	shorthandRepo = regexp.MustCompile(`^[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+(#.*)?$`)
	leadingNonNum = regexp.MustCompile(`^\D*`)
)

// ParseSpec classifies the spec a package declares for dependency name.
func ParseSpec(name, raw string) Spec {
	s := Spec{Name: name, Raw: raw}
	trimmed := strings.TrimSpace(raw)

	switch {
	case strings.HasPrefix(trimmed, "workspace:"):
		s.Type = SpecWorkspace
		rest := strings.TrimPrefix(trimmed, "workspace:")
		switch rest {
		case "", "*", "^", "~":
			s.Range = "*"
		default:
			s.Range = rest
		}
	case strings.HasPrefix(trimmed, "file:"), strings.HasPrefix(trimmed, "link:"):
		s.Type = SpecFile
		s.Path = trimmed[strings.Index(trimmed, ":")+1:]
	case strings.HasPrefix(trimmed, "npm:"):
		s.Type = SpecAlias
	case isGit(trimmed):
		s.Type = SpecGit
		if i := strings.LastIndex(trimmed, "#"); i >= 0 {
			s.Committish = trimmed[i+1:]
		}
		s.Range = committishRange(s.Committish)
	case strings.HasPrefix(trimmed, "http://"), strings.HasPrefix(trimmed, "https://"):
		s.Type = SpecRemote
	case semver.Valid(trimmed):
		s.Type = SpecVersion
		s.Range = trimmed
	default:
		if _, err := semver.ParseConstraint(trimmed); err == nil {
			s.Type = SpecRange
			s.Range = trimmed
		} else {
			s.Type = SpecTag
		}
	}
	return s
}

func isGit(s string) bool {
	for _, prefix := range gitPrefixes {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	if strings.HasPrefix(s, "http") && strings.Contains(s, ".git") {
		return true
	}
	return shorthandRepo.MatchString(s) && !strings.HasPrefix(s, "@")
}

// committishRange turns "semver:^1.2.0" into "^1.2.0" and "v1.2.3" into "1.2.3".
// Branch names and SHAs have no comparable range.
func committishRange(committish string) string {
	if strings.HasPrefix(committish, "semver:") {
		return strings.TrimPrefix(committish, "semver:")
	}
	return semver.Clean(committish)
}

// SatisfiedBy reports whether a sibling at location with the given version
// fulfils the spec. Only local-capable spec types can be satisfied.
func (s Spec) SatisfiedBy(version, location, fromDir string) bool {
	switch s.Type {
	case SpecFile:
		target := s.Path
		if !filepath.IsAbs(target) {
			target = filepath.Join(fromDir, target)
		}
		return filepath.Clean(target) == filepath.Clean(location)
	case SpecVersion, SpecRange, SpecWorkspace, SpecGit:
		if s.Range == "" {
			return false
		}
		return semver.SatisfiesRange(version, s.Range)
	}
	return false
}

// Rewrite returns the spec that pins this dependency to version. savePrefix is
// applied to registry ranges ("^", "~" or "" for exact). Specs that do not
// carry a version (workspace wildcards, file paths) are returned unchanged.
func (s Spec) Rewrite(version, savePrefix string) string {
	switch s.Type {
	case SpecVersion, SpecRange:
		return savePrefix + version
	case SpecWorkspace:
		rest := strings.TrimPrefix(strings.TrimSpace(s.Raw), "workspace:")
		switch rest {
		case "", "*", "^", "~":
			return s.Raw
		}
		return "workspace:" + savePrefix + version
	case SpecGit:
		if s.Committish == "" || strings.HasPrefix(s.Committish, "semver:") {
			return s.Raw
		}
		prefix := leadingNonNum.FindString(s.Committish)
		i := strings.LastIndex(s.Raw, "#")
		return s.Raw[:i+1] + prefix + version
	}
	return s.Raw
}

// SavePrefix picks the range operator kept when rewriting a registry spec:
// nothing when exact is requested, "~" when the spec already used it, "^" otherwise.
func (s Spec) SavePrefix(exact bool) string {
	if exact {
		return ""
	}
	rng := strings.TrimPrefix(strings.TrimSpace(s.Raw), "workspace:")
	if strings.HasPrefix(rng, "~") {
		return "~"
	}
	return "^"
}
