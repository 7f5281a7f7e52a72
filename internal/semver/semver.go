// Package semver wraps github.com/Masterminds/semver/v3 with the npm-flavoured
// helpers the release tooling needs: range satisfaction, release-type
// increments and version diffs.
package semver

import (
	"fmt"
	"strings"

	mm "github.com/Masterminds/semver/v3"
)

// Version is a semantic version.
type Version struct {
	v *mm.Version
}

// Constraint is a semantic version range.
//
// Examples:
// - ">=1.2.0 <2.0.0"
// - "^1.0.0"
// - "~1.4"
type Constraint struct {
	c *mm.Constraints
}

func ParseVersion(raw string) (Version, error) {
	v, err := mm.NewVersion(strings.TrimSpace(raw))
	if err != nil {
		return Version{}, fmt.Errorf("semver: parse version %q: %w", raw, err)
	}
	return Version{v: v}, nil
}

// Valid reports whether raw is a complete MAJOR.MINOR.PATCH version.
// A leading "v" or "=" is tolerated, partial versions such as "1.2" are not.
func Valid(raw string) bool {
	_, err := mm.StrictNewVersion(clean(raw))
	return err == nil
}

// Clean returns the normalised form of a valid version, or "" when raw is not one.
func Clean(raw string) string {
	v, err := mm.StrictNewVersion(clean(raw))
	if err != nil {
		return ""
	}
	return v.String()
}

func clean(raw string) string {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "=")
	return strings.TrimPrefix(raw, "v")
}

func ParseConstraint(raw string) (Constraint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = "*"
	}
	c, err := mm.NewConstraint(raw)
	if err != nil {
		return Constraint{}, fmt.Errorf("semver: parse constraint %q: %w", raw, err)
	}
	return Constraint{c: c}, nil
}

func Satisfies(v Version, c Constraint) bool {
	if v.v == nil || c.c == nil {
		return false
	}
	return c.c.Check(v.v)
}

// SatisfiesRange parses both sides and reports whether version is inside rng.
// Unparseable input never satisfies.
func SatisfiesRange(version, rng string) bool {
	v, err := ParseVersion(version)
	if err != nil {
		return false
	}
	c, err := ParseConstraint(rng)
	if err != nil {
		return false
	}
	return Satisfies(v, c)
}

// Compare compares a and b, returning:
// -1 if a < b
//
//	0 if a == b
//	1 if a > b
func Compare(a, b Version) int {
	if a.v == nil && b.v == nil {
		return 0
	}
	if a.v == nil {
		return -1
	}
	if b.v == nil {
		return 1
	}
	return a.v.Compare(b.v)
}

// LessThan reports a < b for raw version strings. Unparseable input compares as lowest.
func LessThan(a, b string) bool {
	va, _ := ParseVersion(a)
	vb, _ := ParseVersion(b)
	return Compare(va, vb) < 0
}

// Max returns the highest of the given raw versions, skipping unparseable ones.
func Max(versions ...string) string {
	var best Version
	bestRaw := ""
	for _, raw := range versions {
		v, err := ParseVersion(raw)
		if err != nil {
			continue
		}
		if bestRaw == "" || Compare(v, best) > 0 {
			best = v
			bestRaw = v.String()
		}
	}
	return bestRaw
}

func (v Version) String() string {
	if v.v == nil {
		return ""
	}
	return v.v.String()
}

func (v Version) Major() uint64 { return v.v.Major() }
func (v Version) Minor() uint64 { return v.v.Minor() }
func (v Version) Patch() uint64 { return v.v.Patch() }

// Prerelease returns the prerelease part without the leading dash.
func (v Version) Prerelease() string {
	if v.v == nil {
		return ""
	}
	return v.v.Prerelease()
}

// PrereleaseID returns the first identifier of raw's prerelease ("beta" for
// "1.0.0-beta.2"), or "" when raw is a normal release.
func PrereleaseID(raw string) string {
	v, err := ParseVersion(raw)
	if err != nil {
		return ""
	}
	pre := v.Prerelease()
	if pre == "" {
		return ""
	}
	return strings.SplitN(pre, ".", 2)[0]
}

// IsPrerelease reports whether raw carries a prerelease part.
func IsPrerelease(raw string) bool {
	v, err := ParseVersion(raw)
	return err == nil && v.Prerelease() != ""
}
