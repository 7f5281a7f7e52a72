package semver

import (
	"fmt"
	"strconv"
	"strings"
)

// ReleaseType names a version increment.
type ReleaseType string

const (
	Major      ReleaseType = "major"
	Minor      ReleaseType = "minor"
	Patch      ReleaseType = "patch"
	Premajor   ReleaseType = "premajor"
	Preminor   ReleaseType = "preminor"
	Prepatch   ReleaseType = "prepatch"
	Prerelease ReleaseType = "prerelease"
)

var releaseTypes = []ReleaseType{Major, Minor, Patch, Premajor, Preminor, Prepatch, Prerelease}

// ReleaseTypes lists every recognised bump keyword.
func ReleaseTypes() []ReleaseType {
	out := make([]ReleaseType, len(releaseTypes))
	copy(out, releaseTypes)
	return out
}

// ParseReleaseType returns the release type for a bump keyword.
func ParseReleaseType(s string) (ReleaseType, bool) {
	for _, rt := range releaseTypes {
		if string(rt) == s {
			return rt, true
		}
	}
	return "", false
}

// IsPre reports whether rt produces a prerelease version.
func (rt ReleaseType) IsPre() bool {
	return strings.HasPrefix(string(rt), "pre")
}

type parts struct {
	major, minor, patch uint64
	pre                 []string
}

func split(raw string) (parts, error) {
	v, err := ParseVersion(raw)
	if err != nil {
		return parts{}, err
	}
	p := parts{major: v.Major(), minor: v.Minor(), patch: v.Patch()}
	if pre := v.Prerelease(); pre != "" {
		p.pre = strings.Split(pre, ".")
	}
	return p, nil
}

func (p parts) String() string {
	s := fmt.Sprintf("%d.%d.%d", p.major, p.minor, p.patch)
	if len(p.pre) > 0 {
		s += "-" + strings.Join(p.pre, ".")
	}
	return s
}

// Inc increments raw by rt. preid names the prerelease identifier for the
// pre* types and is ignored otherwise. The rules follow npm's semver.inc:
// a major/minor/patch bump of a matching prerelease graduates it instead of
// incrementing ("1.0.0-beta.1" + major = "1.0.0").
func Inc(raw string, rt ReleaseType, preid string) (string, error) {
	p, err := split(raw)
	if err != nil {
		return "", err
	}

	switch rt {
	case Premajor:
		p.pre = nil
		p.major, p.minor, p.patch = p.major+1, 0, 0
		p.incPre(preid)
	case Preminor:
		p.pre = nil
		p.minor, p.patch = p.minor+1, 0
		p.incPre(preid)
	case Prepatch:
		p.pre = nil
		p.patch++
		p.incPre(preid)
	case Prerelease:
		if len(p.pre) == 0 {
			p.patch++
		}
		p.incPre(preid)
	case Major:
		if p.minor != 0 || p.patch != 0 || len(p.pre) == 0 {
			p.major++
		}
		p.minor, p.patch, p.pre = 0, 0, nil
	case Minor:
		if p.patch != 0 || len(p.pre) == 0 {
			p.minor++
		}
		p.patch, p.pre = 0, nil
	case Patch:
		if len(p.pre) == 0 {
			p.patch++
		}
		p.pre = nil
	default:
		return "", fmt.Errorf("semver: unknown release type %q", rt)
	}

	return p.String(), nil
}

func (p *parts) incPre(preid string) {
	if len(p.pre) == 0 {
		p.pre = []string{"0"}
	} else {
		bumped := false
		for i := len(p.pre) - 1; i >= 0; i-- {
			if n, err := strconv.ParseUint(p.pre[i], 10, 64); err == nil {
				p.pre[i] = strconv.FormatUint(n+1, 10)
				bumped = true
				break
			}
		}
		if !bumped {
			p.pre = append(p.pre, "0")
		}
	}

	if preid == "" {
		return
	}
	if p.pre[0] == preid {
		if len(p.pre) < 2 || !isNumeric(p.pre[1]) {
			p.pre = []string{preid, "0"}
		}
		return
	}
	p.pre = []string{preid, "0"}
}

func isNumeric(s string) bool {
	_, err := strconv.ParseUint(s, 10, 64)
	return err == nil
}

// Diff returns the release type separating a and b, or "" when they are equal.
// Any prerelease on either side prefixes the result with "pre", and versions
// that differ only in their prerelease yield Prerelease.
func Diff(a, b string) (ReleaseType, error) {
	pa, err := split(a)
	if err != nil {
		return "", err
	}
	pb, err := split(b)
	if err != nil {
		return "", err
	}
	if pa.String() == pb.String() {
		return "", nil
	}

	hasPre := len(pa.pre) > 0 || len(pb.pre) > 0
	prefix := ""
	if hasPre {
		prefix = "pre"
	}
	switch {
	case pa.major != pb.major:
		return ReleaseType(prefix + string(Major)), nil
	case pa.minor != pb.minor:
		return ReleaseType(prefix + string(Minor)), nil
	case pa.patch != pb.patch:
		return ReleaseType(prefix + string(Patch)), nil
	}
	return Prerelease, nil
}
