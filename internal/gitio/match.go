package gitio

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// MatchTag reports whether tag matches the glob. An empty glob matches
// every tag.
func MatchTag(glob, tag string) bool {
	if glob == "" {
		return true
	}
	ok, err := doublestar.Match(glob, tag)
	return err == nil && ok
}

// Ignored reports whether path, relative to its package directory, matches
// one of the globs. A glob without a slash is matched against the base name
// of the path as well.
func Ignored(path string, globs []string) bool {
	base := path
	if i := strings.LastIndex(path, "/"); i >= 0 {
		base = path[i+1:]
	}
	for _, glob := range globs {
		glob = strings.TrimPrefix(glob, "./")
		if ok, _ := doublestar.Match(glob, path); ok {
			return true
		}
		if !strings.Contains(glob, "/") {
			if ok, _ := doublestar.Match(glob, base); ok {
				return true
			}
		}
	}
	return false
}
