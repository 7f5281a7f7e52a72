package manifest

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultPatterns is used when the configuration lists no package globs.
var DefaultPatterns = []string{"packages/*"}

// Discover finds every package matched by patterns under root. Patterns are
// doublestar globs relative to root naming package directories (or their
// package.json). Matches inside node_modules are skipped. The result is
// ordered by pattern, then lexically within a pattern.
func Discover(root string, patterns []string) ([]*Package, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("getting absolute path: %w", err)
	}
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}

	fsys := os.DirFS(absRoot)
	seen := make(map[string]bool)
	var pkgs []*Package

	for _, pattern := range patterns {
		pattern = strings.TrimPrefix(path.Clean(filepath.ToSlash(pattern)), "./")
		if !strings.HasSuffix(pattern, FileName) {
			pattern = path.Join(pattern, FileName)
		}

		matches, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			return nil, fmt.Errorf("matching %q: %w", pattern, err)
		}
		sort.Strings(matches)

		for _, match := range matches {
			if strings.Contains(match, "node_modules/") {
				continue
			}
			dir := filepath.Join(absRoot, filepath.FromSlash(path.Dir(match)))
			if seen[dir] {
				continue
			}
			seen[dir] = true

			pkg, err := Load(dir, absRoot)
			if err != nil {
				if errors.Is(err, ErrNoManifest) {
					continue
				}
				return nil, err
			}
			pkgs = append(pkgs, pkg)
		}
	}

	return pkgs, nil
}
