// Package conventional recommends version bumps from conventional-commit
// messages.
package conventional

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"monorel/internal/gitio"
	"monorel/internal/graph"
	"monorel/internal/semver"
)

// CommitLog reads the commits that touched a path since a ref.
type CommitLog interface {
	CommitMessagesSince(ctx context.Context, ref, path string) ([]gitio.Commit, error)
}

// BaselineFunc returns the ref to read history from for node. An empty ref
// means the whole history.
type BaselineFunc func(ctx context.Context, node *graph.Node) (string, error)

// Recommender implements version.Recommender.
type Recommender struct {
	Log      CommitLog
	Baseline BaselineFunc
	// Prerelease produces prerelease versions tagged with PreID.
	Prerelease bool
	PreID      string
	Logger     *slog.Logger
}

var header = regexp.MustCompile(`^(\w+)(?:\([^)]*\))?(!)?:\s`)

// Level classifies one commit message: Major for breaking changes, Minor
// for features, Patch for everything else.
func Level(message string) semver.ReleaseType {
	first, body, _ := strings.Cut(message, "\n")
	m := header.FindStringSubmatch(strings.TrimSpace(first))
	if m != nil && m[2] == "!" {
		return semver.Major
	}
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "BREAKING CHANGE:") || strings.HasPrefix(line, "BREAKING-CHANGE:") {
			return semver.Major
		}
	}
	if m != nil && strings.EqualFold(m[1], "feat") {
		return semver.Minor
	}
	return semver.Patch
}

// Bump returns the highest level among messages, Patch when there are none.
func Bump(messages []string) semver.ReleaseType {
	level := semver.Patch
	for _, msg := range messages {
		switch Level(msg) {
		case semver.Major:
			return semver.Major
		case semver.Minor:
			level = semver.Minor
		}
	}
	return level
}

// Recommend returns the next version for node starting from current.
func (r *Recommender) Recommend(ctx context.Context, node *graph.Node, current string) (string, error) {
	ref := ""
	if r.Baseline != nil {
		var err error
		if ref, err = r.Baseline(ctx, node); err != nil {
			return "", fmt.Errorf("finding baseline for %s: %w", node.Name(), err)
		}
	}
	commits, err := r.Log.CommitMessagesSince(ctx, ref, node.Location())
	if err != nil {
		return "", fmt.Errorf("reading commits for %s: %w", node.Name(), err)
	}
	messages := make([]string, len(commits))
	for i, c := range commits {
		messages[i] = c.Message
	}

	rt := Bump(messages)
	if v, err := semver.ParseVersion(current); err == nil && v.Major() == 0 && rt == semver.Major {
		rt = semver.Minor
	}
	if r.Logger != nil {
		r.Logger.Debug("conventional bump", "package", node.Name(), "since", ref, "commits", len(commits), "bump", rt)
	}
	return Next(current, rt, r.Prerelease, r.PreID)
}

// Next applies rt to current. With prerelease set, a prerelease that already
// covers rt only has its counter increased; otherwise the matching pre*
// release type is used.
func Next(current string, rt semver.ReleaseType, prerelease bool, preid string) (string, error) {
	if !prerelease {
		return semver.Inc(current, rt, "")
	}
	if preid == "" {
		preid = semver.PrereleaseID(current)
	}
	if preid == "" {
		preid = "alpha"
	}
	if semver.IsPrerelease(current) {
		graduated, err := semver.Inc(current, rt, "")
		if err != nil {
			return "", err
		}
		if graduated == stripPre(current) {
			return semver.Inc(current, semver.Prerelease, preid)
		}
	}
	return semver.Inc(current, semver.ReleaseType("pre"+string(rt)), preid)
}

func stripPre(raw string) string {
	v, err := semver.ParseVersion(raw)
	if err != nil {
		return raw
	}
	return fmt.Sprintf("%d.%d.%d", v.Major(), v.Minor(), v.Patch())
}
