// Package collect decides which packages need a new release: packages changed
// since the last release tag, forced or graduating packages, and every
// package that transitively depends on one of them.
package collect

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"monorel/internal/graph"
)

// GitQuery is the read-only view of the repository history.
type GitQuery interface {
	HasTags(ctx context.Context) (bool, error)
	// LastTag returns the nearest reachable tag matching the glob ("" matches any).
	LastTag(ctx context.Context, match string) (string, error)
	// CommitsSince counts commits reachable from HEAD but not from ref.
	CommitsSince(ctx context.Context, ref string) (int, error)
	CurrentSHA(ctx context.Context) (string, error)
	// HasDiff reports whether files under location changed in committish,
	// ignoring files matched by the ignore globs.
	HasDiff(ctx context.Context, committish, location string, ignore []string) (bool, error)
}

// Options configures Collect.
type Options struct {
	// Since is an explicit baseline ref; it wins over the last tag.
	Since string
	// TagMatch restricts the tags considered as baseline.
	TagMatch string
	// Canary compares only the latest commit.
	Canary bool
	// Force lists package names (or "*") that are always candidates.
	Force []string
	// Graduate lists package names (or "*") whose prerelease versions must be
	// promoted even without changes.
	Graduate []string
	// IgnoreChanges are globs of files that never mark a package changed.
	IgnoreChanges []string
	// Bump is the requested bump keyword or version; a non-prerelease bump
	// makes every prerelease package a candidate.
	Bump string
	// ExcludeDependents disables the dependent closure.
	ExcludeDependents bool

	Logger *slog.Logger
}

func (o Options) log() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.New(slog.DiscardHandler)
}

func nameSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, name := range names {
		for _, part := range strings.Split(name, ",") {
			if part = strings.TrimSpace(part); part != "" {
				set[part] = true
			}
		}
	}
	return set
}

// Collect returns the nodes of workingSet that need a new version, in
// workingSet order. Dependents are searched in the whole graph, so a path
// through a package outside the working set still counts.
func Collect(ctx context.Context, workingSet []*graph.Node, g *graph.Graph, git GitQuery, opts Options) ([]*graph.Node, error) {
	log := opts.log()
	forced := nameSet(opts.Force)
	graduate := nameSet(opts.Graduate)

	committish := opts.Since
	hasTags, err := git.HasTags(ctx)
	if err != nil {
		return nil, fmt.Errorf("checking tags: %w", err)
	}
	if hasTags {
		if committish == "" {
			lastTag, err := git.LastTag(ctx, opts.TagMatch)
			if err != nil {
				return nil, fmt.Errorf("finding last tag: %w", err)
			}
			if lastTag != "" {
				count, err := git.CommitsSince(ctx, lastTag)
				if err != nil {
					return nil, fmt.Errorf("counting commits since %s: %w", lastTag, err)
				}
				if count == 0 && len(forced) == 0 {
					log.Info("no commits since previous release", "tag", lastTag)
					return nil, nil
				}
				committish = lastTag
			}
		}
		if opts.Canary {
			sha, err := git.CurrentSHA(ctx)
			if err != nil {
				return nil, fmt.Errorf("reading HEAD: %w", err)
			}
			committish = sha + "^.." + sha
		}
	}

	candidates := make(map[string]bool)
	if committish == "" || forced["*"] {
		if committish == "" {
			log.Info("no previous release found, assuming every package changed")
		} else {
			log.Info("forcing every package", "force", "*")
		}
		for _, node := range workingSet {
			candidates[node.Name()] = true
		}
	} else {
		log.Info("looking for changed packages", "since", committish)
		needsBump := opts.Bump != "" && !strings.HasPrefix(opts.Bump, "pre")

		for _, node := range workingSet {
			reason, err := classify(ctx, node, committish, git, opts, forced, graduate, needsBump)
			if err != nil {
				return nil, err
			}
			if reason != "" {
				log.Debug("candidate", "package", node.Name(), "reason", reason)
				candidates[node.Name()] = true
			}
		}
	}

	if !opts.ExcludeDependents {
		for name := range Dependents(g, keys(candidates)) {
			candidates[name] = true
		}
	}

	var updates []*graph.Node
	for _, node := range workingSet {
		if candidates[node.Name()] {
			updates = append(updates, node)
		}
	}
	return updates, nil
}

// classify returns why node is a candidate, or "" when it is not.
func classify(ctx context.Context, node *graph.Node, committish string, git GitQuery, opts Options, forced, graduate map[string]bool, needsBump bool) (string, error) {
	if forced[node.Name()] {
		return "forced", nil
	}
	if node.PrereleaseID() != "" {
		if needsBump {
			return "prerelease needs bump", nil
		}
		if graduate["*"] || graduate[node.Name()] {
			return "graduate", nil
		}
	}
	changed, err := git.HasDiff(ctx, committish, node.Location(), opts.IgnoreChanges)
	if err != nil {
		return "", fmt.Errorf("diffing %s: %w", node.Name(), err)
	}
	if changed {
		return "changed", nil
	}
	return "", nil
}

func keys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
