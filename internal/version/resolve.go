// Package version decides the next version of every package in a release.
package version

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"monorel/internal/graph"
	"monorel/internal/semver"
)

// Mode is the versioning strategy of the repository.
type Mode string

const (
	// Fixed keeps one version for the whole repository.
	Fixed Mode = "fixed"
	// Independent versions every package on its own.
	Independent Mode = "independent"
)

// DefaultPreID is the prerelease identifier used when none is configured.
const DefaultPreID = "alpha"

var (
	// ErrMissingVersion is returned for a non-private package without a version.
	ErrMissingVersion = errors.New("ENOVERSION: package has no version")
	// ErrInvalidBump is returned for a bump that is neither a keyword nor a version.
	ErrInvalidBump = errors.New("EINVALIDBUMP: bump must be a release keyword or a valid version")
	// ErrNoPrompter is returned when a version must be asked for but no
	// prompter is configured.
	ErrNoPrompter = errors.New("no bump given and prompting is unavailable")
)

// Recommender proposes the next version of a package from its history.
type Recommender interface {
	Recommend(ctx context.Context, node *graph.Node, current string) (string, error)
}

// Options configures Resolve.
type Options struct {
	Mode Mode
	// Bump is an explicit version or a release keyword. Empty means the
	// version comes from the recommender or the prompter.
	Bump  string
	PreID string
	// Conventional asks the Recommender when Bump is empty.
	Conventional bool
	// GlobalVersion is the repository version in fixed mode. Empty means
	// the highest package version in the graph.
	GlobalVersion string
	// NoPrivate leaves private packages out of a breaking fixed-mode release.
	NoPrivate bool

	Prompter    Prompter
	Recommender Recommender
	Logger      *slog.Logger
}

func (o Options) log() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.New(slog.DiscardHandler)
}

// Result is the outcome of Resolve.
type Result struct {
	// Versions maps package name to its new version.
	Versions map[string]string
	// Updates is the final update set, possibly larger than the input.
	Updates []*graph.Node
	// GlobalVersion is the new repository version in fixed mode.
	GlobalVersion string
}

type bumpKind int

const (
	bumpNone bumpKind = iota
	bumpLiteral
	bumpKeyword
)

type bump struct {
	kind    bumpKind
	literal string
	release semver.ReleaseType
}

func parseBump(raw string) (bump, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return bump{}, nil
	}
	if rt, ok := semver.ParseReleaseType(raw); ok {
		return bump{kind: bumpKeyword, release: rt}, nil
	}
	if semver.Valid(raw) {
		return bump{kind: bumpLiteral, literal: semver.Clean(raw)}, nil
	}
	return bump{}, fmt.Errorf("%w: %q", ErrInvalidBump, raw)
}

// Validate checks that every non-private package carries a version.
func Validate(g *graph.Graph) error {
	var missing []string
	for _, node := range g.Nodes() {
		if node.Version() == "" && !node.Private() {
			missing = append(missing, node.Name())
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingVersion, strings.Join(missing, ", "))
	}
	return nil
}

// Resolve assigns new versions to updates. Bump sources are tried in order:
// an explicit version, a release keyword, the conventional-commit
// recommender, then the prompter.
func Resolve(ctx context.Context, updates []*graph.Node, g *graph.Graph, opts Options) (*Result, error) {
	if err := Validate(g); err != nil {
		return nil, err
	}
	b, err := parseBump(opts.Bump)
	if err != nil {
		return nil, err
	}

	switch opts.Mode {
	case Independent:
		return resolveIndependent(ctx, updates, b, opts)
	case Fixed, "":
		if b.kind == bumpNone && opts.Conventional {
			return resolveFixedConventional(ctx, updates, opts)
		}
		return resolveFixed(ctx, updates, g, b, opts)
	}
	return nil, fmt.Errorf("unknown versioning mode %q", opts.Mode)
}

func resolveIndependent(ctx context.Context, updates []*graph.Node, b bump, opts Options) (*Result, error) {
	res := &Result{Versions: make(map[string]string, len(updates))}
	for _, node := range updates {
		if node.Version() == "" {
			continue
		}
		next, err := nextVersion(ctx, node, node.Version(), b, opts)
		if err != nil {
			return nil, fmt.Errorf("versioning %s: %w", node.Name(), err)
		}
		res.Versions[node.Name()] = next
		res.Updates = append(res.Updates, node)
	}
	return res, nil
}

// nextVersion resolves the version of one package in independent mode.
func nextVersion(ctx context.Context, node *graph.Node, current string, b bump, opts Options) (string, error) {
	switch b.kind {
	case bumpLiteral:
		return b.literal, nil
	case bumpKeyword:
		return semver.Inc(current, b.release, preID(opts.PreID, current))
	}
	if opts.Conventional {
		if opts.Recommender == nil {
			return "", errors.New("conventional commits requested without a recommender")
		}
		return opts.Recommender.Recommend(ctx, node, current)
	}
	if opts.Prompter == nil {
		return "", ErrNoPrompter
	}
	return PromptVersion(opts.Prompter, node.Name(), current, opts.PreID)
}

func resolveFixed(ctx context.Context, updates []*graph.Node, g *graph.Graph, b bump, opts Options) (*Result, error) {
	log := opts.log()
	current := opts.GlobalVersion
	if current == "" {
		current = Highest(g.Nodes())
	}
	if current == "" {
		return nil, fmt.Errorf("%w: no global version to bump", ErrMissingVersion)
	}

	var candidate string
	switch b.kind {
	case bumpLiteral:
		candidate = b.literal
	case bumpKeyword:
		next, err := semver.Inc(current, b.release, preID(opts.PreID, current))
		if err != nil {
			return nil, fmt.Errorf("incrementing %s: %w", current, err)
		}
		candidate = next
	default:
		if opts.Prompter == nil {
			return nil, ErrNoPrompter
		}
		next, err := PromptVersion(opts.Prompter, "", current, opts.PreID)
		if err != nil {
			return nil, err
		}
		candidate = next
	}

	final := updates
	if len(updates) > 0 && IsBreakingChange(current, candidate) {
		log.Info("breaking change, versioning every package", "from", current, "to", candidate)
		final = nil
		for _, node := range g.Nodes() {
			if opts.NoPrivate && node.Private() {
				continue
			}
			final = append(final, node)
		}
	}

	res := &Result{Versions: make(map[string]string, len(final)), GlobalVersion: candidate}
	for _, node := range final {
		if node.Version() == "" {
			continue
		}
		res.Versions[node.Name()] = candidate
		res.Updates = append(res.Updates, node)
	}
	return res, nil
}

func resolveFixedConventional(ctx context.Context, updates []*graph.Node, opts Options) (*Result, error) {
	if opts.Recommender == nil {
		return nil, errors.New("conventional commits requested without a recommender")
	}
	floor := opts.GlobalVersion

	ceiling := floor
	var nodes []*graph.Node
	for _, node := range updates {
		if node.Version() == "" {
			continue
		}
		current := node.Version()
		if floor != "" && semver.LessThan(current, floor) {
			current = floor
		}
		rec, err := opts.Recommender.Recommend(ctx, node, current)
		if err != nil {
			return nil, fmt.Errorf("recommending version for %s: %w", node.Name(), err)
		}
		ceiling = semver.Max(ceiling, rec)
		nodes = append(nodes, node)
	}

	res := &Result{Versions: make(map[string]string, len(nodes)), GlobalVersion: ceiling}
	for _, node := range nodes {
		res.Versions[node.Name()] = ceiling
		res.Updates = append(res.Updates, node)
	}
	return res, nil
}

// IsBreakingChange reports whether moving from current to next must version
// the whole repository in fixed mode. A major change always is. Below 1.0.0 a
// minor change is, and below 0.1.0 a patch change is. Prerelease-only changes
// never are.
func IsBreakingChange(current, next string) bool {
	rt, err := semver.Diff(current, next)
	if err != nil {
		return false
	}
	cur, err := semver.ParseVersion(current)
	if err != nil {
		return false
	}
	switch rt {
	case semver.Major:
		return true
	case semver.Minor:
		return cur.Major() == 0
	case semver.Patch:
		return cur.Major() == 0 && cur.Minor() == 0
	}
	return false
}

func preID(configured, current string) string {
	if configured != "" {
		return configured
	}
	if id := semver.PrereleaseID(current); id != "" {
		return id
	}
	return DefaultPreID
}

// Highest returns the highest valid version among nodes, or "" when none has
// one.
func Highest(nodes []*graph.Node) string {
	versions := make([]string, 0, len(nodes))
	for _, node := range nodes {
		versions = append(versions, node.Version())
	}
	return semver.Max(versions...)
}
