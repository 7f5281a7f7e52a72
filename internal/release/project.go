// Package release composes the collector, resolver, planner and executor
// into the repository commands: changed, version, publish, run and exec.
package release

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"monorel/internal/batch"
	"monorel/internal/collect"
	"monorel/internal/config"
	"monorel/internal/filter"
	"monorel/internal/gitio"
	"monorel/internal/graph"
	"monorel/internal/ledger"
	"monorel/internal/manifest"
	"monorel/internal/prompt"
	"monorel/internal/version"
)

var (
	// ErrAborted is returned when the user declines the release.
	ErrAborted = errors.New("release aborted")
	// ErrNoGit is returned by commands that need a repository when none was
	// found.
	ErrNoGit = errors.New("ENOGIT: not a git repository")
)

// Git is the repository access the commands need.
type Git interface {
	collect.GitQuery
	CommitMessagesSince(ctx context.Context, ref, path string) ([]gitio.Commit, error)
	TagsAtHead(ctx context.Context) ([]string, error)
	CurrentBranch() (string, error)
	IsClean() (bool, error)
	Commit(ctx context.Context, message string, paths []string) (string, error)
	Tag(ctx context.Context, name, message string) error
	DeleteTag(name string) error
	Push(ctx context.Context, remote string, tags []string) error
}

// Runner executes package scripts, commands and publishes.
type Runner interface {
	RunScript(ctx context.Context, pkg *manifest.Package, script string) error
	Exec(ctx context.Context, pkg *manifest.Package, name string, args ...string) error
	Publish(ctx context.Context, pkg *manifest.Package, distTag string) error
}

// Recorder stores completed releases.
type Recorder interface {
	Record(ctx context.Context, r *ledger.Release) error
}

// Project is a loaded repository: its configuration, package graph and
// collaborators.
type Project struct {
	Config *config.Config
	Graph  *graph.Graph

	Git    Git
	Runner Runner
	// Ledger is optional.
	Ledger Recorder
	// Prompter and Confirmer are used when no bump is given or --yes is
	// not set.
	Prompter  version.Prompter
	Confirmer prompt.Confirmer

	Out    io.Writer
	Logger *slog.Logger
}

// LoadGraph discovers the packages configured in cfg and builds their graph.
func LoadGraph(cfg *config.Config, logger *slog.Logger) (*graph.Graph, error) {
	pkgs, err := manifest.Discover(cfg.Root, cfg.Packages)
	if err != nil {
		return nil, fmt.Errorf("discovering packages: %w", err)
	}
	return graph.Build(pkgs, graph.WithLogger(logger)), nil
}

// LedgerPath is where the release ledger of a repository rooted at root is
// stored. It lives inside .git so the worktree stays clean.
func LedgerPath(root string) string {
	return filepath.Join(root, ".git", "monorel", "ledger.db")
}

func (p *Project) log() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.New(slog.DiscardHandler)
}

func (p *Project) out() io.Writer {
	if p.Out != nil {
		return p.Out
	}
	return io.Discard
}

func (p *Project) mode() version.Mode {
	if p.Config.IsIndependent() {
		return version.Independent
	}
	return version.Fixed
}

// globalVersion is the fixed-mode repository version: the configured one, or
// the highest package version when none is configured.
func (p *Project) globalVersion() string {
	if p.Config.Version != "" {
		return p.Config.Version
	}
	return version.Highest(p.Graph.Nodes())
}

func (p *Project) requireGit() error {
	if p.Git == nil {
		return ErrNoGit
	}
	return nil
}

// Common holds the options shared by every command.
type Common struct {
	Filter filter.Options
	// Since restricts the working set to packages changed since a ref.
	Since string
	// Concurrency overrides the configured concurrency when positive.
	Concurrency  int
	RejectCycles bool
}

func (p *Project) concurrency(c Common) int {
	if c.Concurrency > 0 {
		return c.Concurrency
	}
	return batch.ParseConcurrency(p.Config.Concurrency)
}

func (p *Project) planOptions(c Common) batch.PlanOptions {
	return batch.PlanOptions{
		RejectCycles: c.RejectCycles || p.Config.RejectCycles,
		Logger:       p.log(),
	}
}

// WorkingSet returns the packages selected by the filter options. With
// Since set only packages changed since that ref are kept, before the
// dependents and dependencies expansion.
func (p *Project) WorkingSet(ctx context.Context, c Common) ([]*graph.Node, error) {
	nodes, err := filter.Select(p.Graph, c.Filter)
	if err != nil {
		return nil, err
	}
	if c.Since != "" {
		if err := p.requireGit(); err != nil {
			return nil, err
		}
		nodes, err = collect.Collect(ctx, nodes, p.Graph, p.Git, collect.Options{
			Since:             c.Since,
			IgnoreChanges:     p.Config.IgnoreChanges,
			ExcludeDependents: true,
			Logger:            p.log(),
		})
		if err != nil {
			return nil, err
		}
	}
	return filter.Expand(p.Graph, nodes, c.Filter), nil
}

// ListOptions configures List.
type ListOptions struct {
	Common
	// All includes private packages.
	All bool
	// Toposort orders the result by dependency batches.
	Toposort bool
}

// List returns the packages of the working set.
func (p *Project) List(ctx context.Context, opts ListOptions) ([]*graph.Node, error) {
	if !opts.All {
		opts.Filter.NoPrivate = true
	}
	nodes, err := p.WorkingSet(ctx, opts.Common)
	if err != nil {
		return nil, err
	}
	if !opts.Toposort {
		return nodes, nil
	}
	sched, err := batch.Plan(nodes, p.planOptions(opts.Common))
	if err != nil {
		return nil, err
	}
	var out []*graph.Node
	for _, b := range sched.Batches {
		out = append(out, b...)
	}
	return out, nil
}

// ChangedOptions configures Changed.
type ChangedOptions struct {
	Common
	Bump     string
	Force    []string
	Graduate []string
	Canary   bool
}

// TagMatch is the glob of release tags for the configured mode.
func TagMatch(cfg *config.Config) string {
	if cfg.IsIndependent() {
		return "*@*"
	}
	return cfg.TagVersionPrefix + "*.*.*"
}

// Changed returns the packages that need a new version.
func (p *Project) Changed(ctx context.Context, opts ChangedOptions) ([]*graph.Node, error) {
	if err := p.requireGit(); err != nil {
		return nil, err
	}
	nodes, err := p.WorkingSet(ctx, Common{Filter: opts.Filter})
	if err != nil {
		return nil, err
	}
	updates, err := collect.Collect(ctx, nodes, p.Graph, p.Git, collect.Options{
		Since:         opts.Since,
		TagMatch:      TagMatch(p.Config),
		Canary:        opts.Canary,
		Force:         opts.Force,
		Graduate:      opts.Graduate,
		IgnoreChanges: p.Config.IgnoreChanges,
		Bump:          opts.Bump,
		Logger:        p.log(),
	})
	if err != nil {
		return nil, fmt.Errorf("collecting updates: %w", err)
	}
	if opts.Filter.NoPrivate {
		updates = publicOnly(updates)
	}
	return updates, nil
}

func publicOnly(nodes []*graph.Node) []*graph.Node {
	var out []*graph.Node
	for _, node := range nodes {
		if !node.Private() {
			out = append(out, node)
		}
	}
	return out
}

// runLifecycle runs script in topological order for every package of pkgs
// that defines it.
func (p *Project) runLifecycle(ctx context.Context, sched *batch.Schedule, pkgs map[string]*manifest.Package, script string, concurrency int) error {
	return batch.Run(ctx, sched.Batches, concurrency, func(ctx context.Context, node *graph.Node) error {
		pkg := pkgs[node.Name()]
		if pkg == nil || !pkg.HasScript(script) {
			return nil
		}
		if err := p.Runner.RunScript(ctx, pkg, script); err != nil {
			return batch.StepFailed(script, err)
		}
		return nil
	})
}
