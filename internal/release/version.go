package release

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"monorel/internal/batch"
	"monorel/internal/conventional"
	"monorel/internal/gitio"
	"monorel/internal/graph"
	"monorel/internal/ledger"
	"monorel/internal/manifest"
	"monorel/internal/version"
)

// DefaultIndependentMessage starts the commit message of independent
// releases.
const DefaultIndependentMessage = "Publish"

// VersionOptions configures Version.
type VersionOptions struct {
	Common
	// Bump is a release keyword or an explicit version. Empty means
	// conventional commits or a prompt.
	Bump     string
	PreID    string
	Exact    bool
	Force    []string
	Graduate []string

	ConventionalCommits    bool
	ConventionalPrerelease bool

	// Message is the commit message; in fixed mode "%s" is replaced by the
	// tag and "%v" by the version.
	Message string
	// NoGitTagVersion skips the commit and tags.
	NoGitTagVersion bool
	Push            bool
	Remote          string
	AllowDirty      bool

	// DryRun prints the manifest changes and stops.
	DryRun bool
	Color  bool
	Yes    bool
}

// VersionResult describes a completed (or planned) version bump.
type VersionResult struct {
	// Versions maps package names to their new versions.
	Versions map[string]string
	// Previous maps package names to their versions before the bump.
	Previous map[string]string
	// Updates are the versioned packages as they were before the bump.
	Updates []*graph.Node
	// Packages are the rewritten manifests of the versioned packages.
	Packages      []*manifest.Package
	GlobalVersion string
	Tags          []string
	SHA           string
}

// Empty reports whether nothing was versioned.
func (r *VersionResult) Empty() bool { return r == nil || len(r.Versions) == 0 }

// Changes returns the version transitions sorted by package name.
func (r *VersionResult) Changes() []ledger.Change {
	out := make([]ledger.Change, 0, len(r.Versions))
	for name, next := range r.Versions {
		out = append(out, ledger.Change{Name: name, From: r.Previous[name], To: next})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// baseline returns the ref conventional-commit history is read from.
func (p *Project) baseline(ctx context.Context, node *graph.Node) (string, error) {
	if p.Config.IsIndependent() {
		return p.Git.LastTag(ctx, node.Name()+"@*")
	}
	return p.Git.LastTag(ctx, TagMatch(p.Config))
}

func (p *Project) preID(configured string) string {
	if configured != "" {
		return configured
	}
	return p.Config.Command.Version.PreID
}

// Tags returns the tags of a release: one "<prefix><version>" tag in fixed
// mode, one "<name>@<version>" per package otherwise.
func Tags(independent bool, prefix string, versions map[string]string, global string) []string {
	if !independent {
		return []string{prefix + global}
	}
	tags := make([]string, 0, len(versions))
	for name, v := range versions {
		tags = append(tags, name+"@"+v)
	}
	sort.Strings(tags)
	return tags
}

// CommitMessage builds the release commit message.
func CommitMessage(independent bool, message string, tags []string, global string) string {
	if !independent {
		if message == "" {
			message = "%s"
		}
		tag := ""
		if len(tags) > 0 {
			tag = tags[0]
		}
		message = strings.ReplaceAll(message, "%s", tag)
		return strings.ReplaceAll(message, "%v", global)
	}
	if message == "" {
		message = DefaultIndependentMessage
	}
	var b strings.Builder
	b.WriteString(message)
	b.WriteString("\n")
	for _, tag := range tags {
		b.WriteString("\n - " + tag)
	}
	return b.String()
}

// Version computes new versions for the changed packages, writes them to the
// manifests, runs the version lifecycle scripts, then commits, tags and
// optionally pushes the result.
func (p *Project) Version(ctx context.Context, opts VersionOptions) (*VersionResult, error) {
	if err := p.requireGit(); err != nil {
		return nil, err
	}
	log := p.log()
	cmd := p.Config.Command.Version

	if !opts.DryRun && !opts.AllowDirty && !opts.NoGitTagVersion {
		clean, err := p.Git.IsClean()
		if err != nil {
			return nil, err
		}
		if !clean {
			return nil, gitio.ErrDirty
		}
	}

	updates, err := p.Changed(ctx, ChangedOptions{
		Common:   opts.Common,
		Bump:     opts.Bump,
		Force:    opts.Force,
		Graduate: opts.Graduate,
	})
	if err != nil {
		return nil, err
	}
	if len(updates) == 0 {
		log.Info("no changed packages to version")
		return &VersionResult{}, nil
	}

	res, err := p.resolve(ctx, updates, opts)
	if err != nil {
		return nil, err
	}
	if len(res.Versions) == 0 {
		log.Info("no packages with a version to bump")
		return res, nil
	}
	p.printChanges(res)

	if !opts.DryRun && !opts.Yes && p.Confirmer != nil {
		ok, err := p.Confirmer.Confirm("Are you sure you want to create these versions?")
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrAborted
		}
	}

	exact := opts.Exact || cmd.Exact
	updated := version.Apply(p.Graph, res.Versions, exact)
	res.Packages = version.Changed(updated, res.Versions)

	if opts.DryRun {
		return res, p.printDiffs(res.Packages, opts.Color)
	}

	sched, err := batch.Plan(res.Updates, p.planOptions(opts.Common))
	if err != nil {
		return nil, err
	}
	concurrency := p.concurrency(opts.Common)
	before := make(map[string]*manifest.Package, len(res.Updates))
	for _, node := range res.Updates {
		before[node.Name()] = node.Package()
	}
	after := make(map[string]*manifest.Package, len(res.Packages))
	for _, pkg := range res.Packages {
		after[pkg.Name] = pkg
	}

	if err := p.runLifecycle(ctx, sched, before, "preversion", concurrency); err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(res.Packages)+1)
	for _, pkg := range res.Packages {
		if err := manifest.Save(pkg); err != nil {
			return nil, fmt.Errorf("writing %s: %w", pkg.Name, err)
		}
		paths = append(paths, pkg.ManifestPath())
	}
	if !p.Config.IsIndependent() {
		if err := p.Config.Save(res.GlobalVersion); err != nil {
			return nil, err
		}
		paths = append(paths, p.Config.Path())
	}
	p.Graph = graph.Build(updated, graph.WithDependencyKeys(p.Graph.DependencyKeys()), graph.WithLogger(log))

	if err := p.runLifecycle(ctx, sched, after, "version", concurrency); err != nil {
		return nil, err
	}

	if !opts.NoGitTagVersion {
		res.Tags = Tags(p.Config.IsIndependent(), p.Config.TagVersionPrefix, res.Versions, res.GlobalVersion)
		message := opts.Message
		if message == "" {
			message = cmd.Message
		}
		message = CommitMessage(p.Config.IsIndependent(), message, res.Tags, res.GlobalVersion)

		if res.SHA, err = p.Git.Commit(ctx, message, paths); err != nil {
			return nil, err
		}
		for i, tag := range res.Tags {
			if err := p.Git.Tag(ctx, tag, tag); err != nil {
				p.deleteTags(res.Tags[:i])
				return nil, err
			}
		}
		log.Info("created release commit", "sha", res.SHA, "tags", res.Tags)
	}

	if err := p.runLifecycle(ctx, sched, after, "postversion", concurrency); err != nil {
		return nil, err
	}

	if opts.Push && !opts.NoGitTagVersion {
		if err := p.push(ctx, opts.Remote, res.Tags); err != nil {
			return nil, err
		}
	}

	if err := p.record(ctx, "version", res); err != nil {
		return nil, err
	}
	return res, nil
}

func (p *Project) resolve(ctx context.Context, updates []*graph.Node, opts VersionOptions) (*VersionResult, error) {
	preid := p.preID(opts.PreID)
	vopts := version.Options{
		Mode:         p.mode(),
		Bump:         opts.Bump,
		PreID:        preid,
		Conventional: opts.ConventionalCommits || p.Config.Command.Version.ConventionalCommits,
		NoPrivate:    opts.Filter.NoPrivate || p.Config.Command.Version.NoPrivate,
		Prompter:     p.Prompter,
		Logger:       p.log(),
	}
	if !p.Config.IsIndependent() {
		vopts.GlobalVersion = p.globalVersion()
	}
	if vopts.Conventional {
		vopts.Recommender = &conventional.Recommender{
			Log:        p.Git,
			Baseline:   p.baseline,
			Prerelease: opts.ConventionalPrerelease,
			PreID:      preid,
			Logger:     p.log(),
		}
	}

	resolved, err := version.Resolve(ctx, updates, p.Graph, vopts)
	if err != nil {
		return nil, err
	}
	res := &VersionResult{
		Versions:      resolved.Versions,
		Previous:      make(map[string]string, len(resolved.Updates)),
		Updates:       resolved.Updates,
		GlobalVersion: resolved.GlobalVersion,
	}
	for _, node := range resolved.Updates {
		res.Previous[node.Name()] = node.Version()
	}
	return res, nil
}

func (p *Project) printChanges(res *VersionResult) {
	w := p.out()
	fmt.Fprintln(w, "Changes:")
	for _, node := range res.Updates {
		suffix := ""
		if node.Private() {
			suffix = " (private)"
		}
		fmt.Fprintf(w, " - %s: %s => %s%s\n", node.Name(), node.Version(), res.Versions[node.Name()], suffix)
	}
	fmt.Fprintln(w)
}

func (p *Project) printDiffs(pkgs []*manifest.Package, color bool) error {
	for _, pkg := range pkgs {
		node, ok := p.Graph.Get(pkg.Name)
		if !ok {
			continue
		}
		before, err := node.Package().Marshal()
		if err != nil {
			return err
		}
		after, err := pkg.Marshal()
		if err != nil {
			return err
		}
		name := filepath.ToSlash(filepath.Join(pkg.RelativeLocation(), manifest.FileName))
		if err := WriteDiff(p.out(), name, string(before), string(after), color); err != nil {
			return err
		}
	}
	return nil
}

// deleteTags removes the tags of a release that could not be completed.
func (p *Project) deleteTags(tags []string) {
	for _, tag := range tags {
		if err := p.Git.DeleteTag(tag); err != nil {
			p.log().Warn("could not delete tag", "tag", tag, "err", err)
		}
	}
}

func (p *Project) push(ctx context.Context, remote string, tags []string) error {
	branch, err := p.Git.CurrentBranch()
	if err != nil {
		return err
	}
	if branch == "" {
		p.log().Warn("HEAD is detached, skipping push")
		return nil
	}
	if remote == "" {
		remote = p.Config.Command.Version.Remote
	}
	if err := p.Git.Push(ctx, remote, tags); err != nil {
		return err
	}
	p.log().Info("pushed release", "branch", branch, "tags", len(tags))
	return nil
}

func (p *Project) record(ctx context.Context, command string, res *VersionResult) error {
	if p.Ledger == nil {
		return nil
	}
	sha := res.SHA
	if sha == "" {
		var err error
		if sha, err = p.Git.CurrentSHA(ctx); err != nil {
			return err
		}
	}
	r := &ledger.Release{
		Command: command,
		Mode:    string(p.mode()),
		SHA:     sha,
		Tags:    res.Tags,
		Changes: res.Changes(),
	}
	if err := p.Ledger.Record(ctx, r); err != nil {
		return fmt.Errorf("recording release: %w", err)
	}
	p.log().Debug("recorded release", "id", r.ID, "digest", r.Digest)
	return nil
}
