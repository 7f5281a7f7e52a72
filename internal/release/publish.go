package release

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"monorel/internal/batch"
	"monorel/internal/graph"
	"monorel/internal/manifest"
	"monorel/internal/semver"
	"monorel/internal/version"
)

// ErrCanaryBump is returned when a canary release is given an explicit
// version instead of a release keyword.
var ErrCanaryBump = errors.New("canary releases only accept a release keyword")

// PublishOptions configures Publish.
type PublishOptions struct {
	VersionOptions
	// Canary publishes throwaway prerelease versions of the packages changed
	// in the latest commit without committing or tagging.
	Canary bool
	// FromGit publishes the packages tagged at HEAD instead of versioning.
	FromGit bool
	DistTag string
}

// PublishResult describes a publish run.
type PublishResult struct {
	Version   *VersionResult
	Published []string
}

// Publish versions the changed packages (unless FromGit or Canary is set)
// and publishes every public package of the release in topological order.
func (p *Project) Publish(ctx context.Context, opts PublishOptions) (*PublishResult, error) {
	if err := p.requireGit(); err != nil {
		return nil, err
	}
	switch {
	case opts.Canary:
		return p.publishCanary(ctx, opts)
	case opts.FromGit:
		return p.publishFromGit(ctx, opts)
	}

	vres, err := p.Version(ctx, opts.VersionOptions)
	if err != nil {
		return nil, err
	}
	out := &PublishResult{Version: vres}
	if vres.Empty() || opts.DryRun {
		return out, nil
	}

	nodes := p.Graph.Lookup(names(vres.Updates))
	if out.Published, err = p.publishNodes(ctx, nodes, p.distTag(opts, ""), opts.Common); err != nil {
		return nil, err
	}
	return out, p.record(ctx, "publish", vres)
}

func names(nodes []*graph.Node) []string {
	out := make([]string, len(nodes))
	for i, node := range nodes {
		out[i] = node.Name()
	}
	return out
}

func (p *Project) distTag(opts PublishOptions, fallback string) string {
	switch {
	case opts.DistTag != "":
		return opts.DistTag
	case p.Config.Command.Publish.DistTag != "":
		return p.Config.Command.Publish.DistTag
	}
	return fallback
}

// publishFromGit publishes the packages whose current version is tagged at
// HEAD.
func (p *Project) publishFromGit(ctx context.Context, opts PublishOptions) (*PublishResult, error) {
	tags, err := p.Git.TagsAtHead(ctx)
	if err != nil {
		return nil, err
	}
	tagged := make(map[string]bool, len(tags))
	for _, tag := range tags {
		tagged[tag] = true
	}

	nodes, err := p.WorkingSet(ctx, Common{Filter: opts.Filter})
	if err != nil {
		return nil, err
	}
	res := &VersionResult{Versions: make(map[string]string), Previous: make(map[string]string), Tags: tags}
	global := p.globalVersion()
	var selected []*graph.Node
	for _, node := range nodes {
		var tag string
		if p.Config.IsIndependent() {
			tag = node.Name() + "@" + node.Version()
		} else {
			if node.Version() != global {
				continue
			}
			tag = p.Config.TagVersionPrefix + global
		}
		if !tagged[tag] {
			continue
		}
		selected = append(selected, node)
		res.Versions[node.Name()] = node.Version()
		res.Previous[node.Name()] = node.Version()
		res.Updates = append(res.Updates, node)
	}
	if len(selected) == 0 {
		p.log().Info("no tagged release found at HEAD")
		return &PublishResult{Version: res}, nil
	}

	published, err := p.publishNodes(ctx, selected, p.distTag(opts, ""), opts.Common)
	if err != nil {
		return nil, err
	}
	return &PublishResult{Version: res, Published: published}, p.record(ctx, "publish", res)
}

// canaryRelease returns the release type used for canary versions.
func canaryRelease(bump string) (semver.ReleaseType, error) {
	if bump == "" {
		return semver.Patch, nil
	}
	rt, ok := semver.ParseReleaseType(strings.TrimSpace(bump))
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrCanaryBump, bump)
	}
	return rt, nil
}

// publishCanary writes canary versions to the manifests, publishes them and
// restores the original manifests.
func (p *Project) publishCanary(ctx context.Context, opts PublishOptions) (_ *PublishResult, err error) {
	log := p.log()
	rt, err := canaryRelease(opts.Bump)
	if err != nil {
		return nil, err
	}

	updates, err := p.Changed(ctx, ChangedOptions{
		Common: opts.Common,
		Force:  opts.Force,
		Canary: true,
	})
	if err != nil {
		return nil, err
	}
	if len(updates) == 0 {
		log.Info("no changed packages to publish")
		return &PublishResult{Version: &VersionResult{}}, nil
	}

	lastTag, err := p.Git.LastTag(ctx, TagMatch(p.Config))
	if err != nil {
		return nil, err
	}
	commits, err := p.Git.CommitsSince(ctx, lastTag)
	if err != nil {
		return nil, err
	}
	sha, err := p.Git.CurrentSHA(ctx)
	if err != nil {
		return nil, err
	}

	preid := opts.PreID
	if preid == "" {
		preid = p.Config.Command.Publish.PreID
	}
	res := &VersionResult{
		Versions: make(map[string]string, len(updates)),
		Previous: make(map[string]string, len(updates)),
		SHA:      sha,
	}
	for _, node := range updates {
		if node.Version() == "" {
			continue
		}
		current := node.Version()
		if !p.Config.IsIndependent() {
			current = p.globalVersion()
		}
		next, err := version.Canary(current, rt, preid, commits, sha)
		if err != nil {
			return nil, fmt.Errorf("versioning %s: %w", node.Name(), err)
		}
		res.Versions[node.Name()] = next
		res.Previous[node.Name()] = node.Version()
		res.Updates = append(res.Updates, node)
	}
	p.printChanges(res)

	if !opts.Yes && p.Confirmer != nil {
		ok, err := p.Confirmer.Confirm("Are you sure you want to publish these packages?")
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrAborted
		}
	}

	updated := version.Apply(p.Graph, res.Versions, true)
	res.Packages = version.Changed(updated, res.Versions)
	if opts.DryRun {
		return &PublishResult{Version: res}, p.printDiffs(res.Packages, opts.Color)
	}

	originals := make(map[string][]byte, len(res.Packages))
	defer func() {
		for path, data := range originals {
			if rerr := os.WriteFile(path, data, 0644); rerr != nil && err == nil {
				err = fmt.Errorf("restoring %s: %w", path, rerr)
			}
		}
	}()
	for _, pkg := range res.Packages {
		data, err := os.ReadFile(pkg.ManifestPath())
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", pkg.Name, err)
		}
		originals[pkg.ManifestPath()] = data
		if err := manifest.Save(pkg); err != nil {
			return nil, fmt.Errorf("writing %s: %w", pkg.Name, err)
		}
	}

	canary := graph.Build(updated, graph.WithDependencyKeys(p.Graph.DependencyKeys()), graph.WithLogger(log))
	nodes := canary.Lookup(names(res.Updates))
	published, err := p.publishNodes(ctx, nodes, p.distTag(opts, "canary"), opts.Common)
	if err != nil {
		return nil, err
	}
	return &PublishResult{Version: res, Published: published}, p.record(ctx, "publish", res)
}

// publishNodes runs the publish lifecycle for the public packages of nodes
// and returns the names of the published packages.
func (p *Project) publishNodes(ctx context.Context, nodes []*graph.Node, distTag string, c Common) ([]string, error) {
	nodes = publicOnly(nodes)
	if len(nodes) == 0 {
		p.log().Info("no public packages to publish")
		return nil, nil
	}
	sched, err := batch.Plan(nodes, p.planOptions(c))
	if err != nil {
		return nil, err
	}
	concurrency := p.concurrency(c)
	pkgs := make(map[string]*manifest.Package, len(nodes))
	for _, node := range nodes {
		pkgs[node.Name()] = node.Package()
	}

	for _, script := range []string{"prepublishOnly", "prepack"} {
		if err := p.runLifecycle(ctx, sched, pkgs, script, concurrency); err != nil {
			return nil, err
		}
	}
	err = batch.Run(ctx, sched.Batches, concurrency, func(ctx context.Context, node *graph.Node) error {
		if err := p.Runner.Publish(ctx, node.Package(), distTag); err != nil {
			return batch.StepFailed("publish", err)
		}
		p.log().Info("published", "package", node.Name(), "version", node.Version(), "tag", distTag)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := p.runLifecycle(ctx, sched, pkgs, "postpublish", concurrency); err != nil {
		return nil, err
	}

	var published []string
	for _, b := range sched.Batches {
		published = append(published, b.Names()...)
	}
	return published, nil
}
