package release

import (
	"context"
	"errors"
	"sync"

	"monorel/internal/batch"
	"monorel/internal/graph"
)

// ErrNoCommand is returned by Exec without a command.
var ErrNoCommand = errors.New("a command to execute is required")

// RunOptions configures Run and Exec.
type RunOptions struct {
	Common
	// Parallel ignores dependency order and runs every package in a single
	// batch.
	Parallel bool
	// NoBail keeps going after a failure and returns the first error at the
	// end.
	NoBail bool
}

// Run runs an npm script in every package of the working set that defines
// it, dependencies first.
func (p *Project) Run(ctx context.Context, script string, opts RunOptions) ([]string, error) {
	nodes, err := p.WorkingSet(ctx, opts.Common)
	if err != nil {
		return nil, err
	}
	var withScript []*graph.Node
	for _, node := range nodes {
		if node.Package().HasScript(script) {
			withScript = append(withScript, node)
		}
	}
	if len(withScript) == 0 {
		p.log().Info("no packages define the script", "script", script)
		return nil, nil
	}
	return p.each(ctx, withScript, opts, func(ctx context.Context, node *graph.Node) error {
		return batch.StepFailed(script, p.Runner.RunScript(ctx, node.Package(), script))
	})
}

// Exec runs an arbitrary command in every package of the working set.
func (p *Project) Exec(ctx context.Context, command []string, opts RunOptions) ([]string, error) {
	if len(command) == 0 {
		return nil, ErrNoCommand
	}
	nodes, err := p.WorkingSet(ctx, opts.Common)
	if err != nil {
		return nil, err
	}
	return p.each(ctx, nodes, opts, func(ctx context.Context, node *graph.Node) error {
		return batch.StepFailed(command[0], p.Runner.Exec(ctx, node.Package(), command[0], command[1:]...))
	})
}

// each runs task over nodes and returns the package names in the order
// their batches ran.
func (p *Project) each(ctx context.Context, nodes []*graph.Node, opts RunOptions, task batch.Task) ([]string, error) {
	run := task
	var (
		mu       sync.Mutex
		failures []error
	)
	if opts.NoBail {
		run = func(ctx context.Context, node *graph.Node) error {
			if err := task(ctx, node); err != nil {
				p.log().Error("task failed", "package", node.Name(), "err", err)
				mu.Lock()
				failures = append(failures, batch.Attribute(node, err))
				mu.Unlock()
			}
			return nil
		}
	}

	var (
		sched *batch.Schedule
		err   error
	)
	if opts.Parallel {
		sched = &batch.Schedule{Batches: []batch.Batch{nodes}}
		err = batch.Run(ctx, sched.Batches, len(nodes), run)
	} else {
		sched, err = batch.RunTopological(ctx, nodes, p.concurrency(opts.Common), p.planOptions(opts.Common), run)
	}
	if err != nil {
		return nil, err
	}
	if len(failures) > 0 {
		return nil, errors.Join(failures...)
	}

	var ran []string
	for _, b := range sched.Batches {
		ran = append(ran, b.Names()...)
	}
	return ran, nil
}
