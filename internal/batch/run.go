package batch

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"monorel/internal/graph"
)

// DefaultConcurrency is used when no usable concurrency is configured.
const DefaultConcurrency = 4

// TaskError attributes a task failure to a package and, when known, the step
// that failed.
type TaskError struct {
	Package string
	Step    string
	Err     error
}

func (e *TaskError) Error() string {
	msg := e.Err.Error()
	if e.Step != "" {
		msg = e.Step + ": " + msg
	}
	if e.Package != "" {
		msg = e.Package + ": " + msg
	}
	return msg
}

func (e *TaskError) Unwrap() error { return e.Err }

// StepFailed wraps err so the executor reports which step of a task failed.
func StepFailed(step string, err error) error {
	if err == nil {
		return nil
	}
	return &TaskError{Step: step, Err: err}
}

// Task is the work run once per package.
type Task func(ctx context.Context, node *graph.Node) error

// Run executes task for every package, batch by batch. A batch starts only
// after the previous one has fully finished, and at most concurrency tasks run
// at once. Once a task fails no further task starts, tasks already running
// are allowed to finish, and the first failure is returned as a *TaskError.
func Run(ctx context.Context, batches []Batch, concurrency int, task Task) error {
	if concurrency < 1 {
		concurrency = 1
	}

	var failed atomic.Bool
	for _, b := range batches {
		if err := ctx.Err(); err != nil {
			return err
		}

		var g errgroup.Group
		g.SetLimit(concurrency)
		for _, node := range b {
			if failed.Load() {
				break
			}
			g.Go(func() error {
				if failed.Load() || ctx.Err() != nil {
					return nil
				}
				if err := task(ctx, node); err != nil {
					failed.Store(true)
					return Attribute(node, err)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// Attribute returns err as a *TaskError naming node. A step error anywhere in
// the chain is given the package name; wrapping around it is kept.
func Attribute(node *graph.Node, err error) error {
	var te *TaskError
	if !errors.As(err, &te) {
		return &TaskError{Package: node.Name(), Err: err}
	}
	if te.Package != "" {
		return err
	}
	te.Package = node.Name()
	if te == err {
		return err
	}
	return &TaskError{Package: node.Name(), Err: err}
}

// RunTopological plans workingSet and runs task over the resulting batches.
func RunTopological(ctx context.Context, workingSet []*graph.Node, concurrency int, opts PlanOptions, task Task) (*Schedule, error) {
	sched, err := Plan(workingSet, opts)
	if err != nil {
		return nil, err
	}
	return sched, Run(ctx, sched.Batches, concurrency, task)
}

// ParseConcurrency converts a user-supplied concurrency setting. Empty,
// non-numeric and zero values select DefaultConcurrency. Anything below one
// becomes one.
func ParseConcurrency(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n == 0 {
		return DefaultConcurrency
	}
	if n < 1 {
		return 1
	}
	return n
}
