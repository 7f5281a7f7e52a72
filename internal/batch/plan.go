// Package batch orders packages into dependency-respecting batches and runs a
// task over them with bounded parallelism.
package batch

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"monorel/internal/graph"
)

// ErrCycle is wrapped by CycleError.
var ErrCycle = errors.New("ECYCLE: dependency cycle detected")

// CycleError lists the packages of every cycle found in a working set.
type CycleError struct {
	Cycles [][]string
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Cycles))
	for i, c := range e.Cycles {
		parts[i] = strings.Join(append(append([]string(nil), c...), c[0]), " -> ")
	}
	return fmt.Sprintf("%v: %s", ErrCycle, strings.Join(parts, ", "))
}

func (e *CycleError) Unwrap() error { return ErrCycle }

// Names returns every package that takes part in a cycle.
func (e *CycleError) Names() []string {
	var out []string
	for _, c := range e.Cycles {
		out = append(out, c...)
	}
	return out
}

// Batch is a set of packages with no unresolved dependency on each other.
type Batch []*graph.Node

// Names returns the package names of b in order.
func (b Batch) Names() []string {
	out := make([]string, len(b))
	for i, n := range b {
		out[i] = n.Name()
	}
	return out
}

// Schedule is the ordered batch plan for a working set.
type Schedule struct {
	Batches []Batch
	// Warnings holds one *CycleError per forced cycle break.
	Warnings []error
}

// Len returns the number of packages in the schedule.
func (s *Schedule) Len() int {
	n := 0
	for _, b := range s.Batches {
		n += len(b)
	}
	return n
}

// PlanOptions configures Plan.
type PlanOptions struct {
	// RejectCycles turns any dependency cycle into an error.
	RejectCycles bool
	Logger       *slog.Logger
}

// Plan groups workingSet into batches. Only edges between members of the
// working set count. Each round takes every remaining package whose local
// dependencies have all been scheduled. When a round finds none, the remainder
// holds a cycle: with RejectCycles the cycle is an error, otherwise the cyclic
// package with the most in-set dependents (first in input order on ties) is
// scheduled alone and a warning is recorded.
func Plan(workingSet []*graph.Node, opts PlanOptions) (*Schedule, error) {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	refCount := make(map[string]int, len(workingSet))
	for _, node := range workingSet {
		refCount[node.Name()] = 0
	}
	for _, node := range workingSet {
		for dep := range node.LocalDependencies {
			if _, ok := refCount[dep]; ok {
				refCount[dep]++
			}
		}
	}

	remaining := append([]*graph.Node(nil), workingSet...)
	sched := &Schedule{}

	for len(remaining) > 0 {
		var batch Batch
		for _, node := range remaining {
			if !hasPending(node, refCount) {
				batch = append(batch, node)
			}
		}

		if len(batch) == 0 {
			cycles := findCycles(remaining, refCount)
			cerr := &CycleError{Cycles: cycles}
			if opts.RejectCycles {
				return nil, cerr
			}

			pick := breakCycle(remaining, refCount)
			log.Warn("dependency cycle detected, forcing progress", "cycle", cerr.Error(), "package", pick.Name())
			sched.Warnings = append(sched.Warnings, cerr)
			batch = Batch{pick}
		}

		sched.Batches = append(sched.Batches, batch)
		done := make(map[string]bool, len(batch))
		for _, node := range batch {
			done[node.Name()] = true
			delete(refCount, node.Name())
		}
		next := remaining[:0:0]
		for _, node := range remaining {
			if !done[node.Name()] {
				next = append(next, node)
			}
		}
		remaining = next
	}

	return sched, nil
}

func hasPending(node *graph.Node, refCount map[string]int) bool {
	for dep := range node.LocalDependencies {
		if _, ok := refCount[dep]; ok {
			return true
		}
	}
	return false
}

// breakCycle picks the package to schedule when no package is ready. Only
// members of a cycle whose dependencies outside the cycle are all scheduled
// qualify, so edges that are not part of a cycle are never reversed.
func breakCycle(remaining []*graph.Node, refCount map[string]int) *graph.Node {
	comp := components(remaining, refCount)

	var pick *graph.Node
	for _, node := range remaining {
		if !readyComponent(comp[node.Name()], remaining, comp, refCount) {
			continue
		}
		if pick == nil || refCount[node.Name()] > refCount[pick.Name()] {
			pick = node
		}
	}
	if pick == nil {
		pick = remaining[0]
	}
	return pick
}

// readyComponent reports whether every pending dependency of the members of
// component id lies inside the component.
func readyComponent(id int, remaining []*graph.Node, comp map[string]int, refCount map[string]int) bool {
	for _, node := range remaining {
		if comp[node.Name()] != id {
			continue
		}
		for dep := range node.LocalDependencies {
			if _, pending := refCount[dep]; pending && comp[dep] != id {
				return false
			}
		}
	}
	return true
}

// components assigns a strongly connected component id to every remaining
// package, following only edges to packages still pending.
func components(remaining []*graph.Node, refCount map[string]int) map[string]int {
	byName := make(map[string]*graph.Node, len(remaining))
	for _, node := range remaining {
		byName[node.Name()] = node
	}

	var (
		index   = make(map[string]int, len(remaining))
		low     = make(map[string]int, len(remaining))
		onStack = make(map[string]bool, len(remaining))
		stack   []string
		comp    = make(map[string]int, len(remaining))
		next    int
		nextID  int
	)

	var visit func(name string)
	visit = func(name string) {
		index[name] = next
		low[name] = next
		next++
		stack = append(stack, name)
		onStack[name] = true

		for _, dep := range sortedDeps(byName[name]) {
			if _, pending := refCount[dep]; !pending {
				continue
			}
			if _, ok := byName[dep]; !ok {
				continue
			}
			if _, seen := index[dep]; !seen {
				visit(dep)
				low[name] = min(low[name], low[dep])
			} else if onStack[dep] {
				low[name] = min(low[name], index[dep])
			}
		}

		if low[name] == index[name] {
			for {
				top := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[top] = false
				comp[top] = nextID
				if top == name {
					break
				}
			}
			nextID++
		}
	}

	for _, node := range remaining {
		if _, seen := index[node.Name()]; !seen {
			visit(node.Name())
		}
	}
	return comp
}

func sortedDeps(node *graph.Node) []string {
	deps := make([]string, 0, len(node.LocalDependencies))
	for dep := range node.LocalDependencies {
		deps = append(deps, dep)
	}
	slices.Sort(deps)
	return deps
}

// findCycles returns the strongly connected components of more than one
// package among remaining, each ordered by input position.
func findCycles(remaining []*graph.Node, refCount map[string]int) [][]string {
	comp := components(remaining, refCount)
	groups := make(map[int][]string)
	var order []int
	for _, node := range remaining {
		id := comp[node.Name()]
		if _, ok := groups[id]; !ok {
			order = append(order, id)
		}
		groups[id] = append(groups[id], node.Name())
	}
	var cycles [][]string
	for _, id := range order {
		if len(groups[id]) > 1 {
			cycles = append(cycles, groups[id])
		}
	}
	return cycles
}
