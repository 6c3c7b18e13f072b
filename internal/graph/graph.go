// Package graph orders services so that every service follows its
// dependencies.
package graph

import (
	"fmt"
	"sort"
	"strings"

	pkerrors "github.com/loykin/portkill/internal/errors"
)

// Graph maps each service name to the names it depends on, in declaration order.
type Graph map[string][]string

// CycleError reports a dependency cycle. Path runs from Service back to itself.
type CycleError struct {
	Service string
	Path    []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle at service %q: %s", e.Service, strings.Join(e.Path, " -> "))
}

// Unwrap lets callers treat a cycle as a configuration error.
func (e *CycleError) Unwrap() error {
	return pkerrors.NewConfigurationError("cyclic dependency", nil).
		WithContext("service", e.Service)
}

type mark uint8

const (
	unvisited mark = iota
	inProgress
	completed
)

type frame struct {
	name string
	next int
}

// walker keeps the markers across roots so completed nodes are visited once.
type walker struct {
	g     Graph
	marks map[string]mark
	order []string
}

func newWalker(g Graph) *walker {
	return &walker{g: g, marks: make(map[string]mark, len(g))}
}

// visit runs depth-first from root on an explicit stack.
func (w *walker) visit(root string) error {
	if w.marks[root] == completed {
		return nil
	}
	if _, ok := w.g[root]; !ok {
		return unknown(root, "")
	}
	stack := []frame{{name: root}}
	w.marks[root] = inProgress
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		deps := w.g[top.name]
		if top.next == len(deps) {
			w.marks[top.name] = completed
			w.order = append(w.order, top.name)
			stack = stack[:len(stack)-1]
			continue
		}
		dep := deps[top.next]
		top.next++
		if _, ok := w.g[dep]; !ok {
			return unknown(dep, top.name)
		}
		switch w.marks[dep] {
		case completed:
			continue
		case inProgress:
			return cycle(stack, dep)
		}
		w.marks[dep] = inProgress
		stack = append(stack, frame{name: dep})
	}
	return nil
}

// Resolve returns every service of g in start order. Roots are taken in
// sorted name order so the result is deterministic.
func Resolve(g Graph) ([]string, error) {
	names := make([]string, 0, len(g))
	for n := range g {
		names = append(names, n)
	}
	sort.Strings(names)
	w := newWalker(g)
	for _, n := range names {
		if err := w.visit(n); err != nil {
			return nil, err
		}
	}
	return w.order, nil
}

// Plan returns the dependency closure of name in start order, ending with name.
func Plan(g Graph, name string) ([]string, error) {
	if _, ok := g[name]; !ok {
		return nil, pkerrors.NewNotFoundError(fmt.Sprintf("service %q not found", name), nil)
	}
	w := newWalker(g)
	if err := w.visit(name); err != nil {
		return nil, err
	}
	return w.order, nil
}

// Reverse returns a reversed copy of order.
func Reverse(order []string) []string {
	out := make([]string, len(order))
	for i, n := range order {
		out[len(order)-1-i] = n
	}
	return out
}

func cycle(stack []frame, dep string) error {
	start := 0
	for i, f := range stack {
		if f.name == dep {
			start = i
			break
		}
	}
	path := make([]string, 0, len(stack)-start+1)
	for _, f := range stack[start:] {
		path = append(path, f.name)
	}
	path = append(path, dep)
	return &CycleError{Service: dep, Path: path}
}

func unknown(dep, from string) error {
	msg := fmt.Sprintf("unknown service %q", dep)
	if from != "" {
		msg = fmt.Sprintf("service %q depends on unknown service %q", from, dep)
	}
	return pkerrors.NewConfigurationError(msg, nil)
}
