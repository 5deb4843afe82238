// Package resolver computes the install order for a package's dependency
// closure. Resolution walks the depends lists depth-first and emits each
// dependency after its own dependencies (post-order), so the result is a
// valid install order. Every node carries an explicit state; reaching a node
// that is still in progress is a cycle and is reported as a CycleError.
package resolver

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/scarab-os/scarab/pkg/storage"
)

// ErrCycle is matched by every *CycleError.
var ErrCycle = errors.New("dependency cycle detected")

// ErrUnresolved is matched by every *UnresolvedError.
var ErrUnresolved = errors.New("unresolved dependency")

// CycleError names the packages forming a dependency cycle. The first and
// last elements are the same package.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%s: %s", ErrCycle, strings.Join(e.Cycle, " -> "))
}

func (e *CycleError) Is(target error) bool {
	return target == ErrCycle
}

// UnresolvedError reports a dependency name missing from the repository.
type UnresolvedError struct {
	Name       string
	RequiredBy string
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("%s: %s (required by %s)", ErrUnresolved, e.Name, e.RequiredBy)
}

func (e *UnresolvedError) Is(target error) bool {
	return target == ErrUnresolved
}

// Catalog is the view of the package database the resolver needs.
type Catalog interface {
	Lookup(name string) (storage.PackageInfo, bool)
	IsInstalled(name string) bool
}

// Options controls resolution policy.
type Options struct {
	// Strict fails on dependency names the repository does not know.
	// When false they are assumed satisfied and skipped with a warning.
	Strict bool
	Logger zerolog.Logger
}

type nodeState int

const (
	unvisited nodeState = iota
	inProgress
	done
)

// Resolver expands a package into the ordered list of dependencies that
// still need installing.
type Resolver struct {
	catalog Catalog
	strict  bool
	logger  zerolog.Logger
}

// New creates a Resolver over catalog.
func New(catalog Catalog, opts Options) *Resolver {
	return &Resolver{
		catalog: catalog,
		strict:  opts.Strict,
		logger:  opts.Logger,
	}
}

type walk struct {
	state map[string]nodeState
	stack []string
	deps  []string
	added map[string]bool
}

// Resolve returns the not-yet-installed dependencies of target in install
// order. The target itself is never part of the result, and every name
// appears at most once.
func (r *Resolver) Resolve(target storage.PackageInfo) ([]string, error) {
	w := &walk{
		state: map[string]nodeState{target.Name: inProgress},
		stack: []string{target.Name},
		added: map[string]bool{},
	}
	if err := r.visit(w, target); err != nil {
		return nil, err
	}
	r.logger.Debug().
		Str("package", target.Name).
		Strs("deps", w.deps).
		Msg("Resolved dependencies")
	return w.deps, nil
}

func (r *Resolver) visit(w *walk, pkg storage.PackageInfo) error {
	for _, name := range pkg.Depends {
		switch w.state[name] {
		case done:
			continue
		case inProgress:
			return &CycleError{Cycle: cyclePath(w.stack, name)}
		}

		dep, ok := r.catalog.Lookup(name)
		if !ok {
			if r.strict {
				return &UnresolvedError{Name: name, RequiredBy: pkg.Name}
			}
			r.logger.Warn().
				Str("dependency", name).
				Str("required_by", pkg.Name).
				Msg("Dependency not in repository, assuming satisfied")
			w.state[name] = done
			continue
		}

		w.state[name] = inProgress
		w.stack = append(w.stack, name)
		if err := r.visit(w, dep); err != nil {
			return err
		}
		w.stack = w.stack[:len(w.stack)-1]
		w.state[name] = done

		if !r.catalog.IsInstalled(name) && !w.added[name] {
			w.added[name] = true
			w.deps = append(w.deps, name)
		}
	}
	return nil
}

// cyclePath returns the stack suffix starting at name, closed with name.
func cyclePath(stack []string, name string) []string {
	for i, n := range stack {
		if n == name {
			cycle := make([]string, 0, len(stack)-i+1)
			cycle = append(cycle, stack[i:]...)
			return append(cycle, name)
		}
	}
	return []string{name, name}
}
