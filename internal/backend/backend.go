// Package backend runs tasks either as local subprocesses or as jobs on a
// batch cluster. Both implementations share one polling contract so the
// scheduler never needs to know which one it talks to.
package backend

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/3cpo-dev/valrun/internal/task"
)

const (
	LocalName   = "local"
	ClusterName = "cluster"
)

var ErrUnknownBackend = errors.New("backend not registered")

// ExecOptions are passed unchanged to every task of a run.
type ExecOptions struct {
	// Options is an argument string appended to every script invocation.
	Options string
	DryRun  bool
	// Tag namespaces the artifacts of this run.
	Tag string
}

// Backend accepts tasks and reports when they are done. Available and
// IsJobFinished never block.
type Backend interface {
	Name() string
	Available() bool
	Execute(ctx context.Context, t *task.Task, opts ExecOptions) error
	IsJobFinished(t *task.Task) (done bool, returnCode int)
	Close() error
}

type Registry struct {
	backends map[string]Backend
}

func NewRegistry() *Registry {
	return &Registry{backends: map[string]Backend{}}
}

func (r *Registry) Register(b Backend) {
	r.backends[b.Name()] = b
}

func (r *Registry) Get(name string) (Backend, error) {
	b, ok := r.backends[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, name)
	}
	return b, nil
}

// Names lists registered backends, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.backends))
	for n := range r.backends {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Close closes every registered backend and returns the first error.
func (r *Registry) Close() error {
	var first error
	for _, n := range r.Names() {
		if err := r.backends[n].Close(); err != nil && first == nil {
			first = fmt.Errorf("close %s: %w", n, err)
		}
	}
	return first
}
