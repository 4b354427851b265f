package task

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"time"
)

// Status is the lifecycle state of a task within one run.
type Status string

const (
	Waiting  Status = "waiting"
	Running  Status = "running"
	Finished Status = "finished"
	Failed   Status = "failed"
	Skipped  Status = "skipped"
)

// Terminal reports whether no further transitions can happen from s.
func (s Status) Terminal() bool {
	switch s {
	case Finished, Failed, Skipped:
		return true
	default:
		return false
	}
}

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrUnresolvedDeps    = errors.New("task has unresolved dependencies")
)

// Task is one steering script and its execution status.
type Task struct {
	Index   int
	Name    string
	Package string
	Path    string

	Header           Header
	HeaderIncomplete bool

	Status Status
	// Deps holds the indices of tasks that must finish before this one may run.
	Deps map[int]struct{}

	Runtime    float64
	StartTime  time.Time
	EndTime    time.Time
	ReturnCode int
	Backend    string
	JobID      string
}

var nonWord = regexp.MustCompile(`[\W_]+`)

// NameFromPath derives a task name from a script path: test-a.py -> test_a_py.
func NameFromPath(path string) string {
	return nonWord.ReplaceAllString(filepath.Base(path), "_")
}

// New creates a waiting task for the script at path.
func New(index int, path, pkg string) *Task {
	return &Task{
		Index:   index,
		Name:    NameFromPath(path),
		Package: pkg,
		Path:    path,
		Status:  Waiting,
		Deps:    map[int]struct{}{},
	}
}

// Inputs are the artifact names this task consumes.
func (t *Task) Inputs() []string { return t.Header.Input }

// Outputs are the artifact names this task produces.
func (t *Task) Outputs() []string { return t.Header.Output }

// Ready reports whether the task is waiting with no unresolved dependency.
func (t *Task) Ready() bool {
	return t.Status == Waiting && len(t.Deps) == 0
}

// DependsOn reports whether idx is still an unresolved dependency.
func (t *Task) DependsOn(idx int) bool {
	_, ok := t.Deps[idx]
	return ok
}

// DepIndices returns the unresolved dependencies in ascending order.
func (t *Task) DepIndices() []int {
	out := make([]int, 0, len(t.Deps))
	for i := range t.Deps {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// WallTime is the observed runtime, zero if the task was never timed.
func (t *Task) WallTime() time.Duration {
	if t.StartTime.IsZero() || t.EndTime.IsZero() {
		return 0
	}
	return t.EndTime.Sub(t.StartTime)
}

// Transition moves the task to the given status if the state machine allows it.
func (t *Task) Transition(to Status) error {
	from := t.Status
	switch {
	case from == Waiting && to == Running:
		if len(t.Deps) > 0 {
			return fmt.Errorf("%s: %w (%d left)", t.Name, ErrUnresolvedDeps, len(t.Deps))
		}
	case from == Waiting && to == Skipped:
	case from == Running && (to == Finished || to == Failed):
	default:
		return fmt.Errorf("%s: %w: %s -> %s", t.Name, ErrInvalidTransition, from, to)
	}
	t.Status = to
	return nil
}
