// Package core drives a validation run: it dispatches ready tasks to their
// backend, polls them until they finish and cascades failures.
package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/valrun/internal/backend"
	"github.com/3cpo-dev/valrun/internal/runtimes"
	"github.com/3cpo-dev/valrun/internal/task"
	"github.com/3cpo-dev/valrun/internal/telemetry"
	"github.com/3cpo-dev/valrun/pkg/api"
)

type Options struct {
	Mode         string
	Exec         backend.ExecOptions
	PollInterval time.Duration
	// RuntimesFile is read before the run for priorities and rewritten after
	// a local run. Empty disables both.
	RuntimesFile string
	History      *Store
	Collector    *telemetry.Collector
}

// Validation is one run over a resolved task graph.
type Validation struct {
	graph    *task.Graph
	backends *backend.Registry
	opts     Options
	runtimes *runtimes.Store

	runID     string
	remaining []*task.Task
	started   time.Time
	ended     time.Time
	status    api.RunStatus

	mu       sync.RWMutex
	snapshot api.RunSummary
}

// New prepares a run. The local backend must be registered; cluster mode
// also needs the cluster backend. Runtime estimates are loaded here.
func New(g *task.Graph, backends *backend.Registry, opts Options) (*Validation, error) {
	if opts.Mode == "" {
		opts.Mode = ModeLocal
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if _, err := backends.Get(backend.LocalName); err != nil {
		return nil, err
	}
	switch opts.Mode {
	case ModeLocal:
	case ModeCluster:
		if _, err := backends.Get(backend.ClusterName); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown mode %q", opts.Mode)
	}

	store := runtimes.New()
	if opts.RuntimesFile != "" {
		var err error
		if store, err = runtimes.Load(opts.RuntimesFile); err != nil {
			return nil, err
		}
	}
	store.Estimate(g.Tasks())

	v := &Validation{
		graph:    g,
		backends: backends,
		opts:     opts,
		runtimes: store,
		runID:    uuid.NewString(),
		status:   api.RunRunning,
	}
	v.remaining = v.pending()
	v.publish()
	return v, nil
}

// RunID identifies this run in the history store.
func (v *Validation) RunID() string { return v.runID }

// backendFor routes a task. Scripts without declared outputs are cheap
// bookkeeping and always run locally.
func (v *Validation) backendFor(t *task.Task) (backend.Backend, error) {
	if v.opts.Mode == ModeCluster && len(t.Outputs()) > 0 {
		return v.backends.Get(backend.ClusterName)
	}
	return v.backends.Get(backend.LocalName)
}

// Run drives every task to a terminal status. On cancellation it returns
// ctx.Err() and leaves dispatched jobs running.
func (v *Validation) Run(ctx context.Context) error {
	v.started = time.Now()
	log.Info().
		Str("run", v.runID).
		Str("mode", v.opts.Mode).
		Int("tasks", v.graph.Len()).
		Bool("dry_run", v.opts.Exec.DryRun).
		Msg("starting validation")

	for len(v.remaining) > 0 {
		changed := v.poll()
		if v.dispatch(ctx) {
			changed = true
		}
		v.remaining = v.pending()
		v.publish()
		if changed {
			v.logProgress()
		}
		if len(v.remaining) == 0 {
			break
		}
		select {
		case <-ctx.Done():
			v.status = api.RunInterrupted
			v.publish()
			return ctx.Err()
		case <-time.After(v.opts.PollInterval):
		}
	}

	v.ended = time.Now()
	v.status = api.RunSucceeded
	// Skips either follow a failure or were requested by exclusion.
	if len(v.Failed()) > 0 {
		v.status = api.RunFailed
	}
	v.publish()
	v.persist(ctx)
	v.logSummary()
	return nil
}

// poll checks every running task and applies completions. It reports
// whether anything finished.
func (v *Validation) poll() bool {
	changed := false
	for _, t := range v.graph.Tasks() {
		if t.Status != task.Running {
			continue
		}
		b, err := v.backends.Get(t.Backend)
		if err != nil {
			log.Error().Err(err).Str("task", t.Name).Msg("running task has no backend")
			v.fail(t, -1)
			changed = true
			continue
		}
		done, code := b.IsJobFinished(t)
		if !done {
			continue
		}
		changed = true
		if code == 0 {
			v.finish(t)
		} else {
			v.fail(t, code)
		}
	}
	return changed
}

func (v *Validation) finish(t *task.Task) {
	if t.EndTime.IsZero() {
		t.EndTime = time.Now()
	}
	t.ReturnCode = 0
	if err := t.Transition(task.Finished); err != nil {
		log.Error().Err(err).Msg("finish")
		return
	}
	released := v.graph.Complete(t.Index)
	log.Info().Str("task", t.Name).Dur("took", t.WallTime()).Msg("finished")
	for _, idx := range released {
		log.Debug().Str("task", v.graph.Task(idx).Name).Str("after", t.Name).Msg("ready")
	}
	v.opts.Collector.Counter("tasks_completed_total", 1, map[string]string{"status": string(task.Finished)})
	v.opts.Collector.Timer("task_wall_time_seconds", t.WallTime(), map[string]string{"task": t.Name})
}

// fail marks t Failed and skips everything that still waits on it.
func (v *Validation) fail(t *task.Task, code int) {
	if t.EndTime.IsZero() {
		t.EndTime = time.Now()
	}
	t.ReturnCode = code
	if err := t.Transition(task.Failed); err != nil {
		log.Error().Err(err).Msg("fail")
		return
	}
	log.Error().Str("task", t.Name).Int("code", code).Msg("failed")
	v.opts.Collector.Counter("tasks_completed_total", 1, map[string]string{"status": string(task.Failed)})
	for _, idx := range v.graph.SkipDependents(t.Index) {
		log.Warn().Str("task", v.graph.Task(idx).Name).Str("because", t.Name).Msg("skipped")
		v.opts.Collector.Counter("tasks_completed_total", 1, map[string]string{"status": string(task.Skipped)})
	}
}

// dispatch hands ready tasks to their backend in priority order. A task
// whose backend is full stays Waiting until a later iteration.
func (v *Validation) dispatch(ctx context.Context) bool {
	changed := false
	for _, t := range v.remaining {
		if !t.Ready() {
			continue
		}
		b, err := v.backendFor(t)
		if err != nil {
			log.Error().Err(err).Str("task", t.Name).Msg("no backend")
			continue
		}
		if !b.Available() {
			continue
		}
		if err := t.Transition(task.Running); err != nil {
			log.Error().Err(err).Msg("dispatch")
			continue
		}
		changed = true
		t.Backend = b.Name()
		t.StartTime = time.Now()
		if err := b.Execute(ctx, t, v.opts.Exec); err != nil {
			log.Error().Err(err).Str("task", t.Name).Str("backend", b.Name()).Msg("could not start")
			// Never ran, so it has no wall time to record.
			t.StartTime = time.Time{}
			v.fail(t, -1)
			continue
		}
		log.Info().Str("task", t.Name).Str("backend", b.Name()).Str("job", t.JobID).Msg("started")
		v.opts.Collector.Counter("tasks_dispatched_total", 1, map[string]string{"backend": b.Name()})
	}
	return changed
}

// pending returns the non-terminal tasks, longest expected runtime first and
// discovery order among equals.
func (v *Validation) pending() []*task.Task {
	var out []*task.Task
	for _, t := range v.graph.Tasks() {
		if !t.Status.Terminal() {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Runtime != out[j].Runtime {
			return out[i].Runtime > out[j].Runtime
		}
		return out[i].Index < out[j].Index
	})
	return out
}

// persist writes runtimes after a real local run and records the history.
func (v *Validation) persist(ctx context.Context) {
	if v.opts.RuntimesFile != "" && v.opts.Mode == ModeLocal && !v.opts.Exec.DryRun {
		n := v.runtimes.Update(v.graph.Tasks())
		if err := v.runtimes.Save(v.opts.RuntimesFile); err != nil {
			log.Error().Err(err).Str("file", v.opts.RuntimesFile).Msg("could not save runtimes")
		} else {
			log.Debug().Int("updated", n).Str("file", v.opts.RuntimesFile).Msg("saved runtimes")
		}
	}
	if v.opts.History != nil {
		if err := v.opts.History.RecordRun(ctx, v.Report()); err != nil {
			log.Error().Err(err).Msg("could not record run history")
		}
	}
}

func (v *Validation) logProgress() {
	s := v.Report()
	var running []string
	for _, t := range s.Tasks {
		if t.Status == string(task.Running) {
			running = append(running, t.Name)
		}
	}
	log.Info().
		Int("done", s.Done()).
		Int("total", s.Total).
		Str("percent", fmt.Sprintf("%.1f%%", s.Percent())).
		Dur("elapsed", time.Since(v.started).Round(time.Second)).
		Str("running", strings.Join(running, ", ")).
		Msg("progress")
}

func (v *Validation) logSummary() {
	s := v.Report()
	ev := log.Info()
	if s.Failed > 0 {
		ev = log.Warn()
	}
	ev.Int("finished", s.Finished).
		Int("failed", s.Failed).
		Int("skipped", s.Skipped).
		Dur("elapsed", v.ended.Sub(v.started).Round(time.Millisecond)).
		Msg("validation finished")
	for _, t := range v.Failed() {
		log.Warn().Str("task", t.Name).Int("code", t.ReturnCode).Msg("failed script")
	}
	for _, t := range v.Skipped() {
		log.Info().Str("task", t.Name).Msg("skipped script")
	}
}

// Tasks returns all tasks in discovery order.
func (v *Validation) Tasks() []*task.Task { return v.graph.Tasks() }

// Status returns the status of the named task.
func (v *Validation) Status(name string) (task.Status, bool) {
	t, ok := v.graph.Lookup(name)
	if !ok {
		return "", false
	}
	return t.Status, true
}

func (v *Validation) Failed() []*task.Task { return v.withStatus(task.Failed) }

func (v *Validation) Skipped() []*task.Task { return v.withStatus(task.Skipped) }

func (v *Validation) withStatus(s task.Status) []*task.Task {
	var out []*task.Task
	for _, t := range v.graph.Tasks() {
		if t.Status == s {
			out = append(out, t)
		}
	}
	return out
}

// Report returns the snapshot published after the last loop iteration. It
// is safe to call from other goroutines.
func (v *Validation) Report() api.RunSummary {
	v.mu.RLock()
	defer v.mu.RUnlock()
	s := v.snapshot
	s.Tasks = append([]api.TaskReport(nil), v.snapshot.Tasks...)
	return s
}

func (v *Validation) publish() {
	s := api.RunSummary{
		RunID:   v.runID,
		Mode:    v.opts.Mode,
		Tag:     v.opts.Exec.Tag,
		DryRun:  v.opts.Exec.DryRun,
		Status:  v.status,
		Started: v.started,
		Ended:   v.ended,
		Total:   v.graph.Len(),
	}
	running := 0
	for _, t := range v.graph.Tasks() {
		switch t.Status {
		case task.Waiting:
			s.Waiting++
		case task.Running:
			s.Running++
			running++
		case task.Finished:
			s.Finished++
		case task.Failed:
			s.Failed++
		case task.Skipped:
			s.Skipped++
		}
		s.Tasks = append(s.Tasks, v.taskReport(t))
	}
	v.opts.Collector.Gauge("tasks_running", float64(running), nil)

	v.mu.Lock()
	v.snapshot = s
	v.mu.Unlock()
}

func (v *Validation) taskReport(t *task.Task) api.TaskReport {
	r := api.TaskReport{
		Name:        t.Name,
		Package:     t.Package,
		Status:      string(t.Status),
		Backend:     t.Backend,
		JobID:       t.JobID,
		ReturnCode:  t.ReturnCode,
		Runtime:     t.Runtime,
		WallSeconds: t.WallTime().Seconds(),
		StartTime:   t.StartTime,
		EndTime:     t.EndTime,
	}
	for _, idx := range t.DepIndices() {
		r.WaitingFor = append(r.WaitingFor, v.graph.Task(idx).Name)
	}
	return r
}
