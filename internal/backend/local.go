package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/valrun/internal/task"
)

// DefaultMaxProcesses bounds the local worker pool when nothing is configured.
const DefaultMaxProcesses = 10

type LocalConfig struct {
	MaxProcesses int
	ResultsDir   string
	Interpreters map[string][]string
}

type exitStatus struct {
	code int
	end  time.Time
}

type localJob struct {
	done   chan exitStatus
	result *exitStatus
}

// Local runs tasks as subprocesses, at most MaxProcesses at a time.
type Local struct {
	cfg      LocalConfig
	jobs     map[string]*localJob
	assigned int
}

func NewLocal(cfg LocalConfig) *Local {
	if cfg.MaxProcesses <= 0 {
		cfg.MaxProcesses = DefaultMaxProcesses
	}
	if cfg.ResultsDir == "" {
		cfg.ResultsDir = "results"
	}
	if cfg.Interpreters == nil {
		cfg.Interpreters = DefaultInterpreters()
	}
	return &Local{cfg: cfg, jobs: map[string]*localJob{}}
}

func (l *Local) Name() string { return LocalName }

// Available is true while fewer than MaxProcesses tasks are assigned.
func (l *Local) Available() bool { return l.assigned < l.cfg.MaxProcesses }

// Assigned is the number of tasks currently held by the pool.
func (l *Local) Assigned() int { return l.assigned }

func (l *Local) Execute(ctx context.Context, t *task.Task, opts ExecOptions) error {
	if opts.DryRun {
		done := make(chan exitStatus, 1)
		done <- exitStatus{code: 0, end: time.Now()}
		l.jobs[t.Name] = &localJob{done: done}
		l.assigned++
		t.JobID = "dry-run"
		log.Debug().Str("task", t.Name).Msg("dry run, not starting process")
		return nil
	}

	dir := WorkDir(l.cfg.ResultsDir, opts.Tag, t)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	script, err := filepath.Abs(t.Path)
	if err != nil {
		return fmt.Errorf("resolve script: %w", err)
	}
	logFile, err := os.Create(filepath.Join(dir, LogName(t)))
	if err != nil {
		return fmt.Errorf("create log: %w", err)
	}

	argv := BuildCommand(t, script, l.cfg.Interpreters, opts.Options)
	// Not bound to ctx: an interrupted run leaves its children alone.
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(), "VALIDATION_TAG="+opts.Tag)
	if err := cmd.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("start %s: %w", argv[0], err)
	}

	job := &localJob{done: make(chan exitStatus, 1)}
	go func() {
		err := cmd.Wait()
		end := time.Now()
		logFile.Close()
		job.done <- exitStatus{code: exitCode(err), end: end}
	}()
	l.jobs[t.Name] = job
	l.assigned++
	t.JobID = strconv.Itoa(cmd.Process.Pid)
	log.Debug().Str("task", t.Name).Strs("argv", argv).Str("dir", dir).Msg("started process")
	return nil
}

// IsJobFinished reports the exit status once the process has exited. The end
// time is stored on the task for runtime bookkeeping.
func (l *Local) IsJobFinished(t *task.Task) (bool, int) {
	job, ok := l.jobs[t.Name]
	if !ok {
		log.Error().Str("task", t.Name).Msg("poll for unknown local job")
		return true, -1
	}
	if job.result != nil {
		return true, job.result.code
	}
	select {
	case st := <-job.done:
		job.result = &st
		l.assigned--
		t.EndTime = st.end
		return true, st.code
	default:
		return false, 0
	}
}

// Close does not stop running processes.
func (l *Local) Close() error { return nil }

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exit *exec.ExitError
	if errors.As(err, &exit) {
		if code := exit.ExitCode(); code > 0 {
			return code
		}
	}
	return 1
}
