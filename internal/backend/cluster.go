package backend

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/valrun/internal/ssh"
	"github.com/3cpo-dev/valrun/internal/task"
)

// DefaultSubmitCommand submits a job script to the LSF long queue.
const DefaultSubmitCommand = "bsub -q l -o /dev/null -e /dev/null {script}"

// pollTimeout bounds a single done-file lookup.
const pollTimeout = 30 * time.Second

// DefaultMaxPollErrors is how many consecutive failed done-file lookups a job
// survives before it is reported as failed.
const DefaultMaxPollErrors = 60

type ClusterConfig struct {
	// SubmitCommand is run on the submission host. {script}, {name} and
	// {log} are replaced by the quoted job script path, task name and log path.
	SubmitCommand string `yaml:"submit_command"`
	// MaxJobs limits concurrently submitted jobs; zero means unlimited.
	MaxJobs int `yaml:"max_jobs"`
	// WorkDir is the results root as seen by the jobs.
	WorkDir      string              `yaml:"work_dir"`
	Interpreters map[string][]string `yaml:"interpreters"`
	// Setup lines are written at the top of every job script.
	Setup []string    `yaml:"setup"`
	Retry RetryConfig `yaml:"retry"`

	// MaxPollErrors bounds consecutive transport errors while polling a job.
	MaxPollErrors int `yaml:"max_poll_errors"`
}

type clusterJob struct {
	dir      string
	doneFile string
	dry      bool
	result   *int

	// pollErrors counts consecutive failed lookups of doneFile.
	pollErrors int
}

// Cluster submits each task as a batch job. A job signals completion by
// writing its return code into a done file, which IsJobFinished polls for.
type Cluster struct {
	cfg       ClusterConfig
	transport Transport
	jobs      map[string]*clusterJob
	assigned  int
}

func NewCluster(cfg ClusterConfig, tr Transport) *Cluster {
	if cfg.SubmitCommand == "" {
		cfg.SubmitCommand = DefaultSubmitCommand
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = "results"
	}
	if cfg.Interpreters == nil {
		cfg.Interpreters = DefaultInterpreters()
	}
	if cfg.MaxPollErrors <= 0 {
		cfg.MaxPollErrors = DefaultMaxPollErrors
	}
	return &Cluster{cfg: cfg, transport: tr, jobs: map[string]*clusterJob{}}
}

func (c *Cluster) Name() string { return ClusterName }

func (c *Cluster) Available() bool {
	return c.cfg.MaxJobs <= 0 || c.assigned < c.cfg.MaxJobs
}

// Assigned is the number of submitted jobs that have not reported back.
func (c *Cluster) Assigned() int { return c.assigned }

func (c *Cluster) Execute(ctx context.Context, t *task.Task, opts ExecOptions) error {
	dir := WorkDir(c.cfg.WorkDir, opts.Tag, t)
	job := &clusterJob{dir: dir, doneFile: path.Join(dir, t.Name+".done")}

	if opts.DryRun {
		job.dry = true
		c.jobs[t.Name] = job
		c.assigned++
		t.JobID = "dry-run"
		log.Debug().Str("task", t.Name).Msg("dry run, not submitting")
		return nil
	}

	if err := c.transport.MkdirAll(ctx, dir); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}
	// A stale done file from an earlier run would finish the job immediately.
	if err := c.transport.Remove(ctx, job.doneFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn().Err(err).Str("task", t.Name).Msg("could not remove stale done file")
	}

	var script string
	err := retry(ctx, c.cfg.Retry, "stage", func() error {
		var err error
		script, err = c.transport.Stage(ctx, t.Path, dir)
		return err
	})
	if err != nil {
		return fmt.Errorf("stage %s: %w", t.Path, err)
	}

	jobScript := path.Join(dir, t.Name+".sh")
	logPath := path.Join(dir, LogName(t))
	body := c.jobScript(t, script, logPath, job.doneFile, opts)
	if err := c.transport.WriteFile(ctx, jobScript, []byte(body), 0o755); err != nil {
		return fmt.Errorf("write job script: %w", err)
	}

	submit := expandSubmit(c.cfg.SubmitCommand, map[string]string{
		"{script}": ssh.Quote(jobScript),
		"{name}":   ssh.Quote(t.Name),
		"{log}":    ssh.Quote(logPath),
	})
	var out string
	err = retry(ctx, c.cfg.Retry, "submit", func() error {
		var err error
		out, err = c.transport.Run(ctx, submit)
		return err
	})
	if err != nil {
		return fmt.Errorf("submit %s: %w", t.Name, err)
	}

	c.jobs[t.Name] = job
	c.assigned++
	t.JobID = parseJobID(out)
	log.Debug().Str("task", t.Name).Str("job", t.JobID).Str("submit", submit).Msg("submitted job")
	return nil
}

func (c *Cluster) jobScript(t *task.Task, script, logPath, doneFile string, opts ExecOptions) string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	for _, line := range c.cfg.Setup {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "export VALIDATION_TAG=%s\n", ssh.Quote(opts.Tag))
	argv := BuildCommand(t, script, c.cfg.Interpreters, opts.Options)
	fmt.Fprintf(&b, "(cd %s && %s) > %s 2>&1\n", ssh.Quote(path.Dir(doneFile)), shellJoin(argv), ssh.Quote(logPath))
	tmp := doneFile + ".tmp"
	fmt.Fprintf(&b, "echo $? > %s && mv %s %s\n", ssh.Quote(tmp), ssh.Quote(tmp), ssh.Quote(doneFile))
	return b.String()
}

// IsJobFinished looks for the job's done file. Once found, the file is
// consumed and the return code is cached.
func (c *Cluster) IsJobFinished(t *task.Task) (bool, int) {
	job, ok := c.jobs[t.Name]
	if !ok {
		log.Error().Str("task", t.Name).Msg("poll for unknown cluster job")
		return true, -1
	}
	if job.result != nil {
		return true, *job.result
	}
	if job.dry {
		c.finish(t, job, 0)
		return true, 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), pollTimeout)
	defer cancel()
	data, err := c.transport.ReadFile(ctx, job.doneFile)
	if errors.Is(err, fs.ErrNotExist) {
		job.pollErrors = 0
		return false, 0
	}
	if err != nil {
		job.pollErrors++
		log.Warn().Err(err).Str("task", t.Name).Int("consecutive", job.pollErrors).Msg("could not read done file")
		if job.pollErrors >= c.cfg.MaxPollErrors {
			log.Error().Str("task", t.Name).Str("job", t.JobID).Msg("giving up on job, done file unreachable")
			c.finish(t, job, -1)
			return true, -1
		}
		return false, 0
	}
	job.pollErrors = 0
	code, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		log.Error().Err(err).Str("task", t.Name).Msg("malformed done file")
		code = -1
	}
	if err := c.transport.Remove(ctx, job.doneFile); err != nil {
		log.Warn().Err(err).Str("task", t.Name).Msg("could not remove done file")
	}
	c.finish(t, job, code)
	return true, code
}

func (c *Cluster) finish(t *task.Task, job *clusterJob, code int) {
	job.result = &code
	c.assigned--
	t.EndTime = time.Now()
}

// Close releases the transport. Submitted jobs keep running.
func (c *Cluster) Close() error { return c.transport.Close() }

func expandSubmit(tmpl string, vars map[string]string) string {
	out := tmpl
	for k, v := range vars {
		out = strings.ReplaceAll(out, k, v)
	}
	return out
}

var jobIDPattern = regexp.MustCompile(`(\d+)`)

// parseJobID takes the first number printed by the submit command, e.g.
// "Job <4711> is submitted to queue <l>." A generated id stands in when the
// scheduler prints none.
func parseJobID(out string) string {
	if m := jobIDPattern.FindStringSubmatch(out); m != nil {
		return m[1]
	}
	return uuid.NewString()[:8]
}
