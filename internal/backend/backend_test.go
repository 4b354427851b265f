package backend

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/3cpo-dev/valrun/internal/task"
)

func shellTask(t *testing.T, dir, name, body string) *task.Task {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}
	tk := task.New(0, p, "pkg")
	tk.StartTime = time.Now()
	return tk
}

func waitFinished(t *testing.T, b Backend, tk *task.Task) int {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if done, code := b.IsJobFinished(tk); done {
			return code
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%s did not finish", tk.Name)
	return 0
}

var shInterpreters = map[string][]string{"sh": {"sh"}}

func TestLocalRunsScriptAndReportsExitCode(t *testing.T) {
	dir := t.TempDir()
	results := filepath.Join(dir, "results")
	l := NewLocal(LocalConfig{MaxProcesses: 1, ResultsDir: results, Interpreters: shInterpreters})
	tk := shellTask(t, dir, "fail.sh", "echo tag=$VALIDATION_TAG arg=$1\nexit 3\n")

	if err := l.Execute(context.Background(), tk, ExecOptions{Tag: "nightly", Options: "-x"}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if l.Available() {
		t.Fatalf("pool of one should be full")
	}
	if code := waitFinished(t, l, tk); code != 3 {
		t.Fatalf("expected exit code 3, got %d", code)
	}
	if !l.Available() || l.Assigned() != 0 {
		t.Fatalf("slot not released: assigned=%d", l.Assigned())
	}
	if tk.EndTime.IsZero() {
		t.Fatalf("end time not recorded")
	}
	// cached result
	if done, code := l.IsJobFinished(tk); !done || code != 3 {
		t.Fatalf("second poll = %v %d", done, code)
	}
	out, err := os.ReadFile(filepath.Join(results, "nightly", "pkg", "fail_sh.log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if strings.TrimSpace(string(out)) != "tag=nightly arg=-x" {
		t.Fatalf("unexpected log %q", out)
	}
}

func TestLocalDryRun(t *testing.T) {
	dir := t.TempDir()
	l := NewLocal(LocalConfig{ResultsDir: filepath.Join(dir, "results")})
	tk := task.New(0, filepath.Join(dir, "missing.py"), "pkg")
	if err := l.Execute(context.Background(), tk, ExecOptions{DryRun: true}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if done, code := l.IsJobFinished(tk); !done || code != 0 {
		t.Fatalf("dry run poll = %v %d", done, code)
	}
	if _, err := os.Stat(filepath.Join(dir, "results")); !os.IsNotExist(err) {
		t.Fatalf("dry run created results dir")
	}
}

func TestLocalUnknownJob(t *testing.T) {
	l := NewLocal(LocalConfig{})
	if done, code := l.IsJobFinished(task.New(0, "x.py", "pkg")); !done || code != -1 {
		t.Fatalf("unknown job poll = %v %d", done, code)
	}
}

func TestClusterSharedFS(t *testing.T) {
	dir := t.TempDir()
	work := filepath.Join(dir, "work")
	c := NewCluster(ClusterConfig{
		SubmitCommand: "sh {script} && echo 'Job <4711> is submitted to queue <l>.'",
		WorkDir:       work,
		Interpreters:  shInterpreters,
		Setup:         []string{"FOO=bar"},
		Retry:         RetryConfig{InitialDelay: time.Millisecond},
	}, NewSharedFS())
	tk := shellTask(t, dir, "job.sh", "echo $VALIDATION_TAG > out.txt\nexit 2\n")

	if err := c.Execute(context.Background(), tk, ExecOptions{Tag: "t1"}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if tk.JobID != "4711" {
		t.Fatalf("job id = %q", tk.JobID)
	}
	if code := waitFinished(t, c, tk); code != 2 {
		t.Fatalf("expected 2, got %d", code)
	}
	if c.Assigned() != 0 {
		t.Fatalf("assigned = %d", c.Assigned())
	}
	jobDir := filepath.Join(work, "t1", "pkg")
	if _, err := os.Stat(filepath.Join(jobDir, "job_sh.done")); !os.IsNotExist(err) {
		t.Fatalf("done file not consumed")
	}
	out, err := os.ReadFile(filepath.Join(jobDir, "out.txt"))
	if err != nil || strings.TrimSpace(string(out)) != "t1" {
		t.Fatalf("job did not run in its dir: %q %v", out, err)
	}
}

func TestClusterCapacity(t *testing.T) {
	c := NewCluster(ClusterConfig{MaxJobs: 1}, NewSharedFS())
	tk := task.New(0, "a.py", "pkg")
	if !c.Available() {
		t.Fatalf("empty cluster should be available")
	}
	if err := c.Execute(context.Background(), tk, ExecOptions{DryRun: true}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if c.Available() {
		t.Fatalf("cluster with one job should be full")
	}
	if done, code := c.IsJobFinished(tk); !done || code != 0 {
		t.Fatalf("dry poll = %v %d", done, code)
	}
	if !c.Available() {
		t.Fatalf("slot not released")
	}
}

type flakyTransport struct {
	SharedFS
	failures int
	submits  int
}

func (f *flakyTransport) Run(ctx context.Context, command string) (string, error) {
	f.submits++
	if f.submits <= f.failures {
		return "", errors.New("bsub: batch system daemon not responding")
	}
	return "Job <7> is submitted", nil
}

func TestClusterRetriesSubmit(t *testing.T) {
	dir := t.TempDir()
	tr := &flakyTransport{SharedFS: SharedFS{Shell: "sh"}, failures: 2}
	c := NewCluster(ClusterConfig{
		WorkDir: filepath.Join(dir, "work"),
		Retry:   RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, BackoffFactor: 1},
	}, tr)
	tk := shellTask(t, dir, "a.py", "")
	if err := c.Execute(context.Background(), tk, ExecOptions{}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if tr.submits != 3 || tk.JobID != "7" {
		t.Fatalf("submits=%d job=%q", tr.submits, tk.JobID)
	}

	tr2 := &flakyTransport{SharedFS: SharedFS{Shell: "sh"}, failures: 5}
	c2 := NewCluster(ClusterConfig{
		WorkDir: filepath.Join(dir, "work2"),
		Retry:   RetryConfig{MaxRetries: 1, InitialDelay: time.Millisecond},
	}, tr2)
	if err := c2.Execute(context.Background(), tk, ExecOptions{}); err == nil {
		t.Fatalf("expected submit error")
	}
	if c2.Assigned() != 0 {
		t.Fatalf("failed submit must not hold a slot")
	}
}

// brokenReads fails every done-file lookup as a dead connection would.
type brokenReads struct {
	SharedFS
	reads int
}

func (b *brokenReads) ReadFile(ctx context.Context, p string) ([]byte, error) {
	b.reads++
	return nil, errors.New("sftp: connection lost")
}

func TestClusterGivesUpOnUnreachableDoneFile(t *testing.T) {
	dir := t.TempDir()
	tr := &brokenReads{SharedFS: SharedFS{Shell: "sh"}}
	c := NewCluster(ClusterConfig{
		SubmitCommand: "echo Job 9",
		WorkDir:       filepath.Join(dir, "work"),
		MaxPollErrors: 3,
	}, tr)
	tk := shellTask(t, dir, "a.py", "")
	if err := c.Execute(context.Background(), tk, ExecOptions{}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	for i := 0; i < 2; i++ {
		if done, _ := c.IsJobFinished(tk); done {
			t.Fatalf("finished after %d errors", i+1)
		}
	}
	done, code := c.IsJobFinished(tk)
	if !done || code != -1 {
		t.Fatalf("done=%v code=%d", done, code)
	}
	if c.Assigned() != 0 || tr.reads != 3 {
		t.Fatalf("assigned=%d reads=%d", c.Assigned(), tr.reads)
	}
	if done, code := c.IsJobFinished(tk); !done || code != -1 {
		t.Fatalf("result not cached: %v %d", done, code)
	}
}

func TestClusterMissingDoneFileIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	c := NewCluster(ClusterConfig{
		SubmitCommand: "echo Job 9",
		WorkDir:       filepath.Join(dir, "work"),
		MaxPollErrors: 1,
	}, NewSharedFS())
	tk := shellTask(t, dir, "a.py", "")
	if err := c.Execute(context.Background(), tk, ExecOptions{}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	for i := 0; i < 5; i++ {
		if done, _ := c.IsJobFinished(tk); done {
			t.Fatalf("queued job reported finished")
		}
	}
}

func TestJobScript(t *testing.T) {
	c := NewCluster(ClusterConfig{Setup: []string{"source /cvmfs/setup.sh"}}, NewSharedFS())
	tk := task.New(0, "/val/test it.py", "ecl")
	body := c.jobScript(tk, "/val/test it.py", "/w/test_it_py.log", "/w/test_it_py.done", ExecOptions{Tag: "x", Options: "-n 10"})
	for _, want := range []string{
		"source /cvmfs/setup.sh\n",
		"export VALIDATION_TAG=x\n",
		"(cd /w && basf2 '/val/test it.py' -n 10) > /w/test_it_py.log 2>&1\n",
		"echo $? > /w/test_it_py.done.tmp && mv /w/test_it_py.done.tmp /w/test_it_py.done\n",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("job script missing %q:\n%s", want, body)
		}
	}
}

func TestParseJobID(t *testing.T) {
	if id := parseJobID("Job <123> is submitted to queue <l>."); id != "123" {
		t.Fatalf("got %q", id)
	}
	if id := parseJobID("submitted"); len(id) != 8 {
		t.Fatalf("fallback id %q", id)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(NewLocal(LocalConfig{}))
	r.Register(NewCluster(ClusterConfig{}, NewSharedFS()))
	if got := strings.Join(r.Names(), ","); got != "cluster,local" {
		t.Fatalf("names = %s", got)
	}
	if _, err := r.Get("grid"); !errors.Is(err, ErrUnknownBackend) {
		t.Fatalf("expected ErrUnknownBackend, got %v", err)
	}
	if b, err := r.Get(LocalName); err != nil || b.Name() != LocalName {
		t.Fatalf("get local: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
