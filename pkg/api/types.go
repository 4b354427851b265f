// Package api holds the report types shared by the status server, the run
// history and the CLI.
package api

import "time"

type RunStatus string

const (
	RunRunning     RunStatus = "running"
	RunSucceeded   RunStatus = "succeeded"
	RunFailed      RunStatus = "failed"
	RunInterrupted RunStatus = "interrupted"
)

// TaskReport is the externally visible state of one script.
type TaskReport struct {
	Name       string `json:"name" yaml:"name"`
	Package    string `json:"package" yaml:"package"`
	Status     string `json:"status" yaml:"status"`
	Backend    string `json:"backend,omitempty" yaml:"backend,omitempty"`
	JobID      string `json:"job_id,omitempty" yaml:"job_id,omitempty"`
	ReturnCode int    `json:"return_code" yaml:"return_code"`
	// Runtime is the estimate used for scheduling, in seconds.
	Runtime     float64   `json:"runtime" yaml:"runtime"`
	WallSeconds float64   `json:"wall_seconds,omitempty" yaml:"wall_seconds,omitempty"`
	WaitingFor  []string  `json:"waiting_for,omitempty" yaml:"waiting_for,omitempty"`
	StartTime   time.Time `json:"start_time,omitempty" yaml:"start_time,omitempty"`
	EndTime     time.Time `json:"end_time,omitempty" yaml:"end_time,omitempty"`
}

// RunSummary aggregates one validation run.
type RunSummary struct {
	RunID    string    `json:"run_id" yaml:"run_id"`
	Mode     string    `json:"mode" yaml:"mode"`
	Tag      string    `json:"tag" yaml:"tag"`
	DryRun   bool      `json:"dry_run" yaml:"dry_run"`
	Status   RunStatus `json:"status" yaml:"status"`
	Started  time.Time `json:"started" yaml:"started"`
	Ended    time.Time `json:"ended,omitempty" yaml:"ended,omitempty"`
	Total    int       `json:"total" yaml:"total"`
	Waiting  int       `json:"waiting" yaml:"waiting"`
	Running  int       `json:"running" yaml:"running"`
	Finished int       `json:"finished" yaml:"finished"`
	Failed   int       `json:"failed" yaml:"failed"`
	Skipped  int       `json:"skipped" yaml:"skipped"`

	Tasks []TaskReport `json:"tasks,omitempty" yaml:"tasks,omitempty"`
}

// Done is the number of tasks that reached a terminal status.
func (s RunSummary) Done() int { return s.Finished + s.Failed + s.Skipped }

// Percent is the share of terminal tasks, 100 for an empty run.
func (s RunSummary) Percent() float64 {
	if s.Total == 0 {
		return 100
	}
	return 100 * float64(s.Done()) / float64(s.Total)
}
