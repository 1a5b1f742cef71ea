package jobs

import (
	"strings"
	"time"
)

// Kind tags the two job variants.
type Kind string

const (
	KindContinuous Kind = "continuous"
	KindTriggered  Kind = "triggered"
)

// ParseKind validates a job kind from an external caller.
func ParseKind(s string) (Kind, bool) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindContinuous:
		return KindContinuous, true
	case KindTriggered:
		return KindTriggered, true
	}
	return "", false
}

// Status of a continuous job.
//
// The supervisor's internal machine is
// Idle -> Starting -> Running -> {PendingRestart, Stopping} -> Stopped,
// with Running -> Crashed -> Starting on unexpected exit. PendingAbort marks
// a stop that was requested but not yet observed by the poll loop. Callers
// only ever see Running, Stopped, PendingRestart or PendingAbort; the rest
// are collapsed at the surfacing boundary.
type Status string

const (
	StatusIdle           Status = "Idle"
	StatusStarting       Status = "Starting"
	StatusRunning        Status = "Running"
	StatusPendingRestart Status = "PendingRestart"
	StatusPendingAbort   Status = "PendingAbort"
	StatusStopping       Status = "Stopping"
	StatusStopped        Status = "Stopped"
	StatusCrashed        Status = "Crashed"
)

// Base is the variant-independent core of a job record.
//
// Jobs are materialized from on-disk folders on each registry enumeration;
// the filesystem is the source of truth and nothing here is persisted.
type Base struct {
	Name         string `json:"name"`
	RunCommand   string `json:"run_command,omitempty"`
	JobType      Kind   `json:"type"`
	URL          string `json:"url,omitempty"`
	ExtraInfoURL string `json:"extra_info_url,omitempty"`
	UsingSDK     bool   `json:"using_sdk,omitempty"`

	// Error marks an invalid job definition (e.g. no runnable script).
	Error string `json:"error,omitempty"`
}

// ContinuousMeta carries the continuous-only payload.
type ContinuousMeta struct {
	Status Status `json:"status"`
	LogURL string `json:"log_url,omitempty"`
}

// TriggeredMeta carries the triggered-only payload.
type TriggeredMeta struct {
	HistoryURL string `json:"history_url,omitempty"`
}

// Job is a tagged union: exactly one of Continuous/Triggered is non-nil,
// matching JobType. Consumers switch on the tag for variant-only fields.
type Job struct {
	Base
	Continuous *ContinuousMeta `json:"continuous,omitempty"`
	Triggered  *TriggeredMeta  `json:"triggered,omitempty"`
}

// Valid reports whether the definition is runnable.
func (j *Job) Valid() bool { return j != nil && j.Error == "" }

// RunStatus is the lifecycle status of a single triggered-job run.
type RunStatus string

const (
	RunStatusRunning RunStatus = "Running"
	RunStatusSuccess RunStatus = "Success"
	RunStatusFailed  RunStatus = "Failed"
	RunStatusAborted RunStatus = "Aborted"
)

// Run is one invocation of a triggered job. Created at invocation start,
// sealed at completion, immutable thereafter.
type Run struct {
	ID            string        `json:"id"`
	JobName       string        `json:"job_name"`
	Status        RunStatus     `json:"status"`
	StartTime     time.Time     `json:"start_time"`
	EndTime       time.Time     `json:"end_time"`
	Duration      time.Duration `json:"duration"`
	URL           string        `json:"url,omitempty"`
	OutputURL     string        `json:"output_url,omitempty"`
	ErrorURL      string        `json:"error_url,omitempty"`
	TriggerSource string        `json:"trigger_source,omitempty"`
}

// Sealed reports whether the run has reached a terminal status.
func (r *Run) Sealed() bool { return r != nil && r.Status != RunStatusRunning }

// History is a job's bounded run history, most-recent-first.
type History struct {
	Runs []Run `json:"runs"`
}

// NewRunID derives a run identifier from a start instant. IDs sort
// lexicographically in start order, which lets the file-backed history store
// trim oldest-first without an index.
func NewRunID(start time.Time) string {
	return start.UTC().Format("20060102150405.000000000")
}
