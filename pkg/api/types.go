package api

import "time"

// v0 contains public types shared by the CLI, the daemon, and webhook callers.

// RunStatus is the lifecycle state of one pipeline run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// PushEvent is the body of a source-control push notification.
type PushEvent struct {
	Repo   string `json:"repo"`
	Ref    string `json:"ref"`
	Commit string `json:"commit"`
	Pusher string `json:"pusher,omitempty"`
}

// RunSummary is the wire form of a pipeline run returned by the daemon and
// printed by the CLI history command.
type RunSummary struct {
	ID         string     `json:"id"`
	Target     string     `json:"target"`
	Commit     string     `json:"commit,omitempty"`
	Status     RunStatus  `json:"status"`
	// FailedStep is -1 when no step failed; the provision step is index 0.
	FailedStep int        `json:"failed_step"`
	Revision   string     `json:"revision,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// StepReport is the per-step record attached to a run.
type StepReport struct {
	Index    int    `json:"index"`
	Name     string `json:"name"`
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
	Duration int64  `json:"duration_ms"`
}
