package deploy

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/skiff-dev/skiff/internal/ssh"
	"github.com/skiff-dev/skiff/pkg/api"
)

// Run is one execution instance of the deployment pipeline against a target.
// Only the sequencer mutates a Run; everything else reads through Summary.
type Run struct {
	ID     string
	Target string
	Commit string

	mu         sync.Mutex
	status     api.RunStatus
	steps      []StepRecord
	failedStep int
	revision   string
	startedAt  time.Time
	finishedAt time.Time
	cancelled  bool
	logs       strings.Builder
}

// StepRecord captures one executed pipeline step.
type StepRecord struct {
	Index    int
	Name     string
	Results  []ssh.Result
	Err      string
	Duration time.Duration
}

// NewRun creates a pending run for a target. commit may be empty for manual
// deploys; the pull step fills it in from the synced revision.
func NewRun(target, commit string) *Run {
	return &Run{
		ID:         uuid.NewString(),
		Target:     target,
		Commit:     commit,
		status:     api.RunPending,
		failedStep: NoFailedStep,
	}
}

func (r *Run) start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = api.RunRunning
	r.startedAt = time.Now()
}

func (r *Run) succeed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = api.RunSucceeded
	r.finishedAt = time.Now()
}

// fail marks the run failed at the given pipeline step. A failed run always
// carries the failing step index and its captured output.
func (r *Run) fail(step int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = api.RunFailed
	r.failedStep = step
	r.finishedAt = time.Now()
}

// Abort marks a run failed before the pipeline could start, recording the
// reason in the run output. No pipeline step index is assigned.
func (r *Run) Abort(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = api.RunFailed
	r.logs.WriteString(err.Error())
	if r.startedAt.IsZero() {
		r.startedAt = time.Now()
	}
	r.finishedAt = time.Now()
}

func (r *Run) markCancelled() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = api.RunCancelled
	r.finishedAt = time.Now()
}

// Cancel requests cancellation. The sequencer honours it between steps; an
// in-flight command is never interrupted.
func (r *Run) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = true
}

func (r *Run) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

func (r *Run) recordStep(rec StepRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, rec)
	for _, res := range rec.Results {
		if res.Stdout != "" {
			r.logs.WriteString(res.Stdout)
		}
		if res.Stderr != "" {
			r.logs.WriteString(res.Stderr)
		}
	}
}

func (r *Run) setCommit(commit string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Commit == "" {
		r.Commit = commit
	}
}

func (r *Run) setRevision(rev string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revision = rev
}

// Status returns the current lifecycle state.
func (r *Run) Status() api.RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// FailedStep returns the index of the failing pipeline step, NoFailedStep if
// none. Provision failures report index 0.
func (r *Run) FailedStep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failedStep
}

// Revision returns the migration revision reported by the migrate step.
func (r *Run) Revision() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.revision
}

// Logs returns the accumulated command output.
func (r *Run) Logs() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.logs.String()
}

// Steps returns copies of the executed step records.
func (r *Run) Steps() []StepRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]StepRecord, len(r.steps))
	copy(out, r.steps)
	return out
}

// Summary converts the run to its wire form.
func (r *Run) Summary() api.RunSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := api.RunSummary{
		ID:         r.ID,
		Target:     r.Target,
		Commit:     r.Commit,
		Status:     r.status,
		FailedStep: r.failedStep,
		Revision:   r.revision,
		StartedAt:  r.startedAt,
	}
	if !r.finishedAt.IsZero() {
		t := r.finishedAt
		s.FinishedAt = &t
	}
	return s
}
