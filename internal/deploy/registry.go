package deploy

import (
	"fmt"
	"sync"
)

// Registry tracks runs per target under one lock. It enforces the invariant
// that at most one run is active per target at any instant; callers that want
// queueing park pending runs behind Begin.
type Registry struct {
	mu     sync.Mutex
	active map[string]*Run
	runs   []*Run
}

func NewRegistry() *Registry {
	return &Registry{active: map[string]*Run{}}
}

// Begin marks a run active for its target. It fails if another run is
// already active there; the caller keeps the run queued and retries after
// Finish.
func (r *Registry) Begin(run *Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, busy := r.active[run.Target]; busy {
		return fmt.Errorf("target %s busy with run %s", run.Target, existing.ID)
	}
	r.active[run.Target] = run
	r.runs = append(r.runs, run)
	return nil
}

// Finish releases the target. The run stays in history.
func (r *Registry) Finish(run *Run) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active[run.Target] == run {
		delete(r.active, run.Target)
	}
}

// Active returns the in-flight run for a target, if any.
func (r *Registry) Active(target string) (*Run, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.active[target]
	return run, ok
}

// Get returns a run from history by id.
func (r *Registry) Get(id string) (*Run, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, run := range r.runs {
		if run.ID == id {
			return run, true
		}
	}
	return nil, false
}

// Snapshot returns the run history, newest last.
func (r *Registry) Snapshot() []*Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Run, len(r.runs))
	copy(out, r.runs)
	return out
}
