package trigger

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/skiff-dev/skiff/internal/deploy"
)

// RunFunc executes one run end to end. The queue guarantees it is never
// called concurrently for the same target.
type RunFunc func(ctx context.Context, run *deploy.Run)

// Queue serializes pipeline runs per target. Concurrent push events for one
// target park behind a buffered channel and execute in arrival order, so two
// migrations can never race against the same database.
type Queue struct {
	registry *deploy.Registry
	exec     RunFunc

	mu      sync.Mutex
	workers map[string]chan *deploy.Run
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

const pendingPerTarget = 16

func NewQueue(registry *deploy.Registry, exec RunFunc) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		registry: registry,
		exec:     exec,
		workers:  map[string]chan *deploy.Run{},
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Enqueue parks a run for its target, starting the target's worker on first
// use. It fails when the backlog is full rather than blocking the caller.
func (q *Queue) Enqueue(run *deploy.Run) error {
	q.mu.Lock()
	ch, ok := q.workers[run.Target]
	if !ok {
		ch = make(chan *deploy.Run, pendingPerTarget)
		q.workers[run.Target] = ch
		q.wg.Add(1)
		go q.worker(run.Target, ch)
	}
	q.mu.Unlock()

	select {
	case ch <- run:
		log.Info().Str("run", run.ID).Str("target", run.Target).Msg("run enqueued")
		return nil
	default:
		return fmt.Errorf("target %s: run backlog full", run.Target)
	}
}

func (q *Queue) worker(target string, ch <-chan *deploy.Run) {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case run := <-ch:
			if err := q.registry.Begin(run); err != nil {
				// Cannot happen while this worker is the only executor
				// for the target, but refuse to double-run regardless.
				log.Error().Err(err).Str("run", run.ID).Msg("refusing concurrent run")
				continue
			}
			q.exec(q.ctx, run)
			q.registry.Finish(run)
		}
	}
}

// Close stops the workers after their in-flight runs return.
func (q *Queue) Close() {
	q.cancel()
	q.wg.Wait()
}
