package tools

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ErrCleared is returned to callers whose queued task was dropped by Clear
// before acquiring a permit.
var ErrCleared = errors.New("tools: runner cleared")

const defaultPermits = 3

// Runner bounds concurrent tool executions with a weighted semaphore.
// Callers past the permit count queue in FIFO-ish order inside Acquire;
// Clear drops everything still queued without touching running tasks.
type Runner struct {
	sem *semaphore.Weighted

	mu    sync.Mutex
	clear *clearSignal
}

type clearSignal struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// NewRunner creates a runner with the given permit count (minimum 1;
// 0 or negative selects the default of 3).
func NewRunner(permits int64) *Runner {
	if permits <= 0 {
		permits = defaultPermits
	}
	r := &Runner{sem: semaphore.NewWeighted(permits)}
	r.resetClear()
	return r
}

func (r *Runner) resetClear() {
	ctx, cancel := context.WithCancel(context.Background())
	r.clear = &clearSignal{ctx: ctx, cancel: cancel}
}

// Run executes task under a permit, blocking until one is free. Returns
// ErrCleared if Clear fires while queued, or ctx.Err() if the caller's
// context is done first.
func (r *Runner) Run(ctx context.Context, task func(context.Context) error) error {
	r.mu.Lock()
	clear := r.clear
	r.mu.Unlock()

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(clear.ctx, cancel)
	defer stop()

	if err := r.sem.Acquire(waitCtx, 1); err != nil {
		if clear.ctx.Err() != nil && ctx.Err() == nil {
			return ErrCleared
		}
		return err
	}
	defer r.sem.Release(1)

	return task(ctx)
}

// Clear drops all queued (not yet executing) tasks. Tasks already holding a
// permit finish normally; subsequent Runs queue against a fresh signal.
func (r *Runner) Clear() {
	r.mu.Lock()
	old := r.clear
	r.resetClear()
	r.mu.Unlock()
	old.cancel()
}
