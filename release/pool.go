package release

import (
	"context"
	"fmt"
	"time"

	"github.com/ruteri/tee-sealing-key-provider/interfaces"
	"golang.org/x/sync/semaphore"
)

// WorkerPool bounds concurrent protocol executions. One pool is shared by every
// transport so the bound holds for the whole provider.
type WorkerPool struct {
	sem     *semaphore.Weighted
	size    int64
	maxWait time.Duration
}

// NewWorkerPool creates a pool of workers slots. A positive maxWait bounds how
// long a request waits for a free slot.
func NewWorkerPool(workers int64, maxWait time.Duration) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	return &WorkerPool{
		sem:     semaphore.NewWeighted(workers),
		size:    workers,
		maxWait: maxWait,
	}
}

// Size returns the number of worker slots.
func (p *WorkerPool) Size() int64 {
	return p.size
}

// Acquire waits for a free slot. The returned func frees it. When no slot frees
// up in time the error is a Timeout rejection.
func (p *WorkerPool) Acquire(ctx context.Context) (func(), error) {
	waitCtx := ctx
	if p.maxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, p.maxWait)
		defer cancel()
	}

	if err := p.sem.Acquire(waitCtx, 1); err != nil {
		return nil, interfaces.Reject(interfaces.Timeout, fmt.Errorf("waiting for a worker: %w", err))
	}
	return func() { p.sem.Release(1) }, nil
}
