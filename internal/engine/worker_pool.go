package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// WorkerPool runs indexed tasks on a fixed number of goroutines. Callers
// store results by index, so output order never depends on completion order.
type WorkerPool struct {
	workers int

	completed atomic.Int64
	failed    atomic.Int64
}

// NewWorkerPool creates a pool of at most workers goroutines.
func NewWorkerPool(workers int) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	return &WorkerPool{workers: workers}
}

// Run calls task for every index in [0, n). The first error cancels the
// context handed to the remaining tasks, queued indices are skipped, and
// that error is returned once every started task has returned.
func (p *WorkerPool) Run(ctx context.Context, n int, task func(ctx context.Context, index int) error) error {
	if n == 0 {
		return ctx.Err()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	workers := p.workers
	if workers > n {
		workers = n
	}

	taskQueue := make(chan int, workers*4)
	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	fail := func(err error) {
		errOnce.Do(func() {
			firstErr = err
			cancel()
		})
	}

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range taskQueue {
				if ctx.Err() != nil {
					continue
				}
				if err := task(ctx, index); err != nil {
					p.failed.Add(1)
					fail(err)
					continue
				}
				p.completed.Add(1)
			}
		}()
	}

feed:
	for i := 0; i < n; i++ {
		select {
		case taskQueue <- i:
		case <-ctx.Done():
			break feed
		}
	}
	close(taskQueue)
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

// Stats returns the number of completed and failed tasks so far.
func (p *WorkerPool) Stats() (completed, failed int64) {
	return p.completed.Load(), p.failed.Load()
}

// backoff returns the wait before retry attempt (1-based): base, 2*base,
// 4*base, ...
func backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	if attempt > 10 {
		attempt = 10
	}
	return base << uint(attempt-1)
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
