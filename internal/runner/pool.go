package runner

import (
	"context"
	"sync"
	"time"

	"github.com/yoshihiko555/takt/internal/task"
)

// RunWithWorkerPool claims and executes pending tasks with at most
// concurrency workers. It keeps polling the store at pollInterval while work
// is in flight, so tasks queued during a run are picked up, and returns once
// the queue is drained and every worker has finished. Cancellation stops new
// claims but waits for in-flight tasks.
func RunWithWorkerPool(ctx context.Context, store *task.Store, concurrency int, pollInterval time.Duration, opts Options) (succeeded, failed int, err error) {
	if concurrency < 1 {
		concurrency = 1
	}

	var wg sync.WaitGroup
	done := make(chan bool, concurrency)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	inflight := 0
	colorSeq := 0

	tally := func(ok bool) {
		inflight--
		if ok {
			succeeded++
		} else {
			failed++
		}
	}

	for {
		cancelled := ctx.Err() != nil

		if !cancelled && inflight < concurrency {
			claimed, claimErr := store.ClaimNextTasks(concurrency - inflight)
			if claimErr != nil {
				if inflight == 0 {
					return succeeded, failed, claimErr
				}
				opts.Logger.Warnf("claiming tasks: %v", claimErr)
			}
			for _, t := range claimed {
				inflight++
				idx := colorSeq
				colorSeq++
				wg.Add(1)
				go func(t *task.Record, idx int) {
					defer wg.Done()
					done <- ExecuteAndCompleteTask(ctx, store, t, idx, opts)
				}(t, idx)
			}
		}

		if inflight == 0 {
			break
		}

		if cancelled {
			tally(<-done)
			continue
		}

		select {
		case ok := <-done:
			tally(ok)
		case <-ticker.C:
		case <-ctx.Done():
		}
	}

	wg.Wait()
	return succeeded, failed, nil
}
