// Package worker drives the pipeline stages as periodic tasks with
// cooperative cancellation. Each task is logically single threaded over its
// own cursor; a weighted semaphore caps how many run at once.
package worker

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/rsksmart/safe-transaction-service/chain"
	"github.com/rsksmart/safe-transaction-service/indexer"
)

// Task is one periodic pipeline stage. Run returns how much work it did; a
// task that did work is re-run immediately instead of sleeping, so backlogs
// drain at full speed.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) (int, error)
}

// Scheduler owns the task loop. Cancellation is only observed between runs,
// never inside one: an in-flight database transaction either commits or
// rolls back before the task exits.
type Scheduler struct {
	tasks      []Task
	sem        *semaphore.Weighted
	maxBackoff time.Duration
	logger     log.Logger
}

// NewScheduler builds a scheduler running at most maxConcurrent tasks at a
// time. Sizing it around the number of address classes plus two leaves room
// for the processor and the reorg checker.
func NewScheduler(tasks []Task, maxConcurrent int64) *Scheduler {
	if maxConcurrent <= 0 {
		maxConcurrent = int64(len(tasks))
	}
	return &Scheduler{
		tasks:      tasks,
		sem:        semaphore.NewWeighted(maxConcurrent),
		maxBackoff: 5 * time.Minute,
		logger:     log.New("module", "scheduler"),
	}
}

// Run blocks until the context is cancelled or a task fails permanently.
// Transient errors (network failures, retriable discovery errors) back off
// and retry; anything else halts the whole scheduler so the operator sees a
// non-zero exit.
func (s *Scheduler) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	for i := range s.tasks {
		task := s.tasks[i]
		group.Go(func() error {
			return s.runTask(ctx, task)
		})
	}
	err := group.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

func (s *Scheduler) runTask(ctx context.Context, task Task) error {
	logger := s.logger.New("task", task.Name)
	retry := backoff.NewExponentialBackOff()
	retry.MaxElapsedTime = 0
	retry.MaxInterval = s.maxBackoff

	for {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		did, err := task.Run(ctx)
		s.sem.Release(1)

		wait := task.Interval
		switch {
		case err == nil:
			retry.Reset()
			if did > 0 {
				// More work may be waiting; go again without sleeping.
				wait = 0
			}
		case ctx.Err() != nil:
			return ctx.Err()
		case isTransient(err):
			wait = retry.NextBackOff()
			logger.Warn("transient failure, backing off", "wait", wait, "err", err)
		default:
			logger.Error("permanent failure, halting", "err", err)
			return err
		}
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
}

func isTransient(err error) bool {
	return chain.IsNetworkError(err) || indexer.IsFindRelevantElementsError(err)
}
