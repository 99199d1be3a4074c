// Package scheduler runs short-lived fan-out work on a bounded, process-wide pool.
package scheduler

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// DefaultCapacity is used when a non-positive capacity is configured.
const DefaultCapacity = 16

// ErrNilTask is returned when Run receives a nil task.
var ErrNilTask = errors.New("scheduler: nil task")

// Task is one unit of work. It must honour ctx cancellation.
type Task func(ctx context.Context) error

// Pool bounds how many tasks execute at once across every caller sharing it.
type Pool struct {
	slots    *semaphore.Weighted
	capacity int64
}

// NewPool constructs a Pool with the given capacity.
func NewPool(capacity int) *Pool {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Pool{slots: semaphore.NewWeighted(int64(capacity)), capacity: int64(capacity)}
}

// Capacity reports the configured concurrency limit.
func (p *Pool) Capacity() int {
	return int(p.capacity)
}

// Run executes every task, each holding one pool slot while it runs, and waits for all of
// them. The first failure cancels the context handed to the remaining tasks and is returned.
func (p *Pool) Run(ctx context.Context, tasks ...Task) error {
	for _, task := range tasks {
		if task == nil {
			return ErrNilTask
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, task := range tasks {
		task := task
		group.Go(func() error {
			if err := p.slots.Acquire(groupCtx, 1); err != nil {
				return err
			}
			defer p.slots.Release(1)
			return task(groupCtx)
		})
	}
	return group.Wait()
}
