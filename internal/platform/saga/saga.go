// Package saga records compensating actions for multi-step operations and unwinds them in
// reverse order when a later step fails.
package saga

import (
	"context"
	"time"
)

const defaultCompensationTimeout = 30 * time.Second

// Compensation undoes one completed forward step.
type Compensation func(ctx context.Context) error

// FailureFunc receives compensations that themselves failed.
type FailureFunc func(ctx context.Context, step string, err error)

type record struct {
	step string
	undo Compensation
}

// Saga is not safe for concurrent use; one instance covers one operation.
type Saga struct {
	steps     []record
	onFailure FailureFunc
	timeout   time.Duration
}

// Option customises a Saga.
type Option func(*Saga)

// WithFailureHandler observes compensation failures.
func WithFailureHandler(fn FailureFunc) Option {
	return func(s *Saga) {
		s.onFailure = fn
	}
}

// WithCompensationTimeout caps the time allowed for the whole unwind.
func WithCompensationTimeout(d time.Duration) Option {
	return func(s *Saga) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// New starts an empty saga.
func New(opts ...Option) *Saga {
	s := &Saga{timeout: defaultCompensationTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Record registers the compensation for a step that just succeeded.
func (s *Saga) Record(step string, undo Compensation) {
	if undo == nil {
		return
	}
	s.steps = append(s.steps, record{step: step, undo: undo})
}

// Len reports how many compensations are pending.
func (s *Saga) Len() int {
	return len(s.steps)
}

// Compensate runs every recorded compensation, newest first, and clears them. Each
// compensation runs even if an earlier one failed. It detaches from ctx cancellation so a
// client disconnect does not leave reservations behind.
func (s *Saga) Compensate(ctx context.Context) {
	if len(s.steps) == 0 {
		return
	}
	unwindCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	for i := len(s.steps) - 1; i >= 0; i-- {
		step := s.steps[i]
		if err := step.undo(unwindCtx); err != nil && s.onFailure != nil {
			s.onFailure(unwindCtx, step.step, err)
		}
	}
	s.steps = nil
}

// Complete discards compensations once every forward step succeeded.
func (s *Saga) Complete() {
	s.steps = nil
}
