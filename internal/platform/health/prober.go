// Package health runs dependency probes for the readiness endpoint.
package health

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	// StatusOK indicates all dependencies are healthy.
	StatusOK = "ok"
	// StatusDegraded indicates at least one dependency failed but answered.
	StatusDegraded = "degraded"
	// StatusError indicates a dependency timed out or the probe was cancelled.
	StatusError = "error"

	defaultCheckTimeout = 1500 * time.Millisecond
)

// Check describes a dependency probe executed during readiness checks.
type Check struct {
	Name    string
	Timeout time.Duration
	Probe   func(context.Context) error
}

// Result is the outcome of one probe.
type Result struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// Report aggregates probe results.
type Report struct {
	Status      string
	Checks      map[string]Result
	GeneratedAt time.Time
}

// Option customises a Prober.
type Option func(*Prober)

// WithDefaultTimeout overrides the timeout applied when a check omits its own.
func WithDefaultTimeout(timeout time.Duration) Option {
	return func(p *Prober) {
		if timeout > 0 {
			p.defaultTimeout = timeout
		}
	}
}

// WithClock injects a custom clock primarily for tests.
func WithClock(clock func() time.Time) Option {
	return func(p *Prober) {
		if clock != nil {
			p.now = clock
		}
	}
}

// Prober evaluates a fixed set of checks concurrently.
type Prober struct {
	checks         []Check
	defaultTimeout time.Duration
	now            func() time.Time
}

// NewProber validates checks and constructs a Prober.
func NewProber(checks []Check, opts ...Option) (*Prober, error) {
	if len(checks) == 0 {
		return nil, errors.New("health: at least one check is required")
	}
	for _, check := range checks {
		if strings.TrimSpace(check.Name) == "" {
			return nil, errors.New("health: check missing name")
		}
		if check.Probe == nil {
			return nil, fmt.Errorf("health: check %s missing probe function", check.Name)
		}
	}

	p := &Prober{
		checks:         append([]Check(nil), checks...),
		defaultTimeout: defaultCheckTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// Collect runs every check and folds the results into a report.
func (p *Prober) Collect(ctx context.Context) (Report, error) {
	if ctx == nil {
		return Report{}, errors.New("health: context is required")
	}

	results := make(map[string]Result, len(p.checks))
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	wg.Add(len(p.checks))
	for _, check := range p.checks {
		go func(check Check) {
			defer wg.Done()
			result := p.run(ctx, check)
			mu.Lock()
			results[check.Name] = result
			mu.Unlock()
		}(check)
	}
	wg.Wait()

	status := StatusOK
	for _, result := range results {
		if result.Status == StatusError {
			status = StatusError
			break
		}
		if result.Status != StatusOK {
			status = StatusDegraded
		}
	}

	return Report{
		Status:      status,
		Checks:      results,
		GeneratedAt: p.now(),
	}, nil
}

func (p *Prober) run(ctx context.Context, check Check) Result {
	timeout := check.Timeout
	if timeout <= 0 {
		timeout = p.defaultTimeout
	}
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := p.now()
	err := check.Probe(checkCtx)
	end := p.now()

	result := Result{Status: StatusOK, Detail: "ok", Latency: end.Sub(start), CheckedAt: end}
	switch {
	case err == nil && checkCtx.Err() == nil:
	case err == nil:
		// returned after the deadline without reporting it
		result.Status, result.Detail, result.Error = StatusError, "timeout", checkCtx.Err().Error()
	case errors.Is(err, context.DeadlineExceeded):
		result.Status, result.Detail, result.Error = StatusError, "timeout", err.Error()
	case errors.Is(err, context.Canceled):
		result.Status, result.Detail, result.Error = StatusError, "cancelled", err.Error()
	default:
		result.Status, result.Detail, result.Error = StatusDegraded, err.Error(), err.Error()
	}
	return result
}
