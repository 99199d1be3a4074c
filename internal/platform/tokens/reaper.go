package tokens

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const reapTimeout = time.Minute

// Reaper periodically removes expired tokens so abandoned confirmations do not accumulate.
type Reaper struct {
	store    Store
	interval time.Duration
	batch    int
	logger   *zap.Logger
	clock    func() time.Time

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewReaper builds a Reaper. A non-positive interval yields a Reaper whose Start is a no-op.
func NewReaper(store Store, interval time.Duration, batch int, logger *zap.Logger) *Reaper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{
		store:    store,
		interval: interval,
		batch:    batch,
		logger:   logger,
		clock:    time.Now,
		stop:     make(chan struct{}),
	}
}

// Start launches the background loop. It returns immediately.
func (r *Reaper) Start(ctx context.Context) {
	if r == nil || r.store == nil || r.interval <= 0 {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := r.RunOnce(ctx); err != nil {
					r.logger.Error("token cleanup error", zap.Error(err))
				}
			case <-r.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// RunOnce performs a single cleanup pass.
func (r *Reaper) RunOnce(ctx context.Context) (int, error) {
	runCtx, cancel := context.WithTimeout(ctx, reapTimeout)
	defer cancel()
	removed, err := r.store.CleanupExpired(runCtx, r.clock().UTC(), r.batch)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		r.logger.Info("token cleanup removed entries", zap.Int("count", removed))
	}
	return removed, nil
}

// Stop halts the loop and waits for an in-flight pass to finish.
func (r *Reaper) Stop() {
	if r == nil {
		return
	}
	r.once.Do(func() { close(r.stop) })
	r.wg.Wait()
}
