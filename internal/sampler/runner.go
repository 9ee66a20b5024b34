package sampler

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Runner schedules samplers. Each sampler occupies one long-lived
// goroutine that waits for its interval tick, skips the pass when the
// sampler is disabled, and runs Sample otherwise. Missed ticks are
// dropped, never replayed.
type Runner struct {
	clock           clock.Clock
	log             *zap.Logger
	defaultInterval time.Duration
	faultTolerant   bool

	ctx    context.Context
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup

	mu  sync.Mutex
	err error
}

// NewRunner creates a runner. With faultTolerant set, sampler errors are
// logged and swallowed; otherwise the first error cancels the run.
func NewRunner(c clock.Clock, log *zap.Logger, defaultInterval time.Duration, faultTolerant bool) *Runner {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Runner{
		clock:           c,
		log:             log,
		defaultInterval: defaultInterval,
		faultTolerant:   faultTolerant,
		ctx:             ctx,
		cancel:          cancel,
	}
}

// Spawn starts the sampler's loop.
func (r *Runner) Spawn(s Sampler) {
	interval := s.Interval()
	if interval <= 0 {
		interval = r.defaultInterval
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := r.clock.Ticker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-r.ctx.Done():
				return
			case <-ticker.C:
			}
			if !s.Enabled() {
				continue
			}
			if err := s.Sample(r.ctx); err != nil {
				r.fail(s.Name(), err)
			}
		}
	}()
}

// fail applies the fault policy to a sampler error.
func (r *Runner) fail(name string, err error) {
	if r.ctx.Err() != nil {
		return
	}
	if r.faultTolerant {
		r.log.Error("sample failed", zap.String("sampler", name), zap.Error(err))
		return
	}
	r.mu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.mu.Unlock()
	r.log.Error("sample failed, strict mode", zap.String("sampler", name), zap.Error(err))
	r.cancel(err)
}

// Done is closed when the run context has been canceled, either by
// Close or by a strict-mode sampler failure.
func (r *Runner) Done() <-chan struct{} {
	return r.ctx.Done()
}

// Err returns the first strict-mode sampler error, if any.
func (r *Runner) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Close cancels every sampler loop and waits for them to exit.
func (r *Runner) Close() {
	r.cancel(nil)
	r.wg.Wait()
}
