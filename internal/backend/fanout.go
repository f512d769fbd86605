package backend

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/sells-group/expense-extractor/internal/model"
)

// Dispatcher fans backend calls out over an item's contexts. One global
// semaphore caps in-flight calls across all items of a run, a shared rate
// limiter smooths request bursts, and each call gets its own deadline.
// Extract always settles every call before returning: a slow or failing
// backend can delay an item but never hides another backend's results.
type Dispatcher struct {
	backends []Backend
	sem      *semaphore.Weighted
	limiter  *rate.Limiter
	timeout  time.Duration
}

// NewDispatcher creates a Dispatcher. maxInFlight caps concurrent backend
// calls across all callers sharing this Dispatcher.
func NewDispatcher(backends []Backend, maxInFlight int64, rps float64, timeout time.Duration) *Dispatcher {
	if maxInFlight <= 0 {
		maxInFlight = 8
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return &Dispatcher{
		backends: backends,
		sem:      semaphore.NewWeighted(maxInFlight),
		limiter:  limiter,
		timeout:  timeout,
	}
}

// Backends returns the configured backends.
func (d *Dispatcher) Backends() []Backend {
	return d.backends
}

// Extract runs every backend against every context and returns all
// candidates that settled plus a CallError per failed call.
func (d *Dispatcher) Extract(ctx context.Context, contexts []model.Context, schema *model.Schema) ([]model.FieldCandidate, []CallError) {
	var (
		mu         sync.Mutex
		candidates []model.FieldCandidate
		callErrs   []CallError
		wg         sync.WaitGroup
	)

	for _, b := range d.backends {
		for _, ec := range contexts {
			wg.Add(1)
			go func(b Backend, ec model.Context) {
				defer wg.Done()

				got, err := d.call(ctx, b, ec, schema)

				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					callErrs = append(callErrs, CallError{
						Backend:   b.Name(),
						ContextID: ec.ID,
						Err:       err,
					})
					return
				}
				candidates = append(candidates, got...)
			}(b, ec)
		}
	}
	wg.Wait()

	return candidates, callErrs
}

func (d *Dispatcher) call(ctx context.Context, b Backend, ec model.Context, schema *model.Schema) ([]model.FieldCandidate, error) {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer d.sem.Release(1)

	if err := d.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	got, err := b.Extract(callCtx, ec, schema)
	elapsed := time.Since(start)

	if err != nil {
		// Distinguish the per-call deadline from caller cancellation so the
		// failure record names the real cause.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = ErrTimeout
		}
		zap.L().Warn("backend call failed",
			zap.String("backend", b.Name()),
			zap.String("context_id", ec.ID),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		return nil, err
	}

	zap.L().Debug("backend call settled",
		zap.String("backend", b.Name()),
		zap.String("context_id", ec.ID),
		zap.Int("candidates", len(got)),
		zap.Duration("elapsed", elapsed),
	)
	return got, nil
}
