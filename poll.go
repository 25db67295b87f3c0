package nativesvc

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
)

// sampleFunc reads the current status of a service
type sampleFunc func(ctx context.Context) (Status, error)

// poller samples status at a fixed interval until a predicate holds or the
// timeout elapses. There is no backoff; convergence windows are short.
type poller struct {
	clock    clock.Clock
	interval time.Duration
	timeout  time.Duration
}

// waitFor returns the first sampled status satisfying pred. Sample errors
// are retried until the deadline because the facility is often briefly
// inconsistent right after a lifecycle call. On timeout the last status is
// returned with ErrConvergenceTimeout, wrapping the last sample error if any.
func (p poller) waitFor(ctx context.Context, sample sampleFunc, pred func(Status) bool) (Status, error) {
	deadline := p.clock.Now().Add(p.timeout)

	var (
		last    Status
		lastErr error
	)
	for {
		st, err := sample(ctx)
		if err == nil {
			last, lastErr = st, nil
			if pred(st) {
				return st, nil
			}
		} else {
			lastErr = err
		}

		remaining := deadline.Sub(p.clock.Now())
		if remaining <= 0 {
			break
		}
		wait := p.interval
		if wait > remaining {
			wait = remaining
		}

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-p.clock.After(wait):
		}
	}

	if lastErr != nil {
		return last, fmt.Errorf("%w after %s (last status: %s, last error: %w)",
			ErrConvergenceTimeout, p.timeout, last, lastErr)
	}
	return last, fmt.Errorf("%w after %s (last status: %s)", ErrConvergenceTimeout, p.timeout, last)
}
