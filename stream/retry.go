package stream

import (
	"context"
	"math/rand"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/lagoon-io/lagoon/ops"
)

const (
	retryMinDelay = time.Second
	retryMaxDelay = 5 * time.Minute
	retryBudget   = 5 * time.Minute
)

// retrier applies the uniform retry policy: full-jitter exponential
// backoff between retryMinDelay and retryMaxDelay, with the whole call
// bounded by retryBudget.
type retrier struct {
	clock  clockwork.Clock
	logger *log.Entry
	sink   *ops.Sink
}

// do runs |fn| under the retry policy. Non-retryable operations run
// exactly once. Errors are returned wrapped with |op| and their code.
func (r *retrier) do(ctx context.Context, op string, retryable bool, fn func(context.Context) error) error {
	if !retryable {
		return wrapErr(op, fn(ctx))
	}

	var deadline = r.clock.Now().Add(retryBudget)
	for attempt := 0; ; attempt++ {
		var err = fn(ctx)
		if err == nil {
			return nil
		}
		if !shouldRetry(err) {
			return wrapErr(op, err)
		}

		var delay = backoffDelay(attempt)
		if r.clock.Now().Add(delay).After(deadline) {
			return wrapErr(op, err)
		}

		r.logger.WithFields(log.Fields{
			"op":      op,
			"attempt": attempt + 1,
			"delay":   delay,
		}).WithError(err).Debug("retrying provider call")
		if r.sink != nil {
			r.sink.Retried()
		}

		select {
		case <-ctx.Done():
			return wrapErr(op, ctx.Err())
		case <-r.clock.After(delay):
		}
	}
}

// backoffDelay computes the jittered delay before retry |attempt|,
// never below retryMinDelay.
func backoffDelay(attempt int) time.Duration {
	var base = retryMinDelay
	for i := 0; i < attempt && base < retryMaxDelay; i++ {
		base *= 2
	}
	if base > retryMaxDelay {
		base = retryMaxDelay
	}
	var delay = base/2 + time.Duration(rand.Int63n(int64(base/2)))
	if delay < retryMinDelay {
		delay = retryMinDelay
	}
	return delay
}
