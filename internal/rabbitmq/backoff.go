package rabbitmq

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// transportInitialInterval is the first wait; each following wait doubles,
	// so attempt n waits 2^n seconds.
	transportInitialInterval = 2 * time.Second
	transportMaxInterval     = 5 * time.Minute
)

// unlimitedRetries keeps retrying until the context is cancelled
const unlimitedRetries = -1

// retryPolicy runs operations under the exponential transport backoff
type retryPolicy struct {
	initial  time.Duration
	max      time.Duration
	newTimer func() backoff.Timer
}

func defaultRetryPolicy() retryPolicy {
	return retryPolicy{
		initial: transportInitialInterval,
		max:     transportMaxInterval,
	}
}

func (p retryPolicy) backOff(ctx context.Context, retries int) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.initial
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxInterval = p.max
	exp.MaxElapsedTime = 0
	exp.Reset()

	var b backoff.BackOff = exp
	if retries >= 0 {
		b = backoff.WithMaxRetries(b, uint64(retries))
	}
	return backoff.WithContext(b, ctx)
}

// run calls op until it succeeds, returns a permanent error, the retries are
// used up or ctx is done. notify is called before every wait.
func (p retryPolicy) run(ctx context.Context, retries int, op backoff.Operation, notify backoff.Notify) error {
	var timer backoff.Timer
	if p.newTimer != nil {
		timer = p.newTimer()
	}
	return backoff.RetryNotifyWithTimer(op, p.backOff(ctx, retries), notify, timer)
}

// transportOnly marks every error that is not a transport error as permanent
func transportOnly(err error) error {
	if err == nil || IsTransportError(err) {
		return err
	}
	return backoff.Permanent(err)
}
