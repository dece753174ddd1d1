package rabbitmq

import (
	"context"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oskit/eventbus/config"
)

func newTestRouter(provider ChannelProvider, policy config.RetryPolicy, log *timerLog, options ...RetryRouterOption) *RetryRouter {
	options = append([]RetryRouterOption{WithRetryRouterLogger(discardLogger())}, options...)
	r := NewRetryRouter(provider, NewTopology(testSettings(), nil), policy, options...)
	r.retry = instantRetryPolicy(log)
	return r
}

func TestRetryRouterDelay(t *testing.T) {
	flat := newTestRouter(newFakeProvider(), config.RetryPolicy{Enabled: true, MaxRetry: 5, DelayMilliseconds: 1000}, &timerLog{})
	assert.Equal(t, time.Second, flat.Delay(1))
	assert.Equal(t, time.Second, flat.Delay(3))

	exponential := newTestRouter(newFakeProvider(), config.RetryPolicy{
		Enabled: true, MaxRetry: 5, DelayMilliseconds: 1000, ExponentialDelayEnabled: true,
	}, &timerLog{})
	assert.Equal(t, time.Second, exponential.Delay(1))
	assert.Equal(t, 2*time.Second, exponential.Delay(2))
	assert.Equal(t, 3*time.Second, exponential.Delay(3))
}

func TestRetryRouterRepublish(t *testing.T) {
	delivery := amqp.Delivery{
		RoutingKey:  "OrderPlaced.retry",
		ContentType: "application/json",
		MessageId:   "evt-1",
		Type:        "OrderPlaced",
		Headers:     amqp.Table{HeaderRetryCount: int32(1), "traceparent": "00-abc"},
		Body:        []byte(`{"id":"evt-1"}`),
	}

	t.Run("publishes to the retry exchange with expiration and count", func(t *testing.T) {
		provider := newFakeProvider()
		policy := config.RetryPolicy{Enabled: true, MaxRetry: 5, DelayMilliseconds: 1500, ExponentialDelayEnabled: true, ConfirmRepublish: true}
		r := newTestRouter(provider, policy, &timerLog{})

		require.NoError(t, r.Republish(context.Background(), delivery, "OrderPlaced", 2))

		channels := provider.opened()
		require.Len(t, channels, 1)
		assert.True(t, channels[0].confirmMode)
		assert.True(t, channels[0].IsClosed())

		published := channels[0].publishedMessages()
		require.Len(t, published, 1)
		pm := published[0]
		assert.Equal(t, "orders.retry", pm.exchange)
		assert.Equal(t, "OrderPlaced.retry", pm.routingKey)
		assert.True(t, pm.mandatory)
		assert.Equal(t, "3000", pm.msg.Expiration)
		assert.Equal(t, amqp.Persistent, pm.msg.DeliveryMode)
		assert.Equal(t, int32(2), pm.msg.Headers[HeaderRetryCount])
		assert.Equal(t, "00-abc", pm.msg.Headers["traceparent"])
		assert.Equal(t, "evt-1", pm.msg.MessageId)
		assert.Equal(t, delivery.Body, pm.msg.Body)

		// original headers are not modified
		assert.Equal(t, int32(1), delivery.Headers[HeaderRetryCount])
	})

	t.Run("without confirms", func(t *testing.T) {
		provider := newFakeProvider()
		r := newTestRouter(provider, config.RetryPolicy{Enabled: true, MaxRetry: 5, DelayMilliseconds: 100}, &timerLog{})

		require.NoError(t, r.Republish(context.Background(), delivery, "OrderPlaced", 1))
		channels := provider.opened()
		require.Len(t, channels, 1)
		assert.False(t, channels[0].confirmMode)
		assert.Equal(t, "100", channels[0].publishedMessages()[0].msg.Expiration)
	})

	t.Run("broker nack fails the republish", func(t *testing.T) {
		provider := newFakeProvider()
		provider.newChannel = func() *fakeChannel {
			ch := newFakeChannel()
			ch.onPublish = func(uint64, publishedMessage) (bool, bool) { return false, false }
			return ch
		}
		r := newTestRouter(provider, config.RetryPolicy{Enabled: true, MaxRetry: 5, ConfirmRepublish: true}, &timerLog{}, WithRepublishRetries(3))

		err := r.Republish(context.Background(), delivery, "OrderPlaced", 2)
		assert.ErrorIs(t, err, ErrPublishNotConfirmed)
		assert.Len(t, provider.opened(), 1)
	})

	t.Run("unroutable retry hop fails the republish", func(t *testing.T) {
		provider := newFakeProvider()
		provider.newChannel = func() *fakeChannel {
			ch := newFakeChannel()
			ch.onPublish = func(uint64, publishedMessage) (bool, bool) { return true, true }
			return ch
		}
		r := newTestRouter(provider, config.RetryPolicy{Enabled: true, MaxRetry: 5, ConfirmRepublish: true}, &timerLog{}, WithRepublishRetries(3))

		err := r.Republish(context.Background(), delivery, "OrderPlaced", 2)
		assert.ErrorIs(t, err, ErrMessageReturned)
		assert.Len(t, provider.opened(), 1)
	})

	t.Run("confirm timeout fails the republish", func(t *testing.T) {
		provider := &silentConfirmProvider{fakeProvider: newFakeProvider()}
		r := newTestRouter(provider, config.RetryPolicy{Enabled: true, MaxRetry: 5, ConfirmRepublish: true}, &timerLog{},
			WithRepublishConfirmTimeout(10*time.Millisecond))

		err := r.Republish(context.Background(), delivery, "OrderPlaced", 2)
		assert.ErrorIs(t, err, ErrConfirmTimeout)
	})

	t.Run("transport errors are retried", func(t *testing.T) {
		provider := newFakeProvider()
		provider.openErrs = []error{ErrNotConnected}
		log := &timerLog{}
		r := newTestRouter(provider, config.RetryPolicy{Enabled: true, MaxRetry: 5, ConfirmRepublish: true}, log, WithRepublishRetries(5))

		require.NoError(t, r.Republish(context.Background(), delivery, "OrderPlaced", 2))
		assert.Equal(t, []time.Duration{2 * time.Second}, log.recorded())
	})
}

func TestRetryCount(t *testing.T) {
	tests := []struct {
		name    string
		headers amqp.Table
		want    int
	}{
		{"nil headers", nil, 0},
		{"missing", amqp.Table{"other": 1}, 0},
		{"int", amqp.Table{HeaderRetryCount: 3}, 3},
		{"int32", amqp.Table{HeaderRetryCount: int32(4)}, 4},
		{"int64", amqp.Table{HeaderRetryCount: int64(5)}, 5},
		{"uint8", amqp.Table{HeaderRetryCount: uint8(6)}, 6},
		{"string", amqp.Table{HeaderRetryCount: "7"}, 7},
		{"bad string", amqp.Table{HeaderRetryCount: "many"}, 0},
		{"unsupported", amqp.Table{HeaderRetryCount: 1.5}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RetryCount(tt.headers))
		})
	}
}
