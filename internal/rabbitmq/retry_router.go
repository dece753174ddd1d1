package rabbitmq

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/oskit/eventbus/config"
)

// HeaderRetryCount carries the number of retry hops a message has made
const HeaderRetryCount = "x-retry-count"

// RetryRouter sends failed deliveries through the retry exchange. The retry
// queue holds each message for its expiration and then dead-letters it back
// to the main queue.
type RetryRouter struct {
	provider       ChannelProvider
	topology       Topology
	policy         config.RetryPolicy
	maxRetries     int
	confirmTimeout time.Duration
	logger         *slog.Logger
	retry          retryPolicy
}

// RetryRouterOption configures the RetryRouter
type RetryRouterOption func(*RetryRouter)

// WithRetryRouterLogger sets the logger
func WithRetryRouterLogger(logger *slog.Logger) RetryRouterOption {
	return func(r *RetryRouter) {
		r.logger = logger
	}
}

// WithRepublishRetries sets how many times a republish is retried on transport errors
func WithRepublishRetries(retries int) RetryRouterOption {
	return func(r *RetryRouter) {
		r.maxRetries = retries
	}
}

// WithRepublishConfirmTimeout sets how long a republish waits for the broker confirm
func WithRepublishConfirmTimeout(timeout time.Duration) RetryRouterOption {
	return func(r *RetryRouter) {
		r.confirmTimeout = timeout
	}
}

// NewRetryRouter creates a retry router
func NewRetryRouter(provider ChannelProvider, topology Topology, policy config.RetryPolicy, options ...RetryRouterOption) *RetryRouter {
	r := &RetryRouter{
		provider:       provider,
		topology:       topology,
		policy:         policy,
		confirmTimeout: 5 * time.Second,
		logger:         slog.Default(),
		retry:          defaultRetryPolicy(),
	}

	for _, opt := range options {
		opt(r)
	}

	return r
}

// Delay returns how long the retry hop with the given count waits
func (r *RetryRouter) Delay(retryCount int) time.Duration {
	return r.policy.RetryDelay(retryCount)
}

// Republish publishes the delivery to the retry exchange with retry count
// nextCount. It returns nil only once the message is safely on the retry path.
func (r *RetryRouter) Republish(ctx context.Context, delivery amqp.Delivery, eventType string, nextCount int) error {
	delay := r.Delay(nextCount)
	msg := amqp.Publishing{
		Headers:      retryHeaders(delivery.Headers, nextCount),
		ContentType:  delivery.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    delivery.MessageId,
		Type:         delivery.Type,
		Timestamp:    delivery.Timestamp,
		Expiration:   strconv.FormatInt(delay.Milliseconds(), 10),
		Body:         delivery.Body,
	}
	if msg.ContentType == "" {
		msg.ContentType = contentTypeJSON
	}

	r.logger.Debug("publishing to retry exchange",
		"eventType", eventType,
		"messageId", delivery.MessageId,
		"retryCount", nextCount,
		"delay", delay)

	attempt := 0
	return r.retry.run(ctx, r.maxRetries, func() error {
		attempt++
		return transportOnly(r.republishOnce(ctx, RetryRoutingKey(eventType), msg))
	}, func(err error, wait time.Duration) {
		r.logger.Warn("could not publish to retry exchange, retrying",
			"messageId", delivery.MessageId,
			"attempt", attempt,
			"retryIn", wait,
			"error", err)
	})
}

func (r *RetryRouter) republishOnce(ctx context.Context, routingKey string, msg amqp.Publishing) error {
	if !r.provider.IsConnected() {
		r.provider.TryConnect(ctx)
	}

	ch, err := r.provider.OpenChannel()
	if err != nil {
		return err
	}
	defer closeQuietly(ch)

	if !r.policy.ConfirmRepublish {
		return ch.PublishWithContext(ctx, r.topology.RetryExchange, routingKey, true, false, msg)
	}

	if err := ch.Confirm(false); err != nil {
		return err
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	returns := ch.NotifyReturn(make(chan amqp.Return, 1))

	if err := ch.PublishWithContext(ctx, r.topology.RetryExchange, routingKey, true, false, msg); err != nil {
		return err
	}

	timer := time.NewTimer(r.confirmTimeout)
	defer timer.Stop()

	for {
		select {
		case ret, ok := <-returns:
			if !ok {
				returns = nil
				continue
			}
			return r.returned(ret)
		case confirm, ok := <-confirms:
			if !ok {
				return ErrChannelClosed
			}
			if !confirm.Ack {
				return ErrPublishNotConfirmed
			}
			// the broker sends a return before the ack of the same message
			select {
			case ret, ok := <-returns:
				if ok {
					return r.returned(ret)
				}
			default:
			}
			return nil
		case <-timer.C:
			return ErrConfirmTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *RetryRouter) returned(ret amqp.Return) error {
	r.logger.Warn("retry hop returned as unroutable",
		"messageId", ret.MessageId,
		"routingKey", ret.RoutingKey,
		"reply", ret.ReplyText)
	return ErrMessageReturned
}

// retryHeaders copies the original headers and sets the retry count
func retryHeaders(original amqp.Table, count int) amqp.Table {
	headers := make(amqp.Table, len(original)+1)
	for k, v := range original {
		headers[k] = v
	}
	headers[HeaderRetryCount] = int32(count)
	return headers
}

// RetryCount reads the retry count header. A missing or unreadable header
// counts as zero.
func RetryCount(headers amqp.Table) int {
	value, ok := headers[HeaderRetryCount]
	if !ok {
		return 0
	}

	switch v := value.(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	case uint64:
		return int(v)
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}
