package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/oskit/eventbus/config"
	"github.com/oskit/eventbus/messaging"
)

// Dispatcher turns a delivery body into a handler outcome
type Dispatcher interface {
	Dispatch(ctx context.Context, routingKey string, body []byte) messaging.Outcome
}

// TopologyDeclarer declares the broker topology
type TopologyDeclarer interface {
	Declare(ctx context.Context) error
}

// Republisher sends a failed delivery to the retry path
type Republisher interface {
	Republish(ctx context.Context, delivery amqp.Delivery, eventType string, nextCount int) error
}

// Consumer runs one subscription on the main queue and acknowledges every
// delivery according to the handler outcome
type Consumer struct {
	provider   ChannelProvider
	topology   TopologyDeclarer
	dispatcher Dispatcher
	router     Republisher
	policy     config.RetryPolicy
	queue      string
	prefetch   int
	logger     *slog.Logger
	retry      retryPolicy
	newTag     func() string

	mu       sync.Mutex
	running  bool
	disposed bool
	ch      Channel
	tag     string
	cancel  context.CancelFunc
	done    chan struct{}
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetch = count
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithRetryPolicy sets the message retry policy
func WithRetryPolicy(policy config.RetryPolicy) ConsumerOption {
	return func(c *Consumer) {
		c.policy = policy
	}
}

// NewConsumer creates a consumer of queue
func NewConsumer(provider ChannelProvider, topology TopologyDeclarer, dispatcher Dispatcher, router Republisher, queue string, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		provider:   provider,
		topology:   topology,
		dispatcher: dispatcher,
		router:     router,
		queue:      queue,
		prefetch:   10,
		logger:     slog.Default(),
		retry:      defaultRetryPolicy(),
		newTag:     consumerTag,
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// consumerTag returns <host>.<random hex>
func consumerTag() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "eventbus"
	}
	return host + "." + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// IsRunning reports whether the consumer loop is active
func (c *Consumer) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// ConsumerTag returns the tag of the current subscription
func (c *Consumer) ConsumerTag() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tag
}

// Start declares the topology and starts consuming. Calling Start on a
// running consumer does nothing. A disposed consumer returns
// ErrConsumerClosed.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed {
		return ErrConsumerClosed
	}
	if c.running {
		return nil
	}

	sub, err := c.subscribe(ctx)
	if err != nil {
		return &ConsumerError{
			Queue:     c.queue,
			Op:        "start",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.running = true
	c.ch = sub.ch
	c.tag = sub.tag
	c.cancel = cancel
	c.done = make(chan struct{})

	go c.run(runCtx, sub, c.done)

	c.logger.Info("started consuming",
		"queue", c.queue,
		"consumerTag", sub.tag,
		"prefetchCount", c.prefetch)

	return nil
}

// Stop cancels the subscription and waits for the loop to finish
func (c *Consumer) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	cancel()
	<-done

	c.disposeChannel()
	c.logger.Info("stopped consuming", "queue", c.queue)
	return nil
}

// Dispose stops the consumer and releases its channel. The consumer
// cannot be started again.
func (c *Consumer) Dispose() error {
	c.mu.Lock()
	c.disposed = true
	c.mu.Unlock()
	return c.Stop()
}

type subscription struct {
	ch         Channel
	tag        string
	deliveries <-chan amqp.Delivery
	closed     <-chan *amqp.Error
}

func (c *Consumer) subscribe(ctx context.Context) (subscription, error) {
	if !c.provider.IsConnected() {
		c.provider.TryConnect(ctx)
	}

	if err := c.topology.Declare(ctx); err != nil {
		return subscription{}, err
	}

	ch, err := c.provider.OpenChannel()
	if err != nil {
		return subscription{}, err
	}

	closed := ch.NotifyClose(make(chan *amqp.Error, 1))

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		closeQuietly(ch)
		return subscription{}, err
	}

	tag := c.newTag()
	deliveries, err := ch.Consume(
		c.queue,
		tag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		closeQuietly(ch)
		return subscription{}, err
	}

	return subscription{ch: ch, tag: tag, deliveries: deliveries, closed: closed}, nil
}

// run processes deliveries sequentially until ctx is cancelled
func (c *Consumer) run(ctx context.Context, sub subscription, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return

		case amqpErr, ok := <-sub.closed:
			if ctx.Err() != nil {
				return
			}
			cause := ErrChannelClosed
			if ok && amqpErr != nil {
				cause = amqpErr
			}
			next, err := c.resubscribe(ctx, cause)
			if err != nil {
				return
			}
			sub = next

		case delivery, ok := <-sub.deliveries:
			if !ok {
				if ctx.Err() != nil {
					return
				}
				next, err := c.resubscribe(ctx, ErrDeliveriesClosed)
				if err != nil {
					return
				}
				sub = next
				continue
			}
			c.handleDelivery(ctx, delivery)
		}
	}
}

// resubscribe replaces a failed consumer channel. It keeps trying until it
// succeeds or the consumer is stopped.
func (c *Consumer) resubscribe(ctx context.Context, cause error) (subscription, error) {
	c.logger.Warn("recreating consumer channel", "queue", c.queue, "error", cause)
	c.provider.ReportChannelFailure(cause)
	c.disposeChannel()

	var sub subscription
	attempt := 0
	err := c.retry.run(ctx, unlimitedRetries, func() error {
		attempt++
		var err error
		sub, err = c.subscribe(ctx)
		return err
	}, func(err error, wait time.Duration) {
		c.logger.Warn("could not resubscribe, retrying",
			"queue", c.queue,
			"attempt", attempt,
			"retryIn", wait,
			"error", err)
	})
	if err != nil {
		return subscription{}, err
	}

	c.mu.Lock()
	c.ch = sub.ch
	c.tag = sub.tag
	c.mu.Unlock()

	c.logger.Info("resubscribed", "queue", c.queue, "consumerTag", sub.tag)
	return sub, nil
}

func (c *Consumer) disposeChannel() {
	c.mu.Lock()
	ch := c.ch
	c.ch = nil
	c.mu.Unlock()

	closeQuietly(ch)
}

// handleDelivery dispatches one delivery and settles it
func (c *Consumer) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	outcome := c.dispatcher.Dispatch(ctx, delivery.RoutingKey, delivery.Body)

	switch {
	case outcome.Succeeded():
		c.ack(delivery)

	case outcome.Status == messaging.StatusUnroutable:
		c.logger.Error("no handler registered, dropping delivery",
			"routingKey", delivery.RoutingKey,
			"messageId", delivery.MessageId)
		c.reject(delivery)

	case outcome.Status == messaging.StatusFatal:
		c.logger.Error("event cannot be processed, dropping delivery",
			"routingKey", delivery.RoutingKey,
			"eventId", outcome.EventID,
			"error", outcome.Err)
		c.reject(delivery)

	default:
		c.logger.Error("error processing event",
			"routingKey", delivery.RoutingKey,
			"eventId", outcome.EventID,
			"error", outcome.Err)
		c.retryOrDrop(ctx, delivery, outcome)
	}
}

func (c *Consumer) retryOrDrop(ctx context.Context, delivery amqp.Delivery, outcome messaging.Outcome) {
	if !c.policy.Enabled {
		c.reject(delivery)
		return
	}

	count := RetryCount(delivery.Headers)
	if count >= c.policy.MaxRetry {
		c.logger.Warn("max retry count reached, dropping delivery",
			"routingKey", delivery.RoutingKey,
			"eventId", outcome.EventID,
			"retryCount", count)
		c.reject(delivery)
		return
	}

	if err := c.router.Republish(ctx, delivery, outcome.EventType, count+1); err != nil {
		c.logger.Error("error publishing to the retry exchange, requeueing delivery",
			"routingKey", delivery.RoutingKey,
			"eventId", outcome.EventID,
			"error", err)
		c.requeue(delivery)
		return
	}

	c.ack(delivery)
}

func (c *Consumer) ack(delivery amqp.Delivery) {
	if err := delivery.Ack(false); err != nil {
		c.logSettleError("ack", delivery, err)
	}
}

func (c *Consumer) reject(delivery amqp.Delivery) {
	if err := delivery.Reject(false); err != nil {
		c.logSettleError("reject", delivery, err)
	}
}

func (c *Consumer) requeue(delivery amqp.Delivery) {
	if err := delivery.Nack(false, true); err != nil {
		c.logSettleError("nack", delivery, err)
	}
}

func (c *Consumer) logSettleError(op string, delivery amqp.Delivery, err error) {
	level := slog.LevelError
	if errors.Is(err, amqp.ErrClosed) {
		level = slog.LevelWarn
	}
	c.logger.Log(context.Background(), level, "failed to settle delivery",
		"op", op,
		"deliveryTag", delivery.DeliveryTag,
		"error", err)
}
