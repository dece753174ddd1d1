package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/oskit/eventbus/contracts"
)

const contentTypeJSON = "application/json"

// Publisher publishes events to the main exchange
type Publisher struct {
	provider       ChannelProvider
	topology       Topology
	confirmTimeout time.Duration
	maxRetries     int
	logger         *slog.Logger
	retry          retryPolicy
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets how long a batch waits for broker confirms
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublishRetries sets how many times a publish is retried on transport errors
func WithPublishRetries(retries int) PublisherOption {
	return func(p *Publisher) {
		p.maxRetries = retries
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a new publisher
func NewPublisher(provider ChannelProvider, topology Topology, options ...PublisherOption) *Publisher {
	p := &Publisher{
		provider:       provider,
		topology:       topology,
		confirmTimeout: 5 * time.Second,
		logger:         slog.Default(),
		retry:          defaultRetryPolicy(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish sends one event to the main exchange with the event type as routing
// key. Transport failures are retried with exponential backoff.
func (p *Publisher) Publish(ctx context.Context, event contracts.Event) error {
	msg, err := newPublishing(event)
	if err != nil {
		return p.publishError(event, err)
	}

	attempt := 0
	err = p.retry.run(ctx, p.maxRetries, func() error {
		attempt++
		return transportOnly(p.publishOnce(ctx, event, msg))
	}, func(err error, wait time.Duration) {
		p.logger.Warn("could not publish event, retrying",
			"eventId", event.GetID(),
			"eventType", event.GetType(),
			"attempt", attempt,
			"retryIn", wait,
			"error", err)
	})
	if err != nil {
		p.logger.Error("failed to publish event",
			"eventId", event.GetID(),
			"eventType", event.GetType(),
			"error", err)
		return p.publishError(event, err)
	}

	p.logger.Debug("event published", "eventId", event.GetID(), "eventType", event.GetType())
	return nil
}

func (p *Publisher) publishOnce(ctx context.Context, event contracts.Event, msg amqp.Publishing) error {
	if !p.provider.IsConnected() {
		p.provider.TryConnect(ctx)
	}

	ch, err := p.provider.OpenChannel()
	if err != nil {
		return err
	}
	defer closeQuietly(ch)

	if err := declareExchange(ch, p.topology.MainExchange()); err != nil {
		return err
	}

	return ch.PublishWithContext(ctx, p.topology.Exchange, event.GetType(), true, false, msg)
}

// PublishBatch publishes events on one channel in confirm mode and returns the
// events the broker did not confirm. The error is reserved for failures that
// prevent the batch from being sent at all.
func (p *Publisher) PublishBatch(ctx context.Context, events []contracts.Event) ([]contracts.Event, error) {
	if len(events) == 0 {
		return nil, nil
	}

	if !p.provider.IsConnected() {
		p.provider.TryConnect(ctx)
	}

	ch, err := p.provider.OpenChannel()
	if err != nil {
		return nil, p.batchError(err)
	}
	defer closeQuietly(ch)

	if err := ch.Confirm(false); err != nil {
		return nil, p.batchError(fmt.Errorf("enable confirm mode: %w", err))
	}
	if err := declareExchange(ch, p.topology.MainExchange()); err != nil {
		return nil, p.batchError(err)
	}

	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, len(events)))
	returns := ch.NotifyReturn(make(chan amqp.Return, len(events)))

	tracker := newConfirmTracker()
	for i, event := range events {
		msg, err := newPublishing(event)
		if err != nil {
			p.logger.Error("failed to encode event", "eventId", event.GetID(), "error", err)
			tracker.Fail(events[i:]...)
			break
		}

		seq := ch.GetNextPublishSeqNo()
		msg.Headers = amqp.Table{HeaderPublishSequence: int64(seq)}
		tracker.Track(seq, event)
		if err := ch.PublishWithContext(ctx, p.topology.Exchange, event.GetType(), true, false, msg); err != nil {
			p.logger.Error("batch publish interrupted",
				"eventId", event.GetID(),
				"remaining", len(events)-i,
				"error", err)
			tracker.Nack(seq, false)
			tracker.Fail(events[i+1:]...)
			break
		}
	}

	p.awaitConfirms(ctx, tracker, confirms, returns)

	nacked := tracker.Nacked()
	if len(nacked) > 0 {
		p.logger.Warn("batch publish incomplete", "published", len(events), "nacked", len(nacked))
	}
	return nacked, nil
}

// awaitConfirms feeds confirmations and returns into the tracker until nothing
// is pending or the confirm timeout elapses
func (p *Publisher) awaitConfirms(ctx context.Context, tracker *confirmTracker, confirms <-chan amqp.Confirmation, returns <-chan amqp.Return) {
	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

wait:
	for tracker.Pending() > 0 {
		select {
		case confirm, ok := <-confirms:
			if !ok {
				break wait
			}
			drainReturns(tracker, returns)
			if confirm.Ack {
				tracker.Ack(confirm.DeliveryTag, false)
			} else {
				p.logger.Warn("event nacked by broker", "sequenceNumber", confirm.DeliveryTag)
				tracker.Nack(confirm.DeliveryTag, false)
			}

		case ret, ok := <-returns:
			if !ok {
				returns = nil
				continue
			}
			p.logger.Warn("event returned as unroutable",
				"eventId", ret.MessageId,
				"routingKey", ret.RoutingKey,
				"reply", ret.ReplyText)
			returnToTracker(tracker, ret)

		case <-timer.C:
			p.logger.Warn("timed out waiting for publish confirms",
				"timeout", p.confirmTimeout,
				"pending", tracker.Pending())
			break wait

		case <-ctx.Done():
			break wait
		}
	}

	drainReturns(tracker, returns)
	tracker.Expire()
}

func drainReturns(tracker *confirmTracker, returns <-chan amqp.Return) {
	if returns == nil {
		return
	}
	for {
		select {
		case ret, ok := <-returns:
			if !ok {
				return
			}
			returnToTracker(tracker, ret)
		default:
			return
		}
	}
}

func returnToTracker(tracker *confirmTracker, ret amqp.Return) {
	if seq, ok := publishSequence(ret.Headers); ok {
		tracker.Return(seq)
	}
}

func (p *Publisher) publishError(event contracts.Event, err error) error {
	return &PublishError{
		Exchange:   p.topology.Exchange,
		RoutingKey: event.GetType(),
		EventID:    event.GetID(),
		Err:        err,
		Timestamp:  time.Now(),
	}
}

func (p *Publisher) batchError(err error) error {
	return &PublishError{
		Exchange:   p.topology.Exchange,
		RoutingKey: "batch",
		Err:        err,
		Timestamp:  time.Now(),
	}
}

// newPublishing encodes an event as a persistent JSON message
func newPublishing(event contracts.Event) (amqp.Publishing, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("encode event %s: %w", event.GetID(), err)
	}

	createdAt := event.GetCreatedAt()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	return amqp.Publishing{
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp.Persistent,
		MessageId:    event.GetID(),
		Type:         event.GetType(),
		Timestamp:    createdAt,
		Body:         body,
	}, nil
}
