// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package eventbus is a durable, retry-aware event bus on an AMQP 0-9-1
// broker. A Bus publishes events to a direct exchange keyed by event type and
// consumes them from one queue, sending failed deliveries through a TTL retry
// queue until the configured retry budget is spent.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/oskit/eventbus/config"
	"github.com/oskit/eventbus/contracts"
	"github.com/oskit/eventbus/health"
	"github.com/oskit/eventbus/internal/rabbitmq"
	"github.com/oskit/eventbus/messaging"
)

var (
	ErrNotConnected         = rabbitmq.ErrNotConnected
	ErrMaxRetriesExceeded   = rabbitmq.ErrMaxRetriesExceeded
	ErrInvalidConfiguration = rabbitmq.ErrInvalidConfiguration
	ErrClosed               = errors.New("event bus is closed")
)

type (
	PublishError            = rabbitmq.PublishError
	ConsumerError           = rabbitmq.ConsumerError
	ConnectionError         = rabbitmq.ConnectionError
	TopologyError           = rabbitmq.TopologyError
	Topology                = rabbitmq.Topology
	QueueStats              = rabbitmq.QueueStats
	ConnectionState         = rabbitmq.State
	ConnectionStateListener = rabbitmq.ConnectionStateListener
)

// Bus wires the connection supervisor, topology, publisher and consumer of one
// service
type Bus struct {
	settings   config.Settings
	logger     *slog.Logger
	supervisor *rabbitmq.ConnectionSupervisor
	topology   *rabbitmq.TopologyManager
	publisher  *rabbitmq.Publisher
	router     *rabbitmq.RetryRouter
	consumer   *rabbitmq.Consumer
	dispatcher *messaging.Dispatcher
	health     *health.Registry

	mu     sync.Mutex
	closed bool
}

// busConfig holds bus configuration
type busConfig struct {
	logger            *slog.Logger
	middleware        []messaging.MiddlewareFunc
	maxQueueMessages  int
	connectionOptions []rabbitmq.ConnectionOption
}

// Option configures the bus
type Option func(*busConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *busConfig) {
		cfg.logger = logger
	}
}

// WithMiddleware wraps every handler invocation
func WithMiddleware(middleware ...messaging.MiddlewareFunc) Option {
	return func(cfg *busConfig) {
		cfg.middleware = append(cfg.middleware, middleware...)
	}
}

// WithMaxQueueMessages sets the queue depth reported as degraded by the health check
func WithMaxQueueMessages(n int) Option {
	return func(cfg *busConfig) {
		cfg.maxQueueMessages = n
	}
}

func withConnectionOptions(options ...rabbitmq.ConnectionOption) Option {
	return func(cfg *busConfig) {
		cfg.connectionOptions = append(cfg.connectionOptions, options...)
	}
}

// New creates a bus for the given settings. The registry decides which event
// types are bound to the queue and dispatched to handlers, a nil registry
// gives a publish-only bus. New does not touch the broker.
//
// Settings are best built from config.Defaults or config.LoadFromEnv. Zero
// values for the prefetch count, the confirm timeout and the retry limit of an
// enabled retry policy fall back to those defaults.
func New(settings config.Settings, registry *messaging.Registry, options ...Option) (*Bus, error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	settings = withDefaults(settings)

	cfg := &busConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	logger := cfg.logger.With("component", "eventbus", "queue", settings.QueueName)

	connectionOptions := append([]rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(logger),
		rabbitmq.WithMaxRetries(settings.ConnectRetryCount),
	}, cfg.connectionOptions...)
	supervisor := rabbitmq.NewConnectionSupervisor(settings.AMQPURL(), connectionOptions...)

	dispatcher := messaging.NewDispatcher(registry,
		messaging.WithDispatcherLogger(logger),
		messaging.WithMiddleware(cfg.middleware...))

	topology := rabbitmq.NewTopology(settings, dispatcher.TypeNames())
	topologyManager := rabbitmq.NewTopologyManager(supervisor, topology,
		rabbitmq.WithTopologyLogger(logger))

	publisher := rabbitmq.NewPublisher(supervisor, topology,
		rabbitmq.WithPublisherLogger(logger),
		rabbitmq.WithPublishRetries(settings.TransportRetries()),
		rabbitmq.WithConfirmTimeout(settings.ConfirmTimeout))

	router := rabbitmq.NewRetryRouter(supervisor, topology, settings.Retry,
		rabbitmq.WithRetryRouterLogger(logger),
		rabbitmq.WithRepublishRetries(settings.TransportRetries()),
		rabbitmq.WithRepublishConfirmTimeout(settings.ConfirmTimeout))

	consumer := rabbitmq.NewConsumer(supervisor, topologyManager, dispatcher, router, topology.Queue,
		rabbitmq.WithConsumerLogger(logger),
		rabbitmq.WithPrefetchCount(settings.PrefetchCount),
		rabbitmq.WithRetryPolicy(settings.Retry))

	var queueOptions []health.QueueCheckerOption
	if cfg.maxQueueMessages > 0 {
		queueOptions = append(queueOptions, health.WithMaxMessages(cfg.maxQueueMessages))
	}

	return &Bus{
		settings:   settings,
		logger:     logger,
		supervisor: supervisor,
		topology:   topologyManager,
		publisher:  publisher,
		router:     router,
		consumer:   consumer,
		dispatcher: dispatcher,
		health: health.NewRegistry(
			health.NewBrokerChecker(supervisor),
			health.NewQueueChecker(topologyManager, queueOptions...),
		),
	}, nil
}

// Connect establishes the broker connection
func (b *Bus) Connect(ctx context.Context) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.supervisor.Connect(ctx)
}

// State returns the state of the broker connection
func (b *Bus) State() ConnectionState {
	return b.supervisor.State()
}

// AddConnectionListener registers a listener for connection state changes
func (b *Bus) AddConnectionListener(listener ConnectionStateListener) {
	b.supervisor.AddStateListener(listener)
}

// Publish sends one event routed by its type
func (b *Bus) Publish(ctx context.Context, event contracts.Event) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.publisher.Publish(ctx, event)
}

// PublishBatch sends the events in confirm mode and returns the events the
// broker did not confirm
func (b *Bus) PublishBatch(ctx context.Context, events []contracts.Event) ([]contracts.Event, error) {
	if len(events) == 0 {
		return nil, nil
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	return b.publisher.PublishBatch(ctx, events)
}

// SubscribeAndStartConsuming declares the topology and starts the consumer.
// It is idempotent.
func (b *Bus) SubscribeAndStartConsuming(ctx context.Context) error {
	return b.Start(ctx)
}

// Start is an alias of SubscribeAndStartConsuming
func (b *Bus) Start(ctx context.Context) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.consumer.Start(ctx)
}

// Stop stops consuming. The connection stays open.
func (b *Bus) Stop() error {
	return b.consumer.Stop()
}

// IsRunning reports whether the consumer is running
func (b *Bus) IsRunning() bool {
	return b.consumer.IsRunning()
}

// DeclareTopology declares exchanges, queues and bindings without consuming
func (b *Bus) DeclareTopology(ctx context.Context) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if !b.supervisor.IsConnected() {
		if err := b.supervisor.Connect(ctx); err != nil {
			return err
		}
	}
	return b.topology.Declare(ctx)
}

// Topology returns the names and event types the bus works with
func (b *Bus) Topology() Topology {
	return b.topology.Topology()
}

// Inspect returns the message and consumer counts of the main and retry queue
func (b *Bus) Inspect(ctx context.Context) (QueueStats, error) {
	return b.topology.Inspect(ctx)
}

// Health returns the health check registry. Callers may register their own checks.
func (b *Bus) Health() *health.Registry {
	return b.health
}

// CheckHealth runs all health checks
func (b *Bus) CheckHealth(ctx context.Context) health.OverallHealth {
	return b.health.Check(ctx)
}

// Dispose stops the consumer and closes the connection
func (b *Bus) Dispose() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	var errs []error
	if err := b.consumer.Dispose(); err != nil {
		errs = append(errs, err)
	}
	if err := b.supervisor.Close(); err != nil {
		errs = append(errs, err)
	}

	b.logger.Info("event bus disposed")
	return errors.Join(errs...)
}

// Close is an alias of Dispose
func (b *Bus) Close() error {
	return b.Dispose()
}

// withDefaults fills zero values that would otherwise mean an unbounded
// prefetch or a retry path that drops every failure
func withDefaults(settings config.Settings) config.Settings {
	defaults := config.Defaults()
	if settings.PrefetchCount <= 0 {
		settings.PrefetchCount = defaults.PrefetchCount
	}
	if settings.ConfirmTimeout <= 0 {
		settings.ConfirmTimeout = defaults.ConfirmTimeout
	}
	if settings.Retry.Enabled && settings.Retry.MaxRetry <= 0 {
		settings.Retry.MaxRetry = defaults.Retry.MaxRetry
	}
	return settings
}

func (b *Bus) checkOpen() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}
