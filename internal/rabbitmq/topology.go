package rabbitmq

import (
	"context"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/oskit/eventbus/config"
)

const (
	headerMessageTTL         = "x-message-ttl"
	headerDeadLetterExchange = "x-dead-letter-exchange"
)

// Topology names the exchanges and queues of one bus instance
type Topology struct {
	Exchange           string
	Queue              string
	DeadLetterExchange string
	RetryExchange      string
	RetryQueue         string
	ExchangeTTLSeconds int
	QueueTTLSeconds    int
	EventTypes         []string
}

// NewTopology derives the topology from the settings and the consumed event types
func NewTopology(settings config.Settings, eventTypes []string) Topology {
	return Topology{
		Exchange:           settings.ExchangeName,
		Queue:              settings.QueueName,
		DeadLetterExchange: settings.DeadLetterExchange(),
		RetryExchange:      settings.RetryExchange(),
		RetryQueue:         settings.RetryQueue(),
		ExchangeTTLSeconds: settings.ExchangeTTLSeconds,
		QueueTTLSeconds:    settings.QueueTTLSeconds,
		EventTypes:         append([]string(nil), eventTypes...),
	}
}

// RetryRoutingKey returns the routing key of the retry hop for an event type
func RetryRoutingKey(eventType string) string {
	return eventType + config.RetrySuffix
}

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name      string
	Type      string
	Durable   bool
	Arguments amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name      string
	Durable   bool
	Arguments amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
}

// Plan is the ordered list of declarations for a topology
type Plan struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// MainExchange returns the declaration of the main exchange
func (t Topology) MainExchange() ExchangeDeclaration {
	return ExchangeDeclaration{
		Name:      t.Exchange,
		Type:      amqp.ExchangeDirect,
		Durable:   true,
		Arguments: ttlArguments(t.ExchangeTTLSeconds),
	}
}

// Plan returns the declarations in the order they must be applied
func (t Topology) Plan() Plan {
	plan := Plan{
		Exchanges: []ExchangeDeclaration{
			{Name: t.DeadLetterExchange, Type: amqp.ExchangeDirect, Durable: true},
			{Name: t.RetryExchange, Type: amqp.ExchangeDirect, Durable: true},
			t.MainExchange(),
		},
		Queues: []QueueDeclaration{
			{Name: t.Queue, Durable: true, Arguments: ttlArguments(t.QueueTTLSeconds)},
			{Name: t.RetryQueue, Durable: true, Arguments: amqp.Table{headerDeadLetterExchange: t.DeadLetterExchange}},
		},
	}

	for _, eventType := range t.EventTypes {
		retryKey := RetryRoutingKey(eventType)
		plan.Bindings = append(plan.Bindings,
			Binding{Queue: t.Queue, Exchange: t.Exchange, RoutingKey: eventType},
			Binding{Queue: t.RetryQueue, Exchange: t.RetryExchange, RoutingKey: retryKey},
			Binding{Queue: t.Queue, Exchange: t.DeadLetterExchange, RoutingKey: retryKey},
		)
	}

	return plan
}

func ttlArguments(seconds int) amqp.Table {
	if seconds <= 0 {
		return nil
	}
	return amqp.Table{headerMessageTTL: int32(seconds * 1000)}
}

// QueueInfo holds the counters of one queue
type QueueInfo struct {
	Name      string
	Messages  int
	Consumers int
}

// QueueStats holds the counters of the main and retry queue
type QueueStats struct {
	Queue QueueInfo
	Retry QueueInfo
}

// TopologyManager declares the topology on the broker
type TopologyManager struct {
	provider ChannelProvider
	topology Topology
	logger   *slog.Logger
}

// TopologyOption configures the TopologyManager
type TopologyOption func(*TopologyManager)

// WithTopologyLogger sets the logger
func WithTopologyLogger(logger *slog.Logger) TopologyOption {
	return func(tm *TopologyManager) {
		tm.logger = logger
	}
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(provider ChannelProvider, topology Topology, options ...TopologyOption) *TopologyManager {
	tm := &TopologyManager{
		provider: provider,
		topology: topology,
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(tm)
	}

	return tm
}

// Topology returns the managed topology
func (tm *TopologyManager) Topology() Topology {
	return tm.topology
}

// Declare declares exchanges, queues and bindings. It is safe to call
// repeatedly.
func (tm *TopologyManager) Declare(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if !tm.provider.IsConnected() {
		tm.provider.TryConnect(ctx)
	}

	ch, err := tm.provider.OpenChannel()
	if err != nil {
		return err
	}
	defer closeQuietly(ch)

	plan := tm.topology.Plan()

	for _, exchange := range plan.Exchanges {
		if err := declareExchange(ch, exchange); err != nil {
			return topologyError("exchange", exchange.Name, "declare", err)
		}
	}

	for _, queue := range plan.Queues {
		if err := declareQueue(ch, queue); err != nil {
			return topologyError("queue", queue.Name, "declare", err)
		}
	}

	for _, binding := range plan.Bindings {
		if err := bindQueue(ch, binding); err != nil {
			return topologyError("binding", binding.Queue+"<-"+binding.Exchange+":"+binding.RoutingKey, "bind", err)
		}
	}

	tm.logger.Info("topology declared",
		"exchange", tm.topology.Exchange,
		"queue", tm.topology.Queue,
		"eventTypes", len(tm.topology.EventTypes))

	return nil
}

// Inspect returns message and consumer counts of the main and retry queue
func (tm *TopologyManager) Inspect(ctx context.Context) (QueueStats, error) {
	if err := ctx.Err(); err != nil {
		return QueueStats{}, err
	}

	var stats QueueStats
	for _, target := range []struct {
		name string
		info *QueueInfo
	}{
		{tm.topology.Queue, &stats.Queue},
		{tm.topology.RetryQueue, &stats.Retry},
	} {
		// a failed passive declare closes the channel, so each queue gets its own
		ch, err := tm.provider.OpenChannel()
		if err != nil {
			return QueueStats{}, err
		}
		q, err := ch.QueueDeclarePassive(target.name, true, false, false, false, nil)
		closeQuietly(ch)
		if err != nil {
			return QueueStats{}, topologyError("queue", target.name, "inspect", err)
		}
		*target.info = QueueInfo{Name: q.Name, Messages: q.Messages, Consumers: q.Consumers}
	}

	return stats, nil
}

func declareExchange(ch Channel, exchange ExchangeDeclaration) error {
	return ch.ExchangeDeclare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		false, // auto-delete
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
}

func declareQueue(ch Channel, queue QueueDeclaration) error {
	_, err := ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		queue.Arguments,
	)
	return err
}

func bindQueue(ch Channel, binding Binding) error {
	return ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		nil,
	)
}

func topologyError(component, name, op string, err error) error {
	return &TopologyError{
		Component: component,
		Name:      name,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}
