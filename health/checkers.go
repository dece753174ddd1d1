package health

import (
	"context"
	"fmt"
	"time"

	"github.com/oskit/eventbus/internal/rabbitmq"
)

// BrokerConnection is the view of the connection supervisor used by BrokerChecker
type BrokerConnection interface {
	State() rabbitmq.State
	OpenChannel() (rabbitmq.Channel, error)
}

// BrokerChecker checks the broker connection
type BrokerChecker struct {
	conn BrokerConnection
}

// NewBrokerChecker creates a new broker health checker
func NewBrokerChecker(conn BrokerConnection) *BrokerChecker {
	return &BrokerChecker{conn: conn}
}

func (c *BrokerChecker) Name() string {
	return "broker"
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	state := c.conn.State()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]interface{}{"state": state.String()},
	}

	switch state {
	case rabbitmq.StateConnected:
	case rabbitmq.StateDegraded:
		result.Status = StatusDegraded
		result.Message = "Connection is blocked by the broker"
		result.Duration = time.Since(start)
		return result
	default:
		result.Status = StatusUnhealthy
		result.Message = "Not connected"
		result.Duration = time.Since(start)
		return result
	}

	// Opening a channel proves the connection is usable
	ch, err := c.conn.OpenChannel()
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to open channel"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	_ = ch.Close()

	result.Status = StatusHealthy
	result.Message = "Connection is healthy"
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// QueueInspector returns queue counters
type QueueInspector interface {
	Inspect(ctx context.Context) (rabbitmq.QueueStats, error)
}

// QueueChecker checks the main and retry queue
type QueueChecker struct {
	inspector   QueueInspector
	maxMessages int
}

// QueueCheckerOption configures the QueueChecker
type QueueCheckerOption func(*QueueChecker)

// WithMaxMessages sets the queue depth above which the queues are degraded
func WithMaxMessages(n int) QueueCheckerOption {
	return func(c *QueueChecker) {
		c.maxMessages = n
	}
}

// NewQueueChecker creates a new queue health checker
func NewQueueChecker(inspector QueueInspector, options ...QueueCheckerOption) *QueueChecker {
	c := &QueueChecker{
		inspector:   inspector,
		maxMessages: 10000,
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

func (c *QueueChecker) Name() string {
	return "queues"
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	stats, err := c.inspector.Inspect(ctx)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Queues not accessible"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Details["queue_name"] = stats.Queue.Name
	result.Details["message_count"] = stats.Queue.Messages
	result.Details["consumer_count"] = stats.Queue.Consumers
	result.Details["retry_queue_name"] = stats.Retry.Name
	result.Details["retry_message_count"] = stats.Retry.Messages

	result.Status = StatusHealthy
	result.Message = "Queues are accessible"

	switch {
	case stats.Queue.Messages > c.maxMessages:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Queue %s has high message count", stats.Queue.Name)
	case stats.Retry.Messages > c.maxMessages:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Retry queue %s has high message count", stats.Retry.Name)
	}

	result.Duration = time.Since(start)
	return result
}
