package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/oskit/eventbus/config"
	"github.com/oskit/eventbus/contracts"
)

// MiddlewareFunc wraps handler invocation for cross-cutting concerns
type MiddlewareFunc func(ctx context.Context, event contracts.Event, next HandleFunc) error

// Dispatcher resolves routing keys to registered handlers
type Dispatcher struct {
	registry   *Registry
	logger     *slog.Logger
	middleware []MiddlewareFunc
}

// DispatcherOption configures the Dispatcher
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithMiddleware adds middleware to the dispatcher
func WithMiddleware(middleware ...MiddlewareFunc) DispatcherOption {
	return func(d *Dispatcher) {
		d.middleware = append(d.middleware, middleware...)
	}
}

// NewDispatcher creates a dispatcher over a built registry
func NewDispatcher(registry *Registry, options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(d)
	}

	return d
}

// TypeNames returns the registered event type names
func (d *Dispatcher) TypeNames() []string {
	return d.registry.TypeNames()
}

// EventTypeFromRoutingKey strips the retry suffix from a routing key
func EventTypeFromRoutingKey(routingKey string) string {
	return strings.TrimSuffix(routingKey, config.RetrySuffix)
}

// Dispatch decodes the body and invokes the handler registered for the routing key
func (d *Dispatcher) Dispatch(ctx context.Context, routingKey string, body []byte) Outcome {
	typeName := EventTypeFromRoutingKey(routingKey)

	reg, ok := d.registry.Lookup(typeName)
	if !ok {
		return Outcome{
			Status:    StatusUnroutable,
			EventType: typeName,
			Err:       fmt.Errorf("%w: %s", ErrUnknownEventType, typeName),
		}
	}

	event, err := reg.Decode(body)
	if err != nil {
		return Outcome{Status: StatusFatal, EventType: typeName, Err: err}
	}

	d.logger.Debug("processing event", "eventType", typeName, "eventId", event.GetID())

	err = d.invoke(ctx, d.buildMiddlewareChain(reg.Handle), event)
	return outcomeFor(eventInfo{typeName: typeName, id: event.GetID()}, err)
}

// invoke runs the handler and turns a panic into a retryable failure
func (d *Dispatcher) invoke(ctx context.Context, handle HandleFunc, event contracts.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in handler for %s: %v", event.GetType(), r)
		}
	}()
	return handle(ctx, event)
}

// buildMiddlewareChain builds the middleware execution chain
func (d *Dispatcher) buildMiddlewareChain(handler HandleFunc) HandleFunc {
	result := handler
	for i := len(d.middleware) - 1; i >= 0; i-- {
		middleware := d.middleware[i]
		next := result
		result = func(ctx context.Context, event contracts.Event) error {
			return middleware(ctx, event, next)
		}
	}
	return result
}
