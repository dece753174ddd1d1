// Package messaging maps event type names to typed handlers and turns handler
// results into explicit dispatch outcomes.
//
// Handlers are registered on a RegistryBuilder before the bus starts:
//
//	b := messaging.NewRegistryBuilder()
//	messaging.Register(b, "OrderPlaced", func(ctx context.Context, e *OrderPlaced) error {
//		return process(e)
//	})
//	registry, err := b.Build()
//
// A handler error is retryable unless it is wrapped with Permanent. Panics in
// handlers are recovered and reported as retryable failures.
package messaging
