package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/oskit/eventbus/contracts"
)

// LoggingMiddleware logs every handler call with its duration
func LoggingMiddleware(logger *slog.Logger) MiddlewareFunc {
	if logger == nil {
		logger = slog.Default()
	}

	return func(ctx context.Context, event contracts.Event, next HandleFunc) error {
		start := time.Now()

		err := next(ctx, event)
		duration := time.Since(start)

		if err != nil {
			logger.Error("event processing failed",
				"eventId", event.GetID(),
				"eventType", event.GetType(),
				"duration", duration,
				"permanent", IsPermanent(err),
				"error", err,
			)
		} else {
			logger.Info("event processed",
				"eventId", event.GetID(),
				"eventType", event.GetType(),
				"duration", duration,
			)
		}

		return err
	}
}

// ValidationMiddleware validates events implementing validation.Validatable
// before the handler runs. An invalid event can never succeed, so the
// failure is permanent.
func ValidationMiddleware() MiddlewareFunc {
	return func(ctx context.Context, event contracts.Event, next HandleFunc) error {
		if v, ok := event.(validation.Validatable); ok {
			if err := v.Validate(); err != nil {
				return Permanent(fmt.Errorf("event validation failed: %w", err))
			}
		}
		return next(ctx, event)
	}
}

// TimeoutMiddleware bounds the handler context
func TimeoutMiddleware(timeout time.Duration) MiddlewareFunc {
	return func(ctx context.Context, event contracts.Event, next HandleFunc) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return next(ctx, event)
	}
}

// FilterMiddleware skips events for which accept returns false. Skipped
// events count as handled.
func FilterMiddleware(accept func(ctx context.Context, event contracts.Event) bool) MiddlewareFunc {
	return func(ctx context.Context, event contracts.Event, next HandleFunc) error {
		if !accept(ctx, event) {
			return nil
		}
		return next(ctx, event)
	}
}
