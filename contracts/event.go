package contracts

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event is the interface every published or consumed event satisfies
type Event interface {
	GetID() string
	GetCreatedAt() time.Time
	GetType() string
}

// BaseEvent provides the common fields for all events
type BaseEvent struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	Type      string    `json:"type"`
}

// NewBaseEvent creates a base event with a generated ID (32 hex digits) and the
// current UTC time
func NewBaseEvent(eventType string) BaseEvent {
	return BaseEvent{
		ID:        strings.ReplaceAll(uuid.New().String(), "-", ""),
		CreatedAt: time.Now().UTC(),
		Type:      eventType,
	}
}

// RestoreBaseEvent rebuilds a base event from already known identity fields
func RestoreBaseEvent(id string, createdAt time.Time, eventType string) BaseEvent {
	return BaseEvent{
		ID:        id,
		CreatedAt: createdAt,
		Type:      eventType,
	}
}

// GetID returns the event ID
func (e BaseEvent) GetID() string {
	return e.ID
}

// GetCreatedAt returns the creation timestamp
func (e BaseEvent) GetCreatedAt() time.Time {
	return e.CreatedAt
}

// GetType returns the type discriminator
func (e BaseEvent) GetType() string {
	return e.Type
}

// RawEvent carries an untyped JSON payload. Tooling uses it when the concrete
// Go type of an event is not known.
type RawEvent struct {
	BaseEvent
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewRawEvent creates a raw event of the given type
func NewRawEvent(eventType string, payload json.RawMessage) *RawEvent {
	return &RawEvent{
		BaseEvent: NewBaseEvent(eventType),
		Payload:   payload,
	}
}
