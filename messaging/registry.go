package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/oskit/eventbus/config"
	"github.com/oskit/eventbus/contracts"
)

// DecodeFunc turns a JSON payload into a typed event
type DecodeFunc func(body []byte) (contracts.Event, error)

// HandleFunc delivers a decoded event to its handler
type HandleFunc func(ctx context.Context, event contracts.Event) error

// Registration binds a type name to its decoder and handler
type Registration struct {
	TypeName string
	Decode   DecodeFunc
	Handle   HandleFunc
}

// Registry is an immutable lookup of registrations by type name
type Registry struct {
	entries map[string]Registration
}

// Lookup returns the registration for a type name
func (r *Registry) Lookup(typeName string) (Registration, bool) {
	if r == nil {
		return Registration{}, false
	}
	reg, ok := r.entries[typeName]
	return reg, ok
}

// TypeNames returns the registered type names in sorted order
func (r *Registry) TypeNames() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registrations
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.entries)
}

// RegistryBuilder collects registrations before the bus starts
type RegistryBuilder struct {
	entries map[string]Registration
	errs    []error
}

// NewRegistryBuilder creates an empty builder
func NewRegistryBuilder() *RegistryBuilder {
	return &RegistryBuilder{entries: make(map[string]Registration)}
}

// Add registers a raw registration
func (b *RegistryBuilder) Add(reg Registration) *RegistryBuilder {
	switch {
	case reg.TypeName == "":
		b.errs = append(b.errs, fmt.Errorf("type name cannot be empty"))
	case strings.HasSuffix(reg.TypeName, config.RetrySuffix):
		// the suffix marks the retry path and is stripped before lookup
		b.errs = append(b.errs, fmt.Errorf("%w: %s must not end with %s", ErrReservedTypeName, reg.TypeName, config.RetrySuffix))
	case reg.Decode == nil:
		b.errs = append(b.errs, fmt.Errorf("decoder cannot be nil for %s", reg.TypeName))
	case reg.Handle == nil:
		b.errs = append(b.errs, fmt.Errorf("handler cannot be nil for %s", reg.TypeName))
	default:
		if _, exists := b.entries[reg.TypeName]; exists {
			b.errs = append(b.errs, fmt.Errorf("%w: %s", ErrDuplicateRegistration, reg.TypeName))
			return b
		}
		b.entries[reg.TypeName] = reg
	}
	return b
}

// Build returns the registry or the first registration error
func (b *RegistryBuilder) Build() (*Registry, error) {
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	entries := make(map[string]Registration, len(b.entries))
	for k, v := range b.entries {
		entries[k] = v
	}
	return &Registry{entries: entries}, nil
}

// Register adds a typed handler for events of type T. T is usually a pointer to
// a struct embedding contracts.BaseEvent; the payload is decoded with encoding/json.
func Register[T contracts.Event](b *RegistryBuilder, typeName string, handler func(ctx context.Context, event T) error) *RegistryBuilder {
	if handler == nil {
		return b.Add(Registration{TypeName: typeName, Decode: decodeJSON[T]})
	}
	return b.Add(Registration{
		TypeName: typeName,
		Decode:   decodeJSON[T],
		Handle: func(ctx context.Context, event contracts.Event) error {
			typed, ok := event.(T)
			if !ok {
				return Permanent(fmt.Errorf("event %T is not a %s", event, typeName))
			}
			return handler(ctx, typed)
		},
	})
}

func decodeJSON[T contracts.Event](body []byte) (contracts.Event, error) {
	target := new(T)
	if err := json.Unmarshal(body, target); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailed, err)
	}
	if v := reflect.ValueOf(*target); !v.IsValid() || (v.Kind() == reflect.Pointer && v.IsNil()) {
		return nil, fmt.Errorf("%w: empty payload", ErrDecodeFailed)
	}
	return *target, nil
}
