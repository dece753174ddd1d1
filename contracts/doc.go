// Package contracts defines the event envelope that travels over the bus.
//
// Every event embeds BaseEvent, which carries the identity, the creation
// timestamp and the type discriminator. The type discriminator doubles as the
// routing key on the main exchange, so it must be unique per event kind.
// The remaining fields of the embedding struct are the application payload and
// are serialized as UTF-8 JSON next to the base fields.
package contracts
