// Package cache provides a two-tier cache-aside helper: an in-process TTL
// store in front of a Redis JSON store, with an optional fallback loader.
//
// The event bus does not depend on this package. Services use it next to the
// bus to keep read models close to their handlers.
package cache
