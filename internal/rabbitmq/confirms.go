package rabbitmq

import (
	"sort"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/oskit/eventbus/contracts"
)

// HeaderPublishSequence carries the publish sequence number of a batch
// message so a returned message can be matched to the event that produced it
const HeaderPublishSequence = "x-publish-seq"

// confirmTracker tracks events published in confirm mode until the broker
// acks or nacks them. Events are identified by sequence number only, so
// events sharing an ID are tracked independently.
type confirmTracker struct {
	mu          sync.Mutex
	outstanding map[uint64]contracts.Event
	nacked      []contracts.Event
}

func newConfirmTracker() *confirmTracker {
	return &confirmTracker{
		outstanding: make(map[uint64]contracts.Event),
	}
}

// Track records the event published with sequence number seq
func (t *confirmTracker) Track(seq uint64, event contracts.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.outstanding[seq] = event
}

// Ack removes the event with tag, or every event up to tag when multiple is set
func (t *confirmTracker) Ack(tag uint64, multiple bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, seq := range t.settled(tag, multiple) {
		delete(t.outstanding, seq)
	}
}

// Nack moves the event with tag, or every event up to tag, to the nacked list
func (t *confirmTracker) Nack(tag uint64, multiple bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, seq := range t.settled(tag, multiple) {
		t.nackSeq(seq)
	}
}

// Return nacks the event published with sequence number seq. The broker
// returns an unroutable message before it acks it.
func (t *confirmTracker) Return(seq uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nackSeq(seq)
}

// Fail nacks events that were never published
func (t *confirmTracker) Fail(events ...contracts.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nacked = append(t.nacked, events...)
}

// Expire nacks every event still waiting for a confirm
func (t *confirmTracker) Expire() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, seq := range t.pendingTags() {
		t.nackSeq(seq)
	}
}

// Pending returns the number of events waiting for a confirm
func (t *confirmTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.outstanding)
}

// Nacked returns the nacked events in the order they were nacked, nil if none
func (t *confirmTracker) Nacked() []contracts.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.nacked) == 0 {
		return nil
	}
	return append([]contracts.Event(nil), t.nacked...)
}

func (t *confirmTracker) settled(tag uint64, multiple bool) []uint64 {
	if !multiple {
		if _, ok := t.outstanding[tag]; ok {
			return []uint64{tag}
		}
		return nil
	}
	var tags []uint64
	for _, seq := range t.pendingTags() {
		if seq <= tag {
			tags = append(tags, seq)
		}
	}
	return tags
}

func (t *confirmTracker) pendingTags() []uint64 {
	tags := make([]uint64, 0, len(t.outstanding))
	for seq := range t.outstanding {
		tags = append(tags, seq)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	return tags
}

// nackSeq moves an outstanding event to the nacked list. A settled sequence
// number is ignored, so a return followed by its ack nacks the event once.
func (t *confirmTracker) nackSeq(seq uint64) {
	event, ok := t.outstanding[seq]
	if !ok {
		return
	}
	delete(t.outstanding, seq)
	t.nacked = append(t.nacked, event)
}

// publishSequence reads HeaderPublishSequence from returned message headers
func publishSequence(headers amqp.Table) (uint64, bool) {
	switch v := headers[HeaderPublishSequence].(type) {
	case int64:
		return uint64(v), v > 0
	case int32:
		return uint64(v), v > 0
	case int:
		return uint64(v), v > 0
	case uint64:
		return v, v > 0
	default:
		return 0, false
	}
}
