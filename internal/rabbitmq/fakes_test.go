package rabbitmq

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/mock"

	"github.com/oskit/eventbus/messaging"
)

type publishedMessage struct {
	exchange   string
	routingKey string
	mandatory  bool
	msg        amqp.Publishing
}

type declaredExchange struct {
	name string
	kind string
	args amqp.Table
}

type declaredQueue struct {
	name string
	args amqp.Table
}

// fakeChannel records what is declared and published on it
type fakeChannel struct {
	mu sync.Mutex

	calls      []string
	exchanges  []declaredExchange
	queues     []declaredQueue
	bindings   []Binding
	published  []publishedMessage
	prefetch   int
	consumeTag string

	confirmMode bool
	nextSeq     uint64
	confirms    []chan amqp.Confirmation
	returns     []chan amqp.Return
	closers     []chan *amqp.Error
	deliveries  chan amqp.Delivery
	closeOnce   sync.Once
	closed      bool

	// onPublish decides how the broker answers a confirm-mode publish. By
	// default every message is acked.
	onPublish  func(seq uint64, msg publishedMessage) (ack bool, returned bool)
	publishErr func(n int) error
	exchangeErr error
	queueErr    error
	bindErr     error
	confirmErr  error
	qosErr      error
	consumeErr  error
	passive     map[string]amqp.Queue
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		nextSeq:    1,
		deliveries: make(chan amqp.Delivery, 16),
	}
}

func (f *fakeChannel) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("exchange:" + name)
	if f.exchangeErr != nil {
		return f.exchangeErr
	}
	f.exchanges = append(f.exchanges, declaredExchange{name: name, kind: kind, args: args})
	return nil
}

func (f *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("queue:" + name)
	if f.queueErr != nil {
		return amqp.Queue{}, f.queueErr
	}
	f.queues = append(f.queues, declaredQueue{name: name, args: args})
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("inspect:" + name)
	q, ok := f.passive[name]
	if !ok {
		return amqp.Queue{}, &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue '" + name + "'"}
	}
	return q, nil
}

func (f *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("bind:" + name + "<-" + exchange + ":" + key)
	if f.bindErr != nil {
		return f.bindErr
	}
	f.bindings = append(f.bindings, Binding{Queue: name, Exchange: exchange, RoutingKey: key})
	return nil
}

func (f *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prefetch = prefetchCount
	return f.qosErr
}

func (f *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("consume:" + queue)
	if f.consumeErr != nil {
		return nil, f.consumeErr
	}
	f.consumeTag = consumer
	return f.deliveries, nil
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.publishErr != nil {
		if err := f.publishErr(len(f.published)); err != nil {
			return err
		}
	}

	pm := publishedMessage{exchange: exchange, routingKey: key, mandatory: mandatory, msg: msg}
	f.published = append(f.published, pm)

	if !f.confirmMode {
		return nil
	}

	seq := f.nextSeq
	f.nextSeq++

	ack, returned := true, false
	if f.onPublish != nil {
		ack, returned = f.onPublish(seq, pm)
	}
	if returned {
		for _, c := range f.returns {
			c <- amqp.Return{MessageId: msg.MessageId, RoutingKey: key, ReplyText: "NO_ROUTE", Headers: msg.Headers}
		}
	}
	for _, c := range f.confirms {
		c <- amqp.Confirmation{DeliveryTag: seq, Ack: ack}
	}
	return nil
}

func (f *fakeChannel) Confirm(noWait bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.confirmErr != nil {
		return f.confirmErr
	}
	f.confirmMode = true
	return nil
}

func (f *fakeChannel) GetNextPublishSeqNo() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nextSeq
}

func (f *fakeChannel) NotifyPublish(c chan amqp.Confirmation) chan amqp.Confirmation {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirms = append(f.confirms, c)
	return c
}

func (f *fakeChannel) NotifyReturn(c chan amqp.Return) chan amqp.Return {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.returns = append(f.returns, c)
	return c
}

func (f *fakeChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closers = append(f.closers, c)
	return c
}

func (f *fakeChannel) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeChannel) Close() error {
	f.shutdown(nil)
	return nil
}

// fail closes the channel the way the broker does on a channel exception
func (f *fakeChannel) fail(err *amqp.Error) {
	f.shutdown(err)
}

func (f *fakeChannel) shutdown(err *amqp.Error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	closers := f.closers
	f.closers = nil
	f.mu.Unlock()

	for _, c := range closers {
		if err != nil {
			c <- err
		}
		close(c)
	}
	f.closeOnce.Do(func() { close(f.deliveries) })
}

func (f *fakeChannel) deliver(d amqp.Delivery) {
	f.deliveries <- d
}

func (f *fakeChannel) publishedMessages() []publishedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publishedMessage(nil), f.published...)
}

func (f *fakeChannel) recordedCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// fakeProvider hands out fake channels
type fakeProvider struct {
	mu         sync.Mutex
	connected  bool
	tryConnect int
	openErrs   []error
	channels   []*fakeChannel
	failures   []error
	newChannel func() *fakeChannel
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{connected: true}
}

func (p *fakeProvider) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *fakeProvider) TryConnect(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tryConnect++
	return p.connected
}

func (p *fakeProvider) OpenChannel() (Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.openErrs) > 0 {
		err := p.openErrs[0]
		p.openErrs = p.openErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if !p.connected {
		return nil, ErrNotConnected
	}
	ch := newFakeChannel()
	if p.newChannel != nil {
		ch = p.newChannel()
	}
	p.channels = append(p.channels, ch)
	return ch, nil
}

func (p *fakeProvider) ReportChannelFailure(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = append(p.failures, err)
}

func (p *fakeProvider) opened() []*fakeChannel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*fakeChannel(nil), p.channels...)
}

func (p *fakeProvider) reportedFailures() []error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]error(nil), p.failures...)
}

// fakeConnection is a Connection handing out fake channels
type fakeConnection struct {
	mu       sync.Mutex
	closers  []chan *amqp.Error
	blockers []chan amqp.Blocking
	closed   bool
}

func (c *fakeConnection) Channel() (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	return newFakeChannel(), nil
}

func (c *fakeConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closers = append(c.closers, receiver)
	return receiver
}

func (c *fakeConnection) NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blockers = append(c.blockers, receiver)
	return receiver
}

func (c *fakeConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConnection) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *fakeConnection) shutdown(err *amqp.Error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	closers, blockers := c.closers, c.blockers
	c.closers, c.blockers = nil, nil
	c.mu.Unlock()

	for _, ch := range closers {
		if err != nil {
			ch <- err
		}
		close(ch)
	}
	for _, ch := range blockers {
		close(ch)
	}
}

func (c *fakeConnection) block(active bool, reason string) {
	c.mu.Lock()
	blockers := c.blockers
	c.mu.Unlock()
	for _, ch := range blockers {
		ch <- amqp.Blocking{Active: active, Reason: reason}
	}
}

// recordingTimer fires immediately and records the waits it was asked for
type recordingTimer struct {
	mu    *sync.Mutex
	waits *[]time.Duration
	c     chan time.Time
}

type timerLog struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (l *timerLog) factory() func() backoff.Timer {
	return func() backoff.Timer {
		return &recordingTimer{mu: &l.mu, waits: &l.waits}
	}
}

func (l *timerLog) recorded() []time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]time.Duration(nil), l.waits...)
}

func (t *recordingTimer) Start(d time.Duration) {
	t.mu.Lock()
	*t.waits = append(*t.waits, d)
	t.mu.Unlock()
	t.c = make(chan time.Time, 1)
	t.c <- time.Now()
}

func (t *recordingTimer) Stop() {}

func (t *recordingTimer) C() <-chan time.Time {
	return t.c
}

func instantRetryPolicy(log *timerLog) retryPolicy {
	p := defaultRetryPolicy()
	p.newTimer = log.factory()
	return p
}

// mockDeliveryAcknowledger is a mock implementation of amqp.Acknowledger
type mockDeliveryAcknowledger struct {
	mock.Mock
}

func (m *mockDeliveryAcknowledger) Ack(tag uint64, multiple bool) error {
	args := m.Called(tag, multiple)
	return args.Error(0)
}

func (m *mockDeliveryAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	args := m.Called(tag, multiple, requeue)
	return args.Error(0)
}

func (m *mockDeliveryAcknowledger) Reject(tag uint64, requeue bool) error {
	args := m.Called(tag, requeue)
	return args.Error(0)
}

// stubDispatcher returns a fixed outcome per routing key
type stubDispatcher struct {
	mu       sync.Mutex
	outcomes map[string]messaging.Outcome
	seen     []string
}

func (d *stubDispatcher) Dispatch(ctx context.Context, routingKey string, body []byte) messaging.Outcome {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = append(d.seen, routingKey)
	if o, ok := d.outcomes[routingKey]; ok {
		return o
	}
	return messaging.Outcome{Status: messaging.StatusUnroutable, EventType: routingKey}
}

func (d *stubDispatcher) dispatched() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.seen...)
}

// stubRepublisher records retry hops
type stubRepublisher struct {
	mu     sync.Mutex
	counts []int
	err    error
}

func (r *stubRepublisher) Republish(ctx context.Context, delivery amqp.Delivery, eventType string, nextCount int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts = append(r.counts, nextCount)
	return r.err
}

func (r *stubRepublisher) hops() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.counts...)
}

type noopDeclarer struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (d *noopDeclarer) Declare(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return d.err
}

func (d *noopDeclarer) declared() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

var errBoom = errors.New("boom")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
