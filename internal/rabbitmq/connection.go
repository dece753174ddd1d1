package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
)

// State is the lifecycle state of the supervised connection
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	// StateDegraded means the connection is up but blocked by the broker
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// connectionEvent drives the state machine
type connectionEvent int

const (
	eventConnectStarted connectionEvent = iota
	eventConnectSucceeded
	eventConnectFailed
	eventShutdown
	eventBlocked
	eventUnblocked
	eventCallbackException
)

func (e connectionEvent) String() string {
	switch e {
	case eventConnectStarted:
		return "connect-started"
	case eventConnectSucceeded:
		return "connect-succeeded"
	case eventConnectFailed:
		return "connect-failed"
	case eventShutdown:
		return "shutdown"
	case eventBlocked:
		return "blocked"
	case eventUnblocked:
		return "unblocked"
	case eventCallbackException:
		return "callback-exception"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// transition returns the state reached from s on event e
func transition(s State, e connectionEvent) State {
	switch e {
	case eventConnectStarted:
		return StateConnecting
	case eventConnectSucceeded:
		return StateConnected
	case eventConnectFailed, eventShutdown:
		return StateDisconnected
	case eventBlocked:
		if s == StateConnected {
			return StateDegraded
		}
	case eventUnblocked:
		if s == StateDegraded {
			return StateConnected
		}
	}
	return s
}

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// ConnectionSupervisor owns the single broker connection of the process and
// re-establishes it on demand
type ConnectionSupervisor struct {
	url        string
	dial       Dialer
	maxRetries int
	logger     *slog.Logger
	retry      retryPolicy

	// connectMu serializes connection attempts
	connectMu sync.Mutex

	mu         sync.RWMutex
	conn       Connection
	state      State
	generation uint64
	closed     bool
	done       chan struct{}

	listenersMu sync.RWMutex
	listeners   []ConnectionStateListener
}

// ConnectionOption configures the ConnectionSupervisor
type ConnectionOption func(*ConnectionSupervisor)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(s *ConnectionSupervisor) {
		s.logger = logger
	}
}

// WithDialer replaces the broker dialer
func WithDialer(dial Dialer) ConnectionOption {
	return func(s *ConnectionSupervisor) {
		s.dial = dial
	}
}

// WithMaxRetries sets how many times a failed dial is retried
func WithMaxRetries(retries int) ConnectionOption {
	return func(s *ConnectionSupervisor) {
		s.maxRetries = retries
	}
}

// NewConnectionSupervisor creates a supervisor for the broker at url. It does
// not connect until TryConnect or Connect is called.
func NewConnectionSupervisor(url string, options ...ConnectionOption) *ConnectionSupervisor {
	s := &ConnectionSupervisor{
		url:        url,
		dial:       DialAMQP,
		maxRetries: 5,
		logger:     slog.Default(),
		retry:      defaultRetryPolicy(),
		state:      StateDisconnected,
		done:       make(chan struct{}),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// State returns the current state
func (s *ConnectionSupervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// IsConnected reports whether the connection is open and not blocked
func (s *ConnectionSupervisor) IsConnected() bool {
	return s.State() == StateConnected
}

// TryConnect makes sure a connection is open. It returns false when every
// attempt failed.
func (s *ConnectionSupervisor) TryConnect(ctx context.Context) bool {
	return s.connect(ctx) == nil
}

// Connect is TryConnect returning the failure cause
func (s *ConnectionSupervisor) Connect(ctx context.Context) error {
	return s.connect(ctx)
}

func (s *ConnectionSupervisor) connect(ctx context.Context) error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &ConnectionError{Op: "connect", URL: SanitizeURL(s.url), Err: ErrConnectionClosed, Timestamp: time.Now()}
	}
	if s.state == StateConnected {
		s.mu.Unlock()
		return nil
	}
	stale := s.conn
	s.conn = nil
	s.generation++
	s.mu.Unlock()

	// a blocked connection is dropped and redialed
	if stale != nil && !stale.IsClosed() {
		_ = stale.Close()
	}

	s.apply(s.currentGeneration(), eventConnectStarted, nil)
	s.logger.Info("connecting to broker", "url", SanitizeURL(s.url))

	attempts := 0
	err := s.retry.run(ctx, s.maxRetries, func() error {
		attempts++
		conn, err := s.dial(s.url)
		if err != nil {
			return transportOnly(err)
		}
		return s.install(conn)
	}, func(err error, wait time.Duration) {
		s.logger.Warn("broker unreachable, retrying",
			"attempt", attempts,
			"retryIn", wait,
			"error", err)
		s.notifyReconnecting(attempts)
	})
	if err == nil {
		return nil
	}

	connErr := &ConnectionError{
		Op:        "connect",
		URL:       SanitizeURL(s.url),
		Err:       err,
		Timestamp: time.Now(),
		Attempts:  attempts,
	}
	if IsTransportError(err) {
		connErr.Err = fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, err)
	}

	s.apply(s.currentGeneration(), eventConnectFailed, connErr)
	s.logger.Error("could not connect to broker",
		"severity", "fatal",
		"attempts", attempts,
		"error", err)
	return connErr
}

// install makes conn the current connection and watches its notifications
func (s *ConnectionSupervisor) install(conn Connection) error {
	closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))
	blockedCh := conn.NotifyBlocked(make(chan amqp.Blocking, 1))

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return backoff.Permanent(ErrConnectionClosed)
	}
	s.generation++
	gen := s.generation
	s.conn = conn
	s.mu.Unlock()

	s.apply(gen, eventConnectSucceeded, nil)
	s.logger.Info("connected to broker", "url", SanitizeURL(s.url))

	go s.watch(gen, closeCh, blockedCh)
	return nil
}

// watch forwards broker notifications of one connection to the state machine
func (s *ConnectionSupervisor) watch(gen uint64, closeCh <-chan *amqp.Error, blockedCh <-chan amqp.Blocking) {
	for {
		select {
		case amqpErr, ok := <-closeCh:
			var cause error
			if ok && amqpErr != nil {
				cause = amqpErr
			}
			s.logger.Warn("broker connection shut down", "error", cause)
			s.apply(gen, eventShutdown, cause)
			return

		case b, ok := <-blockedCh:
			if !ok {
				blockedCh = nil
				continue
			}
			if b.Active {
				s.logger.Warn("broker connection blocked", "reason", b.Reason)
				s.apply(gen, eventBlocked, nil)
			} else {
				s.logger.Warn("broker connection unblocked")
				s.apply(gen, eventUnblocked, nil)
			}

		case <-s.done:
			return
		}
	}
}

// apply feeds an event of connection generation gen into the state machine.
// Events of replaced connections are ignored.
func (s *ConnectionSupervisor) apply(gen uint64, event connectionEvent, cause error) {
	s.mu.Lock()
	if gen != s.generation || s.closed {
		s.mu.Unlock()
		return
	}
	from := s.state
	to := transition(from, event)
	s.state = to
	if event == eventShutdown {
		s.conn = nil
	}
	s.mu.Unlock()

	if from == to {
		return
	}

	s.logger.Debug("connection state changed", "from", from, "to", to, "event", event)

	switch {
	case to == StateConnected && from == StateConnecting:
		s.notifyConnected()
	case to == StateDisconnected:
		s.notifyDisconnected(cause)
	}
}

func (s *ConnectionSupervisor) currentGeneration() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// OpenChannel opens a new channel on the current connection
func (s *ConnectionSupervisor) OpenChannel() (Channel, error) {
	s.mu.RLock()
	conn, state := s.conn, s.state
	s.mu.RUnlock()

	if state != StateConnected || conn == nil {
		return nil, ErrNotConnected
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{Op: "open", Err: err, Timestamp: time.Now()}
	}
	return ch, nil
}

// ReportChannelFailure records a failure of a channel owned by a caller
func (s *ConnectionSupervisor) ReportChannelFailure(err error) {
	s.logger.Warn("channel callback exception", "error", err)
	s.apply(s.currentGeneration(), eventCallbackException, err)
}

// Close closes the connection and stops watching it
func (s *ConnectionSupervisor) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	conn := s.conn
	s.conn = nil
	s.state = StateDisconnected
	s.generation++
	s.mu.Unlock()

	s.logger.Info("connection supervisor shutting down")

	if conn != nil && !conn.IsClosed() {
		return conn.Close()
	}
	return nil
}

// AddStateListener adds a connection state listener
func (s *ConnectionSupervisor) AddStateListener(listener ConnectionStateListener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, listener)
}

// RemoveStateListener removes a connection state listener
func (s *ConnectionSupervisor) RemoveStateListener(listener ConnectionStateListener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()

	for i, l := range s.listeners {
		if l == listener {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			break
		}
	}
}

func (s *ConnectionSupervisor) notifyConnected() {
	s.listenersMu.RLock()
	defer s.listenersMu.RUnlock()

	for _, listener := range s.listeners {
		go listener.OnConnected()
	}
}

func (s *ConnectionSupervisor) notifyDisconnected(err error) {
	s.listenersMu.RLock()
	defer s.listenersMu.RUnlock()

	for _, listener := range s.listeners {
		go listener.OnDisconnected(err)
	}
}

func (s *ConnectionSupervisor) notifyReconnecting(attempt int) {
	s.listenersMu.RLock()
	defer s.listenersMu.RUnlock()

	for _, listener := range s.listeners {
		go listener.OnReconnecting(attempt)
	}
}
