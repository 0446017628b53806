package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hotelhub/hotelmq/internal/logger"
)

// ConnectionStateListener receives connection state changes in the order they
// happen. Callbacks run synchronously on the goroutine that observed the change
// and must not call Channel, Connect or Close on the manager.
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// ConnectionManager owns the one broker connection and channel of a process.
// The pair is opened on first use and dropped when the broker closes either of
// them; the next Channel call opens a fresh pair. Nothing is buffered or replayed.
type ConnectionManager struct {
	url            string
	dial           Dialer
	connectTimeout time.Duration
	confirms       bool
	logger         logger.Logger

	mu       sync.Mutex
	conn     Connection
	ch       Channel
	closed   bool
	connects int

	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex

	// pending is guarded by mu; deliverMu serialises delivery.
	pending   []stateEvent
	deliverMu sync.Mutex
}

type stateEventKind int

const (
	stateConnected stateEventKind = iota
	stateDisconnected
	stateReconnecting
)

type stateEvent struct {
	kind    stateEventKind
	err     error
	attempt int
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(l logger.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = l
	}
}

// WithDialer replaces the amqp091-go dialer.
func WithDialer(d Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = d
	}
}

// WithConnectTimeout bounds a single dial attempt.
func WithConnectTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectTimeout = timeout
	}
}

// WithPublisherConfirms toggles confirm mode on the shared channel.
func WithPublisherConfirms(enabled bool) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.confirms = enabled
	}
}

// NewConnectionManager creates a new connection manager. No connection is made
// until Connect or Channel is called.
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		dial:           DialAMQP,
		connectTimeout: 30 * time.Second,
		confirms:       true,
		logger:         logger.NopLogger(),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect eagerly opens the connection and channel.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	_, err := cm.Channel(ctx)
	return err
}

// ConnectWithRetry keeps calling Connect until it succeeds, the policy gives up
// or ctx is done.
func (cm *ConnectionManager) ConnectWithRetry(ctx context.Context, policy backoff.BackOff) error {
	attempt := 0
	operation := func() error {
		attempt++
		if attempt > 1 {
			cm.mu.Lock()
			cm.emit(stateEvent{kind: stateReconnecting, attempt: attempt})
			cm.mu.Unlock()
			cm.deliverStateEvents()
		}
		err := cm.Connect(ctx)
		if err != nil && IsFatal(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		cm.logger.Warnw("broker connection attempt failed",
			"attempt", attempt,
			"next_retry_in", next,
			"error", err)
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), notify)
	if err == nil {
		return nil
	}

	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		connErr.Attempts = attempt
		return connErr
	}
	return &ConnectionError{
		Op:        "connect",
		URL:       SanitizeURL(cm.url),
		Err:       err,
		Timestamp: time.Now(),
		Attempts:  attempt,
	}
}

// DefaultRetryPolicy is an exponential backoff capped at maxRetries attempts
// after the first one.
func DefaultRetryPolicy(maxRetries uint64) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, maxRetries)
}

// Channel returns the shared channel, opening a connection and channel first
// when none is cached or the cached one has been closed.
func (cm *ConnectionManager) Channel(ctx context.Context) (Channel, error) {
	ch, err := cm.channel(ctx)
	cm.deliverStateEvents()
	return ch, err
}

func (cm *ConnectionManager) channel(ctx context.Context) (Channel, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return nil, ErrConnectionClosed
	}

	if cm.ch != nil && !cm.ch.IsClosed() {
		return cm.ch, nil
	}
	cm.ch = nil

	return cm.open(ctx)
}

// open must be called with mu held.
func (cm *ConnectionManager) open(ctx context.Context) (Channel, error) {
	if cm.conn == nil || cm.conn.IsClosed() {
		conn, err := cm.dialContext(ctx)
		if err != nil {
			return nil, err
		}
		cm.conn = conn
		cm.watchConnection(conn)
	}

	ch, err := cm.conn.Channel()
	if err != nil {
		// A connection that cannot open channels is not worth keeping.
		_ = cm.conn.Close()
		cm.conn = nil
		return nil, &ConnectionError{
			Op:        "open channel",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	if cm.confirms {
		if err := ch.Confirm(false); err != nil {
			_ = ch.Close()
			return nil, &ChannelError{Op: "enable confirms", Err: err, Timestamp: time.Now()}
		}
	}

	cm.ch = ch
	cm.watchChannel(ch)
	cm.connects++

	if cm.connects > 1 {
		cm.logger.Infow("reconnected to broker", "url", SanitizeURL(cm.url), "connects", cm.connects)
	} else {
		cm.logger.Infow("connected to broker", "url", SanitizeURL(cm.url))
	}
	cm.emit(stateEvent{kind: stateConnected})

	return ch, nil
}

func (cm *ConnectionManager) dialContext(ctx context.Context) (Connection, error) {
	connCtx, cancel := context.WithTimeout(ctx, cm.connectTimeout)
	defer cancel()

	type result struct {
		conn Connection
		err  error
	}
	resultCh := make(chan result, 1)

	go func() {
		conn, err := cm.dial(cm.url)
		resultCh <- result{conn: conn, err: err}
	}()

	select {
	case r := <-resultCh:
		if r.err != nil {
			return nil, &ConnectionError{
				Op:        "connect",
				URL:       SanitizeURL(cm.url),
				Err:       r.err,
				Timestamp: time.Now(),
				Attempts:  1,
			}
		}
		return r.conn, nil

	case <-connCtx.Done():
		// The dial may still succeed; close whatever it produces.
		go func() {
			if r := <-resultCh; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		err := ErrConnectionTimeout
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}
}

func (cm *ConnectionManager) watchConnection(conn Connection) {
	notify := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		amqpErr, ok := <-notify
		var err error
		if ok && amqpErr != nil {
			err = amqpErr
		}

		cm.mu.Lock()
		current := cm.conn == conn
		if current {
			cm.conn = nil
			cm.ch = nil
		}
		lost := current && !cm.closed
		if lost {
			cm.emit(stateEvent{kind: stateDisconnected, err: err})
		}
		cm.mu.Unlock()

		if lost {
			cm.logger.Warnw("broker connection lost", "error", err)
			cm.deliverStateEvents()
		}
	}()
}

func (cm *ConnectionManager) watchChannel(ch Channel) {
	notify := ch.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		amqpErr, ok := <-notify
		var err error
		if ok && amqpErr != nil {
			err = amqpErr
		}

		cm.mu.Lock()
		current := cm.ch == ch
		if current {
			cm.ch = nil
		}
		// A channel dying with its connection is reported by the connection watcher.
		lost := current && !cm.closed && cm.conn != nil && !cm.conn.IsClosed()
		if lost {
			cm.emit(stateEvent{kind: stateDisconnected, err: err})
		}
		cm.mu.Unlock()

		if lost {
			cm.logger.Warnw("broker channel closed", "error", err)
			cm.deliverStateEvents()
		}
	}()
}

// ProbeChannel opens a channel of its own on the shared connection, connecting
// first when needed. A failed passive declaration closes only this channel.
// The caller closes it.
func (cm *ConnectionManager) ProbeChannel(ctx context.Context) (Channel, error) {
	if _, err := cm.Channel(ctx); err != nil {
		return nil, err
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return nil, ErrConnectionClosed
	}
	if cm.conn == nil || cm.conn.IsClosed() {
		return nil, &ConnectionError{Op: "open probe channel", URL: SanitizeURL(cm.url), Err: amqp.ErrClosed, Timestamp: time.Now()}
	}
	ch, err := cm.conn.Channel()
	if err != nil {
		return nil, &ChannelError{Op: "open probe channel", Err: err, Timestamp: time.Now()}
	}
	return ch, nil
}

// IsConnected reports whether a live channel is cached.
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.ch != nil && !cm.ch.IsClosed()
}

// Close tears down the channel and connection. Channel fails with
// ErrConnectionClosed afterwards.
func (cm *ConnectionManager) Close() error {
	err := cm.close()
	cm.deliverStateEvents()
	return err
}

func (cm *ConnectionManager) close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return nil
	}
	cm.closed = true

	var errs []error
	if cm.ch != nil && !cm.ch.IsClosed() {
		if err := cm.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if cm.conn != nil && !cm.conn.IsClosed() {
		if err := cm.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	cm.ch = nil
	cm.conn = nil

	cm.logger.Infow("connection manager closed")
	cm.emit(stateEvent{kind: stateDisconnected})

	return errors.Join(errs...)
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

// emit queues a state change for delivery. mu must be held.
func (cm *ConnectionManager) emit(ev stateEvent) {
	cm.pending = append(cm.pending, ev)
}

// deliverStateEvents hands queued state changes to the listeners. Changes are
// queued under mu and delivered one batch at a time, so listeners see them in
// the order they happened even when several goroutines observe changes at once.
// On return every change queued before the call has been delivered.
func (cm *ConnectionManager) deliverStateEvents() {
	cm.deliverMu.Lock()
	defer cm.deliverMu.Unlock()

	for {
		cm.mu.Lock()
		batch := cm.pending
		cm.pending = nil
		cm.mu.Unlock()

		if len(batch) == 0 {
			return
		}

		cm.listenersMu.RLock()
		listeners := append([]ConnectionStateListener(nil), cm.stateListeners...)
		cm.listenersMu.RUnlock()

		for _, ev := range batch {
			for _, listener := range listeners {
				switch ev.kind {
				case stateConnected:
					listener.OnConnected()
				case stateDisconnected:
					listener.OnDisconnected(ev.err)
				case stateReconnecting:
					listener.OnReconnecting(ev.attempt)
				}
			}
		}
	}
}
