package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/singleflight"

	"github.com/glimte/brokerkit/internal/reliability"
)

// ConnectionStateListener receives connection state change notifications.
// Listeners are called synchronously on the goroutine that observed the
// change and must not block.
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
	OnError(err error)
}

// SetupFunc runs against the fresh channel of every successful connect,
// before the connection is reported as connected.
type SetupFunc func(ctx context.Context, ch Channel) error

// ConnectionManager supervises the single broker connection and its channel.
// It reconnects on a fixed interval up to a retry ceiling.
type ConnectionManager struct {
	url         string
	dialer      Dialer
	clock       clock.Clock
	logger      *slog.Logger
	dialTimeout time.Duration
	interval    time.Duration
	maxRetries  int
	confirm     bool

	channels *ChannelManager
	retry    *reliability.RetryState
	group    singleflight.Group

	mu             sync.Mutex
	conn           Connection
	state          State
	generation     uint64
	closed         bool
	reconnectTimer *clock.Timer
	timerSeq       uint64
	hooks          []SetupFunc

	listenersMu    sync.RWMutex
	stateListeners []ConnectionStateListener
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		if logger != nil {
			cm.logger = logger
		}
	}
}

// WithReconnectDelay sets the fixed delay between reconnect attempts
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.interval = delay
	}
}

// WithMaxRetries sets the maximum number of consecutive reconnect attempts.
// A negative value retries forever.
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithDialer replaces the amqp091-go dialer.
func WithDialer(dialer Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		if dialer != nil {
			cm.dialer = dialer
		}
	}
}

// WithClock sets the clock used for reconnect timers.
func WithClock(clk clock.Clock) ConnectionOption {
	return func(cm *ConnectionManager) {
		if clk != nil {
			cm.clock = clk
		}
	}
}

// WithDialTimeout bounds a single dial attempt.
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// WithConfirmMode puts every channel into publisher-confirm mode.
func WithConfirmMode(enabled bool) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.confirm = enabled
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:         url,
		dialer:      AMQPDialer{},
		clock:       clock.New(),
		logger:      slog.Default(),
		dialTimeout: 30 * time.Second,
		interval:    5 * time.Second,
		maxRetries:  10,
		state:       StateDisconnected,
	}

	for _, opt := range options {
		opt(cm)
	}

	cm.channels = NewChannelManager(cm.confirm)
	cm.retry = reliability.NewRetryState(cm.maxRetries, cm.interval)
	return cm
}

// Channels returns the channel manager bound to this connection.
func (cm *ConnectionManager) Channels() *ChannelManager {
	return cm.channels
}

// AddSetupHook registers fn to run on every successful connect.
func (cm *ConnectionManager) AddSetupHook(fn SetupFunc) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.hooks = append(cm.hooks, fn)
}

// Connect establishes the connection. Concurrent callers share a single
// attempt. A manual Connect restarts a halted or pending reconnect cycle.
// On failure a reconnect is scheduled and the error is returned.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return ErrConnectionClosed
	}
	if cm.state == StateConnected {
		cm.mu.Unlock()
		return nil
	}
	cm.stopReconnectLocked()
	cm.retry.Reset()
	cm.mu.Unlock()

	if err := cm.connectOnce(ctx); err != nil {
		cm.scheduleReconnect()
		return err
	}
	return nil
}

// State returns the current connection state.
func (cm *ConnectionManager) State() State {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	return cm.State() == StateConnected
}

// ReconnectPending reports whether a reconnect attempt is scheduled.
func (cm *ConnectionManager) ReconnectPending() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.reconnectTimer != nil
}

// RetryCount returns the reconnect attempts made since the last successful connect.
func (cm *ConnectionManager) RetryCount() int {
	return cm.retry.Count()
}

// Close stops reconnecting and closes the channel and connection. It is
// idempotent.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return nil
	}
	cm.closed = true
	cm.state = StateClosed
	cm.generation++
	cm.stopReconnectLocked()
	conn := cm.conn
	cm.conn = nil
	ch := cm.channels.invalidate()
	cm.mu.Unlock()

	var errs []error
	if ch != nil && !ch.IsClosed() {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if conn != nil && !conn.IsClosed() {
		if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}

	cm.logger.Info("connection manager closed", "url", SanitizeURL(cm.url))
	return errors.Join(errs...)
}

func (cm *ConnectionManager) connectOnce(ctx context.Context) error {
	_, err, _ := cm.group.Do("connect", func() (interface{}, error) {
		return nil, cm.establish(ctx)
	})
	return err
}

func (cm *ConnectionManager) establish(ctx context.Context) error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return ErrConnectionClosed
	}
	if cm.state == StateConnected {
		cm.mu.Unlock()
		return nil
	}
	cm.state = StateConnecting
	cm.mu.Unlock()

	conn, err := cm.dial(ctx)
	if err != nil {
		return cm.fail("connect", err)
	}

	ch, err := cm.channels.open(conn)
	if err != nil {
		_ = conn.Close()
		return cm.fail("open channel", err)
	}

	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))

	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		_ = ch.Close()
		_ = conn.Close()
		return ErrConnectionClosed
	}
	cm.generation++
	gen := cm.generation
	cm.conn = conn
	cm.channels.set(ch)
	hooks := append([]SetupFunc(nil), cm.hooks...)
	cm.mu.Unlock()

	for _, hook := range hooks {
		if err := hook(ctx, ch); err != nil {
			cm.mu.Lock()
			if cm.generation == gen {
				cm.generation++
				cm.conn = nil
				cm.channels.invalidate()
			}
			cm.mu.Unlock()
			_ = ch.Close()
			_ = conn.Close()
			return cm.fail("setup", err)
		}
	}

	cm.mu.Lock()
	if cm.generation != gen {
		cm.mu.Unlock()
		return ErrConnectionClosed
	}
	cm.state = StateConnected
	cm.retry.Reset()
	cm.mu.Unlock()

	go cm.watch(gen, connClosed, chClosed)

	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
	cm.notifyConnected()
	return nil
}

// dial runs the blocking dial in a goroutine so ctx and the dial timeout
// can abandon it.
func (cm *ConnectionManager) dial(ctx context.Context) (Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	type result struct {
		conn Connection
		err  error
	}
	done := make(chan result, 1)

	go func() {
		conn, err := cm.dialer.Dial(cm.url)
		done <- result{conn: conn, err: err}
	}()

	select {
	case r := <-done:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, fmt.Errorf("%w: %v", ErrConnectionTimeout, ctx.Err())
	}
}

func (cm *ConnectionManager) fail(op string, err error) error {
	cm.mu.Lock()
	if cm.state == StateConnecting {
		cm.state = StateDisconnected
	}
	closed := cm.closed
	cm.mu.Unlock()

	connErr := &ConnectionError{
		Op:        op,
		URL:       SanitizeURL(cm.url),
		Err:       err,
		Timestamp: cm.clock.Now(),
		Attempts:  cm.retry.Count(),
	}
	if closed {
		return connErr
	}

	cm.logger.Error("connection attempt failed", "op", op, "error", err, "attempt", cm.retry.Count())
	cm.notifyError(connErr)
	return connErr
}

// watch waits for the first close notification of the connection or its
// channel and hands it to the recovery path.
func (cm *ConnectionManager) watch(gen uint64, connClosed, chClosed chan *amqp.Error) {
	source := "connection"
	var amqpErr *amqp.Error
	select {
	case amqpErr = <-connClosed:
	case amqpErr = <-chClosed:
		source = "channel"
	}

	var err error
	if amqpErr != nil {
		err = amqpErr
	}
	cm.handleLoss(gen, source, err)
}

func (cm *ConnectionManager) handleLoss(gen uint64, source string, err error) {
	cm.mu.Lock()
	if cm.closed || cm.generation != gen {
		cm.mu.Unlock()
		return
	}
	cm.generation++
	cm.state = StateDisconnected
	conn := cm.conn
	cm.conn = nil
	ch := cm.channels.invalidate()
	cm.mu.Unlock()

	if ch != nil && !ch.IsClosed() {
		_ = ch.Close()
	}
	if conn != nil && !conn.IsClosed() {
		_ = conn.Close()
	}

	cm.logger.Warn("connection lost", "source", source, "error", err)
	cm.notifyDisconnected(err)
	if err != nil {
		cm.notifyError(&ConnectionError{
			Op:        source + " closed",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: cm.clock.Now(),
		})
	}

	cm.scheduleReconnect()
}

// scheduleReconnect arms the single reconnect timer unless one is pending,
// the manager is connected or closed, or the retry ceiling has been reached.
func (cm *ConnectionManager) scheduleReconnect() {
	cm.mu.Lock()
	if cm.closed || cm.reconnectTimer != nil || cm.state == StateConnected {
		cm.mu.Unlock()
		return
	}

	attempt, delay, ok := cm.retry.Next()
	if !ok {
		cm.mu.Unlock()
		cm.logger.Error("max reconnection attempts reached", "attempts", attempt, "maxRetries", cm.retry.MaxRetries())
		cm.notifyError(&ConnectionError{
			Op:        "reconnect",
			URL:       SanitizeURL(cm.url),
			Err:       ErrMaxRetriesExceeded,
			Timestamp: cm.clock.Now(),
			Attempts:  attempt,
		})
		return
	}

	cm.timerSeq++
	seq := cm.timerSeq
	cm.reconnectTimer = cm.clock.AfterFunc(delay, func() {
		cm.reconnect(seq, attempt)
	})
	cm.mu.Unlock()

	cm.logger.Info("reconnect scheduled", "attempt", attempt, "maxRetries", cm.retry.MaxRetries(), "delay", delay)
}

func (cm *ConnectionManager) reconnect(seq uint64, attempt int) {
	cm.mu.Lock()
	if cm.closed || cm.reconnectTimer == nil || cm.timerSeq != seq {
		cm.mu.Unlock()
		return
	}
	cm.reconnectTimer = nil
	cm.mu.Unlock()

	cm.logger.Info("attempting to reconnect", "attempt", attempt, "maxRetries", cm.retry.MaxRetries())
	cm.notifyReconnecting(attempt)

	if err := cm.connectOnce(context.Background()); err != nil {
		cm.scheduleReconnect()
		return
	}
	cm.logger.Info("successfully reconnected to RabbitMQ", "attempts", attempt)
}

func (cm *ConnectionManager) stopReconnectLocked() {
	if cm.reconnectTimer != nil {
		cm.reconnectTimer.Stop()
		cm.reconnectTimer = nil
	}
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

func (cm *ConnectionManager) listeners() []ConnectionStateListener {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	return append([]ConnectionStateListener(nil), cm.stateListeners...)
}

func (cm *ConnectionManager) notifyConnected() {
	for _, listener := range cm.listeners() {
		listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	for _, listener := range cm.listeners() {
		listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	for _, listener := range cm.listeners() {
		listener.OnReconnecting(attempt)
	}
}

func (cm *ConnectionManager) notifyError(err error) {
	for _, listener := range cm.listeners() {
		listener.OnError(err)
	}
}
