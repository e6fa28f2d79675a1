package brokerkit

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/glimte/brokerkit/config"
	"github.com/glimte/brokerkit/internal/rabbitmq"
	"github.com/glimte/brokerkit/messaging"
)

// Dialer opens broker connections. The default dials with amqp091-go.
//
// Its methods return connection and channel types from an internal package,
// so only brokerkit itself can implement it: AMQPDialer in production and
// the in-memory fakes in tests. Callers choose the broker through the URL
// passed to NewClient.
type Dialer = rabbitmq.Dialer

type clientConfig struct {
	logger            *slog.Logger
	reconnectInterval time.Duration
	maxRetries        int
	rpcTimeout        time.Duration
	prefetch          int
	clock             clock.Clock
	dialer            Dialer
	registerer        prometheus.Registerer
	confirmMode       bool
	confirmTimeout    time.Duration
	handlerTimeout    time.Duration
	autoResubscribe   bool
}

func defaultConfig() clientConfig {
	return clientConfig{
		logger:            slog.Default(),
		reconnectInterval: 5 * time.Second,
		maxRetries:        10,
		rpcTimeout:        messaging.DefaultRPCTimeout,
		prefetch:          messaging.DefaultPrefetch,
		clock:             clock.New(),
	}
}

// Option configures the client
type Option func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *clientConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithReconnectInterval sets the fixed delay between reconnect attempts.
func WithReconnectInterval(interval time.Duration) Option {
	return func(cfg *clientConfig) {
		if interval > 0 {
			cfg.reconnectInterval = interval
		}
	}
}

// WithMaxRetries caps consecutive reconnect attempts. Zero disables
// reconnection and a negative value retries forever.
func WithMaxRetries(retries int) Option {
	return func(cfg *clientConfig) {
		cfg.maxRetries = retries
	}
}

// WithRPCTimeout sets the default RPC timeout.
func WithRPCTimeout(timeout time.Duration) Option {
	return func(cfg *clientConfig) {
		if timeout > 0 {
			cfg.rpcTimeout = timeout
		}
	}
}

// WithPrefetch sets the prefetch used by subscriptions that do not set one.
func WithPrefetch(prefetch int) Option {
	return func(cfg *clientConfig) {
		if prefetch > 0 {
			cfg.prefetch = prefetch
		}
	}
}

// WithClock replaces the wall clock driving reconnect and RPC timers.
func WithClock(clk clock.Clock) Option {
	return func(cfg *clientConfig) {
		if clk != nil {
			cfg.clock = clk
		}
	}
}

// WithDialer replaces the broker dialer. A nil dialer keeps the default.
func WithDialer(dialer Dialer) Option {
	return func(cfg *clientConfig) {
		if dialer != nil {
			cfg.dialer = dialer
		}
	}
}

// WithMetrics registers the client collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(cfg *clientConfig) {
		cfg.registerer = reg
	}
}

// WithConfirmMode makes publishes wait for broker confirmation.
func WithConfirmMode(enabled bool) Option {
	return func(cfg *clientConfig) {
		cfg.confirmMode = enabled
	}
}

// WithConfirmTimeout bounds how long a confirm-mode publish waits for the
// broker to confirm. The default is 5s.
func WithConfirmTimeout(timeout time.Duration) Option {
	return func(cfg *clientConfig) {
		if timeout > 0 {
			cfg.confirmTimeout = timeout
		}
	}
}

// WithHandlerTimeout sets the deadline of the context passed to subscriber
// and worker handlers. The default is 30s.
func WithHandlerTimeout(timeout time.Duration) Option {
	return func(cfg *clientConfig) {
		if timeout > 0 {
			cfg.handlerTimeout = timeout
		}
	}
}

// WithAutoResubscribe re-declares and re-consumes subscriptions and workers
// after every reconnect.
func WithAutoResubscribe(enabled bool) Option {
	return func(cfg *clientConfig) {
		cfg.autoResubscribe = enabled
	}
}

// FromConfig applies the settings of c. The URL is passed to NewClient
// separately.
func FromConfig(c config.Config) Option {
	return func(cfg *clientConfig) {
		WithReconnectInterval(c.ReconnectInterval)(cfg)
		WithMaxRetries(c.MaxRetries)(cfg)
		WithRPCTimeout(c.RPCTimeout)(cfg)
		WithPrefetch(c.Prefetch)(cfg)
		cfg.confirmMode = c.ConfirmMode
		cfg.autoResubscribe = c.AutoResubscribe
	}
}
