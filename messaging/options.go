package messaging

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/glimte/brokerkit/internal/metrics"
	"github.com/glimte/brokerkit/internal/rabbitmq"
)

// DefaultRPCTimeout bounds a request when no timeout is given.
const DefaultRPCTimeout = 5 * time.Second

// Transport bundles the broker primitives shared by the messaging components.
type Transport struct {
	Channels  *rabbitmq.ChannelManager
	Publisher *rabbitmq.Publisher
	Consumer  *rabbitmq.Consumer
}

// TransportOption tunes the publisher and consumer of a Transport.
type TransportOption func(*transportConfig)

type transportConfig struct {
	confirmTimeout time.Duration
	handlerTimeout time.Duration
}

// WithConfirmTimeout bounds how long a publish waits for the broker confirm.
func WithConfirmTimeout(timeout time.Duration) TransportOption {
	return func(c *transportConfig) {
		c.confirmTimeout = timeout
	}
}

// WithHandlerTimeout sets the deadline of the context handed to handlers.
func WithHandlerTimeout(timeout time.Duration) TransportOption {
	return func(c *transportConfig) {
		c.handlerTimeout = timeout
	}
}

// NewTransport builds a publisher and consumer over channels.
func NewTransport(channels *rabbitmq.ChannelManager, logger *slog.Logger, opts ...TransportOption) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	var cfg transportConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Transport{
		Channels: channels,
		Publisher: rabbitmq.NewPublisher(channels,
			rabbitmq.WithPublisherLogger(logger),
			rabbitmq.WithConfirmTimeout(cfg.confirmTimeout)),
		Consumer: rabbitmq.NewConsumer(
			rabbitmq.WithConsumerLogger(logger),
			rabbitmq.WithHandlerTimeout(cfg.handlerTimeout)),
	}
}

// Option configures a ReplyRouter, PubSub or RPCWorker.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	clock   clock.Clock
	metrics *metrics.Metrics
	report  func(error)
	timeout time.Duration

	resubscribe bool
}

func newOptions(opts []Option) options {
	o := options{
		logger:  slog.Default(),
		clock:   clock.New(),
		report:  func(error) {},
		timeout: DefaultRPCTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock sets the clock used for RPC timeouts and timestamps.
func WithClock(clk clock.Clock) Option {
	return func(o *options) {
		if clk != nil {
			o.clock = clk
		}
	}
}

// WithMetrics records activity in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithErrorReporter receives every per-operation error.
func WithErrorReporter(report func(error)) Option {
	return func(o *options) {
		if report != nil {
			o.report = report
		}
	}
}

// WithResubscribe keeps subscriptions and workers recorded after their
// consumer stops so Restore can start them again. Without it a record is
// dropped once its consumer ends.
func WithResubscribe(enabled bool) Option {
	return func(o *options) {
		o.resubscribe = enabled
	}
}

// WithDefaultTimeout sets the RPC timeout used when a request does not set one.
func WithDefaultTimeout(timeout time.Duration) Option {
	return func(o *options) {
		if timeout > 0 {
			o.timeout = timeout
		}
	}
}
