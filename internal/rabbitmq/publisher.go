package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes on the shared channel. Publishing never queues: without
// a channel it fails immediately with ErrChannelUnavailable.
type Publisher struct {
	channels       *ChannelManager
	confirmTimeout time.Duration
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets how long a confirm-mode publish waits for the broker ack
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		if timeout > 0 {
			p.confirmTimeout = timeout
		}
	}
}

// WithPublisherLogger sets the publisher logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPublisher creates a new publisher
func NewPublisher(channels *ChannelManager, options ...PublisherOption) *Publisher {
	p := &Publisher{
		channels:       channels,
		confirmTimeout: 5 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish sends msg to exchange with routingKey. In confirm mode it waits
// for the broker to ack the message.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	ch, err := p.channels.Get()
	if err != nil {
		return p.publishError(exchange, routingKey, err)
	}

	dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, msg)
	if err != nil {
		return p.publishError(exchange, routingKey, err)
	}
	if dc == nil {
		return nil
	}

	confirmCtx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()

	acked, err := dc.WaitContext(confirmCtx)
	if err != nil {
		return p.publishError(exchange, routingKey, fmt.Errorf("%w: %v", ErrPublishTimeout, err))
	}
	if !acked {
		return p.publishError(exchange, routingKey, ErrPublishNotConfirmed)
	}
	return nil
}

func (p *Publisher) publishError(exchange, routingKey string, err error) error {
	p.logger.Debug("publish failed", "exchange", exchange, "routingKey", routingKey, "error", err)
	return &PublishError{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Err:        err,
		Timestamp:  time.Now(),
	}
}
