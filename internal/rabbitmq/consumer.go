package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageHandler processes a delivery. Returning nil acks the delivery;
// returning an error nacks it (see ConsumeOptions.RequeueOnError and Discard).
type MessageHandler func(ctx context.Context, delivery amqp.Delivery) error

// ConsumeOptions configures a single consumer
type ConsumeOptions struct {
	Queue          string
	ConsumerTag    string
	Prefetch       int
	AutoAck        bool
	Exclusive      bool
	RequeueOnError bool
	HandlerTimeout time.Duration
}

type discardError struct {
	err error
}

func (e *discardError) Error() string { return e.err.Error() }
func (e *discardError) Unwrap() error { return e.err }

// Discard marks err so the delivery is nacked without requeue regardless of
// ConsumeOptions.RequeueOnError.
func Discard(err error) error {
	if err == nil {
		return nil
	}
	return &discardError{err: err}
}

// IsDiscard reports whether err was marked with Discard.
func IsDiscard(err error) bool {
	var d *discardError
	return errors.As(err, &d)
}

// Subscription is a running consumer
type Subscription struct {
	Queue       string
	ConsumerTag string

	ch      Channel
	cancel  context.CancelFunc
	done    chan struct{}
	stopErr error
}

// Done is closed once the dispatch loop has exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Cancel tells the dispatch loop to cancel the consumer and exit without
// waiting for it. It is safe to call from the subscription's own handler.
func (s *Subscription) Cancel() {
	s.cancel()
}

// Stop cancels the consumer on the broker and waits for the dispatch loop to exit.
// It must not be called from inside the subscription's own handler.
func (s *Subscription) Stop() error {
	s.cancel()
	<-s.done
	return s.stopErr
}

// Consumer starts consumers on a channel and runs one dispatch goroutine per consumer
type Consumer struct {
	logger          *slog.Logger
	handlerTimeout  time.Duration
	activeConsumers sync.Map
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets the consumer logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHandlerTimeout sets the default per-delivery handler deadline
func WithHandlerTimeout(timeout time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if timeout > 0 {
			c.handlerTimeout = timeout
		}
	}
}

// NewConsumer creates a new consumer
func NewConsumer(options ...ConsumerOption) *Consumer {
	c := &Consumer{
		logger:         slog.Default(),
		handlerTimeout: 30 * time.Second,
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Consume sets QoS, starts consuming opts.Queue on ch and dispatches
// deliveries to handler in arrival order. The dispatch loop ends when ctx is
// cancelled, the subscription is stopped or the channel closes.
func (c *Consumer) Consume(ctx context.Context, ch Channel, opts ConsumeOptions, handler MessageHandler) (*Subscription, error) {
	if opts.ConsumerTag == "" {
		opts.ConsumerTag = "brokerkit-" + uuid.NewString()
	}
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = c.handlerTimeout
	}

	if opts.Prefetch > 0 {
		if err := ch.Qos(opts.Prefetch, 0, false); err != nil {
			return nil, &ConsumerError{Queue: opts.Queue, ConsumerTag: opts.ConsumerTag, Op: "qos", Err: err, Timestamp: time.Now()}
		}
	}

	deliveries, err := ch.Consume(opts.Queue, opts.ConsumerTag, opts.AutoAck, opts.Exclusive, false, false, nil)
	if err != nil {
		return nil, &ConsumerError{Queue: opts.Queue, ConsumerTag: opts.ConsumerTag, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	consumerCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		Queue:       opts.Queue,
		ConsumerTag: opts.ConsumerTag,
		ch:          ch,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	c.activeConsumers.Store(opts.ConsumerTag, sub)

	go c.processMessages(consumerCtx, sub, opts, deliveries, handler)

	c.logger.Info("subscribed to queue",
		"queue", opts.Queue,
		"consumerTag", opts.ConsumerTag,
		"prefetchCount", opts.Prefetch,
	)

	return sub, nil
}

func (c *Consumer) processMessages(ctx context.Context, sub *Subscription, opts ConsumeOptions, deliveries <-chan amqp.Delivery, handler MessageHandler) {
	defer func() {
		c.activeConsumers.Delete(sub.ConsumerTag)
		close(sub.done)
		c.logger.Info("consumer stopped", "queue", sub.Queue, "consumerTag", sub.ConsumerTag)
	}()

	for {
		select {
		case <-ctx.Done():
			c.cancelConsumer(sub)
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Debug("delivery channel closed", "queue", sub.Queue)
				return
			}
			c.handleMessage(ctx, opts, delivery, handler)
		}
	}
}

// cancelConsumer stops broker-side delivery once the dispatch loop is told
// to exit.
func (c *Consumer) cancelConsumer(sub *Subscription) {
	if sub.ch.IsClosed() {
		return
	}
	if err := sub.ch.Cancel(sub.ConsumerTag, false); err != nil && !errors.Is(err, amqp.ErrClosed) {
		sub.stopErr = &ConsumerError{Queue: sub.Queue, ConsumerTag: sub.ConsumerTag, Op: "cancel", Err: err, Timestamp: time.Now()}
	}
}

func (c *Consumer) handleMessage(ctx context.Context, opts ConsumeOptions, delivery amqp.Delivery, handler MessageHandler) {
	msgCtx, cancel := context.WithTimeout(ctx, opts.HandlerTimeout)
	defer cancel()

	err := c.invoke(msgCtx, delivery, handler)
	if opts.AutoAck {
		if err != nil {
			c.logger.Debug("handler failed on auto-ack delivery", "queue", opts.Queue, "error", err)
		}
		return
	}

	if err != nil {
		requeue := opts.RequeueOnError && !IsDiscard(err)
		if nackErr := delivery.Nack(false, requeue); nackErr != nil {
			c.logger.Error("failed to nack message",
				"error", nackErr,
				"originalError", err,
				"queue", opts.Queue,
			)
		}
		return
	}

	if ackErr := delivery.Ack(false); ackErr != nil {
		c.logger.Error("failed to ack message", "error", ackErr, "queue", opts.Queue)
	}
}

func (c *Consumer) invoke(ctx context.Context, delivery amqp.Delivery, handler MessageHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return handler(ctx, delivery)
}

// ActiveConsumers returns the tags of running consumers
func (c *Consumer) ActiveConsumers() []string {
	var tags []string
	c.activeConsumers.Range(func(key, value interface{}) bool {
		tags = append(tags, key.(string))
		return true
	})
	return tags
}

// CancelAll cancels every running consumer. Dispatch loops exit on their own
// goroutines, so a handler may call it.
func (c *Consumer) CancelAll() {
	c.activeConsumers.Range(func(key, value interface{}) bool {
		value.(*Subscription).Cancel()
		return true
	})
}
