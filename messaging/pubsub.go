package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/brokerkit/internal/metrics"
	"github.com/glimte/brokerkit/internal/rabbitmq"
)

// DefaultPrefetch is the per-subscription prefetch when none is given.
const DefaultPrefetch = 10

// Handler processes a subscribed message. Returning an error or panicking
// nacks the message with requeue. A message whose body is not valid JSON
// never reaches the handler: it is nacked without requeue, so the broker
// drops it or routes it to the queue's dead-letter exchange.
type Handler func(ctx context.Context, msg *Message) error

// PublishOptions addresses a published message.
type PublishOptions struct {
	Exchange      string
	RoutingKey    string
	Headers       map[string]any
	Transient     bool // persistent delivery unless set
	CorrelationID string
	ReplyTo       string
	MessageID     string // generated when empty
}

// SubscribeOptions describes a subscription. The queue is bound to the
// exchange with the routing key; an empty exchange consumes the queue
// directly and an empty queue asks the broker for an exclusive, server-named
// one.
type SubscribeOptions struct {
	Exchange     string
	Queue        string
	RoutingKey   string
	ExchangeKind string // direct unless set
	Transient    bool   // durable exchange and queue unless set
	Prefetch     int
	ConsumerTag  string
}

func (o SubscribeOptions) withDefaults() SubscribeOptions {
	if o.ExchangeKind == "" {
		o.ExchangeKind = amqp.ExchangeDirect
	}
	if o.Prefetch <= 0 {
		o.Prefetch = DefaultPrefetch
	}
	return o
}

func (o SubscribeOptions) validate() error {
	if o.Exchange == "" && o.Queue == "" {
		return fmt.Errorf("%w: subscription needs an exchange or a queue", ErrInvalidOptions)
	}
	return nil
}

type subscription struct {
	ctx      context.Context
	opts     SubscribeOptions
	handler  Handler
	consumer *rabbitmq.Subscription
}

// PubSub publishes messages and runs subscriptions on the shared channel.
type PubSub struct {
	transport *Transport
	opts      options

	mu     sync.Mutex
	subs   []*subscription
	closed bool
}

// NewPubSub creates a publish/subscribe engine.
func NewPubSub(transport *Transport, opts ...Option) *PubSub {
	return &PubSub{
		transport: transport,
		opts:      newOptions(opts),
	}
}

// Publish encodes payload as JSON and publishes it. It fails immediately
// when no channel is available.
func (p *PubSub) Publish(ctx context.Context, payload any, opts PublishOptions) error {
	body, err := Encode(payload)
	if err != nil {
		p.opts.report(err)
		return err
	}

	messageID := opts.MessageID
	if messageID == "" {
		messageID = uuid.NewString()
	}
	env := Envelope{
		Payload:       body,
		CorrelationID: opts.CorrelationID,
		ReplyTo:       opts.ReplyTo,
		Headers:       opts.Headers,
		Persistent:    !opts.Transient,
		MessageID:     messageID,
		Timestamp:     p.opts.clock.Now(),
	}

	err = p.transport.Publisher.Publish(ctx, opts.Exchange, opts.RoutingKey, env.Publishing())
	p.opts.metrics.Published(opts.Exchange, err)
	if err != nil {
		p.opts.report(err)
		return err
	}
	return nil
}

// Subscribe declares the exchange, queue and binding, then consumes with
// manual acknowledgement. ctx bounds the lifetime of the subscription.
func (p *PubSub) Subscribe(ctx context.Context, opts SubscribeOptions, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("%w: nil handler", ErrInvalidOptions)
	}
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return err
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}

	sub := &subscription{ctx: ctx, opts: opts, handler: handler}
	if err := p.start(sub); err != nil {
		p.opts.report(err)
		return err
	}

	p.mu.Lock()
	p.pruneLocked()
	p.subs = append(p.subs, sub)
	p.mu.Unlock()
	return nil
}

// Restore re-declares and re-consumes every live subscription on the current
// channel. It is meant to run after a reconnect.
func (p *PubSub) Restore() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.pruneLocked()
	subs := append([]*subscription(nil), p.subs...)
	p.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := p.start(sub); err != nil {
			p.opts.report(err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Subscriptions returns the number of recorded subscriptions.
func (p *PubSub) Subscriptions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pruneLocked()
	return len(p.subs)
}

// pruneLocked drops subscriptions whose context ended and, unless they are
// kept for Restore, those whose consumer has stopped.
func (p *PubSub) pruneLocked() {
	live := p.subs[:0]
	for _, sub := range p.subs {
		if sub.ctx.Err() != nil {
			continue
		}
		if !p.opts.resubscribe && stopped(sub.consumer) {
			continue
		}
		live = append(live, sub)
	}
	clear(p.subs[len(live):])
	p.subs = live
}

// Close stops every subscription.
func (p *PubSub) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	var consumers []*rabbitmq.Subscription
	for _, sub := range p.subs {
		if sub.consumer != nil {
			consumers = append(consumers, sub.consumer)
		}
	}
	p.subs = nil
	p.mu.Unlock()

	for _, consumer := range consumers {
		consumer.Cancel()
	}
}

func (p *PubSub) start(sub *subscription) error {
	return p.transport.Channels.Execute(func(ch rabbitmq.Channel) error {
		queue, err := declareSubscription(ch, sub.opts)
		if err != nil {
			return err
		}

		consumer, err := p.transport.Consumer.Consume(sub.ctx, ch, rabbitmq.ConsumeOptions{
			Queue:          queue,
			ConsumerTag:    sub.opts.ConsumerTag,
			Prefetch:       sub.opts.Prefetch,
			RequeueOnError: true,
		}, p.deliver(queue, sub.handler))
		if err != nil {
			return err
		}

		p.mu.Lock()
		previous := sub.consumer
		sub.consumer = consumer
		p.mu.Unlock()
		if previous != nil {
			previous.Cancel()
		}

		p.opts.logger.Info("subscribed",
			"exchange", sub.opts.Exchange,
			"queue", queue,
			"routingKey", sub.opts.RoutingKey)
		return nil
	})
}

func declareSubscription(ch rabbitmq.Channel, opts SubscribeOptions) (string, error) {
	durable := !opts.Transient
	queue := rabbitmq.QueueDeclaration{Name: opts.Queue, Durable: durable}
	if opts.Queue == "" {
		queue = rabbitmq.QueueDeclaration{Exclusive: true, AutoDelete: true}
	}

	if opts.Exchange != "" {
		err := rabbitmq.DeclareExchange(ch, rabbitmq.ExchangeDeclaration{
			Name:    opts.Exchange,
			Type:    opts.ExchangeKind,
			Durable: durable,
		})
		if err != nil {
			return "", err
		}
	}

	q, err := rabbitmq.DeclareQueue(ch, queue)
	if err != nil {
		return "", err
	}

	if opts.Exchange != "" {
		err := rabbitmq.BindQueue(ch, rabbitmq.Binding{
			Queue:      q.Name,
			Exchange:   opts.Exchange,
			RoutingKey: opts.RoutingKey,
		})
		if err != nil {
			return "", err
		}
	}
	return q.Name, nil
}

func (p *PubSub) deliver(queue string, handler Handler) rabbitmq.MessageHandler {
	return func(ctx context.Context, d amqp.Delivery) error {
		msg, err := newMessage(d)
		if err != nil {
			herr := &HandlerError{Queue: queue, MessageID: d.MessageId, Err: err}
			p.opts.logger.Warn("rejecting unparseable message", "queue", queue, "messageId", d.MessageId)
			p.opts.metrics.Consumed(queue, metrics.OutcomeReject)
			p.opts.report(herr)
			return rabbitmq.Discard(herr)
		}

		if err := safeHandle(ctx, handler, msg); err != nil {
			herr := &HandlerError{Queue: queue, MessageID: d.MessageId, Err: err}
			p.opts.logger.Error("handler failed, requeueing", "queue", queue, "messageId", d.MessageId, "error", err)
			p.opts.metrics.Consumed(queue, metrics.OutcomeRequeue)
			p.opts.report(herr)
			return herr
		}

		p.opts.metrics.Consumed(queue, metrics.OutcomeAck)
		return nil
	}
}

func stopped(consumer *rabbitmq.Subscription) bool {
	if consumer == nil {
		return false
	}
	select {
	case <-consumer.Done():
		return true
	default:
		return false
	}
}

func safeHandle(ctx context.Context, handler Handler, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return handler(ctx, msg)
}
