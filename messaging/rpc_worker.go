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

// WorkerHandler computes the reply for an RPC request. A returned error
// rejects the request without a reply.
type WorkerHandler func(ctx context.Context, msg *Message) (any, error)

type worker struct {
	ctx      context.Context
	queue    string
	handler  WorkerHandler
	consumer *rabbitmq.Subscription
}

// RPCWorker serves request queues, one in-flight request per queue.
type RPCWorker struct {
	transport *Transport
	opts      options

	mu      sync.Mutex
	workers []*worker
	closed  bool
}

// NewRPCWorker creates an RPC worker.
func NewRPCWorker(transport *Transport, opts ...Option) *RPCWorker {
	return &RPCWorker{
		transport: transport,
		opts:      newOptions(opts),
	}
}

// Start declares the durable request queue and consumes it with prefetch 1.
// ctx bounds the lifetime of the worker.
func (w *RPCWorker) Start(ctx context.Context, queue string, handler WorkerHandler) error {
	if queue == "" {
		return fmt.Errorf("%w: worker queue is required", ErrInvalidOptions)
	}
	if handler == nil {
		return fmt.Errorf("%w: nil handler", ErrInvalidOptions)
	}

	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return ErrClosed
	}

	wk := &worker{ctx: ctx, queue: queue, handler: handler}
	if err := w.start(wk); err != nil {
		w.opts.report(err)
		return err
	}

	w.mu.Lock()
	w.pruneLocked()
	w.workers = append(w.workers, wk)
	w.mu.Unlock()
	return nil
}

// Restore restarts every live worker on the current channel.
func (w *RPCWorker) Restore() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	w.pruneLocked()
	workers := append([]*worker(nil), w.workers...)
	w.mu.Unlock()

	var errs []error
	for _, wk := range workers {
		if err := w.start(wk); err != nil {
			w.opts.report(err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Workers returns the number of recorded workers.
func (w *RPCWorker) Workers() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked()
	return len(w.workers)
}

func (w *RPCWorker) pruneLocked() {
	live := w.workers[:0]
	for _, wk := range w.workers {
		if wk.ctx.Err() != nil {
			continue
		}
		if !w.opts.resubscribe && stopped(wk.consumer) {
			continue
		}
		live = append(live, wk)
	}
	clear(w.workers[len(live):])
	w.workers = live
}

// Close stops every worker.
func (w *RPCWorker) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	var consumers []*rabbitmq.Subscription
	for _, wk := range w.workers {
		if wk.consumer != nil {
			consumers = append(consumers, wk.consumer)
		}
	}
	w.workers = nil
	w.mu.Unlock()

	for _, consumer := range consumers {
		consumer.Cancel()
	}
}

func (w *RPCWorker) start(wk *worker) error {
	return w.transport.Channels.Execute(func(ch rabbitmq.Channel) error {
		if _, err := rabbitmq.DeclareQueue(ch, rabbitmq.QueueDeclaration{Name: wk.queue, Durable: true}); err != nil {
			return err
		}

		consumer, err := w.transport.Consumer.Consume(wk.ctx, ch, rabbitmq.ConsumeOptions{
			Queue:    wk.queue,
			Prefetch: 1,
		}, w.serve(wk.queue, wk.handler))
		if err != nil {
			return err
		}

		w.mu.Lock()
		previous := wk.consumer
		wk.consumer = consumer
		w.mu.Unlock()
		if previous != nil {
			previous.Cancel()
		}

		w.opts.logger.Info("rpc worker started", "queue", wk.queue)
		return nil
	})
}

func (w *RPCWorker) serve(queue string, handler WorkerHandler) rabbitmq.MessageHandler {
	return func(ctx context.Context, d amqp.Delivery) error {
		msg, err := newMessage(d)
		if err != nil {
			return w.reject(queue, d, err)
		}

		result, err := safeWork(ctx, handler, msg)
		if err != nil {
			return w.reject(queue, d, err)
		}

		if d.ReplyTo == "" || d.CorrelationId == "" {
			w.opts.logger.Debug("request has no reply address", "queue", queue, "messageId", d.MessageId)
			w.opts.metrics.Consumed(queue, metrics.OutcomeAck)
			return nil
		}

		body, err := Encode(result)
		if err != nil {
			return w.reject(queue, d, err)
		}

		env := Envelope{
			Payload:       body,
			CorrelationID: d.CorrelationId,
			MessageID:     uuid.NewString(),
			Timestamp:     w.opts.clock.Now(),
		}
		if err := w.transport.Publisher.Publish(ctx, "", d.ReplyTo, env.Publishing()); err != nil {
			rerr := &ReplyError{Queue: queue, ReplyTo: d.ReplyTo, CorrelationID: d.CorrelationId, Err: err}
			w.opts.logger.Error("failed to publish reply", "queue", queue, "replyTo", d.ReplyTo, "correlationId", d.CorrelationId, "error", err)
			w.opts.report(rerr)
		}

		w.opts.metrics.Consumed(queue, metrics.OutcomeAck)
		return nil
	}
}

func (w *RPCWorker) reject(queue string, d amqp.Delivery, err error) error {
	herr := &HandlerError{Queue: queue, MessageID: d.MessageId, Err: err}
	w.opts.logger.Error("rpc request rejected", "queue", queue, "correlationId", d.CorrelationId, "error", err)
	w.opts.metrics.Consumed(queue, metrics.OutcomeReject)
	w.opts.report(herr)
	return herr
}

func safeWork(ctx context.Context, handler WorkerHandler, msg *Message) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return handler(ctx, msg)
}
