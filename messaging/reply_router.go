package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/brokerkit/internal/metrics"
	"github.com/glimte/brokerkit/internal/rabbitmq"
)

// Call is the future of an RPC request. It completes exactly once.
type Call struct {
	correlationID string
	queue         string
	started       time.Time
	timer         *clock.Timer

	done  chan struct{}
	reply json.RawMessage
	err   error
}

func newCall(correlationID, queue string, started time.Time) *Call {
	return &Call{
		correlationID: correlationID,
		queue:         queue,
		started:       started,
		done:          make(chan struct{}),
	}
}

// CorrelationID returns the id the reply is matched by.
func (c *Call) CorrelationID() string {
	return c.correlationID
}

// Queue returns the request queue.
func (c *Call) Queue() string {
	return c.queue
}

// Done is closed when the call completes.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the call completes and returns the reply payload or an
// *RPCError.
func (c *Call) Wait() (json.RawMessage, error) {
	<-c.done
	return c.reply, c.err
}

// Decode waits for the reply and unmarshals it into v.
func (c *Call) Decode(v any) error {
	reply, err := c.Wait()
	if err != nil {
		return err
	}
	return json.Unmarshal(reply, v)
}

func (c *Call) complete(reply json.RawMessage, err error) {
	c.reply = reply
	c.err = err
	close(c.done)
}

// RequestOption configures a single request.
type RequestOption func(*requestConfig)

type requestConfig struct {
	timeout time.Duration
	headers map[string]any
}

// WithTimeout overrides the default RPC timeout for one request.
func WithTimeout(timeout time.Duration) RequestOption {
	return func(c *requestConfig) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithRequestHeaders attaches headers to the request message.
func WithRequestHeaders(headers map[string]any) RequestOption {
	return func(c *requestConfig) {
		c.headers = headers
	}
}

// ReplyRouter correlates RPC replies with pending calls. It owns one
// server-named, exclusive reply queue per connection.
type ReplyRouter struct {
	transport *Transport
	opts      options

	mu         sync.Mutex
	pending    map[string]*Call
	replyQueue string
	sub        *rabbitmq.Subscription
	closed     bool
}

// NewReplyRouter creates a reply router. Setup must run on every connect
// before requests can be sent.
func NewReplyRouter(transport *Transport, opts ...Option) *ReplyRouter {
	return &ReplyRouter{
		transport: transport,
		opts:      newOptions(opts),
		pending:   make(map[string]*Call),
	}
}

// Setup declares a fresh reply queue on ch and starts consuming it. Calls
// waiting on a previous reply queue are left to time out.
func (r *ReplyRouter) Setup(ctx context.Context, ch rabbitmq.Channel) error {
	q, err := rabbitmq.DeclareQueue(ch, rabbitmq.QueueDeclaration{
		Exclusive:  true,
		AutoDelete: true,
	})
	if err != nil {
		return err
	}

	sub, err := r.transport.Consumer.Consume(context.Background(), ch, rabbitmq.ConsumeOptions{
		Queue:     q.Name,
		AutoAck:   true,
		Exclusive: true,
	}, r.handleReply)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		sub.Cancel()
		return ErrClosed
	}
	previous := r.sub
	r.replyQueue = q.Name
	r.sub = sub
	r.mu.Unlock()

	if previous != nil {
		previous.Cancel()
	}

	r.opts.logger.Info("reply queue ready", "queue", q.Name)
	return nil
}

// ReplyQueue returns the current reply queue name, empty before Setup.
func (r *ReplyRouter) ReplyQueue() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.replyQueue
}

// Pending returns the number of calls awaiting completion.
func (r *ReplyRouter) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Request publishes payload to queue on the default exchange and returns the
// call future. ctx bounds the publish only; the wait is bounded by the
// request timeout. Failures complete the call, they are never returned here.
func (r *ReplyRouter) Request(ctx context.Context, queue string, payload any, opts ...RequestOption) *Call {
	cfg := requestConfig{timeout: r.opts.timeout}
	for _, opt := range opts {
		opt(&cfg)
	}

	id := uuid.NewString()
	call := newCall(id, queue, r.opts.clock.Now())

	body, err := Encode(payload)
	if err != nil {
		r.fail(call, KindPublishFailed, err)
		return call
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.fail(call, KindChannelUnavailable, ErrClosed)
		return call
	}
	replyQueue := r.replyQueue
	if replyQueue == "" || !r.transport.Channels.Available() {
		r.mu.Unlock()
		r.fail(call, KindChannelUnavailable, rabbitmq.ErrChannelUnavailable)
		return call
	}
	r.pending[id] = call
	call.timer = r.opts.clock.AfterFunc(cfg.timeout, func() {
		r.expire(id, cfg.timeout)
	})
	r.opts.metrics.SetPendingRPCs(len(r.pending))
	r.mu.Unlock()

	env := Envelope{
		Payload:       body,
		CorrelationID: id,
		ReplyTo:       replyQueue,
		Headers:       cfg.headers,
		MessageID:     uuid.NewString(),
		Timestamp:     call.started,
	}
	if err := r.transport.Publisher.Publish(ctx, "", queue, env.Publishing()); err != nil {
		if c := r.take(id); c != nil {
			kind := KindPublishFailed
			if errors.Is(err, rabbitmq.ErrChannelUnavailable) {
				kind = KindChannelUnavailable
			}
			r.fail(c, kind, err)
		}
		return call
	}

	r.opts.logger.Debug("rpc request sent", "queue", queue, "correlationId", id, "replyTo", replyQueue)
	return call
}

// Close fails every pending call and stops consuming the reply queue.
func (r *ReplyRouter) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	pending := r.pending
	r.pending = make(map[string]*Call)
	for _, call := range pending {
		if call.timer != nil {
			call.timer.Stop()
		}
	}
	sub := r.sub
	r.sub = nil
	r.replyQueue = ""
	r.opts.metrics.SetPendingRPCs(0)
	r.mu.Unlock()

	for _, call := range pending {
		r.finish(call, nil, &RPCError{Kind: KindChannelUnavailable, Queue: call.queue, CorrelationID: call.correlationID, Err: ErrClosed}, metrics.OutcomeClosed)
	}
	if sub != nil {
		sub.Cancel()
	}
}

func (r *ReplyRouter) handleReply(ctx context.Context, d amqp.Delivery) error {
	call := r.take(d.CorrelationId)
	if call == nil {
		r.opts.logger.Debug("discarding reply with unknown correlation id", "correlationId", d.CorrelationId)
		return nil
	}

	if !json.Valid(d.Body) {
		r.fail(call, KindInvalidResponse, ErrInvalidPayload)
		return nil
	}

	r.finish(call, json.RawMessage(d.Body), nil, metrics.OutcomeSuccess)
	return nil
}

func (r *ReplyRouter) expire(id string, timeout time.Duration) {
	call := r.take(id)
	if call == nil {
		return
	}
	r.fail(call, KindTimeout, fmt.Errorf("no reply within %s", timeout))
}

// take removes the call from the table. Only the caller that removes an
// entry may complete it.
func (r *ReplyRouter) take(id string) *Call {
	if id == "" {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	call, ok := r.pending[id]
	if !ok {
		return nil
	}
	delete(r.pending, id)
	if call.timer != nil {
		call.timer.Stop()
	}
	r.opts.metrics.SetPendingRPCs(len(r.pending))
	return call
}

func (r *ReplyRouter) fail(call *Call, kind ErrorKind, err error) {
	rpcErr := &RPCError{Kind: kind, Queue: call.queue, CorrelationID: call.correlationID, Err: err}
	r.opts.logger.Warn("rpc call failed", "queue", call.queue, "correlationId", call.correlationID, "kind", kind.String(), "error", err)
	r.finish(call, nil, rpcErr, outcomeFor(kind))
	r.opts.report(rpcErr)
}

func (r *ReplyRouter) finish(call *Call, reply json.RawMessage, err error, outcome string) {
	r.opts.metrics.RPCCompleted(outcome, r.opts.clock.Since(call.started))
	call.complete(reply, err)
}

func outcomeFor(kind ErrorKind) string {
	switch kind {
	case KindTimeout:
		return metrics.OutcomeTimeout
	case KindChannelUnavailable:
		return metrics.OutcomeChannelUnavailable
	case KindInvalidResponse:
		return metrics.OutcomeInvalidResponse
	default:
		return metrics.OutcomePublishFailed
	}
}
