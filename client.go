// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package brokerkit is a resilient RabbitMQ client offering publish/subscribe,
// request/reply over a private reply queue and automatic reconnection.
package brokerkit

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/glimte/brokerkit/internal/metrics"
	"github.com/glimte/brokerkit/internal/rabbitmq"
	"github.com/glimte/brokerkit/messaging"
)

// Client provides the main entry point for brokerkit
type Client struct {
	logger  *slog.Logger
	cfg     clientConfig
	metrics *metrics.Metrics

	manager   *rabbitmq.ConnectionManager
	transport *messaging.Transport
	router    *messaging.ReplyRouter
	pubsub    *messaging.PubSub
	workers   *messaging.RPCWorker
	events    *eventRegistry

	mu        sync.Mutex
	connected bool // a connect has succeeded before
	closeOnce sync.Once
	closeErr  error
}

// NewClient creates a client for the broker at url. No connection is made
// until Init.
func NewClient(url string, options ...Option) *Client {
	cfg := defaultConfig()
	for _, opt := range options {
		opt(&cfg)
	}

	c := &Client{
		logger:  cfg.logger,
		cfg:     cfg,
		metrics: metrics.New(cfg.registerer),
		events:  newEventRegistry(cfg.logger, cfg.clock),
	}

	c.manager = rabbitmq.NewConnectionManager(url,
		rabbitmq.WithLogger(cfg.logger),
		rabbitmq.WithClock(cfg.clock),
		rabbitmq.WithDialer(cfg.dialer),
		rabbitmq.WithReconnectDelay(cfg.reconnectInterval),
		rabbitmq.WithMaxRetries(cfg.maxRetries),
		rabbitmq.WithConfirmMode(cfg.confirmMode),
	)

	c.transport = messaging.NewTransport(c.manager.Channels(), cfg.logger,
		messaging.WithConfirmTimeout(cfg.confirmTimeout),
		messaging.WithHandlerTimeout(cfg.handlerTimeout),
	)
	msgOpts := []messaging.Option{
		messaging.WithLogger(cfg.logger),
		messaging.WithClock(cfg.clock),
		messaging.WithMetrics(c.metrics),
		messaging.WithErrorReporter(c.reportError),
		messaging.WithDefaultTimeout(cfg.rpcTimeout),
		messaging.WithResubscribe(cfg.autoResubscribe),
	}
	c.router = messaging.NewReplyRouter(c.transport, msgOpts...)
	c.pubsub = messaging.NewPubSub(c.transport, msgOpts...)
	c.workers = messaging.NewRPCWorker(c.transport, msgOpts...)

	c.manager.AddSetupHook(c.router.Setup)
	c.manager.AddStateListener(&stateListener{client: c})
	return c
}

// Init connects to the broker and provisions the reply queue. If the first
// attempt fails the error is returned and reconnection continues in the
// background.
func (c *Client) Init(ctx context.Context) error {
	return c.manager.Connect(ctx)
}

// Publish encodes payload as JSON and publishes it. It fails with
// ErrChannelUnavailable while disconnected.
func (c *Client) Publish(ctx context.Context, payload any, opts messaging.PublishOptions) error {
	return c.pubsub.Publish(ctx, payload, opts)
}

// Subscribe declares the subscription topology and starts consuming. The
// subscription lives until ctx is cancelled or the client is closed.
func (c *Client) Subscribe(ctx context.Context, opts messaging.SubscribeOptions, handler messaging.Handler) error {
	if opts.Prefetch <= 0 {
		opts.Prefetch = c.cfg.prefetch
	}
	return c.pubsub.Subscribe(ctx, opts, handler)
}

// RPCRequest sends payload to queue and returns the pending call.
func (c *Client) RPCRequest(ctx context.Context, queue string, payload any, opts ...messaging.RequestOption) *messaging.Call {
	return c.router.Request(ctx, queue, payload, opts...)
}

// CreateRPCWorker serves queue with handler until ctx is cancelled or the
// client is closed.
func (c *Client) CreateRPCWorker(ctx context.Context, queue string, handler messaging.WorkerHandler) error {
	return c.workers.Start(ctx, queue, handler)
}

// On registers l for events of kind and returns a function that removes it.
func (c *Client) On(kind EventKind, l Listener) func() {
	return c.events.on(kind, l)
}

// State returns the connection state.
func (c *Client) State() State {
	return c.manager.State()
}

// PendingRPCs returns the number of RPC calls awaiting a reply.
func (c *Client) PendingRPCs() int {
	return c.router.Pending()
}

// Consumers returns the number of running consumers, the reply queue
// consumer included.
func (c *Client) Consumers() int {
	return len(c.transport.Consumer.ActiveConsumers())
}

// ReplyQueue returns the name of the current reply queue.
func (c *Client) ReplyQueue() string {
	return c.router.ReplyQueue()
}

// Close fails pending RPC calls, cancels consumers and closes the connection.
// It does not wait for running handlers, so handlers and event listeners may
// call it. It is safe to call more than once.
func (c *Client) Close() error {
	first := false
	c.closeOnce.Do(func() {
		first = true
		c.router.Close()
		c.pubsub.Close()
		c.workers.Close()
		c.transport.Consumer.CancelAll()
		c.closeErr = c.manager.Close()
		c.metrics.SetConnected(false)
	})
	if first {
		c.events.emit(EventClosed, nil)
	}
	return c.closeErr
}

func (c *Client) reportError(err error) {
	c.events.emit(EventError, err)
}

type stateListener struct {
	client *Client
}

func (l *stateListener) OnConnected() {
	c := l.client
	c.metrics.SetConnected(true)

	c.mu.Lock()
	reconnect := c.connected
	c.connected = true
	c.mu.Unlock()

	if reconnect && c.cfg.autoResubscribe {
		if err := errors.Join(c.pubsub.Restore(), c.workers.Restore()); err != nil {
			c.logger.Warn("resubscribe after reconnect incomplete", "error", err)
		}
	}
	c.events.emit(EventConnected, nil)
}

func (l *stateListener) OnDisconnected(err error) {
	l.client.metrics.SetConnected(false)
	l.client.events.emit(EventDisconnected, err)
}

func (l *stateListener) OnReconnecting(attempt int) {
	l.client.metrics.ReconnectAttempt()
}

func (l *stateListener) OnError(err error) {
	l.client.reportError(err)
}
