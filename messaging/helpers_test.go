package messaging

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/brokerkit/internal/rabbitmq"
	"github.com/glimte/brokerkit/internal/rabbitmq/rabbitmqtest"
)

type errorSink struct {
	mu   sync.Mutex
	errs []error
}

func (s *errorSink) report(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

func (s *errorSink) Errors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.errs...)
}

type harness struct {
	t         *testing.T
	clock     *clock.Mock
	dialer    *rabbitmqtest.Dialer
	manager   *rabbitmq.ConnectionManager
	transport *Transport
	sink      *errorSink
	logger    *slog.Logger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		t:      t,
		clock:  clock.NewMock(),
		dialer: rabbitmqtest.NewDialer(),
		sink:   &errorSink{},
		logger: logger,
	}
	h.manager = rabbitmq.NewConnectionManager("amqp://localhost:5672/",
		rabbitmq.WithDialer(h.dialer),
		rabbitmq.WithClock(h.clock),
		rabbitmq.WithLogger(logger),
		rabbitmq.WithReconnectDelay(100*time.Millisecond))
	h.transport = NewTransport(h.manager.Channels(), logger)
	t.Cleanup(func() { _ = h.manager.Close() })
	return h
}

func (h *harness) options(extra ...Option) []Option {
	return append([]Option{
		WithLogger(h.logger),
		WithClock(h.clock),
		WithErrorReporter(h.sink.report),
	}, extra...)
}

func (h *harness) connect() {
	h.t.Helper()
	require.NoError(h.t, h.manager.Connect(context.Background()))
}

// channel returns the fake channel of the current connection.
func (h *harness) channel() *rabbitmqtest.Channel {
	return h.dialer.Last().LastChannel()
}

// reconnect drops the current connection and drives the supervisor through
// one reconnect.
func (h *harness) reconnect() {
	h.t.Helper()
	h.dialer.Last().Drop(nil)
	require.Eventually(h.t, h.manager.ReconnectPending, time.Second, time.Millisecond)
	h.clock.Add(100 * time.Millisecond)
	require.Eventually(h.t, h.manager.IsConnected, time.Second, time.Millisecond)
}

func waitDone(t *testing.T, call *Call) {
	t.Helper()
	select {
	case <-call.Done():
	case <-time.After(time.Second):
		t.Fatal("call did not complete")
	}
}
