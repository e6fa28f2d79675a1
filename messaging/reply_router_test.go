package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRouter(t *testing.T, opts ...Option) (*harness, *ReplyRouter) {
	t.Helper()
	h := newHarness(t)
	router := NewReplyRouter(h.transport, h.options(opts...)...)
	h.manager.AddSetupHook(router.Setup)
	t.Cleanup(router.Close)
	h.connect()
	return h, router
}

func rpcError(t *testing.T, err error) *RPCError {
	t.Helper()
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	return rpcErr
}

func TestReplyRouterSetup(t *testing.T) {
	h, router := newRouter(t)

	queues := h.channel().Queues()
	require.Len(t, queues, 1)
	assert.Empty(t, queues[0].Name)
	assert.True(t, queues[0].Exclusive)
	assert.True(t, queues[0].AutoDelete)
	assert.False(t, queues[0].Durable)

	assert.Equal(t, "amq.gen-", router.ReplyQueue()[:len("amq.gen-")])

	consumers := h.channel().Consumers()
	require.Len(t, consumers, 1)
	assert.Equal(t, router.ReplyQueue(), consumers[0].Queue)
	assert.True(t, consumers[0].AutoAck)
	assert.True(t, consumers[0].Exclusive)
}

func TestReplyRouterRequest(t *testing.T) {
	t.Run("reply completes the call", func(t *testing.T) {
		h, router := newRouter(t)

		call := router.Request(context.Background(), "math.add", map[string]int{"a": 1, "b": 2},
			WithRequestHeaders(map[string]any{"tenant": "acme"}))
		require.NotEmpty(t, call.CorrelationID())
		assert.Equal(t, "math.add", call.Queue())
		assert.Equal(t, 1, router.Pending())

		published := h.channel().Published()
		require.Len(t, published, 1)
		assert.Empty(t, published[0].Exchange)
		assert.Equal(t, "math.add", published[0].RoutingKey)
		assert.Equal(t, call.CorrelationID(), published[0].Msg.CorrelationId)
		assert.Equal(t, router.ReplyQueue(), published[0].Msg.ReplyTo)
		assert.Equal(t, "application/json", published[0].Msg.ContentType)
		assert.Equal(t, "acme", published[0].Msg.Headers["tenant"])
		assert.JSONEq(t, `{"a":1,"b":2}`, string(published[0].Msg.Body))

		require.True(t, h.channel().Deliver(router.ReplyQueue(), amqp.Delivery{
			CorrelationId: call.CorrelationID(),
			Body:          []byte(`{"sum":3}`),
		}))

		waitDone(t, call)
		reply, err := call.Wait()
		require.NoError(t, err)
		assert.JSONEq(t, `{"sum":3}`, string(reply))
		assert.Equal(t, 0, router.Pending())

		var out struct{ Sum int }
		require.NoError(t, call.Decode(&out))
		assert.Equal(t, 3, out.Sum)
		assert.Empty(t, h.sink.Errors())
	})

	t.Run("timeout", func(t *testing.T) {
		h, router := newRouter(t)

		call := router.Request(context.Background(), "slow", "ping", WithTimeout(100*time.Millisecond))
		assert.Equal(t, 1, router.Pending())

		h.clock.Add(99 * time.Millisecond)
		select {
		case <-call.Done():
			t.Fatal("call completed before its timeout")
		case <-time.After(20 * time.Millisecond):
		}

		h.clock.Add(2 * time.Millisecond)
		waitDone(t, call)

		_, err := call.Wait()
		assert.ErrorIs(t, err, ErrRPCTimeout)
		assert.Equal(t, KindTimeout, rpcError(t, err).Kind)
		assert.Equal(t, 0, router.Pending())
		require.Eventually(t, func() bool { return len(h.sink.Errors()) == 1 }, time.Second, time.Millisecond)
	})

	t.Run("default timeout comes from options", func(t *testing.T) {
		h, router := newRouter(t, WithDefaultTimeout(time.Second))

		call := router.Request(context.Background(), "slow", "ping")
		h.clock.Add(999 * time.Millisecond)
		assert.Equal(t, 1, router.Pending())

		h.clock.Add(time.Millisecond)
		waitDone(t, call)
		_, err := call.Wait()
		assert.ErrorIs(t, err, ErrRPCTimeout)
	})

	t.Run("late reply is discarded", func(t *testing.T) {
		h, router := newRouter(t)

		call := router.Request(context.Background(), "slow", "ping", WithTimeout(50*time.Millisecond))
		h.clock.Add(50 * time.Millisecond)
		waitDone(t, call)

		h.channel().Deliver(router.ReplyQueue(), amqp.Delivery{
			CorrelationId: call.CorrelationID(),
			Body:          []byte(`"late"`),
		})

		time.Sleep(20 * time.Millisecond)
		reply, err := call.Wait()
		assert.Nil(t, reply)
		assert.ErrorIs(t, err, ErrRPCTimeout)
		assert.Equal(t, 0, router.Pending())
	})

	t.Run("invalid response", func(t *testing.T) {
		h, router := newRouter(t)

		call := router.Request(context.Background(), "echo", "ping")
		h.channel().Deliver(router.ReplyQueue(), amqp.Delivery{
			CorrelationId: call.CorrelationID(),
			Body:          []byte("not json"),
		})

		waitDone(t, call)
		_, err := call.Wait()
		assert.ErrorIs(t, err, ErrInvalidResponse)
		assert.ErrorIs(t, err, ErrInvalidPayload)
		assert.Equal(t, 0, router.Pending())
	})

	t.Run("unknown correlation id is dropped", func(t *testing.T) {
		h, router := newRouter(t)

		call := router.Request(context.Background(), "echo", "ping")
		h.channel().Deliver(router.ReplyQueue(), amqp.Delivery{
			CorrelationId: "someone-else",
			Body:          []byte(`"pong"`),
		})

		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, 1, router.Pending())
		select {
		case <-call.Done():
			t.Fatal("call completed by a foreign reply")
		default:
		}
	})

	t.Run("no channel", func(t *testing.T) {
		h := newHarness(t)
		router := NewReplyRouter(h.transport, h.options()...)

		call := router.Request(context.Background(), "echo", "ping")
		waitDone(t, call)

		_, err := call.Wait()
		assert.ErrorIs(t, err, ErrChannelUnavailable)
		assert.Equal(t, KindChannelUnavailable, rpcError(t, err).Kind)
		assert.Equal(t, 0, router.Pending())
		assert.Len(t, h.sink.Errors(), 1)
	})

	t.Run("publish failure", func(t *testing.T) {
		h, router := newRouter(t)
		h.channel().FailPublish(errors.New("boom"))

		call := router.Request(context.Background(), "echo", "ping")
		waitDone(t, call)

		_, err := call.Wait()
		assert.ErrorIs(t, err, ErrPublishFailed)
		assert.Equal(t, 0, router.Pending())
	})

	t.Run("unencodable payload", func(t *testing.T) {
		_, router := newRouter(t)

		call := router.Request(context.Background(), "echo", []byte("{broken"))
		waitDone(t, call)

		_, err := call.Wait()
		assert.ErrorIs(t, err, ErrPublishFailed)
		assert.ErrorIs(t, err, ErrInvalidPayload)
		assert.Equal(t, 0, router.Pending())
	})
}

func TestReplyRouterClose(t *testing.T) {
	h, router := newRouter(t)

	queue := router.ReplyQueue()
	calls := []*Call{
		router.Request(context.Background(), "a", 1),
		router.Request(context.Background(), "b", 2),
	}
	require.Equal(t, 2, router.Pending())

	router.Close()
	router.Close()

	for _, call := range calls {
		waitDone(t, call)
		_, err := call.Wait()
		assert.ErrorIs(t, err, ErrClosed)
		assert.ErrorIs(t, err, ErrChannelUnavailable)
	}
	assert.Equal(t, 0, router.Pending())
	assert.Empty(t, router.ReplyQueue())
	require.Eventually(t, func() bool { return !h.channel().HasConsumer(queue) }, time.Second, time.Millisecond)

	call := router.Request(context.Background(), "a", 1)
	waitDone(t, call)
	_, err := call.Wait()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestReplyRouterReconnect(t *testing.T) {
	h, router := newRouter(t)
	first := router.ReplyQueue()

	h.reconnect()

	require.Eventually(t, func() bool {
		return router.ReplyQueue() != "" && router.ReplyQueue() != first
	}, time.Second, time.Millisecond)
	assert.True(t, h.channel().HasConsumer(router.ReplyQueue()))

	call := router.Request(context.Background(), "echo", "ping")
	h.channel().Deliver(router.ReplyQueue(), amqp.Delivery{
		CorrelationId: call.CorrelationID(),
		Body:          []byte(`"pong"`),
	})
	waitDone(t, call)
	reply, err := call.Wait()
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`"pong"`), reply)
}

func TestReplyRouterReplyRacesTimeout(t *testing.T) {
	h, router := newRouter(t)

	for i := 0; i < 50; i++ {
		call := router.Request(context.Background(), "race", i, WithTimeout(10*time.Millisecond))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.channel().Deliver(router.ReplyQueue(), amqp.Delivery{
				CorrelationId: call.CorrelationID(),
				Body:          []byte(`true`),
			})
		}()
		go func() {
			defer wg.Done()
			h.clock.Add(10 * time.Millisecond)
		}()
		wg.Wait()

		waitDone(t, call)
		reply, err := call.Wait()
		if err != nil {
			assert.ErrorIs(t, err, ErrRPCTimeout)
			assert.Nil(t, reply)
		} else {
			assert.JSONEq(t, `true`, string(reply))
		}
	}
	assert.Equal(t, 0, router.Pending())
}
