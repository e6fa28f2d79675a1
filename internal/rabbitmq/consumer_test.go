package rabbitmq_test

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/brokerkit/internal/rabbitmq"
	"github.com/glimte/brokerkit/internal/rabbitmq/rabbitmqtest"
)

type mockDeliveryAcknowledger struct {
	mock.Mock
}

func (m *mockDeliveryAcknowledger) Ack(tag uint64, multiple bool) error {
	args := m.Called(tag, multiple)
	return args.Error(0)
}

func (m *mockDeliveryAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	args := m.Called(tag, multiple, requeue)
	return args.Error(0)
}

func (m *mockDeliveryAcknowledger) Reject(tag uint64, requeue bool) error {
	args := m.Called(tag, requeue)
	return args.Error(0)
}

func startConsumer(t *testing.T, ch *rabbitmqtest.Channel, opts rabbitmq.ConsumeOptions, handler rabbitmq.MessageHandler) *rabbitmq.Subscription {
	t.Helper()
	consumer := rabbitmq.NewConsumer(rabbitmq.WithConsumerLogger(quietLogger()))
	sub, err := consumer.Consume(context.Background(), ch, opts, handler)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Stop() })
	return sub
}

func waitForAcks(t *testing.T, ch *rabbitmqtest.Channel, n int) []rabbitmqtest.Ack {
	t.Helper()
	require.Eventually(t, func() bool { return len(ch.Acks()) >= n }, time.Second, time.Millisecond)
	return ch.Acks()
}

func TestConsumer(t *testing.T) {
	t.Run("successful handler acks", func(t *testing.T) {
		ch := rabbitmqtest.NewChannel()
		received := make(chan amqp.Delivery, 1)
		startConsumer(t, ch, rabbitmq.ConsumeOptions{Queue: "orders", Prefetch: 10}, func(ctx context.Context, d amqp.Delivery) error {
			received <- d
			return nil
		})

		require.True(t, ch.Deliver("orders", amqp.Delivery{Body: []byte(`{"id":1}`)}))

		d := <-received
		assert.JSONEq(t, `{"id":1}`, string(d.Body))
		acks := waitForAcks(t, ch, 1)
		assert.Equal(t, rabbitmqtest.Ack{Tag: 1, Kind: rabbitmqtest.Acked}, acks[0])
		assert.Equal(t, []int{10}, ch.QosCalls())
	})

	t.Run("handler error requeues when configured", func(t *testing.T) {
		ch := rabbitmqtest.NewChannel()
		startConsumer(t, ch, rabbitmq.ConsumeOptions{Queue: "orders", RequeueOnError: true}, func(ctx context.Context, d amqp.Delivery) error {
			return errors.New("boom")
		})

		ch.Deliver("orders", amqp.Delivery{Body: []byte(`{}`)})

		acks := waitForAcks(t, ch, 1)
		assert.Equal(t, rabbitmqtest.Nacked, acks[0].Kind)
		assert.True(t, acks[0].Requeue)
		assert.Empty(t, ch.QosCalls())
	})

	t.Run("handler error without requeue", func(t *testing.T) {
		ch := rabbitmqtest.NewChannel()
		startConsumer(t, ch, rabbitmq.ConsumeOptions{Queue: "rpc"}, func(ctx context.Context, d amqp.Delivery) error {
			return errors.New("boom")
		})

		ch.Deliver("rpc", amqp.Delivery{Body: []byte(`{}`)})

		acks := waitForAcks(t, ch, 1)
		assert.Equal(t, rabbitmqtest.Nacked, acks[0].Kind)
		assert.False(t, acks[0].Requeue)
	})

	t.Run("discarded errors are never requeued", func(t *testing.T) {
		ch := rabbitmqtest.NewChannel()
		startConsumer(t, ch, rabbitmq.ConsumeOptions{Queue: "orders", RequeueOnError: true}, func(ctx context.Context, d amqp.Delivery) error {
			return rabbitmq.Discard(errors.New("malformed"))
		})

		ch.Deliver("orders", amqp.Delivery{Body: []byte(`nope`)})

		acks := waitForAcks(t, ch, 1)
		assert.False(t, acks[0].Requeue)
	})

	t.Run("panicking handler is nacked and the loop survives", func(t *testing.T) {
		ch := rabbitmqtest.NewChannel()
		calls := make(chan struct{}, 2)
		startConsumer(t, ch, rabbitmq.ConsumeOptions{Queue: "orders", RequeueOnError: true}, func(ctx context.Context, d amqp.Delivery) error {
			calls <- struct{}{}
			if string(d.Body) == "panic" {
				panic("handler bug")
			}
			return nil
		})

		ch.Deliver("orders", amqp.Delivery{Body: []byte("panic")})
		ch.Deliver("orders", amqp.Delivery{Body: []byte("ok")})

		acks := waitForAcks(t, ch, 2)
		assert.Equal(t, rabbitmqtest.Nacked, acks[0].Kind)
		assert.True(t, acks[0].Requeue)
		assert.Equal(t, rabbitmqtest.Acked, acks[1].Kind)
	})

	t.Run("nack goes through the delivery acknowledger", func(t *testing.T) {
		ch := rabbitmqtest.NewChannel()
		mockAck := &mockDeliveryAcknowledger{}
		nacked := make(chan struct{})
		mockAck.On("Nack", uint64(1), false, true).Return(nil).Run(func(mock.Arguments) {
			close(nacked)
		})

		startConsumer(t, ch, rabbitmq.ConsumeOptions{Queue: "orders", RequeueOnError: true}, func(ctx context.Context, d amqp.Delivery) error {
			return errors.New("handler error")
		})

		ch.Deliver("orders", amqp.Delivery{Body: []byte(`{}`), Acknowledger: mockAck})

		select {
		case <-nacked:
		case <-time.After(time.Second):
			t.Fatal("delivery was not nacked")
		}
		mockAck.AssertExpectations(t)
	})

	t.Run("auto-ack deliveries are not settled", func(t *testing.T) {
		ch := rabbitmqtest.NewChannel()
		done := make(chan struct{})
		startConsumer(t, ch, rabbitmq.ConsumeOptions{Queue: "replies", AutoAck: true, Exclusive: true}, func(ctx context.Context, d amqp.Delivery) error {
			close(done)
			return errors.New("ignored")
		})

		ch.Deliver("replies", amqp.Delivery{Body: []byte(`{}`)})
		<-done
		time.Sleep(10 * time.Millisecond)

		assert.Empty(t, ch.Acks())
		consumers := ch.Consumers()
		require.Len(t, consumers, 1)
		assert.True(t, consumers[0].AutoAck)
		assert.True(t, consumers[0].Exclusive)
	})

	t.Run("handler receives a deadline", func(t *testing.T) {
		ch := rabbitmqtest.NewChannel()
		deadlines := make(chan bool, 1)
		startConsumer(t, ch, rabbitmq.ConsumeOptions{Queue: "orders", HandlerTimeout: time.Minute}, func(ctx context.Context, d amqp.Delivery) error {
			_, ok := ctx.Deadline()
			deadlines <- ok
			return nil
		})

		ch.Deliver("orders", amqp.Delivery{})
		assert.True(t, <-deadlines)
	})

	t.Run("stop cancels the broker consumer", func(t *testing.T) {
		ch := rabbitmqtest.NewChannel()
		consumer := rabbitmq.NewConsumer(rabbitmq.WithConsumerLogger(quietLogger()))
		sub, err := consumer.Consume(context.Background(), ch, rabbitmq.ConsumeOptions{Queue: "orders", ConsumerTag: "c1"}, func(ctx context.Context, d amqp.Delivery) error {
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"c1"}, consumer.ActiveConsumers())

		require.NoError(t, sub.Stop())
		require.NoError(t, sub.Stop())

		assert.False(t, ch.HasConsumer("orders"))
		assert.Empty(t, consumer.ActiveConsumers())
	})

	t.Run("channel close ends the dispatch loop", func(t *testing.T) {
		ch := rabbitmqtest.NewChannel()
		sub := startConsumer(t, ch, rabbitmq.ConsumeOptions{Queue: "orders"}, func(ctx context.Context, d amqp.Delivery) error {
			return nil
		})

		ch.Drop(&amqp.Error{Code: amqp.ChannelError, Reason: "gone"})

		select {
		case <-sub.Done():
		case <-time.After(time.Second):
			t.Fatal("dispatch loop did not exit")
		}
		assert.NoError(t, sub.Stop())
	})

	t.Run("consume failure is a ConsumerError", func(t *testing.T) {
		ch := rabbitmqtest.NewChannel()
		ch.FailConsume(errors.New("queue not found"))
		consumer := rabbitmq.NewConsumer(rabbitmq.WithConsumerLogger(quietLogger()))

		_, err := consumer.Consume(context.Background(), ch, rabbitmq.ConsumeOptions{Queue: "missing"}, nil)

		var consumerErr *rabbitmq.ConsumerError
		require.ErrorAs(t, err, &consumerErr)
		assert.Equal(t, "consume", consumerErr.Op)
		assert.Equal(t, "missing", consumerErr.Queue)
	})

	t.Run("cancel all", func(t *testing.T) {
		ch := rabbitmqtest.NewChannel()
		consumer := rabbitmq.NewConsumer(rabbitmq.WithConsumerLogger(quietLogger()))
		for _, queue := range []string{"a", "b", "c"} {
			_, err := consumer.Consume(context.Background(), ch, rabbitmq.ConsumeOptions{Queue: queue}, func(ctx context.Context, d amqp.Delivery) error {
				return nil
			})
			require.NoError(t, err)
		}
		assert.Len(t, consumer.ActiveConsumers(), 3)

		consumer.CancelAll()

		require.Eventually(t, func() bool { return len(consumer.ActiveConsumers()) == 0 }, time.Second, time.Millisecond)
		assert.Empty(t, ch.Consumers())
	})

	t.Run("cancel from inside the handler", func(t *testing.T) {
		ch := rabbitmqtest.NewChannel()
		consumer := rabbitmq.NewConsumer(rabbitmq.WithConsumerLogger(quietLogger()))
		var sub *rabbitmq.Subscription
		ready := make(chan struct{})
		returned := make(chan struct{})
		sub, err := consumer.Consume(context.Background(), ch, rabbitmq.ConsumeOptions{Queue: "orders"}, func(ctx context.Context, d amqp.Delivery) error {
			<-ready
			sub.Cancel()
			consumer.CancelAll()
			close(returned)
			return nil
		})
		require.NoError(t, err)
		close(ready)

		ch.Deliver("orders", amqp.Delivery{Body: []byte(`{}`)})

		select {
		case <-returned:
		case <-time.After(time.Second):
			t.Fatal("cancel blocked inside the handler")
		}
		select {
		case <-sub.Done():
		case <-time.After(time.Second):
			t.Fatal("dispatch loop did not exit")
		}
		assert.False(t, ch.HasConsumer("orders"))
	})
}
