package rabbitmq_test

import (
	"context"
	"errors"
	"testing"

	"github.com/benbjohnson/clock"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/brokerkit/internal/rabbitmq"
	"github.com/glimte/brokerkit/internal/rabbitmq/rabbitmqtest"
)

func TestPublisher(t *testing.T) {
	t.Run("publish without a channel fails immediately", func(t *testing.T) {
		publisher := rabbitmq.NewPublisher(rabbitmq.NewChannelManager(false), rabbitmq.WithPublisherLogger(quietLogger()))

		err := publisher.Publish(context.Background(), "events", "user.created", amqp.Publishing{Body: []byte(`{}`)})

		assert.ErrorIs(t, err, rabbitmq.ErrChannelUnavailable)
		var pubErr *rabbitmq.PublishError
		require.ErrorAs(t, err, &pubErr)
		assert.Equal(t, "events", pubErr.Exchange)
		assert.Equal(t, "user.created", pubErr.RoutingKey)
	})

	t.Run("publish goes to the active channel", func(t *testing.T) {
		dialer := rabbitmqtest.NewDialer()
		cm, _ := newManager(t, dialer, clock.NewMock())
		require.NoError(t, cm.Connect(context.Background()))
		publisher := rabbitmq.NewPublisher(cm.Channels())

		err := publisher.Publish(context.Background(), "", "work", amqp.Publishing{Body: []byte(`"job"`), CorrelationId: "c-1"})
		require.NoError(t, err)

		published := dialer.Last().LastChannel().Published()
		require.Len(t, published, 1)
		assert.Equal(t, "", published[0].Exchange)
		assert.Equal(t, "work", published[0].RoutingKey)
		assert.Equal(t, "c-1", published[0].Msg.CorrelationId)
	})

	t.Run("broker errors are wrapped", func(t *testing.T) {
		dialer := rabbitmqtest.NewDialer()
		cm, _ := newManager(t, dialer, clock.NewMock())
		require.NoError(t, cm.Connect(context.Background()))
		refused := errors.New("frame too large")
		dialer.Last().LastChannel().FailPublish(refused)
		publisher := rabbitmq.NewPublisher(cm.Channels())

		err := publisher.Publish(context.Background(), "events", "k", amqp.Publishing{})

		assert.ErrorIs(t, err, refused)
		assert.NotErrorIs(t, err, rabbitmq.ErrChannelUnavailable)
	})
}

func TestTopology(t *testing.T) {
	t.Run("server-named queues return the generated name", func(t *testing.T) {
		ch := rabbitmqtest.NewChannel()

		q, err := rabbitmq.DeclareQueue(ch, rabbitmq.QueueDeclaration{Exclusive: true, AutoDelete: true})

		require.NoError(t, err)
		assert.NotEmpty(t, q.Name)
	})

	t.Run("declaration failures are topology errors", func(t *testing.T) {
		ch := rabbitmqtest.NewChannel()
		ch.FailDeclare(errors.New("inequivalent arg 'durable'"))

		err := rabbitmq.DeclareExchange(ch, rabbitmq.ExchangeDeclaration{Name: "events", Type: amqp.ExchangeTopic})

		var topoErr *rabbitmq.TopologyError
		require.ErrorAs(t, err, &topoErr)
		assert.Equal(t, "exchange", topoErr.Component)
		assert.Equal(t, "events", topoErr.Name)
	})
}

func TestChannelManager(t *testing.T) {
	t.Run("get without a connection", func(t *testing.T) {
		channels := rabbitmq.NewChannelManager(false)
		_, err := channels.Get()
		assert.ErrorIs(t, err, rabbitmq.ErrChannelUnavailable)
		assert.False(t, channels.Available())
	})

	t.Run("execute recovers panics", func(t *testing.T) {
		cm, _ := newManager(t, rabbitmqtest.NewDialer(), clock.NewMock())
		require.NoError(t, cm.Connect(context.Background()))

		err := cm.Channels().Execute(func(ch rabbitmq.Channel) error {
			panic("bad callback")
		})

		assert.ErrorContains(t, err, "panic in channel execution")
		assert.True(t, cm.Channels().Available())
	})
}
