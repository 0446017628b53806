package rabbitmq_test

import (
	"context"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hotelhub/hotelmq/internal/rabbitmq"
	"github.com/hotelhub/hotelmq/internal/rabbitmq/rabbitmqtest"
)

var testExchanges = rabbitmq.ExchangeSet{
	Events:     "hotel.events",
	Reminders:  "hotel.reminders",
	DeadLetter: "hotel.dlx",
}

func TestExchangeSetTopology(t *testing.T) {
	t.Run("plain topic reminder exchange", func(t *testing.T) {
		topo := testExchanges.Topology()
		require.Len(t, topo.Exchanges, 3)
		for _, ex := range topo.Exchanges {
			assert.Equal(t, rabbitmq.ExchangeTopic, ex.Type)
			assert.True(t, ex.Durable)
		}
	})

	t.Run("delayed reminder exchange", func(t *testing.T) {
		set := testExchanges
		set.DelayedReminders = true
		reminders := set.Topology().Exchanges[1]
		assert.Equal(t, "hotel.reminders", reminders.Name)
		assert.Equal(t, rabbitmq.ExchangeDelayedMessage, reminders.Type)
		assert.Equal(t, amqp.Table{"x-delayed-type": "topic"}, reminders.Arguments)
	})

	t.Run("validation", func(t *testing.T) {
		assert.NoError(t, testExchanges.Validate())
		assert.ErrorIs(t, rabbitmq.ExchangeSet{Events: "x", Reminders: "x"}.Validate(), rabbitmq.ErrInvalidTopology)
		assert.ErrorIs(t, rabbitmq.ExchangeSet{Events: "x"}.Validate(), rabbitmq.ErrInvalidTopology)
	})
}

func TestDeclareTopology(t *testing.T) {
	ctx := context.Background()

	t.Run("declaring twice is a no-op", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		tm := rabbitmq.NewTopologyManager(newManager(t, broker), nil)

		require.NoError(t, tm.DeclareTopology(ctx, testExchanges.Topology()))
		before, ok := broker.Exchange("hotel.events")
		require.True(t, ok)

		require.NoError(t, tm.DeclareTopology(ctx, testExchanges.Topology()))
		after, ok := broker.Exchange("hotel.events")
		require.True(t, ok)
		assert.Equal(t, before, after)
	})

	t.Run("delayed exchange is declared with its underlying type", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		tm := rabbitmq.NewTopologyManager(newManager(t, broker), nil)
		set := testExchanges
		set.DelayedReminders = true

		require.NoError(t, tm.DeclareTopology(ctx, set.Topology()))
		info, ok := broker.Exchange("hotel.reminders")
		require.True(t, ok)
		assert.Equal(t, "x-delayed-message", info.Kind)
		assert.Equal(t, "topic", info.Arguments["x-delayed-type"])
	})

	t.Run("mismatched properties are fatal", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		tm := rabbitmq.NewTopologyManager(newManager(t, broker), nil)
		require.NoError(t, tm.DeclareTopology(ctx, testExchanges.Topology()))

		set := testExchanges
		set.DelayedReminders = true
		err := tm.DeclareTopology(ctx, set.Topology())

		var topoErr *rabbitmq.TopologyError
		require.ErrorAs(t, err, &topoErr)
		assert.Equal(t, "exchange", topoErr.Component)
		assert.Equal(t, "hotel.reminders", topoErr.Name)
		assert.True(t, rabbitmq.IsPreconditionFailed(err))
		assert.True(t, rabbitmq.IsFatal(err))

		info, _ := broker.Exchange("hotel.reminders")
		assert.Equal(t, "topic", info.Kind)
	})

	t.Run("missing delayed plugin surfaces as an error", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker(rabbitmqtest.WithoutDelayedPlugin())
		tm := rabbitmq.NewTopologyManager(newManager(t, broker), nil)
		set := testExchanges
		set.DelayedReminders = true

		err := tm.DeclareTopology(ctx, set.Topology())
		var topoErr *rabbitmq.TopologyError
		require.ErrorAs(t, err, &topoErr)
		assert.Equal(t, "hotel.reminders", topoErr.Name)
	})
}

func TestDeclareConsumerQueue(t *testing.T) {
	ctx := context.Background()
	broker := rabbitmqtest.NewBroker()
	tm := rabbitmq.NewTopologyManager(newManager(t, broker), nil)
	require.NoError(t, tm.DeclareTopology(ctx, testExchanges.Topology()))

	spec := rabbitmq.QueueSpec{
		Name:               "billing.reservation-events",
		DeadLetterExchange: "hotel.dlx",
		Bindings: []rabbitmq.Binding{
			{Exchange: "hotel.events", RoutingKey: "reservation.*"},
		},
	}

	require.NoError(t, tm.DeclareConsumerQueue(ctx, spec))
	require.NoError(t, tm.DeclareConsumerQueue(ctx, spec))

	q, ok := broker.Queue("billing.reservation-events")
	require.True(t, ok)
	assert.True(t, q.Durable)
	assert.Equal(t, "hotel.dlx", q.Arguments["x-dead-letter-exchange"])
	assert.Equal(t, "billing.reservation-events.dlq", q.Arguments["x-dead-letter-routing-key"])

	dlq, ok := broker.Queue("billing.reservation-events.dlq")
	require.True(t, ok)
	assert.True(t, dlq.Durable)

	t.Run("redeclaring without dead-lettering is rejected", func(t *testing.T) {
		err := tm.DeclareConsumerQueue(ctx, rabbitmq.QueueSpec{Name: "billing.reservation-events"})
		assert.True(t, rabbitmq.IsPreconditionFailed(err))
	})

	t.Run("name is required", func(t *testing.T) {
		assert.ErrorIs(t, tm.DeclareConsumerQueue(ctx, rabbitmq.QueueSpec{}), rabbitmq.ErrInvalidTopology)
	})

	t.Run("delete queue", func(t *testing.T) {
		_, err := tm.DeclareQueue(ctx, rabbitmq.QueueDeclaration{Name: "scratch", Durable: true})
		require.NoError(t, err)
		require.NoError(t, tm.DeleteQueue(ctx, "scratch"))
		_, ok := broker.Queue("scratch")
		assert.False(t, ok)
	})
}

func TestInspectQueueKeepsConsumersRunning(t *testing.T) {
	f := newConsumerFixture(t)
	ctx := context.Background()
	tm := rabbitmq.NewTopologyManager(f.manager, nil)

	received := make(chan amqp.Delivery, 2)
	sub, err := f.consumer.Consume(ctx, "billing", func(_ context.Context, d amqp.Delivery) error {
		received <- d
		return nil
	}, eventBinding)
	require.NoError(t, err)
	defer sub.Cancel()

	shared, err := f.manager.Channel(ctx)
	require.NoError(t, err)

	stats, err := tm.InspectQueue(ctx, "billing")
	require.NoError(t, err)
	assert.Equal(t, rabbitmq.QueueStats{Name: "billing", Messages: 0, Consumers: 1}, stats)

	_, err = tm.InspectQueue(ctx, "missing")
	var topoErr *rabbitmq.TopologyError
	require.ErrorAs(t, err, &topoErr)
	assert.Equal(t, "inspect", topoErr.Op)
	assert.False(t, shared.IsClosed())

	// The consumer is still attached to the channel it started on.
	f.publish(t, `{"n":1}`)
	waitFor(t, received)
	q, _ := f.broker.Queue("billing")
	assert.Equal(t, 1, q.Consumers)
	assert.Equal(t, 1, f.broker.Dials())
}
