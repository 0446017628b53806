package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hotelhub/hotelmq/internal/rabbitmq"
	"github.com/hotelhub/hotelmq/internal/rabbitmq/rabbitmqtest"
	"github.com/hotelhub/hotelmq/internal/reliability"
)

func newBroker(t *testing.T) (*rabbitmqtest.Broker, *rabbitmq.ConnectionManager) {
	broker := rabbitmqtest.NewBroker()
	cm := rabbitmq.NewConnectionManager("amqp://localhost:5672/",
		rabbitmq.WithDialer(broker.Dial),
		rabbitmq.WithConnectTimeout(time.Second))
	t.Cleanup(func() { _ = cm.Close() })

	tm := rabbitmq.NewTopologyManager(cm, nil)
	exchanges := rabbitmq.ExchangeSet{Events: "hotel.events", Reminders: "hotel.reminders"}
	require.NoError(t, tm.DeclareTopology(context.Background(), exchanges.Topology()))
	return broker, cm
}

func TestBrokerChecker(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		_, cm := newBroker(t)
		result := NewBrokerChecker(cm, "hotel.events", "hotel.reminders").Check(context.Background())
		assert.Equal(t, StatusHealthy, result.Status)
		assert.Equal(t, "rabbitmq", result.Name)
	})

	t.Run("missing exchange", func(t *testing.T) {
		broker, cm := newBroker(t)
		shared, err := cm.Channel(context.Background())
		require.NoError(t, err)

		result := NewBrokerChecker(cm, "hotel.audit").Check(context.Background())
		assert.Equal(t, StatusDegraded, result.Status)
		assert.Contains(t, result.Error, "NOT_FOUND")

		// The failed check does not cost the shared channel.
		assert.False(t, shared.IsClosed())
		again, err := cm.Channel(context.Background())
		require.NoError(t, err)
		assert.Same(t, shared, again)
		assert.Equal(t, 1, broker.Dials())
	})

	t.Run("unreachable", func(t *testing.T) {
		broker, cm := newBroker(t)
		broker.SetUnreachable(true)
		broker.DropConnections()

		result := NewBrokerChecker(cm).Check(context.Background())
		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.NotEmpty(t, result.Error)
	})
}

func TestQueueChecker(t *testing.T) {
	broker, cm := newBroker(t)
	tm := rabbitmq.NewTopologyManager(cm, nil)
	ctx := context.Background()

	_, err := tm.DeclareQueue(ctx, rabbitmq.QueueDeclaration{Name: "billing.reservation-events", Durable: true})
	require.NoError(t, err)

	checker := NewQueueChecker(tm, "billing.reservation-events", 2)
	assert.Equal(t, "queue_billing.reservation-events", checker.Name())
	assert.Equal(t, StatusHealthy, checker.Check(ctx).Status)

	pub := rabbitmq.NewPublisher(cm)
	require.NoError(t, pub.Publish(ctx, "", "billing.reservation-events", rabbitmq.JSONMessage([]byte(`{}`), "m-1", nil)))

	result := checker.Check(ctx)
	assert.Equal(t, StatusDegraded, result.Status)
	assert.Equal(t, 1, result.Details["messages"])
	assert.Equal(t, 0, result.Details["consumers"])

	for _, id := range []string{"m-2", "m-3"} {
		require.NoError(t, pub.Publish(ctx, "", "billing.reservation-events", rabbitmq.JSONMessage([]byte(`{}`), id, nil)))
	}
	assert.Contains(t, checker.Check(ctx).Message, "High message count: 3")

	shared, err := cm.Channel(ctx)
	require.NoError(t, err)

	result = NewQueueChecker(tm, "nobody.home", 0).Check(ctx)
	assert.Equal(t, StatusUnhealthy, result.Status)
	assert.Contains(t, result.Error, "NOT_FOUND")
	assert.False(t, shared.IsClosed())

	info, ok := broker.Queue("billing.reservation-events")
	require.True(t, ok)
	assert.Equal(t, 3, info.Ready)
}

func TestRedisChecker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	checker := NewRedisChecker(client)

	assert.Equal(t, StatusHealthy, checker.Check(context.Background()).Status)

	mr.Close()
	assert.Equal(t, StatusUnhealthy, checker.Check(context.Background()).Status)
}

func TestCircuitBreakerChecker(t *testing.T) {
	cb := reliability.NewCircuitBreaker("health-test", reliability.WithFailureRatio(1, 1), reliability.WithTimeout(time.Minute))
	checker := NewCircuitBreakerChecker(cb)
	assert.Equal(t, "circuit_breaker_health-test", checker.Name())
	assert.Equal(t, StatusHealthy, checker.Check(context.Background()).Status)

	_ = cb.Execute(context.Background(), func() error { return errors.New("down") })
	result := checker.Check(context.Background())
	assert.Equal(t, StatusDegraded, result.Status)
	assert.Equal(t, "open", result.Details["state"])
}

func TestRegistry(t *testing.T) {
	healthy := NewComponentChecker("healthy", func(context.Context) error { return nil })
	failing := NewComponentChecker("failing", func(context.Context) error { return errors.New("boom") })

	t.Run("all healthy", func(t *testing.T) {
		r := NewRegistry(time.Second)
		r.Register(healthy)
		r.Register(NewRuntimeChecker(0, 0))

		report := r.Check(context.Background())
		assert.Equal(t, StatusHealthy, report.Status)
		assert.Len(t, report.Checks, 2)
	})

	t.Run("optional failure degrades", func(t *testing.T) {
		r := NewRegistry(time.Second)
		r.Register(healthy)
		r.RegisterOptional(failing)

		report := r.Check(context.Background())
		assert.Equal(t, StatusDegraded, report.Status)
		assert.Equal(t, "boom", report.Checks["failing"].Error)
	})

	t.Run("required failure is unhealthy", func(t *testing.T) {
		r := NewRegistry(time.Second)
		r.RegisterOptional(healthy)
		r.Register(failing)

		assert.Equal(t, StatusUnhealthy, r.Check(context.Background()).Status)
	})

	t.Run("checks are bounded by the timeout", func(t *testing.T) {
		r := NewRegistry(20 * time.Millisecond)
		r.Register(NewComponentChecker("slow", func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}))

		start := time.Now()
		report := r.Check(context.Background())
		assert.Less(t, time.Since(start), time.Second)
		assert.Equal(t, StatusUnhealthy, report.Status)
	})
}
