package rabbitmq_test

import (
	"context"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hotelhub/hotelmq/internal/rabbitmq"
	"github.com/hotelhub/hotelmq/internal/rabbitmq/rabbitmqtest"
)

func TestConnectionManager(t *testing.T) {
	ctx := context.Background()

	t.Run("connects lazily", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm := newManager(t, broker)

		assert.False(t, cm.IsConnected())
		assert.Zero(t, broker.Dials())

		ch, err := cm.Channel(ctx)
		require.NoError(t, err)
		assert.NotNil(t, ch)
		assert.True(t, cm.IsConnected())
		assert.Equal(t, 1, broker.Dials())
	})

	t.Run("Channel is idempotent", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm := newManager(t, broker)

		first, err := cm.Channel(ctx)
		require.NoError(t, err)
		second, err := cm.Channel(ctx)
		require.NoError(t, err)

		assert.Same(t, first, second)
		assert.Equal(t, 1, broker.Dials())
	})

	t.Run("unreachable broker yields ConnectionError", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.SetUnreachable(true)
		cm := newManager(t, broker)

		_, err := cm.Channel(ctx)
		var connErr *rabbitmq.ConnectionError
		require.ErrorAs(t, err, &connErr)
		assert.Equal(t, "connect", connErr.Op)
		assert.NotContains(t, connErr.Error(), "guest:guest")
		assert.ErrorIs(t, err, rabbitmqtest.ErrUnreachable)
		assert.False(t, cm.IsConnected())
	})

	t.Run("reconnects on next use after broker drop", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		listener := newRecordingListener()
		cm := newManager(t, broker)
		cm.AddStateListener(listener)

		first, err := cm.Channel(ctx)
		require.NoError(t, err)
		waitFor(t, listener.connected)

		broker.DropConnections()

		select {
		case err := <-listener.disconnected:
			var amqpErr *amqp.Error
			require.ErrorAs(t, err, &amqpErr)
			assert.Equal(t, amqp.ConnectionForced, amqpErr.Code)
		case <-time.After(time.Second):
			t.Fatal("disconnect not reported")
		}

		assert.Eventually(t, func() bool { return !cm.IsConnected() }, time.Second, 5*time.Millisecond)

		second, err := cm.Channel(ctx)
		require.NoError(t, err)
		assert.NotSame(t, first, second)
		assert.Equal(t, 2, broker.Dials())
		waitFor(t, listener.connected)
	})

	t.Run("in-flight use of a stale channel fails", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm := newManager(t, broker)

		ch, err := cm.Channel(ctx)
		require.NoError(t, err)

		broker.DropConnections()

		_, err = ch.PublishWithDeferredConfirmWithContext(ctx, "", "q", false, false, amqp.Publishing{})
		assert.ErrorIs(t, err, amqp.ErrClosed)
	})

	t.Run("channel-level close is recovered", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm := newManager(t, broker)

		ch, err := cm.Channel(ctx)
		require.NoError(t, err)

		// Binding to a missing exchange closes the channel but not the connection.
		require.Error(t, ch.QueueBind("missing", "#", "missing", false, nil))

		next, err := cm.Channel(ctx)
		require.NoError(t, err)
		assert.NotSame(t, ch, next)
		assert.Equal(t, 1, broker.Dials())
	})

	t.Run("Close is final", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm := newManager(t, broker)
		require.NoError(t, cm.Connect(ctx))

		require.NoError(t, cm.Close())
		require.NoError(t, cm.Close())

		_, err := cm.Channel(ctx)
		assert.ErrorIs(t, err, rabbitmq.ErrConnectionClosed)
		assert.False(t, cm.IsConnected())
	})

	t.Run("state changes are delivered in order", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		listener := &sequenceListener{}
		cm := newManager(t, broker)
		cm.AddStateListener(listener)

		for i := 0; i < 20; i++ {
			_, err := cm.Channel(ctx)
			require.NoError(t, err)
			assert.Equal(t, "up", listener.last())
			broker.DropConnections()
		}
		_, err := cm.Channel(ctx)
		require.NoError(t, err)
		assert.Equal(t, "up", listener.last())

		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, "up", listener.last())

		require.NoError(t, cm.Close())
		assert.Equal(t, "down", listener.last())
	})

	t.Run("RemoveStateListener stops notifications", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		listener := newRecordingListener()
		cm := newManager(t, broker)
		cm.AddStateListener(listener)
		cm.RemoveStateListener(listener)

		require.NoError(t, cm.Connect(ctx))
		select {
		case <-listener.connected:
			t.Fatal("removed listener notified")
		case <-time.After(50 * time.Millisecond):
		}
	})
}

func TestConnectWithRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeds once the broker is reachable", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.SetUnreachable(true)
		listener := newRecordingListener()
		cm := newManager(t, broker)
		cm.AddStateListener(listener)

		go func() {
			time.Sleep(30 * time.Millisecond)
			broker.SetUnreachable(false)
		}()

		policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(10*time.Millisecond), 50)
		require.NoError(t, cm.ConnectWithRetry(ctx, policy))
		assert.True(t, cm.IsConnected())
		assert.Greater(t, broker.Dials(), 1)
		waitFor(t, listener.reconnecting)
	})

	t.Run("gives up after the policy is exhausted", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.SetUnreachable(true)
		cm := newManager(t, broker)

		policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 2)
		err := cm.ConnectWithRetry(ctx, policy)

		var connErr *rabbitmq.ConnectionError
		require.ErrorAs(t, err, &connErr)
		assert.Equal(t, 3, connErr.Attempts)
		assert.Equal(t, 3, broker.Dials())
	})

	t.Run("stops on a closed manager", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		cm := newManager(t, broker)
		require.NoError(t, cm.Close())

		err := cm.ConnectWithRetry(ctx, rabbitmq.DefaultRetryPolicy(5))
		assert.ErrorIs(t, err, rabbitmq.ErrConnectionClosed)
		assert.Zero(t, broker.Dials())
	})
}

func waitFor[T any](t *testing.T, ch chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
		var zero T
		return zero
	}
}
