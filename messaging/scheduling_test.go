package messaging_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hotelhub/hotelmq/events"
	"github.com/hotelhub/hotelmq/internal/rabbitmq"
	"github.com/hotelhub/hotelmq/messaging"
)

type dueReminder struct {
	reminder events.Reminder
	at       time.Time
}

func subscribeReminders(t *testing.T, h *harness) <-chan dueReminder {
	t.Helper()
	due := make(chan dueReminder, 4)
	sub, err := messaging.SubscribeReminders(context.Background(), h.consumer, events.NotificationReminderQueue, reminderExchange,
		func(_ context.Context, r events.Reminder) error {
			due <- dueReminder{reminder: r, at: time.Now()}
			return nil
		}, rabbitmq.WithDeadLetterExchange(deadLetterExchange))
	require.NoError(t, err)
	cancelOnCleanup(t, sub)
	return due
}

func testReminder() events.Reminder {
	return events.Reminder{
		ReservationID: "r-1",
		Code:          "HX42",
		GuestContact:  &events.GuestContact{Email: "guest@example.com"},
		CheckIn:       time.Date(2026, 8, 1, 15, 0, 0, 0, time.UTC),
		Type:          events.PreArrival2h,
	}
}

func TestReminderDelivery(t *testing.T) {
	const delay = 150 * time.Millisecond

	for _, native := range []bool{true, false} {
		h := newHarness(t, native)
		scheduler := messaging.NewReminderScheduler(h.publisher, h.topology, reminderExchange, native)

		t.Run(string(scheduler.Strategy()), func(t *testing.T) {
			due := subscribeReminders(t, h)

			start := time.Now()
			require.NoError(t, scheduler.ScheduleReminder(context.Background(), testReminder(), delay))

			got := receive(t, due, 2*time.Second)
			elapsed := got.at.Sub(start)
			assert.GreaterOrEqual(t, elapsed, delay)
			assert.Less(t, elapsed, delay+500*time.Millisecond)

			assert.Equal(t, "r-1", got.reminder.ReservationID)
			assert.Equal(t, events.PreArrival2h, got.reminder.Type)
			assert.Equal(t, "guest@example.com", got.reminder.GuestContact.Email)
			assert.False(t, got.reminder.When.IsZero())
		})
	}
}

func TestReminderNativeDelayHeader(t *testing.T) {
	h := newHarness(t, true)
	published := make(chan amqp.Publishing, 1)
	h.broker.OnPublish(func(exchange, key string, msg amqp.Publishing) error {
		if exchange == reminderExchange {
			assert.Equal(t, events.ReminderRoutingKey, key)
			published <- msg
		}
		return nil
	})

	scheduler := messaging.NewReminderScheduler(h.publisher, h.topology, reminderExchange, true)
	require.NoError(t, scheduler.ScheduleReminder(context.Background(), testReminder(), 90*time.Minute))

	msg := receive(t, published, time.Second)
	assert.Equal(t, int64(5_400_000), msg.Headers[rabbitmq.ArgDelay])
	assert.Equal(t, "reservation.reminder:r-1:PREARRIVAL_2H", msg.MessageId)
	assert.Empty(t, h.broker.Queues(messaging.DelayQueuePrefix))
}

func TestReminderTTLQueue(t *testing.T) {
	t.Run("queue arguments", func(t *testing.T) {
		h := newHarness(t, false)
		scheduler := messaging.NewReminderScheduler(h.publisher, h.topology, reminderExchange, false,
			messaging.WithQueueExpiryGrace(30*time.Second))

		require.NoError(t, scheduler.ScheduleReminder(context.Background(), testReminder(), time.Hour))

		names := h.broker.Queues(messaging.DelayQueuePrefix)
		require.Len(t, names, 1)
		q, _ := h.broker.Queue(names[0])
		assert.True(t, q.Durable)
		assert.Equal(t, 1, q.Ready)
		assert.Equal(t, int64(3_600_000), q.Arguments[rabbitmq.ArgMessageTTL])
		assert.Equal(t, reminderExchange, q.Arguments[rabbitmq.ArgDeadLetterExchange])
		assert.Equal(t, events.ReminderRoutingKey, q.Arguments[rabbitmq.ArgDeadLetterRoutingKey])
		assert.Equal(t, int64(3_630_000), q.Arguments[rabbitmq.ArgExpires])
	})

	t.Run("queue names never collide", func(t *testing.T) {
		h := newHarness(t, false)
		scheduler := messaging.NewReminderScheduler(h.publisher, h.topology, reminderExchange, false)

		for i := 0; i < 20; i++ {
			require.NoError(t, scheduler.ScheduleReminder(context.Background(), testReminder(), time.Hour))
		}
		assert.Len(t, h.broker.Queues(messaging.DelayQueuePrefix), 20)
	})

	t.Run("declaration failure publishes nothing", func(t *testing.T) {
		h := newHarness(t, false)
		var published atomic.Int32
		h.broker.OnPublish(func(string, string, amqp.Publishing) error {
			published.Add(1)
			return nil
		})
		h.broker.OnQueueDeclare(func(name string, _ amqp.Table) error {
			return errors.New("queue limit reached")
		})
		scheduler := messaging.NewReminderScheduler(h.publisher, h.topology, reminderExchange, false)

		err := scheduler.ScheduleReminder(context.Background(), testReminder(), time.Hour)
		var schedErr *rabbitmq.SchedulingError
		require.ErrorAs(t, err, &schedErr)
		assert.Equal(t, "declare", schedErr.Op)
		assert.Equal(t, string(messaging.StrategyTTLQueue), schedErr.Strategy)
		assert.Zero(t, published.Load())
	})

	t.Run("publish failure removes the queue", func(t *testing.T) {
		h := newHarness(t, false)
		h.broker.OnPublish(func(string, string, amqp.Publishing) error {
			return errors.New("disk alarm")
		})
		scheduler := messaging.NewReminderScheduler(h.publisher, h.topology, reminderExchange, false)

		err := scheduler.ScheduleReminder(context.Background(), testReminder(), time.Hour)
		var schedErr *rabbitmq.SchedulingError
		require.ErrorAs(t, err, &schedErr)
		assert.Equal(t, "publish", schedErr.Op)
		assert.NotEmpty(t, schedErr.Queue)
		assert.Empty(t, h.broker.Queues(messaging.DelayQueuePrefix))
	})

	t.Run("declaration rate limit", func(t *testing.T) {
		h := newHarness(t, false)
		scheduler := messaging.NewReminderScheduler(h.publisher, h.topology, reminderExchange, false,
			messaging.WithDeclareRateLimit(0.01, 1))

		require.NoError(t, scheduler.ScheduleReminder(context.Background(), testReminder(), time.Hour))

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		err := scheduler.ScheduleReminder(ctx, testReminder(), time.Hour)
		var schedErr *rabbitmq.SchedulingError
		require.ErrorAs(t, err, &schedErr)
		assert.Equal(t, "declare", schedErr.Op)
		assert.Len(t, h.broker.Queues(messaging.DelayQueuePrefix), 1)
	})
}

func TestReminderEdgeCases(t *testing.T) {
	t.Run("negative delay delivers immediately", func(t *testing.T) {
		h := newHarness(t, false)
		due := subscribeReminders(t, h)
		scheduler := messaging.NewReminderScheduler(h.publisher, h.topology, reminderExchange, false)

		require.NoError(t, scheduler.ScheduleReminder(context.Background(), testReminder(), -time.Hour))
		got := receive(t, due, time.Second)
		assert.Equal(t, "r-1", got.reminder.ReservationID)
	})

	t.Run("invalid reminder", func(t *testing.T) {
		h := newHarness(t, true)
		scheduler := messaging.NewReminderScheduler(h.publisher, h.topology, reminderExchange, true)

		err := scheduler.ScheduleReminder(context.Background(), events.Reminder{Type: events.PreArrival24h}, time.Minute)
		var schedErr *rabbitmq.SchedulingError
		require.ErrorAs(t, err, &schedErr)
		assert.Equal(t, "validate", schedErr.Op)
		assert.ErrorIs(t, err, events.ErrInvalidReminder)
	})

	t.Run("undecodable reminder is dead-lettered", func(t *testing.T) {
		h := newHarness(t, false)
		subscribeReminders(t, h)

		msg := rabbitmq.JSONMessage([]byte(`{"type":"PREARRIVAL_2H"}`), "", nil)
		require.NoError(t, h.publisher.Publish(context.Background(), reminderExchange, events.ReminderRoutingKey, msg))

		assert.Eventually(t, func() bool {
			q, _ := h.broker.Queue(rabbitmq.DeadLetterQueueName(events.NotificationReminderQueue))
			return q.Ready == 1
		}, time.Second, 5*time.Millisecond)
	})
}
