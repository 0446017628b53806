package reliability

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var deathTime = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

func deadLetter(messageID string) amqp.Delivery {
	return amqp.Delivery{
		MessageId:   messageID,
		ContentType: "application/json",
		Exchange:    "hotel.dlx",
		RoutingKey:  "billing.reservation-events.dlq",
		Body:        []byte(`{"event":"reservation.created","data":{"reservationId":"r-1"}}`),
		Headers: amqp.Table{
			"trace":                  "abc",
			"x-first-death-queue":    "billing.reservation-events",
			"x-first-death-reason":   "rejected",
			"x-first-death-exchange": "hotel.events",
			"x-death": []interface{}{
				amqp.Table{
					"queue":        "billing.reservation-events",
					"reason":       "rejected",
					"count":        int64(2),
					"exchange":     "hotel.events",
					"routing-keys": []interface{}{"reservation.created"},
					"time":         deathTime,
				},
			},
		},
	}
}

type recordingPublisher struct {
	mu        sync.Mutex
	exchange  string
	key       string
	published []amqp.Publishing
	err       error
}

func (p *recordingPublisher) Publish(_ context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.exchange, p.key = exchange, routingKey
	p.published = append(p.published, msg)
	return nil
}

type flakyStore struct {
	*InMemoryErrorStore
	failures int
	calls    int
}

func (s *flakyStore) Store(ctx context.Context, msg FailedMessage) error {
	s.calls++
	if s.calls <= s.failures {
		return errors.New("mongo: server selection timeout")
	}
	return s.InMemoryErrorStore.Store(ctx, msg)
}

func fastRetry(maxRetries uint64) func() backoff.BackOff {
	return func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), maxRetries)
	}
}

func TestExtractDeathMetadata(t *testing.T) {
	md := ExtractDeathMetadata(deadLetter("reservation.created:ABC"))

	assert.Equal(t, "billing.reservation-events", md.Queue)
	assert.Equal(t, "hotel.events", md.Exchange)
	assert.Equal(t, "reservation.created", md.RoutingKey)
	assert.Equal(t, "rejected", md.Reason)
	assert.Equal(t, 2, md.Count)
	assert.Equal(t, deathTime, md.FirstDeathAt)

	t.Run("without x-death", func(t *testing.T) {
		md := ExtractDeathMetadata(amqp.Delivery{RoutingKey: "q.dlq"})
		assert.Equal(t, "q.dlq", md.RoutingKey)
		assert.Zero(t, md.Count)
		assert.Empty(t, md.Queue)
	})
}

func TestDeadLetterArchiver(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	t.Run("archives with death metadata", func(t *testing.T) {
		store := NewInMemoryErrorStore()
		archiver := NewDeadLetterArchiver(store)
		archiver.now = func() time.Time { return now }

		require.NoError(t, archiver.Archive(ctx, deadLetter("reservation.created:ABC")))

		archived, err := store.List(ctx, ErrorFilter{Queue: "billing.reservation-events"})
		require.NoError(t, err)
		require.Len(t, archived, 1)

		msg := archived[0]
		assert.NotEmpty(t, msg.ID)
		assert.Equal(t, "reservation.created:ABC", msg.MessageID)
		assert.Equal(t, "billing.reservation-events.dlq", msg.DeadLetterQueue)
		assert.Equal(t, "hotel.events", msg.Exchange)
		assert.Equal(t, "reservation.created", msg.RoutingKey)
		assert.Equal(t, "rejected", msg.Reason)
		assert.Equal(t, 2, msg.DeathCount)
		assert.Equal(t, deathTime, msg.FirstFailedAt)
		assert.Equal(t, now, msg.ArchivedAt)

		raw, err := json.Marshal(msg)
		require.NoError(t, err)
		assert.Contains(t, string(raw), `"body":"{\"event\":\"reservation.created\"`)
	})

	t.Run("retries store failures", func(t *testing.T) {
		store := &flakyStore{InMemoryErrorStore: NewInMemoryErrorStore(), failures: 2}
		archiver := NewDeadLetterArchiver(store, WithStoreRetry(fastRetry(5)))

		require.NoError(t, archiver.Archive(ctx, deadLetter("m-1")))
		assert.Equal(t, 3, store.calls)
	})

	t.Run("gives up after the retry budget", func(t *testing.T) {
		store := &flakyStore{InMemoryErrorStore: NewInMemoryErrorStore(), failures: 10}
		archiver := NewDeadLetterArchiver(store, WithStoreRetry(fastRetry(2)))

		err := archiver.Archive(ctx, deadLetter("m-2"))
		var dlqErr *DLQError
		require.ErrorAs(t, err, &dlqErr)
		assert.Equal(t, "archive", dlqErr.Op)
		assert.Equal(t, "m-2", dlqErr.MessageID)
	})

	t.Run("replays to the original exchange", func(t *testing.T) {
		store := NewInMemoryErrorStore()
		publisher := &recordingPublisher{}
		archiver := NewDeadLetterArchiver(store, WithPublisher(publisher))

		require.NoError(t, archiver.Archive(ctx, deadLetter("reservation.created:ABC")))
		archived, err := store.List(ctx, ErrorFilter{})
		require.NoError(t, err)
		require.Len(t, archived, 1)

		require.NoError(t, archiver.Replay(ctx, archived[0].ID))

		assert.Equal(t, "hotel.events", publisher.exchange)
		assert.Equal(t, "reservation.created", publisher.key)
		require.Len(t, publisher.published, 1)
		replayed := publisher.published[0]
		assert.Equal(t, "reservation.created:ABC", replayed.MessageId)
		assert.Equal(t, amqp.Table{"trace": "abc"}, replayed.Headers)
		assert.Equal(t, amqp.Persistent, replayed.DeliveryMode)

		_, err = store.Get(ctx, archived[0].ID)
		assert.ErrorIs(t, err, ErrMessageNotFound)
	})

	t.Run("replay keeps the message when publishing fails", func(t *testing.T) {
		store := NewInMemoryErrorStore()
		archiver := NewDeadLetterArchiver(store, WithPublisher(&recordingPublisher{err: errors.New("channel closed")}))

		require.NoError(t, archiver.Archive(ctx, deadLetter("m-3")))
		archived, _ := store.List(ctx, ErrorFilter{})

		err := archiver.Replay(ctx, archived[0].ID)
		var dlqErr *DLQError
		require.ErrorAs(t, err, &dlqErr)

		_, err = store.Get(ctx, archived[0].ID)
		assert.NoError(t, err)
	})

	t.Run("replay of unknown id", func(t *testing.T) {
		archiver := NewDeadLetterArchiver(NewInMemoryErrorStore(), WithPublisher(&recordingPublisher{}))
		assert.ErrorIs(t, archiver.Replay(ctx, "missing"), ErrMessageNotFound)
	})

	t.Run("replay without publisher", func(t *testing.T) {
		archiver := NewDeadLetterArchiver(NewInMemoryErrorStore())
		var dlqErr *DLQError
		assert.ErrorAs(t, archiver.Replay(ctx, "any"), &dlqErr)
	})
}

func TestInMemoryErrorStoreList(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryErrorStore()
	base := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)

	for i, queue := range []string{"billing", "notification", "billing"} {
		require.NoError(t, store.Store(ctx, FailedMessage{
			ID:         string(rune('a' + i)),
			Queue:      queue,
			ArchivedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}

	all, err := store.List(ctx, ErrorFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ID)

	billing, err := store.List(ctx, ErrorFilter{Queue: "billing", MaxResults: 1})
	require.NoError(t, err)
	require.Len(t, billing, 1)
	assert.Equal(t, "c", billing[0].ID)

	windowed, err := store.List(ctx, ErrorFilter{Since: base.Add(30 * time.Minute), Until: base.Add(90 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, windowed, 1)
	assert.Equal(t, "b", windowed[0].ID)

	assert.ErrorIs(t, store.Delete(ctx, "zz"), ErrMessageNotFound)
	require.NoError(t, store.Delete(ctx, "a"))
	_, err = store.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrMessageNotFound)
}
