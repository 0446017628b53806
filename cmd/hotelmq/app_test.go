package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cenkalti/backoff/v4"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hotelhub/hotelmq"
	"github.com/hotelhub/hotelmq/events"
	"github.com/hotelhub/hotelmq/internal/config"
	"github.com/hotelhub/hotelmq/internal/logger"
	"github.com/hotelhub/hotelmq/internal/rabbitmq"
	"github.com/hotelhub/hotelmq/internal/rabbitmq/rabbitmqtest"
	"github.com/hotelhub/hotelmq/internal/reliability"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type recordingSender struct {
	sent    chan Notification
	failing atomic.Bool
}

func newRecordingSender() *recordingSender {
	return &recordingSender{sent: make(chan Notification, 16)}
}

func (s *recordingSender) Send(_ context.Context, n Notification) error {
	if s.failing.Load() {
		return errors.New("gateway unavailable")
	}
	s.sent <- n
	return nil
}

func (s *recordingSender) next(t *testing.T, subject string) Notification {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case n := <-s.sent:
			if n.Subject == subject {
				return n
			}
		case <-deadline:
			t.Fatalf("no %q notification", subject)
		}
	}
}

func newTestApp(t *testing.T, broker *rabbitmqtest.Broker) *App {
	t.Helper()

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Broker.ConnectRetries = 0
	cfg.RPC.Timeout = 500 * time.Millisecond
	cfg.Server.Port = 0

	mr := miniredis.RunT(t)
	cfg.Redis.Addr = mr.Addr()

	app := NewApp(cfg, logger.NopLogger(), hotelmq.WithDialer(broker.Dial))
	require.NoError(t, app.Initialize(context.Background()))
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })
	return app
}

func serve(app *App, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	app.router.ServeHTTP(w, req)
	return w
}

func TestNotificationWorker(t *testing.T) {
	broker := rabbitmqtest.NewBroker(rabbitmqtest.WithoutDelayedPlugin())
	app := newTestApp(t, broker)
	ctx := context.Background()

	directory := NewGuestDirectory(map[string]events.GuestContact{
		"g-1": {Email: "ada@example.com", Phone: "+44 20 7946 0000"},
	})
	require.NoError(t, app.AddGuestDirectory(ctx, directory))

	sender := newRecordingSender()
	require.NoError(t, app.addNotificationWorker(ctx, sender))

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- app.Run(runCtx) }()

	// Due a day before check-in, so the first reminder fires almost at once.
	res := events.ReservationData{
		ReservationID: "r-1",
		GuestID:       "g-1",
		CheckIn:       time.Now().Add(24*time.Hour + 100*time.Millisecond),
	}
	_, err := app.Client.Events().Publish(ctx, events.ReservationCreated, res)
	require.NoError(t, err)

	received := sender.next(t, "Reservation received")
	assert.Equal(t, "r-1", received.ReservationID)
	require.NotNil(t, received.Contact)
	assert.Equal(t, "ada@example.com", received.Contact.Email)

	reminder := sender.next(t, "Your stay starts tomorrow")
	assert.Equal(t, "r-1", reminder.ReservationID)
	assert.Equal(t, "ada@example.com", reminder.Contact.Email)

	// The two hour reminder is still parked in its delay queue.
	assert.Len(t, broker.Queues("hotelmq.reminder.delay."), 2)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestReplayedReservationSchedulesRemindersOnce(t *testing.T) {
	broker := rabbitmqtest.NewBroker(rabbitmqtest.WithoutDelayedPlugin())
	app := newTestApp(t, broker)
	ctx := context.Background()

	sender := newRecordingSender()
	sender.failing.Store(true)
	require.NoError(t, app.addNotificationWorker(ctx, sender))

	_, err := app.Client.Events().Publish(ctx, events.ReservationCreated, events.ReservationData{
		ReservationID: "r-6",
		CheckIn:       time.Now().Add(72 * time.Hour),
	})
	require.NoError(t, err)

	var listing struct {
		DeadLetters []struct {
			ID string `json:"id"`
		} `json:"deadLetters"`
		Count int `json:"count"`
	}
	require.Eventually(t, func() bool {
		w := serve(app, http.MethodGet, "/dead-letters?queue="+events.NotificationReservationQueue)
		return json.Unmarshal(w.Body.Bytes(), &listing) == nil && listing.Count == 1
	}, 3*time.Second, 20*time.Millisecond)
	assert.Empty(t, broker.Queues("hotelmq.reminder.delay."))

	sender.failing.Store(false)
	w := serve(app, http.MethodPost, "/dead-letters/"+listing.DeadLetters[0].ID+"/replay")
	require.Equal(t, http.StatusAccepted, w.Code)

	n := sender.next(t, "Reservation received")
	assert.Equal(t, "r-6", n.ReservationID)
	assert.Eventually(t, func() bool {
		return len(broker.Queues("hotelmq.reminder.delay.")) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestNotificationWorkerUnknownGuest(t *testing.T) {
	broker := rabbitmqtest.NewBroker()
	app := newTestApp(t, broker)
	ctx := context.Background()

	require.NoError(t, app.AddGuestDirectory(ctx, NewGuestDirectory(nil)))
	sender := newRecordingSender()
	require.NoError(t, app.addNotificationWorker(ctx, sender))

	_, err := app.Client.Events().Publish(ctx, events.ReservationConfirmed, events.ReservationData{
		ReservationID: "r-2",
		GuestID:       "g-unknown",
		CheckIn:       time.Now().Add(72 * time.Hour),
	})
	require.NoError(t, err)

	n := sender.next(t, "Reservation confirmed")
	assert.True(t, n.Contact.Empty())
}

func TestHealthEndpoint(t *testing.T) {
	broker := rabbitmqtest.NewBroker()
	app := newTestApp(t, broker)

	w := serve(app, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, w.Code)

	var report struct {
		Status string                     `json:"status"`
		Checks map[string]json.RawMessage `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, "healthy", report.Status)
	assert.Contains(t, report.Checks, "rabbitmq")
	assert.Contains(t, report.Checks, "redis")

	broker.SetUnreachable(true)
	broker.DropConnections()

	w = serve(app, http.MethodGet, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	broker := rabbitmqtest.NewBroker()
	app := newTestApp(t, broker)

	_, err := app.Client.Events().Publish(context.Background(), events.ReservationCreated, events.ReservationData{ReservationID: "r-3"})
	require.NoError(t, err)

	w := serve(app, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "hotelmq_events_published_total")
	assert.Contains(t, w.Body.String(), "hotelmq_connection_up")
}

func TestQueuesEndpoint(t *testing.T) {
	broker := rabbitmqtest.NewBroker()
	app := newTestApp(t, broker)
	ctx := context.Background()

	require.NoError(t, app.AddGuestDirectory(ctx, NewGuestDirectory(nil)))

	w := serve(app, http.MethodGet, "/queues")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Queues []struct {
			Name      string `json:"name"`
			Messages  int    `json:"messages"`
			Consumers int    `json:"consumers"`
		} `json:"queues"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Queues, 2)
	assert.Equal(t, events.GuestContactQueue, body.Queues[0].Name)
	assert.Equal(t, 1, body.Queues[0].Consumers)
	assert.Equal(t, rabbitmq.DeadLetterQueueName(events.GuestContactQueue), body.Queues[1].Name)
}

func TestDeadLetterEndpoints(t *testing.T) {
	broker := rabbitmqtest.NewBroker()
	app := newTestApp(t, broker)
	ctx := context.Background()

	sender := newRecordingSender()
	sender.failing.Store(true)
	require.NoError(t, app.addNotificationWorker(ctx, sender))

	env, err := app.Client.Events().Publish(ctx, events.ReservationCancelled, events.ReservationData{ReservationID: "r-4"})
	require.NoError(t, err)

	var listing struct {
		DeadLetters []struct {
			ID         string `json:"id"`
			MessageID  string `json:"messageId"`
			Queue      string `json:"queue"`
			Exchange   string `json:"exchange"`
			RoutingKey string `json:"routingKey"`
			Reason     string `json:"reason"`
			Body       string `json:"body"`
		} `json:"deadLetters"`
		Count int `json:"count"`
	}
	require.Eventually(t, func() bool {
		w := serve(app, http.MethodGet, "/dead-letters?queue="+events.NotificationReservationQueue)
		if w.Code != http.StatusOK {
			return false
		}
		return json.Unmarshal(w.Body.Bytes(), &listing) == nil && listing.Count == 1
	}, 3*time.Second, 20*time.Millisecond)

	dead := listing.DeadLetters[0]
	assert.Equal(t, env.MessageID, dead.MessageID)
	assert.Equal(t, events.NotificationReservationQueue, dead.Queue)
	assert.Equal(t, "hotel.events", dead.Exchange)
	assert.Equal(t, string(events.ReservationCancelled), dead.RoutingKey)
	assert.Equal(t, "rejected", dead.Reason)
	assert.True(t, strings.Contains(dead.Body, `"reservationId":"r-4"`))

	w := serve(app, http.MethodGet, "/dead-letters/"+dead.ID)
	assert.Equal(t, http.StatusOK, w.Code)

	sender.failing.Store(false)
	w = serve(app, http.MethodPost, "/dead-letters/"+dead.ID+"/replay")
	require.Equal(t, http.StatusAccepted, w.Code)

	n := sender.next(t, "Reservation cancelled")
	assert.Equal(t, "r-4", n.ReservationID)

	w = serve(app, http.MethodGet, "/dead-letters/"+dead.ID)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

type unavailableStore struct {
	*reliability.InMemoryErrorStore
	down atomic.Bool
}

func (s *unavailableStore) Store(ctx context.Context, msg reliability.FailedMessage) error {
	if s.down.Load() {
		return errors.New("server selection timeout")
	}
	return s.InMemoryErrorStore.Store(ctx, msg)
}

func TestDeadLettersSurviveArchiveOutage(t *testing.T) {
	broker := rabbitmqtest.NewBroker()
	app := newTestApp(t, broker)
	ctx := context.Background()

	store := &unavailableStore{InMemoryErrorStore: reliability.NewInMemoryErrorStore()}
	store.down.Store(true)
	app.archiver = reliability.NewDeadLetterArchiver(store,
		reliability.WithStoreRetry(func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 2)
		}))
	app.archiveRetryDelay = 20 * time.Millisecond

	sender := newRecordingSender()
	sender.failing.Store(true)
	require.NoError(t, app.addNotificationWorker(ctx, sender))

	_, err := app.Client.Events().Publish(ctx, events.ReservationCancelled, events.ReservationData{ReservationID: "r-5"})
	require.NoError(t, err)

	dlq := rabbitmq.DeadLetterQueueName(events.NotificationReservationQueue)
	require.Eventually(t, func() bool {
		q, _ := broker.Queue(dlq)
		return q.Ready+q.Unacked == 1
	}, 3*time.Second, 10*time.Millisecond)

	// Several failed archive attempts later the dead letter is still queued.
	time.Sleep(150 * time.Millisecond)
	q, _ := broker.Queue(dlq)
	assert.Equal(t, 1, q.Ready+q.Unacked)

	store.down.Store(false)
	require.Eventually(t, func() bool {
		archived, err := store.List(ctx, reliability.ErrorFilter{Queue: events.NotificationReservationQueue})
		return err == nil && len(archived) == 1
	}, 3*time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		q, _ := broker.Queue(dlq)
		return q.Ready+q.Unacked == 0
	}, time.Second, 10*time.Millisecond)
}

func TestDeadLetterEndpointErrors(t *testing.T) {
	broker := rabbitmqtest.NewBroker()
	app := newTestApp(t, broker)

	tests := []struct {
		name   string
		method string
		path   string
		status int
	}{
		{"bad since", http.MethodGet, "/dead-letters?since=yesterday", http.StatusBadRequest},
		{"bad limit", http.MethodGet, "/dead-letters?limit=0", http.StatusBadRequest},
		{"empty list", http.MethodGet, "/dead-letters", http.StatusOK},
		{"unknown id", http.MethodGet, "/dead-letters/missing", http.StatusNotFound},
		{"replay unknown id", http.MethodPost, "/dead-letters/missing/replay", http.StatusNotFound},
		{"delete unknown id", http.MethodDelete, "/dead-letters/missing", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(app, tt.method, tt.path)
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestGuestDirectoryLookup(t *testing.T) {
	directory := NewGuestDirectory(nil)
	directory.Put("g-7", events.GuestContact{Phone: "+1 555 0100"})
	ctx := context.Background()

	got, err := directory.Lookup(ctx, events.NewRequest(events.ActionGetGuestContact, map[string]any{"guestId": "g-7"}))
	require.NoError(t, err)
	assert.Equal(t, events.GuestContact{Phone: "+1 555 0100"}, got)

	got, err = directory.Lookup(ctx, events.NewRequest(events.ActionGetGuestContact, map[string]any{"guestId": "g-8"}))
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = directory.Lookup(ctx, events.NewRequest(events.ActionGetGuestContact, nil))
	assert.Error(t, err)
}

func TestParseParams(t *testing.T) {
	values, err := parseParams([]string{"guestId=g-1", "note=a=b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"guestId": "g-1", "note": "a=b"}, values)

	_, err = parseParams([]string{"novalue"})
	assert.Error(t, err)
}

func TestArchiveIsInMemoryWithoutMongo(t *testing.T) {
	broker := rabbitmqtest.NewBroker()
	app := newTestApp(t, broker)

	_, ok := app.archiver.Store().(*reliability.InMemoryErrorStore)
	assert.True(t, ok)
	_, ok = app.idempotency.(*reliability.RedisIdempotencyStore)
	assert.True(t, ok)
}
