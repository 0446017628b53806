package reliability

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hotelhub/hotelmq/internal/logger"
	"github.com/hotelhub/hotelmq/internal/metrics"
)

// MessagePublisher republishes replayed messages
type MessagePublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error
}

// DeadLetterArchiver drains dead-letter queues into an ErrorStore.
type DeadLetterArchiver struct {
	store     ErrorStore
	publisher MessagePublisher
	logger    logger.Logger
	retry     func() backoff.BackOff
	now       func() time.Time
}

// DLQOption configures the archiver
type DLQOption func(*DeadLetterArchiver)

// WithDLQLogger sets the logger
func WithDLQLogger(l logger.Logger) DLQOption {
	return func(a *DeadLetterArchiver) {
		a.logger = l
	}
}

// WithPublisher enables Replay
func WithPublisher(publisher MessagePublisher) DLQOption {
	return func(a *DeadLetterArchiver) {
		a.publisher = publisher
	}
}

// WithStoreRetry sets the backoff used when the store rejects a write
func WithStoreRetry(policy func() backoff.BackOff) DLQOption {
	return func(a *DeadLetterArchiver) {
		a.retry = policy
	}
}

// NewDeadLetterArchiver creates a new archiver
func NewDeadLetterArchiver(store ErrorStore, options ...DLQOption) *DeadLetterArchiver {
	a := &DeadLetterArchiver{
		store:  store,
		logger: logger.NopLogger(),
		now:    time.Now,
		retry: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxElapsedTime = 30 * time.Second
			return b
		},
	}

	for _, opt := range options {
		opt(a)
	}

	return a
}

// Store returns the archive
func (a *DeadLetterArchiver) Store() ErrorStore {
	return a.store
}

// Archive stores a delivery taken from a dead-letter queue. Store failures are
// retried with backoff; the returned error means the message could not be kept.
func (a *DeadLetterArchiver) Archive(ctx context.Context, d amqp.Delivery) error {
	msg := a.failedMessage(d)

	operation := func() error {
		return a.store.Store(ctx, msg)
	}
	notify := func(err error, wait time.Duration) {
		a.logger.WarnwCtx(ctx, "failed to archive dead letter, retrying",
			"message_id", msg.MessageID,
			"queue", msg.Queue,
			"retry_in", wait,
			"error", err)
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(a.retry(), ctx), notify); err != nil {
		return &DLQError{Queue: msg.Queue, MessageID: msg.MessageID, Op: "archive", Err: err, Timestamp: a.now()}
	}

	metrics.DeadLettersArchivedTotal.WithLabelValues(msg.Queue).Inc()
	a.logger.InfowCtx(ctx, "dead letter archived",
		"id", msg.ID,
		"message_id", msg.MessageID,
		"queue", msg.Queue,
		"routing_key", msg.RoutingKey,
		"reason", msg.Reason,
		"death_count", msg.DeathCount)
	return nil
}

// Replay publishes an archived message back to the exchange and routing key it
// originally arrived with and removes it from the archive.
func (a *DeadLetterArchiver) Replay(ctx context.Context, id string) error {
	if a.publisher == nil {
		return &DLQError{MessageID: id, Op: "replay", Err: fmt.Errorf("no publisher configured"), Timestamp: a.now()}
	}

	msg, err := a.store.Get(ctx, id)
	if err != nil {
		return err
	}

	pub := amqp.Publishing{
		ContentType:   msg.ContentType,
		DeliveryMode:  amqp.Persistent,
		MessageId:     msg.MessageID,
		CorrelationId: msg.CorrelationID,
		Timestamp:     a.now().UTC(),
		Headers:       replayHeaders(msg.Headers),
		Body:          msg.Body,
	}
	if err := a.publisher.Publish(ctx, msg.Exchange, msg.RoutingKey, pub); err != nil {
		return &DLQError{Queue: msg.Queue, MessageID: msg.MessageID, Op: "replay", Err: err, Timestamp: a.now()}
	}

	a.logger.InfowCtx(ctx, "dead letter replayed",
		"id", id,
		"message_id", msg.MessageID,
		"exchange", msg.Exchange,
		"routing_key", msg.RoutingKey)
	return a.store.Delete(ctx, id)
}

// DeathMetadata is what the broker recorded about the most recent death.
type DeathMetadata struct {
	Queue        string
	Exchange     string
	RoutingKey   string
	Reason       string
	Count        int
	FirstDeathAt time.Time
}

// ExtractDeathMetadata reads the x-death header of a dead-lettered delivery.
func ExtractDeathMetadata(d amqp.Delivery) DeathMetadata {
	md := DeathMetadata{
		Queue:      headerString(d.Headers, "x-first-death-queue"),
		Exchange:   headerString(d.Headers, "x-first-death-exchange"),
		RoutingKey: d.RoutingKey,
		Reason:     headerString(d.Headers, "x-first-death-reason"),
	}

	deaths, ok := d.Headers["x-death"].([]interface{})
	if !ok || len(deaths) == 0 {
		return md
	}
	death, ok := deaths[0].(amqp.Table)
	if !ok {
		return md
	}

	if queue := headerString(death, "queue"); queue != "" {
		md.Queue = queue
	}
	if exchange, ok := death["exchange"].(string); ok {
		md.Exchange = exchange
	}
	if reason := headerString(death, "reason"); reason != "" {
		md.Reason = reason
	}
	if keys, ok := death["routing-keys"].([]interface{}); ok && len(keys) > 0 {
		if key, ok := keys[0].(string); ok {
			md.RoutingKey = key
		}
	}
	md.Count = headerInt(death, "count")
	md.FirstDeathAt = headerTime(death, "time")

	return md
}

func (a *DeadLetterArchiver) failedMessage(d amqp.Delivery) FailedMessage {
	md := ExtractDeathMetadata(d)
	now := a.now().UTC()

	first := md.FirstDeathAt
	if first.IsZero() {
		first = now
	}
	return FailedMessage{
		ID:              uuid.New().String(),
		MessageID:       d.MessageId,
		Queue:           md.Queue,
		DeadLetterQueue: d.RoutingKey,
		Exchange:        md.Exchange,
		RoutingKey:      md.RoutingKey,
		Reason:          md.Reason,
		DeathCount:      md.Count,
		Headers:         d.Headers,
		Body:            d.Body,
		ContentType:     d.ContentType,
		CorrelationID:   d.CorrelationId,
		FirstFailedAt:   first,
		ArchivedAt:      now,
	}
}

// replayHeaders drops the broker's death bookkeeping.
func replayHeaders(headers amqp.Table) amqp.Table {
	out := amqp.Table{}
	for k, v := range headers {
		if k == "x-death" || strings.HasPrefix(k, "x-first-death-") || strings.HasPrefix(k, "x-last-death-") {
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func headerString(headers amqp.Table, key string) string {
	if val, ok := headers[key].(string); ok {
		return val
	}
	return ""
}

func headerInt(headers amqp.Table, key string) int {
	switch val := headers[key].(type) {
	case int:
		return val
	case int32:
		return int(val)
	case int64:
		return int(val)
	case float64:
		return int(val)
	}
	return 0
}

func headerTime(headers amqp.Table, key string) time.Time {
	switch val := headers[key].(type) {
	case time.Time:
		return val
	case int64:
		return time.Unix(val, 0)
	}
	return time.Time{}
}
