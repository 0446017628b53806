package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hotelhub/hotelmq/events"
	"github.com/hotelhub/hotelmq/internal/logger"
	"github.com/hotelhub/hotelmq/internal/metrics"
	"github.com/hotelhub/hotelmq/internal/rabbitmq"
	"github.com/hotelhub/hotelmq/internal/reliability"
)

var (
	// ErrInvalidJSON rejects a delivery whose body is not JSON.
	ErrInvalidJSON = errors.New("messaging: body is not valid JSON")
	// ErrUnhandledEvent rejects an event no handler is registered for.
	ErrUnhandledEvent = errors.New("messaging: no handler for event")
)

// JSONHandler processes a delivery whose body is valid JSON. A nil return
// acknowledges it; an error dead-letters it.
type JSONHandler func(ctx context.Context, body json.RawMessage, delivery amqp.Delivery) error

// JSON adapts handler to a rabbitmq.Handler that rejects non-JSON bodies
// before calling it.
func JSON(handler JSONHandler) rabbitmq.Handler {
	return func(ctx context.Context, d amqp.Delivery) error {
		if !json.Valid(d.Body) {
			return ErrInvalidJSON
		}
		return handler(ctx, json.RawMessage(d.Body), d)
	}
}

// ConsumeJSON starts a reliable consumer on queue delivering JSON bodies to handler.
func ConsumeJSON(ctx context.Context, subscriber Subscriber, queue string, handler JSONHandler, opts ...rabbitmq.ConsumeOption) (*rabbitmq.Subscription, error) {
	return subscriber.Consume(ctx, queue, JSON(handler), opts...)
}

// EventHandler processes one reservation event.
type EventHandler func(ctx context.Context, env *events.Envelope) error

// EventConsumer dispatches reservation events to a handler per event type.
type EventConsumer struct {
	subscriber         Subscriber
	exchange           string
	deadLetterExchange string
	prefetch           int
	idempotency        reliability.IdempotencyStore
	idempotencyTTL     time.Duration
	logger             logger.Logger

	mu       sync.RWMutex
	handlers map[events.EventType]EventHandler
}

// EventConsumerOption configures the EventConsumer
type EventConsumerOption func(*EventConsumer)

// WithEventConsumerLogger sets the logger
func WithEventConsumerLogger(l logger.Logger) EventConsumerOption {
	return func(c *EventConsumer) {
		c.logger = l
	}
}

// WithEventPrefetch bounds the unacknowledged events per subscription
func WithEventPrefetch(count int) EventConsumerOption {
	return func(c *EventConsumer) {
		c.prefetch = count
	}
}

// WithEventDeadLetterExchange dead-letters rejected events through exchange
func WithEventDeadLetterExchange(exchange string) EventConsumerOption {
	return func(c *EventConsumer) {
		c.deadLetterExchange = exchange
	}
}

// WithIdempotency skips events whose message id was processed within ttl.
func WithIdempotency(store reliability.IdempotencyStore, ttl time.Duration) EventConsumerOption {
	return func(c *EventConsumer) {
		c.idempotency = store
		c.idempotencyTTL = ttl
	}
}

// NewEventConsumer creates a consumer for events published to exchange.
func NewEventConsumer(subscriber Subscriber, exchange string, options ...EventConsumerOption) *EventConsumer {
	c := &EventConsumer{
		subscriber:     subscriber,
		exchange:       exchange,
		prefetch:       10,
		idempotencyTTL: 24 * time.Hour,
		logger:         logger.NopLogger(),
		handlers:       make(map[events.EventType]EventHandler),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Handle registers handler for eventType, replacing any earlier one.
func (c *EventConsumer) Handle(eventType events.EventType, handler EventHandler) error {
	if !eventType.Valid() {
		return fmt.Errorf("%w: %q", events.ErrUnknownEventType, eventType)
	}
	c.mu.Lock()
	c.handlers[eventType] = handler
	c.mu.Unlock()
	return nil
}

// EventTypes returns the event types with a registered handler.
func (c *EventConsumer) EventTypes() []events.EventType {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var types []events.EventType
	for _, t := range events.EventTypes() {
		if _, ok := c.handlers[t]; ok {
			types = append(types, t)
		}
	}
	return types
}

// Subscribe binds queue to the event exchange for every handled event type and
// starts consuming it.
func (c *EventConsumer) Subscribe(ctx context.Context, queue string, opts ...rabbitmq.ConsumeOption) (*rabbitmq.Subscription, error) {
	types := c.EventTypes()
	if len(types) == 0 {
		return nil, &rabbitmq.ConsumerError{Queue: queue, Op: "configure",
			Err: fmt.Errorf("%w: no event handlers registered", rabbitmq.ErrInvalidConfiguration), Timestamp: time.Now()}
	}

	bindings := make([]rabbitmq.Binding, 0, len(types))
	for _, t := range types {
		bindings = append(bindings, rabbitmq.Binding{Exchange: c.exchange, RoutingKey: string(t)})
	}

	consumeOpts := []rabbitmq.ConsumeOption{
		rabbitmq.WithPrefetchCount(c.prefetch),
		rabbitmq.WithBindings(bindings...),
	}
	if c.deadLetterExchange != "" {
		consumeOpts = append(consumeOpts, rabbitmq.WithDeadLetterExchange(c.deadLetterExchange))
	}

	return ConsumeJSON(ctx, c.subscriber, queue, func(ctx context.Context, body json.RawMessage, d amqp.Delivery) error {
		return c.handleEvent(ctx, queue, body, d)
	}, append(consumeOpts, opts...)...)
}

func (c *EventConsumer) handleEvent(ctx context.Context, queue string, body json.RawMessage, d amqp.Delivery) error {
	env, err := events.DecodeEnvelope(body)
	if err != nil {
		return err
	}

	c.mu.RLock()
	handler, ok := c.handlers[env.Event]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnhandledEvent, env.Event)
	}

	key := env.MessageID
	if key == "" {
		key = d.MessageId
	}

	if c.idempotency != nil && key != "" {
		claimed, err := c.idempotency.Claim(ctx, key, c.idempotencyTTL)
		switch {
		case err != nil:
			// Processing twice beats dropping the event.
			c.logger.WarnwCtx(ctx, "idempotency check failed", "message_id", key, "error", err)
		case !claimed:
			metrics.MessagesConsumedTotal.WithLabelValues(queue, metrics.OutcomeDuplicate).Inc()
			c.logger.InfowCtx(ctx, "skipping duplicate event", "event", env.Event, "message_id", key)
			return nil
		}
	}

	if err := handler(ctx, env); err != nil {
		if c.idempotency != nil && key != "" {
			if rerr := c.idempotency.Release(ctx, key); rerr != nil {
				c.logger.WarnwCtx(ctx, "failed to release idempotency key", "message_id", key, "error", rerr)
			}
		}
		return err
	}
	return nil
}

// ReminderHandler processes a due reminder.
type ReminderHandler func(ctx context.Context, reminder events.Reminder) error

// SubscribeReminders binds queue to the reminder exchange and delivers every due
// reminder to handler. Reminders that fail to decode are dead-lettered.
func SubscribeReminders(ctx context.Context, subscriber Subscriber, queue, exchange string, handler ReminderHandler, opts ...rabbitmq.ConsumeOption) (*rabbitmq.Subscription, error) {
	opts = append([]rabbitmq.ConsumeOption{
		rabbitmq.WithBindings(rabbitmq.Binding{Exchange: exchange, RoutingKey: events.ReminderRoutingKey}),
	}, opts...)

	return ConsumeJSON(ctx, subscriber, queue, func(ctx context.Context, body json.RawMessage, _ amqp.Delivery) error {
		reminder, err := events.DecodeReminder(body)
		if err != nil {
			return err
		}
		return handler(ctx, reminder)
	}, opts...)
}
