package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hotelhub/hotelmq/events"
	"github.com/hotelhub/hotelmq/internal/logger"
	"github.com/hotelhub/hotelmq/internal/metrics"
	"github.com/hotelhub/hotelmq/internal/rabbitmq"
	"github.com/hotelhub/hotelmq/internal/reliability"
)

// ErrCircuitOpen is matched by publish errors rejected while the broker is
// considered down.
var ErrCircuitOpen = reliability.ErrCircuitOpen

// EventPublisher publishes reservation events to the event exchange.
type EventPublisher struct {
	publisher      Publisher
	exchange       string
	circuitBreaker *reliability.CircuitBreaker
	logger         logger.Logger
	now            func() time.Time
}

// EventPublisherOption configures the EventPublisher
type EventPublisherOption func(*EventPublisher)

// WithPublisherLogger sets the logger
func WithPublisherLogger(l logger.Logger) EventPublisherOption {
	return func(p *EventPublisher) {
		p.logger = l
	}
}

// WithCircuitBreaker fails publishes fast while cb is open
func WithCircuitBreaker(cb *reliability.CircuitBreaker) EventPublisherOption {
	return func(p *EventPublisher) {
		p.circuitBreaker = cb
	}
}

// NewEventPublisher creates a publisher for exchange
func NewEventPublisher(publisher Publisher, exchange string, options ...EventPublisherOption) *EventPublisher {
	p := &EventPublisher{
		publisher: publisher,
		exchange:  exchange,
		logger:    logger.NopLogger(),
		now:       time.Now,
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

type publishOptions struct {
	messageID string
	createdAt time.Time
	headers   amqp.Table
}

// PublishOption configures a single publish
type PublishOption func(*publishOptions)

// WithMessageID overrides the derived message id. Callers retrying a publish
// pass the id of the first attempt so consumers can de-duplicate.
func WithMessageID(id string) PublishOption {
	return func(o *publishOptions) {
		o.messageID = id
	}
}

// WithCreatedAt sets the envelope timestamp instead of the current time
func WithCreatedAt(t time.Time) PublishOption {
	return func(o *publishOptions) {
		o.createdAt = t
	}
}

// WithHeaders adds AMQP headers
func WithHeaders(headers amqp.Table) PublishOption {
	return func(o *publishOptions) {
		if o.headers == nil {
			o.headers = amqp.Table{}
		}
		for k, v := range headers {
			o.headers[k] = v
		}
	}
}

// Publish wraps data in an envelope and publishes it with the event type as
// routing key. It returns once the broker has accepted the message. Failures are
// returned as *rabbitmq.PublishError and never retried.
func (p *EventPublisher) Publish(ctx context.Context, eventType events.EventType, data any, options ...PublishOption) (*events.Envelope, error) {
	opts := p.options(options)

	env, err := events.NewEnvelope(eventType, data, opts.createdAt)
	if err != nil {
		metrics.EventsPublishedTotal.WithLabelValues(string(eventType), metrics.StatusFailure).Inc()
		return nil, err
	}
	if opts.messageID != "" {
		env.MessageID = opts.messageID
	}

	if err := p.publish(ctx, env, opts); err != nil {
		return nil, err
	}
	return env, nil
}

// PublishEnvelope publishes an envelope built earlier, keeping its message id
// and timestamp.
func (p *EventPublisher) PublishEnvelope(ctx context.Context, env *events.Envelope, options ...PublishOption) error {
	if !env.Event.Valid() {
		metrics.EventsPublishedTotal.WithLabelValues(string(env.Event), metrics.StatusFailure).Inc()
		return fmt.Errorf("%w: %q", events.ErrUnknownEventType, env.Event)
	}
	return p.publish(ctx, env, p.options(options))
}

func (p *EventPublisher) options(options []PublishOption) publishOptions {
	opts := publishOptions{}
	for _, opt := range options {
		opt(&opts)
	}
	if opts.createdAt.IsZero() {
		opts.createdAt = p.now()
	}
	return opts
}

func (p *EventPublisher) publish(ctx context.Context, env *events.Envelope, opts publishOptions) error {
	routingKey := string(env.Event)

	body, err := env.Marshal()
	if err != nil {
		metrics.EventsPublishedTotal.WithLabelValues(routingKey, metrics.StatusFailure).Inc()
		return &rabbitmq.PublishError{Exchange: p.exchange, RoutingKey: routingKey, Err: err, Timestamp: time.Now()}
	}

	msg := rabbitmq.JSONMessage(body, env.MessageID, opts.headers)
	msg.Type = routingKey
	msg.Timestamp = env.CreatedAt

	send := func() error {
		return p.publisher.Publish(ctx, p.exchange, routingKey, msg)
	}
	if p.circuitBreaker != nil {
		err = p.circuitBreaker.Execute(ctx, send)
	} else {
		err = send()
	}

	metrics.EventsPublishedTotal.WithLabelValues(routingKey, metrics.Status(err)).Inc()
	if err != nil {
		p.logger.WarnwCtx(ctx, "event publish failed",
			"event", routingKey,
			"message_id", env.MessageID,
			"error", err)
		var pubErr *rabbitmq.PublishError
		if !errors.As(err, &pubErr) {
			err = &rabbitmq.PublishError{Exchange: p.exchange, RoutingKey: routingKey, Err: err, Timestamp: time.Now()}
		}
		return err
	}

	p.logger.DebugwCtx(ctx, "event published",
		"event", routingKey,
		"message_id", env.MessageID)
	return nil
}
