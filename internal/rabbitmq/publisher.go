package rabbitmq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hotelhub/hotelmq/internal/logger"
	"github.com/hotelhub/hotelmq/internal/metrics"
)

// Publisher publishes on the shared channel. It never retries; a failed publish
// is returned to the caller as a *PublishError.
type Publisher struct {
	channels       ChannelProvider
	confirmTimeout time.Duration
	logger         logger.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout bounds the wait for a broker confirm.
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(l logger.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = l
	}
}

// NewPublisher creates a new publisher
func NewPublisher(channels ChannelProvider, options ...PublisherOption) *Publisher {
	p := &Publisher{
		channels:       channels,
		confirmTimeout: 5 * time.Second,
		logger:         logger.NopLogger(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish sends msg and, when the channel is in confirm mode, blocks until the
// broker confirms it.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	start := time.Now()

	err := p.publish(ctx, exchange, routingKey, msg)
	if err != nil {
		p.logger.DebugwCtx(ctx, "publish failed",
			"exchange", exchange,
			"routing_key", routingKey,
			"error", err)
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	metrics.PublishDuration.WithLabelValues(exchange).Observe(float64(time.Since(start).Milliseconds()))
	return nil
}

func (p *Publisher) publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	ch, err := p.channels.Channel(ctx)
	if err != nil {
		return err
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, msg)
	if err != nil {
		return err
	}
	if confirm == nil {
		// Channel is not in confirm mode.
		return nil
	}

	waitCtx := ctx
	if p.confirmTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, p.confirmTimeout)
		defer cancel()
	}

	select {
	case <-confirm.Done():
		if !confirm.Acked() {
			return ErrPublishNotConfirmed
		}
		return nil
	case <-waitCtx.Done():
		return fmt.Errorf("%w: %v", ErrPublishTimeout, waitCtx.Err())
	}
}

// JSONMessage builds a persistent JSON publishing.
func JSONMessage(body []byte, messageID string, headers amqp.Table) amqp.Publishing {
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    messageID,
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
		Body:         body,
	}
}
