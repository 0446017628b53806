package messaging

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hotelhub/hotelmq/internal/rabbitmq"
)

// Publisher sends one message and waits for the broker to accept it.
// *rabbitmq.Publisher implements it.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error
}

// Subscriber starts a consumer on a queue. *rabbitmq.Consumer implements it.
type Subscriber interface {
	Consume(ctx context.Context, queue string, handler rabbitmq.Handler, opts ...rabbitmq.ConsumeOption) (*rabbitmq.Subscription, error)
}

var (
	_ Publisher  = (*rabbitmq.Publisher)(nil)
	_ Subscriber = (*rabbitmq.Consumer)(nil)
)
