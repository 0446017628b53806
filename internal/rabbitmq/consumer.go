package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hotelhub/hotelmq/internal/logger"
	"github.com/hotelhub/hotelmq/internal/metrics"
)

// Handler processes one delivery. A nil return acknowledges the delivery; an
// error or a panic rejects it without requeue, which dead-letters it when the
// queue has a dead-letter exchange. WithRequeueOnError changes that.
type Handler func(ctx context.Context, delivery amqp.Delivery) error

// Consumer starts subscriptions on the shared channel.
type Consumer struct {
	channels     ChannelProvider
	topology     *TopologyManager
	logger       logger.Logger
	resubscribe  func() backoff.BackOff
	drainTimeout time.Duration

	// Qos applies to the next Consume on the channel, so the pair must not interleave.
	subscribeMu sync.Mutex
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets the logger
func WithConsumerLogger(l logger.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = l
	}
}

// WithResubscribePolicy sets the backoff used to resubscribe after the channel
// is lost. The factory is called once per outage.
func WithResubscribePolicy(policy func() backoff.BackOff) ConsumerOption {
	return func(c *Consumer) {
		c.resubscribe = policy
	}
}

// NewConsumer creates a new consumer
func NewConsumer(channels ChannelProvider, topology *TopologyManager, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		channels:     channels,
		topology:     topology,
		logger:       logger.NopLogger(),
		drainTimeout: 5 * time.Second,
		resubscribe: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

type consumeConfig struct {
	prefetch     int
	tag          string
	spec         QueueSpec
	requeue      bool
	requeueDelay time.Duration
}

// ConsumeOption configures a single subscription
type ConsumeOption func(*consumeConfig)

// WithPrefetchCount bounds the unacknowledged deliveries of the subscription.
func WithPrefetchCount(count int) ConsumeOption {
	return func(cfg *consumeConfig) {
		cfg.prefetch = count
	}
}

// WithDeadLetterExchange declares the queue with dead-lettering into "<queue>.dlq".
func WithDeadLetterExchange(exchange string) ConsumeOption {
	return func(cfg *consumeConfig) {
		cfg.spec.DeadLetterExchange = exchange
	}
}

// WithBindings binds the queue before consuming.
func WithBindings(bindings ...Binding) ConsumeOption {
	return func(cfg *consumeConfig) {
		cfg.spec.Bindings = append(cfg.spec.Bindings, bindings...)
	}
}

// WithRequeueOnError returns failed deliveries to the queue after delay instead
// of rejecting them. Use it on queues without a dead-letter exchange, where a
// rejection would drop the message.
func WithRequeueOnError(delay time.Duration) ConsumeOption {
	return func(cfg *consumeConfig) {
		cfg.requeue = true
		cfg.requeueDelay = delay
	}
}

// WithConsumerTag sets the consumer tag
func WithConsumerTag(tag string) ConsumeOption {
	return func(cfg *consumeConfig) {
		cfg.tag = tag
	}
}

// Consume declares queue, applies the prefetch limit and starts a dispatch loop
// invoking handler for one delivery at a time. It returns once the broker has
// registered the consumer. The loop runs until the subscription is cancelled or
// ctx is done, resubscribing after a channel loss.
func (c *Consumer) Consume(ctx context.Context, queue string, handler Handler, opts ...ConsumeOption) (*Subscription, error) {
	cfg := consumeConfig{prefetch: 10}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.spec.Name = queue
	if cfg.tag == "" {
		cfg.tag = "hotelmq-" + uuid.New().String()
	}
	if cfg.prefetch < 1 {
		return nil, &ConsumerError{Queue: queue, ConsumerTag: cfg.tag, Op: "configure",
			Err: fmt.Errorf("%w: prefetch must be at least 1", ErrInvalidConfiguration), Timestamp: time.Now()}
	}

	runCtx, cancel := context.WithCancel(ctx)
	s := &Subscription{
		consumer: c,
		cfg:      cfg,
		handler:  handler,
		cancel:   cancel,
		done:     make(chan struct{}),
		logger:   c.logger.With("queue", queue, "consumer_tag", cfg.tag),
	}

	deliveries, err := s.subscribe(runCtx)
	if err != nil {
		cancel()
		return nil, err
	}

	s.logger.Infow("consumer started", "prefetch", cfg.prefetch)
	go s.run(runCtx, deliveries)

	return s, nil
}

// Subscription is a running consumer.
type Subscription struct {
	consumer *Consumer
	cfg      consumeConfig
	handler  Handler
	logger   logger.Logger

	mu     sync.Mutex
	ch     Channel
	cancel context.CancelFunc
	done   chan struct{}
}

// Queue returns the consumed queue name
func (s *Subscription) Queue() string {
	return s.cfg.spec.Name
}

// ConsumerTag returns the broker consumer tag
func (s *Subscription) ConsumerTag() string {
	return s.cfg.tag
}

// Cancel stops consumption. Deliveries prefetched but not yet handled are
// returned to the queue. Use Done to wait for the loop to exit.
func (s *Subscription) Cancel() {
	s.cancel()
}

// Done is closed once the dispatch loop has exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) subscribe(ctx context.Context) (<-chan amqp.Delivery, error) {
	queue := s.cfg.spec.Name
	fail := func(op string, err error) error {
		return &ConsumerError{Queue: queue, ConsumerTag: s.cfg.tag, Op: op, Err: err, Timestamp: time.Now()}
	}

	if err := s.consumer.topology.DeclareConsumerQueue(ctx, s.cfg.spec); err != nil {
		return nil, fail("declare", err)
	}

	ch, err := s.consumer.channels.Channel(ctx)
	if err != nil {
		return nil, fail("subscribe", err)
	}

	s.consumer.subscribeMu.Lock()
	defer s.consumer.subscribeMu.Unlock()

	if err := ch.Qos(s.cfg.prefetch, 0, false); err != nil {
		return nil, fail("qos", err)
	}

	deliveries, err := ch.Consume(
		queue,
		s.cfg.tag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, fail("subscribe", err)
	}

	s.mu.Lock()
	s.ch = ch
	s.mu.Unlock()

	return deliveries, nil
}

func (s *Subscription) run(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer close(s.done)

	// Handlers finish their delivery even when the subscription is cancelled.
	handlerCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			s.shutdown(deliveries)
			s.logger.Infow("consumer stopped")
			return

		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return
				}
				s.logger.Warnw("delivery channel closed, resubscribing")
				next, err := s.resubscribeLoop(ctx)
				if err != nil {
					if ctx.Err() == nil {
						s.logger.Errorw("consumer gave up resubscribing", "error", err)
					}
					return
				}
				deliveries = next
				continue
			}
			if ctx.Err() != nil {
				_ = d.Nack(false, true)
				s.shutdown(deliveries)
				s.logger.Infow("consumer stopped")
				return
			}
			s.handle(ctx, handlerCtx, d)
		}
	}
}

func (s *Subscription) resubscribeLoop(ctx context.Context) (<-chan amqp.Delivery, error) {
	var deliveries <-chan amqp.Delivery
	operation := func() error {
		var err error
		deliveries, err = s.subscribe(ctx)
		if err != nil && IsFatal(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	if err := backoff.Retry(operation, backoff.WithContext(s.consumer.resubscribe(), ctx)); err != nil {
		return nil, err
	}
	s.logger.Infow("consumer resubscribed")
	return deliveries, nil
}

func (s *Subscription) handle(runCtx, ctx context.Context, d amqp.Delivery) {
	queue := s.cfg.spec.Name
	start := time.Now()

	err := s.invoke(ctx, d)
	metrics.HandlerDuration.WithLabelValues(queue).Observe(float64(time.Since(start).Milliseconds()))

	if err != nil && s.cfg.requeue {
		s.requeue(runCtx, d, err)
		return
	}

	if err != nil {
		cerr := &ConsumerError{Queue: queue, ConsumerTag: s.cfg.tag, Op: "process", Err: err, Timestamp: time.Now()}
		s.logger.WarnwCtx(ctx, "rejecting message",
			"message_id", d.MessageId,
			"routing_key", d.RoutingKey,
			"error", cerr)

		if nackErr := d.Nack(false, false); nackErr != nil {
			s.logger.Errorw("failed to reject message", "delivery_tag", d.DeliveryTag, "error", nackErr)
			return
		}
		metrics.MessagesConsumedTotal.WithLabelValues(queue, metrics.OutcomeDeadLettered).Inc()
		return
	}

	if ackErr := d.Ack(false); ackErr != nil {
		s.logger.Errorw("failed to acknowledge message", "delivery_tag", d.DeliveryTag, "error", ackErr)
		return
	}
	metrics.MessagesConsumedTotal.WithLabelValues(queue, metrics.OutcomeAcked).Inc()
}

// requeue holds the delivery for the configured delay, so a failing handler
// does not spin on the same message, then hands it back to the queue.
func (s *Subscription) requeue(ctx context.Context, d amqp.Delivery, err error) {
	s.logger.WarnwCtx(ctx, "requeueing message",
		"message_id", d.MessageId,
		"routing_key", d.RoutingKey,
		"retry_in", s.cfg.requeueDelay,
		"error", &ConsumerError{Queue: s.cfg.spec.Name, ConsumerTag: s.cfg.tag, Op: "process", Err: err, Timestamp: time.Now()})

	if s.cfg.requeueDelay > 0 {
		timer := time.NewTimer(s.cfg.requeueDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}

	if nackErr := d.Nack(false, true); nackErr != nil {
		s.logger.Errorw("failed to requeue message", "delivery_tag", d.DeliveryTag, "error", nackErr)
		return
	}
	metrics.MessagesConsumedTotal.WithLabelValues(s.cfg.spec.Name, metrics.OutcomeRequeued).Inc()
}

func (s *Subscription) invoke(ctx context.Context, d amqp.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return s.handler(ctx, d)
}

// shutdown cancels the broker consumer and requeues what was prefetched.
func (s *Subscription) shutdown(deliveries <-chan amqp.Delivery) {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()

	if ch == nil || ch.IsClosed() {
		return
	}
	if err := ch.Cancel(s.cfg.tag, false); err != nil {
		s.logger.Debugw("failed to cancel consumer", "error", err)
		return
	}

	timer := time.NewTimer(s.consumer.drainTimeout)
	defer timer.Stop()
	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			_ = d.Nack(false, true)
		case <-timer.C:
			return
		}
	}
}
