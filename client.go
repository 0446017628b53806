// Copyright 2024 Hotelhub Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package hotelmq

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/hotelhub/hotelmq/events"
	"github.com/hotelhub/hotelmq/internal/config"
	"github.com/hotelhub/hotelmq/internal/logger"
	"github.com/hotelhub/hotelmq/internal/metrics"
	"github.com/hotelhub/hotelmq/internal/rabbitmq"
	"github.com/hotelhub/hotelmq/internal/reliability"
	"github.com/hotelhub/hotelmq/messaging"
)

// Client wires the messaging components of one service around a single broker
// connection. Construct it once at startup and pass it to whoever needs it.
type Client struct {
	cfg       config.Config
	logger    logger.Logger
	exchanges rabbitmq.ExchangeSet

	connection *rabbitmq.ConnectionManager
	topology   *rabbitmq.TopologyManager
	publisher  *rabbitmq.Publisher
	consumer   *rabbitmq.Consumer
	breaker    *reliability.CircuitBreaker

	events    *messaging.EventPublisher
	reminders *messaging.ReminderScheduler
	rpc       *messaging.RPCClient
}

// clientConfig holds client configuration
type clientConfig struct {
	logger logger.Logger
	dialer rabbitmq.Dialer
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(l logger.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = l
	}
}

// WithDialer replaces the AMQP dialer
func WithDialer(d rabbitmq.Dialer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.dialer = d
	}
}

// New builds a client from cfg. It does not touch the broker; call Start.
func New(cfg *config.Config, options ...ClientOption) (*Client, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	cc := &clientConfig{logger: logger.NopLogger()}
	for _, opt := range options {
		opt(cc)
	}
	l := cc.logger

	exchanges := rabbitmq.ExchangeSet{
		Events:           cfg.Broker.EventExchange,
		Reminders:        cfg.Broker.ReminderExchange,
		DeadLetter:       cfg.Broker.DeadLetterExchange,
		DelayedReminders: cfg.Broker.DelayedExchangeEnabled,
	}
	if err := exchanges.Validate(); err != nil {
		return nil, err
	}

	connOpts := []rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(l),
		rabbitmq.WithPublisherConfirms(cfg.Broker.PublisherConfirms),
	}
	if cfg.Broker.ConnectTimeout > 0 {
		connOpts = append(connOpts, rabbitmq.WithConnectTimeout(cfg.Broker.ConnectTimeout))
	}
	if cc.dialer != nil {
		connOpts = append(connOpts, rabbitmq.WithDialer(cc.dialer))
	}
	cm := rabbitmq.NewConnectionManager(cfg.Broker.URL, connOpts...)
	cm.AddStateListener(&connectionMetrics{})

	tm := rabbitmq.NewTopologyManager(cm, l)
	pub := rabbitmq.NewPublisher(cm, rabbitmq.WithPublisherLogger(l))

	c := &Client{
		cfg:        *cfg,
		logger:     l,
		exchanges:  exchanges,
		connection: cm,
		topology:   tm,
		publisher:  pub,
		consumer:   rabbitmq.NewConsumer(cm, tm, rabbitmq.WithConsumerLogger(l)),
	}

	eventOpts := []messaging.EventPublisherOption{messaging.WithPublisherLogger(l)}
	if cb := cfg.Publisher.CircuitBreaker; cb.Enabled {
		c.breaker = reliability.NewCircuitBreaker("event-publisher",
			reliability.WithMaxRequests(cb.MaxRequests),
			reliability.WithInterval(cb.Interval),
			reliability.WithTimeout(cb.Timeout),
			reliability.WithFailureRatio(cb.FailureRatio, cb.MinRequests),
			// Only broker trouble counts; a rejected message says nothing about the broker.
			reliability.WithFailurePredicate(rabbitmq.IsRetryable),
			reliability.WithStateChangeListener(breakerLogger{l}))
		eventOpts = append(eventOpts, messaging.WithCircuitBreaker(c.breaker))
	}
	c.events = messaging.NewEventPublisher(pub, exchanges.Events, eventOpts...)

	schedOpts := []messaging.SchedulerOption{messaging.WithSchedulerLogger(l)}
	if cfg.Reminder.DeclareRate > 0 {
		schedOpts = append(schedOpts, messaging.WithDeclareRateLimit(cfg.Reminder.DeclareRate, cfg.Reminder.DeclareBurst))
	}
	c.reminders = messaging.NewReminderScheduler(pub, tm, exchanges.Reminders, exchanges.DelayedReminders, schedOpts...)

	c.rpc = messaging.NewRPCClient(cm, pub,
		messaging.WithRPCLogger(l),
		messaging.WithDefaultTimeout(cfg.RPC.Timeout))

	return c, nil
}

// Start connects to the broker, retrying as configured, and declares the
// shared exchanges.
func (c *Client) Start(ctx context.Context) error {
	var err error
	if c.cfg.Broker.ConnectRetries > 0 {
		err = c.connection.ConnectWithRetry(ctx, rabbitmq.DefaultRetryPolicy(uint64(c.cfg.Broker.ConnectRetries)))
	} else {
		err = c.connection.Connect(ctx)
	}
	if err != nil {
		return err
	}

	if err := c.topology.DeclareTopology(ctx, c.exchanges.Topology()); err != nil {
		return fmt.Errorf("failed to declare topology: %w", err)
	}

	c.logger.Infow("messaging client started",
		"broker", rabbitmq.SanitizeURL(c.cfg.Broker.URL),
		"delayed_reminders", c.exchanges.DelayedReminders)
	return nil
}

// Events returns the event publisher
func (c *Client) Events() *messaging.EventPublisher {
	return c.events
}

// Reminders returns the reminder scheduler
func (c *Client) Reminders() *messaging.ReminderScheduler {
	return c.reminders
}

// RPC returns the RPC client
func (c *Client) RPC() *messaging.RPCClient {
	return c.rpc
}

// Publisher returns the raw publisher
func (c *Client) Publisher() *rabbitmq.Publisher {
	return c.publisher
}

// Consumer returns the raw consumer
func (c *Client) Consumer() *rabbitmq.Consumer {
	return c.consumer
}

// Connection returns the connection manager
func (c *Client) Connection() *rabbitmq.ConnectionManager {
	return c.connection
}

// Topology returns the topology manager
func (c *Client) Topology() *rabbitmq.TopologyManager {
	return c.topology
}

// Exchanges returns the shared exchange names
func (c *Client) Exchanges() rabbitmq.ExchangeSet {
	return c.exchanges
}

// CircuitBreaker returns the publisher circuit breaker, nil when disabled.
func (c *Client) CircuitBreaker() *reliability.CircuitBreaker {
	return c.breaker
}

// Logger returns the logger
func (c *Client) Logger() logger.Logger {
	return c.logger
}

// NewEventConsumer creates an event consumer with the configured prefetch and
// dead-lettering.
func (c *Client) NewEventConsumer(options ...messaging.EventConsumerOption) *messaging.EventConsumer {
	options = append([]messaging.EventConsumerOption{
		messaging.WithEventConsumerLogger(c.logger),
		messaging.WithEventPrefetch(c.cfg.Consumer.Prefetch),
		messaging.WithEventDeadLetterExchange(c.exchanges.DeadLetter),
	}, options...)
	return messaging.NewEventConsumer(c.consumer, c.exchanges.Events, options...)
}

// SubscribeReminders consumes due reminders from queue.
func (c *Client) SubscribeReminders(ctx context.Context, queue string, handler messaging.ReminderHandler) (*rabbitmq.Subscription, error) {
	opts := []rabbitmq.ConsumeOption{rabbitmq.WithPrefetchCount(c.cfg.Consumer.Prefetch)}
	if c.exchanges.DeadLetter != "" {
		opts = append(opts, rabbitmq.WithDeadLetterExchange(c.exchanges.DeadLetter))
	}
	return messaging.SubscribeReminders(ctx, c.consumer, queue, c.exchanges.Reminders, handler, opts...)
}

// NewRPCServer creates an RPC server replying through the shared publisher.
func (c *Client) NewRPCServer() *messaging.RPCServer {
	return messaging.NewRPCServer(c.consumer, c.publisher,
		messaging.WithServerLogger(c.logger),
		messaging.WithServerPrefetch(c.cfg.Consumer.Prefetch))
}

// LookupGuestContact asks the guest directory for a guest's contact. It
// returns nil when the directory does not answer in time or knows no contact.
func (c *Client) LookupGuestContact(ctx context.Context, guestID string) (*events.GuestContact, error) {
	var contact events.GuestContact
	req := events.NewRequest(events.ActionGetGuestContact, map[string]any{"guestId": guestID})
	ok, err := c.rpc.CallInto(ctx, c.cfg.RPC.GuestContactQueue, req, c.cfg.RPC.Timeout, &contact)
	if err != nil || !ok {
		return nil, err
	}
	return &contact, nil
}

// Close stops the RPC client and closes the broker connection.
func (c *Client) Close() error {
	if err := c.rpc.Close(); err != nil {
		c.logger.Warnw("failed to close rpc client", "error", err)
	}
	return c.connection.Close()
}

// connectionMetrics mirrors connection state into metrics.
type connectionMetrics struct {
	connected atomic.Int64
}

func (m *connectionMetrics) OnConnected() {
	if m.connected.Add(1) > 1 {
		metrics.ReconnectsTotal.Inc()
	}
	metrics.ConnectionState.Set(1)
}

func (m *connectionMetrics) OnDisconnected(error) {
	metrics.ConnectionState.Set(0)
}

func (m *connectionMetrics) OnReconnecting(int) {}

type breakerLogger struct {
	logger logger.Logger
}

func (b breakerLogger) OnStateChange(name string, from, to reliability.State) {
	b.logger.Warnw("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
}
