package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hotelhub/hotelmq/events"
	"github.com/hotelhub/hotelmq/internal/logger"
	"github.com/hotelhub/hotelmq/internal/metrics"
	"github.com/hotelhub/hotelmq/internal/rabbitmq"
)

// ErrRPCClientClosed is returned by calls made after Close.
var ErrRPCClientClosed = errors.New("messaging: rpc client is closed")

// RPCClient performs request/reply calls over the broker. All calls share one
// exclusive reply queue and are told apart by correlation id.
type RPCClient struct {
	channels  rabbitmq.ChannelProvider
	publisher Publisher
	timeout   time.Duration
	logger    logger.Logger

	mu         sync.Mutex
	replyCh    rabbitmq.Channel
	replyQueue string
	replyTag   string
	pending    map[string]chan json.RawMessage
	closed     bool
}

// RPCClientOption configures the RPCClient
type RPCClientOption func(*RPCClient)

// WithRPCLogger sets the logger
func WithRPCLogger(l logger.Logger) RPCClientOption {
	return func(c *RPCClient) {
		c.logger = l
	}
}

// WithDefaultTimeout sets the timeout of calls made with a zero timeout
func WithDefaultTimeout(timeout time.Duration) RPCClientOption {
	return func(c *RPCClient) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// NewRPCClient creates a client. The reply queue is declared on first use.
func NewRPCClient(channels rabbitmq.ChannelProvider, publisher Publisher, options ...RPCClientOption) *RPCClient {
	c := &RPCClient{
		channels:  channels,
		publisher: publisher,
		timeout:   3 * time.Second,
		logger:    logger.NopLogger(),
		pending:   make(map[string]chan json.RawMessage),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Call sends req to the target queue and waits up to timeout for the reply.
// A missing reply is not an error: on timeout, or when the server answers
// null, Call returns (nil, nil) and the caller applies its fallback. Errors
// are returned only when the request could not be sent or ctx ends first.
func (c *RPCClient) Call(ctx context.Context, target string, req events.Request, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	start := time.Now()

	reply, outcome, err := c.call(ctx, target, req, timeout)

	metrics.RPCCallsTotal.WithLabelValues(target, outcome).Inc()
	if outcome == metrics.OutcomeOK {
		metrics.RPCCallDuration.WithLabelValues(target).Observe(float64(time.Since(start).Milliseconds()))
	}
	return reply, err
}

func (c *RPCClient) call(ctx context.Context, target string, req events.Request, timeout time.Duration) (json.RawMessage, string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, metrics.OutcomeError, fmt.Errorf("failed to encode %s request: %w", req.Action, err)
	}

	replyQueue, err := c.ensureReplyQueue(ctx)
	if err != nil {
		return nil, metrics.OutcomeError, err
	}

	correlationID := uuid.New().String()
	waiter := make(chan json.RawMessage, 1)

	c.mu.Lock()
	c.pending[correlationID] = waiter
	c.mu.Unlock()
	defer c.forget(correlationID)

	msg := amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: correlationID,
		ReplyTo:       replyQueue,
		MessageId:     correlationID,
		Timestamp:     time.Now().UTC(),
		// Nobody waits for the reply after the timeout.
		Expiration: strconv.FormatInt(timeout.Milliseconds(), 10),
		Body:       body,
	}
	if err := c.publisher.Publish(ctx, "", target, msg); err != nil {
		c.logger.WarnwCtx(ctx, "rpc request failed", "target", target, "action", req.Action, "error", err)
		return nil, metrics.OutcomeError, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-waiter:
		if string(reply) == "null" {
			return nil, metrics.OutcomeOK, nil
		}
		return reply, metrics.OutcomeOK, nil
	case <-timer.C:
		c.logger.WarnwCtx(ctx, "rpc call timed out",
			"target", target,
			"action", req.Action,
			"correlation_id", correlationID,
			"timeout", timeout)
		return nil, metrics.OutcomeTimeout, nil
	case <-ctx.Done():
		return nil, metrics.OutcomeError, ctx.Err()
	}
}

// CallInto is Call followed by decoding the reply into out. It reports whether
// a reply was received.
func (c *RPCClient) CallInto(ctx context.Context, target string, req events.Request, timeout time.Duration, out any) (bool, error) {
	reply, err := c.Call(ctx, target, req, timeout)
	if err != nil || reply == nil {
		return false, err
	}
	if err := json.Unmarshal(reply, out); err != nil {
		return false, fmt.Errorf("failed to decode %s reply: %w", req.Action, err)
	}
	return true, nil
}

// Pending returns the number of calls waiting for a reply.
func (c *RPCClient) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// ReplyQueue returns the current reply queue, empty before the first call.
func (c *RPCClient) ReplyQueue() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replyQueue
}

func (c *RPCClient) forget(correlationID string) {
	c.mu.Lock()
	delete(c.pending, correlationID)
	c.mu.Unlock()
}

// ensureReplyQueue returns the reply queue, declaring it and starting its
// consumer when there is none or its channel was lost.
func (c *RPCClient) ensureReplyQueue(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return "", ErrRPCClientClosed
	}
	if c.replyQueue != "" && c.replyCh != nil && !c.replyCh.IsClosed() {
		return c.replyQueue, nil
	}

	ch, err := c.channels.Channel(ctx)
	if err != nil {
		return "", err
	}

	fail := func(op string, err error) error {
		return &rabbitmq.ConsumerError{Queue: "(reply)", Op: op, Err: err, Timestamp: time.Now()}
	}

	q, err := ch.QueueDeclare(
		"",    // server-named
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return "", fail("declare", err)
	}

	tag := "hotelmq-rpc-" + uuid.New().String()
	deliveries, err := ch.Consume(
		q.Name,
		tag,
		true,  // auto-ack
		true,  // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return "", fail("subscribe", err)
	}

	c.replyCh = ch
	c.replyQueue = q.Name
	c.replyTag = tag
	go c.receive(ch, deliveries)

	c.logger.Debugw("rpc reply queue ready", "queue", q.Name)
	return q.Name, nil
}

// receive hands each reply to the call waiting for its correlation id. Replies
// nobody waits for are dropped.
func (c *RPCClient) receive(ch rabbitmq.Channel, deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		c.mu.Lock()
		waiter, ok := c.pending[d.CorrelationId]
		if ok {
			delete(c.pending, d.CorrelationId)
		}
		c.mu.Unlock()

		if !ok {
			c.logger.Debugw("dropping unexpected rpc reply", "correlation_id", d.CorrelationId)
			continue
		}
		waiter <- json.RawMessage(d.Body)
	}

	c.mu.Lock()
	if c.replyCh == ch {
		c.replyCh = nil
		c.replyQueue = ""
		c.replyTag = ""
	}
	closed := c.closed
	c.mu.Unlock()

	if !closed {
		c.logger.Warnw("rpc reply consumer stopped, redeclaring on next call")
	}
}

// Close cancels the reply consumer. Pending calls run into their timeout.
func (c *RPCClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.replyCh == nil || c.replyCh.IsClosed() {
		return nil
	}
	if err := c.replyCh.Cancel(c.replyTag, false); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	return nil
}
