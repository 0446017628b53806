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
)

// ErrUnknownAction is logged for requests no handler is registered for.
var ErrUnknownAction = errors.New("messaging: unknown rpc action")

var nullReply = []byte("null")

// RPCHandlerFunc answers one request. The result is JSON-encoded as the reply;
// an error makes the reply null.
type RPCHandlerFunc func(ctx context.Context, req events.Request) (any, error)

// RPCServer answers requests arriving on a queue, dispatching on their action.
type RPCServer struct {
	subscriber Subscriber
	publisher  Publisher
	prefetch   int
	logger     logger.Logger

	mu       sync.RWMutex
	handlers map[string]RPCHandlerFunc
}

// RPCServerOption configures the RPCServer
type RPCServerOption func(*RPCServer)

// WithServerLogger sets the logger
func WithServerLogger(l logger.Logger) RPCServerOption {
	return func(s *RPCServer) {
		s.logger = l
	}
}

// WithServerPrefetch bounds the requests handled concurrently per queue
func WithServerPrefetch(count int) RPCServerOption {
	return func(s *RPCServer) {
		s.prefetch = count
	}
}

// NewRPCServer creates a server that consumes with subscriber and replies with publisher.
func NewRPCServer(subscriber Subscriber, publisher Publisher, options ...RPCServerOption) *RPCServer {
	s := &RPCServer{
		subscriber: subscriber,
		publisher:  publisher,
		prefetch:   10,
		logger:     logger.NopLogger(),
		handlers:   make(map[string]RPCHandlerFunc),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// Handle registers handler for action, replacing any earlier one.
func (s *RPCServer) Handle(action string, handler RPCHandlerFunc) {
	s.mu.Lock()
	s.handlers[action] = handler
	s.mu.Unlock()
}

// Serve declares queue and answers its requests until ctx is done or the
// subscription is cancelled. Requests that are not JSON are dead-lettered.
func (s *RPCServer) Serve(ctx context.Context, queue string, opts ...rabbitmq.ConsumeOption) (*rabbitmq.Subscription, error) {
	opts = append([]rabbitmq.ConsumeOption{rabbitmq.WithPrefetchCount(s.prefetch)}, opts...)
	sub, err := ConsumeJSON(ctx, s.subscriber, queue, s.serve, opts...)
	if err != nil {
		return nil, err
	}
	s.logger.Infow("rpc server listening", "queue", queue)
	return sub, nil
}

func (s *RPCServer) serve(ctx context.Context, body json.RawMessage, d amqp.Delivery) error {
	var req events.Request
	action := "(none)"

	reply, err := s.dispatch(ctx, body, &req)
	if req.Action != "" {
		action = req.Action
	}
	if err != nil {
		metrics.RPCRequestsServedTotal.WithLabelValues(action, metrics.OutcomeError).Inc()
		s.logger.WarnwCtx(ctx, "rpc request failed, replying null",
			"action", action,
			"correlation_id", d.CorrelationId,
			"error", err)
		reply = nullReply
	} else {
		metrics.RPCRequestsServedTotal.WithLabelValues(action, metrics.OutcomeOK).Inc()
	}

	if d.ReplyTo == "" {
		s.logger.WarnwCtx(ctx, "rpc request without reply queue", "action", action, "correlation_id", d.CorrelationId)
		return nil
	}

	msg := amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: d.CorrelationId,
		Timestamp:     time.Now().UTC(),
		Body:          reply,
	}
	// The caller may have given up and its reply queue may be gone; the
	// request is still acknowledged.
	if err := s.publisher.Publish(ctx, "", d.ReplyTo, msg); err != nil {
		s.logger.ErrorwCtx(ctx, "failed to send rpc reply",
			"action", action,
			"reply_to", d.ReplyTo,
			"correlation_id", d.CorrelationId,
			"error", err)
	}
	return nil
}

func (s *RPCServer) dispatch(ctx context.Context, body json.RawMessage, req *events.Request) ([]byte, error) {
	if err := json.Unmarshal(body, req); err != nil {
		return nil, err
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Action]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, req.Action)
	}

	result, err := handler(ctx, *req)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nullReply, nil
	}
	return json.Marshal(result)
}
