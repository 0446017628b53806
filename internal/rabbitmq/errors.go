package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// Connection errors
	ErrNotConnected      = errors.New("rabbitmq: not connected")
	ErrConnectionClosed  = errors.New("rabbitmq: connection manager is closed")
	ErrConnectionTimeout = errors.New("rabbitmq: connection timeout")

	// Publisher errors
	ErrPublishTimeout      = errors.New("rabbitmq: publish timeout")
	ErrPublishNotConfirmed = errors.New("rabbitmq: publish not confirmed")

	// Consumer errors
	ErrHandlerPanic = errors.New("rabbitmq: handler panicked")

	// Topology errors
	ErrInvalidTopology = errors.New("rabbitmq: invalid topology configuration")

	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")
)

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
	Attempts  int       // Number of attempts made
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("rabbitmq connection error: %s %s failed after %d attempts: %v", e.Op, e.URL, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq connection error: %s %s failed: %v", e.Op, e.URL, e.Err)
}

// Unwrap exposes ErrNotConnected alongside the cause, so callers can test any
// connection failure with errors.Is(err, ErrNotConnected).
func (e *ConnectionError) Unwrap() []error {
	return []error{ErrNotConnected, e.Err}
}

// ChannelError represents a channel-related error
type ChannelError struct {
	Op        string
	Err       error
	Timestamp time.Time
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("rabbitmq channel error: %s: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// PublishError represents a publish operation error
type PublishError struct {
	Exchange   string    // Target exchange
	RoutingKey string    // Routing key used
	Err        error     // Underlying error
	Timestamp  time.Time // When the error occurred
}

func (e *PublishError) Error() string {
	exchange := e.Exchange
	if exchange == "" {
		exchange = "(default)"
	}
	return fmt.Sprintf("rabbitmq publish error: failed to publish to %s/%s: %v", exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// SchedulingError is returned when a delayed message could not be scheduled.
// Queue is set when a temporary delay queue was involved.
type SchedulingError struct {
	Strategy  string
	Queue     string
	Op        string
	Err       error
	Timestamp time.Time
}

func (e *SchedulingError) Error() string {
	if e.Queue != "" {
		return fmt.Sprintf("rabbitmq scheduling error: %s (%s) failed for queue %s: %v", e.Op, e.Strategy, e.Queue, e.Err)
	}
	return fmt.Sprintf("rabbitmq scheduling error: %s (%s) failed: %v", e.Op, e.Strategy, e.Err)
}

func (e *SchedulingError) Unwrap() error {
	return e.Err
}

// ConsumerError represents a consumer-related error. Processing failures are
// reported with Op "process" and end with the delivery being dead-lettered.
type ConsumerError struct {
	Queue       string    // Queue name
	ConsumerTag string    // Consumer tag
	Op          string    // Operation that failed
	Err         error     // Underlying error
	Timestamp   time.Time // When the error occurred
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("rabbitmq consumer error: %s failed for consumer %s on queue %s: %v",
		e.Op, e.ConsumerTag, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// TopologyError represents a topology-related error
type TopologyError struct {
	Component string    // Component type (exchange, queue, binding)
	Name      string    // Component name
	Op        string    // Operation that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq topology error: failed to %s %s '%s': %v",
		e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// IsPreconditionFailed reports whether the broker rejected a declaration because
// an entity already exists with different properties.
func IsPreconditionFailed(err error) bool {
	var amqpErr *amqp.Error
	return errors.As(err, &amqpErr) && amqpErr.Code == amqp.PreconditionFailed
}

// IsRetryable determines if an error is retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, ErrInvalidConfiguration),
		errors.Is(err, ErrInvalidTopology),
		errors.Is(err, ErrConnectionClosed):
		return false
	case IsPreconditionFailed(err):
		return false
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && !amqpErr.Recover {
		// Hard errors other than a forced close mean the request itself is wrong.
		return amqpErr.Code == amqp.ConnectionForced || amqpErr.Code == amqp.FrameError
	}

	return true
}

// IsFatal determines if an error is fatal and should not be retried
func IsFatal(err error) bool {
	return err != nil && !IsRetryable(err)
}

// SanitizeURL masks the password of a broker URL.
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
