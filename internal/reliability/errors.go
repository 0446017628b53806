package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Circuit breaker errors
	ErrCircuitOpen = errors.New("circuit breaker: circuit is open")

	// Dead letter errors
	ErrInvalidDeadLetter = errors.New("dlq: invalid dead letter message")

	// Store errors
	ErrMessageNotFound = errors.New("error store: message not found")
)

// CircuitBreakerError reports a call rejected by an open or saturated breaker.
type CircuitBreakerError struct {
	Name  string
	State State
	Op    string
	Err   error
}

func (e *CircuitBreakerError) Error() string {
	switch e.State {
	case StateOpen:
		return fmt.Sprintf("circuit breaker %s open: %s blocked", e.Name, e.Op)
	case StateHalfOpen:
		return fmt.Sprintf("circuit breaker %s half-open: %s limited", e.Name, e.Op)
	default:
		return fmt.Sprintf("circuit breaker %s: %s rejected in state %v", e.Name, e.Op, e.State)
	}
}

// Unwrap returns ErrCircuitOpen and the gobreaker cause.
func (e *CircuitBreakerError) Unwrap() []error {
	return []error{ErrCircuitOpen, e.Err}
}

// DLQError represents a dead letter archiving error
type DLQError struct {
	Queue     string
	MessageID string
	Op        string
	Err       error
	Timestamp time.Time
}

func (e *DLQError) Error() string {
	return fmt.Sprintf("dlq error: %s failed for message %s in queue %s: %v",
		e.Op, e.MessageID, e.Queue, e.Err)
}

func (e *DLQError) Unwrap() error {
	return e.Err
}

// StoreError represents a failed store operation
type StoreError struct {
	Store string
	Op    string
	Key   string
	Err   error
}

func (e *StoreError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s store: %s failed for %s: %v", e.Store, e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("%s store: %s failed: %v", e.Store, e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}
