// Package reliability holds the failure-handling pieces around the messaging
// layer:
//   - CircuitBreaker: a sony/gobreaker breaker with prometheus state export,
//     used to fail publishes fast while the broker keeps rejecting them
//   - IdempotencyStore: claims processed message ids (Redis or in-memory) so
//     consumers can skip redelivered duplicates
//   - DeadLetterArchiver: drains "<queue>.dlq" queues into an ErrorStore
//     (MongoDB or in-memory) and replays archived messages on request
//
// Example usage:
//
//	cb := reliability.NewCircuitBreaker("event-publisher",
//	    reliability.WithFailureRatio(0.5, 5),
//	    reliability.WithTimeout(30*time.Second),
//	)
//
//	err := cb.Execute(ctx, func() error {
//	    return publisher.Publish(ctx, exchange, key, msg)
//	})
//	if errors.Is(err, reliability.ErrCircuitOpen) {
//	    // broker considered down
//	}
package reliability
