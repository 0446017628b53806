package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/hotelhub/hotelmq/internal/rabbitmq"
	"github.com/hotelhub/hotelmq/internal/reliability"
)

func newResult(name string, start time.Time) CheckResult {
	return CheckResult{
		Name:      name,
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}
}

func (r CheckResult) fail(status Status, message string, err error) CheckResult {
	r.Status = status
	r.Message = message
	if err != nil {
		r.Error = err.Error()
	}
	r.Duration = time.Since(r.Timestamp)
	return r
}

func (r CheckResult) ok(message string) CheckResult {
	r.Status = StatusHealthy
	r.Message = message
	r.Duration = time.Since(r.Timestamp)
	r.Details["response_time_ms"] = r.Duration.Milliseconds()
	return r
}

// BrokerChecker checks that the broker is reachable and that the given
// exchanges exist.
type BrokerChecker struct {
	channels  rabbitmq.ProbeChannelProvider
	exchanges []string
}

// NewBrokerChecker creates a broker checker. Exchanges are checked passively
// on a probe channel, leaving the shared channel alone.
func NewBrokerChecker(channels rabbitmq.ProbeChannelProvider, exchanges ...string) *BrokerChecker {
	return &BrokerChecker{channels: channels, exchanges: exchanges}
}

func (c *BrokerChecker) Name() string {
	return "rabbitmq"
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	result := newResult(c.Name(), time.Now())

	ch, err := c.channels.ProbeChannel(ctx)
	if err != nil {
		return result.fail(StatusUnhealthy, "Broker unreachable", err)
	}
	defer func() { _ = ch.Close() }()

	for _, exchange := range c.exchanges {
		if err := ch.ExchangeDeclarePassive(exchange, rabbitmq.ExchangeTopic, true, false, false, false, nil); err != nil {
			return result.fail(StatusDegraded, fmt.Sprintf("Exchange %s not available", exchange), err)
		}
	}
	result.Details["exchanges"] = len(c.exchanges)
	return result.ok("Connection is healthy")
}

// QueueInspector reports queue backlogs. *rabbitmq.TopologyManager implements it.
type QueueInspector interface {
	InspectQueue(ctx context.Context, name string) (rabbitmq.QueueStats, error)
}

// QueueChecker watches the backlog of one queue.
type QueueChecker struct {
	inspector QueueInspector
	queue     string
	maxDepth  int
}

// NewQueueChecker degrades once more than maxDepth messages are waiting or
// messages wait with nobody consuming them.
func NewQueueChecker(inspector QueueInspector, queue string, maxDepth int) *QueueChecker {
	return &QueueChecker{inspector: inspector, queue: queue, maxDepth: maxDepth}
}

func (c *QueueChecker) Name() string {
	return "queue_" + c.queue
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	result := newResult(c.Name(), time.Now())

	stats, err := c.inspector.InspectQueue(ctx, c.queue)
	if err != nil {
		return result.fail(StatusUnhealthy, "Failed to inspect queue", err)
	}
	result.Details["messages"] = stats.Messages
	result.Details["consumers"] = stats.Consumers

	switch {
	case c.maxDepth > 0 && stats.Messages > c.maxDepth:
		return result.fail(StatusDegraded, fmt.Sprintf("High message count: %d messages", stats.Messages), nil)
	case stats.Consumers == 0 && stats.Messages > 0:
		return result.fail(StatusDegraded, fmt.Sprintf("No consumers for %d messages", stats.Messages), nil)
	}
	return result.ok("Queue is healthy")
}

// RedisChecker pings the idempotency store.
type RedisChecker struct {
	client redis.UniversalClient
}

func NewRedisChecker(client redis.UniversalClient) *RedisChecker {
	return &RedisChecker{client: client}
}

func (c *RedisChecker) Name() string {
	return "redis"
}

func (c *RedisChecker) Check(ctx context.Context) CheckResult {
	result := newResult(c.Name(), time.Now())
	if err := c.client.Ping(ctx).Err(); err != nil {
		return result.fail(StatusUnhealthy, "Redis ping failed", err)
	}
	return result.ok("Redis is reachable")
}

// MongoChecker pings the dead-letter archive.
type MongoChecker struct {
	client *mongo.Client
}

func NewMongoChecker(client *mongo.Client) *MongoChecker {
	return &MongoChecker{client: client}
}

func (c *MongoChecker) Name() string {
	return "mongodb"
}

func (c *MongoChecker) Check(ctx context.Context) CheckResult {
	result := newResult(c.Name(), time.Now())
	if err := c.client.Ping(ctx, nil); err != nil {
		return result.fail(StatusUnhealthy, "MongoDB ping failed", err)
	}
	return result.ok("MongoDB is reachable")
}

// CircuitBreakerChecker reports an open breaker as degraded.
type CircuitBreakerChecker struct {
	breaker *reliability.CircuitBreaker
}

func NewCircuitBreakerChecker(breaker *reliability.CircuitBreaker) *CircuitBreakerChecker {
	return &CircuitBreakerChecker{breaker: breaker}
}

func (c *CircuitBreakerChecker) Name() string {
	return "circuit_breaker_" + c.breaker.Name()
}

func (c *CircuitBreakerChecker) Check(ctx context.Context) CheckResult {
	result := newResult(c.Name(), time.Now())
	state := c.breaker.State()
	counts := c.breaker.Counts()
	result.Details["state"] = state.String()
	result.Details["consecutive_failures"] = counts.ConsecutiveFailures

	if state != reliability.StateClosed {
		return result.fail(StatusDegraded, fmt.Sprintf("Circuit breaker is %s", state), nil)
	}
	return result.ok("Circuit breaker is closed")
}

// RuntimeChecker flags goroutine leaks.
type RuntimeChecker struct {
	warning  int
	critical int
}

// NewRuntimeChecker creates a checker degrading above warning goroutines and
// failing above critical.
func NewRuntimeChecker(warning, critical int) *RuntimeChecker {
	return &RuntimeChecker{warning: warning, critical: critical}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	result := newResult(c.Name(), time.Now())

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()
	result.Details["memory_used_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC
	result.Details["goroutines"] = goroutines

	switch {
	case c.critical > 0 && goroutines > c.critical:
		return result.fail(StatusUnhealthy, fmt.Sprintf("Too many goroutines: %d", goroutines), nil)
	case c.warning > 0 && goroutines > c.warning:
		return result.fail(StatusDegraded, fmt.Sprintf("High goroutine count: %d", goroutines), nil)
	}
	return result.ok("Runtime is normal")
}

// ComponentChecker adapts a function to a Checker.
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) error
}

func NewComponentChecker(name string, checker func(ctx context.Context) error) *ComponentChecker {
	return &ComponentChecker{name: name, checker: checker}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	result := newResult(c.Name(), time.Now())
	if err := c.checker(ctx); err != nil {
		return result.fail(StatusUnhealthy, "Check failed", err)
	}
	return result.ok("OK")
}
