package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/time/rate"

	"github.com/hotelhub/hotelmq/events"
	"github.com/hotelhub/hotelmq/internal/logger"
	"github.com/hotelhub/hotelmq/internal/metrics"
	"github.com/hotelhub/hotelmq/internal/rabbitmq"
)

// ReminderStrategy is how a reminder is held back until it is due.
type ReminderStrategy string

const (
	// StrategyDelayedExchange publishes with an x-delay header to a delayed
	// message exchange.
	StrategyDelayedExchange ReminderStrategy = "delayed-exchange"
	// StrategyTTLQueue parks the reminder in a temporary queue whose message TTL
	// dead-letters it into the reminder exchange.
	StrategyTTLQueue ReminderStrategy = "ttl-queue"
)

// DelayQueuePrefix prefixes the temporary queues of the TTL strategy.
const DelayQueuePrefix = "hotelmq.reminder.delay."

// ReminderScheduler delivers reminders to the reminder exchange after a delay.
type ReminderScheduler struct {
	publisher Publisher
	topology  *rabbitmq.TopologyManager
	exchange  string
	strategy  ReminderStrategy
	limiter   *rate.Limiter
	grace     time.Duration
	logger    logger.Logger
	now       func() time.Time
}

// SchedulerOption configures the ReminderScheduler
type SchedulerOption func(*ReminderScheduler)

// WithSchedulerLogger sets the logger
func WithSchedulerLogger(l logger.Logger) SchedulerOption {
	return func(s *ReminderScheduler) {
		s.logger = l
	}
}

// WithDeclareRateLimit caps how many delay queues are declared per second.
// Callers beyond the burst wait for a token.
func WithDeclareRateLimit(perSecond float64, burst int) SchedulerOption {
	return func(s *ReminderScheduler) {
		if perSecond > 0 {
			if burst < 1 {
				burst = 1
			}
			s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithQueueExpiryGrace sets how long an idle delay queue outlives its message.
func WithQueueExpiryGrace(grace time.Duration) SchedulerOption {
	return func(s *ReminderScheduler) {
		if grace > 0 {
			s.grace = grace
		}
	}
}

// NewReminderScheduler creates a scheduler for the reminder exchange. The
// strategy is fixed here: nativeDelay selects the delayed message exchange,
// otherwise reminders go through TTL delay queues.
func NewReminderScheduler(publisher Publisher, topology *rabbitmq.TopologyManager, exchange string, nativeDelay bool, options ...SchedulerOption) *ReminderScheduler {
	s := &ReminderScheduler{
		publisher: publisher,
		topology:  topology,
		exchange:  exchange,
		strategy:  StrategyTTLQueue,
		grace:     time.Minute,
		logger:    logger.NopLogger(),
		now:       time.Now,
	}
	if nativeDelay {
		s.strategy = StrategyDelayedExchange
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// Strategy returns the scheduling strategy
func (s *ReminderScheduler) Strategy() ReminderStrategy {
	return s.strategy
}

// ScheduleReminder arranges for reminder to reach the reminder exchange with
// routing key events.ReminderRoutingKey once delay has elapsed. Negative delays
// are treated as zero. Failures are returned as *rabbitmq.SchedulingError.
func (s *ReminderScheduler) ScheduleReminder(ctx context.Context, reminder events.Reminder, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	if reminder.When.IsZero() {
		reminder.When = s.now().Add(delay).UTC().Truncate(time.Millisecond)
	}

	var err error
	if verr := reminder.Validate(); verr != nil {
		err = s.fail("", "validate", verr)
	} else if s.strategy == StrategyDelayedExchange {
		err = s.scheduleDelayed(ctx, reminder, delay)
	} else {
		err = s.scheduleTTL(ctx, reminder, delay)
	}

	metrics.RemindersScheduledTotal.WithLabelValues(string(s.strategy), metrics.Status(err)).Inc()
	if err != nil {
		s.logger.WarnwCtx(ctx, "failed to schedule reminder",
			"reservation_id", reminder.ReservationID,
			"type", reminder.Type,
			"strategy", s.strategy,
			"error", err)
		return err
	}

	s.logger.DebugwCtx(ctx, "reminder scheduled",
		"reservation_id", reminder.ReservationID,
		"type", reminder.Type,
		"strategy", s.strategy,
		"delay", delay)
	return nil
}

func (s *ReminderScheduler) scheduleDelayed(ctx context.Context, reminder events.Reminder, delay time.Duration) error {
	msg, err := s.message(reminder)
	if err != nil {
		return s.fail("", "encode", err)
	}
	msg.Headers = amqp.Table{rabbitmq.ArgDelay: delay.Milliseconds()}

	if err := s.publisher.Publish(ctx, s.exchange, events.ReminderRoutingKey, msg); err != nil {
		return s.fail("", "publish", err)
	}
	return nil
}

func (s *ReminderScheduler) scheduleTTL(ctx context.Context, reminder events.Reminder, delay time.Duration) error {
	msg, err := s.message(reminder)
	if err != nil {
		return s.fail("", "encode", err)
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return s.fail("", "declare", err)
		}
	}

	queue := s.delayQueueName()
	_, err = s.topology.DeclareQueue(ctx, rabbitmq.QueueDeclaration{
		Name:      queue,
		Durable:   true,
		Arguments: s.delayQueueArguments(delay),
	})
	if err != nil {
		return s.fail(queue, "declare", err)
	}

	if err := s.publisher.Publish(ctx, "", queue, msg); err != nil {
		s.discard(ctx, queue)
		return s.fail(queue, "publish", err)
	}
	return nil
}

// delayQueueName is unique per call: creation time plus a random suffix.
func (s *ReminderScheduler) delayQueueName() string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	return fmt.Sprintf("%s%d.%s", DelayQueuePrefix, s.now().UnixMilli(), suffix)
}

func (s *ReminderScheduler) delayQueueArguments(delay time.Duration) amqp.Table {
	return amqp.Table{
		rabbitmq.ArgMessageTTL:           delay.Milliseconds(),
		rabbitmq.ArgDeadLetterExchange:   s.exchange,
		rabbitmq.ArgDeadLetterRoutingKey: events.ReminderRoutingKey,
		rabbitmq.ArgExpires:              (delay + s.grace).Milliseconds(),
	}
}

// discard deletes a delay queue whose publish failed. It is best effort: the
// queue expires on its own.
func (s *ReminderScheduler) discard(ctx context.Context, queue string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := s.topology.DeleteQueue(ctx, queue); err != nil {
		s.logger.DebugwCtx(ctx, "failed to delete delay queue", "queue", queue, "error", err)
	}
}

func (s *ReminderScheduler) message(reminder events.Reminder) (amqp.Publishing, error) {
	body, err := json.Marshal(reminder)
	if err != nil {
		return amqp.Publishing{}, err
	}
	id := fmt.Sprintf("%s:%s:%s", events.ReminderRoutingKey, reminder.ReservationID, reminder.Type)
	msg := rabbitmq.JSONMessage(body, id, nil)
	msg.Type = events.ReminderRoutingKey
	return msg, nil
}

func (s *ReminderScheduler) fail(queue, op string, err error) error {
	return &rabbitmq.SchedulingError{
		Strategy:  string(s.strategy),
		Queue:     queue,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}
