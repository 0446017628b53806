package config

import (
	"errors"
	"fmt"
	"strings"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate checks static constraints that would otherwise fail at first broker use.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	var errs ValidationErrors

	if cfg.Broker.URL == "" {
		errs = append(errs, ValidationError{Field: "broker.url", Message: "is required"})
	} else if !strings.HasPrefix(cfg.Broker.URL, "amqp://") && !strings.HasPrefix(cfg.Broker.URL, "amqps://") {
		errs = append(errs, ValidationError{Field: "broker.url", Message: "must use the amqp or amqps scheme"})
	}
	if cfg.Broker.EventExchange == "" {
		errs = append(errs, ValidationError{Field: "broker.event_exchange", Message: "is required"})
	}
	if cfg.Broker.ReminderExchange == "" {
		errs = append(errs, ValidationError{Field: "broker.reminder_exchange", Message: "is required"})
	}
	if cfg.Broker.EventExchange != "" && cfg.Broker.EventExchange == cfg.Broker.ReminderExchange {
		errs = append(errs, ValidationError{Field: "broker.reminder_exchange", Message: "must differ from the event exchange"})
	}
	if cfg.Broker.ConnectRetries < 0 {
		errs = append(errs, ValidationError{Field: "broker.connect_retries", Message: "must not be negative"})
	}

	if cfg.Consumer.Prefetch < 1 {
		errs = append(errs, ValidationError{Field: "consumer.prefetch", Message: "must be at least 1"})
	}
	if cfg.RPC.Timeout <= 0 {
		errs = append(errs, ValidationError{Field: "rpc.timeout", Message: "must be positive"})
	}
	if cfg.Reminder.DeclareRate < 0 {
		errs = append(errs, ValidationError{Field: "reminder.declare_rate", Message: "must not be negative"})
	}

	cb := cfg.Publisher.CircuitBreaker
	if cb.Enabled && (cb.FailureRatio <= 0 || cb.FailureRatio > 1) {
		errs = append(errs, ValidationError{Field: "publisher.circuit_breaker.failure_ratio", Message: "must be in (0, 1]"})
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, ValidationError{Field: "server.port", Message: "must be a valid TCP port"})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
