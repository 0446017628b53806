package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// EventType identifies a domain event and doubles as its routing key.
type EventType string

const (
	ReservationCreated   EventType = "reservation.created"
	ReservationConfirmed EventType = "reservation.confirmed"
	ReservationCancelled EventType = "reservation.cancelled"
)

// ReminderRoutingKey is the routing key reminders reach the reminder exchange with.
const ReminderRoutingKey = "reservation.reminder"

var (
	ErrUnknownEventType = errors.New("events: unknown event type")
	ErrInvalidEnvelope  = errors.New("events: invalid envelope")
)

// EventTypes returns the closed set of publishable event types.
func EventTypes() []EventType {
	return []EventType{ReservationCreated, ReservationConfirmed, ReservationCancelled}
}

func (t EventType) Valid() bool {
	switch t {
	case ReservationCreated, ReservationConfirmed, ReservationCancelled:
		return true
	}
	return false
}

func (t EventType) String() string {
	return string(t)
}

// ParseEventType returns ErrUnknownEventType for anything outside the closed set.
func ParseEventType(s string) (EventType, error) {
	t := EventType(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownEventType, s)
	}
	return t, nil
}

// Envelope wraps a domain event for transport
type Envelope struct {
	Event     EventType       `json:"event"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"createdAt"`
	MessageID string          `json:"messageId"`
}

// NewEnvelope serializes data and stamps the envelope with createdAt (millisecond
// precision) and a message id derived from the payload.
func NewEnvelope(eventType EventType, data any, createdAt time.Time) (*Envelope, error) {
	if !eventType.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
	}

	raw, err := marshalData(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}

	createdAt = createdAt.UTC().Truncate(time.Millisecond)
	return &Envelope{
		Event:     eventType,
		Data:      raw,
		CreatedAt: createdAt,
		MessageID: DeriveMessageID(eventType, raw, createdAt),
	}, nil
}

func marshalData(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, errors.New("payload is not valid JSON")
		}
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, errors.New("payload is not valid JSON")
		}
		return json.RawMessage(v), nil
	default:
		return json.Marshal(v)
	}
}

// DeriveMessageID builds the idempotency key of an event. Payloads carrying a
// business code yield "<event>:<code>", payloads carrying a reservation id yield
// "<event>:<id>:<createdAt unix ms>" and anything else gets a random UUID.
func DeriveMessageID(eventType EventType, data json.RawMessage, createdAt time.Time) string {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err == nil {
		if code := scalarString(fields["code"]); code != "" {
			return fmt.Sprintf("%s:%s", eventType, code)
		}
		for _, key := range []string{"reservationId", "id"} {
			if id := scalarString(fields[key]); id != "" {
				return fmt.Sprintf("%s:%s:%d", eventType, id, createdAt.UnixMilli())
			}
		}
	}
	return uuid.New().String()
}

func scalarString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	}
	return ""
}

// Validate reports whether the envelope can be dispatched.
func (e *Envelope) Validate() error {
	if e.Event == "" {
		return fmt.Errorf("%w: missing event", ErrInvalidEnvelope)
	}
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: missing data", ErrInvalidEnvelope)
	}
	return nil
}

// DecodeData unmarshals the payload into v.
func (e *Envelope) DecodeData(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Event, err)
	}
	return nil
}

// Marshal returns the wire form of the envelope.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses a message body. The event type is not checked against
// the closed set so that consumers can dead-letter unknown types themselves.
func DecodeEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}
