package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type ReminderType string

const (
	PreArrival24h ReminderType = "PREARRIVAL_24H"
	PreArrival2h  ReminderType = "PREARRIVAL_2H"
)

// Offset returns how long before check-in the reminder fires.
func (t ReminderType) Offset() time.Duration {
	switch t {
	case PreArrival24h:
		return 24 * time.Hour
	case PreArrival2h:
		return 2 * time.Hour
	}
	return 0
}

var ErrInvalidReminder = errors.New("events: invalid reminder")

// Reminder is delivered to the reminder exchange once its delay has elapsed.
type Reminder struct {
	ReservationID string        `json:"reservationId"`
	Code          string        `json:"code,omitempty"`
	GuestID       string        `json:"guestId,omitempty"`
	GuestContact  *GuestContact `json:"guestContact,omitempty"`
	CheckIn       time.Time     `json:"checkIn"`
	When          time.Time     `json:"when"`
	Type          ReminderType  `json:"type"`
}

// NewPreArrivalReminder builds a reminder for a reservation and returns the delay
// until it is due. The delay is zero when the due time has already passed.
func NewPreArrivalReminder(res ReservationData, typ ReminderType, now time.Time) (Reminder, time.Duration) {
	when := res.CheckIn.Add(-typ.Offset())
	delay := when.Sub(now)
	if delay < 0 {
		delay = 0
	}
	return Reminder{
		ReservationID: res.ReservationID,
		Code:          res.Code,
		GuestID:       res.GuestID,
		GuestContact:  res.GuestContact,
		CheckIn:       res.CheckIn,
		When:          when.UTC().Truncate(time.Millisecond),
		Type:          typ,
	}, delay
}

func (r Reminder) Validate() error {
	if r.ReservationID == "" {
		return fmt.Errorf("%w: missing reservationId", ErrInvalidReminder)
	}
	if r.Type == "" {
		return fmt.Errorf("%w: missing type", ErrInvalidReminder)
	}
	return nil
}

func DecodeReminder(body []byte) (Reminder, error) {
	var r Reminder
	if err := json.Unmarshal(body, &r); err != nil {
		return Reminder{}, fmt.Errorf("%w: %v", ErrInvalidReminder, err)
	}
	return r, r.Validate()
}
