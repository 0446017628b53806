package events

import "time"

// GuestContact holds the optional channels a guest can be reached on.
type GuestContact struct {
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

func (c *GuestContact) Empty() bool {
	return c == nil || (c.Email == "" && c.Phone == "")
}

// ReservationData is the payload of every reservation.* event.
type ReservationData struct {
	ReservationID string        `json:"reservationId"`
	Code          string        `json:"code,omitempty"`
	GuestID       string        `json:"guestId,omitempty"`
	GuestContact  *GuestContact `json:"guestContact,omitempty"`
	CheckIn       time.Time     `json:"checkIn"`
	CheckOut      time.Time     `json:"checkOut"`
	Amount        float64       `json:"amount,omitempty"`
	Currency      string        `json:"currency,omitempty"`
	Reason        string        `json:"reason,omitempty"`
}
