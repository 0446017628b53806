package events

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Well-known RPC capabilities.
const (
	GuestContactQueue     = "guest.contact.lookup"
	ActionGetGuestContact = "getGuestContact"
)

var ErrMissingAction = errors.New("events: request has no action")

// Request is an RPC request. It travels as a flat JSON object: the action under
// "action" and every parameter as a sibling key.
type Request struct {
	Action string
	Params map[string]any
}

func NewRequest(action string, params map[string]any) Request {
	return Request{Action: action, Params: params}
}

func (r Request) MarshalJSON() ([]byte, error) {
	if r.Action == "" {
		return nil, ErrMissingAction
	}
	flat := make(map[string]any, len(r.Params)+1)
	for k, v := range r.Params {
		flat[k] = v
	}
	flat["action"] = r.Action
	return json.Marshal(flat)
}

func (r *Request) UnmarshalJSON(data []byte) error {
	var flat map[string]any
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	if flat == nil {
		return ErrMissingAction
	}
	action, ok := flat["action"].(string)
	if !ok || action == "" {
		return ErrMissingAction
	}
	delete(flat, "action")
	r.Action = action
	r.Params = flat
	return nil
}

// String returns the named parameter if it is a string.
func (r Request) String(key string) string {
	s, _ := r.Params[key].(string)
	return s
}

// Bind re-encodes the parameters into v.
func (r Request) Bind(v any) error {
	raw, err := json.Marshal(r.Params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to bind %s params: %w", r.Action, err)
	}
	return nil
}

// GuestContactLookup is the parameter set of ActionGetGuestContact.
type GuestContactLookup struct {
	GuestID string `json:"guestId"`
}
