package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

func (t EventType) Valid() bool {
	switch t {
	case EventInsert, EventUpdate, EventDelete:
		return true
	}
	return false
}

func (t *EventType) UnmarshalText(b []byte) error {
	v := EventType(strings.ToUpper(string(b)))
	if !v.Valid() {
		return fmt.Errorf("unknown event type %q", string(b))
	}
	*t = v
	return nil
}

// SessionEvent is a change-feed event on a session row. New is set for
// INSERT and UPDATE, Old for DELETE and, when known, for UPDATE.
type SessionEvent struct {
	Type EventType `json:"eventType"`
	New  *Session  `json:"new,omitempty"`
	Old  *Session  `json:"old,omitempty"`
}

// Record returns the row the event is about.
func (e SessionEvent) Record() *Session {
	if e.Type == EventDelete || e.New == nil {
		return e.Old
	}
	return e.New
}

// Validate checks the event carries the row its type requires.
func (e SessionEvent) Validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("session event: unknown type %q", e.Type)
	}
	r := e.Record()
	if r == nil || r.ID == "" {
		return fmt.Errorf("session event %s: missing record id", e.Type)
	}
	return nil
}

// PaymentEvent is a change-feed event on a payment sub-record. It only
// identifies the owning session; the session's period must be resolved by
// the consumer.
type PaymentEvent struct {
	Type      EventType `json:"eventType"`
	SessionID string    `json:"session_id"`
	Payment   Payment   `json:"payment"`
}

type paymentRowEvent struct {
	Type EventType `json:"eventType"`
	New  *Payment  `json:"new,omitempty"`
	Old  *Payment  `json:"old,omitempty"`
}

// DecodePaymentEvent decodes a raw {eventType, new, old} payment row event.
func DecodePaymentEvent(b []byte) (PaymentEvent, error) {
	var raw paymentRowEvent
	if err := json.Unmarshal(b, &raw); err != nil {
		return PaymentEvent{}, err
	}
	row := raw.New
	if raw.Type == EventDelete || row == nil {
		row = raw.Old
	}
	if row == nil || row.SessionID == "" {
		return PaymentEvent{}, fmt.Errorf("payment event %s: missing session_id", raw.Type)
	}
	return PaymentEvent{Type: raw.Type, SessionID: row.SessionID, Payment: *row}, nil
}
