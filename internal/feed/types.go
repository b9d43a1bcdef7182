// Package feed is a resilient client for the live update event stream. It
// keeps a bounded history of recent events and aggregate counters fed by
// partial updates carried on those events.
package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMalformedMessage marks an inbound payload that was dropped.
	ErrMalformedMessage = errors.New("malformed feed message")
	// ErrConnectionLost is surfaced once reconnect attempts are exhausted.
	ErrConnectionLost = errors.New("feed connection lost")
)

// Kind classifies an event.
type Kind string

const (
	EntityUpdate Kind = "entity_update"
	SyncEvent    Kind = "sync_event"
	SystemAlert  Kind = "system_alert"
)

func (k Kind) Valid() bool {
	switch k {
	case EntityUpdate, SyncEvent, SystemAlert:
		return true
	}
	return false
}

// Severity of an event.
type Severity string

const (
	Info    Severity = "info"
	Warning Severity = "warning"
	Error   Severity = "error"
)

func (s Severity) Valid() bool {
	switch s {
	case Info, Warning, Error:
		return true
	}
	return false
}

// State is the connection state.
type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Connected    State = "connected"
)

// Event is one recorded inbound message.
type Event struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	Message   string          `json:"message"`
	Timestamp time.Time       `json:"timestamp"`
	Severity  Severity        `json:"severity"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Counters are the aggregate figures maintained from partial updates.
type Counters struct {
	TotalFloats       int64     `json:"total_floats"`
	ActiveFloats      int64     `json:"active_floats"`
	TotalMeasurements int64     `json:"total_measurements"`
	LastSync          time.Time `json:"last_sync"`
}

// CountersUpdate is a partial update: nil fields leave the counter as is.
type CountersUpdate struct {
	TotalFloats       *int64     `json:"total_floats,omitempty"`
	ActiveFloats      *int64     `json:"active_floats,omitempty"`
	TotalMeasurements *int64     `json:"total_measurements,omitempty"`
	LastSync          *time.Time `json:"last_sync,omitempty"`
}

// UnmarshalJSON accepts last_sync in any of the timestamp layouts.
func (u *CountersUpdate) UnmarshalJSON(b []byte) error {
	type plain CountersUpdate
	var w struct {
		plain
		LastSync *string `json:"last_sync"`
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*u = CountersUpdate(w.plain)
	u.LastSync = nil
	if w.LastSync != nil && *w.LastSync != "" {
		t, err := parseTimestamp(*w.LastSync)
		if err != nil {
			return fmt.Errorf("last_sync: %w", err)
		}
		u.LastSync = &t
	}
	return nil
}

// Merge returns c with every field named by u overwritten.
func (c Counters) Merge(u CountersUpdate) Counters {
	if u.TotalFloats != nil {
		c.TotalFloats = *u.TotalFloats
	}
	if u.ActiveFloats != nil {
		c.ActiveFloats = *u.ActiveFloats
	}
	if u.TotalMeasurements != nil {
		c.TotalMeasurements = *u.TotalMeasurements
	}
	if u.LastSync != nil {
		c.LastSync = *u.LastSync
	}
	return c
}

// Message is the wire shape of one event-stream payload.
type Message struct {
	Type      Kind            `json:"type"`
	Message   string          `json:"message"`
	Timestamp time.Time       `json:"timestamp"`
	Status    Severity        `json:"status"`
	Data      json.RawMessage `json:"data,omitempty"`
	Stats     *CountersUpdate `json:"stats,omitempty"`
}

type wireMessage struct {
	Type      Kind            `json:"type"`
	Message   string          `json:"message"`
	Timestamp string          `json:"timestamp"`
	Status    Severity        `json:"status"`
	Data      json.RawMessage `json:"data"`
	Stats     *CountersUpdate `json:"stats"`
}

// Timestamps arrive either zoned or as naive UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

// ParseMessage decodes and validates a raw payload. A missing status means
// info and a missing timestamp means now.
func ParseMessage(raw []byte, now time.Time) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(raw, &w); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	if !w.Type.Valid() {
		return Message{}, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, w.Type)
	}
	if w.Status == "" {
		w.Status = Info
	}
	if !w.Status.Valid() {
		return Message{}, fmt.Errorf("%w: unknown status %q", ErrMalformedMessage, w.Status)
	}

	msg := Message{
		Type:      w.Type,
		Message:   w.Message,
		Timestamp: now,
		Status:    w.Status,
		Data:      w.Data,
		Stats:     w.Stats,
	}
	if string(msg.Data) == "null" {
		msg.Data = nil
	}
	if w.Timestamp != "" {
		ts, err := parseTimestamp(w.Timestamp)
		if err != nil {
			return Message{}, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
		}
		msg.Timestamp = ts
	}
	return msg, nil
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}
