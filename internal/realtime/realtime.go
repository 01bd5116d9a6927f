// Package realtime carries log-entry change notifications from the store to
// whoever is watching (dashboards, external displays).
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"labtrack/internal/presence"
)

// Handler receives every inserted log entry.
type Handler func(presence.LogEntry)

// Subscription is a live registration; Close tears it down and waits until
// the handler is no longer being called.
type Subscription interface {
	Close() error
}

// Bus publishes inserted entries and lets callers subscribe to them.
type Bus interface {
	Publish(ctx context.Context, entry presence.LogEntry) error
	Subscribe(ctx context.Context, h Handler) (Subscription, error)
}

// Payload is the wire form of a change notification.
type Payload struct {
	Event string    `json:"event"`
	Entry WireEntry `json:"entry"`
	Sent  string    `json:"sent_at"`
}

// WireEntry mirrors presence.LogEntry with an RFC3339 timestamp.
type WireEntry struct {
	ID         string `json:"id"`
	MemberID   string `json:"member_id"`
	Action     string `json:"action"`
	Timestamp  string `json:"timestamp"`
	RecordedBy string `json:"recorded_by"`
}

// EventInsert is the only change kind; entries are immutable.
const EventInsert = "INSERT"

// FormatPayload encodes an entry for Redis and MQTT transports.
func FormatPayload(entry presence.LogEntry, sent time.Time) ([]byte, error) {
	return json.Marshal(Payload{
		Event: EventInsert,
		Entry: WireEntry{
			ID:         entry.ID,
			MemberID:   entry.MemberID,
			Action:     string(entry.Action),
			Timestamp:  entry.Timestamp.UTC().Format(time.RFC3339Nano),
			RecordedBy: entry.RecordedBy,
		},
		Sent: sent.UTC().Format(time.RFC3339),
	})
}

// ParsePayload decodes a notification produced by FormatPayload.
func ParsePayload(b []byte) (presence.LogEntry, error) {
	var p Payload
	if err := json.Unmarshal(b, &p); err != nil {
		return presence.LogEntry{}, fmt.Errorf("decode payload: %w", err)
	}
	if p.Event != EventInsert {
		return presence.LogEntry{}, fmt.Errorf("unexpected event %q", p.Event)
	}
	action, err := presence.ParseAction(p.Entry.Action)
	if err != nil {
		return presence.LogEntry{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, p.Entry.Timestamp)
	if err != nil {
		return presence.LogEntry{}, fmt.Errorf("decode timestamp: %w", err)
	}
	return presence.LogEntry{
		ID:         p.Entry.ID,
		MemberID:   p.Entry.MemberID,
		Action:     action,
		Timestamp:  ts,
		RecordedBy: p.Entry.RecordedBy,
	}, nil
}
