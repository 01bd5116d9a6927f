// Package store persists members and presence logs. Backend is the
// collaborator contract the scan flow relies on; Memory and SQL implement it.
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"labtrack/internal/member"
	"labtrack/internal/presence"
	"labtrack/internal/realtime"
)

// ErrConflict is returned by AppendLogEntry when the member's latest entry is
// no longer the one the caller read.
var ErrConflict = errors.New("log entry conflict")

const defaultListLimit = 50

// Backend is everything the lab service needs from persistence.
type Backend interface {
	FindMemberByExternalID(ctx context.Context, externalID string) (*member.Member, error)
	GetMember(ctx context.Context, id string) (*member.Member, error)
	ListMembers(ctx context.Context) ([]member.Member, error)
	CreateMember(ctx context.Context, m member.Member) (member.Member, error)
	UpdateMember(ctx context.Context, id string, u member.Update) (member.Member, error)
	CountMembers(ctx context.Context) (int, error)

	// GetMostRecentLogEntry returns (nil, nil) for a member without history.
	GetMostRecentLogEntry(ctx context.Context, memberID string) (*presence.LogEntry, error)
	// InsertLogEntry appends unconditionally.
	InsertLogEntry(ctx context.Context, memberID string, action presence.Action, recordedBy string) (presence.LogEntry, error)
	// AppendLogEntry appends only if the member's latest entry id still equals
	// expectedLastID ("" meaning no entries). Otherwise it returns ErrConflict
	// and writes nothing.
	AppendLogEntry(ctx context.Context, memberID string, action presence.Action, recordedBy, expectedLastID string) (presence.LogEntry, error)
	// ListRecentLogEntries returns entries newest first, joined with member names.
	ListRecentLogEntries(ctx context.Context, limit int) ([]presence.LogEntry, error)
	ListMemberLogEntries(ctx context.Context, memberID string, limit int) ([]presence.LogEntry, error)
	SubscribeToLogEntryChanges(ctx context.Context, h realtime.Handler) (realtime.Subscription, error)

	UpsertStation(ctx context.Context, stationID string) error
	Ping(ctx context.Context) error
	Close() error
}

// clock hands out timestamps that never go backwards in insertion order.
type clock struct {
	mu   sync.Mutex
	now  func() time.Time
	last time.Time
}

func newClock() *clock {
	return &clock{now: time.Now}
}

func (c *clock) next() time.Time {
	return c.after(time.Time{})
}

// after is next, but never earlier than floor.
func (c *clock) after(floor time.Time) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now().UTC()
	if t.Before(c.last) {
		t = c.last
	}
	if floor = floor.UTC(); t.Before(floor) {
		t = floor
	}
	c.last = t
	return t
}

func (c *clock) set(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}
