package store

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"labtrack/internal/member"
	"labtrack/internal/presence"
	"labtrack/internal/realtime"
)

var _ Backend = (*Memory)(nil)

// Memory is a process-local Backend for development and tests.
type Memory struct {
	mu       sync.RWMutex
	members  map[string]member.Member
	byExt    map[string]string
	logs     []presence.LogEntry // insertion order
	head     map[string]string   // member id -> latest entry id
	stations map[string]time.Time
	bus      realtime.Bus
	clock    *clock
}

// NewMemory creates an empty store. A nil bus uses an in-process hub.
func NewMemory(bus realtime.Bus) *Memory {
	if bus == nil {
		bus = realtime.NewHub()
	}
	return &Memory{
		members:  make(map[string]member.Member),
		byExt:    make(map[string]string),
		head:     make(map[string]string),
		stations: make(map[string]time.Time),
		bus:      bus,
		clock:    newClock(),
	}
}

// SetClock replaces the timestamp source.
func (s *Memory) SetClock(now func() time.Time) { s.clock.set(now) }

func (s *Memory) FindMemberByExternalID(_ context.Context, externalID string) (*member.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byExt[externalID]
	if !ok {
		return nil, nil
	}
	m := s.members[id]
	return &m, nil
}

func (s *Memory) GetMember(_ context.Context, id string) (*member.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[id]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (s *Memory) ListMembers(context.Context) ([]member.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]member.Member, 0, len(s.members))
	for _, m := range s.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out, nil
}

func (s *Memory) CreateMember(_ context.Context, m member.Member) (member.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.byExt[m.ExternalID]; taken {
		return member.Member{}, member.ErrDuplicateExternalID
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Role == "" {
		m.Role = member.RoleMember
	}
	now := s.clock.next()
	m.CreatedAt, m.UpdatedAt = now, now
	s.members[m.ID] = m
	s.byExt[m.ExternalID] = m.ID
	return m, nil
}

func (s *Memory) UpdateMember(_ context.Context, id string, u member.Update) (member.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[id]
	if !ok {
		return member.Member{}, fmt.Errorf("member %s: %w", id, member.ErrNotFound)
	}
	next := u.Apply(m)
	if next.ExternalID != m.ExternalID {
		if other, taken := s.byExt[next.ExternalID]; taken && other != id {
			return member.Member{}, member.ErrDuplicateExternalID
		}
		delete(s.byExt, m.ExternalID)
		s.byExt[next.ExternalID] = id
	}
	next.UpdatedAt = s.clock.next()
	s.members[id] = next
	return next, nil
}

func (s *Memory) CountMembers(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.members), nil
}

func (s *Memory) GetMostRecentLogEntry(_ context.Context, memberID string) (*presence.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.head[memberID]
	if !ok {
		return nil, nil
	}
	for i := len(s.logs) - 1; i >= 0; i-- {
		if s.logs[i].ID == id {
			e := s.logs[i]
			return &e, nil
		}
	}
	return nil, fmt.Errorf("head entry %s missing", id)
}

func (s *Memory) InsertLogEntry(ctx context.Context, memberID string, action presence.Action, recordedBy string) (presence.LogEntry, error) {
	return s.append(ctx, presence.RecordScan(memberID, action, recordedBy), false, "")
}

func (s *Memory) AppendLogEntry(ctx context.Context, memberID string, action presence.Action, recordedBy, expectedLastID string) (presence.LogEntry, error) {
	return s.append(ctx, presence.RecordScan(memberID, action, recordedBy), true, expectedLastID)
}

func (s *Memory) append(ctx context.Context, e presence.LogEntry, guard bool, expected string) (presence.LogEntry, error) {
	if err := ctx.Err(); err != nil {
		return presence.LogEntry{}, err
	}
	s.mu.Lock()
	if _, ok := s.members[e.MemberID]; !ok {
		s.mu.Unlock()
		return presence.LogEntry{}, fmt.Errorf("member %s: %w", e.MemberID, member.ErrNotFound)
	}
	if guard && s.head[e.MemberID] != expected {
		s.mu.Unlock()
		return presence.LogEntry{}, ErrConflict
	}
	e.ID = uuid.NewString()
	e.Timestamp = s.clock.next()
	s.logs = append(s.logs, e)
	s.head[e.MemberID] = e.ID
	s.mu.Unlock()

	if err := s.bus.Publish(ctx, e); err != nil {
		log.Printf("store: publish entry %s: %v", e.ID, err)
	}
	return e, nil
}

func (s *Memory) ListRecentLogEntries(_ context.Context, limit int) ([]presence.LogEntry, error) {
	return s.list("", normalizeLimit(limit)), nil
}

func (s *Memory) ListMemberLogEntries(_ context.Context, memberID string, limit int) ([]presence.LogEntry, error) {
	return s.list(memberID, normalizeLimit(limit)), nil
}

func (s *Memory) list(memberID string, limit int) []presence.LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]presence.LogEntry, 0, min(limit, len(s.logs)))
	for i := len(s.logs) - 1; i >= 0 && len(out) < limit; i-- {
		e := s.logs[i]
		if memberID != "" && e.MemberID != memberID {
			continue
		}
		m := s.members[e.MemberID]
		e.MemberName = m.DisplayName()
		e.ExternalID = m.ExternalID
		out = append(out, e)
	}
	return out
}

func (s *Memory) SubscribeToLogEntryChanges(ctx context.Context, h realtime.Handler) (realtime.Subscription, error) {
	return s.bus.Subscribe(ctx, h)
}

func (s *Memory) UpsertStation(_ context.Context, stationID string) error {
	if stationID == "" {
		return fmt.Errorf("station id required")
	}
	s.mu.Lock()
	s.stations[stationID] = s.clock.next()
	s.mu.Unlock()
	return nil
}

func (s *Memory) Ping(context.Context) error { return nil }

func (s *Memory) Close() error { return nil }
