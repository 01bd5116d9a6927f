// Package scan runs one scan end to end: resolve the badge, pass the station
// throttle, then read the member's last entry and append the toggled action
// under a per-member guard.
package scan

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"labtrack/internal/member"
	"labtrack/internal/presence"
	"labtrack/internal/store"
	"labtrack/internal/throttle"
)

// DefaultTimeout bounds every backend call made for a scan.
const DefaultTimeout = 5 * time.Second

// DefaultStation is used when a request does not name its station.
const DefaultStation = "system"

// Backend is the slice of the store a scan touches.
type Backend interface {
	GetMostRecentLogEntry(ctx context.Context, memberID string) (*presence.LogEntry, error)
	AppendLogEntry(ctx context.Context, memberID string, action presence.Action, recordedBy, expectedLastID string) (presence.LogEntry, error)
}

// Resolver maps scanned input to a member.
type Resolver interface {
	Resolve(ctx context.Context, input string) (member.Member, error)
}

// Observer is told how every scan ended.
type Observer interface {
	ObserveScan(kind string, elapsed time.Duration)
}

// Request is one read of a badge at a station.
type Request struct {
	Station string
	Payload string
}

// Accepted describes a recorded scan.
type Accepted struct {
	Member member.Member
	Action presence.Action
	Entry  presence.LogEntry
}

// Service processes scans. Scans at the same station run one at a time;
// scans at different stations only contend when they hit the same member.
type Service struct {
	backend  Backend
	resolver Resolver
	gate     throttle.Gate
	timeout  time.Duration
	now      func() time.Time
	observer Observer

	stations *keyedMutex
	members  *keyedMutex
}

// NewService wires a scan service. A non-positive timeout uses DefaultTimeout.
func NewService(backend Backend, resolver Resolver, gate throttle.Gate, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Service{
		backend:  backend,
		resolver: resolver,
		gate:     gate,
		timeout:  timeout,
		now:      time.Now,
		stations: newKeyedMutex(),
		members:  newKeyedMutex(),
	}
}

// SetClock replaces the station clock used for throttling.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// SetObserver registers o for scan outcomes.
func (s *Service) SetObserver(o Observer) { s.observer = o }

// Scan processes req. On success the entry is persisted and the station's
// throttle is armed; on any error nothing was written and the throttle is
// untouched, so the member may retry at once (unless throttled).
func (s *Service) Scan(ctx context.Context, req Request) (acc Accepted, err error) {
	start := time.Now()
	defer func() {
		if s.observer != nil {
			s.observer.ObserveScan(string(Classify(acc, err).Kind), time.Since(start))
		}
	}()

	station := strings.TrimSpace(req.Station)
	if station == "" {
		station = DefaultStation
	}

	unlockStation := s.stations.lock(station)
	defer unlockStation()

	m, err := s.resolve(ctx, req.Payload)
	if err != nil {
		return Accepted{}, err
	}

	now := s.now()
	gctx, cancel := context.WithTimeout(ctx, s.timeout)
	decision, err := s.gate.Check(gctx, station, now)
	cancel()
	if err != nil {
		return Accepted{}, &BackendError{Op: "throttle check", Err: err}
	}
	if !decision.Allowed {
		return Accepted{}, &ThrottledError{Remaining: decision.Remaining}
	}

	// Past the gate the scan runs to completion or a definite failure even
	// if the caller goes away.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	action, entry, err := s.toggle(wctx, m.ID, station)
	if err != nil {
		return Accepted{}, err
	}

	if err := s.gate.Record(wctx, station, s.now()); err != nil {
		log.Printf("scan: record throttle for station %s: %v", station, err)
	}
	entry.MemberName = m.DisplayName()
	entry.ExternalID = m.ExternalID
	return Accepted{Member: m, Action: action, Entry: entry}, nil
}

func (s *Service) resolve(ctx context.Context, payload string) (member.Member, error) {
	rctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	m, err := s.resolver.Resolve(rctx, payload)
	switch {
	case err == nil:
		return m, nil
	case errors.Is(err, member.ErrNotFound):
		return member.Member{}, ErrUnknownMember
	default:
		return member.Member{}, &BackendError{Op: "resolve", Err: err}
	}
}

// toggle reads the member's latest entry and appends the next action,
// conditional on that entry still being the latest.
func (s *Service) toggle(ctx context.Context, memberID, station string) (presence.Action, presence.LogEntry, error) {
	unlock := s.members.lock(memberID)
	defer unlock()

	last, err := s.backend.GetMostRecentLogEntry(ctx, memberID)
	if err != nil {
		return "", presence.LogEntry{}, &BackendError{Op: "read last entry", Err: err}
	}
	action := presence.NextAction(last)
	expected := ""
	if last != nil {
		expected = last.ID
	}

	entry, err := s.backend.AppendLogEntry(ctx, memberID, action, station, expected)
	switch {
	case err == nil:
		return action, entry, nil
	case errors.Is(err, store.ErrConflict):
		return "", presence.LogEntry{}, ErrConflictingWrite
	case errors.Is(err, member.ErrNotFound):
		return "", presence.LogEntry{}, ErrUnknownMember
	default:
		return "", presence.LogEntry{}, &BackendError{Op: "append entry", Err: err}
	}
}
