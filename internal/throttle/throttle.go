// Package throttle debounces scans per station: after a successful scan the
// station refuses further scans until the cooldown has elapsed.
package throttle

import (
	"context"
	"sync"
	"time"
)

// DefaultCooldown is the minimum interval between successful scans.
const DefaultCooldown = 3000 * time.Millisecond

// Decision is the outcome of a throttle check.
type Decision struct {
	Allowed   bool
	Remaining time.Duration
}

// RemainingMs is the wait, in milliseconds, shown to the operator.
func (d Decision) RemainingMs() int64 {
	return d.Remaining.Milliseconds()
}

// Allow rejects iff now - last < cooldown. A zero last means the station has
// not had a successful scan yet.
func Allow(now, last time.Time, cooldown time.Duration) Decision {
	if last.IsZero() {
		return Decision{Allowed: true}
	}
	elapsed := now.Sub(last)
	if elapsed < cooldown {
		return Decision{Remaining: cooldown - elapsed}
	}
	return Decision{Allowed: true}
}

// Gate keeps the last successful scan instant per station. Check never
// mutates; Record is called only once a scan has been fully recorded.
type Gate interface {
	Check(ctx context.Context, station string, now time.Time) (Decision, error)
	Record(ctx context.Context, station string, at time.Time) error
}

// Memory is a process-local gate.
type Memory struct {
	cooldown time.Duration
	mu       sync.Mutex
	last     map[string]time.Time
}

// NewMemory creates a process-local gate; non-positive cooldown uses the default.
func NewMemory(cooldown time.Duration) *Memory {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Memory{cooldown: cooldown, last: make(map[string]time.Time)}
}

// Cooldown returns the configured interval.
func (m *Memory) Cooldown() time.Duration { return m.cooldown }

// Check evaluates the station's last successful scan.
func (m *Memory) Check(_ context.Context, station string, now time.Time) (Decision, error) {
	m.mu.Lock()
	last := m.last[station]
	m.mu.Unlock()
	return Allow(now, last, m.cooldown), nil
}

// Record stores at as the station's last successful scan.
func (m *Memory) Record(_ context.Context, station string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.last[station]; ok && prev.After(at) {
		return nil
	}
	m.last[station] = at
	return nil
}
