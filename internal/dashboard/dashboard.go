// Package dashboard builds the admin view: today's occupancy summary over the
// most recent log window, and a live feed that rebuilds it on every insert.
package dashboard

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"labtrack/internal/occupancy"
	"labtrack/internal/presence"
	"labtrack/internal/realtime"
)

// DefaultWindow is how many recent entries the dashboard reads.
const DefaultWindow = 50

// Source is the store surface the dashboard reads.
type Source interface {
	CountMembers(ctx context.Context) (int, error)
	ListRecentLogEntries(ctx context.Context, limit int) ([]presence.LogEntry, error)
	SubscribeToLogEntryChanges(ctx context.Context, h realtime.Handler) (realtime.Subscription, error)
}

// SummaryObserver receives every computed summary.
type SummaryObserver interface {
	ObserveSummary(s occupancy.Summary)
}

// View is one dashboard render.
type View struct {
	Summary occupancy.Summary   `json:"summary"`
	Logs    []presence.LogEntry `json:"logs"`
	AsOf    time.Time           `json:"as_of"`
}

// Service computes dashboard views.
type Service struct {
	src      Source
	window   int
	loc      *time.Location
	now      func() time.Time
	observer SummaryObserver
}

// NewService creates a dashboard over src. Days are bucketed in loc (UTC
// when nil).
func NewService(src Source, window int, loc *time.Location) *Service {
	if window <= 0 {
		window = DefaultWindow
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Service{src: src, window: window, loc: loc, now: time.Now}
}

// SetClock replaces the reporting clock.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// SetObserver registers o for computed summaries.
func (s *Service) SetObserver(o SummaryObserver) { s.observer = o }

// Snapshot reads the recent window and member count and summarizes them.
func (s *Service) Snapshot(ctx context.Context) (View, error) {
	logs, err := s.src.ListRecentLogEntries(ctx, s.window)
	if err != nil {
		return View{}, fmt.Errorf("list recent logs: %w", err)
	}
	total, err := s.src.CountMembers(ctx)
	if err != nil {
		return View{}, fmt.Errorf("count members: %w", err)
	}
	asOf := s.now().In(s.loc)
	v := View{Summary: occupancy.Summarize(logs, asOf, total), Logs: logs, AsOf: asOf}
	if v.Logs == nil {
		v.Logs = []presence.LogEntry{}
	}
	if s.observer != nil {
		s.observer.ObserveSummary(v.Summary)
	}
	return v, nil
}

// Watch calls fn with a fresh view now and after every inserted entry.
// Bursts of inserts are coalesced into one refresh. The returned
// subscription stops the feed; ctx cancellation does too.
func (s *Service) Watch(ctx context.Context, fn func(View)) (realtime.Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	w := &watch{
		cancel: cancel,
		kick:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	sub, err := s.src.SubscribeToLogEntryChanges(ctx, func(presence.LogEntry) { w.poke() })
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	w.sub = sub
	w.poke()

	go func() {
		defer close(w.done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.kick:
			}
			v, err := s.Snapshot(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("dashboard: refresh failed: %v", err)
				}
				continue
			}
			fn(v)
		}
	}()
	return w, nil
}

type watch struct {
	sub    realtime.Subscription
	cancel context.CancelFunc
	kick   chan struct{}
	done   chan struct{}
	once   sync.Once
	err    error
}

func (w *watch) poke() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// Close tears down the subscription and waits for the refresh loop.
func (w *watch) Close() error {
	w.once.Do(func() {
		w.cancel()
		w.err = w.sub.Close()
		<-w.done
	})
	return w.err
}
