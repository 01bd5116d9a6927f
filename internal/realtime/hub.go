package realtime

import (
	"context"
	"log"
	"sync"

	"labtrack/internal/presence"
)

const subscriberBuffer = 32

// Hub is an in-process Bus. Each subscriber has its own goroutine and a
// bounded buffer; a subscriber that falls behind loses notifications rather
// than blocking writers.
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*hubSub
}

type hubSub struct {
	ch   chan presence.LogEntry
	done chan struct{}
	once sync.Once
	hub  *Hub
	id   int
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]*hubSub)}
}

// Publish fans entry out to all current subscribers.
func (h *Hub) Publish(_ context.Context, entry presence.LogEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, s := range h.subs {
		select {
		case s.ch <- entry:
		default:
			log.Printf("realtime: subscriber %d is behind, dropped entry %s", id, entry.ID)
		}
	}
	return nil
}

// Subscribe registers h; the subscription also ends when ctx is done.
func (h *Hub) Subscribe(ctx context.Context, fn Handler) (Subscription, error) {
	h.mu.Lock()
	h.nextID++
	s := &hubSub{
		ch:   make(chan presence.LogEntry, subscriberBuffer),
		done: make(chan struct{}),
		hub:  h,
		id:   h.nextID,
	}
	h.subs[s.id] = s
	h.mu.Unlock()

	go func() {
		defer close(s.done)
		for entry := range s.ch {
			fn(entry)
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (s *hubSub) Close() error {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s.id)
		close(s.ch)
		s.hub.mu.Unlock()
	})
	<-s.done
	return nil
}
