package realtime

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"labtrack/internal/presence"
)

// RedisBus fans notifications out across processes with Redis pub/sub.
type RedisBus struct {
	client  *redis.Client
	channel string
}

// NewRedisBus creates a bus on the given channel.
func NewRedisBus(client *redis.Client, channel string) *RedisBus {
	if channel == "" {
		channel = "labtrack:logs"
	}
	return &RedisBus{client: client, channel: channel}
}

// Publish sends the entry on the channel.
func (b *RedisBus) Publish(ctx context.Context, entry presence.LogEntry) error {
	payload, err := FormatPayload(entry, time.Now())
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Subscribe waits for the subscription to be confirmed before returning.
func (b *RedisBus) Subscribe(ctx context.Context, h Handler) (Subscription, error) {
	ps := b.client.Subscribe(ctx, b.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	s := &redisSub{ps: ps, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		for msg := range ps.Channel() {
			entry, err := ParsePayload([]byte(msg.Payload))
			if err != nil {
				log.Printf("realtime: dropping bad message on %s: %v", msg.Channel, err)
				continue
			}
			h(entry)
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

type redisSub struct {
	ps   *redis.PubSub
	done chan struct{}
	once sync.Once
	err  error
}

func (s *redisSub) Close() error {
	s.once.Do(func() { s.err = s.ps.Close() })
	<-s.done
	return s.err
}
