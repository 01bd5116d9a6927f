// Package app opens the backends selected by configuration. The API server,
// the badge worker and labctl share it so they agree on where data lives.
package app

import (
	"context"
	"fmt"
	"log"
	"os"

	"labtrack/internal/config"
	"labtrack/internal/queue"
	"labtrack/internal/realtime"
	"labtrack/internal/store"
	"labtrack/internal/throttle"
)

// Backends holds the opened infrastructure. Close releases all of it.
type Backends struct {
	Store store.Backend
	Redis *store.Redis // nil unless some backend uses redis
	Bus   realtime.Bus
	Queue queue.Queue
	Gate  throttle.Gate

	closers []func() error
}

// Open connects everything cfg selects. On error, whatever was already
// opened is closed.
func Open(ctx context.Context, cfg config.App) (_ *Backends, err error) {
	b := &Backends{}
	defer func() {
		if err != nil {
			b.Close()
		}
	}()

	if cfg.QueueBackend == "redis" || cfg.RealtimeBackend == "redis" || cfg.ThrottleBackend == "redis" {
		b.Redis = store.NewRedis(cfg.RedisAddr)
		b.closers = append(b.closers, b.Redis.Close)
		if !b.Redis.Healthy(ctx) {
			log.Printf("warning: redis at %s not reachable yet", cfg.RedisAddr)
		}
	}

	switch cfg.RealtimeBackend {
	case "memory", "":
		b.Bus = realtime.NewHub()
	case "redis":
		b.Bus = realtime.NewRedisBus(b.Redis.Client, "")
	case "mqtt":
		host, _ := os.Hostname()
		bus, err := realtime.NewMQTTBus(cfg.MQTTBroker, fmt.Sprintf("labtrack-%s-%d", host, os.Getpid()), cfg.MQTTTopic)
		if err != nil {
			return nil, fmt.Errorf("mqtt bus: %w", err)
		}
		b.Bus = bus
		b.closers = append(b.closers, bus.Close)
	default:
		return nil, fmt.Errorf("unknown REALTIME_BACKEND %q", cfg.RealtimeBackend)
	}

	switch cfg.StoreBackend {
	case "memory":
		b.Store = store.NewMemory(b.Bus)
	case "sqlite", "postgres":
		var db *store.DB
		if cfg.StoreBackend == "sqlite" {
			db, err = store.NewSQLiteDB(ctx, cfg.SQLitePath)
		} else {
			db, err = store.NewPostgresDB(ctx, cfg.DatabaseURL)
		}
		if err != nil {
			return nil, err
		}
		st, err := store.NewSQL(ctx, db, b.Bus)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		b.Store = st
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}
	b.closers = append(b.closers, b.Store.Close)

	switch cfg.QueueBackend {
	case "memory", "":
		b.Queue = queue.NewInMemory(64)
	case "redis":
		b.Queue = queue.NewRedisQueue(b.Redis.Client, queue.DefaultKey)
	default:
		return nil, fmt.Errorf("unknown QUEUE_BACKEND %q", cfg.QueueBackend)
	}

	switch cfg.ThrottleBackend {
	case "memory", "":
		b.Gate = throttle.NewMemory(cfg.ScanCooldown)
	case "redis":
		b.Gate = throttle.NewRedis(b.Redis.Client, "", cfg.ScanCooldown)
	default:
		return nil, fmt.Errorf("unknown THROTTLE_BACKEND %q", cfg.ThrottleBackend)
	}

	return b, nil
}

// Close releases backends in reverse order of opening.
func (b *Backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			log.Printf("close: %v", err)
		}
	}
	b.closers = nil
}
