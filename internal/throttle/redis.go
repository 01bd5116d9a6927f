package throttle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis shares the per-station timestamp through Redis, for deployments where
// several processes serve the same logical station.
type Redis struct {
	client   *redis.Client
	prefix   string
	cooldown time.Duration
}

// NewRedis builds a Redis-backed gate. Keys expire after one cooldown.
func NewRedis(client *redis.Client, prefix string, cooldown time.Duration) *Redis {
	if prefix == "" {
		prefix = "labtrack:throttle:"
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Redis{client: client, prefix: prefix, cooldown: cooldown}
}

// Check reads the station's last scan in unix milliseconds.
func (r *Redis) Check(ctx context.Context, station string, now time.Time) (Decision, error) {
	ms, err := r.client.Get(ctx, r.prefix+station).Int64()
	if errors.Is(err, redis.Nil) {
		return Decision{Allowed: true}, nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("throttle get: %w", err)
	}
	return Allow(now, time.UnixMilli(ms), r.cooldown), nil
}

// Record stores at with a TTL of one cooldown.
func (r *Redis) Record(ctx context.Context, station string, at time.Time) error {
	if err := r.client.Set(ctx, r.prefix+station, at.UnixMilli(), r.cooldown).Err(); err != nil {
		return fmt.Errorf("throttle set: %w", err)
	}
	return nil
}
