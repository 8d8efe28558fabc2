package event

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisDeduper implements Deduper with SETNX keys in redis. The key combines
// the event id and the receive-time bucket, so redelivered packets from the
// at-least-once transport collapse while genuinely recurring events (same
// producer id in a later bucket) pass.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
	bucket time.Duration
}

// NewRedisDeduper creates a deduper. bucket sizes the receive-time rounding;
// ttl must exceed the transport's redelivery horizon.
func NewRedisDeduper(client *redis.Client, ttl, bucket time.Duration) *RedisDeduper {
	if bucket <= 0 {
		bucket = time.Minute
	}
	return &RedisDeduper{client: client, ttl: ttl, bucket: bucket}
}

// Seen implements Deduper.
func (d *RedisDeduper) Seen(ctx context.Context, ev *NormalizedEvent) (bool, error) {
	key := d.key(ev)
	set, err := d.client.SetNX(ctx, key, 1, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check event dedup key %s: %w", key, err)
	}
	// SETNX returns false when the key already existed.
	return !set, nil
}

func (d *RedisDeduper) key(ev *NormalizedEvent) string {
	bucket := ev.ReceivedAt.UTC().Truncate(d.bucket).Unix()
	return fmt.Sprintf("kestrel:dedup:%s:%d", ev.EventID, bucket)
}
