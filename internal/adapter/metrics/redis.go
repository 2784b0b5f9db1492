// Package metrics records per-tenant run duration samples in Redis.
//
// Each (organization, image) pair keeps the last 10 durations most-recent
// first, enough for the dashboard to compute a running average and flag
// regressions.
package metrics

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/testdock/internal/domain"
)

// SampleLimit bounds the per-key duration list.
const SampleLimit = 10

// RedisRecorder implements domain.MetricsRecorder on a Redis list per key.
type RedisRecorder struct {
	rdb *redis.Client
}

// NewRedisRecorder wraps an existing go-redis client.
func NewRedisRecorder(rdb *redis.Client) *RedisRecorder {
	return &RedisRecorder{rdb: rdb}
}

// NewRedisRecorderFromURL dials Redis from a redis:// URL.
func NewRedisRecorderFromURL(url string) (*RedisRecorder, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("op=metrics.dial: %w", err)
	}
	return &RedisRecorder{rdb: redis.NewClient(opts)}, nil
}

func key(orgID, image string) string {
	return fmt.Sprintf("metrics:%s:test:%s", orgID, image)
}

// RecordDuration pushes a duration sample (milliseconds) and trims the list
// to the last SampleLimit entries. Push and trim run in one pipeline so the
// bound holds under concurrent writers.
func (r *RedisRecorder) RecordDuration(ctx domain.Context, orgID, image string, d time.Duration) error {
	k := key(orgID, image)
	pipe := r.rdb.TxPipeline()
	pipe.LPush(ctx, k, d.Milliseconds())
	pipe.LTrim(ctx, k, 0, SampleLimit-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=metrics.record: %w", err)
	}
	slog.Debug("duration sample recorded",
		slog.String("organization_id", orgID),
		slog.String("image", image),
		slog.Int64("ms", d.Milliseconds()))
	return nil
}

// RecentDurations returns the stored samples, most recent first.
func (r *RedisRecorder) RecentDurations(ctx domain.Context, orgID, image string) ([]int64, error) {
	vals, err := r.rdb.LRange(ctx, key(orgID, image), 0, SampleLimit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("op=metrics.recent: %w", err)
	}
	out := make([]int64, 0, len(vals))
	for _, v := range vals {
		var ms int64
		if _, err := fmt.Sscan(v, &ms); err != nil {
			continue
		}
		out = append(out, ms)
	}
	return out, nil
}

// Ping verifies connectivity for readiness checks.
func (r *RedisRecorder) Ping(ctx domain.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// Close releases the client.
func (r *RedisRecorder) Close() error { return r.rdb.Close() }
