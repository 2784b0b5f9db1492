package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRecorder(t *testing.T) (*RedisRecorder, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rec := NewRedisRecorder(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = rec.Close() })
	return rec, mr
}

func TestRecordAndReadBack(t *testing.T) {
	t.Parallel()
	rec, _ := newTestRecorder(t)
	ctx := context.Background()

	require.NoError(t, rec.RecordDuration(ctx, "org-a", "suite:1", 1500*time.Millisecond))
	require.NoError(t, rec.RecordDuration(ctx, "org-a", "suite:1", 2*time.Second))

	got, err := rec.RecentDurations(ctx, "org-a", "suite:1")
	require.NoError(t, err)
	// Most recent first.
	assert.Equal(t, []int64{2000, 1500}, got)
}

func TestSamplesBoundedToLimit(t *testing.T) {
	t.Parallel()
	rec, mr := newTestRecorder(t)
	ctx := context.Background()

	for i := 1; i <= SampleLimit+5; i++ {
		require.NoError(t, rec.RecordDuration(ctx, "org-a", "suite:1", time.Duration(i)*time.Second))
	}

	got, err := rec.RecentDurations(ctx, "org-a", "suite:1")
	require.NoError(t, err)
	require.Len(t, got, SampleLimit)
	// Oldest samples fell off the end.
	assert.Equal(t, int64(15000), got[0])
	assert.Equal(t, int64(6000), got[SampleLimit-1])

	assert.Equal(t, "metrics:org-a:test:suite:1", func() string {
		keys := mr.Keys()
		require.Len(t, keys, 1)
		return keys[0]
	}())
}

func TestKeysAreTenantScoped(t *testing.T) {
	t.Parallel()
	rec, _ := newTestRecorder(t)
	ctx := context.Background()

	require.NoError(t, rec.RecordDuration(ctx, "org-a", "suite:1", time.Second))
	require.NoError(t, rec.RecordDuration(ctx, "org-b", "suite:1", 2*time.Second))

	a, err := rec.RecentDurations(ctx, "org-a", "suite:1")
	require.NoError(t, err)
	b, err := rec.RecentDurations(ctx, "org-b", "suite:1")
	require.NoError(t, err)
	assert.Equal(t, []int64{1000}, a)
	assert.Equal(t, []int64{2000}, b)
}

func TestRecentDurationsEmptyKey(t *testing.T) {
	t.Parallel()
	rec, _ := newTestRecorder(t)

	got, err := rec.RecentDurations(context.Background(), "org-a", "never-ran")
	require.NoError(t, err)
	assert.Empty(t, got)
}
