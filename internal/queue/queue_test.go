package queue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func exerciseSchedule(t *testing.T, s Schedule) {
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, "w1", base))
	require.NoError(t, s.Add(ctx, "w2", base.Add(-time.Minute)))
	require.NoError(t, s.Add(ctx, "w3", base.Add(time.Hour)))
	// already scheduled, keeps the earlier due time
	require.NoError(t, s.Add(ctx, "w1", base.Add(2*time.Hour)))

	length, err := s.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), length)

	claimed, err := s.ClaimDue(ctx, base, 10, "monitor-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"w2", "w1"}, claimed)

	claimed, err = s.ClaimDue(ctx, base, 10, "monitor-2")
	require.NoError(t, err)
	assert.Empty(t, claimed)

	require.NoError(t, s.Reschedule(ctx, "w2", base.Add(5*time.Minute)))
	require.NoError(t, s.Release(ctx, "w2"))

	n, err := s.RequeueStuck(ctx, base.Add(20*time.Minute), 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	claimed, err = s.ClaimDue(ctx, base.Add(20*time.Minute), 1, "monitor-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"w2"}, claimed)

	require.NoError(t, s.Remove(ctx, "w3"))
	length, err = s.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), length)
}

func TestMemorySchedule(t *testing.T) {
	exerciseSchedule(t, NewMemory())
}

func TestRedisSchedule(t *testing.T) {
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("Skipping Redis schedule test. Set REDIS_TEST_URL to enable.")
	}
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opt)
	prefix := "rebin_test:" + t.Name() + ":"
	t.Cleanup(func() {
		client.Del(context.Background(), prefix+scheduleKey, prefix+inFlightKey)
		client.Close()
	})

	exerciseSchedule(t, NewRedisFromClient(client, prefix, zerolog.Nop()))
}

func TestParseInFlight(t *testing.T) {
	worker, started, ok := parseInFlight("monitor-1,1717243200")
	require.True(t, ok)
	assert.Equal(t, "monitor-1", worker)
	assert.Equal(t, int64(1717243200), started)

	_, _, ok = parseInFlight("monitor-1")
	assert.False(t, ok)
	_, _, ok = parseInFlight("monitor-1,soon")
	assert.False(t, ok)
}
