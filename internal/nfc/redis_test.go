package nfc

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRedisCacheIntegration requires a running Redis (REDIS_ADDR, default localhost:6379).
func TestRedisCacheIntegration(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	cache := NewRedisCache(addr, "", 0)
	cache.prefix = "anyrepo-test:" + time.Now().Format("150405.000000")
	ctx := context.Background()
	if err := cache.Ping(ctx); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}
	defer cache.Close()
	defer cache.ClearStore(ctx, remoteKey)

	base := time.Now()
	cache.now = func() time.Time { return base }
	require.NoError(t, cache.Record(ctx, remoteKey, "a/b"))

	cache.now = func() time.Time { return base.Add(30 * time.Second) }
	missing, err := cache.IsKnownMissing(ctx, remoteKey, "a/b", time.Minute)
	require.NoError(t, err)
	assert.True(t, missing)

	cache.now = func() time.Time { return base.Add(61 * time.Second) }
	missing, err = cache.IsKnownMissing(ctx, remoteKey, "a/b", time.Minute)
	require.NoError(t, err)
	assert.False(t, missing)

	sections, err := cache.Export(ctx, nil)
	require.NoError(t, err)
	require.Len(t, sections, 1)
	assert.Equal(t, []string{"a/b"}, sections[0].Paths)

	require.NoError(t, cache.Clear(ctx, remoteKey, "a/b"))
	sections, err = cache.Export(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, sections)
}
