package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/followaudit/followaudit/internal/service/session"
)

func newTestCache(t *testing.T) (*session.Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return session.NewCache(rdb, 30*time.Second), mr
}

func TestCache_SetThenGetFresh(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "cookie-value"))
	cookie, fresh, err := cache.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "cookie-value", cookie)
	assert.True(t, fresh)
}

func TestCache_StaleValueSurvivesTTL(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "cookie-value"))
	mr.FastForward(time.Minute)

	cookie, fresh, err := cache.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "cookie-value", cookie)
	assert.False(t, fresh)
}

func TestCache_GetEmpty(t *testing.T) {
	cache, _ := newTestCache(t)

	cookie, fresh, err := cache.Get(context.Background())
	require.NoError(t, err)
	assert.Empty(t, cookie)
	assert.False(t, fresh)
}

func TestCache_ClearDropsBothKeys(t *testing.T) {
	cache, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "cookie-value"))
	require.NoError(t, cache.Clear(ctx))

	cookie, fresh, err := cache.Get(ctx)
	require.NoError(t, err)
	assert.Empty(t, cookie)
	assert.False(t, fresh)
}
