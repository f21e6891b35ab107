package core

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRemoteStore(t *testing.T, m *miniredis.Miniredis, clock *fakeClock, metrics *Metrics) *CacheStore {
	t.Helper()
	s := NewCacheStore(CacheStoreOptions{
		Addr:                m.Addr(),
		ReconnectBackoff:    5 * time.Second,
		MaxReconnectBackoff: 20 * time.Second,
		Now:                 clock.Now,
		Metrics:             metrics,
	})
	require.NoError(t, s.Open(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCacheStoreRemoteOperations(t *testing.T) {
	ctx := context.Background()
	m := miniredis.RunT(t)
	s := newRemoteStore(t, m, newFakeClock(), nil)
	require.Equal(t, ModeRemote, s.Mode())

	require.NoError(t, s.Set(ctx, "k", "v", 0))
	got, err := m.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got, "value is written to the remote")

	v, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", v)

	exists, err := s.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, exists)

	ttl, err := s.TTL(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, TTLNoExpiry, ttl)

	require.NoError(t, s.Del(ctx, "k"))
	require.NoError(t, s.Del(ctx, "k"))
	_, ok, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	ttl, err = s.TTL(ctx, "never-set")
	require.NoError(t, err)
	assert.Equal(t, TTLAbsent, ttl)
	assert.Equal(t, ModeRemote, s.Mode(), "absence is not a remote failure")
}

func TestCacheStoreRemoteTTL(t *testing.T) {
	ctx := context.Background()
	m := miniredis.RunT(t)
	s := newRemoteStore(t, m, newFakeClock(), nil)

	require.NoError(t, s.Set(ctx, "reset_pwd_code:a@b.c", "654321", 600*time.Second))
	ttl, err := s.TTL(ctx, "reset_pwd_code:a@b.c")
	require.NoError(t, err)
	assert.Greater(t, ttl, int64(540))
	assert.LessOrEqual(t, ttl, int64(600))

	m.FastForward(61 * time.Second)
	ttl, err = s.TTL(ctx, "reset_pwd_code:a@b.c")
	require.NoError(t, err)
	assert.LessOrEqual(t, ttl, int64(539))

	m.FastForward(600 * time.Second)
	_, ok, err := s.Get(ctx, "reset_pwd_code:a@b.c")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCacheStoreRemoteDeletePattern(t *testing.T) {
	ctx := context.Background()
	m := miniredis.RunT(t)
	s := newRemoteStore(t, m, newFakeClock(), nil)

	for _, k := range []string{"courses:u1:current", "courses:u1:2024-1", "courses:u2:current", "xcourses:u1:a"} {
		require.NoError(t, s.Set(ctx, k, "{}", time.Hour))
	}

	n, err := s.DeletePattern(ctx, "courses:u1:*")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.False(t, m.Exists("courses:u1:current"))
	assert.False(t, m.Exists("courses:u1:2024-1"))
	assert.True(t, m.Exists("courses:u2:current"))
	assert.True(t, m.Exists("xcourses:u1:a"))
}

func TestCacheStoreFallsBackWhenRemoteFails(t *testing.T) {
	ctx := context.Background()
	m := miniredis.RunT(t)
	metrics := NewMetrics("test", prometheus.NewRegistry())
	s := newRemoteStore(t, m, newFakeClock(), metrics)
	require.Equal(t, ModeRemote, s.Mode())

	m.SetError("ERR simulated outage")

	require.NoError(t, s.Set(ctx, "k", "v", 0), "fallback is transparent")
	assert.Equal(t, ModeLocal, s.Mode())

	v, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", v)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CacheFallbacks.WithLabelValues("set")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.CacheRemoteUp))
}

func TestCacheStoreFallsBackWhenRemoteCloses(t *testing.T) {
	ctx := context.Background()
	m := miniredis.RunT(t)
	s := newRemoteStore(t, m, newFakeClock(), nil)

	m.Close()

	require.NoError(t, s.Set(ctx, "k", "v", time.Minute))
	assert.Equal(t, ModeLocal, s.Mode())
	v, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", v)

	n, err := s.DeletePattern(ctx, "k*")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCacheStoreReconnectsAfterBackoff(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := miniredis.RunT(t)
	s := newRemoteStore(t, m, clock, nil)

	m.SetError("ERR simulated outage")
	require.NoError(t, s.Set(ctx, "local-only", "v", 0))
	require.Equal(t, ModeLocal, s.Mode())
	m.SetError("")

	clock.Advance(4 * time.Second)
	_, ok, err := s.Get(ctx, "local-only")
	require.NoError(t, err)
	assert.True(t, ok, "still served locally inside the backoff window")
	assert.Equal(t, ModeLocal, s.Mode())

	clock.Advance(2 * time.Second)
	_, ok, err = s.Get(ctx, "local-only")
	require.NoError(t, err)
	assert.Equal(t, ModeRemote, s.Mode())
	assert.False(t, ok, "local writes are not copied to the remote")
}

func TestCacheStoreReconnectBackoffDoubles(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := miniredis.RunT(t)
	addr := m.Addr()
	m.Close()

	s := NewCacheStore(CacheStoreOptions{
		Addr:                addr,
		ReconnectBackoff:    5 * time.Second,
		MaxReconnectBackoff: 20 * time.Second,
		Now:                 clock.Now,
	})
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Open(ctx), "unreachable remote is not an open error")
	assert.Equal(t, ModeLocal, s.Mode())
	assert.Equal(t, 10*time.Second, s.backoff)
	assert.Equal(t, clock.Now().Add(5*time.Second), s.nextAttempt)

	require.Error(t, s.Reconnect(ctx))
	assert.Equal(t, 20*time.Second, s.backoff)
	require.Error(t, s.Reconnect(ctx))
	assert.Equal(t, 20*time.Second, s.backoff, "capped")

	require.NoError(t, s.Set(ctx, "k", "v", 0))
	v, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestCacheStoreWithoutRemote(t *testing.T) {
	ctx := context.Background()
	s := newLocalStore(t, nil)
	assert.Equal(t, ModeLocal, s.Mode())
	require.Error(t, s.Reconnect(ctx))

	require.NoError(t, s.Set(ctx, "k", "v", 0))
	st := s.Stats(ctx)
	assert.Equal(t, ModeLocal, st.Mode)
	assert.Equal(t, 1, st.LocalKeys)
	assert.Equal(t, int64(-1), st.RemoteKeys)
}

func TestCacheStoreCancelledContextKeepsMode(t *testing.T) {
	m := miniredis.RunT(t)
	s := newRemoteStore(t, m, newFakeClock(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Set(ctx, "k", "v", 0); err != nil {
		assert.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, ModeRemote, s.Mode(), "caller cancellation is not a remote failure")
}

func TestCacheStoreOpenAfterClose(t *testing.T) {
	m := miniredis.RunT(t)
	s := NewCacheStore(CacheStoreOptions{Addr: m.Addr()})
	require.NoError(t, s.Open(context.Background()))
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Open(context.Background()), ErrStoreClosed)
	assert.Equal(t, ModeLocal, s.Mode())
}

func TestCacheStoreStatsRemote(t *testing.T) {
	ctx := context.Background()
	m := miniredis.RunT(t)
	s := newRemoteStore(t, m, newFakeClock(), nil)
	require.NoError(t, s.Set(ctx, "a", "1", 0))
	require.NoError(t, s.Set(ctx, "b", "2", 0))

	st := s.Stats(ctx)
	assert.Equal(t, ModeRemote, st.Mode)
	assert.Equal(t, int64(2), st.RemoteKeys)
	assert.Equal(t, 0, st.LocalKeys)
}

func TestTTLSeconds(t *testing.T) {
	assert.Equal(t, TTLNoExpiry, ttlSeconds(-1))
	assert.Equal(t, TTLAbsent, ttlSeconds(-2))
	assert.Equal(t, int64(539), ttlSeconds(539*time.Second))
}
