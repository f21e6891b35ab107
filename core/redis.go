package core

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TTL sentinels shared by every KVStore implementation (same values Redis TTL returns).
const (
	TTLNoExpiry int64 = -1
	TTLAbsent   int64 = -2
)

// ErrStoreClosed is returned by Open after Close.
var ErrStoreClosed = errors.New("cache store closed")

// KVStore is the key/value contract the rest of the core depends on.
// Get reports absence with ok=false, never with an error.
type KVStore interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
	Del(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	TTL(ctx context.Context, key string) (int64, error)
	DeletePattern(ctx context.Context, pattern string) (int, error)
}

// CacheMode is the backend currently serving CacheStore operations.
type CacheMode string

const (
	ModeRemote CacheMode = "REMOTE"
	ModeLocal  CacheMode = "LOCAL"
)

// CacheStoreOptions configures NewCacheStore.
type CacheStoreOptions struct {
	Addr     string // host:port; empty runs LOCAL only
	Password string
	DB       int

	// Client overrides Addr/Password/DB with a prebuilt client.
	Client *redis.Client

	ReconnectBackoff    time.Duration
	MaxReconnectBackoff time.Duration

	Now     func() time.Time
	Metrics *Metrics
}

// CacheStore serves every operation from the remote cache while it is healthy
// and from an in-process map otherwise. Any remote failure switches to LOCAL;
// only a successful reconnect switches back. Values written in LOCAL mode are
// not copied to the remote when it returns.
type CacheStore struct {
	local   *memoryStore
	metrics *Metrics
	now     func() time.Time

	minBackoff time.Duration
	maxBackoff time.Duration

	mu           sync.Mutex
	client       *redis.Client
	mode         CacheMode
	backoff      time.Duration
	nextAttempt  time.Time
	reconnecting bool
	closed       bool
}

func NewCacheStore(opts CacheStoreOptions) *CacheStore {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	minBackoff := opts.ReconnectBackoff
	if minBackoff <= 0 {
		minBackoff = 5 * time.Second
	}
	maxBackoff := opts.MaxReconnectBackoff
	if maxBackoff < minBackoff {
		maxBackoff = minBackoff
	}
	client := opts.Client
	if client == nil && opts.Addr != "" {
		client = redis.NewClient(&redis.Options{
			Addr:        opts.Addr,
			Password:    opts.Password,
			DB:          opts.DB,
			DialTimeout: 3 * time.Second,
			MaxRetries:  1,
		})
	}
	return &CacheStore{
		local:      newMemoryStore(now),
		metrics:    opts.Metrics,
		now:        now,
		minBackoff: minBackoff,
		maxBackoff: maxBackoff,
		client:     client,
		mode:       ModeLocal,
		backoff:    minBackoff,
	}
}

// Open pings the remote cache. An unreachable remote is not an error: the
// store starts in LOCAL mode and retries after the backoff window.
func (s *CacheStore) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	client := s.client
	s.mu.Unlock()
	if client == nil {
		slog.Warn("cache: remote not configured, using memory storage")
		s.metrics.cacheMode(ModeLocal)
		return nil
	}
	if err := s.Reconnect(ctx); err != nil {
		slog.Warn("cache: remote not available, using memory storage", "err", err)
	}
	return nil
}

// Close releases the remote connection. The in-process map stays readable.
func (s *CacheStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.mode = ModeLocal
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

// Mode reports which backend serves the next operation.
func (s *CacheStore) Mode() CacheMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Reconnect pings the remote and switches to REMOTE on success. On failure the
// backoff doubles up to the configured maximum.
func (s *CacheStore) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	client := s.client
	if client == nil || s.closed {
		s.mu.Unlock()
		return errors.New("remote cache not configured")
	}
	s.reconnecting = true
	s.mu.Unlock()

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	err := client.Ping(pingCtx).Err()
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnecting = false
	if err != nil {
		s.nextAttempt = s.now().Add(s.backoff)
		s.backoff *= 2
		if s.backoff > s.maxBackoff {
			s.backoff = s.maxBackoff
		}
		return err
	}
	if s.mode != ModeRemote {
		slog.Info("cache: remote connected")
	}
	s.mode = ModeRemote
	s.backoff = s.minBackoff
	s.metrics.cacheMode(ModeRemote)
	return nil
}

// remote returns the client when the store is REMOTE. In LOCAL mode it makes
// one reconnect attempt once the backoff window has passed.
func (s *CacheStore) remote(ctx context.Context) *redis.Client {
	s.mu.Lock()
	if s.mode == ModeRemote {
		c := s.client
		s.mu.Unlock()
		return c
	}
	due := s.client != nil && !s.closed && !s.reconnecting && !s.now().Before(s.nextAttempt)
	s.mu.Unlock()
	if !due {
		return nil
	}
	if err := s.Reconnect(ctx); err != nil {
		slog.Debug("cache: reconnect failed", "err", err)
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode != ModeRemote {
		return nil
	}
	return s.client
}

// fallback records a remote failure and switches to LOCAL.
func (s *CacheStore) fallback(op string, err error) {
	s.mu.Lock()
	wasRemote := s.mode == ModeRemote
	if wasRemote {
		s.mode = ModeLocal
		s.nextAttempt = s.now().Add(s.backoff)
	}
	s.mu.Unlock()
	s.metrics.cacheFallback(op)
	if wasRemote {
		s.metrics.cacheMode(ModeLocal)
		slog.Warn("cache: remote failed, using memory storage", "op", op, "err", err)
	}
}

// remoteFailed reports whether err is a backend failure (not absence, not the caller's cancellation).
func remoteFailed(ctx context.Context, err error) bool {
	if err == nil || errors.Is(err, redis.Nil) {
		return false
	}
	return ctx.Err() == nil
}

// Set stores value under key. ttl <= 0 means no expiry.
func (s *CacheStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if c := s.remote(ctx); c != nil {
		err := c.Set(ctx, key, value, normalizeTTL(ttl)).Err()
		if err == nil {
			s.metrics.cacheOp("set", ModeRemote)
			return nil
		}
		if !remoteFailed(ctx, err) {
			return ctx.Err()
		}
		s.fallback("set", err)
	}
	s.local.set(key, value, ttl)
	s.metrics.cacheOp("set", ModeLocal)
	return nil
}

func (s *CacheStore) Get(ctx context.Context, key string) (string, bool, error) {
	if c := s.remote(ctx); c != nil {
		v, err := c.Get(ctx, key).Result()
		switch {
		case err == nil:
			s.metrics.cacheOp("get", ModeRemote)
			return v, true, nil
		case errors.Is(err, redis.Nil):
			s.metrics.cacheOp("get", ModeRemote)
			return "", false, nil
		case !remoteFailed(ctx, err):
			return "", false, ctx.Err()
		}
		s.fallback("get", err)
	}
	v, ok := s.local.get(key)
	s.metrics.cacheOp("get", ModeLocal)
	return v, ok, nil
}

// Del removes key; a missing key is not an error.
func (s *CacheStore) Del(ctx context.Context, key string) error {
	if c := s.remote(ctx); c != nil {
		err := c.Del(ctx, key).Err()
		if err == nil {
			s.metrics.cacheOp("del", ModeRemote)
			return nil
		}
		if !remoteFailed(ctx, err) {
			return ctx.Err()
		}
		s.fallback("del", err)
	}
	s.local.del(key)
	s.metrics.cacheOp("del", ModeLocal)
	return nil
}

func (s *CacheStore) Exists(ctx context.Context, key string) (bool, error) {
	if c := s.remote(ctx); c != nil {
		n, err := c.Exists(ctx, key).Result()
		if err == nil {
			s.metrics.cacheOp("exists", ModeRemote)
			return n == 1, nil
		}
		if !remoteFailed(ctx, err) {
			return false, ctx.Err()
		}
		s.fallback("exists", err)
	}
	s.metrics.cacheOp("exists", ModeLocal)
	return s.local.exists(key), nil
}

// TTL returns seconds remaining, TTLNoExpiry (-1) or TTLAbsent (-2).
func (s *CacheStore) TTL(ctx context.Context, key string) (int64, error) {
	if c := s.remote(ctx); c != nil {
		d, err := c.TTL(ctx, key).Result()
		if err == nil {
			s.metrics.cacheOp("ttl", ModeRemote)
			return ttlSeconds(d), nil
		}
		if !remoteFailed(ctx, err) {
			return TTLAbsent, ctx.Err()
		}
		s.fallback("ttl", err)
	}
	s.metrics.cacheOp("ttl", ModeLocal)
	return s.local.ttl(key), nil
}

// DeletePattern removes every key matching a glob where '*' matches any run of
// characters. Matches are whole-key.
func (s *CacheStore) DeletePattern(ctx context.Context, pattern string) (int, error) {
	if c := s.remote(ctx); c != nil {
		n, err := deleteRemotePattern(ctx, c, pattern)
		if err == nil {
			s.metrics.cacheOp("delete_pattern", ModeRemote)
			return n, nil
		}
		if !remoteFailed(ctx, err) {
			return n, ctx.Err()
		}
		s.fallback("delete_pattern", err)
	}
	s.metrics.cacheOp("delete_pattern", ModeLocal)
	return s.local.deletePattern(pattern), nil
}

// CacheStats is a point-in-time summary for the admin status page.
type CacheStats struct {
	Mode       CacheMode `json:"mode"`
	LocalKeys  int       `json:"local_keys"`
	RemoteKeys int64     `json:"remote_keys"`
}

func (s *CacheStore) Stats(ctx context.Context) CacheStats {
	st := CacheStats{Mode: s.Mode(), LocalKeys: s.local.len(), RemoteKeys: -1}
	if st.Mode != ModeRemote {
		return st
	}
	if c := s.remote(ctx); c != nil {
		if n, err := c.DBSize(ctx).Result(); err == nil {
			st.RemoteKeys = n
		}
	}
	return st
}

// deleteRemotePattern walks the keyspace with SCAN (KEYS would block the server)
// and deletes matches in batches.
func deleteRemotePattern(ctx context.Context, c *redis.Client, pattern string) (int, error) {
	const batch = 100
	iter := c.Scan(ctx, 0, pattern, batch).Iterator()
	keys := make([]string, 0, batch)
	deleted := 0
	flush := func() error {
		if len(keys) == 0 {
			return nil
		}
		n, err := c.Del(ctx, keys...).Result()
		if err != nil {
			return err
		}
		deleted += int(n)
		keys = keys[:0]
		return nil
	}
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) >= batch {
			if err := flush(); err != nil {
				return deleted, err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return deleted, err
	}
	if err := flush(); err != nil {
		return deleted, err
	}
	return deleted, nil
}

func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 0 // go-redis: 0 means no expiry
	}
	return ttl
}

// ttlSeconds converts a go-redis TTL reply. The -1/-2 sentinels arrive as raw
// nanosecond durations; everything else has second precision.
func ttlSeconds(d time.Duration) int64 {
	switch d {
	case -1:
		return TTLNoExpiry
	case -2:
		return TTLAbsent
	}
	if d < 0 {
		return TTLAbsent
	}
	return int64(d / time.Second)
}
