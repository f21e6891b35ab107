package core

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultCourseCacheTTL is how long a course table stays cached (5 days).
const DefaultCourseCacheTTL = 432000 * time.Second

const courseKeyPrefix = "jwxt:courses:"

// CourseCacheKey returns the cache key for one user's course table.
// Empty semesterID is stored as "current".
func CourseCacheKey(userID, semesterID string) string {
	if semesterID == "" {
		semesterID = "current"
	}
	return courseKeyPrefix + userID + ":" + semesterID
}

// CourseCache holds raw /course bodies keyed by user and semester.
// Store errors never reach the caller: a failed read is a miss and a
// failed write is logged.
type CourseCache struct {
	store   KVStore
	ttl     time.Duration
	metrics *Metrics

	coalesce bool
	group    singleflight.Group
}

type CourseCacheOptions struct {
	TTL time.Duration
	// Coalesce shares one upstream call among concurrent misses of the same key.
	// The shared call ignores cancellation by any single caller; a caller whose
	// ctx ends stops waiting and gets ctx.Err() while the others keep theirs.
	// The upstream client timeout still bounds the shared call.
	Coalesce bool
	Metrics  *Metrics
}

func NewCourseCache(store KVStore, opts CourseCacheOptions) *CourseCache {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultCourseCacheTTL
	}
	return &CourseCache{store: store, ttl: ttl, coalesce: opts.Coalesce, metrics: opts.Metrics}
}

// load returns the cached course table for key or calls fetch and caches a
// successful reply. Unsuccessful replies and errors are returned uncached.
func (cc *CourseCache) load(ctx context.Context, key string, fetch func(context.Context) ([]byte, error)) (*CourseData, error) {
	if data, ok := cc.lookup(ctx, key); ok {
		cc.metrics.courseLookup("hit")
		return data, nil
	}
	cc.metrics.courseLookup("miss")

	fetchAndStore := func(ctx context.Context) ([]byte, error) {
		raw, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		var envelope struct {
			Success bool `json:"success"`
		}
		if err := json.Unmarshal(raw, &envelope); err != nil {
			return nil, &TransportError{Op: "/course", Err: err}
		}
		if envelope.Success {
			cc.save(ctx, key, raw)
		}
		return raw, nil
	}

	var raw []byte
	var err error
	if cc.coalesce {
		raw, err = cc.shared(ctx, key, fetchAndStore)
	} else {
		raw, err = fetchAndStore(ctx)
	}
	if err != nil {
		return nil, err
	}

	var data CourseData
	if err := decodeUpstream("/course", raw, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// shared runs fn once per key for all concurrent callers. fn gets a ctx
// detached from the caller's cancellation.
func (cc *CourseCache) shared(ctx context.Context, key string, fn func(context.Context) ([]byte, error)) ([]byte, error) {
	detached := context.WithoutCancel(ctx)
	ch := cc.group.DoChan(key, func() (any, error) { return fn(detached) })
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (cc *CourseCache) lookup(ctx context.Context, key string) (*CourseData, bool) {
	v, ok, err := cc.store.Get(ctx, key)
	if err != nil {
		slog.Warn("course cache: read failed", "key", key, "err", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var data CourseData
	if err := json.Unmarshal([]byte(v), &data); err != nil {
		slog.Warn("course cache: corrupt entry", "key", key, "err", err)
		return nil, false
	}
	slog.Debug("course cache: hit", "key", key)
	return &data, true
}

func (cc *CourseCache) save(ctx context.Context, key string, raw []byte) {
	if err := cc.store.Set(ctx, key, string(raw), cc.ttl); err != nil {
		slog.Warn("course cache: write failed", "key", key, "err", err)
		return
	}
	slog.Debug("course cache: stored", "key", key, "ttl", cc.ttl)
}

// Clear deletes every cached semester of userID and returns how many keys went.
func (cc *CourseCache) Clear(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, errors.New("course cache: user id required")
	}
	n, err := cc.store.DeletePattern(ctx, courseKeyPrefix+EscapeGlob(userID)+":*")
	if err != nil {
		slog.Warn("course cache: clear failed", "user_id", userID, "err", err)
		return n, err
	}
	slog.Info("course cache: cleared", "user_id", userID, "deleted", n)
	return n, nil
}
