// Package cache memoizes query responses in Redis. It is strictly fail-open:
// a broken or absent backend degrades to computing every response, never to
// serving errors.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"

	"go.uber.org/zap"

	"fleetstats/internal/metrics"
)

const keyPrefix = "fleetstats:"

// Backend is the minimal key-value surface the cache needs. ErrMiss is the
// only error Get may return for an absent key.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	FlushPrefix(ctx context.Context, prefix string) (int64, error)
}

// TTL classes. Live data changes on every collection pass; aggregates only
// move when a new bucket closes; snapshots are replaced wholesale.
type Class int

const (
	Live Class = iota
	Aggregate
	Snapshot
)

// TTLs maps each class to its expiry.
type TTLs struct {
	Live      time.Duration
	Aggregate time.Duration
	Snapshot  time.Duration
}

func (t TTLs) For(c Class) time.Duration {
	switch c {
	case Aggregate:
		return t.Aggregate
	case Snapshot:
		return t.Snapshot
	}
	return t.Live
}

// Key builds a deterministic cache key from an endpoint and its parameters.
// Parameters are sorted before hashing so equivalent requests share an entry
// regardless of query-string order.
func Key(endpoint string, params map[string]string) string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	h := sha256.New()
	h.Write([]byte(endpoint))
	for _, name := range names {
		h.Write([]byte{0})
		h.Write([]byte(name))
		h.Write([]byte{'='})
		h.Write([]byte(params[name]))
	}
	return keyPrefix + endpoint + ":" + hex.EncodeToString(h.Sum(nil))[:16]
}

// Cache decorates response computation with Redis memoization. A nil *Cache
// or nil Backend computes directly.
type Cache struct {
	Backend Backend
	TTLs    TTLs
	Log     *zap.Logger
}

func New(backend Backend, ttls TTLs, log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{Backend: backend, TTLs: ttls, Log: log}
}

// Do returns the cached payload for key, or runs compute and stores the
// result. Backend failures on either side are logged and absorbed; compute
// errors pass through and nothing is stored.
func (c *Cache) Do(ctx context.Context, class Class, key string, compute func() ([]byte, error)) ([]byte, error) {
	if c == nil || c.Backend == nil {
		return compute()
	}

	body, err := c.Backend.Get(ctx, key)
	switch {
	case err == nil:
		metrics.IncCache("hit")
		return body, nil
	case err == ErrMiss:
		metrics.IncCache("miss")
	default:
		metrics.IncCache("error")
		c.Log.Warn("cache read failed, computing", zap.String("key", key), zap.Error(err))
	}

	body, err = compute()
	if err != nil {
		return nil, err
	}
	if err := c.Backend.Set(ctx, key, body, c.TTLs.For(class)); err != nil {
		metrics.IncCache("error")
		c.Log.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
	return body, nil
}

// Flush drops every entry this service wrote.
func (c *Cache) Flush(ctx context.Context) (int64, error) {
	if c == nil || c.Backend == nil {
		return 0, nil
	}
	return c.Backend.FlushPrefix(ctx, keyPrefix)
}
