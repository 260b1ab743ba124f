package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

type memoryBackend struct {
	data map[string][]byte
	ttls map[string]time.Duration
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{data: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (m *memoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	body, ok := m.data[key]
	if !ok {
		return nil, ErrMiss
	}
	return body, nil
}

func (m *memoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.data[key] = value
	m.ttls[key] = ttl
	return nil
}

func (m *memoryBackend) FlushPrefix(_ context.Context, prefix string) (int64, error) {
	var n int64
	for k := range m.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(m.data, k)
			n++
		}
	}
	return n, nil
}

type brokenBackend struct{}

func (brokenBackend) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("connection refused")
}
func (brokenBackend) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("connection refused")
}
func (brokenBackend) FlushPrefix(context.Context, string) (int64, error) {
	return 0, errors.New("connection refused")
}

func TestKeyIsOrderInsensitive(t *testing.T) {
	a := Key("/metrics/trends", map[string]string{"period": "week", "metric": "total_time_hours"})
	b := Key("/metrics/trends", map[string]string{"metric": "total_time_hours", "period": "week"})
	if a != b {
		t.Fatalf("same params in different order produced %q and %q", a, b)
	}
	c := Key("/metrics/trends", map[string]string{"period": "month", "metric": "total_time_hours"})
	if a == c {
		t.Fatalf("different params collided on %q", a)
	}
	d := Key("/metrics/stats", map[string]string{"period": "week", "metric": "total_time_hours"})
	if a == d {
		t.Fatalf("different endpoints collided on %q", a)
	}
}

func TestDoComputesOnceAndCaches(t *testing.T) {
	backend := newMemoryBackend()
	c := New(backend, TTLs{Live: time.Minute, Aggregate: time.Hour}, nil)

	calls := 0
	compute := func() ([]byte, error) {
		calls++
		return []byte(`{"ok":true}`), nil
	}

	key := Key("/metrics/stats", nil)
	for i := 0; i < 3; i++ {
		body, err := c.Do(context.Background(), Aggregate, key, compute)
		if err != nil {
			t.Fatalf("do: %v", err)
		}
		if string(body) != `{"ok":true}` {
			t.Fatalf("body = %s", body)
		}
	}
	if calls != 1 {
		t.Fatalf("compute ran %d times, want 1", calls)
	}
	if backend.ttls[key] != time.Hour {
		t.Fatalf("stored with ttl %v, want aggregate class %v", backend.ttls[key], time.Hour)
	}
}

func TestDoFailsOpenOnBrokenBackend(t *testing.T) {
	c := New(brokenBackend{}, TTLs{Live: time.Minute}, nil)

	body, err := c.Do(context.Background(), Live, "fleetstats:k", func() ([]byte, error) {
		return []byte("fresh"), nil
	})
	if err != nil {
		t.Fatalf("broken backend must not surface errors, got %v", err)
	}
	if string(body) != "fresh" {
		t.Fatalf("body = %s", body)
	}
}

func TestDoPassesThroughComputeErrors(t *testing.T) {
	backend := newMemoryBackend()
	c := New(backend, TTLs{}, nil)

	wantErr := errors.New("db down")
	_, err := c.Do(context.Background(), Live, "fleetstats:k", func() ([]byte, error) {
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want compute error", err)
	}
	if len(backend.data) != 0 {
		t.Fatalf("failed compute must not be cached")
	}
}

func TestNilCacheComputesDirectly(t *testing.T) {
	var c *Cache
	body, err := c.Do(context.Background(), Live, "k", func() ([]byte, error) {
		return []byte("direct"), nil
	})
	if err != nil || string(body) != "direct" {
		t.Fatalf("nil cache: %s, %v", body, err)
	}
}

func TestFlushOnlyTouchesOwnPrefix(t *testing.T) {
	backend := newMemoryBackend()
	backend.data["fleetstats:a"] = []byte("1")
	backend.data["fleetstats:b"] = []byte("2")
	backend.data["otherapp:c"] = []byte("3")

	c := New(backend, TTLs{}, nil)
	n, err := c.Flush(context.Background())
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if n != 2 {
		t.Fatalf("flushed %d keys, want 2", n)
	}
	if _, ok := backend.data["otherapp:c"]; !ok {
		t.Fatalf("flush removed a foreign key")
	}
}
