// internal/cache/redis_test.go
package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestSharedCache(t *testing.T) (*SharedCache, *miniredis.Miniredis) {
	t.Helper()
	srv, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(srv.Close)

	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	sc := newSharedCacheWithClient(client, "test")
	t.Cleanup(func() { sc.Close() })
	return sc, srv
}

func TestSharedCacheRoundTrip(t *testing.T) {
	sc, _ := newTestSharedCache(t)
	ctx := context.Background()

	if err := sc.Set(ctx, "profile:example.org", []byte(`{"strategy":"table"}`), time.Hour); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, err := sc.Get(ctx, "profile:example.org")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != `{"strategy":"table"}` {
		t.Errorf("unexpected value %q", got)
	}
}

func TestSharedCacheMiss(t *testing.T) {
	sc, _ := newTestSharedCache(t)

	_, err := sc.Get(context.Background(), "absent")
	if !errors.Is(err, ErrSharedMiss) {
		t.Fatalf("expected ErrSharedMiss, got %v", err)
	}
}

func TestSharedCacheTTLExpiry(t *testing.T) {
	sc, srv := newTestSharedCache(t)
	ctx := context.Background()

	if err := sc.Set(ctx, "dns:example.org", []byte("ok"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	srv.FastForward(2 * time.Minute)

	if _, err := sc.Get(ctx, "dns:example.org"); !errors.Is(err, ErrSharedMiss) {
		t.Fatalf("expected miss after TTL, got %v", err)
	}
}

func TestSharedCacheInvalidate(t *testing.T) {
	sc, _ := newTestSharedCache(t)
	ctx := context.Background()

	_ = sc.Set(ctx, "k", []byte("v"), time.Hour)
	if err := sc.Invalidate(ctx, "k"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, err := sc.Get(ctx, "k"); !errors.Is(err, ErrSharedMiss) {
		t.Fatalf("expected miss after invalidate, got %v", err)
	}
}
