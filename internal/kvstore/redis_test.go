package kvstore

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	server := miniredis.RunT(t)
	store, err := NewRedisStore(RedisStoreOptions{
		Client: redis.NewClient(&redis.Options{Addr: server.Addr()}),
	})
	if err != nil {
		t.Fatalf("new redis store failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRedisStoreRoundTrip(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	if _, ok, err := store.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected miss for absent key, got ok=%v err=%v", ok, err)
	}
	if err := store.Set(ctx, "token", "abc123"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	value, ok, err := store.Get(ctx, "token")
	if err != nil || !ok || value != "abc123" {
		t.Fatalf("expected stored value, got %q ok=%v err=%v", value, ok, err)
	}
	if err := store.Delete(ctx, "token"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "token"); ok {
		t.Fatalf("expected key to be gone after delete")
	}
}

func TestRedisStoreNamespacesKeys(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	store, err := NewRedisStore(RedisStoreOptions{Client: client, KeyPrefix: "tabA:"})
	if err != nil {
		t.Fatalf("new redis store failed: %v", err)
	}
	defer func() { _ = store.Close() }()

	if err := store.Set(context.Background(), "pending", "[]"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if !server.Exists("tabA:pending") {
		t.Fatalf("expected prefixed key in redis, keys: %v", server.Keys())
	}
}
