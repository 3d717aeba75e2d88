package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aixtrade/llmtrigger/internal/kv"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	client := kv.NewFromRedis(rdb, "trigger:", nil)
	return New(client), mr
}

func TestMarkProcessed_FirstTimeTrue(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	ok, err := store.MarkProcessed(ctx, "evt-1")
	if err != nil {
		t.Fatalf("MarkProcessed error: %v", err)
	}
	if !ok {
		t.Fatal("first MarkProcessed should return true")
	}
}

func TestMarkProcessed_DuplicateFalse(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := store.MarkProcessed(ctx, "evt-1"); err != nil {
		t.Fatalf("MarkProcessed error: %v", err)
	}
	ok, err := store.MarkProcessed(ctx, "evt-1")
	if err != nil {
		t.Fatalf("MarkProcessed error: %v", err)
	}
	if ok {
		t.Fatal("duplicate MarkProcessed should return false")
	}
}

func TestMarkProcessed_ExpiresAfterWindow(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	if _, err := store.MarkProcessed(ctx, "evt-1"); err != nil {
		t.Fatalf("MarkProcessed error: %v", err)
	}
	mr.FastForward(Window + time.Second)

	ok, err := store.MarkProcessed(ctx, "evt-1")
	if err != nil {
		t.Fatalf("MarkProcessed error: %v", err)
	}
	if !ok {
		t.Fatal("MarkProcessed after window expiry should return true")
	}
}

func TestMarkProcessed_DistinctEventsIndependent(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	ok1, _ := store.MarkProcessed(ctx, "evt-1")
	ok2, _ := store.MarkProcessed(ctx, "evt-2")
	if !ok1 || !ok2 {
		t.Fatal("distinct event ids should both mark processed")
	}
}
