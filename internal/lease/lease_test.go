package lease

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisLockExclusive(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()
	locker := NewRedisLocker(client, "test", time.Minute)

	first := locker.NewLock("a@example.com")
	second := locker.NewLock("a@example.com")

	ok, err := first.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("first.Acquire() = %v, %v; want true, nil", ok, err)
	}

	ok, err = second.Acquire(ctx)
	if err != nil {
		t.Fatalf("second.Acquire() error = %v", err)
	}
	if ok {
		t.Error("second.Acquire() = true while first holds the lease")
	}

	other := locker.NewLock("b@example.com")
	if ok, _ := other.Acquire(ctx); !ok {
		t.Error("Acquire() on a different key = false, want true")
	}

	if err := first.Release(ctx); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if ok, _ := second.Acquire(ctx); !ok {
		t.Error("second.Acquire() after release = false, want true")
	}
}

func TestRedisLockReleaseNotOwned(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	locker := NewRedisLocker(client, "test", time.Minute)

	first := locker.NewLock("a@example.com")
	second := locker.NewLock("a@example.com")

	if ok, _ := first.Acquire(ctx); !ok {
		t.Fatal("first.Acquire() = false")
	}
	if err := second.Release(ctx); err != nil {
		t.Fatalf("second.Release() error = %v", err)
	}
	if !mr.Exists("test:a@example.com") {
		t.Error("lease removed by a lock that did not own it")
	}
}

func TestRedisLockExpiry(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	locker := NewRedisLocker(client, "test", time.Minute)

	first := locker.NewLock("a@example.com")
	if ok, _ := first.Acquire(ctx); !ok {
		t.Fatal("first.Acquire() = false")
	}

	mr.FastForward(2 * time.Minute)

	second := locker.NewLock("a@example.com")
	if ok, _ := second.Acquire(ctx); !ok {
		t.Error("Acquire() after TTL = false, want true")
	}

	if err := first.Extend(ctx); !errors.Is(err, ErrLost) {
		t.Errorf("Extend() on a taken lease error = %v, want ErrLost", err)
	}
	if err := second.Extend(ctx); err != nil {
		t.Errorf("Extend() error = %v", err)
	}
}

func TestRedisLockExtendKeepsLease(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	locker := NewRedisLocker(client, "test", time.Minute)

	holder := locker.NewLock("a@example.com")
	if ok, _ := holder.Acquire(ctx); !ok {
		t.Fatal("Acquire() = false")
	}

	// renewing every 40s keeps a 1m lease alive for 4m
	for i := 0; i < 6; i++ {
		mr.FastForward(40 * time.Second)
		if err := holder.Extend(ctx); err != nil {
			t.Fatalf("Extend() #%d error = %v", i, err)
		}
	}

	if ok, _ := locker.NewLock("a@example.com").Acquire(ctx); ok {
		t.Error("Acquire() succeeded on a renewed lease")
	}

	holder.Release(ctx)
	if err := holder.Extend(ctx); !errors.Is(err, ErrLost) {
		t.Errorf("Extend() after release error = %v, want ErrLost", err)
	}
}

func TestLocalLockExclusive(t *testing.T) {
	ctx := context.Background()
	locker := NewLocalLocker(time.Minute)

	first := locker.NewLock("a@example.com")
	second := locker.NewLock("a@example.com")

	if ok, _ := first.Acquire(ctx); !ok {
		t.Fatal("first.Acquire() = false")
	}
	if ok, _ := second.Acquire(ctx); ok {
		t.Error("second.Acquire() = true while first holds the lease")
	}
	if !locker.Held("a@example.com") {
		t.Error("Held() = false, want true")
	}

	second.Release(ctx)
	if !locker.Held("a@example.com") {
		t.Error("lease released by a lock that did not own it")
	}

	first.Release(ctx)
	if ok, _ := second.Acquire(ctx); !ok {
		t.Error("second.Acquire() after release = false, want true")
	}
}

func TestLocalLockExpiry(t *testing.T) {
	ctx := context.Background()
	locker := NewLocalLocker(time.Minute)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	locker.nowFn = func() time.Time { return now }

	if ok, _ := locker.NewLock("k").Acquire(ctx); !ok {
		t.Fatal("Acquire() = false")
	}

	now = now.Add(2 * time.Minute)
	if locker.Held("k") {
		t.Error("Held() after TTL = true, want false")
	}
	if ok, _ := locker.NewLock("k").Acquire(ctx); !ok {
		t.Error("Acquire() after TTL = false, want true")
	}
}

func TestLocalLockExtend(t *testing.T) {
	ctx := context.Background()
	locker := NewLocalLocker(time.Minute)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	locker.nowFn = func() time.Time { return now }

	holder := locker.NewLock("k")
	if ok, _ := holder.Acquire(ctx); !ok {
		t.Fatal("Acquire() = false")
	}

	for i := 0; i < 5; i++ {
		now = now.Add(40 * time.Second)
		if err := holder.Extend(ctx); err != nil {
			t.Fatalf("Extend() #%d error = %v", i, err)
		}
	}
	if ok, _ := locker.NewLock("k").Acquire(ctx); ok {
		t.Error("Acquire() succeeded on a renewed lease")
	}

	// expired and taken over: the old holder must notice
	now = now.Add(2 * time.Minute)
	other := locker.NewLock("k")
	if ok, _ := other.Acquire(ctx); !ok {
		t.Fatal("other.Acquire() after TTL = false")
	}
	if err := holder.Extend(ctx); !errors.Is(err, ErrLost) {
		t.Errorf("Extend() after takeover error = %v, want ErrLost", err)
	}

	// taken over and released: still lost
	other.Release(ctx)
	if err := holder.Extend(ctx); !errors.Is(err, ErrLost) {
		t.Errorf("Extend() after takeover and release error = %v, want ErrLost", err)
	}
}
