package storage

import (
	"context"
	"testing"
	"time"

	"IMGateway/tools/errs"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLocker(t *testing.T) *RedLocker {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedLocker(rdb)
}

func TestTryLockSingleAttemptWhenContended(t *testing.T) {
	l := newTestLocker(t)
	ctx := context.Background()

	unlock, err := l.TryLock(ctx, "lock:t1", 0, 5*time.Second)
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	defer unlock()

	_, err = l.TryLock(ctx, "lock:t1", 0, 5*time.Second)
	if !errs.ErrLockBusy.Is(err) {
		t.Fatalf("contended TryLock err = %v, want lock busy", err)
	}
}

func TestTryLockWaitsForHolderToRelease(t *testing.T) {
	l := newTestLocker(t)
	ctx := context.Background()

	unlock, err := l.TryLock(ctx, "lock:t2", 0, 5*time.Second)
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	go func() {
		time.Sleep(300 * time.Millisecond)
		unlock()
	}()

	start := time.Now()
	unlock2, err := l.TryLock(ctx, "lock:t2", 2*time.Second, 5*time.Second)
	if err != nil {
		t.Fatalf("waiting TryLock failed after %v: %v", time.Since(start), err)
	}
	defer unlock2()
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Fatalf("lock acquired in %v, holder was not yet released", elapsed)
	}
}

func TestTryLockWaitBudgetExhausted(t *testing.T) {
	l := newTestLocker(t)
	ctx := context.Background()

	unlock, err := l.TryLock(ctx, "lock:t3", 0, 5*time.Second)
	if err != nil {
		t.Fatalf("TryLock: %v", err)
	}
	defer unlock()

	start := time.Now()
	_, err = l.TryLock(ctx, "lock:t3", 400*time.Millisecond, 5*time.Second)
	if !errs.ErrLockBusy.Is(err) {
		t.Fatalf("err = %v, want lock busy", err)
	}
	if elapsed := time.Since(start); elapsed < 300*time.Millisecond {
		t.Fatalf("gave up after %v, wait bound not honored", elapsed)
	}
}
