package utils

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

func newTestLocker(t *testing.T) (*miniredis.Miniredis, *redislock.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, redislock.New(client)
}

func TestImportLockKey(t *testing.T) {
	if got := ImportLockKey("biz-1", "line_items", "legacy.xlsx"); got != "import:biz-1:line_items:legacy.xlsx" {
		t.Fatalf("ImportLockKey=%q", got)
	}
}

func TestObtainImportLock_SecondCallerIsRejected(t *testing.T) {
	_, locker := newTestLocker(t)
	ctx := context.Background()
	key := ImportLockKey("biz-1", "purchase_orders", "src")

	first, err := ObtainImportLock(ctx, locker, key, 3*time.Second)
	if err != nil {
		t.Fatalf("first obtain: %v", err)
	}
	if _, err := ObtainImportLock(ctx, locker, key, 3*time.Second); !errors.Is(err, ErrImportInProgress) {
		t.Fatalf("expected ErrImportInProgress, got %v", err)
	}

	// Different source is independent.
	other, err := ObtainImportLock(ctx, locker, ImportLockKey("biz-1", "purchase_orders", "other"), 3*time.Second)
	if err != nil {
		t.Fatalf("obtain other source: %v", err)
	}
	_ = other.Release(ctx)

	if err := first.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := first.Release(ctx); err != nil {
		t.Fatalf("second release must be a no-op: %v", err)
	}
	again, err := ObtainImportLock(ctx, locker, key, 3*time.Second)
	if err != nil {
		t.Fatalf("obtain after release: %v", err)
	}
	_ = again.Release(ctx)
}

func TestObtainImportLock_NilLocker(t *testing.T) {
	if _, err := ObtainImportLock(context.Background(), nil, "k", time.Second); err == nil {
		t.Fatalf("expected error for nil locker")
	}
}

func TestImportLock_ExpiresWithoutRefreshAfterRelease(t *testing.T) {
	mr, locker := newTestLocker(t)
	ctx := context.Background()
	l, err := ObtainImportLock(ctx, locker, "import:b:c:s", 2*time.Second)
	if err != nil {
		t.Fatalf("obtain: %v", err)
	}
	if !mr.Exists("import:b:c:s") {
		t.Fatalf("lock key missing in redis")
	}
	if err := l.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if mr.Exists("import:b:c:s") {
		t.Fatalf("lock key still present after release")
	}
}

func TestImportLock_LostWhenKeyDisappears(t *testing.T) {
	mr, locker := newTestLocker(t)
	ctx := context.Background()
	key := ImportLockKey("biz-1", "purchase_orders", "src")
	l, err := ObtainImportLock(ctx, locker, key, 600*time.Millisecond)
	if err != nil {
		t.Fatalf("obtain: %v", err)
	}
	select {
	case <-l.Lost():
		t.Fatalf("lock reported lost while held")
	default:
	}

	mr.Del(key)
	select {
	case <-l.Lost():
	case <-time.After(3 * time.Second):
		t.Fatalf("lock not reported lost after its key was deleted")
	}
	if err := l.Release(ctx); err != nil {
		t.Fatalf("release after loss: %v", err)
	}
}
