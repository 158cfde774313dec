package lock

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLock(t *testing.T) (*JobLock, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, time.Minute), mr
}

func TestTryAcquireIsNonBlocking(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLock(t)

	release, ok, err := l.TryAcquire(ctx, "deauthorize-inactive-users")
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}

	// a second holder must be refused immediately, not blocked
	_, ok2, err := l.TryAcquire(ctx, "deauthorize-inactive-users")
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok2 {
		t.Fatalf("held lock handed out twice")
	}

	release()
	_, ok3, err := l.TryAcquire(ctx, "deauthorize-inactive-users")
	if err != nil || !ok3 {
		t.Fatalf("acquire after release: ok=%v err=%v", ok3, err)
	}
}

func TestIndependentLockNames(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLock(t)

	if _, ok, _ := l.TryAcquire(ctx, "job-a"); !ok {
		t.Fatalf("job-a not acquired")
	}
	if _, ok, _ := l.TryAcquire(ctx, "job-b"); !ok {
		t.Fatalf("job-b should be independent of job-a")
	}
}

func TestReleaseIgnoresStolenLock(t *testing.T) {
	ctx := context.Background()
	l, mr := newTestLock(t)

	release, ok, err := l.TryAcquire(ctx, "job")
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	// simulate TTL expiry and reacquisition by another holder
	mr.FastForward(2 * time.Minute)
	_, ok2, err := l.TryAcquire(ctx, "job")
	if err != nil || !ok2 {
		t.Fatalf("reacquire after expiry: ok=%v err=%v", ok2, err)
	}

	// the stale holder's release must not free the new holder's lock
	release()
	if _, ok3, _ := l.TryAcquire(ctx, "job"); ok3 {
		t.Fatalf("stale release freed a lock held by someone else")
	}
}
