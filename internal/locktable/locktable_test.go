package locktable

import (
	"testing"
	"time"
)

func TestLockReleaseIdempotent(t *testing.T) {
	lt := New()
	if !lt.Lock("k1", "z", "d.com", "w1", 2, time.Minute) {
		t.Fatal("expected first lock to succeed")
	}
	lt.Release("k1")
	lt.Release("k1") // idempotent, must not panic
	if lt.Len() != 0 {
		t.Fatalf("expected 0 locks held, got %d", lt.Len())
	}
}

func TestMaxConnections(t *testing.T) {
	lt := New()
	if !lt.Lock("k1", "z", "d.com", "w1", 2, time.Minute) {
		t.Fatal("lock 1 should succeed")
	}
	if !lt.Lock("k2", "z", "d.com", "w1", 2, time.Minute) {
		t.Fatal("lock 2 should succeed")
	}
	if lt.Lock("k3", "z", "d.com", "w1", 2, time.Minute) {
		t.Fatal("lock 3 should fail: domain saturated")
	}

	skip := lt.ListSkipDomains("z")
	if len(skip) != 1 || skip[0] != "d.com" {
		t.Fatalf("expected d.com in skip set, got %v", skip)
	}

	lt.Release("k1")
	if lt.Lock("k3", "z", "d.com", "w1", 2, time.Minute) != true {
		t.Fatal("lock 3 should succeed after release")
	}
}

func TestReleaseLockOwner(t *testing.T) {
	lt := New()
	lt.Lock("k1", "z", "d.com", "w1", 5, time.Minute)
	lt.Lock("k2", "z", "d.com", "w1", 5, time.Minute)
	lt.Lock("k3", "z", "d.com", "w2", 5, time.Minute)

	lt.ReleaseLockOwner("w1")
	if lt.Len() != 1 {
		t.Fatalf("expected 1 lock remaining after releasing w1, got %d", lt.Len())
	}
}

func TestExpiry(t *testing.T) {
	lt := New()
	if !lt.Lock("k1", "z", "d.com", "w1", 1, time.Millisecond) {
		t.Fatal("lock should succeed")
	}
	time.Sleep(5 * time.Millisecond)
	if !lt.Lock("k2", "z", "d.com", "w1", 1, time.Minute) {
		t.Fatal("expired lock should not block a new one under the cap")
	}
}
