package ttlcache

import (
	"testing"
	"time"
)

func TestSetHasExpire(t *testing.T) {
	c := New()
	c.Set("empty:zoneA", 5*time.Millisecond)
	if !c.Has("empty:zoneA") {
		t.Fatal("expected key to be live")
	}
	time.Sleep(10 * time.Millisecond)
	if c.Has("empty:zoneA") {
		t.Fatal("expected key to have expired")
	}
}

func TestSweep(t *testing.T) {
	c := New()
	c.Set("a", time.Millisecond)
	c.Set("b", time.Hour)
	time.Sleep(5 * time.Millisecond)
	if n := c.Sweep(); n != 1 {
		t.Fatalf("expected to sweep 1 expired entry, got %d", n)
	}
	if !c.Has("b") {
		t.Fatal("b should still be live")
	}
}

func TestCountPrefix(t *testing.T) {
	c := New()
	c.Set(BlacklistKey("y.test", "1.2.3.4"), time.Hour)
	c.Set(BlacklistKey("y.test", "1.2.3.5"), time.Hour)
	c.Set(EmptyZoneKey("zoneA"), time.Hour)
	if n := c.CountPrefix(BlacklistPrefix); n != 2 {
		t.Fatalf("expected 2 blacklist entries, got %d", n)
	}
}
