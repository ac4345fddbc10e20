package queuestore

import (
	"testing"
	"time"
)

func TestEligible(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name string
		d    Delivery
		want bool
	}{
		{"eligible unassigned", Delivery{Assigned: Unassigned, Queued: now.Add(-time.Second)}, true},
		{"eligible same instance", Delivery{Assigned: "i1", Queued: now.Add(-time.Second)}, true},
		{"locked", Delivery{Locked: true, Assigned: Unassigned, Queued: now.Add(-time.Second)}, false},
		{"future queued", Delivery{Assigned: Unassigned, Queued: now.Add(time.Hour)}, false},
		{"assigned elsewhere", Delivery{Assigned: "other", Queued: now.Add(-time.Second)}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.d.Eligible("i1", now); got != c.want {
				t.Fatalf("Eligible() = %v, want %v", got, c.want)
			}
		})
	}
}

func TestLockKey(t *testing.T) {
	if got, want := LockKey("X", "001"), "lock X 001"; got != want {
		t.Fatalf("LockKey() = %q, want %q", got, want)
	}
}
