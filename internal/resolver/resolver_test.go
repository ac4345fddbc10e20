package resolver

import (
	"net"
	"sort"
	"testing"
)

func TestIsInvalid(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1":  true,
		"0.0.0.0":    true,
		"224.0.0.1":  true,
		"169.254.1.1": true,
		"8.8.8.8":    false,
		"2001:4860:4860::8888": false,
	}
	for addr, want := range cases {
		ip := net.ParseIP(addr)
		if got := IsInvalid(ip); got != want {
			t.Errorf("IsInvalid(%s) = %v, want %v", addr, got, want)
		}
	}
}

func TestMXPrioritySort(t *testing.T) {
	mxs := []mxRecord{
		{host: "b.example.test", priority: 20},
		{host: "a.example.test", priority: 10},
		{host: "c.example.test", priority: 10},
	}
	sort.Slice(mxs, func(i, j int) bool { return mxs[i].priority < mxs[j].priority })

	if mxs[0].priority != 10 || mxs[2].priority != 20 {
		t.Fatalf("expected ascending priority order, got %+v", mxs)
	}
}

func TestLiteralIPShortCircuits(t *testing.T) {
	r := New(nil, false)
	cands, err := r.Resolve("203.0.113.5")
	if err != nil {
		t.Fatal(err)
	}
	if len(cands) != 1 || !cands[0].IsMX || !cands[0].LiteralIP || cands[0].Priority != 0 {
		t.Fatalf("expected single synthesized literal-IP MX candidate, got %+v", cands)
	}
}
