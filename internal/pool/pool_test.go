package pool

import (
	"fmt"
	"math"
	"testing"

	"github.com/chasquid-relay/zoneq/internal/config"
)

func TestSelectDeterministic(t *testing.T) {
	p := Expand([]config.PoolEntry{
		{Address: "10.0.0.1", Name: "a"},
		{Address: "10.0.0.2", Name: "b"},
	}, false)

	key := SelectionKey("y.test", "bob@y.test")
	first := p.Select(key)
	for i := 0; i < 10; i++ {
		if got := p.Select(key); got != first {
			t.Fatalf("selection for the same key changed: %v vs %v", got, first)
		}
	}
}

func TestEmptyPoolUsesWildcard(t *testing.T) {
	p := Expand(nil, false)
	if got := p.Select("anything"); got.Address != "0.0.0.0" {
		t.Fatalf("expected IPv4 wildcard, got %q", got.Address)
	}

	p6 := Expand(nil, true)
	if got := p6.Select("anything"); got.Address != "::" {
		t.Fatalf("expected IPv6 wildcard, got %q", got.Address)
	}
}

func TestWarmUpDistribution(t *testing.T) {
	p := Expand([]config.PoolEntry{
		{Address: "10.0.0.1", Name: "warm", Ratio: 0.1},
		{Address: "10.0.0.2", Name: "cold"},
	}, false)

	const n = 20000
	counts := map[string]int{}
	for i := 0; i < n; i++ {
		e := p.Select(fmt.Sprintf("key-%d", i))
		counts[e.Address]++
	}

	got := float64(counts["10.0.0.1"]) / n
	want := 0.1
	tolerance := 1 / math.Sqrt(n)
	if math.Abs(got-want) > tolerance+0.02 {
		t.Fatalf("warm entry share = %.4f, want %.4f +/- %.4f", got, want, tolerance)
	}
}
