package dialer

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/chasquid-relay/zoneq/internal/mtaerr"
	"github.com/chasquid-relay/zoneq/internal/resolver"
)

func TestDialSucceedsOnListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	d := &Dialer{Port: port}

	res, err := d.Dial(context.Background(), []resolver.Candidate{
		{Hostname: "localhost", Priority: 0, Host: net.ParseIP("127.0.0.1"), IsMX: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer res.Conn.Close()
	if res.Hostname != "localhost" {
		t.Fatalf("expected matching hostname, got %q", res.Hostname)
	}
}

func TestDialExhaustsCandidatesReturnsTemporaryForMX(t *testing.T) {
	d := &Dialer{Port: 1} // nothing listens on port 1
	_, err := d.Dial(context.Background(), []resolver.Candidate{
		{Hostname: "mx.example.test", Priority: 0, Host: net.ParseIP("127.0.0.1"), IsMX: true},
	})
	if err == nil {
		t.Fatal("expected dial failure")
	}
	if mtaerr.IsPermanent(err) || mtaerr.Code(err) != "450" {
		t.Fatalf("expected a temporary 450 failure for an MX destination, got %v", err)
	}
}

func TestDialExhaustsCandidatesReturnsPermanentForLiteralIP(t *testing.T) {
	d := &Dialer{Port: 1} // nothing listens on port 1
	_, err := d.Dial(context.Background(), []resolver.Candidate{
		// Mirrors what internal/resolver.Resolve synthesizes for a literal
		// IP destination: IsMX is also set (spec.md §4.11 step 1), so the
		// permanent classification must come from LiteralIP, not from
		// anyMX being false.
		{Hostname: "203.0.113.1", Priority: 0, Host: net.ParseIP("203.0.113.1"), IsMX: true, LiteralIP: true},
	})
	if err == nil {
		t.Fatal("expected dial failure")
	}
	if !mtaerr.IsPermanent(err) {
		t.Fatalf("expected a permanent failure for a literal-IP destination, got %v", err)
	}
}

func TestMaxCandidatesCap(t *testing.T) {
	var cands []resolver.Candidate
	for i := 0; i < 30; i++ {
		cands = append(cands, resolver.Candidate{Hostname: "x", Host: net.ParseIP("127.0.0.1"), IsMX: true})
	}
	attempts := 0
	d := &Dialer{Port: 1, Connect: func(ctx context.Context, host net.IP, port int, localAddr net.IP) (net.Conn, error) {
		attempts++
		return nil, errors.New("refused")
	}}
	_, _ = d.Dial(context.Background(), cands)
	if attempts != MaxCandidates {
		t.Fatalf("expected %d dial attempts for %d candidates, got %d", MaxCandidates, len(cands), attempts)
	}
}
