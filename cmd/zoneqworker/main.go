// zoneqworker is a worker process: it dials a zoneqd master over the
// control-plane RPC protocol, and for one or more sending zones runs the
// GET/resolve/dial/report loop internal/workersim implements (spec.md
// §4.13, §5). It reads the same YAML configuration as the master, using
// only the Zones/DNS sections, so a deployment's pool and zone layout
// stays in one place.
//
// The worker's actual SMTP client conversation (EHLO/MAIL/RCPT/DATA) is
// out of scope for this core (spec.md §1); see bannerSender below for
// what stands in for it here.
//
// Grounded on the teacher's chasquid.go bootstrap shape (flag-based
// config, SIGHUP log reopen) combined with cmd/smtp-check's style of
// dialing a resolved MX and inspecting what comes back.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/chasquid-relay/zoneq/internal/config"
	"github.com/chasquid-relay/zoneq/internal/dialer"
	"github.com/chasquid-relay/zoneq/internal/log"
	"github.com/chasquid-relay/zoneq/internal/pool"
	"github.com/chasquid-relay/zoneq/internal/resolver"
	"github.com/chasquid-relay/zoneq/internal/rpc"
	"github.com/chasquid-relay/zoneq/internal/ttlcache"
	"github.com/chasquid-relay/zoneq/internal/workersim"
)

var (
	configPath   = flag.String("config", "/etc/zoneqd/config.yaml", "configuration file path")
	masterAddr   = flag.String("master", "", "zoneqd RPC address (defaults to the config's rpcListenAddr)")
	instanceID   = flag.String("instance_id", "", "worker instance id reported in HELLO (defaults to hostname:pid)")
	destPort     = flag.Int("dest_port", 25, "remote SMTP port to dial")
	onlyZoneFlag = flag.String("zone", "", "run only this zone instead of all configured zones")
)

func main() {
	flag.Parse()

	conf, err := config.Load(*configPath, "")
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	addr := *masterAddr
	if addr == "" {
		addr = conf.RPCListenAddr
	}

	id := *instanceID
	if id == "" {
		host, _ := os.Hostname()
		id = fmt.Sprintf("%s:%d", host, os.Getpid())
	}

	zones := conf.Zones
	if *onlyZoneFlag != "" {
		z, ok := conf.Zones[*onlyZoneFlag]
		if !ok {
			log.Fatalf("zone %q not found in config", *onlyZoneFlag)
		}
		zones = map[string]*config.Zone{*onlyZoneFlag: z}
	}
	if len(zones) == 0 {
		log.Fatalf("no sending zones configured")
	}

	ctx, cancel := context.WithCancel(context.Background())
	go signalHandler(cancel)

	// blacklist is shared across every zone's resolver/worker pair: a
	// (domain, IP) back-off recorded while delivering one zone's mail
	// should also hold off the other zones, since it's the same
	// destination misbehaving (spec.md §3).
	blacklist := ttlcache.New()

	var wg sync.WaitGroup
	for name, z := range zones {
		client, err := rpc.Dial(addr)
		if err != nil {
			log.Fatalf("connecting to master at %s: %v", addr, err)
		}

		res := resolver.New(conf.Nameservers, conf.IgnoreIPv6 || z.IgnoreIPv6)
		res.ExtraFilter = func(domain string, ip net.IP) bool {
			return blacklist.Has(ttlcache.BlacklistKey(domain, ip.String()))
		}

		w := &workersim.Worker{
			Client:     client,
			Zone:       name,
			InstanceID: id,
			Resolver:   res,
			Dialer: &dialer.Dialer{
				Port:       *destPort,
				PreferIPv6: conf.PreferIPv6,
				Pool4:      pool.Expand(z.PoolV4, false),
				Pool6:      pool.Expand(z.PoolV6, true),
			},
			Sender:    &bannerSender{},
			DestPort:  *destPort,
			Blacklist: blacklist,
		}

		if err := w.Hello(ctx); err != nil {
			log.Fatalf("HELLO to master for zone %q: %v", name, err)
		}

		connections := z.Connections
		if connections <= 0 {
			connections = 1
		}
		log.Infof("zoneqworker: zone %q running %d concurrent session(s) against %s", name, connections, addr)

		for i := 0; i < connections; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				w.RunOne(ctx)
			}()
		}
	}

	wg.Wait()
}

func signalHandler(cancel context.CancelFunc) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	for sig := range signals {
		switch sig {
		case syscall.SIGHUP:
			if err := log.Default.Reopen(); err != nil {
				log.Errorf("reopening log: %v", err)
			}
		case syscall.SIGINT, syscall.SIGTERM:
			log.Infof("shutting down on %s", sig)
			cancel()
			return
		}
	}
}

// bannerSender is a minimal placeholder for the worker's SMTP client,
// which spec.md §1 puts out of scope for this core: it opens no MAIL/RCPT
// transaction, only reads the remote's initial greeting line and
// classifies the delivery by the greeting's reply code. This is enough to
// exercise the full GET/resolve/dial/report loop end to end against a
// real listener; a production deployment replaces bannerSender with a
// workersim.Sender that drives an actual SMTP conversation.
type bannerSender struct{}

const bannerTimeout = 30 * time.Second

func (bannerSender) Send(ctx context.Context, a *workersim.Attempt) (workersim.Outcome, string, error) {
	conn := a.Conn.Conn
	conn.SetReadDeadline(time.Now().Add(bannerTimeout))

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return workersim.TemporaryFailure, "421 4.4.2 connection dropped before greeting", nil
	}

	if len(line) < 3 {
		return workersim.TemporaryFailure, "421 4.4.2 malformed greeting", nil
	}
	code, err := strconv.Atoi(line[:3])
	if err != nil {
		return workersim.TemporaryFailure, "421 4.4.2 malformed greeting", nil
	}

	switch {
	case code >= 200 && code < 400:
		return workersim.Accepted, "250 2.0.0 accepted by " + a.Delivery.Domain, nil
	case code >= 500:
		return workersim.PermanentFailure, line, nil
	default:
		return workersim.TemporaryFailure, line, nil
	}
}
