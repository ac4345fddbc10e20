// zoneqd is the master process of the outbound delivery queue: it owns
// the durable store, the routing/scheduling logic, the maintenance loop,
// and the control-plane RPC server worker processes (cmd/zoneqworker)
// connect to for GET/RELEASE/DEFER/BOUNCE. It does not speak SMTP itself
// and does not expose an HTTP admin/metrics API (spec.md §1); operators
// use cmd/zoneqctl for local submission and inspection.
//
// Grounded on the teacher's chasquid.go: flag-based config dir, a
// background SIGHUP handler that reopens log files, and maillog setup
// driven by a "<stderr>"/"<syslog>"/path config value.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/chasquid-relay/zoneq/internal/bounce"
	"github.com/chasquid-relay/zoneq/internal/config"
	"github.com/chasquid-relay/zoneq/internal/gc"
	"github.com/chasquid-relay/zoneq/internal/hooks"
	"github.com/chasquid-relay/zoneq/internal/ids"
	"github.com/chasquid-relay/zoneq/internal/locktable"
	"github.com/chasquid-relay/zoneq/internal/log"
	"github.com/chasquid-relay/zoneq/internal/maillog"
	"github.com/chasquid-relay/zoneq/internal/metrics"
	"github.com/chasquid-relay/zoneq/internal/queuestore"
	"github.com/chasquid-relay/zoneq/internal/router"
	"github.com/chasquid-relay/zoneq/internal/rpc"
	"github.com/chasquid-relay/zoneq/internal/scheduler"
	"github.com/chasquid-relay/zoneq/internal/suppression"
	"github.com/chasquid-relay/zoneq/internal/ttlcache"
	"github.com/chasquid-relay/zoneq/internal/zone"

	"github.com/chasquid-relay/zoneq/internal/blobstore"
)

var (
	configPath      = flag.String("config", "/etc/zoneqd/config.yaml", "configuration file path")
	configOverrides = flag.String("config_overrides", "", "override configuration values (YAML)")
)

func main() {
	flag.Parse()

	conf, err := config.Load(*configPath, *configOverrides)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	config.LogConfig(conf)
	initMailLog(conf.MailLogPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queueDB := mustConnect(ctx, conf.QueueStoreURI, conf.QueueStoreDB)
	blobDB := queueDB
	if conf.BlobStoreURI != conf.QueueStoreURI || conf.BlobStoreDB != conf.QueueStoreDB {
		blobDB = mustConnect(ctx, conf.BlobStoreURI, conf.BlobStoreDB)
	}

	store := queuestore.NewMongo(queueDB)
	if err := store.EnsureIndexes(ctx); err != nil {
		log.Fatalf("creating queue indexes: %v", err)
	}
	blobs, err := blobstore.New(blobDB)
	if err != nil {
		log.Fatalf("opening blob store: %v", err)
	}
	suppress := suppression.Checker(suppression.NewMongo(queueDB))

	zones := zone.New(conf)
	locks := locktable.New()
	empty := ttlcache.New()
	mtx := metrics.New()
	idGen := ids.New()

	rt := router.New(zones, store, hooks.NoopRouter{}, maillogObserver{}, mtx)

	bouncer := &bounce.Generator{
		Store:     store,
		Blobs:     blobs,
		Push:      &routerPusher{rt},
		IDs:       idGen,
		OurDomain: conf.Hostname,
	}

	sched := &scheduler.Scheduler{
		Store:       store,
		Blobs:       blobs,
		Locks:       locks,
		Empty:       empty,
		Zones:       zones,
		Suppression: suppress,
		Metrics:     mtx,
		InstanceID:  conf.InstanceID,
	}

	if !conf.DisableGC {
		loop := &gc.Loop{
			Store:         store,
			Blobs:         blobs,
			Locks:         locks,
			Empty:         empty,
			Metrics:       mtx,
			InstanceID:    conf.InstanceID,
			LockTTL:       conf.LockTTL,
			MaxQueueTime:  conf.MaxQueueTime,
			SweepInterval: conf.LockSweep,
		}
		go loop.Run(ctx)
	}

	srv := newRPCServer(store, blobs, sched, bouncer, locks, mtx)

	addr, err := srv.Listen(conf.RPCListenAddr)
	if err != nil {
		log.Fatalf("listening on %s: %v", conf.RPCListenAddr, err)
	}
	maillog.Listening(addr)
	log.Infof("zoneqd listening on %s", addr)

	go signalHandler(cancel, srv)

	if err := srv.Serve(); err != nil {
		log.Infof("rpc server stopped: %v", err)
	}
}

func mustConnect(ctx context.Context, uri, dbName string) *mongo.Database {
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(cctx, options.Client().ApplyURI(uri))
	if err != nil {
		log.Fatalf("connecting to %q: %v", uri, err)
	}
	if err := client.Ping(cctx, nil); err != nil {
		log.Fatalf("pinging %q: %v", uri, err)
	}
	return client.Database(dbName)
}

func initMailLog(path string) {
	var err error
	switch path {
	case "", "<stderr>":
		maillog.Default = maillog.New(os.Stderr)
	case "<stdout>":
		maillog.Default = maillog.New(os.Stdout)
	case "<syslog>":
		maillog.Default, err = maillog.NewSyslog()
	default:
		var f *os.File
		f, err = os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err == nil {
			maillog.Default = maillog.New(f)
		}
	}
	if err != nil {
		log.Fatalf("setting up mail log at %q: %v", path, err)
	}
}

// signalHandler mirrors the teacher's SIGHUP log-reopen handler, plus a
// graceful stop on SIGINT/SIGTERM.
func signalHandler(cancel context.CancelFunc, srv *rpc.Server) {
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
			srv.Close()
			return
		}
	}
}

// routerPusher adapts router.Router to the narrow bounce.Pusher interface
// so internal/bounce has no import-cycle-prone dependency on
// internal/router's concrete Envelope type.
type routerPusher struct {
	r *router.Router
}

func (p *routerPusher) Push(ctx context.Context, env bounce.PushEnvelope) error {
	_, err := p.r.Push(ctx, router.Envelope{
		MessageID: env.MessageID,
		From:      env.From,
		To:        env.To,
		Headers:   env.Headers,
	})
	return err
}

// maillogObserver adapts hooks.Observer to maillog.Queued.
type maillogObserver struct{}

func (maillogObserver) OnQueued(s hooks.QueuedSummary) {
	maillog.Queued(s.ID, "", []string{s.Recipient})
}

// parseLock splits a "lock <id> <seq>" key, per spec.md §9.
func parseLock(lock string) (id, seq string, err error) {
	parts := strings.Fields(lock)
	if len(parts) != 3 || parts[0] != "lock" {
		return "", "", fmt.Errorf("malformed lock key %q", lock)
	}
	return parts[1], parts[2], nil
}
