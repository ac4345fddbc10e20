// zoneqctl is the operator CLI for the queue core: local message
// submission, queue inspection, and a pointer to how config/log reload
// works. It has no RPC command of its own for these — spec.md §1 puts an
// HTTP admin API out of scope, so zoneqctl talks to the same durable
// store (internal/queuestore, internal/blobstore) the master uses
// directly, the way the teacher's chasquid-util inspects chasquid's
// on-disk queue directly rather than through a daemon API.
//
// Grounded on the teacher's cmd/chasquid-util (direct storage access,
// subcommand-per-operation CLI) and themadorg-madmail's internal/cli/ctl
// (urfave/cli/v2 command/subcommand layout).
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/mail"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/chasquid-relay/zoneq/internal/blobstore"
	"github.com/chasquid-relay/zoneq/internal/config"
	"github.com/chasquid-relay/zoneq/internal/hooks"
	"github.com/chasquid-relay/zoneq/internal/ids"
	"github.com/chasquid-relay/zoneq/internal/metrics"
	"github.com/chasquid-relay/zoneq/internal/queuestore"
	"github.com/chasquid-relay/zoneq/internal/router"
	"github.com/chasquid-relay/zoneq/internal/zone"
)

func main() {
	app := &cli.App{
		Name:  "zoneqctl",
		Usage: "inspect and submit to the outbound delivery queue",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Value: "/etc/zoneqd/config.yaml",
				Usage: "configuration file path",
			},
		},
		Commands: []*cli.Command{
			sendCommand,
			queueStatsCommand,
			reloadCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "zoneqctl:", err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	return config.Load(c.String("config"), "")
}

func connect(ctx context.Context, uri, dbName string) (*mongo.Database, func(context.Context) error, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to %q: %w", uri, err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, nil, fmt.Errorf("pinging %q: %w", uri, err)
	}
	return client.Database(dbName), client.Disconnect, nil
}

var sendCommand = &cli.Command{
	Name:      "send",
	Usage:     "submit a local RFC 5322 message to the queue",
	ArgsUsage: "[message-file]",
	Description: "Reads a message from message-file (or stdin if omitted), parsed as\n" +
		"an RFC 5322 message whose headers supply From/To unless overridden.",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "from", Usage: "envelope sender (defaults to the message's From header)"},
		&cli.StringSliceFlag{Name: "to", Usage: "envelope recipient, repeatable (defaults to the message's To header)"},
		&cli.StringFlag{Name: "zone", Usage: "explicit sending zone, bypassing routing"},
	},
	Action: func(c *cli.Context) error {
		conf, err := loadConfig(c)
		if err != nil {
			return err
		}

		var r io.Reader = os.Stdin
		if c.Args().Len() > 0 {
			f, err := os.Open(c.Args().First())
			if err != nil {
				return err
			}
			defer f.Close()
			r = f
		}

		raw, err := io.ReadAll(r)
		if err != nil {
			return fmt.Errorf("reading message: %w", err)
		}

		msg, err := mail.ReadMessage(strings.NewReader(string(raw)))
		if err != nil {
			return fmt.Errorf("parsing message: %w", err)
		}

		from := c.String("from")
		if from == "" {
			from = msg.Header.Get("From")
		}
		to := c.StringSlice("to")
		if len(to) == 0 {
			if hdr := msg.Header.Get("To"); hdr != "" {
				to = strings.Split(hdr, ",")
				for i := range to {
					to[i] = strings.TrimSpace(to[i])
				}
			}
		}
		if from == "" || len(to) == 0 {
			return cli.Exit("Error: a From and at least one To are required (flags, or message headers)", 2)
		}

		ctx := context.Background()
		db, disconnect, err := connect(ctx, conf.QueueStoreURI, conf.QueueStoreDB)
		if err != nil {
			return err
		}
		defer disconnect(ctx)

		blobDB := db
		if conf.BlobStoreURI != conf.QueueStoreURI || conf.BlobStoreDB != conf.QueueStoreDB {
			var disconnectBlob func(context.Context) error
			blobDB, disconnectBlob, err = connect(ctx, conf.BlobStoreURI, conf.BlobStoreDB)
			if err != nil {
				return err
			}
			defer disconnectBlob(ctx)
		}

		store := queuestore.NewMongo(db)
		blobs, err := blobstore.New(blobDB)
		if err != nil {
			return fmt.Errorf("opening blob store: %w", err)
		}
		zones := zone.New(conf)
		rt := router.New(zones, store, hooks.NoopRouter{}, hooks.NoopObserver{}, metrics.New())

		id := ids.New().Get()
		headers := map[string]string{}
		for k := range msg.Header {
			headers[k] = msg.Header.Get(k)
		}
		meta := &blobstore.BodyMeta{
			Created:      time.Now(),
			Headers:      headers,
			EnvelopeFrom: from,
			EnvelopeTo:   to,
			Size:         int64(len(raw)),
		}
		if err := blobs.StoreBody(ctx, id, strings.NewReader(string(raw)), meta); err != nil {
			return fmt.Errorf("storing message body: %w", err)
		}

		env := router.Envelope{
			MessageID:   id,
			From:        from,
			To:          to,
			SendingZone: c.String("zone"),
		}
		rows, err := rt.Push(ctx, env)
		if err != nil {
			return fmt.Errorf("queueing message: %w", err)
		}

		fmt.Printf("queued %s as %d delivery row(s):\n", id, len(rows))
		for _, row := range rows {
			fmt.Printf("  %s.%s -> %s (zone %s)\n", row.ID, row.Seq, row.Recipient, row.SendingZone)
		}
		return nil
	},
}

var queueStatsCommand = &cli.Command{
	Name:  "stats",
	Usage: "print queued/deferred delivery counts",
	Action: func(c *cli.Context) error {
		conf, err := loadConfig(c)
		if err != nil {
			return err
		}

		ctx := context.Background()
		db, disconnect, err := connect(ctx, conf.QueueStoreURI, conf.QueueStoreDB)
		if err != nil {
			return err
		}
		defer disconnect(ctx)

		store := queuestore.NewMongo(db)
		now := time.Now()
		queued, err := store.CountQueued(ctx, now)
		if err != nil {
			return fmt.Errorf("counting queued rows: %w", err)
		}
		deferred, err := store.CountDeferred(ctx, now)
		if err != nil {
			return fmt.Errorf("counting deferred rows: %w", err)
		}

		fmt.Printf("queued (ready now):  %d\n", queued)
		fmt.Printf("deferred (waiting):  %d\n", deferred)
		fmt.Printf("total:               %d\n", queued+deferred)
		return nil
	},
}

var reloadCommand = &cli.Command{
	Name:  "reload",
	Usage: "explain how to reload zoneqd's configuration",
	Action: func(c *cli.Context) error {
		w := bufio.NewWriter(os.Stdout)
		defer w.Flush()
		fmt.Fprintln(w, "zoneqd has no live config-reload RPC (no HTTP admin API, spec.md §1).")
		fmt.Fprintln(w, "SIGHUP makes zoneqd reopen its internal log only when that log is")
		fmt.Fprintln(w, "file-backed; zoneqd logs to stderr, so SIGHUP has no effect, and the")
		fmt.Fprintln(w, "mail log is never reopened. Picking up changed zones/pools/thresholds")
		fmt.Fprintln(w, "needs a process restart.")
		return nil
	},
}
