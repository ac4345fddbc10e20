// Package config implements the queue core's configuration: instance
// identity, store endpoints, sending zones, per-domain overrides, DNS
// resolver options, and GC/back-off tunables.
//
// Adapted from the teacher's internal/config, which loaded a generated
// protobuf Config from a textproto file. We cannot regenerate that .pb.go,
// and the zone/domain structures this spec needs (nested maps, lists of
// pool entries) are a more natural fit for YAML than textproto anyway, so
// the loader is rebuilt on github.com/knadh/koanf/v2 with the YAML parser
// and file provider, matching the koanf stack the fenilsonani-email-server
// example repo already uses for its own config. The shape — a typed Config
// struct, a defaultConfig value, Load(path, overrides), LogConfig — is kept.
package config

import (
	"fmt"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"github.com/mitchellh/mapstructure"

	"github.com/chasquid-relay/zoneq/internal/log"
)

// PoolEntry is one source address in a sending zone's IPv4 or IPv6 pool.
type PoolEntry struct {
	Address string  `koanf:"address"`
	Name    string  `koanf:"name"` // used for EHLO
	Ratio   float64 `koanf:"ratio"`
}

// Throttle bounds the delivery rate for a zone: at most Count deliveries
// per Window.
type Throttle struct {
	Count  int           `koanf:"count"`
	Window time.Duration `koanf:"window"`
}

// Zone is one named egress path, per spec.md §3 "Sending Zone".
type Zone struct {
	Name              string                        `koanf:"-"`
	Processes         int                           `koanf:"processes"`
	Connections       int                           `koanf:"connections"`
	PoolV4            []PoolEntry                   `koanf:"poolV4"`
	PoolV6            []PoolEntry                   `koanf:"poolV6"`
	Throttling        *Throttle                     `koanf:"throttling"`
	SenderDomains     []string                      `koanf:"senderDomains"`
	RecipientDomains  []string                      `koanf:"recipientDomains"`
	OriginAddresses   []string                      `koanf:"originAddresses"`
	RoutingHeaders    map[string]map[string]string  `koanf:"routingHeaders"`
	IgnoreIPv6        bool                          `koanf:"ignoreIPv6"`
	DisabledAddresses map[string][]string           `koanf:"disabledAddresses"` // domain -> addrs
}

// DomainConfig holds per-remote-domain overrides, merged over
// DefaultDomainConfig.
type DomainConfig struct {
	MaxConnections    int                    `koanf:"maxConnections"`
	DisabledAddresses []string               `koanf:"disabledAddresses"`
	Plugin            map[string]interface{} `koanf:"plugin"`
}

// DefaultDomainConfig is used for any remote domain without an explicit
// override.
var DefaultDomainConfig = DomainConfig{MaxConnections: 5}

// Config is the master process's full configuration.
type Config struct {
	InstanceID string `koanf:"instanceId"`

	// Hostname identifies this deployment in generated DSNs (spec.md
	// §4.8/§4.15), e.g. "Reporting-MTA: dns; <Hostname>".
	Hostname string `koanf:"hostname"`

	DataDir string `koanf:"dataDir"`

	QueueStoreURI string `koanf:"queueStoreUri"`
	QueueStoreDB  string `koanf:"queueStoreDb"`

	BlobStoreURI string `koanf:"blobStoreUri"`
	BlobStoreDB  string `koanf:"blobStoreDb"`

	RPCListenAddr string `koanf:"rpcListenAddr"`

	DefaultZone string `koanf:"defaultZone"`

	Zones         map[string]*Zone         `koanf:"zones"`
	DomainConfigs map[string]*DomainConfig `koanf:"domainConfigs"`

	// DNS options.
	IgnoreIPv6  bool     `koanf:"ignoreIpv6"`
	PreferIPv6  bool     `koanf:"preferIpv6"`
	Nameservers []string `koanf:"nameservers"`

	// GC / maintenance.
	DisableGC    bool          `koanf:"disableGc"`
	MaxQueueTime time.Duration `koanf:"maxQueueTime"`
	LockTTL      time.Duration `koanf:"lockTtl"`
	LockSweep    time.Duration `koanf:"lockSweepInterval"`
	BodyGCGrace  time.Duration `koanf:"bodyGcGrace"`
	EmptyZoneTTL time.Duration `koanf:"emptyZoneTtl"`
	BlacklistTTL time.Duration `koanf:"blacklistTtl"`

	MailLogPath string `koanf:"mailLogPath"`
}

var defaultConfig = map[string]interface{}{
	"dataDir":           "/var/lib/zoneq",
	"queueStoreUri":     "mongodb://localhost:27017",
	"queueStoreDb":      "zoneq",
	"blobStoreUri":      "mongodb://localhost:27017",
	"blobStoreDb":       "zoneq",
	"rpcListenAddr":     "127.0.0.1:2525",
	"defaultZone":       "default",
	"hostname":          "localhost",
	"lockTtl":           "61m",
	"lockSweepInterval": "60s",
	"bodyGcGrace":       "10m",
	"emptyZoneTtl":      "5s",
	"blacklistTtl":      "6h",
	"mailLogPath":       "<stderr>",
}

// decodeHook lets koanf turn "5m", "6h" etc. YAML duration strings into
// time.Duration fields during Unmarshal.
func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

func unmarshalConf() koanf.UnmarshalConf {
	return koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook:       decodeHook(),
			WeaklyTypedInput: true,
			Result:           nil, // set by caller
		},
	}
}

// Load reads the configuration at path (YAML), applies it over the
// compiled-in defaults, and then applies overrides (also YAML text, used
// for command-line overrides the way the teacher's -config_overrides flag
// worked).
func Load(path, overrides string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaultConfig, "."), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to read config at %q: %w", path, err)
	}

	if overrides != "" {
		if err := k.Load(rawbytes.Provider([]byte(overrides)), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parsing config overrides: %w", err)
		}
	}

	var out Config
	uc := unmarshalConf()
	uc.DecoderConfig.Result = &out
	if err := k.UnmarshalWithConf("", &out, uc); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	for name, z := range out.Zones {
		z.Name = name
	}

	return &out, nil
}

// LogConfig logs a human-readable summary of the configuration, mirroring
// the teacher's config.LogConfig.
func LogConfig(c *Config) {
	log.Infof("Configuration:")
	log.Infof("  instance id: %s", c.InstanceID)
	log.Infof("  data dir: %s", c.DataDir)
	log.Infof("  queue store: %s/%s", c.QueueStoreURI, c.QueueStoreDB)
	log.Infof("  blob store: %s/%s", c.BlobStoreURI, c.BlobStoreDB)
	log.Infof("  rpc listen: %s", c.RPCListenAddr)
	log.Infof("  hostname: %s", c.Hostname)
	log.Infof("  default zone: %s", c.DefaultZone)
	log.Infof("  zones: %d configured", len(c.Zones))
	for name, z := range c.Zones {
		log.Infof("    %s: processes=%d connections=%d poolV4=%d poolV6=%d",
			name, z.Processes, z.Connections, len(z.PoolV4), len(z.PoolV6))
	}
}

// The per-domain override merge itself lives in internal/zone.Table, which
// owns the flattened routing tables built from this Config; see
// zone.Table.DomainConfigFor.
