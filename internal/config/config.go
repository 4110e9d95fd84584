// Package config manages the bngd daemon configuration using koanf/v2.
//
// Supports YAML files, environment variables, and CLI flags.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete bngd configuration.
type Config struct {
	Daemon   DaemonConfig   `koanf:"daemon"`
	Metrics  MetricsConfig  `koanf:"metrics"`
	Log      LogConfig      `koanf:"log"`
	Sniffer  SnifferConfig  `koanf:"sniffer"`
	RADIUS   RADIUSConfig   `koanf:"radius"`
	Lease    LeaseConfig    `koanf:"lease"`
	Redis    RedisConfig    `koanf:"redis"`
	CoA      CoAConfig      `koanf:"coa"`
	Datapath DatapathConfig `koanf:"datapath"`
	Router   RouterConfig   `koanf:"router"`
	Health   HealthConfig   `koanf:"health"`
	Timers   TimersConfig   `koanf:"timers"`
}

// DaemonConfig identifies this bngd instance in events and accounting records.
type DaemonConfig struct {
	// BNGID is the stable identity used as NAS-Identifier and as the
	// bng_id field on every dispatched event.
	BNGID string `koanf:"bng_id"`
	// InstanceID disambiguates multiple bngd processes sharing a BNGID
	// (e.g. active/standby pairs) in logs. Dispatched events carry their
	// own per-restart UUID instead, so the ingestor's idempotency key
	// survives a process restart reusing this configured value.
	InstanceID string `koanf:"instance_id"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// SnifferConfig holds the DHCP relay capture configuration.
type SnifferConfig struct {
	// ClientIface faces the subscribers; DHCP broadcasts are captured here.
	ClientIface string `koanf:"client_iface"`
	// UplinkIface faces the DHCP server(s); relayed unicast traffic
	// arrives/departs here.
	UplinkIface string `koanf:"uplink_iface"`
	// RelayAgentIP is the giaddr inserted into relayed DHCP requests.
	RelayAgentIP string `koanf:"relay_agent_ip"`
	// ServerAddrs is the set of DHCP server addresses relayed requests
	// are forwarded to.
	ServerAddrs []string `koanf:"server_addrs"`
	// QueueDepth bounds the sniffer-to-engine event channel.
	QueueDepth int `koanf:"queue_depth"`
}

// ServerAddrPorts parses ServerAddrs into netip.AddrPort, defaulting to
// port 67 when a bare address is given.
func (sc SnifferConfig) ServerAddrPorts() ([]netip.AddrPort, error) {
	out := make([]netip.AddrPort, 0, len(sc.ServerAddrs))
	for _, s := range sc.ServerAddrs {
		ap, err := netip.ParseAddrPort(s)
		if err != nil {
			addr, aerr := netip.ParseAddr(s)
			if aerr != nil {
				return nil, fmt.Errorf("parse server addr %q: %w", s, err)
			}
			ap = netip.AddrPortFrom(addr, 67)
		}
		out = append(out, ap)
	}
	return out, nil
}

// RADIUSConfig holds the RADIUS AAA client configuration.
type RADIUSConfig struct {
	// AuthAddr is the authentication server address (host:port, default port 1812).
	AuthAddr string `koanf:"auth_addr"`
	// AcctAddr is the accounting server address (host:port, default port 1813).
	AcctAddr string `koanf:"acct_addr"`
	// Secret is the shared RADIUS secret.
	Secret string `koanf:"secret"`
	// Timeout bounds a single RADIUS round trip.
	Timeout time.Duration `koanf:"timeout"`
	// Retries is the number of retransmissions before giving up.
	Retries int `koanf:"retries"`
	// CoAListenAddr is the local address the CoA/Disconnect-Request
	// listener binds to (default port 3799).
	CoAListenAddr string `koanf:"coa_listen_addr"`
}

// LeaseConfig holds the lease service polling client configuration.
type LeaseConfig struct {
	// URL is the lease service endpoint, e.g. "https://kea-api.internal/leases".
	URL string `koanf:"url"`
	// Username/Password are HTTP basic-auth credentials.
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	// PollInterval is the time between full lease-table fetches.
	PollInterval time.Duration `koanf:"poll_interval"`
	// RequestTimeout bounds a single HTTP request.
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

// RedisConfig holds the event dispatcher's Redis Streams connection.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string `koanf:"addr"`
	// Password is the Redis AUTH password, if any.
	Password string `koanf:"password"`
	// DB is the Redis logical database index.
	DB int `koanf:"db"`
	// Stream is the stream key events are XADD'd to.
	Stream string `koanf:"stream"`
}

// CoAConfig holds the local CoA/Disconnect bridge configuration.
type CoAConfig struct {
	// SocketPath is the Unix domain socket path the bridge listens on.
	SocketPath string `koanf:"socket_path"`
	// ReadTimeout bounds reading a request off the socket.
	ReadTimeout time.Duration `koanf:"read_timeout"`
	// ReplyTimeout bounds waiting for the engine's reply promise to resolve.
	ReplyTimeout time.Duration `koanf:"reply_timeout"`
}

// DatapathConfig selects and configures the forwarding/shaping backend.
type DatapathConfig struct {
	// Backend selects the implementation: "native" (nftables+netlink) or
	// "shell" (nft/tc/ip subprocess invocation).
	Backend string `koanf:"backend"`
	// TableName is the nftables table holding subscriber allow/deny rules.
	TableName string `koanf:"table_name"`
	// DownlinkIface is the subscriber-facing interface shaping is applied to.
	DownlinkIface string `koanf:"downlink_iface"`
	// UplinkIface is the network-facing interface shaping is applied to.
	UplinkIface string `koanf:"uplink_iface"`
}

// RouterConfig holds the access-router liveness tracker configuration.
type RouterConfig struct {
	// PingInterval is the minimum time between liveness pings to the same router.
	PingInterval time.Duration `koanf:"ping_interval"`
	// PingTimeout bounds a single ping round trip.
	PingTimeout time.Duration `koanf:"ping_timeout"`
}

// HealthConfig holds the self-health reporting configuration.
type HealthConfig struct {
	// ReportInterval is the time between BNG_HEALTH_UPDATE events.
	ReportInterval time.Duration `koanf:"report_interval"`
	// CgroupPath overrides cgroup discovery; empty means auto-detect.
	CgroupPath string `koanf:"cgroup_path"`
}

// TimersConfig holds the session lifecycle timing constants.
type TimersConfig struct {
	// DHCPLeaseGrace is added to the DHCP lease lifetime before a lease
	// is considered expired for reconciliation purposes.
	DHCPLeaseGrace time.Duration `koanf:"dhcp_lease_grace"`
	// NAKTerminateThreshold is the number of consecutive DHCPNAKs for an
	// IP-less session before it is torn down with cause NAK-Threshold.
	NAKTerminateThreshold int `koanf:"nak_terminate_threshold"`
	// MarkDisconnectGrace is the delay before a session with no further
	// traffic is marked for disconnection.
	MarkDisconnectGrace time.Duration `koanf:"mark_disconnect_grace"`
	// MarkIdleGrace is the delay of no accounting-visible traffic before
	// a session is marked idle.
	MarkIdleGrace time.Duration `koanf:"mark_idle_grace"`
	// IdleGraceAfterConnect suppresses idle detection for this long after
	// a session first becomes authorized.
	IdleGraceAfterConnect time.Duration `koanf:"idle_grace_after_connect"`
	// EnableIdleDisconnect gates whether idle sessions are torn down
	// automatically, or only flagged.
	EnableIdleDisconnect bool `koanf:"enable_idle_disconnect"`
	// TombstoneTTL is how long a stopped session's tombstone suppresses
	// reconcile-driven resurrection.
	TombstoneTTL time.Duration `koanf:"tombstone_ttl"`
	// TombstoneExpiryGrace extends tombstone suppression past TombstoneTTL
	// to absorb lease-service staleness.
	TombstoneExpiryGrace time.Duration `koanf:"tombstone_expiry_grace"`
	// InterimInterval is the period between RADIUS Accounting-Request
	// Interim-Update transmissions.
	InterimInterval time.Duration `koanf:"interim_interval"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults, derived
// from the constants the subscriber-session lifecycle was originally
// specified with.
func DefaultConfig() *Config {
	return &Config{
		Daemon: DaemonConfig{
			BNGID:      "bng-0",
			InstanceID: "primary",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Sniffer: SnifferConfig{
			ClientIface: "eth0",
			UplinkIface: "eth1",
			QueueDepth:  4096,
		},
		RADIUS: RADIUSConfig{
			AuthAddr:      "127.0.0.1:1812",
			AcctAddr:      "127.0.0.1:1813",
			Timeout:       3 * time.Second,
			Retries:       2,
			CoAListenAddr: ":3799",
		},
		Lease: LeaseConfig{
			PollInterval:   15 * time.Second,
			RequestTimeout: 5 * time.Second,
		},
		Redis: RedisConfig{
			Addr:   "127.0.0.1:6379",
			DB:     0,
			Stream: "bng_events",
		},
		CoA: CoAConfig{
			SocketPath:   "/run/bngd/coa.sock",
			ReadTimeout:  3 * time.Second,
			ReplyTimeout: 5 * time.Second,
		},
		Datapath: DatapathConfig{
			Backend:   "native",
			TableName: "bng",
		},
		Router: RouterConfig{
			PingInterval: 30 * time.Second,
			PingTimeout:  1 * time.Second,
		},
		Health: HealthConfig{
			ReportInterval: 30 * time.Second,
		},
		Timers: TimersConfig{
			DHCPLeaseGrace:        10 * time.Second,
			NAKTerminateThreshold: 3,
			MarkDisconnectGrace:   10 * time.Second,
			MarkIdleGrace:         20 * time.Second,
			IdleGraceAfterConnect: 40 * time.Second,
			EnableIdleDisconnect:  false,
			TombstoneTTL:          600 * time.Second,
			TombstoneExpiryGrace:  60 * time.Second,
			InterimInterval:       5 * time.Minute,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for bngd configuration.
// Variables are named BNGD_<section>_<key>, e.g., BNGD_RADIUS_SECRET.
const envPrefix = "BNGD_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (BNGD_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms BNGD_RADIUS_SECRET -> radius.secret and
// BNGD_TIMERS_MARK_IDLE_GRACE -> timers.mark_idle_grace. Strips the
// BNGD_ prefix, lowercases, and splits section from key on the first
// underscore only -- every section name is a single word, while keys
// themselves contain underscores.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	parts := strings.SplitN(s, "_", 2)
	return strings.Join(parts, ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"daemon.bng_id":                   defaults.Daemon.BNGID,
		"daemon.instance_id":              defaults.Daemon.InstanceID,
		"metrics.addr":                    defaults.Metrics.Addr,
		"metrics.path":                    defaults.Metrics.Path,
		"log.level":                       defaults.Log.Level,
		"log.format":                      defaults.Log.Format,
		"sniffer.client_iface":            defaults.Sniffer.ClientIface,
		"sniffer.uplink_iface":            defaults.Sniffer.UplinkIface,
		"sniffer.queue_depth":             defaults.Sniffer.QueueDepth,
		"radius.auth_addr":                defaults.RADIUS.AuthAddr,
		"radius.acct_addr":                defaults.RADIUS.AcctAddr,
		"radius.timeout":                  defaults.RADIUS.Timeout.String(),
		"radius.retries":                  defaults.RADIUS.Retries,
		"radius.coa_listen_addr":          defaults.RADIUS.CoAListenAddr,
		"lease.poll_interval":             defaults.Lease.PollInterval.String(),
		"lease.request_timeout":           defaults.Lease.RequestTimeout.String(),
		"redis.addr":                      defaults.Redis.Addr,
		"redis.db":                        defaults.Redis.DB,
		"redis.stream":                    defaults.Redis.Stream,
		"coa.socket_path":                 defaults.CoA.SocketPath,
		"coa.read_timeout":                defaults.CoA.ReadTimeout.String(),
		"coa.reply_timeout":               defaults.CoA.ReplyTimeout.String(),
		"datapath.backend":                defaults.Datapath.Backend,
		"datapath.table_name":             defaults.Datapath.TableName,
		"router.ping_interval":            defaults.Router.PingInterval.String(),
		"router.ping_timeout":             defaults.Router.PingTimeout.String(),
		"health.report_interval":          defaults.Health.ReportInterval.String(),
		"timers.dhcp_lease_grace":         defaults.Timers.DHCPLeaseGrace.String(),
		"timers.nak_terminate_threshold":  defaults.Timers.NAKTerminateThreshold,
		"timers.mark_disconnect_grace":    defaults.Timers.MarkDisconnectGrace.String(),
		"timers.mark_idle_grace":          defaults.Timers.MarkIdleGrace.String(),
		"timers.idle_grace_after_connect": defaults.Timers.IdleGraceAfterConnect.String(),
		"timers.enable_idle_disconnect":   defaults.Timers.EnableIdleDisconnect,
		"timers.tombstone_ttl":            defaults.Timers.TombstoneTTL.String(),
		"timers.tombstone_expiry_grace":   defaults.Timers.TombstoneExpiryGrace.String(),
		"timers.interim_interval":         defaults.Timers.InterimInterval.String(),
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyBNGID indicates the daemon identity is empty.
	ErrEmptyBNGID = errors.New("daemon.bng_id must not be empty")

	// ErrEmptyClientIface indicates the subscriber-facing capture interface is unset.
	ErrEmptyClientIface = errors.New("sniffer.client_iface must not be empty")

	// ErrEmptyUplinkIface indicates the server-facing capture interface is unset.
	ErrEmptyUplinkIface = errors.New("sniffer.uplink_iface must not be empty")

	// ErrEmptyRADIUSSecret indicates no shared RADIUS secret was configured.
	ErrEmptyRADIUSSecret = errors.New("radius.secret must not be empty")

	// ErrInvalidNAKThreshold indicates the NAK teardown threshold is non-positive.
	ErrInvalidNAKThreshold = errors.New("timers.nak_terminate_threshold must be >= 1")

	// ErrInvalidDatapathBackend indicates an unrecognized datapath backend.
	ErrInvalidDatapathBackend = errors.New("datapath.backend must be native or shell")
)

// ValidDatapathBackends lists the recognized datapath backend strings.
var ValidDatapathBackends = map[string]bool{
	"native": true,
	"shell":  true,
}

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Daemon.BNGID == "" {
		return ErrEmptyBNGID
	}
	if cfg.Sniffer.ClientIface == "" {
		return ErrEmptyClientIface
	}
	if cfg.Sniffer.UplinkIface == "" {
		return ErrEmptyUplinkIface
	}
	if cfg.RADIUS.Secret == "" {
		return ErrEmptyRADIUSSecret
	}
	if cfg.Timers.NAKTerminateThreshold < 1 {
		return ErrInvalidNAKThreshold
	}
	if !ValidDatapathBackends[cfg.Datapath.Backend] {
		return fmt.Errorf("datapath.backend %q: %w", cfg.Datapath.Backend, ErrInvalidDatapathBackend)
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
