package editlock

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/editlock/internal/coordinator"
	"pkt.systems/editlock/internal/relay"
)

const (
	// DefaultListen is the default TCP endpoint the relay binds to.
	DefaultListen = ":9342"
	// DefaultMetricsListen is the default Prometheus scrape endpoint. Empty
	// disables metrics.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof listener. Empty disables it.
	DefaultPprofListen = ""
	// DefaultBroker keeps fan-out inside the process.
	DefaultBroker = "mem://"
	// DefaultLeaseStore keeps the lock table inside the process.
	DefaultLeaseStore = "mem://"
	// DefaultLeaseTTL is how long a lock survives without a heartbeat.
	DefaultLeaseTTL = relay.DefaultLeaseTTL
	// DefaultSweepInterval is how often expired locks are collected.
	DefaultSweepInterval = relay.DefaultSweepInterval
	// DefaultPingInterval is the websocket keepalive cadence.
	DefaultPingInterval = 30 * time.Second
	// DefaultWriteTimeout bounds a single websocket write.
	DefaultWriteTimeout = 10 * time.Second
	// DefaultShutdownTimeout caps graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultHeartbeatInterval is the client lock renewal cadence.
	DefaultHeartbeatInterval = coordinator.DefaultHeartbeatInterval
	// DefaultIdleTimeout is how long a client editor may idle before its
	// heartbeat pauses.
	DefaultIdleTimeout = coordinator.DefaultIdleTimeout
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
	// DefaultEnvPrefix prefixes every environment override.
	DefaultEnvPrefix = "EDITLOCK"
)

// Config captures the relay server configuration.
type Config struct {
	Listen        string        `yaml:"listen" mapstructure:"listen"`
	Broker        string        `yaml:"broker" mapstructure:"broker"`
	LeaseStore    string        `yaml:"lease-store" mapstructure:"lease-store"`
	LeaseTTL      time.Duration `yaml:"lease-ttl" mapstructure:"lease-ttl"`
	SweepInterval time.Duration `yaml:"sweep-interval" mapstructure:"sweep-interval"`

	PingInterval    time.Duration `yaml:"ping-interval" mapstructure:"ping-interval"`
	WriteTimeout    time.Duration `yaml:"write-timeout" mapstructure:"write-timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown-timeout" mapstructure:"shutdown-timeout"`
	// AllowedOrigins restricts websocket origins. Empty allows every origin.
	AllowedOrigins []string `yaml:"allowed-origins" mapstructure:"allowed-origins"`

	MetricsListen          string `yaml:"metrics-listen" mapstructure:"metrics-listen"`
	PprofListen            string `yaml:"pprof-listen" mapstructure:"pprof-listen"`
	EnableProfilingMetrics bool   `yaml:"enable-profiling-metrics" mapstructure:"enable-profiling-metrics"`
	OTLPEndpoint           string `yaml:"otlp-endpoint" mapstructure:"otlp-endpoint"`
}

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() Config {
	cfg := Config{}
	_ = cfg.Validate()
	return cfg
}

// Validate fills in defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	return c.validate(false)
}

// validate is Validate for NewServer: externalLeases is true when the
// embedder supplied the lease store, so LeaseStore is not consulted.
func (c *Config) validate(externalLeases bool) error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.Broker == "" {
		c.Broker = DefaultBroker
	}
	if c.LeaseStore == "" {
		c.LeaseStore = DefaultLeaseStore
	}
	if err := checkScheme("broker", c.Broker, "mem", "memory", "redis", "rediss"); err != nil {
		return err
	}
	if err := checkScheme("lease store", c.LeaseStore, "mem", "memory", "postgres", "postgresql"); err != nil {
		return err
	}
	// A shared broker fans grants out across relay nodes; the leases have
	// to be shared as well or two nodes can grant the same item.
	if !externalLeases && schemeIn(c.Broker, "redis", "rediss") && schemeIn(c.LeaseStore, "mem", "memory") {
		return fmt.Errorf("config: broker %s is shared between relays but lease store %s is local to one; use a postgres lease store", redactURL(c.Broker), c.LeaseStore)
	}
	if c.LeaseTTL == 0 {
		c.LeaseTTL = DefaultLeaseTTL
	} else if c.LeaseTTL < 0 {
		return fmt.Errorf("config: lease ttl must be >= 0")
	}
	if c.LeaseTTL <= DefaultHeartbeatInterval {
		return fmt.Errorf("config: lease ttl %s must exceed the client heartbeat interval %s", c.LeaseTTL, DefaultHeartbeatInterval)
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = DefaultSweepInterval
	} else if c.SweepInterval < 0 {
		return fmt.Errorf("config: sweep interval must be >= 0")
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	return nil
}

func checkScheme(what, raw string, allowed ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("config: parse %s url: %w", what, err)
	}
	for _, scheme := range allowed {
		if strings.EqualFold(u.Scheme, scheme) {
			return nil
		}
	}
	return fmt.Errorf("config: %s scheme %q not supported (options: %s)", what, u.Scheme, strings.Join(allowed, ", "))
}

func schemeIn(raw string, schemes ...string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	for _, scheme := range schemes {
		if strings.EqualFold(u.Scheme, scheme) {
			return true
		}
	}
	return false
}

// DefaultConfigDir returns the default configuration directory ($HOME/.editlock).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv(DefaultEnvPrefix + "_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".editlock"), nil
}

// DefaultConfigPath returns the config file used when --config is omitted.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFileName), nil
}
