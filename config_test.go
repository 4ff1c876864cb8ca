package editlock

import (
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestConfigValidateDefaults(t *testing.T) {
	var cfg Config
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Listen != DefaultListen {
		t.Fatalf("expected listen default %q, got %q", DefaultListen, cfg.Listen)
	}
	if cfg.Broker != DefaultBroker || cfg.LeaseStore != DefaultLeaseStore {
		t.Fatalf("expected in-memory backends, got broker=%q leases=%q", cfg.Broker, cfg.LeaseStore)
	}
	if cfg.LeaseTTL != DefaultLeaseTTL || cfg.SweepInterval != DefaultSweepInterval {
		t.Fatalf("unexpected lease timing ttl=%s sweep=%s", cfg.LeaseTTL, cfg.SweepInterval)
	}
	if cfg.PingInterval <= 0 || cfg.WriteTimeout <= 0 || cfg.ShutdownTimeout <= 0 {
		t.Fatal("expected transport timing defaults")
	}
	if !reflect.DeepEqual(DefaultConfig(), cfg) {
		t.Fatalf("DefaultConfig mismatch: %+v", DefaultConfig())
	}
}

func TestConfigLeaseOutlivesHeartbeat(t *testing.T) {
	if DefaultLeaseTTL <= DefaultHeartbeatInterval {
		t.Fatalf("lease ttl %s must exceed heartbeat %s", DefaultLeaseTTL, DefaultHeartbeatInterval)
	}
	cfg := Config{LeaseTTL: DefaultHeartbeatInterval}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for a lease that expires between heartbeats")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	cases := map[string]Config{
		"broker scheme":           {Broker: "kafka://localhost"},
		"lease store":             {LeaseStore: "s3://bucket"},
		"negative ttl":            {LeaseTTL: -time.Second},
		"negative sweep":          {SweepInterval: -time.Second},
		"profiling metrics":       {EnableProfilingMetrics: true},
		"redis with local leases": {Broker: "redis://cache:6379/0"},
		"rediss with mem leases":  {Broker: "rediss://cache:6380/1", LeaseStore: "memory://"},
	}
	for name, cfg := range cases {
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	cfg := Config{Broker: "rediss://cache:6380/1", LeaseStore: "postgresql://db/editlock"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected redis and postgres to validate: %v", err)
	}
	cfg = Config{LeaseStore: "postgres://db/editlock"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected a local broker over shared leases to validate: %v", err)
	}
}

func TestConfigSharedBrokerNeedsSharedLeases(t *testing.T) {
	cfg := Config{Broker: "redis://:secret@cache:6379/0"}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "lease store") {
		t.Fatalf("expected lease store error, got %v", err)
	}
	if strings.Contains(err.Error(), "secret") {
		t.Fatalf("error leaks broker credentials: %v", err)
	}
	cfg = Config{Broker: "redis://cache:6379/0"}
	if err := cfg.validate(true); err != nil {
		t.Fatalf("an injected lease store is trusted to be shared: %v", err)
	}
}

func TestDefaultConfigDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("EDITLOCK_CONFIG_DIR", dir)
	got, err := DefaultConfigDir()
	if err != nil || got != dir {
		t.Fatalf("expected %q, got %q err=%v", dir, got, err)
	}
	path, err := DefaultConfigPath()
	if err != nil || path != filepath.Join(dir, DefaultConfigFileName) {
		t.Fatalf("unexpected config path %q err=%v", path, err)
	}

	t.Setenv("EDITLOCK_CONFIG_DIR", "")
	t.Setenv("HOME", dir)
	got, err = DefaultConfigDir()
	if err != nil || !strings.HasSuffix(got, ".editlock") {
		t.Fatalf("expected $HOME/.editlock, got %q err=%v", got, err)
	}
}
