package editlock

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"pkt.systems/editlock/internal/relay"
)

// openBroker builds the fan-out broker named by cfg.Broker.
func openBroker(ctx context.Context, cfg Config) (relay.Broker, error) {
	u, err := url.Parse(cfg.Broker)
	if err != nil {
		return nil, fmt.Errorf("parse broker URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "memory", "mem", "":
		return relay.NewMemoryBroker(), nil
	case "redis", "rediss":
		return relay.OpenRedisBroker(ctx, cfg.Broker)
	default:
		return nil, fmt.Errorf("broker scheme %q not supported", u.Scheme)
	}
}

// openLeaseStore builds the lock table named by cfg.LeaseStore.
func openLeaseStore(ctx context.Context, cfg Config) (relay.LeaseStore, error) {
	u, err := url.Parse(cfg.LeaseStore)
	if err != nil {
		return nil, fmt.Errorf("parse lease store URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "memory", "mem", "":
		return relay.NewMemoryLeaseStore(), nil
	case "postgres", "postgresql":
		return relay.OpenPostgresLeaseStore(ctx, cfg.LeaseStore)
	default:
		return nil, fmt.Errorf("lease store scheme %q not supported", u.Scheme)
	}
}

// redactURL hides credentials before a backend URL is logged.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid>"
	}
	return u.Redacted()
}
