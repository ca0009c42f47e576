package registry

import (
	"fmt"
	"time"
)

// Config holds the tunables of the registry control plane. Only the values
// here are configurable; everything else is fixed protocol behavior.
type Config struct {
	// RegistryID is the peer identity the registry uses on the bus.
	RegistryID string `yaml:"registry_id"`

	// RouteTimeout bounds how long a dispatched route may stay unacked.
	RouteTimeout time.Duration `yaml:"route_timeout"`

	// ReservationTimeout bounds the backend reservation handshake.
	ReservationTimeout time.Duration `yaml:"reservation_timeout"`

	// MaxQueueWait bounds the total wall time a request may spend queued
	// and retrying before the player is disconnected.
	MaxQueueWait time.Duration `yaml:"max_queue_wait"`

	// MaxRouteRetries bounds re-queue attempts per request.
	MaxRouteRetries int `yaml:"max_route_retries"`

	// ServerTimeout evicts backends whose heartbeat is older than this.
	ServerTimeout time.Duration `yaml:"server_timeout"`

	// ProxyTimeout evicts proxies whose heartbeat is older than this.
	ProxyTimeout time.Duration `yaml:"proxy_timeout"`

	// EvictionInterval is how often the liveness sweeps run.
	EvictionInterval time.Duration `yaml:"eviction_interval"`
}

// DefaultConfig returns the config with the protocol default timeouts.
func DefaultConfig() *Config {
	return &Config{
		RegistryID:         "registry",
		RouteTimeout:       15 * time.Second,
		ReservationTimeout: 5 * time.Second,
		MaxQueueWait:       45 * time.Second,
		MaxRouteRetries:    3,
		ServerTimeout:      90 * time.Second,
		ProxyTimeout:       90 * time.Second,
		EvictionInterval:   10 * time.Second,
	}
}

// Validate checks the config for nonsensical values.
func (c *Config) Validate() error {
	if c.RegistryID == "" {
		return fmt.Errorf("registry ID must be set")
	}
	if c.RouteTimeout <= 0 || c.ReservationTimeout <= 0 {
		return fmt.Errorf("route and reservation timeouts must be positive")
	}
	if c.MaxQueueWait <= 0 {
		return fmt.Errorf("max queue wait must be positive")
	}
	if c.MaxRouteRetries < 0 {
		return fmt.Errorf("max route retries must not be negative")
	}
	if c.ServerTimeout <= 0 || c.ProxyTimeout <= 0 {
		return fmt.Errorf("server and proxy timeouts must be positive")
	}
	if c.EvictionInterval <= 0 {
		return fmt.Errorf("eviction interval must be positive")
	}
	return nil
}

// Merge overlays non-zero fields of b onto a copy of c.
func (c *Config) Merge(b *Config) *Config {
	result := *c
	if b == nil {
		return &result
	}
	if b.RegistryID != "" {
		result.RegistryID = b.RegistryID
	}
	if b.RouteTimeout != 0 {
		result.RouteTimeout = b.RouteTimeout
	}
	if b.ReservationTimeout != 0 {
		result.ReservationTimeout = b.ReservationTimeout
	}
	if b.MaxQueueWait != 0 {
		result.MaxQueueWait = b.MaxQueueWait
	}
	if b.MaxRouteRetries != 0 {
		result.MaxRouteRetries = b.MaxRouteRetries
	}
	if b.ServerTimeout != 0 {
		result.ServerTimeout = b.ServerTimeout
	}
	if b.ProxyTimeout != 0 {
		result.ProxyTimeout = b.ProxyTimeout
	}
	if b.EvictionInterval != 0 {
		result.EvictionInterval = b.EvictionInterval
	}
	return &result
}
