package backend

import (
	"fmt"
	"time"

	"github.com/haroldDOTsh/fulcrum/structs"
)

// Config holds the tunables of a backend agent.
type Config struct {
	// RegistryID is the bus identity of the registry this agent talks to.
	RegistryID string `yaml:"registry_id"`

	// Type becomes the prefix of the assigned server ID.
	Type string `yaml:"type"`

	// Role groups servers for environment routing (lobby, hub, ...).
	Role string `yaml:"role"`

	Address string `yaml:"address"`
	Port    int    `yaml:"port"`

	// MaxCapacity is the server-wide player ceiling reported on
	// registration and heartbeats. Registration requires it positive.
	MaxCapacity int `yaml:"max_capacity"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	RegisterTimeout   time.Duration `yaml:"register_timeout"`

	// ReservationTTL bounds how long an issued reservation token stays
	// claimable.
	ReservationTTL time.Duration `yaml:"reservation_ttl"`

	// HandoffTTL bounds how long a pre-staged handoff waits for the
	// player to arrive.
	HandoffTTL time.Duration `yaml:"handoff_ttl"`

	// Families is the slot capacity this server advertises on startup.
	Families []*structs.FamilyCapacity `yaml:"families"`
}

// DefaultConfig returns a backend config with the protocol defaults.
func DefaultConfig() *Config {
	return &Config{
		RegistryID:        "registry",
		Type:              "game",
		Role:              "game",
		Address:           "127.0.0.1",
		Port:              25565,
		MaxCapacity:       100,
		HeartbeatInterval: 10 * time.Second,
		RegisterTimeout:   5 * time.Second,
		ReservationTTL:    15 * time.Second,
		HandoffTTL:        15 * time.Second,
	}
}

// Validate checks the config for nonsensical values.
func (c *Config) Validate() error {
	if c.RegistryID == "" {
		return fmt.Errorf("registry ID must be set")
	}
	if c.Type == "" {
		return fmt.Errorf("server type must be set")
	}
	if !structs.ValidPort(c.Port) {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.MaxCapacity <= 0 {
		return fmt.Errorf("max capacity must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}
	if c.ReservationTTL <= 0 || c.HandoffTTL <= 0 {
		return fmt.Errorf("reservation and handoff TTLs must be positive")
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
	if b.Type != "" {
		result.Type = b.Type
	}
	if b.Role != "" {
		result.Role = b.Role
	}
	if b.Address != "" {
		result.Address = b.Address
	}
	if b.Port != 0 {
		result.Port = b.Port
	}
	if b.MaxCapacity != 0 {
		result.MaxCapacity = b.MaxCapacity
	}
	if b.HeartbeatInterval != 0 {
		result.HeartbeatInterval = b.HeartbeatInterval
	}
	if b.RegisterTimeout != 0 {
		result.RegisterTimeout = b.RegisterTimeout
	}
	if b.ReservationTTL != 0 {
		result.ReservationTTL = b.ReservationTTL
	}
	if b.HandoffTTL != 0 {
		result.HandoffTTL = b.HandoffTTL
	}
	if len(b.Families) != 0 {
		result.Families = b.Families
	}
	return &result
}
