package backend

import (
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/haroldDOTsh/fulcrum/ci"
	"github.com/haroldDOTsh/fulcrum/structs"
)

func TestBackendConfig_Validate(t *testing.T) {
	ci.Parallel(t)

	must.NoError(t, DefaultConfig().Validate())

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing registry id", func(c *Config) { c.RegistryID = "" }},
		{"missing type", func(c *Config) { c.Type = "" }},
		{"bad port", func(c *Config) { c.Port = 70000 }},
		{"zero max capacity", func(c *Config) { c.MaxCapacity = 0 }},
		{"negative max capacity", func(c *Config) { c.MaxCapacity = -5 }},
		{"zero heartbeat", func(c *Config) { c.HeartbeatInterval = 0 }},
		{"zero reservation ttl", func(c *Config) { c.ReservationTTL = 0 }},
		{"zero handoff ttl", func(c *Config) { c.HandoffTTL = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			must.Error(t, cfg.Validate())
		})
	}
}

func TestBackendConfig_Merge(t *testing.T) {
	ci.Parallel(t)

	base := DefaultConfig()
	merged := base.Merge(&Config{
		Type:           "lobby",
		Role:           "lobby",
		ReservationTTL: 30 * time.Second,
		Families:       []*structs.FamilyCapacity{{FamilyID: "skywars", MaxConcurrent: 4}},
	})

	must.Eq(t, "lobby", merged.Type)
	must.Eq(t, "lobby", merged.Role)
	must.Eq(t, 30*time.Second, merged.ReservationTTL)
	must.Len(t, 1, merged.Families)
	// Unset overlay fields keep the base values.
	must.Eq(t, base.Port, merged.Port)
	must.Eq(t, base.HandoffTTL, merged.HandoffTTL)

	// The base is untouched.
	must.Eq(t, "game", base.Type)
	must.Nil(t, base.Families)
}
