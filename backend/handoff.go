package backend

import (
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/haroldDOTsh/fulcrum/structs"
)

// handoffCacheSize bounds the handoff store; entries past the TTL are
// evicted regardless.
const handoffCacheSize = 4096

// HandoffRecord is the routing context a backend pre-stages when it sees
// its copy of a route command, so the player's join can be resolved
// without asking the registry.
type HandoffRecord struct {
	RequestID   string
	PlayerID    string
	PlayerName  string
	ProxyID     string
	SlotID      string
	SlotSuffix  string
	TargetWorld string
	SpawnX      float64
	SpawnY      float64
	SpawnZ      float64
	SpawnYaw    float64
	SpawnPitch  float64
	Metadata    map[string]string
	StagedAt    time.Time
}

// HandoffStore keeps pre-staged handoffs keyed by player ID. A handoff
// that is not consumed within the TTL silently expires; the registry's
// route timeout covers the failure.
type HandoffStore struct {
	logger hclog.Logger
	cache  *expirable.LRU[string, *HandoffRecord]
}

// NewHandoffStore creates a handoff store with the given TTL.
func NewHandoffStore(logger hclog.Logger, ttl time.Duration) *HandoffStore {
	return &HandoffStore{
		logger: logger.Named("handoff"),
		cache:  expirable.NewLRU[string, *HandoffRecord](handoffCacheSize, nil, ttl),
	}
}

// Stage records the handoff for an inbound route command, replacing any
// stale one for the same player.
func (h *HandoffStore) Stage(cmd *structs.PlayerRouteCommand) {
	record := &HandoffRecord{
		RequestID:   cmd.RequestID,
		PlayerID:    cmd.PlayerID,
		PlayerName:  cmd.PlayerName,
		ProxyID:     cmd.ProxyID,
		SlotID:      cmd.SlotID,
		SlotSuffix:  cmd.SlotSuffix,
		TargetWorld: cmd.TargetWorld,
		SpawnX:      cmd.SpawnX,
		SpawnY:      cmd.SpawnY,
		SpawnZ:      cmd.SpawnZ,
		SpawnYaw:    cmd.SpawnYaw,
		SpawnPitch:  cmd.SpawnPitch,
		Metadata:    structs.CopyMapStringString(cmd.Metadata),
		StagedAt:    time.Now(),
	}
	h.cache.Add(cmd.PlayerID, record)
	metrics.IncrCounter([]string{"fulcrum", "backend", "handoff_staged"}, 1)
	h.logger.Debug("staged handoff", "player_id", cmd.PlayerID, "slot_id", cmd.SlotID)
}

// Consume removes and returns the staged handoff for a joining player.
func (h *HandoffStore) Consume(playerID string) (*HandoffRecord, bool) {
	record, ok := h.cache.Get(playerID)
	if !ok {
		return nil, false
	}
	h.cache.Remove(playerID)
	metrics.IncrCounter([]string{"fulcrum", "backend", "handoff_consumed"}, 1)
	return record, true
}

// Peek returns the staged handoff without consuming it.
func (h *HandoffStore) Peek(playerID string) (*HandoffRecord, bool) {
	return h.cache.Get(playerID)
}

// Len returns the number of staged handoffs.
func (h *HandoffStore) Len() int {
	return h.cache.Len()
}
