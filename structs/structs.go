// Package structs holds the records and wire messages shared by the
// registry control plane and the backend agents. Messages cross process
// boundaries as JSON with a type discriminator; records never leave the
// process that owns them except as copies embedded in messages.
package structs

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ServerStatus describes the lifecycle state of a registered backend.
type ServerStatus string

const (
	ServerStatusProvisioning ServerStatus = "PROVISIONING"
	ServerStatusRunning      ServerStatus = "RUNNING"
	ServerStatusAvailable    ServerStatus = "AVAILABLE"
	ServerStatusDraining     ServerStatus = "DRAINING"
	ServerStatusDead         ServerStatus = "DEAD"
)

// Accepting returns whether a server in this status may take on new slots
// or environment routes.
func (s ServerStatus) Accepting() bool {
	return s == ServerStatusRunning || s == ServerStatusAvailable
}

// SlotStatus describes the lifecycle state of a logical slot.
type SlotStatus string

const (
	SlotStatusProvisioning SlotStatus = "PROVISIONING"
	SlotStatusAvailable    SlotStatus = "AVAILABLE"
	SlotStatusAllocated    SlotStatus = "ALLOCATED"
	SlotStatusInGame       SlotStatus = "IN_GAME"
	SlotStatusCooldown     SlotStatus = "COOLDOWN"
	SlotStatusFaulted      SlotStatus = "FAULTED"
)

// Dispatchable returns whether players may be routed into a slot in this
// status.
func (s SlotStatus) Dispatchable() bool {
	return s == SlotStatusAvailable || s == SlotStatusAllocated
}

// ProxyType classifies an edge proxy. Older proxies do not report a type
// and are treated as MIXED.
type ProxyType string

const (
	ProxyTypeMixed ProxyType = "MIXED"
	ProxyTypeGame  ProxyType = "GAME"
	ProxyTypeLobby ProxyType = "LOBBY"
)

// Metadata keys recognized by the routing core. Producers may attach
// arbitrary additional keys; the core passes them through untouched.
const (
	MetaKeyFamily             = "family"
	MetaKeyVariant            = "variant"
	MetaKeyFamilyVariant      = "familyVariant"
	MetaKeyGameType           = "gameType"
	MetaKeyCurrentSlotID      = "currentSlotId"
	MetaKeyPartyReservationID = "partyReservationId"
	MetaKeyPartyTokenID       = "partyTokenId"
	MetaKeyPartyID            = "partyId"
	MetaKeyReservationToken   = "reservationToken"
	MetaKeyTargetWorld        = "targetWorld"
	MetaKeySpawnX             = "spawnX"
	MetaKeySpawnY             = "spawnY"
	MetaKeySpawnZ             = "spawnZ"
	MetaKeySpawnYaw           = "spawnYaw"
	MetaKeySpawnPitch         = "spawnPitch"
	MetaKeyTeamCount          = "team.count"
	MetaKeyTeamMax            = "team.max"
	MetaKeyTeamIndex          = "team.index"
	MetaKeyPartySize          = "partySize"
	MetaKeyReason             = "reason"
	MetaKeyEnvironment        = "environment"
	MetaKeyTargetServer       = "targetServer"
	MetaKeyRouteType          = "routeType"
	MetaKeyOriginServer       = "originServer"
)

// MakeSlotID builds the canonical slot identifier.
func MakeSlotID(serverID, suffix string) string {
	return serverID + ":" + suffix
}

// MakeEnvironmentSlotID builds the synthetic slot identifier used by
// environment routes.
func MakeEnvironmentSlotID(envID, serverID string) string {
	return "env:" + envID + ":" + serverID
}

// ServerRecord is a registered backend tracked by the server registry. The
// registry owns the canonical copy; everything handed out is a deep copy.
type ServerRecord struct {
	ID                 string
	Type               string
	Role               string
	Address            string
	Port               int
	MaxCapacity        int
	CurrentPlayerCount int
	Status             ServerStatus
	LastHeartbeatAt    time.Time

	// Slots is keyed by slot suffix, not full slot ID.
	Slots map[string]*SlotRecord

	// Families is the per-family concurrent slot capacity the server
	// advertised, keyed by lowercase family ID.
	Families map[string]*FamilyCapacity
}

// FamilyCapacity is one entry of a slot family advertisement.
type FamilyCapacity struct {
	FamilyID      string `json:"familyId" yaml:"family_id"`
	MaxConcurrent int    `json:"maxConcurrent" yaml:"max_concurrent"`
}

// Copy returns a deep copy of the server record.
func (s *ServerRecord) Copy() *ServerRecord {
	if s == nil {
		return nil
	}
	ns := new(ServerRecord)
	*ns = *s
	if s.Slots != nil {
		ns.Slots = make(map[string]*SlotRecord, len(s.Slots))
		for k, v := range s.Slots {
			ns.Slots[k] = v.Copy()
		}
	}
	if s.Families != nil {
		ns.Families = make(map[string]*FamilyCapacity, len(s.Families))
		for k, v := range s.Families {
			fc := *v
			ns.Families[k] = &fc
		}
	}
	return ns
}

// AdvertisesFamily returns the advertised capacity for the family, or nil.
func (s *ServerRecord) AdvertisesFamily(familyID string) *FamilyCapacity {
	return s.Families[strings.ToLower(familyID)]
}

// SlotCountForFamily counts live slots whose family metadata matches.
func (s *ServerRecord) SlotCountForFamily(familyID string) int {
	n := 0
	for _, slot := range s.Slots {
		if strings.EqualFold(slot.Family(), familyID) {
			n++
		}
	}
	return n
}

// SlotRecord is a logical sub-instance hosted by one server.
type SlotRecord struct {
	// ID is "<serverId>:<suffix>".
	ID            string
	ServerID      string
	Suffix        string
	GameType      string
	Status        SlotStatus
	MaxPlayers    int
	OnlinePlayers int
	Metadata      map[string]string
	UpdatedAt     time.Time
}

// Copy returns a deep copy of the slot record.
func (s *SlotRecord) Copy() *SlotRecord {
	if s == nil {
		return nil
	}
	ns := new(SlotRecord)
	*ns = *s
	ns.Metadata = CopyMapStringString(s.Metadata)
	return ns
}

// Family returns the slot's family from metadata.
func (s *SlotRecord) Family() string {
	return s.Metadata[MetaKeyFamily]
}

// Variant returns the slot's variant from metadata.
func (s *SlotRecord) Variant() string {
	return s.Metadata[MetaKeyVariant]
}

// MatchesVariant reports whether the slot satisfies the requested variant.
// A blank request variant matches any slot; otherwise the variant must
// match the slot variant, game type, or familyVariant metadata, all
// case-insensitively.
func (s *SlotRecord) MatchesVariant(variantID string) bool {
	if variantID == "" {
		return true
	}
	if strings.EqualFold(variantID, s.Variant()) {
		return true
	}
	if strings.EqualFold(variantID, s.GameType) {
		return true
	}
	return strings.EqualFold(variantID, s.Metadata[MetaKeyFamilyVariant])
}

// RemainingCapacity returns the seats left on the slot given the pending
// occupancy already reserved against it. MaxPlayers of zero means the slot
// is uncapped.
func (s *SlotRecord) RemainingCapacity(pending int) int {
	if s.MaxPlayers == 0 {
		return int(^uint(0) >> 1)
	}
	return s.MaxPlayers - s.OnlinePlayers - pending
}

// TeamCount derives the number of teams on the slot. An explicit team.count
// wins; otherwise it is derived from maxPlayers and team.max. Zero means
// the slot is not team-based.
func (s *SlotRecord) TeamCount() int {
	if raw, ok := s.Metadata[MetaKeyTeamCount]; ok {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	teamMax := s.TeamMax()
	if teamMax <= 0 || s.MaxPlayers <= 0 {
		return 0
	}
	return s.MaxPlayers / max(1, teamMax)
}

// TeamMax returns the per-team player limit, zero when unset.
func (s *SlotRecord) TeamMax() int {
	raw, ok := s.Metadata[MetaKeyTeamMax]
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}

// SpawnPosition extracts the spawn coordinates from slot metadata. Missing
// keys default to zero.
func (s *SlotRecord) SpawnPosition() (x, y, z, yaw, pitch float64) {
	parse := func(key string) float64 {
		f, _ := strconv.ParseFloat(s.Metadata[key], 64)
		return f
	}
	return parse(MetaKeySpawnX), parse(MetaKeySpawnY), parse(MetaKeySpawnZ),
		parse(MetaKeySpawnYaw), parse(MetaKeySpawnPitch)
}

// ProxyRecord is an edge proxy tracked by the proxy registry.
type ProxyRecord struct {
	ID                 string
	Address            string
	Type               ProxyType
	HardCap            int
	SoftCap            int
	CurrentPlayerCount int
	LastHeartbeatAt    time.Time
}

// Copy returns a copy of the proxy record.
func (p *ProxyRecord) Copy() *ProxyRecord {
	if p == nil {
		return nil
	}
	np := new(ProxyRecord)
	*np = *p
	return np
}

// PartyReservationSnapshot is the registry-visible view of a party
// reservation created by the party system. Tokens maps each member's
// player ID to the token the party system issued them.
type PartyReservationSnapshot struct {
	ReservationID     string            `json:"reservationId"`
	PartyID           string            `json:"partyId"`
	TargetServerID    string            `json:"targetServerId,omitempty"`
	Tokens            map[string]string `json:"tokens"`
	VariantID         string            `json:"variantId,omitempty"`
	AssignedTeamIndex int               `json:"assignedTeamIndex"`
}

// PartySize returns the number of members holding tokens.
func (p *PartyReservationSnapshot) PartySize() int {
	return len(p.Tokens)
}

// Copy returns a deep copy of the snapshot.
func (p *PartyReservationSnapshot) Copy() *PartyReservationSnapshot {
	if p == nil {
		return nil
	}
	np := new(PartyReservationSnapshot)
	*np = *p
	np.Tokens = CopyMapStringString(p.Tokens)
	return np
}

// CopyMapStringString returns a copy of m, nil in nil out.
func CopyMapStringString(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// MergeMetadata overlays each map onto a fresh copy of base, later maps
// winning key conflicts.
func MergeMetadata(base map[string]string, overlays ...map[string]string) map[string]string {
	out := make(map[string]string, len(base))
	for k, v := range base {
		out[k] = v
	}
	for _, overlay := range overlays {
		for k, v := range overlay {
			out[k] = v
		}
	}
	return out
}

var uuidRe = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// ValidUUID reports whether s is a canonical 8-4-4-4-12 UUID.
func ValidUUID(s string) bool {
	return uuidRe.MatchString(s)
}

// ValidPort reports whether p is a usable TCP port.
func ValidPort(p int) bool {
	return p > 0 && p <= 65535
}

func validateUUIDField(name, value string) error {
	if value == "" {
		return fmt.Errorf("missing %s", name)
	}
	if !ValidUUID(value) {
		return fmt.Errorf("invalid %s %q", name, value)
	}
	return nil
}

func validateNonBlank(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("missing %s", name)
	}
	return nil
}
