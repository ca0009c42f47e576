package structs

import (
	"encoding/json"
	"fmt"

	multierror "github.com/hashicorp/go-multierror"
)

// Message is implemented by every payload that crosses the bus. The type
// tag is the JSON discriminator written into the envelope.
type Message interface {
	MessageType() string
}

// Validator is implemented by messages that carry required fields. Inbound
// messages failing validation are logged and dropped, never acted on.
type Validator interface {
	Validate() error
}

// Message type discriminators.
const (
	TypePlayerSlotRequest          = "player_slot_request"
	TypePlayerReservationRequest   = "player_reservation_request"
	TypePlayerReservationResponse  = "player_reservation_response"
	TypePlayerRouteCommand         = "player_route_command"
	TypePlayerRouteAck             = "player_route_ack"
	TypeServerRegistrationRequest  = "server_registration_request"
	TypeServerRegistrationResponse = "server_registration_response"
	TypeServerHeartbeat            = "server_heartbeat"
	TypeServerRemoval              = "server_removal"
	TypeSlotStatusUpdate           = "slot_status_update"
	TypeSlotFamilyAdvertisement    = "slot_family_advertisement"
	TypeSlotProvisionCommand       = "slot_provision_command"
	TypeProxyAnnounce              = "proxy_announce"
	TypeProxyHeartbeat             = "proxy_heartbeat"
	TypeProxyShutdown              = "proxy_shutdown"
	TypeProxyDiscoveryRequest      = "proxy_discovery_request"
	TypeProxyDiscoveryResponse     = "proxy_discovery_response"
	TypePartyReservationCreated    = "party_reservation_created"
	TypePartyReservationClaimed    = "party_reservation_claimed"
	TypeMatchRosterCreated         = "match_roster_created"
	TypeMatchRosterEnded           = "match_roster_ended"
	TypeEnvironmentRouteRequest    = "environment_route_request"
)

// RouteAction is the verb of a PlayerRouteCommand.
type RouteAction string

const (
	RouteActionRoute      RouteAction = "ROUTE"
	RouteActionDisconnect RouteAction = "DISCONNECT"
)

// RouteAckStatus is the outcome reported by a PlayerRouteAck.
type RouteAckStatus string

const (
	RouteAckSuccess RouteAckStatus = "SUCCESS"
	RouteAckFailed  RouteAckStatus = "FAILED"
)

// EnvironmentFailureMode selects the behavior when no environment server
// can take the player.
type EnvironmentFailureMode string

const (
	FailureModeKickOnFail EnvironmentFailureMode = "KICK_ON_FAIL"
	FailureModeStay       EnvironmentFailureMode = "STAY"
)

// PlayerSlotRequest asks the routing service to place one player into a
// slot of the given family.
type PlayerSlotRequest struct {
	RequestID  string            `json:"requestId"`
	PlayerID   string            `json:"playerId"`
	PlayerName string            `json:"playerName"`
	ProxyID    string            `json:"proxyId"`
	FamilyID   string            `json:"familyId"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (*PlayerSlotRequest) MessageType() string { return TypePlayerSlotRequest }

func (m *PlayerSlotRequest) Validate() error {
	var mErr multierror.Error
	if err := validateUUIDField("requestId", m.RequestID); err != nil {
		mErr.Errors = append(mErr.Errors, err)
	}
	if err := validateUUIDField("playerId", m.PlayerID); err != nil {
		mErr.Errors = append(mErr.Errors, err)
	}
	if err := validateNonBlank("proxyId", m.ProxyID); err != nil {
		mErr.Errors = append(mErr.Errors, err)
	}
	if err := validateNonBlank("familyId", m.FamilyID); err != nil {
		mErr.Errors = append(mErr.Errors, err)
	}
	return mErr.ErrorOrNil()
}

// Copy returns a deep copy of the request.
func (m *PlayerSlotRequest) Copy() *PlayerSlotRequest {
	if m == nil {
		return nil
	}
	nm := new(PlayerSlotRequest)
	*nm = *m
	nm.Metadata = CopyMapStringString(m.Metadata)
	return nm
}

// PlayerReservationRequest asks a backend to hold a seat on a slot.
type PlayerReservationRequest struct {
	RequestID  string            `json:"requestId"`
	PlayerID   string            `json:"playerId"`
	PlayerName string            `json:"playerName"`
	ProxyID    string            `json:"proxyId"`
	ServerID   string            `json:"serverId"`
	SlotID     string            `json:"slotId"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (*PlayerReservationRequest) MessageType() string { return TypePlayerReservationRequest }

func (m *PlayerReservationRequest) Validate() error {
	var mErr multierror.Error
	if err := validateUUIDField("requestId", m.RequestID); err != nil {
		mErr.Errors = append(mErr.Errors, err)
	}
	if err := validateUUIDField("playerId", m.PlayerID); err != nil {
		mErr.Errors = append(mErr.Errors, err)
	}
	if err := validateNonBlank("serverId", m.ServerID); err != nil {
		mErr.Errors = append(mErr.Errors, err)
	}
	if err := validateNonBlank("slotId", m.SlotID); err != nil {
		mErr.Errors = append(mErr.Errors, err)
	}
	return mErr.ErrorOrNil()
}

// PlayerReservationResponse is the backend's answer to a reservation
// request, correlated by requestId.
type PlayerReservationResponse struct {
	RequestID        string `json:"requestId"`
	ServerID         string `json:"serverId"`
	Accepted         bool   `json:"accepted"`
	ReservationToken string `json:"reservationToken,omitempty"`
	Reason           string `json:"reason,omitempty"`
}

func (*PlayerReservationResponse) MessageType() string { return TypePlayerReservationResponse }

func (m *PlayerReservationResponse) Validate() error {
	return validateUUIDField("requestId", m.RequestID)
}

// PlayerRouteCommand tells a proxy to move a player, and the target backend
// to expect them. DISCONNECT commands carry the reason in metadata.
type PlayerRouteCommand struct {
	Action      RouteAction       `json:"action"`
	RequestID   string            `json:"requestId"`
	PlayerID    string            `json:"playerId"`
	PlayerName  string            `json:"playerName,omitempty"`
	ProxyID     string            `json:"proxyId"`
	ServerID    string            `json:"serverId,omitempty"`
	SlotID      string            `json:"slotId,omitempty"`
	SlotSuffix  string            `json:"slotSuffix,omitempty"`
	TargetWorld string            `json:"targetWorld,omitempty"`
	SpawnX      float64           `json:"spawnX"`
	SpawnY      float64           `json:"spawnY"`
	SpawnZ      float64           `json:"spawnZ"`
	SpawnYaw    float64           `json:"spawnYaw"`
	SpawnPitch  float64           `json:"spawnPitch"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func (*PlayerRouteCommand) MessageType() string { return TypePlayerRouteCommand }

func (m *PlayerRouteCommand) Validate() error {
	var mErr multierror.Error
	if m.Action != RouteActionRoute && m.Action != RouteActionDisconnect {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("invalid action %q", m.Action))
	}
	if err := validateNonBlank("playerId", m.PlayerID); err != nil {
		mErr.Errors = append(mErr.Errors, err)
	}
	if m.Action == RouteActionRoute {
		if err := validateNonBlank("serverId", m.ServerID); err != nil {
			mErr.Errors = append(mErr.Errors, err)
		}
		if err := validateNonBlank("slotId", m.SlotID); err != nil {
			mErr.Errors = append(mErr.Errors, err)
		}
	}
	return mErr.ErrorOrNil()
}

// PlayerRouteAck reports the outcome of a route command.
type PlayerRouteAck struct {
	RequestID string         `json:"requestId"`
	PlayerID  string         `json:"playerId"`
	ProxyID   string         `json:"proxyId,omitempty"`
	ServerID  string         `json:"serverId,omitempty"`
	SlotID    string         `json:"slotId,omitempty"`
	Status    RouteAckStatus `json:"status"`
	Reason    string         `json:"reason,omitempty"`
}

func (*PlayerRouteAck) MessageType() string { return TypePlayerRouteAck }

func (m *PlayerRouteAck) Validate() error {
	var mErr multierror.Error
	if err := validateUUIDField("requestId", m.RequestID); err != nil {
		mErr.Errors = append(mErr.Errors, err)
	}
	switch m.Status {
	case RouteAckSuccess:
		if err := validateNonBlank("serverId", m.ServerID); err != nil {
			mErr.Errors = append(mErr.Errors, err)
		}
		if err := validateNonBlank("slotId", m.SlotID); err != nil {
			mErr.Errors = append(mErr.Errors, err)
		}
	case RouteAckFailed:
	default:
		mErr.Errors = append(mErr.Errors, fmt.Errorf("invalid status %q", m.Status))
	}
	return mErr.ErrorOrNil()
}

// ServerRegistrationRequest is the first half of the registration
// handshake. New backends send a "temp-" prefixed ID and receive a
// permanent one; re-registrations reuse their permanent ID.
type ServerRegistrationRequest struct {
	TempID      string `json:"tempId"`
	Type        string `json:"type"`
	Role        string `json:"role"`
	Address     string `json:"address"`
	Port        int    `json:"port"`
	MaxCapacity int    `json:"maxCapacity"`
}

func (*ServerRegistrationRequest) MessageType() string { return TypeServerRegistrationRequest }

func (m *ServerRegistrationRequest) Validate() error {
	var mErr multierror.Error
	if err := validateNonBlank("tempId", m.TempID); err != nil {
		mErr.Errors = append(mErr.Errors, err)
	}
	if err := validateNonBlank("type", m.Type); err != nil {
		mErr.Errors = append(mErr.Errors, err)
	}
	if !ValidPort(m.Port) {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("invalid port %d", m.Port))
	}
	if m.MaxCapacity <= 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("invalid maxCapacity %d", m.MaxCapacity))
	}
	return mErr.ErrorOrNil()
}

// ServerRegistrationResponse closes the handshake.
type ServerRegistrationResponse struct {
	Success          bool   `json:"success"`
	AssignedServerID string `json:"assignedServerId,omitempty"`
	ProxyID          string `json:"proxyId,omitempty"`
	Reason           string `json:"reason,omitempty"`
}

func (*ServerRegistrationResponse) MessageType() string { return TypeServerRegistrationResponse }

// ServerHeartbeat keeps a backend registration alive and refreshes its
// load figures.
type ServerHeartbeat struct {
	ServerID      string       `json:"serverId"`
	TPS           float64      `json:"tps,omitempty"`
	PlayerCount   int          `json:"playerCount"`
	MaxCapacity   int          `json:"maxCapacity,omitempty"`
	UptimeSeconds int64        `json:"uptimeSeconds,omitempty"`
	Status        ServerStatus `json:"status,omitempty"`
}

func (*ServerHeartbeat) MessageType() string { return TypeServerHeartbeat }

func (m *ServerHeartbeat) Validate() error {
	return validateNonBlank("serverId", m.ServerID)
}

// ServerRemoval announces that a backend has left the fabric, voluntarily
// or by eviction.
type ServerRemoval struct {
	ServerID string `json:"serverId"`
	Reason   string `json:"reason,omitempty"`
}

func (*ServerRemoval) MessageType() string { return TypeServerRemoval }

func (m *ServerRemoval) Validate() error {
	return validateNonBlank("serverId", m.ServerID)
}

// SlotStatusUpdate merges slot state into the registry. The slot is
// created on first sight; transitions are taken from the message verbatim.
type SlotStatusUpdate struct {
	ServerID      string            `json:"serverId"`
	SlotID        string            `json:"slotId,omitempty"`
	SlotSuffix    string            `json:"slotSuffix"`
	GameType      string            `json:"gameType,omitempty"`
	Status        SlotStatus        `json:"status"`
	MaxPlayers    int               `json:"maxPlayers"`
	OnlinePlayers int               `json:"onlinePlayers"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

func (*SlotStatusUpdate) MessageType() string { return TypeSlotStatusUpdate }

func (m *SlotStatusUpdate) Validate() error {
	var mErr multierror.Error
	if err := validateNonBlank("serverId", m.ServerID); err != nil {
		mErr.Errors = append(mErr.Errors, err)
	}
	if err := validateNonBlank("slotSuffix", m.SlotSuffix); err != nil {
		mErr.Errors = append(mErr.Errors, err)
	}
	if err := validateNonBlank("status", string(m.Status)); err != nil {
		mErr.Errors = append(mErr.Errors, err)
	}
	return mErr.ErrorOrNil()
}

// SlotFamilyAdvertisement declares which families a backend can provision
// slots for, and how many concurrently.
type SlotFamilyAdvertisement struct {
	ServerID string            `json:"serverId"`
	Families []*FamilyCapacity `json:"families"`
}

func (*SlotFamilyAdvertisement) MessageType() string { return TypeSlotFamilyAdvertisement }

func (m *SlotFamilyAdvertisement) Validate() error {
	var mErr multierror.Error
	if err := validateNonBlank("serverId", m.ServerID); err != nil {
		mErr.Errors = append(mErr.Errors, err)
	}
	for i, f := range m.Families {
		if f == nil || f.FamilyID == "" {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("families[%d]: missing familyId", i))
		}
	}
	return mErr.ErrorOrNil()
}

// SlotProvisionCommand asks a backend to spin up a slot for a family.
type SlotProvisionCommand struct {
	ServerID string            `json:"serverId"`
	FamilyID string            `json:"familyId"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (*SlotProvisionCommand) MessageType() string { return TypeSlotProvisionCommand }

func (m *SlotProvisionCommand) Validate() error {
	var mErr multierror.Error
	if err := validateNonBlank("serverId", m.ServerID); err != nil {
		mErr.Errors = append(mErr.Errors, err)
	}
	if err := validateNonBlank("familyId", m.FamilyID); err != nil {
		mErr.Errors = append(mErr.Errors, err)
	}
	return mErr.ErrorOrNil()
}

// ProxyAnnounce self-registers an edge proxy.
type ProxyAnnounce struct {
	ProxyID string    `json:"proxyId"`
	Address string    `json:"address,omitempty"`
	Type    ProxyType `json:"type,omitempty"`
	HardCap int       `json:"hardCap,omitempty"`
	SoftCap int       `json:"softCap,omitempty"`
}

func (*ProxyAnnounce) MessageType() string { return TypeProxyAnnounce }

func (m *ProxyAnnounce) Validate() error {
	return validateNonBlank("proxyId", m.ProxyID)
}

// ProxyHeartbeat keeps a proxy registration alive.
type ProxyHeartbeat struct {
	ProxyID     string `json:"proxyId"`
	PlayerCount int    `json:"playerCount"`
}

func (*ProxyHeartbeat) MessageType() string { return TypeProxyHeartbeat }

func (m *ProxyHeartbeat) Validate() error {
	return validateNonBlank("proxyId", m.ProxyID)
}

// ProxyShutdown removes a proxy cleanly.
type ProxyShutdown struct {
	ProxyID string `json:"proxyId"`
}

func (*ProxyShutdown) MessageType() string { return TypeProxyShutdown }

func (m *ProxyShutdown) Validate() error {
	return validateNonBlank("proxyId", m.ProxyID)
}

// ProxyDiscoveryRequest asks the registry for the known proxy set.
type ProxyDiscoveryRequest struct {
	RequesterID string `json:"requesterId,omitempty"`
}

func (*ProxyDiscoveryRequest) MessageType() string { return TypeProxyDiscoveryRequest }

// ProxyInfo is one entry of a discovery response. Older proxies omit the
// type field; UnmarshalJSON defaults it to MIXED.
type ProxyInfo struct {
	ProxyID string    `json:"proxyId"`
	Address string    `json:"address,omitempty"`
	Type    ProxyType `json:"type,omitempty"`
}

func (p *ProxyInfo) UnmarshalJSON(data []byte) error {
	type alias ProxyInfo
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	if a.Type == "" {
		a.Type = ProxyTypeMixed
	}
	*p = ProxyInfo(a)
	return nil
}

// ProxyDiscoveryResponse lists the proxies the registry currently knows.
type ProxyDiscoveryResponse struct {
	Proxies []*ProxyInfo `json:"proxies"`
}

func (*ProxyDiscoveryResponse) MessageType() string { return TypeProxyDiscoveryResponse }

// PartyReservationCreated hands a party reservation to the routing service
// for slot allocation.
type PartyReservationCreated struct {
	Reservation *PartyReservationSnapshot `json:"reservation"`
	FamilyID    string                    `json:"familyId"`
	VariantID   string                    `json:"variantId,omitempty"`
}

func (*PartyReservationCreated) MessageType() string { return TypePartyReservationCreated }

func (m *PartyReservationCreated) Validate() error {
	var mErr multierror.Error
	if m.Reservation == nil {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("missing reservation"))
	} else {
		if err := validateNonBlank("reservationId", m.Reservation.ReservationID); err != nil {
			mErr.Errors = append(mErr.Errors, err)
		}
		if len(m.Reservation.Tokens) == 0 {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("reservation has no tokens"))
		}
	}
	if err := validateNonBlank("familyId", m.FamilyID); err != nil {
		mErr.Errors = append(mErr.Errors, err)
	}
	return mErr.ErrorOrNil()
}

// PartyReservationClaimed reports a single member's claim outcome.
type PartyReservationClaimed struct {
	ReservationID string `json:"reservationId"`
	PlayerID      string `json:"playerId"`
	Success       bool   `json:"success"`
	Reason        string `json:"reason,omitempty"`
}

func (*PartyReservationClaimed) MessageType() string { return TypePartyReservationClaimed }

func (m *PartyReservationClaimed) Validate() error {
	var mErr multierror.Error
	if err := validateNonBlank("reservationId", m.ReservationID); err != nil {
		mErr.Errors = append(mErr.Errors, err)
	}
	if err := validateNonBlank("playerId", m.PlayerID); err != nil {
		mErr.Errors = append(mErr.Errors, err)
	}
	return mErr.ErrorOrNil()
}

// MatchRosterCreated locks a slot to a fixed player set for the duration
// of a match.
type MatchRosterCreated struct {
	SlotID  string   `json:"slotId"`
	MatchID string   `json:"matchId"`
	Players []string `json:"players"`
}

func (*MatchRosterCreated) MessageType() string { return TypeMatchRosterCreated }

func (m *MatchRosterCreated) Validate() error {
	var mErr multierror.Error
	if err := validateNonBlank("slotId", m.SlotID); err != nil {
		mErr.Errors = append(mErr.Errors, err)
	}
	if err := validateNonBlank("matchId", m.MatchID); err != nil {
		mErr.Errors = append(mErr.Errors, err)
	}
	return mErr.ErrorOrNil()
}

// MatchRosterEnded releases a roster lock.
type MatchRosterEnded struct {
	SlotID string `json:"slotId"`
}

func (*MatchRosterEnded) MessageType() string { return TypeMatchRosterEnded }

func (m *MatchRosterEnded) Validate() error {
	return validateNonBlank("slotId", m.SlotID)
}

// EnvironmentRouteRequest routes a player to a non-game server selected by
// role, bypassing family and variant logic.
type EnvironmentRouteRequest struct {
	RequestID           string                 `json:"requestId"`
	PlayerID            string                 `json:"playerId"`
	PlayerName          string                 `json:"playerName,omitempty"`
	ProxyID             string                 `json:"proxyId"`
	TargetEnvironmentID string                 `json:"targetEnvironmentId"`
	TargetServerID      string                 `json:"targetServerId,omitempty"`
	OriginServerID      string                 `json:"originServerId,omitempty"`
	WorldName           string                 `json:"worldName,omitempty"`
	SpawnX              float64                `json:"spawnX"`
	SpawnY              float64                `json:"spawnY"`
	SpawnZ              float64                `json:"spawnZ"`
	SpawnYaw            float64                `json:"spawnYaw"`
	SpawnPitch          float64                `json:"spawnPitch"`
	FailureMode         EnvironmentFailureMode `json:"failureMode,omitempty"`
}

func (*EnvironmentRouteRequest) MessageType() string { return TypeEnvironmentRouteRequest }

func (m *EnvironmentRouteRequest) Validate() error {
	var mErr multierror.Error
	if err := validateUUIDField("requestId", m.RequestID); err != nil {
		mErr.Errors = append(mErr.Errors, err)
	}
	if err := validateUUIDField("playerId", m.PlayerID); err != nil {
		mErr.Errors = append(mErr.Errors, err)
	}
	if err := validateNonBlank("proxyId", m.ProxyID); err != nil {
		mErr.Errors = append(mErr.Errors, err)
	}
	if err := validateNonBlank("targetEnvironmentId", m.TargetEnvironmentID); err != nil {
		mErr.Errors = append(mErr.Errors, err)
	}
	return mErr.ErrorOrNil()
}
