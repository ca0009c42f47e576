package structs

import (
	"encoding/json"
	"fmt"
)

// messageFactories maps the wire discriminator to a constructor for the
// concrete message type.
var messageFactories = map[string]func() Message{
	TypePlayerSlotRequest:          func() Message { return new(PlayerSlotRequest) },
	TypePlayerReservationRequest:   func() Message { return new(PlayerReservationRequest) },
	TypePlayerReservationResponse:  func() Message { return new(PlayerReservationResponse) },
	TypePlayerRouteCommand:         func() Message { return new(PlayerRouteCommand) },
	TypePlayerRouteAck:             func() Message { return new(PlayerRouteAck) },
	TypeServerRegistrationRequest:  func() Message { return new(ServerRegistrationRequest) },
	TypeServerRegistrationResponse: func() Message { return new(ServerRegistrationResponse) },
	TypeServerHeartbeat:            func() Message { return new(ServerHeartbeat) },
	TypeServerRemoval:              func() Message { return new(ServerRemoval) },
	TypeSlotStatusUpdate:           func() Message { return new(SlotStatusUpdate) },
	TypeSlotFamilyAdvertisement:    func() Message { return new(SlotFamilyAdvertisement) },
	TypeSlotProvisionCommand:       func() Message { return new(SlotProvisionCommand) },
	TypeProxyAnnounce:              func() Message { return new(ProxyAnnounce) },
	TypeProxyHeartbeat:             func() Message { return new(ProxyHeartbeat) },
	TypeProxyShutdown:              func() Message { return new(ProxyShutdown) },
	TypeProxyDiscoveryRequest:      func() Message { return new(ProxyDiscoveryRequest) },
	TypeProxyDiscoveryResponse:     func() Message { return new(ProxyDiscoveryResponse) },
	TypePartyReservationCreated:    func() Message { return new(PartyReservationCreated) },
	TypePartyReservationClaimed:    func() Message { return new(PartyReservationClaimed) },
	TypeMatchRosterCreated:         func() Message { return new(MatchRosterCreated) },
	TypeMatchRosterEnded:           func() Message { return new(MatchRosterEnded) },
	TypeEnvironmentRouteRequest:    func() Message { return new(EnvironmentRouteRequest) },
}

// DecodeMessage resolves a discriminator and unmarshals the payload into
// the concrete message type. Unknown discriminators are an error; unknown
// payload fields are ignored.
func DecodeMessage(msgType string, payload []byte) (Message, error) {
	factory, ok := messageFactories[msgType]
	if !ok {
		return nil, fmt.Errorf("unknown message type %q", msgType)
	}
	msg := factory()
	if err := json.Unmarshal(payload, msg); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", msgType, err)
	}
	return msg, nil
}

// EncodeMessage marshals a message payload for the bus.
func EncodeMessage(msg Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", msg.MessageType(), err)
	}
	return payload, nil
}
