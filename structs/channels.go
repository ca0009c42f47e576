package structs

// Channel names are the external wire contract between proxies, the
// registry, and backends. Changing any of these breaks peers.
const (
	ChanPlayerRequest              = "registry.player.request"
	ChanSlotStatus                 = "registry.slot.status"
	ChanEnvironmentRoute           = "registry.environment.route.request"
	ChanRouteCommand               = "player.route.command"
	ChanRouteAck                   = "player.route.ack"
	ChanReservationRequest         = "player.reservation.request"
	ChanReservationResponse        = "player.reservation.response"
	ChanPartyReservationCreated    = "party.reservation.created"
	ChanPartyReservationClaimed    = "party.reservation.claimed"
	ChanMatchRosterCreated         = "match.roster.created"
	ChanMatchRosterEnded           = "match.roster.ended"
	ChanServerRegistrationRequest  = "server.registration.request"
	ChanServerRegistrationResponse = "server.registration.response"
	ChanServerHeartbeat            = "server.heartbeat"
	ChanServerRemoval              = "server.removal"
	ChanServerPlayerRoute          = "server.player.route"
	ChanSlotFamilyAdvertisement    = "slot.family.advertisement"
	ChanSlotProvisionCommand       = "slot.provision.command"
	ChanProxyAnnounce              = "proxy.announce"
	ChanProxyHeartbeat             = "proxy.heartbeat"
	ChanProxyShutdown              = "proxy.shutdown"
	ChanProxyDiscovery             = "proxy.discovery"
	ChanProxyDiscoveryResponse     = "proxy.discovery.response"
)

// TargetedChannel suffixes a channel with a peer ID so a publish reaches a
// single process, e.g. "player.route.command:proxy-east-1".
func TargetedChannel(channel, targetID string) string {
	return channel + ":" + targetID
}
