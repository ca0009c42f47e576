package registry

import (
	"strconv"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/haroldDOTsh/fulcrum/ci"
	"github.com/haroldDOTsh/fulcrum/helper/uuid"
	"github.com/haroldDOTsh/fulcrum/structs"
)

// addTeamBackend registers a backend whose slot declares a team layout.
func (h *routingHarness) addTeamBackend(serverID, family string, maxPlayers, teamCount, teamMax int) *structs.SlotRecord {
	slot := h.addBackend(serverID, family, maxPlayers, true)
	server, err := h.store.ServerByID(serverID)
	must.NoError(h.t, err)
	server.Slots[slot.Suffix].Metadata[structs.MetaKeyTeamCount] = strconv.Itoa(teamCount)
	server.Slots[slot.Suffix].Metadata[structs.MetaKeyTeamMax] = strconv.Itoa(teamMax)
	must.NoError(h.t, h.store.UpsertServer(server))
	slot.Metadata[structs.MetaKeyTeamCount] = strconv.Itoa(teamCount)
	slot.Metadata[structs.MetaKeyTeamMax] = strconv.Itoa(teamMax)
	return slot
}

// newParty builds a reservation snapshot for size members and returns it
// with the member player IDs in token-map order independence.
func newParty(size int) (*structs.PartyReservationSnapshot, []string) {
	tokens := make(map[string]string, size)
	players := make([]string, 0, size)
	for i := 0; i < size; i++ {
		playerID := uuid.Generate()
		players = append(players, playerID)
		tokens[playerID] = uuid.Generate()
	}
	return &structs.PartyReservationSnapshot{
		ReservationID:     uuid.Generate(),
		PartyID:           uuid.Generate(),
		Tokens:            tokens,
		AssignedTeamIndex: -1,
	}, players
}

func (h *routingHarness) announceParty(snap *structs.PartyReservationSnapshot, family string) {
	client := h.transport.Client("party-service")
	must.NoError(h.t, client.Broadcast(structs.ChanPartyReservationCreated,
		&structs.PartyReservationCreated{Reservation: snap, FamilyID: family}))
}

func (h *routingHarness) sendPartyMember(proxyID, family string, snap *structs.PartyReservationSnapshot, playerID string) *structs.PlayerSlotRequest {
	req := &structs.PlayerSlotRequest{
		RequestID:  uuid.Generate(),
		PlayerID:   playerID,
		PlayerName: "Steve",
		ProxyID:    proxyID,
		FamilyID:   family,
		Metadata: map[string]string{
			structs.MetaKeyPartyReservationID: snap.ReservationID,
			structs.MetaKeyPartyTokenID:       snap.Tokens[playerID],
		},
	}
	h.sendRequest(req)
	return req
}

// Whole-party placement: the party lands together on one team, the block
// hold covers every seat, and routing all members releases it.
func TestRouter_Party_TeamPlacement(t *testing.T) {
	ci.Parallel(t)
	h := newRoutingHarness(t, nil)
	h.addProxy("proxy1")
	h.captureProxy("proxy1")
	slot := h.addTeamBackend("game1", "bedwars", 8, 4, 2)

	snap, players := newParty(2)
	h.announceParty(snap, "bedwars")

	h.waitStats(func(s *RouterStats) bool {
		return s.ActiveParties == 1 && s.PendingOccupancy[slot.ID] == 2
	}, "party allocated with a two-seat block hold")

	h.sendPartyMember("proxy1", "bedwars", snap, players[0])
	h.sendPartyMember("proxy1", "bedwars", snap, players[1])

	cmds := h.waitProxyCmds(2)
	for _, cmd := range cmds {
		must.Eq(t, structs.RouteActionRoute, cmd.Action)
		must.Eq(t, slot.ID, cmd.SlotID)
		must.Eq(t, snap.PartyID, cmd.Metadata[structs.MetaKeyPartyID])
		must.Eq(t, "0", cmd.Metadata[structs.MetaKeyTeamIndex])
		must.Eq(t, snap.Tokens[cmd.PlayerID], cmd.Metadata[structs.MetaKeyReservationToken])
	}

	// Members ride the block hold, no per-member seats stack on top.
	stats := h.router.Stats()
	must.Eq(t, 2, stats.PendingOccupancy[slot.ID])

	h.ack(cmds[0], structs.RouteAckSuccess, "")
	h.ack(cmds[1], structs.RouteAckSuccess, "")

	h.waitStats(func(s *RouterStats) bool {
		return s.ActiveParties == 0 && len(s.PendingOccupancy) == 0
	}, "fully routed party releases the block hold")
}

// Two parties on the same slot take distinct teams.
func TestRouter_Party_DistinctTeams(t *testing.T) {
	ci.Parallel(t)
	h := newRoutingHarness(t, nil)
	h.addProxy("proxy1")
	h.captureProxy("proxy1")
	slot := h.addTeamBackend("game1", "bedwars", 8, 4, 2)

	first, firstPlayers := newParty(2)
	second, secondPlayers := newParty(2)
	h.announceParty(first, "bedwars")
	h.announceParty(second, "bedwars")

	h.waitStats(func(s *RouterStats) bool {
		return s.ActiveParties == 2 && s.PendingOccupancy[slot.ID] == 4
	}, "both parties hold seat blocks")

	h.sendPartyMember("proxy1", "bedwars", first, firstPlayers[0])
	h.sendPartyMember("proxy1", "bedwars", second, secondPlayers[0])

	cmds := h.waitProxyCmds(2)
	teams := map[string]string{}
	for _, cmd := range cmds {
		teams[cmd.Metadata[structs.MetaKeyPartyID]] = cmd.Metadata[structs.MetaKeyTeamIndex]
	}
	must.MapLen(t, 2, teams)
	must.NotEq(t, teams[first.PartyID], teams[second.PartyID])
}

// A party bigger than the team cap cannot land; it queues and triggers
// provisioning.
func TestRouter_Party_TooBigForTeam_Queues(t *testing.T) {
	ci.Parallel(t)
	h := newRoutingHarness(t, nil)
	h.addProxy("proxy1")
	h.captureProxy("proxy1")
	h.addTeamBackend("game1", "bedwars", 16, 4, 2)

	snap, _ := newParty(3)
	h.announceParty(snap, "bedwars")

	h.waitStats(func(s *RouterStats) bool {
		return s.ActiveParties == 0 && s.PendingParties == 1
	}, "oversized party queued")
	must.Eq(t, 1, h.provision.count())

	// The provision request is tagged so the slot factory can size the
	// new slot for the waiting party.
	meta := h.provision.lastMeta()
	must.Eq(t, snap.ReservationID, meta[structs.MetaKeyPartyReservationID])
	must.Eq(t, "3", meta[structs.MetaKeyPartySize])
}

// A member carrying the wrong token is disconnected terminally.
func TestRouter_Party_TokenMismatch(t *testing.T) {
	ci.Parallel(t)
	h := newRoutingHarness(t, nil)
	h.addProxy("proxy1")
	h.captureProxy("proxy1")
	h.addTeamBackend("game1", "bedwars", 8, 4, 2)

	snap, players := newParty(2)
	h.announceParty(snap, "bedwars")
	h.waitStats(func(s *RouterStats) bool { return s.ActiveParties == 1 }, "party allocated")

	req := &structs.PlayerSlotRequest{
		RequestID:  uuid.Generate(),
		PlayerID:   players[0],
		PlayerName: "Steve",
		ProxyID:    "proxy1",
		FamilyID:   "bedwars",
		Metadata: map[string]string{
			structs.MetaKeyPartyReservationID: snap.ReservationID,
			structs.MetaKeyPartyTokenID:       uuid.Generate(),
		},
	}
	h.sendRequest(req)

	cmds := h.waitProxyCmds(1)
	must.Eq(t, structs.RouteActionDisconnect, cmds[0].Action)
	must.Eq(t, structs.ReasonPartyTokenMismatch, cmds[0].Metadata[structs.MetaKeyReason])
}

// A player with no token in the reservation at all is also terminal.
func TestRouter_Party_TokenMissing(t *testing.T) {
	ci.Parallel(t)
	h := newRoutingHarness(t, nil)
	h.addProxy("proxy1")
	h.captureProxy("proxy1")
	h.addTeamBackend("game1", "bedwars", 8, 4, 2)

	snap, _ := newParty(2)
	h.announceParty(snap, "bedwars")
	h.waitStats(func(s *RouterStats) bool { return s.ActiveParties == 1 }, "party allocated")

	outsider := &structs.PlayerSlotRequest{
		RequestID:  uuid.Generate(),
		PlayerID:   uuid.Generate(),
		PlayerName: "Alex",
		ProxyID:    "proxy1",
		FamilyID:   "bedwars",
		Metadata: map[string]string{
			structs.MetaKeyPartyReservationID: snap.ReservationID,
		},
	}
	h.sendRequest(outsider)

	cmds := h.waitProxyCmds(1)
	must.Eq(t, structs.RouteActionDisconnect, cmds[0].Action)
	must.Eq(t, structs.ReasonPartyTokenMissing, cmds[0].Metadata[structs.MetaKeyReason])
}

// Members arriving before the reservation park until the allocation
// lands, then dispatch in arrival order.
func TestRouter_Party_MemberBeforeReservation(t *testing.T) {
	ci.Parallel(t)
	h := newRoutingHarness(t, nil)
	h.addProxy("proxy1")
	h.captureProxy("proxy1")
	slot := h.addTeamBackend("game1", "bedwars", 8, 4, 2)

	snap, players := newParty(2)

	// Member shows up first; no allocation exists yet.
	req := h.sendPartyMember("proxy1", "bedwars", snap, players[0])
	time.Sleep(100 * time.Millisecond)
	must.Eq(t, 0, h.proxyCmdCount())

	h.announceParty(snap, "bedwars")

	cmds := h.waitProxyCmds(1)
	must.Eq(t, req.RequestID, cmds[0].RequestID)
	must.Eq(t, slot.ID, cmds[0].SlotID)
}

// Queued parties outrank queued singles when a slot comes up.
func TestRouter_Party_DrainsBeforeSingles(t *testing.T) {
	ci.Parallel(t)
	h := newRoutingHarness(t, nil)
	h.addProxy("proxy1")
	h.captureProxy("proxy1")

	// Single player queues first, party second.
	single := h.newRequest("proxy1", "bedwars")
	h.sendRequest(single)
	h.waitStats(func(s *RouterStats) bool { return s.QueueLengths["bedwars"] == 1 }, "single queued")

	snap, players := newParty(2)
	h.announceParty(snap, "bedwars")
	h.waitStats(func(s *RouterStats) bool { return s.PendingParties == 1 }, "party queued")

	// A two-seat slot comes up. The party claims both seats even though
	// the single was there first.
	slot := h.addTeamBackend("game1", "bedwars", 2, 1, 2)
	h.router.OnSlotAvailable(slot)

	h.waitStats(func(s *RouterStats) bool {
		return s.ActiveParties == 1 && s.PendingParties == 0 &&
			s.PendingOccupancy[slot.ID] == 2 && s.QueueLengths["bedwars"] == 1
	}, "party claimed the slot, single still queued")

	h.sendPartyMember("proxy1", "bedwars", snap, players[0])
	cmds := h.waitProxyCmds(1)
	must.Eq(t, slot.ID, cmds[0].SlotID)
	must.Eq(t, snap.PartyID, cmds[0].Metadata[structs.MetaKeyPartyID])
}

// Backend-side claims release the block hold the same way routed acks do.
func TestRouter_Party_ClaimedReleases(t *testing.T) {
	ci.Parallel(t)
	h := newRoutingHarness(t, nil)
	h.addProxy("proxy1")
	h.captureProxy("proxy1")
	slot := h.addTeamBackend("game1", "bedwars", 8, 4, 2)

	snap, players := newParty(2)
	h.announceParty(snap, "bedwars")
	h.waitStats(func(s *RouterStats) bool {
		return s.ActiveParties == 1 && s.PendingOccupancy[slot.ID] == 2
	}, "party allocated")

	backend := h.transport.Client("game1")
	for _, playerID := range players {
		claim := &structs.PartyReservationClaimed{
			ReservationID: snap.ReservationID,
			PlayerID:      playerID,
			Success:       true,
		}
		must.NoError(t, backend.Broadcast(structs.ChanPartyReservationClaimed, claim))
	}

	h.waitStats(func(s *RouterStats) bool {
		return s.ActiveParties == 0 && len(s.PendingOccupancy) == 0
	}, "fully claimed party releases the block hold")
}

// Losing the slot mid-allocation puts the reservation back at the head
// of the pending line and re-allocates on the next slot.
func TestRouter_Party_SlotLost_Requeues(t *testing.T) {
	ci.Parallel(t)
	h := newRoutingHarness(t, nil)
	h.addProxy("proxy1")
	h.captureProxy("proxy1")
	slot := h.addTeamBackend("game1", "bedwars", 8, 4, 2)

	snap, players := newParty(2)
	h.announceParty(snap, "bedwars")
	h.waitStats(func(s *RouterStats) bool { return s.ActiveParties == 1 }, "party allocated")

	faulted := slot.Copy()
	faulted.Status = structs.SlotStatusFaulted
	h.router.OnSlotUnavailable(faulted, structs.ReasonSlotUnavailable)

	h.waitStats(func(s *RouterStats) bool {
		return s.ActiveParties == 0 && s.PendingParties == 1 && len(s.PendingOccupancy) == 0
	}, "allocation torn down and re-queued")

	slot2 := h.addTeamBackend("game2", "bedwars", 8, 4, 2)
	h.router.OnSlotAvailable(slot2)

	h.waitStats(func(s *RouterStats) bool {
		return s.ActiveParties == 1 && s.PendingParties == 0 && s.PendingOccupancy[slot2.ID] == 2
	}, "party re-allocated on the new slot")

	h.sendPartyMember("proxy1", "bedwars", snap, players[0])
	cmds := h.waitProxyCmds(1)
	must.Eq(t, slot2.ID, cmds[0].SlotID)
}

// A failed member claim still counts toward completion: once every
// member resolved one way or the other, the block hold comes off even
// when some claims failed.
func TestRouter_Party_ClaimFailureReleases(t *testing.T) {
	ci.Parallel(t)
	h := newRoutingHarness(t, nil)
	h.addProxy("proxy1")
	h.captureProxy("proxy1")
	slot := h.addTeamBackend("game1", "bedwars", 8, 4, 2)

	snap, players := newParty(2)
	h.announceParty(snap, "bedwars")
	h.waitStats(func(s *RouterStats) bool {
		return s.ActiveParties == 1 && s.PendingOccupancy[slot.ID] == 2
	}, "party allocated")

	backend := h.transport.Client("game1")
	must.NoError(t, backend.Broadcast(structs.ChanPartyReservationClaimed,
		&structs.PartyReservationClaimed{
			ReservationID: snap.ReservationID,
			PlayerID:      players[0],
			Success:       true,
		}))
	must.NoError(t, backend.Broadcast(structs.ChanPartyReservationClaimed,
		&structs.PartyReservationClaimed{
			ReservationID: snap.ReservationID,
			PlayerID:      players[1],
			Success:       false,
			Reason:        "slot rejected the claim",
		}))

	h.waitStats(func(s *RouterStats) bool {
		return s.ActiveParties == 0 && len(s.PendingOccupancy) == 0
	}, "partially failed party still releases the block hold")
}

// The reservation's target server is a suggestion. When it cannot seat
// the party the scan widens to any eligible server.
func TestRouter_Party_TargetServerFallback(t *testing.T) {
	ci.Parallel(t)
	h := newRoutingHarness(t, nil)
	h.addProxy("proxy1")
	h.captureProxy("proxy1")
	slot := h.addTeamBackend("game1", "bedwars", 8, 4, 2)

	snap, players := newParty(2)
	snap.TargetServerID = "game9"
	h.announceParty(snap, "bedwars")

	h.waitStats(func(s *RouterStats) bool {
		return s.ActiveParties == 1 && s.PendingParties == 0 &&
			s.PendingOccupancy[slot.ID] == 2
	}, "party allocated elsewhere when the suggested server has no slot")

	h.sendPartyMember("proxy1", "bedwars", snap, players[0])
	cmds := h.waitProxyCmds(1)
	must.Eq(t, slot.ID, cmds[0].SlotID)
}

// When the suggested server does have an eligible slot it wins over
// other servers that could also seat the party.
func TestRouter_Party_TargetServerPreferred(t *testing.T) {
	ci.Parallel(t)
	h := newRoutingHarness(t, nil)
	h.addProxy("proxy1")
	h.captureProxy("proxy1")
	h.addTeamBackend("game1", "bedwars", 8, 4, 2)
	slot2 := h.addTeamBackend("game2", "bedwars", 8, 4, 2)

	snap, players := newParty(2)
	snap.TargetServerID = "game2"
	h.announceParty(snap, "bedwars")

	h.waitStats(func(s *RouterStats) bool {
		return s.ActiveParties == 1 && s.PendingOccupancy[slot2.ID] == 2
	}, "party allocated on the suggested server")

	h.sendPartyMember("proxy1", "bedwars", snap, players[0])
	cmds := h.waitProxyCmds(1)
	must.Eq(t, slot2.ID, cmds[0].SlotID)
}
