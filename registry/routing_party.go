package registry

import (
	"strconv"
	"strings"
	"time"

	metrics "github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-set/v2"

	"github.com/haroldDOTsh/fulcrum/structs"
)

// partyAllocation binds a party reservation to a slot. The party's seats
// are held as a block in pendingOccupancy until every member routed or
// the allocation is torn down.
type partyAllocation struct {
	snapshot  *structs.PartyReservationSnapshot
	familyID  string
	variantID string
	slotID    string
	serverID  string
	partySize int

	// teamIndex is -1 for slots without team structure.
	teamIndex int

	dispatched *set.Set[string]
	claimed    *set.Set[string]
	failed     *set.Set[string]
	released   bool
}

// provisionMetadata tags the provision request so the slot factory can
// size the new slot for the waiting party.
func partyProvisionMeta(snap *structs.PartyReservationSnapshot) map[string]string {
	meta := map[string]string{
		structs.MetaKeyPartyReservationID: snap.ReservationID,
		structs.MetaKeyPartySize:          strconv.Itoa(snap.PartySize()),
	}
	if snap.VariantID != "" {
		meta[structs.MetaKeyVariant] = snap.VariantID
	}
	return meta
}

// handlePartyReservationCreated allocates a slot for the whole party up
// front, so members arriving on different proxies land together.
func (r *Router) handlePartyReservationCreated(msg *structs.PartyReservationCreated) {
	snapshot := msg.Reservation
	if _, exists := r.activeParties[snapshot.ReservationID]; exists {
		r.logger.Debug("ignoring duplicate party reservation",
			"reservation_id", snapshot.ReservationID)
		return
	}

	family := strings.ToLower(msg.FamilyID)
	variant := msg.VariantID
	if variant == "" {
		variant = snapshot.VariantID
	}
	snap := snapshot.Copy()
	snap.VariantID = variant

	slot := r.findPartySlot(family, variant, snap.TargetServerID, snap.PartySize())
	if slot == nil {
		r.pendingParties[family] = append(r.pendingParties[family], snap)
		r.triggerProvision(msg.FamilyID, partyProvisionMeta(snap))
		r.logger.Info("party reservation queued, no eligible slot",
			"reservation_id", snap.ReservationID, "family", family, "size", snap.PartySize())
		return
	}
	r.allocateParty(snap, family, slot)
}

// findPartySlot scans for a slot that can seat the whole party at once.
// The reservation's target server is a preference, not a constraint: it
// is tried first and the scan widens to every server when it cannot seat
// the party.
func (r *Router) findPartySlot(family, variantID, targetServerID string, size int) *structs.SlotRecord {
	servers, err := r.slots.Servers()
	if err != nil {
		r.logger.Error("slot scan failed", "error", err)
		return nil
	}
	if targetServerID != "" {
		for _, server := range servers {
			if !strings.EqualFold(server.ID, targetServerID) {
				continue
			}
			for _, slot := range server.Slots {
				if r.canSlotFitParty(slot, family, variantID, size) {
					return slot
				}
			}
		}
	}
	for _, server := range servers {
		for _, slot := range server.Slots {
			if r.canSlotFitParty(slot, family, variantID, size) {
				return slot
			}
		}
	}
	return nil
}

// canSlotFitParty checks slot eligibility for a block of size seats,
// including team structure when the slot declares one.
func (r *Router) canSlotFitParty(slot *structs.SlotRecord, family, variantID string, size int) bool {
	if !slot.Status.Dispatchable() {
		return false
	}
	if !strings.EqualFold(slot.Family(), family) {
		return false
	}
	if !slot.MatchesVariant(variantID) {
		return false
	}
	if slot.RemainingCapacity(r.slotHolds(slot.ID)) < size {
		return false
	}
	if teamMax := slot.TeamMax(); teamMax > 0 && size > teamMax {
		return false
	}
	if slot.TeamCount() > 0 {
		if _, ok := r.pickTeamIndex(slot); !ok {
			return false
		}
	}
	return true
}

// pickTeamIndex returns the lowest team index on the slot that no active
// allocation holds, or ok=false when every team is taken. Slots without
// team structure get -1.
func (r *Router) pickTeamIndex(slot *structs.SlotRecord) (int, bool) {
	teamCount := slot.TeamCount()
	if teamCount == 0 {
		return -1, true
	}
	used := make(map[int]bool, teamCount)
	for _, alloc := range r.activeParties {
		if alloc.slotID == slot.ID && !alloc.released && alloc.teamIndex >= 0 {
			used[alloc.teamIndex] = true
		}
	}
	for i := 0; i < teamCount; i++ {
		if !used[i] {
			return i, true
		}
	}
	return -1, false
}

// allocateParty pins the reservation to a slot, holds its seats and
// drains members that arrived before the allocation existed.
func (r *Router) allocateParty(snap *structs.PartyReservationSnapshot, family string, slot *structs.SlotRecord) {
	teamIndex, ok := r.pickTeamIndex(slot)
	if !ok {
		// Raced with another allocation for the last team; park it again.
		r.pendingParties[family] = append([]*structs.PartyReservationSnapshot{snap}, r.pendingParties[family]...)
		r.triggerProvision(family, partyProvisionMeta(snap))
		return
	}

	snap.TargetServerID = slot.ServerID
	snap.AssignedTeamIndex = teamIndex
	alloc := &partyAllocation{
		snapshot:   snap,
		familyID:   family,
		variantID:  snap.VariantID,
		slotID:     slot.ID,
		serverID:   slot.ServerID,
		partySize:  snap.PartySize(),
		teamIndex:  teamIndex,
		dispatched: set.New[string](snap.PartySize()),
		claimed:    set.New[string](snap.PartySize()),
		failed:     set.New[string](snap.PartySize()),
	}
	r.activeParties[snap.ReservationID] = alloc
	r.pendingOccupancy[slot.ID] += alloc.partySize

	metrics.IncrCounter([]string{"fulcrum", "routing", "party_allocated"}, 1)
	r.logger.Info("allocated party to slot", "reservation_id", snap.ReservationID,
		"slot_id", slot.ID, "size", alloc.partySize, "team_index", teamIndex)

	queued := r.pendingPartyPlayers[snap.ReservationID]
	delete(r.pendingPartyPlayers, snap.ReservationID)
	for _, ctx := range queued {
		if time.Since(ctx.createdAt) >= r.config.MaxQueueWait {
			r.disconnectCtx(ctx, structs.ReasonQueueTimeout)
			continue
		}
		r.dispatchPartyMember(ctx, alloc)
	}
}

// handlePartyMemberRequest is the intake for a slot request carrying a
// party reservation ID.
func (r *Router) handlePartyMemberRequest(req *structs.PlayerSlotRequest, reservationID string) {
	ctx := r.newRequestContext(req)
	r.activeRequests[req.RequestID] = struct{}{}

	alloc, ok := r.activeParties[reservationID]
	if !ok || alloc.released {
		// Member beat the allocation (or the slot is being replaced);
		// park until it lands.
		r.pendingPartyPlayers[reservationID] = append(r.pendingPartyPlayers[reservationID], ctx)
		return
	}
	r.dispatchPartyMember(ctx, alloc)
}

// dispatchPartyMember validates the member's token against the
// reservation and dispatches onto the allocated slot.
func (r *Router) dispatchPartyMember(ctx *RequestContext, alloc *partyAllocation) {
	playerID := ctx.request.PlayerID
	expected, holds := alloc.snapshot.Tokens[playerID]
	if !holds || expected == "" {
		r.disconnectCtx(ctx, structs.ReasonPartyTokenMissing)
		return
	}
	provided := ctx.request.Metadata[structs.MetaKeyPartyTokenID]
	if provided != expected {
		r.disconnectCtx(ctx, structs.ReasonPartyTokenMismatch)
		return
	}

	slot, err := r.slots.SlotByID(alloc.slotID)
	if err != nil {
		r.logger.Error("slot lookup failed", "slot_id", alloc.slotID, "error", err)
	}
	if slot == nil || !slot.Status.Dispatchable() {
		reservationID := alloc.snapshot.ReservationID
		r.requeuePartyReservation(alloc)
		r.pendingPartyPlayers[reservationID] = append(r.pendingPartyPlayers[reservationID], ctx)
		return
	}
	r.dispatch(ctx, slot, expected, true, alloc)
}

// partyMemberRouted records a successful member route and releases the
// block hold once the whole party has landed.
func (r *Router) partyMemberRouted(fl *inFlightRoute) {
	alloc, ok := r.activeParties[fl.reservationID]
	if !ok {
		return
	}
	alloc.dispatched.Insert(fl.ctx.request.PlayerID)
	if alloc.dispatched.Size() >= alloc.partySize {
		r.releaseParty(alloc, true)
	}
}

// handlePartyReservationClaimed folds backend-side claim outcomes into
// the allocation. The reservation completes once every member resolved,
// claimed or failed, and any failure makes the completion unsuccessful.
func (r *Router) handlePartyReservationClaimed(msg *structs.PartyReservationClaimed) {
	alloc, ok := r.activeParties[msg.ReservationID]
	if !ok {
		return
	}
	if msg.Success {
		alloc.claimed.Insert(msg.PlayerID)
	} else {
		alloc.failed.Insert(msg.PlayerID)
		r.logger.Warn("party member claim failed", "reservation_id", msg.ReservationID,
			"player_id", msg.PlayerID, "reason", msg.Reason)
	}
	if alloc.claimed.Size()+alloc.failed.Size() >= alloc.partySize {
		r.releaseParty(alloc, alloc.failed.Size() == 0)
	}
}

// releaseParty drops the block hold. The allocation stays resolvable for
// late duplicate requests via playerActiveSlots, not via the party map.
func (r *Router) releaseParty(alloc *partyAllocation, success bool) {
	if alloc.released {
		return
	}
	alloc.released = true
	r.decHold(r.pendingOccupancy, alloc.slotID, alloc.partySize)
	delete(r.activeParties, alloc.snapshot.ReservationID)
	if !success {
		metrics.IncrCounter([]string{"fulcrum", "routing", "party_claim_failed"}, 1)
		r.logger.Warn("released party allocation with failed claims",
			"reservation_id", alloc.snapshot.ReservationID, "slot_id", alloc.slotID,
			"failed", alloc.failed.Size())
		return
	}
	metrics.IncrCounter([]string{"fulcrum", "routing", "party_released"}, 1)
	r.logger.Debug("released party allocation",
		"reservation_id", alloc.snapshot.ReservationID, "slot_id", alloc.slotID)
}

// requeuePartyMember parks a member whose route failed transiently until
// the reservation is re-allocated or the member re-dispatches.
func (r *Router) requeuePartyMember(ctx *RequestContext, reservationID string) {
	if time.Since(ctx.createdAt) >= r.config.MaxQueueWait {
		r.disconnectCtx(ctx, structs.ReasonQueueTimeout)
		return
	}
	alloc, ok := r.activeParties[reservationID]
	if ok && !alloc.released {
		r.dispatchPartyMember(ctx, alloc)
		return
	}
	r.pendingPartyPlayers[reservationID] = append(r.pendingPartyPlayers[reservationID], ctx)
}

// requeuePartyReservation tears an allocation off its slot and puts the
// reservation back at the head of the pending line.
func (r *Router) requeuePartyReservation(alloc *partyAllocation) {
	if alloc.released {
		return
	}
	alloc.released = true
	r.decHold(r.pendingOccupancy, alloc.slotID, alloc.partySize)
	delete(r.activeParties, alloc.snapshot.ReservationID)

	snap := alloc.snapshot.Copy()
	snap.TargetServerID = ""
	snap.AssignedTeamIndex = -1
	r.pendingParties[alloc.familyID] = append([]*structs.PartyReservationSnapshot{snap}, r.pendingParties[alloc.familyID]...)
	r.triggerProvision(alloc.familyID, partyProvisionMeta(snap))

	metrics.IncrCounter([]string{"fulcrum", "routing", "party_requeued"}, 1)
	r.logger.Warn("re-queued party reservation",
		"reservation_id", snap.ReservationID, "family", alloc.familyID)
}

// drainPendingParties gives queued party reservations first claim on a
// slot that just became available. Parties outrank single players so a
// large group cannot starve behind a stream of singles.
func (r *Router) drainPendingParties(family string, slot *structs.SlotRecord) {
	pending := r.pendingParties[family]
	if len(pending) == 0 {
		return
	}
	delete(r.pendingParties, family)

	var kept []*structs.PartyReservationSnapshot
	for i, snap := range pending {
		// The target server is only a preference; a party waiting on a
		// slot takes any server that can seat it.
		if !r.canSlotFitParty(slot, family, snap.VariantID, snap.PartySize()) {
			kept = append(kept, snap)
			continue
		}
		r.allocateParty(snap, family, slot)
		// allocateParty can park the snapshot again when it loses the
		// last team; stop draining rather than loop over it.
		if _, ok := r.activeParties[snap.ReservationID]; !ok {
			kept = append(kept, pending[i+1:]...)
			break
		}
	}
	if len(kept) > 0 {
		r.pendingParties[family] = append(r.pendingParties[family], kept...)
	}
}
