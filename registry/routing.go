package registry

import (
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-set/v2"

	"github.com/haroldDOTsh/fulcrum/bus"
	"github.com/haroldDOTsh/fulcrum/helper/uuid"
	"github.com/haroldDOTsh/fulcrum/structs"
)

const (
	// routerWorkBuffer is the task buffer of the routing worker.
	routerWorkBuffer = 1024

	// queueSweepInterval is how often queued contexts are checked against
	// the max queue wait, independent of slot events.
	queueSweepInterval = time.Second
)

// SlotSource is the read surface the routing service needs from the
// registry state. Implemented by *state.Store.
type SlotSource interface {
	Servers() ([]*structs.ServerRecord, error)
	SlotByID(slotID string) (*structs.SlotRecord, error)
}

// ProxySource resolves proxy identities. Implemented by *state.Store.
type ProxySource interface {
	ProxyByID(id string) (*structs.ProxyRecord, error)
}

// SlotProvisioner triggers slot provisioning when no eligible slot exists.
// Implemented by *Provisioner.
type SlotProvisioner interface {
	RequestProvision(familyID string, metadata map[string]string) (string, bool)
}

// RequestContext is a pending routing attempt for one player.
type RequestContext struct {
	request        *structs.PlayerSlotRequest
	createdAt      time.Time
	lastEnqueuedAt time.Time
	retries        int

	// blockedSlotID is the slot the player currently occupies; it must
	// never be chosen again for this request.
	blockedSlotID string

	variantID string
}

// inFlightRoute is a dispatched but unacknowledged route command.
type inFlightRoute struct {
	ctx  *RequestContext
	slot *structs.SlotRecord

	// preReserved routes ride on occupancy a party allocation already
	// holds; only non-pre-reserved routes hold their own seat.
	preReserved bool

	// reservationID links party-member routes back to their allocation.
	reservationID string

	timer *time.Timer
}

// pendingReservation is a reservation handshake awaiting the backend's
// response, parked until the response or the reservation timeout.
type pendingReservation struct {
	ctx   *RequestContext
	slot  *structs.SlotRecord
	timer *time.Timer
}

// matchRoster locks a slot to a fixed player set.
type matchRoster struct {
	matchID   string
	players   *set.Set[string]
	updatedAt time.Time
}

// Router is the player routing service: it turns slot requests into
// reservation handshakes and route commands, with bounded retries and
// capacity-aware queueing.
//
// All routing state below the work channel is owned by the single worker
// goroutine; handlers and timers submit closures instead of touching it.
type Router struct {
	logger      hclog.Logger
	config      *Config
	bus         bus.Bus
	slots       SlotSource
	proxies     ProxySource
	provisioner SlotProvisioner

	workCh     chan func()
	shutdownCh chan struct{}

	// Worker-owned state.
	pendingQueues       map[string][]*RequestContext
	inFlight            map[string]*inFlightRoute
	pendingReservations map[string]*pendingReservation
	pendingOccupancy    map[string]int
	reservationHolds    map[string]int
	activeRequests      map[string]struct{}
	activeParties       map[string]*partyAllocation
	pendingParties      map[string][]*structs.PartyReservationSnapshot
	pendingPartyPlayers map[string][]*RequestContext
	matchRosters        map[string]*matchRoster
	playerActiveSlots   map[string]string

	unsubscribes []func()
}

// NewRouter creates the routing service and starts its worker. Call Start
// to attach it to the bus.
func NewRouter(logger hclog.Logger, config *Config, b bus.Bus, slots SlotSource, proxies ProxySource, provisioner SlotProvisioner) *Router {
	r := &Router{
		logger:              logger.Named("routing"),
		config:              config,
		bus:                 b,
		slots:               slots,
		proxies:             proxies,
		provisioner:         provisioner,
		workCh:              make(chan func(), routerWorkBuffer),
		shutdownCh:          make(chan struct{}),
		pendingQueues:       make(map[string][]*RequestContext),
		inFlight:            make(map[string]*inFlightRoute),
		pendingReservations: make(map[string]*pendingReservation),
		pendingOccupancy:    make(map[string]int),
		reservationHolds:    make(map[string]int),
		activeRequests:      make(map[string]struct{}),
		activeParties:       make(map[string]*partyAllocation),
		pendingParties:      make(map[string][]*structs.PartyReservationSnapshot),
		pendingPartyPlayers: make(map[string][]*RequestContext),
		matchRosters:        make(map[string]*matchRoster),
		playerActiveSlots:   make(map[string]string),
	}
	go r.run()
	return r
}

// run is the single-writer worker loop. Every mutation of routing state
// happens here.
func (r *Router) run() {
	sweep := time.NewTicker(queueSweepInterval)
	defer sweep.Stop()
	for {
		select {
		case <-r.shutdownCh:
			return
		case fn := <-r.workCh:
			fn()
		case <-sweep.C:
			r.sweepQueues()
		}
	}
}

// submit enqueues work onto the routing worker. Safe from any goroutine.
func (r *Router) submit(fn func()) {
	select {
	case r.workCh <- fn:
	case <-r.shutdownCh:
	}
}

// Start subscribes the routing channels.
func (r *Router) Start() {
	sub := func(channel string, handler func(structs.Message)) {
		r.unsubscribes = append(r.unsubscribes, r.bus.Subscribe(channel, r.inbound(channel, handler)))
	}
	sub(structs.ChanPlayerRequest, func(msg structs.Message) {
		if m, ok := msg.(*structs.PlayerSlotRequest); ok {
			r.handlePlayerRequest(m)
		}
	})
	sub(structs.ChanRouteAck, func(msg structs.Message) {
		if m, ok := msg.(*structs.PlayerRouteAck); ok {
			r.handleRouteAck(m)
		}
	})
	sub(structs.ChanReservationResponse, func(msg structs.Message) {
		if m, ok := msg.(*structs.PlayerReservationResponse); ok {
			r.handleReservationResponse(m)
		}
	})
	sub(structs.ChanPartyReservationCreated, func(msg structs.Message) {
		if m, ok := msg.(*structs.PartyReservationCreated); ok {
			r.handlePartyReservationCreated(m)
		}
	})
	sub(structs.ChanPartyReservationClaimed, func(msg structs.Message) {
		if m, ok := msg.(*structs.PartyReservationClaimed); ok {
			r.handlePartyReservationClaimed(m)
		}
	})
	sub(structs.ChanMatchRosterCreated, func(msg structs.Message) {
		if m, ok := msg.(*structs.MatchRosterCreated); ok {
			r.handleMatchRosterCreated(m)
		}
	})
	sub(structs.ChanMatchRosterEnded, func(msg structs.Message) {
		if m, ok := msg.(*structs.MatchRosterEnded); ok {
			r.handleMatchRosterEnded(m)
		}
	})
	sub(structs.ChanEnvironmentRoute, func(msg structs.Message) {
		if m, ok := msg.(*structs.EnvironmentRouteRequest); ok {
			r.handleEnvironmentRoute(m)
		}
	})
}

// Shutdown stops the worker. In-flight timers that fire afterwards become
// no-ops because submit drops work once the shutdown channel is closed.
func (r *Router) Shutdown() {
	for _, unsub := range r.unsubscribes {
		unsub()
	}
	close(r.shutdownCh)
}

// inbound guards a bus handler: decode, validate, then hop onto the
// worker. Invalid messages are logged and dropped, never acted on.
func (r *Router) inbound(channel string, handler func(structs.Message)) bus.Handler {
	return func(env *bus.Envelope) {
		msg, err := env.Decode()
		if err != nil {
			r.logger.Error("dropping undecodable message", "channel", channel, "error", err)
			return
		}
		if v, ok := msg.(structs.Validator); ok {
			if err := v.Validate(); err != nil {
				r.logger.Warn("dropping invalid message",
					"channel", channel, "type", env.Type, "error", err)
				metrics.IncrCounter([]string{"fulcrum", "routing", "invalid_message"}, 1)
				return
			}
		}
		r.submit(func() { handler(msg) })
	}
}

// OnSlotAvailable implements SlotListener.
func (r *Router) OnSlotAvailable(slot *structs.SlotRecord) {
	r.submit(func() { r.drainFamily(slot) })
}

// OnSlotUnavailable implements SlotListener.
func (r *Router) OnSlotUnavailable(slot *structs.SlotRecord, reason string) {
	r.submit(func() { r.handleSlotUnavailable(slot, reason) })
}

// handlePlayerRequest is the intake of the single-player state machine.
func (r *Router) handlePlayerRequest(req *structs.PlayerSlotRequest) {
	// Duplicate delivery of the same request must not produce a second
	// route.
	if _, active := r.activeRequests[req.RequestID]; active {
		r.logger.Debug("ignoring duplicate slot request", "request_id", req.RequestID)
		return
	}

	if reservationID := req.Metadata[structs.MetaKeyPartyReservationID]; reservationID != "" {
		r.handlePartyMemberRequest(req, reservationID)
		return
	}

	proxy, err := r.proxies.ProxyByID(req.ProxyID)
	if err != nil || proxy == nil {
		r.logger.Warn("slot request from unknown proxy",
			"request_id", req.RequestID, "proxy_id", req.ProxyID)
		r.sendDisconnect(req.RequestID, req.PlayerID, req.PlayerName, req.ProxyID, structs.ReasonUnknownProxy)
		return
	}

	ctx := r.newRequestContext(req)
	r.activeRequests[req.RequestID] = struct{}{}
	metrics.IncrCounter([]string{"fulcrum", "routing", "request"}, 1)

	slot := r.findAvailableSlot(req.FamilyID, ctx.variantID, ctx.blockedSlotID, req.PlayerID, 1)
	if slot != nil {
		r.reserve(ctx, slot)
		return
	}
	r.enqueueRequest(ctx)
	r.triggerProvision(req.FamilyID, req.Metadata)
}

func (r *Router) newRequestContext(req *structs.PlayerSlotRequest) *RequestContext {
	blocked := req.Metadata[structs.MetaKeyCurrentSlotID]
	if blocked == "" {
		blocked = r.playerActiveSlots[req.PlayerID]
	}
	variant := req.Metadata[structs.MetaKeyVariant]
	if variant == "" {
		variant = req.Metadata[structs.MetaKeyFamilyVariant]
	}
	if variant == "" {
		variant = req.Metadata[structs.MetaKeyGameType]
	}
	now := time.Now()
	return &RequestContext{
		request:        req.Copy(),
		createdAt:      now,
		lastEnqueuedAt: now,
		blockedSlotID:  blocked,
		variantID:      variant,
	}
}

// slotHolds is the number of seats on the slot that are spoken for but
// not yet occupied: dispatched-unacked routes plus outstanding
// reservation handshakes.
func (r *Router) slotHolds(slotID string) int {
	return r.pendingOccupancy[slotID] + r.reservationHolds[slotID]
}

// rosterAllows reports whether a roster lock (if any) admits the player.
func (r *Router) rosterAllows(slotID, playerID string) bool {
	roster, ok := r.matchRosters[slotID]
	if !ok {
		return true
	}
	return roster.players.Contains(playerID)
}

// slotEligible applies the full eligibility rule set for one slot.
func (r *Router) slotEligible(slot *structs.SlotRecord, familyID, variantID, blockedSlotID, playerID string, seats int) bool {
	if !slot.Status.Dispatchable() {
		return false
	}
	if !strings.EqualFold(slot.Family(), familyID) {
		return false
	}
	if !slot.MatchesVariant(variantID) {
		return false
	}
	if blockedSlotID != "" && strings.EqualFold(slot.ID, blockedSlotID) {
		return false
	}
	if slot.RemainingCapacity(r.slotHolds(slot.ID)) < seats {
		return false
	}
	return r.rosterAllows(slot.ID, playerID)
}

// findAvailableSlot scans the registry for the first eligible slot.
func (r *Router) findAvailableSlot(familyID, variantID, blockedSlotID, playerID string, seats int) *structs.SlotRecord {
	servers, err := r.slots.Servers()
	if err != nil {
		r.logger.Error("slot scan failed", "error", err)
		return nil
	}
	for _, server := range servers {
		for _, slot := range server.Slots {
			if r.slotEligible(slot, familyID, variantID, blockedSlotID, playerID, seats) {
				return slot
			}
		}
	}
	return nil
}

// reserve starts the reservation handshake with the slot's backend. The
// seat is held through reservationHolds until the handshake resolves.
func (r *Router) reserve(ctx *RequestContext, slot *structs.SlotRecord) {
	reservationRequestID := uuid.Generate()
	req := &structs.PlayerReservationRequest{
		RequestID:  reservationRequestID,
		PlayerID:   ctx.request.PlayerID,
		PlayerName: ctx.request.PlayerName,
		ProxyID:    ctx.request.ProxyID,
		ServerID:   slot.ServerID,
		SlotID:     slot.ID,
		Metadata:   structs.CopyMapStringString(ctx.request.Metadata),
	}

	pr := &pendingReservation{ctx: ctx, slot: slot}
	r.pendingReservations[reservationRequestID] = pr
	r.reservationHolds[slot.ID]++
	pr.timer = time.AfterFunc(r.config.ReservationTimeout, func() {
		r.submit(func() { r.reservationExpired(reservationRequestID) })
	})

	if err := r.bus.Send(slot.ServerID, structs.ChanReservationRequest, req); err != nil {
		r.logger.Error("failed to send reservation request",
			"request_id", ctx.request.RequestID, "slot_id", slot.ID, "error", err)
		r.clearPendingReservation(reservationRequestID)
		r.retryRequest(ctx, structs.ReasonConnectionFailed)
		return
	}
	metrics.IncrCounter([]string{"fulcrum", "routing", "reservation_sent"}, 1)
}

// clearPendingReservation removes and returns a parked reservation,
// releasing its seat hold. Returns nil when already resolved.
func (r *Router) clearPendingReservation(reservationRequestID string) *pendingReservation {
	pr, ok := r.pendingReservations[reservationRequestID]
	if !ok {
		return nil
	}
	delete(r.pendingReservations, reservationRequestID)
	pr.timer.Stop()
	r.decHold(r.reservationHolds, pr.slot.ID, 1)
	return pr
}

func (r *Router) reservationExpired(reservationRequestID string) {
	pr := r.clearPendingReservation(reservationRequestID)
	if pr == nil {
		return
	}
	metrics.IncrCounter([]string{"fulcrum", "routing", "reservation_timeout"}, 1)
	r.retryRequest(pr.ctx, structs.ReasonReservationTimeout)
}

func (r *Router) handleReservationResponse(resp *structs.PlayerReservationResponse) {
	pr := r.clearPendingReservation(resp.RequestID)
	if pr == nil {
		return
	}
	if !resp.Accepted {
		reason := resp.Reason
		if reason == "" {
			reason = structs.ReasonReservationRejected
		}
		r.retryRequest(pr.ctx, reason)
		return
	}
	if resp.ReservationToken == "" {
		r.retryRequest(pr.ctx, structs.ReasonReservationMissingToken)
		return
	}
	r.dispatch(pr.ctx, pr.slot, resp.ReservationToken, false, nil)
}

// dispatch emits the route command to the proxy and the backend and
// starts the route timeout.
func (r *Router) dispatch(ctx *RequestContext, slot *structs.SlotRecord, token string, preReserved bool, alloc *partyAllocation) {
	if !r.rosterAllows(slot.ID, ctx.request.PlayerID) {
		r.disconnectCtx(ctx, structs.ReasonMatchRosterLocked)
		return
	}

	meta := structs.MergeMetadata(slot.Metadata, ctx.request.Metadata, map[string]string{
		structs.MetaKeyFamily:           slot.Family(),
		structs.MetaKeyReservationToken: token,
	})
	reservationID := ""
	if alloc != nil {
		reservationID = alloc.snapshot.ReservationID
		meta[structs.MetaKeyPartyID] = alloc.snapshot.PartyID
		if alloc.teamIndex >= 0 {
			meta[structs.MetaKeyTeamIndex] = strconv.Itoa(alloc.teamIndex)
		}
	}

	x, y, z, yaw, pitch := slot.SpawnPosition()
	cmd := &structs.PlayerRouteCommand{
		Action:      structs.RouteActionRoute,
		RequestID:   ctx.request.RequestID,
		PlayerID:    ctx.request.PlayerID,
		PlayerName:  ctx.request.PlayerName,
		ProxyID:     ctx.request.ProxyID,
		ServerID:    slot.ServerID,
		SlotID:      slot.ID,
		SlotSuffix:  slot.Suffix,
		TargetWorld: slot.Metadata[structs.MetaKeyTargetWorld],
		SpawnX:      x,
		SpawnY:      y,
		SpawnZ:      z,
		SpawnYaw:    yaw,
		SpawnPitch:  pitch,
		Metadata:    meta,
	}

	// The proxy moves the player; the backend pre-stages the handoff.
	// Both receive the same command on their targeted channels.
	if err := r.bus.Send(ctx.request.ProxyID, structs.ChanRouteCommand, cmd); err != nil {
		r.logger.Error("failed to send route command to proxy",
			"request_id", ctx.request.RequestID, "proxy_id", ctx.request.ProxyID, "error", err)
	}
	if err := r.bus.Send(slot.ServerID, structs.ChanServerPlayerRoute, cmd); err != nil {
		r.logger.Error("failed to send route command to backend",
			"request_id", ctx.request.RequestID, "server_id", slot.ServerID, "error", err)
	}

	if !preReserved {
		r.pendingOccupancy[slot.ID]++
	}

	fl := &inFlightRoute{
		ctx:           ctx,
		slot:          slot,
		preReserved:   preReserved,
		reservationID: reservationID,
	}
	fl.timer = time.AfterFunc(r.config.RouteTimeout, func() {
		r.submit(func() { r.routeExpired(ctx.request.RequestID) })
	})
	r.inFlight[ctx.request.RequestID] = fl

	metrics.IncrCounter([]string{"fulcrum", "routing", "dispatched"}, 1)
	r.logger.Debug("dispatched route", "request_id", ctx.request.RequestID,
		"player_id", ctx.request.PlayerID, "slot_id", slot.ID)
}

// removeInFlight removes an in-flight route and releases its own seat
// hold. Party seats stay held by the allocation.
func (r *Router) removeInFlight(requestID string) *inFlightRoute {
	fl, ok := r.inFlight[requestID]
	if !ok {
		return nil
	}
	delete(r.inFlight, requestID)
	fl.timer.Stop()
	if !fl.preReserved {
		r.decHold(r.pendingOccupancy, fl.slot.ID, 1)
	}
	return fl
}

func (r *Router) handleRouteAck(ack *structs.PlayerRouteAck) {
	fl := r.removeInFlight(ack.RequestID)
	if fl == nil {
		// Duplicate or late ack; the first delivery already settled it.
		return
	}

	if ack.Status == structs.RouteAckSuccess {
		delete(r.activeRequests, ack.RequestID)
		r.playerActiveSlots[ack.PlayerID] = fl.slot.ID
		metrics.IncrCounter([]string{"fulcrum", "routing", "routed"}, 1)
		if fl.reservationID != "" {
			r.partyMemberRouted(fl)
		}
		return
	}

	reason := ack.Reason
	if reason == "" {
		reason = structs.ReasonRouteTransient
	}
	metrics.IncrCounterWithLabels([]string{"fulcrum", "routing", "route_failed"}, 1,
		[]metrics.Label{{Name: "reason", Value: reason}})

	if !structs.IsRetryableReason(reason) {
		r.disconnectCtx(fl.ctx, reason)
		return
	}
	if fl.reservationID != "" {
		r.requeuePartyMember(fl.ctx, fl.reservationID)
		return
	}
	r.retryRequest(fl.ctx, reason)
}

func (r *Router) routeExpired(requestID string) {
	fl := r.removeInFlight(requestID)
	if fl == nil {
		return
	}
	metrics.IncrCounter([]string{"fulcrum", "routing", "route_timeout"}, 1)
	r.logger.Warn("route timed out without ack",
		"request_id", requestID, "slot_id", fl.slot.ID)
	if fl.reservationID != "" {
		r.requeuePartyMember(fl.ctx, fl.reservationID)
		return
	}
	r.retryRequest(fl.ctx, structs.ReasonRouteTimeout)
}

// retryRequest re-queues a context after a transient failure, enforcing
// the queue-wait and retry budgets.
func (r *Router) retryRequest(ctx *RequestContext, reason string) {
	if time.Since(ctx.createdAt) >= r.config.MaxQueueWait {
		r.disconnectCtx(ctx, structs.ReasonQueueTimeout)
		return
	}
	ctx.retries++
	if ctx.retries > r.config.MaxRouteRetries {
		r.disconnectCtx(ctx, reason)
		return
	}
	metrics.IncrCounter([]string{"fulcrum", "routing", "retry"}, 1)
	r.enqueueRequest(ctx)
	r.triggerProvision(ctx.request.FamilyID, ctx.request.Metadata)
}

func (r *Router) enqueueRequest(ctx *RequestContext) {
	family := strings.ToLower(ctx.request.FamilyID)
	ctx.lastEnqueuedAt = time.Now()
	r.pendingQueues[family] = append(r.pendingQueues[family], ctx)
}

func (r *Router) triggerProvision(familyID string, metadata map[string]string) {
	if r.provisioner == nil {
		return
	}
	if serverID, ok := r.provisioner.RequestProvision(familyID, metadata); ok {
		r.logger.Debug("triggered provisioning", "family", familyID, "server_id", serverID)
	}
}

// drainFamily routes queued contexts into a slot that just became (or
// stayed) available. At most the queue length at drain start is
// inspected, so skipped contexts cannot recirculate within one drain.
func (r *Router) drainFamily(slot *structs.SlotRecord) {
	family := strings.ToLower(slot.Family())
	if family == "" {
		return
	}

	r.drainPendingParties(family, slot)

	n := len(r.pendingQueues[family])
	for i := 0; i < n; i++ {
		queue := r.pendingQueues[family]
		if len(queue) == 0 {
			break
		}
		if slot.RemainingCapacity(r.slotHolds(slot.ID)) < 1 {
			break
		}
		ctx := queue[0]
		r.pendingQueues[family] = queue[1:]

		if time.Since(ctx.createdAt) >= r.config.MaxQueueWait {
			r.disconnectCtx(ctx, structs.ReasonQueueTimeout)
			continue
		}
		if (ctx.blockedSlotID != "" && strings.EqualFold(ctx.blockedSlotID, slot.ID)) ||
			!slot.MatchesVariant(ctx.variantID) ||
			!r.rosterAllows(slot.ID, ctx.request.PlayerID) {
			r.pendingQueues[family] = append(r.pendingQueues[family], ctx)
			continue
		}
		r.reserve(ctx, slot)
	}
	if len(r.pendingQueues[family]) == 0 {
		delete(r.pendingQueues, family)
	}
}

// handleSlotUnavailable tears down every piece of routing state bound to
// a slot that left the dispatchable statuses.
func (r *Router) handleSlotUnavailable(slot *structs.SlotRecord, reason string) {
	slotID := slot.ID
	r.logger.Info("slot became unavailable", "slot_id", slotID, "reason", reason)

	delete(r.matchRosters, slotID)
	for playerID, active := range r.playerActiveSlots {
		if active == slotID {
			delete(r.playerActiveSlots, playerID)
		}
	}

	for id, pr := range r.pendingReservations {
		if pr.slot.ID != slotID {
			continue
		}
		delete(r.pendingReservations, id)
		pr.timer.Stop()
		r.decHold(r.reservationHolds, slotID, 1)
		r.retryRequest(pr.ctx, reason)
	}

	for id, fl := range r.inFlight {
		if fl.slot.ID != slotID {
			continue
		}
		delete(r.inFlight, id)
		fl.timer.Stop()
		if !fl.preReserved {
			r.decHold(r.pendingOccupancy, slotID, 1)
		}
		if fl.reservationID != "" {
			r.requeuePartyMember(fl.ctx, fl.reservationID)
			continue
		}
		r.retryRequest(fl.ctx, reason)
	}

	for _, alloc := range r.activeParties {
		if alloc.slotID == slotID && !alloc.released {
			r.requeuePartyReservation(alloc)
		}
	}

	// Whatever bookkeeping remains for the slot is now meaningless.
	delete(r.pendingOccupancy, slotID)
	delete(r.reservationHolds, slotID)
}

// sweepQueues enforces the max queue wait on every parked context,
// independent of slot traffic.
func (r *Router) sweepQueues() {
	for family, queue := range r.pendingQueues {
		kept := queue[:0]
		for _, ctx := range queue {
			if time.Since(ctx.createdAt) >= r.config.MaxQueueWait {
				r.disconnectCtx(ctx, structs.ReasonQueueTimeout)
				continue
			}
			kept = append(kept, ctx)
		}
		if len(kept) == 0 {
			delete(r.pendingQueues, family)
		} else {
			r.pendingQueues[family] = kept
		}
	}
	for reservationID, queue := range r.pendingPartyPlayers {
		kept := queue[:0]
		for _, ctx := range queue {
			if time.Since(ctx.createdAt) >= r.config.MaxQueueWait {
				r.disconnectCtx(ctx, structs.ReasonQueueTimeout)
				continue
			}
			kept = append(kept, ctx)
		}
		if len(kept) == 0 {
			delete(r.pendingPartyPlayers, reservationID)
		} else {
			r.pendingPartyPlayers[reservationID] = kept
		}
	}
}

func (r *Router) handleMatchRosterCreated(msg *structs.MatchRosterCreated) {
	roster := &matchRoster{
		matchID:   msg.MatchID,
		players:   set.From(msg.Players),
		updatedAt: time.Now(),
	}
	r.matchRosters[msg.SlotID] = roster
	for _, playerID := range msg.Players {
		r.playerActiveSlots[playerID] = msg.SlotID
	}
	r.logger.Info("match roster locked", "slot_id", msg.SlotID,
		"match_id", msg.MatchID, "players", len(msg.Players))
}

func (r *Router) handleMatchRosterEnded(msg *structs.MatchRosterEnded) {
	delete(r.matchRosters, msg.SlotID)
	for playerID, slotID := range r.playerActiveSlots {
		if slotID == msg.SlotID {
			delete(r.playerActiveSlots, playerID)
		}
	}
	r.logger.Info("match roster released", "slot_id", msg.SlotID)
}

// disconnectCtx terminates a request with a player-visible disconnect.
func (r *Router) disconnectCtx(ctx *RequestContext, reason string) {
	delete(r.activeRequests, ctx.request.RequestID)
	r.sendDisconnect(ctx.request.RequestID, ctx.request.PlayerID, ctx.request.PlayerName,
		ctx.request.ProxyID, reason)
}

func (r *Router) sendDisconnect(requestID, playerID, playerName, proxyID, reason string) {
	metrics.IncrCounterWithLabels([]string{"fulcrum", "routing", "disconnect"}, 1,
		[]metrics.Label{{Name: "reason", Value: reason}})
	cmd := &structs.PlayerRouteCommand{
		Action:     structs.RouteActionDisconnect,
		RequestID:  requestID,
		PlayerID:   playerID,
		PlayerName: playerName,
		ProxyID:    proxyID,
		Metadata:   map[string]string{structs.MetaKeyReason: reason},
	}
	if err := r.bus.Send(proxyID, structs.ChanRouteCommand, cmd); err != nil {
		r.logger.Error("failed to send disconnect",
			"request_id", requestID, "proxy_id", proxyID, "error", err)
	}
}

// decHold decrements a seat-hold counter, flooring at zero.
func (r *Router) decHold(holds map[string]int, slotID string, n int) {
	v := holds[slotID] - n
	if v <= 0 {
		delete(holds, slotID)
		return
	}
	holds[slotID] = v
}

// RouterStats is a consistent snapshot of the routing state.
type RouterStats struct {
	QueueLengths     map[string]int
	InFlight         int
	PendingOccupancy map[string]int
	ActiveRequests   int
	ActiveParties    int
	PendingParties   int
	MatchRosters     int
}

// Stats takes a snapshot on the worker so readers never observe a
// half-applied transition.
func (r *Router) Stats() *RouterStats {
	resultCh := make(chan *RouterStats, 1)
	r.submit(func() {
		stats := &RouterStats{
			QueueLengths:     make(map[string]int, len(r.pendingQueues)),
			InFlight:         len(r.inFlight),
			PendingOccupancy: make(map[string]int, len(r.pendingOccupancy)),
			ActiveRequests:   len(r.activeRequests),
			ActiveParties:    len(r.activeParties),
			MatchRosters:     len(r.matchRosters),
		}
		for family, queue := range r.pendingQueues {
			stats.QueueLengths[family] = len(queue)
		}
		for slotID, n := range r.pendingOccupancy {
			stats.PendingOccupancy[slotID] = n
		}
		for _, pending := range r.pendingParties {
			stats.PendingParties += len(pending)
		}
		resultCh <- stats
	})
	select {
	case stats := <-resultCh:
		return stats
	case <-r.shutdownCh:
		return &RouterStats{}
	}
}

// EmitStats exports routing gauges until stopCh closes.
func (r *Router) EmitStats(period time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			stats := r.Stats()
			queued := 0
			for _, n := range stats.QueueLengths {
				queued += n
			}
			metrics.SetGauge([]string{"fulcrum", "routing", "queued"}, float32(queued))
			metrics.SetGauge([]string{"fulcrum", "routing", "in_flight"}, float32(stats.InFlight))
			metrics.SetGauge([]string{"fulcrum", "routing", "active_parties"}, float32(stats.ActiveParties))
		case <-stopCh:
			return
		}
	}
}
