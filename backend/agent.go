package backend

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	"golang.org/x/sync/errgroup"

	"github.com/haroldDOTsh/fulcrum/bus"
	"github.com/haroldDOTsh/fulcrum/helper/uuid"
	"github.com/haroldDOTsh/fulcrum/structs"
)

// SlotFactory builds the slot a provision command asks for. The returned
// record needs Suffix, GameType, Status and MaxPlayers; the agent fills
// in the identifiers.
type SlotFactory func(familyID string, metadata map[string]string) *structs.SlotRecord

// Agent is the backend side of the fabric: it registers with the
// registry, heartbeats, advertises slot families, answers reservation
// requests, pre-stages handoffs from route commands and acks joins.
type Agent struct {
	logger hclog.Logger
	config *Config
	bus    bus.Bus

	reservations *ReservationService
	handoffs     *HandoffStore
	sessions     SessionStore
	slotFactory  SlotFactory

	mu        sync.Mutex
	serverID  string
	status    structs.ServerStatus
	slots     map[string]*structs.SlotRecord
	startedAt time.Time

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	unsubscribes []func()
}

// NewAgent creates a backend agent. A nil sessions store falls back to
// the in-memory implementation.
func NewAgent(config *Config, logger hclog.Logger, b bus.Bus, sessions SessionStore) (*Agent, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid backend config: %w", err)
	}
	if sessions == nil {
		sessions = NewMemorySessionStore()
	}
	logger = logger.Named("backend")
	return &Agent{
		logger:       logger,
		config:       config,
		bus:          b,
		reservations: NewReservationService(logger, config.ReservationTTL),
		handoffs:     NewHandoffStore(logger, config.HandoffTTL),
		sessions:     sessions,
		slotFactory:  defaultSlotFactory,
		slots:        make(map[string]*structs.SlotRecord),
		status:       structs.ServerStatusRunning,
		shutdownCh:   make(chan struct{}),
	}, nil
}

// SetSlotFactory overrides how provision commands materialize slots.
// Must be called before Run.
func (a *Agent) SetSlotFactory(factory SlotFactory) {
	if factory != nil {
		a.slotFactory = factory
	}
}

// ServerID returns the registry-assigned identity, empty before Run.
func (a *Agent) ServerID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.serverID
}

// Handoffs exposes the handoff store to the embedding server.
func (a *Agent) Handoffs() *HandoffStore { return a.handoffs }

// Sessions exposes the session store to the embedding server.
func (a *Agent) Sessions() SessionStore { return a.sessions }

// Run registers with the registry, subscribes the agent's channels and
// heartbeats until the context is canceled or Shutdown is called.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.register(ctx); err != nil {
		return err
	}
	a.subscribe()
	a.advertiseFamilies()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return a.heartbeatLoop(ctx) })
	err := group.Wait()

	a.deregister()
	return err
}

// Shutdown stops the agent's loops. Safe to call more than once.
func (a *Agent) Shutdown() {
	a.shutdownOnce.Do(func() { close(a.shutdownCh) })
}

// register performs the registration handshake and adopts the assigned
// server ID.
func (a *Agent) register(ctx context.Context) error {
	req := &structs.ServerRegistrationRequest{
		TempID:      "temp-" + uuid.Generate(),
		Type:        a.config.Type,
		Role:        a.config.Role,
		Address:     a.config.Address,
		Port:        a.config.Port,
		MaxCapacity: a.config.MaxCapacity,
	}
	env, err := a.bus.Request(ctx, a.config.RegistryID, structs.ChanServerRegistrationRequest,
		req, a.config.RegisterTimeout)
	if err != nil {
		return fmt.Errorf("registration request failed: %w", err)
	}
	msg, err := env.Decode()
	if err != nil {
		return fmt.Errorf("undecodable registration response: %w", err)
	}
	resp, ok := msg.(*structs.ServerRegistrationResponse)
	if !ok {
		return fmt.Errorf("unexpected registration response type %q", env.Type)
	}
	if !resp.Success {
		return fmt.Errorf("registration rejected: %s", resp.Reason)
	}

	a.mu.Lock()
	a.serverID = resp.AssignedServerID
	a.startedAt = time.Now()
	a.mu.Unlock()

	a.logger.Info("registered with registry", "server_id", resp.AssignedServerID)
	return nil
}

func (a *Agent) subscribe() {
	serverID := a.ServerID()
	a.unsubscribes = append(a.unsubscribes,
		a.bus.Subscribe(structs.TargetedChannel(structs.ChanServerPlayerRoute, serverID), a.handleRouteCommand),
		a.bus.Subscribe(structs.TargetedChannel(structs.ChanReservationRequest, serverID), a.handleReservationRequest),
		a.bus.Subscribe(structs.TargetedChannel(structs.ChanSlotProvisionCommand, serverID), a.handleProvisionCommand),
	)
}

func (a *Agent) deregister() {
	for _, unsub := range a.unsubscribes {
		unsub()
	}
	serverID := a.ServerID()
	if serverID == "" {
		return
	}
	removal := &structs.ServerRemoval{ServerID: serverID, Reason: "shutdown"}
	if err := a.bus.Broadcast(structs.ChanServerRemoval, removal); err != nil {
		a.logger.Error("failed to announce removal", "error", err)
	}
	a.logger.Info("deregistered from registry", "server_id", serverID)
}

func (a *Agent) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.config.HeartbeatInterval)
	defer ticker.Stop()

	a.sendHeartbeat()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.shutdownCh:
			return nil
		case <-ticker.C:
			a.sendHeartbeat()
		}
	}
}

func (a *Agent) sendHeartbeat() {
	a.mu.Lock()
	hb := &structs.ServerHeartbeat{
		ServerID:      a.serverID,
		TPS:           20.0,
		PlayerCount:   a.totalPlayersLocked(),
		MaxCapacity:   a.config.MaxCapacity,
		UptimeSeconds: int64(time.Since(a.startedAt).Seconds()),
		Status:        a.status,
	}
	a.mu.Unlock()

	if err := a.bus.Broadcast(structs.ChanServerHeartbeat, hb); err != nil {
		a.logger.Error("failed to send heartbeat", "error", err)
	}
}

func (a *Agent) totalPlayersLocked() int {
	total := 0
	for _, slot := range a.slots {
		total += slot.OnlinePlayers
	}
	return total
}

// SetStatus changes the server-wide status reported on heartbeats.
func (a *Agent) SetStatus(status structs.ServerStatus) {
	a.mu.Lock()
	a.status = status
	a.mu.Unlock()
	a.sendHeartbeat()
}

// advertiseFamilies publishes the configured slot family capacities.
func (a *Agent) advertiseFamilies() {
	if len(a.config.Families) == 0 {
		return
	}
	adv := &structs.SlotFamilyAdvertisement{
		ServerID: a.ServerID(),
		Families: a.config.Families,
	}
	if err := a.bus.Broadcast(structs.ChanSlotFamilyAdvertisement, adv); err != nil {
		a.logger.Error("failed to advertise families", "error", err)
	}
}

// handleRouteCommand pre-stages a handoff for the player the registry is
// about to move here.
func (a *Agent) handleRouteCommand(env *bus.Envelope) {
	msg, err := env.Decode()
	if err != nil {
		a.logger.Error("dropping undecodable route command", "error", err)
		return
	}
	cmd, ok := msg.(*structs.PlayerRouteCommand)
	if !ok || cmd.Action != structs.RouteActionRoute {
		return
	}
	a.handoffs.Stage(cmd)
}

// handleReservationRequest answers the registry's reservation handshake.
// The request is accepted only when the addressed slot exists here and
// still takes players.
func (a *Agent) handleReservationRequest(env *bus.Envelope) {
	msg, err := env.Decode()
	if err != nil {
		a.logger.Error("dropping undecodable reservation request", "error", err)
		return
	}
	req, ok := msg.(*structs.PlayerReservationRequest)
	if !ok {
		return
	}

	resp := &structs.PlayerReservationResponse{
		RequestID: req.RequestID,
		ServerID:  a.ServerID(),
	}
	if slot := a.lookupSlot(req.SlotID); slot == nil || !slot.Status.Dispatchable() {
		resp.Reason = structs.ReasonSlotNotReady
	} else if slot.RemainingCapacity(a.reservations.PendingForSlot(slot.ID)) < 1 {
		resp.Reason = structs.ReasonReservationRejected
	} else {
		token, accepted, reason := a.reservations.Reserve(req)
		resp.Accepted = accepted
		resp.ReservationToken = token
		resp.Reason = reason
	}

	if err := a.bus.Broadcast(structs.ChanReservationResponse, resp); err != nil {
		a.logger.Error("failed to send reservation response",
			"request_id", req.RequestID, "error", err)
	}
}

// handleProvisionCommand materializes a slot for the requested family
// and reports it to the registry.
func (a *Agent) handleProvisionCommand(env *bus.Envelope) {
	msg, err := env.Decode()
	if err != nil {
		a.logger.Error("dropping undecodable provision command", "error", err)
		return
	}
	cmd, ok := msg.(*structs.SlotProvisionCommand)
	if !ok {
		return
	}

	slot := a.slotFactory(cmd.FamilyID, cmd.Metadata)
	if slot == nil {
		a.logger.Warn("slot factory declined provision", "family", cmd.FamilyID)
		return
	}
	serverID := a.ServerID()
	slot.ServerID = serverID
	slot.ID = structs.MakeSlotID(serverID, slot.Suffix)
	if slot.Metadata == nil {
		slot.Metadata = make(map[string]string)
	}
	if slot.Metadata[structs.MetaKeyFamily] == "" {
		slot.Metadata[structs.MetaKeyFamily] = strings.ToLower(cmd.FamilyID)
	}

	a.mu.Lock()
	a.slots[slot.Suffix] = slot
	a.mu.Unlock()

	metrics.IncrCounter([]string{"fulcrum", "backend", "slot_provisioned"}, 1)
	a.logger.Info("provisioned slot", "slot_id", slot.ID, "family", cmd.FamilyID)
	a.publishSlotStatus(slot)
}

// defaultSlotFactory creates an immediately available uncapped slot.
func defaultSlotFactory(familyID string, metadata map[string]string) *structs.SlotRecord {
	return &structs.SlotRecord{
		Suffix:   uuid.Generate()[:8],
		GameType: strings.ToLower(familyID),
		Status:   structs.SlotStatusAvailable,
		Metadata: structs.CopyMapStringString(metadata),
	}
}

// UpsertSlot registers or replaces a slot hosted by this server and
// reports it to the registry.
func (a *Agent) UpsertSlot(slot *structs.SlotRecord) {
	serverID := a.ServerID()
	slot.ServerID = serverID
	slot.ID = structs.MakeSlotID(serverID, slot.Suffix)

	a.mu.Lock()
	a.slots[slot.Suffix] = slot
	a.mu.Unlock()
	a.publishSlotStatus(slot)
}

// SetSlotStatus transitions a hosted slot and reports it.
func (a *Agent) SetSlotStatus(suffix string, status structs.SlotStatus) {
	a.mu.Lock()
	slot, ok := a.slots[suffix]
	if ok {
		slot.Status = status
	}
	a.mu.Unlock()
	if ok {
		a.publishSlotStatus(slot)
	}
}

func (a *Agent) lookupSlot(slotID string) *structs.SlotRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, slot := range a.slots {
		if strings.EqualFold(slot.ID, slotID) {
			return slot
		}
	}
	return nil
}

func (a *Agent) publishSlotStatus(slot *structs.SlotRecord) {
	a.mu.Lock()
	update := &structs.SlotStatusUpdate{
		ServerID:      slot.ServerID,
		SlotID:        slot.ID,
		SlotSuffix:    slot.Suffix,
		GameType:      slot.GameType,
		Status:        slot.Status,
		MaxPlayers:    slot.MaxPlayers,
		OnlinePlayers: slot.OnlinePlayers,
		Metadata:      structs.CopyMapStringString(slot.Metadata),
	}
	a.mu.Unlock()

	if err := a.bus.Broadcast(structs.ChanSlotStatus, update); err != nil {
		a.logger.Error("failed to publish slot status", "slot_id", slot.ID, "error", err)
	}
}

// CompleteJoin consumes the player's reservation and handoff, links the
// session and acks the route. The embedding server calls this when the
// player's connection lands.
func (a *Agent) CompleteJoin(ctx context.Context, playerID, token string) (*HandoffRecord, error) {
	res, ok := a.reservations.Consume(token, playerID)
	if !ok {
		a.failJoinAck(playerID, structs.ReasonReservationFailed)
		return nil, fmt.Errorf("no valid reservation for player %q", playerID)
	}
	handoff, ok := a.handoffs.Consume(playerID)
	if !ok {
		// The route command may still be in flight; synthesize from the
		// reservation so the join does not bounce.
		handoff = &HandoffRecord{
			RequestID: res.RequestID,
			PlayerID:  res.PlayerID,
			SlotID:    res.SlotID,
			Metadata:  res.Metadata,
			StagedAt:  time.Now(),
		}
	}

	a.mu.Lock()
	var joined *structs.SlotRecord
	for _, slot := range a.slots {
		if strings.EqualFold(slot.ID, handoff.SlotID) {
			slot.OnlinePlayers++
			joined = slot
			break
		}
	}
	a.mu.Unlock()

	session := &SessionRecord{
		SessionID:  uuid.Generate(),
		PlayerID:   playerID,
		ServerID:   a.ServerID(),
		Segments:   []string{handoff.SlotID},
		LastSlotID: handoff.SlotID,
	}
	if existing, err := a.sessions.Resume(ctx, playerID); err == nil && existing != nil {
		session.SessionID = existing.SessionID
		session.Segments = append(existing.Segments, handoff.SlotID)
		session.CreatedAt = existing.CreatedAt
	}
	if err := a.sessions.Link(ctx, session); err != nil {
		a.logger.Error("failed to link session", "player_id", playerID, "error", err)
	}

	ack := &structs.PlayerRouteAck{
		RequestID: handoff.RequestID,
		PlayerID:  playerID,
		ProxyID:   handoff.ProxyID,
		ServerID:  a.ServerID(),
		SlotID:    handoff.SlotID,
		Status:    structs.RouteAckSuccess,
	}
	if err := a.bus.Broadcast(structs.ChanRouteAck, ack); err != nil {
		a.logger.Error("failed to ack route", "request_id", handoff.RequestID, "error", err)
	}

	if reservationID := handoff.Metadata[structs.MetaKeyPartyReservationID]; reservationID != "" {
		claimed := &structs.PartyReservationClaimed{
			ReservationID: reservationID,
			PlayerID:      playerID,
			Success:       true,
		}
		if err := a.bus.Broadcast(structs.ChanPartyReservationClaimed, claimed); err != nil {
			a.logger.Error("failed to publish party claim", "player_id", playerID, "error", err)
		}
	}

	if joined != nil {
		a.publishSlotStatus(joined)
	}
	metrics.IncrCounter([]string{"fulcrum", "backend", "join_completed"}, 1)
	return handoff, nil
}

// FailJoin reports a failed player landing so the registry can retry or
// disconnect.
func (a *Agent) FailJoin(playerID, requestID, reason string) {
	ack := &structs.PlayerRouteAck{
		RequestID: requestID,
		PlayerID:  playerID,
		ServerID:  a.ServerID(),
		Status:    structs.RouteAckFailed,
		Reason:    reason,
	}
	if err := a.bus.Broadcast(structs.ChanRouteAck, ack); err != nil {
		a.logger.Error("failed to ack route failure", "request_id", requestID, "error", err)
	}
}

func (a *Agent) failJoinAck(playerID, reason string) {
	if handoff, ok := a.handoffs.Peek(playerID); ok {
		a.FailJoin(playerID, handoff.RequestID, reason)
	}
}

// PlayerLeft decrements the slot's occupancy and reports it.
func (a *Agent) PlayerLeft(ctx context.Context, playerID, slotID string) {
	a.mu.Lock()
	var left *structs.SlotRecord
	for _, slot := range a.slots {
		if strings.EqualFold(slot.ID, slotID) && slot.OnlinePlayers > 0 {
			slot.OnlinePlayers--
			left = slot
			break
		}
	}
	a.mu.Unlock()
	if left != nil {
		a.publishSlotStatus(left)
	}
	if err := a.sessions.Unlink(ctx, playerID); err != nil {
		a.logger.Error("failed to unlink session", "player_id", playerID, "error", err)
	}
}
