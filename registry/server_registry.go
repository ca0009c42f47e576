package registry

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/haroldDOTsh/fulcrum/bus"
	"github.com/haroldDOTsh/fulcrum/state"
	"github.com/haroldDOTsh/fulcrum/structs"
)

// tempIDPrefix marks a registration request that needs a permanent ID
// assigned.
const tempIDPrefix = "temp-"

// SlotListener receives slot lifecycle transitions observed by the server
// registry. Implemented by the routing service.
type SlotListener interface {
	// OnSlotAvailable fires when a slot transitions into AVAILABLE.
	OnSlotAvailable(slot *structs.SlotRecord)

	// OnSlotUnavailable fires when a slot leaves the dispatchable statuses
	// or its server goes away.
	OnSlotUnavailable(slot *structs.SlotRecord, reason string)
}

// familyNotifier is the slice of the provisioner the server registry needs.
type familyNotifier interface {
	OnFamilyAvailable(familyID string)
}

// ServerRegistry tracks backend servers and their slots. It owns the
// servers table of the state store: registration, heartbeats, slot status
// merges, family advertisements, and stale-heartbeat eviction all land
// here.
type ServerRegistry struct {
	logger   hclog.Logger
	config   *Config
	bus      bus.Bus
	store    *state.Store
	listener SlotListener
	notifier familyNotifier

	// idLock guards the per-type monotonic ID counters.
	idLock   sync.Mutex
	counters map[string]int

	shutdownCh   chan struct{}
	unsubscribes []func()
}

// NewServerRegistry wires a server registry over the shared state store.
func NewServerRegistry(logger hclog.Logger, config *Config, b bus.Bus, store *state.Store, listener SlotListener, notifier familyNotifier) *ServerRegistry {
	return &ServerRegistry{
		logger:     logger.Named("server_registry"),
		config:     config,
		bus:        b,
		store:      store,
		listener:   listener,
		notifier:   notifier,
		counters:   make(map[string]int),
		shutdownCh: make(chan struct{}),
	}
}

// Start subscribes the registry's channels and begins the eviction sweep.
func (r *ServerRegistry) Start() {
	regChan := structs.TargetedChannel(structs.ChanServerRegistrationRequest, r.config.RegistryID)
	r.unsubscribes = append(r.unsubscribes,
		r.bus.Subscribe(regChan, r.handleRegistration),
		r.bus.Subscribe(structs.ChanServerRegistrationRequest, r.handleRegistration),
		r.bus.Subscribe(structs.ChanServerHeartbeat, r.handleHeartbeat),
		r.bus.Subscribe(structs.ChanSlotStatus, r.handleSlotStatus),
		r.bus.Subscribe(structs.ChanSlotFamilyAdvertisement, r.handleAdvertisement),
		r.bus.Subscribe(structs.ChanServerRemoval, r.handleRemoval),
	)
	go r.evictLoop()
}

// Shutdown stops the eviction sweep and drops subscriptions.
func (r *ServerRegistry) Shutdown() {
	close(r.shutdownCh)
	for _, unsub := range r.unsubscribes {
		unsub()
	}
}

// nextServerID assigns a permanent "<type><N>" identifier from the
// per-type monotonic counter.
func (r *ServerRegistry) nextServerID(serverType string) string {
	r.idLock.Lock()
	defer r.idLock.Unlock()
	key := strings.ToLower(serverType)
	r.counters[key]++
	return fmt.Sprintf("%s%d", key, r.counters[key])
}

func (r *ServerRegistry) handleRegistration(env *bus.Envelope) {
	msg, err := env.Decode()
	if err != nil {
		r.logger.Error("dropping undecodable registration", "error", err)
		return
	}
	req, ok := msg.(*structs.ServerRegistrationRequest)
	if !ok {
		return
	}

	if err := req.Validate(); err != nil {
		r.logger.Warn("rejecting invalid registration", "temp_id", req.TempID, "error", err)
		r.reply(env, &structs.ServerRegistrationResponse{
			Success: false,
			Reason:  err.Error(),
		})
		return
	}

	serverID := req.TempID
	if strings.HasPrefix(req.TempID, tempIDPrefix) {
		serverID = r.nextServerID(req.Type)
	}

	record := &structs.ServerRecord{
		ID:              serverID,
		Type:            req.Type,
		Role:            req.Role,
		Address:         req.Address,
		Port:            req.Port,
		MaxCapacity:     req.MaxCapacity,
		Status:          structs.ServerStatusRunning,
		LastHeartbeatAt: time.Now(),
		Slots:           make(map[string]*structs.SlotRecord),
		Families:        make(map[string]*structs.FamilyCapacity),
	}

	// Re-registration keeps the slots and advertisements the registry
	// already knows about.
	if existing, err := r.store.ServerByID(serverID); err == nil && existing != nil {
		record.Slots = existing.Slots
		record.Families = existing.Families
	}

	if err := r.store.UpsertServer(record); err != nil {
		r.logger.Error("failed to store server registration", "server_id", serverID, "error", err)
		r.reply(env, &structs.ServerRegistrationResponse{Success: false, Reason: "registry-error"})
		return
	}

	metrics.IncrCounter([]string{"fulcrum", "server_registry", "registered"}, 1)
	r.logger.Info("registered backend server",
		"server_id", serverID, "type", req.Type, "role", req.Role,
		"address", req.Address, "port", req.Port)

	r.reply(env, &structs.ServerRegistrationResponse{
		Success:          true,
		AssignedServerID: serverID,
		ProxyID:          r.config.RegistryID,
	})
}

func (r *ServerRegistry) reply(env *bus.Envelope, resp *structs.ServerRegistrationResponse) {
	if err := r.bus.Reply(env, structs.ChanServerRegistrationResponse, resp); err != nil {
		r.logger.Error("failed to send registration response", "error", err)
	}
}

func (r *ServerRegistry) handleHeartbeat(env *bus.Envelope) {
	msg, err := env.Decode()
	if err != nil {
		r.logger.Error("dropping undecodable heartbeat", "error", err)
		return
	}
	hb, ok := msg.(*structs.ServerHeartbeat)
	if !ok {
		return
	}
	if err := hb.Validate(); err != nil {
		r.logger.Warn("dropping invalid heartbeat", "error", err)
		return
	}

	server, err := r.store.ServerByID(hb.ServerID)
	if err != nil || server == nil {
		r.logger.Debug("heartbeat from unknown server", "server_id", hb.ServerID)
		return
	}

	server.LastHeartbeatAt = time.Now()
	server.CurrentPlayerCount = hb.PlayerCount
	if hb.MaxCapacity > 0 {
		server.MaxCapacity = hb.MaxCapacity
	}
	if hb.Status != "" {
		server.Status = hb.Status
	}
	if err := r.store.UpsertServer(server); err != nil {
		r.logger.Error("failed to store heartbeat", "server_id", hb.ServerID, "error", err)
	}
}

func (r *ServerRegistry) handleSlotStatus(env *bus.Envelope) {
	msg, err := env.Decode()
	if err != nil {
		r.logger.Error("dropping undecodable slot status", "error", err)
		return
	}
	update, ok := msg.(*structs.SlotStatusUpdate)
	if !ok {
		return
	}
	if err := update.Validate(); err != nil {
		r.logger.Warn("dropping invalid slot status", "error", err)
		return
	}

	server, err := r.store.ServerByID(update.ServerID)
	if err != nil || server == nil {
		r.logger.Debug("slot status for unknown server", "server_id", update.ServerID)
		return
	}

	slotID := structs.MakeSlotID(update.ServerID, update.SlotSuffix)
	old := server.Slots[update.SlotSuffix]

	// Replaying an update with an unchanged status and occupancy is a
	// no-op; do not re-fire transitions.
	if old != nil && old.Status == update.Status &&
		old.OnlinePlayers == update.OnlinePlayers &&
		old.MaxPlayers == update.MaxPlayers {
		return
	}

	slot := &structs.SlotRecord{
		ID:            slotID,
		ServerID:      update.ServerID,
		Suffix:        update.SlotSuffix,
		GameType:      update.GameType,
		Status:        update.Status,
		MaxPlayers:    update.MaxPlayers,
		OnlinePlayers: update.OnlinePlayers,
		UpdatedAt:     time.Now(),
	}
	switch {
	case update.Metadata != nil:
		slot.Metadata = structs.CopyMapStringString(update.Metadata)
	case old != nil:
		slot.Metadata = structs.CopyMapStringString(old.Metadata)
	default:
		slot.Metadata = make(map[string]string)
	}
	if slot.GameType == "" && old != nil {
		slot.GameType = old.GameType
	}

	server.Slots[update.SlotSuffix] = slot
	if err := r.store.UpsertServer(server); err != nil {
		r.logger.Error("failed to store slot update", "slot_id", slotID, "error", err)
		return
	}

	r.logger.Debug("merged slot status", "slot_id", slotID, "status", slot.Status,
		"online", slot.OnlinePlayers, "max", slot.MaxPlayers)

	becameAvailable := slot.Status == structs.SlotStatusAvailable &&
		(old == nil || old.Status != structs.SlotStatusAvailable)
	becameUnavailable := !slot.Status.Dispatchable() && slot.Status != structs.SlotStatusInGame &&
		(old == nil || old.Status.Dispatchable())

	if becameAvailable {
		if r.notifier != nil {
			r.notifier.OnFamilyAvailable(slot.Family())
		}
		if r.listener != nil {
			r.listener.OnSlotAvailable(slot.Copy())
		}
	} else if slot.Status == structs.SlotStatusAvailable && r.listener != nil {
		// Occupancy changes on an already-available slot can still free
		// seats for queued requests.
		r.listener.OnSlotAvailable(slot.Copy())
	}
	if becameUnavailable && r.listener != nil {
		r.listener.OnSlotUnavailable(slot.Copy(), structs.ReasonSlotUnavailable)
	}
}

func (r *ServerRegistry) handleAdvertisement(env *bus.Envelope) {
	msg, err := env.Decode()
	if err != nil {
		r.logger.Error("dropping undecodable advertisement", "error", err)
		return
	}
	adv, ok := msg.(*structs.SlotFamilyAdvertisement)
	if !ok {
		return
	}
	if err := adv.Validate(); err != nil {
		r.logger.Warn("dropping invalid advertisement", "error", err)
		return
	}

	server, err := r.store.ServerByID(adv.ServerID)
	if err != nil || server == nil {
		r.logger.Debug("advertisement from unknown server", "server_id", adv.ServerID)
		return
	}

	families := make(map[string]*structs.FamilyCapacity, len(adv.Families))
	for _, f := range adv.Families {
		fc := *f
		families[strings.ToLower(f.FamilyID)] = &fc
	}
	server.Families = families
	if err := r.store.UpsertServer(server); err != nil {
		r.logger.Error("failed to store advertisement", "server_id", adv.ServerID, "error", err)
	}
}

func (r *ServerRegistry) handleRemoval(env *bus.Envelope) {
	msg, err := env.Decode()
	if err != nil {
		r.logger.Error("dropping undecodable removal", "error", err)
		return
	}
	rem, ok := msg.(*structs.ServerRemoval)
	if !ok {
		return
	}
	if err := rem.Validate(); err != nil {
		r.logger.Warn("dropping invalid removal", "error", err)
		return
	}
	// Eviction publishes removal notifications itself; ignore our own.
	if env.SenderID == r.bus.SenderID() {
		return
	}
	r.removeServer(rem.ServerID, structs.ReasonBackendOffline, false)
}

// removeServer drops the server and fires unavailability for each of its
// slots. When publish is set, a removal notification goes out on the bus.
func (r *ServerRegistry) removeServer(serverID, reason string, publish bool) {
	server, err := r.store.ServerByID(serverID)
	if err != nil || server == nil {
		return
	}
	if err := r.store.DeleteServer(serverID); err != nil {
		r.logger.Error("failed to delete server", "server_id", serverID, "error", err)
		return
	}

	metrics.IncrCounter([]string{"fulcrum", "server_registry", "removed"}, 1)
	r.logger.Info("removed backend server", "server_id", serverID, "reason", reason)

	if publish {
		removal := &structs.ServerRemoval{ServerID: serverID, Reason: reason}
		if err := r.bus.Broadcast(structs.ChanServerRemoval, removal); err != nil {
			r.logger.Error("failed to publish server removal", "server_id", serverID, "error", err)
		}
	}

	if r.listener != nil {
		for _, slot := range server.Slots {
			r.listener.OnSlotUnavailable(slot.Copy(), reason)
		}
	}
}

// evictLoop sweeps for stale heartbeats.
func (r *ServerRegistry) evictLoop() {
	ticker := time.NewTicker(r.config.EvictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.shutdownCh:
			return
		case <-ticker.C:
			r.evictStale()
		}
	}
}

func (r *ServerRegistry) evictStale() {
	servers, err := r.store.Servers()
	if err != nil {
		r.logger.Error("eviction sweep failed", "error", err)
		return
	}
	cutoff := time.Now().Add(-r.config.ServerTimeout)
	for _, server := range servers {
		if server.LastHeartbeatAt.Before(cutoff) {
			r.logger.Warn("evicting server with stale heartbeat",
				"server_id", server.ID, "last_heartbeat", server.LastHeartbeatAt)
			r.removeServer(server.ID, structs.ReasonBackendOffline, true)
		}
	}
}
