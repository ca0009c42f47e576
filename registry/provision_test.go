package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/haroldDOTsh/fulcrum/bus"
	"github.com/haroldDOTsh/fulcrum/ci"
	"github.com/haroldDOTsh/fulcrum/helper/testlog"
	"github.com/haroldDOTsh/fulcrum/state"
	"github.com/haroldDOTsh/fulcrum/structs"
	"github.com/haroldDOTsh/fulcrum/testutil"
)

type provisionHarness struct {
	t           *testing.T
	transport   *bus.Memory
	store       *state.Store
	provisioner *Provisioner

	mu   sync.Mutex
	cmds []*structs.SlotProvisionCommand
}

func newProvisionHarness(t *testing.T) *provisionHarness {
	t.Helper()
	logger := testlog.HCLogger(t)
	transport := bus.NewMemory(logger)
	t.Cleanup(transport.Shutdown)

	store, err := state.NewStore()
	must.NoError(t, err)

	return &provisionHarness{
		t:           t,
		transport:   transport,
		store:       store,
		provisioner: NewProvisioner(logger, transport.Client("registry"), store),
	}
}

// addServer registers a backend advertising the family and captures its
// provision command channel.
func (h *provisionHarness) addServer(id, family string, maxConcurrent, currentSlots int, heartbeat time.Time) {
	slots := make(map[string]*structs.SlotRecord, currentSlots)
	for i := 0; i < currentSlots; i++ {
		suffix := string(rune('a' + i))
		slots[suffix] = &structs.SlotRecord{
			ID:       structs.MakeSlotID(id, suffix),
			ServerID: id,
			Suffix:   suffix,
			GameType: family,
			Status:   structs.SlotStatusAvailable,
			Metadata: map[string]string{structs.MetaKeyFamily: family},
		}
	}
	must.NoError(h.t, h.store.UpsertServer(&structs.ServerRecord{
		ID:     id,
		Type:   "game",
		Role:   "game",
		Status: structs.ServerStatusAvailable,
		Slots:  slots,
		Families: map[string]*structs.FamilyCapacity{
			family: {FamilyID: family, MaxConcurrent: maxConcurrent},
		},
		LastHeartbeatAt: heartbeat,
	}))

	client := h.transport.Client(id)
	client.Subscribe(structs.TargetedChannel(structs.ChanSlotProvisionCommand, id), func(env *bus.Envelope) {
		msg, err := env.Decode()
		if err != nil {
			return
		}
		if cmd, ok := msg.(*structs.SlotProvisionCommand); ok {
			h.mu.Lock()
			h.cmds = append(h.cmds, cmd)
			h.mu.Unlock()
		}
	})
}

func (h *provisionHarness) waitCmds(n int) []*structs.SlotProvisionCommand {
	h.t.Helper()
	testutil.WaitForResult(func() (bool, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.cmds) >= n, nil
	}, func(err error) {
		h.t.Fatalf("provision command never delivered")
	})
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*structs.SlotProvisionCommand(nil), h.cmds...)
}

func TestProvisioner_SelectsLeastLoaded(t *testing.T) {
	ci.Parallel(t)
	h := newProvisionHarness(t)
	now := time.Now()
	h.addServer("game1", "skywars", 4, 3, now)
	h.addServer("game2", "skywars", 4, 1, now)

	serverID, ok := h.provisioner.RequestProvision("skywars", map[string]string{"variant": "solo"})
	must.True(t, ok)
	must.Eq(t, "game2", serverID)

	cmds := h.waitCmds(1)
	must.Eq(t, "game2", cmds[0].ServerID)
	must.Eq(t, "skywars", cmds[0].FamilyID)
	must.Eq(t, "solo", cmds[0].Metadata["variant"])
}

// Equal load breaks ties toward the oldest heartbeat.
func TestProvisioner_TieBreak_OldestHeartbeat(t *testing.T) {
	ci.Parallel(t)
	h := newProvisionHarness(t)
	now := time.Now()
	h.addServer("game1", "skywars", 4, 1, now)
	h.addServer("game2", "skywars", 4, 1, now.Add(-time.Minute))

	serverID, ok := h.provisioner.RequestProvision("skywars", nil)
	must.True(t, ok)
	must.Eq(t, "game2", serverID)
}

// A backend at its advertised concurrency cap is skipped.
func TestProvisioner_SkipsSaturated(t *testing.T) {
	ci.Parallel(t)
	h := newProvisionHarness(t)
	now := time.Now()
	h.addServer("game1", "skywars", 2, 2, now)
	h.addServer("game2", "skywars", 4, 2, now)

	serverID, ok := h.provisioner.RequestProvision("skywars", nil)
	must.True(t, ok)
	must.Eq(t, "game2", serverID)
}

// No backend advertising the family means no provision.
func TestProvisioner_NoAdvertiser(t *testing.T) {
	ci.Parallel(t)
	h := newProvisionHarness(t)
	h.addServer("game1", "bedwars", 4, 0, time.Now())

	_, ok := h.provisioner.RequestProvision("skywars", nil)
	must.False(t, ok)
}

// One outstanding provision per family; the throttle clears when a slot
// of the family turns AVAILABLE.
func TestProvisioner_Throttle(t *testing.T) {
	ci.Parallel(t)
	h := newProvisionHarness(t)
	h.addServer("game1", "skywars", 4, 0, time.Now())

	_, ok := h.provisioner.RequestProvision("skywars", nil)
	must.True(t, ok)

	// Second request for the same family is throttled.
	_, ok = h.provisioner.RequestProvision("SkyWars", nil)
	must.False(t, ok)

	// Another family is unaffected.
	h.addServer("game2", "bedwars", 4, 0, time.Now())
	_, ok = h.provisioner.RequestProvision("bedwars", nil)
	must.True(t, ok)

	// A slot coming up clears the throttle.
	h.provisioner.OnFamilyAvailable("skywars")
	serverID, ok := h.provisioner.RequestProvision("skywars", nil)
	must.True(t, ok)
	must.Eq(t, "game1", serverID)
}

// A failed selection does not leave the family stuck in the throttle.
func TestProvisioner_FailedSelection_NotStuck(t *testing.T) {
	ci.Parallel(t)
	h := newProvisionHarness(t)

	_, ok := h.provisioner.RequestProvision("skywars", nil)
	must.False(t, ok)

	// The backend shows up later; provisioning works immediately.
	h.addServer("game1", "skywars", 4, 0, time.Now())
	serverID, ok := h.provisioner.RequestProvision("skywars", nil)
	must.True(t, ok)
	must.Eq(t, "game1", serverID)
}
