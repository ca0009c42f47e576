package backend

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/haroldDOTsh/fulcrum/bus"
	"github.com/haroldDOTsh/fulcrum/ci"
	"github.com/haroldDOTsh/fulcrum/helper/testlog"
	"github.com/haroldDOTsh/fulcrum/helper/uuid"
	"github.com/haroldDOTsh/fulcrum/registry"
	"github.com/haroldDOTsh/fulcrum/structs"
	"github.com/haroldDOTsh/fulcrum/testutil"
)

// agentHarness runs a real registry and a backend agent over one
// in-process transport.
type agentHarness struct {
	t         *testing.T
	transport *bus.Memory
	registry  *registry.Server
	agent     *Agent
	cancel    context.CancelFunc
	doneCh    chan error

	mu        sync.Mutex
	proxyCmds []*structs.PlayerRouteCommand
}

func newAgentHarness(t *testing.T, config *Config) *agentHarness {
	t.Helper()
	logger := testlog.HCLogger(t)
	transport := bus.NewMemory(logger)
	t.Cleanup(transport.Shutdown)

	regServer, err := registry.NewServer(nil, logger, transport)
	must.NoError(t, err)
	regServer.Start()
	t.Cleanup(regServer.Shutdown)

	if config == nil {
		config = DefaultConfig()
		config.HeartbeatInterval = 50 * time.Millisecond
	}
	agent, err := NewAgent(config, logger, transport.Client("game-agent"), nil)
	must.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h := &agentHarness{
		t:         t,
		transport: transport,
		registry:  regServer,
		agent:     agent,
		cancel:    cancel,
		doneCh:    make(chan error, 1),
	}
	go func() { h.doneCh <- agent.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.doneCh:
		case <-time.After(3 * time.Second):
			t.Error("agent never stopped")
		}
	})

	// Registration is synchronous inside Run; wait for the assigned ID.
	testutil.WaitForResult(func() (bool, error) {
		if agent.ServerID() == "" {
			return false, fmt.Errorf("agent not registered yet")
		}
		return true, nil
	}, func(err error) {
		t.Fatalf("%v", err)
	})
	return h
}

// announceProxy registers an edge proxy and captures its route commands.
func (h *agentHarness) announceProxy(proxyID string) {
	client := h.transport.Client(proxyID)
	must.NoError(h.t, client.Broadcast(structs.ChanProxyAnnounce,
		&structs.ProxyAnnounce{ProxyID: proxyID}))
	client.Subscribe(structs.TargetedChannel(structs.ChanRouteCommand, proxyID), func(env *bus.Envelope) {
		msg, err := env.Decode()
		if err != nil {
			return
		}
		if cmd, ok := msg.(*structs.PlayerRouteCommand); ok {
			h.mu.Lock()
			h.proxyCmds = append(h.proxyCmds, cmd)
			h.mu.Unlock()
		}
	})
	testutil.WaitForResult(func() (bool, error) {
		proxy, err := h.registry.Store().ProxyByID(proxyID)
		if err != nil {
			return false, err
		}
		return proxy != nil, nil
	}, func(err error) {
		h.t.Fatalf("proxy never registered: %v", err)
	})
}

func (h *agentHarness) waitProxyCmd() *structs.PlayerRouteCommand {
	h.t.Helper()
	testutil.WaitForResult(func() (bool, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.proxyCmds) >= 1, nil
	}, func(err error) {
		h.t.Fatalf("route command never reached the proxy")
	})
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.proxyCmds[len(h.proxyCmds)-1]
}

func TestAgent_RegistersAndHeartbeats(t *testing.T) {
	ci.Parallel(t)
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.Families = []*structs.FamilyCapacity{{FamilyID: "skywars", MaxConcurrent: 4}}
	h := newAgentHarness(t, cfg)

	serverID := h.agent.ServerID()
	must.Eq(t, "game1", serverID)

	testutil.WaitForResult(func() (bool, error) {
		server, err := h.registry.Store().ServerByID(serverID)
		if err != nil {
			return false, err
		}
		if server == nil {
			return false, fmt.Errorf("server not in registry store")
		}
		// Advertisement and at least one heartbeat have landed.
		return server.Families["skywars"] != nil && server.Status == structs.ServerStatusRunning, nil
	}, func(err error) {
		t.Fatalf("registration never settled: %v", err)
	})
}

// A provision command materializes a slot and its status reaches the
// registry store.
func TestAgent_ProvisionCommand_CreatesSlot(t *testing.T) {
	ci.Parallel(t)
	h := newAgentHarness(t, nil)
	serverID := h.agent.ServerID()

	registryClient := h.transport.Client("registry-test")
	must.NoError(t, registryClient.Send(serverID, structs.ChanSlotProvisionCommand,
		&structs.SlotProvisionCommand{ServerID: serverID, FamilyID: "skywars"}))

	testutil.WaitForResult(func() (bool, error) {
		server, err := h.registry.Store().ServerByID(serverID)
		if err != nil || server == nil {
			return false, err
		}
		for _, slot := range server.Slots {
			if slot.GameType == "skywars" && slot.Status == structs.SlotStatusAvailable {
				return true, nil
			}
		}
		return false, fmt.Errorf("provisioned slot not visible yet")
	}, func(err error) {
		t.Fatalf("%v", err)
	})
}

// The whole loop: player request, reservation handshake, route command,
// join completion, success ack.
func TestAgent_EndToEndRoute(t *testing.T) {
	ci.Parallel(t)
	h := newAgentHarness(t, nil)
	serverID := h.agent.ServerID()
	h.announceProxy("proxy1")

	h.agent.UpsertSlot(&structs.SlotRecord{
		Suffix:     "a1b2",
		GameType:   "skywars",
		Status:     structs.SlotStatusAvailable,
		MaxPlayers: 8,
		Metadata:   map[string]string{structs.MetaKeyFamily: "skywars"},
	})
	testutil.WaitForResult(func() (bool, error) {
		server, err := h.registry.Store().ServerByID(serverID)
		if err != nil || server == nil {
			return false, err
		}
		return server.Slots["a1b2"] != nil, nil
	}, func(err error) {
		t.Fatalf("slot never reached the registry: %v", err)
	})

	playerID := uuid.Generate()
	proxyClient := h.transport.Client("proxy1")
	must.NoError(t, proxyClient.Broadcast(structs.ChanPlayerRequest, &structs.PlayerSlotRequest{
		RequestID:  uuid.Generate(),
		PlayerID:   playerID,
		PlayerName: "Steve",
		ProxyID:    "proxy1",
		FamilyID:   "skywars",
	}))

	cmd := h.waitProxyCmd()
	must.Eq(t, structs.RouteActionRoute, cmd.Action)
	must.Eq(t, serverID, cmd.ServerID)
	token := cmd.Metadata[structs.MetaKeyReservationToken]
	must.NotEq(t, "", token)

	// The player's connection lands on the backend.
	handoff, err := h.agent.CompleteJoin(context.Background(), playerID, token)
	must.NoError(t, err)
	must.Eq(t, cmd.SlotID, handoff.SlotID)

	// The success ack settles the router and the session is linked.
	testutil.WaitForResult(func() (bool, error) {
		stats := h.registry.Router().Stats()
		return stats.InFlight == 0 && stats.ActiveRequests == 0, nil
	}, func(err error) {
		t.Fatalf("route never settled")
	})

	session, err := h.agent.Sessions().Resume(context.Background(), playerID)
	must.NoError(t, err)
	must.NotNil(t, session)
	must.Eq(t, cmd.SlotID, session.LastSlotID)

	// Occupancy was reported back to the registry.
	testutil.WaitForResult(func() (bool, error) {
		server, err := h.registry.Store().ServerByID(serverID)
		if err != nil || server == nil {
			return false, err
		}
		return server.Slots["a1b2"].OnlinePlayers == 1, nil
	}, func(err error) {
		t.Fatalf("occupancy never reported")
	})

	// And back out again.
	h.agent.PlayerLeft(context.Background(), playerID, cmd.SlotID)
	testutil.WaitForResult(func() (bool, error) {
		server, err := h.registry.Store().ServerByID(serverID)
		if err != nil || server == nil {
			return false, err
		}
		return server.Slots["a1b2"].OnlinePlayers == 0, nil
	}, func(err error) {
		t.Fatalf("player leave never reported")
	})

	gone, err := h.agent.Sessions().Resume(context.Background(), playerID)
	must.NoError(t, err)
	must.Nil(t, gone)
}

// A join with a bogus token fails and does not link a session.
func TestAgent_CompleteJoin_BadToken(t *testing.T) {
	ci.Parallel(t)
	h := newAgentHarness(t, nil)

	playerID := uuid.Generate()
	_, err := h.agent.CompleteJoin(context.Background(), playerID, "bogus")
	must.Error(t, err)

	session, serr := h.agent.Sessions().Resume(context.Background(), playerID)
	must.NoError(t, serr)
	must.Nil(t, session)
}

// A full slot rejects the reservation handshake.
func TestAgent_ReservationRejectedWhenFull(t *testing.T) {
	ci.Parallel(t)
	h := newAgentHarness(t, nil)
	serverID := h.agent.ServerID()

	h.agent.UpsertSlot(&structs.SlotRecord{
		Suffix:        "a1b2",
		GameType:      "skywars",
		Status:        structs.SlotStatusAvailable,
		MaxPlayers:    1,
		OnlinePlayers: 1,
		Metadata:      map[string]string{structs.MetaKeyFamily: "skywars"},
	})

	var mu sync.Mutex
	var responses []*structs.PlayerReservationResponse
	observer := h.transport.Client("observer")
	observer.Subscribe(structs.ChanReservationResponse, func(env *bus.Envelope) {
		msg, err := env.Decode()
		if err != nil {
			return
		}
		if resp, ok := msg.(*structs.PlayerReservationResponse); ok {
			mu.Lock()
			responses = append(responses, resp)
			mu.Unlock()
		}
	})

	req := &structs.PlayerReservationRequest{
		RequestID:  uuid.Generate(),
		PlayerID:   uuid.Generate(),
		PlayerName: "Steve",
		ProxyID:    "proxy1",
		ServerID:   serverID,
		SlotID:     structs.MakeSlotID(serverID, "a1b2"),
	}
	must.NoError(t, observer.Send(serverID, structs.ChanReservationRequest, req))

	testutil.WaitForResult(func() (bool, error) {
		mu.Lock()
		defer mu.Unlock()
		return len(responses) == 1, nil
	}, func(err error) {
		t.Fatalf("reservation response never arrived")
	})

	mu.Lock()
	defer mu.Unlock()
	must.False(t, responses[0].Accepted)
	must.Eq(t, structs.ReasonReservationRejected, responses[0].Reason)
}
