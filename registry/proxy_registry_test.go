package registry

import (
	"context"
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

type proxyHarness struct {
	t         *testing.T
	transport *bus.Memory
	store     *state.Store
	config    *Config
	registry  *ProxyRegistry
}

func newProxyHarness(t *testing.T, config *Config) *proxyHarness {
	t.Helper()
	if config == nil {
		config = DefaultConfig()
	}
	logger := testlog.HCLogger(t)
	transport := bus.NewMemory(logger)
	t.Cleanup(transport.Shutdown)

	store, err := state.NewStore()
	must.NoError(t, err)

	registry := NewProxyRegistry(logger, config, transport.Client(config.RegistryID), store)
	registry.Start()
	t.Cleanup(registry.Shutdown)

	return &proxyHarness{t: t, transport: transport, store: store, config: config, registry: registry}
}

func (h *proxyHarness) announce(ann *structs.ProxyAnnounce) {
	client := h.transport.Client(ann.ProxyID)
	must.NoError(h.t, client.Broadcast(structs.ChanProxyAnnounce, ann))
}

func (h *proxyHarness) waitProxy(proxyID string, check func(*structs.ProxyRecord) bool, desc string) {
	h.t.Helper()
	testutil.WaitForResult(func() (bool, error) {
		proxy, err := h.store.ProxyByID(proxyID)
		if err != nil {
			return false, err
		}
		return proxy != nil && check(proxy), nil
	}, func(err error) {
		h.t.Fatalf("proxy state never converged: %s: %v", desc, err)
	})
}

func TestProxyRegistry_Announce(t *testing.T) {
	ci.Parallel(t)
	h := newProxyHarness(t, nil)

	h.announce(&structs.ProxyAnnounce{
		ProxyID: "proxy1",
		Address: "10.0.0.1:25577",
		Type:    structs.ProxyTypeLobby,
		HardCap: 500,
		SoftCap: 400,
	})

	h.waitProxy("proxy1", func(p *structs.ProxyRecord) bool {
		return p.Address == "10.0.0.1:25577" &&
			p.Type == structs.ProxyTypeLobby &&
			p.HardCap == 500 && p.SoftCap == 400
	}, "announce stored")
}

// An announce without a type defaults to MIXED.
func TestProxyRegistry_Announce_DefaultType(t *testing.T) {
	ci.Parallel(t)
	h := newProxyHarness(t, nil)

	h.announce(&structs.ProxyAnnounce{ProxyID: "proxy1"})
	h.waitProxy("proxy1", func(p *structs.ProxyRecord) bool {
		return p.Type == structs.ProxyTypeMixed
	}, "type defaulted")
}

func TestProxyRegistry_Heartbeat(t *testing.T) {
	ci.Parallel(t)
	h := newProxyHarness(t, nil)

	h.announce(&structs.ProxyAnnounce{ProxyID: "proxy1"})
	h.waitProxy("proxy1", func(*structs.ProxyRecord) bool { return true }, "announced")

	client := h.transport.Client("proxy1")
	must.NoError(t, client.Broadcast(structs.ChanProxyHeartbeat,
		&structs.ProxyHeartbeat{ProxyID: "proxy1", PlayerCount: 42}))

	h.waitProxy("proxy1", func(p *structs.ProxyRecord) bool {
		return p.CurrentPlayerCount == 42
	}, "heartbeat merged")
}

func TestProxyRegistry_Shutdown_Removes(t *testing.T) {
	ci.Parallel(t)
	h := newProxyHarness(t, nil)

	h.announce(&structs.ProxyAnnounce{ProxyID: "proxy1"})
	h.waitProxy("proxy1", func(*structs.ProxyRecord) bool { return true }, "announced")

	client := h.transport.Client("proxy1")
	must.NoError(t, client.Broadcast(structs.ChanProxyShutdown,
		&structs.ProxyShutdown{ProxyID: "proxy1"}))

	testutil.WaitForResult(func() (bool, error) {
		proxy, err := h.store.ProxyByID("proxy1")
		if err != nil {
			return false, err
		}
		return proxy == nil, nil
	}, func(err error) {
		t.Fatalf("proxy never removed: %v", err)
	})
}

// Discovery lists the live proxies over request/reply.
func TestProxyRegistry_Discovery(t *testing.T) {
	ci.Parallel(t)
	h := newProxyHarness(t, nil)

	h.announce(&structs.ProxyAnnounce{ProxyID: "proxy1", Address: "10.0.0.1:25577"})
	h.announce(&structs.ProxyAnnounce{ProxyID: "proxy2", Address: "10.0.0.2:25577", Type: structs.ProxyTypeLobby})
	h.waitProxy("proxy2", func(*structs.ProxyRecord) bool { return true }, "both announced")

	client := h.transport.Client("game1")
	env, err := client.Request(context.Background(), h.config.RegistryID,
		structs.ChanProxyDiscovery, &structs.ProxyDiscoveryRequest{RequesterID: "game1"}, 3*time.Second)
	must.NoError(t, err)

	msg, err := env.Decode()
	must.NoError(t, err)
	resp := msg.(*structs.ProxyDiscoveryResponse)
	must.Len(t, 2, resp.Proxies)

	byID := map[string]*structs.ProxyInfo{}
	for _, info := range resp.Proxies {
		byID[info.ProxyID] = info
	}
	must.Eq(t, "10.0.0.1:25577", byID["proxy1"].Address)
	must.Eq(t, structs.ProxyTypeLobby, byID["proxy2"].Type)
}

func TestProxyRegistry_Eviction(t *testing.T) {
	ci.Parallel(t)
	cfg := DefaultConfig()
	cfg.ProxyTimeout = 100 * time.Millisecond
	cfg.EvictionInterval = 50 * time.Millisecond
	h := newProxyHarness(t, cfg)

	h.announce(&structs.ProxyAnnounce{ProxyID: "proxy1"})
	h.waitProxy("proxy1", func(*structs.ProxyRecord) bool { return true }, "announced")

	testutil.WaitForResult(func() (bool, error) {
		proxy, err := h.store.ProxyByID("proxy1")
		if err != nil {
			return false, err
		}
		return proxy == nil, nil
	}, func(err error) {
		t.Fatalf("stale proxy never evicted: %v", err)
	})
}
