package registry

import (
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/haroldDOTsh/fulcrum/bus"
	"github.com/haroldDOTsh/fulcrum/state"
	"github.com/haroldDOTsh/fulcrum/structs"
)

// ProxyRegistry tracks the edge proxies that hold player sessions. Proxies
// self-register with an announce, stay alive via heartbeats, and are
// TTL-evicted like servers.
type ProxyRegistry struct {
	logger hclog.Logger
	config *Config
	bus    bus.Bus
	store  *state.Store

	shutdownCh   chan struct{}
	unsubscribes []func()
}

// NewProxyRegistry wires a proxy registry over the shared state store.
func NewProxyRegistry(logger hclog.Logger, config *Config, b bus.Bus, store *state.Store) *ProxyRegistry {
	return &ProxyRegistry{
		logger:     logger.Named("proxy_registry"),
		config:     config,
		bus:        b,
		store:      store,
		shutdownCh: make(chan struct{}),
	}
}

// Start subscribes the proxy channels and begins the eviction sweep.
func (r *ProxyRegistry) Start() {
	discChan := structs.TargetedChannel(structs.ChanProxyDiscovery, r.config.RegistryID)
	r.unsubscribes = append(r.unsubscribes,
		r.bus.Subscribe(structs.ChanProxyAnnounce, r.handleAnnounce),
		r.bus.Subscribe(structs.ChanProxyHeartbeat, r.handleHeartbeat),
		r.bus.Subscribe(structs.ChanProxyShutdown, r.handleShutdown),
		r.bus.Subscribe(discChan, r.handleDiscovery),
		r.bus.Subscribe(structs.ChanProxyDiscovery, r.handleDiscovery),
	)
	go r.evictLoop()
}

// Shutdown stops the eviction sweep and drops subscriptions.
func (r *ProxyRegistry) Shutdown() {
	close(r.shutdownCh)
	for _, unsub := range r.unsubscribes {
		unsub()
	}
}

func (r *ProxyRegistry) handleAnnounce(env *bus.Envelope) {
	msg, err := env.Decode()
	if err != nil {
		r.logger.Error("dropping undecodable proxy announce", "error", err)
		return
	}
	ann, ok := msg.(*structs.ProxyAnnounce)
	if !ok {
		return
	}
	if err := ann.Validate(); err != nil {
		r.logger.Warn("dropping invalid proxy announce", "error", err)
		return
	}

	proxyType := ann.Type
	if proxyType == "" {
		proxyType = structs.ProxyTypeMixed
	}
	record := &structs.ProxyRecord{
		ID:              ann.ProxyID,
		Address:         ann.Address,
		Type:            proxyType,
		HardCap:         ann.HardCap,
		SoftCap:         ann.SoftCap,
		LastHeartbeatAt: time.Now(),
	}
	if err := r.store.UpsertProxy(record); err != nil {
		r.logger.Error("failed to store proxy", "proxy_id", ann.ProxyID, "error", err)
		return
	}
	metrics.IncrCounter([]string{"fulcrum", "proxy_registry", "announced"}, 1)
	r.logger.Info("registered proxy", "proxy_id", ann.ProxyID, "address", ann.Address, "type", proxyType)
}

func (r *ProxyRegistry) handleHeartbeat(env *bus.Envelope) {
	msg, err := env.Decode()
	if err != nil {
		r.logger.Error("dropping undecodable proxy heartbeat", "error", err)
		return
	}
	hb, ok := msg.(*structs.ProxyHeartbeat)
	if !ok {
		return
	}
	if err := hb.Validate(); err != nil {
		r.logger.Warn("dropping invalid proxy heartbeat", "error", err)
		return
	}

	proxy, err := r.store.ProxyByID(hb.ProxyID)
	if err != nil || proxy == nil {
		r.logger.Debug("heartbeat from unknown proxy", "proxy_id", hb.ProxyID)
		return
	}
	proxy.LastHeartbeatAt = time.Now()
	proxy.CurrentPlayerCount = hb.PlayerCount
	if err := r.store.UpsertProxy(proxy); err != nil {
		r.logger.Error("failed to store proxy heartbeat", "proxy_id", hb.ProxyID, "error", err)
	}
}

func (r *ProxyRegistry) handleShutdown(env *bus.Envelope) {
	msg, err := env.Decode()
	if err != nil {
		r.logger.Error("dropping undecodable proxy shutdown", "error", err)
		return
	}
	down, ok := msg.(*structs.ProxyShutdown)
	if !ok {
		return
	}
	if err := down.Validate(); err != nil {
		r.logger.Warn("dropping invalid proxy shutdown", "error", err)
		return
	}
	if err := r.store.DeleteProxy(down.ProxyID); err != nil {
		r.logger.Error("failed to delete proxy", "proxy_id", down.ProxyID, "error", err)
		return
	}
	r.logger.Info("proxy shut down", "proxy_id", down.ProxyID)
}

func (r *ProxyRegistry) handleDiscovery(env *bus.Envelope) {
	proxies, err := r.store.Proxies()
	if err != nil {
		r.logger.Error("discovery listing failed", "error", err)
		return
	}
	resp := &structs.ProxyDiscoveryResponse{}
	for _, proxy := range proxies {
		resp.Proxies = append(resp.Proxies, &structs.ProxyInfo{
			ProxyID: proxy.ID,
			Address: proxy.Address,
			Type:    proxy.Type,
		})
	}
	if err := r.bus.Reply(env, structs.ChanProxyDiscoveryResponse, resp); err != nil {
		r.logger.Error("failed to send discovery response", "error", err)
	}
}

func (r *ProxyRegistry) evictLoop() {
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

func (r *ProxyRegistry) evictStale() {
	proxies, err := r.store.Proxies()
	if err != nil {
		r.logger.Error("proxy eviction sweep failed", "error", err)
		return
	}
	cutoff := time.Now().Add(-r.config.ProxyTimeout)
	for _, proxy := range proxies {
		if proxy.LastHeartbeatAt.Before(cutoff) {
			r.logger.Warn("evicting proxy with stale heartbeat",
				"proxy_id", proxy.ID, "last_heartbeat", proxy.LastHeartbeatAt)
			if err := r.store.DeleteProxy(proxy.ID); err != nil {
				r.logger.Error("failed to evict proxy", "proxy_id", proxy.ID, "error", err)
			}
		}
	}
}
