package registry

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/haroldDOTsh/fulcrum/bus"
	"github.com/haroldDOTsh/fulcrum/state"
	"github.com/haroldDOTsh/fulcrum/structs"
)

// Server is the assembled registry control plane: state store, server and
// proxy registries, provisioner and routing service wired over one bus
// client.
type Server struct {
	logger hclog.Logger
	config *Config

	store          *state.Store
	bus            bus.Bus
	provisioner    *Provisioner
	router         *Router
	serverRegistry *ServerRegistry
	proxyRegistry  *ProxyRegistry

	shutdownCh chan struct{}
}

// NewServer assembles a registry over an existing bus transport. The
// returned server is idle until Start.
func NewServer(config *Config, logger hclog.Logger, transport *bus.Memory) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid registry config: %w", err)
	}

	store, err := state.NewStore()
	if err != nil {
		return nil, fmt.Errorf("failed to create state store: %w", err)
	}

	logger = logger.Named("registry")
	client := transport.Client(config.RegistryID)
	provisioner := NewProvisioner(logger, client, store)
	router := NewRouter(logger, config, client, store, store, provisioner)

	s := &Server{
		logger:         logger,
		config:         config,
		store:          store,
		bus:            client,
		provisioner:    provisioner,
		router:         router,
		serverRegistry: NewServerRegistry(logger, config, client, store, router, provisioner),
		proxyRegistry:  NewProxyRegistry(logger, config, client, store),
		shutdownCh:     make(chan struct{}),
	}
	return s, nil
}

// Start attaches every component to the bus and begins background sweeps.
func (s *Server) Start() {
	s.serverRegistry.Start()
	s.proxyRegistry.Start()
	s.router.Start()
	go s.router.EmitStats(10*time.Second, s.shutdownCh)
	s.logger.Info("registry started", "registry_id", s.config.RegistryID)
}

// Shutdown tears the components down in reverse dependency order.
func (s *Server) Shutdown() {
	close(s.shutdownCh)
	s.router.Shutdown()
	s.proxyRegistry.Shutdown()
	s.serverRegistry.Shutdown()
	s.logger.Info("registry stopped")
}

// Store exposes the registry state for read-only inspection.
func (s *Server) Store() *state.Store { return s.store }

// Router exposes the routing service, mainly for stats.
func (s *Server) Router() *Router { return s.router }

// Servers lists the registered backends.
func (s *Server) Servers() ([]*structs.ServerRecord, error) { return s.store.Servers() }

// Proxies lists the registered proxies.
func (s *Server) Proxies() ([]*structs.ProxyRecord, error) { return s.store.Proxies() }
