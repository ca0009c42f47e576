package command

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hashicorp/go-hclog"

	"github.com/haroldDOTsh/fulcrum/backend"
	"github.com/haroldDOTsh/fulcrum/bus"
	"github.com/haroldDOTsh/fulcrum/registry"
)

// BackendCommand runs a backend agent, with an embedded registry so a
// single process hosts a complete fabric.
type BackendCommand struct {
	Meta
}

func (c *BackendCommand) Help() string {
	helpText := `
Usage: fulcrum backend [options]

  Starts a backend agent together with an embedded registry on the
  in-process message fabric. The agent registers, heartbeats, advertises
  its slot families and serves reservation and handoff traffic.

Options:

  -config=<path>
    Path to a YAML configuration file.

  -log-level=<level>
    Log level. Defaults to INFO.

  -pg-dsn=<dsn>
    PostgreSQL DSN for the durable session store. Defaults to the
    in-memory store.
`
	return strings.TrimSpace(helpText)
}

func (c *BackendCommand) Synopsis() string {
	return "Run a fulcrum backend agent"
}

func (c *BackendCommand) Name() string { return "backend" }

func (c *BackendCommand) Run(args []string) int {
	fs := c.FlagSet(c.Name())
	var pgDSN string
	fs.StringVar(&pgDSN, "pg-dsn", "", "PostgreSQL DSN for durable sessions.")
	if err := fs.Parse(args); err != nil {
		c.Ui.Error(c.Help())
		return 1
	}

	cfg, err := LoadConfig(c.configPath)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Failed to load config: %v", err))
		return 1
	}
	if c.logLevel != "" {
		cfg.LogLevel = c.logLevel
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "fulcrum",
		Level: hclog.LevelFromString(cfg.LogLevel),
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sessions backend.SessionStore
	if pgDSN != "" {
		sessions, err = backend.NewPGSessionStore(ctx, pgDSN)
		if err != nil {
			c.Ui.Error(fmt.Sprintf("Failed to open session store: %v", err))
			return 1
		}
		defer sessions.Close()
	}

	transport := bus.NewMemory(logger)
	server, err := registry.NewServer(cfg.Registry, logger, transport)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Failed to create registry: %v", err))
		return 1
	}
	server.Start()

	client := transport.Client(cfg.Backend.Type + "-agent")
	agent, err := backend.NewAgent(cfg.Backend, logger, client, sessions)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Failed to create backend agent: %v", err))
		return 1
	}

	errCh := make(chan error, 1)
	go func() { errCh <- agent.Run(ctx) }()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-signalCh:
		c.Ui.Output(fmt.Sprintf("Caught signal %v, shutting down", sig))
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			c.Ui.Error(fmt.Sprintf("Backend agent failed: %v", err))
		}
	}

	agent.Shutdown()
	cancel()
	server.Shutdown()
	transport.Shutdown()
	return 0
}
