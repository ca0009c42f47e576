package command

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hashicorp/go-hclog"

	"github.com/haroldDOTsh/fulcrum/bus"
	"github.com/haroldDOTsh/fulcrum/registry"
)

// RegistryCommand runs the registry control plane.
type RegistryCommand struct {
	Meta
}

func (c *RegistryCommand) Help() string {
	helpText := `
Usage: fulcrum registry [options]

  Starts the fulcrum registry: server and proxy registries, slot
  provisioning and the player routing service, all over the in-process
  message fabric.

Options:

  -config=<path>
    Path to a YAML configuration file.

  -log-level=<level>
    Log level. Defaults to INFO.
`
	return strings.TrimSpace(helpText)
}

func (c *RegistryCommand) Synopsis() string {
	return "Run the fulcrum registry"
}

func (c *RegistryCommand) Name() string { return "registry" }

func (c *RegistryCommand) Run(args []string) int {
	fs := c.FlagSet(c.Name())
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

	transport := bus.NewMemory(logger)
	server, err := registry.NewServer(cfg.Registry, logger, transport)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Failed to create registry: %v", err))
		return 1
	}
	server.Start()
	c.Ui.Output(fmt.Sprintf("Registry %q started", cfg.Registry.RegistryID))

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	sig := <-signalCh
	c.Ui.Output(fmt.Sprintf("Caught signal %v, shutting down", sig))

	server.Shutdown()
	transport.Shutdown()
	return 0
}
