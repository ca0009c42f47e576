package command

import (
	"flag"

	"github.com/hashicorp/cli"
)

// Meta contains the options that every fulcrum command inherits.
type Meta struct {
	Ui cli.Ui

	configPath string
	logLevel   string
}

// FlagSet returns a flag set with the shared flags registered.
func (m *Meta) FlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&m.configPath, "config", "", "Path to a YAML config file.")
	fs.StringVar(&m.logLevel, "log-level", "", "Log level (TRACE, DEBUG, INFO, WARN, ERROR).")
	fs.Usage = func() {}
	return fs
}
