package command

import (
	"os"

	"github.com/hashicorp/cli"

	"github.com/haroldDOTsh/fulcrum/version"
)

// Commands returns the mapping of CLI commands for fulcrum.
func Commands(metaPtr *Meta) map[string]cli.CommandFactory {
	if metaPtr == nil {
		metaPtr = new(Meta)
	}
	meta := *metaPtr
	if meta.Ui == nil {
		meta.Ui = &cli.BasicUi{
			Reader:      os.Stdin,
			Writer:      os.Stdout,
			ErrorWriter: os.Stderr,
		}
	}

	return map[string]cli.CommandFactory{
		"registry": func() (cli.Command, error) {
			return &RegistryCommand{Meta: meta}, nil
		},
		"backend": func() (cli.Command, error) {
			return &BackendCommand{Meta: meta}, nil
		},
		"version": func() (cli.Command, error) {
			return &VersionCommand{Meta: meta, Version: version.GetVersion()}, nil
		},
	}
}
