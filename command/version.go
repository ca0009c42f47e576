package command

import "fmt"

// VersionCommand prints the fulcrum version.
type VersionCommand struct {
	Meta
	Version string
}

func (c *VersionCommand) Help() string { return "" }

func (c *VersionCommand) Synopsis() string {
	return "Prints the fulcrum version"
}

func (c *VersionCommand) Name() string { return "version" }

func (c *VersionCommand) Run(_ []string) int {
	c.Ui.Output(fmt.Sprintf("Fulcrum %s", c.Version))
	return 0
}
