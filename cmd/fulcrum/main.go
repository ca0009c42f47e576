package main

import (
	"fmt"
	"os"

	"github.com/hashicorp/cli"

	"github.com/haroldDOTsh/fulcrum/command"
	"github.com/haroldDOTsh/fulcrum/version"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	c := cli.NewCLI("fulcrum", version.GetVersion())
	c.Args = args
	c.Commands = command.Commands(nil)

	exitCode, err := c.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error executing CLI: %v\n", err)
		return 1
	}
	return exitCode
}
