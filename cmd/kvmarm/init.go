package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"github.com/tinyrange/kvmarm/internal/config"
)

// initCmd implements subcommands.Command for the "init" command.
type initCmd struct {
	cpus  int
	force bool
}

func (*initCmd) Name() string { return "init" }

func (*initCmd) Synopsis() string {
	return "write a default VM configuration file"
}

func (*initCmd) Usage() string {
	return `init [flags] [path]

Writes the default configuration to path (` + config.DefaultFilename + ` when omitted).
`
}

func (c *initCmd) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.cpus, "cpus", 1, "number of vCPUs")
	f.BoolVar(&c.force, "force", false, "overwrite an existing file")
}

func (c *initCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() > 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	path := config.DefaultFilename
	if f.NArg() == 1 {
		path = f.Arg(0)
	}

	if !c.force {
		if _, err := os.Stat(path); err == nil {
			return failure(fmt.Errorf("%s already exists", path))
		}
	}

	cfg := config.Default()
	cfg.CPUs = c.cpus
	if err := cfg.Validate(); err != nil {
		return failure(err)
	}

	if err := config.WriteTemplate(path, cfg); err != nil {
		return failure(err)
	}
	return subcommands.ExitSuccess
}
