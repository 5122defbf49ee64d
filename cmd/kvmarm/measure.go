package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"github.com/tinyrange/kvmarm/internal/hv/arm64"
	"github.com/tinyrange/kvmarm/internal/measure"
)

// measureCmd implements subcommands.Command for the "measure" command.
type measureCmd struct {
	configPath string
	output     string
}

func (*measureCmd) Name() string { return "measure" }

func (*measureCmd) Synopsis() string {
	return "compute the measured boot state of every vCPU"
}

func (*measureCmd) Usage() string {
	return `measure [flags]

Runs the vCPU bring-up in measured boot mode, without a hypervisor, and
writes a YAML report with the per-vCPU boot state and its digest.
`
}

func (c *measureCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "VM configuration file")
	f.StringVar(&c.output, "o", "", "write the report to this file instead of stdout")
}

func (c *measureCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	cfg, err := loadConfig(c.configPath)
	if err != nil {
		return failure(err)
	}
	cfg.Boot = arm64.MeasuredBoot.String()
	if err := cfg.Validate(); err != nil {
		return failure(err)
	}

	log := measure.NewLog(measure.Layout{
		MemoryBase: cfg.Memory.Base,
		MemorySize: cfg.Memory.Size(),
		CPUs:       cfg.CPUs,
	})

	vm, err := newVM(cfg, log)
	if err != nil {
		return failure(err)
	}
	defer vm.Close()

	if err := vm.Setup(ctx); err != nil {
		return failure(err)
	}

	if c.output == "" {
		if err := log.WriteReport(os.Stdout); err != nil {
			return failure(err)
		}
		return subcommands.ExitSuccess
	}

	if err := writeReportFile(c.output, log); err != nil {
		return failure(err)
	}
	return subcommands.ExitSuccess
}

func writeReportFile(path string, log *measure.Log) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := log.WriteReport(out); err != nil {
		out.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}
