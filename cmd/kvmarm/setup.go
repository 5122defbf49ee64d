package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"

	"github.com/google/subcommands"
	"github.com/tinyrange/kvmarm/internal/hv/arm64"
)

// setupCmd implements subcommands.Command for the "setup" command.
type setupCmd struct {
	configPath string
	showCode   bool
}

func (*setupCmd) Name() string { return "setup" }

func (*setupCmd) Synopsis() string {
	return "create a VM and bring every vCPU to its entry state"
}

func (*setupCmd) Usage() string {
	return `setup [flags]

Creates the VM described by -config, negotiates and finalizes vCPU features,
resets every vCPU and prints the resulting register state. Only normal boot
is supported: measured boot runs through the measure command, and realm VMs
are created and activated by the realm management tooling that owns them.
`
}

func (c *setupCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "VM configuration file (defaults apply when empty)")
	f.BoolVar(&c.showCode, "show-code", false, "dump and disassemble guest memory at PC and LR")
}

func (c *setupCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	cfg, err := loadConfig(c.configPath)
	if err != nil {
		return failure(err)
	}
	if err := checkSetupBoot(cfg.Boot); err != nil {
		return failure(err)
	}

	vm, err := newVM(cfg, nil)
	if err != nil {
		return failure(err)
	}
	defer vm.Close()

	if err := vm.Setup(ctx); err != nil {
		return failure(err)
	}
	if vm.FellBack() {
		slog.Warn("SVE disabled after finalization failed")
	}

	mem := vm.Memory()
	if !c.showCode {
		mem = nil
	}

	for id := 0; id < vm.CPUs(); id++ {
		if err := vm.VirtualCPUCall(id, func(v *arm64.VCPU) error {
			return dumpVCPU(os.Stdout, v, mem)
		}); err != nil {
			return failure(err)
		}
	}

	return subcommands.ExitSuccess
}

// checkSetupBoot rejects boot modes setup cannot drive against /dev/kvm.
func checkSetupBoot(boot string) error {
	mode, err := arm64.ParseBootMode(boot)
	if err != nil {
		return err
	}
	switch mode {
	case arm64.MeasuredBoot:
		return errors.New("measured boot has no vCPU state to set up, use the measure command")
	case arm64.RealmBoot:
		return errors.New("realm boot needs a realm VM created and activated by realm management tooling, setup only creates ordinary VMs")
	default:
		return nil
	}
}
