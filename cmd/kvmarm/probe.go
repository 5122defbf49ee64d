package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"
	"github.com/tinyrange/kvmarm/internal/config"
	"github.com/tinyrange/kvmarm/internal/hv"
	"github.com/tinyrange/kvmarm/internal/hv/arm64"
	"github.com/tinyrange/kvmarm/internal/hv/factory"
	"golang.org/x/sys/cpu"
	"golang.org/x/term"
)

// probeCmd implements subcommands.Command for the "probe" command.
type probeCmd struct {
	device string
}

func (*probeCmd) Name() string { return "probe" }

func (*probeCmd) Synopsis() string {
	return "report host CPU features and KVM capabilities"
}

func (*probeCmd) Usage() string {
	return `probe [flags]

Prints the host CPU features relevant to vCPU bring-up and every ARM64 KVM
capability at system and VM scope. Output is column aligned on a terminal
and tab separated without headers otherwise.
`
}

func (c *probeCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.device, "device", config.DefaultDevice, "KVM device node")
}

type hostFeature struct {
	name    string
	present bool
}

func hostFeatures() []hostFeature {
	return []hostFeature{
		{"fp", cpu.ARM64.HasFP},
		{"asimd", cpu.ARM64.HasASIMD},
		{"aes", cpu.ARM64.HasAES},
		{"pmull", cpu.ARM64.HasPMULL},
		{"sha1", cpu.ARM64.HasSHA1},
		{"sha2", cpu.ARM64.HasSHA2},
		{"crc32", cpu.ARM64.HasCRC32},
		{"atomics", cpu.ARM64.HasATOMICS},
		{"sve", cpu.ARM64.HasSVE},
	}
}

func (c *probeCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	interactive := term.IsTerminal(int(os.Stdout.Fd()))

	var tw *tabwriter.Writer
	if interactive {
		tw = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	} else {
		tw = tabwriter.NewWriter(os.Stdout, 0, 8, 0, '\t', 0)
	}
	header := func(line string) {
		if interactive {
			fmt.Fprintln(tw, line)
		}
	}

	header("HOST FEATURE\tPRESENT")
	for _, feat := range hostFeatures() {
		fmt.Fprintf(tw, "%s\t%t\n", feat.name, feat.present)
	}
	tw.Flush()

	host, err := factory.OpenWithArchitecture(hv.ArchitectureARM64, c.device)
	if err != nil {
		return failure(err)
	}
	defer host.Close()

	vm, err := host.NewVirtualMachine()
	if err != nil {
		return failure(err)
	}
	defer vm.Close()

	header("")
	header("CAPABILITY\tNUMBER\tSYSTEM\tVM")
	for _, capability := range arm64.KnownCapabilities {
		fmt.Fprintf(tw, "%s\t%d\t%t\t%t\n",
			capability, uint32(capability),
			vm.Supports(arm64.ScopeSystem, capability),
			vm.Supports(arm64.ScopeVM, capability),
		)
	}
	if err := tw.Flush(); err != nil {
		return failure(err)
	}

	return subcommands.ExitSuccess
}
