package main

import (
	"fmt"
	"io"

	"github.com/tinyrange/kvmarm/internal/config"
	"github.com/tinyrange/kvmarm/internal/hv"
	"github.com/tinyrange/kvmarm/internal/hv/arm64"
	"github.com/tinyrange/kvmarm/internal/hv/factory"
	"github.com/tinyrange/kvmarm/internal/vmm"
)

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// vmHandle bundles a VMM with the host it runs on.
type vmHandle struct {
	*vmm.VMM
	host factory.Host
}

func (h *vmHandle) Close() error {
	err := h.VMM.Close()
	if h.host != nil {
		if herr := h.host.Close(); err == nil {
			err = herr
		}
	}
	return err
}

// newVM builds a VMM for cfg. Measured boot runs without opening the
// hypervisor.
func newVM(cfg config.Config, measurer arm64.Measurer) (*vmHandle, error) {
	armCfg, err := cfg.Arm64()
	if err != nil {
		return nil, err
	}

	opts := vmm.Options{
		Arm64:        armCfg,
		CPUs:         cfg.CPUs,
		MemoryBase:   cfg.Memory.Base,
		MemorySize:   cfg.Memory.Size(),
		SVEFallback:  cfg.SVEFallback,
		Measurer:     measurer,
		BindAffinity: factory.BindAffinity,
	}

	h := &vmHandle{}
	var host vmm.Host
	if armCfg.Boot == arm64.MeasuredBoot {
		caps, err := cfg.StaticCapabilities()
		if err != nil {
			return nil, err
		}
		opts.Capabilities = caps
	} else {
		h.host, err = factory.OpenWithArchitecture(hv.ArchitectureARM64, cfg.Device)
		if err != nil {
			return nil, fmt.Errorf("open hypervisor: %w", err)
		}
		host = h.host
	}

	h.VMM, err = vmm.New(opts, host)
	if err != nil {
		if h.host != nil {
			h.host.Close()
		}
		return nil, err
	}
	return h, nil
}

// dumpVCPU writes the register and endianness report for one vCPU. It runs
// on the vCPU's thread.
func dumpVCPU(w io.Writer, v *arm64.VCPU, mem io.ReaderAt) error {
	fmt.Fprintf(w, "vcpu%d:", v.ID())

	if err := v.ShowRegisters(w); err != nil {
		return err
	}

	mpidr, err := v.MPIDR()
	switch {
	case err == nil:
		fmt.Fprintf(w, " MPIDR: 0x%x\n", mpidr)
	case arm64.KindOf(err) == arm64.KindAccess:
		fmt.Fprintf(w, " MPIDR: unknown (%v)\n", err)
	default:
		return err
	}

	endian, err := v.Endianness()
	switch {
	case err == nil:
		fmt.Fprintf(w, " Endianness: %s\n", endian)
	case arm64.KindOf(err) == arm64.KindAccess:
		fmt.Fprintf(w, " Endianness: unknown (%v)\n", err)
	default:
		return err
	}

	if mem != nil {
		if err := v.ShowCode(w, mem); err != nil {
			return err
		}
	}
	return nil
}
