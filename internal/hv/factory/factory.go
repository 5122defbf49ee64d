// Package factory opens the host hypervisor behind the vmm interfaces.
package factory

import (
	"fmt"

	"github.com/tinyrange/kvmarm/internal/hv"
	"github.com/tinyrange/kvmarm/internal/vmm"
)

// Host is an open hypervisor.
type Host interface {
	vmm.Host

	Architecture() hv.CpuArchitecture
	Close() error
}

// OpenWithArchitecture opens device for guests of arch. An invalid
// architecture means the host default.
func OpenWithArchitecture(arch hv.CpuArchitecture, device string) (Host, error) {
	switch arch {
	case hv.ArchitectureInvalid, hv.ArchitectureARM64:
		return Open(device)
	default:
		return nil, fmt.Errorf("unsupported architecture %q", arch)
	}
}
