//go:build !linux

package factory

import (
	"fmt"

	"github.com/tinyrange/kvmarm/internal/hv"
)

func Open(device string) (Host, error) {
	return nil, hv.ErrHypervisorUnsupported
}

func BindAffinity(cpus []int) error {
	return fmt.Errorf("bind affinity: %w", hv.ErrHypervisorUnsupported)
}
