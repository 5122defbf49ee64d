package arm64

import (
	"errors"
	"fmt"
)

// BootMode selects how initial vCPU state reaches the guest. It is chosen
// once per VM and every mode-dependent decision switches on it.
type BootMode int

const (
	// NormalBoot writes the entry state directly into vCPU registers.
	NormalBoot BootMode = iota
	// MeasuredBoot reports the entry state to a Measurer instead of a
	// hypervisor. No hypervisor is involved.
	MeasuredBoot
	// RealmBoot writes entry state into a realm before it is activated and
	// finalizes each vCPU's realm execution context.
	RealmBoot
)

func (m BootMode) String() string {
	switch m {
	case NormalBoot:
		return "normal"
	case MeasuredBoot:
		return "measured"
	case RealmBoot:
		return "realm"
	default:
		return fmt.Sprintf("BootMode(%d)", int(m))
	}
}

// ParseBootMode accepts the names printed by BootMode.String.
func ParseBootMode(s string) (BootMode, error) {
	switch s {
	case "", "normal":
		return NormalBoot, nil
	case "measured":
		return MeasuredBoot, nil
	case "realm":
		return RealmBoot, nil
	default:
		return 0, fmt.Errorf("arm64: unknown boot mode %q", s)
	}
}

// Config is the VM-wide configuration shared read-only by every vCPU.
type Config struct {
	Boot BootMode

	// AArch32Guest runs EL1 in AArch32 state.
	AArch32Guest bool
	PMUv3        bool
	DisableSVE   bool

	// Affinity lists the host CPUs every vCPU thread is bound to before
	// reset. Empty means no binding.
	Affinity []int

	KernelEntry uint64
	DeviceTree  uint64
}

// Validate rejects combinations no boot path can honour.
func (c Config) Validate() error {
	switch c.Boot {
	case NormalBoot, MeasuredBoot, RealmBoot:
	default:
		return fmt.Errorf("arm64: invalid boot mode %d", int(c.Boot))
	}

	if c.AArch32Guest && c.Boot != NormalBoot {
		return fmt.Errorf("arm64: %s boot requires an AArch64 guest", c.Boot)
	}

	for _, cpu := range c.Affinity {
		if cpu < 0 {
			return fmt.Errorf("arm64: invalid affinity cpu %d", cpu)
		}
	}

	if c.KernelEntry == 0 {
		return errors.New("arm64: kernel entry address is zero")
	}

	return nil
}

func (c Config) sveRequested(caps Capabilities) bool {
	return !c.DisableSVE && caps.Supports(ScopeVM, CapArmSVE)
}
