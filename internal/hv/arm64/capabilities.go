package arm64

import (
	"fmt"
	"strings"
)

// Capability is a KVM_CHECK_EXTENSION capability number.
type Capability uint32

const (
	CapArmEL1_32Bit      Capability = 93
	CapArmPSCI02         Capability = 102
	CapArmPMUv3          Capability = 126
	CapArmVMIPASize      Capability = 165
	CapArmSVE            Capability = 170
	CapArmPtrAuthAddress Capability = 171
	CapArmPtrAuthGeneric Capability = 172
	CapArmRME            Capability = 300
)

var capabilityNames = map[Capability]string{
	CapArmEL1_32Bit:      "el1-32bit",
	CapArmPSCI02:         "psci-0.2",
	CapArmPMUv3:          "pmu-v3",
	CapArmVMIPASize:      "vm-ipa-size",
	CapArmSVE:            "sve",
	CapArmPtrAuthAddress: "ptrauth-address",
	CapArmPtrAuthGeneric: "ptrauth-generic",
	CapArmRME:            "rme",
}

// KnownCapabilities lists every capability this package queries, in
// numeric order.
var KnownCapabilities = []Capability{
	CapArmEL1_32Bit,
	CapArmPSCI02,
	CapArmPMUv3,
	CapArmVMIPASize,
	CapArmSVE,
	CapArmPtrAuthAddress,
	CapArmPtrAuthGeneric,
	CapArmRME,
}

func (c Capability) String() string {
	if name, ok := capabilityNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Capability(%d)", uint32(c))
}

// ParseCapability accepts the names printed by Capability.String.
func ParseCapability(name string) (Capability, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for c, n := range capabilityNames {
		if n == name {
			return c, nil
		}
	}
	return 0, fmt.Errorf("arm64: unknown capability %q", name)
}

// Scope selects which file descriptor a capability is checked against.
type Scope int

const (
	// ScopeSystem queries /dev/kvm. KVM reports vCPU feature support
	// (32-bit EL1, PMUv3, pointer authentication) here.
	ScopeSystem Scope = iota
	// ScopeVM queries the VM file descriptor. SVE support is VM scoped.
	ScopeVM
)

func (s Scope) String() string {
	switch s {
	case ScopeSystem:
		return "system"
	case ScopeVM:
		return "vm"
	default:
		return fmt.Sprintf("Scope(%d)", int(s))
	}
}

// Capabilities answers capability presence queries.
type Capabilities interface {
	Supports(scope Scope, c Capability) bool
}

// StaticCapabilities is a fixed capability set that answers identically at
// every scope. Measured boot uses it in place of a live hypervisor.
type StaticCapabilities map[Capability]bool

func (s StaticCapabilities) Supports(_ Scope, c Capability) bool { return s[c] }

// CapabilityFunc adapts a function to Capabilities.
type CapabilityFunc func(scope Scope, c Capability) bool

func (f CapabilityFunc) Supports(scope Scope, c Capability) bool { return f(scope, c) }
