package arm64

import (
	"fmt"
	"strings"

	"github.com/tinyrange/kvmarm/internal/debug"
)

// Feature is a KVM_ARM_VCPU_* feature bit index.
type Feature uint32

const (
	FeaturePowerOff       Feature = 0
	FeatureEL1_32Bit      Feature = 1
	FeaturePSCI02         Feature = 2
	FeaturePMUv3          Feature = 3
	FeatureSVE            Feature = 4
	FeaturePtrAuthAddress Feature = 5
	FeaturePtrAuthGeneric Feature = 6
	FeatureHasEL2         Feature = 7
	// FeatureREC is the realm execution context. It is never requested at
	// creation, only finalized after reset.
	FeatureREC Feature = 8
)

func (f Feature) String() string {
	switch f {
	case FeaturePowerOff:
		return "power-off"
	case FeatureEL1_32Bit:
		return "el1-32bit"
	case FeaturePSCI02:
		return "psci-0.2"
	case FeaturePMUv3:
		return "pmu-v3"
	case FeatureSVE:
		return "sve"
	case FeaturePtrAuthAddress:
		return "ptrauth-address"
	case FeaturePtrAuthGeneric:
		return "ptrauth-generic"
	case FeatureHasEL2:
		return "has-el2"
	case FeatureREC:
		return "rec"
	default:
		return fmt.Sprintf("Feature(%d)", uint32(f))
	}
}

// FeatureWords is the length of kvm_vcpu_init.features.
const FeatureWords = 7

// FeatureMask mirrors kvm_vcpu_init.features.
type FeatureMask [FeatureWords]uint32

func (m *FeatureMask) Set(f Feature) {
	word, bit := f/32, f%32
	if word >= FeatureWords {
		panic(fmt.Sprintf("arm64: feature %d outside kvm_vcpu_init", uint32(f)))
	}
	m[word] |= 1 << bit
}

func (m FeatureMask) Has(f Feature) bool {
	word, bit := f/32, f%32
	if word >= FeatureWords {
		return false
	}
	return m[word]&(1<<bit) != 0
}

// Features lists the set bits in ascending order.
func (m FeatureMask) Features() []Feature {
	var out []Feature
	for f := Feature(0); f < FeatureWords*32; f++ {
		if m.Has(f) {
			out = append(out, f)
		}
	}
	return out
}

func (m FeatureMask) String() string {
	var names []string
	for _, f := range m.Features() {
		names = append(names, f.String())
	}
	return "[" + strings.Join(names, " ") + "]"
}

// SelectFeatures builds the feature mask vCPU cpu is created with. It only
// queries capabilities.
func (m *Machine) SelectFeatures(cpu int) (FeatureMask, error) {
	var mask FeatureMask
	caps := m.caps

	// Secondary cores start parked until the guest wakes them over PSCI.
	if cpu != 0 {
		mask.Set(FeaturePowerOff)
	}
	if caps.Supports(ScopeSystem, CapArmPSCI02) {
		mask.Set(FeaturePSCI02)
	}

	if m.cfg.AArch32Guest {
		if !caps.Supports(ScopeSystem, CapArmEL1_32Bit) {
			return FeatureMask{}, opError(cpu, "select features", KindConfig, ErrAArch32Unsupported)
		}
		mask.Set(FeatureEL1_32Bit)
	}

	if m.cfg.PMUv3 {
		switch m.cfg.Boot {
		case MeasuredBoot:
			// Nothing to validate against without a hypervisor.
		default:
			if !caps.Supports(ScopeSystem, CapArmPMUv3) {
				return FeatureMask{}, opError(cpu, "select features", KindConfig, ErrPMUv3Unsupported)
			}
		}
		mask.Set(FeaturePMUv3)
	}

	if caps.Supports(ScopeSystem, CapArmPtrAuthAddress) &&
		caps.Supports(ScopeSystem, CapArmPtrAuthGeneric) {
		mask.Set(FeaturePtrAuthAddress)
		mask.Set(FeaturePtrAuthGeneric)
	}

	if m.cfg.sveRequested(caps) {
		mask.Set(FeatureSVE)
	}

	debug.Writef("arm64 select features", "vcpu%d %s", cpu, mask)

	return mask, nil
}

// ConfigureFeatures finalizes the features that need it once the vCPU
// exists and before it first runs. Failure is recoverable: the caller may
// rebuild the VM with a narrower feature set.
//
// Reset is refused until ConfigureFeatures has succeeded.
func (v *VCPU) ConfigureFeatures() error {
	if v.m.cfg.Boot != MeasuredBoot && v.m.cfg.sveRequested(v.m.caps) {
		if err := v.finalize(FeatureSVE, KindFeature); err != nil {
			return err
		}
	}

	v.configured = true
	return nil
}

// finalize issues KVM_ARM_VCPU_FINALIZE for f at most once. Later calls
// return the first outcome.
func (v *VCPU) finalize(f Feature, kind ErrorKind) error {
	if err, done := v.finalized[f]; done {
		return err
	}

	v.dbg.Writef("finalize %s", f)

	var err error
	if ferr := v.ch.Finalize(f); ferr != nil {
		err = opError(v.id, "finalize "+f.String(), kind, ferr)
	}
	v.finalized[f] = err
	return err
}
