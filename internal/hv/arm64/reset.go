package arm64

import (
	"errors"
	"fmt"
)

// Processor state bits.
const (
	psrModeEL0t   uint64 = 0x00000000
	psrModeEL1h   uint64 = 0x00000005
	psrModeMask   uint64 = 0x0000000f
	psrMode32Bit  uint64 = 0x00000010
	psrFBit       uint64 = 0x00000040
	psrIBit       uint64 = 0x00000080
	psrABit       uint64 = 0x00000100
	psrDBit       uint64 = 0x00000200
	compatPsrSVC  uint64 = 0x00000013
	compatPsrEBit uint64 = 0x00000200

	sctlrEL1E0E uint64 = 1 << 24
	sctlrEL1EE  uint64 = 1 << 25
)

const (
	// PstateAArch64Reset is EL1h with debug, SError, IRQ and FIQ masked.
	PstateAArch64Reset = psrModeEL1h | psrDBit | psrABit | psrIBit | psrFBit
	// PstateAArch32Reset is SVC mode with IRQ and FIQ masked.
	PstateAArch32Reset = compatPsrSVC | psrIBit | psrFBit
)

var errFeaturesNotConfigured = errors.New("features have not been finalized")

// Reset moves the vCPU into its guest entry state. It runs once per vCPU,
// after ConfigureFeatures and before the first run, on the thread that owns
// the vCPU.
func (v *VCPU) Reset() error {
	cfg := v.m.cfg

	if cfg.Boot == RealmBoot && v.m.RealmActive() {
		v.dbg.Writef("reset skipped: realm active")
		return nil
	}

	if !v.configured {
		return opError(v.id, "reset", KindConfig, errFeaturesNotConfigured)
	}

	if err := v.bindAffinity(); err != nil {
		return err
	}

	switch cfg.Boot {
	case MeasuredBoot:
		return v.resetMeasured()
	case RealmBoot:
		return v.resetRealm()
	case NormalBoot:
		if cfg.AArch32Guest {
			return v.resetAArch32()
		}
		return v.resetAArch64()
	default:
		return opError(v.id, "reset", KindConfig, fmt.Errorf("unknown boot mode %s", cfg.Boot))
	}
}

func (v *VCPU) bindAffinity() error {
	cpus := v.m.cfg.Affinity
	if len(cpus) == 0 || v.affinityBound {
		return nil
	}
	if err := v.m.affinity(cpus); err != nil {
		return opError(v.id, "bind affinity", KindConfig, err)
	}
	v.affinityBound = true
	v.dbg.Writef("bound to host cpus %v", cpus)
	return nil
}

func (v *VCPU) resetAArch32() error {
	if err := v.setReg("reset", RegPstate, PstateAArch32Reset); err != nil {
		return err
	}

	if !v.primary() {
		return nil
	}

	// r0 = 0, r1 = machine type (~0 for device tree), r2 = dtb.
	for _, w := range []struct {
		id    RegisterID
		value uint64
	}{
		{RegX(0), 0},
		{RegX(1), ^uint64(0)},
		{RegX(2), v.m.cfg.DeviceTree},
		{RegPC, v.m.cfg.KernelEntry},
	} {
		if err := v.setReg("reset", w.id, w.value); err != nil {
			return err
		}
	}
	return nil
}

func (v *VCPU) resetAArch64() error {
	if err := v.setReg("reset", RegPstate, PstateAArch64Reset); err != nil {
		return err
	}
	return v.resetBootArgs()
}

// resetRealm leaves PSTATE to the realm management monitor and seals the
// register state by finalizing the realm execution context.
func (v *VCPU) resetRealm() error {
	if err := v.resetBootArgs(); err != nil {
		return err
	}
	return v.finalize(FeatureREC, KindABI)
}

// resetBootArgs writes the arm64 boot protocol registers: x1..x3 are zero
// on every core, the primary also gets x0 = dtb and the entry point.
func (v *VCPU) resetBootArgs() error {
	for i := 1; i < 4; i++ {
		if err := v.setReg("reset", RegX(i), 0); err != nil {
			return err
		}
	}

	if !v.primary() {
		return nil
	}

	if err := v.setReg("reset", RegX(0), v.m.cfg.DeviceTree); err != nil {
		return err
	}
	return v.setReg("reset", RegPC, v.m.cfg.KernelEntry)
}

func (v *VCPU) resetMeasured() error {
	var entry, mode, dtb uint64
	if v.primary() {
		entry, mode, dtb = v.m.cfg.KernelEntry, measuredBootMode, v.m.cfg.DeviceTree
	}

	v.dbg.Writef("measure entry=%#x mode=%#x dtb=%#x", entry, mode, dtb)

	if err := v.m.measurer.MeasureVCPUReset(v.id, entry, mode, dtb); err != nil {
		return opError(v.id, "measure reset", KindABI, err)
	}
	return nil
}
