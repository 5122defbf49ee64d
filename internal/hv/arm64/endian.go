package arm64

import "github.com/tinyrange/kvmarm/internal/hv"

// Endianness reports the data byte order the guest is currently using.
// AArch32 guests use CPSR.E, AArch64 guests SCTLR_EL1.E0E at EL0 and
// SCTLR_EL1.EE otherwise.
func (v *VCPU) Endianness() (hv.Endianness, error) {
	const op = "get endianness"

	if err := v.registersAccessible(op); err != nil {
		return hv.EndianLittle, err
	}

	pstate, err := v.getReg(op, RegPstate)
	if err != nil {
		return hv.EndianLittle, err
	}

	if pstate&psrMode32Bit != 0 {
		if pstate&compatPsrEBit != 0 {
			return hv.EndianBig, nil
		}
		return hv.EndianLittle, nil
	}

	sctlr, err := v.getReg(op, RegSctlrEl1)
	if err != nil {
		return hv.EndianLittle, err
	}

	bit := sctlrEL1EE
	if pstate&psrModeMask == psrModeEL0t {
		bit = sctlrEL1E0E
	}
	if sctlr&bit != 0 {
		return hv.EndianBig, nil
	}
	return hv.EndianLittle, nil
}
