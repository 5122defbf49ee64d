package arm64

import "fmt"

// RegisterID is a KVM_{GET,SET}_ONE_REG register identifier.
type RegisterID uint64

const (
	kvmRegArm64 uint64 = 0x6000000000000000

	kvmRegSizeShift        = 52
	kvmRegSizeMask  uint64 = 0x00f0000000000000
	kvmRegSizeU32   uint64 = 0x0020000000000000
	kvmRegSizeU64   uint64 = 0x0030000000000000
	kvmRegSizeU128  uint64 = 0x0040000000000000

	kvmRegArmCoproShift        = 16
	kvmRegArmCoproMask  uint64 = 0x000000000fff0000
	kvmRegArmCore       uint64 = 0x0010 << kvmRegArmCoproShift
	kvmRegArm64SysReg   uint64 = 0x0013 << kvmRegArmCoproShift

	kvmRegArm64SysRegOp0Mask  uint64 = 0x000000000000c000
	kvmRegArm64SysRegOp0Shift        = 14
	kvmRegArm64SysRegOp1Mask  uint64 = 0x0000000000003800
	kvmRegArm64SysRegOp1Shift        = 11
	kvmRegArm64SysRegCrnMask  uint64 = 0x0000000000000780
	kvmRegArm64SysRegCrnShift        = 7
	kvmRegArm64SysRegCrmMask  uint64 = 0x0000000000000078
	kvmRegArm64SysRegCrmShift        = 3
	kvmRegArm64SysRegOp2Mask  uint64 = 0x0000000000000007
	kvmRegArm64SysRegOp2Shift        = 0
)

// Core register offsets, in 32-bit words from the start of struct kvm_regs:
//
//	struct user_pt_regs regs;     x0..x30, sp, pc, pstate
//	__u64 sp_el1;
//	__u64 elr_el1;
//	__u64 spsr[5];
//	struct user_fpsimd_state fp_regs;  16 byte aligned: vregs[32], fpsr, fpcr
const (
	coreOffX0     uint64 = 0
	coreOffSP     uint64 = 31 * 2
	coreOffPC     uint64 = 32 * 2
	coreOffPstate uint64 = 33 * 2
	coreOffSpEl1  uint64 = 34 * 2
	coreOffElrEl1 uint64 = 35 * 2
	coreOffSpsr   uint64 = 36 * 2

	// CoreOffsetFPRegs is the first word of the vector register block.
	CoreOffsetFPRegs uint64 = 84
	// CoreOffsetFPSR is the first word past the 128-bit vector registers.
	CoreOffsetFPSR uint64 = CoreOffsetFPRegs + 32*4
	CoreOffsetFPCR uint64 = CoreOffsetFPSR + 1
)

// RegisterSize is the access width a register identifier encodes.
type RegisterSize uint64

const (
	RegisterSize32  = RegisterSize(kvmRegSizeU32)
	RegisterSize64  = RegisterSize(kvmRegSizeU64)
	RegisterSize128 = RegisterSize(kvmRegSizeU128)
)

// Bytes reports the number of bytes a register of this size occupies.
func (s RegisterSize) Bytes() int {
	return 1 << ((uint64(s) & kvmRegSizeMask) >> kvmRegSizeShift)
}

func (s RegisterSize) String() string {
	switch s {
	case RegisterSize32:
		return "u32"
	case RegisterSize64:
		return "u64"
	case RegisterSize128:
		return "u128"
	default:
		return fmt.Sprintf("RegisterSize(%#x)", uint64(s))
	}
}

// coreRegSize partitions the core register file. The ordering of the three
// ranges follows struct kvm_regs and must not change.
func coreRegSize(offset uint64) RegisterSize {
	switch {
	case offset < CoreOffsetFPRegs:
		return RegisterSize64
	case offset < CoreOffsetFPSR:
		return RegisterSize128
	default:
		return RegisterSize32
	}
}

// CoreReg returns the identifier of the core register at offset, given in
// 32-bit words into struct kvm_regs.
func CoreReg(offset uint64) RegisterID {
	return RegisterID(kvmRegArm64 | kvmRegArmCore | offset | uint64(coreRegSize(offset)))
}

// SysReg encodes a system register the way ARM64_SYS_REG does.
func SysReg(op0, op1, crn, crm, op2 uint64) RegisterID {
	return RegisterID(kvmRegArm64 | kvmRegSizeU64 | kvmRegArm64SysReg |
		((op0 << kvmRegArm64SysRegOp0Shift) & kvmRegArm64SysRegOp0Mask) |
		((op1 << kvmRegArm64SysRegOp1Shift) & kvmRegArm64SysRegOp1Mask) |
		((crn << kvmRegArm64SysRegCrnShift) & kvmRegArm64SysRegCrnMask) |
		((crm << kvmRegArm64SysRegCrmShift) & kvmRegArm64SysRegCrmMask) |
		((op2 << kvmRegArm64SysRegOp2Shift) & kvmRegArm64SysRegOp2Mask))
}

// Size reports the access width encoded in id.
func (id RegisterID) Size() RegisterSize {
	return RegisterSize(uint64(id) & kvmRegSizeMask)
}

// IsCore reports whether id addresses struct kvm_regs.
func (id RegisterID) IsCore() bool {
	return uint64(id)&kvmRegArmCoproMask == kvmRegArmCore
}

func (id RegisterID) String() string {
	if name, ok := registerNames[id]; ok {
		return name
	}
	return fmt.Sprintf("reg(%#016x)", uint64(id))
}

// RegX returns general purpose register n (x0..x30, also r0..r14 for
// AArch32 guests).
func RegX(n int) RegisterID {
	if n < 0 || n > 30 {
		panic(fmt.Sprintf("arm64: no general purpose register x%d", n))
	}
	return CoreReg(coreOffX0 + uint64(n)*2)
}

var (
	RegSP     = CoreReg(coreOffSP)
	RegPC     = CoreReg(coreOffPC)
	RegPstate = CoreReg(coreOffPstate)
	RegSpEl1  = CoreReg(coreOffSpEl1)
	RegElrEl1 = CoreReg(coreOffElrEl1)
	RegFPSR   = CoreReg(CoreOffsetFPSR)
	RegFPCR   = CoreReg(CoreOffsetFPCR)

	// RegLR is x30.
	RegLR = RegX(30)

	RegMPIDREl1 = SysReg(3, 0, 0, 0, 5)
	RegSctlrEl1 = SysReg(3, 0, 1, 0, 0)
)

// RegSpsr returns the banked SPSR at index n (0 = EL1).
func RegSpsr(n int) RegisterID {
	return CoreReg(coreOffSpsr + uint64(n)*2)
}

// RegV returns 128-bit vector register n.
func RegV(n int) RegisterID {
	return CoreReg(CoreOffsetFPRegs + uint64(n)*4)
}

var registerNames = func() map[RegisterID]string {
	names := map[RegisterID]string{
		RegSP:       "sp",
		RegPC:       "pc",
		RegPstate:   "pstate",
		RegSpEl1:    "sp_el1",
		RegElrEl1:   "elr_el1",
		RegFPSR:     "fpsr",
		RegFPCR:     "fpcr",
		RegMPIDREl1: "mpidr_el1",
		RegSctlrEl1: "sctlr_el1",
	}
	for i := 0; i <= 30; i++ {
		names[RegX(i)] = fmt.Sprintf("x%d", i)
	}
	return names
}()
