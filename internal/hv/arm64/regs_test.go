package arm64

import "testing"

func TestCoreRegSizeBoundaries(t *testing.T) {
	for _, tt := range []struct {
		offset uint64
		want   RegisterID
		size   RegisterSize
	}{
		{0, 0x6030000000100000, RegisterSize64},
		{83, 0x6030000000100053, RegisterSize64},
		{84, 0x6040000000100054, RegisterSize128},
		{211, 0x60400000001000d3, RegisterSize128},
		{212, 0x60200000001000d4, RegisterSize32},
		{213, 0x60200000001000d5, RegisterSize32},
	} {
		got := CoreReg(tt.offset)
		if got != tt.want {
			t.Fatalf("CoreReg(%d) = %#x, want %#x", tt.offset, uint64(got), uint64(tt.want))
		}
		if got.Size() != tt.size {
			t.Fatalf("CoreReg(%d).Size() = %s, want %s", tt.offset, got.Size(), tt.size)
		}
		if !got.IsCore() {
			t.Fatalf("CoreReg(%d) not classified as core", tt.offset)
		}
	}
}

func TestNamedRegisters(t *testing.T) {
	for _, tt := range []struct {
		name string
		id   RegisterID
		want uint64
	}{
		{"x0", RegX(0), 0x6030000000100000},
		{"x1", RegX(1), 0x6030000000100002},
		{"lr", RegLR, 0x603000000010003c},
		{"sp", RegSP, 0x603000000010003e},
		{"pc", RegPC, 0x6030000000100040},
		{"pstate", RegPstate, 0x6030000000100042},
		{"sp_el1", RegSpEl1, 0x6030000000100044},
		{"elr_el1", RegElrEl1, 0x6030000000100046},
		{"spsr[0]", RegSpsr(0), 0x6030000000100048},
		{"v0", RegV(0), 0x6040000000100054},
		{"v31", RegV(31), 0x60400000001000d0},
		{"fpsr", RegFPSR, 0x60200000001000d4},
		{"fpcr", RegFPCR, 0x60200000001000d5},
		{"sctlr_el1", RegSctlrEl1, 0x603000000013c080},
		{"mpidr_el1", RegMPIDREl1, 0x603000000013c005},
	} {
		if uint64(tt.id) != tt.want {
			t.Fatalf("%s = %#x, want %#x", tt.name, uint64(tt.id), tt.want)
		}
	}
}

func TestSysRegIsNotCore(t *testing.T) {
	if RegSctlrEl1.IsCore() {
		t.Fatalf("sctlr_el1 classified as core register")
	}
	if RegSctlrEl1.Size() != RegisterSize64 {
		t.Fatalf("sctlr_el1 size = %s, want u64", RegSctlrEl1.Size())
	}
}

func TestRegisterSizeBytes(t *testing.T) {
	for size, want := range map[RegisterSize]int{
		RegisterSize32:  4,
		RegisterSize64:  8,
		RegisterSize128: 16,
	} {
		if got := size.Bytes(); got != want {
			t.Fatalf("%s.Bytes() = %d, want %d", size, got, want)
		}
	}
}

func TestRegisterIDString(t *testing.T) {
	if got := RegX(30).String(); got != "x30" {
		t.Fatalf("RegX(30).String() = %q", got)
	}
	if got := RegPC.String(); got != "pc" {
		t.Fatalf("RegPC.String() = %q", got)
	}
	if got := CoreReg(100).String(); got != "reg(0x6040000000100064)" {
		t.Fatalf("CoreReg(100).String() = %q", got)
	}
}

func TestRegXPanicsOutOfRange(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("RegX(31) did not panic")
		}
	}()
	RegX(31)
}
