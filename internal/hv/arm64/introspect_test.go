package arm64

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"
)

// guestMemory is guest RAM starting at physical address base.
type guestMemory struct {
	base uint64
	data []byte
}

func (g guestMemory) ReadAt(p []byte, off int64) (int, error) {
	addr := uint64(off)
	if addr < g.base || addr-g.base >= uint64(len(g.data)) {
		return 0, errOutOfRange
	}
	n := copy(p, g.data[addr-g.base:])
	if n < len(p) {
		return n, errOutOfRange
	}
	return n, nil
}

type rangeError struct{}

func (rangeError) Error() string { return "address out of range" }

var errOutOfRange = rangeError{}

func TestShowRegisters(t *testing.T) {
	m := newTestMachine(t, testConfig(NormalBoot), nil)
	v, ch := newTestVCPU(t, m, 0)
	ch.regs[RegPC] = 0x80080000
	ch.regs[RegPstate] = 0x3c5
	ch.regs[RegSpEl1] = 0x1000
	ch.regs[RegLR] = 0x80080010

	var buf bytes.Buffer
	if err := v.ShowRegisters(&buf); err != nil {
		t.Fatalf("ShowRegisters: %v", err)
	}

	want := "\n Registers:\n" +
		" PC:    0x80080000\n" +
		" PSTATE:    0x3c5\n" +
		" SP_EL1:    0x1000\n" +
		" LR:    0x80080010\n"
	if buf.String() != want {
		t.Fatalf("ShowRegisters output:\n%q\nwant:\n%q", buf.String(), want)
	}
}

func TestShowRegistersRealm(t *testing.T) {
	m := newTestMachine(t, testConfig(RealmBoot), nil)
	v, ch := newTestVCPU(t, m, 0)

	var buf bytes.Buffer
	if err := v.ShowRegisters(&buf); err != nil {
		t.Fatalf("ShowRegisters: %v", err)
	}
	if buf.String() != "\n Registers:\n INACCESSIBLE\n" {
		t.Fatalf("ShowRegisters output = %q", buf.String())
	}
	if ch.requests() != 0 {
		t.Fatalf("realm ShowRegisters touched the hypervisor")
	}

	buf.Reset()
	if err := v.ShowCode(&buf, guestMemory{}); err != nil {
		t.Fatalf("ShowCode: %v", err)
	}
	if !strings.Contains(buf.String(), "INACCESSIBLE") || ch.requests() != 0 {
		t.Fatalf("realm ShowCode output = %q after %d requests", buf.String(), ch.requests())
	}
}

func TestShowCodeAArch64(t *testing.T) {
	const base = 0x40000000

	mem := guestMemory{base: base, data: make([]byte, 0x100)}
	// nop; ret; then zeros which do not decode.
	binary.LittleEndian.PutUint32(mem.data[0x10:], 0xd503201f)
	binary.LittleEndian.PutUint32(mem.data[0x14:], 0xd65f03c0)

	m := newTestMachine(t, testConfig(NormalBoot), nil)
	v, ch := newTestVCPU(t, m, 0)
	ch.regs[RegPC] = base + 0x10
	ch.regs[RegLR] = 0x10

	var buf bytes.Buffer
	if err := v.ShowCode(&buf, mem); err != nil {
		t.Fatalf("ShowCode: %v", err)
	}
	out := buf.String()

	for _, want := range []string{
		"*pc:",
		"  0x40000010: 1f 20 03 d5 c0 03 5f d6\n",
		"  0x40000010:  nop\n",
		"  0x40000014:  ret\n",
		"*lr:",
		"  0x00000010: not in guest memory",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("ShowCode output missing %q:\n%s", want, out)
		}
	}
}

func TestShowCodeAArch32(t *testing.T) {
	mem := guestMemory{base: 0, data: make([]byte, 0x40)}
	// mov r0, #0 (e3a00000)
	binary.LittleEndian.PutUint32(mem.data[0:], 0xe3a00000)

	cfg := testConfig(NormalBoot)
	cfg.AArch32Guest = true
	m := newTestMachine(t, cfg, StaticCapabilities{CapArmEL1_32Bit: true})
	v, ch := newTestVCPU(t, m, 0)
	ch.regs[RegPC] = 0
	ch.regs[RegLR] = 0

	var buf bytes.Buffer
	if err := v.ShowCode(&buf, mem); err != nil {
		t.Fatalf("ShowCode: %v", err)
	}
	if !strings.Contains(buf.String(), "  0x00000000:  mov r0, #0\n") {
		t.Fatalf("ShowCode output missing mov:\n%s", buf.String())
	}
}
