package arm64

import (
	"fmt"
	"io"

	"golang.org/x/arch/arm/armasm"
	"golang.org/x/arch/arm64/arm64asm"
)

// codeDumpSize is how many bytes ShowCode prints around each address.
const codeDumpSize = 32

// ShowRegisters writes the registers needed to locate a faulting guest.
func (v *VCPU) ShowRegisters(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "\n Registers:\n"); err != nil {
		return err
	}

	if v.m.cfg.Boot == RealmBoot {
		_, err := fmt.Fprintf(w, " INACCESSIBLE\n")
		return err
	}
	if err := v.registersAccessible("show registers"); err != nil {
		return err
	}

	for _, r := range []struct {
		name string
		id   RegisterID
	}{
		{"PC", RegPC},
		{"PSTATE", RegPstate},
		{"SP_EL1", RegSpEl1},
		{"LR", RegLR},
	} {
		value, err := v.getReg("show registers", r.id)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, " %s:    0x%x\n", r.name, value); err != nil {
			return err
		}
	}

	return nil
}

// ShowCode dumps and disassembles guest memory at PC and LR. mem is
// addressed by guest physical address. Addresses outside mem are reported
// and skipped.
func (v *VCPU) ShowCode(w io.Writer, mem io.ReaderAt) error {
	if _, err := fmt.Fprintf(w, "\n Code:\n"); err != nil {
		return err
	}

	if v.m.cfg.Boot == RealmBoot {
		_, err := fmt.Fprintf(w, " INACCESSIBLE\n")
		return err
	}
	if err := v.registersAccessible("show code"); err != nil {
		return err
	}

	for _, r := range []struct {
		name string
		id   RegisterID
	}{
		{"pc", RegPC},
		{"lr", RegLR},
	} {
		addr, err := v.getReg("show code", r.id)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "\n*%s:\n", r.name); err != nil {
			return err
		}
		if err := v.dumpCode(w, mem, addr); err != nil {
			return err
		}
	}

	return nil
}

func (v *VCPU) dumpCode(w io.Writer, mem io.ReaderAt, addr uint64) error {
	buf := make([]byte, codeDumpSize)
	n, err := mem.ReadAt(buf, int64(addr))
	if n < len(buf) {
		_, werr := fmt.Fprintf(w, "  0x%08x: not in guest memory (%v)\n", addr, err)
		return werr
	}

	for off := 0; off < len(buf); off += 8 {
		if _, err := fmt.Fprintf(w, "  0x%08x: % x\n", addr+uint64(off), buf[off:off+8]); err != nil {
			return err
		}
	}

	if _, err := fmt.Fprintln(w); err != nil {
		return err
	}

	if v.m.cfg.AArch32Guest {
		return disassembleARM(w, buf, addr)
	}
	return disassembleARM64(w, buf, addr)
}

func disassembleARM64(w io.Writer, code []byte, addr uint64) error {
	for off := 0; off+4 <= len(code); off += 4 {
		text := "(bad)"
		if inst, err := arm64asm.Decode(code[off : off+4]); err == nil {
			text = arm64asm.GNUSyntax(inst)
		}
		if _, err := fmt.Fprintf(w, "  0x%08x:  %s\n", addr+uint64(off), text); err != nil {
			return err
		}
	}
	return nil
}

func disassembleARM(w io.Writer, code []byte, addr uint64) error {
	for off := 0; off+4 <= len(code); off += 4 {
		text := "(bad)"
		if inst, err := armasm.Decode(code[off:], armasm.ModeARM); err == nil {
			text = armasm.GNUSyntax(inst)
		}
		if _, err := fmt.Fprintf(w, "  0x%08x:  %s\n", addr+uint64(off), text); err != nil {
			return err
		}
	}
	return nil
}
