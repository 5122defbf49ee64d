// Package measure records the boot state each vCPU would have been given
// under measured boot and derives a digest over it.
package measure

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/tinyrange/kvmarm/internal/hv"
	"github.com/tinyrange/kvmarm/internal/hv/arm64"
	"gopkg.in/yaml.v3"
)

// Digest is a SHA-256 over the VM layout and every vCPU's boot state.
type Digest [sha256.Size]byte

func (d Digest) String() string { return hex.EncodeToString(d[:]) }

// VCPUState is what one vCPU reported at reset.
type VCPUState struct {
	CPU        int    `yaml:"cpu"`
	Entry      uint64 `yaml:"entry"`
	Mode       uint64 `yaml:"mode"`
	DeviceTree uint64 `yaml:"deviceTree"`
}

// Layout is the VM shape folded into the digest ahead of the vCPU states.
type Layout struct {
	MemoryBase uint64
	MemorySize uint64
	CPUs       int
}

// Log implements arm64.Measurer. It is safe for concurrent use by every
// vCPU thread.
type Log struct {
	layout Layout

	mu    sync.Mutex
	vcpus map[int]VCPUState
}

var _ arm64.Measurer = &Log{}

func NewLog(layout Layout) *Log {
	return &Log{layout: layout, vcpus: make(map[int]VCPUState)}
}

func (l *Log) MeasureVCPUReset(cpu int, entry, mode, deviceTree uint64) error {
	if cpu < 0 || cpu >= l.layout.CPUs {
		return fmt.Errorf("measure: vcpu%d outside a %d cpu layout", cpu, l.layout.CPUs)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.vcpus[cpu]; ok {
		return fmt.Errorf("measure: vcpu%d measured twice", cpu)
	}
	l.vcpus[cpu] = VCPUState{CPU: cpu, Entry: entry, Mode: mode, DeviceTree: deviceTree}
	return nil
}

// States returns the recorded states ordered by vCPU index.
func (l *Log) States() []VCPUState {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]VCPUState, 0, len(l.vcpus))
	for _, s := range l.vcpus {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CPU < out[j].CPU })
	return out
}

// Digest hashes the layout and every vCPU state in index order. It fails
// until every vCPU in the layout has reported.
func (l *Log) Digest() (Digest, error) {
	states := l.States()
	if len(states) != l.layout.CPUs {
		return Digest{}, fmt.Errorf("measure: %d of %d vcpus measured", len(states), l.layout.CPUs)
	}

	h := sha256.New()

	h.Write([]byte(hv.ArchitectureARM64))
	h.Write([]byte{0}) // null terminator

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], l.layout.MemorySize)
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], l.layout.MemoryBase)
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], uint64(l.layout.CPUs))
	h.Write(buf[:])

	for _, s := range states {
		for _, v := range []uint64{uint64(s.CPU), s.Entry, s.Mode, s.DeviceTree} {
			binary.LittleEndian.PutUint64(buf[:], v)
			h.Write(buf[:])
		}
	}

	var d Digest
	copy(d[:], h.Sum(nil))
	return d, nil
}

// Report is the YAML document WriteReport produces.
type Report struct {
	Architecture string      `yaml:"architecture"`
	MemoryBase   uint64      `yaml:"memoryBase"`
	MemorySize   uint64      `yaml:"memorySize"`
	Digest       string      `yaml:"digest"`
	VCPUs        []VCPUState `yaml:"vcpus"`
}

func (l *Log) Report() (Report, error) {
	d, err := l.Digest()
	if err != nil {
		return Report{}, err
	}
	return Report{
		Architecture: string(hv.ArchitectureARM64),
		MemoryBase:   l.layout.MemoryBase,
		MemorySize:   l.layout.MemorySize,
		Digest:       d.String(),
		VCPUs:        l.States(),
	}, nil
}

func (l *Log) WriteReport(w io.Writer) error {
	r, err := l.Report()
	if err != nil {
		return err
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&r); err != nil {
		return fmt.Errorf("encode measurement report: %w", err)
	}
	return enc.Close()
}

// ReadReport decodes a report written by WriteReport.
func ReadReport(r io.Reader) (Report, error) {
	var rep Report
	if err := yaml.NewDecoder(r).Decode(&rep); err != nil {
		return Report{}, fmt.Errorf("decode measurement report: %w", err)
	}
	return rep, nil
}
