// Package arm64 brings KVM ARM64 vCPUs from their hypervisor-default state
// to a guest entry state: it negotiates vCPU features, finalizes them,
// writes the boot registers and answers the few register queries device
// emulation and diagnostics need.
//
// A VCPU must only be used from the goroutine that owns it, with that
// goroutine locked to its OS thread. The hypervisor gives no meaning to
// concurrent requests against one vCPU.
package arm64

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/tinyrange/kvmarm/internal/debug"
	"github.com/tinyrange/kvmarm/internal/hv"
)

// ControlChannel is the per-vCPU hypervisor interface.
type ControlChannel interface {
	GetOneReg(id RegisterID) (uint64, error)
	SetOneReg(id RegisterID, value uint64) error
	Finalize(feature Feature) error
}

// Measurer receives boot parameters in place of register writes when the
// VM boots measured. Secondary cores report zeros.
type Measurer interface {
	MeasureVCPUReset(cpu int, entry, mode, deviceTree uint64) error
}

// AffinityFunc binds the calling OS thread to the given host CPUs.
type AffinityFunc func(cpus []int) error

// measuredBootMode is the mode indicator reported for the primary core.
const measuredBootMode = 0x1

// Machine holds the VM-wide state every vCPU consults.
type Machine struct {
	cfg      Config
	caps     Capabilities
	measurer Measurer
	affinity AffinityFunc

	realmActive atomic.Bool
}

type Option func(*Machine)

// WithMeasurer sets the sink used by MeasuredBoot.
func WithMeasurer(m Measurer) Option {
	return func(mc *Machine) { mc.measurer = m }
}

// WithAffinityFunc sets how vCPU threads are bound to Config.Affinity.
func WithAffinityFunc(f AffinityFunc) Option {
	return func(mc *Machine) { mc.affinity = f }
}

func NewMachine(cfg Config, caps Capabilities, opts ...Option) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if caps == nil {
		return nil, errors.New("arm64: capabilities are required")
	}

	m := &Machine{cfg: cfg, caps: caps}
	for _, opt := range opts {
		opt(m)
	}

	if cfg.Boot == MeasuredBoot && m.measurer == nil {
		return nil, errors.New("arm64: measured boot requires a measurer")
	}
	if len(cfg.Affinity) > 0 && m.affinity == nil {
		return nil, errors.New("arm64: affinity configured without an affinity function")
	}

	return m, nil
}

func (m *Machine) Config() Config { return m.cfg }

// MarkRealmActive records that the realm has been activated. From then on
// the hypervisor refuses register access and Reset does nothing.
func (m *Machine) MarkRealmActive() {
	m.realmActive.Store(true)
}

func (m *Machine) RealmActive() bool {
	return m.cfg.Boot == RealmBoot && m.realmActive.Load()
}

// VCPU is one vCPU's bring-up state.
type VCPU struct {
	m  *Machine
	id int
	ch ControlChannel

	finalized     map[Feature]error
	configured    bool
	affinityBound bool
	dbg           debug.Debug
}

// NewVCPU wraps ch, the control channel of vCPU id. Under MeasuredBoot ch
// may be nil.
func (m *Machine) NewVCPU(id int, ch ControlChannel) (*VCPU, error) {
	if id < 0 {
		return nil, fmt.Errorf("arm64: invalid vcpu index %d", id)
	}
	if ch == nil && m.cfg.Boot != MeasuredBoot {
		return nil, fmt.Errorf("arm64: vcpu%d: control channel is required for %s boot", id, m.cfg.Boot)
	}

	return &VCPU{
		m:         m,
		id:        id,
		ch:        ch,
		finalized: make(map[Feature]error),
		dbg:       debug.WithSource(fmt.Sprintf("arm64 vcpu%d", id)),
	}, nil
}

func (v *VCPU) ID() int { return v.id }

func (v *VCPU) Machine() *Machine { return v.m }

func (v *VCPU) primary() bool { return v.id == 0 }

func (v *VCPU) setReg(op string, id RegisterID, value uint64) error {
	v.dbg.Writef("set %s = %#x", id, value)
	if err := v.ch.SetOneReg(id, value); err != nil {
		return opError(v.id, fmt.Sprintf("set %s (%s)", id, op), KindABI, err)
	}
	return nil
}

func (v *VCPU) getReg(op string, id RegisterID) (uint64, error) {
	value, err := v.ch.GetOneReg(id)
	if err != nil {
		return 0, opError(v.id, fmt.Sprintf("get %s (%s)", id, op), KindABI, err)
	}
	v.dbg.Writef("get %s = %#x", id, value)
	return value, nil
}

// registersAccessible is the realm precondition shared by every read path.
// Realm registers are never readable by the host once the VM is a realm.
func (v *VCPU) registersAccessible(op string) error {
	if v.m.cfg.Boot == RealmBoot {
		return opError(v.id, op, KindAccess, hv.ErrRealmInaccessible)
	}
	if v.ch == nil {
		return opError(v.id, op, KindAccess, fmt.Errorf("no hypervisor under %s boot", v.m.cfg.Boot))
	}
	return nil
}

// MPIDR returns the vCPU's multiprocessor affinity register. Measured boot
// has no hypervisor to ask and uses the vCPU index.
func (v *VCPU) MPIDR() (uint64, error) {
	switch v.m.cfg.Boot {
	case MeasuredBoot:
		return uint64(v.id), nil
	case RealmBoot:
		if v.m.RealmActive() {
			return 0, opError(v.id, "get mpidr", KindAccess, hv.ErrRealmInaccessible)
		}
	}
	return v.getReg("get mpidr", RegMPIDREl1)
}
