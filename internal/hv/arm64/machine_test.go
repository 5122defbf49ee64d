package arm64

import (
	"errors"
	"testing"
)

type regWrite struct {
	ID    RegisterID
	Value uint64
}

// fakeChannel records every request made against one vCPU.
type fakeChannel struct {
	regs        map[RegisterID]uint64
	writes      []regWrite
	reads       []RegisterID
	finalized   []Feature
	finalizeErr map[Feature]error
	setErr      error
	getErr      error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{regs: make(map[RegisterID]uint64)}
}

func (f *fakeChannel) GetOneReg(id RegisterID) (uint64, error) {
	f.reads = append(f.reads, id)
	if f.getErr != nil {
		return 0, f.getErr
	}
	return f.regs[id], nil
}

func (f *fakeChannel) SetOneReg(id RegisterID, value uint64) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.writes = append(f.writes, regWrite{ID: id, Value: value})
	f.regs[id] = value
	return nil
}

func (f *fakeChannel) Finalize(feature Feature) error {
	f.finalized = append(f.finalized, feature)
	return f.finalizeErr[feature]
}

func (f *fakeChannel) requests() int {
	return len(f.writes) + len(f.reads) + len(f.finalized)
}

type measurement struct {
	CPU                     int
	Entry, Mode, DeviceTree uint64
}

type fakeMeasurer struct {
	got []measurement
	err error
}

func (m *fakeMeasurer) MeasureVCPUReset(cpu int, entry, mode, deviceTree uint64) error {
	m.got = append(m.got, measurement{cpu, entry, mode, deviceTree})
	return m.err
}

const (
	testEntry = 0x80080000
	testDTB   = 0x8f000000
)

func testConfig(boot BootMode) Config {
	return Config{
		Boot:        boot,
		KernelEntry: testEntry,
		DeviceTree:  testDTB,
	}
}

func allCapabilities() StaticCapabilities {
	caps := StaticCapabilities{}
	for _, c := range KnownCapabilities {
		caps[c] = true
	}
	return caps
}

func newTestMachine(t testing.TB, cfg Config, caps Capabilities, opts ...Option) *Machine {
	t.Helper()

	if caps == nil {
		caps = StaticCapabilities{}
	}
	if cfg.Boot == MeasuredBoot {
		opts = append([]Option{WithMeasurer(&fakeMeasurer{})}, opts...)
	}

	m, err := NewMachine(cfg, caps, opts...)
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	return m
}

func newTestVCPU(t testing.TB, m *Machine, id int) (*VCPU, *fakeChannel) {
	t.Helper()

	ch := newFakeChannel()
	v, err := m.NewVCPU(id, ch)
	if err != nil {
		t.Fatalf("NewVCPU(%d): %v", id, err)
	}
	return v, ch
}

func TestNewMachineRequirements(t *testing.T) {
	if _, err := NewMachine(testConfig(NormalBoot), nil); err == nil {
		t.Fatalf("NewMachine without capabilities succeeded")
	}
	if _, err := NewMachine(testConfig(MeasuredBoot), StaticCapabilities{}); err == nil {
		t.Fatalf("measured boot without a measurer succeeded")
	}

	cfg := testConfig(NormalBoot)
	cfg.Affinity = []int{0, 1}
	if _, err := NewMachine(cfg, StaticCapabilities{}); err == nil {
		t.Fatalf("affinity without an affinity function succeeded")
	}

	cfg.KernelEntry = 0
	if _, err := NewMachine(cfg, StaticCapabilities{}, WithAffinityFunc(func([]int) error { return nil })); err == nil {
		t.Fatalf("zero kernel entry accepted")
	}
}

func TestNewVCPURequiresChannel(t *testing.T) {
	m := newTestMachine(t, testConfig(NormalBoot), nil)
	if _, err := m.NewVCPU(0, nil); err == nil {
		t.Fatalf("NewVCPU without channel succeeded for normal boot")
	}
	if _, err := m.NewVCPU(-1, newFakeChannel()); err == nil {
		t.Fatalf("NewVCPU accepted a negative index")
	}

	measured := newTestMachine(t, testConfig(MeasuredBoot), nil)
	if _, err := measured.NewVCPU(0, nil); err != nil {
		t.Fatalf("NewVCPU without channel for measured boot: %v", err)
	}
}

func TestRealmActiveOnlyForRealmBoot(t *testing.T) {
	normal := newTestMachine(t, testConfig(NormalBoot), nil)
	normal.MarkRealmActive()
	if normal.RealmActive() {
		t.Fatalf("normal boot reports an active realm")
	}

	realm := newTestMachine(t, testConfig(RealmBoot), nil)
	if realm.RealmActive() {
		t.Fatalf("realm active before activation")
	}
	realm.MarkRealmActive()
	if !realm.RealmActive() {
		t.Fatalf("realm not active after MarkRealmActive")
	}
}

func TestMPIDR(t *testing.T) {
	m := newTestMachine(t, testConfig(NormalBoot), nil)
	v, ch := newTestVCPU(t, m, 2)
	ch.regs[RegMPIDREl1] = 0x80000002

	got, err := v.MPIDR()
	if err != nil {
		t.Fatalf("MPIDR: %v", err)
	}
	if got != 0x80000002 {
		t.Fatalf("MPIDR = %#x, want 0x80000002", got)
	}

	measured := newTestMachine(t, testConfig(MeasuredBoot), nil)
	mv, err := measured.NewVCPU(3, nil)
	if err != nil {
		t.Fatalf("NewVCPU: %v", err)
	}
	if got, err := mv.MPIDR(); err != nil || got != 3 {
		t.Fatalf("measured MPIDR = %d, %v; want 3, nil", got, err)
	}

	realm := newTestMachine(t, testConfig(RealmBoot), nil)
	rv, rch := newTestVCPU(t, realm, 1)
	realm.MarkRealmActive()
	_, err = rv.MPIDR()
	if KindOf(err) != KindAccess {
		t.Fatalf("active realm MPIDR error = %v, want access error", err)
	}
	if rch.requests() != 0 {
		t.Fatalf("active realm MPIDR touched the hypervisor")
	}
}

func TestGetRegWrapsChannelError(t *testing.T) {
	m := newTestMachine(t, testConfig(NormalBoot), nil)
	v, ch := newTestVCPU(t, m, 0)
	ch.getErr = errors.New("EINVAL")

	_, err := v.MPIDR()
	var op *OpError
	if !errors.As(err, &op) {
		t.Fatalf("MPIDR error %v is not an *OpError", err)
	}
	if op.Kind != KindABI || op.CPU != 0 {
		t.Fatalf("OpError = %+v, want abi error for vcpu0", op)
	}
	if want := "arm64: vcpu0: get mpidr_el1 (get mpidr): EINVAL"; err.Error() != want {
		t.Fatalf("error = %q, want %q", err.Error(), want)
	}
}
