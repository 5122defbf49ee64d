// Package vmm creates a VM and brings every vCPU to its guest entry state,
// each on its own locked OS thread.
package vmm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"

	"github.com/tinyrange/kvmarm/internal/hv/arm64"
	"github.com/tinyrange/kvmarm/internal/timeslice"
	"golang.org/x/sync/errgroup"
)

// Host creates virtual machines.
type Host interface {
	NewVirtualMachine() (VirtualMachine, error)
}

// VirtualMachine is one hypervisor VM. It answers capability queries at
// both scopes and reads guest memory by guest physical address.
type VirtualMachine interface {
	arm64.Capabilities
	io.ReaderAt

	AllocateMemory(base, size uint64) error
	CreateVCPU(id int, features arm64.FeatureMask) (arm64.ControlChannel, error)
	Close() error
}

// Options configures a VMM.
type Options struct {
	Arm64 arm64.Config
	CPUs  int

	MemoryBase uint64
	MemorySize uint64

	// SVEFallback rebuilds the VM once without SVE when finalizing it
	// fails.
	SVEFallback bool

	// Capabilities replaces the hypervisor's answers under measured boot.
	Capabilities arm64.Capabilities
	Measurer     arm64.Measurer

	// BindAffinity pins a vCPU thread to Arm64.Affinity.
	BindAffinity arm64.AffinityFunc
}

var (
	tsSelectFeatures    = timeslice.RegisterKind("vmm_select_features")
	tsCreateVCPU        = timeslice.RegisterKind("vmm_create_vcpu")
	tsConfigureFeatures = timeslice.RegisterKind("vmm_configure_features")
	tsReset             = timeslice.RegisterKind("vmm_reset")
)

var ErrClosed = errors.New("vmm: closed")

type VMM struct {
	opts Options
	host Host

	mu       sync.Mutex
	closed   bool
	vm       VirtualMachine
	machine  *arm64.Machine
	threads  []*vcpuThread
	fellBack bool
}

// New returns a VMM. host may be nil under measured boot.
func New(opts Options, host Host) (*VMM, error) {
	if opts.CPUs < 1 {
		return nil, fmt.Errorf("vmm: invalid cpu count %d", opts.CPUs)
	}
	if err := opts.Arm64.Validate(); err != nil {
		return nil, err
	}

	switch opts.Arm64.Boot {
	case arm64.MeasuredBoot:
		if opts.Capabilities == nil {
			opts.Capabilities = arm64.StaticCapabilities{}
		}
		if opts.Measurer == nil {
			return nil, errors.New("vmm: measured boot requires a measurer")
		}
	default:
		if host == nil {
			return nil, fmt.Errorf("vmm: %s boot requires a hypervisor", opts.Arm64.Boot)
		}
		if opts.MemorySize == 0 {
			return nil, errors.New("vmm: memory size must be greater than 0")
		}
	}

	return &VMM{opts: opts, host: host}, nil
}

// Setup creates the VM and every vCPU, finalizes their features and resets
// them. It may be called once. The VMM must be closed even if Setup fails.
func (m *VMM) Setup(ctx context.Context) error {
	cfg := m.opts.Arm64

	err := m.setup(ctx, cfg)
	if err == nil || arm64.IsFatal(err) || !m.opts.SVEFallback || cfg.DisableSVE {
		return err
	}

	slog.Warn("vmm: feature finalization failed, rebuilding without SVE", "error", err)

	m.teardown()

	cfg.DisableSVE = true
	if err := m.setup(ctx, cfg); err != nil {
		return fmt.Errorf("vmm: setup without SVE: %w", err)
	}

	m.mu.Lock()
	m.fellBack = true
	m.mu.Unlock()

	return nil
}

func (m *VMM) setup(ctx context.Context, cfg arm64.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.machine != nil {
		return errors.New("vmm: already set up")
	}

	caps := m.opts.Capabilities
	if cfg.Boot != arm64.MeasuredBoot {
		vm, err := m.host.NewVirtualMachine()
		if err != nil {
			return fmt.Errorf("vmm: create VM: %w", err)
		}
		m.vm = vm

		if err := vm.AllocateMemory(m.opts.MemoryBase, m.opts.MemorySize); err != nil {
			return fmt.Errorf("vmm: allocate guest memory: %w", err)
		}
		if m.opts.Capabilities == nil {
			caps = vm
		}
	}

	var opts []arm64.Option
	if m.opts.Measurer != nil {
		opts = append(opts, arm64.WithMeasurer(m.opts.Measurer))
	}
	if m.opts.BindAffinity != nil {
		opts = append(opts, arm64.WithAffinityFunc(m.opts.BindAffinity))
	}

	machine, err := arm64.NewMachine(cfg, caps, opts...)
	if err != nil {
		return err
	}
	m.machine = machine

	m.threads = make([]*vcpuThread, m.opts.CPUs)
	for i := range m.threads {
		m.threads[i] = newVCPUThread(i)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, t := range m.threads {
		g.Go(func() error {
			return t.call(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				return m.bringUp(t)
			})
		})
	}

	return g.Wait()
}

// bringUp runs on t's thread.
func (m *VMM) bringUp(t *vcpuThread) error {
	rec := timeslice.NewRecorder(t.id)

	features, err := m.machine.SelectFeatures(t.id)
	if err != nil {
		return err
	}
	rec.Record(tsSelectFeatures)

	var ch arm64.ControlChannel
	if m.vm != nil {
		ch, err = m.vm.CreateVCPU(t.id, features)
		if err != nil {
			return fmt.Errorf("vmm: create vcpu%d: %w", t.id, err)
		}
	}
	rec.Record(tsCreateVCPU)

	vcpu, err := m.machine.NewVCPU(t.id, ch)
	if err != nil {
		return err
	}
	t.vcpu = vcpu

	if err := vcpu.ConfigureFeatures(); err != nil {
		return err
	}
	rec.Record(tsConfigureFeatures)

	if err := vcpu.Reset(); err != nil {
		return err
	}
	rec.Record(tsReset)

	return nil
}

// FellBack reports whether Setup had to disable SVE.
func (m *VMM) FellBack() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fellBack
}

// Machine returns the VM-wide vCPU state, or nil before Setup.
func (m *VMM) Machine() *arm64.Machine {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.machine
}

// Memory returns guest memory, or nil under measured boot.
func (m *VMM) Memory() io.ReaderAt {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.vm == nil {
		return nil
	}
	return m.vm
}

func (m *VMM) CPUs() int { return m.opts.CPUs }

// MarkRealmActive records that the realm has been activated.
func (m *VMM) MarkRealmActive() error {
	machine := m.Machine()
	if machine == nil {
		return errors.New("vmm: not set up")
	}
	machine.MarkRealmActive()
	return nil
}

// VirtualCPUCall runs f on the thread that owns vCPU id.
func (m *VMM) VirtualCPUCall(id int, f func(vcpu *arm64.VCPU) error) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if id < 0 || id >= len(m.threads) || m.threads[id].vcpu == nil {
		m.mu.Unlock()
		return fmt.Errorf("vmm: no vCPU %d found", id)
	}
	t := m.threads[id]
	m.mu.Unlock()

	return t.call(func() error { return f(t.vcpu) })
}

func (m *VMM) teardown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.teardownLocked(); err != nil {
		slog.Error("vmm: teardown", "error", err)
	}
}

func (m *VMM) teardownLocked() error {
	for _, t := range m.threads {
		t.stop()
	}
	m.threads = nil
	m.machine = nil

	var err error
	if m.vm != nil {
		err = m.vm.Close()
		m.vm = nil
	}
	return err
}

func (m *VMM) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	return m.teardownLocked()
}

// vcpuThread owns one vCPU. Every operation on the vCPU runs on the same
// OS thread. runQueue is never closed; stop closes done instead, so callers
// racing with teardown get ErrClosed.
type vcpuThread struct {
	id       int
	runQueue chan func()
	done     chan struct{}
	vcpu     *arm64.VCPU

	stopOnce sync.Once
}

func newVCPUThread(id int) *vcpuThread {
	t := &vcpuThread{
		id:       id,
		runQueue: make(chan func(), 16),
		done:     make(chan struct{}),
	}
	go t.start()
	return t
}

func (t *vcpuThread) start() {
	// The thread may carry a changed cpu affinity, so it is never unlocked
	// and the runtime discards it when this goroutine returns.
	runtime.LockOSThread()

	for {
		select {
		case fn := <-t.runQueue:
			fn()
		case <-t.done:
			return
		}
	}
}

func (t *vcpuThread) call(fn func() error) error {
	result := make(chan error, 1)

	select {
	case t.runQueue <- func() { result <- fn() }:
	case <-t.done:
		return ErrClosed
	}

	select {
	case err := <-result:
		return err
	case <-t.done:
		// The thread may have finished fn just before exiting.
		select {
		case err := <-result:
			return err
		default:
			return ErrClosed
		}
	}
}

func (t *vcpuThread) stop() {
	t.stopOnce.Do(func() { close(t.done) })
}
