//go:build linux

// Package kvm drives /dev/kvm for ARM64 guests: VM and vCPU creation,
// guest memory, capability checks and the one-reg register interface.
package kvm

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"unsafe"

	"github.com/tinyrange/kvmarm/internal/debug"
	"github.com/tinyrange/kvmarm/internal/hv"
	"github.com/tinyrange/kvmarm/internal/hv/arm64"
	"golang.org/x/sys/unix"
)

const DefaultDevice = "/dev/kvm"

// Hypervisor is an open KVM system file descriptor.
type Hypervisor struct {
	fd     int
	device string
}

// Open opens the KVM device at path and validates its API version.
func Open(path string) (*Hypervisor, error) {
	if path == "" {
		path = DefaultDevice
	}
	if runtime.GOARCH != "arm64" {
		return nil, fmt.Errorf("kvm: %s host: %w", runtime.GOARCH, hv.ErrHypervisorUnsupported)
	}

	fd, err := unix.Open(path, unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	// validate API version
	version, err := getApiVersion(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("get KVM API version: %w", err)
	}
	if version != kvmApiVersion {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: unsupported API version %d, want %d", version, kvmApiVersion)
	}

	return &Hypervisor{fd: fd, device: path}, nil
}

func (*Hypervisor) Architecture() hv.CpuArchitecture {
	return hv.ArchitectureARM64
}

// CheckExtension reports the value KVM_CHECK_EXTENSION returns on the
// system file descriptor.
func (h *Hypervisor) CheckExtension(c arm64.Capability) (int, error) {
	v, err := checkExtension(h.fd, uint32(c))
	if err != nil {
		return 0, fmt.Errorf("kvm: check extension %s: %w", c, err)
	}
	return v, nil
}

func (h *Hypervisor) Close() error {
	if err := unix.Close(h.fd); err != nil {
		return fmt.Errorf("close kvm fd: %w", err)
	}

	return nil
}

// VirtualMachine is a KVM VM file descriptor plus its guest memory.
type VirtualMachine struct {
	hv   *Hypervisor
	vmFd int

	memMu          sync.RWMutex
	memory         []byte
	memoryBase     uint64
	lastMemorySlot uint32

	vcpuMu sync.Mutex
	vcpus  map[int]*VirtualCPU
}

// NewVirtualMachine creates a VM with the host's full IPA range.
func (h *Hypervisor) NewVirtualMachine() (*VirtualMachine, error) {
	// On some hosts creation fails unless the IPA size is passed explicitly.
	ipaSize, err := checkExtension(h.fd, uint32(arm64.CapArmVMIPASize))
	if err != nil {
		return nil, fmt.Errorf("kvm: get cap: %w", err)
	}

	vmFd, err := createVm(h.fd, uint32(ipaSize))
	if err != nil {
		return nil, fmt.Errorf("kvm: create VM: %w", err)
	}

	debug.Writef("kvm NewVirtualMachine", "vmFd: %d, ipaSize: %d", vmFd, ipaSize)

	vm := &VirtualMachine{
		hv:    h,
		vmFd:  vmFd,
		vcpus: make(map[int]*VirtualCPU),
	}

	// Set finalizer to catch VMs that are garbage collected without being closed
	runtime.SetFinalizer(vm, func(v *VirtualMachine) {
		if v.vmFd >= 0 {
			slog.Debug("kvm: VM was not closed before garbage collection, cleaning up")
			v.Close()
		}
	})

	return vm, nil
}

// CheckExtension reports the value KVM_CHECK_EXTENSION returns on the VM
// file descriptor.
func (v *VirtualMachine) CheckExtension(c arm64.Capability) (int, error) {
	ret, err := checkExtension(v.vmFd, uint32(c))
	if err != nil {
		return 0, fmt.Errorf("kvm: check vm extension %s: %w", c, err)
	}
	return ret, nil
}

// Supports implements arm64.Capabilities. A failing query counts as
// absent.
func (v *VirtualMachine) Supports(scope arm64.Scope, c arm64.Capability) bool {
	var (
		ret int
		err error
	)
	switch scope {
	case arm64.ScopeVM:
		ret, err = v.CheckExtension(c)
	default:
		ret, err = v.hv.CheckExtension(c)
	}
	if err != nil {
		slog.Debug("kvm: capability query failed", "cap", c, "scope", scope, "error", err)
		return false
	}
	return ret > 0
}

// AllocateMemory maps size bytes of anonymous memory at guest physical
// address physAddr. Only one region is supported.
func (v *VirtualMachine) AllocateMemory(physAddr uint64, size uint64) error {
	maxInt := uint64(^uint(0) >> 1)
	if size == 0 || size > maxInt {
		return fmt.Errorf("kvm: invalid memory size %d", size)
	}

	v.memMu.Lock()
	defer v.memMu.Unlock()

	if v.memory != nil {
		return errors.New("kvm: guest memory already allocated")
	}

	mem, err := unix.Mmap(
		-1,
		0,
		int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE,
	)
	if err != nil {
		return fmt.Errorf("allocate memory: %w", err)
	}

	if err := setUserMemoryRegion(v.vmFd, &kvmUserspaceMemoryRegion{
		Slot:          v.lastMemorySlot,
		Flags:         0,
		GuestPhysAddr: physAddr,
		MemorySize:    size,
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}); err != nil {
		unix.Munmap(mem)
		return fmt.Errorf("set user memory region: %w", err)
	}
	v.lastMemorySlot++

	v.memory = mem
	v.memoryBase = physAddr

	return nil
}

func (v *VirtualMachine) MemoryBase() uint64 { return v.memoryBase }

func (v *VirtualMachine) MemorySize() uint64 {
	v.memMu.RLock()
	defer v.memMu.RUnlock()
	return uint64(len(v.memory))
}

// ReadAt reads guest memory at guest physical address off.
func (v *VirtualMachine) ReadAt(p []byte, off int64) (n int, err error) {
	v.memMu.RLock()
	defer v.memMu.RUnlock()
	if v.memory == nil {
		return 0, fmt.Errorf("kvm: ReadAt without guest memory")
	}

	gpa := uint64(off)
	if gpa < v.memoryBase || gpa-v.memoryBase >= uint64(len(v.memory)) {
		return 0, fmt.Errorf("kvm: ReadAt address 0x%x outside guest memory", gpa)
	}

	n = copy(p, v.memory[gpa-v.memoryBase:])
	if n < len(p) {
		err = fmt.Errorf("kvm: ReadAt short read")
	}

	return n, err
}

// WriteAt writes guest memory at guest physical address off.
func (v *VirtualMachine) WriteAt(p []byte, off int64) (n int, err error) {
	v.memMu.RLock()
	defer v.memMu.RUnlock()
	if v.memory == nil {
		return 0, fmt.Errorf("kvm: WriteAt without guest memory")
	}

	gpa := uint64(off)
	if gpa < v.memoryBase || gpa-v.memoryBase >= uint64(len(v.memory)) {
		return 0, fmt.Errorf("kvm: WriteAt address 0x%x outside guest memory", gpa)
	}

	n = copy(v.memory[gpa-v.memoryBase:], p)
	if n < len(p) {
		err = fmt.Errorf("kvm: WriteAt short write")
	}

	return n, err
}

// CreateVCPU creates vCPU id and initializes it for the host's preferred
// target with the given feature mask.
func (v *VirtualMachine) CreateVCPU(id int, features arm64.FeatureMask) (*VirtualCPU, error) {
	v.vcpuMu.Lock()
	defer v.vcpuMu.Unlock()

	if _, ok := v.vcpus[id]; ok {
		return nil, fmt.Errorf("kvm: vCPU %d already exists", id)
	}

	vcpuFd, err := createVCPU(v.vmFd, id)
	if err != nil {
		return nil, fmt.Errorf("create vCPU %d: %w", id, err)
	}

	init, err := armPreferredTarget(v.vmFd)
	if err != nil {
		unix.Close(vcpuFd)
		return nil, fmt.Errorf("getting preferred target: %w", err)
	}

	for i, word := range features {
		init.Features[i] |= word
	}

	debug.Writef("kvm CreateVCPU", "vcpu %d target %d features %s", id, init.Target, features)

	if err := armVcpuInit(vcpuFd, &init); err != nil {
		unix.Close(vcpuFd)
		return nil, fmt.Errorf("initializing vCPU %d: %w", id, err)
	}

	vcpu := &VirtualCPU{vm: v, id: id, fd: vcpuFd}
	v.vcpus[id] = vcpu

	return vcpu, nil
}

// Close releases every vCPU, the guest memory and the VM descriptor.
func (v *VirtualMachine) Close() error {
	v.vcpuMu.Lock()
	vcpus := v.vcpus
	v.vcpus = nil
	v.vcpuMu.Unlock()

	for _, vcpu := range vcpus {
		if err := vcpu.close(); err != nil {
			slog.Error("kvm: close vcpu fd", "error", err)
		}
	}

	v.memMu.Lock()
	mem := v.memory
	v.memory = nil
	v.memMu.Unlock()

	if mem != nil {
		if err := unix.Munmap(mem); err != nil {
			slog.Error("kvm: munmap memory", "error", err)
		}
	}

	if v.vmFd >= 0 {
		if err := unix.Close(v.vmFd); err != nil {
			return fmt.Errorf("close vm fd: %w", err)
		}
		v.vmFd = -1
	}

	return nil
}

// VirtualCPU is a KVM vCPU file descriptor. It implements
// arm64.ControlChannel and must only be used from the thread that owns the
// vCPU.
type VirtualCPU struct {
	vm *VirtualMachine
	id int
	fd int
}

var _ arm64.ControlChannel = &VirtualCPU{}

func (c *VirtualCPU) ID() int { return c.id }

func (c *VirtualCPU) GetOneReg(id arm64.RegisterID) (uint64, error) {
	if id.Size() == arm64.RegisterSize128 {
		return 0, fmt.Errorf("kvm: get register %s: 128-bit registers need GetOneReg128", id)
	}

	var buf [8]byte
	if err := getOneReg(c.fd, uint64(id), unsafe.Pointer(&buf[0])); err != nil {
		return 0, fmt.Errorf("kvm: get register %s: %w", id, err)
	}

	if id.Size() == arm64.RegisterSize32 {
		return uint64(*(*uint32)(unsafe.Pointer(&buf[0]))), nil
	}
	return *(*uint64)(unsafe.Pointer(&buf[0])), nil
}

// GetOneReg128 reads a 128-bit vector register as low and high halves.
func (c *VirtualCPU) GetOneReg128(id arm64.RegisterID) (lo, hi uint64, err error) {
	if id.Size() != arm64.RegisterSize128 {
		return 0, 0, fmt.Errorf("kvm: get register %s: not a 128-bit register", id)
	}

	var val [2]uint64
	if err := getOneReg(c.fd, uint64(id), unsafe.Pointer(&val[0])); err != nil {
		return 0, 0, fmt.Errorf("kvm: get register %s: %w", id, err)
	}
	return val[0], val[1], nil
}

func (c *VirtualCPU) SetOneReg(id arm64.RegisterID, value uint64) error {
	var err error
	switch id.Size() {
	case arm64.RegisterSize32:
		v32 := uint32(value)
		err = setOneReg(c.fd, uint64(id), unsafe.Pointer(&v32))
	case arm64.RegisterSize64:
		err = setOneReg(c.fd, uint64(id), unsafe.Pointer(&value))
	default:
		return fmt.Errorf("kvm: set register %s: unsupported size %s", id, id.Size())
	}
	if err != nil {
		return fmt.Errorf("kvm: set register %s: %w", id, err)
	}
	return nil
}

func (c *VirtualCPU) Finalize(feature arm64.Feature) error {
	if err := armVcpuFinalize(c.fd, int32(feature)); err != nil {
		return fmt.Errorf("kvm: finalize %s: %w", feature, err)
	}
	return nil
}

func (c *VirtualCPU) close() error {
	if c.fd < 0 {
		return nil
	}
	err := unix.Close(c.fd)
	c.fd = -1
	return err
}
