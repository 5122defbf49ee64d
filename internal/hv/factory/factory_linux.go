//go:build linux

package factory

import (
	"github.com/tinyrange/kvmarm/internal/hv/arm64"
	"github.com/tinyrange/kvmarm/internal/hv/kvm"
	"github.com/tinyrange/kvmarm/internal/vmm"
)

func Open(device string) (Host, error) {
	h, err := kvm.Open(device)
	if err != nil {
		return nil, err
	}
	return kvmHost{h}, nil
}

// BindAffinity pins the calling OS thread to cpus.
func BindAffinity(cpus []int) error {
	return kvm.BindThreadAffinity(cpus)
}

type kvmHost struct {
	*kvm.Hypervisor
}

func (h kvmHost) NewVirtualMachine() (vmm.VirtualMachine, error) {
	vm, err := h.Hypervisor.NewVirtualMachine()
	if err != nil {
		return nil, err
	}
	return kvmVM{vm}, nil
}

type kvmVM struct {
	*kvm.VirtualMachine
}

func (vm kvmVM) CreateVCPU(id int, features arm64.FeatureMask) (arm64.ControlChannel, error) {
	vcpu, err := vm.VirtualMachine.CreateVCPU(id, features)
	if err != nil {
		return nil, err
	}
	return vcpu, nil
}

var (
	_ Host               = kvmHost{}
	_ vmm.VirtualMachine = kvmVM{}
)
