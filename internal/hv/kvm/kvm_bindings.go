//go:build linux

package kvm

import (
	"unsafe"

	"github.com/tinyrange/kvmarm/internal/debug"
	"golang.org/x/sys/unix"
)

func ioctl(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	v1, _, err := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(request), arg)
	if err != 0 {
		return 0, err
	}
	return v1, nil
}

func ioctlWithRetry(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	for {
		v1, err := ioctl(fd, request, arg)
		if err == unix.EINTR {
			continue
		}
		return v1, err
	}
}

func getApiVersion(fd int) (int, error) {
	v, err := ioctlWithRetry(uintptr(fd), kvmGetApiVersion, 0)
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

// createVm passes the IPA size as the machine type, which arm64 requires on
// hosts whose default IPA range is too small.
func createVm(fd int, ipaSize uint32) (int, error) {
	v, err := ioctlWithRetry(uintptr(fd), kvmCreateVm, uintptr(ipaSize))
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

func createVCPU(fd int, id int) (int, error) {
	v1, err := ioctlWithRetry(uintptr(fd), uint64(kvmCreateVcpu), uintptr(id))
	if err != nil {
		return 0, err
	}

	return int(v1), nil
}

// checkExtension works on both the system and the VM file descriptor.
func checkExtension(fd int, cap uint32) (int, error) {
	debug.Writef("kvm checkExtension", "fd: %d, cap: %d", fd, cap)

	ret, err := ioctlWithRetry(uintptr(fd), kvmCheckExtension, uintptr(cap))
	if err != nil {
		return 0, err
	}

	debug.Writef("kvm checkExtension", "ret: %d", ret)

	return int(ret), nil
}

func setUserMemoryRegion(fd int, region *kvmUserspaceMemoryRegion) error {
	_, err := ioctlWithRetry(uintptr(fd), uint64(kvmSetUserMemoryRegion), uintptr(unsafe.Pointer(region)))
	return err
}

func getOneReg(vcpuFd int, id uint64, addr unsafe.Pointer) error {
	reg := kvmOneReg{
		id:   id,
		addr: uint64(uintptr(addr)),
	}

	_, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmGetOneReg), uintptr(unsafe.Pointer(&reg)))
	return err
}

func setOneReg(vcpuFd int, id uint64, addr unsafe.Pointer) error {
	reg := kvmOneReg{
		id:   id,
		addr: uint64(uintptr(addr)),
	}

	_, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmSetOneReg), uintptr(unsafe.Pointer(&reg)))
	return err
}

func armPreferredTarget(vmFd int) (kvmVcpuInit, error) {
	var init kvmVcpuInit

	if _, err := ioctlWithRetry(uintptr(vmFd), uint64(kvmArmPreferredTarget), uintptr(unsafe.Pointer(&init))); err != nil {
		return kvmVcpuInit{}, err
	}

	return init, nil
}

func armVcpuInit(vcpuFd int, init *kvmVcpuInit) error {
	_, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmArmVcpuInitIoctl), uintptr(unsafe.Pointer(init)))
	return err
}

func armVcpuFinalize(vcpuFd int, feature int32) error {
	_, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmArmVcpuFinalize), uintptr(unsafe.Pointer(&feature)))
	return err
}
