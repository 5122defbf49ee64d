//go:build linux

package kvm

const (
	kvmApiVersion = 12

	kvmGetApiVersion       = 0xae00
	kvmCreateVm            = 0xae01
	kvmCheckExtension      = 0xae03
	kvmCreateVcpu          = 0xae41
	kvmSetUserMemoryRegion = 0x4020ae46
	kvmGetOneReg           = 0x4010aeab
	kvmSetOneReg           = 0x4010aeac
	kvmArmVcpuInitIoctl    = 0x4020aeae
	kvmArmPreferredTarget  = 0x8020aeaf
	kvmArmVcpuFinalize     = 0x4004aec2
)

const kvmArmVcpuInitFeatureWords = 7
