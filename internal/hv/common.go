package hv

import (
	"errors"
	"fmt"
)

var (
	ErrHypervisorUnsupported = errors.New("hypervisor unsupported on this platform")
	ErrRealmInaccessible     = errors.New("realm guest registers are inaccessible")
)

type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitectureARM64   CpuArchitecture = "arm64"
)

// Endianness is the data byte order a vCPU currently uses, as consumed by
// virtio devices when they are reset.
type Endianness int

const (
	EndianLittle Endianness = iota
	EndianBig
)

func (e Endianness) String() string {
	switch e {
	case EndianLittle:
		return "little"
	case EndianBig:
		return "big"
	default:
		return fmt.Sprintf("Endianness(%d)", int(e))
	}
}
