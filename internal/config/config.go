// Package config loads the YAML description of a VM whose vCPUs should be
// brought up.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tinyrange/kvmarm/internal/hv/arm64"
	"gopkg.in/yaml.v3"
)

const (
	DefaultFilename = "kvmarm.yaml"
	DefaultDevice   = "/dev/kvm"

	DefaultMemoryBase     uint64 = 0x80000000
	DefaultMemoryMB       uint64 = 256
	defaultKernelOffset   uint64 = 0x80000
	defaultDeviceTreeSlot uint64 = 0x200000

	maxCPUs = 512

	// maxMemoryMB covers a 52-bit guest physical address space.
	maxMemoryMB = 1 << 32
)

const (
	GuestAArch64 = "aarch64"
	GuestAArch32 = "aarch32"
)

// Config describes one VM.
type Config struct {
	Version int `yaml:"version"`

	CPUs  int    `yaml:"cpus,omitempty"`
	Guest string `yaml:"guest,omitempty"`
	Boot  string `yaml:"boot,omitempty"`

	PMUv3       bool `yaml:"pmuv3,omitempty"`
	DisableSVE  bool `yaml:"disableSVE,omitempty"`
	SVEFallback bool `yaml:"sveFallback,omitempty"`

	// Affinity is a host cpu list such as "0-3,6".
	Affinity string `yaml:"affinity,omitempty"`

	KernelEntry uint64 `yaml:"kernelEntry,omitempty"`
	DeviceTree  uint64 `yaml:"deviceTree,omitempty"`

	Memory MemoryConfig `yaml:"memory"`

	Device string `yaml:"device,omitempty"`

	// Capabilities stands in for the hypervisor under measured boot.
	Capabilities []string `yaml:"capabilities,omitempty"`
}

type MemoryConfig struct {
	Base     uint64 `yaml:"base"`
	MemoryMB uint64 `yaml:"memoryMB"`
}

func (m MemoryConfig) Size() uint64 { return m.MemoryMB << 20 }

func (c *Config) normalize() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.CPUs == 0 {
		c.CPUs = 1
	}
	if c.Guest == "" {
		c.Guest = GuestAArch64
	}
	if c.Boot == "" {
		c.Boot = arm64.NormalBoot.String()
	}
	if c.Device == "" {
		c.Device = DefaultDevice
	}
	if c.Memory.Base == 0 {
		c.Memory.Base = DefaultMemoryBase
	}
	if c.Memory.MemoryMB == 0 {
		c.Memory.MemoryMB = DefaultMemoryMB
	}
	if c.KernelEntry == 0 {
		c.KernelEntry = c.Memory.Base + defaultKernelOffset
	}
	if c.DeviceTree == 0 {
		c.DeviceTree = c.Memory.Base + c.Memory.Size() - defaultDeviceTreeSlot
	}
}

// Default returns the configuration an empty file produces.
func Default() Config {
	var c Config
	c.normalize()
	return c
}

// Parse decodes and validates a configuration.
func Parse(data []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	c.normalize()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	c, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return c, nil
}

// Validate checks fields that normalize cannot default.
func (c Config) Validate() error {
	if c.Version != 1 {
		return fmt.Errorf("unsupported config version %d", c.Version)
	}
	if c.CPUs < 1 || c.CPUs > maxCPUs {
		return fmt.Errorf("cpus must be between 1 and %d, got %d", maxCPUs, c.CPUs)
	}
	switch c.Guest {
	case GuestAArch64, GuestAArch32:
	default:
		return fmt.Errorf("unknown guest %q (want %s or %s)", c.Guest, GuestAArch64, GuestAArch32)
	}
	if _, err := arm64.ParseBootMode(c.Boot); err != nil {
		return err
	}
	if _, err := ParseCPUList(c.Affinity); err != nil {
		return fmt.Errorf("affinity: %w", err)
	}
	if _, err := c.StaticCapabilities(); err != nil {
		return err
	}

	if c.Memory.MemoryMB == 0 || c.Memory.MemoryMB > maxMemoryMB {
		return fmt.Errorf("memory.memoryMB must be between 1 and %d, got %d", uint64(maxMemoryMB), c.Memory.MemoryMB)
	}
	end := c.Memory.Base + c.Memory.Size()
	if end < c.Memory.Base {
		return errors.New("memory region overflows the address space")
	}
	if c.KernelEntry < c.Memory.Base || c.KernelEntry >= end {
		return fmt.Errorf("kernelEntry 0x%x outside guest memory [0x%x, 0x%x)", c.KernelEntry, c.Memory.Base, end)
	}
	if c.DeviceTree < c.Memory.Base || c.DeviceTree >= end {
		return fmt.Errorf("deviceTree 0x%x outside guest memory [0x%x, 0x%x)", c.DeviceTree, c.Memory.Base, end)
	}

	arm, err := c.Arm64()
	if err != nil {
		return err
	}
	return arm.Validate()
}

// Arm64 converts the configuration into the VM-wide vCPU configuration.
func (c Config) Arm64() (arm64.Config, error) {
	boot, err := arm64.ParseBootMode(c.Boot)
	if err != nil {
		return arm64.Config{}, err
	}
	affinity, err := ParseCPUList(c.Affinity)
	if err != nil {
		return arm64.Config{}, fmt.Errorf("affinity: %w", err)
	}

	return arm64.Config{
		Boot:         boot,
		AArch32Guest: c.Guest == GuestAArch32,
		PMUv3:        c.PMUv3,
		DisableSVE:   c.DisableSVE,
		Affinity:     affinity,
		KernelEntry:  c.KernelEntry,
		DeviceTree:   c.DeviceTree,
	}, nil
}

// StaticCapabilities returns the capability set listed in the file.
func (c Config) StaticCapabilities() (arm64.StaticCapabilities, error) {
	caps := arm64.StaticCapabilities{}
	for _, name := range c.Capabilities {
		cp, err := arm64.ParseCapability(name)
		if err != nil {
			return nil, err
		}
		caps[cp] = true
	}
	return caps, nil
}

// WriteTemplate writes c as YAML to path.
func WriteTemplate(path string, c Config) error {
	c.normalize()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&c); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		f.Close()
		return fmt.Errorf("flush %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}
