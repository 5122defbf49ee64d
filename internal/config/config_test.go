package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/tinyrange/kvmarm/internal/hv/arm64"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	yamlContent := `version: 1
cpus: 4
guest: aarch64
boot: realm
pmuv3: true
sveFallback: true
affinity: "2-3,0"
kernelEntry: 0x40080000
deviceTree: 0x4fe00000
memory:
  base: 0x40000000
  memoryMB: 256
device: /dev/kvm
`

	path := filepath.Join(dir, DefaultFilename)
	if err := os.WriteFile(path, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("failed to write yaml: %v", err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if c.CPUs != 4 {
		t.Errorf("CPUs = %d, want 4", c.CPUs)
	}
	if !c.SVEFallback {
		t.Errorf("SVEFallback = false, want true")
	}
	if c.Memory.Size() != 256<<20 {
		t.Errorf("Memory.Size() = %#x", c.Memory.Size())
	}

	got, err := c.Arm64()
	if err != nil {
		t.Fatalf("Arm64: %v", err)
	}
	want := arm64.Config{
		Boot:        arm64.RealmBoot,
		PMUv3:       true,
		Affinity:    []int{0, 2, 3},
		KernelEntry: 0x40080000,
		DeviceTree:  0x4fe00000,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Arm64() mismatch (-want +got):\n%s", diff)
	}
}

func TestDefaults(t *testing.T) {
	c, err := Parse([]byte("{}"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	want := Config{
		Version:     1,
		CPUs:        1,
		Guest:       GuestAArch64,
		Boot:        "normal",
		KernelEntry: 0x80080000,
		DeviceTree:  0x8fe00000,
		Memory:      MemoryConfig{Base: DefaultMemoryBase, MemoryMB: DefaultMemoryMB},
		Device:      DefaultDevice,
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Fatalf("defaults mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, Default()); diff != "" {
		t.Fatalf("Default() mismatch (-want +got):\n%s", diff)
	}
}

func TestParseRejects(t *testing.T) {
	for _, tt := range []struct {
		name string
		yaml string
	}{
		{"version", "version: 2"},
		{"cpus", "cpus: -1"},
		{"too many cpus", "cpus: 1000"},
		{"guest", "guest: riscv64"},
		{"boot", "boot: secure"},
		{"affinity", "affinity: 3-1"},
		{"capability", "capabilities: [vgic]"},
		{"entry outside memory", "kernelEntry: 0x1000"},
		{"dtb outside memory", "deviceTree: 0xffffffff0"},
		{"memory too large", "memory:\n  memoryMB: 4294967297"},
		{"memory size wraps", "memory:\n  memoryMB: 17592186044416"},
		{"aarch32 realm", "guest: aarch32\nboot: realm"},
		{"syntax", "cpus: [1"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.yaml)); err == nil {
				t.Fatalf("Parse(%q) succeeded", tt.yaml)
			}
		})
	}
}

func TestStaticCapabilities(t *testing.T) {
	c, err := Parse([]byte("boot: measured\ncapabilities: [sve, pmu-v3]\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	caps, err := c.StaticCapabilities()
	if err != nil {
		t.Fatalf("StaticCapabilities: %v", err)
	}
	want := arm64.StaticCapabilities{arm64.CapArmSVE: true, arm64.CapArmPMUv3: true}
	if diff := cmp.Diff(want, caps); diff != "" {
		t.Fatalf("capabilities mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteTemplateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFilename)

	in := Default()
	in.CPUs = 2
	in.Affinity = "1"
	if err := WriteTemplate(path, in); err != nil {
		t.Fatalf("WriteTemplate: %v", err)
	}

	out, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestParseCPUList(t *testing.T) {
	for _, tt := range []struct {
		in      string
		want    []int
		wantErr bool
	}{
		{in: "", want: nil},
		{in: "0", want: []int{0}},
		{in: "0-3,6", want: []int{0, 1, 2, 3, 6}},
		{in: " 6 , 1-2 ,2", want: []int{1, 2, 6}},
		{in: "a", wantErr: true},
		{in: "-1", wantErr: true},
		{in: "4-2", wantErr: true},
		{in: "0-", wantErr: true},
		{in: "2048", wantErr: true},
	} {
		got, err := ParseCPUList(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseCPUList(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if tt.wantErr {
			continue
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Fatalf("ParseCPUList(%q) mismatch (-want +got):\n%s", tt.in, diff)
		}
	}
}

func TestWriteTemplateReportsWriteErrors(t *testing.T) {
	if _, err := os.Stat("/dev/full"); err != nil {
		t.Skip("/dev/full not available")
	}
	if err := WriteTemplate("/dev/full", Default()); err == nil {
		t.Fatalf("WriteTemplate to a full device succeeded")
	}
}
