package arm64

import (
	"errors"
	"testing"
)

func TestConfigValidate(t *testing.T) {
	for _, tt := range []struct {
		name    string
		cfg     func(*Config)
		wantErr bool
	}{
		{"normal aarch64", nil, false},
		{"normal aarch32", func(c *Config) { c.AArch32Guest = true }, false},
		{"realm aarch32", func(c *Config) { c.Boot = RealmBoot; c.AArch32Guest = true }, true},
		{"measured aarch32", func(c *Config) { c.Boot = MeasuredBoot; c.AArch32Guest = true }, true},
		{"unknown boot mode", func(c *Config) { c.Boot = BootMode(7) }, true},
		{"negative affinity", func(c *Config) { c.Affinity = []int{0, -1} }, true},
		{"no entry", func(c *Config) { c.KernelEntry = 0 }, true},
	} {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(NormalBoot)
			if tt.cfg != nil {
				tt.cfg(&cfg)
			}
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseBootMode(t *testing.T) {
	for _, mode := range []BootMode{NormalBoot, MeasuredBoot, RealmBoot} {
		got, err := ParseBootMode(mode.String())
		if err != nil {
			t.Fatalf("ParseBootMode(%q): %v", mode, err)
		}
		if got != mode {
			t.Fatalf("ParseBootMode(%q) = %s", mode, got)
		}
	}
	if got, err := ParseBootMode(""); err != nil || got != NormalBoot {
		t.Fatalf("ParseBootMode(\"\") = %s, %v", got, err)
	}
	if _, err := ParseBootMode("secure"); err == nil {
		t.Fatalf("ParseBootMode accepted an unknown mode")
	}
}

func TestParseCapability(t *testing.T) {
	for _, c := range KnownCapabilities {
		got, err := ParseCapability(" " + c.String())
		if err != nil {
			t.Fatalf("ParseCapability(%q): %v", c, err)
		}
		if got != c {
			t.Fatalf("ParseCapability(%q) = %d", c, got)
		}
	}
	if _, err := ParseCapability("vgic"); err == nil {
		t.Fatalf("ParseCapability accepted an unknown name")
	}
}

func TestIsFatal(t *testing.T) {
	for _, tt := range []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("plain"), true},
		{opError(0, "op", KindConfig, errors.New("x")), true},
		{opError(0, "op", KindABI, errors.New("x")), true},
		{opError(0, "op", KindAccess, errors.New("x")), true},
		{opError(0, "op", KindFeature, errors.New("x")), false},
	} {
		if got := IsFatal(tt.err); got != tt.want {
			t.Fatalf("IsFatal(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
