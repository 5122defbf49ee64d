package hv

import "testing"

func TestEndiannessString(t *testing.T) {
	for _, tt := range []struct {
		e    Endianness
		want string
	}{
		{EndianLittle, "little"},
		{EndianBig, "big"},
		{Endianness(7), "Endianness(7)"},
	} {
		if got := tt.e.String(); got != tt.want {
			t.Errorf("Endianness(%d).String() = %q, want %q", int(tt.e), got, tt.want)
		}
	}
}
