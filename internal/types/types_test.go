package types_test

import (
	"testing"

	"NFTLend/internal/types"
)

func TestParseTON(t *testing.T) {
	cases := []struct {
		in   string
		want int64
		err  bool
	}{
		{"0.2", 200_000_000, false},
		{"0.22", 220_000_000, false},
		{"5", 5_000_000_000, false},
		{"0.000000001", 1, false},
		{"0.0000000001", 0, true},
		{"abc", 0, true},
	}
	for _, tc := range cases {
		got, err := types.ParseTON(tc.in)
		if tc.err {
			if err == nil {
				t.Errorf("ParseTON(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseTON(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Errorf("ParseTON(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestFormatTON(t *testing.T) {
	if s := types.FormatTON(220_000_000); s != "0.22" {
		t.Errorf("expected 0.22, got %s", s)
	}
	if s := types.FormatTON(5_000_000_000); s != "5" {
		t.Errorf("expected 5, got %s", s)
	}
	if s := types.FormatTON(-50_000_000); s != "-0.05" {
		t.Errorf("expected -0.05, got %s", s)
	}
}

func TestEntityAddressRoundTrip(t *testing.T) {
	addr := types.EntityAddress("pool-1")
	id, ok := types.EntityOf(addr)
	if !ok || id != "pool-1" {
		t.Fatalf("expected pool-1, got %q ok=%v", id, ok)
	}
	if _, ok := types.EntityOf("EQwallet"); ok {
		t.Error("wallet address must not resolve to an entity")
	}
}
