package addressing

import (
	"testing"

	"github.com/flashkit/spiflash/master"
)

func TestBindPrefersNative4BAOverToggle(t *testing.T) {
	m, err := Bind(master.FeatureSupports4BA, ChipCaps{Supports4BANative: true, TotalSizeBytes: 32 << 20})
	if err != nil {
		t.Fatal(err)
	}
	if m.Mode() != Native4BA {
		t.Fatalf("expected Native4BA, got %s", m.Mode())
	}
}

func TestBindFallsBackToToggle4BA(t *testing.T) {
	m, err := Bind(0, ChipCaps{Supports4BANative: true, TotalSizeBytes: 32 << 20})
	if err != nil {
		t.Fatal(err)
	}
	if m.Mode() != Toggle4BA {
		t.Fatalf("expected Toggle4BA, got %s", m.Mode())
	}
}

func TestBindStaysNative3BAWhenChipFits(t *testing.T) {
	m, err := Bind(0, ChipCaps{Supports4BANative: true, HasEAR: true, TotalSizeBytes: 4 << 20})
	if err != nil {
		t.Fatal(err)
	}
	if m.Mode() != Native3BA {
		t.Fatalf("a chip that fits in 3BA should stay Native3BA even with 4BA capability, got %s", m.Mode())
	}
}

func TestBindFallsBackToEAR(t *testing.T) {
	m, err := Bind(0, ChipCaps{HasEAR: true, TotalSizeBytes: 32 << 20})
	if err != nil {
		t.Fatal(err)
	}
	if m.Mode() != EAR {
		t.Fatalf("expected EAR, got %s", m.Mode())
	}
}

func TestBindRejectsOversizeWithNo4BA(t *testing.T) {
	_, err := Bind(master.FeatureNo4BAModes, ChipCaps{TotalSizeBytes: 32 << 20})
	if err == nil {
		t.Fatal("expected error for oversize chip with no 4BA strategy")
	}
}

func TestBoundaryAddressesFitOrForce4BA(t *testing.T) {
	m, err := Bind(0, ChipCaps{TotalSizeBytes: 16 << 20})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.PrepareAddress(nil, nil, 1<<24-1); err != nil {
		t.Fatalf("0x%X (2^24-1) must fit in 3BA: %v", uint32(1<<24-1), err)
	}
	if _, err := m.PrepareAddress(nil, nil, 1<<24); err == nil {
		t.Fatalf("0x%X (2^24) must fail without a 4BA strategy", uint32(1<<24))
	}
}
