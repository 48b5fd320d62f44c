package bitbang

import (
	"context"
	"testing"

	"github.com/flashkit/spiflash/master"
)

// loopbackPins is a hand-written PinSet fake that ties MOSI straight to
// MISO (a wire loopback) and records every CS/SCK transition, in the
// style of the hand-rolled fakes used across this module's other
// _test.go files.
type loopbackPins struct {
	cs, sck, mosi bool
	csHistory     []bool
	mosiHistory   []bool
	sckToggles    int
}

func (p *loopbackPins) SetCS(high bool) error {
	p.cs = high
	p.csHistory = append(p.csHistory, high)
	return nil
}
func (p *loopbackPins) SetSCK(high bool) error {
	if high != p.sck {
		p.sckToggles++
	}
	p.sck = high
	return nil
}
func (p *loopbackPins) SetMOSI(high bool) error {
	p.mosi = high
	p.mosiHistory = append(p.mosiHistory, high)
	return nil
}
func (p *loopbackPins) GetMISO() (bool, error) {
	return p.mosi, nil
}

func TestCommandLoopbackRoundTrips(t *testing.T) {
	pins := &loopbackPins{}
	m := New(pins, Config{})

	read := make([]byte, 1)
	if err := m.Command(context.Background(), []byte{0xA5}, read); err != nil {
		t.Fatalf("Command: %v", err)
	}
	if read[0] != 0xFF {
		// write phase shifts out 0xA5 then CS stays low for the read
		// phase, which shifts a dummy 0xFF out on MOSI, looped back.
		t.Fatalf("expected loopback of dummy write byte 0xFF, got 0x%02x", read[0])
	}
}

func TestCommandDrivesCSLowThenHigh(t *testing.T) {
	pins := &loopbackPins{cs: true}
	m := New(pins, Config{})
	if err := m.Command(context.Background(), []byte{0x9F}, nil); err != nil {
		t.Fatalf("Command: %v", err)
	}
	if len(pins.csHistory) != 2 || pins.csHistory[0] != false || pins.csHistory[1] != true {
		t.Fatalf("expected CS low then high, got %v", pins.csHistory)
	}
}

func TestShiftByteIsMSBFirst(t *testing.T) {
	pins := &loopbackPins{}
	m := New(pins, Config{})
	got, err := m.shiftByte(0x80) // only the MSB set
	if err != nil {
		t.Fatalf("shiftByte: %v", err)
	}
	if got != 0x80 {
		t.Fatalf("expected MSB-first loopback to read back 0x80, got 0x%02x", got)
	}
	// 0x80 has only its MSB set, so MSB-first order drives MOSI high on
	// the first of the 8 bits and low on the other 7.
	if len(pins.mosiHistory) != 8 || !pins.mosiHistory[0] {
		t.Fatalf("expected MOSI high on the first of 8 bits, got %v", pins.mosiHistory)
	}
	for i, high := range pins.mosiHistory[1:] {
		if high {
			t.Fatalf("expected MOSI low on bit %d, got %v", i+1, pins.mosiHistory)
		}
	}
}

func TestFeaturesAdvertisesNative4BA(t *testing.T) {
	m := New(&loopbackPins{}, Config{})
	if !m.Features().Has(master.FeatureSupports4BA) {
		t.Fatalf("expected bitbang master to advertise FeatureSupports4BA, got %v", m.Features())
	}
}

func TestLimitsDefaultToLargeTransfers(t *testing.T) {
	m := New(&loopbackPins{}, Config{})
	lim := m.Limits()
	if lim.MaxDataRead < 1<<20 || lim.MaxDataWrite < 1<<20 {
		t.Fatalf("expected unbounded-in-practice default limits, got %+v", lim)
	}
}

func TestShutdownLeavesCSHigh(t *testing.T) {
	pins := &loopbackPins{}
	m := New(pins, Config{})
	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !pins.cs {
		t.Fatalf("expected CS high after Shutdown")
	}
}
