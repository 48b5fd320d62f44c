// Package periphpins wires four periph.io/x/conn/v3/gpio.PinIO pins into
// a bitbang.PinSet, reusing the same gpio plumbing device.go already
// pulls in for the FTDI MPSSE adapter — generalized here to any
// periph.io-backed GPIO header rather than just an FT2232H's D-bus.
package periphpins

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"

	"github.com/flashkit/spiflash/transport/bitbang"
)

// Pins binds CS/SCK/MOSI/MISO to four independently addressable
// gpio.PinIO lines.
type Pins struct {
	CS, SCK, MOSI, MISO gpio.PinIO
}

// New validates the four pins are set and returns a bitbang.PinSet
// backed by them.
func New(p Pins) (bitbang.PinSet, error) {
	if p.CS == nil || p.SCK == nil || p.MOSI == nil || p.MISO == nil {
		return nil, fmt.Errorf("periphpins: CS, SCK, MOSI and MISO must all be set")
	}
	if err := p.CS.Out(gpio.High); err != nil {
		return nil, fmt.Errorf("periphpins: CS idle-high: %w", err)
	}
	if err := p.SCK.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("periphpins: SCK idle-low: %w", err)
	}
	if err := p.MISO.In(gpio.PullNoChange, gpio.NoEdge); err != nil {
		return nil, fmt.Errorf("periphpins: MISO as input: %w", err)
	}
	return &pinAdapter{p: p}, nil
}

type pinAdapter struct{ p Pins }

func (a *pinAdapter) SetCS(high bool) error   { return a.p.CS.Out(level(high)) }
func (a *pinAdapter) SetSCK(high bool) error  { return a.p.SCK.Out(level(high)) }
func (a *pinAdapter) SetMOSI(high bool) error { return a.p.MOSI.Out(level(high)) }

func (a *pinAdapter) GetMISO() (bool, error) {
	return a.p.MISO.Read() == gpio.High, nil
}

func level(high bool) gpio.Level {
	if high {
		return gpio.High
	}
	return gpio.Low
}
