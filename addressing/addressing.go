// Package addressing implements the addressing-mode manager of spec §4.3:
// choosing, at bind time, one of three strategies for reaching beyond the
// 16MiB 3-byte-address boundary, and applying it consistently for the
// life of a flashrom.Context.
//
// This replaces the "mixed 3BA/4BA code paths (source uses a boolean and
// scattered conditionals)" pattern flagged in spec §9 with a single enum
// chosen once at bind and consulted by the opcode layer thereafter.
package addressing

import (
	"context"
	"fmt"

	"github.com/flashkit/spiflash/master"
	"github.com/flashkit/spiflash/opcode"
)

// Mode is the addressing strategy selected once per session (spec §4.3:
// "Strategy selection is final per session").
type Mode int

const (
	// Native3BA: chip and master both only ever see 3-byte addresses;
	// any address >= 2^24 is rejected.
	Native3BA Mode = iota
	// Native4BA: the master transmits 4-byte addresses directly; no
	// chip-side mode-change opcode is ever issued.
	Native4BA
	// Toggle4BA: the chip is moved into 4-byte-address mode via B7 by
	// Enter, which PrepareAddress calls before the first address-consuming
	// command if it has not run yet, and back via E9 at teardown.
	Toggle4BA
	// EAR: the chip stays in 3-byte-opcode mode; the top address byte is
	// carried via the Extended Address Register before any command whose
	// address crosses the 16MiB boundary.
	EAR
)

func (m Mode) String() string {
	switch m {
	case Native3BA:
		return "native-3BA"
	case Native4BA:
		return "native-4BA"
	case Toggle4BA:
		return "toggle-4BA-B7E9"
	case EAR:
		return "EAR"
	default:
		return "unknown"
	}
}

// ChipCaps is the subset of a chip's feature bits this package needs to
// pick a strategy, kept decoupled from the chip package's concrete type
// so this package does not import chip; flashrom.Bind fills it in from a
// chip's feature bits.
type ChipCaps struct {
	Supports4BANative bool // chip has B7/E9 opcodes
	HasEAR            bool // chip has an Extended Address Register
	EnterRequiresWREN bool // B7 must be preceded by WREN on this chip
	TotalSizeBytes    int64
}

// Manager tracks the live addressing state for one flashrom.Context and
// implements the "consulted by the opcode layer when packing addresses"
// behavior of spec §9.
type Manager struct {
	mode     Mode
	in4BA    bool
	earCache *byte
	caps     ChipCaps
}

// Bind selects a strategy given the master's advertised features and the
// chip's capabilities, per the tie-break rules of spec §4.1:
//
//  0. the chip fits entirely within 3-byte addressing (<=16MiB) -> plain
//     Native3BA, regardless of what 4BA strategies are available; there
//     is nothing to gain from toggling a chip into 4BA mode, or from
//     EAR traffic, when every address it will ever see already fits.
//  1. master native 4BA + chip B7/E9  -> Toggle4BA is NOT preferred here;
//     a master that natively transmits 4-byte addresses never needs the
//     chip to change opcode-address-width mode, so Native4BA wins first.
//  2. master lacks native 4BA, chip has B7/E9 -> Toggle4BA.
//  3. neither, chip has EAR -> EAR.
//  4. none of the above, or a master with FeatureNo4BAModes -> Native3BA;
//     a chip larger than 16MiB then makes Bind fail with UNSUPPORTED.
func Bind(feats master.Features, caps ChipCaps) (*Manager, error) {
	m := &Manager{caps: caps}
	switch {
	case feats.Has(master.FeatureNo4BAModes):
		m.mode = Native3BA
	case caps.TotalSizeBytes <= 1<<24:
		m.mode = Native3BA
	case feats.Has(master.FeatureSupports4BA):
		m.mode = Native4BA
	case caps.Supports4BANative:
		m.mode = Toggle4BA
	case caps.HasEAR:
		m.mode = EAR
	default:
		m.mode = Native3BA
	}
	if m.mode == Native3BA && caps.TotalSizeBytes > 1<<24 {
		return nil, master.Wrap(master.ErrUnsupported, "addressing.Bind",
			fmt.Errorf("chip size %d exceeds 3BA range and no 4BA strategy is available", caps.TotalSizeBytes))
	}
	return m, nil
}

func (m *Manager) Mode() Mode { return m.mode }

// Enter performs whatever one-time setup this strategy requires right
// after a successful probe (Toggle4BA: issue B7). Native3BA/Native4BA/EAR
// need no chip-side action here.
func (m *Manager) Enter(ctx context.Context, mst master.Master) error {
	if m.mode != Toggle4BA {
		return nil
	}
	if err := opcode.Enter4BA(ctx, mst, m.caps.EnterRequiresWREN); err != nil {
		return master.Wrap(master.ErrTransport, "addressing.Enter", err)
	}
	m.in4BA = true
	return nil
}

// Exit restores the chip's addressing state at teardown (Toggle4BA:
// E9; EAR: restore to 0). It is idempotent: calling it twice, or calling
// it having never entered, is a no-op, matching the teardown-LIFO
// idempotency requirement of spec §5.
func (m *Manager) Exit(ctx context.Context, mst master.Master) error {
	switch m.mode {
	case Toggle4BA:
		if !m.in4BA {
			return nil
		}
		if err := opcode.Exit4BA(ctx, mst); err != nil {
			return master.Wrap(master.ErrTransport, "addressing.Exit", err)
		}
		m.in4BA = false
		return nil
	case EAR:
		if m.earCache == nil || *m.earCache == 0 {
			return nil
		}
		if err := opcode.WriteEAR(ctx, mst, 0); err != nil {
			return master.Wrap(master.ErrTransport, "addressing.Exit", err)
		}
		zero := byte(0)
		m.earCache = &zero
		return nil
	default:
		return nil
	}
}

// PrepareAddress is called by flashrom before any opcode that consumes
// addr. It returns whether the opcode layer should use a 4-byte-address
// opcode variant, and issues whatever chip-side preamble the strategy
// requires (an EAR write, e.g.) before the caller issues the real
// command. Invariant (spec §4.3): "once set to 4BA, all opcodes that
// consume an address must transmit four bytes until restored."
func (m *Manager) PrepareAddress(ctx context.Context, mst master.Master, addr uint32) (fourBA bool, err error) {
	switch m.mode {
	case Native4BA:
		return true, nil
	case Toggle4BA:
		if !m.in4BA {
			if err := m.Enter(ctx, mst); err != nil {
				return false, err
			}
		}
		return true, nil
	case EAR:
		top := byte(addr >> 24)
		if m.earCache == nil || *m.earCache != top {
			if err := opcode.WriteEAR(ctx, mst, top); err != nil {
				return false, master.Wrap(master.ErrTransport, "addressing.PrepareAddress", err)
			}
			m.earCache = &top
		}
		return false, nil
	default: // Native3BA
		if addr >= 1<<24 {
			return false, master.Wrap(master.ErrInvalidAddress, "addressing.PrepareAddress",
				fmt.Errorf("address 0x%X requires 4BA but no 4BA strategy is bound", addr))
		}
		return false, nil
	}
}
