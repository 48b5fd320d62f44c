// Package status implements the status-register engine of spec §4.4:
// reading SR1/SR2/SR3, writing them with the chip's required WREN-vs-EWSR
// preamble, decoding BP/SRWD/TB/SEC/QE bits, and disabling block
// protection safely.
package status

import (
	"context"
	"fmt"
	"time"

	"github.com/flashkit/spiflash/master"
	"github.com/flashkit/spiflash/opcode"
)

// Register is one status-register byte (SR1 unless otherwise noted),
// decoded per spec §4.4's bit table, matching flash.go's StatusRegister
// bit layout ([N25Q32|Table 9] / [W25Q128|7.1]).
type Register byte

func (r Register) SRWD() bool          { return r&(1<<7) != 0 }
func (r Register) SEC() bool           { return r&(1<<6) != 0 }
func (r Register) TB() bool            { return r&(1<<5) != 0 }
func (r Register) BP2() bool           { return r&(1<<4) != 0 }
func (r Register) BP1() bool           { return r&(1<<3) != 0 }
func (r Register) BP0() bool           { return r&(1<<2) != 0 }
func (r Register) WEL() bool           { return r&(1<<1) != 0 }
func (r Register) WIP() bool           { return r&(1<<0) != 0 }
func (r Register) AnyBlockProtect() bool { return r&0x1C != 0 }

func (r Register) String() string {
	s := fmt.Sprintf("%08b", byte(r))
	flags := []string{}
	for _, f := range []struct {
		set  bool
		name string
	}{
		{r.SRWD(), "SRWD"}, {r.SEC(), "SEC"}, {r.TB(), "TB"},
		{r.BP2(), "BP2"}, {r.BP1(), "BP1"}, {r.BP0(), "BP0"},
		{r.WEL(), "WEL"}, {r.WIP(), "WIP"},
	} {
		if f.set {
			flags = append(flags, f.name)
		}
	}
	if len(flags) == 0 {
		return s
	}
	out := s + " "
	for i, f := range flags {
		if i > 0 {
			out += ","
		}
		out += f
	}
	return out
}

// Policy is the per-chip-family knowledge the engine needs (spec §4.4:
// "whether the chip needs WREN or EWSR before WRSR", "which bits are
// reserved/read-only", srp heuristic).
type Policy struct {
	NeedsEWSR      bool // chip uses EWSR (0x50) instead of WREN before WRSR
	HasSR2, HasSR3 bool
	// WPPinAsserted reports whether the hardware WP# pin is currently
	// asserted low, per chip datasheet heuristic (spec §4.4 step 3).
	// Nil means "unknown/not wired", treated as not-asserted.
	WPPinAsserted func() bool
	// UnsafeSR2BlockProtect marks chips where clearing BP bits without
	// also handling SR2 is known incorrect (original_source/a25.c,
	// DESIGN.md Open Questions: A25L032 family).
	UnsafeSR2BlockProtect bool
}

// Engine reads/writes status registers for one bound chip.
type Engine struct {
	m      master.Master
	policy Policy
}

func New(m master.Master, p Policy) *Engine { return &Engine{m: m, policy: p} }

func (e *Engine) ReadSR1(ctx context.Context) (Register, error) {
	b, err := opcode.ReadStatus(ctx, e.m, opcode.TagRDSR)
	return Register(b), err
}

func (e *Engine) ReadSR2(ctx context.Context) (Register, error) {
	if !e.policy.HasSR2 {
		return 0, master.Wrap(master.ErrUnsupported, "ReadSR2", fmt.Errorf("chip has no SR2"))
	}
	b, err := opcode.ReadStatus(ctx, e.m, opcode.TagRDSR2)
	return Register(b), err
}

func (e *Engine) ReadSR3(ctx context.Context) (Register, error) {
	if !e.policy.HasSR3 {
		return 0, master.Wrap(master.ErrUnsupported, "ReadSR3", fmt.Errorf("chip has no SR3"))
	}
	b, err := opcode.ReadStatus(ctx, e.m, opcode.TagRDSR3)
	return Register(b), err
}

// preambleTag returns the chip's required preamble opcode (WREN or EWSR)
// for a WRSR; WriteStatus1/1And2 below send it and the WRSR in one
// MultiCommand so no other transaction can interleave, per spec §5.
func (e *Engine) preambleTag() opcode.Tag {
	if e.policy.NeedsEWSR {
		return opcode.TagEWSR
	}
	return opcode.TagWREN
}

// WriteStatus1 writes SR1 alone.
func (e *Engine) WriteStatus1(ctx context.Context, sr1 byte) error {
	cmds := []master.Command{
		{Write: []byte{opcode.Get(e.preambleTag()).Byte}},
		{Write: []byte{opcode.Get(opcode.TagWRSR).Byte, sr1}},
	}
	return e.m.MultiCommand(ctx, cmds)
}

// WriteStatus1And2 writes SR1+SR2 in one WRSR carrying two data bytes
// (spec §4.4).
func (e *Engine) WriteStatus1And2(ctx context.Context, sr1, sr2 byte) error {
	if !e.policy.HasSR2 {
		return master.Wrap(master.ErrUnsupported, "WriteStatus1And2", fmt.Errorf("chip has no SR2"))
	}
	cmds := []master.Command{
		{Write: []byte{opcode.Get(e.preambleTag()).Byte}},
		{Write: []byte{opcode.Get(opcode.TagWRSR).Byte, sr1, sr2}},
	}
	return e.m.MultiCommand(ctx, cmds)
}

// PollUntilReady polls RDSR at interval until WIP clears or timeout
// elapses (spec §4.2 WIP loop: 10us/10ms/100ms classes). On SR[5]
// (erase error) or SR[6] (program error) it issues a legacy reset and
// returns the matching fatal error kind.
func (e *Engine) PollUntilReady(ctx context.Context, interval, timeout time.Duration, isErase bool) error {
	deadline := time.Now().Add(timeout)
	for {
		sr, err := e.ReadSR1(ctx)
		if err != nil {
			return err
		}
		if sr&(1<<5) != 0 || sr&(1<<6) != 0 {
			_ = opcode.LegacyReset(ctx, e.m)
			if isErase {
				return master.Wrap(master.ErrEraseError, "PollUntilReady", fmt.Errorf("SR=%s", sr))
			}
			return master.Wrap(master.ErrProgramError, "PollUntilReady", fmt.Errorf("SR=%s", sr))
		}
		if !sr.WIP() {
			return nil
		}
		if time.Now().After(deadline) {
			return master.Wrap(master.ErrTimeout, "PollUntilReady", fmt.Errorf("WIP still set after %s", timeout))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// ErrProtectionUnsafeSR2 is returned by DisableWriteProtection for chips
// whose block-protect clear is known-unsafe without full SR1+SR2
// handling (see DESIGN.md).
var ErrProtectionUnsafeSR2 = fmt.Errorf("block-protect clear is unsafe on this SR2-controlled chip; pass AllowUnsafeSR2 to override")

// DisableOptions controls DisableWriteProtection's handling of the
// documented-unsafe SR2 case (spec §9 Open Question).
type DisableOptions struct {
	AllowUnsafeSR2 bool
}

// DisableWriteProtection implements spec §4.4's algorithm.
func (e *Engine) DisableWriteProtection(ctx context.Context, opts DisableOptions) error {
	sr, err := e.ReadSR1(ctx)
	if err != nil {
		return err
	}
	if !sr.AnyBlockProtect() && !sr.SRWD() {
		return nil
	}
	if e.policy.UnsafeSR2BlockProtect && !opts.AllowUnsafeSR2 {
		return master.Wrap(master.ErrWriteProtected, "DisableWriteProtection", ErrProtectionUnsafeSR2)
	}
	if sr.SRWD() && e.policy.WPPinAsserted != nil && e.policy.WPPinAsserted() {
		return master.Wrap(master.ErrWriteProtected, "DisableWriteProtection", fmt.Errorf("SRWD set and WP# asserted"))
	}

	newSR := byte(sr) &^ 0x1C // clear BP2..BP0
	if !(e.policy.WPPinAsserted != nil && e.policy.WPPinAsserted()) {
		newSR &^= 1 << 7 // also clear SRWD when WP# is not held low
	}
	if err := e.WriteStatus1(ctx, newSR); err != nil {
		return err
	}

	after, err := e.ReadSR1(ctx)
	if err != nil {
		return err
	}
	if after.AnyBlockProtect() {
		return master.Wrap(master.ErrProtectionStuck, "DisableWriteProtection", fmt.Errorf("SR=%s after clear", after))
	}
	return nil
}
