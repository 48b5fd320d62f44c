// Package master defines the SPI master abstraction that every transport
// (USB bridge, bit-bang GPIO, FTDI MPSSE, ...) implements. The opcode and
// flash layers above only ever talk to this interface.
package master

import "context"

// Master abstracts a transport capable of issuing raw SPI transactions. It
// is the single seam between the opcode/flash layers and any concrete
// hardware bridge.
//
// Implementations are not required to be thread-safe: a Master is owned by
// exactly one flashrom.Context at a time (spec §5).
type Master interface {
	// Command drives CS low, shifts write out MSB-first, then shifts
	// len(read) bytes in, then drives CS high. Either write or read may be
	// empty, never both.
	Command(ctx context.Context, write []byte, read []byte) error

	// MultiCommand submits cmds such that no other SPI transaction may
	// interleave between them. Callers rely on this for WREN-then-write
	// atomicity. The default behavior, RunSequential, just loops over
	// Command; masters with no multi-command support call it from here.
	MultiCommand(ctx context.Context, cmds []Command) error

	// Read reads len(buf) bytes starting at addr using the master's
	// preferred (fast-)read opcode, chunking internally to honor
	// MaxDataRead.
	Read(ctx context.Context, buf []byte, addr uint32) error

	// Write256 programs buf at addr using the page-program opcode,
	// chunking on page boundaries and MaxDataWrite.
	Write256(ctx context.Context, buf []byte, addr uint32, pageSize int) error

	// WriteAAI performs an auto-address-increment word program, for
	// legacy SST-style chips.
	WriteAAI(ctx context.Context, buf []byte, addr uint32) error

	// Shutdown releases any transport resource. An owning Context calls
	// it once from its Shutdown, after running its teardown LIFO.
	Shutdown(ctx context.Context) error

	// Features reports the capability bitset this master advertises.
	Features() Features

	// Limits reports the master's own per-transaction size caps,
	// inclusive of the master's framing overhead.
	Limits() Limits
}

// Command is one write/read pair, as submitted to MultiCommand.
type Command struct {
	Write []byte
	Read  []byte
}

// Limits describes the maximum write and read sizes a Master can carry in
// a single Command, including any opcode/address/framing bytes.
type Limits struct {
	MaxDataWrite int
	MaxDataRead  int
}

// Features is a capability bitset advertised by a Master (spec §4.1).
type Features uint32

const (
	// FeatureSupports4BA means the master can transmit 4-byte-address
	// opcodes directly (native 4BA).
	FeatureSupports4BA Features = 1 << iota
	// FeatureNo4BAModes means the master must never attempt any 4BA
	// mechanism (B7/E9 or EAR) on the wire.
	FeatureNo4BAModes
	// FeatureFastRead4BA means the master's Read implementation issues a
	// 4-byte-address fast-read opcode directly.
	FeatureFastRead4BA
	// FeatureFullDuplex means the master can read and write the same
	// clock cycles simultaneously (used by framed-USB full-duplex mode).
	FeatureFullDuplex
)

func (f Features) Has(bit Features) bool { return f&bit != 0 }

// RunSequential is the default MultiCommand behavior: submit cmds one at a
// time via m.Command. Masters whose transport can do no better call this
// from their own MultiCommand method; masters that can batch several
// commands in one round-trip (e.g. framed USB) implement it directly
// instead.
func RunSequential(ctx context.Context, m Master, cmds []Command) error {
	for _, c := range cmds {
		if err := m.Command(ctx, c.Write, c.Read); err != nil {
			return err
		}
	}
	return nil
}
