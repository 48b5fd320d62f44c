// Package bitbang implements the generic four-line bit-bang master of
// spec §4.7.2: drive CS/SCK/MOSI and sample MISO one bit at a time,
// mode-0 (CPOL=0, CPHA=0), over whatever pin provider a concrete
// transport supplies.
//
// Grounded on original_source/rayer_spi.c and developerbox_spi.c, whose
// per-adapter drivers all reduce to the same four callbacks
// (set_cs/set_sck/set_mosi/get_miso) plus a half_period delay — exactly
// the shape PinSet below generalizes.
package bitbang

import (
	"context"
	"errors"
	"time"

	"github.com/flashkit/spiflash/master"
	"github.com/flashkit/spiflash/opcode"
)

// PinSet is the four raw pins a bit-bang transport drives, the
// generalization of rayer_spi.c's struct bitbang_spi_master callbacks.
type PinSet interface {
	SetCS(high bool) error
	SetSCK(high bool) error
	SetMOSI(high bool) error
	GetMISO() (bool, error)
}

// Config controls the bit-bang clock's half-period delay (spec §4.7.2:
// "a fixed half-period idle between edges"); zero means no explicit
// delay, matching rayer_spi.c's own default half_period of 0 (regular
// LPT port I/O is slow enough on its own).
type Config struct {
	HalfPeriod time.Duration
	limit      master.Limits
}

// maxTransferSize is the per-transaction cap this package advertises by
// default: shifting one more byte costs nothing but time, so unlike a
// framed-USB or MPSSE master there is no real per-transaction ceiling.
// Config's limit field is unexported, so every Master built by New
// advertises this cap.
const maxTransferSize = 1 << 24

func (c Config) withDefaults() Config {
	if c.limit.MaxDataWrite == 0 {
		c.limit.MaxDataWrite = maxTransferSize
	}
	if c.limit.MaxDataRead == 0 {
		c.limit.MaxDataRead = maxTransferSize
	}
	return c
}

// Master implements master.Master by shifting bits out MOSI and in MISO
// directly, framed by CS, over an arbitrary PinSet.
type Master struct {
	pins PinSet
	cfg  Config
}

// New wraps pins as a master.Master. Callers own pins' lifecycle; Master
// never closes it (Shutdown only releases CS high, mirroring
// rayer_bitbang_set_cs's idle-high convention).
func New(pins PinSet, cfg Config) *Master {
	return &Master{pins: pins, cfg: cfg.withDefaults()}
}

func (m *Master) delay() {
	if m.cfg.HalfPeriod > 0 {
		time.Sleep(m.cfg.HalfPeriod)
	}
}

// Command drives one half-duplex transaction: CS low, shift write out
// MSB-first, shift len(read) bytes in, CS high.
func (m *Master) Command(ctx context.Context, write, read []byte) error {
	if err := m.pins.SetCS(false); err != nil {
		return master.Wrap(master.ErrTransport, "bitbang.Command", err)
	}
	defer m.pins.SetCS(true)

	for _, b := range write {
		if _, err := m.shiftByte(b); err != nil {
			return master.Wrap(master.ErrTransport, "bitbang.Command", err)
		}
	}
	for i := range read {
		b, err := m.shiftByte(0xFF)
		if err != nil {
			return master.Wrap(master.ErrTransport, "bitbang.Command", err)
		}
		read[i] = b
	}
	return nil
}

// shiftByte clocks one byte MSB-first: MOSI is set while SCK is low,
// SCK rises (the peripheral latches MOSI and drives MISO), MISO is
// sampled, then SCK falls — standard mode-0 framing.
func (m *Master) shiftByte(out byte) (byte, error) {
	var in byte
	for bit := 7; bit >= 0; bit-- {
		if err := m.pins.SetMOSI(out&(1<<uint(bit)) != 0); err != nil {
			return 0, err
		}
		m.delay()
		if err := m.pins.SetSCK(true); err != nil {
			return 0, err
		}
		m.delay()
		hi, err := m.pins.GetMISO()
		if err != nil {
			return 0, err
		}
		if hi {
			in |= 1 << uint(bit)
		}
		if err := m.pins.SetSCK(false); err != nil {
			return 0, err
		}
	}
	return in, nil
}

func (m *Master) MultiCommand(ctx context.Context, cmds []master.Command) error {
	return master.RunSequential(ctx, m, cmds)
}

// Read and Write256 are the plain 3-byte-address default behaviors;
// flashrom.Context never calls them, instead driving opcode.ReadNBytes/
// opcode.ByteProgram directly with the fourBA flag its addressing
// manager resolves per chunk. A caller using this Master without a
// Context must stay within 3-byte addressing (chips up to 16MiB).
func (m *Master) Read(ctx context.Context, buf []byte, addr uint32) error {
	return opcode.ChunkedRead(ctx, m, buf, addr, false, false)
}

func (m *Master) Write256(ctx context.Context, buf []byte, addr uint32, pageSize int) error {
	return opcode.ChunkedWrite256(ctx, m, buf, addr, pageSize, false, nil)
}

func (m *Master) WriteAAI(ctx context.Context, buf []byte, addr uint32) error {
	return master.Wrap(master.ErrUnsupported, "WriteAAI", errors.New("bitbang masters do not implement AAI word program"))
}

func (m *Master) Shutdown(ctx context.Context) error {
	return m.pins.SetCS(true)
}

// Features advertises native 4BA support: a bit-bang master shifts
// whatever address width the opcode layer asks for, so unlike a fixed
// framed-USB protocol it never needs the chip to toggle into 4BA mode
// (spec §4.7.2).
func (m *Master) Features() master.Features { return master.FeatureSupports4BA }

func (m *Master) Limits() master.Limits { return m.cfg.limit }
