// Package ftdispi adapts an FTDI FT2232H/FT232H MPSSE port into a
// master.Master, for boards wired the way icebreaker-style FPGA
// programmers wire their SPI flash (CS/SCK/MOSI/MISO over ADBUS).
//
// Adapted from device.go's NewDevice/findFT2232H/connectSPI and flash.go's
// tx() CS-framing helper, generalized from one hardcoded Flash type to
// the master.Master contract spec §4.1 defines.
//
// # References
//
// FTDI (https://ftdichip.com/document/application-notes/)
//   - [FTDI-AN_108]: Command Processor for MPSSE and MCU Host Bus
//     Emulation Modes
//   - [FTDI-AN_114]: Interfacing FT2232H Hi-Speed Devices To SPI Bus
//   - [FTDI-AN_135]: FTDI MPSSE Basics
//   - [FTDI-DS_FT2232H]: FT2232H Hi-Speed Dual USB UART/FIFO IC Data Sheet
//
// FPGA
//   - [Lattice-EB82]: iCEstick User Manual
//   - [iCEBreaker]: iCEBreaker FPGA
//     (https://github.com/icebreaker-fpga/icebreaker/blob/master/hardware/v1.0e/icebreaker-sch.pdf)
package ftdispi

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/host/v3"
	"periph.io/x/host/v3/ftdi"

	"github.com/flashkit/spiflash/master"
	"github.com/flashkit/spiflash/opcode"
)

const (
	vendorIDFTDI   = 0x0403
	productIDFT2232H = 0x6010
)

var hostInitialized atomic.Bool

// Master drives SPI transactions over an FT2232H/FT232H's MPSSE engine,
// the same wiring device.go uses: D4 as chip-select, D0/D1/D2 given to
// the port's own SPI pins by periph.io.
type Master struct {
	ftdi *ftdi.FT232H
	cs   gpio.PinIO
	conn spi.Conn

	clock physic.Frequency
	limit master.Limits
}

// Config selects the clock rate and per-transaction size cap (spec
// §4.1's {max_data_read, max_data_write}); Open defaults both to the
// values device.go/flash.go hardcode (30MHz MPSSE clock, 64KiB FTDI
// transfer cap per [FTDI-AN_108]).
type Config struct {
	Clock        physic.Frequency
	MaxTransfer  int
}

func (c Config) withDefaults() Config {
	if c.Clock == 0 {
		c.Clock = 30 * physic.MegaHertz // [AN_135 3.2.1 Divisors]
	}
	if c.MaxTransfer == 0 {
		c.MaxTransfer = 65536 // [FTDI-AN_108]
	}
	return c
}

// Open finds the first FT2232H and connects SPI mode 0 over it, per
// device.go's NewDevice/connectSPI.
func Open(cfg Config) (*Master, error) {
	cfg = cfg.withDefaults()
	if hostInitialized.CompareAndSwap(false, true) {
		if _, err := host.Init(); err != nil {
			return nil, fmt.Errorf("host initialization failed: %w", err)
		}
	}

	ft, err := findFT2232H()
	if err != nil {
		return nil, master.Wrap(master.ErrTransport, "ftdispi.Open", err)
	}

	m := &Master{
		ftdi:  ft,
		cs:    ft.D4,
		clock: cfg.Clock,
		limit: master.Limits{MaxDataWrite: cfg.MaxTransfer, MaxDataRead: cfg.MaxTransfer},
	}
	if err := m.connectSPI(); err != nil {
		return nil, master.Wrap(master.ErrTransport, "ftdispi.Open", err)
	}
	return m, nil
}

func findFT2232H() (*ftdi.FT232H, error) {
	info := ftdi.Info{}
	for _, dev := range ftdi.All() {
		dev.Info(&info)
		if info.VenID != vendorIDFTDI || info.DevID != productIDFT2232H {
			continue
		}
		if ft, ok := dev.(*ftdi.FT232H); ok {
			return ft, nil
		}
	}
	return nil, errors.New("FT2232H not found")
}

func (m *Master) connectSPI() (err error) {
	port, err := m.ftdi.SPI()
	if err != nil {
		return fmt.Errorf("failed to get SPI port: %w", err)
	}
	// [FTDI AN_114|1.2]: FTDI's MPSSE engine only supports mode 0 and
	// mode 2; flash parts in this registry all accept mode 0.
	m.conn, err = port.Connect(m.clock, spi.Mode0, 8)
	return err
}

// tx frames one half-duplex transaction with CS low/high, mirroring
// flash.go's tx().
func (m *Master) tx(buf []byte) (err error) {
	if err = m.cs.Out(gpio.Low); err != nil {
		return err
	}
	defer func() {
		if csErr := m.cs.Out(gpio.High); csErr != nil && err == nil {
			err = csErr
		}
	}()
	return m.conn.Tx(buf, buf)
}

// Command implements master.Master. write and read never overlap in the
// caller's buffers; the MPSSE port only does full-duplex Tx(same-buf),
// so Command builds one combined buffer, the way flash.go's every
// method does (e.g. ReadID's buf[0]=opcode, buf[1:] dummy-then-result).
func (m *Master) Command(ctx context.Context, write, read []byte) error {
	buf := make([]byte, len(write)+len(read))
	copy(buf, write)
	if err := m.tx(buf); err != nil {
		return master.Wrap(master.ErrTransport, "Command", err)
	}
	copy(read, buf[len(write):])
	return nil
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
	return master.Wrap(master.ErrUnsupported, "WriteAAI", errors.New("FT2232H master does not implement AAI word program"))
}

func (m *Master) Shutdown(ctx context.Context) error {
	_ = m.cs.Out(gpio.High)
	return nil
}

func (m *Master) Features() master.Features { return 0 }

func (m *Master) Limits() master.Limits { return m.limit }
