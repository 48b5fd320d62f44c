// Package serialpins bit-bangs SPI over a serial port's RS-232 modem
// control lines (RTS/DTR drive CS/SCK/MOSI, CTS/DSR/DCD read MISO), the
// classic "dumbbang" cable wiring used by several flashrom LPT/serial
// programmers.
//
// Port setup (open, raw mode, baud) follows tinkerator-qftool/qftool.go's
// use of github.com/pkg/term (term.Open(tty, term.Speed(...),
// term.RawMode)); qftool.go's own protocol never toggles modem control
// lines directly, so the TIOCM bit-bang itself is grounded on the
// standard Unix ioctl technique via golang.org/x/sys/unix, already an
// indirect dependency of this module through periph.io/x/host.
package serialpins

import (
	"fmt"
	"os"

	"github.com/pkg/term"
	"golang.org/x/sys/unix"

	"github.com/flashkit/spiflash/transport/bitbang"
)

// LineMap assigns each bit-bang signal to a modem control line. Most
// dumbbang cables use RTS for SCK and DTR for MOSI, reading MISO back on
// CTS; CS is often tied permanently low at the cable and is then a no-op
// here (set CSLine to 0 to skip it).
type LineMap struct {
	CSLine, SCKLine, MOSILine int // unix.TIOCM_RTS, TIOCM_DTR, ...
	MISOLine                  int // unix.TIOCM_CTS, TIOCM_DSR, TIOCM_CD
}

// DefaultLineMap matches the wiring most LPT-era serial bit-bang cables
// use: RTS drives SCK, DTR drives MOSI, CTS reads MISO, CS tied low at
// the cable (so CSLine is 0, a no-op).
var DefaultLineMap = LineMap{
	SCKLine:  unix.TIOCM_RTS,
	MOSILine: unix.TIOCM_DTR,
	MISOLine: unix.TIOCM_CTS,
}

// Open opens tty in raw mode at baud (mirroring qftool.go's term.Open
// call) and returns a bitbang.PinSet driving lines over its modem
// control bits.
func Open(tty string, baud int, lines LineMap) (bitbang.PinSet, error) {
	t, err := term.Open(tty, term.Speed(baud), term.RawMode)
	if err != nil {
		return nil, fmt.Errorf("serialpins: open %s: %w", tty, err)
	}
	f, err := os.OpenFile(tty, os.O_RDWR, 0)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("serialpins: reopen %s for line control: %w", tty, err)
	}
	return &pinAdapter{term: t, fd: int(f.Fd()), ctlFile: f, lines: lines}, nil
}

type pinAdapter struct {
	term    *term.Term
	fd      int
	ctlFile *os.File
	lines   LineMap
	state   int
}

func (a *pinAdapter) set(line int, high bool) error {
	if line == 0 {
		return nil
	}
	if high {
		a.state |= line
	} else {
		a.state &^= line
	}
	return unix.IoctlSetInt(a.fd, unix.TIOCMSET, a.state)
}

func (a *pinAdapter) SetCS(high bool) error   { return a.set(a.lines.CSLine, high) }
func (a *pinAdapter) SetSCK(high bool) error  { return a.set(a.lines.SCKLine, high) }
func (a *pinAdapter) SetMOSI(high bool) error { return a.set(a.lines.MOSILine, high) }

func (a *pinAdapter) GetMISO() (bool, error) {
	bits, err := unix.IoctlGetInt(a.fd, unix.TIOCMGET)
	if err != nil {
		return false, err
	}
	return bits&a.lines.MISOLine != 0, nil
}

// Close releases both file handles Open acquired.
func (a *pinAdapter) Close() error {
	cerr := a.ctlFile.Close()
	if terr := a.term.Close(); terr != nil {
		return terr
	}
	return cerr
}
