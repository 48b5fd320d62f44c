// Package sfdp parses the JEDEC Serial Flash Discoverable Parameters
// table (JESD216) per spec §4.5: the SFDP header, the mandatory JEDEC
// flash parameter table, and the optional RPMC parameter table.
//
// Grounded on original_source/sfdp.c's spi_sfdp_read_sfdp/sfdp_fill_flash,
// reworked into explicit byte-slice parsing instead of C struct overlays.
package sfdp

import (
	"context"
	"fmt"

	"github.com/flashkit/spiflash/master"
	"github.com/flashkit/spiflash/opcode"
)

// header is one 8-byte parameter-table-pointer header entry, as laid out
// immediately after the 8-byte SFDP signature+revision header.
type header struct {
	id       uint16 // 1-byte ID plus, for id 0xFF, a second MSB byte (unused here)
	minor    byte
	major    byte
	lenDWord byte
	ptr      uint32 // 24-bit pointer into the SFDP address space
}

// Eraser is one usable erase granularity discovered in the JEDEC table,
// the Go analogue of original_source/sfdp.c's sfdp_add_uniform_eraser.
type Eraser struct {
	Size   uint32 // bytes
	Opcode byte
}

// RPMC carries the Replay Protected Monotonic Counter parameters of the
// optional id=3 table (original_source/sfdp.c's parse_rpmc_parameter_table).
type RPMC struct {
	BusyPollingMethod                byte
	NumCounters                      int
	Op1Opcode, Op2Opcode             byte
	UpdateRateSeconds                uint32
	PollReadCounterUS                uint32
	PollShortWriteCounterUS          uint32
	PollLongWriteCounterUS           uint32
}

// WriteMechanism records how the chip wants status-register writes
// enabled, decoded from the JEDEC table's bit 3/4 (spec §4.5).
type WriteMechanism int

const (
	WriteMechanismUnknown WriteMechanism = iota
	WriteMechanismWREN
	WriteMechanismEWSR
)

// Table is the parsed, chip-ready result of reading and decoding SFDP.
type Table struct {
	TotalSizeBytes int64
	ThreeByteOnly  bool // addressing field was 0x0: 3-byte only
	FourByteOnly   bool // addressing field was 0x2: unsupported by this stack
	WriteMechanism WriteMechanism
	PageSize       int // 64 or 256, per the write-chunk-size bit
	Erasers        []Eraser
	RPMC           *RPMC
}

var (
	// ErrBadSignature is returned when the SFDP signature doesn't read "SFDP".
	ErrBadSignature = fmt.Errorf("sfdp: bad signature")
	// ErrUnsupportedRevision is returned for an SFDP major revision other than 1.
	ErrUnsupportedRevision = fmt.Errorf("sfdp: unsupported major revision")
	// ErrNoJEDECTable is returned when the mandatory JEDEC table (id 0) is absent.
	ErrNoJEDECTable = fmt.Errorf("sfdp: no JEDEC flash parameter table (id 0)")
	// ErrSizeTooLarge is returned for chips >= 4Gbit/512MiB (spec §4.5,
	// DESIGN.md: "SFDP >512MiB kept rejected").
	ErrSizeTooLarge = fmt.Errorf("sfdp: flash size >= 512MiB is not supported")
	// Err4BAOnly is returned when the JEDEC table's addressing field says
	// 4-byte-only addressing, which original_source/sfdp.c also refuses.
	Err4BAOnly = fmt.Errorf("sfdp: 4-byte-only addressing is not supported")
)

const (
	sfdpSignature = "SFDP"
	headerLen     = 8
	nphHeaderLen  = 8
)

// Read fetches and parses the SFDP table over m, chunking reads by
// maxReadStep bytes (spec §4.5: tolerate transports with strict small
// read caps).
func Read(ctx context.Context, m master.Master, maxReadStep int) (*Table, error) {
	hdr := make([]byte, nphHeaderLen)
	if err := opcode.ReadSFDP(ctx, m, 0, hdr, maxReadStep); err != nil {
		return nil, err
	}
	if string(hdr[0:4]) != sfdpSignature {
		return nil, ErrBadSignature
	}
	minor, major := hdr[4], hdr[5]
	_ = minor
	if major != 1 {
		return nil, ErrUnsupportedRevision
	}
	nph := int(hdr[6]) + 1 // NPH: number of parameter headers minus 1

	headers := make([]header, 0, nph)
	for i := 0; i < nph; i++ {
		raw := make([]byte, headerLen)
		if err := opcode.ReadSFDP(ctx, m, uint32(nphHeaderLen+i*headerLen), raw, maxReadStep); err != nil {
			return nil, err
		}
		headers = append(headers, header{
			id:       uint16(raw[0]),
			minor:    raw[1],
			major:    raw[2],
			lenDWord: raw[3],
			ptr:      uint32(raw[4]) | uint32(raw[5])<<8 | uint32(raw[6])<<16,
		})
	}

	var jedec *header
	var rpmcHdr *header
	for i := range headers {
		switch headers[i].id {
		case 0x00:
			jedec = &headers[i]
		case 0x03:
			rpmcHdr = &headers[i]
		}
	}
	if jedec == nil {
		return nil, ErrNoJEDECTable
	}

	jbuf := make([]byte, int(jedec.lenDWord)*4)
	if err := opcode.ReadSFDP(ctx, m, jedec.ptr, jbuf, maxReadStep); err != nil {
		return nil, err
	}
	tbl, err := parseJEDECTable(jbuf)
	if err != nil {
		return nil, err
	}

	if rpmcHdr != nil {
		rbuf := make([]byte, int(rpmcHdr.lenDWord)*4)
		if err := opcode.ReadSFDP(ctx, m, rpmcHdr.ptr, rbuf, maxReadStep); err == nil {
			if r, ok := parseRPMCTable(rbuf); ok {
				tbl.RPMC = r
			}
		}
	}
	return tbl, nil
}

func dword(buf []byte, i int) uint32 {
	b := buf[4*i : 4*i+4]
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// parseJEDECTable decodes the mandatory JEDEC flash parameter table per
// spec §4.5, mirroring original_source/sfdp.c's sfdp_fill_flash.
func parseJEDECTable(buf []byte) (*Table, error) {
	if len(buf) < 2*4 {
		return nil, fmt.Errorf("sfdp: JEDEC table too short (%d bytes)", len(buf))
	}
	t := &Table{}

	dw1 := dword(buf, 0)
	switch (dw1 >> 17) & 0x3 {
	case 0x0:
		t.ThreeByteOnly = true
	case 0x1:
		// 3-byte, optionally also 4-byte: supported either way.
	case 0x2:
		return nil, Err4BAOnly
	default:
		return nil, fmt.Errorf("sfdp: unsupported addressing mode field 0x%x", (dw1>>17)&0x3)
	}

	if dw1&(1<<3) != 0 {
		if dw1&(1<<4) != 0 {
			t.WriteMechanism = WriteMechanismWREN
		} else {
			t.WriteMechanism = WriteMechanismEWSR
		}
	} else {
		t.WriteMechanism = WriteMechanismEWSR
	}

	if dw1&(1<<2) != 0 {
		t.PageSize = 64
	} else {
		t.PageSize = 256
	}

	var opcode4k byte
	has4k := false
	if dw1&0x3 == 0x1 {
		opcode4k = byte((dw1 >> 8) & 0xFF)
		has4k = true
	}

	dw2 := dword(buf, 1)
	if dw2&(1<<31) != 0 {
		return nil, ErrSizeTooLarge
	}
	totalBits := int64(dw2&0x7FFFFFFF) + 1
	totalBytes := totalBits / 8
	t.TotalSizeBytes = totalBytes

	if has4k {
		t.Erasers = append(t.Erasers, Eraser{Size: 4 * 1024, Opcode: opcode4k})
	}

	if len(buf) == 4*4 {
		// Preliminary Intel-era SFDP: DWs 3-9 absent.
		return t, nil
	}

	if len(buf) >= 9*4 {
		for j := 0; j < 4; j++ {
			sizeField := buf[4*7+j*2]
			opField := buf[4*7+j*2+1]
			if sizeField == 0 {
				continue
			}
			if sizeField >= 31 {
				continue
			}
			size := uint32(1) << sizeField
			t.Erasers = appendEraser(t.Erasers, Eraser{Size: size, Opcode: opField})
		}
	}
	return t, nil
}

// appendEraser de-duplicates by (size, opcode), matching
// sfdp_add_uniform_eraser's "don't add the same eraser twice" behavior.
func appendEraser(list []Eraser, e Eraser) []Eraser {
	for _, x := range list {
		if x.Size == e.Size && x.Opcode == e.Opcode {
			return list
		}
	}
	return append(list, e)
}

func bitsToCounterDelay(bits byte) uint32 {
	v := uint32(bits & 0xF)
	switch (bits & (0b11 << 4)) >> 4 {
	case 0b00:
		v *= 1
	case 0b01:
		v *= 16
	case 0b10:
		v *= 128
	case 0b11:
		v *= 1000
	}
	return v
}

// parseRPMCTable decodes the optional RPMC parameter table, mirroring
// original_source/sfdp.c's parse_rpmc_parameter_table.
func parseRPMCTable(buf []byte) (*RPMC, bool) {
	if len(buf) != 2*4 {
		return nil, false
	}
	first := dword(buf, 0)
	if first&0b1 != 0 {
		// Flash hardening not supported by this chip.
		return nil, false
	}
	r := &RPMC{
		BusyPollingMethod:  byte((first & (1 << 2)) >> 2),
		NumCounters:        int((first&(0xf<<4))>>4) + 1,
		Op1Opcode:          byte((first & (0xff << 8)) >> 8),
		Op2Opcode:          byte((first & (0xff << 16)) >> 16),
		UpdateRateSeconds:  5 * (uint32(1) << ((first & (0xf << 24)) >> 24)),
	}
	second := dword(buf, 1)
	r.PollReadCounterUS = bitsToCounterDelay(byte(second & 0xff))
	r.PollShortWriteCounterUS = bitsToCounterDelay(byte((second >> 8) & 0xff))
	r.PollLongWriteCounterUS = bitsToCounterDelay(byte((second>>16)&0xff)) * 1000
	return r, true
}
