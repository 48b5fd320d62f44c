package sfdp

import (
	"context"
	"testing"

	"github.com/flashkit/spiflash/master"
	"github.com/flashkit/spiflash/opcode"
)

// blobMaster serves SFDP_READ (0x5A) commands out of a fixed byte slice,
// the way a real chip serves SFDP from an internal ROM region.
type blobMaster struct {
	data []byte
}

func (b *blobMaster) Command(ctx context.Context, write, read []byte) error {
	if len(write) < 5 || write[0] != opcode.Get(opcode.TagSFDPRead).Byte {
		return nil
	}
	addr := int(write[1])<<16 | int(write[2])<<8 | int(write[3])
	copy(read, b.data[addr:addr+len(read)])
	return nil
}
func (b *blobMaster) MultiCommand(ctx context.Context, cmds []master.Command) error {
	return master.RunSequential(ctx, b, cmds)
}
func (b *blobMaster) Read(ctx context.Context, buf []byte, addr uint32) error         { return nil }
func (b *blobMaster) Write256(ctx context.Context, buf []byte, addr uint32, p int) error { return nil }
func (b *blobMaster) WriteAAI(ctx context.Context, buf []byte, addr uint32) error     { return nil }
func (b *blobMaster) Shutdown(ctx context.Context) error                             { return nil }
func (b *blobMaster) Features() master.Features                                      { return 0 }
func (b *blobMaster) Limits() master.Limits {
	return master.Limits{MaxDataWrite: 1 << 16, MaxDataRead: 1 << 16}
}

func putDWord(buf []byte, i int, v uint32) {
	buf[4*i+0] = byte(v)
	buf[4*i+1] = byte(v >> 8)
	buf[4*i+2] = byte(v >> 16)
	buf[4*i+3] = byte(v >> 24)
}

// buildImage assembles a minimal one-header (JEDEC table only) SFDP
// image: 8-byte NPH header, one 8-byte parameter header, then the JEDEC
// table itself at a fixed pointer.
func buildImage(jedec []byte) []byte {
	const jedecPtr = 16
	buf := make([]byte, jedecPtr+len(jedec))
	copy(buf[0:4], "SFDP")
	buf[4] = 0 // minor
	buf[5] = 1 // major
	buf[6] = 0 // NPH - 1 => one header
	buf[7] = 0xFF

	buf[8] = 0x00 // id 0: JEDEC table
	buf[9] = 0
	buf[10] = 1
	buf[11] = byte(len(jedec) / 4)
	buf[12] = byte(jedecPtr)
	buf[13] = byte(jedecPtr >> 8)
	buf[14] = byte(jedecPtr >> 16)
	buf[15] = 0

	copy(buf[jedecPtr:], jedec)
	return buf
}

func baseJEDEC() []byte {
	jedec := make([]byte, 9*4)
	// DW1: 3-byte-optionally-4-byte addressing (0x1<<17), WREN-required
	// volatile SR (bits 3+4 set), 64B write chunks (bit 2), 4k erase with
	// opcode 0x20 at bits [15:8].
	dw1 := uint32(0x1<<17) | uint32(1<<3) | uint32(1<<4) | uint32(1<<2) | uint32(0x1) | uint32(0x20)<<8
	putDWord(jedec, 0, dw1)
	// DW2: size = 16Mbit (2MiB) => total_bits-1 = 16*1024*1024 - 1
	putDWord(jedec, 1, 16*1024*1024-1)
	// DW8 (index 7): two erase types: 32KiB/0x52, 64KiB/0xD8
	jedec[4*7+0] = 15 // 2^15 = 32768
	jedec[4*7+1] = 0x52
	jedec[4*7+2] = 16 // 2^16 = 65536
	jedec[4*7+3] = 0xD8
	return jedec
}

func TestReadParsesJEDECTable(t *testing.T) {
	m := &blobMaster{data: buildImage(baseJEDEC())}
	tbl, err := Read(context.Background(), m, 4)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if tbl.TotalSizeBytes != 2*1024*1024 {
		t.Fatalf("expected 2MiB, got %d", tbl.TotalSizeBytes)
	}
	if tbl.WriteMechanism != WriteMechanismWREN {
		t.Fatalf("expected WREN write mechanism, got %v", tbl.WriteMechanism)
	}
	if tbl.PageSize != 64 {
		t.Fatalf("expected 64B page size, got %d", tbl.PageSize)
	}
	wantErasers := map[uint32]byte{4096: 0x20, 32768: 0x52, 65536: 0xD8}
	if len(tbl.Erasers) != len(wantErasers) {
		t.Fatalf("expected %d erasers, got %d: %+v", len(wantErasers), len(tbl.Erasers), tbl.Erasers)
	}
	for _, e := range tbl.Erasers {
		if wantErasers[e.Size] != e.Opcode {
			t.Fatalf("unexpected eraser %+v", e)
		}
	}
}

func TestReadRejectsOversizeChip(t *testing.T) {
	jedec := baseJEDEC()
	putDWord(jedec, 1, 1<<31) // MSB set: >= 4Gbit
	m := &blobMaster{data: buildImage(jedec)}
	_, err := Read(context.Background(), m, 4)
	if err != ErrSizeTooLarge {
		t.Fatalf("expected ErrSizeTooLarge, got %v", err)
	}
}

func TestReadRejects4BAOnlyAddressing(t *testing.T) {
	jedec := baseJEDEC()
	dw1 := dword(jedec, 0)
	dw1 &^= uint32(0x3) << 17
	dw1 |= uint32(0x2) << 17
	putDWord(jedec, 0, dw1)
	m := &blobMaster{data: buildImage(jedec)}
	_, err := Read(context.Background(), m, 4)
	if err != Err4BAOnly {
		t.Fatalf("expected Err4BAOnly, got %v", err)
	}
}

func TestReadRejectsBadSignature(t *testing.T) {
	img := buildImage(baseJEDEC())
	img[0] = 'X'
	m := &blobMaster{data: img}
	_, err := Read(context.Background(), m, 4)
	if err != ErrBadSignature {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestBitsToCounterDelay(t *testing.T) {
	cases := []struct {
		bits byte
		want uint32
	}{
		{0x05, 5},        // x1
		{0x15, 5 * 16},   // x16
		{0x25, 5 * 128},  // x128
		{0x35, 5 * 1000}, // x1000
	}
	for _, c := range cases {
		if got := bitsToCounterDelay(c.bits); got != c.want {
			t.Fatalf("bitsToCounterDelay(0x%02x) = %d, want %d", c.bits, got, c.want)
		}
	}
}
