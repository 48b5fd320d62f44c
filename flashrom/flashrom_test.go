package flashrom

import (
	"context"
	"testing"

	"github.com/flashkit/spiflash/chip"
	"github.com/flashkit/spiflash/master"
	"github.com/flashkit/spiflash/opcode"
)

// memMaster is a tiny in-memory flash model: a backing byte array, a
// status register, and just enough opcode handling (WREN/RDSR/erase/
// byte-program/read) to drive flashrom's pipelines end-to-end without a
// real transport, the way the teacher's tests stub a Flash over a fake
// spi.Conn rather than hitting real hardware.
type memMaster struct {
	data []byte
	sr   byte
	wel  bool
}

func newMemMaster(size int) *memMaster {
	m := &memMaster{data: make([]byte, size)}
	for i := range m.data {
		m.data[i] = 0xFF
	}
	return m
}

func (m *memMaster) Command(ctx context.Context, write, read []byte) error {
	if len(write) == 0 {
		return nil
	}
	switch write[0] {
	case opcode.Get(opcode.TagWREN).Byte:
		m.wel = true
	case opcode.Get(opcode.TagRDSR).Byte:
		if len(read) == 1 {
			read[0] = m.sr
		}
	case opcode.Get(opcode.TagSectorErase).Byte, opcode.Get(opcode.TagSectorErase4BA).Byte:
		addr, n := addrFrom(write)
		eraseRange(m.data, int(addr), n, 4*1024)
		m.wel = false
	case opcode.Get(opcode.TagBlockErase64K).Byte:
		addr, n := addrFrom(write)
		eraseRange(m.data, int(addr), n, 64*1024)
		m.wel = false
	case opcode.Get(opcode.TagByteProgram).Byte, opcode.Get(opcode.TagByteProgram4BA).Byte:
		addr, n := addrFrom(write)
		payload := write[1+n:]
		copy(m.data[addr:], payload)
		m.wel = false
	case opcode.Get(opcode.TagRead).Byte:
		addr, n := addrFrom(write)
		copy(read, m.data[addr:addr+len(read)])
		_ = n
	}
	return nil
}

func addrFrom(write []byte) (uint32, int) {
	if len(write) >= 4 {
		return uint32(write[1])<<16 | uint32(write[2])<<8 | uint32(write[3]), 3
	}
	return 0, 0
}

func eraseRange(data []byte, addr, addrBytes int, gran int) {
	start := (addr / gran) * gran
	for i := start; i < start+gran && i < len(data); i++ {
		data[i] = 0xFF
	}
}

func (m *memMaster) MultiCommand(ctx context.Context, cmds []master.Command) error {
	return master.RunSequential(ctx, m, cmds)
}

func (m *memMaster) Read(ctx context.Context, buf []byte, addr uint32) error {
	copy(buf, m.data[addr:int(addr)+len(buf)])
	return nil
}
func (m *memMaster) Write256(ctx context.Context, buf []byte, addr uint32, pageSize int) error {
	return opcode.ChunkedWrite256(ctx, m, buf, addr, pageSize, false, nil)
}
func (m *memMaster) WriteAAI(ctx context.Context, buf []byte, addr uint32) error { return nil }
func (m *memMaster) Shutdown(ctx context.Context) error                         { return nil }
func (m *memMaster) Features() master.Features                                  { return master.FeatureNo4BAModes }
func (m *memMaster) Limits() master.Limits {
	return master.Limits{MaxDataWrite: 1 << 16, MaxDataRead: 1 << 16}
}

func testChip() *chip.FlashChip {
	c := &chip.FlashChip{
		Name:           "test-16k",
		TotalSizeBytes: 16 * 1024,
		PageSize:       256,
		FeatureBits:    chip.FeatureWRSRRequiresWREN,
	}
	c.BlockErasers[0] = chip.BlockEraser{OpcodeTag: opcode.TagSectorErase, Layout: []chip.EraseRegion{{Size: 4 * 1024, Count: 4}}}
	c.BlockErasers[1] = chip.BlockEraser{OpcodeTag: opcode.TagBlockErase64K, Layout: []chip.EraseRegion{{Size: 64 * 1024, Count: 0}}}
	c.Timing.PageProgram = int64(1)
	c.Timing.Erase4KiB = int64(1)
	c.Timing.Erase64KiB = int64(1)
	return c
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	m := newMemMaster(16 * 1024)
	fc, err := Bind(testChip(), m, nil)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	payload := []byte("hello flash world")
	if err := fc.Write(context.Background(), payload, 0x1000, WriteOptions{Verify: true}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got := make([]byte, len(payload))
	if err := fc.Read(context.Background(), got, 0x1000); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("roundtrip mismatch: got %q want %q", got, payload)
	}
}

func TestEraseRegionPicksSmallestEraser(t *testing.T) {
	m := newMemMaster(16 * 1024)
	fc, err := Bind(testChip(), m, nil)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	for i := range m.data {
		m.data[i] = 0xAA
	}
	if err := fc.EraseRegion(context.Background(), 0x1000, 16, false); err != nil {
		t.Fatalf("EraseRegion: %v", err)
	}
	for i := 0x1000; i < 0x2000; i++ {
		if m.data[i] != 0xFF {
			t.Fatalf("expected byte %d erased to 0xFF, got 0x%02x", i, m.data[i])
		}
	}
	if m.data[0] != 0xAA {
		t.Fatalf("expected untouched region to remain 0xAA")
	}
}

func TestReadModifyWriteErasePreservesNeighboringData(t *testing.T) {
	m := newMemMaster(16 * 1024)
	fc, err := Bind(testChip(), m, nil)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	sentinel := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	// 0x2010 sits in the 4KiB block after the one covering 0x1000, so it
	// must survive a read-modify-write erase targeting 0x1000.
	if err := fc.Write(context.Background(), sentinel, 0x2010, WriteOptions{}); err != nil {
		t.Fatalf("seed write: %v", err)
	}
	payload := []byte{1, 2, 3, 4}
	if err := fc.Write(context.Background(), payload, 0x1000, WriteOptions{ReadModifyWrite: true}); err != nil {
		t.Fatalf("Write with ReadModifyWrite: %v", err)
	}
	got := make([]byte, 4)
	if err := fc.Read(context.Background(), got, 0x1000); err != nil {
		t.Fatalf("Read: %v", err)
	}
	for i, b := range got {
		if b != payload[i] {
			t.Fatalf("expected written payload at 0x1000, got %v", got)
		}
	}
	neighbor := make([]byte, 4)
	if err := fc.Read(context.Background(), neighbor, 0x2010); err != nil {
		t.Fatalf("Read neighbor: %v", err)
	}
	for i, b := range neighbor {
		if b != sentinel[i] {
			t.Fatalf("expected untouched sentinel at 0x2010, got %v", neighbor)
		}
	}
}
