package opcode

import (
	"context"
	"testing"

	"github.com/flashkit/spiflash/master"
)

// fakeMaster is a minimal in-memory master.Master that records every
// command it is asked to issue, the way a teacher test would stub out a
// transport instead of mocking a framework.
type fakeMaster struct {
	limits  master.Limits
	feats   master.Features
	sent    []master.Command
	sr      byte
	readErr error
}

func (f *fakeMaster) Command(ctx context.Context, write, read []byte) error {
	f.sent = append(f.sent, master.Command{Write: append([]byte(nil), write...), Read: read})
	if f.readErr != nil {
		return f.readErr
	}
	if len(write) > 0 && write[0] == Get(TagRDSR).Byte && len(read) == 1 {
		read[0] = f.sr
	}
	return nil
}

func (f *fakeMaster) MultiCommand(ctx context.Context, cmds []master.Command) error {
	return master.RunSequential(ctx, f, cmds)
}

func (f *fakeMaster) Read(ctx context.Context, buf []byte, addr uint32) error {
	return ChunkedRead(ctx, f, buf, addr, false, false)
}

func (f *fakeMaster) Write256(ctx context.Context, buf []byte, addr uint32, pageSize int) error {
	return ChunkedWrite256(ctx, f, buf, addr, pageSize, false, nil)
}

func (f *fakeMaster) WriteAAI(ctx context.Context, buf []byte, addr uint32) error { return nil }
func (f *fakeMaster) Shutdown(ctx context.Context) error                          { return nil }
func (f *fakeMaster) Features() master.Features                                   { return f.feats }
func (f *fakeMaster) Limits() master.Limits                                       { return f.limits }

func newFake() *fakeMaster {
	return &fakeMaster{limits: master.Limits{MaxDataWrite: 65536, MaxDataRead: 65536}}
}

func TestReadJEDECID(t *testing.T) {
	want := [3]byte{0xEF, 0x40, 0x18}
	adapter := &idMaster{fakeMaster: newFake(), id: want}
	id, err := ReadJEDECID(context.Background(), adapter)
	if err != nil {
		t.Fatalf("ReadJEDECID: %v", err)
	}
	if id != want {
		t.Fatalf("got %X want %X", id, want)
	}
}

// idMaster layers an RDID response on top of fakeMaster.
type idMaster struct {
	*fakeMaster
	id [3]byte
}

func (m *idMaster) Command(ctx context.Context, write, read []byte) error {
	m.sent = append(m.sent, master.Command{Write: append([]byte(nil), write...), Read: read})
	if len(write) > 0 && write[0] == Get(TagRDID).Byte && len(read) == 3 {
		copy(read, m.id[:])
	}
	return nil
}

func TestByteProgramEmitsWRENFirst(t *testing.T) {
	f := newFake()
	if err := ByteProgram(context.Background(), f, 0x000100, []byte{0xA5}, false); err != nil {
		t.Fatalf("ByteProgram: %v", err)
	}
	if len(f.sent) != 2 {
		t.Fatalf("expected 2 commands (WREN, BYTE_PROGRAM), got %d", len(f.sent))
	}
	if f.sent[0].Write[0] != Get(TagWREN).Byte {
		t.Fatalf("first command must be WREN, got %#x", f.sent[0].Write[0])
	}
	want := []byte{0x02, 0x00, 0x01, 0x00, 0xA5}
	if string(f.sent[1].Write) != string(want) {
		t.Fatalf("got % x want % x", f.sent[1].Write, want)
	}
}

func TestChunkedWrite256SplitsOnPageBoundary(t *testing.T) {
	f := newFake()
	data := make([]byte, 300)
	for i := range data {
		data[i] = byte(i)
	}
	// addr starts mid-page so the first chunk is short.
	if err := ChunkedWrite256(context.Background(), f, data, 0x10, 256, false, nil); err != nil {
		t.Fatalf("ChunkedWrite256: %v", err)
	}
	// Every even-indexed command is WREN, odd is BYTE_PROGRAM.
	programs := 0
	for i, c := range f.sent {
		if i%2 == 0 {
			if c.Write[0] != Get(TagWREN).Byte {
				t.Fatalf("command %d: expected WREN", i)
			}
			continue
		}
		if c.Write[0] != Get(TagByteProgram).Byte {
			t.Fatalf("command %d: expected BYTE_PROGRAM, got %#x", i, c.Write[0])
		}
		programs++
	}
	// 0x10..0x100 (240 bytes) then 0x100..0x13c (60 bytes) = 2 programs.
	if programs != 2 {
		t.Fatalf("expected 2 BYTE_PROGRAM frames for a page-crossing write, got %d", programs)
	}
}

func TestEraseEmitsWRENAndOpcode(t *testing.T) {
	f := newFake()
	if err := Erase(context.Background(), f, TagSectorErase, 0x001000, false); err != nil {
		t.Fatalf("Erase: %v", err)
	}
	if len(f.sent) != 2 || f.sent[1].Write[0] != 0x20 {
		t.Fatalf("expected WREN+SE(0x20), got %+v", f.sent)
	}
	want := []byte{0x20, 0x00, 0x10, 0x00}
	if string(f.sent[1].Write) != string(want) {
		t.Fatalf("got % x want % x", f.sent[1].Write, want)
	}
}

func TestWriteEARThenRestoreSequence(t *testing.T) {
	f := newFake()
	if err := WriteEAR(context.Background(), f, 0x01); err != nil {
		t.Fatalf("WriteEAR: %v", err)
	}
	if err := WriteEAR(context.Background(), f, 0x00); err != nil {
		t.Fatalf("WriteEAR restore: %v", err)
	}
	// [06][C5 01] then [06][C5 00], per spec §8 scenario 3.
	if len(f.sent) != 4 {
		t.Fatalf("expected 4 commands, got %d", len(f.sent))
	}
	if f.sent[1].Write[1] != 0x01 || f.sent[3].Write[1] != 0x00 {
		t.Fatalf("EAR values wrong: %+v", f.sent)
	}
}
