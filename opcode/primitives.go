package opcode

import (
	"context"
	"fmt"
	"time"

	"github.com/flashkit/spiflash/binutil"
	"github.com/flashkit/spiflash/master"
)

// buildCommand assembles the write buffer for op at addr: the opcode
// byte, op.AddrBytes address bytes, op.DummyBytes zero bytes, then
// payload (nil for reads, whose response the caller collects through
// Command's read buffer).
func buildCommand(op Opcode, addr uint32, payload []byte) []byte {
	buf := make([]byte, 0, 1+op.AddrBytes+op.DummyBytes+len(payload))
	buf = append(buf, op.Byte)
	buf = binutil.PackAddr(buf, addr, op.AddrBytes)
	for i := 0; i < op.DummyBytes; i++ {
		buf = append(buf, 0)
	}
	buf = append(buf, payload...)
	return buf
}

// Simple issues a no-address, no-payload opcode (WREN, WRDI, EWSR,
// ENTER_4BA, EXIT_4BA, reset sequence members, POWER_DOWN).
func Simple(ctx context.Context, m master.Master, t Tag) error {
	op := Get(t)
	return m.Command(ctx, []byte{op.Byte}, nil)
}

// WriteEnable issues WREN (spec §4.2); callers needing EWSR instead use
// Simple(ctx, m, TagEWSR) directly, per the chip's feature bits.
func WriteEnable(ctx context.Context, m master.Master) error {
	return Simple(ctx, m, TagWREN)
}

// WriteDisable issues WRDI.
func WriteDisable(ctx context.Context, m master.Master) error {
	return Simple(ctx, m, TagWRDI)
}

// ReadJEDECID issues RDID (0x9F) and returns the 3-byte manufacturer+device
// ID, the preferred probe per spec §4.6.
func ReadJEDECID(ctx context.Context, m master.Master) ([3]byte, error) {
	var id [3]byte
	buf := make([]byte, 3)
	if err := m.Command(ctx, []byte{Get(TagRDID).Byte}, buf); err != nil {
		return id, master.Wrap(master.ErrTransport, "RDID", err)
	}
	copy(id[:], buf)
	return id, nil
}

// ReadREMS issues REMS (0x90 a a a) and returns the legacy 2-byte
// manufacturer+device ID.
func ReadREMS(ctx context.Context, m master.Master) ([2]byte, error) {
	var id [2]byte
	write := buildCommand(Get(TagREMS), 0, nil)
	buf := make([]byte, 2)
	if err := m.Command(ctx, write, buf); err != nil {
		return id, master.Wrap(master.ErrTransport, "REMS", err)
	}
	copy(id[:], buf)
	return id, nil
}

// ReadRES issues RES (0xAB 0 0 0) and returns the oldest, 1-byte device ID.
func ReadRES(ctx context.Context, m master.Master) (byte, error) {
	write := buildCommand(Get(TagRES), 0, nil)
	buf := make([]byte, 1)
	if err := m.Command(ctx, write, buf); err != nil {
		return 0, master.Wrap(master.ErrTransport, "RES", err)
	}
	return buf[0], nil
}

// ReadStatus reads a status register by tag (RDSR/RDSR2/RDSR3).
func ReadStatus(ctx context.Context, m master.Master, t Tag) (byte, error) {
	op := Get(t)
	buf := make([]byte, 1)
	if err := m.Command(ctx, []byte{op.Byte}, buf); err != nil {
		return 0, master.Wrap(master.ErrTransport, op.Name, err)
	}
	return buf[0], nil
}

// WriteStatus writes one or two status-register bytes via WRSR (0x01).
// data must be length 1 (SR1 only) or 2 (SR1+SR2). Callers must issue
// WriteEnable (or EWSR) within the same MultiCommand to preserve the
// ordering guarantee of spec §5.
func WriteStatus(ctx context.Context, m master.Master, data []byte) error {
	if len(data) != 1 && len(data) != 2 {
		return master.Wrap(master.ErrInvalidLength, "WRSR", fmt.Errorf("status data must be 1 or 2 bytes, got %d", len(data)))
	}
	write := append([]byte{Get(TagWRSR).Byte}, data...)
	return m.Command(ctx, write, nil)
}

// readTag picks the READ or FAST_READ opcode, in its 3BA or 4BA variant.
func readTag(fourBA, fast bool) Tag {
	switch {
	case fourBA && fast:
		return TagFastRead4BA
	case fourBA && !fast:
		return TagRead4BA
	case !fourBA && fast:
		return TagFastRead
	default:
		return TagRead
	}
}

// ReadNBytes issues a single READ/FAST_READ[_4BA] command for up to the
// master's MaxDataRead bytes. Chunking across multiple transactions is
// the caller's responsibility (flashrom.Read / the default Read helper
// below), matching spec §4.1's "default: issue READ via command in
// chunks" contract.
func ReadNBytes(ctx context.Context, m master.Master, buf []byte, addr uint32, fourBA, fast bool) error {
	op := Get(readTag(fourBA, fast))
	write := buildCommand(op, addr, nil)
	read := make([]byte, len(buf))
	if err := m.Command(ctx, write, read); err != nil {
		return master.WrapRegion(master.ErrTransport, op.Name, int64(addr), int64(len(buf)), err)
	}
	copy(buf, read)
	return nil
}

// ChunkedRead is the default Master.Read behavior of spec §4.1: split buf
// into MaxDataRead-sized chunks (minus the command's own framing
// overhead) and issue ReadNBytes per chunk.
func ChunkedRead(ctx context.Context, m master.Master, buf []byte, addr uint32, fourBA, fast bool) error {
	op := Get(readTag(fourBA, fast))
	overhead := 1 + op.AddrBytes + op.DummyBytes
	maxData := m.Limits().MaxDataRead - overhead
	if maxData <= 0 {
		return master.Wrap(master.ErrInvalidLength, "ChunkedRead", fmt.Errorf("master read limit %d too small for overhead %d", m.Limits().MaxDataRead, overhead))
	}
	off := 0
	for off < len(buf) {
		n := min(len(buf)-off, maxData)
		if err := ReadNBytes(ctx, m, buf[off:off+n], addr, fourBA, fast); err != nil {
			return err
		}
		addr += uint32(n)
		off += n
	}
	return nil
}

// ByteProgram issues BYTE_PROGRAM[_4BA] with WREN in the same
// MultiCommand, satisfying the "WREN must precede its matching write
// opcode within the same multicommand" ordering guarantee of spec §5.
func ByteProgram(ctx context.Context, m master.Master, addr uint32, data []byte, fourBA bool) error {
	tag := TagByteProgram
	if fourBA {
		tag = TagByteProgram4BA
	}
	op := Get(tag)
	write := buildCommand(op, addr, data)
	cmds := []master.Command{
		{Write: []byte{Get(TagWREN).Byte}},
		{Write: write},
	}
	if err := m.MultiCommand(ctx, cmds); err != nil {
		return master.WrapRegion(master.ErrTransport, op.Name, int64(addr), int64(len(data)), err)
	}
	return nil
}

// ChunkedWrite256 is the default Master.Write256 behavior: chunk buf by
// pageSize and by the master's MaxDataWrite (minus opcode+address
// overhead), issuing one ByteProgram per chunk. It does not poll for
// completion — that is the status-engine's job, invoked by flashrom
// between chunks.
func ChunkedWrite256(ctx context.Context, m master.Master, buf []byte, addr uint32, pageSize int, fourBA bool, afterChunk func(chunkAddr uint32, n int) error) error {
	tag := TagByteProgram
	if fourBA {
		tag = TagByteProgram4BA
	}
	op := Get(tag)
	overhead := 1 + op.AddrBytes
	maxData := m.Limits().MaxDataWrite - overhead
	if maxData <= 0 {
		return master.Wrap(master.ErrInvalidLength, "ChunkedWrite256", fmt.Errorf("master write limit %d too small for overhead %d", m.Limits().MaxDataWrite, overhead))
	}
	if pageSize > 0 && pageSize < maxData {
		maxData = pageSize
	}

	off := 0
	for off < len(buf) {
		n := min(len(buf)-off, maxData)
		if pageSize > 0 {
			// never cross a page boundary within one chunk
			untilPageEnd := pageSize - int(addr)%pageSize
			if untilPageEnd < n {
				n = untilPageEnd
			}
		}
		if err := ByteProgram(ctx, m, addr, buf[off:off+n], fourBA); err != nil {
			return err
		}
		if afterChunk != nil {
			if err := afterChunk(addr, n); err != nil {
				return err
			}
		}
		addr += uint32(n)
		off += n
	}
	return nil
}

// AAIWordProgram issues one AAI program cycle. The first cycle carries a
// 3-byte address plus 2 data bytes; subsequent cycles in the same stream
// carry only the opcode plus 2 data bytes and auto-increment on chip.
// Legacy SST AAI devices are always 3BA, per spec §4.1/§4.2.
func AAIWordProgram(ctx context.Context, m master.Master, addr uint32, data []byte, first bool) error {
	op := Get(TagAAIWordProgram)
	var write []byte
	if first {
		write = buildCommand(op, addr, data)
	} else {
		write = append([]byte{op.Byte}, data...)
	}
	cmds := []master.Command{
		{Write: []byte{Get(TagWREN).Byte}},
		{Write: write},
	}
	if err := m.MultiCommand(ctx, cmds); err != nil {
		return master.WrapRegion(master.ErrTransport, op.Name, int64(addr), int64(len(data)), err)
	}
	return nil
}

// eraseTagFor picks the opcode tag for one of the three erase
// granularities, 3BA or 4BA.
func eraseTagFor(sizeTag Tag, fourBA bool) Tag {
	if !fourBA {
		return sizeTag
	}
	switch sizeTag {
	case TagSectorErase:
		return TagSectorErase4BA
	case TagBlockErase32K:
		return TagBlockErase32K4BA
	case TagBlockErase64K:
		return TagBlockErase64K4BA
	default:
		return sizeTag
	}
}

// Erase issues one erase opcode (sector/block/chip) at addr, with WREN in
// the same multicommand. Chip erase ignores addr.
func Erase(ctx context.Context, m master.Master, sizeTag Tag, addr uint32, fourBA bool) error {
	tag := eraseTagFor(sizeTag, fourBA)
	op := Get(tag)
	var write []byte
	if op.AddrBytes == 0 {
		write = []byte{op.Byte}
	} else {
		write = buildCommand(op, addr, nil)
	}
	cmds := []master.Command{
		{Write: []byte{Get(TagWREN).Byte}},
		{Write: write},
	}
	if err := m.MultiCommand(ctx, cmds); err != nil {
		return master.WrapRegion(master.ErrTransport, op.Name, int64(addr), 0, err)
	}
	return nil
}

// LegacyReset issues the 0x66/0x99 enable+reset sequence used to recover
// from a stuck device after a program/erase error (spec §4.2), falling
// back to the single-byte 0xF0 reset some vendors use instead.
func LegacyReset(ctx context.Context, m master.Master) error {
	if err := Simple(ctx, m, TagResetEnable); err != nil {
		return Simple(ctx, m, TagLegacyReset)
	}
	return Simple(ctx, m, TagReset)
}

// PollTimings are the status-poll interval/timeout pairs named in spec
// §4.2 and exercised in the concrete scenarios of spec §8.
var (
	PollIntervalProgram = 10 * time.Microsecond
	PollIntervalErase   = 10 * time.Millisecond
	PollIntervalBlock   = 100 * time.Millisecond
)
