package opcode

import (
	"context"

	"github.com/flashkit/spiflash/master"
)

// ReadSFDPChunk issues one SFDP read (0x5A addr24 dummy) for len(buf)
// bytes, mirroring original_source/sfdp.c's spi_sfdp_read_sfdp_chunk.
func ReadSFDPChunk(ctx context.Context, m master.Master, addr uint32, buf []byte) error {
	op := Get(TagSFDPRead)
	write := buildCommand(op, addr, nil)
	read := make([]byte, len(buf))
	if err := m.Command(ctx, write, read); err != nil {
		return master.WrapRegion(master.ErrTransport, op.Name, int64(addr), int64(len(buf)), err)
	}
	copy(buf, read)
	return nil
}

// ReadSFDP reads len(buf) bytes of SFDP data starting at addr, chunking
// internally by maxStep to tolerate transports with strict per-transfer
// read caps (spec §4.5: "must tolerate transports with strict 2-byte-at-
// a-time read caps").
func ReadSFDP(ctx context.Context, m master.Master, addr uint32, buf []byte, maxStep int) error {
	if maxStep <= 0 {
		maxStep = 2
	}
	off := 0
	for off < len(buf) {
		step := min(len(buf)-off, maxStep)
		if err := ReadSFDPChunk(ctx, m, addr+uint32(off), buf[off:off+step]); err != nil {
			return err
		}
		off += step
	}
	return nil
}

// ReadSecurityRegister issues READ_SEC (0x48) for a security/OTP region.
func ReadSecurityRegister(ctx context.Context, m master.Master, addr uint32, buf []byte) error {
	op := Get(TagReadSecurityReg)
	write := buildCommand(op, addr, nil)
	read := make([]byte, len(buf))
	if err := m.Command(ctx, write, read); err != nil {
		return master.WrapRegion(master.ErrTransport, op.Name, int64(addr), int64(len(buf)), err)
	}
	copy(buf, read)
	return nil
}

// ProgramSecurityRegister issues PROG_SEC (0x42) with a preceding WREN.
func ProgramSecurityRegister(ctx context.Context, m master.Master, addr uint32, data []byte) error {
	op := Get(TagProgramSecurityReg)
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

// EraseSecurityRegister issues ERASE_SEC (0x44) with a preceding WREN.
func EraseSecurityRegister(ctx context.Context, m master.Master, addr uint32) error {
	op := Get(TagEraseSecurityReg)
	write := buildCommand(op, addr, nil)
	cmds := []master.Command{
		{Write: []byte{Get(TagWREN).Byte}},
		{Write: write},
	}
	if err := m.MultiCommand(ctx, cmds); err != nil {
		return master.WrapRegion(master.ErrTransport, op.Name, int64(addr), 0, err)
	}
	return nil
}

// WriteEAR writes the Extended Address Register (0xC5), the top address
// byte used by devices that stay in 3-byte-opcode mode but extend
// addressing via EAR (spec §4.3 strategy 3).
func WriteEAR(ctx context.Context, m master.Master, top byte) error {
	op := Get(TagWriteEAR)
	cmds := []master.Command{
		{Write: []byte{Get(TagWREN).Byte}},
		{Write: []byte{op.Byte, top}},
	}
	return m.MultiCommand(ctx, cmds)
}

// ReadEAR reads the Extended Address Register (0xC8).
func ReadEAR(ctx context.Context, m master.Master) (byte, error) {
	buf := make([]byte, 1)
	if err := m.Command(ctx, []byte{Get(TagReadEAR).Byte}, buf); err != nil {
		return 0, master.Wrap(master.ErrTransport, "READ_EAR", err)
	}
	return buf[0], nil
}

// Enter4BA issues the B7 opcode, optionally preceded by WREN per chip
// feature bits (original_source/spi4ba.c: spi_enter_4ba_b7 vs.
// spi_enter_4ba_b7_we).
func Enter4BA(ctx context.Context, m master.Master, needsWREN bool) error {
	if needsWREN {
		if err := WriteEnable(ctx, m); err != nil {
			return err
		}
	}
	return Simple(ctx, m, TagEnter4BA)
}

// Exit4BA issues the E9 opcode.
func Exit4BA(ctx context.Context, m master.Master) error {
	return Simple(ctx, m, TagExit4BA)
}
