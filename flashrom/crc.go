package flashrom

import (
	"context"
	"fmt"

	"zappem.net/pub/debug/xcrc32"
)

// VerifyCRC reads [addr, addr+length) and checks the CRC32 of its
// contents against want, an optional integrity check layered on top of
// the byte-for-byte readback verify §4.8 mandates, mirrored on
// tinkerator-qftool's (*QF).validate.
func (c *Context) VerifyCRC(ctx context.Context, addr uint32, length int, want uint32) error {
	buf := make([]byte, length)
	if err := c.Read(ctx, buf, addr); err != nil {
		return err
	}
	_, got := xcrc32.NewCRC32(buf)
	if got != want {
		return fmt.Errorf("crc mismatch at 0x%x: got=0x%08x want=0x%08x", addr, got, want)
	}
	return nil
}
