// Package flashrom implements the high-level flash operations of spec
// §4.8 and the FlashContext lifecycle of spec §3/§5: binding a probed
// chip and master into a session, Read/EraseRegion/Write, and a
// restore-on-teardown LIFO.
//
// Grounded on flash.go's Read/Write/Erase/EraseChip pipeline, generalized
// from one hardcoded chip to the chip.FlashChip/addressing.Manager/
// status.Engine layering spec.md §4.8 describes.
package flashrom

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/flashkit/spiflash/addressing"
	"github.com/flashkit/spiflash/chip"
	"github.com/flashkit/spiflash/master"
	"github.com/flashkit/spiflash/opcode"
	"github.com/flashkit/spiflash/status"
)

// teardownFn is one entry of the restore-on-shutdown LIFO (spec §3:
// "Registers reset functions are pushed onto a LIFO and executed in
// reverse order on teardown").
type teardownFn func(ctx context.Context) error

// Context is a runtime binding of a probed chip to a master (spec §3's
// FlashContext). It owns the master exclusively; two Contexts must never
// share one physical master (spec §5).
type Context struct {
	Chip   *chip.FlashChip
	Master master.Master
	Addr   *addressing.Manager
	Status *status.Engine

	// In4BAMode is a plain field: Bind leaves it false and no Context
	// method updates it. The live addressing state is tracked in Addr.
	In4BAMode bool

	// ProgressCallback and LogCallback are out of scope per spec §3 but
	// kept as no-op-able hooks so callers can wire their own reporting,
	// the way the teacher logs with a package-level logger rather than
	// threading one through every call.
	ProgressCallback func(done, total int64)
	LogCallback      func(format string, args ...any)

	teardown []teardownFn
	torndown bool
}

// Bind constructs a Context for an already-probed chip over an already-
// opened master (spec §4.6 step 5: "Return a bound FlashContext").
func Bind(c *chip.FlashChip, m master.Master, wpPin func() bool) (*Context, error) {
	caps := addressing.ChipCaps{
		Supports4BANative: c.FeatureBits.Has(chip.FeatureNative4BA),
		HasEAR:            c.FeatureBits.Has(chip.FeatureHasEAR),
		TotalSizeBytes:    c.TotalSizeBytes,
	}
	am, err := addressing.Bind(m.Features(), caps)
	if err != nil {
		return nil, err
	}
	fc := &Context{
		Chip:   c,
		Master: m,
		Addr:   am,
		Status: status.New(m, c.StatusPolicy(wpPin)),
	}
	fc.pushTeardown(func(ctx context.Context) error { return am.Exit(ctx, m) })
	return fc, nil
}

func (c *Context) log(format string, args ...any) {
	if c.LogCallback != nil {
		c.LogCallback(format, args...)
	}
}

func (c *Context) progress(done, total int64) {
	if c.ProgressCallback != nil {
		c.ProgressCallback(done, total)
	}
}

// pushTeardown registers a restore action, LIFO order (spec §5).
func (c *Context) pushTeardown(fn teardownFn) {
	c.teardown = append(c.teardown, fn)
}

// Shutdown runs the restore-LIFO in reverse order and releases the
// master. Idempotent (spec §5: "Teardown must be idempotent").
func (c *Context) Shutdown(ctx context.Context) error {
	if c.torndown {
		return nil
	}
	c.torndown = true
	var first error
	for i := len(c.teardown) - 1; i >= 0; i-- {
		if err := c.teardown[i](ctx); err != nil && first == nil {
			first = err
		}
	}
	c.teardown = nil
	if err := c.Master.Shutdown(ctx); err != nil && first == nil {
		first = err
	}
	c.log("shutdown complete for %s", c.Chip.Name)
	return first
}

func (c *Context) pollTimeout(isErase bool, size int64) time.Duration {
	t := c.Chip.Timing
	var ns int64
	switch {
	case isErase && size <= 4*1024:
		ns = t.Erase4KiB
	case isErase && size <= 32*1024:
		ns = t.Erase32KiB
	case isErase:
		ns = t.Erase64KiB
	default:
		ns = t.PageProgram
	}
	if ns <= 0 {
		ns = int64(10 * time.Second)
	}
	// A generous multiplier over the datasheet typical, the way
	// flashrom's own poll loops budget headroom over tPP/tSE rather than
	// failing right at the nominal time.
	return time.Duration(ns) * 3
}

// Read implements spec §4.8's read path directly over opcode.ReadNBytes,
// the way Write drives opcode.ByteProgram directly instead of going
// through Master.Write256: Master.Read has no way to express the
// addressing manager's 4BA decision, so per-chunk PrepareAddress must
// thread its fourBA result straight into the read opcode rather than
// being discarded in favor of a fixed 3-byte READ. Chunking by the
// master's max_data_read also re-runs PrepareAddress per chunk, so an
// EAR bank crossing mid-read updates the extended address register the
// same way Write's per-chunk PrepareAddress does.
func (c *Context) Read(ctx context.Context, buf []byte, addr uint32) error {
	maxRead := c.Master.Limits().MaxDataRead - 5
	if maxRead <= 0 {
		maxRead = 256
	}
	for off := 0; off < len(buf); off += maxRead {
		end := off + maxRead
		if end > len(buf) {
			end = len(buf)
		}
		chunkAddr := addr + uint32(off)
		fourBA, err := c.Addr.PrepareAddress(ctx, c.Master, chunkAddr)
		if err != nil {
			return err
		}
		if err := opcode.ReadNBytes(ctx, c.Master, buf[off:end], chunkAddr, fourBA, false); err != nil {
			return master.WrapRegion(master.ErrTransport, "Read", int64(chunkAddr), int64(end-off), err)
		}
	}
	return nil
}

// eraserChoice is one candidate eraser plan for covering [addr, addr+len).
type eraserChoice struct {
	eraser       chip.BlockEraser
	regionStart  uint32
	regionLen    uint32
	erasedBytes  int64
}

// planEraser implements spec §4.8's Erase-Region selection algorithm:
// enumerate non-empty erasers, reject whole-chip-granularity erasers
// unless wholeChip is set (those would force erasing everything the
// caller wants preserved outside the region), and among the rest pick
// the smallest total erased-bytes, tie-breaking by smaller granularity.
func planEraser(c *chip.FlashChip, addr, length uint32, wholeChip bool) (*eraserChoice, error) {
	var best *eraserChoice
	for _, e := range c.BlockErasers {
		if len(e.Layout) == 0 {
			continue
		}
		gran := e.Layout[0].Size
		if gran == 0 {
			continue
		}
		isWholeChipGran := int64(gran) >= c.TotalSizeBytes
		if isWholeChipGran != wholeChip {
			continue
		}
		regionStart := (addr / gran) * gran
		regionEnd := ((addr + length + gran - 1) / gran) * gran
		regionLen := regionEnd - regionStart
		cand := &eraserChoice{eraser: e, regionStart: regionStart, regionLen: regionLen, erasedBytes: int64(regionLen)}
		if best == nil ||
			cand.erasedBytes < best.erasedBytes ||
			(cand.erasedBytes == best.erasedBytes && gran < best.eraser.Layout[0].Size) {
			best = cand
		}
	}
	if best == nil {
		if wholeChip {
			return nil, master.Wrap(master.ErrUnsupported, "planEraser", fmt.Errorf("no chip-erase entry available"))
		}
		return nil, master.Wrap(master.ErrUnsupported, "planEraser", fmt.Errorf("no eraser smaller than the whole chip is available"))
	}
	return best, nil
}

// EraseRegion erases the minimal aligned superset of [addr, addr+len)
// per spec §4.8, issuing one opcode per aligned block and polling after
// each.
func (c *Context) EraseRegion(ctx context.Context, addr, length uint32, wholeChip bool) error {
	plan, err := planEraser(c.Chip, addr, length, wholeChip)
	if err != nil {
		return err
	}
	gran := plan.eraser.Layout[0].Size
	blocks := plan.regionLen / gran
	if gran == 0 || blocks == 0 {
		blocks = 1
	}
	for i := uint32(0); i < blocks; i++ {
		blockAddr := plan.regionStart + i*gran
		fourBA, err := c.Addr.PrepareAddress(ctx, c.Master, blockAddr)
		if err != nil {
			return err
		}
		if err := opcode.Erase(ctx, c.Master, plan.eraser.OpcodeTag, blockAddr, fourBA); err != nil {
			return master.WrapRegion(master.ErrEraseError, "EraseRegion", int64(blockAddr), int64(gran), err)
		}
		if err := c.Status.PollUntilReady(ctx, pollIntervalFor(gran), c.pollTimeout(true, int64(gran)), true); err != nil {
			return err
		}
		c.log("erased 0x%x bytes at 0x%x", gran, blockAddr)
		c.progress(int64(i+1)*int64(gran), int64(blocks)*int64(gran))
	}
	return nil
}

func pollIntervalFor(gran uint32) time.Duration {
	switch {
	case gran <= 4*1024:
		return opcode.PollIntervalErase
	default:
		return opcode.PollIntervalBlock
	}
}

// WriteOptions controls Write's verify and erase-when-needed behavior
// (spec §4.8).
type WriteOptions struct {
	// Verify reads back every chunk and compares it (spec §4.8 step 4).
	Verify bool
	// ReadModifyWrite requests the erase-when-needed pipeline: read,
	// compute the minimum bounding eraser plan, merge, erase, reprogram
	// (spec §4.8 "Erase-when-needed").
	ReadModifyWrite bool
}

// Write implements spec §4.8's Write pipeline.
func (c *Context) Write(ctx context.Context, buf []byte, addr uint32, opts WriteOptions) error {
	if opts.ReadModifyWrite {
		if err := c.readModifyWriteErase(ctx, buf, addr); err != nil {
			return err
		}
	}

	maxWrite := c.Master.Limits().MaxDataWrite - 5
	chunk := c.Chip.PageSize
	if maxWrite > 0 && maxWrite < chunk {
		chunk = maxWrite
	}
	if chunk <= 0 {
		chunk = 256
	}

	total := int64(len(buf))
	for off := 0; off < len(buf); off += chunk {
		end := off + chunk
		if end > len(buf) {
			end = len(buf)
		}
		chunkAddr := addr + uint32(off)
		fourBA, err := c.Addr.PrepareAddress(ctx, c.Master, chunkAddr)
		if err != nil {
			return err
		}
		if err := opcode.ByteProgram(ctx, c.Master, chunkAddr, buf[off:end], fourBA); err != nil {
			return master.WrapRegion(master.ErrProgramError, "Write", int64(chunkAddr), int64(end-off), err)
		}
		if err := c.Status.PollUntilReady(ctx, opcode.PollIntervalProgram, c.pollTimeout(false, int64(chunk)), false); err != nil {
			return err
		}
		if opts.Verify {
			readback := make([]byte, end-off)
			if err := c.Read(ctx, readback, chunkAddr); err != nil {
				return err
			}
			if !bytes.Equal(readback, buf[off:end]) {
				i := firstDiff(readback, buf[off:end])
				return master.WrapRegion(master.ErrVerifyFail, "Write", int64(chunkAddr)+int64(i), 1,
					fmt.Errorf("readback mismatch at offset %d: got 0x%02x want 0x%02x", i, readback[i], buf[off:end][i]))
			}
		}
		c.log("programmed %d bytes at 0x%x", end-off, chunkAddr)
		c.progress(int64(end), total)
	}
	return nil
}

func firstDiff(a, b []byte) int {
	for i := range a {
		if a[i] != b[i] {
			return i
		}
	}
	return 0
}

// readModifyWriteErase implements the "erase-when-needed" pipeline of
// spec §4.8: read the flash, compute the minimum bounding eraser plan,
// read the to-be-erased blocks, merge with the new data, erase, and
// reprogram — deterministic given identical inputs, since planEraser's
// tie-break is a pure function of (addr, length, registry order).
func (c *Context) readModifyWriteErase(ctx context.Context, buf []byte, addr uint32) error {
	length := uint32(len(buf))
	plan, err := planEraser(c.Chip, addr, length, false)
	if err != nil {
		return err
	}
	existing := make([]byte, plan.regionLen)
	if err := c.Read(ctx, existing, plan.regionStart); err != nil {
		return err
	}
	merged := append([]byte(nil), existing...)
	copy(merged[addr-plan.regionStart:], buf)

	if err := c.EraseRegion(ctx, plan.regionStart, plan.regionLen, false); err != nil {
		return err
	}
	return c.writeRaw(ctx, merged, plan.regionStart)
}

// writeRaw programs buf at addr without re-entering the erase-when-
// needed pipeline, used internally by readModifyWriteErase after it has
// already erased the region.
func (c *Context) writeRaw(ctx context.Context, buf []byte, addr uint32) error {
	return c.Write(ctx, buf, addr, WriteOptions{})
}
