// Package chip implements the static chip registry and probe dispatch of
// spec §3 and §4.6: FlashChip descriptions, erase-layout tiling, and the
// RDID/REMS/RES/SFDP identification workflow.
//
// Grounded on flash_params.go's knownFlash map, generalized from a
// {id -> timing-only struct} table to the full FlashChip shape, and on
// flash.go's ReadID for probe dispatch.
//
// # References
//
// SPI Flash
//   - [N25Q32]: N25Q032A Micron Serial NOR Flash Memory datasheet (could
//     not find the official public URL)
//   - [W25Q128]: W25Q128JV-DTR Winbond Serial Flash Memory
//     (https://www.winbond.com/resource-files/W25Q128JV_DTR%20RevD%2012232024%20Plus.pdf)
package chip

import (
	"context"
	"fmt"

	"github.com/flashkit/spiflash/master"
	"github.com/flashkit/spiflash/opcode"
	"github.com/flashkit/spiflash/sfdp"
	"github.com/flashkit/spiflash/status"
)

// Probe selects which identification routine a registry entry uses
// (spec §3: "an identifier selecting which identification routine to
// run (RDID, REMS, RES, AT45 status, SFDP)").
type Probe int

const (
	ProbeRDID Probe = iota
	ProbeREMS
	ProbeRES
	ProbeAT45Status
	ProbeSFDP
)

// FeatureBits mirrors spec §3's feature_bits bitset.
type FeatureBits uint32

const (
	FeatureWRSRRequiresWREN FeatureBits = 1 << iota
	FeatureWRSRRequiresEWSR
	FeatureHasSR2
	FeatureHasSR3
	FeatureNative4BA
	FeatureHasEAR
	Feature4BARead
	Feature4BAFastRead
	Feature4BAWrite
	FeatureQEInSR2
	// FeatureUnsafeSR2BlockProtect marks chips where block-protect
	// clearing is known-unsafe without full SR1+SR2 handling
	// (original_source/a25.c, A25L032 family).
	FeatureUnsafeSR2BlockProtect
)

func (f FeatureBits) Has(b FeatureBits) bool { return f&b != 0 }

// WriteGranularity is one of spec §3's write_gran enum values.
type WriteGranularity int

const (
	WriteGran1B WriteGranularity = iota
	WriteGran256B
	WriteGran264B
	WriteGran512B
	WriteGran528B
	WriteGran1024B
	WriteGran1056B
	WriteGran64KiB
)

// EraseRegion is one {size, count} element of a block_erasers layout
// entry (spec §3).
type EraseRegion struct {
	Size  uint32
	Count int
}

// BlockEraser is one erase strategy: an opcode tag plus the ordered
// layout it tiles the chip with.
type BlockEraser struct {
	OpcodeTag opcode.Tag
	Layout    []EraseRegion
}

// TotalBytes sums size*count across the layout, for the tiling
// invariant check (spec §3: "either all regions are zero ... or the
// regions tile the chip exactly once").
func (b BlockEraser) TotalBytes() int64 {
	var total int64
	for _, r := range b.Layout {
		total += int64(r.Size) * int64(r.Count)
	}
	return total
}

func (b BlockEraser) empty() bool { return len(b.Layout) == 0 }

// RPMCContext carries the optional replay-protected monotonic counter
// parameters discovered via SFDP (spec §3).
type RPMCContext struct {
	NumCounters                                                int
	Op1Opcode, Op2Opcode                                       byte
	BusyPollingMethod                                          byte
	PollReadCounterUS, PollShortWriteCounterUS, PollLongWriteCounterUS uint32
}

// TestState is one entry of the tested bit-matrix (spec §3).
type TestState int

const (
	TestNotTested TestState = iota
	TestOK
	TestBad
)

// TestedMatrix records {probe, read, erase, write, write-protect}
// states, keyed by name for extensibility rather than a fixed struct of
// five fields that would have to grow for every new operation class.
type TestedMatrix map[string]TestState

// FlashChip is a static description of one flash part (spec §3).
type FlashChip struct {
	Vendor, Name             string
	ManufactureID, ModelID   uint32
	IDBytes                  []byte // raw bytes matched against a probe's ID read, most-specific entries list more bytes
	TotalSizeBytes           int64
	PageSize                 int
	Probe                    Probe
	FeatureBits              FeatureBits
	WriteGran                WriteGranularity
	BlockErasers             [8]BlockEraser
	RPMC                     *RPMCContext
	Tested                   TestedMatrix

	// AT45PowerOfTwoPageSize adjusts TotalSizeBytes/PageSize/eraser
	// sizes by 33/32 when the chip's power-of-2 config bit is clear
	// (spec §4.6 step 4).
	AT45PowerOfTwoPageSize bool

	// Timing classes, generalized from flash_params.go's flashParams
	// (tRES1/tDP/tPP/tErase4KB/tErase64KB/tEraseChip).
	Timing Timing
}

// Timing holds this chip's operation-latency classes, used to size
// PollUntilReady's timeout per spec §4.2's "10us/10ms/100ms classes".
type Timing struct {
	ReleasePowerDown, PowerDown   int64 // nanoseconds
	PageProgram                   int64
	Erase4KiB, Erase32KiB, Erase64KiB, EraseChip int64
}

// Validate checks the tiling invariant of spec §3: for every non-empty
// eraser, size*count must sum to exactly TotalSizeBytes.
func (c *FlashChip) Validate() error {
	for i, b := range c.BlockErasers {
		if b.empty() {
			continue
		}
		if got := b.TotalBytes(); got != c.TotalSizeBytes {
			return fmt.Errorf("chip %s: eraser %d covers %d bytes, want %d", c.Name, i, got, c.TotalSizeBytes)
		}
	}
	return nil
}

// StatusPolicy derives a status.Policy from this chip's feature bits,
// for handing to status.New.
func (c *FlashChip) StatusPolicy(wpPin func() bool) status.Policy {
	return status.Policy{
		NeedsEWSR:             c.FeatureBits.Has(FeatureWRSRRequiresEWSR),
		HasSR2:                c.FeatureBits.Has(FeatureHasSR2),
		HasSR3:                c.FeatureBits.Has(FeatureHasSR3),
		WPPinAsserted:         wpPin,
		UnsafeSR2BlockProtect: c.FeatureBits.Has(FeatureUnsafeSR2BlockProtect),
	}
}

// Identity is what a successful probe collects before registry lookup
// (spec §4.6 step 2: "Collect ID bytes; match against
// {manufacture_id, model_id}").
type Identity struct {
	Bytes []byte
}

// ProbeRDIDBytes issues RDID (0x9F) and returns the 3 ID bytes, the
// generalized form of flash.go's ReadID.
func ProbeRDIDBytes(ctx context.Context, m master.Master) ([3]byte, error) {
	return opcode.ReadJEDECID(ctx, m)
}

// ProbeREMSBytes issues REMS (0x90) and returns manufacturer+device ID.
func ProbeREMSBytes(ctx context.Context, m master.Master) ([2]byte, error) {
	buf := make([]byte, 2)
	write := []byte{0x90, 0, 0, 0}
	if err := m.Command(ctx, write, buf); err != nil {
		return [2]byte{}, master.Wrap(master.ErrTransport, "REMS", err)
	}
	return [2]byte{buf[0], buf[1]}, nil
}

// ProbeRESByte issues RES (0xAB) and returns the single legacy device ID.
func ProbeRESByte(ctx context.Context, m master.Master) (byte, error) {
	buf := make([]byte, 1)
	write := []byte{0xAB, 0, 0, 0}
	if err := m.Command(ctx, write, buf); err != nil {
		return 0, master.Wrap(master.ErrTransport, "RES", err)
	}
	return buf[0], nil
}

// Registry is the process-wide, immutable, ordered list of known chips
// (spec §4.6: "The registry is an ordered list").
var Registry = []*FlashChip{
	micronN25Q32(),
	winbondW25Q128(),
	winbondW25Q128Standard(),
}

// micronN25Q32 is the N25Q032A Micron Serial NOR Flash Memory [N25Q32].
func micronN25Q32() *FlashChip {
	c := &FlashChip{
		Vendor:         "Micron",
		Name:           "N25Q32",
		IDBytes:        []byte{0x20, 0xBA, 0x16},
		TotalSizeBytes: 4 * 1024 * 1024,
		PageSize:       256,
		Probe:          ProbeRDID,
		FeatureBits:    FeatureWRSRRequiresWREN | Feature4BARead | Feature4BAWrite | FeatureNative4BA,
		WriteGran:      WriteGran256B,
		Tested:         TestedMatrix{},
		Timing: Timing{
			PageProgram: int64(5 * msNS),
			Erase4KiB:   int64(800 * msNS),
			Erase64KiB:  int64(3000 * msNS),
			EraseChip:   int64(60000 * msNS),
		},
	}
	c.BlockErasers[0] = uniformEraser(opcode.TagSectorErase4BA, 4*1024, int(c.TotalSizeBytes/(4*1024)))
	c.BlockErasers[1] = uniformEraser(opcode.TagChipErase, int64ToUint32(c.TotalSizeBytes), 1)
	return c
}

// winbondW25Q128 is the W25Q128JV-DTR Winbond Serial Flash Memory
// [W25Q128].
func winbondW25Q128() *FlashChip {
	c := &FlashChip{
		Vendor:         "Winbond",
		Name:           "W25Q128",
		IDBytes:        []byte{0xEF, 0x70, 0x18},
		TotalSizeBytes: 16 * 1024 * 1024,
		PageSize:       256,
		Probe:          ProbeRDID,
		FeatureBits:    FeatureWRSRRequiresWREN | FeatureHasSR2 | FeatureQEInSR2,
		WriteGran:      WriteGran256B,
		Tested:         TestedMatrix{},
		Timing: Timing{
			ReleasePowerDown: int64(3 * usNS),
			PowerDown:        int64(3 * usNS),
			PageProgram:      int64(3 * msNS),
			Erase4KiB:        int64(400 * msNS),
			Erase64KiB:       int64(2000 * msNS),
			EraseChip:        int64(200000 * msNS),
		},
	}
	c.BlockErasers[0] = uniformEraser(opcode.TagSectorErase, 4*1024, int(c.TotalSizeBytes/(4*1024)))
	c.BlockErasers[1] = uniformEraser(opcode.TagBlockErase64K, 64*1024, int(c.TotalSizeBytes/(64*1024)))
	c.BlockErasers[2] = uniformEraser(opcode.TagChipErase, int64ToUint32(c.TotalSizeBytes), 1)
	return c
}

// winbondW25Q128Standard is the plain (non-DTR) W25Q128JV, same geometry
// as winbondW25Q128 but with the standard-SPI device ID byte (0x40
// rather than the DTR variant's 0x70) [W25Q128].
func winbondW25Q128Standard() *FlashChip {
	c := winbondW25Q128()
	c.IDBytes = []byte{0xEF, 0x40, 0x18}
	return c
}

const (
	usNS = 1000
	msNS = 1000 * usNS
)

func int64ToUint32(v int64) uint32 { return uint32(v) }

func uniformEraser(tag opcode.Tag, size uint32, count int) BlockEraser {
	return BlockEraser{OpcodeTag: tag, Layout: []EraseRegion{{Size: size, Count: count}}}
}

// Lookup finds a registry entry whose IDBytes is a prefix match of got,
// preferring the most specific (longest IDBytes) match, per spec §4.6:
// "the registry must be authored so that one entry is strictly more
// specific; otherwise probing fails with AMBIGUOUS_CHIP".
func Lookup(got []byte) (*FlashChip, error) {
	var best *FlashChip
	ambiguous := false
	for _, c := range Registry {
		if !idPrefixMatches(c.IDBytes, got) {
			continue
		}
		switch {
		case best == nil:
			best = c
		case len(c.IDBytes) > len(best.IDBytes):
			best = c
			ambiguous = false
		case len(c.IDBytes) == len(best.IDBytes):
			ambiguous = true
		}
	}
	if best == nil {
		return nil, master.Wrap(master.ErrUnsupported, "chip.Lookup", fmt.Errorf("no registry match for %x", got))
	}
	if ambiguous {
		return nil, master.Wrap(master.ErrAmbiguousChip, "chip.Lookup", fmt.Errorf("multiple equally specific matches for %x", got))
	}
	return best, nil
}

func idPrefixMatches(want, got []byte) bool {
	if len(want) > len(got) {
		return false
	}
	for i := range want {
		if want[i] != got[i] {
			return false
		}
	}
	return true
}

// AdjustForAT45PowerOfTwo applies the 33/32 scaling of spec §4.6 step 4
// when the AT45DB "power of 2" config bit is clear (powerOfTwo == false),
// in place, the way original AT45 handling adjusts total_size, page_size
// and eraseblock sizes together so the tiling invariant keeps holding.
func (c *FlashChip) AdjustForAT45PowerOfTwo(powerOfTwo bool) {
	if !c.AT45PowerOfTwoPageSize || powerOfTwo {
		return
	}
	c.TotalSizeBytes = c.TotalSizeBytes * 33 / 32
	c.PageSize = c.PageSize * 33 / 32
	for i := range c.BlockErasers {
		for j := range c.BlockErasers[i].Layout {
			c.BlockErasers[i].Layout[j].Size = c.BlockErasers[i].Layout[j].Size * 33 / 32
		}
	}
}

// FromSFDP refines TotalSizeBytes and PageSize after a successful SFDP
// read and copies its RPMC parameters. BlockErasers are left unchanged:
// the erasers listed in t are not applied to the chip.
func (c *FlashChip) FromSFDP(t *sfdp.Table) {
	c.TotalSizeBytes = t.TotalSizeBytes
	if t.PageSize > 0 {
		c.PageSize = t.PageSize
	}
	if t.RPMC != nil {
		c.RPMC = &RPMCContext{
			NumCounters:                  t.RPMC.NumCounters,
			Op1Opcode:                    t.RPMC.Op1Opcode,
			Op2Opcode:                    t.RPMC.Op2Opcode,
			BusyPollingMethod:            t.RPMC.BusyPollingMethod,
			PollReadCounterUS:            t.RPMC.PollReadCounterUS,
			PollShortWriteCounterUS:      t.RPMC.PollShortWriteCounterUS,
			PollLongWriteCounterUS:       t.RPMC.PollLongWriteCounterUS,
		}
	}
}
