package chip

import (
	"testing"

	"github.com/flashkit/spiflash/opcode"
)

func TestRegistryErasersTileExactly(t *testing.T) {
	for _, c := range Registry {
		if err := c.Validate(); err != nil {
			t.Errorf("%s: %v", c.Name, err)
		}
	}
}

func TestLookupExactMatch(t *testing.T) {
	got, err := Lookup([]byte{0xEF, 0x70, 0x18})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.Name != "W25Q128" {
		t.Fatalf("expected W25Q128, got %s", got.Name)
	}
}

func TestLookupStandardSPIW25Q128(t *testing.T) {
	got, err := Lookup([]byte{0xEF, 0x40, 0x18})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.Name != "W25Q128" {
		t.Fatalf("expected W25Q128, got %s", got.Name)
	}
	if got.TotalSizeBytes != 16384*1024 {
		t.Fatalf("expected 16384 KiB, got %d bytes", got.TotalSizeBytes)
	}
}

func TestLookupNoMatch(t *testing.T) {
	if _, err := Lookup([]byte{0x00, 0x00, 0x00}); err == nil {
		t.Fatal("expected no-match error")
	}
}

func TestLookupPrefersMoreSpecificEntry(t *testing.T) {
	// A hypothetical registry with a short generic prefix and a longer
	// specific entry for the same manufacture_id must resolve to the
	// more specific one rather than AMBIGUOUS_CHIP.
	generic := &FlashChip{Name: "generic-20", IDBytes: []byte{0x20}, TotalSizeBytes: 1}
	specific := &FlashChip{Name: "specific-20-ba-16", IDBytes: []byte{0x20, 0xBA, 0x16}, TotalSizeBytes: 1}
	saved := Registry
	Registry = []*FlashChip{generic, specific}
	defer func() { Registry = saved }()

	got, err := Lookup([]byte{0x20, 0xBA, 0x16})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.Name != "specific-20-ba-16" {
		t.Fatalf("expected the more specific entry, got %s", got.Name)
	}
}

func TestAT45PowerOfTwoAdjustment(t *testing.T) {
	c := &FlashChip{
		Name:                   "at45-like",
		TotalSizeBytes:         32 * 1024,
		PageSize:               256,
		AT45PowerOfTwoPageSize: true,
	}
	c.BlockErasers[0] = uniformEraser(opcode.TagByteProgram, 256, 128)
	c.AdjustForAT45PowerOfTwo(false)
	if c.TotalSizeBytes != 32*1024*33/32 {
		t.Fatalf("unexpected adjusted size: %d", c.TotalSizeBytes)
	}
	if c.PageSize != 256*33/32 {
		t.Fatalf("unexpected adjusted page size: %d", c.PageSize)
	}
}
