package fixup

import (
	"encoding/binary"
	"testing"

	"github.com/voidwalk/pevirt/pkg/section"
)

func TestResolveAddVmLoaderVA32(t *testing.T) {
	layouts := map[OffsetType]SectionLayout{
		VmLoader: {VirtualAddress: 0x5000, PointerToRawData: 0x600},
		Text:     {VirtualAddress: 0x1000, PointerToRawData: 0x400},
	}
	r := NewResolver(layouts)
	output := make([]byte, 0x700)
	binary.LittleEndian.PutUint32(output[0x410:], 0x20) // pre-fixup raw value: L - instr.addr - 5 style delta

	ctx := &Context{Fixups: []Fixup{{Offset: 0x10, OffsetType: Text, Size: 4, Op: AddVmLoaderVA}}}
	if err := r.Resolve(ctx, output); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	got := binary.LittleEndian.Uint32(output[0x410:])
	if got != 0x20+0x5000 {
		t.Fatalf("got %#x, want %#x", got, 0x20+0x5000)
	}
}

func TestResolveSubtractVmLoaderVA(t *testing.T) {
	layouts := map[OffsetType]SectionLayout{
		VmLoader: {VirtualAddress: 0x5000, PointerToRawData: 0x600},
	}
	r := NewResolver(layouts)
	output := make([]byte, 0x700)
	binary.LittleEndian.PutUint32(output[0x600:], 0x6100)

	ctx := &Context{Fixups: []Fixup{{Offset: 0, OffsetType: VmLoader, Size: 4, Op: SubtractVmLoaderVA}}}
	if err := r.Resolve(ctx, output); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	got := binary.LittleEndian.Uint32(output[0x600:])
	if got != 0x1100 {
		t.Fatalf("got %#x, want 0x1100", got)
	}
}

func TestResolveAbsoluteOffsetIgnoresSectionLayout(t *testing.T) {
	layouts := map[OffsetType]SectionLayout{
		VirtualizedCode: {VirtualAddress: 0x9000, PointerToRawData: 0x800},
	}
	r := NewResolver(layouts)
	output := make([]byte, 0x200)
	binary.LittleEndian.PutUint32(output[0x100:], 0x10)

	ctx := &Context{Fixups: []Fixup{{Offset: 0x100, OffsetType: Absolute, Size: 4, Op: AddVirtualizedCodeVA}}}
	if err := r.Resolve(ctx, output); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	got := binary.LittleEndian.Uint32(output[0x100:])
	if got != 0x10+0x9000 {
		t.Fatalf("got %#x, want %#x", got, 0x10+0x9000)
	}
}

func TestResolveMissingLayoutErrors(t *testing.T) {
	r := NewResolver(map[OffsetType]SectionLayout{})
	output := make([]byte, 0x10)
	ctx := &Context{Fixups: []Fixup{{Offset: 0, OffsetType: Text, Size: 4, Op: AddVmLoaderVA}}}
	if err := r.Resolve(ctx, output); err == nil {
		t.Fatal("expected an error for a missing section layout")
	}
}

func TestSynthesizeRelocationsSplitsAtPageBoundary(t *testing.T) {
	rs := section.New(".reloc", 0x42000040, 0x1000, 0x200)
	offsets := []uint32{0x10, 0x20, 0x1010, 0x1FF0, 0x2000}
	fixups := SynthesizeRelocations(rs, VmLoader, false, offsets)

	if len(fixups) != 3 {
		t.Fatalf("got %d blocks, want 3 (one per 4KiB page touched)", len(fixups))
	}
	for _, f := range fixups {
		if f.OffsetType != Reloc || f.Op != AddVmLoaderVA || f.Size != 4 {
			t.Errorf("unexpected fixup shape: %+v", f)
		}
	}
}

func TestSynthesizeRelocationsPadsOddBlockToEvenCount(t *testing.T) {
	rs := section.New(".reloc", 0x42000040, 0x1000, 0x200)
	fixups := SynthesizeRelocations(rs, VirtualizedCode, true, []uint32{0x10})
	if len(fixups) != 1 {
		t.Fatalf("got %d blocks, want 1", len(fixups))
	}
	data := rs.Bytes()
	sizeOfBlock := binary.LittleEndian.Uint32(data[fixups[0].Offset+4:])
	entryCount := (sizeOfBlock - 8) / 2
	if entryCount%2 != 0 {
		t.Fatalf("entry count %d is odd, want even (padding entry missing)", entryCount)
	}
	if entryCount != 2 {
		t.Fatalf("entry count = %d, want 2 (1 real + 1 padding)", entryCount)
	}
}

func TestSynthesizeRelocationsEmptyInputProducesNoBlocks(t *testing.T) {
	rs := section.New(".reloc", 0x42000040, 0x1000, 0x200)
	fixups := SynthesizeRelocations(rs, VmLoader, false, nil)
	if fixups != nil {
		t.Fatalf("expected no fixups for empty input, got %v", fixups)
	}
}

func TestContextUnmarkRelocsInRangeRevalidatesRollback(t *testing.T) {
	ctx := &Context{}
	ctx.MarkRelocForRemoval(0x1000)
	ctx.MarkRelocForRemoval(0x1004)
	ctx.MarkRelocForRemoval(0x2000)

	ctx.UnmarkRelocsInRange(0x1000, 0x1008)

	if ctx.MarkedForRemoval(0x1000) || ctx.MarkedForRemoval(0x1004) {
		t.Fatal("rolled-back relocations must no longer be marked for removal")
	}
	if !ctx.MarkedForRemoval(0x2000) {
		t.Fatal("unrelated relocation must remain marked")
	}
}
