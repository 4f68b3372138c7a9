package fixup

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"

	"github.com/voidwalk/pevirt/pkg/peimage"
	"github.com/voidwalk/pevirt/pkg/section"
)

// SectionLayout names a section's final placement, known only once every
// append to it has finished.
type SectionLayout struct {
	VirtualAddress   uint32
	PointerToRawData uint32
}

// Resolver applies every recorded Fixup against the assembled PE's raw
// bytes. It is constructed once per run, after Build has produced the
// final section layout.
type Resolver struct {
	Layouts map[OffsetType]SectionLayout
}

// NewResolver builds a resolver from the final layouts of the VmLoader,
// Text, Reloc, and VirtualizedCode sections.
func NewResolver(layouts map[OffsetType]SectionLayout) *Resolver {
	return &Resolver{Layouts: layouts}
}

// Resolve walks ctx.Fixups in order and patches output in place.
func (r *Resolver) Resolve(ctx *Context, output []byte) error {
	for _, f := range ctx.Fixups {
		if err := r.apply(f, output); err != nil {
			return err
		}
	}
	return nil
}

func (r *Resolver) apply(f Fixup, output []byte) error {
	fileOffset, err := r.fileOffset(f)
	if err != nil {
		return err
	}
	va, err := r.vaFor(f.Op)
	if err != nil {
		return err
	}
	switch f.Size {
	case 4:
		if int(fileOffset)+4 > len(output) {
			return errors.Errorf("fixup: offset %#x out of range", fileOffset)
		}
		cur := binary.LittleEndian.Uint32(output[fileOffset:])
		nv, err := applyOp32(f.Op, cur, uint32(va))
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(output[fileOffset:], nv)
	case 8:
		if int(fileOffset)+8 > len(output) {
			return errors.Errorf("fixup: offset %#x out of range", fileOffset)
		}
		cur := binary.LittleEndian.Uint64(output[fileOffset:])
		nv, err := applyOp64(f.Op, cur, va)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint64(output[fileOffset:], nv)
	default:
		return errors.Errorf("fixup: unsupported size %d", f.Size)
	}
	return nil
}

func applyOp32(op Op, cur, va uint32) (uint32, error) {
	switch op {
	case AddVmLoaderVA, AddVirtualizedCodeVA:
		return cur + va, nil
	case SubtractVmLoaderVA:
		return cur - va, nil
	default:
		return 0, errors.Errorf("fixup: unknown op %v", op)
	}
}

func applyOp64(op Op, cur, va uint64) (uint64, error) {
	switch op {
	case AddVmLoaderVA, AddVirtualizedCodeVA:
		return cur + va, nil
	case SubtractVmLoaderVA:
		return cur - va, nil
	default:
		return 0, errors.Errorf("fixup: unknown op %v", op)
	}
}

func (r *Resolver) fileOffset(f Fixup) (uint32, error) {
	if f.OffsetType == Absolute {
		return f.Offset, nil
	}
	layout, ok := r.Layouts[f.OffsetType]
	if !ok {
		return 0, errors.Errorf("fixup: no layout recorded for %v", f.OffsetType)
	}
	return layout.PointerToRawData + f.Offset, nil
}

func (r *Resolver) vaFor(op Op) (uint64, error) {
	switch op {
	case AddVmLoaderVA, SubtractVmLoaderVA:
		l, ok := r.Layouts[VmLoader]
		if !ok {
			return 0, errors.New("fixup: missing VmLoader layout")
		}
		return uint64(l.VirtualAddress), nil
	case AddVirtualizedCodeVA:
		l, ok := r.Layouts[VirtualizedCode]
		if !ok {
			return 0, errors.New("fixup: missing VirtualizedCode layout")
		}
		return uint64(l.VirtualAddress), nil
	default:
		return 0, errors.Errorf("fixup: unknown op %v", op)
	}
}

// Finalize strips the LOAD_CONFIG and DEBUG data directories. The
// protector calls it before Build and Resolve, so Build serializes the
// zeroed bytes and directory entries.
func Finalize(host *peimage.Image) error {
	if err := host.ZeroDataDirectory(peimage.DirLoadConfig); err != nil {
		return errors.Wrap(err, "fixup: zero LOAD_CONFIG")
	}
	if err := host.ZeroDataDirectory(peimage.DirDebug); err != nil {
		return errors.Wrap(err, "fixup: zero DEBUG")
	}
	return nil
}

// --- relocation synthesis --------------------------------------------

// SynthesizeRelocations groups a set of section-relative offsets (all
// belonging to the same owning section, VmLoader or VirtualizedCode) into
// 4 KiB relocation blocks and appends them to relocSection. It returns
// the fixups needed to correct each block's VirtualAddress field once the
// owning section's VA is known.
//
// Precondition: relocSection has already been trimmed to the host's
// existing BASERELOC directory Size (the caller does this once, before
// the first call for a run).
func SynthesizeRelocations(relocSection *section.Builder, owner OffsetType, is64 bool, offsets []uint32) []Fixup {
	if len(offsets) == 0 {
		return nil
	}
	sorted := make([]uint32, len(offsets))
	copy(sorted, offsets)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	relType := uint16(peimage.RelBasedHighLow)
	if is64 {
		relType = peimage.RelBasedDir64
	}

	op := AddVmLoaderVA
	if owner == VirtualizedCode {
		op = AddVirtualizedCodeVA
	}

	var fixups []Fixup
	i := 0
	for i < len(sorted) {
		blockBase := sorted[i] &^ 0xFFF
		var entries []peimage.RelocationEntry
		for i < len(sorted) && sorted[i] < blockBase+0x1000 {
			entries = append(entries, peimage.MakeRelocationEntry(relType, uint16(sorted[i]-blockBase)))
			i++
		}
		if len(entries)%2 != 0 {
			entries = append(entries, peimage.MakeRelocationEntry(peimage.RelBasedAbsolute, 0))
		}
		blockBytes := serializeRelocationBlock(blockBase, entries)
		blockOffset := relocSection.Append(blockBytes)
		fixups = append(fixups, Fixup{Offset: blockOffset, OffsetType: Reloc, Size: 4, Op: op})
	}
	return fixups
}

func serializeRelocationBlock(blockBase uint32, entries []peimage.RelocationEntry) []byte {
	buf := make([]byte, 8+len(entries)*2)
	binary.LittleEndian.PutUint32(buf[0:4], blockBase)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(buf)))
	for i, e := range entries {
		binary.LittleEndian.PutUint16(buf[8+i*2:], uint16(e))
	}
	return buf
}

// --- TLS callback installation ------------------------------------------

const tlsPaddingSlots = 5

// InstallTLS wires the interpreter's TLS callback into the host, either
// by extending an existing TLS directory's callback list or by
// synthesizing a full IMAGE_TLS_DIRECTORY from scratch. tlsCallbackOffset
// is the interpreter's TlsCallback export, expressed as a VmLoader
// section-relative offset (corrected to a VA by fixup, never written raw).
func InstallTLS(host *peimage.Image, virtualizedCode *section.Builder, ctx *Context, tlsCallbackOffset uint32, is64 bool) error {
	ptrSize := 4
	if is64 {
		ptrSize = 8
	}

	existingVA, existingSize := host.TLSDataDirectory()
	if existingVA != 0 {
		return installTLSExisting(host, virtualizedCode, ctx, tlsCallbackOffset, existingVA, existingSize, ptrSize, is64)
	}
	return installTLSSynthesized(host, virtualizedCode, ctx, tlsCallbackOffset, ptrSize, is64)
}

func installTLSExisting(host *peimage.Image, virtualizedCode *section.Builder, ctx *Context, tlsCallbackOffset, dirVA, dirSize uint32, ptrSize int, is64 bool) error {
	dirSec := host.SectionByRVA(dirVA)
	if dirSec == nil {
		return errors.New("fixup: TLS directory outside any section")
	}
	dirData, err := host.CopySection(dirSec)
	if err != nil {
		return err
	}
	dirOff := int(dirVA - dirSec.VirtualAddress)

	var callbacksVA uint64
	var callbacksFieldOffset int
	if is64 {
		callbacksFieldOffset = dirOff + 24 // offsetof(AddressOfCallBacks) in TLSDirectory64
		callbacksVA = binary.LittleEndian.Uint64(dirData[callbacksFieldOffset:])
	} else {
		callbacksFieldOffset = dirOff + 12 // offsetof(AddressOfCallBacks) in TLSDirectory32
		callbacksVA = uint64(binary.LittleEndian.Uint32(dirData[callbacksFieldOffset:]))
	}

	existing, err := readCallbackList(host, uint32(callbacksVA), ptrSize)
	if err != nil {
		return err
	}

	var nonNullOffsets []uint32
	writePtr := func(v uint64) uint32 {
		off := virtualizedCode.AppendZeros(uint32(ptrSize))
		if ptrSize == 8 {
			virtualizedCode.PatchUint64(off, v)
		} else {
			virtualizedCode.PatchUint32(off, uint32(v))
		}
		return off
	}
	for _, cb := range existing {
		off := writePtr(cb)
		nonNullOffsets = append(nonNullOffsets, off)
	}
	newSlotOffset := writePtr(uint64(tlsCallbackOffset))
	nonNullOffsets = append(nonNullOffsets, newSlotOffset)
	for i := 0; i < tlsPaddingSlots; i++ {
		writePtr(0)
	}

	for _, off := range nonNullOffsets {
		ctx.VirtualizedCodeOffsetsToRelocate = append(ctx.VirtualizedCodeOffsetsToRelocate, off)
	}
	ctx.AddFixup(Fixup{Offset: newSlotOffset, OffsetType: VirtualizedCode, Size: ptrSize, Op: AddVmLoaderVA})

	arrayVAOffset := nonNullOffsets[0]
	if is64 {
		binary.LittleEndian.PutUint64(dirData[callbacksFieldOffset:], uint64(arrayVAOffset))
	} else {
		binary.LittleEndian.PutUint32(dirData[callbacksFieldOffset:], arrayVAOffset)
	}
	dirSec.Replace(bytes.NewReader(dirData), int64(len(dirData)))
	ctx.AddFixup(Fixup{
		Offset:     dirSec.Offset + uint32(callbacksFieldOffset),
		OffsetType: Absolute,
		Size:       ptrSize,
		Op:         AddVirtualizedCodeVA,
	})
	return nil
}

// installTLSSynthesized builds a fresh IMAGE_TLS_DIRECTORY from scratch
// when the host PE has none. All three of the directory's own
// VA-valued fields (AddressOfIndex, AddressOfCallBacks, and the data
// directory's own VirtualAddress entry in the optional header) are
// written as zero-based offsets now and corrected by fixups once the
// virtualized-code section's VA is known.
func installTLSSynthesized(host *peimage.Image, virtualizedCode *section.Builder, ctx *Context, tlsCallbackOffset uint32, ptrSize int, is64 bool) error {
	indexOffset := virtualizedCode.AppendZeros(4)

	callbacksOffset := virtualizedCode.Len()
	writePtr := func(v uint64) uint32 {
		off := virtualizedCode.AppendZeros(uint32(ptrSize))
		if ptrSize == 8 {
			virtualizedCode.PatchUint64(off, v)
		} else {
			virtualizedCode.PatchUint32(off, uint32(v))
		}
		return off
	}
	callbackSlot := writePtr(uint64(tlsCallbackOffset))
	for i := 0; i < tlsPaddingSlots; i++ {
		writePtr(0)
	}
	ctx.VirtualizedCodeOffsetsToRelocate = append(ctx.VirtualizedCodeOffsetsToRelocate, callbackSlot)
	ctx.AddFixup(Fixup{Offset: callbackSlot, OffsetType: VirtualizedCode, Size: ptrSize, Op: AddVmLoaderVA})

	dirOffset := virtualizedCode.Len()
	dirSize := tlsDirectorySize(is64)
	dir := make([]byte, dirSize)
	binary.LittleEndian.PutUint32(dir[dirCharacteristicsOffset(is64):], peimage.TLSCharacteristicsAlign1Bytes)
	virtualizedCode.Append(dir)

	addressOfIndexOffset := dirOffset + uint32(tlsIndexFieldOffset(is64))
	callbacksFieldOffset := dirOffset + uint32(tlsCallbacksFieldOffset(is64))

	ctx.VirtualizedCodeOffsetsToRelocate = append(ctx.VirtualizedCodeOffsetsToRelocate, addressOfIndexOffset, callbacksFieldOffset)
	if ptrSize == 8 {
		virtualizedCode.PatchUint64(addressOfIndexOffset, uint64(indexOffset))
		virtualizedCode.PatchUint64(callbacksFieldOffset, uint64(callbacksOffset))
	} else {
		virtualizedCode.PatchUint32(addressOfIndexOffset, indexOffset)
		virtualizedCode.PatchUint32(callbacksFieldOffset, callbacksOffset)
	}
	ctx.AddFixup(Fixup{Offset: addressOfIndexOffset, OffsetType: VirtualizedCode, Size: ptrSize, Op: AddVirtualizedCodeVA})
	ctx.AddFixup(Fixup{Offset: callbacksFieldOffset, OffsetType: VirtualizedCode, Size: ptrSize, Op: AddVirtualizedCodeVA})

	// The data directory entry itself lives in the optional header, not
	// in any section, so its file offset is already known (the headers'
	// layout doesn't move). Size is fixed now; VirtualAddress is
	// corrected once the virtualized-code section's VA is known.
	host.SetTLSDataDirectory(dirOffset, uint32(dirSize))
	vaFieldOffset := host.DataDirectoryFileOffset(peimage.DirTLS)
	ctx.AddFixup(Fixup{Offset: vaFieldOffset, OffsetType: Absolute, Size: 4, Op: AddVirtualizedCodeVA})
	return nil
}

func tlsDirectorySize(is64 bool) int {
	if is64 {
		return 40 // IMAGE_TLS_DIRECTORY64
	}
	return 24 // IMAGE_TLS_DIRECTORY32
}

func dirCharacteristicsOffset(is64 bool) int {
	if is64 {
		return 36
	}
	return 20
}

func tlsIndexFieldOffset(is64 bool) int {
	if is64 {
		return 16
	}
	return 8
}

func tlsCallbacksFieldOffset(is64 bool) int {
	if is64 {
		return 24
	}
	return 12
}

func readCallbackList(host *peimage.Image, va uint32, ptrSize int) ([]uint64, error) {
	if va == 0 {
		return nil, nil
	}
	sec := host.SectionByRVA(va)
	if sec == nil {
		return nil, errors.New("fixup: TLS callback array outside any section")
	}
	data, err := host.CopySection(sec)
	if err != nil {
		return nil, err
	}
	off := int(va - sec.VirtualAddress)
	var out []uint64
	for off+ptrSize <= len(data) {
		var v uint64
		if ptrSize == 8 {
			v = binary.LittleEndian.Uint64(data[off:])
		} else {
			v = uint64(binary.LittleEndian.Uint32(data[off:]))
		}
		if v == 0 {
			break
		}
		out = append(out, v)
		off += ptrSize
	}
	return out, nil
}
