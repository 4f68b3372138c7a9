// Package fixup implements the deferred patch list described by the
// protector pipeline: a flat, append-only list of value-type patches that
// get resolved in a single ordered pass once every section's final virtual
// address is known.
package fixup

// OffsetType names which base a Fixup's Offset is relative to.
type OffsetType int

const (
	VmLoader OffsetType = iota
	Text
	Reloc
	VirtualizedCode
	Absolute
)

func (t OffsetType) String() string {
	switch t {
	case VmLoader:
		return "VmLoader"
	case Text:
		return "Text"
	case Reloc:
		return "Reloc"
	case VirtualizedCode:
		return "VirtualizedCode"
	case Absolute:
		return "Absolute"
	default:
		return "Unknown"
	}
}

// Op names the arithmetic applied against the final virtual address of the
// section a Fixup names.
type Op int

const (
	AddVmLoaderVA Op = iota
	AddVirtualizedCodeVA
	SubtractVmLoaderVA
)

func (o Op) String() string {
	switch o {
	case AddVmLoaderVA:
		return "AddVmLoaderVA"
	case AddVirtualizedCodeVA:
		return "AddVirtualizedCodeVA"
	case SubtractVmLoaderVA:
		return "SubtractVmLoaderVA"
	default:
		return "Unknown"
	}
}

// Fixup is a deferred patch. At resolve time the resolver reads the current
// little-endian integer of Size bytes at the file offset implied by
// (OffsetType, Offset), applies Op using the final virtual address of the
// section Op names, and writes the result back.
type Fixup struct {
	Offset     uint32
	OffsetType OffsetType
	Size       int // 4 or 8
	Op         Op
}

// Context is owned by the protector pass for the duration of one run. It is
// append-only during disassembly; resolution happens exactly once,
// afterwards.
type Context struct {
	Fixups []Fixup

	// RelocRVAsToRemove holds original-PE relocation RVAs to neutralize
	// (overwrite with ABSOLUTE, offset 0) because the instruction that
	// owned them was replaced by a jump into the loader. An RVA removed
	// here may be restored (see UnmarkRelocsInRange) if the disassembler later
	// decides the replacement was a misclassification.
	RelocRVAsToRemove []uint32

	// VMSectionOffsetsToRelocate holds section-relative offsets inside
	// the VM-loader section that will hold absolute addresses in the
	// final PE and therefore need entries in the synthesized .reloc
	// table.
	VMSectionOffsetsToRelocate []uint32

	// VirtualizedCodeOffsetsToRelocate is the same bookkeeping for the
	// virtualized-code section.
	VirtualizedCodeOffsetsToRelocate []uint32
}

// AddFixup appends a fixup to the list.
func (c *Context) AddFixup(f Fixup) {
	c.Fixups = append(c.Fixups, f)
}

// MarkRelocForRemoval records rva as neutralized.
func (c *Context) MarkRelocForRemoval(rva uint32) {
	c.RelocRVAsToRemove = append(c.RelocRVAsToRemove, rva)
}

// UnmarkRelocsInRange removes every previously-marked RVA in [begin, end)
// from the removal list, used by the invalid-instruction rollback path to
// re-validate relocations that turned out to belong to real data, not a
// virtualized instruction.
func (c *Context) UnmarkRelocsInRange(begin, end uint32) {
	kept := c.RelocRVAsToRemove[:0]
	for _, rva := range c.RelocRVAsToRemove {
		if rva >= begin && rva < end {
			continue
		}
		kept = append(kept, rva)
	}
	c.RelocRVAsToRemove = kept
}

// MarkedForRemoval reports whether rva is currently in the removal list.
func (c *Context) MarkedForRemoval(rva uint32) bool {
	for _, r := range c.RelocRVAsToRemove {
		if r == rva {
			return true
		}
	}
	return false
}
