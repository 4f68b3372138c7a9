// Package reloc provides a sorted index over a PE's base-relocation RVAs
// so the protector pipeline can cheaply ask "does any relocation land
// inside this instruction's operand bytes" without rescanning the whole
// relocation table per instruction.
package reloc

import "sort"

// Index is a sorted, deduplicated list of relocation RVAs.
type Index struct {
	rvas []uint32
}

// NewIndex builds an Index from an unsorted, possibly duplicated list of
// RVAs, as produced by peimage.Image.EachRelocation.
func NewIndex(rvas []uint32) *Index {
	cp := make([]uint32, len(rvas))
	copy(cp, rvas)
	sort.Slice(cp, func(i, j int) bool { return cp[i] < cp[j] })
	out := cp[:0]
	for i, v := range cp {
		if i == 0 || v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return &Index{rvas: out}
}

// Contains reports whether rva is present in the index.
func (idx *Index) Contains(rva uint32) bool {
	i := sort.Search(len(idx.rvas), func(i int) bool { return idx.rvas[i] >= rva })
	return i < len(idx.rvas) && idx.rvas[i] == rva
}

// InRange returns every indexed RVA in [addr, addr+n), in ascending
// order. The protector pipeline uses this to find which relocations an instruction's
// raw bytes overlap, regardless of where inside the instruction the
// relocated operand starts.
func (idx *Index) InRange(addr uint32, n uint32) []uint32 {
	end := addr + n
	lo := sort.Search(len(idx.rvas), func(i int) bool { return idx.rvas[i] >= addr })
	hi := sort.Search(len(idx.rvas), func(i int) bool { return idx.rvas[i] >= end })
	if lo >= hi {
		return nil
	}
	out := make([]uint32, hi-lo)
	copy(out, idx.rvas[lo:hi])
	return out
}

// Remove deletes rva from the index if present; an absent rva is a no-op.
func (idx *Index) Remove(rva uint32) {
	i := sort.Search(len(idx.rvas), func(i int) bool { return idx.rvas[i] >= rva })
	if i < len(idx.rvas) && idx.rvas[i] == rva {
		idx.rvas = append(idx.rvas[:i], idx.rvas[i+1:]...)
	}
}

// Len returns the number of indexed RVAs.
func (idx *Index) Len() int { return len(idx.rvas) }

// All returns the indexed RVAs in ascending order. The caller must not
// mutate the returned slice.
func (idx *Index) All() []uint32 { return idx.rvas }
