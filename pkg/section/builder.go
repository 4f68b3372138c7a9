// Package section implements the growable section buffer the protector
// pipeline uses to accumulate the VM-loader and virtualized-code sections
// before their final virtual addresses are known.
package section

// Builder accumulates raw bytes for one PE section. Appends return the
// section-relative offset the data landed at; the caller is responsible
// for remembering that offset to later emit fixups against it.
type Builder struct {
	Name            string
	Characteristics uint32
	data            []byte

	sectionAlignment uint32
	fileAlignment    uint32
}

// New creates a builder for a section with the given name and
// characteristics, padded to fileAlignment on every Append.
// sectionAlignment is stored but not applied by the builder; VirtualSize
// reports the buffer length without rounding it to sectionAlignment.
func New(name string, characteristics uint32, sectionAlignment, fileAlignment uint32) *Builder {
	return &Builder{
		Name:             name,
		Characteristics:  characteristics,
		sectionAlignment: sectionAlignment,
		fileAlignment:    fileAlignment,
	}
}

// Append copies b onto the end of the buffer and returns the offset it
// starts at. The buffer is zero-padded to the file alignment grain after
// every append, so offsets returned by back-to-back Append calls are
// always usable as raw file deltas once the section's PointerToRawData is
// known.
func (b *Builder) Append(data []byte) uint32 {
	offset := uint32(len(b.data))
	b.data = append(b.data, data...)
	b.pad(b.fileAlignment)
	return offset
}

// AppendZeros reserves n zero bytes and returns the offset they start at.
// Callers either patch the slot afterwards (the TLS installer's callback
// pointers) or leave it zero (the synthesized TLS index cell).
func (b *Builder) AppendZeros(n uint32) uint32 {
	offset := uint32(len(b.data))
	b.data = append(b.data, make([]byte, n)...)
	b.pad(b.fileAlignment)
	return offset
}

func (b *Builder) pad(align uint32) {
	if align == 0 {
		return
	}
	if r := uint32(len(b.data)) % align; r != 0 {
		b.data = append(b.data, make([]byte, align-r)...)
	}
}

// Len returns the buffer's current length, i.e. the offset the next
// Append will land at.
func (b *Builder) Len() uint32 { return uint32(len(b.data)) }

// Bytes returns the accumulated, file-alignment-padded buffer.
func (b *Builder) Bytes() []byte { return b.data }

// VirtualSize is the section's size before section-alignment padding. It
// equals Len: the file-alignment padding added after each Append is
// included.
func (b *Builder) VirtualSize() uint32 { return uint32(len(b.data)) }

// PatchUint32 overwrites a little-endian uint32 already written at
// offset, used to fill loader-shellcode slots and TLS pointer slots after
// they have been appended.
func (b *Builder) PatchUint32(offset uint32, v uint32) {
	b.data[offset] = byte(v)
	b.data[offset+1] = byte(v >> 8)
	b.data[offset+2] = byte(v >> 16)
	b.data[offset+3] = byte(v >> 24)
}

// PatchUint64 is PatchUint32's 64-bit counterpart.
func (b *Builder) PatchUint64(offset uint32, v uint64) {
	for i := 0; i < 8; i++ {
		b.data[offset+uint32(i)] = byte(v >> (8 * i))
	}
}

// ReadUint32 / ReadUint64 read back a previously-written little-endian
// value at offset.
func (b *Builder) ReadUint32(offset uint32) uint32 {
	return uint32(b.data[offset]) | uint32(b.data[offset+1])<<8 |
		uint32(b.data[offset+2])<<16 | uint32(b.data[offset+3])<<24
}

func (b *Builder) ReadUint64(offset uint32) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b.data[offset+uint32(i)]) << (8 * i)
	}
	return v
}
