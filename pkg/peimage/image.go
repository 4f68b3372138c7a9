package peimage

import (
	"bytes"
	"encoding/binary"
	"io"
	"sort"

	bpe "github.com/Binject/debug/pe"
	"github.com/pkg/errors"
)

// Image wraps a parsed PE file. Parsing is delegated to Binject/debug/pe;
// anything needing bit-exact on-disk framing (new sections, relocation
// blocks, TLS directories) is serialized by hand against the wire structs
// in types.go, since bpe's in-memory SectionHeader mixes a human-readable
// Name string with the wire layout.
type Image struct {
	File *bpe.File
}

// Open parses path as a PE file.
func Open(path string) (*Image, error) {
	f, err := bpe.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "peimage: open")
	}
	return &Image{File: f}, nil
}

// NewFromBytes parses raw as a PE file already resident in memory.
func NewFromBytes(raw []byte) (*Image, error) {
	f, err := bpe.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrap(err, "peimage: parse")
	}
	return &Image{File: f}, nil
}

func (img *Image) Is64() bool {
	_, ok := img.File.OptionalHeader.(*bpe.OptionalHeader64)
	return ok
}

func (img *Image) optHeader32() *bpe.OptionalHeader32 {
	h, _ := img.File.OptionalHeader.(*bpe.OptionalHeader32)
	return h
}

func (img *Image) optHeader64() *bpe.OptionalHeader64 {
	h, _ := img.File.OptionalHeader.(*bpe.OptionalHeader64)
	return h
}

// ImageBase returns the preferred load address from the optional header.
func (img *Image) ImageBase() uint64 {
	if h := img.optHeader64(); h != nil {
		return h.ImageBase
	}
	if h := img.optHeader32(); h != nil {
		return uint64(h.ImageBase)
	}
	return 0
}

// SectionAlignment / FileAlignment are the two padding grains from the
// optional header.
func (img *Image) SectionAlignment() uint32 {
	if h := img.optHeader64(); h != nil {
		return h.SectionAlignment
	}
	if h := img.optHeader32(); h != nil {
		return h.SectionAlignment
	}
	return 0x1000
}

func (img *Image) FileAlignment() uint32 {
	if h := img.optHeader64(); h != nil {
		return h.FileAlignment
	}
	if h := img.optHeader32(); h != nil {
		return h.FileAlignment
	}
	return 0x200
}

func (img *Image) Entrypoint() uint32 {
	if h := img.optHeader64(); h != nil {
		return h.AddressOfEntryPoint
	}
	if h := img.optHeader32(); h != nil {
		return h.AddressOfEntryPoint
	}
	return 0
}

func (img *Image) dataDirectory(index int) bpe.DataDirectory {
	if h := img.optHeader64(); h != nil {
		return h.DataDirectory[index]
	}
	if h := img.optHeader32(); h != nil {
		return h.DataDirectory[index]
	}
	return bpe.DataDirectory{}
}

func (img *Image) setDataDirectory(index int, d bpe.DataDirectory) {
	if h := img.optHeader64(); h != nil {
		h.DataDirectory[index] = d
		return
	}
	if h := img.optHeader32(); h != nil {
		h.DataDirectory[index] = d
	}
}

// SectionByName returns the section header matching name (".text",
// ".rdata", ...), or nil.
func (img *Image) SectionByName(name string) *bpe.Section {
	for _, s := range img.File.Sections {
		if trimSectionName(s.Name) == name {
			return s
		}
	}
	return nil
}

// SectionByRVA returns the section whose virtual range contains rva.
func (img *Image) SectionByRVA(rva uint32) *bpe.Section {
	for _, s := range img.File.Sections {
		size := s.VirtualSize
		if size == 0 {
			size = s.Size
		}
		if rva >= s.VirtualAddress && rva < s.VirtualAddress+size {
			return s
		}
	}
	return nil
}

func trimSectionName(n string) string {
	for i, c := range n {
		if c == 0 {
			return n[:i]
		}
	}
	return n
}

// RVAToFileOffset converts an RVA to a raw file offset via the owning
// section's Offset/VirtualAddress pair.
func (img *Image) RVAToFileOffset(rva uint32) (uint32, error) {
	s := img.SectionByRVA(rva)
	if s == nil {
		return 0, errors.Errorf("peimage: rva 0x%x not in any section", rva)
	}
	return s.Offset + (rva - s.VirtualAddress), nil
}

// FileOffsetToRVA is the inverse of RVAToFileOffset.
func (img *Image) FileOffsetToRVA(off uint32) (uint32, error) {
	for _, s := range img.File.Sections {
		if off >= s.Offset && off < s.Offset+s.Size {
			return s.VirtualAddress + (off - s.Offset), nil
		}
	}
	return 0, errors.Errorf("peimage: file offset 0x%x not in any section", off)
}

// Relocation is one resolved entry from the base-relocation table.
type Relocation struct {
	RVA  uint32
	Type uint16
}

// EachRelocation visits every relocation entry in the table, including
// ABSOLUTE padding entries. visit returning false stops iteration early.
func (img *Image) EachRelocation(visit func(Relocation) bool) {
	if img.File.BaseRelocationTable == nil {
		return
	}
	for _, block := range *img.File.BaseRelocationTable {
		for _, item := range block.BlockItems {
			if !visit(Relocation{RVA: block.VirtualAddress + uint32(item.Offset), Type: uint16(item.Type)}) {
				return
			}
		}
	}
}

// EachRelocationConst is a read-only alias of EachRelocation; neither
// mutates regardless of which is called.
func (img *Image) EachRelocationConst(visit func(Relocation) bool) {
	img.EachRelocation(visit)
}

// Relocate applies delta to every non-ABSOLUTE relocation entry's target
// value, rewriting the image's own section bytes in place. Used to
// pre-relocate the sidecar interpreter PE against the host's chosen base.
func (img *Image) Relocate(delta int64) error {
	if img.File.BaseRelocationTable == nil {
		return nil
	}
	is64 := img.Is64()
	for _, block := range *img.File.BaseRelocationTable {
		for _, item := range block.BlockItems {
			if item.Type == RelBasedAbsolute {
				continue
			}
			rva := block.VirtualAddress + uint32(item.Offset)
			sec := img.SectionByRVA(rva)
			if sec == nil {
				continue
			}
			data, err := sectionData(sec)
			if err != nil {
				return err
			}
			rel := int(rva - sec.VirtualAddress)
			switch item.Type {
			case RelBasedHighLow:
				if rel+4 > len(data) {
					continue
				}
				v := binary.LittleEndian.Uint32(data[rel:])
				binary.LittleEndian.PutUint32(data[rel:], uint32(int64(v)+delta))
			case RelBasedDir64:
				if !is64 || rel+8 > len(data) {
					continue
				}
				v := binary.LittleEndian.Uint64(data[rel:])
				binary.LittleEndian.PutUint64(data[rel:], uint64(int64(v)+delta))
			default:
				return errors.Errorf("peimage: unsupported relocation type %d", item.Type)
			}
			sec.Replace(bytes.NewReader(data), int64(len(data)))
		}
	}
	return nil
}

// NeutralizeRelocations overwrites every block item whose RVA is in rvas
// with an ABSOLUTE-type, zero-offset entry, used by the protector pass to
// apply reloc_rvas_to_remove in one batch before assembly.
func (img *Image) NeutralizeRelocations(rvas map[uint32]bool) {
	if img.File.BaseRelocationTable == nil {
		return
	}
	blocks := *img.File.BaseRelocationTable
	for bi := range blocks {
		block := &blocks[bi]
		for ii := range block.BlockItems {
			item := &block.BlockItems[ii]
			rva := block.VirtualAddress + uint32(item.Offset)
			if rvas[rva] {
				item.Type = RelBasedAbsolute
				item.Offset = 0
			}
		}
	}
}

func sectionData(s *bpe.Section) ([]byte, error) {
	r := s.Open()
	data := make([]byte, s.Size)
	n, err := io.ReadFull(r, data)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, errors.Wrap(err, "peimage: read section")
	}
	return data[:n], nil
}

// CopySection returns a fresh copy of a section's raw payload, deep-copied
// so later appends to a destination buffer can't alias it.
func (img *Image) CopySection(s *bpe.Section) ([]byte, error) {
	data, err := sectionData(s)
	if err != nil {
		return nil, err
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// TextSection / RDataSection are convenience wrappers the driver and
// pipeline both need often enough to name directly.
func (img *Image) TextSection() *bpe.Section  { return img.SectionByName(".text") }
func (img *Image) RDataSection() *bpe.Section { return img.SectionByName(".rdata") }

// Export is a single (name, RVA) pair from the export directory.
type Export struct {
	Name string
	RVA  uint32
}

// Exports parses the export directory by hand; bpe exposes only the raw
// directory entry, not a decoded table.
func (img *Image) Exports() ([]Export, error) {
	dd := img.dataDirectory(DirExport)
	println("DEBUG dd.VirtualAddress", dd.VirtualAddress, "dd.Size", dd.Size)
	if dd.VirtualAddress == 0 {
		return nil, nil
	}
	sec := img.SectionByRVA(dd.VirtualAddress)
	if sec == nil {
		return nil, errors.New("peimage: export directory outside any section")
	}
	data, err := sectionData(sec)
	if err != nil {
		return nil, err
	}
	base := int(dd.VirtualAddress - sec.VirtualAddress)
	println("DEBUG sec.Name", sec.Name, "sec.VA", sec.VirtualAddress, "base", base, "len(data)", len(data))
	println("DEBUG bytes", data[base], data[base+1], data[base+2], data[base+3])
	if base+40 > len(data) {
		return nil, errors.New("peimage: export directory truncated")
	}
	var ed ExportDirectory
	if err := binary.Read(bytes.NewReader(data[base:base+40]), binary.LittleEndian, &ed); err != nil {
		return nil, errors.Wrap(err, "peimage: decode export directory")
	}
	println("DEBUG ed.NumberOfNames", ed.NumberOfNames, "AddressOfNames", ed.AddressOfNames, "AddressOfFunctions", ed.AddressOfFunctions, "AddressOfNameOrdinals", ed.AddressOfNameOrdinals)

	readU32 := func(rva uint32, idx uint32) (uint32, error) {
		s := img.SectionByRVA(rva)
		if s == nil {
			return 0, errors.New("peimage: export array outside any section")
		}
		d, err := sectionData(s)
		if err != nil {
			return 0, err
		}
		off := int(rva-s.VirtualAddress) + int(idx)*4
		if off+4 > len(d) {
			return 0, errors.New("peimage: export array truncated")
		}
		return binary.LittleEndian.Uint32(d[off:]), nil
	}
	readU16 := func(rva uint32, idx uint32) (uint16, error) {
		s := img.SectionByRVA(rva)
		if s == nil {
			return 0, errors.New("peimage: export array outside any section")
		}
		d, err := sectionData(s)
		if err != nil {
			return 0, err
		}
		off := int(rva-s.VirtualAddress) + int(idx)*2
		if off+2 > len(d) {
			return 0, errors.New("peimage: export array truncated")
		}
		return binary.LittleEndian.Uint16(d[off:]), nil
	}
	readCString := func(rva uint32) (string, error) {
		s := img.SectionByRVA(rva)
		if s == nil {
			return "", errors.New("peimage: string outside any section")
		}
		d, err := sectionData(s)
		if err != nil {
			return "", err
		}
		off := int(rva - s.VirtualAddress)
		end := off
		for end < len(d) && d[end] != 0 {
			end++
		}
		return string(d[off:end]), nil
	}

	out := make([]Export, 0, ed.NumberOfNames)
	for i := uint32(0); i < ed.NumberOfNames; i++ {
		nameRVA, err := readU32(ed.AddressOfNames, i)
		if err != nil {
			return nil, err
		}
		name, err := readCString(nameRVA)
		if err != nil {
			return nil, err
		}
		ord, err := readU16(ed.AddressOfNameOrdinals, i)
		if err != nil {
			return nil, err
		}
		fnRVA, err := readU32(ed.AddressOfFunctions, uint32(ord))
		if err != nil {
			return nil, err
		}
		if fnRVA == 0 {
			continue
		}
		out = append(out, Export{Name: name, RVA: fnRVA})
	}
	return out, nil
}

// ExportByName resolves a single export's section-relative offset and
// owning section, matching the protector pipeline's need to locate
// VmInterpreter/TlsCallback inside the sidecar interpreter PE.
func (img *Image) ExportByName(name string) (sec *bpe.Section, offset uint32, err error) {
	exports, err := img.Exports()
	if err != nil {
		return nil, 0, err
	}
	for _, e := range exports {
		if e.Name == name {
			s := img.SectionByRVA(e.RVA)
			if s == nil {
				return nil, 0, errors.Errorf("peimage: export %s outside any section", name)
			}
			return s, e.RVA - s.VirtualAddress, nil
		}
	}
	return nil, 0, errors.Errorf("peimage: export not found: %s", name)
}

// ZeroDataDirectory clears both the in-file bytes covered by a data
// directory and the directory entry itself, used for LOAD_CONFIG/DEBUG
// stripping in the fixup resolver's final pass.
func (img *Image) ZeroDataDirectory(index int) error {
	dd := img.dataDirectory(index)
	if dd.VirtualAddress == 0 {
		return nil
	}
	sec := img.SectionByRVA(dd.VirtualAddress)
	if sec != nil {
		data, err := sectionData(sec)
		if err != nil {
			return err
		}
		off := int(dd.VirtualAddress - sec.VirtualAddress)
		end := off + int(dd.Size)
		if end > len(data) {
			end = len(data)
		}
		for i := off; i < end; i++ {
			data[i] = 0
		}
		sec.Replace(bytes.NewReader(data), int64(len(data)))
	}
	img.setDataDirectory(index, bpe.DataDirectory{})
	return nil
}

// BaseRelocationDataDirectory returns the current BASERELOC directory
// entry, used by the protector pipeline to find the existing .reloc
// section's logical size before trimming trailing padding.
func (img *Image) BaseRelocationDataDirectory() (va, size uint32) {
	dd := img.dataDirectory(DirBaseReloc)
	return dd.VirtualAddress, dd.Size
}

func (img *Image) SetBaseRelocationDataDirectory(va, size uint32) {
	img.setDataDirectory(DirBaseReloc, bpe.DataDirectory{VirtualAddress: va, Size: size})
}

// DataDirectoryFileOffset returns the file offset of a data directory
// entry's VirtualAddress field inside the optional header. The headers'
// own layout is fixed at parse time regardless of where new sections
// eventually land, so this can be computed immediately, unlike offsets
// inside the sections being built.
func (img *Image) DataDirectoryFileOffset(index int) uint32 {
	base := img.File.DosHeader.AddressOfNewExeHeader + 4 + uint32(binary.Size(FileHeader{}))
	if img.Is64() {
		base += 112
	} else {
		base += 96
	}
	return base + uint32(index)*8
}

func (img *Image) TLSDataDirectory() (va, size uint32) {
	dd := img.dataDirectory(DirTLS)
	return dd.VirtualAddress, dd.Size
}

func (img *Image) SetTLSDataDirectory(va, size uint32) {
	img.setDataDirectory(DirTLS, bpe.DataDirectory{VirtualAddress: va, Size: size})
}

// BuiltSection is an ordered, fully-materialized section ready for layout
// in Build.
type BuiltSection struct {
	Name            string
	Characteristics uint32
	Data            []byte
}

// BuiltLayout is a section's final placement after Build has run, keyed by
// trimmed name so the fixup resolver can look up VmLoader/Text/Reloc/
// VirtualizedCode regardless of whether they were original or appended.
type BuiltLayout struct {
	VirtualAddress   uint32
	PointerToRawData uint32
}

// Build lays out the original sections (already mutated in place via the
// bpe.Section handles) plus any new sections appended after them, then
// serializes DOS stub + NT headers + section headers + padded payloads by
// hand against the wire structs in types.go, producing the final byte
// stream directly rather than depending on a high-level rebuild entrypoint.
func (img *Image) Build(extra []BuiltSection) ([]byte, map[string]BuiltLayout, error) {
	secAlign := img.SectionAlignment()
	fileAlign := img.FileAlignment()

	type laidOutSection struct {
		header SectionHeader
		data   []byte
	}

	var sections []laidOutSection
	var maxVA, maxRaw uint32

	appendOriginal := func(s *bpe.Section) error {
		data, err := sectionData(s)
		if err != nil {
			return err
		}
		var nameBuf [8]byte
		copy(nameBuf[:], []byte(trimSectionName(s.Name)))
		vsize := s.VirtualSize
		if vsize == 0 {
			vsize = uint32(len(data))
		}
		h := SectionHeader{
			Name:            nameBuf,
			VirtualSize:     vsize,
			VirtualAddress:  s.VirtualAddress,
			SizeOfRawData:   alignUp(uint32(len(data)), fileAlign),
			Characteristics: s.Characteristics,
		}
		sections = append(sections, laidOutSection{header: h, data: padTo(data, fileAlign)})
		if end := s.VirtualAddress + alignUp(vsize, secAlign); end > maxVA {
			maxVA = end
		}
		return nil
	}

	for _, s := range img.File.Sections {
		if err := appendOriginal(s); err != nil {
			return nil, nil, err
		}
	}

	for _, ex := range extra {
		var nameBuf [8]byte
		copy(nameBuf[:], []byte(ex.Name))
		va := alignUp(maxVA, secAlign)
		h := SectionHeader{
			Name:            nameBuf,
			VirtualSize:     uint32(len(ex.Data)),
			VirtualAddress:  va,
			SizeOfRawData:   alignUp(uint32(len(ex.Data)), fileAlign),
			Characteristics: ex.Characteristics,
		}
		sections = append(sections, laidOutSection{header: h, data: padTo(ex.Data, fileAlign)})
		maxVA = va + alignUp(uint32(len(ex.Data)), secAlign)
	}

	headersSize := img.headersSize(len(sections))
	headersSize = alignUp(headersSize, fileAlign)
	maxRaw = headersSize
	for i := range sections {
		sections[i].header.PointerToRawData = alignUp(maxRaw, fileAlign)
		maxRaw = sections[i].header.PointerToRawData + uint32(len(sections[i].data))
	}

	sizeOfImage := alignUp(maxVA, secAlign)

	buf := &bytes.Buffer{}
	if err := img.writeHeaders(buf, headersSize, sizeOfImage, len(sections)); err != nil {
		return nil, nil, err
	}
	for _, s := range sections {
		if err := binary.Write(buf, binary.LittleEndian, s.header); err != nil {
			return nil, nil, errors.Wrap(err, "peimage: write section header")
		}
	}
	out := buf.Bytes()
	out = padTo(out, fileAlign)
	layouts := make(map[string]BuiltLayout, len(sections))
	for i, s := range sections {
		want := int(sections[i].header.PointerToRawData)
		if len(out) < want {
			out = append(out, make([]byte, want-len(out))...)
		}
		out = append(out[:want], s.data...)
		layouts[trimSectionName(string(s.header.Name[:]))] = BuiltLayout{
			VirtualAddress:   s.header.VirtualAddress,
			PointerToRawData: s.header.PointerToRawData,
		}
	}
	return out, layouts, nil
}

func (img *Image) headersSize(numSections int) uint32 {
	// DOS header + stub, rounded e_lfanew, + "PE\0\0" + FileHeader +
	// OptionalHeader + section header table.
	dos := img.File.DosHeader
	size := dos.AddressOfNewExeHeader
	size += 4
	size += uint32(binary.Size(FileHeader{}))
	if img.Is64() {
		size += uint32(binary.Size(OptionalHeader64{}))
	} else {
		size += uint32(binary.Size(OptionalHeader32{}))
	}
	size += uint32(numSections) * uint32(binary.Size(SectionHeader{}))
	return size
}

func (img *Image) writeHeaders(buf *bytes.Buffer, headersSize, sizeOfImage uint32, numSections int) error {
	dos := img.File.DosHeader
	dosBytes := make([]byte, dos.AddressOfNewExeHeader)
	// Minimal valid MZ stub: signature only, the rest stays zero. The
	// loader never executes this path (IMAGE_DOS_HEADER is only consulted
	// for e_lfanew), but keep the signature for tools that sniff it.
	if len(dosBytes) >= 2 {
		dosBytes[0], dosBytes[1] = 'M', 'Z'
	}
	if len(dosBytes) >= 64 {
		binary.LittleEndian.PutUint32(dosBytes[60:64], dos.AddressOfNewExeHeader)
	}
	buf.Write(dosBytes)

	if err := binary.Write(buf, binary.LittleEndian, uint32(peSignature)); err != nil {
		return err
	}
	fh := FileHeader{
		Machine:              img.File.Machine,
		NumberOfSections:     uint16(numSections),
		TimeDateStamp:        img.File.TimeDateStamp,
		PointerToSymbolTable: 0,
		NumberOfSymbols:      0,
		Characteristics:      img.File.Characteristics,
	}
	if img.Is64() {
		fh.SizeOfOptionalHeader = uint16(binary.Size(OptionalHeader64{}))
	} else {
		fh.SizeOfOptionalHeader = uint16(binary.Size(OptionalHeader32{}))
	}
	if err := binary.Write(buf, binary.LittleEndian, fh); err != nil {
		return err
	}

	if h := img.optHeader64(); h != nil {
		oh := *h
		oh.SizeOfImage = sizeOfImage
		oh.SizeOfHeaders = headersSize
		return binary.Write(buf, binary.LittleEndian, toWireOptionalHeader64(oh))
	}
	if h := img.optHeader32(); h != nil {
		oh := *h
		oh.SizeOfImage = sizeOfImage
		oh.SizeOfHeaders = headersSize
		return binary.Write(buf, binary.LittleEndian, toWireOptionalHeader32(oh))
	}
	return errors.New("peimage: no optional header")
}

func toWireOptionalHeader64(h bpe.OptionalHeader64) OptionalHeader64 {
	var dd [16]DataDirectory
	for i, d := range h.DataDirectory {
		dd[i] = DataDirectory{VirtualAddress: d.VirtualAddress, Size: d.Size}
	}
	return OptionalHeader64{
		Magic: Magic64, MajorLinkerVersion: h.MajorLinkerVersion, MinorLinkerVersion: h.MinorLinkerVersion,
		SizeOfCode: h.SizeOfCode, SizeOfInitializedData: h.SizeOfInitializedData,
		SizeOfUninitializedData: h.SizeOfUninitializedData, AddressOfEntryPoint: h.AddressOfEntryPoint,
		BaseOfCode: h.BaseOfCode, ImageBase: h.ImageBase, SectionAlignment: h.SectionAlignment,
		FileAlignment: h.FileAlignment, MajorOperatingSystemVersion: h.MajorOperatingSystemVersion,
		MinorOperatingSystemVersion: h.MinorOperatingSystemVersion, MajorImageVersion: h.MajorImageVersion,
		MinorImageVersion: h.MinorImageVersion, MajorSubsystemVersion: h.MajorSubsystemVersion,
		MinorSubsystemVersion: h.MinorSubsystemVersion, Win32VersionValue: h.Win32VersionValue,
		SizeOfImage: h.SizeOfImage, SizeOfHeaders: h.SizeOfHeaders, CheckSum: h.CheckSum,
		Subsystem: h.Subsystem, DllCharacteristics: h.DllCharacteristics, SizeOfStackReserve: h.SizeOfStackReserve,
		SizeOfStackCommit: h.SizeOfStackCommit, SizeOfHeapReserve: h.SizeOfHeapReserve,
		SizeOfHeapCommit: h.SizeOfHeapCommit, LoaderFlags: h.LoaderFlags,
		NumberOfRvaAndSizes: h.NumberOfRvaAndSizes, DataDirectory: dd,
	}
}

func toWireOptionalHeader32(h bpe.OptionalHeader32) OptionalHeader32 {
	var dd [16]DataDirectory
	for i, d := range h.DataDirectory {
		dd[i] = DataDirectory{VirtualAddress: d.VirtualAddress, Size: d.Size}
	}
	return OptionalHeader32{
		Magic: Magic32, MajorLinkerVersion: h.MajorLinkerVersion, MinorLinkerVersion: h.MinorLinkerVersion,
		SizeOfCode: h.SizeOfCode, SizeOfInitializedData: h.SizeOfInitializedData,
		SizeOfUninitializedData: h.SizeOfUninitializedData, AddressOfEntryPoint: h.AddressOfEntryPoint,
		BaseOfCode: h.BaseOfCode, BaseOfData: h.BaseOfData, ImageBase: h.ImageBase,
		SectionAlignment: h.SectionAlignment, FileAlignment: h.FileAlignment,
		MajorOperatingSystemVersion: h.MajorOperatingSystemVersion, MinorOperatingSystemVersion: h.MinorOperatingSystemVersion,
		MajorImageVersion: h.MajorImageVersion, MinorImageVersion: h.MinorImageVersion,
		MajorSubsystemVersion: h.MajorSubsystemVersion, MinorSubsystemVersion: h.MinorSubsystemVersion,
		Win32VersionValue: h.Win32VersionValue, SizeOfImage: h.SizeOfImage, SizeOfHeaders: h.SizeOfHeaders,
		CheckSum: h.CheckSum, Subsystem: h.Subsystem, DllCharacteristics: h.DllCharacteristics,
		SizeOfStackReserve: h.SizeOfStackReserve, SizeOfStackCommit: h.SizeOfStackCommit,
		SizeOfHeapReserve: h.SizeOfHeapReserve, SizeOfHeapCommit: h.SizeOfHeapCommit,
		LoaderFlags: h.LoaderFlags, NumberOfRvaAndSizes: h.NumberOfRvaAndSizes, DataDirectory: dd,
	}
}

func alignUp(v, align uint32) uint32 {
	if align == 0 {
		return v
	}
	if r := v % align; r != 0 {
		return v + (align - r)
	}
	return v
}

func padTo(data []byte, align uint32) []byte {
	want := alignUp(uint32(len(data)), align)
	if want == uint32(len(data)) {
		return data
	}
	out := make([]byte, want)
	copy(out, data)
	return out
}

var _ = sort.Search // reserved for future lower-bound lookups against sections
