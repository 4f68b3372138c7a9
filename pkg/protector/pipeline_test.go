package protector

import (
	"bytes"
	"encoding/binary"
	"testing"

	"golang.org/x/arch/x86/x86asm"

	"github.com/voidwalk/pevirt/pkg/peimage"
)

// --- minimal synthetic PE construction, no external fixtures -------------

const (
	testSecAlign  = 0x1000
	testFileAlign = 0x200
)

func alignUpT(v, a uint32) uint32 {
	if v%a == 0 {
		return v
	}
	return v + (a - v%a)
}

func padToT(b []byte, a uint32) []byte {
	want := alignUpT(uint32(len(b)), a)
	out := make([]byte, want)
	copy(out, b)
	return out
}

func machineFor(is64 bool) uint16 {
	if is64 {
		return 0x8664
	}
	return 0x14c
}

type fixedSection struct {
	name  string
	chars uint32
	va    uint32
	data  []byte
}

// encodeTestPE hand-assembles DOS header + NT headers + section headers +
// padded payloads for a minimal but bpe-parseable PE, mirroring the field
// layout peimage.Image.Build writes on the way out, in reverse: this is
// the raw input a real linker would have produced.
func encodeTestPE(t *testing.T, is64 bool, imageBase uint64, entryRVA uint32, secs []fixedSection, dataDirs [16]peimage.DataDirectory) []byte {
	t.Helper()
	const headerRoom = 0x80

	fileHeaderSize := uint32(binary.Size(peimage.FileHeader{}))
	var optHeaderSize uint32
	if is64 {
		optHeaderSize = uint32(binary.Size(peimage.OptionalHeader64{}))
	} else {
		optHeaderSize = uint32(binary.Size(peimage.OptionalHeader32{}))
	}
	sectionHeaderSize := uint32(binary.Size(peimage.SectionHeader{}))
	rawHeadersSize := headerRoom + 4 + fileHeaderSize + optHeaderSize + uint32(len(secs))*sectionHeaderSize
	headersSize := alignUpT(rawHeadersSize, testFileAlign)

	type laidOut struct {
		name      string
		chars     uint32
		va        uint32
		vsize     uint32
		raw       uint32
		paddedLen uint32
		data      []byte
	}
	var laid []laidOut
	rawCursor := headersSize
	var maxVA uint32
	for _, s := range secs {
		padded := padToT(s.data, testFileAlign)
		laid = append(laid, laidOut{
			name: s.name, chars: s.chars, va: s.va, vsize: uint32(len(s.data)),
			raw: rawCursor, paddedLen: uint32(len(padded)), data: padded,
		})
		rawCursor += uint32(len(padded))
		if end := s.va + alignUpT(uint32(len(s.data)), testSecAlign); end > maxVA {
			maxVA = end
		}
	}
	if maxVA == 0 {
		maxVA = testSecAlign
	}

	buf := &bytes.Buffer{}
	dos := make([]byte, headerRoom)
	dos[0], dos[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(dos[60:64], headerRoom)
	buf.Write(dos)
	must(t, binary.Write(buf, binary.LittleEndian, uint32(0x00004550)))

	fh := peimage.FileHeader{
		Machine:              machineFor(is64),
		NumberOfSections:     uint16(len(secs)),
		SizeOfOptionalHeader: uint16(optHeaderSize),
		Characteristics:      0x0102,
	}
	must(t, binary.Write(buf, binary.LittleEndian, fh))

	if is64 {
		oh := peimage.OptionalHeader64{
			Magic: peimage.Magic64, AddressOfEntryPoint: entryRVA, ImageBase: imageBase,
			SectionAlignment: testSecAlign, FileAlignment: testFileAlign,
			SizeOfImage: maxVA, SizeOfHeaders: headersSize, NumberOfRvaAndSizes: 16,
			DataDirectory: dataDirs,
		}
		must(t, binary.Write(buf, binary.LittleEndian, oh))
	} else {
		oh := peimage.OptionalHeader32{
			Magic: peimage.Magic32, AddressOfEntryPoint: entryRVA, ImageBase: uint32(imageBase),
			SectionAlignment: testSecAlign, FileAlignment: testFileAlign,
			SizeOfImage: maxVA, SizeOfHeaders: headersSize, NumberOfRvaAndSizes: 16,
			DataDirectory: dataDirs,
		}
		must(t, binary.Write(buf, binary.LittleEndian, oh))
	}

	for _, s := range laid {
		var nameBuf [8]byte
		copy(nameBuf[:], []byte(s.name))
		sh := peimage.SectionHeader{
			Name: nameBuf, VirtualSize: s.vsize, VirtualAddress: s.va,
			SizeOfRawData: s.paddedLen, PointerToRawData: s.raw,
			Characteristics: s.chars,
		}
		must(t, binary.Write(buf, binary.LittleEndian, sh))
	}

	out := padToT(buf.Bytes(), testFileAlign)
	for _, s := range laid {
		if uint32(len(out)) < s.raw {
			out = append(out, make([]byte, s.raw-uint32(len(out)))...)
		}
		out = append(out[:s.raw], s.data...)
	}
	return out
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("encode PE: %v", err)
	}
}

// buildTestInterpreter produces a minimal sidecar PE exporting
// VmInterpreter and TlsCallback out of a "vmfunc" section, matching
// VMFunctionsSectionName.
func buildTestInterpreter(t *testing.T, is64 bool) *peimage.Image {
	t.Helper()
	const funcVA = 0x1000

	vmInterpRVA := uint32(funcVA + 0)
	tlsCallbackRVA := uint32(funcVA + 8)
	exportDirOff := uint32(12)
	addrOfFuncsOff := exportDirOff + 40
	addrOfNamesOff := addrOfFuncsOff + 8
	addrOfOrdsOff := addrOfNamesOff + 8
	namesOff := addrOfOrdsOff + 4
	nameVmInterp := "VmInterpreter\x00"
	nameTlsCallback := "TlsCallback\x00"

	data := make([]byte, namesOff+uint32(len(nameVmInterp))+uint32(len(nameTlsCallback)))
	data[0], data[1] = 0x90, 0x90 // VmInterpreter body: a couple of NOPs
	data[8] = 0xCC                // TlsCallback body

	ed := peimage.ExportDirectory{
		NumberOfFunctions: 2, NumberOfNames: 2,
		AddressOfFunctions: funcVA + addrOfFuncsOff,
		AddressOfNames:     funcVA + addrOfNamesOff,
		AddressOfNameOrdinals: funcVA + addrOfOrdsOff,
	}
	edBuf := &bytes.Buffer{}
	must(t, binary.Write(edBuf, binary.LittleEndian, ed))
	copy(data[exportDirOff:], edBuf.Bytes())

	binary.LittleEndian.PutUint32(data[addrOfFuncsOff:], vmInterpRVA)
	binary.LittleEndian.PutUint32(data[addrOfFuncsOff+4:], tlsCallbackRVA)
	binary.LittleEndian.PutUint32(data[addrOfNamesOff:], funcVA+namesOff)
	binary.LittleEndian.PutUint32(data[addrOfNamesOff+4:], funcVA+namesOff+uint32(len(nameVmInterp)))
	binary.LittleEndian.PutUint16(data[addrOfOrdsOff:], 0)
	binary.LittleEndian.PutUint16(data[addrOfOrdsOff+2:], 1)
	copy(data[namesOff:], nameVmInterp)
	copy(data[namesOff+uint32(len(nameVmInterp)):], nameTlsCallback)

	var dataDirs [16]peimage.DataDirectory
	dataDirs[peimage.DirExport] = peimage.DataDirectory{VirtualAddress: funcVA + exportDirOff, Size: uint32(len(data))}

	raw := encodeTestPE(t, is64, 0x10000000, 0, []fixedSection{
		{name: VMFunctionsSectionName, chars: peimage.SCNMemRead | peimage.SCNMemExecute, va: funcVA, data: data},
	}, dataDirs)

	img, err := peimage.NewFromBytes(raw)
	if err != nil {
		t.Fatalf("parse interpreter PE: %v", err)
	}
	return img
}

// buildTestHost wraps textBytes (the S1/S2-style synthetic .text stream)
// in a minimal host PE with an empty .reloc section.
func buildTestHost(t *testing.T, is64 bool, textBytes []byte) *peimage.Image {
	t.Helper()
	const textVA = 0x1000
	const relocVA = 0x2000

	raw := encodeTestPE(t, is64, 0x00400000, textVA, []fixedSection{
		{name: ".text", chars: peimage.SCNCntCode | peimage.SCNMemExecute | peimage.SCNMemRead, va: textVA, data: textBytes},
		{name: ".reloc", chars: peimage.SCNCntInitializedData | peimage.SCNMemRead | peimage.SCNMemDiscardable, va: relocVA, data: nil},
	}, [16]peimage.DataDirectory{})

	img, err := peimage.NewFromBytes(raw)
	if err != nil {
		t.Fatalf("parse host PE: %v", err)
	}
	return img
}

// --- fake Virtualizer ------------------------------------------------------

type fakeVirtualizer struct {
	accept        func(x86asm.Inst) bool
	modifiesFlags func(x86asm.Inst) bool
}

func (v *fakeVirtualizer) Classify(inst x86asm.Inst) (uint32, bool, bool) {
	ok := true
	if v.accept != nil {
		ok = v.accept(inst)
	}
	flags := false
	if v.modifiesFlags != nil {
		flags = v.modifiesFlags(inst)
	}
	return 1, flags, ok
}

func (v *fakeVirtualizer) EmitBytecode(opcode, key uint32, relocRVAs []uint32) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:], opcode)
	binary.LittleEndian.PutUint32(buf[4:], key)
	return buf
}

// loader slot layout for the fake template: 24 bytes, each slot 4 bytes
// except ImageBase, which reserves 8 to cover the x64 case too.
var fakeLoaderSlots = LoaderSlots{VmCoreFunction: 0, OrigAddr: 4, ImageBase: 8, VmOpcodeEncryptionKey: 16, VmCodeAddr: 20}

func (v *fakeVirtualizer) EmitLoaderShellcode() ([]byte, LoaderSlots) {
	return make([]byte, 24), fakeLoaderSlots
}

// --- tests -----------------------------------------------------------------

// TestProtectS1PatchesVirtualizableInstruction covers S1: a straight-line
// push/mov/add/pop/ret stream where only the ADD is virtualizable.
func TestProtectS1PatchesVirtualizableInstruction(t *testing.T) {
	text := []byte{0x55, 0x89, 0xE5, 0x01, 0xC3, 0x5D, 0xC3} // push ebp; mov ebp,esp; add ebx,eax; pop ebp; ret
	host := buildTestHost(t, false, text)
	interp := buildTestInterpreter(t, false)

	p := &Pipeline{
		Host:        host,
		Interpreter: interp,
		Virtualizer: &fakeVirtualizer{
			accept: func(inst x86asm.Inst) bool { return inst.Op == x86asm.ADD },
		},
		SkipTLSInstall: true,
	}
	out, err := p.Protect()
	if err != nil {
		t.Fatalf("Protect: %v", err)
	}
	if len(out) == 0 {
		t.Fatal("Protect produced no output")
	}

	// Re-parse the finished PE and confirm the ADD at RVA 0x1003 was
	// replaced by a near jmp (0xE9) into the appended loader section,
	// while the push/mov prefix before it survives untouched.
	final, err := peimage.NewFromBytes(out)
	if err != nil {
		t.Fatalf("parse protected PE: %v", err)
	}
	finalText := final.TextSection()
	if finalText == nil {
		t.Fatal("protected PE lost its .text section")
	}
	finalTextBytes, err := final.CopySection(finalText)
	if err != nil {
		t.Fatalf("read protected .text: %v", err)
	}
	if len(finalTextBytes) < 5 || finalTextBytes[3] != 0xE9 {
		t.Fatalf(".text[3] = %#x, want 0xE9 (jmp into vmload)", finalTextBytes[3])
	}
	if finalTextBytes[0] != 0x55 || finalTextBytes[1] != 0x89 || finalTextBytes[2] != 0xE5 {
		t.Fatalf("push/mov prefix corrupted: %x", finalTextBytes[:3])
	}

	if final.SectionByName(VMLoaderSectionName) == nil {
		t.Fatal("protected PE missing vmload section")
	}
	vmCode := final.SectionByName(VMCodeSectionName)
	if vmCode == nil {
		t.Fatal("protected PE missing vmcode section")
	}
	vmCodeBytes, err := final.CopySection(vmCode)
	if err != nil {
		t.Fatalf("read vmcode: %v", err)
	}
	if len(vmCodeBytes) == 0 {
		t.Fatal("vmcode section is empty, expected emitted bytecode")
	}
}

// TestProtectSkipsNonVirtualizableInstructions confirms Protect completes
// without error when Classify always declines (module-level smoke test;
// the .text bytes themselves are not inspected here).
func TestProtectSkipsNonVirtualizableInstructions(t *testing.T) {
	text := []byte{0x55, 0x89, 0xE5, 0x5D, 0xC3} // push ebp; mov ebp,esp; pop ebp; ret
	host := buildTestHost(t, false, text)
	interp := buildTestInterpreter(t, false)

	p := &Pipeline{
		Host:           host,
		Interpreter:    interp,
		Virtualizer:    &fakeVirtualizer{accept: func(x86asm.Inst) bool { return false }},
		SkipTLSInstall: true,
	}
	if _, err := p.Protect(); err != nil {
		t.Fatalf("Protect: %v", err)
	}
}

// TestProtectRejectsEFLAGSModifyingInstruction covers the fatal-error
// path: a virtualizable instruction that also modifies EFLAGS must abort
// the run rather than silently drop the flag semantics.
func TestProtectRejectsEFLAGSModifyingInstruction(t *testing.T) {
	text := []byte{0x55, 0x89, 0xE5, 0x01, 0xC3, 0x5D, 0xC3}
	host := buildTestHost(t, false, text)
	interp := buildTestInterpreter(t, false)

	p := &Pipeline{
		Host:        host,
		Interpreter: interp,
		Virtualizer: &fakeVirtualizer{
			accept:        func(inst x86asm.Inst) bool { return inst.Op == x86asm.ADD },
			modifiesFlags: func(inst x86asm.Inst) bool { return inst.Op == x86asm.ADD },
		},
		SkipTLSInstall: true,
	}
	if _, err := p.Protect(); err == nil {
		t.Fatal("expected an error for an EFLAGS-modifying virtualizable instruction")
	}
}
