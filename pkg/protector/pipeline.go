// Package protector orchestrates the protect pass: load the sidecar
// interpreter, drive pkg/disasm over the host's .text, and for every
// virtualizable instruction emit bytecode plus loader shellcode, patch
// .text with a jump into the loader, and record the fixups pkg/fixup
// resolves once the new sections have a final virtual address.
package protector

import (
	"bytes"
	"encoding/binary"
	"math/rand"

	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"

	"github.com/voidwalk/pevirt/pkg/disasm"
	"github.com/voidwalk/pevirt/pkg/fixup"
	"github.com/voidwalk/pevirt/pkg/peimage"
	"github.com/voidwalk/pevirt/pkg/reloc"
	"github.com/voidwalk/pevirt/pkg/section"
)

// Fixed section names the protector appends. Unlike VMFunctionsSectionName
// (a convention the sidecar interpreter must follow), these two are wholly
// owned by the protector.
const (
	VMLoaderSectionName = "vmload"
	VMCodeSectionName   = "vmcode"

	// VMFunctionsSectionName is the section the sidecar interpreter must
	// carry its VmInterpreter/TlsCallback exports in; its whole contents
	// become the VM-loader section's seed.
	VMFunctionsSectionName = "vmfunc"
)

const (
	vmLoaderCharacteristics = peimage.SCNCntCode | peimage.SCNMemExecute | peimage.SCNMemRead | peimage.SCNMemDiscardable
	vmCodeCharacteristics   = peimage.SCNCntInitializedData | peimage.SCNMemExecute | peimage.SCNMemRead | peimage.SCNMemWrite | peimage.SCNMemDiscardable
)

// LoaderSlots names the byte offsets, inside one loader-shellcode
// template, of the five values the pipeline patches. The virtualizer
// owns the template's actual bytes; the pipeline only needs to know
// where these values live in it.
type LoaderSlots struct {
	VmOpcodeEncryptionKey uint32
	VmCodeAddr            uint32
	VmCoreFunction        uint32
	OrigAddr              uint32
	ImageBase             uint32
}

// Virtualizer is the external collaborator that owns the bytecode ISA,
// the per-instruction shellcode emitter, and the interpreter itself. The
// pipeline only needs to ask it three questions.
type Virtualizer interface {
	// Classify reports whether inst can be virtualized at all, the
	// opcode to pass to EmitBytecode if so, and whether inst modifies
	// EFLAGS (fatal if combined with virtualizable == true, since the
	// interpreter does not preserve flags).
	Classify(inst x86asm.Inst) (opcode uint32, modifiesFlags bool, virtualizable bool)

	// EmitBytecode renders the custom instruction stream for one
	// accepted instruction, parameterized by opcode, a freshly drawn
	// encryption key, and the relocation RVAs its original bytes
	// overlapped.
	EmitBytecode(opcode, key uint32, relocRVAs []uint32) []byte

	// EmitLoaderShellcode returns a fresh copy of the loader template
	// and the slot offsets within it. Called once per accepted
	// instruction since the template is patched and appended in place.
	EmitLoaderShellcode() (template []byte, slots LoaderSlots)
}

// Pipeline holds one protect run's configuration. It is not reusable
// across calls to Protect: the host and interpreter images are mutated
// in place.
type Pipeline struct {
	Host        *peimage.Image
	Interpreter *peimage.Image
	Virtualizer Virtualizer

	// FollowRDataPointers enables the .rdata function-pointer seeding
	// code-discovery path.
	FollowRDataPointers bool

	// SkipTLSInstall disables TLS callback installation entirely; when
	// false, the resolver picks between extending an existing TLS
	// directory and synthesizing a new one, keyed off whether the host
	// already has one.
	SkipTLSInstall bool

	// Rand drives both the per-instruction encryption key and the
	// random filler bytes written over a patched instruction. Supply a
	// seeded *rand.Rand for reproducible output; nil gets a
	// fixed-seed default.
	Rand *rand.Rand

	// RTTIObfuscationHook is called, if non-nil, immediately before the
	// fixup resolver's LOAD_CONFIG/DEBUG nullification step. Nil by
	// default; implementing the obfuscation itself is a non-goal.
	RTTIObfuscationHook func(*peimage.Image) error
}

// Protect runs the full protect pass and returns the finished PE's bytes.
func (p *Pipeline) Protect() ([]byte, error) {
	if p.Rand == nil {
		p.Rand = rand.New(rand.NewSource(1))
	}
	is64 := p.Host.Is64()
	if is64 != p.Interpreter.Is64() {
		return nil, errors.New("protector: host and interpreter bitness mismatch")
	}

	hostTextSec := p.Host.TextSection()
	if hostTextSec == nil {
		return nil, errors.New("protector: host PE has no .text section")
	}
	hostRelocSec := p.Host.SectionByName(".reloc")
	if hostRelocSec == nil {
		return nil, errors.New("protector: host PE has no .reloc section")
	}

	// 1. Load interpreter PE, validate, locate exports.
	codeSec := p.Interpreter.SectionByName(VMFunctionsSectionName)
	if codeSec == nil {
		return nil, errors.Errorf("protector: interpreter missing %s section", VMFunctionsSectionName)
	}
	interpFuncSec, interpFuncOffset, err := p.Interpreter.ExportByName("VmInterpreter")
	if err != nil {
		return nil, errors.Wrap(err, "protector: locate VmInterpreter export")
	}
	tlsCallbackSec, tlsCallbackOffset, err := p.Interpreter.ExportByName("TlsCallback")
	if err != nil {
		return nil, errors.Wrap(err, "protector: locate TlsCallback export")
	}
	if interpFuncSec != codeSec || tlsCallbackSec != codeSec {
		return nil, errors.Errorf("protector: VmInterpreter/TlsCallback must live in %s", VMFunctionsSectionName)
	}

	// 2. Pre-relocate interpreter against the host's image base, zeroing
	// out its code section's own VA so every relocated value inside it
	// becomes host image base + section-relative offset, ready for the
	// {VmLoader, AddVmLoaderVA} fixup later.
	delta := int64(p.Host.ImageBase()) - (int64(p.Interpreter.ImageBase()) + int64(codeSec.VirtualAddress))
	if err := p.Interpreter.Relocate(delta); err != nil {
		return nil, errors.Wrap(err, "protector: pre-relocate interpreter")
	}

	// 3. Create VM-loader and virtualized-code sections.
	vmLoaderSeed, err := p.Interpreter.CopySection(codeSec)
	if err != nil {
		return nil, errors.Wrap(err, "protector: copy interpreter code section")
	}
	vmLoader := section.New(VMLoaderSectionName, vmLoaderCharacteristics, p.Host.SectionAlignment(), p.Host.FileAlignment())
	vmLoader.Append(vmLoaderSeed)
	virtualizedCode := section.New(VMCodeSectionName, vmCodeCharacteristics, p.Host.SectionAlignment(), p.Host.FileAlignment())

	ctx := &fixup.Context{}

	// 4. Optional TLS install.
	if !p.SkipTLSInstall {
		if err := fixup.InstallTLS(p.Host, virtualizedCode, ctx, tlsCallbackOffset, is64); err != nil {
			return nil, errors.Wrap(err, "protector: install TLS callback")
		}
	}

	// 5. Save original .text for rollback; newText is the working copy.
	originalText, err := p.Host.CopySection(hostTextSec)
	if err != nil {
		return nil, errors.Wrap(err, "protector: copy .text")
	}
	newText, err := p.Host.CopySection(hostTextSec)
	if err != nil {
		return nil, errors.Wrap(err, "protector: copy .text")
	}

	// The code-discovery adapter reads .text/.rdata through independent
	// CopySection calls, so building it now (before newText is ever
	// written back into the section) captures the untouched bytes.
	adapter, err := newImageAdapter(p.Host)
	if err != nil {
		return nil, err
	}

	// 6. Seed fixups for the interpreter's own internal relocations.
	codeSecSize := sectionExtent(codeSec.VirtualSize, uint32(len(vmLoaderSeed)))
	ptrSize := 4
	if is64 {
		ptrSize = 8
	}
	p.Interpreter.EachRelocation(func(r peimage.Relocation) bool {
		if r.Type == peimage.RelBasedAbsolute {
			return true
		}
		if r.RVA < codeSec.VirtualAddress || r.RVA >= codeSec.VirtualAddress+codeSecSize {
			return true
		}
		off := r.RVA - codeSec.VirtualAddress
		ctx.VMSectionOffsetsToRelocate = append(ctx.VMSectionOffsetsToRelocate, off)
		ctx.AddFixup(fixup.Fixup{Offset: off, OffsetType: fixup.VmLoader, Size: ptrSize, Op: fixup.AddVmLoaderVA})
		return true
	})

	// 7. Build the sorted original-PE relocation RVA list.
	var hostRelocRVAs []uint32
	p.Host.EachRelocation(func(r peimage.Relocation) bool {
		if r.Type != peimage.RelBasedAbsolute {
			hostRelocRVAs = append(hostRelocRVAs, r.RVA)
		}
		return true
	})
	relocIndex := reloc.NewIndex(hostRelocRVAs)

	// 8. Run the disassembly driver.
	patchedSize := map[uint32]int{}

	onInstruction := func(ev disasm.InstructionEvent) error {
		opcode, modifiesFlags, virtualizable := p.Virtualizer.Classify(ev.Inst)
		if !virtualizable {
			return nil
		}
		if modifiesFlags {
			return errors.Errorf("protector: instruction at rva %#x modifies EFLAGS and cannot be virtualized", ev.RVA)
		}

		relocs := relocIndex.InRange(ev.RVA, uint32(ev.Size))
		key := uint32(p.Rand.Intn(10_000_000-1000) + 1000)

		bytecode := p.Virtualizer.EmitBytecode(opcode, key, relocs)
		vOffset := virtualizedCode.Append(bytecode)

		template, slots := p.Virtualizer.EmitLoaderShellcode()
		lOffset := vmLoader.Append(template)

		vmLoader.PatchUint32(lOffset+slots.VmOpcodeEncryptionKey, key)
		vmLoader.PatchUint32(lOffset+slots.VmCodeAddr, vOffset)

		coreFuncDisp := int32(interpFuncOffset) - int32(lOffset) - int32(slots.VmCoreFunction) - 5 + 1
		vmLoader.PatchUint32(lOffset+slots.VmCoreFunction, uint32(coreFuncDisp))

		origDisp := int32(ev.RVA+uint32(ev.Size)) - int32(lOffset+slots.OrigAddr) - 5 + 1
		vmLoader.PatchUint32(lOffset+slots.OrigAddr, uint32(origDisp))

		if is64 {
			vmLoader.PatchUint64(lOffset+slots.ImageBase, p.Host.ImageBase())
		} else {
			vmLoader.PatchUint32(lOffset+slots.ImageBase, uint32(p.Host.ImageBase()))
		}
		ctx.VMSectionOffsetsToRelocate = append(ctx.VMSectionOffsetsToRelocate, lOffset+slots.ImageBase)

		ctx.AddFixup(fixup.Fixup{Offset: lOffset + slots.OrigAddr, OffsetType: fixup.VmLoader, Size: 4, Op: fixup.SubtractVmLoaderVA})
		ctx.AddFixup(fixup.Fixup{Offset: lOffset + slots.VmCodeAddr, OffsetType: fixup.VmLoader, Size: 4, Op: fixup.AddVirtualizedCodeVA})

		textOffset := ev.RVA - hostTextSec.VirtualAddress
		for i := 0; i < ev.Size; i++ {
			newText[textOffset+uint32(i)] = byte(p.Rand.Intn(256))
		}
		newText[textOffset] = 0xE9
		jmpDisp := int32(lOffset) - int32(ev.RVA) - 5
		binary.LittleEndian.PutUint32(newText[textOffset+1:], uint32(jmpDisp))
		ctx.AddFixup(fixup.Fixup{Offset: textOffset + 1, OffsetType: fixup.Text, Size: 4, Op: fixup.AddVmLoaderVA})

		patchedSize[ev.RVA] = ev.Size
		for _, r := range relocs {
			ctx.MarkRelocForRemoval(r)
		}
		return nil
	}

	onInvalid := func(rva uint32) {
		size, ok := patchedSize[rva]
		if !ok {
			return
		}
		textOffset := rva - hostTextSec.VirtualAddress
		copy(newText[textOffset:textOffset+uint32(size)], originalText[textOffset:textOffset+uint32(size)])
		ctx.UnmarkRelocsInRange(rva, rva+uint32(size))
		delete(patchedSize, rva)
	}

	driver := disasm.NewDriver(adapter, p.FollowRDataPointers)
	if err := driver.DisassembleFromEntrypoint(p.Host.Entrypoint(), onInstruction, onInvalid); err != nil {
		return nil, errors.Wrap(err, "protector: disassembly")
	}

	// Apply the net relocation-removal set in one batch, before assembly.
	toRemove := make(map[uint32]bool, len(ctx.RelocRVAsToRemove))
	for _, rva := range ctx.RelocRVAsToRemove {
		toRemove[rva] = true
	}
	p.Host.NeutralizeRelocations(toRemove)

	hostTextSec.VirtualSize = uint32(len(newText))
	hostTextSec.Replace(bytes.NewReader(newText), int64(len(newText)))

	// Trim .reloc to its current logical size, then append the
	// synthesized blocks with no inter-append padding — unlike
	// vmLoader/virtualizedCode, this section's directory Size must bound
	// exactly the valid block bytes, with no file-alignment gap inserted
	// mid-stream.
	existingVA, existingSize := p.Host.BaseRelocationDataDirectory()
	rawReloc, err := p.Host.CopySection(hostRelocSec)
	if err != nil {
		return nil, errors.Wrap(err, "protector: copy .reloc")
	}
	trimmed := rawReloc
	if int(existingSize) <= len(rawReloc) {
		trimmed = rawReloc[:existingSize]
	}
	relocBuilder := section.New(".reloc", hostRelocSec.Characteristics, p.Host.SectionAlignment(), 1)
	relocBuilder.Append(trimmed)

	vmRelocFixups := fixup.SynthesizeRelocations(relocBuilder, fixup.VmLoader, is64, ctx.VMSectionOffsetsToRelocate)
	vcRelocFixups := fixup.SynthesizeRelocations(relocBuilder, fixup.VirtualizedCode, is64, ctx.VirtualizedCodeOffsetsToRelocate)
	ctx.Fixups = append(ctx.Fixups, vmRelocFixups...)
	ctx.Fixups = append(ctx.Fixups, vcRelocFixups...)

	hostRelocSec.VirtualSize = relocBuilder.Len()
	hostRelocSec.Replace(bytes.NewReader(relocBuilder.Bytes()), int64(len(relocBuilder.Bytes())))
	p.Host.SetBaseRelocationDataDirectory(existingVA, relocBuilder.Len())

	if p.RTTIObfuscationHook != nil {
		if err := p.RTTIObfuscationHook(p.Host); err != nil {
			return nil, errors.Wrap(err, "protector: RTTI obfuscation hook")
		}
	}
	if err := fixup.Finalize(p.Host); err != nil {
		return nil, errors.Wrap(err, "protector: finalize")
	}

	output, layouts, err := p.Host.Build([]peimage.BuiltSection{
		{Name: VMLoaderSectionName, Characteristics: vmLoaderCharacteristics, Data: vmLoader.Bytes()},
		{Name: VMCodeSectionName, Characteristics: vmCodeCharacteristics, Data: virtualizedCode.Bytes()},
	})
	if err != nil {
		return nil, errors.Wrap(err, "protector: build output PE")
	}

	resolverLayouts := map[fixup.OffsetType]fixup.SectionLayout{
		fixup.VmLoader:        toSectionLayout(layouts[VMLoaderSectionName]),
		fixup.VirtualizedCode: toSectionLayout(layouts[VMCodeSectionName]),
		fixup.Text:            toSectionLayout(layouts[".text"]),
		fixup.Reloc:           toSectionLayout(layouts[".reloc"]),
	}
	resolver := fixup.NewResolver(resolverLayouts)
	if err := resolver.Resolve(ctx, output); err != nil {
		return nil, errors.Wrap(err, "protector: resolve fixups")
	}
	return output, nil
}

func toSectionLayout(l peimage.BuiltLayout) fixup.SectionLayout {
	return fixup.SectionLayout{VirtualAddress: l.VirtualAddress, PointerToRawData: l.PointerToRawData}
}
