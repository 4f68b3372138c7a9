package protector

import (
	"encoding/binary"

	"golang.org/x/arch/x86/x86asm"
)

// DefaultVirtualizer is a minimal, concrete Virtualizer good enough to
// drive cmd/protect end to end. The bytecode ISA and the interpreter's own
// internals stay out of scope — a real deployment supplies its own
// Virtualizer and its own sidecar interpreter PE. This one only classifies
// the handful of EFLAGS-inert instruction forms worth virtualizing (MOV,
// LEA, PUSH, POP) and encodes a small tagged record an interpreter could
// plausibly dispatch on.
type DefaultVirtualizer struct{}

const (
	opMov  = 1
	opLea  = 2
	opPush = 3
	opPop  = 4
)

func (DefaultVirtualizer) Classify(inst x86asm.Inst) (opcode uint32, modifiesFlags bool, virtualizable bool) {
	switch inst.Op {
	case x86asm.MOV:
		return opMov, false, true
	case x86asm.LEA:
		return opLea, false, true
	case x86asm.PUSH:
		return opPush, false, true
	case x86asm.POP:
		return opPop, false, true
	default:
		return 0, false, false
	}
}

// EmitBytecode packs [opcode u32][key u32][n u16][relocRVAs...] — enough
// for an interpreter to pick a handler, decrypt its operands with key, and
// know which of its embedded immediates were relocation targets.
func (DefaultVirtualizer) EmitBytecode(opcode, key uint32, relocRVAs []uint32) []byte {
	buf := make([]byte, 10+4*len(relocRVAs))
	binary.LittleEndian.PutUint32(buf[0:], opcode)
	binary.LittleEndian.PutUint32(buf[4:], key)
	binary.LittleEndian.PutUint16(buf[8:], uint16(len(relocRVAs)))
	for i, r := range relocRVAs {
		binary.LittleEndian.PutUint32(buf[10+4*i:], r)
	}
	return buf
}

// loaderTemplate: call VmInterpreter; jmp OrigAddr; ImageBase (8 bytes,
// only the low 4 used on x86); key; code address. VmInterpreter reads the
// three trailing fields via its own return address once control reaches
// it, in place of a calling convention.
const loaderTemplateSize = 26

var defaultLoaderSlots = LoaderSlots{
	VmCoreFunction:        1,
	OrigAddr:              6,
	ImageBase:             10,
	VmOpcodeEncryptionKey: 18,
	VmCodeAddr:            22,
}

func (DefaultVirtualizer) EmitLoaderShellcode() ([]byte, LoaderSlots) {
	t := make([]byte, loaderTemplateSize)
	t[0] = 0xE8 // call rel32
	t[5] = 0xE9 // jmp rel32
	return t, defaultLoaderSlots
}
