package disasm

import "golang.org/x/arch/x86/x86asm"

// Mode selects the decoder's operating width; there is no separate
// handle to open/close the way a capstone-style library would need —
// x86asm.Decode takes the mode per call, so "opening the decoder" just
// means fixing this value for the run.
type Mode int

const (
	Mode32 Mode = 32
	Mode64 Mode = 64
)

// AddressRange is a half-open RVA range, [Begin, End).
type AddressRange struct {
	Begin, End uint32
}

func (r AddressRange) Contains(rva uint32) bool { return rva >= r.Begin && rva < r.End }

// OperandToRVA converts an operand to an RVA candidate: the immediate
// itself on x64, or (immediate - image base) on x86; memory operands use
// their displacement under the same rule.
func OperandToRVA(mode Mode, imageBase uint64, arg x86asm.Arg) (uint32, bool) {
	switch a := arg.(type) {
	case x86asm.Imm:
		return rvaFromValue(mode, imageBase, uint64(a))
	case x86asm.Mem:
		if a.Base == 0 && a.Index == 0 {
			return rvaFromValue(mode, imageBase, uint64(uint32(a.Disp)))
		}
	}
	return 0, false
}

func rvaFromValue(mode Mode, imageBase uint64, v uint64) (uint32, bool) {
	if mode == Mode64 {
		if v > 0xFFFFFFFF {
			return 0, false
		}
		return uint32(v), true
	}
	if v < imageBase {
		return 0, false
	}
	return uint32(v - imageBase), true
}

func operandImmRVA(mode Mode, imageBase uint64, arg x86asm.Arg) (uint32, bool) {
	imm, ok := arg.(x86asm.Imm)
	if !ok {
		return 0, false
	}
	return rvaFromValue(mode, imageBase, uint64(imm))
}

func soleMemOperand(inst x86asm.Inst) (x86asm.Mem, bool) {
	var found x86asm.Mem
	count := 0
	for _, a := range inst.Args {
		if a == nil {
			continue
		}
		if m, ok := a.(x86asm.Mem); ok {
			found = m
			count++
		}
	}
	return found, count == 1
}

// IsGuaranteedJump reports whether ins is an unconditional (near or far)
// jump.
func IsGuaranteedJump(inst x86asm.Inst) bool {
	return inst.Op == x86asm.JMP || inst.Op == x86asm.LJMP
}

var conditionalJumpOps = map[x86asm.Op]bool{
	x86asm.JA: true, x86asm.JAE: true, x86asm.JB: true, x86asm.JBE: true,
	x86asm.JCXZ: true, x86asm.JE: true, x86asm.JECXZ: true, x86asm.JG: true,
	x86asm.JGE: true, x86asm.JL: true, x86asm.JLE: true, x86asm.JNE: true,
	x86asm.JNO: true, x86asm.JNP: true, x86asm.JNS: true, x86asm.JO: true,
	x86asm.JP: true, x86asm.JRCXZ: true, x86asm.JS: true,
}

func isConditionalJump(op x86asm.Op) bool { return conditionalJumpOps[op] }

// IsJumpTableX86 reports whether inst (a JMP or MOV) addresses a single
// memory operand scaled by 4 whose displacement, read as an RVA, lies
// inside .text.
func IsJumpTableX86(inst x86asm.Inst, textRange AddressRange, imageBase uint64) bool {
	if inst.Op != x86asm.JMP && inst.Op != x86asm.MOV {
		return false
	}
	mem, ok := soleMemOperand(inst)
	if !ok || mem.Scale != 4 {
		return false
	}
	rva, ok := rvaFromValue(Mode32, imageBase, uint64(uint32(mem.Disp)))
	if !ok {
		return false
	}
	return textRange.Contains(rva)
}

func destRegOf(inst x86asm.Inst) (x86asm.Reg, bool) {
	if len(inst.Args) == 0 {
		return 0, false
	}
	r, ok := inst.Args[0].(x86asm.Reg)
	return r, ok
}

// IsJumpTableX64 confirms the MOV/ADD/JMP register-indirect switch idiom:
// mov starts the pattern, code holds the bytes immediately following it.
// Registers are compared by family, so a 32-bit ADD destination matches
// the 64-bit register the JMP goes through. On a match it also returns
// the combined byte length of the two lookahead instructions.
func IsJumpTableX64(mov x86asm.Inst, code []byte) (matched bool, lookaheadLen int) {
	if mov.Op != x86asm.MOV {
		return false, 0
	}
	widen := func(r x86asm.Reg) x86asm.Reg {
		if r >= x86asm.EAX && r <= x86asm.R15L {
			return r - x86asm.EAX + x86asm.RAX
		}
		return r
	}
	mem, ok := soleMemOperand(mov)
	if !ok || mem.Scale != 4 {
		return false, 0
	}
	destReg, ok := destRegOf(mov)
	if !ok {
		return false, 0
	}
	if len(code) == 0 {
		return false, 0
	}
	add, err := x86asm.Decode(code, 64)
	if err != nil || add.Len == 0 || add.Op != x86asm.ADD {
		return false, 0
	}
	addDst, ok := destRegOf(add)
	if !ok || widen(addDst) != widen(destReg) {
		return false, 0
	}
	if add.Len >= len(code) {
		return false, 0
	}
	jmp, err := x86asm.Decode(code[add.Len:], 64)
	if err != nil || jmp.Len == 0 || jmp.Op != x86asm.JMP {
		return false, 0
	}
	jr, ok := jmp.Args[0].(x86asm.Reg)
	if !ok || widen(jr) != widen(addDst) {
		return false, 0
	}
	return true, add.Len + jmp.Len
}

// IsVTableOrFunction reports whether op1/op2 look like a write of an
// absolute address into a memory slot: op1 is memory, op2 is an
// immediate whose RVA lies inside any section of the image.
func IsVTableOrFunction(op1, op2 x86asm.Arg, mode Mode, imageBase uint64, inAnySection func(rva uint32) bool) bool {
	if _, ok := op1.(x86asm.Mem); !ok {
		return false
	}
	rva, ok := operandImmRVA(mode, imageBase, op2)
	if !ok {
		return false
	}
	return inAnySection(rva)
}

// IsFunction decides whether the bytes at rva look like a recognized
// function prologue. codeAt returns the bytes starting at an RVA (nil
// past the end of .text).
func IsFunction(mode Mode, rva uint32, codeAt func(uint32) []byte) bool {
	switch mode {
	case Mode64:
		return isFunctionX64(rva, codeAt, 0)
	default:
		return isFunctionX86(rva, codeAt, 0)
	}
}

func isFunctionX86(rva uint32, codeAt func(uint32) []byte, hops int) bool {
	if hops > 10 {
		return false
	}
	code := codeAt(rva)
	if len(code) == 0 {
		return false
	}
	inst, err := x86asm.Decode(code, 32)
	if err != nil {
		return false
	}
	if inst.Op == x86asm.JMP {
		if rel, ok := inst.Args[0].(x86asm.Rel); ok {
			target := uint32(int64(rva) + int64(inst.Len) + int64(rel))
			return isFunctionX86(target, codeAt, hops+1)
		}
		return false
	}

	offset := uint32(0)
	if isMovRegReg(inst, x86asm.EDI, x86asm.EDI) {
		offset = uint32(inst.Len)
		next := codeAt(rva + offset)
		if len(next) == 0 {
			return false
		}
		inst, err = x86asm.Decode(next, 32)
		if err != nil {
			return false
		}
	}

	if inst.Op != x86asm.PUSH {
		return false
	}
	if r, ok := inst.Args[0].(x86asm.Reg); !ok || r != x86asm.EBP {
		return false
	}

	after := codeAt(rva + offset + uint32(inst.Len))
	if len(after) == 0 {
		return false
	}
	mov, err := x86asm.Decode(after, 32)
	if err != nil {
		return false
	}
	return isMovRegReg(mov, x86asm.EBP, x86asm.ESP)
}

func isMovRegReg(inst x86asm.Inst, dst, src x86asm.Reg) bool {
	if inst.Op != x86asm.MOV || len(inst.Args) < 2 {
		return false
	}
	d, ok1 := inst.Args[0].(x86asm.Reg)
	s, ok2 := inst.Args[1].(x86asm.Reg)
	return ok1 && ok2 && d == dst && s == src
}

func isFunctionX64(rva uint32, codeAt func(uint32) []byte, hops int) bool {
	if hops > 10 {
		return false
	}
	code := codeAt(rva)
	if len(code) == 0 {
		return false
	}
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return false
	}
	if inst.Op == x86asm.JMP {
		if rel, ok := inst.Args[0].(x86asm.Rel); ok {
			target := uint32(int64(rva) + int64(inst.Len) + int64(rel))
			return isFunctionX64(target, codeAt, hops+1)
		}
		return false
	}

	cur := rva
	k := 0
	saves := 0
	var firstDisp int64
	for i := 0; i < 10; i++ {
		c := codeAt(cur)
		if len(c) == 0 {
			break
		}
		in, err := x86asm.Decode(c, 64)
		if err != nil {
			break
		}
		disp, _, ok := rspSave(in)
		if !ok {
			if i == 0 {
				return false
			}
			break
		}
		if i == 0 {
			if disp <= 0 || disp%8 != 0 {
				return false
			}
			firstDisp = disp
			k = int(disp / 8)
		} else if disp != firstDisp-int64(i)*8 {
			break
		}
		saves++
		cur += uint32(in.Len)
		if i+1 >= k {
			break
		}
	}
	if k == 0 || saves != k {
		return false
	}

	for i := 0; i < 10; i++ {
		c := codeAt(cur)
		if len(c) == 0 {
			return false
		}
		in, err := x86asm.Decode(c, 64)
		if err != nil {
			return false
		}
		if in.Op == x86asm.SUB && len(in.Args) >= 2 {
			if r, ok := in.Args[0].(x86asm.Reg); ok && r == x86asm.RSP {
				if _, ok2 := in.Args[1].(x86asm.Imm); ok2 {
					return true
				}
			}
		}
		cur += uint32(in.Len)
	}
	return false
}

func rspSave(inst x86asm.Inst) (disp int64, reg x86asm.Reg, ok bool) {
	if inst.Op != x86asm.MOV || len(inst.Args) < 2 {
		return 0, 0, false
	}
	mem, ok1 := inst.Args[0].(x86asm.Mem)
	r, ok2 := inst.Args[1].(x86asm.Reg)
	if !ok1 || !ok2 || mem.Base != x86asm.RSP {
		return 0, 0, false
	}
	return mem.Disp, r, true
}
