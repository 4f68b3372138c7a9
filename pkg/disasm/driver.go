// Package disasm implements the recursive-descent code discovery engine:
// a work-queued driver over golang.org/x/arch/x86/x86asm that walks
// reachable instructions starting from the entrypoint, export table, and
// (optionally) function-pointer-shaped values in .rdata.
package disasm

import (
	"encoding/binary"

	"golang.org/x/arch/x86/x86asm"
)

// DisassemblyPoint is an RVA the driver still needs to visit.
type DisassemblyPoint struct {
	RVA uint32
}

// InstructionEvent is delivered to the on-instruction callback for every
// instruction the driver decodes exactly once.
type InstructionEvent struct {
	RVA  uint32
	Inst x86asm.Inst
	Size int
}

// Outcome tells the driver what to do after an instruction has been
// classified.
type Outcome int

const (
	NextInstruction Outcome = iota
	NextDisassemblyPoint
)

// CodeImage is the minimal view of a PE image the driver needs; the
// protector pipeline supplies an adapter backed by *peimage.Image.
type CodeImage interface {
	Mode() Mode
	ImageBase() uint64
	TextBytes() []byte
	TextRange() AddressRange
	RDataBytes() []byte
	RDataRange() AddressRange
	ContainsRVA(rva uint32) bool
	Exports() []uint32
}

// Driver holds the queue, visited set, and data-range bookkeeping for one
// discovery run. It is not safe for concurrent use, matching the
// single-threaded model the whole pipeline follows.
type Driver struct {
	img         CodeImage
	mode        Mode
	followRData bool

	queue      []DisassemblyPoint
	enqueued   map[uint32]bool
	decoded    map[uint32]bool
	dataRanges []AddressRange
}

// NewDriver builds a driver over img. followRdataPointers enables the
// .rdata function-pointer scan.
func NewDriver(img CodeImage, followRdataPointers bool) *Driver {
	return &Driver{
		img:         img,
		mode:        img.Mode(),
		followRData: followRdataPointers,
		enqueued:    make(map[uint32]bool),
		decoded:     make(map[uint32]bool),
	}
}

// DataRanges returns the address ranges classified as data (jump tables)
// during the run so far.
func (d *Driver) DataRanges() []AddressRange { return d.dataRanges }

func (d *Driver) enqueue(rva uint32) {
	if d.enqueued[rva] {
		return
	}
	d.enqueued[rva] = true
	d.queue = append(d.queue, DisassemblyPoint{RVA: rva})
}

func (d *Driver) pop() (DisassemblyPoint, bool) {
	n := len(d.queue)
	if n == 0 {
		return DisassemblyPoint{}, false
	}
	pt := d.queue[n-1]
	d.queue = d.queue[:n-1]
	return pt, true
}

func (d *Driver) codeAt(rva uint32) []byte {
	tr := d.img.TextRange()
	if rva < tr.Begin || rva >= tr.End {
		return nil
	}
	text := d.img.TextBytes()
	off := rva - tr.Begin
	if int(off) >= len(text) {
		return nil
	}
	return text[off:]
}

func (d *Driver) inDataRange(rva uint32) bool {
	for _, r := range d.dataRanges {
		if r.Contains(rva) {
			return true
		}
	}
	return false
}

// DisassembleFromEntrypoint runs the full discovery pass. onInstruction
// is called exactly once per visited instruction; returning a non-nil
// error aborts the entire run (an unsupported-instruction fatal, per the
// error model). onInvalid fires when the driver discovers it has walked
// into a data region; the caller is expected to know, from its own
// bookkeeping, the size of whatever it had previously patched at that
// address.
func (d *Driver) DisassembleFromEntrypoint(entryRVA uint32, onInstruction func(InstructionEvent) error, onInvalid func(rva uint32)) error {
	d.seed(entryRVA)
	for {
		pt, ok := d.pop()
		if !ok {
			return nil
		}
		if err := d.runStream(pt.RVA, onInstruction, onInvalid); err != nil {
			return err
		}
	}
}

func (d *Driver) seed(entryRVA uint32) {
	d.enqueue(entryRVA)
	for _, rva := range d.img.Exports() {
		d.enqueue(rva)
	}
	if d.followRData {
		d.seedFromRData()
	}
}

func (d *Driver) seedFromRData() {
	data := d.img.RDataBytes()
	textRange := d.img.TextRange()
	stride := 4
	if d.mode == Mode64 {
		stride = 8
	}
	for off := 0; off+stride <= len(data); off += stride {
		var v uint64
		if stride == 4 {
			v = uint64(binary.LittleEndian.Uint32(data[off:]))
		} else {
			v = binary.LittleEndian.Uint64(data[off:])
		}
		// Pointers stored in .rdata are absolute VAs on both widths, so the
		// image base is subtracted here even in 64-bit mode.
		base := d.img.ImageBase()
		if v < base || v-base > 0xFFFFFFFF {
			continue
		}
		rva := uint32(v - base)
		if !textRange.Contains(rva) {
			continue
		}
		if IsFunction(d.mode, rva, d.codeAt) {
			d.enqueue(rva)
		}
	}
}

func (d *Driver) runStream(start uint32, onInstruction func(InstructionEvent) error, onInvalid func(uint32)) error {
	rva := start
	for {
		if d.inDataRange(rva) {
			onInvalid(rva)
			return nil
		}
		code := d.codeAt(rva)
		if len(code) == 0 {
			return nil
		}
		inst, err := x86asm.Decode(code, int(d.mode))
		if err != nil || inst.Len == 0 {
			onInvalid(rva)
			return nil
		}
		if d.decoded[rva] {
			return nil
		}
		d.decoded[rva] = true

		if err := onInstruction(InstructionEvent{RVA: rva, Inst: inst, Size: inst.Len}); err != nil {
			return err
		}

		outcome, next := d.parseInstruction(rva, inst)
		for _, n := range next {
			d.enqueue(n)
		}
		if outcome == NextDisassemblyPoint {
			return nil
		}
		rva += uint32(inst.Len)
	}
}

func (d *Driver) parseInstruction(rva uint32, inst x86asm.Inst) (Outcome, []uint32) {
	switch inst.Op {
	case x86asm.RET:
		return NextDisassemblyPoint, nil
	case x86asm.INT:
		return NextDisassemblyPoint, nil
	}

	isCall := inst.Op == x86asm.CALL
	isJump := inst.Op == x86asm.JMP
	isCond := isConditionalJump(inst.Op)

	if (isCall || isJump || isCond) && len(inst.Args) >= 1 {
		if rel, ok := inst.Args[0].(x86asm.Rel); ok {
			target := uint32(int64(rva) + int64(inst.Len) + int64(rel))
			outcome := NextInstruction
			if isJump {
				outcome = NextDisassemblyPoint
			}
			return outcome, []uint32{target}
		}
		if isCall || isJump {
			if IsJumpTableX86(inst, d.img.TextRange(), d.img.ImageBase()) {
				return NextDisassemblyPoint, d.parseJumpTable(rva, inst)
			}
			// Neither an immediate target nor a recognized table dispatch:
			// an unconditional jump through an unknown register/memory
			// value still ends the stream, same as IsGuaranteedJump. A
			// CALL falls through since control returns here afterward.
			if isJump {
				return NextDisassemblyPoint, nil
			}
		}
	}

	if inst.Op == x86asm.MOV && len(inst.Args) >= 2 {
		if IsJumpTableX86(inst, d.img.TextRange(), d.img.ImageBase()) {
			return NextInstruction, d.parseJumpTable(rva, inst)
		}
		if d.mode == Mode64 {
			lookahead := d.codeAt(rva + uint32(inst.Len))
			if ok, _ := IsJumpTableX64(inst, lookahead); ok {
				return NextInstruction, d.parseJumpTable(rva, inst)
			}
		}
		if IsVTableOrFunction(inst.Args[0], inst.Args[1], d.mode, d.img.ImageBase(), d.img.ContainsRVA) {
			if target, ok := operandImmRVA(d.mode, d.img.ImageBase(), inst.Args[1]); ok {
				if d.img.TextRange().Contains(target) && IsFunction(d.mode, target, d.codeAt) {
					return NextInstruction, []uint32{target}
				}
			}
			// VTable but not a function pointer: deliberately a no-op,
			// mirroring the disabled path in the source engine.
		}
	}

	if inst.Op == x86asm.PUSH && len(inst.Args) >= 1 {
		if target, ok := operandImmRVA(d.mode, d.img.ImageBase(), inst.Args[0]); ok {
			if d.img.TextRange().Contains(target) && IsFunction(d.mode, target, d.codeAt) {
				return NextInstruction, []uint32{target}
			}
		}
	}

	return NextInstruction, nil
}

// parseJumpTable walks a jump table starting at the RVA named by inst's
// sole memory operand: entries are 4 bytes, scanning stops at a zero
// entry, a 0xCCCCCCCC sentinel, or a target outside .text. The scanned
// byte range is recorded as a data range.
func (d *Driver) parseJumpTable(rva uint32, inst x86asm.Inst) []uint32 {
	mem, ok := soleMemOperand(inst)
	if !ok {
		return nil
	}
	tableRVA, ok := rvaFromValue(d.mode, d.img.ImageBase(), uint64(uint32(mem.Disp)))
	if !ok {
		return nil
	}
	return d.walkJumpTable(tableRVA)
}

func (d *Driver) walkJumpTable(tableRVA uint32) []uint32 {
	const entrySize = 4
	textRange := d.img.TextRange()
	var targets []uint32
	off := tableRVA
	for {
		code := d.codeAt(off)
		if len(code) < entrySize {
			break
		}
		raw := binary.LittleEndian.Uint32(code[:entrySize])
		if raw == 0 || raw == 0xCCCCCCCC {
			break
		}
		target, ok := rvaFromValue(d.mode, d.img.ImageBase(), uint64(raw))
		if !ok || !textRange.Contains(target) {
			break
		}
		targets = append(targets, target)
		off += entrySize
	}
	d.dataRanges = append(d.dataRanges, AddressRange{Begin: tableRVA, End: off})
	return targets
}
