// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package unwindcore

import (
	"encoding/binary"

	"github.com/aspace/unwindcore/rangemap"
)

// ARM 32-bit DWARF/EHABI register numbers (AAPCS): r0-r15 map directly
// onto DWARF register numbers 0-15; SP, LR and PC are simply the
// conventional names for r13, r14 and r15.
const (
	DwarfRegARM0  DwarfReg = 0
	DwarfRegARM1  DwarfReg = 1
	DwarfRegARM2  DwarfReg = 2
	DwarfRegARM3  DwarfReg = 3
	DwarfRegARM4  DwarfReg = 4
	DwarfRegARM5  DwarfReg = 5
	DwarfRegARM6  DwarfReg = 6
	DwarfRegARM7  DwarfReg = 7
	DwarfRegARM8  DwarfReg = 8
	DwarfRegARM9  DwarfReg = 9
	DwarfRegARM10 DwarfReg = 10
	DwarfRegARM11 DwarfReg = 11
	DwarfRegARM12 DwarfReg = 12
	DwarfRegARMSP DwarfReg = 13
	DwarfRegARMLR DwarfReg = 14
	DwarfRegARMPC DwarfReg = 15
)

// ehabiPersonality marks which of the three ARM EHABI personality
// encodings an exception-index entry uses (ARM IHI 0038B §10).
const (
	ehabiPersonalityInline = iota // EXIDX_CANTUNWIND or inline compact model in the index word itself
	ehabiPersonalityShort         // index word points at an extab entry starting with a compact model word
	ehabiPersonalityLong          // extab entry carries a longer opcode stream prefixed with a word count
)

// ARM32 is the 32-bit ARM EHABI Architecture plug-in. Unlike amd64's
// DWARF CFI, its unwind tables are the compact .ARM.exidx/.ARM.extab
// opcode encoding (ARM IHI 0038B), so it does not reuse applyDWARFRow
// and instead interprets that opcode stream directly against the
// register file.
//
// This decodes the opcode ranges exercised by toolchain-generated
// tables: vsp shifts, vsp-from-register, core-register pop masks, the
// r0-r3 pop, the long vsp increment, and the finish opcode. Opcodes
// outside that set (FP register pop, spare) are reported as a CFI miss
// rather than guessed at.
type ARM32 struct{}

func (ARM32) Name() string                        { return "arm" }
func (ARM32) Endian() binary.ByteOrder             { return binary.LittleEndian }
func (ARM32) PointerBitness() Bitness              { return Bitness32 }
func (ARM32) InstructionPointerRegister() DwarfReg { return DwarfRegARMPC }
func (ARM32) StackPointerRegister() DwarfReg       { return DwarfRegARMSP }

func (a ARM32) NewContext(regs DwarfRegisters) UnwindContext {
	copied := make(map[DwarfReg]uint64, len(regs))
	for k, v := range regs {
		copied[k] = v
	}
	return UnwindContext{Registers: copied, ipReg: a.InstructionPointerRegister(), spReg: a.StackPointerRegister()}
}

func (a ARM32) Step(ctx UnwindContext, mem *MemoryView, manager *AddressSpaceManager, cache *UnwindRowCache) (UnwindContext, StepOutcome) {
	ip := ctx.InstructionPointer()

	_, binRec, ok := mem.GetRegion(ip)
	if !ok || binRec == nil {
		return ctx, StepNoMapping
	}

	exidxRange, hasExidx := binRec.armExidxRange()
	if !hasExidx {
		return ctx, StepCFIMiss
	}

	entryAddr, indexWord, ok := findExidxEntry(mem, exidxRange, binRec.translate(ip), binRec)
	if !ok {
		return ctx, StepCFIMiss
	}

	opcodes, ok := ehabiOpcodes(mem, entryAddr, indexWord, binRec)
	if !ok {
		return ctx, StepCFIMiss
	}
	if opcodes == nil {
		// EXIDX_CANTUNWIND: the compiler asserts this function cannot be
		// unwound past, the EHABI equivalent of a DWARF undefined return
		// column.
		return ctx, StepRootReached
	}

	next, outcome := applyEHABIOpcodes(ctx, opcodes, mem)
	if outcome != StepOK {
		return ctx, outcome
	}
	if next.StackPointer() <= ctx.StackPointer() {
		return ctx, StepCircularSP
	}
	return next, StepOK
}

// findExidxEntry locates the .ARM.exidx entry covering relIP (already
// translated to the binary's declared address space) and returns its
// own declared address plus its second (content) word. Entries are
// pairs of 31-bit PC-relative offsets; spec.md's Memory View precedence
// rule (stack first, then region map) is irrelevant here since exidx
// always lives in the binary's own mapped region, so reads go through
// mem.GetU32 the same as any other binary read.
func findExidxEntry(mem *MemoryView, exidxRange rangemap.Range, relIP uint64, binRec *BinaryRecord) (uint64, uint32, bool) {
	const entrySize = 8
	n := int((exidxRange.End - exidxRange.Start) / entrySize)
	// exidxRange is recorded as an absolute address; move it into the
	// declared address space relIP lives in.
	start := binRec.translate(exidxRange.Start)

	lo, hi := 0, n
	var foundAddr uint64
	var foundWord uint32
	found := false
	for lo < hi {
		mid := (lo + hi) / 2
		entryVA := start + uint64(mid)*entrySize
		actualAddr := binRec.untranslate(entryVA)
		word0, ok := mem.GetU32(binary.LittleEndian, actualAddr)
		if !ok {
			return 0, 0, false
		}
		fnAddr := entryVA + signExtend31(word0)

		nextFnAddr := uint64(0)
		hasNext := mid+1 < n
		if hasNext {
			nextEntryVA := start + uint64(mid+1)*entrySize
			nextActual := binRec.untranslate(nextEntryVA)
			nextWord0, ok := mem.GetU32(binary.LittleEndian, nextActual)
			if !ok {
				return 0, 0, false
			}
			nextFnAddr = nextEntryVA + signExtend31(nextWord0)
		}

		if relIP < fnAddr {
			hi = mid
			continue
		}
		if hasNext && relIP >= nextFnAddr {
			lo = mid + 1
			continue
		}

		word1, ok := mem.GetU32(binary.LittleEndian, binRec.untranslate(entryVA+4))
		if !ok {
			return 0, 0, false
		}
		foundAddr, foundWord, found = entryVA, word1, true
		break
	}
	return foundAddr, foundWord, found
}

// signExtend31 sign-extends the low 31 bits of an EHABI PC-relative
// offset word (bit 31 is the "compact model present inline" marker,
// handled separately by callers that need it).
func signExtend31(word uint32) uint64 {
	v := word & 0x7fffffff
	if v&0x40000000 != 0 {
		v |= 0x80000000
	}
	return uint64(int64(int32(v)))
}

// ehabiOpcodes resolves an exidx content word into its opcode byte
// stream. Returns (nil, true) for EXIDX_CANTUNWIND. For an inline
// compact entry (bit 31 set), the three opcode bytes are packed in the
// word itself. Otherwise the word is a PC-relative pointer into
// .ARM.extab whose first word carries either another inline compact
// model or a long-form {personality, length, opcodes...} header.
func ehabiOpcodes(mem *MemoryView, entryAddr uint64, word uint32, binRec *BinaryRecord) ([]byte, bool) {
	const cantUnwind = 0x00000001
	if word == cantUnwind {
		return nil, true
	}

	if word&0x80000000 != 0 {
		return []byte{byte(word >> 16), byte(word >> 8), byte(word)}, true
	}

	extabVA := entryAddr + 4 + signExtend31(word)
	extabActual := binRec.untranslate(extabVA)
	header, ok := mem.GetU32(binary.LittleEndian, extabActual)
	if !ok {
		return nil, false
	}

	if header&0x80000000 != 0 {
		model := (header >> 24) & 0x7f
		if model != 0 {
			// Only the ARM-defined compact model 0 is decoded; models 1/2
			// (Wireless C++, obsolete) and the reserved range are not.
			return nil, false
		}
		return []byte{byte(header >> 16), byte(header >> 8), byte(header)}, true
	}

	// Long form: header bits 16-23 hold the opcode-word count that follows,
	// personality index in bits 24-27 is ignored (only the default
	// "__aeabi_unwind_cpp_pr0"-style compact opcodes are interpreted).
	wordCount := int((header >> 16) & 0xff)
	opcodes := make([]byte, 0, wordCount*4)
	for i := 0; i < wordCount; i++ {
		w, ok := mem.GetU32(binary.LittleEndian, extabActual+4+uint64(i)*4)
		if !ok {
			return nil, false
		}
		opcodes = append(opcodes, byte(w>>24), byte(w>>16), byte(w>>8), byte(w))
	}
	return opcodes, true
}

// applyEHABIOpcodes interprets a compact unwind opcode stream (ARM IHI
// 0038B §9.3) against ctx's virtual stack pointer, popping registers
// from memory as directed, until a FINISH opcode (0xB0) or the stream
// is exhausted. vsp starts at the context's current SP; LR is seeded
// from the incoming context's link register and becomes the new PC
// unless a pop rule overwrites it.
func applyEHABIOpcodes(ctx UnwindContext, opcodes []byte, mem *MemoryView) (UnwindContext, StepOutcome) {
	next := ctx.clone()
	vsp := ctx.StackPointer()

	// The incoming context's PC is the callee's own instruction pointer,
	// not a caller value; clear it so the "was PC popped this step" check
	// below only sees a value an opcode actually wrote.
	delete(next.Registers, DwarfRegARMPC)

	pop := func(reg DwarfReg) bool {
		v, ok := mem.GetU32(binary.LittleEndian, vsp)
		if !ok {
			return false
		}
		next.Registers[reg] = uint64(v)
		vsp += 4
		return true
	}

	finished := false
	for i := 0; i < len(opcodes) && !finished; i++ {
		op := opcodes[i]
		switch {
		case op&0xc0 == 0x00: // 00xxxxxx: vsp += (xxxxxx << 2) + 4
			vsp += uint64(op&0x3f)*4 + 4
		case op&0xc0 == 0x40: // 01xxxxxx: vsp -= (xxxxxx << 2) + 4
			vsp -= uint64(op&0x3f)*4 + 4
		case op == 0x80 || op == 0x81:
			// 1000 0000 0000 0000: refuse to unwind (spare mask, no registers).
			if i+1 >= len(opcodes) {
				return ctx, StepCFIMiss
			}
			mask := (uint16(op&0x0f) << 8) | uint16(opcodes[i+1])
			i++
			if mask == 0 {
				return ctx, StepCFIMiss
			}
			for r := 0; r < 12; r++ {
				if mask&(1<<uint(r)) != 0 {
					if !pop(DwarfReg(4 + r)) {
						return ctx, StepMemoryMiss
					}
				}
			}
		case op&0xf0 == 0x80: // 1000iiii iiiiiiii: pop r4-r15 mask (r4 is bit 0)
			if i+1 >= len(opcodes) {
				return ctx, StepCFIMiss
			}
			mask := (uint16(op&0x0f) << 8) | uint16(opcodes[i+1])
			i++
			for r := 0; r < 12; r++ {
				if mask&(1<<uint(r)) != 0 {
					if !pop(DwarfReg(4 + r)) {
						return ctx, StepMemoryMiss
					}
				}
			}
		case op&0xf0 == 0x90 && op != 0x9d && op != 0x9f: // 1001nnnn: vsp = r[nnnn]
			reg := DwarfReg(op & 0x0f)
			v, ok := next.Registers[reg]
			if !ok {
				return ctx, StepCFIMiss
			}
			vsp = v
		case op&0xf0 == 0xa0: // 10100nnn / 10101nnn (bit3 set): pop r4-r[4+nnn] (+r14)
			count := int(op & 0x07)
			withLR := op&0x08 != 0
			for r := 0; r <= count; r++ {
				if !pop(DwarfReg(4 + r)) {
					return ctx, StepMemoryMiss
				}
			}
			if withLR {
				if !pop(DwarfRegARMLR) {
					return ctx, StepMemoryMiss
				}
			}
		case op == 0xb0: // finish
			finished = true
		case op == 0xb1: // pop registers r0-r3 under mask
			if i+1 >= len(opcodes) {
				return ctx, StepCFIMiss
			}
			mask := opcodes[i+1]
			i++
			if mask == 0 || mask&0xf0 != 0 {
				return ctx, StepCFIMiss
			}
			for r := 0; r < 4; r++ {
				if mask&(1<<uint(r)) != 0 {
					if !pop(DwarfReg(r)) {
						return ctx, StepMemoryMiss
					}
				}
			}
		case op == 0xb2: // vsp += 0x204 + (uleb128 << 2)
			val, n := uleb128(opcodes[i+1:])
			i += n
			vsp += 0x204 + val*4
		default:
			// FP register pop (0xb3-0xb5, 0xc6-0xc9) and other reserved/
			// spare opcodes are not decoded.
			return ctx, StepCFIMiss
		}
	}

	lr, hasLR := next.Registers[DwarfRegARMLR]
	if _, pcSet := next.Registers[DwarfRegARMPC]; !pcSet {
		if !hasLR {
			return ctx, StepCFIMiss
		}
		next.Registers[DwarfRegARMPC] = lr
	}
	next.Registers[DwarfRegARMSP] = vsp

	if next.Registers[DwarfRegARMPC] == 0 {
		return ctx, StepUnrecoverableIP
	}
	return next, StepOK
}
