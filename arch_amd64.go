// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package unwindcore

import "encoding/binary"

// x86-64 System V DWARF register numbers (psABI table 3.36) relevant to
// unwinding: RBP and RSP are not privileged here, they are simply the
// two most commonly referenced columns in generated CFI.
const (
	DwarfRegRAX DwarfReg = 0
	DwarfRegRDX DwarfReg = 1
	DwarfRegRCX DwarfReg = 2
	DwarfRegRBX DwarfReg = 3
	DwarfRegRSI DwarfReg = 4
	DwarfRegRDI DwarfReg = 5
	DwarfRegRBP DwarfReg = 6
	DwarfRegRSP DwarfReg = 7
	DwarfRegR8  DwarfReg = 8
	DwarfRegR9  DwarfReg = 9
	DwarfRegR10 DwarfReg = 10
	DwarfRegR11 DwarfReg = 11
	DwarfRegR12 DwarfReg = 12
	DwarfRegR13 DwarfReg = 13
	DwarfRegR14 DwarfReg = 14
	DwarfRegR15 DwarfReg = 15
	DwarfRegRIP DwarfReg = 16
)

// AMD64 is the x86-64 System V Architecture plug-in: CFI rows are
// applied directly via the shared DWARF row engine.
type AMD64 struct{}

func (AMD64) Name() string                         { return "x86-64" }
func (AMD64) Endian() binary.ByteOrder              { return binary.LittleEndian }
func (AMD64) PointerBitness() Bitness               { return Bitness64 }
func (AMD64) InstructionPointerRegister() DwarfReg  { return DwarfRegRIP }
func (AMD64) StackPointerRegister() DwarfReg        { return DwarfRegRSP }

func (a AMD64) NewContext(regs DwarfRegisters) UnwindContext {
	copied := make(map[DwarfReg]uint64, len(regs))
	for k, v := range regs {
		copied[k] = v
	}
	return UnwindContext{Registers: copied, ipReg: a.InstructionPointerRegister(), spReg: a.StackPointerRegister()}
}

func (a AMD64) Step(ctx UnwindContext, mem *MemoryView, manager *AddressSpaceManager, cache *UnwindRowCache) (UnwindContext, StepOutcome) {
	ip := ctx.InstructionPointer()

	_, binRec, ok := mem.GetRegion(ip)
	if !ok || binRec == nil {
		return ctx, StepNoMapping
	}

	row, ok := binRec.LookupUnwindRow(cache, ip)
	if !ok {
		return ctx, StepCFIMiss
	}

	next, outcome := applyDWARFRow(ctx, row, mem, a.Endian(), a.PointerBitness())
	if outcome != StepOK {
		return ctx, outcome
	}
	if next.StackPointer() <= ctx.StackPointer() {
		return ctx, StepCircularSP
	}
	return next, StepOK
}
