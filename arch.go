// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package unwindcore

import "encoding/binary"

// DwarfRegisters is the host-supplied register bank for one trapped
// thread, indexed by the architecture-neutral DWARF register numbering
// (spec.md §6 item 3, "from_dwarf_regs").
type DwarfRegisters map[DwarfReg]uint64

// UnwindContext is the per-unwind mutable register file the driver
// carries from frame to frame (spec.md §3). Its representation is
// shared across architecture plug-ins; what differs between
// architectures is which DWARF register numbers are the instruction
// and stack pointers, and how a row is applied to it.
type UnwindContext struct {
	Registers map[DwarfReg]uint64
	ipReg     DwarfReg
	spReg     DwarfReg
}

// InstructionPointer returns the context's current IP register value.
func (c UnwindContext) InstructionPointer() uint64 { return c.Registers[c.ipReg] }

// StackPointer returns the context's current SP register value.
func (c UnwindContext) StackPointer() uint64 { return c.Registers[c.spReg] }

func (c UnwindContext) clone() UnwindContext {
	regs := make(map[DwarfReg]uint64, len(c.Registers))
	for k, v := range c.Registers {
		regs[k] = v
	}
	return UnwindContext{Registers: regs, ipReg: c.ipReg, spReg: c.spReg}
}

// StepOutcome reports why an architecture Step ended the way it did.
type StepOutcome int

const (
	// StepOK means ctx was advanced to the caller's frame.
	StepOK StepOutcome = iota
	// StepRootReached means the CFI explicitly marks the return address
	// as unrecoverable (the thread-entry sentinel) — a clean, non-fatal
	// end of the call chain.
	StepRootReached
	// StepNoMapping means the current IP is not covered by any binary.
	StepNoMapping
	// StepCFIMiss means a binary covers the IP but no usable unwind row
	// was found (or the row was incomplete) — a non-sentinel CFI miss.
	StepCFIMiss
	// StepMemoryMiss means applying the row required a memory read the
	// Memory View could not satisfy.
	StepMemoryMiss
	// StepCircularSP means the computed caller SP did not advance past
	// the callee's SP.
	StepCircularSP
	// StepUnrecoverableIP means the computed caller IP is not usable
	// (zero).
	StepUnrecoverableIP
)

// Architecture is the consumed collaborator (spec.md §6 item 3): a
// per-architecture register-rewrite engine the Unwind Driver drives one
// frame at a time. The core is parametric over Architecture exactly as
// spec.md §9 describes; which implementation (compile-time generic vs.
// interface dispatch) is used is an implementation choice traded off
// against how hot CFI stepping is — this core uses interface dispatch
// for clarity, since the heavy per-instruction work (CFI opcode
// interpretation) is already amortized by UnwindRowCache.
type Architecture interface {
	Name() string
	Endian() binary.ByteOrder
	PointerBitness() Bitness
	InstructionPointerRegister() DwarfReg
	StackPointerRegister() DwarfReg

	// NewContext builds the initial UnwindContext from the host-supplied
	// register bank (spec.md §6 "from_dwarf_regs").
	NewContext(regs DwarfRegisters) UnwindContext

	// Step advances ctx to the caller's frame by consulting the binary
	// covering the current IP through mem and manager.
	Step(ctx UnwindContext, mem *MemoryView, manager *AddressSpaceManager, cache *UnwindRowCache) (UnwindContext, StepOutcome)
}

// applyDWARFRow is the shared register-recovery engine for any
// architecture plug-in whose CFI is expressed as DWARF call-frame rows
// (amd64 here; a future aarch64 plug-in would reuse it unchanged).
func applyDWARFRow(ctx UnwindContext, row *UnwindInfo, mem *MemoryView, endian binary.ByteOrder, bits Bitness) (UnwindContext, StepOutcome) {
	cfaBase, ok := ctx.Registers[row.CFA.Register]
	if !ok {
		return ctx, StepCFIMiss
	}
	cfa := uint64(int64(cfaBase) + row.CFA.Offset)

	rule, hasRule := row.Registers[row.ReturnColumn]
	if !hasRule {
		return ctx, StepCFIMiss
	}
	if rule.Kind == RuleUndefined {
		return ctx, StepRootReached
	}

	var retAddr uint64
	switch rule.Kind {
	case RuleOffset:
		v, ok := mem.GetPointer(endian, bits, uint64(int64(cfa)+rule.Offset))
		if !ok {
			return ctx, StepMemoryMiss
		}
		retAddr = v
	case RuleValOffset:
		retAddr = uint64(int64(cfa) + rule.Offset)
	case RuleRegister:
		v, ok := ctx.Registers[rule.Reg]
		if !ok {
			return ctx, StepCFIMiss
		}
		retAddr = v
	case RuleSameValue:
		v, ok := ctx.Registers[row.ReturnColumn]
		if !ok {
			return ctx, StepCFIMiss
		}
		retAddr = v
	default:
		return ctx, StepCFIMiss
	}

	next := ctx.clone()
	for reg, rule := range row.Registers {
		if reg == row.ReturnColumn {
			continue
		}
		switch rule.Kind {
		case RuleUndefined:
			delete(next.Registers, reg)
		case RuleSameValue:
			// unchanged from the callee; already carried over by clone.
		case RuleOffset:
			v, ok := mem.GetPointer(endian, bits, uint64(int64(cfa)+rule.Offset))
			if !ok {
				return ctx, StepMemoryMiss
			}
			next.Registers[reg] = v
		case RuleValOffset:
			next.Registers[reg] = uint64(int64(cfa) + rule.Offset)
		case RuleRegister:
			v, ok := ctx.Registers[rule.Reg]
			if !ok {
				return ctx, StepCFIMiss
			}
			next.Registers[reg] = v
		}
	}

	next.Registers[next.spReg] = cfa
	next.Registers[next.ipReg] = retAddr

	if retAddr == 0 {
		return ctx, StepUnrecoverableIP
	}
	return next, StepOK
}
