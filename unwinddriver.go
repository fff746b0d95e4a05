// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package unwindcore

import "fmt"

// UserFrame is one recorded frame of a backtrace: the raw instruction
// pointer sampled at that depth, and the covering function's entry
// point (translated back into the absolute address space), as spec.md
// §4.5 step 1 defines.
type UserFrame struct {
	Address        uint64
	InitialAddress uint64
}

// UnwindDriver is the Unwind Driver (C5): it owns nothing but the
// Address-Space Manager and architecture plug-in it was built with, and
// drives one unwind at a time by borrowing the manager's current region
// map and the caller's stack snapshot for the duration of the call
// (§5).
type UnwindDriver struct {
	manager *AddressSpaceManager
	arch    Architecture
	cache   *UnwindRowCache

	panicOnPartialBacktrace bool

	// maxFrames is the frame-count safety backstop spec.md §5 assigns to
	// the architecture step ("a frame-count guard"); enforced here since
	// it bounds the whole loop rather than any single step.
	maxFrames int
}

// NewUnwindDriver builds a driver over manager using arch as the
// register-rewrite engine. maxFrames bounds total frames recorded per
// unwind; 0 selects a generous default.
func NewUnwindDriver(manager *AddressSpaceManager, arch Architecture, maxFrames int) *UnwindDriver {
	if maxFrames == 0 {
		maxFrames = 1024
	}
	return &UnwindDriver{
		manager:                 manager,
		arch:                    arch,
		cache:                   NewUnwindRowCache(manager.opts.UnwindRowCacheSize),
		maxFrames:               maxFrames,
		panicOnPartialBacktrace: manager.opts.PanicOnPartialBacktrace,
	}
}

// SetPanicOnPartialBacktrace wires set_panic_on_partial_backtrace
// (spec.md §6): a termination short of the root raises a fatal error
// instead of returning the partial result as-is.
func (d *UnwindDriver) SetPanicOnPartialBacktrace(v bool) {
	d.panicOnPartialBacktrace = v
}

// Unwind fills out with UserFrame entries in innermost-first order,
// per spec.md §4.5. If the stack pointer in regs is unknown (absent
// from the map), out is cleared and Unwind returns silently — not an
// error, per spec.md's stated behavior for that case.
func (d *UnwindDriver) Unwind(regs DwarfRegisters, stack []byte, out *[]UserFrame) {
	*out = (*out)[:0]

	ctx := d.arch.NewContext(regs)
	if _, ok := regs[d.arch.StackPointerRegister()]; !ok {
		return
	}

	mem := NewMemoryView(d.manager.regionMap, stack, ctx.StackPointer())

	var lastOutcome StepOutcome
	for len(*out) < d.maxFrames {
		ip := ctx.InstructionPointer()

		initial := ip
		if _, binRec, ok := mem.GetRegion(ip); ok && binRec != nil {
			if row, ok := binRec.LookupUnwindRow(d.cache, ip); ok {
				initial = binRec.untranslate(row.Range.Start)
			}
		}
		*out = append(*out, UserFrame{Address: ip, InitialAddress: initial})

		next, outcome := d.arch.Step(ctx, mem, d.manager, d.cache)
		lastOutcome = outcome
		if outcome != StepOK {
			break
		}
		ctx = next
	}

	if lastOutcome != StepRootReached && d.panicOnPartialBacktrace {
		panic(fmt.Errorf("%w: %d frames, terminated: %s", ErrPartialBacktrace, len(*out), lastOutcome))
	}
}

func (o StepOutcome) String() string {
	switch o {
	case StepOK:
		return "ok"
	case StepRootReached:
		return "root reached"
	case StepNoMapping:
		return "no mapping for instruction pointer"
	case StepCFIMiss:
		return "CFI miss"
	case StepMemoryMiss:
		return "memory read miss"
	case StepCircularSP:
		return "circular stack pointer"
	case StepUnrecoverableIP:
		return "unrecoverable instruction pointer"
	default:
		return "unknown"
	}
}
