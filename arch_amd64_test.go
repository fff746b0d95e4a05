// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package unwindcore

import (
	"encoding/binary"
	"testing"

	"github.com/aspace/unwindcore/rangemap"
)

func TestAMD64NewContext(t *testing.T) {
	a := AMD64{}
	ctx := a.NewContext(DwarfRegisters{
		DwarfRegRIP: 0x401000,
		DwarfRegRSP: 0x7fffffffe000,
	})
	if ctx.InstructionPointer() != 0x401000 {
		t.Errorf("InstructionPointer() = %#x, want 0x401000", ctx.InstructionPointer())
	}
	if ctx.StackPointer() != 0x7fffffffe000 {
		t.Errorf("StackPointer() = %#x, want 0x7fffffffe000", ctx.StackPointer())
	}
}

func TestAMD64StepAppliesRowAndAdvances(t *testing.T) {
	// One fabricated frame: CFA = RSP+16, return address saved at
	// CFA-8, RBP saved at CFA-16 (a typical `push rbp` prologue row).
	stackBase := uint64(0x7fffffffe000)
	stack := make([]byte, 0x40)
	binary.LittleEndian.PutUint64(stack[0x8:], 0x402000)    // CFA-8 -> saved return address
	binary.LittleEndian.PutUint64(stack[0x0:], 0x555500001234) // CFA-16 -> saved RBP

	raw := make([]byte, 0x1000)
	bin := &BinaryRecord{
		Name: "a.out",
		Raw:  raw,
		FrameIndex: fakeCFIIndex{row: &UnwindInfo{
			Range: rangemap.Range{Start: 0x401000, End: 0x401100},
			CFA:   CFARule{Register: DwarfRegRSP, Offset: 16},
			Registers: map[DwarfReg]RegisterRule{
				DwarfRegRIP: {Kind: RuleOffset, Offset: -8},
				DwarfRegRBP: {Kind: RuleOffset, Offset: -16},
			},
			ReturnColumn: DwarfRegRIP,
		}},
	}

	rm := &regionMapT{ranges: rangemap.Build([]rangemap.Entry[regionValue]{
		{Range: rangemap.Range{Start: 0x401000, End: 0x402000}, Value: regionValue{binary: bin, region: Region{Start: 0x401000, End: 0x402000}}},
	})}
	mem := NewMemoryView(rm, stack, stackBase)

	arch := AMD64{}
	ctx := arch.NewContext(DwarfRegisters{
		DwarfRegRIP: 0x401050,
		DwarfRegRSP: stackBase,
	})

	next, outcome := arch.Step(ctx, mem, nil, NewUnwindRowCache(4))
	if outcome != StepOK {
		t.Fatalf("Step() outcome = %v, want StepOK", outcome)
	}
	if next.InstructionPointer() != 0x402000 {
		t.Errorf("caller IP = %#x, want 0x402000", next.InstructionPointer())
	}
	if next.StackPointer() != stackBase+16 {
		t.Errorf("caller SP = %#x, want %#x", next.StackPointer(), stackBase+16)
	}
	if next.Registers[DwarfRegRBP] != 0x555500001234 {
		t.Errorf("restored RBP = %#x, want 0x555500001234", next.Registers[DwarfRegRBP])
	}
}

func TestAMD64StepNoMapping(t *testing.T) {
	arch := AMD64{}
	mem := NewMemoryView(&regionMapT{ranges: rangemap.Build[regionValue](nil)}, nil, 0)
	ctx := arch.NewContext(DwarfRegisters{DwarfRegRIP: 0x999999, DwarfRegRSP: 0x1000})

	_, outcome := arch.Step(ctx, mem, nil, NewUnwindRowCache(4))
	if outcome != StepNoMapping {
		t.Errorf("Step() outcome = %v, want StepNoMapping", outcome)
	}
}

func TestAMD64StepRootReached(t *testing.T) {
	bin := &BinaryRecord{
		FrameIndex: fakeCFIIndex{row: &UnwindInfo{
			Range:        rangemap.Range{Start: 0x401000, End: 0x401100},
			CFA:          CFARule{Register: DwarfRegRSP, Offset: 0},
			Registers:    map[DwarfReg]RegisterRule{DwarfRegRIP: {Kind: RuleUndefined}},
			ReturnColumn: DwarfRegRIP,
		}},
	}
	rm := &regionMapT{ranges: rangemap.Build([]rangemap.Entry[regionValue]{
		{Range: rangemap.Range{Start: 0x401000, End: 0x402000}, Value: regionValue{binary: bin, region: Region{Start: 0x401000, End: 0x402000}}},
	})}
	mem := NewMemoryView(rm, nil, 0x1000)

	arch := AMD64{}
	ctx := arch.NewContext(DwarfRegisters{DwarfRegRIP: 0x401050, DwarfRegRSP: 0x1000})

	_, outcome := arch.Step(ctx, mem, nil, NewUnwindRowCache(4))
	if outcome != StepRootReached {
		t.Errorf("Step() outcome = %v, want StepRootReached", outcome)
	}
}

// fakeCFIIndex always answers with row, regardless of the queried
// address, for tests that only need to exercise one specific row.
type fakeCFIIndex struct {
	row *UnwindInfo
}

func (f fakeCFIIndex) FindUnwindInfo(cache *UnwindRowCache, addr uint64) (*UnwindInfo, bool) {
	if f.row == nil {
		return nil, false
	}
	return f.row, true
}
