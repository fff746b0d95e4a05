// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package unwindcore

import (
	"encoding/binary"
	"testing"

	"github.com/aspace/unwindcore/rangemap"
)

func TestARM32StepTakesPCFromLRAndAdvancesSP(t *testing.T) {
	// A single .ARM.exidx entry at 0x401000 covering the whole function,
	// whose content word (0x401004) is an inline compact model encoding
	// "vsp += 20; finish".
	raw := make([]byte, 0x20)
	binary.LittleEndian.PutUint32(raw[0:], 0)          // word0: fnAddr offset = 0 -> fnAddr = 0x401000
	binary.LittleEndian.PutUint32(raw[4:], 0x8004b000) // word1: inline opcodes [0x04, 0xb0, 0x00]

	bin := &BinaryRecord{Name: "libarm.so", Raw: raw}
	bin.SetArmExidxAddress(0x401000, 8)

	region := Region{Start: 0x401000, End: 0x401020, FileOffset: 0}
	rm := &regionMapT{ranges: rangemap.Build([]rangemap.Entry[regionValue]{
		{Range: rangemap.Range{Start: region.Start, End: region.End}, Value: regionValue{binary: bin, region: region}},
	})}
	mem := NewMemoryView(rm, nil, 0)

	arch := ARM32{}
	ctx := arch.NewContext(DwarfRegisters{
		DwarfRegARMPC: 0x401010,
		DwarfRegARMSP: 0x1000,
		DwarfRegARMLR: 0x402000,
	})

	next, outcome := arch.Step(ctx, mem, nil, NewUnwindRowCache(4))
	if outcome != StepOK {
		t.Fatalf("Step() outcome = %v, want StepOK", outcome)
	}
	if next.InstructionPointer() != 0x402000 {
		t.Errorf("caller PC = %#x, want 0x402000 (from LR)", next.InstructionPointer())
	}
	if next.StackPointer() != 0x1014 {
		t.Errorf("caller SP = %#x, want 0x1014", next.StackPointer())
	}
}

func TestARM32StepCantUnwind(t *testing.T) {
	raw := make([]byte, 0x10)
	binary.LittleEndian.PutUint32(raw[0:], 0)
	binary.LittleEndian.PutUint32(raw[4:], 0x00000001) // EXIDX_CANTUNWIND

	bin := &BinaryRecord{Name: "libarm.so", Raw: raw}
	bin.SetArmExidxAddress(0x401000, 8)

	region := Region{Start: 0x401000, End: 0x401020, FileOffset: 0}
	rm := &regionMapT{ranges: rangemap.Build([]rangemap.Entry[regionValue]{
		{Range: rangemap.Range{Start: region.Start, End: region.End}, Value: regionValue{binary: bin, region: region}},
	})}
	mem := NewMemoryView(rm, nil, 0)

	arch := ARM32{}
	ctx := arch.NewContext(DwarfRegisters{
		DwarfRegARMPC: 0x401010,
		DwarfRegARMSP: 0x1000,
		DwarfRegARMLR: 0x402000,
	})

	_, outcome := arch.Step(ctx, mem, nil, NewUnwindRowCache(4))
	if outcome != StepRootReached {
		t.Errorf("Step() outcome = %v, want StepRootReached", outcome)
	}
}

func TestARM32StepNoExidx(t *testing.T) {
	bin := &BinaryRecord{Name: "libnoexidx.so"}
	region := Region{Start: 0x401000, End: 0x401020, FileOffset: 0}
	rm := &regionMapT{ranges: rangemap.Build([]rangemap.Entry[regionValue]{
		{Range: rangemap.Range{Start: region.Start, End: region.End}, Value: regionValue{binary: bin, region: region}},
	})}
	mem := NewMemoryView(rm, nil, 0)

	arch := ARM32{}
	ctx := arch.NewContext(DwarfRegisters{DwarfRegARMPC: 0x401010, DwarfRegARMSP: 0x1000})

	_, outcome := arch.Step(ctx, mem, nil, NewUnwindRowCache(4))
	if outcome != StepCFIMiss {
		t.Errorf("Step() outcome = %v, want StepCFIMiss", outcome)
	}
}

func TestSignExtend31(t *testing.T) {
	tests := []struct {
		word uint32
		want int64
	}{
		{0x00000000, 0},
		{0x00000010, 16},
		{0x7fffffff, -1}, // all 31 bits set: sign bit (bit 30) set -> negative
	}
	for _, tt := range tests {
		if got := int64(signExtend31(tt.word)); got != tt.want {
			t.Errorf("signExtend31(%#x) = %d, want %d", tt.word, got, tt.want)
		}
	}
}
