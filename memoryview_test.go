// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package unwindcore

import (
	"encoding/binary"
	"testing"

	"github.com/aspace/unwindcore/rangemap"
)

func buildTestRegionMap(t *testing.T) (*regionMapT, *BinaryRecord) {
	t.Helper()
	raw := make([]byte, 0x100)
	binary.LittleEndian.PutUint64(raw[0x10:], 0xdeadbeefcafebabe)

	bin := &BinaryRecord{Name: "libtest.so", Raw: raw}
	region := Region{Start: 0x400000, End: 0x401000, FileOffset: 0}

	rm := &regionMapT{ranges: rangemap.Build([]rangemap.Entry[regionValue]{
		{Range: rangemap.Range{Start: region.Start, End: region.End}, Value: regionValue{binary: bin, region: region}},
	})}
	return rm, bin
}

func TestMemoryViewStackPrecedesRegionMap(t *testing.T) {
	rm, _ := buildTestRegionMap(t)
	stack := make([]byte, 0x40)
	binary.LittleEndian.PutUint64(stack[0x8:], 0x1122334455667788)

	// Overlap the stack snapshot's address range with the region map's
	// range on purpose; the stack read must win.
	v := NewMemoryView(rm, stack, 0x400000)

	got, ok := v.GetU64(binary.LittleEndian, 0x400008)
	if !ok {
		t.Fatal("GetU64 miss, want hit from stack")
	}
	if got != 0x1122334455667788 {
		t.Errorf("GetU64 = %#x, want stack value", got)
	}
}

func TestMemoryViewFallsThroughToBinary(t *testing.T) {
	rm, _ := buildTestRegionMap(t)
	stack := make([]byte, 0x10) // too short to cover the query address
	v := NewMemoryView(rm, stack, 0x7fffffff0000)

	got, ok := v.GetU64(binary.LittleEndian, 0x400010)
	if !ok {
		t.Fatal("GetU64 miss, want hit from binary region")
	}
	if got != 0xdeadbeefcafebabe {
		t.Errorf("GetU64 = %#x, want 0xdeadbeefcafebabe", got)
	}
}

func TestMemoryViewStraddlingReadIsMiss(t *testing.T) {
	rm, _ := buildTestRegionMap(t)
	v := NewMemoryView(rm, nil, 0)

	// Region ends at 0x401000; a read of 8 bytes starting 4 bytes before
	// the end straddles past the mapped file data.
	if _, ok := v.GetU64(binary.LittleEndian, 0x400ffc); ok {
		t.Error("GetU64 at straddling address = hit, want miss")
	}
}

func TestMemoryViewUnmappedAddressIsMiss(t *testing.T) {
	rm, _ := buildTestRegionMap(t)
	v := NewMemoryView(rm, nil, 0)

	if _, _, ok := v.GetRegion(0x999999); ok {
		t.Error("GetRegion(unmapped) = hit, want miss")
	}
	if _, ok := v.GetU32(binary.LittleEndian, 0x999999); ok {
		t.Error("GetU32(unmapped) = hit, want miss")
	}
}

func TestMemoryViewGetPointerBitness(t *testing.T) {
	rm, _ := buildTestRegionMap(t)
	v := NewMemoryView(rm, nil, 0)

	p64, ok := v.GetPointer(binary.LittleEndian, Bitness64, 0x400010)
	if !ok || p64 != 0xdeadbeefcafebabe {
		t.Errorf("GetPointer(64) = (%#x, %v), want (0xdeadbeefcafebabe, true)", p64, ok)
	}

	p32, ok := v.GetPointer(binary.LittleEndian, Bitness32, 0x400010)
	if !ok || p32 != 0xcafebabe {
		t.Errorf("GetPointer(32) = (%#x, %v), want (0xcafebabe, true)", p32, ok)
	}
}

func TestIsStackAddress(t *testing.T) {
	v := NewMemoryView(nil, make([]byte, 0x20), 0x7ffe00000000)

	if !v.IsStackAddress(0x7ffe00000000) {
		t.Error("IsStackAddress(start) = false, want true")
	}
	if !v.IsStackAddress(0x7ffe0000001f) {
		t.Error("IsStackAddress(last byte) = false, want true")
	}
	if v.IsStackAddress(0x7ffe00000020) {
		t.Error("IsStackAddress(one past end) = true, want false")
	}
}
