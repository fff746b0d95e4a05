// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package unwindcore

import "encoding/binary"

// Bitness selects between 32- and 64-bit pointer reads.
type Bitness int

const (
	Bitness32 Bitness = 32
	Bitness64 Bitness = 64
)

// regionValue is what the Region Map stores per admitted region: the
// binary it belongs to and the region itself, needed to locate the
// backing bytes for a file-offset read.
type regionValue struct {
	binary *BinaryRecord
	region Region
}

// MemoryView is a unified reader constructed for the duration of one
// unwind (§4.3). It composes the current Region Map, the sampled stack
// snapshot, and the virtual address the snapshot's first byte lives at.
type MemoryView struct {
	regionMap    *regionMapT
	stack        []byte
	stackAddress uint64
}

// NewMemoryView builds a view over regionMap and stack, with stack's
// byte 0 understood to live at stackAddress (the sampled stack
// pointer).
func NewMemoryView(regionMap *regionMapT, stack []byte, stackAddress uint64) *MemoryView {
	return &MemoryView{regionMap: regionMap, stack: stack, stackAddress: stackAddress}
}

// IsStackAddress reports whether addr falls within the stack snapshot.
func (v *MemoryView) IsStackAddress(addr uint64) bool {
	return addr >= v.stackAddress && addr < v.stackAddress+uint64(len(v.stack))
}

// GetRegion proxies to the Region Map.
func (v *MemoryView) GetRegion(addr uint64) (Region, *BinaryRecord, bool) {
	if v.regionMap == nil {
		return Region{}, nil, false
	}
	_, val, ok := v.regionMap.ranges.Get(addr)
	if !ok {
		return Region{}, nil, false
	}
	return val.region, val.binary, true
}

// readBytes implements the dispatch rule in spec.md §4.3: a read at an
// address at or past stackAddress first attempts the stack snapshot; if
// the requested span falls beyond the snapshot it falls through to the
// region map, where it is read from the binary's backing bytes at
// file_offset+(addr-range.start). A read straddling the end of either
// source is a miss, and stack reads take precedence over a coincidental
// binary mapping at the same address.
func (v *MemoryView) readBytes(addr uint64, size int) ([]byte, bool) {
	if addr >= v.stackAddress {
		offset := addr - v.stackAddress
		if offset+uint64(size) <= uint64(len(v.stack)) {
			return v.stack[offset : offset+uint64(size)], true
		}
	}

	region, bin, ok := v.GetRegion(addr)
	if !ok || bin == nil || bin.Raw == nil {
		return nil, false
	}
	if addr+uint64(size) > region.End {
		return nil, false
	}
	fileOff := region.FileOffset + (addr - region.Start)
	if fileOff+uint64(size) > uint64(len(bin.Raw)) {
		return nil, false
	}
	return bin.Raw[fileOff : fileOff+uint64(size)], true
}

// GetU32 reads a little/big-endian uint32 at addr, per endian.
func (v *MemoryView) GetU32(endian binary.ByteOrder, addr uint64) (uint32, bool) {
	b, ok := v.readBytes(addr, 4)
	if !ok {
		return 0, false
	}
	return endian.Uint32(b), true
}

// GetU64 reads a little/big-endian uint64 at addr, per endian.
func (v *MemoryView) GetU64(endian binary.ByteOrder, addr uint64) (uint64, bool) {
	b, ok := v.readBytes(addr, 8)
	if !ok {
		return 0, false
	}
	return endian.Uint64(b), true
}

// GetPointer reads a 32- or 64-bit pointer at addr, per endian and
// bitness, widened to uint64.
func (v *MemoryView) GetPointer(endian binary.ByteOrder, bits Bitness, addr uint64) (uint64, bool) {
	if bits == Bitness32 {
		val, ok := v.GetU32(endian, addr)
		return uint64(val), ok
	}
	return v.GetU64(endian, addr)
}
