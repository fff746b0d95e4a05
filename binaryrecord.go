// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package unwindcore

import "github.com/aspace/unwindcore/rangemap"

// LoadHeader is a record from the object's program header table: the
// declared virtual address, file offset, and size of one loadable
// segment (spec.md §3).
type LoadHeader struct {
	Address    uint64
	FileOffset uint64
	Size       uint64
}

// AddressMapping is a realised LoadHeader: the declared virtual address
// paired with the address the segment actually landed at, and its size.
// actual-declared is constant within one segment — the process-wide load
// bias for that segment.
type AddressMapping struct {
	Declared uint64
	Actual   uint64
	Size     uint64
}

// covers reports whether addr falls within this mapping's actual range.
func (m AddressMapping) covers(addr uint64) bool {
	return addr >= m.Actual && addr < m.Actual+m.Size
}

// BinaryRecord bundles everything known about one loaded object: its
// display name, optional raw bytes, program headers, realised address
// mappings, symbol tables, optional CFI index, and architecture-specific
// section addresses. It is immutable once published (§5) and shared by
// strong reference between the Binary Table and every Region Map entry
// that points to it.
type BinaryRecord struct {
	Name            string
	Raw             []byte
	LoadHeaders     []LoadHeader
	Mappings        []AddressMapping
	SymbolTables    []SymbolTable
	FrameIndex      CFIIndex
	ArmExidxAddr    uint64
	ArmExtabAddr    uint64
	armExidxSize    uint64
	armExtabSize    uint64
	hasArmExidx     bool
	hasArmExtab     bool

	// closer releases whatever backed Raw (an mmap, an open file); called
	// once by the manager when the record is forgotten (§5: "the manager
	// removes a record from its table only when no new region references
	// it").
	closer func() error

	// refcount approximates the shared-ownership count spec.md §9 builds
	// the move-out-by-identity policy around (a strong-reference-count
	// primitive in the reference implementation). The manager is the only
	// code that touches it: +1 when the record is registered in the
	// binary table, +1 per region map entry referencing it, -1 as each
	// is dropped.
	refcount int32
}

func (b *BinaryRecord) retain()  { b.refcount++ }
func (b *BinaryRecord) release() { b.refcount-- }

// translate implements the translation rule in spec.md §4.2: if any
// mapping covers addr, the relative address is addr-actual+declared;
// otherwise addr is returned unchanged (the identity fallback).
func (b *BinaryRecord) translate(addr uint64) uint64 {
	for _, m := range b.Mappings {
		if m.covers(addr) {
			return addr - m.Actual + m.Declared
		}
	}
	return addr
}

// untranslate is the inverse of translate: given an address in the
// binary's declared address space, return the corresponding absolute
// (actual) address, used to report a frame's function entry point as an
// absolute address. Falls back to the identity mapping when declaredAddr
// is not covered by any known mapping.
func (b *BinaryRecord) untranslate(declaredAddr uint64) uint64 {
	for _, m := range b.Mappings {
		if declaredAddr >= m.Declared && declaredAddr < m.Declared+m.Size {
			return declaredAddr - m.Declared + m.Actual
		}
	}
	return declaredAddr
}

// LookupUnwindRow translates addr through this record's address mappings
// and consults its CFI index for the row covering the translated
// address. cache is the per-thread CIE/FDE parse cache threaded through
// the whole unwind. Returns (nil, false) on a CFI miss or when the
// record carries no CFI at all (e.g. it was never requested to load it).
func (b *BinaryRecord) LookupUnwindRow(cache *UnwindRowCache, addr uint64) (*UnwindInfo, bool) {
	if b.FrameIndex == nil {
		return nil, false
	}
	rel := b.translate(addr)
	return b.FrameIndex.FindUnwindInfo(cache, rel)
}

// SymbolVisitor is invoked once per frame by DecodeSymbolWhile. Returning
// false halts further visitation.
type SymbolVisitor func(Frame) bool

// DecodeSymbolWhile translates addr, scans each symbol table in
// registration order, and for the first table whose GetSymbol hits,
// demangles the name and invokes visitor with a populated Frame. If no
// table hits, visitor is still invoked once with an unnamed frame
// (spec.md §4.2) — a symbol miss is not an error.
func (b *BinaryRecord) DecodeSymbolWhile(addr uint64, demangler Demangler, noParams bool, visitor SymbolVisitor) {
	rel := b.translate(addr)

	for _, table := range b.SymbolTables {
		_, name, ok := table.GetSymbol(rel)
		if !ok {
			continue
		}
		frame := Frame{
			Address:         addr,
			RelativeAddress: rel,
			Name:            name,
		}
		if demangler != nil {
			if demangled, ok := demangler.Demangle(name, noParams); ok {
				frame.DemangledName = demangled
			} else {
				frame.DemangledName = name
			}
		} else {
			frame.DemangledName = name
		}
		visitor(frame)
		return
	}

	visitor(Frame{Address: addr, RelativeAddress: rel})
}

// DecodeSymbolOnce is a convenience wrapper around DecodeSymbolWhile that
// returns the single frame it produces.
func (b *BinaryRecord) DecodeSymbolOnce(addr uint64, demangler Demangler, noParams bool) Frame {
	var out Frame
	b.DecodeSymbolWhile(addr, demangler, noParams, func(f Frame) bool {
		out = f
		return false
	})
	return out
}

// SetArmExidxAddress records the virtual address and size of the
// .ARM.exidx section once it has been resolved against a mapped region
// (§4.4 step 3f). No-op if already set, since the first region to
// resolve a section wins. Size is carried alongside the address (beyond
// what spec.md's accessor strictly returns) because the ARM step
// function must know where the exception-index table ends.
func (b *BinaryRecord) SetArmExidxAddress(addr, size uint64) {
	if !b.hasArmExidx {
		b.ArmExidxAddr, b.armExidxSize = addr, size
		b.hasArmExidx = true
	}
}

// SetArmExtabAddress is the .ARM.extab counterpart of SetArmExidxAddress.
func (b *BinaryRecord) SetArmExtabAddress(addr, size uint64) {
	if !b.hasArmExtab {
		b.ArmExtabAddr, b.armExtabSize = addr, size
		b.hasArmExtab = true
	}
}

// ArmExidxAddress returns the recorded .ARM.exidx virtual address and
// whether it has been resolved.
func (b *BinaryRecord) ArmExidxAddress() (uint64, bool) { return b.ArmExidxAddr, b.hasArmExidx }

// ArmExtabAddress returns the recorded .ARM.extab virtual address and
// whether it has been resolved.
func (b *BinaryRecord) ArmExtabAddress() (uint64, bool) { return b.ArmExtabAddr, b.hasArmExtab }

// armExidxRange returns the .ARM.exidx section as a virtual-address
// range, used internally by the ARM architecture plug-in to iterate its
// entries.
func (b *BinaryRecord) armExidxRange() (rangemap.Range, bool) {
	if !b.hasArmExidx {
		return rangemap.Range{}, false
	}
	return rangemap.Range{Start: b.ArmExidxAddr, End: b.ArmExidxAddr + b.armExidxSize}, true
}

// findLoadHeaderForFileOffset returns the Load Header whose file range
// covers fileOffset, used by the manager to append new Address Mappings
// (§4.4 step 3e).
func findLoadHeaderForFileOffset(headers []LoadHeader, fileOffset uint64) (LoadHeader, bool) {
	for _, h := range headers {
		if fileOffset >= h.FileOffset && fileOffset < h.FileOffset+h.Size {
			return h, true
		}
	}
	return LoadHeader{}, false
}

// Close releases whatever backs this record's raw bytes. Safe to call on
// a record with no closer. Called by the manager exactly once, when the
// record is forgotten (see the Reload algorithm's unmap phase).
func (b *BinaryRecord) Close() error {
	if b.closer == nil {
		return nil
	}
	return b.closer()
}
