// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package unwindcore

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"

	mmap "github.com/edsrzf/mmap-go"

	"github.com/aspace/unwindcore/rangemap"
)

// BinaryDataOracle is the consumed collaborator (spec.md §6 item 4): the
// minimum a loaded object must answer about itself to be staged into a
// Binary Record — its bytes, its program headers, and (on ARM) its
// exception-index section ranges.
type BinaryDataOracle interface {
	AsBytes() []byte
	LoadHeaders() []LoadHeader
	ByteOrder() binary.ByteOrder
	EhFrame() ([]byte, bool)
	Symbols() []SymbolEntry
	// ArmExidxRange and ArmExtabRange return the section's file-offset
	// range, as spec.md §4.4 step f requires to locate the section
	// inside whichever region maps that file range.
	ArmExidxRange() (rangemap.Range, bool)
	ArmExtabRange() (rangemap.Range, bool)
}

// elfOracle is the concrete BinaryDataOracle backing the default loader:
// an ELF image, either mmapped from disk (the teacher's own
// github.com/edsrzf/mmap-go, already used in file.go to back File.data)
// or supplied directly as an in-memory byte slice.
type elfOracle struct {
	data      []byte
	closer    func() error
	byteOrder binary.ByteOrder
	headers   []LoadHeader
	ehFrame   []byte
	hasEh     bool
	exidx     rangemap.Range
	hasExidx  bool
	extab     rangemap.Range
	hasExtab  bool
	symbols   []SymbolEntry
}

// NewELFOracleFromPath mmaps the ELF image at path and parses its
// program/section headers. The returned oracle's Close releases the
// mapping.
func NewELFOracleFromPath(path string) (*elfOracle, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	oracle, err := newELFOracle(data)
	if err != nil {
		data.Unmap()
		f.Close()
		return nil, nil, err
	}
	closer := func() error {
		err := data.Unmap()
		f.Close()
		return err
	}
	return oracle, closer, nil
}

// NewELFOracleFromBytes builds an oracle over an in-memory ELF image,
// for hosts that supply raw bytes instead of a path (set_binary).
func NewELFOracleFromBytes(data []byte) (*elfOracle, error) {
	return newELFOracle(data)
}

func newELFOracle(data []byte) (*elfOracle, error) {
	ef, err := elf.NewFile(bytesReaderAt(data))
	if err != nil {
		return nil, fmt.Errorf("unwindcore: parse ELF: %w", err)
	}
	defer ef.Close()

	o := &elfOracle{data: data, byteOrder: ef.ByteOrder}

	for _, prog := range ef.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		o.headers = append(o.headers, LoadHeader{
			Address:    prog.Vaddr,
			FileOffset: prog.Off,
			Size:       prog.Filesz,
		})
	}

	if sec := ef.Section(".eh_frame"); sec != nil {
		if b, err := sec.Data(); err == nil {
			o.ehFrame = b
			o.hasEh = true
		}
	}

	if sec := ef.Section(".ARM.exidx"); sec != nil {
		o.exidx = rangemap.Range{Start: sec.Offset, End: sec.Offset + sec.Size}
		o.hasExidx = true
	}
	if sec := ef.Section(".ARM.extab"); sec != nil {
		o.extab = rangemap.Range{Start: sec.Offset, End: sec.Offset + sec.Size}
		o.hasExtab = true
	}

	symtabs := []string{".symtab", ".dynsym"}
	for _, name := range symtabs {
		syms, err := elfSymbolsForSection(ef, name)
		if err != nil {
			continue
		}
		o.symbols = append(o.symbols, syms...)
	}

	return o, nil
}

func elfSymbolsForSection(ef *elf.File, name string) ([]SymbolEntry, error) {
	var syms []elf.Symbol
	var err error
	switch name {
	case ".symtab":
		syms, err = ef.Symbols()
	case ".dynsym":
		syms, err = ef.DynamicSymbols()
	}
	if err != nil {
		return nil, err
	}
	out := make([]SymbolEntry, 0, len(syms))
	for _, s := range syms {
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Name == "" {
			continue
		}
		out = append(out, SymbolEntry{Name: s.Name, Value: s.Value, Size: s.Size})
	}
	return out, nil
}

func (o *elfOracle) AsBytes() []byte          { return o.data }
func (o *elfOracle) LoadHeaders() []LoadHeader { return o.headers }
func (o *elfOracle) ByteOrder() binary.ByteOrder { return o.byteOrder }
func (o *elfOracle) EhFrame() ([]byte, bool)  { return o.ehFrame, o.hasEh }
func (o *elfOracle) Symbols() []SymbolEntry   { return o.symbols }
func (o *elfOracle) ArmExidxRange() (rangemap.Range, bool) { return o.exidx, o.hasExidx }
func (o *elfOracle) ArmExtabRange() (rangemap.Range, bool) { return o.extab, o.hasExtab }

// bytesReaderAt adapts a byte slice to io.ReaderAt without copying.
type bytesReaderAt []byte

func (b bytesReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(b)) {
		return 0, fmt.Errorf("unwindcore: read at %d out of range", off)
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, fmt.Errorf("unwindcore: short read at %d", off)
	}
	return n, nil
}

// LoadHandle is the out-parameter the Loader Callback populates for one
// region (spec.md §6 item 2). Calling none of its setters means the
// region is declined.
type LoadHandle struct {
	oracle                BinaryDataOracle
	debugOracle           BinaryDataOracle
	manualHeaders         []LoadHeader
	symbolTables          []SymbolTable
	wantFrameDescriptions bool
	wantSymbols           bool
	name                  string
	closer                func() error
}

// SetBinary attaches the object's own bytes (and the load headers/CFI/
// symbols derivable from them) to the handle.
func (h *LoadHandle) SetBinary(data []byte) error {
	o, err := NewELFOracleFromBytes(data)
	if err != nil {
		return err
	}
	h.oracle = o
	return nil
}

// SetBinaryOracle attaches a pre-built oracle directly, the path taken
// when the default ELF loader mmaps a file instead of receiving bytes.
func (h *LoadHandle) SetBinaryOracle(o BinaryDataOracle) { h.oracle = o }

// SetDebugBinary attaches a separate debug-info companion binary (split
// debug files), preferred over the primary binary for symbols and CFI
// when present.
func (h *LoadHandle) SetDebugBinary(data []byte) error {
	o, err := NewELFOracleFromBytes(data)
	if err != nil {
		return err
	}
	h.debugOracle = o
	return nil
}

// AddSymbols registers an additional symbol table, consulted in
// registration order by DecodeSymbolWhile.
func (h *LoadHandle) AddSymbols(table SymbolTable) {
	h.symbolTables = append(h.symbolTables, table)
}

// AddRegionMapping appends a Load Header the loader computed itself,
// supplementing whatever SetBinary's oracle already derived.
func (h *LoadHandle) AddRegionMapping(header LoadHeader) {
	h.manualHeaders = append(h.manualHeaders, header)
}

// ShouldLoadFrameDescriptions requests that the manager lazily parse CFI
// from the attached oracle when assembling the Binary Record.
func (h *LoadHandle) ShouldLoadFrameDescriptions(want bool) { h.wantFrameDescriptions = want }

// ShouldLoadSymbols requests that the manager lazily parse symbols from
// the attached oracle when assembling the Binary Record.
func (h *LoadHandle) ShouldLoadSymbols(want bool) { h.wantSymbols = want }

// SetName overrides the display name the manager would otherwise derive
// from the region's path.
func (h *LoadHandle) SetName(name string) { h.name = name }

// empty reports whether the callback left no usable outputs at all
// (spec.md §4.4 step 3c: "the callback leaves the handle empty").
func (h *LoadHandle) empty() bool {
	return h.oracle == nil && h.debugOracle == nil && len(h.manualHeaders) == 0
}

func (h *LoadHandle) loadHeaders() []LoadHeader {
	var out []LoadHeader
	if h.oracle != nil {
		out = append(out, h.oracle.LoadHeaders()...)
	}
	out = append(out, h.manualHeaders...)
	return out
}

// primaryOracle returns the oracle symbols/CFI should be lazily parsed
// from, preferring a debug companion binary when present.
func (h *LoadHandle) primaryOracle() BinaryDataOracle {
	if h.debugOracle != nil {
		return h.debugOracle
	}
	return h.oracle
}

// TryLoadFunc is the Loader Callback (spec.md §6 item 2): invoked
// synchronously during Reload for each region whose identity has not
// already been staged or attempted this reload.
type TryLoadFunc func(region Region, handle *LoadHandle)

// FileLoader is a ready-made TryLoadFunc that mmaps region.Path as an
// ELF image, for hosts that work from on-disk binaries rather than
// supplying bytes directly. Declines (leaves the handle empty) on any
// parse failure, the default behavior for an unloadable region.
func FileLoader(wantFrames, wantSymbols bool) TryLoadFunc {
	return func(region Region, handle *LoadHandle) {
		if region.Path == "" || region.Path == vdsoPath {
			return
		}
		oracle, closer, err := NewELFOracleFromPath(region.Path)
		if err != nil {
			return
		}
		handle.SetBinaryOracle(oracle)
		handle.closer = closer
		handle.ShouldLoadFrameDescriptions(wantFrames)
		handle.ShouldLoadSymbols(wantSymbols)
	}
}
