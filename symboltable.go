// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package unwindcore

import (
	"sort"

	"github.com/ianlancetaylor/demangle"

	"github.com/aspace/unwindcore/rangemap"
)

// Frame is the output record for one call site (spec.md §3).
type Frame struct {
	// Address is the absolute instruction pointer.
	Address uint64
	// RelativeAddress is Address translated into the binary's declared
	// address space (see Binary Record's translation rule).
	RelativeAddress uint64
	// Name is the raw (mangled) symbol name, empty on a symbol miss.
	Name string
	// DemangledName is the Itanium-demangled form of Name, or Name itself
	// when demangling does not apply or fails.
	DemangledName string
	File          string
	Line          uint32
	Column        uint32
	IsInline      bool
}

// SymbolTable is the consumed collaborator (spec.md §6 item 6): a single
// binary's symbol table, queried by an address relative to that binary's
// declared address space.
type SymbolTable interface {
	GetSymbol(relativeAddr uint64) (rangemap.Range, string, bool)
}

// SymbolEntry is one raw symbol as read from an object file's symbol
// table, prior to being indexed into a SymbolTable.
type SymbolEntry struct {
	Name  string
	Value uint64
	Size  uint64
}

// rangeSymbolTable is a concrete SymbolTable backed by a prebuilt range
// map from symbol value/size to name, the shape a binary's .symtab or
// .dynsym is naturally read into.
type rangeSymbolTable struct {
	ranges *rangemap.Map[string]
}

// NewRangeSymbolTable builds a SymbolTable from a flat list of (name,
// value, size) entries, such as those read from an ELF symbol table's
// STT_FUNC entries. Aliased or nested symbols — common for real
// .symtab/.dynsym sections, e.g. a weak alias sharing a strong symbol's
// range, or a local thunk sitting inside its caller — are coalesced
// before the entries reach rangemap.Build, which otherwise panics on
// any overlap: entries are ordered by start address (wider first on an
// equal start, then registration order), and any entry that starts
// inside an already-kept one is dropped. A later-starting entry is
// dropped even when it is wider than the kept one it overlaps.
func NewRangeSymbolTable(symbols []SymbolEntry) SymbolTable {
	sized := make([]SymbolEntry, 0, len(symbols))
	for _, s := range symbols {
		if s.Size == 0 {
			continue
		}
		sized = append(sized, s)
	}
	sort.SliceStable(sized, func(i, j int) bool {
		if sized[i].Value != sized[j].Value {
			return sized[i].Value < sized[j].Value
		}
		return sized[i].Size > sized[j].Size
	})

	entries := make([]rangemap.Entry[string], 0, len(sized))
	var end uint64
	for i, s := range sized {
		if i > 0 && s.Value < end {
			continue
		}
		entries = append(entries, rangemap.Entry[string]{
			Range: rangemap.Range{Start: s.Value, End: s.Value + s.Size},
			Value: s.Name,
		})
		end = s.Value + s.Size
	}
	return &rangeSymbolTable{ranges: rangemap.Build(entries)}
}

func (t *rangeSymbolTable) GetSymbol(relativeAddr uint64) (rangemap.Range, string, bool) {
	r, name, ok := t.ranges.Get(relativeAddr)
	if !ok {
		return rangemap.Range{}, "", false
	}
	return r, *name, true
}

// Demangler is the consumed collaborator (spec.md §6 item 7): an
// Itanium C++ ABI demangler with a {no_params} option bundle.
type Demangler interface {
	Demangle(mangled string, noParams bool) (string, bool)
}

// itaniumDemangler wraps github.com/ianlancetaylor/demangle, the Itanium
// ABI demangler already present as a transitive dependency across this
// corpus.
type itaniumDemangler struct{}

// NewItaniumDemangler returns the default Demangler implementation.
func NewItaniumDemangler() Demangler {
	return itaniumDemangler{}
}

func (itaniumDemangler) Demangle(mangled string, noParams bool) (string, bool) {
	var opts []demangle.Option
	if noParams {
		opts = append(opts, demangle.NoParams)
	}
	out, err := demangle.ToString(mangled, opts...)
	if err != nil {
		return mangled, false
	}
	return out, true
}
