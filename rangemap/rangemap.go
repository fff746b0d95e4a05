// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package rangemap implements an immutable, ordered map from disjoint
// half-open address intervals to values, with O(log n) point lookup.
package rangemap

import (
	"fmt"
	"sort"
)

// Range is a half-open interval [Start, End). The upper bound is
// exclusive; an empty collection or a miss is reported as a zero Range.
type Range struct {
	Start uint64
	End   uint64
}

// Contains reports whether addr falls inside the half-open range.
func (r Range) Contains(addr uint64) bool {
	return addr >= r.Start && addr < r.End
}

// Len returns End-Start.
func (r Range) Len() uint64 {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start
}

// Entry pairs a Range with its value, as supplied to Build.
type Entry[V any] struct {
	Range Range
	Value V
}

// Map is a frozen, ordered collection of disjoint ranges. The zero value
// is an empty map. Map is safe for concurrent readers once Build returns.
type Map[V any] struct {
	entries []Entry[V]
}

// Build consumes an unsorted list of entries, sorts them by Range.Start,
// asserts that no two ranges overlap, and freezes the result. Build
// panics if any two entries overlap, since overlapping regions violate
// the Region Map's disjointness invariant and indicate a programmer
// error in the caller, not a bad input.
func Build[V any](entries []Entry[V]) *Map[V] {
	sorted := make([]Entry[V], len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Range.Start < sorted[j].Range.Start
	})
	for i := 1; i < len(sorted); i++ {
		prev, cur := sorted[i-1].Range, sorted[i].Range
		if cur.Start < prev.End {
			panic(fmt.Sprintf("rangemap: overlapping ranges [%d,%d) and [%d,%d)",
				prev.Start, prev.End, cur.Start, cur.End))
		}
	}
	return &Map[V]{entries: sorted}
}

// Get binary-searches for the entry whose range contains addr. The
// returned bool is false on a miss, including against an empty map.
func (m *Map[V]) Get(addr uint64) (Range, *V, bool) {
	if m == nil || len(m.entries) == 0 {
		return Range{}, nil, false
	}
	i := sort.Search(len(m.entries), func(i int) bool {
		return m.entries[i].Range.Start > addr
	})
	if i == 0 {
		return Range{}, nil, false
	}
	e := &m.entries[i-1]
	if !e.Range.Contains(addr) {
		return Range{}, nil, false
	}
	return e.Range, &e.Value, true
}

// Len returns the number of entries.
func (m *Map[V]) Len() int {
	if m == nil {
		return 0
	}
	return len(m.entries)
}

// All iterates entries in ascending range order.
func (m *Map[V]) All(yield func(Range, *V) bool) {
	if m == nil {
		return
	}
	for i := range m.entries {
		if !yield(m.entries[i].Range, &m.entries[i].Value) {
			return
		}
	}
}
