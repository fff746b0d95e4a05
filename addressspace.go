// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package unwindcore

import (
	"github.com/aspace/unwindcore/log"
	"github.com/aspace/unwindcore/rangemap"
)

// regionMapT is the Region Map (§3): an ordered, non-overlapping
// interval map from address range to the {binary, region} pair that
// covers it.
type regionMapT struct {
	ranges *rangemap.Map[regionValue]
}

// ReloadDelta is the four-part diff produced by each reconciliation
// (§3, §4.4).
type ReloadDelta struct {
	BinariesMapped   []*BinaryRecord
	BinariesUnmapped []*BinaryRecord
	RegionsMapped    []Region
	RegionsUnmapped  []Region
}

// Options configures an AddressSpaceManager.
type Options struct {
	// Logger receives diagnostics; defaults to a discarding logger.
	Logger log.Logger
	// PanicOnPartialBacktrace wires spec.md §6's
	// set_panic_on_partial_backtrace: a debugging aid that escalates an
	// unwind terminating short of the root into a fatal error. Production
	// callers should leave it unset.
	PanicOnPartialBacktrace bool
	// Arch is the architecture plug-in Unwind drives.
	Arch Architecture
	// UnwindRowCacheSize bounds the CIE/FDE row cache each UnwindDriver
	// builds and reuses across its unwinds. Defaults to 4096 entries.
	UnwindRowCacheSize int
}

// AddressSpaceManager owns the binary set and region map (§4.4). It is
// single-threaded: Reload and Unwind must not execute concurrently on
// the same instance (§5).
type AddressSpaceManager struct {
	binaries  map[Identity]*BinaryRecord
	regionMap *regionMapT
	logger    *log.Helper
	opts      Options
}

// NewAddressSpaceManager builds an empty manager.
func NewAddressSpaceManager(opts Options) *AddressSpaceManager {
	if opts.UnwindRowCacheSize == 0 {
		opts.UnwindRowCacheSize = 4096
	}
	return &AddressSpaceManager{
		binaries:  make(map[Identity]*BinaryRecord),
		regionMap: &regionMapT{ranges: rangemap.Build[regionValue](nil)},
		logger:    log.NewHelper(opts.Logger),
		opts:      opts,
	}
}

// SetPanicOnPartialBacktrace wires spec.md §6's
// set_panic_on_partial_backtrace onto an already-constructed manager.
func (m *AddressSpaceManager) SetPanicOnPartialBacktrace(v bool) {
	m.opts.PanicOnPartialBacktrace = v
}

// BinaryCount reports how many distinct binaries are currently tracked.
func (m *AddressSpaceManager) BinaryCount() int { return len(m.binaries) }

// RegionCount reports how many regions are currently tracked.
func (m *AddressSpaceManager) RegionCount() int { return m.regionMap.ranges.Len() }

// BinaryForAddress returns the Binary Record whose region covers addr,
// the same lookup a Memory View performs internally, exposed for hosts
// that only need symbolization and not memory reads (§4.2).
func (m *AddressSpaceManager) BinaryForAddress(addr uint64) (*BinaryRecord, bool) {
	_, val, ok := m.regionMap.ranges.Get(addr)
	if !ok {
		return nil, false
	}
	return val.binary, true
}

// DecodeSymbolWhile resolves addr against the region map and routes to
// the covering Binary Record's own DecodeSymbolWhile. If no region
// covers addr, visitor is still invoked once with an unnamed frame (§6
// "Exposed to the host"), the same no-region fallback the manager's
// reload/unwind pair already applies elsewhere.
func (m *AddressSpaceManager) DecodeSymbolWhile(addr uint64, demangler Demangler, noParams bool, visitor SymbolVisitor) {
	bin, ok := m.BinaryForAddress(addr)
	if !ok {
		visitor(Frame{Address: addr, RelativeAddress: addr})
		return
	}
	bin.DecodeSymbolWhile(addr, demangler, noParams, visitor)
}

// DecodeSymbolOnce is a convenience wrapper around DecodeSymbolWhile that
// returns the single frame it produces, mirroring BinaryRecord's own
// convenience wrapper at the address-space level (§6).
func (m *AddressSpaceManager) DecodeSymbolOnce(addr uint64, demangler Demangler, noParams bool) Frame {
	var out Frame
	m.DecodeSymbolWhile(addr, demangler, noParams, func(f Frame) bool {
		out = f
		return false
	})
	return out
}

type stagedRegion struct {
	region Region
	isNew  bool
}

// stagingEntry accumulates one Binary Identity's state across the scan
// in step 3 of Reload, before being promoted into a frozen BinaryRecord
// in step 4.
type stagingEntry struct {
	identity Identity
	isOld    bool

	name         string
	raw          []byte
	loadHeaders  []LoadHeader
	mappings     []AddressMapping
	symbolTables []SymbolTable
	frameIndex   CFIIndex
	armExidxAddr uint64
	armExidxSize uint64
	hasArmExidx  bool
	armExtabAddr uint64
	armExtabSize uint64
	hasArmExtab  bool
	closer       func() error

	oracle      BinaryDataOracle
	wantFrames  bool
	wantSymbols bool

	regions []stagedRegion
}

// Reload reconciles regions against the manager's current state,
// invoking tryLoad for any newly observed Binary Identity, and returns
// the resulting delta. This is the algorithm in spec.md §4.4, unchanged.
func (m *AddressSpaceManager) Reload(regions []Region, tryLoad TryLoadFunc) ReloadDelta {
	// Step 1: detach the current state. Releasing each region's
	// reference here (rather than lazily) models the reference
	// implementation emptying region_map atomically before the scan, so
	// a reused binary's refcount is back down to "only the binary table
	// holds it" by the time step 3c checks it.
	oldBinaries := m.binaries
	oldRegionRanges := m.regionMap.ranges
	m.binaries = make(map[Identity]*BinaryRecord)

	oldRegionCount := oldRegionRanges.Len()
	oldRegions := make(map[Region]struct{}, oldRegionCount)
	oldRegionRanges.All(func(_ rangemap.Range, v *regionValue) bool {
		oldRegions[v.region] = struct{}{}
		v.binary.release()
		return true
	})

	// Step 2.
	staging := make(map[Identity]*stagingEntry)
	stagingOrder := make([]Identity, 0)
	alreadyAttempted := make(map[Identity]bool)

	// Step 3.
	for _, region := range regions {
		if region.filtered() {
			continue
		}
		id := region.identity()

		entry, exists := staging[id]
		if !exists {
			if old, isOld := oldBinaries[id]; isOld {
				delete(oldBinaries, id)
				invariant(old.refcount == 1,
					"binary record %+v has refcount %d at reload, want 1 (external alias held across reload)",
					id, old.refcount)

				entry = &stagingEntry{
					identity:     id,
					isOld:        true,
					name:         old.Name,
					raw:          old.Raw,
					loadHeaders:  old.LoadHeaders,
					symbolTables: old.SymbolTables,
					frameIndex:   old.FrameIndex,
					closer:       old.closer,
				}
				if addr, has := old.ArmExidxAddress(); has {
					entry.armExidxAddr, entry.armExidxSize, entry.hasArmExidx = addr, old.armExidxSize, true
				}
				if addr, has := old.ArmExtabAddress(); has {
					entry.armExtabAddr, entry.armExtabSize, entry.hasArmExtab = addr, old.armExtabSize, true
				}
				staging[id] = entry
				stagingOrder = append(stagingOrder, id)
			} else if !alreadyAttempted[id] {
				alreadyAttempted[id] = true
				handle := &LoadHandle{}
				if tryLoad != nil {
					tryLoad(region, handle)
				}
				if handle.empty() {
					continue
				}

				name := handle.name
				if name == "" {
					name = region.Path
				}
				entry = &stagingEntry{
					identity:     id,
					isOld:        false,
					name:         name,
					loadHeaders:  handle.loadHeaders(),
					symbolTables: handle.symbolTables,
					oracle:       handle.primaryOracle(),
					wantFrames:   handle.wantFrameDescriptions,
					wantSymbols:  handle.wantSymbols,
					closer:       handle.closer,
				}
				if handle.oracle != nil {
					entry.raw = handle.oracle.AsBytes()
				}
				staging[id] = entry
				stagingOrder = append(stagingOrder, id)
			} else {
				continue
			}
		}

		_, present := oldRegions[region]
		if present {
			delete(oldRegions, region)
		}
		isNewRegion := !present

		if header, ok := findLoadHeaderForFileOffset(entry.loadHeaders, region.FileOffset); ok {
			entry.mappings = append(entry.mappings, AddressMapping{
				Declared: header.Address,
				Actual:   region.Start,
				Size:     region.End - region.Start,
			})
		}

		regionFileRange := rangemap.Range{Start: region.FileOffset, End: region.FileOffset + (region.End - region.Start)}
		if !entry.hasArmExidx && entry.oracle != nil {
			if r, ok := entry.oracle.ArmExidxRange(); ok && regionFileRange.Contains(r.Start) {
				entry.armExidxAddr = region.Start + (r.Start - region.FileOffset)
				entry.armExidxSize = r.Len()
				entry.hasArmExidx = true
			}
		}
		if !entry.hasArmExtab && entry.oracle != nil {
			if r, ok := entry.oracle.ArmExtabRange(); ok && regionFileRange.Contains(r.Start) {
				entry.armExtabAddr = region.Start + (r.Start - region.FileOffset)
				entry.armExtabSize = r.Len()
				entry.hasArmExtab = true
			}
		}

		entry.regions = append(entry.regions, stagedRegion{region: region, isNew: isNewRegion})
	}

	// Step 4: promote staging into frozen Binary Records and Region Map
	// tuples.
	var delta ReloadDelta
	var newRangeEntries []rangemap.Entry[regionValue]

	for _, id := range stagingOrder {
		entry := staging[id]

		record := &BinaryRecord{
			Name:         entry.name,
			Raw:          entry.raw,
			LoadHeaders:  entry.loadHeaders,
			Mappings:     entry.mappings,
			SymbolTables: entry.symbolTables,
			FrameIndex:   entry.frameIndex,
			closer:       entry.closer,
		}
		if entry.hasArmExidx {
			record.SetArmExidxAddress(entry.armExidxAddr, entry.armExidxSize)
		}
		if entry.hasArmExtab {
			record.SetArmExtabAddress(entry.armExtabAddr, entry.armExtabSize)
		}

		if entry.wantSymbols && len(record.SymbolTables) == 0 && entry.oracle != nil {
			if syms := entry.oracle.Symbols(); len(syms) > 0 {
				record.SymbolTables = append(record.SymbolTables, NewRangeSymbolTable(syms))
			}
		}
		if entry.wantFrames && record.FrameIndex == nil && entry.oracle != nil {
			if data, ok := entry.oracle.EhFrame(); ok {
				cfi, err := NewDWARFCFI(data, entry.oracle.ByteOrder())
				if err != nil {
					m.logger.Errorf("parsing CFI for %s: %v", entry.name, err)
				} else {
					record.FrameIndex = cfi
				}
			}
		}

		m.binaries[id] = record
		record.retain()

		if !entry.isOld {
			delta.BinariesMapped = append(delta.BinariesMapped, record)
		}

		for _, sr := range entry.regions {
			record.retain()
			newRangeEntries = append(newRangeEntries, rangemap.Entry[regionValue]{
				Range: rangemap.Range{Start: sr.region.Start, End: sr.region.End},
				Value: regionValue{binary: record, region: sr.region},
			})
			if sr.isNew {
				delta.RegionsMapped = append(delta.RegionsMapped, sr.region)
			}
		}
	}

	// Step 5.
	m.regionMap = &regionMapT{ranges: rangemap.Build(newRangeEntries)}
	invariant(m.regionMap.ranges.Len() == len(newRangeEntries),
		"region map cardinality %d does not match %d emitted tuples",
		m.regionMap.ranges.Len(), len(newRangeEntries))

	// Step 6.
	for _, old := range oldBinaries {
		delta.BinariesUnmapped = append(delta.BinariesUnmapped, old)
		old.release()
		if old.refcount == 0 {
			if err := old.Close(); err != nil {
				m.logger.Errorf("closing unmapped binary %s: %v", old.Name, err)
			}
		}
	}
	for region := range oldRegions {
		delta.RegionsUnmapped = append(delta.RegionsUnmapped, region)
	}

	// Step 7.
	invariant(len(delta.RegionsMapped)-len(delta.RegionsUnmapped) == len(newRangeEntries)-oldRegionCount,
		"region accounting mismatch: mapped=%d unmapped=%d new_total=%d old_total=%d",
		len(delta.RegionsMapped), len(delta.RegionsUnmapped), len(newRangeEntries), oldRegionCount)

	return delta
}
