// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package unwindcore

import "testing"

// testRegion builds the R(start, inode, name) region the scenario table
// in spec.md §8 is phrased around: a 4096-byte executable, non-shared
// region at file offset 0.
func testRegion(start, inode uint64, name string) Region {
	return Region{
		Start:      start,
		End:        start + 4096,
		FileOffset: 0,
		Flags:      RegionFlags{Read: true, Execute: true},
		Inode:      inode,
		Path:       name,
	}
}

// stubLoader accepts any region whose path is in names, attaching a
// minimal handle so the region is never declined.
func stubLoader(names map[string]bool) TryLoadFunc {
	return func(region Region, handle *LoadHandle) {
		if !names[region.Path] {
			return
		}
		handle.SetName(region.Path)
		handle.AddRegionMapping(LoadHeader{Address: 0, FileOffset: 0, Size: 4096})
	}
}

func TestReloadScenarioTable(t *testing.T) {
	m := NewAddressSpaceManager(Options{})
	allNames := map[string]bool{"file_1": true, "file_2": true, "file_3": true}
	loader := stubLoader(allNames)

	// Step 1: two fresh binaries, two fresh regions.
	regions := []Region{
		testRegion(0x1000, 1, "file_1"),
		testRegion(0x2000, 2, "file_2"),
	}
	delta := m.Reload(regions, loader)
	if len(delta.BinariesMapped) != 2 || len(delta.RegionsMapped) != 2 {
		t.Fatalf("step 1: binaries_mapped=%d regions_mapped=%d, want 2,2", len(delta.BinariesMapped), len(delta.RegionsMapped))
	}
	if len(delta.BinariesUnmapped) != 0 || len(delta.RegionsUnmapped) != 0 {
		t.Fatalf("step 1: unmapped lists not empty: %+v", delta)
	}

	// Step 2: identical regions, everything reused, delta all zero.
	delta = m.Reload(regions, loader)
	if len(delta.BinariesMapped)+len(delta.BinariesUnmapped)+len(delta.RegionsMapped)+len(delta.RegionsUnmapped) != 0 {
		t.Fatalf("step 2: expected an all-empty delta, got %+v", delta)
	}

	// Step 3: add a third, freshly observed binary.
	regions = append(regions, testRegion(0x3000, 3, "file_3"))
	delta = m.Reload(regions, loader)
	if len(delta.BinariesMapped) != 1 || len(delta.RegionsMapped) != 1 {
		t.Fatalf("step 3: binaries_mapped=%d regions_mapped=%d, want 1,1", len(delta.BinariesMapped), len(delta.RegionsMapped))
	}

	// Step 4: a new region at the same identity (inode 3) as file_3; the
	// loader is never consulted again since the identity is already
	// known, so no new Binary Record is produced, only a new region.
	regions = append(regions, testRegion(0x4000, 3, "file_3"))
	delta = m.Reload(regions, loader)
	if len(delta.BinariesMapped) != 0 {
		t.Fatalf("step 4: binaries_mapped=%d, want 0 (identity reused)", len(delta.BinariesMapped))
	}
	if len(delta.RegionsMapped) != 1 {
		t.Fatalf("step 4: regions_mapped=%d, want 1", len(delta.RegionsMapped))
	}
	if m.BinaryCount() != 3 {
		t.Fatalf("step 4: BinaryCount() = %d, want 3", m.BinaryCount())
	}

	// Step 5: drop the last two regions (both mapped to file_3's
	// identity); file_3's only regions are gone so its binary unmaps too.
	regions = regions[:2]
	delta = m.Reload(regions, loader)
	if len(delta.BinariesUnmapped) != 1 {
		t.Fatalf("step 5: binaries_unmapped=%d, want 1", len(delta.BinariesUnmapped))
	}
	if len(delta.RegionsUnmapped) != 2 {
		t.Fatalf("step 5: regions_unmapped=%d, want 2", len(delta.RegionsUnmapped))
	}
	if m.BinaryCount() != 2 {
		t.Fatalf("step 5: BinaryCount() = %d, want 2", m.BinaryCount())
	}
}

func TestReloadRegionMapCoversEveryAdmittedRegion(t *testing.T) {
	m := NewAddressSpaceManager(Options{})
	names := map[string]bool{"a": true, "b": true}
	regions := []Region{testRegion(0x10000, 1, "a"), testRegion(0x20000, 2, "b")}
	m.Reload(regions, stubLoader(names))

	for _, r := range regions {
		_, binRec, ok := m.regionMap.ranges.Get(r.Start)
		if !ok {
			t.Fatalf("region_map has no entry covering %#x", r.Start)
		}
		if binRec.region.identity() != r.identity() {
			t.Errorf("region_map entry at %#x has identity %+v, want %+v", r.Start, binRec.region.identity(), r.identity())
		}
	}
}

func TestReloadDeclinedRegionIsIgnored(t *testing.T) {
	m := NewAddressSpaceManager(Options{})
	declineAll := func(region Region, handle *LoadHandle) {}

	delta := m.Reload([]Region{testRegion(0x1000, 1, "unknown")}, declineAll)
	if len(delta.BinariesMapped) != 0 || len(delta.RegionsMapped) != 0 {
		t.Errorf("declined region produced a delta: %+v", delta)
	}
	if m.RegionCount() != 0 {
		t.Errorf("RegionCount() = %d, want 0 after decline", m.RegionCount())
	}
}

func TestReloadFilteredRegionIsIgnored(t *testing.T) {
	m := NewAddressSpaceManager(Options{})
	loader := stubLoader(map[string]bool{"shared.so": true})

	shared := testRegion(0x1000, 1, "shared.so")
	shared.Flags.Shared = true

	m.Reload([]Region{shared}, loader)
	if m.RegionCount() != 0 {
		t.Errorf("RegionCount() = %d, want 0 (shared region must be filtered)", m.RegionCount())
	}
}

func TestReloadAlreadyAttemptedIdentityIsNotRetriedWithinOneReload(t *testing.T) {
	m := NewAddressSpaceManager(Options{})
	attempts := 0
	loader := func(region Region, handle *LoadHandle) {
		attempts++
		// decline every time
	}

	regions := []Region{
		testRegion(0x1000, 5, "same.so"),
		testRegion(0x2000, 5, "same.so"),
	}
	m.Reload(regions, loader)
	if attempts != 1 {
		t.Errorf("loader invoked %d times for one identity in one reload, want 1", attempts)
	}
}

func TestReloadRejectsAliasedReusedRecord(t *testing.T) {
	m := NewAddressSpaceManager(Options{})
	loader := stubLoader(map[string]bool{"a": true})
	region := testRegion(0x1000, 1, "a")
	m.Reload([]Region{region}, loader)

	// Simulate an external caller aliasing a record the manager still
	// expects unique ownership of at the next reload.
	_, val, ok := m.regionMap.ranges.Get(region.Start)
	if !ok {
		t.Fatal("setup: region not found after first reload")
	}
	val.binary.retain()

	defer func() {
		if recover() == nil {
			t.Fatal("Reload did not panic on a reused record with an external alias")
		}
	}()
	m.Reload([]Region{region}, loader)
}
