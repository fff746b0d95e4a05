// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"encoding/json"
	"fmt"
	"os"

	unwindcore "github.com/aspace/unwindcore"
)

// regionFixture is the JSON shape one entry of a -regions fixture file
// takes, mirroring the fields of unwindcore.Region one-for-one so test
// maps can be authored by hand instead of captured from a live process.
type regionFixture struct {
	Start      uint64 `json:"start"`
	End        uint64 `json:"end"`
	FileOffset uint64 `json:"file_offset"`
	Read       bool   `json:"read"`
	Write      bool   `json:"write"`
	Execute    bool   `json:"execute"`
	Shared     bool   `json:"shared"`
	Inode      uint64 `json:"inode"`
	DevMajor   uint32 `json:"dev_major"`
	DevMinor   uint32 `json:"dev_minor"`
	Path       string `json:"path"`
}

func loadRegionFixture(path string) ([]unwindcore.Region, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fixtures []regionFixture
	if err := json.Unmarshal(data, &fixtures); err != nil {
		return nil, err
	}
	regions := make([]unwindcore.Region, 0, len(fixtures))
	for _, f := range fixtures {
		regions = append(regions, unwindcore.Region{
			Start:      f.Start,
			End:        f.End,
			FileOffset: f.FileOffset,
			Flags: unwindcore.RegionFlags{
				Read:    f.Read,
				Write:   f.Write,
				Execute: f.Execute,
				Shared:  f.Shared,
			},
			Inode:    f.Inode,
			DevMajor: f.DevMajor,
			DevMinor: f.DevMinor,
			Path:     f.Path,
		})
	}
	return regions, nil
}

// loadRegisterFixture reads a -registers file, whose JSON shape is a flat map
// from DWARF register number (as a string key, since JSON object keys
// are always strings) to its value.
func loadRegisterFixture(path string) (unwindcore.DwarfRegisters, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]uint64
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	regs := make(unwindcore.DwarfRegisters, len(raw))
	for k, v := range raw {
		var reg int
		if _, err := fmt.Sscanf(k, "%d", &reg); err != nil {
			return nil, fmt.Errorf("register key %q: %w", k, err)
		}
		regs[unwindcore.DwarfReg(reg)] = v
	}
	return regs, nil
}
