// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package unwindcore

// RegionFlags mirrors the permission/sharing bits a maps entry carries.
type RegionFlags struct {
	Read    bool
	Write   bool
	Execute bool
	Shared  bool
}

// Region is one observed memory-map entry: a half-open virtual address
// range, the file offset of the mapped slice, its permission flags, the
// backing file's identity, and its path.
type Region struct {
	Start      uint64
	End        uint64
	FileOffset uint64
	Flags      RegionFlags
	Inode      uint64
	DevMajor   uint32
	DevMinor   uint32
	Path       string
}

// vdsoPath is the one distinguished path exempt from the inode-0 filter:
// the kernel-provided vDSO has no backing file but must still be unwound
// through.
const vdsoPath = "[vdso]"

// filtered reports whether a region must be silently ignored: shared
// mappings, anonymous mappings (empty path), and zero-inode mappings
// other than the vDSO carry no meaningful binary identity.
func (r Region) filtered() bool {
	if r.Flags.Shared {
		return true
	}
	if r.Path == "" {
		return true
	}
	if r.Inode == 0 && r.Path != vdsoPath {
		return true
	}
	return false
}

// Identity is the content-location tag used to recognize "the same
// binary" across reloads: either the {inode, dev} triple, or the path
// for the vDSO, which has no backing inode.
type Identity struct {
	Inode    uint64
	DevMajor uint32
	DevMinor uint32
	Path     string
}

// identity derives the Identity of an admitted (non-filtered) region.
func (r Region) identity() Identity {
	if r.Inode == 0 {
		return Identity{Path: r.Path}
	}
	return Identity{Inode: r.Inode, DevMajor: r.DevMajor, DevMinor: r.DevMinor}
}
