// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package unwindcore

import "encoding/binary"

// Fuzz exercises the DWARF CFI parser (NewDWARFCFI) against arbitrary
// byte input, the same shape a corrupted or truncated .eh_frame section
// takes when read off a binary the manager did not itself validate.
func Fuzz(data []byte) int {
	cfi, err := NewDWARFCFI(data, binary.LittleEndian)
	if err != nil {
		return 0
	}
	cache := NewUnwindRowCache(64)
	cfi.FindUnwindInfo(cache, 0)
	return 1
}
