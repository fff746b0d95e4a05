// Copyright 2021 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package unwindcore

// uleb128 decodes an unsigned LEB128-encoded integer, returning the value
// and the number of bytes consumed.
func uleb128(b []byte) (uint64, int) {
	var result uint64
	var shift uint
	var n int
	for n < len(b) {
		byt := b[n]
		n++
		result |= uint64(byt&0x7f) << shift
		if byt&0x80 == 0 {
			break
		}
		shift += 7
	}
	return result, n
}

// sleb128 decodes a signed LEB128-encoded integer, returning the value
// and the number of bytes consumed.
func sleb128(b []byte) (int64, int) {
	var result int64
	var shift uint
	var n int
	var byt byte
	for n < len(b) {
		byt = b[n]
		n++
		result |= int64(byt&0x7f) << shift
		shift += 7
		if byt&0x80 == 0 {
			break
		}
	}
	if shift < 64 && byt&0x40 != 0 {
		result |= -1 << shift
	}
	return result, n
}
