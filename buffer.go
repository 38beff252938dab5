// Copyright 2023 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package clap

import "unsafe"

// AlignedBuffer returns a zeroed byte slice of the given size whose first
// element satisfies the alignment, over-allocating as needed. XDMA rejects
// host buffers that are not 4096-byte aligned, so plain make() slices are
// not generally usable for PCIe transfers.
func AlignedBuffer(size int, align uint) []byte {
	if align <= 1 {
		return make([]byte, size)
	}
	raw := make([]byte, size+int(align))
	off := 0
	if rem := uintptr(unsafe.Pointer(&raw[0])) & uintptr(align-1); rem != 0 {
		off = int(uintptr(align) - rem)
	}
	return raw[off : off+size : off+size]
}

// IsAligned reports whether the first element of p satisfies the
// alignment. An empty slice is trivially aligned.
func IsAligned(p []byte, align uint) bool {
	if align <= 1 || len(p) == 0 {
		return true
	}
	return uintptr(unsafe.Pointer(&p[0]))&uintptr(align-1) == 0
}
