// Copyright 2023 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package baremetal accesses device memory through direct pointer
// dereference, for environments where the accelerator's address space is
// identity-mapped into the process (embedded targets, hypervisor guests).
//
// The accessible window must be declared up front; accesses outside it
// fail instead of faulting.
package baremetal

import (
	"fmt"
	"sync"
	"time"
	"unsafe"

	"periph.io/x/clap/backend"
)

// Backend copies bytes to and from an identity-mapped window.
type Backend struct {
	base uint64
	size uint64
	rdMu sync.Mutex
	wrMu sync.Mutex
}

// New returns a backend over the window [base, base+size).
func New(base, size uint64) *Backend {
	return &Backend{base: base, size: size}
}

// Name implements backend.Backend.
func (b *Backend) Name() string {
	return "BareMetal"
}

// DevNum implements backend.Backend.
func (b *Backend) DevNum() uint32 {
	return 0
}

// Alignment implements backend.Backend.
func (b *Backend) Alignment() uint {
	return 1
}

// Close implements backend.Backend.
func (b *Backend) Close() error {
	return nil
}

func (b *Backend) check(addr uint64, size int) error {
	if addr < b.base || addr+uint64(size) > b.base+b.size {
		return fmt.Errorf("baremetal: access of 0x%X byte at 0x%X outside window 0x%X-0x%X", size, addr, b.base, b.base+b.size)
	}
	return nil
}

func window(addr uint64, size int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), size)
}

// ReadBytes implements backend.Backend.
func (b *Backend) ReadBytes(addr uint64, p []byte) error {
	b.rdMu.Lock()
	defer b.rdMu.Unlock()
	if err := b.check(addr, len(p)); err != nil {
		return err
	}
	copy(p, window(addr, len(p)))
	return nil
}

// WriteBytes implements backend.Backend.
func (b *Backend) WriteBytes(addr uint64, p []byte) error {
	b.wrMu.Lock()
	defer b.wrMu.Unlock()
	if err := b.check(addr, len(p)); err != nil {
		return err
	}
	copy(window(addr, len(p)), p)
	return nil
}

// ReadCtrl implements backend.Backend.
func (b *Backend) ReadCtrl(addr uint64, byteCnt uint) (uint64, error) {
	if byteCnt > 8 {
		return 0, fmt.Errorf("baremetal: control read of %d byte exceeds the 8 byte maximum", byteCnt)
	}
	var buf [8]byte
	if err := b.ReadBytes(addr, buf[:byteCnt]); err != nil {
		return 0, err
	}
	v := uint64(0)
	for i := uint(0); i < byteCnt; i++ {
		v |= uint64(buf[i]) << (8 * i)
	}
	return v, nil
}

// MakeUserInterrupt implements backend.Backend. There is no kernel event
// source; the handle never becomes set, which steers watchdogs into
// polling mode.
func (b *Backend) MakeUserInterrupt() backend.UserInterrupt {
	return &noInterrupt{}
}

type noInterrupt struct {
	backend.IntrState
}

func (n *noInterrupt) Init(devNum, eventNum uint32, st backend.InterruptStatus) error {
	return fmt.Errorf("baremetal: interrupts are not available, use status-register polling")
}

func (n *noInterrupt) Unset() error {
	return nil
}

func (n *noInterrupt) IsSet() bool {
	return false
}

func (n *noInterrupt) Wait(timeout time.Duration, runCallbacks bool) (bool, error) {
	return false, backend.ErrNotInitialized
}
