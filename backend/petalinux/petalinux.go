// Copyright 2023 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package petalinux drives memory-mapped AXI cores on a Xilinx SoC through
// /dev/mem, with interrupts and devicetree metadata provided by the UIO
// driver model.
//
// Register I/O maps a 64 KiB-aligned window around the accessed address for
// the duration of each call. Mapping per call keeps the process from
// holding long-lived mappings across unrelated addresses; the cost is
// acceptable for a control plane whose bulk data moves through DMA.
package petalinux

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"periph.io/x/clap/backend"
	"periph.io/x/clap/uio"
)

const (
	memDev = "/dev/mem"

	// Map windows are aligned down to 64 KiB to satisfy mmap offset
	// alignment on every page size in use.
	windowMask = 0xFFFF
)

// Backend performs register I/O through /dev/mem.
type Backend struct {
	f    *os.File
	rdMu sync.Mutex
	wrMu sync.Mutex
	uio  *uio.Manager
}

// New opens /dev/mem and prepares lazy UIO enumeration.
func New() (*Backend, error) {
	f, err := os.OpenFile(memDev, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("petalinux: unable to open %s: %v", memDev, err)
	}
	return &Backend{f: f, uio: uio.NewManager()}, nil
}

// NewWithUIO uses an alternate UIO tree, for tests.
func NewWithUIO(m *uio.Manager) (*Backend, error) {
	b, err := New()
	if err != nil {
		return nil, err
	}
	b.uio = m
	return b, nil
}

// Name implements backend.Backend.
func (b *Backend) Name() string {
	return "PetaLinux"
}

// DevNum implements backend.Backend.
func (b *Backend) DevNum() uint32 {
	return 0
}

// Alignment implements backend.Backend. /dev/mem copies have no host
// buffer constraint.
func (b *Backend) Alignment() uint {
	return 1
}

// Close implements backend.Backend.
func (b *Backend) Close() error {
	b.rdMu.Lock()
	defer b.rdMu.Unlock()
	b.wrMu.Lock()
	defer b.wrMu.Unlock()
	return b.f.Close()
}

func (b *Backend) mapWindow(addr uint64, size int) ([]byte, uint64, error) {
	base := addr &^ windowMask
	offset := addr & windowMask
	length := int(offset) + size
	m, err := unix.Mmap(int(b.f.Fd()), int64(base), length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, 0, fmt.Errorf("petalinux: %s: mmap of 0x%X byte at 0x%X failed: %v", memDev, length, base, err)
	}
	return m, offset, nil
}

// ReadBytes implements backend.Backend.
func (b *Backend) ReadBytes(addr uint64, p []byte) error {
	b.rdMu.Lock()
	defer b.rdMu.Unlock()

	m, offset, err := b.mapWindow(addr, len(p))
	if err != nil {
		return err
	}
	defer unix.Munmap(m)
	if copy(p, m[offset:]) != len(p) {
		return fmt.Errorf("petalinux: %s: short read of 0x%X byte from 0x%X", memDev, len(p), addr)
	}
	return nil
}

// WriteBytes implements backend.Backend.
func (b *Backend) WriteBytes(addr uint64, p []byte) error {
	b.wrMu.Lock()
	defer b.wrMu.Unlock()

	m, offset, err := b.mapWindow(addr, len(p))
	if err != nil {
		return err
	}
	defer unix.Munmap(m)
	if copy(m[offset:], p) != len(p) {
		return fmt.Errorf("petalinux: %s: short write of 0x%X byte to 0x%X", memDev, len(p), addr)
	}
	return nil
}

// ReadCtrl implements backend.Backend. There is no control BAR on a SoC.
func (b *Backend) ReadCtrl(addr uint64, byteCnt uint) (uint64, error) {
	return 0, backend.ErrNotSupported
}

// MakeUserInterrupt implements backend.Backend.
func (b *Backend) MakeUserInterrupt() backend.UserInterrupt {
	return NewUserInterrupt()
}

// ReadUIOProperty implements backend.UIO.
func (b *Backend) ReadUIOProperty(addr uint64, name string) (uint64, bool) {
	if d := b.uio.FindByAddr(addr); d != nil {
		return d.Property(name)
	}
	return 0, false
}

// ReadUIOStringProperty implements backend.UIO.
func (b *Backend) ReadUIOStringProperty(addr uint64, name string) (string, bool) {
	if d := b.uio.FindByAddr(addr); d != nil {
		return d.StringProperty(name)
	}
	return "", false
}

// ReadUIOPropertyVec implements backend.UIO.
func (b *Backend) ReadUIOPropertyVec(addr uint64, name string) ([]uint64, bool) {
	if d := b.uio.FindByAddr(addr); d != nil {
		return d.PropertyVec(name)
	}
	return nil, false
}

// UIOPropertyExists implements backend.UIO.
func (b *Backend) UIOPropertyExists(addr uint64, name string) bool {
	if d := b.uio.FindByAddr(addr); d != nil {
		return d.PropertyExists(name)
	}
	return false
}

// UIOID implements backend.UIO.
func (b *Backend) UIOID(addr uint64) (uint32, bool) {
	if d := b.uio.FindByAddr(addr); d != nil {
		return d.ID, true
	}
	return 0, false
}
