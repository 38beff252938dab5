// Copyright 2023 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package clap is a host-side control plane for FPGA accelerators attached
// over Xilinx XDMA (PCIe) or memory-mapped AXI (/dev/mem or UIO on SoCs).
//
// A Device wraps one backend.Backend and owns the device-memory allocators,
// the polling-address set and the process-wide solo-run lock. IP-core
// drivers (axidma, axiintc, axigpio, hls) are built on top of a Device and
// speak to their register files through the IPCore base defined here.
package clap

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"periph.io/x/clap/backend"
)

// MemoryKind selects one of the device-visible memory pools.
type MemoryKind int

const (
	// MemoryDDR is external DDR visible to the device.
	MemoryDDR MemoryKind = iota
	// MemoryBRAM is on-chip block RAM.
	MemoryBRAM
)

func (k MemoryKind) String() string {
	switch k {
	case MemoryDDR:
		return "DDR"
	case MemoryBRAM:
		return "BRAM"
	default:
		return fmt.Sprintf("MemoryKind(%d)", int(k))
	}
}

// ErrDeviceClosed is returned by every operation on a Device after Close,
// including operations of IP cores still holding a reference to it.
var ErrDeviceClosed = errors.New("clap: device is closed")

// Device is the process-facing facade over one backend.
type Device struct {
	b   backend.Backend
	log *zap.Logger

	mu       sync.Mutex
	managers map[MemoryKind][]*MemoryManager

	pollMu    sync.RWMutex
	pollAddrs map[uint64]struct{}

	closed atomic.Bool
	solo   bool
}

// Option configures a Device at construction.
type Option func(*Device)

// WithLogger installs a structured logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(d *Device) { d.log = l }
}

// WithoutSoloLock skips the process-wide /tmp lock, for test backends that
// do not touch real hardware.
func WithoutSoloLock() Option {
	return func(d *Device) { d.solo = false }
}

// New wraps b in a Device. The solo-run lock is acquired here and released
// by Close; a second process driving the same FPGA fails fast.
func New(b backend.Backend, opts ...Option) (*Device, error) {
	d := &Device{
		b:         b,
		log:       zap.NewNop(),
		managers:  map[MemoryKind][]*MemoryManager{},
		pollAddrs: map[uint64]struct{}{},
		solo:      true,
	}
	for _, o := range opts {
		o(d)
	}
	if d.solo {
		if err := acquireSoloLock(); err != nil {
			return nil, err
		}
	}
	d.log.Info("device opened", zap.String("backend", b.Name()))
	return d, nil
}

// Close tears down the device. IP cores holding a reference observe
// ErrDeviceClosed on their next operation instead of dangling.
func (d *Device) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	if d.solo {
		releaseSoloLock()
	}
	return d.b.Close()
}

func (d *Device) ensure() error {
	if d.closed.Load() {
		return ErrDeviceClosed
	}
	return nil
}

// Logger returns the device's logger.
func (d *Device) Logger() *zap.Logger {
	return d.log
}

// Backend exposes the underlying transport.
func (d *Device) Backend() backend.Backend {
	return d.b
}

// DevNum returns the backend's device index.
func (d *Device) DevNum() uint32 {
	return d.b.DevNum()
}

// MakeUserInterrupt hands out an interrupt handle of the backend's flavor.
func (d *Device) MakeUserInterrupt() backend.UserInterrupt {
	return d.b.MakeUserInterrupt()
}

// AddPollAddr marks addr as a high-rate polling address whose transfers are
// excluded from per-transfer debug logging.
func (d *Device) AddPollAddr(addr uint64) {
	d.pollMu.Lock()
	d.pollAddrs[addr] = struct{}{}
	d.pollMu.Unlock()
}

// IsPollAddr reports whether addr was registered with AddPollAddr.
func (d *Device) IsPollAddr(addr uint64) bool {
	d.pollMu.RLock()
	_, ok := d.pollAddrs[addr]
	d.pollMu.RUnlock()
	return ok
}

// ReadBytes fills p from the device address space at addr.
func (d *Device) ReadBytes(addr uint64, p []byte) error {
	if err := d.ensure(); err != nil {
		return err
	}
	start := time.Now()
	if err := d.b.ReadBytes(addr, p); err != nil {
		return err
	}
	d.logTransfer("read", addr, len(p), time.Since(start))
	return nil
}

// WriteBytes copies p into the device address space at addr.
func (d *Device) WriteBytes(addr uint64, p []byte) error {
	if err := d.ensure(); err != nil {
		return err
	}
	start := time.Now()
	if err := d.b.WriteBytes(addr, p); err != nil {
		return err
	}
	d.logTransfer("write", addr, len(p), time.Since(start))
	return nil
}

func (d *Device) logTransfer(op string, addr uint64, size int, dur time.Duration) {
	if d.IsPollAddr(addr) {
		return
	}
	d.log.Debug("transfer",
		zap.String("op", op),
		zap.Uint64("addr", addr),
		zap.Int("size", size),
		zap.Duration("took", dur))
}

// ReadCtrl performs a short control-path read, used for device probing.
func (d *Device) ReadCtrl(addr uint64, byteCnt uint) (uint64, error) {
	if err := d.ensure(); err != nil {
		return 0, err
	}
	return d.b.ReadCtrl(addr, byteCnt)
}

func (d *Device) readWord(addr uint64, width uint) (uint64, error) {
	if err := d.ensure(); err != nil {
		return 0, err
	}
	buf := AlignedBuffer(int(width), d.b.Alignment())
	if err := d.b.ReadBytes(addr, buf); err != nil {
		return 0, err
	}
	v := uint64(0)
	for i := uint(0); i < width; i++ {
		v |= uint64(buf[i]) << (8 * i)
	}
	return v, nil
}

func (d *Device) writeWord(addr uint64, width uint, v uint64) error {
	if err := d.ensure(); err != nil {
		return err
	}
	buf := AlignedBuffer(int(width), d.b.Alignment())
	for i := uint(0); i < width; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	return d.b.WriteBytes(addr, buf)
}

// Read8 reads one byte at addr.
func (d *Device) Read8(addr uint64) (uint8, error) {
	v, err := d.readWord(addr, 1)
	return uint8(v), err
}

// Read16 reads a little-endian 16 bit word at addr.
func (d *Device) Read16(addr uint64) (uint16, error) {
	v, err := d.readWord(addr, 2)
	return uint16(v), err
}

// Read32 reads a little-endian 32 bit word at addr.
func (d *Device) Read32(addr uint64) (uint32, error) {
	v, err := d.readWord(addr, 4)
	return uint32(v), err
}

// Read64 reads a little-endian 64 bit word at addr.
func (d *Device) Read64(addr uint64) (uint64, error) {
	return d.readWord(addr, 8)
}

// Write8 writes one byte at addr.
func (d *Device) Write8(addr uint64, v uint8) error {
	return d.writeWord(addr, 1, uint64(v))
}

// Write16 writes a little-endian 16 bit word at addr.
func (d *Device) Write16(addr uint64, v uint16) error {
	return d.writeWord(addr, 2, uint64(v))
}

// Write32 writes a little-endian 32 bit word at addr.
func (d *Device) Write32(addr uint64, v uint32) error {
	return d.writeWord(addr, 4, uint64(v))
}

// Write64 writes a little-endian 64 bit word at addr.
func (d *Device) Write64(addr uint64, v uint64) error {
	return d.writeWord(addr, 8, v)
}

// ReadMemory fills p from the span described by mem.
func (d *Device) ReadMemory(mem *Memory, p []byte) error {
	addr, err := mem.BaseAddr()
	if err != nil {
		return err
	}
	size, err := mem.Size()
	if err != nil {
		return err
	}
	if uint64(len(p)) > size {
		return fmt.Errorf("clap: read of %d bytes exceeds memory size %d", len(p), size)
	}
	return d.ReadBytes(addr, p)
}

// WriteMemory copies p into the span described by mem.
func (d *Device) WriteMemory(mem *Memory, p []byte) error {
	addr, err := mem.BaseAddr()
	if err != nil {
		return err
	}
	size, err := mem.Size()
	if err != nil {
		return err
	}
	if uint64(len(p)) > size {
		return fmt.Errorf("clap: write of %d bytes exceeds memory size %d", len(p), size)
	}
	return d.WriteBytes(addr, p)
}

// AddMemoryRegion declares a device-visible address range managed by the
// named pool. Multiple regions per kind are kept in declaration order.
func (d *Device) AddMemoryRegion(kind MemoryKind, baseAddr, size uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.managers[kind] = append(d.managers[kind], NewMemoryManager(baseAddr, size))
	d.log.Debug("memory region added",
		zap.Stringer("kind", kind),
		zap.Uint64("base", baseAddr),
		zap.Uint64("size", size))
}

// Alloc carves size bytes out of the first region of the given kind with
// enough contiguous space. memIdx, when non-negative, pins the allocation
// to that region.
func (d *Device) Alloc(kind MemoryKind, size uint64, memIdx int) (*Memory, error) {
	if err := d.ensure(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	mgrs := d.managers[kind]
	if len(mgrs) == 0 {
		return nil, fmt.Errorf("clap: no %s memory region declared", kind)
	}
	if memIdx >= 0 {
		if memIdx >= len(mgrs) {
			return nil, fmt.Errorf("clap: %s region index %d out of range (%d regions)", kind, memIdx, len(mgrs))
		}
		return mgrs[memIdx].Alloc(size)
	}
	var firstErr error
	for _, m := range mgrs {
		mem, err := m.Alloc(size)
		if err == nil {
			return mem, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}

// AllocDDR allocates from the DDR pool.
func (d *Device) AllocDDR(size uint64) (*Memory, error) {
	return d.Alloc(MemoryDDR, size, -1)
}

// AllocBRAM allocates from the BRAM pool.
func (d *Device) AllocBRAM(size uint64) (*Memory, error) {
	return d.Alloc(MemoryBRAM, size, -1)
}

// AllocElements allocates elements*sizeOfElement bytes from the pool.
func (d *Device) AllocElements(kind MemoryKind, elements, sizeOfElement uint64) (*Memory, error) {
	return d.Alloc(kind, elements*sizeOfElement, -1)
}

// Free returns mem to whichever manager produced it. Freeing a handle no
// manager knows is a no-op returning false.
func (d *Device) Free(mem *Memory) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, mgrs := range d.managers {
		for _, m := range mgrs {
			if m.Free(mem) {
				return true
			}
		}
	}
	return false
}

// ResetMemory restores every region of the given kind to a single free run.
// Outstanding handles become stale; this is the caller's bulk teardown.
func (d *Device) ResetMemory(kind MemoryKind) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, m := range d.managers[kind] {
		m.Reset()
	}
}

// uio returns the backend's UIO capability, nil if absent.
func (d *Device) uio() backend.UIO {
	if u, ok := d.b.(backend.UIO); ok {
		return u
	}
	return nil
}

// ReadUIOProperty reads a scalar devicetree property of the UIO device
// covering addr. ok is false when the backend has no UIO support or the
// property is missing.
func (d *Device) ReadUIOProperty(addr uint64, name string) (uint64, bool) {
	if u := d.uio(); u != nil {
		return u.ReadUIOProperty(addr, name)
	}
	return 0, false
}

// ReadUIOStringProperty reads a string devicetree property.
func (d *Device) ReadUIOStringProperty(addr uint64, name string) (string, bool) {
	if u := d.uio(); u != nil {
		return u.ReadUIOStringProperty(addr, name)
	}
	return "", false
}

// ReadUIOPropertyVec reads a property as a vector of cells.
func (d *Device) ReadUIOPropertyVec(addr uint64, name string) ([]uint64, bool) {
	if u := d.uio(); u != nil {
		return u.ReadUIOPropertyVec(addr, name)
	}
	return nil, false
}

// UIOPropertyExists reports presence of a (possibly value-less) property.
func (d *Device) UIOPropertyExists(addr uint64, name string) bool {
	if u := d.uio(); u != nil {
		return u.UIOPropertyExists(addr, name)
	}
	return false
}

// UIOID returns the index of the UIO device covering addr.
func (d *Device) UIOID(addr uint64) (uint32, bool) {
	if u := d.uio(); u != nil {
		return u.UIOID(addr)
	}
	return 0, false
}
