// Copyright 2023 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package backend defines the transport between the host and a device's
// address space.
//
// A Backend moves raw bytes to and from device-visible addresses and hands
// out UserInterrupt handles for the device's event sources. Concrete
// implementations live in the subpackages: pcie for Xilinx XDMA character
// devices, petalinux for /dev/mem plus UIO on SoCs, baremetal for directly
// addressable memory and backendtest for an in-process fake.
package backend

import (
	"errors"
	"time"
)

// RWMaxSize is the largest byte count moved in a single kernel I/O call.
// Larger transfers are split transparently.
//
// This matches the Linux per-syscall cap (MAX_RW_COUNT).
const RWMaxSize = 0x7ffff000

// Infinite blocks until the event arrives.
const Infinite = time.Duration(-1)

// AutoDetect asks a driver to resolve the event number from UIO metadata
// instead of using a caller-provided one.
const AutoDetect = ^uint32(0)

// ErrNotSupported is returned for capabilities a backend does not implement,
// e.g. control reads on a memory-mapped backend.
var ErrNotSupported = errors.New("backend: operation not supported")

// Backend is the read/write/control path to one device.
//
// ReadBytes and WriteBytes are strictly serialized per direction by the
// implementation; reads and writes may proceed in parallel.
type Backend interface {
	// Name identifies the backend variant for log and error messages.
	Name() string
	// ReadBytes fills p from the device address space starting at addr.
	// A short transfer is an error, never a silent truncation.
	ReadBytes(addr uint64, p []byte) error
	// WriteBytes copies p into the device address space starting at addr.
	WriteBytes(addr uint64, p []byte) error
	// ReadCtrl performs a short (at most 8 byte) read on the control path,
	// used for initial device probing.
	ReadCtrl(addr uint64, byteCnt uint) (uint64, error)
	// MakeUserInterrupt returns an uninitialized interrupt handle of the
	// backend's native flavor.
	MakeUserInterrupt() UserInterrupt
	// DevNum is the index of the device, 0 unless multiple XDMA devices
	// are present.
	DevNum() uint32
	// Alignment is the host buffer alignment in bytes required by ReadBytes
	// and WriteBytes, 1 if unconstrained.
	Alignment() uint
	Close() error
}

// UIO is the optional devicetree property capability of a backend.
//
// Lookups return ok=false when the device or the property cannot be found;
// auto-detection callers degrade to explicitly provided values.
type UIO interface {
	// ReadUIOProperty reads a big-endian scalar property of the UIO device
	// covering addr.
	ReadUIOProperty(addr uint64, name string) (uint64, bool)
	// ReadUIOStringProperty reads a NUL-terminated string property.
	ReadUIOStringProperty(addr uint64, name string) (string, bool)
	// ReadUIOPropertyVec reads a property as a vector of big-endian cells.
	ReadUIOPropertyVec(addr uint64, name string) ([]uint64, bool)
	// UIOPropertyExists reports whether the property is present at all;
	// presence-only properties (e.g. xlnx,include-dre) carry no value.
	UIOPropertyExists(addr uint64, name string) bool
	// UIOID returns the index of the /dev/uio<N> device covering addr.
	UIOID(addr uint64) (uint32, bool)
}

// InterruptStatus is implemented by status registers that latch interrupt
// bits, e.g. the AXI DMA DMASR.
type InterruptStatus interface {
	// ClearInterrupts acknowledges all pending interrupt bits in hardware
	// and records them for LastInterrupt.
	ClearInterrupts() error
	// LastInterrupt returns the interrupt mask captured by the most recent
	// ClearInterrupts.
	LastInterrupt() uint32
}

// StatusPoller is implemented by status registers that expose a done latch,
// used by polling-mode watchdogs.
type StatusPoller interface {
	// PollDone re-reads the status and reports whether the operation
	// completed since the last Reset.
	PollDone() (bool, error)
	// ResetDone clears the done latch.
	ResetDone() error
}

// Callback is invoked with the interrupt mask after each observed event.
type Callback func(mask uint32)

// FinishCallback decides whether the owning IP core is done. Returning
// false keeps the interrupt handle armed, e.g. while a DMA chunk queue
// still holds work.
type FinishCallback func() (bool, error)

// UserInterrupt waits for a single device event source and dispatches
// callbacks.
type UserInterrupt interface {
	// Init binds the handle to an event source. The interpretation of
	// eventNum is backend specific: the XDMA event file index for PCIe,
	// the /dev/uio index for PetaLinux, the interrupt-controller bit for
	// synthetic handles. st may be nil.
	Init(devNum, eventNum uint32, st InterruptStatus) error
	// Unset releases the event source. Waiting goroutines return.
	Unset() error
	// IsSet reports whether Init succeeded and Unset was not called.
	IsSet() bool
	// Wait blocks until an event arrives or timeout expires. It returns
	// false on timeout without side effects. On an event the status
	// register (if any) is acknowledged and, when runCallbacks is set, all
	// registered callbacks run followed by the finish callback.
	Wait(timeout time.Duration, runCallbacks bool) (bool, error)
	// RegisterCallback appends cb to the dispatch chain.
	RegisterCallback(cb Callback)
	// SetFinishCallback installs the IP-finish decision callback.
	SetFinishCallback(cb FinishCallback)
	// Finished reports whether the finish callback has declared the IP
	// core done since the last ResetFinished.
	Finished() bool
	// ResetFinished re-arms Finished for the next run.
	ResetFinished()
	// Name returns the event source name for diagnostics.
	Name() string
}
