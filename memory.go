// Copyright 2023 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package clap

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrInvalidBuffer is returned when reading the address or size of a freed
// or zero-value Memory handle.
var ErrInvalidBuffer = errors.New("clap: memory buffer is invalid")

// Memory is a handle to a span of device-visible memory. It is produced
// exclusively by a MemoryManager; freeing it invalidates the handle.
type Memory struct {
	baseAddr uint64
	size     uint64
	valid    bool
}

// BaseAddr returns the device-visible base address.
func (m *Memory) BaseAddr() (uint64, error) {
	if !m.valid {
		return 0, ErrInvalidBuffer
	}
	return m.baseAddr, nil
}

// Size returns the originally requested size in bytes.
func (m *Memory) Size() (uint64, error) {
	if !m.valid {
		return 0, ErrInvalidBuffer
	}
	return m.size, nil
}

// IsValid reports whether the handle still refers to live memory.
func (m *Memory) IsValid() bool {
	return m.valid
}

func (m *Memory) String() string {
	if !m.valid {
		return "Memory(invalid)"
	}
	return fmt.Sprintf("Memory(addr=0x%X, size=0x%X)", m.baseAddr, m.size)
}

func (m *Memory) invalidate() {
	m.baseAddr = 0
	m.size = 0
	m.valid = false
}

const (
	// DefaultAlignment is the device-memory allocation granularity. It
	// matches the AXI DMA buffer-descriptor alignment so BD regions can be
	// allocated like any other span.
	DefaultAlignment = 0x40

	coalesceThreshold = 4
)

type memRun struct {
	addr, size uint64
}

// MemoryManager is a first-fit allocator over one device-visible address
// range.
type MemoryManager struct {
	baseAddr uint64
	size     uint64

	mu        sync.Mutex
	spaceLeft uint64
	alignment uint64
	free      []memRun
	used      []memRun
}

// NewMemoryManager returns a manager over [baseAddr, baseAddr+size).
func NewMemoryManager(baseAddr, size uint64) *MemoryManager {
	return &MemoryManager{
		baseAddr:  baseAddr,
		size:      size,
		spaceLeft: size,
		alignment: DefaultAlignment,
		free:      []memRun{{baseAddr, size}},
	}
}

// SetAlignment overrides the allocation alignment. It only affects future
// allocations.
func (m *MemoryManager) SetAlignment(alignment uint64) {
	m.mu.Lock()
	m.alignment = alignment
	m.mu.Unlock()
}

// Alignment returns the current allocation alignment.
func (m *MemoryManager) Alignment() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alignment
}

// BaseAddr returns the start of the managed range.
func (m *MemoryManager) BaseAddr() uint64 {
	return m.baseAddr
}

// Size returns the length of the managed range.
func (m *MemoryManager) Size() uint64 {
	return m.size
}

// AvailableSpace returns the number of bytes not currently allocated.
func (m *MemoryManager) AvailableSpace() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spaceLeft
}

// Alloc carves out size bytes, rounded up to the alignment, scanning the
// free list first-fit. The returned handle reports the originally
// requested size.
func (m *MemoryManager) Alloc(size uint64) (*Memory, error) {
	if size == 0 {
		return nil, errors.New("clap: zero size memory allocation")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	aligned := size
	if mod := size % m.alignment; mod != 0 {
		aligned += m.alignment - mod
	}

	for i := range m.free {
		run := &m.free[i]
		if run.size < aligned {
			continue
		}
		addr := run.addr
		if run.size > aligned {
			run.addr += aligned
			run.size -= aligned
		} else {
			m.free = append(m.free[:i], m.free[i+1:]...)
		}
		m.used = append([]memRun{{addr, aligned}}, m.used...)
		m.spaceLeft -= aligned
		return &Memory{baseAddr: addr, size: size, valid: true}, nil
	}
	return nil, fmt.Errorf("clap: not enough contiguous memory to allocate %d bytes in region 0x%X-0x%X", size, m.baseAddr, m.baseAddr+m.size)
}

// Free returns mem's span to the free list and invalidates the handle.
// An address the manager does not know is a no-op returning false.
func (m *MemoryManager) Free(mem *Memory) bool {
	if mem == nil || !mem.valid {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for i, run := range m.used {
		if run.addr != mem.baseAddr {
			continue
		}
		m.used = append(m.used[:i], m.used[i+1:]...)
		m.free = append([]memRun{run}, m.free...)
		m.spaceLeft += run.size
		mem.invalidate()
		if len(m.free) > coalesceThreshold {
			m.coalesce()
		}
		return true
	}
	return false
}

// coalesce merges adjacent free runs. Called with the lock held.
func (m *MemoryManager) coalesce() {
	sort.Slice(m.free, func(i, j int) bool { return m.free[i].addr < m.free[j].addr })
	out := m.free[:0]
	for _, run := range m.free {
		if n := len(out); n > 0 && out[n-1].addr+out[n-1].size == run.addr {
			out[n-1].size += run.size
			continue
		}
		out = append(out, run)
	}
	m.free = out
}

// Reset drops all allocations and restores a single free run covering the
// whole region.
func (m *MemoryManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.free = []memRun{{m.baseAddr, m.size}}
	m.used = nil
	m.spaceLeft = m.size
}
