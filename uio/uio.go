// Copyright 2023 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package uio enumerates Linux Userspace I/O devices and reads their
// devicetree properties.
//
// Each /dev/uio<N> device exposes its memory maps and its of_node property
// tree under /sys/class/uio/uio<N>/. Property values are stored big-endian
// on disk and converted on read. Lookups are best effort: a missing device
// or property yields ok=false, never an error, so register-level
// auto-detection can degrade to caller-provided values.
package uio

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

const (
	defaultSysPath = "/sys/class/uio"
	ofNodeDir      = "device/of_node"
	maxMaps        = 5
)

// Map describes one mappable region of a UIO device.
type Map struct {
	ID     uint32
	Addr   uint64
	Size   uint64
	Offset uint64
	Name   string
	Path   string
}

// AddrInRange reports whether addr falls inside the map.
func (m *Map) AddrInRange(addr uint64) bool {
	return addr >= m.Addr && addr < m.Addr+m.Size
}

// Dev is one enumerated UIO device.
type Dev struct {
	Name     string
	Path     string
	PropPath string
	ID       uint32
	Maps     []Map
}

// HasAddr reports whether any of the device's maps covers addr.
func (d *Dev) HasAddr(addr uint64) bool {
	for i := range d.Maps {
		if d.Maps[i].AddrInRange(addr) {
			return true
		}
	}
	return false
}

func readHexFile(path string) (uint64, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	s := strings.TrimSpace(string(b))
	s = strings.TrimPrefix(s, "0x")
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func readLine(path string) (string, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	line := string(b)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	return line, true
}

func newDev(sysPath, entry string) *Dev {
	id, err := strconv.ParseUint(strings.TrimPrefix(entry, "uio"), 10, 32)
	if err != nil {
		return nil
	}
	d := &Dev{
		Path:     filepath.Join(sysPath, entry),
		PropPath: filepath.Join(sysPath, entry, ofNodeDir),
		ID:       uint32(id),
	}
	if name, ok := readLine(filepath.Join(d.Path, "name")); ok {
		d.Name = name
	}
	for i := 0; i < maxMaps; i++ {
		base := filepath.Join(d.Path, "maps", "map"+strconv.Itoa(i))
		name, ok := readLine(filepath.Join(base, "name"))
		if !ok {
			break
		}
		addr, _ := readHexFile(filepath.Join(base, "addr"))
		size, _ := readHexFile(filepath.Join(base, "size"))
		offset, _ := readHexFile(filepath.Join(base, "offset"))
		d.Maps = append(d.Maps, Map{
			ID:     uint32(i),
			Addr:   addr,
			Size:   size,
			Offset: offset,
			Name:   name,
			Path:   base,
		})
	}
	if len(d.Maps) == 0 {
		return nil
	}
	return d
}

// Property reads a scalar big-endian property. Values shorter than 8 bytes
// are zero-extended.
func (d *Dev) Property(name string) (uint64, bool) {
	raw, ok := d.rawProperty(name)
	if !ok || len(raw) == 0 || len(raw) > 8 {
		return 0, ok && len(raw) == 0
	}
	v := uint64(0)
	for _, b := range raw {
		v = v<<8 | uint64(b)
	}
	return v, true
}

// StringProperty reads a NUL-terminated string property.
func (d *Dev) StringProperty(name string) (string, bool) {
	raw, ok := d.rawProperty(name)
	if !ok {
		return "", false
	}
	return strings.TrimRight(string(raw), "\x00"), true
}

// PropertyVec reads a property as a vector of 32 bit big-endian cells,
// widened to uint64.
func (d *Dev) PropertyVec(name string) ([]uint64, bool) {
	raw, ok := d.rawProperty(name)
	if !ok {
		return nil, false
	}
	out := make([]uint64, 0, (len(raw)+3)/4)
	for i := 0; i < len(raw); i += 4 {
		v := uint64(0)
		for j := i; j < i+4 && j < len(raw); j++ {
			v = v<<8 | uint64(raw[j])
		}
		out = append(out, v)
	}
	return out, true
}

// PropertyExists reports presence of a property, including value-less
// flags like xlnx,include-dre.
func (d *Dev) PropertyExists(name string) bool {
	_, err := os.Stat(filepath.Join(d.PropPath, name))
	return err == nil
}

func (d *Dev) rawProperty(name string) ([]byte, bool) {
	b, err := os.ReadFile(filepath.Join(d.PropPath, name))
	if err != nil {
		return nil, false
	}
	return b, true
}

// Manager caches the enumerated UIO devices of one sysfs tree.
type Manager struct {
	mu   sync.Mutex
	path string
	devs []*Dev
	done bool
}

// NewManager scans the default sysfs location lazily on first use.
func NewManager() *Manager {
	return &Manager{path: defaultSysPath}
}

// NewManagerAt scans an alternate tree, for tests.
func NewManagerAt(path string) *Manager {
	return &Manager{path: path}
}

func (m *Manager) scan() {
	if m.done {
		return
	}
	m.done = true
	entries, err := os.ReadDir(m.path)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "uio") {
			continue
		}
		if d := newDev(m.path, e.Name()); d != nil {
			m.devs = append(m.devs, d)
		}
	}
}

// Devs returns all enumerated devices.
func (m *Manager) Devs() []*Dev {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scan()
	return m.devs
}

// FindByAddr returns the device whose maps cover addr, nil if none.
func (m *Manager) FindByAddr(addr uint64) *Dev {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scan()
	for _, d := range m.devs {
		if d.HasAddr(addr) {
			return d
		}
	}
	return nil
}
