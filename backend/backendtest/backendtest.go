// Copyright 2023 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package backendtest is an in-process backend for testing IP-core drivers
// without hardware.
//
// The backend is a flat byte array plus a property store for UIO metadata
// and a set of register hooks emulating hardware side effects:
// set/clear-on-write and set/clear-on-read masks, and ap_ctrl style
// auto-completion where starting a core immediately raises its done bit.
//
// A JSON file referenced by the CLAP_DUMMY_BACKEND_CONFIG environment
// variable seeds all of it, so the same test binary can run against
// different virtual devices.
package backendtest

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"periph.io/x/clap/backend"
)

// ConfigEnv names the environment variable pointing at the JSON config.
const ConfigEnv = "CLAP_DUMMY_BACKEND_CONFIG"

const defaultMemorySize = 0x100000

// Hook emulates register side effects at one address.
type Hook struct {
	Addr         uint64 `json:"addr"`
	Width        uint   `json:"width"`
	SetOnWrite   uint64 `json:"setOnWrite"`
	ClearOnWrite uint64 `json:"clearOnWrite"`
	SetOnRead    uint64 `json:"setOnRead"`
	ClearOnRead  uint64 `json:"clearOnRead"`
}

// Config seeds a Backend. All addresses are device-visible.
type Config struct {
	MemorySize uint64 `json:"memorySize"`
	Properties []struct {
		Addr  uint64 `json:"addr"`
		Name  string `json:"name"`
		Value uint64 `json:"value"`
	} `json:"uioProperties"`
	StringProperties []struct {
		Addr  uint64 `json:"addr"`
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"uioStringProperties"`
	VectorProperties []struct {
		Addr  uint64   `json:"addr"`
		Name  string   `json:"name"`
		Value []uint64 `json:"value"`
	} `json:"uioVectorProperties"`
	IDs []struct {
		Addr uint64 `json:"addr"`
		ID   uint32 `json:"id"`
	} `json:"uioIds"`
	Registers []struct {
		Addr  uint64 `json:"addr"`
		Value uint64 `json:"value"`
		Width uint   `json:"width"`
	} `json:"registers"`
	Hooks              []Hook   `json:"registerHooks"`
	ApCtrlAutoComplete []uint64 `json:"apCtrlAutoComplete"`
	Memory             []struct {
		Addr  uint64 `json:"addr"`
		Bytes []byte `json:"bytes"`
	} `json:"memory"`
}

// Backend is the in-process fake.
type Backend struct {
	mu      sync.Mutex
	mem     []byte
	props   map[uint64]map[string]uint64
	strs    map[uint64]map[string]string
	vecs    map[uint64]map[string][]uint64
	ids     map[uint64]uint32
	hooks   map[uint64]Hook
	apCtrls map[uint64]struct{}
}

// New returns a Backend seeded from CLAP_DUMMY_BACKEND_CONFIG when the
// variable is set, with defaults otherwise.
func New() (*Backend, error) {
	b := &Backend{
		mem:     make([]byte, defaultMemorySize),
		props:   map[uint64]map[string]uint64{},
		strs:    map[uint64]map[string]string{},
		vecs:    map[uint64]map[string][]uint64{},
		ids:     map[uint64]uint32{},
		hooks:   map[uint64]Hook{},
		apCtrls: map[uint64]struct{}{},
	}
	if path := os.Getenv(ConfigEnv); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("backendtest: unable to read config %s: %v", path, err)
		}
		var cfg Config
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("backendtest: invalid config %s: %v", path, err)
		}
		b.apply(&cfg)
	}
	return b, nil
}

func (b *Backend) apply(cfg *Config) {
	if cfg.MemorySize > 0 {
		b.mem = make([]byte, cfg.MemorySize)
	}
	for _, p := range cfg.Properties {
		b.SetUIOProperty(p.Addr, p.Name, p.Value)
	}
	for _, p := range cfg.StringProperties {
		b.SetUIOStringProperty(p.Addr, p.Name, p.Value)
	}
	for _, p := range cfg.VectorProperties {
		b.SetUIOPropertyVec(p.Addr, p.Name, p.Value)
	}
	for _, p := range cfg.IDs {
		b.SetUIOID(p.Addr, p.ID)
	}
	for _, r := range cfg.Registers {
		w := r.Width
		if w == 0 {
			w = 4
		}
		b.SetRegisterValue(r.Addr, r.Value, w)
	}
	for _, h := range cfg.Hooks {
		b.AddRegisterHook(h)
	}
	for _, a := range cfg.ApCtrlAutoComplete {
		b.EnableApCtrlAutoComplete(a)
	}
	for _, m := range cfg.Memory {
		copy(b.mem[m.Addr:], m.Bytes)
	}
}

// Name implements backend.Backend.
func (b *Backend) Name() string {
	return "Dummy"
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

func (b *Backend) checkRange(addr uint64, size int) error {
	if addr+uint64(size) > uint64(len(b.mem)) {
		return fmt.Errorf("backendtest: access of 0x%X byte at 0x%X outside memory of 0x%X byte", size, addr, len(b.mem))
	}
	return nil
}

func (b *Backend) word(addr uint64, width uint) uint64 {
	v := uint64(0)
	for i := uint(0); i < width; i++ {
		v |= uint64(b.mem[addr+uint64(i)]) << (8 * i)
	}
	return v
}

func (b *Backend) setWord(addr uint64, width uint, v uint64) {
	for i := uint(0); i < width; i++ {
		b.mem[addr+uint64(i)] = byte(v >> (8 * i))
	}
}

func overlaps(addr uint64, size int, hookAddr uint64, width uint) bool {
	return hookAddr >= addr && hookAddr+uint64(width) <= addr+uint64(size)
}

// ReadBytes implements backend.Backend. Read hooks are applied after the
// value is handed out, giving clear-on-read semantics.
func (b *Backend) ReadBytes(addr uint64, p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkRange(addr, len(p)); err != nil {
		return err
	}
	copy(p, b.mem[addr:])
	for _, h := range b.hooks {
		if (h.SetOnRead != 0 || h.ClearOnRead != 0) && overlaps(addr, len(p), h.Addr, h.Width) {
			v := b.word(h.Addr, h.Width)
			v = (v | h.SetOnRead) &^ h.ClearOnRead
			b.setWord(h.Addr, h.Width, v)
		}
	}
	return nil
}

// WriteBytes implements backend.Backend. Write hooks and ap_ctrl
// auto-completion run after the bytes land.
func (b *Backend) WriteBytes(addr uint64, p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkRange(addr, len(p)); err != nil {
		return err
	}
	copy(b.mem[addr:], p)
	for _, h := range b.hooks {
		if (h.SetOnWrite != 0 || h.ClearOnWrite != 0) && overlaps(addr, len(p), h.Addr, h.Width) {
			v := b.word(h.Addr, h.Width)
			v = (v | h.SetOnWrite) &^ h.ClearOnWrite
			b.setWord(h.Addr, h.Width, v)
		}
	}
	for a := range b.apCtrls {
		if a >= addr && a < addr+uint64(len(p)) && b.mem[a]&0x1 != 0 {
			// ap_start raises ap_done immediately: the virtual core
			// completes in zero time.
			b.mem[a] |= 0x2
		}
	}
	return nil
}

// ReadCtrl implements backend.Backend.
func (b *Backend) ReadCtrl(addr uint64, byteCnt uint) (uint64, error) {
	if byteCnt > 8 {
		return 0, fmt.Errorf("backendtest: control read of %d byte exceeds the 8 byte maximum", byteCnt)
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

// MakeUserInterrupt implements backend.Backend.
func (b *Backend) MakeUserInterrupt() backend.UserInterrupt {
	return &UserInterrupt{}
}

// SetUIOProperty seeds a scalar devicetree property.
func (b *Backend) SetUIOProperty(addr uint64, name string, value uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.props[addr] == nil {
		b.props[addr] = map[string]uint64{}
	}
	b.props[addr][name] = value
}

// SetUIOStringProperty seeds a string devicetree property.
func (b *Backend) SetUIOStringProperty(addr uint64, name, value string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.strs[addr] == nil {
		b.strs[addr] = map[string]string{}
	}
	b.strs[addr][name] = value
}

// SetUIOPropertyVec seeds a vector devicetree property.
func (b *Backend) SetUIOPropertyVec(addr uint64, name string, value []uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.vecs[addr] == nil {
		b.vecs[addr] = map[string][]uint64{}
	}
	b.vecs[addr][name] = append([]uint64(nil), value...)
}

// SetUIOID seeds the UIO device index covering addr.
func (b *Backend) SetUIOID(addr uint64, id uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ids[addr] = id
}

// AddRegisterHook installs a side-effect hook.
func (b *Backend) AddRegisterHook(h Hook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if h.Width == 0 {
		h.Width = 4
	}
	b.hooks[h.Addr] = h
}

// AddAutoClearOnWrite is shorthand for a hook clearing mask bits right
// after they are written, e.g. self-clearing reset bits.
func (b *Backend) AddAutoClearOnWrite(addr, mask uint64, width uint) {
	b.AddRegisterHook(Hook{Addr: addr, Width: width, ClearOnWrite: mask})
}

// AddAutoClearOnRead is shorthand for a hook clearing mask bits after each
// read, e.g. read-to-acknowledge status bits.
func (b *Backend) AddAutoClearOnRead(addr, mask uint64, width uint) {
	b.AddRegisterHook(Hook{Addr: addr, Width: width, ClearOnRead: mask})
}

// EnableApCtrlAutoComplete makes writes of ap_start at addr complete
// instantly.
func (b *Backend) EnableApCtrlAutoComplete(addr uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.apCtrls[addr] = struct{}{}
}

// SetRegisterValue seeds a register word directly.
func (b *Backend) SetRegisterValue(addr, value uint64, width uint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setWord(addr, width, value)
}

// RegisterValue reads a register word without triggering read hooks.
func (b *Backend) RegisterValue(addr uint64, width uint) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.word(addr, width)
}

// SetMemoryByte pokes one byte.
func (b *Backend) SetMemoryByte(addr uint64, v byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mem[addr] = v
}

// MemoryByte peeks one byte.
func (b *Backend) MemoryByte(addr uint64) byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mem[addr]
}

// ReadUIOProperty implements backend.UIO.
func (b *Backend) ReadUIOProperty(addr uint64, name string) (uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.props[addr][name]
	return v, ok
}

// ReadUIOStringProperty implements backend.UIO.
func (b *Backend) ReadUIOStringProperty(addr uint64, name string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.strs[addr][name]
	return v, ok
}

// ReadUIOPropertyVec implements backend.UIO.
func (b *Backend) ReadUIOPropertyVec(addr uint64, name string) ([]uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.vecs[addr][name]
	return v, ok
}

// UIOPropertyExists implements backend.UIO.
func (b *Backend) UIOPropertyExists(addr uint64, name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.props[addr][name]; ok {
		return true
	}
	if _, ok := b.strs[addr][name]; ok {
		return true
	}
	_, ok := b.vecs[addr][name]
	return ok
}

// UIOID implements backend.UIO.
func (b *Backend) UIOID(addr uint64) (uint32, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.ids[addr]
	return id, ok
}
