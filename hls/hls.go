// Copyright 2023 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package hls drives HLS-generated compute kernels through the standard
// ap_ctrl handshake block.
//
// The register file is tiny: ap_ctrl at 0x0 (start/done/idle/ready plus
// auto-restart), the global interrupt enable at 0x4 and the IP interrupt
// enable/status pair at 0x8/0xC. Kernel arguments are plain words at
// core-specific offsets, written through SetDataAddr.
package hls

import (
	"fmt"
	"sync"
	"time"

	"periph.io/x/clap"
	"periph.io/x/clap/backend"
	"periph.io/x/clap/regs"
	"periph.io/x/clap/watchdog"
)

const (
	addrApCtrl = 0x0
	addrGIE    = 0x4
	addrIER    = 0x8
	addrISR    = 0xC
)

// APInterrupts selects the kernel interrupt causes.
type APInterrupts uint32

const (
	// APIntrDone fires when the kernel finishes.
	APIntrDone APInterrupts = 1 << 0
	// APIntrReady fires when the kernel can accept new input.
	APIntrReady APInterrupts = 1 << 1
	// APIntrAll selects both causes.
	APIntrAll APInterrupts = 1<<2 - 1
)

// AddressType selects how wide a kernel pointer argument is written.
type AddressType uint

const (
	// Addr32 writes 4 byte pointer arguments.
	Addr32 AddressType = 4
	// Addr64 writes 8 byte pointer arguments.
	Addr64 AddressType = 8
)

// Core is one HLS kernel instance.
type Core struct {
	*clap.IPCore

	apCtrl *apCtrlReg
	ier    *intrEnableReg
	isr    *intrStatusReg
	wd     *watchdog.WatchDog
}

// New builds a driver for the kernel at ctrlOffset.
func New(dev *clap.Device, ctrlOffset uint64, name string) (*Core, error) {
	c := &Core{
		IPCore: clap.NewIPCore(dev, ctrlOffset, name),
		apCtrl: newApCtrlReg(),
		ier:    newIntrEnableReg(),
		isr:    newIntrStatusReg(),
	}
	if err := c.RegisterReg(&c.apCtrl.Register, addrApCtrl, clap.DoNothing); err != nil {
		return nil, err
	}
	if err := c.RegisterReg(&c.ier.Register, addrIER, clap.DoNothing); err != nil {
		return nil, err
	}
	if err := c.RegisterReg(&c.isr.Register, addrISR, clap.DoNothing); err != nil {
		return nil, err
	}
	c.wd = watchdog.New("HLSCore", dev.MakeUserInterrupt(), dev.Logger())
	c.wd.SetStatusRegister(c.apCtrl)
	c.DetectInterruptID()
	return c, nil
}

// Start raises ap_start. It refuses while a previous run is still
// supervised or the kernel is not idle.
func (c *Core) Start() error {
	if c.wd.Running() {
		return fmt.Errorf("hls: core %q at 0x%X is still running", c.Name(), c.CtrlOffset())
	}
	ok, err := c.apCtrl.Start()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("hls: core %q at 0x%X is not idle", c.Name(), c.CtrlOffset())
	}
	return c.wd.Start()
}

// WaitForFinish blocks until ap_done (or the interrupt) arrives, or the
// timeout elapses. It returns false on timeout.
func (c *Core) WaitForFinish(timeout time.Duration) (bool, error) {
	return c.wd.WaitForFinish(timeout)
}

// Runtime returns the duration of the most recent completed run.
func (c *Core) Runtime() time.Duration {
	return c.wd.Runtime()
}

// EnableInterrupts switches the kernel to interrupt-driven completion.
func (c *Core) EnableInterrupts(eventNo uint32, intr APInterrupts) error {
	id := eventNo
	if c.DetectedInterruptID >= 0 {
		id = uint32(c.DetectedInterruptID)
	}
	if id == backend.AutoDetect {
		return fmt.Errorf("hls: interrupt id not detected and none provided for core %q", c.Name())
	}
	if err := c.wd.InitInterrupt(c.Device().DevNum(), id, c.isr); err != nil {
		return err
	}
	if err := c.ier.enableInterrupts(intr); err != nil {
		return err
	}
	return c.WriteReg(addrGIE, 1, 1, false)
}

// DisableInterrupts lowers the selected enables, dropping the global
// enable once nothing is left.
func (c *Core) DisableInterrupts(intr APInterrupts) error {
	if err := c.ier.disableInterrupts(intr); err != nil {
		return err
	}
	if !c.ier.anyEnabled() {
		if err := c.WriteReg(addrGIE, 1, 0, false); err != nil {
			return err
		}
	}
	return c.wd.UnsetInterrupt()
}

// SetDataAddr writes a pointer argument at the core-specific offset.
func (c *Core) SetDataAddr(offset uint64, addr uint64, t AddressType) error {
	return c.WriteReg(offset, uint(t), addr, false)
}

// SetDataAddrMem writes the base address of a Memory handle as a pointer
// argument.
func (c *Core) SetDataAddrMem(offset uint64, mem *clap.Memory, t AddressType) error {
	addr, err := mem.BaseAddr()
	if err != nil {
		return err
	}
	return c.SetDataAddr(offset, addr, t)
}

// DataAddr reads back a pointer argument.
func (c *Core) DataAddr(offset uint64, t AddressType) (uint64, error) {
	return c.ReadReg(offset, uint(t))
}

// SetDataWord writes a 4 byte scalar argument.
func (c *Core) SetDataWord(offset uint64, v uint32) error {
	return c.WriteReg(offset, 4, uint64(v), false)
}

// DataWord reads back a 4 byte scalar argument.
func (c *Core) DataWord(offset uint64) (uint32, error) {
	v, err := c.ReadReg(offset, 4)
	return uint32(v), err
}

// SetAutoRestart flips the kernel's auto-restart bit.
func (c *Core) SetAutoRestart(enable bool) error {
	return c.apCtrl.SetAutoRestart(enable)
}

// IsDone reports whether the kernel completed since the last Start.
func (c *Core) IsDone() (bool, error) {
	return c.apCtrl.PollDone()
}

// IsIdle reports whether the kernel can accept a new run.
func (c *Core) IsIdle() (bool, error) {
	return c.apCtrl.IsIdle()
}

// apCtrlReg is the 8 bit ap_ctrl handshake block. ap_done reads clear the
// hardware bit, so a latch keeps the completion observable.
type apCtrlReg struct {
	regs.Register
	apStart     bool
	apDone      bool
	apIdle      bool
	apReady     bool
	autoRestart bool

	mu   sync.Mutex
	done bool
}

func newApCtrlReg() *apCtrlReg {
	r := &apCtrlReg{Register: *regs.New("ap_ctrl", 8)}
	_ = r.BindBool(&r.apStart, "ap_start", 0)
	_ = r.BindBool(&r.apDone, "ap_done", 1)
	_ = r.BindBool(&r.apIdle, "ap_idle", 2)
	_ = r.BindBool(&r.apReady, "ap_ready", 3)
	_ = r.BindBool(&r.autoRestart, "auto_restart", 7)
	return r
}

func (r *apCtrlReg) getStatus() error {
	if err := r.Load(); err != nil {
		return err
	}
	r.mu.Lock()
	if !r.done && r.apDone {
		r.done = true
	}
	r.mu.Unlock()
	return nil
}

// Start raises ap_start if the kernel is idle.
func (r *apCtrlReg) Start() (bool, error) {
	if err := r.getStatus(); err != nil {
		return false, err
	}
	if !r.apIdle {
		return false, nil
	}
	r.mu.Lock()
	r.done = false
	r.mu.Unlock()
	r.apStart = true
	return true, r.Store()
}

// SetAutoRestart flips the auto-restart bit.
func (r *apCtrlReg) SetAutoRestart(enable bool) error {
	r.autoRestart = enable
	return r.Store()
}

// PollDone implements backend.StatusPoller.
func (r *apCtrlReg) PollDone() (bool, error) {
	if err := r.getStatus(); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done, nil
}

// ResetDone implements backend.StatusPoller.
func (r *apCtrlReg) ResetDone() error {
	if err := r.getStatus(); err != nil {
		return err
	}
	r.mu.Lock()
	r.done = false
	r.mu.Unlock()
	return nil
}

// IsIdle re-reads the block and returns ap_idle.
func (r *apCtrlReg) IsIdle() (bool, error) {
	if err := r.getStatus(); err != nil {
		return false, err
	}
	return r.apIdle, nil
}

type intrEnableReg struct {
	regs.Register
	apDone  bool
	apReady bool
}

func newIntrEnableReg() *intrEnableReg {
	r := &intrEnableReg{Register: *regs.New("IP Interrupt Enable Register", 8)}
	_ = r.BindBool(&r.apDone, "ap_done", 0)
	_ = r.BindBool(&r.apReady, "ap_ready", 1)
	return r
}

func (r *intrEnableReg) set(enable bool, intr APInterrupts) error {
	if intr&APIntrDone != 0 {
		r.apDone = enable
	}
	if intr&APIntrReady != 0 {
		r.apReady = enable
	}
	return r.Store()
}

func (r *intrEnableReg) enableInterrupts(intr APInterrupts) error {
	return r.set(true, intr)
}

func (r *intrEnableReg) disableInterrupts(intr APInterrupts) error {
	return r.set(false, intr)
}

func (r *intrEnableReg) anyEnabled() bool {
	return r.apDone || r.apReady
}

// intrStatusReg is the toggle-on-write ISR.
type intrStatusReg struct {
	regs.Register
	apDone  bool
	apReady bool

	mu   sync.Mutex
	last uint32
}

func newIntrStatusReg() *intrStatusReg {
	r := &intrStatusReg{Register: *regs.New("IP Interrupt Status Register", 8)}
	_ = r.BindBool(&r.apDone, "ap_done", 0)
	_ = r.BindBool(&r.apReady, "ap_ready", 1)
	return r
}

// ClearInterrupts implements backend.InterruptStatus. Writing the pending
// bits back toggles them off.
func (r *intrStatusReg) ClearInterrupts() error {
	if err := r.Load(); err != nil {
		return err
	}
	mask := uint32(0)
	if r.apDone {
		mask |= uint32(APIntrDone)
	}
	if r.apReady {
		mask |= uint32(APIntrReady)
	}
	r.mu.Lock()
	r.last = mask
	r.mu.Unlock()
	return r.Store()
}

// LastInterrupt implements backend.InterruptStatus.
func (r *intrStatusReg) LastInterrupt() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}
