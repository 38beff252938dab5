// Copyright 2023 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package axiintc drives the AXI Interrupt Controller IP.
//
// The controller demultiplexes one shared hardware interrupt line into up
// to 32 per-bit virtual interrupts. Each bit can be handed out as a
// standalone UserInterrupt through MakeUserInterrupt, so drivers written
// against kernel event files work unchanged behind the controller — the
// controller itself is the only component talking to the kernel.
package axiintc

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"periph.io/x/clap"
	"periph.io/x/clap/backend"
	"periph.io/x/clap/regs"
	"periph.io/x/clap/watchdog"
)

// Register file offsets, 4 byte little-endian each.
const (
	addrISR = 0x00 // status
	addrIPR = 0x04 // pending
	addrIER = 0x08 // enable
	addrIAR = 0x0C // acknowledge, write-1-to-clear
	addrSIE = 0x10 // set-enables
	addrCIE = 0x14 // clear-enables
	addrIVR = 0x18 // vector
	addrMER = 0x1C // master enable
	addrIMR = 0x20 // mode
	addrILR = 0x24 // level
)

// Controller is one AXI INTC instance.
type Controller struct {
	*clap.IPCore

	isr *statusReg
	ipr *regs.Bit32
	ier *regs.Bit32
	iar *ackReg
	sie *regs.Bit32
	cie *regs.Bit32
	ivr *regs.Bit32
	mer *masterEnableReg
	imr *regs.Bit32
	ilr *regs.Bit32

	wd *watchdog.WatchDog

	mu        sync.Mutex
	callbacks map[uint32]func()
	running   bool
}

// New builds a controller at ctrlOffset, resets the register file and
// hooks the demultiplexer into the backend interrupt's callback chain.
func New(dev *clap.Device, ctrlOffset uint64) (*Controller, error) {
	c := &Controller{
		IPCore:    clap.NewIPCore(dev, ctrlOffset, "AxiInterruptController"),
		isr:       &statusReg{Bit32: regs.NewBit32("Interrupt Status Register")},
		ipr:       regs.NewBit32("Interrupt Pending Register"),
		ier:       regs.NewBit32("Interrupt Enable Register"),
		iar:       &ackReg{Bit32: regs.NewBit32("Interrupt Acknowledge Register")},
		sie:       regs.NewBit32("Set Interrupt Enables Register"),
		cie:       regs.NewBit32("Clear Interrupt Enables Register"),
		ivr:       regs.NewBit32("Interrupt Vector Register"),
		mer:       newMasterEnableReg(),
		imr:       regs.NewBit32("Interrupt Mode Register"),
		ilr:       regs.NewBit32("Interrupt Level Register"),
		callbacks: map[uint32]func(){},
	}
	for _, r := range []struct {
		reg    *regs.Register
		offset uint64
	}{
		{&c.isr.Register, addrISR},
		{&c.ipr.Register, addrIPR},
		{&c.ier.Register, addrIER},
		{&c.iar.Register, addrIAR},
		{&c.sie.Register, addrSIE},
		{&c.cie.Register, addrCIE},
		{&c.ivr.Register, addrIVR},
		{&c.mer.Register, addrMER},
		{&c.imr.Register, addrIMR},
		{&c.ilr.Register, addrILR},
	} {
		if err := c.RegisterReg(r.reg, r.offset, clap.DoNothing); err != nil {
			return nil, err
		}
	}
	if err := c.Reset(); err != nil {
		return nil, err
	}
	c.wd = watchdog.New("AxiInterruptController", dev.MakeUserInterrupt(), dev.Logger())
	c.wd.RegisterInterruptCallback(func(mask uint32) {
		c.CoreInterruptTriggered(mask)
	})
	c.DetectInterruptID()
	return c, nil
}

// Reset acknowledges everything and restores the register file to its
// defaults. ILR is reset to all-ones, assuming level-triggered inputs
// unless configured otherwise.
func (c *Controller) Reset() error {
	if err := c.iar.AcknowledgeAll(); err != nil {
		return err
	}
	for _, r := range []*regs.Bit32{c.isr.Bit32, c.ipr, c.ier, c.sie, c.cie, c.ivr, c.imr} {
		if err := r.Reset(0); err != nil {
			return err
		}
	}
	if err := c.mer.Reset(); err != nil {
		return err
	}
	if err := c.ilr.Reset(0xFFFFFFFF); err != nil {
		return err
	}
	if err := c.iar.AcknowledgeAll(); err != nil {
		return err
	}
	return c.iar.Reset(0)
}

// Start initializes the backend interrupt (auto-detected through UIO when
// eventNo is backend.AutoDetect), launches the watchdog and raises the
// master enable bits.
func (c *Controller) Start(eventNo uint32) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	id := eventNo
	if c.DetectedInterruptID >= 0 {
		id = uint32(c.DetectedInterruptID)
	}
	if id == backend.AutoDetect {
		return fmt.Errorf("axiintc: interrupt id not detected and none provided for controller at 0x%X", c.CtrlOffset())
	}
	if err := c.wd.InitInterrupt(c.Device().DevNum(), id, nil); err != nil {
		return err
	}
	if err := c.wd.Start(); err != nil {
		return fmt.Errorf("axiintc: controller at 0x%X already running: %w", c.CtrlOffset(), err)
	}

	if err := c.mer.SetHardwareInterruptEnable(true); err != nil {
		return err
	}
	if err := c.mer.SetMasterIRQEnable(true); err != nil {
		return err
	}
	c.mu.Lock()
	c.running = true
	c.mu.Unlock()
	c.Log().Info("controller started", zap.Uint32("event", id))
	return nil
}

// Stop lowers the master enables and retires the watchdog.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	c.mu.Unlock()

	if err := c.mer.SetHardwareInterruptEnable(false); err != nil {
		return err
	}
	if err := c.mer.SetMasterIRQEnable(false); err != nil {
		return err
	}
	c.wd.Stop()
	return c.wd.UnsetInterrupt()
}

// EnableInterrupt flips the enable bit of one interrupt source.
func (c *Controller) EnableInterrupt(interruptNum uint32, enable bool) error {
	if interruptNum >= 32 {
		return fmt.Errorf("axiintc: interrupt number %d out of range", interruptNum)
	}
	return c.ier.SetBitAt(uint(interruptNum), enable)
}

// CoreInterruptTriggered demultiplexes one hardware interrupt: the ISR is
// read once and each set bit, walked LSB first, runs its callback and is
// acknowledged through the IAR.
func (c *Controller) CoreInterruptTriggered(uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	intrs, err := c.isr.Interrupts()
	if err != nil {
		c.Log().Error("ISR read failed", zap.Error(err))
		return
	}
	for idx := uint32(0); intrs > 0; idx, intrs = idx+1, intrs>>1 {
		if intrs&1 == 0 {
			continue
		}
		if cb, ok := c.callbacks[idx]; ok {
			cb()
		}
		if err := c.iar.Acknowledge(uint(idx)); err != nil {
			c.Log().Error("IAR write failed", zap.Uint32("bit", idx), zap.Error(err))
			return
		}
	}
}

// MakeUserInterrupt returns a synthetic in-process interrupt fed by this
// controller. Its Init subscribes to the given interrupt bit.
func (c *Controller) MakeUserInterrupt() backend.UserInterrupt {
	return &CtrlUserInterrupt{ctrl: c}
}

func (c *Controller) registerIntrCallback(interruptNum uint32, cb func()) error {
	c.mu.Lock()
	c.callbacks[interruptNum] = cb
	c.mu.Unlock()
	return c.EnableInterrupt(interruptNum, true)
}

type statusReg struct {
	*regs.Bit32
}

// Interrupts re-reads the ISR and composes the set bits.
func (s *statusReg) Interrupts() (uint32, error) {
	return s.Uint32(true)
}

type ackReg struct {
	*regs.Bit32
}

// Acknowledge writes 1 to one IAR bit, then drops it from the shadow so a
// later flush does not acknowledge unrelated pending bits.
func (a *ackReg) Acknowledge(bit uint) error {
	if err := a.SetBitAt(bit, true); err != nil {
		return err
	}
	a.RawBits()[bit] = false
	return nil
}

// AcknowledgeAll writes all-ones and zeroes the shadow again.
func (a *ackReg) AcknowledgeAll() error {
	bits := a.RawBits()
	for i := range bits {
		bits[i] = true
	}
	if err := a.Store(); err != nil {
		return err
	}
	for i := range bits {
		bits[i] = false
	}
	return nil
}

type masterEnableReg struct {
	regs.Register
	me  bool
	hie bool
}

func newMasterEnableReg() *masterEnableReg {
	r := &masterEnableReg{Register: *regs.New("Master Enable Register", 32)}
	_ = r.BindBool(&r.me, "Master IRQ Enable", 0)
	_ = r.BindBool(&r.hie, "Hardware Interrupt Enable", 1)
	return r
}

func (r *masterEnableReg) Reset() error {
	r.me = false
	r.hie = false
	return r.Store()
}

func (r *masterEnableReg) SetMasterIRQEnable(enable bool) error {
	r.me = enable
	return r.Store()
}

func (r *masterEnableReg) SetHardwareInterruptEnable(enable bool) error {
	r.hie = enable
	return r.Store()
}

func (r *masterEnableReg) MasterIRQEnable() (bool, error) {
	if err := r.Load(); err != nil {
		return false, err
	}
	return r.me, nil
}

func (r *masterEnableReg) HardwareInterruptEnable() (bool, error) {
	if err := r.Load(); err != nil {
		return false, err
	}
	return r.hie, nil
}
