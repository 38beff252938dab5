// Copyright 2023 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package axidma

import (
	"fmt"
	"sync"
	"time"

	"periph.io/x/clap/regs"
)

// Interrupts selects which DMA interrupt causes to enable or acknowledge.
type Interrupts uint32

const (
	// IntrOnComplete fires when the IOC threshold is reached.
	IntrOnComplete Interrupts = 1 << 0
	// IntrOnDelay fires after the coalescing delay timer expires.
	IntrOnDelay Interrupts = 1 << 1
	// IntrOnError fires on any latched error.
	IntrOnError Interrupts = 1 << 2
	// IntrAll selects every cause.
	IntrAll Interrupts = 1<<3 - 1
)

// resetTimeout bounds the spin on the self-clearing reset bit. Hardware
// clears it within a handful of cycles; a stuck bit means the engine is
// wedged and the caller must know.
const resetTimeout = time.Second

// controlReg is one channel's DMACR.
type controlReg struct {
	regs.Register
	rs             bool
	reset          bool
	keyhole        bool
	cyclicBDEnable bool
	iocIrqEn       bool
	dlyIrqEn       bool
	errIrqEn       bool
	irqThreshold   uint8
	irqDelay       uint8
}

func newControlReg(name string) *controlReg {
	r := &controlReg{Register: *regs.New(name, 32)}
	_ = r.BindBool(&r.rs, "RS", 0)
	_ = r.BindBool(&r.reset, "Reset", 2)
	_ = r.BindBool(&r.keyhole, "Keyhole", 3)
	_ = r.BindBool(&r.cyclicBDEnable, "CyclicBDEnable", 4)
	_ = r.BindBool(&r.iocIrqEn, "IOCIrqEn", 12)
	_ = r.BindBool(&r.dlyIrqEn, "DlyIrqEn", 13)
	_ = r.BindBool(&r.errIrqEn, "ErrIrqEn", 14)
	_ = regs.Bind(&r.Register, &r.irqThreshold, "IRQThreshold", 16, 23)
	_ = regs.Bind(&r.Register, &r.irqDelay, "IRQDelay", 24, 31)
	return r
}

func (r *controlReg) setRunStop(run bool) error {
	if err := r.Load(); err != nil {
		return err
	}
	r.rs = run
	return r.Store()
}

// Start raises the Run/Stop bit.
func (r *controlReg) Start() error {
	return r.setRunStop(true)
}

// Stop clears the Run/Stop bit.
func (r *controlReg) Stop() error {
	return r.setRunStop(false)
}

// DoReset pulses the reset bit and spins until hardware self-clears it,
// bounded by resetTimeout.
func (r *controlReg) DoReset() error {
	if err := r.Load(); err != nil {
		return err
	}
	r.reset = true
	if err := r.Store(); err != nil {
		return err
	}
	deadline := time.Now().Add(resetTimeout)
	for {
		if err := r.Load(); err != nil {
			return err
		}
		if !r.reset {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("axidma: %s: reset bit did not self-clear within %v", r.Name(), resetTimeout)
		}
		time.Sleep(time.Microsecond)
	}
}

func (r *controlReg) setInterrupts(enable bool, intr Interrupts) error {
	if intr&IntrOnComplete != 0 {
		r.iocIrqEn = enable
	}
	if intr&IntrOnDelay != 0 {
		r.dlyIrqEn = enable
	}
	if intr&IntrOnError != 0 {
		r.errIrqEn = enable
	}
	return r.Store()
}

// EnableInterrupts raises the selected interrupt enables.
func (r *controlReg) EnableInterrupts(intr Interrupts) error {
	return r.setInterrupts(true, intr)
}

// DisableInterrupts lowers the selected interrupt enables.
func (r *controlReg) DisableInterrupts(intr Interrupts) error {
	return r.setInterrupts(false, intr)
}

// SetIrqThreshold programs the interrupt coalescing counter.
func (r *controlReg) SetIrqThreshold(threshold uint8) error {
	r.irqThreshold = threshold
	return r.Store()
}

// SetIrqDelay programs the interrupt coalescing delay timer.
func (r *controlReg) SetIrqDelay(delay uint8) error {
	r.irqDelay = delay
	return r.Store()
}

// statusReg is one channel's DMASR. It doubles as the interrupt status
// register handed to user interrupts and as the polling source handed to
// the watchdog.
type statusReg struct {
	regs.Register
	halted          bool
	idle            bool
	sgIncld         bool
	dmaIntErr       bool
	dmaSlvErr       bool
	dmaDecErr       bool
	sgIntErr        bool
	sgSlvErr        bool
	sgDecErr        bool
	iocIrq          bool
	dlyIrq          bool
	errIrq          bool
	irqThresholdSts uint8
	irqDelaySts     uint8

	mu            sync.Mutex
	done          bool
	lastInterrupt uint32
}

func newStatusReg(name string) *statusReg {
	r := &statusReg{Register: *regs.New(name, 32)}
	_ = r.BindBool(&r.halted, "Halted", 0)
	_ = r.BindBool(&r.idle, "Idle", 1)
	_ = r.BindBool(&r.sgIncld, "SGIncld", 3)
	_ = r.BindBool(&r.dmaIntErr, "DMAIntErr", 4)
	_ = r.BindBool(&r.dmaSlvErr, "DMASlvErr", 5)
	_ = r.BindBool(&r.dmaDecErr, "DMADecErr", 6)
	_ = r.BindBool(&r.sgIntErr, "SGIntErr", 8)
	_ = r.BindBool(&r.sgSlvErr, "SGSlvErr", 9)
	_ = r.BindBool(&r.sgDecErr, "SGDecErr", 10)
	_ = r.BindBool(&r.iocIrq, "IOCIrq", 12)
	_ = r.BindBool(&r.dlyIrq, "DlyIrq", 13)
	_ = r.BindBool(&r.errIrq, "ErrIrq", 14)
	_ = regs.Bind(&r.Register, &r.irqThresholdSts, "IRQThresholdSts", 16, 23)
	_ = regs.Bind(&r.Register, &r.irqDelaySts, "IRQDelaySts", 24, 31)
	return r
}

// The mutex serializes the shadow fields between the watchdog worker and
// the caller thread; every public method below holds it across the load.

func (r *statusReg) interruptsLocked() (uint32, error) {
	if err := r.Load(); err != nil {
		return 0, err
	}
	intr := uint32(0)
	if r.iocIrq {
		intr |= uint32(IntrOnComplete)
	}
	if r.dlyIrq {
		intr |= uint32(IntrOnDelay)
	}
	if r.errIrq {
		intr |= uint32(IntrOnError)
	}
	return intr, nil
}

func (r *statusReg) resetInterruptsLocked(intr Interrupts) error {
	if intr&IntrOnComplete != 0 {
		r.iocIrq = true
	}
	if intr&IntrOnDelay != 0 {
		r.dlyIrq = true
	}
	if intr&IntrOnError != 0 {
		r.errIrq = true
	}
	return r.Store()
}

// Interrupts re-reads the register and composes the pending causes.
func (r *statusReg) Interrupts() (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interruptsLocked()
}

// ResetInterrupts acknowledges the selected causes; the bits are
// write-1-to-clear.
func (r *statusReg) ResetInterrupts(intr Interrupts) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resetInterruptsLocked(intr)
}

// ClearInterrupts implements backend.InterruptStatus.
func (r *statusReg) ClearInterrupts() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	intr, err := r.interruptsLocked()
	if err != nil {
		return err
	}
	r.lastInterrupt = intr
	return r.resetInterruptsLocked(IntrAll)
}

// LastInterrupt implements backend.InterruptStatus.
func (r *statusReg) LastInterrupt() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastInterrupt
}

// PollDone implements backend.StatusPoller: the done latch is raised once
// the channel reports idle.
func (r *statusReg) PollDone() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.Load(); err != nil {
		return false, err
	}
	if !r.done && r.idle {
		r.done = true
	}
	return r.done, nil
}

// ResetDone implements backend.StatusPoller.
func (r *statusReg) ResetDone() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.Load(); err != nil {
		return err
	}
	r.done = false
	return nil
}

// IsStarted reports whether the engine left the halted state.
func (r *statusReg) IsStarted() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.Load(); err != nil {
		return false, err
	}
	return !r.halted, nil
}

// IsSGEnabled reports whether the engine was built with Scatter/Gather.
func (r *statusReg) IsSGEnabled() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.Load(); err != nil {
		return false, err
	}
	return r.sgIncld, nil
}

// HasErrors reports whether any DMA or SG error bit is latched.
func (r *statusReg) HasErrors() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.Load(); err != nil {
		return false, err
	}
	return r.dmaIntErr || r.dmaSlvErr || r.dmaDecErr || r.sgIntErr || r.sgSlvErr || r.sgDecErr, nil
}
