// Copyright 2023 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package axiintc

import (
	"fmt"
	"sync"
	"time"

	"periph.io/x/clap/backend"
)

// CtrlUserInterrupt is a purely in-process interrupt source fed by the
// controller's demultiplexer. It lets any IP core behind the AXI INTC be
// wired to code expecting a kernel-level UserInterrupt.
type CtrlUserInterrupt struct {
	backend.IntrState

	ctrl *Controller

	mu       sync.Mutex
	set      bool
	occurred bool
	trig     chan struct{}
}

// Init implements backend.UserInterrupt. eventNum selects the controller
// bit this handle subscribes to; devNum is ignored.
func (u *CtrlUserInterrupt) Init(devNum, eventNum uint32, st backend.InterruptStatus) error {
	u.mu.Lock()
	u.set = true
	u.occurred = false
	u.trig = make(chan struct{}, 1)
	u.mu.Unlock()
	u.Bind(fmt.Sprintf("axi-intc-bit-%d", eventNum), eventNum, st)
	return u.ctrl.registerIntrCallback(eventNum, u.triggerInterrupt)
}

// Unset implements backend.UserInterrupt.
func (u *CtrlUserInterrupt) Unset() error {
	u.mu.Lock()
	u.set = false
	trig := u.trig
	u.mu.Unlock()
	u.Release()
	if trig != nil {
		// Wake a pending waiter so it observes the unset handle.
		select {
		case trig <- struct{}{}:
		default:
		}
	}
	return nil
}

// IsSet implements backend.UserInterrupt.
func (u *CtrlUserInterrupt) IsSet() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.set
}

// triggerInterrupt runs inside the controller's demultiplexer. The status
// register is acknowledged here, at trigger time, so the hardware is
// released before the waiter wakes.
func (u *CtrlUserInterrupt) triggerInterrupt() {
	if st := u.Status(); st != nil {
		_ = st.ClearInterrupts()
	}
	u.mu.Lock()
	u.occurred = true
	trig := u.trig
	u.mu.Unlock()
	if trig != nil {
		select {
		case trig <- struct{}{}:
		default:
		}
	}
}

// Wait implements backend.UserInterrupt.
func (u *CtrlUserInterrupt) Wait(timeout time.Duration, runCallbacks bool) (bool, error) {
	u.mu.Lock()
	if !u.set {
		u.mu.Unlock()
		return false, fmt.Errorf("%w: %s", backend.ErrNotInitialized, u.Name())
	}
	pending := u.occurred
	u.occurred = false
	trig := u.trig
	u.mu.Unlock()

	if !pending {
		if timeout >= 0 {
			select {
			case <-trig:
			case <-time.After(timeout):
				return false, nil
			}
		} else {
			<-trig
		}
		u.mu.Lock()
		set := u.set
		u.occurred = false
		u.mu.Unlock()
		if !set {
			return false, nil
		}
	}

	// The trigger already acknowledged the status register; only the
	// captured mask is dispatched.
	if err := u.DispatchLast(runCallbacks); err != nil {
		return false, err
	}
	return true, nil
}
