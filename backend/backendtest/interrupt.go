// Copyright 2023 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package backendtest

import (
	"fmt"
	"sync"
	"time"

	"periph.io/x/clap/backend"
)

// UserInterrupt is the test interrupt handle. Events fire instantly: every
// Wait observes one, acknowledges the bound status register and runs the
// callback chain, emulating hardware that completes in zero time.
type UserInterrupt struct {
	backend.IntrState

	mu  sync.Mutex
	set bool
}

// Init implements backend.UserInterrupt.
func (u *UserInterrupt) Init(devNum, eventNum uint32, st backend.InterruptStatus) error {
	u.mu.Lock()
	u.set = true
	u.mu.Unlock()
	u.Bind(fmt.Sprintf("dummy-event-%d", eventNum), eventNum, st)
	return nil
}

// Unset implements backend.UserInterrupt.
func (u *UserInterrupt) Unset() error {
	u.mu.Lock()
	u.set = false
	u.mu.Unlock()
	u.Release()
	return nil
}

// IsSet implements backend.UserInterrupt.
func (u *UserInterrupt) IsSet() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.set
}

// Wait implements backend.UserInterrupt.
func (u *UserInterrupt) Wait(timeout time.Duration, runCallbacks bool) (bool, error) {
	if !u.IsSet() {
		return false, fmt.Errorf("%w: %s", backend.ErrNotInitialized, u.Name())
	}
	if err := u.Dispatch(runCallbacks); err != nil {
		return false, err
	}
	return true, nil
}
