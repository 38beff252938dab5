// Copyright 2023 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package pcie

import (
	"fmt"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"periph.io/x/clap/backend"
)

func isAligned(p []byte) bool {
	if len(p) == 0 {
		return true
	}
	return uintptr(unsafe.Pointer(&p[0]))&uintptr(Alignment-1) == 0
}

// UserInterrupt waits on one /dev/xdma<N>_events_<I> file. The kernel
// reports a 4 byte count of coalesced events; reading it doubles as the
// acknowledge.
type UserInterrupt struct {
	backend.IntrState

	mu sync.Mutex
	fd int
}

// NewUserInterrupt returns an unbound handle; Init opens the event file.
func NewUserInterrupt() *UserInterrupt {
	return &UserInterrupt{fd: -1}
}

// Init implements backend.UserInterrupt.
func (u *UserInterrupt) Init(devNum, eventNum uint32, st backend.InterruptStatus) error {
	if u.IsSet() {
		if err := u.Unset(); err != nil {
			return err
		}
	}
	name := fmt.Sprintf("/dev/xdma%d_events_%d", devNum, eventNum)
	fd, err := unix.Open(name, unix.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("pcie: unable to open %s: %v", name, err)
	}
	u.mu.Lock()
	u.fd = fd
	u.mu.Unlock()
	u.Bind(name, eventNum, st)
	return nil
}

// Unset implements backend.UserInterrupt. Closing the event file unblocks
// pending waiters.
func (u *UserInterrupt) Unset() error {
	u.mu.Lock()
	fd := u.fd
	u.fd = -1
	u.mu.Unlock()
	u.Release()
	if fd < 0 {
		return nil
	}
	return unix.Close(fd)
}

// IsSet implements backend.UserInterrupt.
func (u *UserInterrupt) IsSet() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.fd >= 0
}

// Wait implements backend.UserInterrupt.
func (u *UserInterrupt) Wait(timeout time.Duration, runCallbacks bool) (bool, error) {
	u.mu.Lock()
	fd := u.fd
	u.mu.Unlock()
	if fd < 0 {
		return false, fmt.Errorf("%w: %s", backend.ErrNotInitialized, u.Name())
	}

	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(pfd, ms)
	if err == unix.EINTR {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("pcie: poll on %s failed: %v", u.Name(), err)
	}
	if n == 0 || pfd[0].Revents&unix.POLLIN == 0 {
		return false, nil
	}

	// The 4 byte event count read clears the kernel-side pending state.
	var events [4]byte
	if _, err := unix.Pread(fd, events[:], 0); err != nil {
		return false, fmt.Errorf("pcie: pread on %s failed: %v", u.Name(), err)
	}
	if err := u.Dispatch(runCallbacks); err != nil {
		return false, err
	}
	return true, nil
}
