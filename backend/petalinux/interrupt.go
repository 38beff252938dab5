// Copyright 2023 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package petalinux

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"periph.io/x/clap/backend"
)

// UserInterrupt waits on one /dev/uio<N> device. The UIO model requires
// writing 1 to unmask before each wait; reading yields a 4 byte event
// count and re-arms the interrupt.
type UserInterrupt struct {
	backend.IntrState

	mu sync.Mutex
	fd int
}

// NewUserInterrupt returns an unbound handle; Init opens the UIO device.
func NewUserInterrupt() *UserInterrupt {
	return &UserInterrupt{fd: -1}
}

// Init implements backend.UserInterrupt. eventNum is the UIO device index.
func (u *UserInterrupt) Init(devNum, eventNum uint32, st backend.InterruptStatus) error {
	if u.IsSet() {
		if err := u.Unset(); err != nil {
			return err
		}
	}
	name := fmt.Sprintf("/dev/uio%d", eventNum)
	fd, err := unix.Open(name, unix.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("petalinux: unable to open %s: %v", name, err)
	}
	u.mu.Lock()
	u.fd = fd
	u.mu.Unlock()
	u.Bind(name, eventNum, st)
	return u.unmask()
}

// Unset implements backend.UserInterrupt.
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

func (u *UserInterrupt) unmask() error {
	u.mu.Lock()
	fd := u.fd
	u.mu.Unlock()
	if fd < 0 {
		return fmt.Errorf("%w: %s", backend.ErrNotInitialized, u.Name())
	}
	one := [4]byte{1, 0, 0, 0}
	n, err := unix.Write(fd, one[:])
	if err != nil || n != len(one) {
		return fmt.Errorf("petalinux: unable to unmask interrupt on %s: %v", u.Name(), err)
	}
	return nil
}

// Wait implements backend.UserInterrupt.
func (u *UserInterrupt) Wait(timeout time.Duration, runCallbacks bool) (bool, error) {
	u.mu.Lock()
	fd := u.fd
	u.mu.Unlock()
	if fd < 0 {
		return false, fmt.Errorf("%w: %s", backend.ErrNotInitialized, u.Name())
	}
	if err := u.unmask(); err != nil {
		return false, err
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
		return false, fmt.Errorf("petalinux: poll on %s failed: %v", u.Name(), err)
	}
	if n == 0 || pfd[0].Revents&unix.POLLIN == 0 {
		return false, nil
	}

	var events [4]byte
	if _, err := unix.Read(fd, events[:]); err != nil {
		return false, fmt.Errorf("petalinux: read on %s failed: %v", u.Name(), err)
	}
	if err := u.Dispatch(runCallbacks); err != nil {
		return false, err
	}
	return true, nil
}
