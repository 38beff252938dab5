// Copyright 2023 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package watchdog coordinates completion of long-running IP-core
// operations.
//
// A WatchDog owns one UserInterrupt and optionally a status register. Start
// launches a worker goroutine that either blocks on the interrupt or polls
// the status register at microsecond granularity; completion is published
// through a channel that WaitForFinish selects on. A finish callback lets
// the owning driver keep the worker alive across multi-chunk transfers: the
// worker only retires once the callback declares the operation done.
package watchdog

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"periph.io/x/clap/backend"
)

var (
	// ErrRunning is returned by Start while a worker is active.
	ErrRunning = errors.New("watchdog: already running")
	// ErrNoSource is returned by Start when neither an interrupt nor a
	// status register is set.
	ErrNoSource = errors.New("watchdog: neither interrupt nor status register set")
)

// WatchDog supervises one channel of one IP core.
type WatchDog struct {
	name string
	log  *zap.Logger

	mu      sync.Mutex
	intr    backend.UserInterrupt
	status  backend.StatusPoller
	finish  backend.FinishCallback
	running bool
	done    chan struct{}
	err     error
	elapsed time.Duration

	stopping atomic.Bool
}

// New returns a WatchDog over the given interrupt handle. The handle may
// stay uninitialized; polling mode only needs a status register.
func New(name string, intr backend.UserInterrupt, log *zap.Logger) *WatchDog {
	if log == nil {
		log = zap.NewNop()
	}
	return &WatchDog{name: name, intr: intr, log: log.Named(name)}
}

// SetUserInterrupt swaps the interrupt handle, re-installing the finish
// callback on the new one. Used to reroute a core behind an AXI interrupt
// controller.
func (w *WatchDog) SetUserInterrupt(intr backend.UserInterrupt) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.intr = intr
	if w.finish != nil {
		intr.SetFinishCallback(w.finish)
	}
}

// Interrupt returns the current interrupt handle.
func (w *WatchDog) Interrupt() backend.UserInterrupt {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.intr
}

// InitInterrupt binds the interrupt handle to an event source.
func (w *WatchDog) InitInterrupt(devNum, eventNum uint32, st backend.InterruptStatus) error {
	w.mu.Lock()
	intr := w.intr
	w.mu.Unlock()
	return intr.Init(devNum, eventNum, st)
}

// UnsetInterrupt releases the event source.
func (w *WatchDog) UnsetInterrupt() error {
	w.mu.Lock()
	intr := w.intr
	w.mu.Unlock()
	return intr.Unset()
}

// SetStatusRegister installs the polling fallback.
func (w *WatchDog) SetStatusRegister(s backend.StatusPoller) {
	w.mu.Lock()
	w.status = s
	w.mu.Unlock()
}

// UnsetStatusRegister removes the polling fallback.
func (w *WatchDog) UnsetStatusRegister() {
	w.mu.Lock()
	w.status = nil
	w.mu.Unlock()
}

// RegisterInterruptCallback appends cb to the interrupt's dispatch chain.
func (w *WatchDog) RegisterInterruptCallback(cb backend.Callback) {
	w.mu.Lock()
	intr := w.intr
	w.mu.Unlock()
	intr.RegisterCallback(cb)
}

// SetFinishCallback installs the done-decision callback on both the
// watchdog (for polling mode) and the interrupt handle.
func (w *WatchDog) SetFinishCallback(cb backend.FinishCallback) {
	w.mu.Lock()
	w.finish = cb
	intr := w.intr
	w.mu.Unlock()
	if intr != nil {
		intr.SetFinishCallback(cb)
	}
}

// Start launches the worker. It refuses to double-start and to start with
// no completion source at all.
func (w *WatchDog) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("%w: %s", ErrRunning, w.name)
	}
	intrSet := w.intr != nil && w.intr.IsSet()
	if !intrSet && w.status == nil {
		return fmt.Errorf("%w: %s", ErrNoSource, w.name)
	}
	w.stopping.Store(false)
	w.done = make(chan struct{})
	w.err = nil
	w.running = true
	if w.intr != nil {
		w.intr.ResetFinished()
	}
	go w.worker(w.done, intrSet)
	return nil
}

func (w *WatchDog) worker(done chan struct{}, intrMode bool) {
	start := time.Now()
	var err error
	if intrMode {
		err = w.waitInterrupt()
	} else {
		err = w.pollStatus()
	}
	w.mu.Lock()
	w.elapsed = time.Since(start)
	w.err = err
	w.mu.Unlock()
	close(done)
	w.log.Debug("finished", zap.Error(err))
}

func (w *WatchDog) waitInterrupt() error {
	w.mu.Lock()
	intr := w.intr
	w.mu.Unlock()
	for !w.stopping.Load() {
		ok, err := intr.Wait(backend.Infinite, true)
		if err != nil {
			if w.stopping.Load() {
				return nil
			}
			return err
		}
		if ok && intr.Finished() {
			return nil
		}
	}
	return nil
}

func (w *WatchDog) pollStatus() error {
	w.mu.Lock()
	status := w.status
	finish := w.finish
	w.mu.Unlock()
	for !w.stopping.Load() {
		done, err := status.PollDone()
		if err != nil {
			return err
		}
		if done {
			if finish == nil {
				return nil
			}
			final, err := finish()
			if err != nil {
				return err
			}
			if final {
				return nil
			}
			// Not final: the callback re-armed the hardware and reset
			// the done latch, keep polling.
		}
		time.Sleep(time.Microsecond)
	}
	return nil
}

// WaitForFinish blocks until the worker retires or timeout elapses. A
// negative timeout waits forever. It returns false on timeout with the
// worker left running; true once the worker is joined, along with any
// error the worker hit.
func (w *WatchDog) WaitForFinish(timeout time.Duration) (bool, error) {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return false, nil
	}
	done := w.done
	w.mu.Unlock()

	if timeout >= 0 {
		select {
		case <-done:
		case <-time.After(timeout):
			return false, nil
		}
	} else {
		<-done
	}

	w.mu.Lock()
	w.running = false
	err := w.err
	w.mu.Unlock()
	return true, err
}

// Stop aborts the worker: the interrupt source is released to unblock a
// pending wait, the polling loop observes the stop flag, and the worker is
// joined.
func (w *WatchDog) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	done := w.done
	intr := w.intr
	w.mu.Unlock()

	w.stopping.Store(true)
	if intr != nil && intr.IsSet() {
		_ = intr.Unset()
	}
	<-done

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
}

// Running reports whether a worker is active.
func (w *WatchDog) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Runtime returns the duration of the most recent completed run.
func (w *WatchDog) Runtime() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.elapsed
}
