// Copyright 2023 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package watchdog

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"periph.io/x/clap/backend"
	"periph.io/x/clap/backend/backendtest"
)

// fakeStatus is a StatusPoller whose done latch flips externally.
type fakeStatus struct {
	done atomic.Bool
}

func (f *fakeStatus) PollDone() (bool, error) {
	return f.done.Load(), nil
}

func (f *fakeStatus) ResetDone() error {
	f.done.Store(false)
	return nil
}

func TestStartWithoutSource(t *testing.T) {
	w := New("test", &backendtest.UserInterrupt{}, nil)
	if err := w.Start(); !errors.Is(err, ErrNoSource) {
		t.Fatalf("got %v, want ErrNoSource", err)
	}
}

func TestPollMode(t *testing.T) {
	st := &fakeStatus{}
	w := New("test", &backendtest.UserInterrupt{}, nil)
	w.SetStatusRegister(st)
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	if ok, _ := w.WaitForFinish(10 * time.Millisecond); ok {
		t.Fatal("finished before the status flipped")
	}
	st.done.Store(true)
	ok, err := w.WaitForFinish(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("did not finish")
	}
	if w.Runtime() <= 0 {
		t.Fatal("runtime not recorded")
	}
}

func TestPollModeFinishCallback(t *testing.T) {
	// The finish callback keeps the worker alive for two rounds,
	// resetting the latch in between like a chunked DMA does.
	st := &fakeStatus{}
	rounds := int32(0)
	w := New("test", &backendtest.UserInterrupt{}, nil)
	w.SetStatusRegister(st)
	w.SetFinishCallback(func() (bool, error) {
		if atomic.AddInt32(&rounds, 1) < 2 {
			st.done.Store(false)
			go func() {
				time.Sleep(time.Millisecond)
				st.done.Store(true)
			}()
			return false, nil
		}
		return true, nil
	})
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	st.done.Store(true)
	ok, err := w.WaitForFinish(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("did not finish")
	}
	if got := atomic.LoadInt32(&rounds); got != 2 {
		t.Fatalf("got %d rounds, want 2", got)
	}
}

func TestDoubleStart(t *testing.T) {
	st := &fakeStatus{}
	w := New("test", &backendtest.UserInterrupt{}, nil)
	w.SetStatusRegister(st)
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	if err := w.Start(); !errors.Is(err, ErrRunning) {
		t.Fatalf("got %v, want ErrRunning", err)
	}
	st.done.Store(true)
	if ok, err := w.WaitForFinish(time.Second); !ok || err != nil {
		t.Fatalf("ok=%t err=%v", ok, err)
	}
	// Restartable after the previous run retired.
	st.done.Store(true)
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	if ok, err := w.WaitForFinish(time.Second); !ok || err != nil {
		t.Fatalf("ok=%t err=%v", ok, err)
	}
}

func TestInterruptMode(t *testing.T) {
	intr := &backendtest.UserInterrupt{}
	w := New("test", intr, nil)
	if err := w.InitInterrupt(0, 1, nil); err != nil {
		t.Fatal(err)
	}
	fired := false
	w.RegisterInterruptCallback(func(mask uint32) { fired = true })
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	ok, err := w.WaitForFinish(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || !fired {
		t.Fatalf("ok=%t fired=%t", ok, fired)
	}
}

func TestStop(t *testing.T) {
	st := &fakeStatus{}
	w := New("test", &backendtest.UserInterrupt{}, nil)
	w.SetStatusRegister(st)
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	w.Stop()
	if w.Running() {
		t.Fatal("still running after Stop")
	}
}

func TestWorkerError(t *testing.T) {
	errPoll := errors.New("poll failed")
	st := &failingStatus{err: errPoll}
	w := New("test", &backendtest.UserInterrupt{}, nil)
	w.SetStatusRegister(st)
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	ok, err := w.WaitForFinish(time.Second)
	if !ok {
		t.Fatal("worker did not retire")
	}
	if !errors.Is(err, errPoll) {
		t.Fatalf("got %v, want %v", err, errPoll)
	}
}

type failingStatus struct {
	err error
}

func (f *failingStatus) PollDone() (bool, error) {
	return false, f.err
}

func (f *failingStatus) ResetDone() error {
	return nil
}

var _ backend.StatusPoller = (*failingStatus)(nil)
