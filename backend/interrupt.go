// Copyright 2023 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package backend

import (
	"errors"
	"sync"
)

// ErrNotInitialized is returned when waiting on an interrupt handle before
// Init.
var ErrNotInitialized = errors.New("backend: user interrupt is not initialized")

// IntrState carries the bookkeeping shared by every UserInterrupt flavor:
// the event source name, the optional status register, the callback chain
// and the finish latch. Implementations embed it and call Dispatch from
// their Wait.
type IntrState struct {
	mu       sync.Mutex
	devName  string
	eventNum uint32
	status   InterruptStatus
	cbs      []Callback
	finish   FinishCallback
	finished bool
}

// Bind records the event source. st may be nil.
func (s *IntrState) Bind(devName string, eventNum uint32, st InterruptStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devName = devName
	s.eventNum = eventNum
	s.status = st
}

// Release drops the status register reference on Unset.
func (s *IntrState) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = nil
}

// Name implements UserInterrupt.
func (s *IntrState) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.devName
}

// EventNum returns the bound event number. It is retained as opaque
// identification of the source after Init.
func (s *IntrState) EventNum() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eventNum
}

// Status returns the bound status register, nil if none.
func (s *IntrState) Status() InterruptStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// RegisterCallback implements UserInterrupt.
func (s *IntrState) RegisterCallback(cb Callback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cbs = append(s.cbs, cb)
}

// SetFinishCallback implements UserInterrupt.
func (s *IntrState) SetFinishCallback(cb FinishCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finish = cb
}

// Finished implements UserInterrupt.
func (s *IntrState) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// ResetFinished implements UserInterrupt.
func (s *IntrState) ResetFinished() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = false
}

// FinishStatus returns the status register bound to the finish decision so
// polling watchdogs can participate in done-detection.
func (s *IntrState) FinishStatus() InterruptStatus {
	return s.Status()
}

// Dispatch acknowledges the status register and runs the callback chain.
// Implementations call it once per observed event, after the kernel-side
// acknowledge.
func (s *IntrState) Dispatch(runCallbacks bool) error {
	return s.dispatch(runCallbacks, true)
}

// DispatchLast runs the callback chain with the mask captured by an
// earlier ClearInterrupts, for sources that acknowledge at trigger time.
func (s *IntrState) DispatchLast(runCallbacks bool) error {
	return s.dispatch(runCallbacks, false)
}

func (s *IntrState) dispatch(runCallbacks, ack bool) error {
	s.mu.Lock()
	st := s.status
	cbs := append([]Callback(nil), s.cbs...)
	finish := s.finish
	s.mu.Unlock()

	mask := uint32(0)
	if st != nil {
		if ack {
			if err := st.ClearInterrupts(); err != nil {
				return err
			}
		}
		mask = st.LastInterrupt()
	}
	if !runCallbacks {
		return nil
	}
	for _, cb := range cbs {
		cb(mask)
	}
	if finish != nil {
		done, err := finish()
		if err != nil {
			return err
		}
		if done {
			s.mu.Lock()
			s.finished = true
			s.mu.Unlock()
		}
	} else {
		s.mu.Lock()
		s.finished = true
		s.mu.Unlock()
	}
	return nil
}

// RunFinish invokes only the finish callback, used by polling watchdogs
// once the status register reports done.
func (s *IntrState) RunFinish() (bool, error) {
	s.mu.Lock()
	finish := s.finish
	s.mu.Unlock()
	if finish == nil {
		return true, nil
	}
	done, err := finish()
	if err != nil {
		return false, err
	}
	if done {
		s.mu.Lock()
		s.finished = true
		s.mu.Unlock()
	}
	return done, nil
}
