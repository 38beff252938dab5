// Copyright 2023 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package axigpio

import (
	"sync"
	"testing"
	"time"

	"periph.io/x/clap"
	"periph.io/x/clap/backend/backendtest"
)

const gpioBase = 0x2000

func newGpio(t *testing.T, seed func(*backendtest.Backend), opts ...Option) (*Gpio, *backendtest.Backend) {
	t.Helper()
	b, err := backendtest.New()
	if err != nil {
		t.Fatal(err)
	}
	if seed != nil {
		seed(b)
	}
	d, err := clap.New(b, clap.WithoutSoloLock())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Close() })
	g, err := New(d, gpioBase, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return g, b
}

func TestDetectionAndAccess(t *testing.T) {
	g, b := newGpio(t, func(b *backendtest.Backend) {
		b.SetUIOProperty(gpioBase, "xlnx,is-dual", 1)
		b.SetUIOProperty(gpioBase, "xlnx,gpio-width", 8)
		b.SetUIOProperty(gpioBase, "xlnx,gpio2-width", 8)
		b.SetRegisterValue(gpioBase+addrGPIOData, 0xAA, 4)
		b.SetRegisterValue(gpioBase+addrGPIO2Data, 0x55, 4)
	})
	if !g.IsDualChannel() {
		t.Fatal("dual channel not detected")
	}
	if g.Width(Channel1) != 8 {
		t.Fatalf("width got %d, want 8", g.Width(Channel1))
	}
	if v, _ := g.GPIOBits(Channel1); v != 0xAA {
		t.Fatalf("channel 1 got 0x%X, want 0xAA", v)
	}
	if v, _ := g.GPIOBits(Channel2); v != 0x55 {
		t.Fatalf("channel 2 got 0x%X, want 0x55", v)
	}
	bit, err := g.GPIOBit(Channel1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !bit {
		t.Fatal("channel 1 bit 1 not set")
	}
	if err := g.SetDirection(Channel1, 1, true); err != nil {
		t.Fatal(err)
	}
	if v := b.RegisterValue(gpioBase+addrGPIOTri, 4); v&0x2 == 0 {
		t.Fatalf("tri got 0x%X, want bit 1 set", v)
	}
	if _, err := g.GPIOBit(Channel1, 8); err == nil {
		t.Fatal("expected error for port beyond the width")
	}
}

func TestSingleChannelRejectsChannel2(t *testing.T) {
	g, _ := newGpio(t, nil)
	if _, err := g.GPIOBits(Channel2); err == nil {
		t.Fatal("expected error for channel 2 on a single-channel core")
	}
}

func TestSetGPIOBit(t *testing.T) {
	g, b := newGpio(t, nil)
	if err := g.SetGPIOBit(Channel1, 3, true); err != nil {
		t.Fatal(err)
	}
	if v := b.RegisterValue(gpioBase+addrGPIOData, 4); v != 0x8 {
		t.Fatalf("data got 0x%X, want 0x8", v)
	}
}

func TestInterruptCallbacks(t *testing.T) {
	g, b := newGpio(t, nil)

	var mu sync.Mutex
	type event struct {
		ch    Channel
		port  uint
		value bool
	}
	var events []event
	done := make(chan struct{}, 1)
	g.RegisterInterruptCallback(func(ch Channel, port uint, value bool) {
		mu.Lock()
		events = append(events, event{ch, port, value})
		mu.Unlock()
		select {
		case done <- struct{}{}:
		default:
		}
	})

	if err := g.EnableInterrupts(0); err != nil {
		t.Fatal(err)
	}
	if v := b.RegisterValue(gpioBase+addrGIER, 4); v&0x80000000 == 0 {
		t.Fatalf("GIER got 0x%X, want bit 31 set", v)
	}
	if v := b.RegisterValue(gpioBase+addrIPIER, 4); v&0x1 == 0 {
		t.Fatalf("IP IER got 0x%X, want bit 0 set", v)
	}

	if err := g.Start(); err != nil {
		t.Fatal(err)
	}
	// Raise port 0 and pend the channel 1 interrupt.
	b.SetRegisterValue(gpioBase+addrGPIOData, 0x1, 4)
	b.SetRegisterValue(gpioBase+addrIPISR, 0x1, 4)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("callback did not fire")
	}
	if err := g.Stop(); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) == 0 {
		t.Fatal("no events recorded")
	}
	e := events[0]
	if e.ch != Channel1 || e.port != 0 || !e.value {
		t.Fatalf("got event %+v, want channel 1 port 0 high", e)
	}
}
