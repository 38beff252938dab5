// Copyright 2023 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package hls

import (
	"testing"
	"time"

	"periph.io/x/clap"
	"periph.io/x/clap/backend/backendtest"
)

const hlsBase = 0x3000

func newCore(t *testing.T, seed func(*backendtest.Backend)) (*Core, *backendtest.Backend) {
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
	c, err := New(d, hlsBase, "TestCore")
	if err != nil {
		t.Fatal(err)
	}
	return c, b
}

func TestStartAndFinish(t *testing.T) {
	c, b := newCore(t, func(b *backendtest.Backend) {
		b.EnableApCtrlAutoComplete(hlsBase)
		b.SetRegisterValue(hlsBase, 0x4, 1) // ap_idle
	})
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	ok, err := c.WaitForFinish(100 * time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("core did not finish")
	}
	if v := b.MemoryByte(hlsBase); v&0x2 == 0 {
		t.Fatalf("ap_ctrl got 0x%X, want ap_done set", v)
	}
	done, err := c.IsDone()
	if err != nil {
		t.Fatal(err)
	}
	if !done {
		t.Fatal("IsDone false after completion")
	}
}

func TestStartNotIdle(t *testing.T) {
	c, _ := newCore(t, nil) // ap_idle low
	if err := c.Start(); err == nil {
		t.Fatal("expected error starting a busy core")
	}
}

func TestDataAddr(t *testing.T) {
	c, _ := newCore(t, nil)
	if err := c.SetDataAddr(0x10, 0x1234, Addr32); err != nil {
		t.Fatal(err)
	}
	v, err := c.DataAddr(0x10, Addr32)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0x1234 {
		t.Fatalf("got 0x%X, want 0x1234", v)
	}
	if err := c.SetDataAddr(0x18, 0x1_0000_2000, Addr64); err != nil {
		t.Fatal(err)
	}
	w, err := c.DataAddr(0x18, Addr64)
	if err != nil {
		t.Fatal(err)
	}
	if w != 0x1_0000_2000 {
		t.Fatalf("got 0x%X, want 0x100002000", w)
	}
}

func TestDataAddrMem(t *testing.T) {
	c, _ := newCore(t, nil)
	d := c.Device()
	d.AddMemoryRegion(clap.MemoryDDR, 0x8000, 0x1000)
	mem, err := d.AllocDDR(0x100)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.SetDataAddrMem(0x20, mem, Addr64); err != nil {
		t.Fatal(err)
	}
	v, err := c.DataAddr(0x20, Addr64)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0x8000 {
		t.Fatalf("got 0x%X, want 0x8000", v)
	}
}

func TestEnableInterrupts(t *testing.T) {
	c, b := newCore(t, nil)
	if err := c.EnableInterrupts(0, APIntrAll); err != nil {
		t.Fatal(err)
	}
	if v := b.MemoryByte(hlsBase + addrGIE); v&0x1 == 0 {
		t.Fatalf("GIE got 0x%X, want bit 0 set", v)
	}
	if v := b.MemoryByte(hlsBase + addrIER); v&0x3 != 0x3 {
		t.Fatalf("IER got 0x%X, want 0x3", v)
	}
	if err := c.DisableInterrupts(APIntrAll); err != nil {
		t.Fatal(err)
	}
	if v := b.MemoryByte(hlsBase + addrGIE); v != 0 {
		t.Fatalf("GIE got 0x%X, want 0", v)
	}
}

func TestAutoRestart(t *testing.T) {
	c, b := newCore(t, nil)
	if err := c.SetAutoRestart(true); err != nil {
		t.Fatal(err)
	}
	if v := b.MemoryByte(hlsBase); v&0x80 == 0 {
		t.Fatalf("ap_ctrl got 0x%X, want auto_restart set", v)
	}
}
