// Copyright 2023 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package clap_test

import (
	"bytes"
	"errors"
	"testing"

	"periph.io/x/clap"
	"periph.io/x/clap/backend/backendtest"
)

func newTestDevice(t *testing.T) (*clap.Device, *backendtest.Backend) {
	t.Helper()
	b, err := backendtest.New()
	if err != nil {
		t.Fatal(err)
	}
	d, err := clap.New(b, clap.WithoutSoloLock())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Close() })
	return d, b
}

func TestDeviceWordRoundTrip(t *testing.T) {
	d, _ := newTestDevice(t)
	if err := d.Write32(0x100, 0xA5A5A5A5); err != nil {
		t.Fatal(err)
	}
	v, err := d.Read32(0x100)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0xA5A5A5A5 {
		t.Fatalf("got 0x%X, want 0xA5A5A5A5", v)
	}
}

func TestDeviceBytesRoundTrip(t *testing.T) {
	d, _ := newTestDevice(t)
	want := []byte{1, 2, 3, 4, 5}
	if err := d.WriteBytes(0x200, want); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 5)
	if err := d.ReadBytes(0x200, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestDeviceWordWidths(t *testing.T) {
	d, _ := newTestDevice(t)
	if err := d.Write8(0x10, 0xAB); err != nil {
		t.Fatal(err)
	}
	if err := d.Write16(0x20, 0xBEEF); err != nil {
		t.Fatal(err)
	}
	if err := d.Write64(0x30, 0x1122334455667788); err != nil {
		t.Fatal(err)
	}
	if v, _ := d.Read8(0x10); v != 0xAB {
		t.Fatalf("got 0x%X, want 0xAB", v)
	}
	if v, _ := d.Read16(0x20); v != 0xBEEF {
		t.Fatalf("got 0x%X, want 0xBEEF", v)
	}
	if v, _ := d.Read64(0x30); v != 0x1122334455667788 {
		t.Fatalf("got 0x%X, want 0x1122334455667788", v)
	}
}

func TestDeviceMemoryRegions(t *testing.T) {
	d, _ := newTestDevice(t)
	d.AddMemoryRegion(clap.MemoryDDR, 0x1000, 0x200)
	mem, err := d.AllocDDR(0x20)
	if err != nil {
		t.Fatal(err)
	}
	if addr, _ := mem.BaseAddr(); addr != 0x1000 {
		t.Fatalf("got 0x%X, want 0x1000", addr)
	}
	if !d.Free(mem) {
		t.Fatal("free failed")
	}
	if d.Free(mem) {
		t.Fatal("double free succeeded")
	}
	if _, err := d.AllocBRAM(0x10); err == nil {
		t.Fatal("expected error: no BRAM region declared")
	}
}

func TestDeviceMemoryHelpers(t *testing.T) {
	d, _ := newTestDevice(t)
	d.AddMemoryRegion(clap.MemoryDDR, 0x4000, 0x1000)
	mem, err := d.AllocElements(clap.MemoryDDR, 16, 4)
	if err != nil {
		t.Fatal(err)
	}
	if size, _ := mem.Size(); size != 64 {
		t.Fatalf("got %d, want 64", size)
	}
	payload := []byte{9, 8, 7, 6}
	if err := d.WriteMemory(mem, payload); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 4)
	if err := d.ReadMemory(mem, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %v, want %v", got, payload)
	}
	if err := d.WriteMemory(mem, make([]byte, 65)); err == nil {
		t.Fatal("expected error: write larger than span")
	}
}

func TestDeviceClosed(t *testing.T) {
	b, err := backendtest.New()
	if err != nil {
		t.Fatal(err)
	}
	d, err := clap.New(b, clap.WithoutSoloLock())
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if err := d.Write32(0x0, 1); !errors.Is(err, clap.ErrDeviceClosed) {
		t.Fatalf("got %v, want ErrDeviceClosed", err)
	}
	if _, err := d.Read32(0x0); !errors.Is(err, clap.ErrDeviceClosed) {
		t.Fatalf("got %v, want ErrDeviceClosed", err)
	}
	if _, err := d.AllocDDR(0x10); !errors.Is(err, clap.ErrDeviceClosed) {
		t.Fatalf("got %v, want ErrDeviceClosed", err)
	}
}

func TestDevicePollAddrs(t *testing.T) {
	d, _ := newTestDevice(t)
	d.AddPollAddr(0x44A00004)
	if !d.IsPollAddr(0x44A00004) {
		t.Fatal("registered poll address not found")
	}
	if d.IsPollAddr(0x44A00008) {
		t.Fatal("unregistered address reported as poll address")
	}
}

func TestAlignedBuffer(t *testing.T) {
	for _, align := range []uint{1, 64, 4096} {
		buf := clap.AlignedBuffer(16, align)
		if len(buf) != 16 {
			t.Fatalf("align %d: got len %d, want 16", align, len(buf))
		}
		if !clap.IsAligned(buf, align) {
			t.Fatalf("align %d: buffer not aligned", align)
		}
	}
}
