// Copyright 2023 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package regs

import (
	"errors"
	"strings"
	"testing"
)

// memAccess backs a register with a plain map, one word per offset.
type memAccess struct {
	words map[uint64]uint64
}

func newMemAccess() *memAccess {
	return &memAccess{words: map[uint64]uint64{}}
}

func (m *memAccess) ReadWord(offset uint64, widthBytes uint) (uint64, error) {
	return m.words[offset], nil
}

func (m *memAccess) WriteWord(offset uint64, widthBytes uint, v uint64) error {
	m.words[offset] = v
	return nil
}

func TestRegisterRoundTrip(t *testing.T) {
	// A write followed by a read with the same backing word yields the
	// same field values.
	acc := newMemAccess()
	r := New("test", 32)
	var en bool
	var mode uint8
	var count uint16
	if err := r.BindBool(&en, "Enable", 0); err != nil {
		t.Fatal(err)
	}
	if err := Bind(r, &mode, "Mode", 4, 7); err != nil {
		t.Fatal(err)
	}
	if err := Bind(r, &count, "Count", 16, 27); err != nil {
		t.Fatal(err)
	}
	r.Attach(acc, 0x10)

	en = true
	mode = 0xA
	count = 0x123
	if err := r.Store(); err != nil {
		t.Fatal(err)
	}
	if got := acc.words[0x10]; got != 0x0123_00A1 {
		t.Fatalf("got 0x%X, want 0x12300A1", got)
	}

	en = false
	mode = 0
	count = 0
	if err := r.Load(); err != nil {
		t.Fatal(err)
	}
	if !en || mode != 0xA || count != 0x123 {
		t.Fatalf("round trip lost values: en=%t mode=0x%X count=0x%X", en, mode, count)
	}
}

func TestRegisterOverlap(t *testing.T) {
	r := New("test", 32)
	var a, b uint8
	if err := Bind(r, &a, "A", 0, 7); err != nil {
		t.Fatal(err)
	}
	if err := Bind(r, &b, "B", 4, 11); !errors.Is(err, ErrOverlap) {
		t.Fatalf("got %v, want ErrOverlap", err)
	}
	// The rejected bind must not alter the register's behavior.
	a = 0xFF
	if got := r.Value(); got != 0xFF {
		t.Fatalf("got 0x%X, want 0xFF", got)
	}
	var c uint8
	if err := Bind(r, &c, "C", 8, 15); err != nil {
		t.Fatal(err)
	}
}

func TestRegisterOutOfRange(t *testing.T) {
	r := New("test", 8)
	var v uint16
	if err := Bind(r, &v, "V", 4, 9); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("got %v, want ErrOutOfRange", err)
	}
	var b bool
	if err := r.BindBool(&b, "B", 8); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("got %v, want ErrOutOfRange", err)
	}
}

func TestRegisterSwappedBounds(t *testing.T) {
	r := New("test", 32)
	var v uint8
	if err := Bind(r, &v, "V", 7, 4); err != nil {
		t.Fatal(err)
	}
	v = 0xF
	if got := r.Value(); got != 0xF0 {
		t.Fatalf("got 0x%X, want 0xF0", got)
	}
}

func TestRegisterDetached(t *testing.T) {
	r := New("test", 32)
	var v bool
	_ = r.BindBool(&v, "V", 0)
	if err := r.Load(); !errors.Is(err, ErrDetached) {
		t.Fatalf("got %v, want ErrDetached", err)
	}
	if err := r.Store(); !errors.Is(err, ErrDetached) {
		t.Fatalf("got %v, want ErrDetached", err)
	}
}

func TestRegisterApply(t *testing.T) {
	r := New("test", 32)
	var lo, hi uint16
	_ = Bind(r, &lo, "Lo", 0, 15)
	_ = Bind(r, &hi, "Hi", 16, 31)
	r.Apply(0xDEAD_BEEF)
	if lo != 0xBEEF || hi != 0xDEAD {
		t.Fatalf("got lo=0x%X hi=0x%X", lo, hi)
	}
	if got := r.Value(); got != 0xDEAD_BEEF {
		t.Fatalf("got 0x%X, want 0xDEADBEEF", got)
	}
}

func TestRegisterDescribe(t *testing.T) {
	r := New("status", 32)
	var halted, idle bool
	_ = r.BindBool(&halted, "Halted", 0)
	_ = r.BindBool(&idle, "Idle", 1)
	out := r.Describe()
	for _, want := range []string{"status:", "Halted", "Idle", "Reserved"} {
		if !strings.Contains(out, want) {
			t.Fatalf("Describe output missing %q:\n%s", want, out)
		}
	}
}

func TestBit32(t *testing.T) {
	acc := newMemAccess()
	b := NewBit32("bits")
	b.Attach(acc, 0x0)
	if err := b.Reset(0xA5A5_0000); err != nil {
		t.Fatal(err)
	}
	if got := acc.words[0x0]; got != 0xA5A5_0000 {
		t.Fatalf("got 0x%X, want 0xA5A50000", got)
	}
	if err := b.SetBitAt(0, true); err != nil {
		t.Fatal(err)
	}
	if got := acc.words[0x0]; got != 0xA5A5_0001 {
		t.Fatalf("got 0x%X, want 0xA5A50001", got)
	}
	acc.words[0x0] = 0x8000_0002
	v, err := b.Uint32(true)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0x8000_0002 {
		t.Fatalf("got 0x%X, want 0x80000002", v)
	}
	bit, err := b.BitAt(31, false)
	if err != nil {
		t.Fatal(err)
	}
	if !bit {
		t.Fatal("bit 31 not set")
	}
	if _, err := b.BitAt(32, false); err == nil {
		t.Fatal("expected error for out of range index")
	}
}
