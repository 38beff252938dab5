// Copyright 2023 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package regs

import "fmt"

// Bit32 is a 32 bit register exposing each bit as an independent boolean.
type Bit32 struct {
	Register
	bits [32]bool
}

// NewBit32 returns a Bit32 with all 32 bits bound.
func NewBit32(name string) *Bit32 {
	b := &Bit32{Register: *New(name, 32)}
	for i := 0; i < 32; i++ {
		// Binds cannot fail: the ranges are disjoint by construction.
		_ = b.BindBool(&b.bits[i], fmt.Sprintf("Bit-%d", i), uint8(i))
	}
	return b
}

// Reset sets every bit from the corresponding bit of rstVal and writes the
// whole word.
func (b *Bit32) Reset(rstVal uint32) error {
	for i := range b.bits {
		b.bits[i] = rstVal>>uint(i)&1 != 0
	}
	return b.Store()
}

// SetBits is a synonym of Reset for call sites that express intent as a
// plain value write.
func (b *Bit32) SetBits(v uint32) error {
	return b.Reset(v)
}

// SetBitAt writes a single bit, flushing the whole word.
func (b *Bit32) SetBitAt(index uint, value bool) error {
	if index >= 32 {
		return fmt.Errorf("regs: bit index %d out of range on %q", index, b.Name())
	}
	b.bits[index] = value
	return b.Store()
}

// BitAt returns one bit, refreshing the word from hardware first when
// update is set.
func (b *Bit32) BitAt(index uint, update bool) (bool, error) {
	if index >= 32 {
		return false, fmt.Errorf("regs: bit index %d out of range on %q", index, b.Name())
	}
	if update {
		if err := b.Load(); err != nil {
			return false, err
		}
	}
	return b.bits[index], nil
}

// Bits returns all 32 bits, refreshing from hardware first when update is
// set.
func (b *Bit32) Bits(update bool) ([32]bool, error) {
	if update {
		if err := b.Load(); err != nil {
			return b.bits, err
		}
	}
	return b.bits, nil
}

// Uint32 composes the bits into a word, refreshing from hardware first when
// update is set.
func (b *Bit32) Uint32(update bool) (uint32, error) {
	if update {
		if err := b.Load(); err != nil {
			return 0, err
		}
	}
	return uint32(b.Value()), nil
}

// RawBits gives mutating access to the local shadow without I/O. It is used
// by registers with write-1-to-clear semantics that must drop a bit from
// the shadow right after flushing it.
func (b *Bit32) RawBits() *[32]bool {
	return &b.bits
}
