// Copyright 2023 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package regs models memory-mapped registers as typed bitfield slices of a
// backing word.
//
// A Register is a named word of 8, 16, 32 or 64 bits. Callers bind fields
// of their own structs to bit ranges of the word; Load distributes a word
// read from hardware back into the bound fields and Store composes the
// current field values into one word and writes it. The actual I/O is
// performed through an Access capability installed when the register is
// registered against an IP core, so the register itself never holds a
// device reference.
package regs

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Direction selects whether an update reads from or writes to hardware.
type Direction int

const (
	// Read refreshes the bound fields from hardware.
	Read Direction = iota
	// Write composes the bound fields and writes them to hardware.
	Write
)

// Access performs one word of I/O on behalf of a Register. The offset is
// relative to the owning IP core's control base.
type Access interface {
	ReadWord(offset uint64, widthBytes uint) (uint64, error)
	WriteWord(offset uint64, widthBytes uint, v uint64) error
}

// Unsigned constrains multi-bit field types.
type Unsigned interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64
}

var (
	// ErrOverlap is returned when a bit range collides with an already
	// bound field.
	ErrOverlap = errors.New("regs: bit range already bound")
	// ErrOutOfRange is returned when a bit range exceeds the register
	// width.
	ErrOutOfRange = errors.New("regs: bit range exceeds register width")
	// ErrDetached is returned by Load and Store before the register is
	// attached to an Access.
	ErrDetached = errors.New("regs: register is not attached")
)

type field interface {
	name() string
	startBit() uint8
	endBit() uint8
	mask() uint64
	apply(word uint64)
	value() uint64
}

type boolField struct {
	p   *bool
	fn  string
	bit uint8
}

func (b *boolField) name() string    { return b.fn }
func (b *boolField) startBit() uint8 { return b.bit }
func (b *boolField) endBit() uint8   { return b.bit }
func (b *boolField) mask() uint64    { return 1 << b.bit }
func (b *boolField) apply(word uint64) {
	*b.p = word&(1<<b.bit) != 0
}
func (b *boolField) value() uint64 {
	if *b.p {
		return 1 << b.bit
	}
	return 0
}

type uintField[T Unsigned] struct {
	p          *T
	fn         string
	start, end uint8
	m          uint64
}

func (u *uintField[T]) name() string    { return u.fn }
func (u *uintField[T]) startBit() uint8 { return u.start }
func (u *uintField[T]) endBit() uint8   { return u.end }
func (u *uintField[T]) mask() uint64    { return u.m }
func (u *uintField[T]) apply(word uint64) {
	*u.p = T((word & u.m) >> u.start)
}
func (u *uintField[T]) value() uint64 {
	return (uint64(*u.p) << u.start) & u.m
}

// Register is one hardware word carrying bound bitfields.
type Register struct {
	nm        string
	widthBits uint8
	fields    []field
	usage     uint64

	acc    Access
	offset uint64
}

// New returns a detached register of the given width in bits (8, 16, 32 or
// 64).
func New(name string, widthBits uint8) *Register {
	switch widthBits {
	case 8, 16, 32, 64:
	default:
		panic(fmt.Sprintf("regs: unsupported register width %d", widthBits))
	}
	return &Register{nm: name, widthBits: widthBits}
}

// Name returns the register's name.
func (r *Register) Name() string {
	return r.nm
}

// WidthBytes returns the register width in bytes.
func (r *Register) WidthBytes() uint {
	return uint(r.widthBits) / 8
}

// Attach installs the I/O capability. It is called when the register is
// registered against an IP core.
func (r *Register) Attach(acc Access, offset uint64) {
	r.acc = acc
	r.offset = offset
}

// Offset returns the offset passed to Attach.
func (r *Register) Offset() uint64 {
	return r.offset
}

func bitMask(start, end uint8) uint64 {
	cnt := uint(end - start + 1)
	if cnt == 64 {
		return ^uint64(0)
	}
	return ((uint64(1) << cnt) - 1) << start
}

func (r *Register) bind(f field) error {
	start, end := f.startBit(), f.endBit()
	if uint8(start) >= r.widthBits || uint8(end) >= r.widthBits {
		return fmt.Errorf("%w: %q bits %d-%d on %d bit register %q", ErrOutOfRange, f.name(), start, end, r.widthBits, r.nm)
	}
	if r.usage&f.mask() != 0 {
		return fmt.Errorf("%w: %q bits %d-%d on register %q", ErrOverlap, f.name(), start, end, r.nm)
	}
	r.fields = append(r.fields, f)
	r.usage |= f.mask()
	return nil
}

// BindBool binds a single-bit field. An overlapping or out-of-range bind is
// rejected and leaves the register unchanged; this is a configuration bug
// surfaced in tests, so callers commonly ignore the error.
func (r *Register) BindBool(p *bool, name string, bit uint8) error {
	if p == nil {
		panic(fmt.Sprintf("regs: nil field pointer for %q on %q", name, r.nm))
	}
	return r.bind(&boolField{p: p, fn: name, bit: bit})
}

// Bind binds a multi-bit field covering bits start through end inclusive.
// Mis-ordered bounds are swapped.
func Bind[T Unsigned](r *Register, p *T, name string, start, end uint8) error {
	if p == nil {
		panic(fmt.Sprintf("regs: nil field pointer for %q on %q", name, r.nm))
	}
	if start > end {
		start, end = end, start
	}
	return r.bind(&uintField[T]{p: p, fn: name, start: start, end: end, m: bitMask(start, end)})
}

// Value composes the current field values into one word without I/O.
func (r *Register) Value() uint64 {
	v := uint64(0)
	for _, f := range r.fields {
		v |= f.value()
	}
	return v
}

// Apply distributes word into the bound fields without I/O. It is used to
// reinterpret an already known value.
func (r *Register) Apply(word uint64) {
	for _, f := range r.fields {
		f.apply(word)
	}
}

// Update performs callback-driven I/O in the given direction. A detached
// register returns ErrDetached.
func (r *Register) Update(dir Direction) error {
	if r.acc == nil {
		return fmt.Errorf("%w: %q", ErrDetached, r.nm)
	}
	if dir == Read {
		v, err := r.acc.ReadWord(r.offset, r.WidthBytes())
		if err != nil {
			return err
		}
		r.Apply(v)
		return nil
	}
	return r.acc.WriteWord(r.offset, r.WidthBytes(), r.Value())
}

// Load refreshes the bound fields from hardware.
func (r *Register) Load() error {
	return r.Update(Read)
}

// Store writes the composed field values to hardware.
func (r *Register) Store() error {
	return r.Update(Write)
}

// Describe renders a fixed-width, bit-sorted field table including
// contiguous reserved runs. Purely diagnostic.
func (r *Register) Describe() string {
	const reserved = "Reserved"
	maxLen := len(reserved)
	for _, f := range r.fields {
		if len(f.name()) > maxLen {
			maxLen = len(f.name())
		}
	}

	type row struct {
		start, end uint8
		name       string
		val        string
	}
	var rows []row
	inReserved := false
	var resStart uint8
	for i := uint8(0); i < r.widthBits; i++ {
		if r.usage&(1<<i) == 0 {
			if !inReserved {
				inReserved = true
				resStart = i
			}
			continue
		}
		if inReserved {
			rows = append(rows, row{start: resStart, end: i - 1, name: reserved, val: ""})
			inReserved = false
		}
	}
	if inReserved {
		rows = append(rows, row{start: resStart, end: r.widthBits - 1, name: reserved, val: ""})
	}
	for _, f := range r.fields {
		rows = append(rows, row{start: f.startBit(), end: f.endBit(), name: f.name(), val: fmt.Sprintf("0x%X", f.value()>>f.startBit())})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].start > rows[j].start })

	var b strings.Builder
	fmt.Fprintf(&b, "%s:\n", r.nm)
	fmt.Fprintf(&b, "%-5s - %-*s - Value\n", "Bits", maxLen, "Field Name")
	b.WriteString(strings.Repeat("-", 5+3+maxLen+3+5) + "\n")
	for _, rw := range rows {
		bits := fmt.Sprintf("%02d", rw.end)
		if rw.start == rw.end {
			bits += "   "
		} else {
			bits += fmt.Sprintf("-%02d", rw.start)
		}
		fmt.Fprintf(&b, "%-5s - %-*s - %s\n", bits, maxLen, rw.name, rw.val)
	}
	return b.String()
}
