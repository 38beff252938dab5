// Copyright 2023 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package clap

import (
	"fmt"

	"go.uber.org/zap"

	"periph.io/x/clap/regs"
)

// PostRegisterAction selects what happens right after a register is
// registered against an IP core.
type PostRegisterAction int

const (
	// DoNothing leaves the local shadow at its zero value.
	DoNothing PostRegisterAction = iota
	// ReadFromHardware issues an immediate read so the local fields
	// reflect the hardware reset state.
	ReadFromHardware
)

// IPCore anchors an IP-core driver to a Device at a control-register base
// offset. It implements regs.Access so registers registered through
// RegisterReg route their word I/O through the core.
//
// Drivers embed an *IPCore the way the hardware embeds the register file:
// everything the driver does goes through ReadReg/WriteReg relative to the
// base.
type IPCore struct {
	dev        *Device
	ctrlOffset uint64
	name       string
	registers  []*regs.Register
	log        *zap.Logger

	// DetectedInterruptID is the UIO-derived event number, -1 until
	// detection succeeds.
	DetectedInterruptID int32
}

// NewIPCore ties a driver instance to (dev, ctrlOffset). The control base
// is registered as a polling address so status polling does not flood the
// transfer log.
func NewIPCore(dev *Device, ctrlOffset uint64, name string) *IPCore {
	dev.AddPollAddr(ctrlOffset)
	log := dev.Logger()
	if name != "" {
		log = log.Named(name)
	}
	return &IPCore{
		dev:                 dev,
		ctrlOffset:          ctrlOffset,
		name:                name,
		log:                 log,
		DetectedInterruptID: -1,
	}
}

// Device returns the owning device.
func (c *IPCore) Device() *Device {
	return c.dev
}

// CtrlOffset returns the control-register base offset.
func (c *IPCore) CtrlOffset() uint64 {
	return c.ctrlOffset
}

// Name returns the instance name.
func (c *IPCore) Name() string {
	return c.name
}

// SetName renames the instance for diagnostics.
func (c *IPCore) SetName(name string) {
	c.name = name
}

// Log returns the core's named logger.
func (c *IPCore) Log() *zap.Logger {
	return c.log
}

// ReadWord implements regs.Access with the offset relative to the control
// base.
func (c *IPCore) ReadWord(offset uint64, widthBytes uint) (uint64, error) {
	return c.ReadReg(offset, widthBytes)
}

// WriteWord implements regs.Access.
func (c *IPCore) WriteWord(offset uint64, widthBytes uint, v uint64) error {
	return c.WriteReg(offset, widthBytes, v, false)
}

// ReadReg reads one word of 1, 2, 4 or 8 bytes at ctrlOffset+offset.
func (c *IPCore) ReadReg(offset uint64, widthBytes uint) (uint64, error) {
	addr := c.ctrlOffset + offset
	switch widthBytes {
	case 1:
		v, err := c.dev.Read8(addr)
		return uint64(v), err
	case 2:
		v, err := c.dev.Read16(addr)
		return uint64(v), err
	case 4:
		v, err := c.dev.Read32(addr)
		return uint64(v), err
	case 8:
		return c.dev.Read64(addr)
	default:
		return 0, fmt.Errorf("clap: unsupported register width %d byte at 0x%X", widthBytes, addr)
	}
}

// WriteReg writes one word of 1, 2, 4 or 8 bytes at ctrlOffset+offset.
// With validate set the word is read back and compared.
func (c *IPCore) WriteReg(offset uint64, widthBytes uint, v uint64, validate bool) error {
	addr := c.ctrlOffset + offset
	var err error
	switch widthBytes {
	case 1:
		err = c.dev.Write8(addr, uint8(v))
	case 2:
		err = c.dev.Write16(addr, uint16(v))
	case 4:
		err = c.dev.Write32(addr, uint32(v))
	case 8:
		err = c.dev.Write64(addr, v)
	default:
		return fmt.Errorf("clap: unsupported register width %d byte at 0x%X", widthBytes, addr)
	}
	if err != nil || !validate {
		return err
	}
	read, err := c.ReadReg(offset, widthBytes)
	if err != nil {
		return err
	}
	if read != v {
		return fmt.Errorf("clap: register write validation failed at 0x%X: wrote 0x%X, read 0x%X", addr, v, read)
	}
	return nil
}

// RegisterReg wires reg's word I/O through this core and records
// ctrlOffset+offset as a polling address.
func (c *IPCore) RegisterReg(reg *regs.Register, offset uint64, post PostRegisterAction) error {
	if reg.WidthBytes() > 8 {
		return fmt.Errorf("clap: registers wider than 8 byte are not supported (%q is %d byte)", reg.Name(), reg.WidthBytes())
	}
	c.dev.AddPollAddr(c.ctrlOffset + offset)
	reg.Attach(c, offset)
	c.registers = append(c.registers, reg)
	if post == ReadFromHardware {
		return reg.Load()
	}
	return nil
}

// RegisterPollOffset marks an additional offset as high-rate polled
// without attaching a register.
func (c *IPCore) RegisterPollOffset(offset uint64) {
	c.dev.AddPollAddr(c.ctrlOffset + offset)
}

// UpdateAllRegisters refreshes every registered register from hardware.
func (c *IPCore) UpdateAllRegisters() error {
	for _, r := range c.registers {
		if err := r.Load(); err != nil {
			return err
		}
	}
	return nil
}

// DetectInterruptID resolves the core's event number from the UIO device
// covering the control base. Detection is best effort; callers fall back
// to explicitly provided ids.
func (c *IPCore) DetectInterruptID() bool {
	id, ok := c.dev.UIOID(c.ctrlOffset)
	if !ok {
		return false
	}
	c.DetectedInterruptID = int32(id)
	c.log.Info("detected interrupt id", zap.Int32("id", c.DetectedInterruptID))
	return true
}
