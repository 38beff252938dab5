// Copyright 2023 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package pcie drives a Xilinx XDMA device through its host character
// devices: /dev/xdma<N>_h2c_<K> for writes, /dev/xdma<N>_c2h_<K> for reads,
// /dev/xdma<N>_control for probing and /dev/xdma<N>_events_<I> for user
// interrupts.
package pcie

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"periph.io/x/clap/backend"
)

// Alignment is the host-buffer alignment the XDMA kernel driver requires.
const Alignment = 4096

const (
	ctrlBase = 0x0
	ctrlSize = 0x100
)

// Info is the decoded XDMA identification register pair at the start of the
// control BAR.
type Info struct {
	ChannelID uint8
	Version   uint8
	Streaming bool
	Polling   bool
}

func (i Info) String() string {
	return fmt.Sprintf("channel=%d version=%d streaming=%t polling=%t", i.ChannelID, i.Version, i.Streaming, i.Polling)
}

// Backend moves data over one XDMA channel pair.
type Backend struct {
	devNum  uint32
	chanNum uint32

	h2cName  string
	c2hName  string
	ctrlName string

	rdMu   sync.Mutex
	h2c    *os.File
	wrMu   sync.Mutex
	c2h    *os.File
	ctrlMu sync.Mutex
	ctrl   *os.File

	info Info
}

// New opens the XDMA character devices of the given device and channel
// index and probes the control BAR.
func New(devNum, chanNum uint32) (*Backend, error) {
	b := &Backend{
		devNum:   devNum,
		chanNum:  chanNum,
		h2cName:  fmt.Sprintf("/dev/xdma%d_h2c_%d", devNum, chanNum),
		c2hName:  fmt.Sprintf("/dev/xdma%d_c2h_%d", devNum, chanNum),
		ctrlName: fmt.Sprintf("/dev/xdma%d_control", devNum),
	}
	var err error
	if b.h2c, err = os.OpenFile(b.h2cName, os.O_WRONLY, 0); err != nil {
		return nil, fmt.Errorf("pcie: unable to open %s: %v", b.h2cName, err)
	}
	if b.c2h, err = os.OpenFile(b.c2hName, os.O_RDONLY, 0); err != nil {
		b.h2c.Close()
		return nil, fmt.Errorf("pcie: unable to open %s: %v", b.c2hName, err)
	}
	if b.ctrl, err = os.OpenFile(b.ctrlName, os.O_RDWR, 0); err != nil {
		b.h2c.Close()
		b.c2h.Close()
		return nil, fmt.Errorf("pcie: unable to open %s: %v", b.ctrlName, err)
	}
	if err := b.probe(); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backend) probe() error {
	base := uint64(ctrlBase) + uint64(b.devNum)*ctrlSize
	reg0, err := b.ReadCtrl(base+0x0, 4)
	if err != nil {
		return err
	}
	reg4, err := b.ReadCtrl(base+0x4, 4)
	if err != nil {
		return err
	}
	b.info = Info{
		ChannelID: uint8(reg0 >> 8 & 0xF),
		Version:   uint8(reg0 & 0xF),
		Streaming: reg0>>15&1 != 0,
		Polling:   reg4>>26&1 != 0,
	}
	return nil
}

// Info returns the probed XDMA identification.
func (b *Backend) Info() Info {
	return b.info
}

// Name implements backend.Backend.
func (b *Backend) Name() string {
	return "XDMA PCIe"
}

// DevNum implements backend.Backend.
func (b *Backend) DevNum() uint32 {
	return b.devNum
}

// Alignment implements backend.Backend.
func (b *Backend) Alignment() uint {
	return Alignment
}

// Close releases the character devices. In-flight transfers finish first.
func (b *Backend) Close() error {
	b.rdMu.Lock()
	defer b.rdMu.Unlock()
	b.wrMu.Lock()
	defer b.wrMu.Unlock()
	b.ctrlMu.Lock()
	defer b.ctrlMu.Unlock()
	var first error
	for _, f := range []*os.File{b.h2c, b.c2h, b.ctrl} {
		if f != nil {
			if err := f.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

// ReadBytes implements backend.Backend. Transfers larger than the kernel's
// single-syscall cap are chunked; any short read is fatal.
func (b *Backend) ReadBytes(addr uint64, p []byte) error {
	b.rdMu.Lock()
	defer b.rdMu.Unlock()

	if !isAligned(p) {
		return fmt.Errorf("pcie: %s: host buffer is not aligned to %d bytes", b.c2hName, Alignment)
	}

	count := 0
	offset := int64(addr)
	for count < len(p) {
		chunk := len(p) - count
		if chunk > backend.RWMaxSize {
			chunk = backend.RWMaxSize
		}
		n, err := unix.Pread(int(b.c2h.Fd()), p[count:count+chunk], offset)
		if err != nil {
			return fmt.Errorf("pcie: %s: failed to read 0x%X byte from offset 0x%X: %v", b.c2hName, chunk, offset, err)
		}
		if n != chunk {
			return fmt.Errorf("pcie: %s: short read of 0x%X byte from offset 0x%X (got 0x%X)", b.c2hName, chunk, offset, n)
		}
		count += n
		offset += int64(n)
	}
	return nil
}

// WriteBytes implements backend.Backend.
func (b *Backend) WriteBytes(addr uint64, p []byte) error {
	b.wrMu.Lock()
	defer b.wrMu.Unlock()

	if !isAligned(p) {
		return fmt.Errorf("pcie: %s: host buffer is not aligned to %d bytes", b.h2cName, Alignment)
	}

	count := 0
	offset := int64(addr)
	for count < len(p) {
		chunk := len(p) - count
		if chunk > backend.RWMaxSize {
			chunk = backend.RWMaxSize
		}
		n, err := unix.Pwrite(int(b.h2c.Fd()), p[count:count+chunk], offset)
		if err != nil {
			return fmt.Errorf("pcie: %s: failed to write 0x%X byte to offset 0x%X: %v", b.h2cName, chunk, offset, err)
		}
		if n != chunk {
			return fmt.Errorf("pcie: %s: short write of 0x%X byte to offset 0x%X (wrote 0x%X)", b.h2cName, chunk, offset, n)
		}
		count += n
		offset += int64(n)
	}
	return nil
}

// ReadCtrl implements backend.Backend.
func (b *Backend) ReadCtrl(addr uint64, byteCnt uint) (uint64, error) {
	if byteCnt > 8 {
		return 0, fmt.Errorf("pcie: control read of %d byte exceeds the 8 byte maximum", byteCnt)
	}
	b.ctrlMu.Lock()
	defer b.ctrlMu.Unlock()

	var buf [8]byte
	n, err := unix.Pread(int(b.ctrl.Fd()), buf[:byteCnt], int64(addr))
	if err != nil {
		return 0, fmt.Errorf("pcie: %s: failed to read %d byte from offset 0x%X: %v", b.ctrlName, byteCnt, addr, err)
	}
	if uint(n) != byteCnt {
		return 0, fmt.Errorf("pcie: %s: short control read from offset 0x%X (%d of %d byte)", b.ctrlName, addr, n, byteCnt)
	}
	v := uint64(0)
	for i := uint(0); i < byteCnt; i++ {
		v |= uint64(buf[i]) << (8 * i)
	}
	return v, nil
}

// MakeUserInterrupt implements backend.Backend.
func (b *Backend) MakeUserInterrupt() backend.UserInterrupt {
	return NewUserInterrupt()
}
