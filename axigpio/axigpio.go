// Copyright 2023 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package axigpio drives the AXI GPIO IP.
//
// The core carries one or two 32 bit channels, each with a data and a
// tri-state register. Channel widths, dual-channel presence and the
// tri/data reset defaults are auto-detected from UIO metadata when
// available. Input change notification goes through the IP interrupt
// pair at 0x128/0x120 with the global enable at 0x11C; registered
// callbacks receive the channel, port and new level.
package axigpio

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"periph.io/x/clap"
	"periph.io/x/clap/backend"
	"periph.io/x/clap/regs"
	"periph.io/x/clap/watchdog"
)

const (
	addrGPIOData  = 0x00
	addrGPIOTri   = 0x04
	addrGPIO2Data = 0x08
	addrGPIO2Tri  = 0x0C
	addrGIER      = 0x11C
	addrIPIER     = 0x128
	addrIPISR     = 0x120
)

// Channel selects one of the two GPIO banks.
type Channel int

const (
	// Channel1 is the first bank.
	Channel1 Channel = iota
	// Channel2 is the second bank, present on dual-channel cores.
	Channel2
)

func (c Channel) String() string {
	return fmt.Sprintf("channel %d", int(c)+1)
}

// Callback observes one changed input port.
type Callback func(ch Channel, port uint, value bool)

// Gpio is one AXI GPIO instance.
type Gpio struct {
	*clap.IPCore

	data [2]*regs.Bit32
	tri  [2]*regs.Bit32
	gier *gierReg
	ier  *regs.Bit32
	isr  *isrReg

	wd *watchdog.WatchDog

	mu       sync.Mutex
	dual     bool
	widths   [2]uint32
	lastData [2]uint32
	cbs      []Callback
	running  bool
}

// Option configures a Gpio at construction.
type Option func(*Gpio)

// WithDualChannel forces dual-channel mode when no UIO metadata is
// available.
func WithDualChannel() Option {
	return func(g *Gpio) { g.dual = true }
}

// New builds a driver over the core at ctrlOffset.
func New(dev *clap.Device, ctrlOffset uint64, opts ...Option) (*Gpio, error) {
	g := &Gpio{
		IPCore: clap.NewIPCore(dev, ctrlOffset, "AxiGPIO"),
		gier:   newGierReg(),
		ier:    regs.NewBit32("IP Interrupt Enable Register"),
		widths: [2]uint32{32, 32},
	}
	g.data[Channel1] = regs.NewBit32("GPIO Data Register")
	g.tri[Channel1] = regs.NewBit32("GPIO Tri-State Register")
	g.data[Channel2] = regs.NewBit32("GPIO2 Data Register")
	g.tri[Channel2] = regs.NewBit32("GPIO2 Tri-State Register")
	g.isr = newIsrReg()
	for _, o := range opts {
		o(g)
	}

	for _, r := range []struct {
		reg    *regs.Register
		offset uint64
	}{
		{&g.data[Channel1].Register, addrGPIOData},
		{&g.tri[Channel1].Register, addrGPIOTri},
		{&g.data[Channel2].Register, addrGPIO2Data},
		{&g.tri[Channel2].Register, addrGPIO2Tri},
		{&g.gier.Register, addrGIER},
		{&g.ier.Register, addrIPIER},
		{&g.isr.Register, addrIPISR},
	} {
		if err := g.RegisterReg(r.reg, r.offset, clap.DoNothing); err != nil {
			return nil, err
		}
	}

	g.detect()
	g.wd = watchdog.New("AxiGPIO", dev.MakeUserInterrupt(), dev.Logger())
	g.wd.SetFinishCallback(g.OnFinished)
	g.wd.RegisterInterruptCallback(g.interruptTriggered)
	g.DetectInterruptID()
	return g, nil
}

func (g *Gpio) detect() {
	dev := g.Device()
	base := g.CtrlOffset()
	if v, ok := dev.ReadUIOProperty(base, "xlnx,is-dual"); ok {
		g.dual = v != 0
		g.Log().Info("detected dual channel mode", zap.Bool("dual", g.dual))
	}
	if v, ok := dev.ReadUIOProperty(base, "xlnx,gpio-width"); ok {
		g.widths[Channel1] = uint32(v)
	}
	if v, ok := dev.ReadUIOProperty(base, "xlnx,gpio2-width"); ok {
		g.widths[Channel2] = uint32(v)
	}
	if v, ok := dev.ReadUIOProperty(base, "xlnx,tri-default"); ok {
		g.tri[Channel1].Apply(v)
	}
	if v, ok := dev.ReadUIOProperty(base, "xlnx,tri-default-2"); ok {
		g.tri[Channel2].Apply(v)
	}
	if v, ok := dev.ReadUIOProperty(base, "xlnx,dout-default"); ok {
		g.data[Channel1].Apply(v)
	}
	if v, ok := dev.ReadUIOProperty(base, "xlnx,dout-default-2"); ok {
		g.data[Channel2].Apply(v)
	}
}

func (g *Gpio) checkChannel(ch Channel) error {
	if ch != Channel1 && ch != Channel2 {
		return fmt.Errorf("axigpio: invalid channel %d", int(ch))
	}
	if ch == Channel2 && !g.dual {
		return fmt.Errorf("axigpio: channel 2 accessed on a single-channel core")
	}
	return nil
}

func (g *Gpio) checkPort(ch Channel, port uint) error {
	if err := g.checkChannel(ch); err != nil {
		return err
	}
	if port >= uint(g.widths[ch]) {
		return fmt.Errorf("axigpio: port %d out of range on %s (width %d)", port, ch, g.widths[ch])
	}
	return nil
}

// IsDualChannel reports whether the second bank is usable.
func (g *Gpio) IsDualChannel() bool {
	return g.dual
}

// Width returns the configured bit width of one bank.
func (g *Gpio) Width(ch Channel) uint32 {
	return g.widths[ch]
}

// GPIOBit reads one port.
func (g *Gpio) GPIOBit(ch Channel, port uint) (bool, error) {
	if err := g.checkPort(ch, port); err != nil {
		return false, err
	}
	return g.data[ch].BitAt(port, true)
}

// GPIOBits reads a whole bank.
func (g *Gpio) GPIOBits(ch Channel) (uint32, error) {
	if err := g.checkChannel(ch); err != nil {
		return 0, err
	}
	return g.data[ch].Uint32(true)
}

// SetGPIOBit drives one output port.
func (g *Gpio) SetGPIOBit(ch Channel, port uint, value bool) error {
	if err := g.checkPort(ch, port); err != nil {
		return err
	}
	return g.data[ch].SetBitAt(port, value)
}

// SetGPIOBits drives a whole bank.
func (g *Gpio) SetGPIOBits(ch Channel, v uint32) error {
	if err := g.checkChannel(ch); err != nil {
		return err
	}
	return g.data[ch].SetBits(v)
}

// SetDirection programs one port's tri-state bit: true for input, false
// for output.
func (g *Gpio) SetDirection(ch Channel, port uint, input bool) error {
	if err := g.checkPort(ch, port); err != nil {
		return err
	}
	return g.tri[ch].SetBitAt(port, input)
}

// Tri reads back a bank's tri-state register.
func (g *Gpio) Tri(ch Channel) (uint32, error) {
	if err := g.checkChannel(ch); err != nil {
		return 0, err
	}
	return g.tri[ch].Uint32(true)
}

// RegisterInterruptCallback subscribes to input changes.
func (g *Gpio) RegisterInterruptCallback(cb Callback) {
	g.mu.Lock()
	g.cbs = append(g.cbs, cb)
	g.mu.Unlock()
}

// EnableInterrupts arms change notification: the per-channel enables, the
// global enable and the backend event source.
func (g *Gpio) EnableInterrupts(eventNo uint32) error {
	id := eventNo
	if g.DetectedInterruptID >= 0 {
		id = uint32(g.DetectedInterruptID)
	}
	if id == backend.AutoDetect {
		return fmt.Errorf("axigpio: interrupt id not detected and none provided")
	}
	if err := g.wd.InitInterrupt(g.Device().DevNum(), id, g.isr); err != nil {
		return err
	}
	if err := g.ier.SetBitAt(0, true); err != nil {
		return err
	}
	if g.dual {
		if err := g.ier.SetBitAt(1, true); err != nil {
			return err
		}
	}
	return g.gier.enable(true)
}

// Start snapshots the current inputs and launches the supervising
// watchdog; it runs until Stop.
func (g *Gpio) Start() error {
	for _, ch := range []Channel{Channel1, Channel2} {
		if ch == Channel2 && !g.dual {
			continue
		}
		v, err := g.data[ch].Uint32(true)
		if err != nil {
			return err
		}
		g.mu.Lock()
		g.lastData[ch] = v
		g.mu.Unlock()
	}
	g.mu.Lock()
	g.running = true
	g.mu.Unlock()
	return g.wd.Start()
}

// Stop lowers the global enable and retires the watchdog.
func (g *Gpio) Stop() error {
	g.mu.Lock()
	g.running = false
	g.mu.Unlock()
	if err := g.gier.enable(false); err != nil {
		return err
	}
	g.wd.Stop()
	return nil
}

// OnFinished is the watchdog finish decision: the monitor stays alive
// until Stop is called.
func (g *Gpio) OnFinished() (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.running, nil
}

// interruptTriggered diffs each pending bank against its last snapshot
// and notifies the callbacks per changed port.
func (g *Gpio) interruptTriggered(mask uint32) {
	for _, ch := range []Channel{Channel1, Channel2} {
		if mask&(1<<uint(ch)) == 0 {
			continue
		}
		if ch == Channel2 && !g.dual {
			continue
		}
		v, err := g.data[ch].Uint32(true)
		if err != nil {
			g.Log().Error("data read failed", zap.Stringer("channel", ch), zap.Error(err))
			continue
		}
		g.mu.Lock()
		changed := v ^ g.lastData[ch]
		g.lastData[ch] = v
		cbs := append([]Callback(nil), g.cbs...)
		g.mu.Unlock()
		for port := uint(0); port < uint(g.widths[ch]); port++ {
			if changed&(1<<port) == 0 {
				continue
			}
			for _, cb := range cbs {
				cb(ch, port, v&(1<<port) != 0)
			}
		}
	}
}

// gierReg is the global interrupt enable: a single bit at position 31.
type gierReg struct {
	regs.Register
	en bool
}

func newGierReg() *gierReg {
	r := &gierReg{Register: *regs.New("Global Interrupt Enable Register", 32)}
	_ = r.BindBool(&r.en, "Global Interrupt Enable", 31)
	return r
}

func (r *gierReg) enable(en bool) error {
	r.en = en
	return r.Store()
}

// isrReg is the toggle-on-write IP interrupt status pair.
type isrReg struct {
	*regs.Bit32

	mu   sync.Mutex
	last uint32
}

func newIsrReg() *isrReg {
	return &isrReg{Bit32: regs.NewBit32("IP Interrupt Status Register")}
}

// ClearInterrupts implements backend.InterruptStatus: pending bits are
// captured, then written back to toggle them off.
func (r *isrReg) ClearInterrupts() error {
	v, err := r.Uint32(true)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.last = v
	r.mu.Unlock()
	return r.Store()
}

// LastInterrupt implements backend.InterruptStatus.
func (r *isrReg) LastInterrupt() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}
