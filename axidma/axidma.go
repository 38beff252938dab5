// Copyright 2023 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package axidma drives the Xilinx AXI DMA engine.
//
// The engine has two independent channels: MM2S reads host-visible memory
// and streams it into the fabric, S2MM writes the stream back to memory.
// Simple mode programs one contiguous transfer at a time, transparently
// split into chunks bounded by the engine's length register width.
// Scatter/Gather mode walks a ring of 64 byte buffer descriptors resident
// in device memory; see sg.go.
package axidma

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"periph.io/x/clap"
	"periph.io/x/clap/backend"
	"periph.io/x/clap/watchdog"
)

// Channel selects one of the engine's two directions.
type Channel int

const (
	// MM2S moves memory-mapped data to the stream.
	MM2S Channel = iota
	// S2MM moves stream data to memory-mapped space.
	S2MM
)

func (c Channel) String() string {
	switch c {
	case MM2S:
		return "MM2S"
	case S2MM:
		return "S2MM"
	default:
		return fmt.Sprintf("Channel(%d)", int(c))
	}
}

// Register map. S2MM registers mirror MM2S at +0x30; the MSB aliases of
// the 64 bit registers sit at +4.
const (
	regMM2SDMACR       = 0x00
	regMM2SDMASR       = 0x04
	regMM2SCurDesc     = 0x08
	regMM2SCurDescMSB  = 0x0C
	regMM2STailDesc    = 0x10
	regMM2STailDescMSB = 0x14
	regMM2SSA          = 0x18
	regMM2SSAMSB       = 0x1C
	regMM2SLength      = 0x28
	regSGCtl           = 0x2C
	regS2MMDMACR       = 0x30
	regS2MMDMASR       = 0x34
	regS2MMCurDesc     = 0x38
	regS2MMCurDescMSB  = 0x3C
	regS2MMTailDesc    = 0x40
	regS2MMTailDescMSB = 0x44
	regS2MMDA          = 0x48
	regS2MMDAMSB       = 0x4C
	regS2MMLength      = 0x58
)

const (
	mm2sIntrName = "mm2s_introut"
	s2mmIntrName = "s2mm_introut"

	// Default width of the buffer length register and the resulting
	// per-chunk transfer cap until UIO detection refines them.
	defaultBufLenRegWidth = 14
	defaultDataWidth      = 4
	defaultMaxTransferLen = 0x1000

	intrUndefined = int32(-1)
)

// ErrSGEnabled is returned by simple-mode transfers on an engine built
// with Scatter/Gather.
var ErrSGEnabled = errors.New("axidma: engine is in Scatter/Gather mode, use StartSG")

// ChunkResult records one S2MM completion: the requested length and the
// byte count the engine actually wrote, which differ for stream sources
// that end a packet early.
type ChunkResult struct {
	ExpectedLength uint32
	ActualLength   uint32
}

type chunk struct {
	channel Channel
	addr    uint64
	length  uint32
}

// InterruptProvider hands out user interrupts, typically an
// axiintc.Controller demultiplexing a shared line.
type InterruptProvider interface {
	MakeUserInterrupt() backend.UserInterrupt
}

// Dma is one AXI DMA instance.
type Dma struct {
	*clap.IPCore

	present   [2]bool
	addrWidth uint

	ctrlRegs [2]*controlReg
	statRegs [2]*statusReg
	wds      [2]*watchdog.WatchDog

	bufLenRegWidth  uint32
	dataWidths      [2]uint32
	maxTransferLens [2]uint32
	dreSupport      [2]bool
	intrDetected    [2]int32

	mu           sync.Mutex
	chunks       [2][]chunk
	curChunk     [2]chunk
	chunkResults []ChunkResult

	rings [2]*ring
}

// Option configures a Dma at construction.
type Option func(*Dma)

// WithChannels selects which directions are wired in hardware. By default
// both are present.
func WithChannels(mm2s, s2mm bool) Option {
	return func(d *Dma) {
		d.present[MM2S] = mm2s
		d.present[S2MM] = s2mm
	}
}

// With32BitAddressing writes 4 byte addresses, for engines configured
// without the 64 bit address extension.
func With32BitAddressing() Option {
	return func(d *Dma) { d.addrWidth = 4 }
}

// WithName names the instance in logs.
func WithName(name string) Option {
	return func(d *Dma) { d.IPCore.SetName(name) }
}

// New builds a driver over the engine at ctrlOffset. Engine parameters
// (length register width, data width, DRE) are auto-detected from UIO
// metadata when available.
func New(dev *clap.Device, ctrlOffset uint64, opts ...Option) (*Dma, error) {
	d := &Dma{
		IPCore:          clap.NewIPCore(dev, ctrlOffset, "AxiDMA"),
		present:         [2]bool{true, true},
		addrWidth:       8,
		bufLenRegWidth:  defaultBufLenRegWidth,
		dataWidths:      [2]uint32{defaultDataWidth, defaultDataWidth},
		maxTransferLens: [2]uint32{defaultMaxTransferLen, defaultMaxTransferLen},
		intrDetected:    [2]int32{intrUndefined, intrUndefined},
	}
	for _, o := range opts {
		o(d)
	}
	if !d.present[MM2S] && !d.present[S2MM] {
		return nil, errors.New("axidma: at least one channel must be present")
	}

	chans := []struct {
		ch       Channel
		crOff    uint64
		srOff    uint64
		name     string
		ctrlName string
		statName string
	}{
		{MM2S, regMM2SDMACR, regMM2SDMASR, "AxiDMA_MM2S", "MM2S DMA Control Register", "MM2S DMA Status Register"},
		{S2MM, regS2MMDMACR, regS2MMDMASR, "AxiDMA_S2MM", "S2MM DMA Control Register", "S2MM DMA Status Register"},
	}
	for _, cc := range chans {
		if !d.present[cc.ch] {
			continue
		}
		d.ctrlRegs[cc.ch] = newControlReg(cc.ctrlName)
		d.statRegs[cc.ch] = newStatusReg(cc.statName)
		if err := d.RegisterReg(&d.ctrlRegs[cc.ch].Register, cc.crOff, clap.DoNothing); err != nil {
			return nil, err
		}
		if err := d.RegisterReg(&d.statRegs[cc.ch].Register, cc.srOff, clap.DoNothing); err != nil {
			return nil, err
		}
		ch := cc.ch
		d.wds[ch] = watchdog.New(cc.name, dev.MakeUserInterrupt(), dev.Logger())
		d.wds[ch].SetStatusRegister(d.statRegs[ch])
		d.wds[ch].SetFinishCallback(func() (bool, error) { return d.onFinished(ch) })
	}

	d.detectBufferLengthRegWidth()
	d.detectDataWidths()
	d.detectHasDRE()
	d.detectInterruptIDs()
	d.initBDRings()
	return d, nil
}

func (d *Dma) checkChannel(ch Channel) error {
	if ch != MM2S && ch != S2MM {
		return fmt.Errorf("axidma: invalid channel %d", int(ch))
	}
	if !d.present[ch] {
		return fmt.Errorf("axidma: channel %s not present", ch)
	}
	return nil
}

// onFinished is the watchdog finish callback: it advances the chunk queue
// and only declares the channel done once the queue drains.
func (d *Dma) onFinished(ch Channel) (bool, error) {
	d.Log().Debug("transfer finished", zap.Stringer("channel", ch))

	if ch == S2MM {
		actual, err := d.S2MMByteLength()
		if err != nil {
			return false, err
		}
		d.mu.Lock()
		d.chunkResults = append(d.chunkResults, ChunkResult{ExpectedLength: d.curChunk[S2MM].length, ActualLength: actual})
		d.mu.Unlock()
	}

	d.mu.Lock()
	more := len(d.chunks[ch]) > 0
	d.mu.Unlock()
	if more {
		if err := d.startChannelTransfer(ch); err != nil {
			return false, err
		}
		return false, nil
	}
	d.rings[ch].setRunState(sgIdle)
	return true, nil
}

// StartBoth starts an MM2S transfer from srcAddr and an S2MM transfer to
// dstAddr.
func (d *Dma) StartBoth(srcAddr uint64, srcLength uint32, dstAddr uint64, dstLength uint32) error {
	if err := d.Start(MM2S, srcAddr, srcLength); err != nil {
		return err
	}
	return d.Start(S2MM, dstAddr, dstLength)
}

// StartMem starts both channels over the spans of two Memory handles.
func (d *Dma) StartMem(src, dst *clap.Memory) error {
	srcAddr, err := src.BaseAddr()
	if err != nil {
		return err
	}
	srcSize, err := src.Size()
	if err != nil {
		return err
	}
	dstAddr, err := dst.BaseAddr()
	if err != nil {
		return err
	}
	dstSize, err := dst.Size()
	if err != nil {
		return err
	}
	return d.StartBoth(srcAddr, uint32(srcSize), dstAddr, uint32(dstSize))
}

// Start begins a simple-mode transfer of length bytes at addr on one
// channel. The request is split into chunks bounded by the channel's
// maximum transfer length; completions retire the chunks in FIFO order.
func (d *Dma) Start(ch Channel, addr uint64, length uint32) error {
	if err := d.checkChannel(ch); err != nil {
		return err
	}
	sg, err := d.IsSGEnabled()
	if err != nil {
		return err
	}
	if sg {
		return ErrSGEnabled
	}
	if length == 0 {
		return fmt.Errorf("axidma: zero length transfer on channel %s", ch)
	}

	d.Log().Debug("starting transfer",
		zap.Stringer("channel", ch),
		zap.Uint64("addr", addr),
		zap.Uint32("length", length))

	d.mu.Lock()
	if ch == S2MM {
		d.chunkResults = nil
	}
	max := d.maxTransferLens[ch]
	remaining := length
	cur := addr
	for remaining > 0 {
		n := remaining
		if n > max {
			n = max
		}
		d.chunks[ch] = append(d.chunks[ch], chunk{channel: ch, addr: cur, length: n})
		cur += uint64(n)
		remaining -= n
	}
	d.Log().Debug("chunks enqueued", zap.Stringer("channel", ch), zap.Int("count", len(d.chunks[ch])))
	d.mu.Unlock()

	if d.wds[ch].Running() {
		return fmt.Errorf("axidma: channel %s: %w", ch, watchdog.ErrRunning)
	}
	// The first chunk is armed before the watchdog looks at the status
	// register, so a completion can never be observed for a transfer that
	// has not been programmed yet.
	if err := d.startChannelTransfer(ch); err != nil {
		return err
	}
	if err := d.wds[ch].Start(); err != nil {
		return fmt.Errorf("axidma: channel %s: %w", ch, err)
	}
	return nil
}

// startChannelTransfer pops the next chunk and arms the engine: clear the
// status snapshot, raise RS, program the address, then the length. The
// length write is what starts the hardware.
func (d *Dma) startChannelTransfer(ch Channel) error {
	d.mu.Lock()
	if len(d.chunks[ch]) == 0 {
		d.mu.Unlock()
		return fmt.Errorf("axidma: no %s chunks available", ch)
	}
	c := d.chunks[ch][0]
	d.chunks[ch] = d.chunks[ch][1:]
	d.curChunk[ch] = c
	d.mu.Unlock()

	if err := d.statRegs[ch].ResetDone(); err != nil {
		return err
	}
	if err := d.ctrlRegs[ch].Start(); err != nil {
		return err
	}
	addrOff := uint64(regMM2SSA)
	lenOff := uint64(regMM2SLength)
	if ch == S2MM {
		addrOff = regS2MMDA
		lenOff = regS2MMLength
	}
	if err := d.WriteReg(addrOff, d.addrWidth, c.addr, false); err != nil {
		return err
	}
	return d.WriteReg(lenOff, 4, uint64(c.length), false)
}

// StopAll stops both channels.
func (d *Dma) StopAll() error {
	var first error
	for _, ch := range []Channel{MM2S, S2MM} {
		if !d.present[ch] {
			continue
		}
		if err := d.Stop(ch); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Stop clears the channel's Run/Stop bit, retires its watchdog and, when
// the engine runs Scatter/Gather, resets the BD ring.
func (d *Dma) Stop(ch Channel) error {
	if err := d.checkChannel(ch); err != nil {
		return err
	}
	if err := d.ctrlRegs[ch].Stop(); err != nil {
		return err
	}
	d.wds[ch].Stop()
	sg, err := d.statRegs[ch].IsSGEnabled()
	if err != nil {
		return err
	}
	if sg {
		d.rings[ch].reset()
	}
	return nil
}

// ResetAll resets both channels.
func (d *Dma) ResetAll() error {
	var first error
	for _, ch := range []Channel{MM2S, S2MM} {
		if !d.present[ch] {
			continue
		}
		if err := d.Reset(ch); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Reset stops the channel and pulses the engine reset, waiting for the
// self-clear.
func (d *Dma) Reset(ch Channel) error {
	if err := d.Stop(ch); err != nil {
		return err
	}
	if err := d.ctrlRegs[ch].DoReset(); err != nil {
		return err
	}
	sg, err := d.statRegs[ch].IsSGEnabled()
	if err != nil {
		return err
	}
	if sg {
		d.rings[ch].reset()
	}
	return nil
}

// WaitForFinish blocks until the channel's watchdog retires or timeout
// elapses (negative blocks forever). It returns false on timeout.
func (d *Dma) WaitForFinish(ch Channel, timeout time.Duration) (bool, error) {
	if err := d.checkChannel(ch); err != nil {
		return false, err
	}
	return d.wds[ch].WaitForFinish(timeout)
}

// WaitForFinishAll waits for both channels concurrently.
func (d *Dma) WaitForFinishAll(timeout time.Duration) (bool, error) {
	var g errgroup.Group
	finished := true
	var mu sync.Mutex
	for _, ch := range []Channel{MM2S, S2MM} {
		if !d.present[ch] {
			continue
		}
		ch := ch
		g.Go(func() error {
			ok, err := d.wds[ch].WaitForFinish(timeout)
			mu.Lock()
			finished = finished && ok
			mu.Unlock()
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}
	return finished, nil
}

// UseInterruptController reroutes both channels' completion events through
// an AXI interrupt controller.
func (d *Dma) UseInterruptController(p InterruptProvider) {
	for _, ch := range []Channel{MM2S, S2MM} {
		if d.present[ch] {
			d.UseInterruptControllerFor(ch, p)
		}
	}
}

// UseInterruptControllerFor reroutes one channel.
func (d *Dma) UseInterruptControllerFor(ch Channel, p InterruptProvider) {
	if !d.present[ch] {
		return
	}
	d.wds[ch].SetUserInterrupt(p.MakeUserInterrupt())
}

// EnableInterrupts initializes the channel's interrupt handle and raises
// the selected enables. eventNo may be backend.AutoDetect when UIO
// detection succeeded.
func (d *Dma) EnableInterrupts(ch Channel, eventNo uint32, intr Interrupts) error {
	if err := d.checkChannel(ch); err != nil {
		return err
	}
	id := eventNo
	if d.intrDetected[ch] != intrUndefined {
		id = uint32(d.intrDetected[ch])
	}
	if id == backend.AutoDetect {
		return fmt.Errorf("axidma: interrupt id not detected and none provided for channel %s", ch)
	}
	if err := d.ctrlRegs[ch].Load(); err != nil {
		return err
	}
	if err := d.wds[ch].InitInterrupt(d.Device().DevNum(), id, d.statRegs[ch]); err != nil {
		return err
	}
	return d.ctrlRegs[ch].EnableInterrupts(intr)
}

// DisableInterrupts releases the channel's interrupt handle and lowers the
// selected enables.
func (d *Dma) DisableInterrupts(ch Channel, intr Interrupts) error {
	if err := d.checkChannel(ch); err != nil {
		return err
	}
	if err := d.wds[ch].UnsetInterrupt(); err != nil {
		return err
	}
	return d.ctrlRegs[ch].DisableInterrupts(intr)
}

// SetBufferLengthRegWidth overrides the detected length register width in
// bits and recomputes the transfer caps.
func (d *Dma) SetBufferLengthRegWidth(bits uint32) {
	d.bufLenRegWidth = bits
	d.updateMaxTransferLengths()
}

// SetDataWidth sets one channel's data width in bytes.
func (d *Dma) SetDataWidth(ch Channel, bytes uint32) {
	d.dataWidths[ch] = bytes
	d.updateMaxTransferLengths()
}

// SetDataWidthBits sets one channel's data width in bits.
func (d *Dma) SetDataWidthBits(ch Channel, bits uint32) {
	d.SetDataWidth(ch, bits/8)
}

// DataWidth returns one channel's data width in bytes.
func (d *Dma) DataWidth(ch Channel) uint32 {
	return d.dataWidths[ch]
}

// SetHasDRE overrides DRE detection for one channel.
func (d *Dma) SetHasDRE(ch Channel, dre bool) {
	d.dreSupport[ch] = dre
	if d.rings[ch] != nil {
		d.rings[ch].hasDRE = dre
	}
}

// HasDRE reports whether the channel supports unaligned buffers.
func (d *Dma) HasDRE(ch Channel) bool {
	return d.dreSupport[ch]
}

// MaxTransferLength returns the per-chunk byte cap of one channel.
func (d *Dma) MaxTransferLength(ch Channel) uint32 {
	return d.maxTransferLens[ch]
}

// MM2SSrcAddr reads back the programmed source address.
func (d *Dma) MM2SSrcAddr() (uint64, error) {
	return d.ReadReg(regMM2SSA, d.addrWidth)
}

// S2MMDestAddr reads back the programmed destination address.
func (d *Dma) S2MMDestAddr() (uint64, error) {
	return d.ReadReg(regS2MMDA, d.addrWidth)
}

// MM2SByteLength reads the MM2S length register.
func (d *Dma) MM2SByteLength() (uint32, error) {
	v, err := d.ReadReg(regMM2SLength, 4)
	return uint32(v), err
}

// S2MMByteLength reads the S2MM length register. After a completion the
// engine has overwritten it with the actual byte count.
func (d *Dma) S2MMByteLength() (uint32, error) {
	v, err := d.ReadReg(regS2MMLength, 4)
	return uint32(v), err
}

// ChunkResults returns the per-chunk S2MM completion records of the most
// recent transfer.
func (d *Dma) ChunkResults() []ChunkResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]ChunkResult(nil), d.chunkResults...)
}

// TotalTransferredBytes sums the actual S2MM byte counts.
func (d *Dma) TotalTransferredBytes() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	total := uint64(0)
	for _, r := range d.chunkResults {
		total += uint64(r.ActualLength)
	}
	return total
}

// Runtime returns the duration of the channel's most recent transfer.
func (d *Dma) Runtime(ch Channel) time.Duration {
	return d.wds[ch].Runtime()
}

func (d *Dma) updateMaxTransferLengths() {
	for _, ch := range []Channel{MM2S, S2MM} {
		if d.dataWidths[ch] != 0 {
			d.maxTransferLens[ch] = (1 << d.bufLenRegWidth) / d.dataWidths[ch]
		}
		if d.rings[ch] != nil {
			d.rings[ch].maxTransferLen = 1<<d.bufLenRegWidth - 1
		}
	}
}

func (d *Dma) detectBufferLengthRegWidth() {
	if v, ok := d.Device().ReadUIOProperty(d.CtrlOffset(), "xlnx,sg-length-width"); ok {
		d.bufLenRegWidth = uint32(v)
		d.updateMaxTransferLengths()
		d.Log().Info("detected buffer length register width", zap.Uint32("bits", d.bufLenRegWidth))
	}
}

func (d *Dma) channelPropName(ch Channel, prop string) string {
	off := uint64(regMM2SDMACR)
	if ch == S2MM {
		off = regS2MMDMACR
	}
	return fmt.Sprintf("/dma-channel@%x/%s", d.CtrlOffset()+off, prop)
}

func (d *Dma) detectDataWidths() {
	for _, ch := range []Channel{MM2S, S2MM} {
		if !d.present[ch] {
			continue
		}
		if v, ok := d.Device().ReadUIOProperty(d.CtrlOffset(), d.channelPropName(ch, "xlnx,datawidth")); ok {
			d.SetDataWidthBits(ch, uint32(v))
			d.Log().Info("detected data width",
				zap.Stringer("channel", ch),
				zap.Uint32("bytes", d.dataWidths[ch]))
		}
	}
}

func (d *Dma) detectHasDRE() {
	for _, ch := range []Channel{MM2S, S2MM} {
		if !d.present[ch] {
			continue
		}
		if d.Device().UIOPropertyExists(d.CtrlOffset(), d.channelPropName(ch, "xlnx,include-dre")) {
			d.SetHasDRE(ch, true)
			d.Log().Info("detected DRE", zap.Stringer("channel", ch))
		}
	}
}

// detectInterruptIDs resolves per-channel event numbers from the
// devicetree. A vector of four cells carries both channels; two cells
// carry the single active channel discriminated by interrupt-names; an
// interrupt-parent reroutes to the UIO device index.
func (d *Dma) detectInterruptIDs() bool {
	vec, ok := d.Device().ReadUIOPropertyVec(d.CtrlOffset(), "interrupts")
	if !ok || len(vec) == 0 {
		return false
	}
	_, hasParent := d.Device().ReadUIOProperty(d.CtrlOffset(), "interrupt-parent")

	if len(vec) >= 4 {
		if hasParent {
			d.Log().Warn("interrupt-parent set while both channels are active")
		}
		d.intrDetected[MM2S] = int32(vec[0])
		d.intrDetected[S2MM] = int32(vec[2])
		d.Log().Info("detected interrupts",
			zap.Int32("mm2s", d.intrDetected[MM2S]),
			zap.Int32("s2mm", d.intrDetected[S2MM]))
		return true
	}
	if len(vec) >= 2 {
		name, ok := d.Device().ReadUIOStringProperty(d.CtrlOffset(), "interrupt-names")
		if !ok {
			return false
		}
		devID, idOK := d.Device().UIOID(d.CtrlOffset())
		id := int32(vec[0])
		if hasParent && idOK {
			id = int32(devID)
		}
		switch name {
		case mm2sIntrName:
			d.intrDetected[MM2S] = id
		case s2mmIntrName:
			d.intrDetected[S2MM] = id
		default:
			d.Log().Error("unable to detect interrupt id", zap.String("name", name))
			return false
		}
		d.Log().Info("detected interrupt", zap.String("channel", name), zap.Int32("id", id))
		return true
	}
	return false
}
