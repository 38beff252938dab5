// Copyright 2023 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package axidma

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"periph.io/x/clap"
	"periph.io/x/clap/watchdog"
)

// Buffer descriptor field offsets inside one 0x40 byte BD.
const (
	descNextDesc      = 0x00 // 64 bit physical address of the next BD
	descBufferAddr    = 0x08 // 64 bit physical address of the payload
	descControl       = 0x18
	descStatus        = 0x1C
	descApp0          = 0x20
	descID            = 0x34
	descHasStsCtrlStm = 0x38
	descHasDRE        = 0x3C
)

const (
	// MinimumAlignment is the BD stride and the required alignment of the
	// BD memory region.
	MinimumAlignment = 0x40

	// Control field layout: bits 0..25 length, bit 26 EOF, bit 27 SOF.
	ctrlTXSOFMask  = 0x08000000
	ctrlTXEOFMask  = 0x04000000
	ctrlAllMask    = 0x0C000000
	maxLengthMask  = 0x3FFFFFF
	completeMask   = 0x80000000
	hasDREMask     = 0xF00
	hasDREShift    = 8
	wordLenMask    = 0xFF
	sgIrqDelay     = 0
)

type sgState int

const (
	sgIdle sgState = iota
	sgRunning
)

// Descriptor mirrors one hardware buffer descriptor resident in device
// memory. Setters write through immediately; the struct keeps a host-side
// shadow plus the host-side next pointer forming the ring.
type Descriptor struct {
	dev  *clap.Device
	addr uint64

	nextDescAddr   uint64
	bufferAddr     uint64
	control        uint32
	status         uint32
	app            [5]uint32
	id             uint32
	hasStsCtrlStrm uint32
	hasDRE         uint32

	next *Descriptor
}

// NewDescriptor binds a descriptor view at addr and zeroes the hardware
// fields.
func NewDescriptor(dev *clap.Device, addr uint64) (*Descriptor, error) {
	dev.AddPollAddr(addr)
	d := &Descriptor{dev: dev, addr: addr}
	if err := d.Reset(); err != nil {
		return nil, err
	}
	return d, nil
}

// Addr returns the descriptor's device-visible address.
func (d *Descriptor) Addr() uint64 {
	return d.addr
}

// Next returns the host-side successor in the ring.
func (d *Descriptor) Next() *Descriptor {
	return d.next
}

// SetNext links the host-side successor.
func (d *Descriptor) SetNext(n *Descriptor) {
	d.next = n
}

func (d *Descriptor) write32(off uint64, v uint32) error {
	return d.dev.Write32(d.addr+off, v)
}

func (d *Descriptor) write64(off uint64, v uint64) error {
	return d.dev.Write64(d.addr+off, v)
}

func (d *Descriptor) read32(off uint64) (uint32, error) {
	return d.dev.Read32(d.addr + off)
}

// Reset zeroes the shadow and every hardware field.
func (d *Descriptor) Reset() error {
	d.nextDescAddr = 0
	d.bufferAddr = 0
	d.control = 0
	d.status = 0
	d.app = [5]uint32{}
	d.id = 0
	d.hasStsCtrlStrm = 0
	d.hasDRE = 0
	if err := d.write64(descNextDesc, 0); err != nil {
		return err
	}
	if err := d.write64(descBufferAddr, 0); err != nil {
		return err
	}
	for _, off := range []uint64{descControl, descStatus, descID, descHasStsCtrlStm, descHasDRE} {
		if err := d.write32(off, 0); err != nil {
			return err
		}
	}
	for i := uint64(0); i < 5; i++ {
		if err := d.write32(descApp0+4*i, 0); err != nil {
			return err
		}
	}
	return nil
}

// SetNextDescAddr programs the hardware next pointer.
func (d *Descriptor) SetNextDescAddr(addr uint64) error {
	d.nextDescAddr = addr
	return d.write64(descNextDesc, addr)
}

// SetBufferAddr programs the payload address. Misaligned addresses are
// rejected unless the channel has a DRE.
func (d *Descriptor) SetBufferAddr(addr uint64) error {
	dre, err := d.HasDREInfo()
	if err != nil {
		return err
	}
	wordLen := uint64(dre & wordLenMask)
	if wordLen > 0 && addr&(wordLen-1) != 0 && dre&hasDREMask == 0 {
		return fmt.Errorf("axidma: unaligned buffer address 0x%X on BD 0x%X without DRE (word length %d)", addr, d.addr, wordLen)
	}
	d.bufferAddr = addr
	return d.write64(descBufferAddr, addr)
}

// SetControl overwrites the whole control word.
func (d *Descriptor) SetControl(ctrl uint32) error {
	d.control = ctrl
	return d.write32(descControl, ctrl)
}

// SetControlBits replaces only the SOF/EOF framing bits, preserving the
// length field.
func (d *Descriptor) SetControlBits(bits uint32) error {
	if _, err := d.Control(); err != nil {
		return err
	}
	d.control &^= ctrlAllMask
	d.control |= bits & ctrlAllMask
	return d.SetControl(d.control)
}

// SetLength programs the transfer length, bounded by the engine's length
// register width.
func (d *Descriptor) SetLength(lenBytes, maxLen uint32) error {
	if lenBytes > maxLen {
		return fmt.Errorf("axidma: BD length %d exceeds maximum %d", lenBytes, maxLen)
	}
	if _, err := d.Control(); err != nil {
		return err
	}
	d.control &^= maxLengthMask
	d.control |= lenBytes
	return d.SetControl(d.control)
}

// ClearComplete lowers the Completed status bit.
func (d *Descriptor) ClearComplete() error {
	if _, err := d.Status(); err != nil {
		return err
	}
	d.status &^= completeMask
	return d.write32(descStatus, d.status)
}

// SetStatus overwrites the status word.
func (d *Descriptor) SetStatus(sts uint32) error {
	d.status = sts
	return d.write32(descStatus, sts)
}

// SetApp writes one of the five user pass-through words.
func (d *Descriptor) SetApp(i int, v uint32) error {
	if i < 0 || i >= 5 {
		return fmt.Errorf("axidma: app word index %d out of range", i)
	}
	d.app[i] = v
	return d.write32(descApp0+4*uint64(i), v)
}

// SetID writes the user tag.
func (d *Descriptor) SetID(id uint32) error {
	d.id = id
	return d.write32(descID, id)
}

// SetHasStsCtrlStrm stores the stream sideband flag; it is not
// interpreted.
func (d *Descriptor) SetHasStsCtrlStrm(v uint32) error {
	d.hasStsCtrlStrm = v
	return d.write32(descHasStsCtrlStm, v)
}

// SetHasDRE stores the data width (low byte) and DRE flag (bits 8..11).
func (d *Descriptor) SetHasDRE(v uint32) error {
	d.hasDRE = v
	return d.write32(descHasDRE, v)
}

// Control re-reads the control word.
func (d *Descriptor) Control() (uint32, error) {
	v, err := d.read32(descControl)
	if err != nil {
		return 0, err
	}
	d.control = v
	return v, nil
}

// Length returns the length field of the control word.
func (d *Descriptor) Length() (uint32, error) {
	v, err := d.Control()
	return v & maxLengthMask, err
}

// Status re-reads the status word.
func (d *Descriptor) Status() (uint32, error) {
	v, err := d.read32(descStatus)
	if err != nil {
		return 0, err
	}
	d.status = v
	return v, nil
}

// HasDREInfo re-reads the stored width/DRE word.
func (d *Descriptor) HasDREInfo() (uint32, error) {
	v, err := d.read32(descHasDRE)
	if err != nil {
		return 0, err
	}
	d.hasDRE = v
	return v, nil
}

// IsComplete re-reads the status and reports the Completed bit.
func (d *Descriptor) IsComplete() (bool, error) {
	v, err := d.Status()
	return v&completeMask != 0, err
}

// NextDescAddr returns the shadowed hardware next pointer.
func (d *Descriptor) NextDescAddr() uint64 {
	return d.nextDescAddr
}

// DescriptorSet is a pre-built descriptor ring handed between PreInitSGDescs
// and StartSGExtDescs. The caller owns the descriptors.
type DescriptorSet struct {
	descs             []*Descriptor
	numPkts           uint8
	completeClearDone bool
}

// Descriptors returns the ring in order.
func (s *DescriptorSet) Descriptors() []*Descriptor {
	return s.descs
}

// NumPkts returns the packet count the set was built for.
func (s *DescriptorSet) NumPkts() uint8 {
	return s.numPkts
}

// ResetCompleteState clears the Completed bit on every descriptor and
// records that the driver may skip its own clear pass.
func (s *DescriptorSet) ResetCompleteState() error {
	for _, d := range s.descs {
		if err := d.ClearComplete(); err != nil {
			return err
		}
	}
	s.completeClearDone = true
	return nil
}

// CompleteClearDone reports whether the caller already cleared the
// completion bits.
func (s *DescriptorSet) CompleteClearDone() bool {
	return s.completeClearDone
}

// SetCompleteClearDone overrides the flag, e.g. for rings prepared by
// other means.
func (s *DescriptorSet) SetCompleteClearDone(done bool) {
	s.completeClearDone = done
}

// ring is the per-channel BD ring state. Cursors walk the circular
// descriptor chain: freeHead is the first BD available for allocation,
// hwTail the last BD handed to hardware, bdRestart where a halted engine
// resumes.
type ring struct {
	channel Channel

	descs []*Descriptor
	// state is read by the watchdog worker while the caller thread sets
	// up the next run.
	state atomic.Int32

	hasStsCtrlStrm uint32
	hasDRE         bool
	dataWidth      uint32
	maxTransferLen uint32

	freeHead  *Descriptor
	hwTail    *Descriptor
	bdRestart *Descriptor
	cyclicBd  *Descriptor

	freeCnt   uint32
	hwCnt     uint32
	allCnt    uint32
	ringIndex uint32
	cyclic    bool

	extDescs bool

	ctrlReg *controlReg
	statReg *statusReg

	descPtrOffset  uint64
	tailDescOffset uint64
}

func (r *ring) isRx() bool {
	return r.channel == S2MM
}

func (r *ring) runState() sgState {
	return sgState(r.state.Load())
}

func (r *ring) setRunState(s sgState) {
	r.state.Store(int32(s))
}

// reset returns the ring to idle. Externally supplied descriptors stay
// with their owner; owned ones are dropped.
func (r *ring) reset() {
	if !r.extDescs {
		r.descs = nil
		r.cyclicBd = nil
	}
	r.setRunState(sgIdle)
	r.freeHead = nil
	r.hwTail = nil
	r.bdRestart = nil
	r.cyclicBd = nil
	r.freeCnt = 0
	r.hwCnt = 0
	r.allCnt = 0
	r.ringIndex = 0
	r.cyclic = false
}

// checkBdMemAddr refuses to change the ring base while the engine runs.
func (r *ring) checkBdMemAddr(addr uint64) error {
	if r.bdRestart == nil {
		return nil
	}
	started, err := r.statReg.IsStarted()
	if err != nil {
		return err
	}
	if !started || r.bdRestart.Addr() == addr {
		return nil
	}
	return fmt.Errorf("axidma: the BD memory location cannot be changed while channel %s is running, stop the DMA first", r.channel)
}

func (r *ring) init(descs []*Descriptor, ext bool) error {
	if err := r.checkBdMemAddr(descs[0].Addr()); err != nil {
		return err
	}
	r.descs = descs
	r.setRunState(sgIdle)
	r.allCnt = uint32(len(descs))
	r.freeCnt = r.allCnt
	r.cyclicBd = nil
	r.reInit(ext)
	return nil
}

// reInit rewinds the cursors onto an already built ring.
func (r *ring) reInit(ext bool) {
	r.extDescs = ext
	r.freeHead = r.descs[0]
	r.hwTail = r.descs[0]
	r.bdRestart = r.descs[0]
	if ext {
		r.freeCnt = 0
	} else {
		r.freeCnt = r.allCnt
	}
	r.hwCnt = 0
}

func (r *ring) updateHwTail(numBd uint32) error {
	if uint32(len(r.descs)) < numBd {
		return fmt.Errorf("axidma: %d BDs requested but only %d in the ring", numBd, len(r.descs))
	}
	if numBd > 0 {
		// The tail is the last used BD: one BD means tail == head.
		r.hwTail = r.descs[numBd-1]
	}
	return nil
}

func (d *Dma) initBDRings() {
	for _, ch := range []Channel{MM2S, S2MM} {
		r := &ring{channel: ch}
		if d.present[ch] {
			r.hasDRE = d.dreSupport[ch]
			r.dataWidth = d.dataWidths[ch]
			r.statReg = d.statRegs[ch]
			r.ctrlReg = d.ctrlRegs[ch]
		}
		if ch == MM2S {
			r.descPtrOffset = regMM2SCurDesc
			r.tailDescOffset = regMM2STailDesc
		} else {
			r.descPtrOffset = regS2MMCurDesc
			r.tailDescOffset = regS2MMTailDesc
		}
		r.maxTransferLen = 1<<d.bufLenRegWidth - 1
		d.rings[ch] = r
	}
}

// IsSGEnabled probes the status register of the first present channel.
func (d *Dma) IsSGEnabled() (bool, error) {
	if d.present[MM2S] {
		return d.statRegs[MM2S].IsSGEnabled()
	}
	return d.statRegs[S2MM].IsSGEnabled()
}

// StartSGBoth runs a Scatter/Gather transfer on both channels.
func (d *Dma) StartSGBoth(memBDTx, memBDRx, memDataIn, memDataOut *clap.Memory, maxPktByteLen uint32, numPkts uint8, bdsPerPkt uint32) error {
	if err := d.StartSG(MM2S, memBDTx, memDataIn, maxPktByteLen, numPkts, bdsPerPkt); err != nil {
		return err
	}
	return d.StartSG(S2MM, memBDRx, memDataOut, maxPktByteLen, numPkts, bdsPerPkt)
}

// StartSG builds (or reuses) the channel's BD ring inside memBD, programs
// descriptors covering memData and kicks the engine.
func (d *Dma) StartSG(ch Channel, memBD, memData *clap.Memory, maxPktByteLen uint32, numPkts uint8, bdsPerPkt uint32) error {
	if err := d.checkChannel(ch); err != nil {
		return err
	}
	if d.wds[ch].Running() {
		return fmt.Errorf("axidma: channel %s: %w", ch, watchdog.ErrRunning)
	}
	// The ring is fully armed before the watchdog starts observing, so a
	// completion cannot be reported for a run that is still being set up.
	var err error
	if ch == MM2S {
		err = d.startSGTransferMM2S(memBD, memData, maxPktByteLen, numPkts, bdsPerPkt)
	} else {
		err = d.startSGTransferS2MM(memBD, memData, maxPktByteLen, numPkts)
	}
	if err != nil {
		return err
	}
	if err := d.wds[ch].Start(); err != nil {
		return fmt.Errorf("axidma: channel %s: %w", ch, err)
	}
	return nil
}

func (d *Dma) startSGTransferMM2S(memBD, memData *clap.Memory, maxPktByteLen uint32, numPkts uint8, bdsPerPkt uint32) error {
	r := d.rings[MM2S]
	if r.runState() != sgIdle {
		return fmt.Errorf("axidma: DMA channel MM2S is still active")
	}
	if err := d.bdSetup(r, memBD, numPkts, sgIrqDelay); err != nil {
		return err
	}
	return d.sendPackets(numPkts, maxPktByteLen, bdsPerPkt, memData)
}

func (d *Dma) startSGTransferS2MM(memBD, memData *clap.Memory, maxPktByteLen uint32, numPkts uint8) error {
	r := d.rings[S2MM]
	if r.runState() != sgIdle {
		return fmt.Errorf("axidma: DMA channel S2MM is still active")
	}
	if err := d.bdSetup(r, memBD, numPkts, sgIrqDelay); err != nil {
		return err
	}
	return d.readPackets(maxPktByteLen, memData)
}

// StartSGExtDescs installs a caller-built ring and kicks the engine. The
// set's complete-clear flag decides whether the driver re-clears the
// completion bits.
func (d *Dma) StartSGExtDescs(ch Channel, set *DescriptorSet) error {
	if err := d.checkChannel(ch); err != nil {
		return err
	}
	descs := set.Descriptors()
	if len(descs) == 0 {
		return fmt.Errorf("axidma: empty descriptor set for channel %s", ch)
	}
	r := d.rings[ch]
	if r.runState() != sgIdle {
		return fmt.Errorf("axidma: DMA channel %s is still active", ch)
	}
	if d.wds[ch].Running() {
		return fmt.Errorf("axidma: channel %s: %w", ch, watchdog.ErrRunning)
	}
	if err := r.init(descs, true); err != nil {
		return err
	}
	if err := d.setCoalesce(r, set.NumPkts(), sgIrqDelay); err != nil {
		return err
	}
	numBDs := uint32(len(descs))
	skip := set.CompleteClearDone()
	var err error
	if ch == MM2S {
		if err = d.startBdRing(r); err == nil {
			err = d.bdRingToHw(r, numBDs, descs[0], skip)
		}
	} else {
		if err = d.bdRingToHw(r, numBDs, descs[0], skip); err == nil {
			err = d.startBdRing(r)
		}
	}
	set.SetCompleteClearDone(false)
	if err == nil {
		err = d.wds[ch].Start()
	}
	if err != nil {
		d.wds[ch].Stop()
		return err
	}
	return nil
}

// PreInitSGDescs builds and fully programs a descriptor ring without
// installing it, so the caller can reuse it across runs via
// StartSGExtDescs.
func (d *Dma) PreInitSGDescs(ch Channel, memBD, memData *clap.Memory, maxPktByteLen uint32, numPkts uint8, bdsPerPkt uint32) (*DescriptorSet, error) {
	if err := d.checkChannel(ch); err != nil {
		return nil, err
	}
	r := d.rings[ch]
	bdAddr, err := memBD.BaseAddr()
	if err != nil {
		return nil, err
	}
	bdSize, err := memBD.Size()
	if err != nil {
		return nil, err
	}
	bdCount := uint32((bdSize + MinimumAlignment - 1) / MinimumAlignment)
	descs, err := d.initDescs(r, bdAddr, bdCount)
	if err != nil {
		return nil, err
	}
	if ch == MM2S {
		err = d.configTxDescs(r, numPkts, maxPktByteLen, bdsPerPkt, memData, descs[0])
	} else {
		err = d.configRxDescs(r, maxPktByteLen, memData, bdsPerPkt*uint32(numPkts), descs[0])
	}
	if err != nil {
		return nil, err
	}
	return &DescriptorSet{descs: descs, numPkts: numPkts}, nil
}

// bdSetup brings up the channel's ring inside mem, reusing the previous
// ring when the BD count is unchanged.
func (d *Dma) bdSetup(r *ring, mem *clap.Memory, numPkts uint8, irqDelay uint8) error {
	addr, err := mem.BaseAddr()
	if err != nil {
		return err
	}
	size, err := mem.Size()
	if err != nil {
		return err
	}
	if err := r.checkBdMemAddr(addr); err != nil {
		return err
	}
	bdCount := uint32((size + MinimumAlignment - 1) / MinimumAlignment)
	if r.allCnt == bdCount {
		d.Log().Debug("reusing BD ring", zap.Stringer("channel", r.channel))
		r.reInit(false)
		return nil
	}
	if err := d.initBdRing(r, addr, bdCount); err != nil {
		return err
	}
	return d.setCoalesce(r, numPkts, irqDelay)
}

func (d *Dma) initBdRing(r *ring, addr uint64, bdCount uint32) error {
	d.Log().Debug("creating BD ring",
		zap.Stringer("channel", r.channel),
		zap.Uint32("bds", bdCount))
	if bdCount == 0 {
		return fmt.Errorf("axidma: non-positive BD count for channel %s", r.channel)
	}
	r.reset()
	descs, err := d.initDescs(r, addr, bdCount)
	if err != nil {
		return err
	}
	return r.init(descs, false)
}

// initDescs lays out bdCount descriptors at 64 byte stride, threading both
// the hardware next pointers and the host-side mirror into a cycle.
func (d *Dma) initDescs(r *ring, addr uint64, bdCount uint32) ([]*Descriptor, error) {
	if bdCount == 0 {
		return nil, fmt.Errorf("axidma: non-positive BD count for channel %s", r.channel)
	}
	if addr%MinimumAlignment != 0 {
		return nil, fmt.Errorf("axidma: BD address 0x%X is not aligned to 0x%X", addr, MinimumAlignment)
	}
	dre := uint32(0)
	if r.hasDRE {
		dre = 1
	}
	descs := make([]*Descriptor, bdCount)
	for i := uint32(0); i < bdCount; i++ {
		desc, err := NewDescriptor(d.Device(), addr+uint64(i)*MinimumAlignment)
		if err != nil {
			return nil, err
		}
		next := addr // the last BD wraps to the first
		if i < bdCount-1 {
			next = addr + uint64(i+1)*MinimumAlignment
		}
		if err := desc.SetNextDescAddr(next); err != nil {
			return nil, err
		}
		if err := desc.SetHasStsCtrlStrm(r.hasStsCtrlStrm); err != nil {
			return nil, err
		}
		if err := desc.SetHasDRE(dre<<hasDREShift | r.dataWidth); err != nil {
			return nil, err
		}
		descs[i] = desc
	}
	for i := range descs {
		descs[i].SetNext(descs[(i+1)%len(descs)])
	}
	return descs, nil
}

func (d *Dma) setCoalesce(r *ring, counter uint8, timer uint8) error {
	if counter == 0 {
		return fmt.Errorf("axidma: invalid coalescing threshold 0 for channel %s", r.channel)
	}
	if err := r.ctrlReg.SetIrqThreshold(counter); err != nil {
		return err
	}
	return r.ctrlReg.SetIrqDelay(timer)
}

// updateCDesc programs the current-descriptor register. The engine only
// accepts the write while halted; a running ring needs no reprogram.
func (d *Dma) updateCDesc(r *ring) error {
	if r.allCnt == 0 {
		return fmt.Errorf("axidma: no BDs in channel %s ring", r.channel)
	}
	if r.runState() == sgRunning {
		return nil
	}
	started, err := r.statReg.IsStarted()
	if err != nil {
		return err
	}
	if started {
		return nil
	}
	desc := r.bdRestart
	if r.extDescs {
		// The caller asked for a fresh run on its own ring; the engine
		// is assumed to be at rest.
		return d.WriteReg(r.descPtrOffset, d.addrWidth, desc.Addr(), false)
	}
	complete, err := desc.IsComplete()
	if err != nil {
		return err
	}
	if !complete {
		return d.WriteReg(r.descPtrOffset, d.addrWidth, desc.Addr(), false)
	}
	for {
		desc = desc.Next()
		if desc == r.bdRestart {
			return fmt.Errorf("axidma: cannot find a not-yet-completed BD for channel %s", r.channel)
		}
		complete, err = desc.IsComplete()
		if err != nil {
			return err
		}
		if !complete {
			return d.WriteReg(r.descPtrOffset, d.addrWidth, desc.Addr(), false)
		}
	}
}

// startBdRingHW raises RS and, once the engine reports started, writes the
// tail pointer that makes hardware walk the chain.
func (d *Dma) startBdRingHW(r *ring) error {
	started, err := r.statReg.IsStarted()
	if err != nil {
		return err
	}
	if !started {
		if err := r.ctrlReg.Start(); err != nil {
			return err
		}
		if started, err = r.statReg.IsStarted(); err != nil {
			return err
		}
	}
	if !started {
		return fmt.Errorf("axidma: failed to start channel %s, try resetting the engine first", r.channel)
	}
	r.setRunState(sgRunning)
	if r.hwCnt == 0 {
		return nil
	}
	if r.cyclic {
		return d.WriteReg(r.tailDescOffset, d.addrWidth, r.cyclicBd.Addr(), false)
	}
	complete, err := r.hwTail.IsComplete()
	if err != nil {
		return err
	}
	if !complete {
		return d.WriteReg(r.tailDescOffset, d.addrWidth, r.hwTail.Addr(), false)
	}
	return nil
}

func (d *Dma) startBdRing(r *ring) error {
	if err := d.updateCDesc(r); err != nil {
		return fmt.Errorf("axidma: updating current descriptor failed: %w", err)
	}
	if err := d.startBdRingHW(r); err != nil {
		return fmt.Errorf("axidma: starting hardware failed: %w", err)
	}
	return nil
}

// bdRingAlloc hands out numBd descriptors starting at the free head.
func (d *Dma) bdRingAlloc(r *ring, numBd uint32) (*Descriptor, error) {
	d.Log().Debug("allocating BDs", zap.Stringer("channel", r.channel), zap.Uint32("count", numBd))
	if r.freeCnt < numBd {
		return nil, fmt.Errorf("axidma: not enough free BDs on channel %s (%d requested, %d free)", r.channel, numBd, r.freeCnt)
	}
	head := r.freeHead
	for i := uint32(0); i < numBd; i++ {
		r.freeHead = r.freeHead.Next()
	}
	r.freeCnt -= numBd
	return head, nil
}

// bdRingToHw validates the BD set, hands it to hardware and, if the ring
// already runs, kicks the tail pointer.
func (d *Dma) bdRingToHw(r *ring, numBd uint32, bdSet *Descriptor, skipBdReset bool) error {
	if numBd == 0 {
		return nil
	}
	if !skipBdReset {
		if err := d.resetDescs(!r.isRx(), r.maxTransferLen, numBd, bdSet); err != nil {
			return err
		}
	} else {
		d.Log().Debug("skipping BD reset, already performed by the caller")
	}
	if err := r.updateHwTail(numBd); err != nil {
		return err
	}
	r.hwCnt += numBd
	if r.runState() != sgRunning {
		return nil
	}
	if r.cyclic {
		return d.WriteReg(r.tailDescOffset, d.addrWidth, r.cyclicBd.Addr(), false)
	}
	return d.WriteReg(r.tailDescOffset, d.addrWidth, r.hwTail.Addr(), false)
}

func (d *Dma) sendPackets(numPkts uint8, maxPktByteLen uint32, bdsPerPkt uint32, mem *clap.Memory) error {
	r := d.rings[MM2S]
	if err := d.startBdRing(r); err != nil {
		return err
	}
	numBDs := uint32(numPkts) * bdsPerPkt
	d.Log().Debug("sending packets",
		zap.Uint8("packets", numPkts),
		zap.Uint32("pktBytes", maxPktByteLen),
		zap.Uint32("bdsPerPkt", bdsPerPkt))
	if maxPktByteLen*bdsPerPkt > r.maxTransferLen {
		return fmt.Errorf("axidma: per-packet transfer length %d exceeds maximum %d", maxPktByteLen*bdsPerPkt, r.maxTransferLen)
	}
	var bd *Descriptor
	if !r.extDescs {
		var err error
		if bd, err = d.bdRingAlloc(r, numBDs); err != nil {
			return err
		}
		if err := d.configTxDescs(r, numPkts, maxPktByteLen, bdsPerPkt, mem, bd); err != nil {
			return err
		}
	} else {
		bd = r.descs[0]
	}
	return d.bdRingToHw(r, numBDs, bd, false)
}

func (d *Dma) readPackets(maxPktByteLen uint32, mem *clap.Memory) error {
	r := d.rings[S2MM]
	freeBds := r.freeCnt
	bd, err := d.bdRingAlloc(r, freeBds)
	if err != nil {
		return err
	}
	if err := d.configRxDescs(r, maxPktByteLen, mem, freeBds, bd); err != nil {
		return err
	}
	if err := d.bdRingToHw(r, freeBds, bd, false); err != nil {
		return err
	}
	return d.startBdRing(r)
}

// configTxDescs programs numPkts*bdsPerPkt descriptors over mem, framing
// each packet with SOF on its first BD and EOF on its last.
func (d *Dma) configTxDescs(r *ring, numPkts uint8, maxPktByteLen uint32, bdsPerPkt uint32, mem *clap.Memory, bd *Descriptor) error {
	bufferAddr, err := mem.BaseAddr()
	if err != nil {
		return err
	}
	remaining, err := mem.Size()
	if err != nil {
		return err
	}
	cur := bd
	for i := uint32(0); i < uint32(numPkts); i++ {
		for pkt := uint32(0); pkt < bdsPerPkt; pkt++ {
			if err := cur.SetBufferAddr(bufferAddr); err != nil {
				return err
			}
			bdLength := remaining
			if bdLength > uint64(maxPktByteLen) {
				bdLength = uint64(maxPktByteLen)
			}
			remaining -= bdLength
			if err := cur.SetLength(uint32(bdLength), r.maxTransferLen); err != nil {
				return err
			}
			crBits := uint32(0)
			if pkt == 0 {
				crBits |= ctrlTXSOFMask
			}
			if pkt == bdsPerPkt-1 {
				crBits |= ctrlTXEOFMask
			}
			if err := cur.SetControlBits(crBits); err != nil {
				return err
			}
			if err := cur.SetID(i); err != nil {
				return err
			}
			bufferAddr += bdLength
			cur = cur.Next()
		}
	}
	return nil
}

// configRxDescs programs bdCount receive descriptors over mem.
func (d *Dma) configRxDescs(r *ring, maxPktByteLen uint32, mem *clap.Memory, bdCount uint32, bd *Descriptor) error {
	if bdCount == 0 {
		return fmt.Errorf("axidma: non-positive BD count on channel %s", r.channel)
	}
	bufferAddr, err := mem.BaseAddr()
	if err != nil {
		return err
	}
	remaining, err := mem.Size()
	if err != nil {
		return err
	}
	cur := bd
	for i := uint32(0); i < bdCount; i++ {
		if err := cur.SetBufferAddr(bufferAddr); err != nil {
			return err
		}
		bdLength := remaining
		if bdLength > uint64(maxPktByteLen) {
			bdLength = uint64(maxPktByteLen)
		}
		remaining -= bdLength
		if err := cur.SetLength(uint32(bdLength), r.maxTransferLen); err != nil {
			return err
		}
		if err := cur.SetControlBits(0); err != nil {
			return err
		}
		if err := cur.SetID(i); err != nil {
			return err
		}
		bufferAddr += bdLength
		cur = cur.Next()
	}
	return nil
}

// resetDescs verifies the framing and lengths of numBd descriptors and
// clears their completion bits. TX rings must carry SOF on the first BD
// and EOF on the last.
func (d *Dma) resetDescs(isTx bool, maxTransLen uint32, numBd uint32, bdSet *Descriptor) error {
	cur := bdSet
	if isTx {
		ctrl, err := cur.Control()
		if err != nil {
			return err
		}
		if ctrl&ctrlTXSOFMask == 0 {
			return fmt.Errorf("axidma: TX first BD does not have SOF")
		}
	}
	for i := uint32(0); i < numBd-1; i++ {
		length, err := cur.Length()
		if err != nil {
			return err
		}
		if length&maxTransLen == 0 {
			return fmt.Errorf("axidma: zero length BD at index %d", i)
		}
		if err := cur.ClearComplete(); err != nil {
			return err
		}
		cur = cur.Next()
	}
	if isTx {
		ctrl, err := cur.Control()
		if err != nil {
			return err
		}
		if ctrl&ctrlTXEOFMask == 0 {
			return fmt.Errorf("axidma: TX last BD does not have EOF")
		}
	}
	length, err := cur.Length()
	if err != nil {
		return err
	}
	if length&maxTransLen == 0 {
		return fmt.Errorf("axidma: zero length BD")
	}
	return cur.ClearComplete()
}
