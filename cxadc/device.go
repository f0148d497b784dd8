// Package cxadc implements a capture engine for CX2388x based PCI cards
// running as raw ADCs.
//
// The card's RISC DMA engine executes a fixed program that fills a ring of
// N pages forever and raises an interrupt every period. The interrupt handler
// publishes the newest period-aligned page counter with a single atomic store,
// and a Session turns its monotonic stream offset into ring coordinates,
// copies out whatever lies behind the published position and zero-fills
// what it consumed.
//
// The hardware never waits for the reader. A reader that falls more than N
// pages behind silently loses data and will see a mix of zeros (bytes it
// consumed on the previous lap), stale and fresh samples.
package cxadc

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
)

var (
	ErrDeviceClosed = errors.New("device closed")
	ErrBusy         = errors.New("device busy")
)

// Device is one card with its ring buffer and RISC program.
// It is safe for concurrent use.
//
// The device's DMA memory lives as long as the longest of its registration
// (released by Close) and any open Session.
type Device struct {
	conf    Config
	regs    Registers
	log     *slog.Logger
	geo     Geometry
	ring    *Ring
	prog    *Program
	progMem DMAMem

	// state packs the publish sequence (high 32 bits) and the producer
	// position (low 32 bits). Written only by HandleInterrupt.
	state atomic.Uint64
	wake  atomic.Pointer[signal]

	mu    sync.Mutex // Guards inUse.
	inUse bool

	refs      atomic.Int32
	closeOnce sync.Once
	done      chan struct{}

	level  atomic.Int32
	tenBit atomic.Bool
	tenFsc atomic.Bool

	interrupts atomic.Uint64
	spurious   atomic.Uint64
	anomalies  atomic.Uint64
	publishes  atomic.Uint64
}

type signal struct{ c chan struct{} }

func newSignal() *signal { return &signal{c: make(chan struct{})} }

// New allocates the program buffer and ring pages, builds the RISC program
// and starts the card. The card free-runs from here on; interrupts are
// delivered to the host once a Session is opened.
func New(regs Registers, alloc Allocator, conf Config) (*Device, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	geo := conf.geometry()
	perPage := int(conf.PageSize / conf.ChunkSize)

	// SYNC + 2 words per WRITE + JUMP.
	progSize := (1 + 2*int(geo.NumPages)*perPage + 2) * 4
	progMem, err := alloc.Alloc(progSize)
	if err != nil {
		return nil, fmt.Errorf("%w: program buffer: %w", ErrAllocation, err)
	}

	ring, err := allocRing(alloc, geo)
	if err != nil {
		return nil, errors.Join(err, progMem.Close())
	}

	prog, err := BuildProgram(Layout{
		Base:        progMem.PhysAddr(),
		Pages:       ring.PhysAddrs(),
		PageSize:    int(conf.PageSize),
		ChunkSize:   int(conf.ChunkSize),
		PeriodPages: int(conf.PeriodPages),
	})
	if err == nil {
		err = prog.Encode(progMem.Buf())
	}
	if err != nil {
		return nil, errors.Join(
			fmt.Errorf("building program: %w", err), ring.Close(), progMem.Close(),
		)
	}

	d := &Device{
		conf:    conf,
		regs:    regs,
		log:     conf.Logger,
		geo:     geo,
		ring:    ring,
		prog:    prog,
		progMem: progMem,
		done:    make(chan struct{}),
	}
	d.wake.Store(newSignal())
	d.refs.Store(1)
	d.level.Store(int32(conf.Level))
	d.tenBit.Store(conf.TenBit)
	d.tenFsc.Store(conf.TenFsc)

	d.log.Info("ring allocated",
		slog.String("size", humanize.IBytes(geo.Size())),
		slog.Uint64("pages", uint64(geo.NumPages)),
		slog.Uint64("period_pages", uint64(conf.PeriodPages)))
	d.log.Info("program built",
		slog.String("size", humanize.IBytes(uint64(prog.Size()))),
		slog.Int("instructions", len(prog.Instructions)),
		slog.String("base", fmt.Sprintf("0x%08x", prog.Base)))

	d.bringUp()
	return d, nil
}

// Geometry returns the ring geometry.
func (d *Device) Geometry() Geometry { return d.geo }

// Program returns the RISC program driving the ring.
func (d *Device) Program() *Program { return d.prog }

// Ring returns the capture ring.
func (d *Device) Ring() *Ring { return d.ring }

// PeriodPages returns the number of pages between two interrupts.
func (d *Device) PeriodPages() uint32 { return d.conf.PeriodPages }

// Position returns the last published producer position and its publish
// sequence number. The sequence wraps after 2^32 publishes and is only
// meant to tell two publishes apart; Stats.Publishes counts them.
func (d *Device) Position() (page, seq uint32) {
	s := d.state.Load()
	return uint32(s), uint32(s >> 32)
}

// Stats is a snapshot of the interrupt counters.
type Stats struct {
	Interrupts uint64 // Interrupts that carried our status bits.
	Publishes  uint64 // Producer position updates.
	Spurious   uint64 // Interrupts with no status bits set.
	Anomalies  uint64 // Interrupts with unexpected status bits.
	Position   uint32
}

// Stats returns a snapshot of the interrupt counters.
func (d *Device) Stats() Stats {
	page, _ := d.Position()
	return Stats{
		Interrupts: d.interrupts.Load(),
		Publishes:  d.publishes.Load(),
		Spurious:   d.spurious.Load(),
		Anomalies:  d.anomalies.Load(),
		Position:   page,
	}
}

// Close unregisters the device. Blocked readers are woken with
// ErrDeviceClosed. The card is stopped and its memory freed as soon as the
// last open Session is closed as well.
func (d *Device) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.done)
		err = d.release()
	})
	return err
}

func (d *Device) closed() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}

func (d *Device) acquire() bool {
	for {
		n := d.refs.Load()
		if n <= 0 {
			return false
		}
		if d.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (d *Device) release() error {
	if d.refs.Add(-1) != 0 {
		return nil
	}
	d.disable()
	err := errors.Join(d.ring.Close(), d.progMem.Close())
	d.log.Info("device released")
	return err
}

// disable turns off all DMA and interrupts.
func (d *Device) disable() {
	d.regs.Write32(RegPCIIntMsk, 0)
	d.regs.Write32(RegVidIntMsk, 0)
	d.regs.Write32(RegVidIntStat, ^uint32(0))
	d.regs.Write32(RegVidDMACntrl, 0)
	d.regs.Write32(RegDevCntrl2, 0)
}

func (d *Device) bringUp() {
	r := d.regs
	d.disable()

	// Cluster descriptor table: 8 clusters of ChunkSize bytes in SRAM.
	for i := uint32(0); i < uint32(NumClusterBuffers); i++ {
		cdt := SRAMCDTBase + i*16
		r.Write32(cdt, SRAMClusterBase+i*d.conf.ChunkSize)
		r.Write32(cdt+4, 0)
		r.Write32(cdt+8, 0)
		r.Write32(cdt+12, 0)
	}
	r.Write32(RegDMA24Cnt1, d.conf.ChunkSize/8-1)
	r.Write32(RegDMA24Ptr2, SRAMCDTBase)
	r.Write32(RegDMA24Cnt2, 2*NumClusterBuffers)

	r.Write32(RegVidIntStat, r.Read32(RegVidIntStat))

	r.Write32(Chan24CmdsBase, uint32(d.prog.Base))
	r.Write32(Chan24CmdsBase+4, SRAMCDTBase)
	r.Write32(Chan24CmdsBase+8, 2*NumClusterBuffers)
	r.Write32(Chan24CmdsBase+12, SRAMRISCQueue)
	r.Write32(Chan24CmdsBase+16, 0x40)

	r.Write32(RegInputFormat, d.conf.VMux<<14|1<<13|0x01|0x10|0x10000)
	r.Write32(RegOutFormat, 0x0f)
	r.Write32(RegContrBright, 0xff00)
	r.Write32(RegVBIPacket, d.conf.ChunkSize<<17|2<<11)
	r.Write32(RegColorCtrl, 0xe|0xe<<4) // raw mode, no byte swap
	d.applyCaptureWidth()
	r.Write32(RegAFECfgIO, 0x12) // power down audio and chroma DAC+ADC

	d.applyClock()

	r.Write32(RegAGCSyncSlc, 0)
	r.Write32(RegAGCBackVBI, 1<<25|0x100<<16|0xfff)
	d.applyGain()
	r.Write32(RegAGCSyncTip1, 0x1c0<<17|0xf)
	r.Write32(RegAGCSyncTip2, 0x20<<17|0xf)
	r.Write32(RegAGCSyncTip3, 0x1e48<<16|0xff<<8|0x8)
	r.Write32(RegAGCGainAdj1, 0xe0<<17|0xe<<9|0x7)
	r.Write32(RegAGCGainAdj3, 0x28<<16|0x28<<8|0x50)

	r.Write32(RegGP3IO, 1<<25)
	r.Write32(RegGP1IO, 0x0b)
	r.Write32(RegGP0IO, d.conf.AudSel)
	r.Write32(RegI2C, 3)

	r.Write32(RegDevCntrl2, devCntrl2RunRISC)
	r.Write32(RegVidDMACntrl, vidDMACntrlFIFOEn|vidDMACntrlRISCEn)
	r.Write32(RegVidIntMsk, IntMask)
}
