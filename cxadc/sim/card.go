// Package sim simulates a CX2388x card: a register file, DMA memory with
// made up bus addresses and a RISC engine that executes the program the
// driver builds. The engine can be stepped synchronously, which makes the
// capture engine testable without hardware, or free-run at a given byte
// rate.
package sim

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/romshark/cxadc-go/cxadc"
	"github.com/romshark/cxadc-go/ratelimit"
)

var (
	ErrOutOfMemory = errors.New("sim: out of DMA memory")
	ErrNotRunning  = errors.New("sim: RISC engine not running")
	ErrBusFault    = errors.New("sim: bus fault")
)

const (
	frameShift = 12
	frameSize  = 1 << frameShift

	// DefaultBaseAddr is the bus address of the first allocation.
	DefaultBaseAddr uint64 = 0x10000000
)

// Pattern fills b with the samples the card produces starting at absolute
// byte position pos.
type Pattern func(pos uint64, b []byte)

// DefaultPattern never produces a zero byte so that zero-filled ring bytes
// can be told apart from samples.
func DefaultPattern(pos uint64, b []byte) {
	for i := range b {
		b[i] = byte((pos+uint64(i))%255 + 1)
	}
}

// Options configures a Card.
type Options struct {
	// Pattern defaults to DefaultPattern.
	Pattern Pattern
	// FailAllocAfter makes every allocation after the first
	// FailAllocAfter ones fail. Zero disables failures.
	FailAllocAfter int
	// BaseAddr defaults to DefaultBaseAddr.
	BaseAddr uint64
}

// Card is a simulated card. It implements cxadc.Registers,
// cxadc.Allocator and cxadc.IRQSource.
type Card struct {
	mu        sync.Mutex
	regs      map[uint32]uint32
	frames    map[uint64]*mem
	next      uint64
	pattern   Pattern
	failAfter int
	allocs    int
	live      int

	running  bool
	pc       uint64
	produced uint64
	irqs     uint64

	irq chan struct{}
}

// New creates a card with an empty register file and no memory.
func New(opts Options) *Card {
	if opts.Pattern == nil {
		opts.Pattern = DefaultPattern
	}
	if opts.BaseAddr == 0 {
		opts.BaseAddr = DefaultBaseAddr
	}
	return &Card{
		regs:      make(map[uint32]uint32),
		frames:    make(map[uint64]*mem),
		next:      opts.BaseAddr,
		pattern:   opts.Pattern,
		failAfter: opts.FailAllocAfter,
		irq:       make(chan struct{}, 1),
	}
}

/*---- Registers ----*/

func (c *Card) Read32(reg uint32) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regs[reg]
}

func (c *Card) Write32(reg, val uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch reg {
	case cxadc.RegVidIntStat:
		c.regs[reg] &^= val // Write 1 to clear.
		return
	case cxadc.RegDevCntrl2, cxadc.RegVidDMACntrl:
		c.regs[reg] = val
		running := c.regs[cxadc.RegDevCntrl2]&(1<<5) != 0 &&
			c.regs[cxadc.RegVidDMACntrl]&(1<<7) != 0
		if running && !c.running {
			c.pc = uint64(c.regs[cxadc.Chan24CmdsBase])
		}
		c.running = running
		return
	}
	c.regs[reg] = val
	if reg == cxadc.RegPCIIntMsk || reg == cxadc.RegVidIntMsk {
		c.deliverLocked()
	}
}

// Counter returns the VBI page counter.
func (c *Card) Counter() uint32 { return c.Read32(cxadc.RegVBIGPCnt) }

// Produced returns the number of bytes written by the DMA engine.
func (c *Card) Produced() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.produced
}

// Raise sets interrupt status bits as if the card signalled them.
func (c *Card) Raise(bits uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.raiseLocked(bits)
}

func (c *Card) raiseLocked(bits uint32) {
	c.regs[cxadc.RegVidIntStat] |= bits
	c.irqs++
	c.deliverLocked()
}

func (c *Card) deliverLocked() {
	if c.regs[cxadc.RegPCIIntMsk]&1 == 0 ||
		c.regs[cxadc.RegVidIntStat]&c.regs[cxadc.RegVidIntMsk] == 0 {
		return
	}
	select {
	case c.irq <- struct{}{}:
	default: // Already pending.
	}
}

/*---- IRQSource ----*/

// Wait blocks until an interrupt is delivered or ctx is done.
func (c *Card) Wait(ctx context.Context) error {
	select {
	case <-c.irq:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unmask re-delivers status bits that are still pending.
func (c *Card) Unmask() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deliverLocked()
	return nil
}

/*---- RISC engine ----*/

// Step executes instructions until n WRITE instructions retired.
func (c *Card) Step(n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for n > 0 {
		in, err := c.execLocked()
		if err != nil {
			return err
		}
		if in.Op == cxadc.OpWrite {
			n--
		}
	}
	return nil
}

// StepPages executes instructions until n pages were completed, that is
// until n WRITE instructions that touch the page counter retired.
func (c *Card) StepPages(n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for n > 0 {
		in, err := c.execLocked()
		if err != nil {
			return err
		}
		if in.Op == cxadc.OpWrite && in.Counter != cxadc.CounterNone {
			n--
		}
	}
	return nil
}

// Run free-runs the engine at bytesPerSecond (0 for unthrottled) until ctx
// is done.
func (c *Card) Run(ctx context.Context, bytesPerSecond uint64) error {
	const batch = 16
	t := ratelimit.New(bytesPerSecond)
	for ctx.Err() == nil {
		before := c.Produced()
		if err := c.Step(batch); err != nil {
			return err
		}
		t.ThrottleN(c.Produced() - before)
	}
	return ctx.Err()
}

func (c *Card) execLocked() (cxadc.Instruction, error) {
	if !c.running {
		return cxadc.Instruction{}, ErrNotRunning
	}
	var words [2]uint32
	w0, err := c.wordLocked(c.pc)
	if err != nil {
		return cxadc.Instruction{}, err
	}
	words[0] = w0
	if cxadc.Opcode(w0&0xf0000000) != cxadc.OpSync {
		if words[1], err = c.wordLocked(c.pc + 4); err != nil {
			return cxadc.Instruction{}, err
		}
	}
	in, n, err := cxadc.DecodeInstruction(words[:])
	if err != nil {
		return cxadc.Instruction{}, fmt.Errorf("at 0x%08x: %w", c.pc, err)
	}

	switch in.Op {
	case cxadc.OpWrite:
		buf, err := c.resolveLocked(uint64(in.Addr), int(in.Count))
		if err != nil {
			return cxadc.Instruction{}, err
		}
		c.pattern(c.produced, buf)
		c.produced += uint64(in.Count)
		c.pc += uint64(n) * 4
	case cxadc.OpJump:
		c.pc = uint64(in.Addr)
	default:
		c.pc += uint64(n) * 4
	}

	switch in.Counter {
	case cxadc.CounterIncrement:
		c.regs[cxadc.RegVBIGPCnt]++
	case cxadc.CounterReset:
		c.regs[cxadc.RegVBIGPCnt] = 0
	}
	if in.IRQ {
		c.raiseLocked(cxadc.IntVBIRISC1)
	}
	return in, nil
}

func (c *Card) wordLocked(addr uint64) (uint32, error) {
	b, err := c.resolveLocked(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (c *Card) resolveLocked(addr uint64, n int) ([]byte, error) {
	m := c.frames[addr>>frameShift]
	if m == nil {
		return nil, fmt.Errorf("%w: no memory at 0x%08x", ErrBusFault, addr)
	}
	off := int(addr - m.phys)
	if off+n > len(m.buf) {
		return nil, fmt.Errorf("%w: %d bytes at 0x%08x cross buffer end", ErrBusFault, n, addr)
	}
	return m.buf[off : off+n], nil
}

/*---- Allocator ----*/

// Alloc returns zeroed memory at a fresh, frame aligned bus address.
func (c *Card) Alloc(size int) (cxadc.DMAMem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failAfter > 0 && c.allocs >= c.failAfter {
		return nil, ErrOutOfMemory
	}
	c.allocs++
	c.live++

	frames := (size + frameSize - 1) / frameSize
	m := &mem{card: c, phys: c.next, buf: make([]byte, size)}
	for i := 0; i < frames; i++ {
		c.frames[m.phys>>frameShift+uint64(i)] = m
	}
	c.next += uint64(frames) * frameSize
	return m, nil
}

// Live returns the number of allocations not yet closed.
func (c *Card) Live() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live
}

type mem struct {
	card   *Card
	phys   uint64
	buf    []byte
	closed bool
}

func (m *mem) Buf() []byte      { return m.buf }
func (m *mem) PhysAddr() uint64 { return m.phys }

func (m *mem) Close() error {
	c := m.card
	c.mu.Lock()
	defer c.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	c.live--
	frames := (len(m.buf) + frameSize - 1) / frameSize
	for i := 0; i < frames; i++ {
		delete(c.frames, m.phys>>frameShift+uint64(i))
	}
	return nil
}
