package cxadc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	ErrTooFewPages         = errors.New("ring needs at least 2 pages")
	ErrChunkSize           = errors.New("chunk size must be a multiple of 8, at most 4095 and divide the page size")
	ErrPeriodNotPowerOfTwo = errors.New("period must be a power of two smaller than the page count")
	ErrAddressRange        = errors.New("bus address does not fit 32-bit DMA")
	ErrUnknownOpcode       = errors.New("unknown RISC opcode")
	ErrProgramTooSmall     = errors.New("program buffer too small")
)

// Opcode is the top nibble of a RISC instruction word.
type Opcode uint32

const (
	OpWrite Opcode = 0x10000000
	OpJump  Opcode = 0x70000000
	OpSync  Opcode = 0x80000000
)

func (o Opcode) String() string {
	switch o {
	case OpWrite:
		return "WRITE"
	case OpJump:
		return "JUMP"
	case OpSync:
		return "SYNC"
	}
	return fmt.Sprintf("Opcode(0x%08x)", uint32(o))
}

// CounterOp controls the general purpose counter when an instruction retires.
type CounterOp uint8

const (
	CounterNone      CounterOp = 0
	CounterIncrement CounterOp = 1
	CounterReset     CounterOp = 3
)

const (
	riscOpMask   uint32 = 0xf0000000
	riscSOL      uint32 = 1 << 27
	riscEOL      uint32 = 1 << 26
	riscIRQ1     uint32 = 1 << 24
	riscCntShift        = 16
	riscCntMask  uint32 = 3 << riscCntShift
	riscCount    uint32 = 0xfff
)

// Instruction is a single decoded RISC command.
type Instruction struct {
	Op      Opcode
	Count   uint32 // Bytes to transfer, WRITE only.
	IRQ     bool   // Raise IRQ1 when the instruction retires.
	Counter CounterOp
	Addr    uint32 // Bus address, WRITE and JUMP.
}

// Words returns the number of 32-bit words the instruction occupies.
func (in Instruction) Words() int {
	if in.Op == OpSync {
		return 1
	}
	return 2
}

func (in Instruction) encode(dst []uint32) int {
	w := uint32(in.Op) | uint32(in.Counter)<<riscCntShift
	if in.IRQ {
		w |= riscIRQ1
	}
	switch in.Op {
	case OpSync:
		dst[0] = w
		return 1
	case OpWrite:
		w |= riscSOL | riscEOL | in.Count&riscCount
	}
	dst[0] = w
	dst[1] = in.Addr
	return 2
}

// DecodeInstruction decodes the instruction at the start of words and
// returns it together with the number of words consumed.
func DecodeInstruction(words []uint32) (Instruction, int, error) {
	if len(words) == 0 {
		return Instruction{}, 0, ErrProgramTooSmall
	}
	w := words[0]
	in := Instruction{
		Op:      Opcode(w & riscOpMask),
		IRQ:     w&riscIRQ1 != 0,
		Counter: CounterOp((w & riscCntMask) >> riscCntShift),
	}
	switch in.Op {
	case OpSync:
		return in, 1, nil
	case OpWrite:
		in.Count = w & riscCount
	case OpJump:
	default:
		return Instruction{}, 0, fmt.Errorf("%w: 0x%08x", ErrUnknownOpcode, w)
	}
	if len(words) < 2 {
		return Instruction{}, 0, ErrProgramTooSmall
	}
	in.Addr = words[1]
	return in, 2, nil
}

// Layout describes the ring the program is built for.
type Layout struct {
	// Base is the bus address the encoded program will live at.
	Base uint64
	// Pages holds the bus address of every ring page, in ring order.
	Pages       []uint64
	PageSize    int
	ChunkSize   int
	PeriodPages int
}

func (l Layout) validate() error {
	n := len(l.Pages)
	if n < 2 {
		return ErrTooFewPages
	}
	if l.ChunkSize <= 0 || l.ChunkSize%8 != 0 || uint32(l.ChunkSize) > riscCount ||
		l.PageSize%l.ChunkSize != 0 {
		return ErrChunkSize
	}
	if p := l.PeriodPages; p <= 0 || p&(p-1) != 0 || p >= n {
		return ErrPeriodNotPowerOfTwo
	}
	if l.Base > math.MaxUint32-4 {
		return fmt.Errorf("%w: program at 0x%x", ErrAddressRange, l.Base)
	}
	for i, a := range l.Pages {
		if a+uint64(l.PageSize) > math.MaxUint32+1 {
			return fmt.Errorf("%w: page %d at 0x%x", ErrAddressRange, i, a)
		}
	}
	return nil
}

// Program is the fixed instruction sequence that makes the DMA engine fill
// the ring forever. It is immutable once built.
type Program struct {
	Base         uint64
	Instructions []Instruction
}

// BuildProgram synthesizes the ring program: a SYNC, PageSize/ChunkSize
// WRITEs per page and a JUMP back to the first WRITE.
//
// The last WRITE of every page bumps the page counter, except on the last
// page where it resets the counter to zero. IRQ1 is raised at every period
// boundary and always at the last page, so a trailing partial period still
// signals on wrap.
func BuildProgram(l Layout) (*Program, error) {
	if err := l.validate(); err != nil {
		return nil, err
	}
	n := len(l.Pages)
	perPage := l.PageSize / l.ChunkSize

	ins := make([]Instruction, 0, 2+n*perPage)
	ins = append(ins, Instruction{Op: OpSync, Counter: CounterReset})

	for i, addr := range l.Pages {
		last := i == n-1
		for c := 0; c < perPage; c++ {
			in := Instruction{
				Op:    OpWrite,
				Count: uint32(l.ChunkSize),
				Addr:  uint32(addr) + uint32(c*l.ChunkSize),
			}
			if c == perPage-1 {
				in.Counter = CounterIncrement
				if last {
					in.Counter = CounterReset
				}
				in.IRQ = last || (i+1)%l.PeriodPages == 0
			}
			ins = append(ins, in)
		}
	}

	ins = append(ins, Instruction{Op: OpJump, Addr: uint32(l.Base) + 4})
	return &Program{Base: l.Base, Instructions: ins}, nil
}

// Words returns the encoded length of the program in 32-bit words.
func (p *Program) Words() int {
	n := 0
	for _, in := range p.Instructions {
		n += in.Words()
	}
	return n
}

// Size returns the encoded length of the program in bytes.
func (p *Program) Size() int { return p.Words() * 4 }

// Encode writes the little-endian program image into dst.
func (p *Program) Encode(dst []byte) error {
	if len(dst) < p.Size() {
		return fmt.Errorf("%w: need %d bytes, have %d", ErrProgramTooSmall, p.Size(), len(dst))
	}
	var w [2]uint32
	off := 0
	for _, in := range p.Instructions {
		n := in.encode(w[:])
		for _, v := range w[:n] {
			binary.LittleEndian.PutUint32(dst[off:], v)
			off += 4
		}
	}
	return nil
}
