package cxadc_test

import (
	"errors"
	"testing"

	"github.com/romshark/cxadc-go/cxadc"
)

func testLayout(n, period int) cxadc.Layout {
	pages := make([]uint64, n)
	for i := range pages {
		pages[i] = 0x10000 * uint64(i+1)
	}
	return cxadc.Layout{
		Base:        0x1000,
		Pages:       pages,
		PageSize:    4096,
		ChunkSize:   2048,
		PeriodPages: period,
	}
}

func TestBuildProgram(t *testing.T) {
	p, err := cxadc.BuildProgram(testLayout(4, 2))
	if err != nil {
		t.Fatalf("BuildProgram: %v", err)
	}
	ins := p.Instructions
	if len(ins) != 10 {
		t.Fatalf("got %d instructions, want 10", len(ins))
	}
	if ins[0].Op != cxadc.OpSync || ins[0].Counter != cxadc.CounterReset {
		t.Fatalf("first instruction: %+v", ins[0])
	}
	if j := ins[9]; j.Op != cxadc.OpJump || j.Addr != 0x1004 {
		t.Fatalf("last instruction: %+v", j)
	}
	if got := p.Words(); got != 1+8*2+2 {
		t.Fatalf("Words: %d", got)
	}

	for i, in := range ins[1:9] {
		page, chunk := i/2, i%2
		if in.Op != cxadc.OpWrite || in.Count != 2048 {
			t.Fatalf("write %d: %+v", i, in)
		}
		if want := uint32(0x10000*(page+1) + chunk*2048); in.Addr != want {
			t.Fatalf("write %d: addr 0x%x, want 0x%x", i, in.Addr, want)
		}
		wantCounter := cxadc.CounterNone
		switch {
		case chunk == 1 && page == 3:
			wantCounter = cxadc.CounterReset
		case chunk == 1:
			wantCounter = cxadc.CounterIncrement
		}
		if in.Counter != wantCounter {
			t.Fatalf("write %d: counter %d, want %d", i, in.Counter, wantCounter)
		}
		wantIRQ := chunk == 1 && (page == 1 || page == 3)
		if in.IRQ != wantIRQ {
			t.Fatalf("write %d: irq %v, want %v", i, in.IRQ, wantIRQ)
		}
	}
}

func TestBuildProgramTrailingPartialPeriod(t *testing.T) {
	p, err := cxadc.BuildProgram(testLayout(6, 4))
	if err != nil {
		t.Fatalf("BuildProgram: %v", err)
	}
	var irqPages []int
	for i, in := range p.Instructions[1 : len(p.Instructions)-1] {
		if in.IRQ {
			irqPages = append(irqPages, i/2)
		}
	}
	if len(irqPages) != 2 || irqPages[0] != 3 || irqPages[1] != 5 {
		t.Fatalf("IRQ on pages %v, want [3 5]", irqPages)
	}
}

func TestBuildProgramErrors(t *testing.T) {
	for _, tt := range []struct {
		name   string
		modify func(*cxadc.Layout)
		want   error
	}{
		{"one page", func(l *cxadc.Layout) { l.Pages = l.Pages[:1] }, cxadc.ErrTooFewPages},
		{"period not power of two", func(l *cxadc.Layout) { l.PeriodPages = 3 }, cxadc.ErrPeriodNotPowerOfTwo},
		{"period larger than ring", func(l *cxadc.Layout) { l.PeriodPages = 8 }, cxadc.ErrPeriodNotPowerOfTwo},
		{"period equal to ring", func(l *cxadc.Layout) { l.PeriodPages = 4 }, cxadc.ErrPeriodNotPowerOfTwo},
		{"chunk not multiple of 8", func(l *cxadc.Layout) { l.ChunkSize = 100 }, cxadc.ErrChunkSize},
		{"chunk too large", func(l *cxadc.Layout) { l.ChunkSize = 4096 }, cxadc.ErrChunkSize},
		{"page above 4G", func(l *cxadc.Layout) { l.Pages[2] = 1 << 32 }, cxadc.ErrAddressRange},
		{"page crossing 4G", func(l *cxadc.Layout) { l.Pages[1] = 1<<32 - 2048 }, cxadc.ErrAddressRange},
	} {
		t.Run(tt.name, func(t *testing.T) {
			l := testLayout(4, 2)
			tt.modify(&l)
			if _, err := cxadc.BuildProgram(l); !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestProgramEncodeDecode(t *testing.T) {
	p, err := cxadc.BuildProgram(testLayout(4, 2))
	if err != nil {
		t.Fatalf("BuildProgram: %v", err)
	}
	if err := p.Encode(make([]byte, p.Size()-1)); !errors.Is(err, cxadc.ErrProgramTooSmall) {
		t.Fatalf("Encode into short buffer: %v", err)
	}

	buf := make([]byte, p.Size())
	if err := p.Encode(buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	words := make([]uint32, len(buf)/4)
	for i := range words {
		words[i] = uint32(buf[4*i]) | uint32(buf[4*i+1])<<8 |
			uint32(buf[4*i+2])<<16 | uint32(buf[4*i+3])<<24
	}

	if words[0] != 0x80030000 {
		t.Fatalf("SYNC word: 0x%08x", words[0])
	}
	// Last WRITE of page 1: SOL|EOL|IRQ1|increment|2048.
	if w := words[1+3*2]; w != 0x1d010800 {
		t.Fatalf("write word: 0x%08x", w)
	}

	for i, at := 0, 0; at < len(words); i++ {
		in, n, err := cxadc.DecodeInstruction(words[at:])
		if err != nil {
			t.Fatalf("decode at word %d: %v", at, err)
		}
		if in != p.Instructions[i] {
			t.Fatalf("instruction %d: got %+v, want %+v", i, in, p.Instructions[i])
		}
		at += n
	}
}

func TestDecodeInstructionErrors(t *testing.T) {
	if _, _, err := cxadc.DecodeInstruction([]uint32{0x50000000, 0}); !errors.Is(err, cxadc.ErrUnknownOpcode) {
		t.Fatalf("unknown opcode: %v", err)
	}
	if _, _, err := cxadc.DecodeInstruction([]uint32{uint32(cxadc.OpJump)}); !errors.Is(err, cxadc.ErrProgramTooSmall) {
		t.Fatalf("truncated jump: %v", err)
	}
	if _, _, err := cxadc.DecodeInstruction(nil); !errors.Is(err, cxadc.ErrProgramTooSmall) {
		t.Fatalf("empty: %v", err)
	}
}

func TestGeometryPageOf(t *testing.T) {
	g := cxadc.Geometry{NumPages: 16, PageSize: 4096}
	for _, tt := range []struct {
		off      uint64
		baseline uint32
		page     uint32
		in       uint32
	}{
		{0, 10, 10, 0},
		{4095, 10, 10, 4095},
		{4096, 10, 11, 0},
		{6 * 4096, 10, 0, 0},
		{7*4096 + 5, 10, 1, 5},
		{16 * 4096, 3, 3, 0},
	} {
		if got := g.PageOf(tt.off, tt.baseline); got != tt.page {
			t.Errorf("PageOf(%d, %d) = %d, want %d", tt.off, tt.baseline, got, tt.page)
		}
		if got := g.ByteInPage(tt.off); got != tt.in {
			t.Errorf("ByteInPage(%d) = %d, want %d", tt.off, got, tt.in)
		}
	}
	if g.Size() != 64*1024 {
		t.Fatalf("Size: %d", g.Size())
	}
}
