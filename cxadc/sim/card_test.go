package sim_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/romshark/cxadc-go/cxadc"
	"github.com/romshark/cxadc-go/cxadc/sim"
)

const pageSize = 4096

// load allocates a two page ring and a program filling it, and points the
// channel at the program without starting the engine.
func load(t *testing.T, c *sim.Card) []cxadc.DMAMem {
	t.Helper()
	pages := make([]cxadc.DMAMem, 2)
	addrs := make([]uint64, len(pages))
	for i := range pages {
		m, err := c.Alloc(pageSize)
		if err != nil {
			t.Fatalf("allocating page %d: %v", i, err)
		}
		pages[i], addrs[i] = m, m.PhysAddr()
	}
	prog, err := c.Alloc(pageSize)
	if err != nil {
		t.Fatalf("allocating program: %v", err)
	}
	p, err := cxadc.BuildProgram(cxadc.Layout{
		Base:        prog.PhysAddr(),
		Pages:       addrs,
		PageSize:    pageSize,
		ChunkSize:   2048,
		PeriodPages: 1,
	})
	if err != nil {
		t.Fatalf("BuildProgram: %v", err)
	}
	if err := p.Encode(prog.Buf()); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	c.Write32(cxadc.Chan24CmdsBase, uint32(prog.PhysAddr()))
	return append(pages, prog)
}

func start(c *sim.Card) {
	c.Write32(cxadc.RegDevCntrl2, 1<<5)
	c.Write32(cxadc.RegVidDMACntrl, 1<<7)
}

func TestCardRunsProgram(t *testing.T) {
	c := sim.New(sim.Options{})
	mem := load(t, c)
	start(c)

	if err := c.StepPages(1); err != nil {
		t.Fatalf("StepPages: %v", err)
	}
	if got := c.Counter(); got != 1 {
		t.Fatalf("counter %d after one page, want 1", got)
	}
	if got := mem[0].Buf()[0]; got != 1 {
		t.Fatalf("first sample %d, want 1", got)
	}

	if err := c.StepPages(1); err != nil {
		t.Fatalf("StepPages: %v", err)
	}
	if got := c.Counter(); got != 0 {
		t.Fatalf("counter %d after the last page, want 0", got)
	}

	// Wraps through the JUMP back to page 0.
	if err := c.StepPages(1); err != nil {
		t.Fatalf("StepPages: %v", err)
	}
	if got := c.Produced(); got != 3*pageSize {
		t.Fatalf("produced %d, want %d", got, 3*pageSize)
	}
	want := byte((2*pageSize)%255 + 1)
	if got := mem[0].Buf()[0]; got != want {
		t.Fatalf("page 0 after wrap starts with %d, want %d", got, want)
	}
}

func TestCardInterruptDelivery(t *testing.T) {
	c := sim.New(sim.Options{})
	load(t, c)
	start(c)

	if err := c.StepPages(1); err != nil {
		t.Fatalf("StepPages: %v", err)
	}
	if c.Read32(cxadc.RegVidIntStat)&cxadc.IntVBIRISC1 == 0 {
		t.Fatal("IRQ1 not latched in the status register")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("masked interrupt delivered: %v", err)
	}

	c.Write32(cxadc.RegVidIntMsk, cxadc.IntMask)
	c.Write32(cxadc.RegPCIIntMsk, 1)
	if err := c.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	c.Write32(cxadc.RegVidIntStat, cxadc.IntVBIRISC1)
	if got := c.Read32(cxadc.RegVidIntStat); got != 0 {
		t.Fatalf("status 0x%x after write to clear", got)
	}
	if err := c.Unmask(); err != nil {
		t.Fatalf("Unmask: %v", err)
	}
	ctx, cancel = context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("cleared interrupt re-delivered: %v", err)
	}
}

func TestCardFaults(t *testing.T) {
	t.Run("not running", func(t *testing.T) {
		c := sim.New(sim.Options{})
		load(t, c)
		if err := c.Step(1); !errors.Is(err, sim.ErrNotRunning) {
			t.Fatalf("err %v, want ErrNotRunning", err)
		}
	})

	t.Run("freed page", func(t *testing.T) {
		c := sim.New(sim.Options{})
		mem := load(t, c)
		if err := mem[1].Close(); err != nil {
			t.Fatal(err)
		}
		start(c)
		if err := c.StepPages(2); !errors.Is(err, sim.ErrBusFault) {
			t.Fatalf("err %v, want ErrBusFault", err)
		}
	})

	t.Run("allocation failure", func(t *testing.T) {
		c := sim.New(sim.Options{FailAllocAfter: 1})
		m, err := c.Alloc(pageSize)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := c.Alloc(pageSize); !errors.Is(err, sim.ErrOutOfMemory) {
			t.Fatalf("err %v, want ErrOutOfMemory", err)
		}
		if c.Live() != 1 {
			t.Fatalf("live %d, want 1", c.Live())
		}
		_ = m.Close()
		_ = m.Close()
		if c.Live() != 0 {
			t.Fatalf("live %d after double close, want 0", c.Live())
		}
	})
}
