package cxadc_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/romshark/cxadc-go/cxadc"
	"github.com/romshark/cxadc-go/cxadc/sim"
)

const testPageSize = 4096

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// newDevice brings up a device on a fresh simulated card.
func newDevice(t *testing.T, numPages, periodPages uint32) (*cxadc.Device, *sim.Card) {
	t.Helper()
	card := sim.New(sim.Options{})
	d, err := cxadc.New(card, card, cxadc.Config{
		NumPages:    numPages,
		PageSize:    testPageSize,
		ChunkSize:   2048,
		PeriodPages: periodPages,
		Logger:      quietLogger,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d, card
}

// interrupt raises the period interrupt and runs the handler.
func interrupt(t *testing.T, d *cxadc.Device, card *sim.Card) cxadc.IRQResult {
	t.Helper()
	card.Raise(cxadc.IntVBIRISC1)
	return d.HandleInterrupt()
}

// advance lets the card complete n pages and handles the interrupt.
func advance(t *testing.T, d *cxadc.Device, card *sim.Card, n int) {
	t.Helper()
	if err := card.StepPages(n); err != nil {
		t.Fatalf("StepPages(%d): %v", n, err)
	}
	if r := d.HandleInterrupt(); r != cxadc.IRQHandled {
		t.Fatalf("HandleInterrupt: %v", r)
	}
}

// openSynced opens a session, feeding interrupts until the first one after
// Open establishes the baseline.
func openSynced(
	t *testing.T, d *cxadc.Device, card *sim.Card, opts cxadc.OpenOptions,
) *cxadc.Session {
	t.Helper()
	type result struct {
		s   *cxadc.Session
		err error
	}
	ch := make(chan result, 1)
	go func() {
		s, err := d.Open(context.Background(), opts)
		ch <- result{s, err}
	}()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case r := <-ch:
			if r.err != nil {
				t.Fatalf("Open: %v", r.err)
			}
			t.Cleanup(func() { _ = r.s.Close() })
			return r.s
		case <-deadline:
			t.Fatal("Open did not return")
		case <-time.After(time.Millisecond):
			interrupt(t, d, card)
		}
	}
}

// sample returns the byte the simulated card produces at absolute position
// pos.
func sample(pos uint64) byte {
	var b [1]byte
	sim.DefaultPattern(pos, b[:])
	return b[0]
}

// checkStream verifies b holds the card's output starting at pos.
func checkStream(t *testing.T, b []byte, pos uint64) {
	t.Helper()
	for i, v := range b {
		if want := sample(pos + uint64(i)); v != want {
			t.Fatalf("byte %d (card position %d): got %d, want %d",
				i, pos+uint64(i), v, want)
		}
	}
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
