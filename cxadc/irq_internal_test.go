package cxadc

import (
	"context"
	"math"
	"testing"
)

func TestPublishSequenceWraps(t *testing.T) {
	d := &Device{}
	d.wake.Store(newSignal())
	d.state.Store(uint64(math.MaxUint32)<<32 | 7)
	ref := d.state.Load()

	d.publish(7)
	page, seq := d.Position()
	if page != 7 || seq != 0 {
		t.Fatalf("position %d seq %d, want 7 seq 0", page, seq)
	}
	if got := d.Stats().Publishes; got != 1 {
		t.Fatalf("Publishes %d, want 1", got)
	}

	// A wrapped sequence still differs from the last one a waiter saw.
	st, err := d.waitChange(context.Background(), ref, nil)
	if err != nil || st == ref {
		t.Fatalf("waitChange: 0x%x, %v", st, err)
	}
}
