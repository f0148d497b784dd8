package cxadc

import (
	"context"
	"fmt"
	"log/slog"
)

// IRQResult tells the interrupt source whether the interrupt was ours.
type IRQResult int

const (
	// IRQNone means no status bits were set: the line is shared or the
	// interrupt was spurious.
	IRQNone IRQResult = iota
	// IRQHandled means the producer position was published.
	IRQHandled
	// IRQAnomaly means only unexpected status bits were set.
	// They were logged and acknowledged.
	IRQAnomaly
)

func (r IRQResult) String() string {
	switch r {
	case IRQNone:
		return "none"
	case IRQHandled:
		return "handled"
	case IRQAnomaly:
		return "anomaly"
	}
	return fmt.Sprintf("IRQResult(%d)", int(r))
}

// IRQSource delivers the card's interrupts.
type IRQSource interface {
	// Wait blocks until an interrupt arrives or ctx is done.
	Wait(ctx context.Context) error
	// Unmask re-arms the interrupt after it was handled.
	Unmask() error
}

// HandleInterrupt is the producer. It must be called once per interrupt and
// never concurrently with itself.
// It never blocks and takes no lock: the new position is published with a
// single atomic store and waiters are woken by closing the current wake
// channel.
func (d *Device) HandleInterrupt() IRQResult {
	all := d.regs.Read32(RegVidIntStat)
	stat := all & d.regs.Read32(RegVidIntMsk)
	if stat == 0 {
		d.spurious.Add(1)
		return IRQNone
	}
	d.interrupts.Add(1)

	if stat != IntVBIRISC1 {
		d.anomalies.Add(1)
		d.log.Warn("unexpected interrupt status",
			slog.String("status", fmt.Sprintf("0x%x", all)),
			slog.String("masked", fmt.Sprintf("0x%x", stat)))
	}

	res := IRQAnomaly
	if stat&IntVBIRISC1 != 0 {
		// The counter is only in step with host memory right after the
		// interrupt, round it down to the period to be safe.
		cnt := d.regs.Read32(RegVBIGPCnt)
		cnt &^= d.conf.PeriodPages - 1
		d.publish(cnt % d.geo.NumPages)
		res = IRQHandled
	}

	d.regs.Write32(RegVidIntStat, stat)
	return res
}

func (d *Device) publish(page uint32) {
	seq := uint32(d.state.Load()>>32) + 1 // Wraps, only needs to differ.
	d.state.Store(uint64(seq)<<32 | uint64(page))
	d.publishes.Add(1)
	close(d.wake.Swap(newSignal()).c)
}

// waitChange blocks until the packed producer state differs from ref.
func (d *Device) waitChange(
	ctx context.Context, ref uint64, stop <-chan struct{},
) (uint64, error) {
	for {
		// Load the wake channel before the state: a publish in between
		// closes the channel we hold.
		w := d.wake.Load()
		if s := d.state.Load(); s != ref {
			return s, nil
		}
		select {
		case <-w.c:
		case <-ctx.Done():
			return ref, ctx.Err()
		case <-stop:
			return ref, ErrSessionClosed
		case <-d.done:
			return ref, ErrDeviceClosed
		}
	}
}

// Serve delivers interrupts from src to HandleInterrupt until ctx is done
// or the device is closed.
func (d *Device) Serve(ctx context.Context, src IRQSource) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-d.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		if err := src.Wait(ctx); err != nil {
			if d.closed() {
				return ErrDeviceClosed
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("waiting for interrupt: %w", err)
		}
		d.HandleInterrupt()
		if err := src.Unmask(); err != nil {
			return fmt.Errorf("unmasking interrupt: %w", err)
		}
	}
}
