//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/romshark/cxadc-go/cxadc"
	"github.com/romshark/cxadc-go/cxadc/sim"
	"github.com/romshark/cxadc-go/uio"
)

// backend is a brought up card with its interrupt loop running.
type backend struct {
	reg     *cxadc.Registry
	id      int
	dev     *cxadc.Device
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closers []io.Closer
}

// openBackend brings up the configured card, either simulated or through
// uio, and starts serving its interrupts.
func openBackend(ctx context.Context, c *Config, log *slog.Logger) (*backend, error) {
	var (
		regs  cxadc.Registers
		alloc cxadc.Allocator
		irq   cxadc.IRQSource
		card  *sim.Card
		b     = &backend{reg: cxadc.NewRegistry()}
	)

	if c.Backend.Sim {
		card = sim.New(sim.Options{})
		regs, alloc, irq = card, card, card
		log.Info("using simulated card")
	} else {
		cards, err := uio.FindCards(c.Backend.Sysfs)
		if err != nil {
			return nil, err
		}
		sel := cards[0]
		if c.Backend.PCI != "" {
			sel = uio.Card{}
			for _, cd := range cards {
				if cd.Addr == c.Backend.PCI {
					sel = cd
				}
			}
			if sel.Addr == "" {
				return nil, fmt.Errorf("%w: %s", uio.ErrNotFound, c.Backend.PCI)
			}
		}
		d, err := uio.Open(c.Backend.Sysfs, sel)
		if err != nil {
			return nil, err
		}
		a, err := uio.NewAllocator()
		if err != nil {
			return nil, errors.Join(err, d.Close())
		}
		b.closers = append(b.closers, a, d)
		regs, alloc, irq = d, a, d
		if movable, err := uio.LockedPagesMovable(uio.DefaultProcSys); err != nil {
			log.Warn("checking memory compaction", slog.Any("err", err))
		} else if movable {
			log.Warn("memory compaction may move ring pages under DMA, " +
				"run: sysctl vm.compact_unevictable_allowed=0")
		}
		log.Info("using card", slog.String("pci", sel.Addr), slog.String("uio", sel.UIO))
	}

	dev, err := cxadc.New(regs, alloc, c.device(log))
	if err != nil {
		return nil, errors.Join(err, b.closeResources())
	}
	if c.Level == 0 {
		// Config treats 0 as unset.
		_ = dev.Control(cxadc.SetGain{Level: 0})
	}
	b.dev = dev
	b.id = b.reg.Add(dev)

	ctx, b.cancel = context.WithCancel(ctx)
	if card != nil {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			if err := card.Run(ctx, c.Backend.SimRate); err != nil && ctx.Err() == nil {
				log.Error("simulated card stopped", slog.Any("err", err))
			}
		}()
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := dev.Serve(ctx, irq); err != nil && ctx.Err() == nil &&
			!errors.Is(err, cxadc.ErrDeviceClosed) {
			log.Error("interrupt loop stopped", slog.Any("err", err))
		}
	}()
	return b, nil
}

// open starts a capture session on the card.
func (b *backend) open(ctx context.Context, opts cxadc.OpenOptions) (*cxadc.Session, error) {
	return b.reg.Open(ctx, b.id, opts)
}

// Close stops the interrupt loop, releases the card and closes uio
// resources.
func (b *backend) Close() error {
	b.cancel()
	b.wg.Wait()
	return errors.Join(b.reg.Close(), b.closeResources())
}

func (b *backend) closeResources() error {
	var errs []error
	for _, c := range b.closers {
		errs = append(errs, c.Close())
	}
	b.closers = nil
	return errors.Join(errs...)
}
