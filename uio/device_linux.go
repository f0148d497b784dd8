//go:build linux

package uio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	pciCommand          = 0x04
	pciCommandMemory    = 1 << 1
	pciCommandMaster    = 1 << 2
	pollTimeoutMS       = 100
	minBAR0Size         = 0x400000
	defaultDevDirectory = "/dev"
)

// Device is an open card. It implements cxadc.Registers and
// cxadc.IRQSource.
type Device struct {
	card  Card
	bar   []byte
	barFd int
	cfgFd int
	uioFd int
	irqs  atomic.Uint32
}

// Open maps BAR0 of c, enables bus mastering and opens its uio device.
func Open(sysfs string, c Card) (*Device, error) {
	if c.UIO == "" {
		return nil, fmt.Errorf("%w: %s", ErrNotBound, c.Addr)
	}
	dir := filepath.Join(sysfs, c.Addr)
	d := &Device{card: c, barFd: -1, cfgFd: -1, uioFd: -1}

	var err error
	if d.barFd, err = unix.Open(filepath.Join(dir, "resource0"), unix.O_RDWR|unix.O_SYNC|unix.O_CLOEXEC, 0); err != nil {
		return nil, errors.Join(fmt.Errorf("opening BAR0 of %s: %w", c.Addr, err), d.Close())
	}
	var st unix.Stat_t
	if err = unix.Fstat(d.barFd, &st); err != nil {
		return nil, errors.Join(fmt.Errorf("stat BAR0: %w", err), d.Close())
	}
	if st.Size < minBAR0Size {
		return nil, errors.Join(fmt.Errorf("BAR0 of %s too small: %d bytes", c.Addr, st.Size), d.Close())
	}
	if d.bar, err = unix.Mmap(d.barFd, 0, int(st.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED); err != nil {
		return nil, errors.Join(fmt.Errorf("mapping BAR0: %w", err), d.Close())
	}

	if d.cfgFd, err = unix.Open(filepath.Join(dir, "config"), unix.O_RDWR|unix.O_CLOEXEC, 0); err != nil {
		return nil, errors.Join(fmt.Errorf("opening config space: %w", err), d.Close())
	}
	if err = d.enableBusMaster(); err != nil {
		return nil, errors.Join(err, d.Close())
	}

	if d.uioFd, err = unix.Open(filepath.Join(defaultDevDirectory, c.UIO), unix.O_RDWR|unix.O_CLOEXEC, 0); err != nil {
		return nil, errors.Join(fmt.Errorf("opening %s: %w", c.UIO, err), d.Close())
	}
	return d, nil
}

func (d *Device) enableBusMaster() error {
	var b [2]byte
	if _, err := unix.Pread(d.cfgFd, b[:], pciCommand); err != nil {
		return fmt.Errorf("reading PCI command: %w", err)
	}
	cmd := binary.LittleEndian.Uint16(b[:])
	if cmd&(pciCommandMemory|pciCommandMaster) == pciCommandMemory|pciCommandMaster {
		return nil
	}
	binary.LittleEndian.PutUint16(b[:], cmd|pciCommandMemory|pciCommandMaster)
	if _, err := unix.Pwrite(d.cfgFd, b[:], pciCommand); err != nil {
		return fmt.Errorf("enabling bus mastering: %w", err)
	}
	return nil
}

// Card returns the PCI function d was opened on.
func (d *Device) Card() Card { return d.card }

// Interrupts returns the kernel's interrupt count as of the last Wait.
func (d *Device) Interrupts() uint32 { return d.irqs.Load() }

func (d *Device) reg(off uint32) *uint32 {
	if int(off)+4 > len(d.bar) || off%4 != 0 {
		panic(fmt.Sprintf("uio: register 0x%x outside BAR0", off))
	}
	return (*uint32)(unsafe.Pointer(&d.bar[off]))
}

func (d *Device) Read32(reg uint32) uint32 { return atomic.LoadUint32(d.reg(reg)) }

func (d *Device) Write32(reg, val uint32) { atomic.StoreUint32(d.reg(reg), val) }

// Wait blocks until the card interrupts or ctx is done.
// EINTR is retried and never surfaced to the caller.
func (d *Device) Wait(ctx context.Context) error {
	var buf [4]byte
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := unix.Poll([]unix.PollFd{{
			Fd:     int32(d.uioFd),
			Events: unix.POLLIN,
		}}, pollTimeoutMS)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("polling %s: %w", d.card.UIO, err)
		}
		if n == 0 {
			continue // Timeout, check ctx.
		}
		if _, err := unix.Read(d.uioFd, buf[:]); err != nil {
			if err == unix.EINTR || err == unix.EAGAIN {
				continue
			}
			return fmt.Errorf("reading %s: %w", d.card.UIO, err)
		}
		d.irqs.Store(binary.LittleEndian.Uint32(buf[:]))
		return nil
	}
}

// Unmask re-enables the INTx line, which uio_pci_generic masks on every
// interrupt.
func (d *Device) Unmask() error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], 1)
	if _, err := unix.Write(d.uioFd, buf[:]); err != nil {
		return fmt.Errorf("unmasking %s: %w", d.card.UIO, err)
	}
	return nil
}

// Close unmaps BAR0 and closes all descriptors.
func (d *Device) Close() error {
	var errs []error
	if d.bar != nil {
		if err := unix.Munmap(d.bar); err != nil {
			errs = append(errs, fmt.Errorf("unmapping BAR0: %w", err))
		}
		d.bar = nil
	}
	for _, fd := range []*int{&d.uioFd, &d.cfgFd, &d.barFd} {
		if *fd < 0 {
			continue
		}
		if err := unix.Close(*fd); err != nil {
			errs = append(errs, fmt.Errorf("closing fd: %w", err))
		}
		*fd = -1
	}
	return errors.Join(errs...)
}
