package cxadc

import (
	"errors"
	"fmt"
	"io"
)

var ErrAllocation = errors.New("allocating DMA memory")

// DMAMem is a physically contiguous piece of memory the card can DMA into.
//
// Since this is pinned physical memory it is important to call Close()
// before process exit.
type DMAMem interface {
	io.Closer
	Buf() []byte
	// PhysAddr is the bus address of Buf()[0].
	PhysAddr() uint64
}

// Allocator hands out DMA-able memory.
type Allocator interface {
	// Alloc returns size bytes of zeroed, physically contiguous memory.
	Alloc(size int) (DMAMem, error)
}

// Geometry maps the logical stream onto the physical ring.
type Geometry struct {
	NumPages uint32
	PageSize uint32
}

// Size returns the ring size in bytes.
func (g Geometry) Size() uint64 { return uint64(g.NumPages) * uint64(g.PageSize) }

// PageOf returns the ring page holding stream offset off for a session that
// started at page baseline.
func (g Geometry) PageOf(off uint64, baseline uint32) uint32 {
	return uint32((off/uint64(g.PageSize) + uint64(baseline)) % uint64(g.NumPages))
}

// ByteInPage returns the position of stream offset off within its page.
func (g Geometry) ByteInPage(off uint64) uint32 {
	return uint32(off % uint64(g.PageSize))
}

// Ring is the fixed set of capture pages. It is allocated once and owned
// exclusively by a Device.
type Ring struct {
	geo   Geometry
	pages []DMAMem
}

// allocRing allocates geo.NumPages pages. On failure every page allocated
// so far is released in reverse order.
func allocRing(alloc Allocator, geo Geometry) (*Ring, error) {
	r := &Ring{geo: geo, pages: make([]DMAMem, 0, geo.NumPages)}
	for i := uint32(0); i < geo.NumPages; i++ {
		m, err := alloc.Alloc(int(geo.PageSize))
		if err == nil && len(m.Buf()) < int(geo.PageSize) {
			_ = m.Close()
			err = fmt.Errorf("short buffer of %d bytes", len(m.Buf()))
		}
		if err != nil {
			return nil, errors.Join(
				fmt.Errorf("%w: page %d: %w", ErrAllocation, i, err),
				r.Close(),
			)
		}
		r.pages = append(r.pages, m)
	}
	return r, nil
}

// Geometry returns the ring geometry.
func (r *Ring) Geometry() Geometry { return r.geo }

// Page returns the buffer of page i.
func (r *Ring) Page(i uint32) []byte { return r.pages[i].Buf()[:r.geo.PageSize] }

// PhysAddrs returns the bus address of every page in ring order.
func (r *Ring) PhysAddrs() []uint64 {
	addrs := make([]uint64, len(r.pages))
	for i, p := range r.pages {
		addrs[i] = p.PhysAddr()
	}
	return addrs
}

// Close releases all pages in reverse allocation order.
func (r *Ring) Close() error {
	var errs []error
	for i := len(r.pages) - 1; i >= 0; i-- {
		if err := r.pages[i].Close(); err != nil {
			errs = append(errs, fmt.Errorf("freeing page %d: %w", i, err))
		}
	}
	r.pages = r.pages[:0]
	return errors.Join(errs...)
}
