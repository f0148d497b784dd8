//go:build linux

package uio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/romshark/cxadc-go/cxadc"
	"golang.org/x/sys/unix"
)

const hugePageSize = 2 << 20

var ErrTooLarge = errors.New("uio: DMA buffer larger than a huge page")

// Allocator hands out pinned, physically contiguous memory. Buffers up to
// one base page come from locked anonymous mappings, larger ones from a
// 2 MiB huge page, which requires reserved huge pages
// (/proc/sys/vm/nr_hugepages). Locked base pages stay put only with
// vm.compact_unevictable_allowed=0.
type Allocator struct {
	mu       sync.Mutex
	pagemap  int
	pageSize int
}

// NewAllocator opens /proc/self/pagemap for address translation.
func NewAllocator() (*Allocator, error) {
	fd, err := unix.Open("/proc/self/pagemap", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening pagemap: %w", err)
	}
	return &Allocator{pagemap: fd, pageSize: unix.Getpagesize()}, nil
}

func (a *Allocator) Alloc(size int) (cxadc.DMAMem, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid size %d", size)
	}
	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS | unix.MAP_POPULATE | unix.MAP_LOCKED
	length := (size + a.pageSize - 1) / a.pageSize * a.pageSize
	if size > a.pageSize {
		if size > hugePageSize {
			return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, size)
		}
		flags |= unix.MAP_HUGETLB
		length = hugePageSize
	}

	mapping, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, flags)
	if err != nil {
		return nil, fmt.Errorf("mapping %d bytes: %w", length, err)
	}
	if err := unix.Mlock(mapping); err != nil {
		return nil, errors.Join(fmt.Errorf("locking %d bytes: %w", length, err), unix.Munmap(mapping))
	}
	phys, err := a.translate(mapping)
	if err != nil {
		return nil, errors.Join(err, unix.Munmap(mapping))
	}
	return &dmaMem{mapping: mapping, size: size, phys: phys}, nil
}

func (a *Allocator) translate(b []byte) (uint64, error) {
	va := uintptr(unsafe.Pointer(&b[0]))
	var e [pagemapEntry]byte

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := unix.Pread(a.pagemap, e[:], pagemapOffset(va, a.pageSize)); err != nil {
		return 0, fmt.Errorf("reading pagemap: %w", err)
	}
	return physAddr(binary.LittleEndian.Uint64(e[:]), va, a.pageSize)
}

// Close closes the pagemap. Memory already handed out stays valid.
func (a *Allocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pagemap < 0 {
		return nil
	}
	err := unix.Close(a.pagemap)
	a.pagemap = -1
	return err
}

type dmaMem struct {
	mapping []byte
	size    int
	phys    uint64
}

func (m *dmaMem) Buf() []byte      { return m.mapping[:m.size] }
func (m *dmaMem) PhysAddr() uint64 { return m.phys }

func (m *dmaMem) Close() error {
	if m.mapping == nil {
		return nil
	}
	err := unix.Munmap(m.mapping)
	m.mapping = nil
	return err
}
