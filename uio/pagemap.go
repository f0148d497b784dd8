package uio

import (
	"errors"
	"fmt"
)

const (
	pagemapPresent uint64 = 1 << 63
	pagemapPFNMask uint64 = 1<<55 - 1
	pagemapEntry          = 8
)

var ErrNoPhysAddr = errors.New("uio: physical address unavailable")

// physAddr decodes the /proc/self/pagemap entry of the page holding va.
func physAddr(entry uint64, va uintptr, pageSize int) (uint64, error) {
	if entry&pagemapPresent == 0 {
		return 0, fmt.Errorf("%w: page at 0x%x not present", ErrNoPhysAddr, va)
	}
	pfn := entry & pagemapPFNMask
	if pfn == 0 {
		// The kernel hides PFNs from processes without CAP_SYS_ADMIN.
		return 0, fmt.Errorf("%w: PFN hidden, CAP_SYS_ADMIN required", ErrNoPhysAddr)
	}
	ps := uint64(pageSize)
	return pfn*ps + uint64(va)%ps, nil
}

// pagemapOffset returns the file offset of the entry for va.
func pagemapOffset(va uintptr, pageSize int) int64 {
	return int64(va/uintptr(pageSize)) * pagemapEntry
}
