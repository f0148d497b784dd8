// Package uio drives a CX2388x card from userspace through the Linux
// uio_pci_generic driver: registers through the sysfs BAR0 mapping,
// interrupts through /dev/uioN and DMA memory from locked anonymous
// mappings translated through /proc/self/pagemap.
//
// The bus addresses handed to the card are physical addresses, so the card
// must not sit behind a translating IOMMU (boot with iommu=pt or off).
// Locked base pages can still be migrated by memory compaction unless
// vm.compact_unevictable_allowed is 0; see LockedPagesMovable.
package uio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	VendorConexant = 0x14f1
	DeviceCX2388x  = 0x8800

	// DefaultSysfs is where PCI functions show up.
	DefaultSysfs = "/sys/bus/pci/devices"
)

var (
	ErrNotFound = errors.New("uio: no CX2388x card found")
	ErrNotBound = errors.New("uio: card not bound to uio_pci_generic")
)

// Card is a CX2388x video function found in sysfs.
type Card struct {
	// Addr is the PCI address, e.g. 0000:03:00.0.
	Addr string
	// UIO is the uio device name (uio0) or empty if the function is not
	// bound to uio_pci_generic.
	UIO string
}

// FindCards lists all CX2388x functions under sysfs in address order.
func FindCards(sysfs string) ([]Card, error) {
	entries, err := os.ReadDir(sysfs)
	if err != nil {
		return nil, fmt.Errorf("listing PCI devices: %w", err)
	}
	var cards []Card
	for _, e := range entries {
		dir := filepath.Join(sysfs, e.Name())
		vendor, err := readHex(filepath.Join(dir, "vendor"))
		if err != nil {
			continue
		}
		device, err := readHex(filepath.Join(dir, "device"))
		if err != nil {
			continue
		}
		if vendor != VendorConexant || device != DeviceCX2388x {
			continue
		}
		cards = append(cards, Card{Addr: e.Name(), UIO: uioName(filepath.Join(dir, "uio"))})
	}
	if len(cards) == 0 {
		return nil, ErrNotFound
	}
	return cards, nil
}

func readHex(path string) (uint64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(b)), 0, 32)
}

func uioName(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "uio") {
			return e.Name()
		}
	}
	return ""
}
