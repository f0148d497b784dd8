package uio

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// DefaultProcSys is where kernel tunables show up.
const DefaultProcSys = "/proc/sys"

// LockedPagesMovable reports whether memory compaction may migrate locked
// base pages (vm.compact_unevictable_allowed=1, the kernel default). A
// migrated page no longer sits at the bus address the card was given.
// Huge pages are never compacted. Kernels without compaction report false.
func LockedPagesMovable(procSys string) (bool, error) {
	b, err := os.ReadFile(filepath.Join(procSys, "vm", "compact_unevictable_allowed"))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading compaction setting: %w", err)
	}
	return strings.TrimSpace(string(b)) != "0", nil
}
