package uio

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestPhysAddr(t *testing.T) {
	for _, tt := range []struct {
		name  string
		entry uint64
		va    uintptr
		want  uint64
		err   error
	}{
		{"present", pagemapPresent | 0x1234, 0x7f0000001abc, 0x1234abc, nil},
		{"not present", 0x1234, 0x1000, 0, ErrNoPhysAddr},
		{"pfn hidden", pagemapPresent, 0x1000, 0, ErrNoPhysAddr},
		{"flag bits ignored", pagemapPresent | 1<<62 | 1<<55 | 0x10, 0x2004, 0x10004, nil},
	} {
		t.Run(tt.name, func(t *testing.T) {
			got, err := physAddr(tt.entry, tt.va, 4096)
			if !errors.Is(err, tt.err) {
				t.Fatalf("err %v, want %v", err, tt.err)
			}
			if got != tt.want {
				t.Fatalf("got 0x%x, want 0x%x", got, tt.want)
			}
		})
	}

	if off := pagemapOffset(0x7f0000003000, 4096); off != 0x7f0000003*8 {
		t.Fatalf("pagemapOffset: 0x%x", off)
	}
}

func TestFindCards(t *testing.T) {
	sysfs := t.TempDir()
	mk := func(addr, vendor, device string, uio string) {
		dir := filepath.Join(sysfs, addr)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, "vendor"), []byte(vendor+"\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, "device"), []byte(device+"\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		if uio != "" {
			if err := os.MkdirAll(filepath.Join(dir, "uio", uio), 0o755); err != nil {
				t.Fatal(err)
			}
		}
	}
	mk("0000:05:00.0", "0x14f1", "0x8800", "uio1")
	mk("0000:03:00.0", "0x14f1", "0x8800", "")
	mk("0000:03:00.1", "0x14f1", "0x8811", "")
	mk("0000:00:02.0", "0x8086", "0x3e92", "")

	cards, err := FindCards(sysfs)
	if err != nil {
		t.Fatalf("FindCards: %v", err)
	}
	want := []Card{{Addr: "0000:03:00.0"}, {Addr: "0000:05:00.0", UIO: "uio1"}}
	if len(cards) != len(want) {
		t.Fatalf("got %+v", cards)
	}
	for i := range want {
		if cards[i] != want[i] {
			t.Fatalf("card %d: got %+v, want %+v", i, cards[i], want[i])
		}
	}

	if _, err := FindCards(t.TempDir()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty sysfs: %v", err)
	}
}

func TestLockedPagesMovable(t *testing.T) {
	for _, tt := range []struct {
		name    string
		content string // Empty leaves the file out.
		want    bool
	}{
		{"kernel default", "1\n", true},
		{"disabled", "0\n", false},
		{"no compaction", "", false},
	} {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			if tt.content != "" {
				dir := filepath.Join(root, "vm")
				if err := os.MkdirAll(dir, 0o755); err != nil {
					t.Fatal(err)
				}
				f := filepath.Join(dir, "compact_unevictable_allowed")
				if err := os.WriteFile(f, []byte(tt.content), 0o644); err != nil {
					t.Fatal(err)
				}
			}
			got, err := LockedPagesMovable(root)
			if err != nil {
				t.Fatalf("LockedPagesMovable: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}
