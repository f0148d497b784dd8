package cxadc

import (
	"log/slog"
)

const (
	DefaultNumPages    = 16384 // 64 MiB ring
	DefaultPageSize    = 4096
	DefaultChunkSize   = 2048
	DefaultPeriodPages = 512
	DefaultLevel       = 16
	DefaultVMux        = 2
	DefaultAudSel      = 2

	MaxLevel = 31
)

// Config controls how a card is brought up.
type Config struct {
	// NumPages is the number of ring pages.
	NumPages uint32
	// PageSize is the size of one ring page in bytes.
	PageSize uint32
	// ChunkSize is the number of bytes transferred per WRITE instruction.
	ChunkSize uint32
	// PeriodPages is the number of pages between two interrupts.
	// Must be a power of two smaller than NumPages. Zero selects
	// DefaultPeriodPages, halved until it fits the ring.
	PeriodPages uint32

	// Level is the initial analog gain in [1,31]; zero selects DefaultLevel.
	// Use SetGain to drop to 0 after bring-up.
	Level int
	// TenBit selects 16-bit raw samples instead of 8-bit.
	TenBit bool
	// TenFsc selects the 1.25x (10fsc) sampling clock.
	TenFsc bool
	// VMux selects the video input multiplexer (0-3).
	VMux uint32
	// AudSel selects the audio output routing (0-3).
	AudSel uint32

	// Logger receives bring-up, anomaly and session logs.
	// Defaults to slog.Default().
	Logger *slog.Logger
}

// ValidateAndSetDefaults fills zero fields with defaults and checks the
// ring geometry.
func (c *Config) ValidateAndSetDefaults() error {
	if c.NumPages == 0 {
		c.NumPages = DefaultNumPages
	}
	if c.PageSize == 0 {
		c.PageSize = DefaultPageSize
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.PeriodPages == 0 {
		c.PeriodPages = DefaultPeriodPages
		for c.PeriodPages >= c.NumPages && c.PeriodPages > 1 {
			c.PeriodPages >>= 1
		}
	}
	if c.Level == 0 {
		c.Level = DefaultLevel
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Level = clampLevel(c.Level)
	c.VMux &= 3
	c.AudSel &= 3

	if c.NumPages < 2 {
		return ErrTooFewPages
	}
	if c.ChunkSize%8 != 0 || c.ChunkSize > riscCount || c.PageSize%c.ChunkSize != 0 {
		return ErrChunkSize
	}
	if p := c.PeriodPages; p&(p-1) != 0 || p >= c.NumPages {
		return ErrPeriodNotPowerOfTwo
	}
	return nil
}

func (c *Config) geometry() Geometry {
	return Geometry{NumPages: c.NumPages, PageSize: c.PageSize}
}

func clampLevel(l int) int { return min(max(l, 0), MaxLevel) }
