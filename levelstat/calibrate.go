package levelstat

import (
	"context"
	"encoding/binary"
	"fmt"
)

const (
	// DefaultProbeLen is the number of bytes captured per probed level.
	DefaultProbeLen = 2048 * 1024
	// DefaultMaxClipped is the clip score at which a level counts as
	// clipping.
	DefaultMaxClipped = 20

	maxLevel = 31
)

// Clip is the clipping score of a probe capture.
type Clip struct {
	// Over counts samples near the rails. Samples stuck at a rail count
	// heavily so that a handful of them fail the probe.
	Over      int
	Low, High uint16
}

// Clipping scores buf. Scanning stops once the score reaches the budget
// for a capture of this size.
func Clipping(buf []byte, wide bool) Clip {
	c := Clip{Low: 0xff}
	penalty := len(buf) / 50000
	if wide {
		c.Low = 0xffff
		budget := len(buf) / 200000
		for i := 0; i+1 < len(buf) && c.Over < budget; i += 2 {
			v := binary.LittleEndian.Uint16(buf[i:])
			c.Low, c.High = min(c.Low, v), max(c.High, v)
			if v < 0x0800 || v > 0xf800 {
				c.Over++
			}
			if v == 0 || v == 0xffff {
				c.Over += penalty
			}
		}
		return c
	}
	budget := len(buf) / 100000
	for i := 0; i < len(buf) && c.Over < budget; i++ {
		v := uint16(buf[i])
		c.Low, c.High = min(c.Low, v), max(c.High, v)
		if v < 0x08 || v > 0xf8 {
			c.Over++
		}
		if v == 0 || v == 0xff {
			c.Over += penalty
		}
	}
	return c
}

// Sampler captures len(buf) fresh bytes with the card's gain set to level.
type Sampler interface {
	Sample(ctx context.Context, level int, buf []byte) error
}

// Probe is the result of one calibration step.
type Probe struct {
	Level int
	Clip  Clip
}

// CalibrateOptions controls Calibrate. Zero values select defaults.
type CalibrateOptions struct {
	Start      int
	Wide       bool
	ProbeLen   int
	MaxClipped int
	// OnProbe is called after every probed level.
	OnProbe func(Probe)
}

// Calibrate finds the highest gain level that does not clip. It steps the
// level up from Start until the input clips and then back down until it no
// longer does. It gives up at either end of [0,31] and returns that end.
func Calibrate(ctx context.Context, s Sampler, opts CalibrateOptions) (int, error) {
	if opts.ProbeLen <= 0 {
		opts.ProbeLen = DefaultProbeLen
	}
	if opts.MaxClipped <= 0 {
		opts.MaxClipped = DefaultMaxClipped
	}
	buf := make([]byte, opts.ProbeLen)

	level := min(max(opts.Start, 0), maxLevel)
	descending := false
	for {
		if err := s.Sample(ctx, level, buf); err != nil {
			return level, fmt.Errorf("probing level %d: %w", level, err)
		}
		c := Clipping(buf, opts.Wide)
		if opts.OnProbe != nil {
			opts.OnProbe(Probe{Level: level, Clip: c})
		}

		clipping := c.Over >= opts.MaxClipped
		switch {
		case clipping:
			descending = true
			level--
		case descending:
			return level, nil
		default:
			level++
		}
		if level < 0 || level > maxLevel {
			return min(max(level, 0), maxLevel), nil
		}
	}
}
