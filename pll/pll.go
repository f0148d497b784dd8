// Package pll computes the CX2388x sampling clock registers.
//
// The card derives its sampling clock from the crystal through a fractional
// PLL: MO_PLL_REG holds a 6.20 fixed point multiplier in bits 0-25 and a
// post divider (prescale 2..5) in bits 26-27. The resulting clock is
//
//	f = crystal * multiplier / (8 * prescale)
//
// MO_SCONV_REG holds the sample rate converter ratio in 15.17 fixed point
// (131072 is 1:1).
package pll

import (
	"errors"
	"fmt"
	"math"
)

// Crystal is the 8fsc NTSC crystal most cards carry.
const Crystal = 28_636_363

// SConvUnity is the MO_SCONV_REG value for a 1:1 sample rate converter.
const SConvUnity = 1 << 17

const (
	fracBits    = 20
	fieldMask   = 1<<26 - 1
	prescaleSh  = 26
	minInteger  = 14
	maxInteger  = 63
	minPrescale = 2
	maxPrescale = 5
)

var ErrOutOfRange = errors.New("pll: frequency out of range")

// Register codes per prescale value, indexed by prescale.
var prescaleCode = [...]uint32{0, 0, 0, 3, 2, 1}

// Register returns the MO_PLL_REG value that makes the card sample at
// targetHz with the given crystal. It picks the smallest prescale whose
// multiplier stays within the PLL's lock range.
func Register(crystalHz, targetHz uint64) (uint32, error) {
	if crystalHz == 0 || targetHz == 0 {
		return 0, fmt.Errorf("%w: zero frequency", ErrOutOfRange)
	}
	for prescale := uint64(minPrescale); prescale <= maxPrescale; prescale++ {
		num := targetHz * 8 * prescale << fracBits
		pll := (num + crystalHz/2) / crystalHz
		integer := pll >> fracBits
		if integer < minInteger {
			continue
		}
		if integer > maxInteger {
			break
		}
		return uint32(pll)&fieldMask | prescaleCode[prescale]<<prescaleSh, nil
	}
	return 0, fmt.Errorf("%w: %d Hz from a %d Hz crystal", ErrOutOfRange, targetHz, crystalHz)
}

// Prescale returns the post divider encoded in reg.
func Prescale(reg uint32) int {
	switch reg >> prescaleSh & 3 {
	case 3:
		return 3
	case 2:
		return 4
	case 1:
		return 5
	}
	return 2
}

// Frequency returns the sampling clock in Hz that reg produces.
func Frequency(crystalHz uint64, reg uint32) float64 {
	mult := float64(reg&fieldMask) / (1 << fracBits)
	return float64(crystalHz) * mult / float64(8*Prescale(reg))
}

// SampleRateConverter returns the MO_SCONV_REG value for a PLL running at
// ratio times the crystal frequency.
func SampleRateConverter(ratio float64) (uint32, error) {
	if ratio <= 0 || math.IsNaN(ratio) || math.IsInf(ratio, 0) {
		return 0, fmt.Errorf("%w: ratio %g", ErrOutOfRange, ratio)
	}
	v := math.Round(SConvUnity / ratio)
	if v < 1 || v > math.MaxUint32 {
		return 0, fmt.Errorf("%w: ratio %g", ErrOutOfRange, ratio)
	}
	return uint32(v), nil
}

// Settings is a consistent PLL and sample rate converter pair.
type Settings struct {
	PLL   uint32
	SConv uint32
	// Actual is the sampling clock the registers produce, in Hz.
	Actual float64
}

// For returns the register pair for sampling at targetHz.
func For(crystalHz, targetHz uint64) (Settings, error) {
	reg, err := Register(crystalHz, targetHz)
	if err != nil {
		return Settings{}, err
	}
	actual := Frequency(crystalHz, reg)
	sconv, err := SampleRateConverter(actual / float64(crystalHz))
	if err != nil {
		return Settings{}, err
	}
	return Settings{PLL: reg, SConv: sconv, Actual: actual}, nil
}
