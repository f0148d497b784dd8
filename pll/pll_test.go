package pll

import (
	"errors"
	"math"
	"testing"
)

func TestRegister(t *testing.T) {
	for _, tt := range []struct {
		name     string
		target   uint64
		want     uint32
		prescale int
	}{
		{"8fsc", Crystal, 0x01000000, 2},
		{"10fsc", 35_795_454, 0x01400000, 2},
	} {
		t.Run(tt.name, func(t *testing.T) {
			reg, err := Register(Crystal, tt.target)
			if err != nil {
				t.Fatalf("Register: %v", err)
			}
			if reg != tt.want {
				t.Fatalf("got 0x%08x, want 0x%08x", reg, tt.want)
			}
			if p := Prescale(reg); p != tt.prescale {
				t.Fatalf("prescale %d, want %d", p, tt.prescale)
			}
		})
	}
}

func TestRegisterPicksLargerPrescale(t *testing.T) {
	const target = 20_000_000
	reg, err := Register(Crystal, target)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if p := Prescale(reg); p != 3 {
		t.Fatalf("prescale %d, want 3", p)
	}
	if got := Frequency(Crystal, reg); math.Abs(got-target) > 1 {
		t.Fatalf("Frequency: %f", got)
	}
}

func TestRegisterOutOfRange(t *testing.T) {
	for _, target := range []uint64{0, 10_000_000, 200_000_000} {
		if _, err := Register(Crystal, target); !errors.Is(err, ErrOutOfRange) {
			t.Errorf("%d Hz: %v", target, err)
		}
	}
}

func TestFrequencyIgnoresUpperBits(t *testing.T) {
	if got := Frequency(Crystal, 0x11000000); got != Crystal {
		t.Fatalf("got %f", got)
	}
}

func TestFor(t *testing.T) {
	s, err := For(Crystal, 35_795_454)
	if err != nil {
		t.Fatalf("For: %v", err)
	}
	if s.PLL != 0x01400000 || s.SConv != 104858 {
		t.Fatalf("got %+v", s)
	}
	if math.Abs(s.Actual-35_795_453.75) > 1e-3 {
		t.Fatalf("Actual: %f", s.Actual)
	}

	if _, err := SampleRateConverter(0); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("ratio 0: %v", err)
	}
	if v, err := SampleRateConverter(1); err != nil || v != SConvUnity {
		t.Fatalf("ratio 1: %d, %v", v, err)
	}
}
