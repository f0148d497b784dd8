// Package levelstat measures signal levels in raw captures and searches for
// the highest gain that does not clip.
package levelstat

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
)

const (
	fullScale8  = 0x100
	fullScale16 = 0x400 // 16-bit samples carry 10 significant bits.
)

// Levels summarizes one capture. Sample values are 1-based: a value equal
// to 1 is clipped low, one equal to FullScale is clipped high.
type Levels struct {
	Samples   uint64
	FullScale uint16
	Min, Max  uint16
	ClipLow   uint64
	ClipHigh  uint64
	Elapsed   time.Duration

	sum     uint64
	sumLow  uint64
	sumHigh uint64
	nLow    uint64
	nHigh   uint64
}

// Measure computes the levels of buf. With wide set buf holds little-endian
// 16-bit samples whose top 10 bits are significant, otherwise 8-bit samples.
func Measure(buf []byte, wide bool) Levels {
	l := Levels{FullScale: fullScale8}
	n := len(buf)
	if wide {
		l.FullScale = fullScale16
		n /= 2
	}
	l.Min, l.Max = l.FullScale, 1
	center := l.FullScale / 2

	for i := 0; i < n; i++ {
		var v uint16
		if wide {
			v = binary.LittleEndian.Uint16(buf[2*i:]) >> 6
		} else {
			v = uint16(buf[i])
		}
		v++

		l.sum += uint64(v)
		l.Min = min(l.Min, v)
		l.Max = max(l.Max, v)
		if v < center {
			l.sumLow += uint64(v)
			l.nLow++
		} else {
			l.sumHigh += uint64(v)
			l.nHigh++
		}
		switch v {
		case 1:
			l.ClipLow++
		case l.FullScale:
			l.ClipHigh++
		}
	}
	l.Samples = uint64(n)
	return l
}

func (l Levels) pct(v float64) float64 { return v / float64(l.FullScale) * 100 }

// MinPercent returns the lowest sample relative to full scale.
func (l Levels) MinPercent() float64 { return l.pct(float64(l.Min)) }

// MaxPercent returns the highest sample relative to full scale.
func (l Levels) MaxPercent() float64 { return l.pct(float64(l.Max)) }

// AvgLowPercent returns the average of the samples below center.
func (l Levels) AvgLowPercent() float64 {
	if l.nLow == 0 {
		return 0
	}
	return l.pct(float64(l.sumLow) / float64(l.nLow))
}

// AvgHighPercent returns the average of the samples at or above center.
func (l Levels) AvgHighPercent() float64 {
	if l.nHigh == 0 {
		return 0
	}
	return l.pct(float64(l.sumHigh) / float64(l.nHigh))
}

// CenterPercent returns the DC offset from mid scale.
func (l Levels) CenterPercent() float64 {
	if l.Samples == 0 {
		return 0
	}
	return l.pct(float64(l.sum)/float64(l.Samples)) - 50
}

// Rate returns the measured sample rate in samples per second.
func (l Levels) Rate() float64 {
	if l.Elapsed <= 0 {
		return 0
	}
	return float64(l.Samples) / l.Elapsed.Seconds()
}

// Print writes l as a single levelmon line:
//
//	lo |clip| [min%] (avg low%) center offset% hi (avg high%) [max%] |clip|
func Print(w io.Writer, l Levels) error {
	_, err := fmt.Fprintf(w,
		"lo |%d| [%7.3f%%] (%7.3f%%) center %.2f%% hi (%7.3f%%) [%7.3f%%] |%d|\tnsamp %s\trate %s\n",
		l.ClipLow, l.MinPercent(), l.AvgLowPercent(), l.CenterPercent(),
		l.AvgHighPercent(), l.MaxPercent(), l.ClipHigh,
		humanize.Comma(int64(l.Samples)), humanize.SIWithDigits(l.Rate(), 2, "S/s"),
	)
	return err
}

// Report is the machine readable form of Levels.
type Report struct {
	Samples        uint64  `json:"samples"`
	ClipLow        uint64  `json:"clip_low"`
	ClipHigh       uint64  `json:"clip_high"`
	MinPercent     float64 `json:"min_pct"`
	MaxPercent     float64 `json:"max_pct"`
	AvgLowPercent  float64 `json:"avg_low_pct"`
	AvgHighPercent float64 `json:"avg_high_pct"`
	CenterPercent  float64 `json:"center_pct"`
	Rate           float64 `json:"rate"`
}

func (l Levels) Report() Report {
	return Report{
		Samples:        l.Samples,
		ClipLow:        l.ClipLow,
		ClipHigh:       l.ClipHigh,
		MinPercent:     l.MinPercent(),
		MaxPercent:     l.MaxPercent(),
		AvgLowPercent:  l.AvgLowPercent(),
		AvgHighPercent: l.AvgHighPercent(),
		CenterPercent:  l.CenterPercent(),
		Rate:           l.Rate(),
	}
}
