package cxadc

import (
	"errors"
	"fmt"
	"log/slog"
)

var ErrUnknownCommand = errors.New("unknown control command")

// Legacy numeric control codes accepted by CommandFromCode.
const (
	CodeSetGain     uint32 = 0x12345670
	CodeWritePLLReg uint32 = 0x12345676
)

// Command is an out-of-band control request. Commands take effect for
// subsequent samples and never disturb the ring buffer.
type Command interface {
	apply(d *Device)
}

// SetGain sets the analog front-end gain. Out of range levels are clamped
// to [0,31].
type SetGain struct{ Level int }

// SetSampleWidth selects 16-bit (Wide) or 8-bit raw samples.
type SetSampleWidth struct{ Wide bool }

// SetClockMode selects the 10fsc (TenFsc) or the 8fsc sampling clock.
type SetClockMode struct{ TenFsc bool }

// SetPLL writes a raw PLL register value and, if SConv is not zero, the
// matching sample rate converter ratio. See package pll. Opening a session
// restores the clock selected by SetClockMode.
type SetPLL struct {
	Value uint32
	SConv uint32
}

func (c SetGain) apply(d *Device) {
	d.level.Store(int32(clampLevel(c.Level)))
	d.applyGain()
}

func (c SetSampleWidth) apply(d *Device) {
	d.tenBit.Store(c.Wide)
	d.applyCaptureWidth()
}

func (c SetClockMode) apply(d *Device) {
	d.tenFsc.Store(c.TenFsc)
	d.applyClock()
}

func (c SetPLL) apply(d *Device) {
	if c.SConv != 0 {
		d.regs.Write32(RegSConv, c.SConv)
	}
	d.regs.Write32(RegPLL, c.Value)
}

// CommandFromCode decodes a legacy numeric control code.
func CommandFromCode(code uint32, arg int64) (Command, error) {
	switch code {
	case CodeSetGain:
		return SetGain{Level: int(min(max(arg, 0), MaxLevel))}, nil
	case CodeWritePLLReg:
		return SetPLL{Value: uint32(arg)}, nil
	}
	return nil, fmt.Errorf("%w: 0x%08x", ErrUnknownCommand, code)
}

// Control applies cmd to the card.
func (d *Device) Control(cmd Command) error {
	if d.closed() {
		return ErrDeviceClosed
	}
	cmd.apply(d)
	d.log.Debug("control", slog.String("command", fmt.Sprintf("%T%+v", cmd, cmd)))
	return nil
}

// Level returns the current gain level.
func (d *Device) Level() int { return int(d.level.Load()) }

// Wide reports whether 16-bit samples are selected.
func (d *Device) Wide() bool { return d.tenBit.Load() }

func (d *Device) applyGain() {
	d.regs.Write32(RegAGCGainAdj4, agcGainAdj4Template|uint32(d.level.Load())<<16)
}

func (d *Device) applyCaptureWidth() {
	v := captureCtrlRaw
	if d.tenBit.Load() {
		v |= captureCtrlWide
	}
	d.regs.Write32(RegCaptureCtrl, v)
}

func (d *Device) applyClock() {
	if d.tenFsc.Load() {
		d.regs.Write32(RegSConv, sconvUnity*4/5)
		d.regs.Write32(RegPLL, pllTenFsc)
		return
	}
	d.regs.Write32(RegSConv, sconvUnity)
	d.regs.Write32(RegPLL, pllUnity)
}
