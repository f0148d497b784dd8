package cxadc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

var (
	ErrInterrupted   = errors.New("interrupted")
	ErrCopyFault     = errors.New("copy fault")
	ErrSessionClosed = errors.New("session closed")
)

// OpenOptions controls a Session.
type OpenOptions struct {
	// NonBlocking makes reads return whatever is available, possibly 0,
	// instead of waiting for the card.
	NonBlocking bool
}

// Session is the single active reader of a Device.
//
// The stream starts at offset 0 on the page the card published first after
// Open and only moves forward. Reads are serialized; Close may be called
// concurrently with a blocked read and interrupts it.
type Session struct {
	dev         *Device
	nonBlocking bool
	baseline    uint32

	mu     sync.Mutex // Serializes reads.
	offset atomic.Uint64

	closeOnce sync.Once
	closeErr  error
	stop      chan struct{}
}

// Open starts a session. It enables interrupt delivery and blocks until the
// first interrupt after enabling establishes the baseline page.
// A second concurrent Open fails with ErrBusy. If ctx is done before the
// baseline is known, Open fails with ErrInterrupted and the device stays
// free.
func (d *Device) Open(ctx context.Context, opts OpenOptions) (*Session, error) {
	d.mu.Lock()
	if d.inUse {
		d.mu.Unlock()
		return nil, ErrBusy
	}
	if d.closed() || !d.acquire() {
		d.mu.Unlock()
		return nil, ErrDeviceClosed
	}
	d.inUse = true
	d.mu.Unlock()

	// Settings may have been changed behind our back while no session was
	// open, re-apply them.
	d.applyGain()
	d.applyClock()
	d.applyCaptureWidth()

	ref := d.state.Load()
	d.regs.Write32(RegPCIIntMsk, 1)

	st, err := d.waitChange(ctx, ref, nil)
	if err != nil {
		return nil, errors.Join(
			fmt.Errorf("%w: waiting for first interrupt: %w", ErrInterrupted, err),
			d.endSession(),
		)
	}

	s := &Session{
		dev:         d,
		nonBlocking: opts.NonBlocking,
		baseline:    uint32(st),
		stop:        make(chan struct{}),
	}
	d.log.Debug("session opened",
		slog.Uint64("baseline", uint64(s.baseline)),
		slog.Bool("non_blocking", s.nonBlocking))
	return s, nil
}

func (d *Device) endSession() error {
	d.regs.Write32(RegPCIIntMsk, 0)
	d.mu.Lock()
	d.inUse = false
	d.mu.Unlock()
	return d.release()
}

// Baseline returns the ring page stream offset 0 maps to.
func (s *Session) Baseline() uint32 { return s.baseline }

// Offset returns the number of bytes consumed so far.
func (s *Session) Offset() uint64 { return s.offset.Load() }

// Buffered returns the number of bytes that can be read without waiting.
func (s *Session) Buffered() int {
	geo := s.dev.geo
	off := s.offset.Load()
	page := geo.PageOf(off, s.baseline)
	fence := uint32(s.dev.state.Load())
	if page == fence {
		return 0
	}
	pages := (fence + geo.NumPages - page) % geo.NumPages
	return int(uint64(pages)*uint64(geo.PageSize) - uint64(geo.ByteInPage(off)))
}

// Read implements io.Reader. A blocking read is interrupted by Close.
// A non-blocking read returns 0, nil when the reader has caught up.
func (s *Session) Read(p []byte) (int, error) {
	return s.ReadContext(context.Background(), p)
}

// ReadContext reads up to len(p) bytes. A blocking read waits for the card
// as often as needed to fill p. If ctx is done or the session is closed while
// waiting, ReadContext returns the bytes read so far, or ErrInterrupted when
// there are none.
func (s *Session) ReadContext(ctx context.Context, p []byte) (int, error) {
	return s.read(ctx, len(p), func(at int, b []byte) error {
		copy(p[at:], b)
		return nil
	})
}

// CopyTo copies the next n bytes of the stream to w without intermediate
// buffering. If w fails, CopyTo returns 0 and an error wrapping ErrCopyFault;
// bytes already written to w during this call are consumed but not
// reported.
func (s *Session) CopyTo(ctx context.Context, w io.Writer, n int) (int, error) {
	return s.read(ctx, n, func(_ int, b []byte) error {
		m, err := w.Write(b)
		if err == nil && m < len(b) {
			err = io.ErrShortWrite
		}
		return err
	})
}

func (s *Session) read(
	ctx context.Context, count int, sink func(at int, b []byte) error,
) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.stop:
		return 0, ErrSessionClosed
	default:
	}

	d := s.dev
	geo := d.geo
	st := d.state.Load()
	off := s.offset.Load()
	n := 0

	for n < count {
		for n < count {
			page := geo.PageOf(off, s.baseline)
			if page == uint32(st) {
				break // Caught up with the card.
			}
			in := geo.ByteInPage(off)
			l := min(int(geo.PageSize-in), count-n)
			src := d.ring.Page(page)[in : int(in)+l]
			if err := sink(n, src); err != nil {
				return 0, fmt.Errorf("%w: %w", ErrCopyFault, err)
			}
			// Zero what we consumed so that data lost to lag shows up as
			// zeros rather than as an old lap.
			clear(src)
			off += uint64(l)
			s.offset.Store(off)
			n += l
		}
		if n == count || s.nonBlocking {
			break
		}

		var err error
		if st, err = d.waitChange(ctx, st, s.stop); err != nil {
			if n > 0 {
				return n, nil
			}
			return 0, fmt.Errorf("%w: %w", ErrInterrupted, err)
		}
	}
	return n, nil
}

// Close ends the session, interrupting a blocked read. The ring and program
// stay in place for the next session.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		// Wait for an in-flight read to leave the ring.
		s.mu.Lock()
		defer s.mu.Unlock()
		s.closeErr = s.dev.endSession()
		s.dev.log.Debug("session closed", slog.Uint64("offset", s.offset.Load()))
	})
	return s.closeErr
}
