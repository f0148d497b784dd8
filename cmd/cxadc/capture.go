//go:build linux

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/romshark/cxadc-go/cxadc"
	"github.com/romshark/cxadc-go/pll"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Stream raw samples to a file or stdout",
	Long: `Stream raw samples to a file or stdout until the requested amount was
captured or the command is interrupted.

Capture never slows the card down. If the output cannot keep up, data is
lost and shows up as zeros or stale samples.`,
	Annotations: map[string]string{"config-dump": "true"},
	RunE:        runCapture,
}

var (
	captureOutput   string
	captureBytes    string
	captureDuration time.Duration
	capturePLLHz    uint64
	captureNonBlock bool
)

func init() {
	f := captureCmd.Flags()
	f.StringVarP(&captureOutput, "output", "o", "-", "output file, - for stdout")
	f.StringVarP(&captureBytes, "bytes", "n", "0", "stop after this many bytes, e.g. 1GiB (0 for no limit)")
	f.DurationVarP(&captureDuration, "duration", "t", 0, "stop after this long (0 for no limit)")
	f.Uint64Var(&capturePLLHz, "pll-hz", 0, "program the PLL for this sampling clock after opening")
	f.BoolVar(&captureNonBlock, "nonblock", false, "poll the ring instead of sleeping on interrupts")
	rootCmd.AddCommand(captureCmd)
}

type captureStats struct {
	Bytes  atomic.Uint64
	Reads  atomic.Uint64
	Empty  atomic.Uint64
	Behind atomic.Int64
}

func runCapture(cmd *cobra.Command, _ []string) error {
	limit, err := humanize.ParseBytes(captureBytes)
	if err != nil {
		return fmt.Errorf("parsing --bytes: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if captureDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, captureDuration)
		defer cancel()
	}

	var out io.Writer = os.Stdout
	if captureOutput != "-" {
		f, err := os.Create(captureOutput)
		if err != nil {
			return fmt.Errorf("creating output: %w", err)
		}
		defer f.Close()
		out = f
	}
	bw := bufio.NewWriterSize(out, 4<<20)

	b, err := openBackend(context.Background(), &conf, logger)
	if err != nil {
		return fmt.Errorf("bringing up card: %w", err)
	}
	defer func() { fatalIf(b.Close(), "closing card") }()

	s, err := b.open(ctx, cxadc.OpenOptions{NonBlocking: captureNonBlock})
	if err != nil {
		return fmt.Errorf("opening session: %w", err)
	}
	defer s.Close()

	if capturePLLHz != 0 {
		st, err := pll.For(conf.Crystal, capturePLLHz)
		if err != nil {
			return err
		}
		if err := b.dev.Control(cxadc.SetPLL{Value: st.PLL, SConv: st.SConv}); err != nil {
			return err
		}
		logger.Info("PLL programmed",
			slog.String("target", humanize.SIWithDigits(float64(capturePLLHz), 3, "Hz")),
			slog.String("actual", humanize.SIWithDigits(st.Actual, 3, "Hz")))
	}

	var stats captureStats
	go printCaptureStats(ctx, b.dev, s, &stats)

	start := time.Now()
	chunk := int(b.dev.Geometry().PageSize) * int(b.dev.PeriodPages())
	for ctx.Err() == nil && (limit == 0 || stats.Bytes.Load() < limit) {
		want := chunk
		if limit != 0 {
			want = int(min(uint64(chunk), limit-stats.Bytes.Load()))
		}
		n, err := s.CopyTo(ctx, bw, want)
		if errors.Is(err, cxadc.ErrInterrupted) {
			break
		}
		if err != nil {
			return fmt.Errorf("capturing: %w", err)
		}
		stats.Reads.Add(1)
		stats.Bytes.Add(uint64(n))
		if n == 0 {
			stats.Empty.Add(1)
			time.Sleep(time.Millisecond)
		}
		stats.Behind.Store(int64(s.Buffered()))
	}
	elapsed := time.Since(start).Seconds()
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flushing output: %w", err)
	}

	total := stats.Bytes.Load()
	ds := b.dev.Stats()
	nominal := float64(conf.SampleRate()*conf.BytesPerSample()) / 1e6

	p := message.NewPrinter(language.English)
	p.Fprint(os.Stderr, "\nFINAL REPORT\n")
	p.Fprintf(os.Stderr, " Elapsed:           %.3f s\n", elapsed)
	p.Fprintf(os.Stderr, " Captured:          %d bytes (%s)\n", total, humanize.IBytes(total))
	p.Fprintf(os.Stderr, " Avg rate:          %.2f MB/s\n", float64(total)/1e6/elapsed)
	p.Fprintf(os.Stderr, " Nominal:           %.2f MB/s\n", nominal)
	p.Fprintf(os.Stderr, " Reads:             %d (%d empty)\n", stats.Reads.Load(), stats.Empty.Load())
	p.Fprintf(os.Stderr, " Interrupts:        %d (%d spurious, %d anomalies)\n",
		ds.Interrupts, ds.Spurious, ds.Anomalies)
	p.Fprintf(os.Stderr, " Position updates:  %d\n", ds.Publishes)
	return nil
}

func printCaptureStats(ctx context.Context, dev *cxadc.Device, s *cxadc.Session, stats *captureStats) {
	t := time.NewTicker(time.Second)
	defer t.Stop()

	ringSize := dev.Geometry().Size()
	var lastBytes uint64
	lastTime := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			dt := now.Sub(lastTime).Seconds()
			lastTime = now

			total := stats.Bytes.Load()
			rate := float64(total-lastBytes) / dt
			lastBytes = total
			behind := uint64(stats.Behind.Load())

			fmt.Fprintf(os.Stderr,
				"captured=%s rate=%s/s behind=%s (%.1f%% of ring) offset=%d irqs=%d\n",
				humanize.IBytes(total), humanize.IBytes(uint64(rate)),
				humanize.IBytes(behind), float64(behind)/float64(ringSize)*100,
				s.Offset(), dev.Stats().Interrupts,
			)
		}
	}
}
