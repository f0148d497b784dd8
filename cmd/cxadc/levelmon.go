//go:build linux

package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/romshark/cxadc-go/cxadc"
	"github.com/romshark/cxadc-go/levelstat"
	"github.com/spf13/cobra"
	"github.com/sugawarayuuta/sonnet"
)

var levelmonCmd = &cobra.Command{
	Use:   "levelmon",
	Short: "Continuously monitor input levels",
	Long: `Continuously monitor input levels. Every line summarizes a quarter second
of samples:

  lo |clipped low| [min] (avg below center) center <dc offset> hi (avg above center) [max] |clipped high|

followed by the number of samples and the measured sample rate.`,
	RunE: runLevelmon,
}

var (
	levelmonCount  int
	levelmonPeriod time.Duration
	levelmonJSON   bool
)

func init() {
	f := levelmonCmd.Flags()
	f.IntVar(&levelmonCount, "count", 0, "stop after this many lines (0 for no limit)")
	f.DurationVar(&levelmonPeriod, "period", 250*time.Millisecond, "capture length per line")
	f.BoolVar(&levelmonJSON, "json", false, "print one JSON object per line")
	rootCmd.AddCommand(levelmonCmd)
}

func runLevelmon(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := openBackend(ctx, &conf, logger)
	if err != nil {
		return fmt.Errorf("bringing up card: %w", err)
	}
	defer func() { fatalIf(b.Close(), "closing card") }()

	s, err := b.open(ctx, cxadc.OpenOptions{})
	if err != nil {
		return fmt.Errorf("opening session: %w", err)
	}
	defer s.Close()

	samples := uint64(float64(conf.SampleRate()) * levelmonPeriod.Seconds())
	buf := make([]byte, samples*conf.BytesPerSample())

	for i := 0; levelmonCount == 0 || i < levelmonCount; i++ {
		start := time.Now()
		n, err := readFull(ctx, s, buf)
		if errors.Is(err, cxadc.ErrInterrupted) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading samples: %w", err)
		}

		l := levelstat.Measure(buf[:n], conf.TenBit)
		l.Elapsed = time.Since(start)
		if levelmonJSON {
			b, err := sonnet.Marshal(l.Report())
			if err != nil {
				return fmt.Errorf("encoding JSON: %w", err)
			}
			fmt.Println(string(b))
			continue
		}
		if err := levelstat.Print(os.Stdout, l); err != nil {
			return err
		}
	}
	return nil
}
