//go:build linux

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/romshark/cxadc-go/cxadc"
	"github.com/romshark/cxadc-go/levelstat"
	"github.com/spf13/cobra"
)

var leveladjCmd = &cobra.Command{
	Use:   "leveladj [level]",
	Short: "Find the highest gain level that does not clip",
	Long: `Find the highest gain level that does not clip.

Starting at --start the level is raised until the input clips and then
lowered until it no longer does. With a level argument the gain is set
directly instead.

Every cxadc invocation brings the card up with the configured level, so
store the result as "level" in the config file.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runLeveladj,
}

var leveladjStart int

func init() {
	leveladjCmd.Flags().IntVar(&leveladjStart, "start", 20, "first level to probe")
	rootCmd.AddCommand(leveladjCmd)
}

// sessionSampler captures each probe in a fresh session so that no sample
// taken at the previous level leaks into the next probe.
type sessionSampler struct {
	b *backend
}

func (p sessionSampler) Sample(ctx context.Context, level int, buf []byte) error {
	if err := p.b.dev.Control(cxadc.SetGain{Level: level}); err != nil {
		return err
	}
	s, err := p.b.open(ctx, cxadc.OpenOptions{})
	if err != nil {
		return err
	}
	defer s.Close()
	_, err = readFull(ctx, s, buf)
	return err
}

func runLeveladj(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := openBackend(ctx, &conf, logger)
	if err != nil {
		return fmt.Errorf("bringing up card: %w", err)
	}
	defer func() { fatalIf(b.Close(), "closing card") }()

	if len(args) == 1 {
		level, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("parsing level: %w", err)
		}
		if err := b.dev.Control(cxadc.SetGain{Level: level}); err != nil {
			return err
		}
		fmt.Printf("level %d\n", b.dev.Level())
		return nil
	}

	level, err := levelstat.Calibrate(ctx, sessionSampler{b: b}, levelstat.CalibrateOptions{
		Start: leveladjStart,
		Wide:  conf.TenBit,
		OnProbe: func(p levelstat.Probe) {
			fmt.Printf("testing level %d\n", p.Level)
			fmt.Printf("low %d high %d clipped %d nsamp %d\n",
				p.Clip.Low, p.Clip.High, p.Clip.Over, levelstat.DefaultProbeLen)
		},
	})
	if err != nil {
		return err
	}
	if err := b.dev.Control(cxadc.SetGain{Level: level}); err != nil {
		return err
	}
	fmt.Printf("level %d\n", level)
	return nil
}

// readFull reads until buf is full or the read is interrupted.
func readFull(ctx context.Context, s *cxadc.Session, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := s.ReadContext(ctx, buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
