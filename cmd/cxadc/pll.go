//go:build linux

package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/romshark/cxadc-go/pll"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var pllCmd = &cobra.Command{
	Use:   "pll <frequency Hz>",
	Short: "Compute PLL and sample rate converter registers",
	Long: `Compute the MO_PLL_REG and MO_SCONV_REG values for a sampling clock.
Use "capture --pll-hz" to program them.`,
	Args: cobra.ExactArgs(1),
	RunE: runPLL,
}

func init() {
	rootCmd.AddCommand(pllCmd)
}

func runPLL(_ *cobra.Command, args []string) error {
	target, _, err := humanize.ParseSI(args[0])
	if err != nil {
		return fmt.Errorf("parsing frequency: %w", err)
	}
	s, err := pll.For(conf.Crystal, uint64(target))
	if err != nil {
		return err
	}

	p := message.NewPrinter(language.English)
	p.Fprintf(os.Stdout, "crystal:   %d Hz\n", conf.Crystal)
	p.Fprintf(os.Stdout, "target:    %d Hz\n", uint64(target))
	p.Fprintf(os.Stdout, "actual:    %.3f Hz (prescale %d)\n", s.Actual, pll.Prescale(s.PLL))
	fmt.Printf("pll:       0x%08x\n", s.PLL)
	fmt.Printf("sconv:     0x%08x (%d)\n", s.SConv, s.SConv)
	return nil
}
