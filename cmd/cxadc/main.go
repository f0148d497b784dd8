//go:build linux

// Command cxadc captures raw samples from CX2388x cards and helps to set
// them up.
package main

import (
	"fmt"
	"os"
)

func main() {
	fatalIf(rootCmd.Execute(), "cxadc")
}

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}
