package main

// ============================================================================
// Falcon-Sched entry point. All logic lives in internal/cli; main only
// wires the command tree and reports top-level failures.
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/falcon-sched/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	rootCmd := cli.BuildCLI()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
