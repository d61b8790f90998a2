// Command quintet-validate is the separate validation runner of
// SPEC_FULL.md §6: it takes a fixture path, runs Phase 1's four
// structural/coherence checks against it, and exits 0 if the fixture
// passes, 1 otherwise.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/quintet-kernel/quintet/pkg/config"
	"github.com/quintet-kernel/quintet/pkg/receipts"
	"github.com/quintet-kernel/quintet/pkg/validation"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("quintet-validate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	stressScript := fs.String("stress-script", "scripts/run_stress_gates.sh", "path to the stress-gate CLI script checked for presence")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: quintet-validate [flags] FIXTURE_PATH")
		return 1
	}
	fixturePath := fs.Arg(0)

	fixtureJSON, err := os.ReadFile(fixturePath)
	if err != nil {
		fmt.Fprintf(stderr, "quintet-validate: read fixture: %v\n", err)
		return 1
	}

	cfg := config.Load()
	store, err := receipts.New(cfg.QuintetValidationReceipts)
	if err != nil {
		fmt.Fprintf(stderr, "quintet-validate: open receipt store: %v\n", err)
		return 1
	}

	summary, err := validation.RunPhase1(context.Background(), fixtureJSON, *stressScript, store, time.Now())
	if err != nil {
		fmt.Fprintf(stderr, "quintet-validate: %v\n", err)
		return 1
	}

	for _, check := range summary.Checks {
		status := "PASS"
		if !check.Passed {
			status = "FAIL"
		}
		fmt.Fprintf(stdout, "[%s] %s\n", status, check.Name)
		for _, w := range check.Warnings {
			fmt.Fprintf(stdout, "  warning: %s\n", w)
		}
		for _, e := range check.Errors {
			fmt.Fprintf(stdout, "  error: %s\n", e)
		}
	}

	verdict := validation.SummarizePhase1(summary)
	fmt.Fprintf(stdout, "phase1: %s (%d/%d checks passed)\n", verdict, summary.PassedChecks(), summary.TotalChecks())

	if verdict != "passed" {
		return 1
	}
	return 0
}
