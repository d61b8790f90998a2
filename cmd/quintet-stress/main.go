// Command quintet-stress is the Go analog of the pytest plugin's
// fixture-discovery loop (SPEC_FULL.md §5): it loads a directory of
// StressScenario YAML files and runs them against a live Orchestrator,
// recording every run into the Coverage Tracker.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"

	"github.com/quintet-kernel/quintet/pkg/config"
	"github.com/quintet-kernel/quintet/pkg/contracts"
	"github.com/quintet-kernel/quintet/pkg/kernelwiring"
	"github.com/quintet-kernel/quintet/pkg/stress"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("quintet-stress", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: quintet-stress SCENARIOS_DIR")
		return 1
	}
	scenarioDir := fs.Arg(0)

	loader, err := stress.NewScenarioLoader()
	if err != nil {
		fmt.Fprintf(stderr, "quintet-stress: %v\n", err)
		return 1
	}
	scenarios, err := loader.LoadDir(scenarioDir)
	if err != nil {
		fmt.Fprintf(stderr, "quintet-stress: load scenarios: %v\n", err)
		return 1
	}
	if len(scenarios) == 0 {
		fmt.Fprintf(stderr, "quintet-stress: no scenarios found under %s\n", scenarioDir)
		return 1
	}

	cfg := config.Load()
	coverageStore, err := stress.OpenSQLiteCoverageStore(cfg.CoverageDBPath)
	if err != nil {
		fmt.Fprintf(stderr, "quintet-stress: open coverage store: %v\n", err)
		return 1
	}

	episodeID := uuid.NewString()
	kernel, err := kernelwiring.Build(cfg, episodeID, "", false)
	if err != nil {
		fmt.Fprintf(stderr, "quintet-stress: %v\n", err)
		return 1
	}

	runner := stress.NewRunner(coverageStore)

	ctx := context.Background()
	var totalRuns, totalPassed int
	for _, scenario := range scenarios {
		runs, err := runner.RunScenario(ctx, scenario, kernel.Orchestrator, contracts.EpisodeMetadata{})
		if err != nil {
			fmt.Fprintf(stderr, "quintet-stress: scenario %s: %v\n", scenario.ScenarioID, err)
			continue
		}
		for _, r := range runs {
			totalRuns++
			status := "FAIL"
			if r.Passed {
				status = "PASS"
				totalPassed++
			}
			fmt.Fprintf(stdout, "[%s] %s/%s (tier=%s)\n", status, scenario.ScenarioID, r.CaseID, r.BudgetTier)
			if !r.Passed {
				fmt.Fprintf(stdout, "  %s\n", r.FailureReason)
			}
		}
	}

	report, err := coverageStore.GenerateCoverageReport(ctx)
	if err == nil {
		fmt.Fprintf(stdout, "\ncoverage: %d scenarios tracked, %d gaps identified\n",
			len(report.Scenarios), len(report.Gaps))
	}

	fmt.Fprintf(stdout, "\n%d/%d runs passed\n", totalPassed, totalRuns)
	if totalRuns == 0 || totalPassed < totalRuns {
		return 1
	}
	return 0
}
