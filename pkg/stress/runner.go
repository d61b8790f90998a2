package stress

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/quintet-kernel/quintet/pkg/contracts"
)

// episodeRunner is the minimum orchestrator surface the stress Runner
// needs — satisfied by *pkg/orchestrator.Orchestrator without this
// package importing it, since pkg/orchestrator already imports
// pkg/contracts and keeping stress independent of orchestrator avoids
// a cycle risk as both packages grow.
type episodeRunner interface {
	Run(ctx context.Context, query string, meta contracts.EpisodeMetadata) (contracts.Episode, error)
}

// Runner drives a StressScenario's edge cases against a live
// orchestrator across every declared budget tier and records each
// attempt into a CoverageStore. It is the Go analog of
// original_source/quintet/stress/pytest_plugin.py's fixture-discovery
// loop, rendered as a standalone driver instead of a pytest fixture
// since this kernel's test tooling is Go's own `testing` package, not
// pytest.
type Runner struct {
	store CoverageStore
	clock func() time.Time
}

// NewRunner wires a Runner against a coverage store.
func NewRunner(store CoverageStore) *Runner {
	return &Runner{store: store, clock: time.Now}
}

// WithClock overrides the time source for deterministic tests.
func (r *Runner) WithClock(clock func() time.Time) *Runner {
	r.clock = clock
	return r
}

// RunScenario executes every (budget tier, edge case) pair in
// scenario against orch, recording one TestRun per pair. The tier
// itself only tags the recorded run — actual compute-tier selection
// remains the orchestrator's injected IntentDetector's responsibility,
// consistent with the orchestrator owning no domain logic of its own;
// this runner cannot force a tier onto a domain-specific detector it
// never sees.
func (r *Runner) RunScenario(ctx context.Context, scenario contracts.StressScenario, orch episodeRunner, meta contracts.EpisodeMetadata) ([]TestRun, error) {
	if err := r.store.RecordScenario(ctx, scenario.ScenarioID, scenario.Name, scenario.Category, scenario.Domain); err != nil {
		return nil, fmt.Errorf("stress: record scenario %s: %w", scenario.ScenarioID, err)
	}

	var runs []TestRun
	tiers := scenario.StressConfig.BudgetTiers
	if len(tiers) == 0 {
		tiers = []contracts.BudgetTier{{}}
	}

	for _, tier := range tiers {
		for _, ec := range scenario.EdgeCases {
			run := r.runOne(ctx, scenario.ScenarioID, tier, scenario.StressConfig.ToleranceSweep, ec, orch, meta)
			if err := r.store.RecordRun(ctx, run); err != nil {
				return runs, fmt.Errorf("stress: record run %s/%s: %w", scenario.ScenarioID, ec.CaseID, err)
			}
			runs = append(runs, run)
		}
	}
	return runs, nil
}

func (r *Runner) runOne(ctx context.Context, scenarioID string, tier contracts.BudgetTier, sweep contracts.ToleranceSweep, ec contracts.EdgeCase, orch episodeRunner, meta contracts.EpisodeMetadata) TestRun {
	run := TestRun{
		RunID:      uuid.NewString(),
		ScenarioID: scenarioID,
		CaseID:     ec.CaseID,
		BudgetTier: string(tier.Tier),
		ToleranceConfig: map[string]string{
			"absolute": strconv.FormatFloat(sweep.Absolute, 'f', -1, 64),
			"relative": strconv.FormatFloat(sweep.Relative, 'f', -1, 64),
		},
		Timestamp: r.clock(),
	}

	start := r.clock()
	ep, err := orch.Run(ctx, ec.Problem, meta)
	run.DurationMs = float64(r.clock().Sub(start).Milliseconds())

	if err != nil {
		run.Passed = false
		run.Outcome = "error"
		run.FailureReason = err.Error()
		return run
	}

	run.Confidence = ep.TrustScore
	run.Outcome = outcomeOf(ep)
	run.Passed = meetsExpectation(ep, ec.ExpectedResult)
	if !run.Passed {
		run.FailureReason = fmt.Sprintf("expected outcome=%q confidence_min=%.2f, got outcome=%q confidence=%.2f",
			ec.ExpectedResult.Outcome, ec.ExpectedResult.ConfidenceMin, run.Outcome, run.Confidence)
	}
	return run
}

func outcomeOf(ep contracts.Episode) string {
	if ep.Result.Success {
		return "success"
	}
	return "failure"
}

func meetsExpectation(ep contracts.Episode, expected contracts.ExpectedResult) bool {
	if outcomeOf(ep) != expected.Outcome {
		return false
	}
	return ep.TrustScore >= expected.ConfidenceMin
}
