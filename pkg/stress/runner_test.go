package stress_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quintet-kernel/quintet/pkg/contracts"
	"github.com/quintet-kernel/quintet/pkg/stress"
)

type fakeOrchestrator struct {
	byQuery map[string]contracts.Episode
	err     error
}

func (f *fakeOrchestrator) Run(_ context.Context, query string, _ contracts.EpisodeMetadata) (contracts.Episode, error) {
	if f.err != nil {
		return contracts.Episode{}, f.err
	}
	ep, ok := f.byQuery[query]
	if !ok {
		return contracts.Episode{Result: contracts.EpisodeResult{Success: false}, TrustScore: 0}, nil
	}
	return ep, nil
}

func testScenario() contracts.StressScenario {
	return contracts.StressScenario{
		ScenarioID: "sc-1",
		Name:       "divide by zero",
		Category:   "edge_case",
		Domain:     "math",
		StressConfig: contracts.StressConfig{
			BudgetTiers: []contracts.BudgetTier{
				{Tier: contracts.ComputeTier("fast")},
				{Tier: contracts.ComputeTier("deep")},
			},
			ToleranceSweep: contracts.ToleranceSweep{Absolute: 0.01, Relative: 0.05},
		},
		EdgeCases: []contracts.EdgeCase{
			{
				CaseID:         "ec-1",
				Problem:        "1/0",
				ExpectedResult: contracts.ExpectedResult{Outcome: "failure", ConfidenceMin: 0.5},
			},
			{
				CaseID:         "ec-2",
				Problem:        "2+2",
				ExpectedResult: contracts.ExpectedResult{Outcome: "success", ConfidenceMin: 0.9},
			},
		},
	}
}

func TestRunner_RunScenario_RecordsOneRunPerTierPerCase(t *testing.T) {
	orch := &fakeOrchestrator{byQuery: map[string]contracts.Episode{
		"1/0": {Result: contracts.EpisodeResult{Success: false}, TrustScore: 0.8},
		"2+2": {Result: contracts.EpisodeResult{Success: true}, TrustScore: 0.95},
	}}
	store := stress.NewMemoryCoverageStore()
	runner := stress.NewRunner(store).WithClock(func() time.Time { return time.Unix(1700000000, 0) })

	runs, err := runner.RunScenario(context.Background(), testScenario(), orch, contracts.EpisodeMetadata{})
	require.NoError(t, err)
	require.Len(t, runs, 4) // 2 tiers x 2 edge cases

	for _, run := range runs {
		assert.True(t, run.Passed, "run %s/%s should pass: %s", run.ScenarioID, run.CaseID, run.FailureReason)
	}

	stats, err := store.ScenarioStats(context.Background(), "sc-1")
	require.NoError(t, err)
	assert.Equal(t, 4, stats.TotalRuns)
	assert.Equal(t, 4, stats.PassedRuns)
}

func TestRunner_RunScenario_FlagsMismatchedOutcome(t *testing.T) {
	orch := &fakeOrchestrator{byQuery: map[string]contracts.Episode{
		"1/0": {Result: contracts.EpisodeResult{Success: true}, TrustScore: 0.9}, // wrong: expected failure
		"2+2": {Result: contracts.EpisodeResult{Success: true}, TrustScore: 0.95},
	}}
	store := stress.NewMemoryCoverageStore()
	runner := stress.NewRunner(store)

	runs, err := runner.RunScenario(context.Background(), testScenario(), orch, contracts.EpisodeMetadata{})
	require.NoError(t, err)

	var failed int
	for _, run := range runs {
		if run.CaseID == "ec-1" {
			assert.False(t, run.Passed)
			assert.NotEmpty(t, run.FailureReason)
			failed++
		}
	}
	assert.Equal(t, 2, failed) // one per budget tier
}

func TestRunner_RunScenario_OrchestratorErrorFailsRun(t *testing.T) {
	orch := &fakeOrchestrator{err: assert.AnError}
	store := stress.NewMemoryCoverageStore()
	runner := stress.NewRunner(store)

	runs, err := runner.RunScenario(context.Background(), testScenario(), orch, contracts.EpisodeMetadata{})
	require.NoError(t, err)
	for _, run := range runs {
		assert.False(t, run.Passed)
		assert.Equal(t, "error", run.Outcome)
	}
}

func TestRunner_RunScenario_DefaultsToSingleTierWhenNoneDeclared(t *testing.T) {
	orch := &fakeOrchestrator{byQuery: map[string]contracts.Episode{
		"2+2": {Result: contracts.EpisodeResult{Success: true}, TrustScore: 0.95},
	}}
	scenario := testScenario()
	scenario.StressConfig.BudgetTiers = nil
	scenario.EdgeCases = scenario.EdgeCases[1:] // just ec-2

	store := stress.NewMemoryCoverageStore()
	runner := stress.NewRunner(store)

	runs, err := runner.RunScenario(context.Background(), scenario, orch, contracts.EpisodeMetadata{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "", runs[0].BudgetTier)
}
