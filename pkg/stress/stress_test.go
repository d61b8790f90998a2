package stress_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

	"github.com/quintet-kernel/quintet/pkg/contracts"
	"github.com/quintet-kernel/quintet/pkg/receipts"
	"github.com/quintet-kernel/quintet/pkg/stress"
)

func newSQLiteStore(t *testing.T) *stress.SQLiteCoverageStore {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "coverage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store, err := stress.NewSQLiteCoverageStore(db)
	require.NoError(t, err)
	return store
}

func seedRuns(t *testing.T, store stress.CoverageStore, scenarioID string, passed, failed int, confidence float64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.RecordScenario(ctx, scenarioID, "scenario "+scenarioID, "category", "domain"))
	for i := 0; i < passed; i++ {
		require.NoError(t, store.RecordRun(ctx, stress.TestRun{
			RunID: scenarioID + "-pass-" + time.Now().Add(time.Duration(i)*time.Millisecond).String(),
			ScenarioID: scenarioID, CaseID: "case", Passed: true, Confidence: confidence,
			Timestamp: time.Now(),
		}))
	}
	for i := 0; i < failed; i++ {
		require.NoError(t, store.RecordRun(ctx, stress.TestRun{
			RunID: scenarioID + "-fail-" + time.Now().Add(time.Duration(i)*time.Millisecond).String(),
			ScenarioID: scenarioID, CaseID: "case", Passed: false, Confidence: confidence,
			Timestamp: time.Now(),
		}))
	}
}

func TestSQLiteCoverageStore_RecordRunUpdatesScenarioStats(t *testing.T) {
	store := newSQLiteStore(t)
	seedRuns(t, store, "scn-1", 18, 2, 0.7)

	stats, err := store.ScenarioStats(context.Background(), "scn-1")
	require.NoError(t, err)
	assert.Equal(t, 20, stats.TotalRuns)
	assert.Equal(t, 18, stats.PassedRuns)
	assert.InDelta(t, 0.1, stats.FailureRate, 1e-9)
	assert.InDelta(t, 0.7, stats.AvgConfidence, 1e-9)
}

func TestSQLiteCoverageStore_UnknownScenarioReturnsFullFailureRate(t *testing.T) {
	store := newSQLiteStore(t)
	stats, err := store.ScenarioStats(context.Background(), "missing")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalRuns)
	assert.Equal(t, 1.0, stats.FailureRate)
}

func TestSQLiteCoverageStore_CoverageGapsFilterAndOrder(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, store.RecordScenario(ctx, "scn-1", "scenario", "cat", "dom"))

	require.NoError(t, store.RecordGap(ctx, stress.CoverageGap{
		GapID: "gap-low", ScenarioID: "scn-1", GapType: "low_confidence",
		Description: "low confidence", Priority: 2, DiscoveredAt: time.Now(),
	}))
	require.NoError(t, store.RecordGap(ctx, stress.CoverageGap{
		GapID: "gap-high", ScenarioID: "scn-1", GapType: "untested",
		Description: "untested case", Priority: 5, DiscoveredAt: time.Now(),
	}))

	gaps, err := store.CoverageGaps(ctx, 1)
	require.NoError(t, err)
	require.Len(t, gaps, 2)
	assert.Equal(t, "gap-high", gaps[0].GapID, "higher priority gap sorts first")

	highOnly, err := store.CoverageGaps(ctx, 4)
	require.NoError(t, err)
	require.Len(t, highOnly, 1)
	assert.Equal(t, "gap-high", highOnly[0].GapID)
}

func TestSQLiteCoverageStore_GenerateCoverageReport(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	seedRuns(t, store, "scn-1", 19, 1, 0.8)

	require.NoError(t, store.RecordGap(ctx, stress.CoverageGap{
		GapID: "gap-1", ScenarioID: "scn-1", GapType: "untested",
		Description: "untested", Priority: 5, DiscoveredAt: time.Now(),
	}))

	report, err := store.GenerateCoverageReport(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.TotalScenarios)
	assert.Equal(t, 20, report.TotalRuns)
	assert.Equal(t, 1, report.GapSummary.TotalGaps)
	assert.Equal(t, 1, report.GapSummary.HighPriorityGaps)
	assert.Equal(t, 1, report.GapSummary.ByType["untested"])
}

func TestPromotionManager_CheckEligibility_AllChecksPass(t *testing.T) {
	store := stress.NewMemoryCoverageStore()
	seedRuns(t, store, "scn-1", 19, 1, 0.8)

	mgr := stress.NewPromotionManager(store)
	decision, err := mgr.CheckEligibility(context.Background(), "scn-1", stress.PromotionCriteria{})
	require.NoError(t, err)
	assert.True(t, decision.Eligible)
	assert.True(t, decision.ChecksPassed["min_runs"])
	assert.True(t, decision.ChecksPassed["failure_rate"])
	assert.True(t, decision.ChecksPassed["avg_confidence"])
	assert.Greater(t, decision.ConfidenceScore, 0.5)
}

func TestPromotionManager_CheckEligibility_InsufficientRuns(t *testing.T) {
	store := stress.NewMemoryCoverageStore()
	seedRuns(t, store, "scn-1", 5, 0, 0.9)

	mgr := stress.NewPromotionManager(store)
	decision, err := mgr.CheckEligibility(context.Background(), "scn-1", stress.PromotionCriteria{})
	require.NoError(t, err)
	assert.False(t, decision.Eligible)
	assert.False(t, decision.ChecksPassed["min_runs"])
}

func TestPromotionManager_CheckEligibility_HighFailureRate(t *testing.T) {
	store := stress.NewMemoryCoverageStore()
	seedRuns(t, store, "scn-1", 15, 10, 0.9)

	mgr := stress.NewPromotionManager(store)
	decision, err := mgr.CheckEligibility(context.Background(), "scn-1", stress.PromotionCriteria{})
	require.NoError(t, err)
	assert.False(t, decision.Eligible)
	assert.False(t, decision.ChecksPassed["failure_rate"])
}

func TestPromotionManager_Summary_BucketsScenarios(t *testing.T) {
	store := stress.NewMemoryCoverageStore()
	seedRuns(t, store, "ready", 19, 1, 0.8)
	seedRuns(t, store, "not-ready", 2, 8, 0.2)

	mgr := stress.NewPromotionManager(store)
	summary, err := mgr.Summary(context.Background())
	require.NoError(t, err)
	assert.Len(t, summary.ReadyForPromotion, 1)
	assert.Equal(t, "ready", summary.ReadyForPromotion[0].ScenarioID)
	assert.Equal(t, 2, summary.TotalScenarios)
}

func TestPromotionGate_ExecutePromotionRejectsIneligible(t *testing.T) {
	store := stress.NewMemoryCoverageStore()
	seedRuns(t, store, "scn-1", 2, 8, 0.3)

	gate, err := stress.NewPromotionGate(store, "1.4.0")
	require.NoError(t, err)

	_, err = gate.ExecutePromotion(context.Background(), "scn-1", "", stress.PromotionCriteria{})
	assert.Error(t, err)
}

func TestPromotionGate_ExecutePromotionEnforcesKernelVersionConstraint(t *testing.T) {
	store := stress.NewMemoryCoverageStore()
	seedRuns(t, store, "scn-1", 19, 1, 0.8)

	gate, err := stress.NewPromotionGate(store, "1.2.0")
	require.NoError(t, err)

	_, err = gate.ExecutePromotion(context.Background(), "scn-1", ">= 1.4.0", stress.PromotionCriteria{})
	assert.Error(t, err)

	result, err := gate.ExecutePromotion(context.Background(), "scn-1", ">= 1.0.0", stress.PromotionCriteria{})
	require.NoError(t, err)
	assert.Equal(t, "promoted", result.Action)
}

func TestPromotionGate_EmitsPromotionReceipt(t *testing.T) {
	store := stress.NewMemoryCoverageStore()
	seedRuns(t, store, "scn-1", 19, 1, 0.8)

	receiptStore, err := receipts.New(filepath.Join(t.TempDir(), "receipts.jsonl"))
	require.NoError(t, err)

	gate, err := stress.NewPromotionGate(store, "1.4.0")
	require.NoError(t, err)
	gate = gate.WithReceiptStore(receiptStore)

	_, err = gate.ExecutePromotion(context.Background(), "scn-1", "", stress.PromotionCriteria{})
	require.NoError(t, err)

	all, err := receiptStore.ReadAll(receipts.DefaultReadOptions())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, contracts.ReceiptKindPromotion, all[0].Receipt.Kind)
}

func TestScenarioLoader_LoadBytesValidatesSchema(t *testing.T) {
	loader, err := stress.NewScenarioLoader()
	require.NoError(t, err)

	valid := []byte(`
scenario_id: edge-timeout
name: Timeout Edge Case
category: latency
domain: inference
stress_config:
  budget_tiers:
    - tier: standard
  tolerance_sweep:
    absolute: 0.01
    relative: 0.05
edge_cases:
  - case_id: case-1
    category: timeout
    problem: slow upstream
    expected_result:
      outcome: degrade_gracefully
      confidence_min: 0.6
`)
	scenario, err := loader.LoadBytes(valid)
	require.NoError(t, err)
	assert.Equal(t, "edge-timeout", scenario.ScenarioID)
	assert.Len(t, scenario.EdgeCases, 1)

	invalid := []byte(`
scenario_id: missing-fields
`)
	_, err = loader.LoadBytes(invalid)
	assert.Error(t, err)
}
