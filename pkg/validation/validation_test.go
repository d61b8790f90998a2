package validation_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quintet-kernel/quintet/pkg/receipts"
	"github.com/quintet-kernel/quintet/pkg/validation"
)

func newStore(t *testing.T) *receipts.Store {
	t.Helper()
	s, err := receipts.New(filepath.Join(t.TempDir(), "receipts.jsonl"))
	require.NoError(t, err)
	return s
}

func TestFixtureLoader_ValidatesAndDecodes(t *testing.T) {
	loader, err := validation.NewFixtureLoader()
	require.NoError(t, err)

	raw := []byte(`[
		{"episode_id": "ep-1", "mode": "math", "outcome": {"success": true}, "validation": {"confidence": 0.9}},
		{"episode_id": "ep-2", "mode": "build", "outcome": {"success": false}, "validation": {"confidence": 0.4}}
	]`)

	episodes, err := loader.LoadBytes(raw)
	require.NoError(t, err)
	require.Len(t, episodes, 2)
	assert.Equal(t, "ep-1", episodes[0].EpisodeID)
}

func TestFixtureLoader_RejectsMissingRequiredFields(t *testing.T) {
	loader, err := validation.NewFixtureLoader()
	require.NoError(t, err)

	_, err = loader.LoadBytes([]byte(`[{"episode_id": "ep-1"}]`))
	assert.Error(t, err)
}

func TestCheckEpisodeQuality_EmptyFails(t *testing.T) {
	res := validation.CheckEpisodeQuality(nil)
	assert.False(t, res.Passed)
	assert.True(t, res.HasFailures())
}

func TestCheckEpisodeQuality_WellFormedPasses(t *testing.T) {
	episodes := []validation.FixtureEpisode{
		{EpisodeID: "ep-1", Mode: "math", Outcome: map[string]interface{}{"success": true}},
	}
	res := validation.CheckEpisodeQuality(episodes)
	assert.True(t, res.Passed)
}

func TestCheckRecommendations_LowConfidenceWarnsNotFails(t *testing.T) {
	episodes := []validation.FixtureEpisode{
		{EpisodeID: "ep-1", Mode: "math", Outcome: map[string]interface{}{"success": true},
			Validation: &validation.FixtureValidation{Confidence: 0.9}},
		{EpisodeID: "ep-2", Mode: "math", Outcome: map[string]interface{}{"success": false},
			Validation: &validation.FixtureValidation{Confidence: 0.1}},
	}
	res := validation.CheckRecommendations(episodes)
	assert.True(t, res.Passed)
	assert.NotEmpty(t, res.Warnings)
}

func TestCheckStressGates_MissingScriptFailsWithDiagnostic(t *testing.T) {
	res := validation.CheckStressGates("/nonexistent/stress.sh")
	assert.False(t, res.Passed)
	assert.NotEmpty(t, res.Errors)
}

func TestCheckStressGates_PresentScriptSoftPassesWithWarning(t *testing.T) {
	dir := t.TempDir()
	scriptPath := filepath.Join(dir, "stress.sh")
	require.NoError(t, os.WriteFile(scriptPath, []byte("#!/bin/sh\n"), 0o755))

	res := validation.CheckStressGates(scriptPath)
	assert.True(t, res.Passed)
	assert.NotEmpty(t, res.Warnings)
}

func TestCheckReceiptChain_RoundTrips(t *testing.T) {
	store := newStore(t)
	res, err := validation.CheckReceiptChain(context.Background(), store, time.Unix(1700000000, 0))
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.Empty(t, res.Errors)
}

func TestRunPhase1_HardFailureFailsDespiteThreeOfFourPassing(t *testing.T) {
	store := newStore(t)
	fixture := []byte(`[
		{"episode_id": "ep-1", "mode": "math", "outcome": {"success": true}, "validation": {"confidence": 0.9}}
	]`)

	summary, err := validation.RunPhase1(context.Background(), fixture, "/nonexistent/stress.sh", store, time.Unix(1700000000, 0))
	require.NoError(t, err)
	assert.Equal(t, "failed", validation.SummarizePhase1(summary)) // stress_gates hard-fails: missing script
}

func TestSummarizePhase1_Passed(t *testing.T) {
	summary := validation.Summary{Checks: []validation.CheckResult{
		{Name: "a", Passed: true},
		{Name: "b", Passed: true},
		{Name: "c", Passed: true},
		{Name: "d", Passed: false, Warnings: []string{"meh"}},
	}}
	assert.Equal(t, "passed", validation.SummarizePhase1(summary))
}
