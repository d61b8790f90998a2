package experiment_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quintet-kernel/quintet/pkg/contracts"
	"github.com/quintet-kernel/quintet/pkg/experiment"
)

func sampleExperiment(id string, kind contracts.ExperimentKind) contracts.PolicyExperiment {
	return contracts.PolicyExperiment{
		ExperimentID: id,
		Name:         "test experiment",
		Kind:         kind,
		Intervention: contracts.PolicyIntervention{
			InterventionID:   "intervention-1",
			ParameterName:    "validation.tolerance.absolute",
			OldValue:         "0.01",
			NewValue:         "0.02",
			InterventionType: contracts.InterventionTypeToleranceChange,
		},
	}
}

func TestRegisterExperiment_PersistsMetadata(t *testing.T) {
	dir := t.TempDir()
	reg := experiment.NewRegistry(dir)

	exp := sampleExperiment("exp-1", contracts.ExperimentKindRandomized)
	require.NoError(t, reg.RegisterExperiment(exp))

	got, ok := reg.GetExperiment("exp-1")
	require.True(t, ok)
	assert.Equal(t, "exp-1", got.ExperimentID)
	assert.FileExists(t, filepath.Join(dir, "exp-1", "metadata.json"))
}

func TestRegisterExperiment_RejectsDuplicate(t *testing.T) {
	reg := experiment.NewRegistry(t.TempDir())
	exp := sampleExperiment("exp-1", contracts.ExperimentKindRandomized)
	require.NoError(t, reg.RegisterExperiment(exp))
	assert.Error(t, reg.RegisterExperiment(exp))
}

func TestFirstActive_DeterministicByRegistrationOrder(t *testing.T) {
	reg := experiment.NewRegistry(t.TempDir())
	require.NoError(t, reg.RegisterExperiment(sampleExperiment("exp-1", contracts.ExperimentKindRandomized)))
	require.NoError(t, reg.RegisterExperiment(sampleExperiment("exp-2", contracts.ExperimentKindRandomized)))
	require.NoError(t, reg.StartExperiment("exp-1"))
	require.NoError(t, reg.StartExperiment("exp-2"))

	first, ok := reg.FirstActive()
	require.True(t, ok)
	assert.Equal(t, "exp-1", first.ExperimentID)
}

func TestFirstActive_NoneWhenNoExperimentStarted(t *testing.T) {
	reg := experiment.NewRegistry(t.TempDir())
	require.NoError(t, reg.RegisterExperiment(sampleExperiment("exp-1", contracts.ExperimentKindRandomized)))
	_, ok := reg.FirstActive()
	assert.False(t, ok)
}

func TestRecordShadowExecution_RejectedAfterEnded(t *testing.T) {
	reg := experiment.NewRegistry(t.TempDir())
	require.NoError(t, reg.RegisterExperiment(sampleExperiment("exp-1", contracts.ExperimentKindRandomized)))
	require.NoError(t, reg.StartExperiment("exp-1"))
	require.NoError(t, reg.EndExperiment("exp-1", &contracts.CausalSummary{}))

	err := reg.RecordShadowExecution(contracts.ShadowExecution{ExperimentID: "exp-1", ShadowID: "s-1"})
	assert.Error(t, err)
}

func TestRecordShadowExecution_AppendsWhileActive(t *testing.T) {
	dir := t.TempDir()
	reg := experiment.NewRegistry(dir)
	require.NoError(t, reg.RegisterExperiment(sampleExperiment("exp-1", contracts.ExperimentKindRandomized)))
	require.NoError(t, reg.StartExperiment("exp-1"))

	require.NoError(t, reg.RecordShadowExecution(contracts.ShadowExecution{ExperimentID: "exp-1", ShadowID: "s-1"}))
	require.NoError(t, reg.RecordShadowExecution(contracts.ShadowExecution{ExperimentID: "exp-1", ShadowID: "s-2"}))

	shadows := reg.Shadows("exp-1")
	assert.Len(t, shadows, 2)
	assert.FileExists(t, filepath.Join(dir, "exp-1", "shadows.jsonl"))

	got, _ := reg.GetExperiment("exp-1")
	assert.Equal(t, 2, got.ShadowExecutionCount)
}

func TestLogisticPropensity_ClippedToBounds(t *testing.T) {
	p := experiment.LogisticPropensity(false, "light", 0.0)
	assert.GreaterOrEqual(t, p, 0.01)
	assert.LessOrEqual(t, p, 0.99)

	pHigh := experiment.LogisticPropensity(true, "deep_search", 1.0)
	assert.Greater(t, pHigh, p, "high-stakes deep-search with strong prior validation should score higher")
}

func TestCheckAndAssign_NoActiveExperimentReturnsNil(t *testing.T) {
	reg := experiment.NewRegistry(t.TempDir())
	hook := experiment.NewHook(reg, 2)

	ctx, err := hook.CheckAndAssign(contracts.Intent{}, contracts.Problem{}, contracts.WorldImpactLow, 0.5)
	require.NoError(t, err)
	assert.Nil(t, ctx)
}

func TestCheckAndAssign_BuildsStratificationKey(t *testing.T) {
	reg := experiment.NewRegistry(t.TempDir())
	require.NoError(t, reg.RegisterExperiment(sampleExperiment("exp-1", contracts.ExperimentKindRandomized)))
	require.NoError(t, reg.StartExperiment("exp-1"))
	hook := experiment.NewHook(reg, 2)

	intent := contracts.Intent{Category: contracts.IntentCategoryMath, Domain: "algebra", ComputeTier: contracts.ComputeTierStandard}
	problem := contracts.Problem{ProblemType: "linear_equation"}

	ec, err := hook.CheckAndAssign(intent, problem, contracts.WorldImpactLow, 0.5)
	require.NoError(t, err)
	require.NotNil(t, ec)
	assert.Equal(t, "math:algebra:linear_equation:standard", ec.StratificationKey)
	assert.Equal(t, "exp-1", ec.ExperimentID)
	assert.NotEmpty(t, ec.CorrelationID)
}

func TestApplyIntervention_PreservesBreadcrumb(t *testing.T) {
	limits := map[string]string{"max_tokens": "4096"}
	intervention := contracts.PolicyIntervention{InterventionID: "iv-1", ParameterName: "max_tokens", NewValue: "8192"}

	modified := experiment.ApplyIntervention(limits, intervention)
	assert.Equal(t, "8192", modified["max_tokens"])
	assert.Equal(t, "iv-1", modified["_intervention_id"])
	assert.Equal(t, "4096", limits["max_tokens"], "original map must not be mutated")
}

func TestCaptureShadowAsync_RecordsThroughRegistry(t *testing.T) {
	reg := experiment.NewRegistry(t.TempDir())
	require.NoError(t, reg.RegisterExperiment(sampleExperiment("exp-1", contracts.ExperimentKindRandomized)))
	require.NoError(t, reg.StartExperiment("exp-1"))
	hook := experiment.NewHook(reg, 2)

	var captured error
	hook.CaptureShadowAsync(context.Background(), func() (contracts.ShadowExecution, error) {
		return contracts.ShadowExecution{ExperimentID: "exp-1", ShadowID: "async-1", RecordedAt: time.Now()}, nil
	}, func(err error) {
		captured = err
	})

	// build and registry write both succeed, so onError never fires;
	// poll for the shadow to land instead of relying on a callback.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			if len(reg.Shadows("exp-1")) == 1 {
				close(done)
				return
			}
			time.Sleep(time.Millisecond)
		}
		close(done)
	}()
	<-done

	assert.Len(t, reg.Shadows("exp-1"), 1)
	assert.NoError(t, captured)
}
