package producers_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quintet-kernel/quintet/pkg/contracts"
	"github.com/quintet-kernel/quintet/pkg/detector"
	"github.com/quintet-kernel/quintet/pkg/llm"
	"github.com/quintet-kernel/quintet/pkg/llmfabric"
	"github.com/quintet-kernel/quintet/pkg/orchestrator"
	"github.com/quintet-kernel/quintet/pkg/producers"
)

func TestDetector_ClassifiesMathQuery(t *testing.T) {
	d := producers.NewDetector(detector.New())
	intent, err := d.Detect(context.Background(), "solve the quadratic equation x^2 - 4 = 0")
	require.NoError(t, err)
	assert.Equal(t, contracts.IntentCategoryMath, intent.Category)
}

func TestDetector_EmptyQueryIsOutOfScope(t *testing.T) {
	d := producers.NewDetector(detector.New())
	intent, err := d.Detect(context.Background(), "   ")
	require.NoError(t, err)
	assert.Equal(t, contracts.IntentCategoryOutOfScope, intent.Category)
}

func TestParser_RejectsEmptyQuery(t *testing.T) {
	p := producers.NewParser()
	_, _, err := p.Parse(context.Background(), "", contracts.Intent{})
	assert.Error(t, err)
}

func TestPlanner_EmitsSingleSolveSubgoal(t *testing.T) {
	plan, err := producers.NewPlanner().Plan(context.Background(), contracts.Problem{Goal: "2+2"})
	require.NoError(t, err)
	require.Len(t, plan.Subgoals, 1)
	assert.Equal(t, "solve", plan.Subgoals[0].ID)
}

func TestExecutor_CallsSolverSlot(t *testing.T) {
	fabric := llmfabric.New(llmfabric.Config{
		Slots: map[string]llmfabric.SlotConfig{producers.SolverSlot: {Provider: "echo"}},
	}, map[string]llm.Client{"echo": llmfabric.EchoBackend{}}, nil)

	exec := producers.NewExecutor(fabric, "ep-1")
	plan := contracts.Plan{Subgoals: []contracts.Subgoal{{ID: "solve", Description: "2+2"}}}

	outcome, err := exec.Execute(context.Background(), plan, orchestrator.TierLimits{})
	require.NoError(t, err)
	assert.Equal(t, "echo: 2+2", outcome.ConversationText)
}

func TestValidator_StructuralOnlyWithoutFabric(t *testing.T) {
	v := producers.NewValidator(nil, "ep-1")
	result, _, err := v.Validate(context.Background(), contracts.Problem{Goal: "2+2"}, orchestrator.ExecutionOutcome{ConversationText: "4 is the answer"})
	require.NoError(t, err)
	assert.True(t, result.Valid)
}

func TestValidator_FlagsEmptyAnswer(t *testing.T) {
	v := producers.NewValidator(nil, "ep-1")
	result, _, err := v.Validate(context.Background(), contracts.Problem{Goal: "2+2"}, orchestrator.ExecutionOutcome{})
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.True(t, result.SuggestedReview)
}
