package orchestrator_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quintet-kernel/quintet/pkg/capreg"
	"github.com/quintet-kernel/quintet/pkg/constitutional"
	"github.com/quintet-kernel/quintet/pkg/contracts"
	"github.com/quintet-kernel/quintet/pkg/orchestrator"
)

type fakeDetector struct {
	intent contracts.Intent
	err    error
}

func (f *fakeDetector) Detect(_ context.Context, _ string) (contracts.Intent, error) {
	return f.intent, f.err
}

type fakeParser struct {
	problem contracts.Problem
	conf    contracts.ParseConfidence
	err     error
}

func (f *fakeParser) Parse(_ context.Context, _ string, _ contracts.Intent) (contracts.Problem, contracts.ParseConfidence, error) {
	return f.problem, f.conf, f.err
}

type fakePlanner struct {
	plan contracts.Plan
	err  error
}

func (f *fakePlanner) Plan(_ context.Context, _ contracts.Problem) (contracts.Plan, error) {
	return f.plan, f.err
}

type fakeExecutor struct {
	outcome orchestrator.ExecutionOutcome
	err     error
}

func (f *fakeExecutor) Execute(_ context.Context, _ contracts.Plan, _ orchestrator.TierLimits) (orchestrator.ExecutionOutcome, error) {
	return f.outcome, f.err
}

type fakeValidator struct {
	result contracts.ValidationResult
	conf   contracts.ValidationConfidence
	err    error
}

func (f *fakeValidator) Validate(_ context.Context, _ contracts.Problem, _ orchestrator.ExecutionOutcome) (contracts.ValidationResult, contracts.ValidationConfidence, error) {
	return f.result, f.conf, f.err
}

func newEnforcer(t *testing.T) *constitutional.Enforcer {
	t.Helper()
	e, err := constitutional.New(nil)
	require.NoError(t, err)
	return e
}

func newEpisodeLog(t *testing.T) *orchestrator.EpisodeLog {
	t.Helper()
	log, err := orchestrator.NewEpisodeLog(filepath.Join(t.TempDir(), "episodes.jsonl"))
	require.NoError(t, err)
	return log
}

func TestOrchestrator_OutOfScopeIntentShortCircuits(t *testing.T) {
	o := orchestrator.New(
		&fakeDetector{intent: contracts.Intent{Category: contracts.IntentCategoryOutOfScope}},
		&fakeParser{},
		&fakePlanner{},
		&fakeExecutor{},
		&fakeValidator{},
		capreg.NewRegistry(),
		newEnforcer(t),
		newEpisodeLog(t),
	)

	ep, err := o.Run(context.Background(), "what's the weather", contracts.EpisodeMetadata{})
	require.NoError(t, err)
	assert.True(t, ep.Result.Success)
	assert.Equal(t, "not_applicable", ep.Result.Details["outcome"])
}

func TestOrchestrator_HappyPathProducesValidEpisode(t *testing.T) {
	reg := capreg.NewRegistry()
	reg.Register(capreg.Capability{Backend: "sympy", Name: "solve_equation", Available: true})

	o := orchestrator.New(
		&fakeDetector{intent: contracts.Intent{
			Category: contracts.IntentCategoryMath, Domain: "algebra", Confidence: 0.9,
			ComputeTier: contracts.ComputeTierLight,
		}},
		&fakeParser{
			problem: contracts.Problem{ProblemType: "equation", Goal: "solve for x"},
			conf:    contracts.ParseConfidence{Syntax: 0.9, Semantic: 0.9, Completeness: 0.9},
		},
		&fakePlanner{plan: contracts.Plan{
			Subgoals: []contracts.Subgoal{{ID: "s1", Capability: "solve_equation", Backend: "sympy"}},
		}},
		&fakeExecutor{outcome: orchestrator.ExecutionOutcome{ConversationText: "x = 2"}},
		&fakeValidator{
			result: contracts.ValidationResult{Valid: true, Confidence: 0.9},
			conf:   contracts.ValidationConfidence{Symbolic: 0.9, Numeric: 0.9, Structural: 0.9, Diversity: 0.9},
		},
		reg,
		newEnforcer(t),
		newEpisodeLog(t),
	).WithClock(func() time.Time { return time.Unix(1000, 0) })

	ep, err := o.Run(context.Background(), "solve x+2=4", contracts.EpisodeMetadata{})
	require.NoError(t, err)
	assert.True(t, ep.Result.Success)
	assert.True(t, ep.Validation.Valid)
	assert.Len(t, ep.Result.Tiles, 9)
	assert.NotEmpty(t, ep.Result.ContextFlow)
	assert.Greater(t, ep.TrustScore, 0.5)
}

func TestOrchestrator_MissingCapabilityFailsAtOrient(t *testing.T) {
	o := orchestrator.New(
		&fakeDetector{intent: contracts.Intent{Category: contracts.IntentCategoryMath, ComputeTier: contracts.ComputeTierLight}},
		&fakeParser{problem: contracts.Problem{ProblemType: "equation"}},
		&fakePlanner{plan: contracts.Plan{
			Subgoals: []contracts.Subgoal{{ID: "s1", Capability: "solve_pde"}},
		}},
		&fakeExecutor{},
		&fakeValidator{},
		capreg.NewRegistry(), // empty: nothing registered
		newEnforcer(t),
		newEpisodeLog(t),
	)

	ep, err := o.Run(context.Background(), "solve this pde", contracts.EpisodeMetadata{})
	require.NoError(t, err)
	assert.False(t, ep.Result.Success)
	require.Len(t, ep.Result.Errors, 1)
	assert.Equal(t, "BACKEND_UNAVAILABLE", ep.Result.Errors[0].Code)
}

func TestOrchestrator_ExecutorErrorRetriesThenFails(t *testing.T) {
	reg := capreg.NewRegistry()
	callCount := 0
	o := orchestrator.New(
		&fakeDetector{intent: contracts.Intent{Category: contracts.IntentCategoryBuild, ComputeTier: contracts.ComputeTierLight}},
		&fakeParser{problem: contracts.Problem{ProblemType: "build"}},
		&fakePlanner{plan: contracts.Plan{}},
		&countingExecutor{counter: &callCount},
		&fakeValidator{},
		reg,
		newEnforcer(t),
		newEpisodeLog(t),
	)

	ep, err := o.Run(context.Background(), "build a thing", contracts.EpisodeMetadata{})
	require.NoError(t, err)
	assert.False(t, ep.Result.Success)
	assert.Equal(t, 2, callCount) // light tier: MaxIterations == 2
}

type countingExecutor struct {
	counter *int
}

func (c *countingExecutor) Execute(_ context.Context, _ contracts.Plan, _ orchestrator.TierLimits) (orchestrator.ExecutionOutcome, error) {
	*c.counter++
	return orchestrator.ExecutionOutcome{}, assert.AnError
}

func TestRouteAdvice_DangerZoneEscalates(t *testing.T) {
	rc := contracts.RoutingConfidence{
		Parse:      contracts.ParseConfidence{Syntax: 0.2, Semantic: 0.2, Completeness: 0.2},
		Validation: contracts.ValidationConfidence{Symbolic: 0.9, Numeric: 0.9, Structural: 0.9, Diversity: 0.9},
	}
	assert.Equal(t, orchestrator.RouteEscalate, orchestrator.RouteAdvice(contracts.IntentCategoryMath, rc))
}

func TestRouteAdvice_OutOfScopeRequestsClarification(t *testing.T) {
	rc := contracts.RoutingConfidence{}
	assert.Equal(t, orchestrator.RouteRequestClarification, orchestrator.RouteAdvice(contracts.IntentCategoryOutOfScope, rc))
}

func TestRouteAdvice_HighConfidenceProceeds(t *testing.T) {
	rc := contracts.RoutingConfidence{
		Parse:      contracts.ParseConfidence{Syntax: 0.9, Semantic: 0.9, Completeness: 0.9},
		Validation: contracts.ValidationConfidence{Symbolic: 0.9, Numeric: 0.9, Structural: 0.9, Diversity: 0.9},
	}
	assert.Equal(t, orchestrator.RouteProceed, orchestrator.RouteAdvice(contracts.IntentCategoryMath, rc))
}

func TestEpisodeLog_AppendAndReadAllRoundTrips(t *testing.T) {
	log := newEpisodeLog(t)
	ep := contracts.Episode{EpisodeID: "ep-1", Query: "q", Mode: "math"}
	require.NoError(t, log.Append(ep))

	all, err := log.ReadAll()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "ep-1", all[0].EpisodeID)
}
