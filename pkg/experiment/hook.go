package experiment

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/quintet-kernel/quintet/pkg/contracts"
)

// ExperimentContext is what check_and_assign hands back to the
// orchestrator: the episode's participation breadcrumb plus the
// concrete intervention to apply this run.
type ExperimentContext struct {
	ExperimentID      string
	StratificationKey string
	CorrelationID     string
	IsTreatment       bool
	PropensityScore   float64
	Intervention      contracts.PolicyIntervention
}

// ToEpisodeMetadata converts the context into the breadcrumb shape
// carried on the episode record.
func (c ExperimentContext) ToEpisodeMetadata() contracts.EpisodeMetadata {
	treatment := c.IsTreatment
	propensity := c.PropensityScore
	return contracts.EpisodeMetadata{
		ExperimentID:      c.ExperimentID,
		IsTreatment:       &treatment,
		PropensityScore:   &propensity,
		StratificationKey: c.StratificationKey,
		CorrelationID:     c.CorrelationID,
	}
}

// Hook connects an in-flight episode to at most one active experiment
// and asynchronously materializes shadow executions through a bounded
// worker pool, grounded on the teacher's semaphore-channel
// concurrency pattern (pkg/compliance/regwatch/swarm.go's pollAll).
type Hook struct {
	registry   *Registry
	maxWorkers int
	sem        chan struct{}
	clock      func() time.Time
}

// NewHook builds a Hook backed by registry, capping concurrent shadow
// construction at maxWorkers.
func NewHook(registry *Registry, maxWorkers int) *Hook {
	if maxWorkers <= 0 {
		maxWorkers = 4
	}
	return &Hook{
		registry:   registry,
		maxWorkers: maxWorkers,
		sem:        make(chan struct{}, maxWorkers),
		clock:      time.Now,
	}
}

// WithClock overrides the hook's time source for deterministic
// testing.
func (h *Hook) WithClock(clock func() time.Time) *Hook {
	h.clock = clock
	return h
}

// CheckAndAssign picks the first active experiment (if any), extracts
// stratification covariates, assigns treatment, and returns a fresh
// ExperimentContext. Returns (nil, nil) when no experiment is active.
func (h *Hook) CheckAndAssign(
	intent contracts.IntentLike,
	problem contracts.ProblemLike,
	worldImpactCategory contracts.WorldImpactCategory,
	priorValidationConfidence float64,
) (*ExperimentContext, error) {
	exp, ok := h.registry.FirstActive()
	if !ok {
		return nil, nil
	}

	domain := "unknown"
	if intent != nil {
		if d := intent.GetDomain(); d != "" {
			domain = d
		}
	}
	problemType := "unknown"
	if problem != nil {
		if pt := problem.GetProblemType(); pt != "" {
			problemType = pt
		}
	}
	computeTier := "unknown"
	mode := "unknown"
	if intent != nil {
		if intent.GetComputeTier() != "" {
			computeTier = string(intent.GetComputeTier())
		}
		if intent.GetCategory() != "" {
			mode = string(intent.GetCategory())
		}
	}

	stratificationKey := fmt.Sprintf("%s:%s:%s:%s", mode, domain, problemType, computeTier)

	isTreatment, propensity := h.assign(exp, worldImpactCategory, computeTier, priorValidationConfidence)

	return &ExperimentContext{
		ExperimentID:      exp.ExperimentID,
		StratificationKey: stratificationKey,
		CorrelationID:     uuid.New().String(),
		IsTreatment:       isTreatment,
		PropensityScore:   propensity,
		Intervention:      exp.Intervention,
	}, nil
}

// assign implements spec's two designs: randomized experiments flip an
// unbiased coin at propensity 0.5; observational experiments draw
// against a covariate-derived propensity.
func (h *Hook) assign(exp contracts.PolicyExperiment, worldImpact contracts.WorldImpactCategory, computeTier string, priorValidationConfidence float64) (bool, float64) {
	if exp.Kind == contracts.ExperimentKindRandomized {
		return rand.Float64() < 0.5, 0.5
	}

	propensity := LogisticPropensity(worldImpact == contracts.WorldImpactHighStakes, computeTier, priorValidationConfidence)
	return rand.Float64() < propensity, propensity
}

// ApplyIntervention writes the intervention into the limits envelope
// so the executor can honor it, preserving a breadcrumb of what was
// changed and why.
func ApplyIntervention(limits map[string]string, intervention contracts.PolicyIntervention) map[string]string {
	modified := make(map[string]string, len(limits)+2)
	for k, v := range limits {
		modified[k] = v
	}
	modified[intervention.ParameterName] = intervention.NewValue
	modified["_intervention_id"] = intervention.InterventionID
	return modified
}

// CaptureShadowAsync submits shadow construction to the bounded worker
// pool; build is expected to produce the ShadowExecution (constructing
// it may itself be work, e.g. re-running validation under the
// candidate policy). Errors from build or from the registry write are
// delivered to onError, which may be nil.
func (h *Hook) CaptureShadowAsync(ctx context.Context, build func() (contracts.ShadowExecution, error), onError func(error)) {
	go func() {
		h.sem <- struct{}{}
		defer func() { <-h.sem }()

		select {
		case <-ctx.Done():
			if onError != nil {
				onError(ctx.Err())
			}
			return
		default:
		}

		shadow, err := build()
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("experiment: build shadow: %w", err))
			}
			return
		}
		if err := h.registry.RecordShadowExecution(shadow); err != nil {
			if onError != nil {
				onError(err)
			}
		}
	}()
}
