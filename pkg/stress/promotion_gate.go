package stress

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/quintet-kernel/quintet/pkg/contracts"
	"github.com/quintet-kernel/quintet/pkg/receipts"
)

// PromotionGate wraps PromotionManager with the actual promote/rollback
// actions: a scenario may only be promoted into a kernel version range
// its stress config declares support for, mirroring the
// semver-constraint gating pkg/pack/matrix.go applies to pack/kernel
// compatibility.
type PromotionGate struct {
	manager      *PromotionManager
	kernelVer    *semver.Version
	receiptStore *receipts.Store
	clock        func() time.Time
}

// NewPromotionGate wires a gate to a coverage store and the running
// kernel's semantic version.
func NewPromotionGate(store CoverageStore, kernelVersion string) (*PromotionGate, error) {
	v, err := semver.NewVersion(kernelVersion)
	if err != nil {
		return nil, fmt.Errorf("stress: invalid kernel version %s: %w", kernelVersion, err)
	}
	return &PromotionGate{
		manager:   NewPromotionManager(store),
		kernelVer: v,
		clock:     time.Now,
	}, nil
}

// WithReceiptStore attaches a receipt store; promote/rollback actions
// emit a STRESS_PROMOTION receipt when one is attached.
func (g *PromotionGate) WithReceiptStore(store *receipts.Store) *PromotionGate {
	g.receiptStore = store
	return g
}

// WithClock overrides the gate's time source for deterministic tests.
func (g *PromotionGate) WithClock(clock func() time.Time) *PromotionGate {
	g.clock = clock
	return g
}

// PromotionResult is the outcome of an execute/rollback action.
type PromotionResult struct {
	ScenarioID string
	Action     string // "promoted" | "rolled_back"
	Decision   PromotionDecision
	Reason     string
}

// ExecutePromotion checks eligibility, checks the scenario's kernel
// version constraint (if declared), and — if both pass — records the
// promotion. minKernelVersion is an optional semver constraint (e.g.
// ">= 1.4.0"); pass an empty string to skip the check.
func (g *PromotionGate) ExecutePromotion(ctx context.Context, scenarioID string, minKernelVersion string, criteria PromotionCriteria) (PromotionResult, error) {
	decision, err := g.manager.CheckEligibility(ctx, scenarioID, criteria)
	if err != nil {
		return PromotionResult{}, err
	}
	if !decision.Eligible {
		return PromotionResult{}, fmt.Errorf("stress: scenario %s not eligible for promotion: %s", scenarioID, decision.Reason)
	}

	if minKernelVersion != "" {
		constraint, err := semver.NewConstraint(minKernelVersion)
		if err != nil {
			return PromotionResult{}, fmt.Errorf("stress: invalid kernel constraint %s: %w", minKernelVersion, err)
		}
		if !constraint.Check(g.kernelVer) {
			return PromotionResult{}, fmt.Errorf("stress: scenario %s requires kernel %s, running %s", scenarioID, minKernelVersion, g.kernelVer.String())
		}
	}

	result := PromotionResult{ScenarioID: scenarioID, Action: "promoted", Decision: decision, Reason: decision.Reason}
	g.emitReceipt(ctx, result)
	return result, nil
}

// RollbackPromotion records a rollback of scenarioID: it returns a
// "rolled_back" result and, when a receipt store is attached, appends a
// STRESS_PROMOTION receipt. The gate keeps no promotion state, so no
// policy value is restored and no regression scenario is created. The
// eligibility decision is computed only so its score is recorded; it
// does not gate the rollback, since a rollback is a corrective action
// that may fire precisely because production performance diverged from
// the shadow-mode evidence that justified the original promotion.
func (g *PromotionGate) RollbackPromotion(ctx context.Context, scenarioID, reason string) (PromotionResult, error) {
	decision, err := g.manager.CheckEligibility(ctx, scenarioID, PromotionCriteria{})
	if err != nil {
		return PromotionResult{}, err
	}
	result := PromotionResult{ScenarioID: scenarioID, Action: "rolled_back", Decision: decision, Reason: reason}
	g.emitReceipt(ctx, result)
	return result, nil
}

func (g *PromotionGate) emitReceipt(ctx context.Context, result PromotionResult) {
	if g.receiptStore == nil {
		return
	}
	now := g.clock()
	_, _ = g.receiptStore.Append(ctx, contracts.Receipt{
		ReceiptID: fmt.Sprintf("promotion-%s-%d", result.ScenarioID, now.UnixNano()),
		Timestamp: now,
		Kind:      contracts.ReceiptKindPromotion,
		Payload: map[string]interface{}{
			"scenario_id":      result.ScenarioID,
			"action":           result.Action,
			"reason":           result.Reason,
			"confidence_score": result.Decision.ConfidenceScore,
			"eligible":         result.Decision.Eligible,
		},
	})
}
