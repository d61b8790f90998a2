package constitutional

import (
	"context"
	"fmt"

	"github.com/quintet-kernel/quintet/pkg/receipts"
)

// Precedence constants for the four standard invariants, chosen so
// receipt/temporal integrity is checked ahead of policy-level
// compliance (spec's Open Question #3 resolution: every invariant
// carries an explicit Precedence, no implicit list-position fallback).
const (
	PrecedenceTriTemporal      = 10
	PrecedenceDignityFloor     = 20
	PrecedenceReceiptContinuity = 30
	PrecedenceTreatyCompliance  = 40
)

// RegisterStandardInvariants adds the four invariants named in spec
// §4.C to the enforcer. store is used by the receipt-continuity
// invariant to resolve referenced receipt IDs.
func RegisterStandardInvariants(e *Enforcer, store *receipts.Store) error {
	invariants := []Invariant{
		{
			ID:         "tri_temporal",
			Phase:      PhaseBoth,
			Severity:   SeverityCritical,
			Precedence: PrecedenceTriTemporal,
			Predicate:  triTemporalPredicate,
		},
		{
			ID:         "dignity_floor",
			Phase:      PhasePost,
			Severity:   SeverityCritical,
			Precedence: PrecedenceDignityFloor,
			Predicate:  dignityFloorPredicate,
		},
		{
			ID:         "receipt_continuity",
			Phase:      PhaseBoth,
			Severity:   SeverityHigh,
			Precedence: PrecedenceReceiptContinuity,
			Predicate:  receiptContinuityPredicate(store),
		},
		{
			ID:         "treaty_compliance",
			Phase:      PhasePre,
			Severity:   SeverityCritical,
			Precedence: PrecedenceTreatyCompliance,
			Predicate:  treatyCompliancePredicate,
		},
	}
	for _, inv := range invariants {
		if err := e.Register(inv); err != nil {
			return fmt.Errorf("constitutional: register standard invariant %s: %w", inv.ID, err)
		}
	}
	return nil
}

// triTemporalPredicate requires every receipt referenced by the result
// to have a timestamp at or before the result's own timestamp, and
// context_flow entries weakly monotonic within a phase.
func triTemporalPredicate(_ context.Context, input map[string]interface{}) (bool, string, error) {
	result, _ := input["result"].(map[string]interface{})
	if result == nil {
		return true, "", nil
	}

	resultTime, _ := asUnixSeconds(result["timestamp"])

	if refs, ok := result["referenced_receipts"].([]interface{}); ok {
		for _, ref := range refs {
			refMap, ok := ref.(map[string]interface{})
			if !ok {
				continue
			}
			refTime, ok := asUnixSeconds(refMap["timestamp"])
			if ok && resultTime > 0 && refTime > resultTime {
				return false, "referenced receipt timestamp is after the result timestamp", nil
			}
		}
	}

	if entries, ok := result["context_flow"].([]interface{}); ok {
		var prevByPhase = map[string]float64{}
		for _, e := range entries {
			entryMap, ok := e.(map[string]interface{})
			if !ok {
				continue
			}
			phase, _ := entryMap["phase"].(string)
			t, ok := asUnixSeconds(entryMap["timestamp"])
			if !ok {
				continue
			}
			if prev, seen := prevByPhase[phase]; seen && t < prev {
				return false, fmt.Sprintf("context_flow entries for phase %s are not weakly monotonic", phase), nil
			}
			prevByPhase[phase] = t
		}
	}

	return true, "", nil
}

// dignityFloorPredicate requires high-stakes world impacts to carry a
// validation confidence >= 0.6, and — when validation flagged
// suggested_review — a result that records the review was actually
// acknowledged rather than silently dropped. "Honored" has no
// enforcement-layer visibility into what the caller did with the
// suggestion, so it is read off result.review_acknowledged, which the
// orchestrator is expected to set once escalation has occurred.
func dignityFloorPredicate(_ context.Context, input map[string]interface{}) (bool, string, error) {
	worldImpact, _ := input["world_impact"].(map[string]interface{})
	if worldImpact == nil || worldImpact["category"] != "high_stakes" {
		return true, "", nil
	}

	validation, _ := input["validation"].(map[string]interface{})
	confidence, _ := asFloat(validation["confidence"])
	if confidence < 0.6 {
		return false, "high-stakes world impact with validation confidence below 0.6 floor", nil
	}

	if suggestedReview, _ := validation["suggested_review"].(bool); suggestedReview {
		result, _ := input["result"].(map[string]interface{})
		if acknowledged, _ := result["review_acknowledged"].(bool); !acknowledged {
			return false, "high-stakes world impact suggested review but it was not acknowledged", nil
		}
	}

	return true, "", nil
}

// receiptContinuityPredicate requires every receipt ID referenced by
// the result to resolve in the store.
func receiptContinuityPredicate(store *receipts.Store) PredicateFunc {
	return func(_ context.Context, input map[string]interface{}) (bool, string, error) {
		result, _ := input["result"].(map[string]interface{})
		if result == nil || store == nil {
			return true, "", nil
		}
		refIDs, ok := result["referenced_receipt_ids"].([]interface{})
		if !ok || len(refIDs) == 0 {
			return true, "", nil
		}

		all, err := store.ReadAll(receipts.DefaultReadOptions())
		if err != nil {
			return false, "", err
		}
		known := make(map[string]struct{}, len(all))
		for _, rwh := range all {
			known[rwh.Receipt.ReceiptID] = struct{}{}
		}
		for _, id := range refIDs {
			idStr, _ := id.(string)
			if _, ok := known[idStr]; !ok {
				return false, fmt.Sprintf("referenced receipt %s does not resolve in the store", idStr), nil
			}
		}
		return true, "", nil
	}
}

// treatyCompliancePredicate requires the intent's action to be a
// member of the synthesis's declared treaty permitted-action set, when
// one is declared. contracts.Intent has no dedicated action field, so
// its domain doubles as the single-element action identifier being
// checked against the treaty's permitted-action set.
func treatyCompliancePredicate(_ context.Context, input map[string]interface{}) (bool, string, error) {
	synthesis, _ := input["synthesis"].(map[string]interface{})
	if synthesis == nil {
		return true, "", nil
	}
	treaty, ok := synthesis["treaty"].(map[string]interface{})
	if !ok {
		return true, "", nil
	}
	permitted, ok := treaty["permitted_actions"].([]interface{})
	if !ok || len(permitted) == 0 {
		return true, "", nil
	}

	intent, _ := input["intent"].(map[string]interface{})
	action, _ := intent["domain"].(string)
	if action == "" {
		return true, "", nil
	}

	for _, p := range permitted {
		if ps, _ := p.(string); ps == action {
			return true, "", nil
		}
	}
	return false, fmt.Sprintf("intent domain/action %q is not in the treaty's permitted-action set", action), nil
}

func asFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}

func asUnixSeconds(v interface{}) (float64, bool) {
	return asFloat(v)
}
