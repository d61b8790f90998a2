package orchestrator

import "github.com/quintet-kernel/quintet/pkg/contracts"

// RouteAction is the suggested next step a RouteAdvice hands back to
// Orient/Decide. Ported from original_source/quintet/core/router.py's
// decision table — the dispatch logic, not the mode-arbitration prose
// (router.py arbitrates between build/math detectors; this table
// arbitrates on confidence and danger-zone instead, per
// RoutingConfidence).
type RouteAction string

const (
	// RouteProceed means routing confidence clears both thresholds and
	// execution should continue normally.
	RouteProceed RouteAction = "proceed"
	// RouteEscalate means parse/validation confidence has diverged past
	// EscalationGapThreshold, or the result sits in the danger zone —
	// confidently verifying the wrong problem.
	RouteEscalate RouteAction = "escalate"
	// RouteRequestClarification means routed confidence is too low on
	// both axes to proceed or usefully escalate; the best move is to
	// ask the caller to restate the query.
	RouteRequestClarification RouteAction = "request_clarification"
)

// clarificationThreshold is the floor below which low confidence means
// "ask again" rather than "escalate to a human".
const clarificationThreshold = 0.35

// RouteAdvice is the (mode, danger_zone) -> action dispatch table. It
// never blocks on its own; the Constitutional Enforcer remains the
// only component with veto power (spec's Decide phase still invokes
// CheckPreConditions regardless of what RouteAdvice recommends).
func RouteAdvice(category contracts.IntentCategory, rc contracts.RoutingConfidence) RouteAction {
	if category == contracts.IntentCategoryOutOfScope {
		return RouteRequestClarification
	}

	if rc.InDangerZone() {
		return RouteEscalate
	}
	if rc.RequiresEscalation() {
		return RouteEscalate
	}
	if rc.Routed() < clarificationThreshold {
		return RouteRequestClarification
	}
	return RouteProceed
}
