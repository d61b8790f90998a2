package stress

import (
	"context"
	"fmt"
	"log/slog"
)

const (
	defaultMinRuns          = 20
	defaultMaxFailureRate   = 0.15
	defaultMinAvgConfidence = 0.60
	nearEligibleThreshold   = 0.5
)

// PromotionCriteria overrides the defaults check_promotion_eligibility
// falls back to when a field is left at its zero value.
type PromotionCriteria struct {
	MinRuns          int
	MaxFailureRate   float64
	MinAvgConfidence float64
}

func (c PromotionCriteria) withDefaults() PromotionCriteria {
	if c.MinRuns <= 0 {
		c.MinRuns = defaultMinRuns
	}
	if c.MaxFailureRate <= 0 {
		c.MaxFailureRate = defaultMaxFailureRate
	}
	if c.MinAvgConfidence <= 0 {
		c.MinAvgConfidence = defaultMinAvgConfidence
	}
	return c
}

// PromotionDecision is the eligibility verdict for one scenario,
// mirroring the original's PromotionDecision dataclass.
type PromotionDecision struct {
	ScenarioID      string
	Eligible        bool
	Reason          string
	Stats           ScenarioStats
	ConfidenceScore float64
	ChecksPassed    map[string]bool
}

// PromotionManager decides whether a scenario has accumulated enough
// shadow-mode evidence to be promoted to production enforcement, a Go
// port of StressPromotionManager.
type PromotionManager struct {
	store CoverageStore
}

// NewPromotionManager wires a PromotionManager to a coverage store.
func NewPromotionManager(store CoverageStore) *PromotionManager {
	return &PromotionManager{store: store}
}

// CheckEligibility evaluates the three named gates (minimum runs,
// failure rate ceiling, confidence floor) and computes a continuous
// confidence score for how close the scenario is to promotion.
func (p *PromotionManager) CheckEligibility(ctx context.Context, scenarioID string, criteria PromotionCriteria) (PromotionDecision, error) {
	criteria = criteria.withDefaults()

	stats, err := p.store.ScenarioStats(ctx, scenarioID)
	if err != nil {
		return PromotionDecision{}, fmt.Errorf("stress: check eligibility: %w", err)
	}

	checksPassed := map[string]bool{}
	var reasons []string

	check1 := stats.TotalRuns >= criteria.MinRuns
	checksPassed["min_runs"] = check1
	if !check1 {
		reasons = append(reasons, fmt.Sprintf("insufficient runs: %d < %d required", stats.TotalRuns, criteria.MinRuns))
	} else {
		reasons = append(reasons, fmt.Sprintf("runs threshold met: %d >= %d", stats.TotalRuns, criteria.MinRuns))
	}

	check2 := stats.FailureRate <= criteria.MaxFailureRate
	checksPassed["failure_rate"] = check2
	if !check2 {
		reasons = append(reasons, fmt.Sprintf("failure rate too high: %.1f%% > %.1f%%", stats.FailureRate*100, criteria.MaxFailureRate*100))
	} else {
		reasons = append(reasons, fmt.Sprintf("failure rate acceptable: %.1f%% <= %.1f%%", stats.FailureRate*100, criteria.MaxFailureRate*100))
	}

	check3 := stats.AvgConfidence >= criteria.MinAvgConfidence
	checksPassed["avg_confidence"] = check3
	if !check3 {
		reasons = append(reasons, fmt.Sprintf("confidence too low: %.2f < %.2f", stats.AvgConfidence, criteria.MinAvgConfidence))
	} else {
		reasons = append(reasons, fmt.Sprintf("confidence threshold met: %.2f >= %.2f", stats.AvgConfidence, criteria.MinAvgConfidence))
	}

	eligible := check1 && check2 && check3
	score := computeConfidenceScore(stats, criteria)

	decision := PromotionDecision{
		ScenarioID:      scenarioID,
		Eligible:        eligible,
		Reason:          joinReasons(reasons),
		Stats:           stats,
		ConfidenceScore: score,
		ChecksPassed:    checksPassed,
	}

	slog.Info("promotion eligibility check", "scenario_id", scenarioID, "eligible", eligible, "confidence_score", score)

	return decision, nil
}

func joinReasons(reasons []string) string {
	out := ""
	for i, r := range reasons {
		if i > 0 {
			out += "\n"
		}
		out += r
	}
	return out
}

// computeConfidenceScore is the exact weighted-average port of
// _compute_confidence_score: 40% runs-completeness, 30% failure-rate
// margin (capped after a 1.5x scale-up bonus), 30% confidence margin.
func computeConfidenceScore(stats ScenarioStats, criteria PromotionCriteria) float64 {
	runsComplete := minF(float64(stats.TotalRuns)/float64(criteria.MinRuns), 1.0)

	var failureMargin float64
	if stats.FailureRate <= criteria.MaxFailureRate {
		margin := (criteria.MaxFailureRate - stats.FailureRate) / criteria.MaxFailureRate
		failureMargin = minF(margin*1.5, 1.0)
	}

	var confidenceMargin float64
	if stats.AvgConfidence >= criteria.MinAvgConfidence {
		margin := (stats.AvgConfidence - criteria.MinAvgConfidence) / (1.0 - criteria.MinAvgConfidence)
		confidenceMargin = minF(margin, 1.0)
	}

	score := 0.4*runsComplete + 0.3*failureMargin + 0.3*confidenceMargin
	return clamp01(score)
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// PromotionSummaryEntry is one scenario's bucketed promotion status.
type PromotionSummaryEntry struct {
	ScenarioID      string   `json:"scenario_id"`
	Name            string   `json:"name"`
	ConfidenceScore float64  `json:"confidence_score"`
	MissingChecks   []string `json:"missing_checks,omitempty"`
}

// PromotionSummary buckets every tracked scenario into ready,
// near-ready, and not-ready, matching get_promotion_summary.
type PromotionSummary struct {
	ReadyForPromotion  []PromotionSummaryEntry `json:"ready_for_promotion"`
	NearPromotionReady []PromotionSummaryEntry `json:"near_promotion_ready"`
	NotReady           []PromotionSummaryEntry `json:"not_ready"`
	TotalScenarios     int                     `json:"total_scenarios"`
	PromotionReadyPct  float64                 `json:"promotion_ready_pct"`
}

// Summary evaluates every registered scenario against the default
// criteria and buckets the results for an at-a-glance dashboard view.
func (p *PromotionManager) Summary(ctx context.Context) (PromotionSummary, error) {
	report, err := p.store.GenerateCoverageReport(ctx)
	if err != nil {
		return PromotionSummary{}, fmt.Errorf("stress: promotion summary: %w", err)
	}

	summary := PromotionSummary{}
	for _, sc := range report.Scenarios {
		decision, err := p.CheckEligibility(ctx, sc.ScenarioID, PromotionCriteria{})
		if err != nil {
			return PromotionSummary{}, err
		}

		switch {
		case decision.Eligible:
			summary.ReadyForPromotion = append(summary.ReadyForPromotion, PromotionSummaryEntry{
				ScenarioID: sc.ScenarioID, Name: sc.Name, ConfidenceScore: decision.ConfidenceScore,
			})
		case decision.ConfidenceScore >= nearEligibleThreshold:
			var missing []string
			for k, passed := range decision.ChecksPassed {
				if !passed {
					missing = append(missing, k)
				}
			}
			summary.NearPromotionReady = append(summary.NearPromotionReady, PromotionSummaryEntry{
				ScenarioID: sc.ScenarioID, Name: sc.Name, ConfidenceScore: decision.ConfidenceScore, MissingChecks: missing,
			})
		default:
			summary.NotReady = append(summary.NotReady, PromotionSummaryEntry{
				ScenarioID: sc.ScenarioID, Name: sc.Name, ConfidenceScore: decision.ConfidenceScore,
			})
		}
	}

	summary.TotalScenarios = len(report.Scenarios)
	denom := summary.TotalScenarios
	if denom == 0 {
		denom = 1
	}
	summary.PromotionReadyPct = float64(len(summary.ReadyForPromotion)) / float64(denom)
	return summary, nil
}
