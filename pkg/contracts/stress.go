package contracts

import "time"

// BudgetTier is one entry of a StressScenario's budget-tier sweep.
type BudgetTier struct {
	Tier ComputeTier `yaml:"tier" json:"tier"`
}

// ToleranceSweep is the absolute/relative tolerance range a scenario
// exercises.
type ToleranceSweep struct {
	Absolute float64 `yaml:"absolute" json:"absolute"`
	Relative float64 `yaml:"relative" json:"relative"`
}

// StressConfig bundles the budget and tolerance sweep for a scenario.
type StressConfig struct {
	BudgetTiers      []BudgetTier   `yaml:"budget_tiers" json:"budget_tiers"`
	ToleranceSweep   ToleranceSweep `yaml:"tolerance_sweep" json:"tolerance_sweep"`
	ExpectedBehavior string         `yaml:"expected_behavior" json:"expected_behavior"`
}

// ExpectedResult is an edge case's expected outcome and confidence
// floor.
type ExpectedResult struct {
	Outcome      string  `yaml:"outcome" json:"outcome"`
	ConfidenceMin float64 `yaml:"confidence_min" json:"confidence_min"`
}

// EdgeCase is one concrete case a StressScenario exercises.
type EdgeCase struct {
	CaseID         string         `yaml:"case_id" json:"case_id"`
	Category       string         `yaml:"category" json:"category"`
	Problem        string         `yaml:"problem" json:"problem"`
	ExpectedResult ExpectedResult `yaml:"expected_result" json:"expected_result"`
}

// PromotionCriteria is the threshold set a scenario must clear.
type PromotionCriteria struct {
	MinRuns           int     `yaml:"min_runs" json:"min_runs"`
	MaxFailureRate     float64 `yaml:"max_failure_rate" json:"max_failure_rate"`
	MinAvgConfidence   float64 `yaml:"min_avg_confidence" json:"min_avg_confidence"`
}

// PromotionConfig is a scenario's optional promotion gate.
type PromotionConfig struct {
	ShadowMode        bool              `yaml:"shadow_mode" json:"shadow_mode"`
	PromotionCriteria PromotionCriteria `yaml:"promotion_criteria" json:"promotion_criteria"`
}

// StressScenario is the YAML-backed description of one stress scenario.
type StressScenario struct {
	ScenarioID      string           `yaml:"scenario_id" json:"scenario_id"`
	Name            string           `yaml:"name" json:"name"`
	Description     string           `yaml:"description" json:"description"`
	Category        string           `yaml:"category" json:"category"`
	Domain          string           `yaml:"domain" json:"domain"`
	Tags            []string         `yaml:"tags" json:"tags"`
	StressConfig    StressConfig     `yaml:"stress_config" json:"stress_config"`
	EdgeCases       []EdgeCase       `yaml:"edge_cases" json:"edge_cases"`
	PromotionConfig *PromotionConfig `yaml:"promotion_config,omitempty" json:"promotion_config,omitempty"`
}

// HealthState is the self-healing controller's FSM state, ordered
// NORMAL < CAUTION < CONSTRAINED < SHADOW_ONLY < BLOCKED.
type HealthState int

const (
	HealthNormal HealthState = iota
	HealthCaution
	HealthConstrained
	HealthShadowOnly
	HealthBlocked
)

func (h HealthState) String() string {
	switch h {
	case HealthNormal:
		return "NORMAL"
	case HealthCaution:
		return "CAUTION"
	case HealthConstrained:
		return "CONSTRAINED"
	case HealthShadowOnly:
		return "SHADOW_ONLY"
	case HealthBlocked:
		return "BLOCKED"
	default:
		return "UNKNOWN"
	}
}

// PolicyEnvelope is the health-state-indexed policy projection.
type PolicyEnvelope struct {
	State                   HealthState `json:"state"`
	TemperatureCap          float64     `json:"temperature_cap"`
	ModelSlot               string      `json:"model_slot"`
	ValidationRegime        string      `json:"validation_regime"`
	RequiresGuardianApproval bool       `json:"requires_guardian_approval"`
	ForceExplainOnly        bool        `json:"force_explain_only"`
	BlockAllNewQueries      bool        `json:"block_all_new_queries"`
}

// HealthObservation is one sample fed to the self-healing controller.
type HealthObservation struct {
	Timestamp           time.Time `json:"timestamp"`
	HarmProbability      float64   `json:"harm_probability"`
	ValidationConfidence float64   `json:"validation_confidence"`
	ParseConfidence      float64   `json:"parse_confidence"`
	ErrorRate            float64   `json:"error_rate"`
	LatencyMs            float64   `json:"latency_ms"`
	CostPerQuery         float64   `json:"cost_per_query"`
}
