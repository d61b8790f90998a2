package contracts

import "time"

// ReceiptKind discriminates the receipt envelope's payload.
type ReceiptKind string

const (
	ReceiptKindConstitutionalBlock     ReceiptKind = "CONSTITUTIONAL_BLOCK"
	ReceiptKindConstitutionalViolation ReceiptKind = "CONSTITUTIONAL_VIOLATION"
	ReceiptKindConstitutionalPass      ReceiptKind = "CONSTITUTIONAL_PASS"
	ReceiptKindPolicyChange            ReceiptKind = "POLICY_CHANGE"
	ReceiptKindValidationPhase1        ReceiptKind = "VALIDATION_PHASE1"
	ReceiptKindValidationPhase2        ReceiptKind = "VALIDATION_PHASE2"
	ReceiptKindModelTimeout            ReceiptKind = "MODEL_TIMEOUT"
	ReceiptKindGuardianEscalation      ReceiptKind = "GUARDIAN_ESCALATION"
	ReceiptKindModelCall               ReceiptKind = "MODEL_CALL"
	ReceiptKindPromotion               ReceiptKind = "STRESS_PROMOTION"
)

// Receipt is the base envelope common to every receipt kind. Subtype
// payloads are carried in Payload as a JSON-serializable map so the
// store never needs to know the closed set of kinds in advance.
type Receipt struct {
	ReceiptID string                 `json:"receipt_id"`
	Timestamp time.Time              `json:"timestamp"`
	Kind      ReceiptKind            `json:"kind"`
	Payload   map[string]interface{} `json:"payload"`
}

// ReceiptWithHash is a Receipt plus its hash-chain metadata, the unit
// actually appended to and read from the store.
type ReceiptWithHash struct {
	Receipt        Receipt `json:"-"`
	ReceiptHash    string  `json:"receipt_hash"`
	ParentHash     string  `json:"parent_hash,omitempty"`
	SequenceNumber uint64  `json:"sequence_number"`
}

// PolicyDomain scopes a policy intervention to a subsystem.
type PolicyDomain string

const (
	PolicyDomainValidation    PolicyDomain = "validation"
	PolicyDomainRouting       PolicyDomain = "routing"
	PolicyDomainConstitutional PolicyDomain = "constitutional"
	PolicyDomainResourceLimits PolicyDomain = "resource_limits"
)

// InterventionType names the kind of change a PolicyIntervention makes.
type InterventionType string

const (
	InterventionTypeThresholdAdjust InterventionType = "threshold_adjust"
	InterventionTypeToggleFeature   InterventionType = "toggle_feature"
	InterventionTypeModelSlotSwap   InterventionType = "model_slot_swap"
	InterventionTypeToleranceChange InterventionType = "tolerance_change"
)

// PolicyIntervention is the concrete change a PolicyExperiment tests.
type PolicyIntervention struct {
	InterventionID   string           `json:"intervention_id"`
	Timestamp        time.Time        `json:"timestamp"`
	Domain           PolicyDomain     `json:"domain"`
	InterventionType InterventionType `json:"intervention_type"`
	ParameterName    string           `json:"parameter_name"`
	OldValue         string           `json:"old_value"`
	NewValue         string           `json:"new_value"`
	Hypothesis       string           `json:"hypothesis"`
	Mechanism        string           `json:"mechanism"`
	TriggeredBy      string           `json:"triggered_by"`
}

// SuccessCriteria defines when a PolicyExperiment is deemed promotable.
type SuccessCriteria struct {
	MinEffectSize               float64 `json:"min_effect_size"`
	ConfidenceLevel              float64 `json:"confidence_level"`
	MaxCIWidth                   float64 `json:"max_ci_width"`
	MinEpisodesPerStratum        int     `json:"min_episodes_per_stratum"`
	MinOverlapPerStratum         float64 `json:"min_overlap_per_stratum"`
	MaxLatencyRegressionPct      float64 `json:"max_latency_regression_pct"`
	MaxCostIncreasePct           float64 `json:"max_cost_increase_pct"`
	NoNewFailureModes            bool    `json:"no_new_failure_modes"`
	StressScenariosPass          bool    `json:"stress_scenarios_pass"`
	MaxValidityConcerns          int     `json:"max_validity_concerns"`
	NoUnmeasuredConfoundingFlags bool    `json:"no_unmeasured_confounding_flags"`
	ObservationDays              int     `json:"observation_days"`
}

// ExperimentKind distinguishes randomized from observational designs;
// it governs both treatment assignment and propensity computation.
type ExperimentKind string

const (
	ExperimentKindRandomized    ExperimentKind = "randomized"
	ExperimentKindObservational ExperimentKind = "observational"
)

// PromotionRecommendation is the causal estimator's verdict.
type PromotionRecommendation string

const (
	PromotionPromote     PromotionRecommendation = "PROMOTE"
	PromotionHold        PromotionRecommendation = "HOLD"
	PromotionInvestigate PromotionRecommendation = "INVESTIGATE"
	PromotionInconclusive PromotionRecommendation = "INCONCLUSIVE"
)

// CausalSummary is the estimator's output for one experiment.
type CausalSummary struct {
	EffectEstimate              float64                  `json:"effect_estimate"`
	CILower                     float64                  `json:"ci_lower"`
	CIUpper                     float64                  `json:"ci_upper"`
	Method                      string                   `json:"method"`
	SampleSize                  int                      `json:"sample_size"`
	SampleSizePerStratumMin     int                      `json:"sample_size_per_stratum_min"`
	SampleSizePerStratumMax     int                      `json:"sample_size_per_stratum_max"`
	OverlapCheckPassed          bool                     `json:"overlap_check_passed"`
	ValidityConcerns            []string                 `json:"validity_concerns"`
	PromotionRecommendation     PromotionRecommendation  `json:"promotion_recommendation"`
}

// CIContainsZero reports whether the confidence interval spans zero.
func (c CausalSummary) CIContainsZero() bool {
	return c.CILower <= 0 && 0 <= c.CIUpper
}

// blockingConcernMarkers are the substrings that make a validity
// concern "blocking" per spec invariant #3.
var blockingConcernMarkers = []string{"unmeasured_confounding", "severe_heterogeneity"}

// HasBlockingConcerns reports whether any validity concern contains a
// blocking marker substring.
func (c CausalSummary) HasBlockingConcerns() bool {
	for _, concern := range c.ValidityConcerns {
		for _, marker := range blockingConcernMarkers {
			if containsSubstring(concern, marker) {
				return true
			}
		}
	}
	return false
}

func containsSubstring(haystack, needle string) bool {
	return len(needle) == 0 || indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	n, m := len(haystack), len(needle)
	if m > n {
		return -1
	}
	for i := 0; i <= n-m; i++ {
		if haystack[i:i+m] == needle {
			return i
		}
	}
	return -1
}

// PolicyExperiment is a pre-registered causal experiment.
type PolicyExperiment struct {
	ExperimentID          string           `json:"experiment_id"`
	Name                  string           `json:"name"`
	Kind                  ExperimentKind   `json:"kind"`
	Intervention          PolicyIntervention `json:"intervention"`
	TargetEffect          float64          `json:"target_effect"`
	RequiredSampleSize    int              `json:"required_sample_size"`
	SuccessCriteria       SuccessCriteria  `json:"success_criteria"`
	StressScenarios       []string         `json:"stress_scenarios"`
	ScheduledDurationDays int              `json:"scheduled_duration_days"`
	RegisteredAt          time.Time        `json:"registered_at"`
	StartedAt             *time.Time       `json:"started_at,omitempty"`
	EndedAt               *time.Time       `json:"ended_at,omitempty"`
	CausalSummary         *CausalSummary   `json:"causal_summary,omitempty"`
	ShadowExecutionCount  int              `json:"shadow_execution_count"`
	PromotionApproved     bool             `json:"promotion_approved"`
}

// IsActive mirrors spec invariant #5.
func (e PolicyExperiment) IsActive() bool {
	return e.StartedAt != nil && e.EndedAt == nil
}

// IsComplete mirrors spec invariant #5.
func (e PolicyExperiment) IsComplete() bool {
	return e.EndedAt != nil
}

// ShadowExecution links one episode to its counterfactual run under the
// candidate policy.
type ShadowExecution struct {
	ShadowID                  string    `json:"shadow_id"`
	ExperimentID               string    `json:"experiment_id"`
	EpisodeID                  string    `json:"episode_id"`
	CorrelationID               string    `json:"correlation_id"`
	ActualSuccess               bool      `json:"actual_success"`
	ActualConfidence             float64   `json:"actual_confidence"`
	ActualLatencyMs              float64   `json:"actual_latency_ms"`
	ActualCost                   float64   `json:"actual_cost"`
	ShadowSuccess                bool      `json:"shadow_success"`
	ShadowConfidence              float64   `json:"shadow_confidence"`
	ShadowLatencyMs                float64   `json:"shadow_latency_ms"`
	ShadowCost                     float64   `json:"shadow_cost"`
	ValidationRegimeIdentical bool      `json:"validation_regime_identical"`
	RecordedAt                  time.Time `json:"recorded_at"`
}

// Comparable mirrors spec §3: comparable iff validation regimes matched.
func (s ShadowExecution) Comparable() bool { return s.ValidationRegimeIdentical }

// DeltaSuccess is shadow minus actual, as a signed 0/1/-1 delta.
func (s ShadowExecution) DeltaSuccess() int {
	a, b := 0, 0
	if s.ActualSuccess {
		a = 1
	}
	if s.ShadowSuccess {
		b = 1
	}
	return b - a
}

// DeltaConfidence is shadow minus actual confidence.
func (s ShadowExecution) DeltaConfidence() float64 { return s.ShadowConfidence - s.ActualConfidence }

// DeltaLatencyMs is shadow minus actual latency.
func (s ShadowExecution) DeltaLatencyMs() float64 { return s.ShadowLatencyMs - s.ActualLatencyMs }
