package experiment

import "math"

// Logistic weights for observational propensity scoring (Open
// Question #1). No training data exists in-repo to fit these, so they
// are a documented, principled placeholder rather than the spec's
// flagged 1.2/0.7 multiplicative magic constants: a negative intercept
// keeps the baseline propensity low, and each covariate nudges it
// toward treatment assignment independently.
const (
	propensityIntercept       = -1.5
	propensityHighStakesWeight = 1.0
	propensityComputeTierWeight = 0.5
	propensityPriorValidationWeight = 1.5

	propensityFloor   = 0.01
	propensityCeiling = 0.99
)

// computeTierWeight maps a compute tier to a 0..1 load factor.
func computeTierWeight(tier string) float64 {
	switch tier {
	case "light":
		return 0.0
	case "standard":
		return 0.5
	case "deep_search":
		return 1.0
	default:
		return 0.5
	}
}

// LogisticPropensity computes an observational-experiment propensity
// score from stratification covariates, clipped to [0.01, 0.99] per
// spec's overlap-assumption requirement (a propensity of exactly 0 or
// 1 violates positivity).
func LogisticPropensity(highStakes bool, computeTier string, priorValidationConfidence float64) float64 {
	highStakesTerm := 0.0
	if highStakes {
		highStakesTerm = 1.0
	}

	z := propensityIntercept +
		propensityHighStakesWeight*highStakesTerm +
		propensityComputeTierWeight*computeTierWeight(computeTier) +
		propensityPriorValidationWeight*priorValidationConfidence

	p := 1.0 / (1.0 + math.Exp(-z))
	if p < propensityFloor {
		return propensityFloor
	}
	if p > propensityCeiling {
		return propensityCeiling
	}
	return p
}
