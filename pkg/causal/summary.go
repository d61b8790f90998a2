package causal

import (
	"github.com/quintet-kernel/quintet/pkg/contracts"
)

// minOverlapDefault is the propensity-overlap floor below which an
// arm is considered non-comparable (positivity violated in practice),
// matching the spec's overlap_check_passed criterion.
const minOverlapDefault = 0.10

// Summarize turns a treatment-effect estimate into the transparency-
// first CausalSummary the registry persists and the promotion gate
// consults. validityConcerns is caller-supplied (e.g. from a
// confounding or heterogeneity scan upstream) and is carried through
// verbatim; Summarize only adds overlap-derived concerns of its own.
func Summarize(effect TreatmentEffectResult, criteria contracts.SuccessCriteria, dataset Dataset, validityConcerns []string) contracts.CausalSummary {
	ciLower, ciUpper := effect.ConfidenceInterval95()

	sampleMin, sampleMax := sampleSizeBounds(effect)
	overlapPassed, minOverlap := overlapCheck(dataset)

	concerns := append([]string{}, validityConcerns...)
	if !overlapPassed {
		concerns = append(concerns, "insufficient_propensity_overlap")
	}
	if effect.NStrata == 0 {
		concerns = append(concerns, "no_comparable_strata")
	}

	summary := contracts.CausalSummary{
		EffectEstimate:          effect.ATE,
		CILower:                 ciLower,
		CIUpper:                 ciUpper,
		Method:                  "stratified",
		SampleSize:              effect.NTreated + effect.NControl,
		SampleSizePerStratumMin: sampleMin,
		SampleSizePerStratumMax: sampleMax,
		OverlapCheckPassed:      overlapPassed,
		ValidityConcerns:        concerns,
	}
	summary.PromotionRecommendation = recommend(summary, criteria)
	return summary
}

func sampleSizeBounds(effect TreatmentEffectResult) (min, max int) {
	first := true
	for _, s := range effect.ATEByStrata {
		n := s.NTreated + s.NControl
		if first {
			min, max = n, n
			first = false
			continue
		}
		if n < min {
			min = n
		}
		if n > max {
			max = n
		}
	}
	return min, max
}

// overlapCheck reports whether every stratum's treated fraction stays
// within [minOverlapDefault, 1-minOverlapDefault], and the worst
// (smallest-margin) overlap observed.
func overlapCheck(dataset Dataset) (passed bool, minObserved float64) {
	type counts struct{ treated, total int }
	byStratum := map[string]*counts{}
	for _, r := range dataset.Episodes {
		c, ok := byStratum[r.StratificationKey]
		if !ok {
			c = &counts{}
			byStratum[r.StratificationKey] = c
		}
		c.total++
		if r.Treatment != 0 {
			c.treated++
		}
	}

	passed = true
	minObserved = 1.0
	for _, c := range byStratum {
		if c.total == 0 {
			continue
		}
		frac := float64(c.treated) / float64(c.total)
		margin := frac
		if 1-frac < margin {
			margin = 1 - frac
		}
		if margin < minObserved {
			minObserved = margin
		}
		if margin < minOverlapDefault {
			passed = false
		}
	}
	return passed, minObserved
}

// recommend derives PROMOTE / HOLD / INVESTIGATE / INCONCLUSIVE from
// the summary against the experiment's pre-registered success
// criteria, per spec's causal-estimator derivation rules.
func recommend(summary contracts.CausalSummary, criteria contracts.SuccessCriteria) contracts.PromotionRecommendation {
	if summary.HasBlockingConcerns() {
		return contracts.PromotionInvestigate
	}
	if !summary.OverlapCheckPassed {
		return contracts.PromotionInvestigate
	}
	if summary.SampleSize == 0 {
		return contracts.PromotionInconclusive
	}
	if summary.CIContainsZero() {
		return contracts.PromotionInconclusive
	}
	if criteria.MaxCIWidth > 0 && (summary.CIUpper-summary.CILower) > criteria.MaxCIWidth {
		return contracts.PromotionInconclusive
	}
	if criteria.MinEffectSize > 0 && summary.EffectEstimate < criteria.MinEffectSize {
		return contracts.PromotionHold
	}
	if criteria.MinEpisodesPerStratum > 0 && summary.SampleSizePerStratumMin < criteria.MinEpisodesPerStratum {
		return contracts.PromotionHold
	}
	if len(summary.ValidityConcerns) > criteria.MaxValidityConcerns {
		return contracts.PromotionHold
	}
	return contracts.PromotionPromote
}
