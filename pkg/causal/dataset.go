// Package causal builds causal-ready datasets from experiment episodes
// and shadow executions, and estimates stratified treatment effects
// from them. It is a direct Go port of
// original_source/quintet/causal/dataset.py's two operations
// (generate_causal_dataset, stratified_treatment_effect), expressed
// with typed records instead of untyped dict columns.
package causal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/quintet-kernel/quintet/pkg/contracts"
	"github.com/quintet-kernel/quintet/pkg/experiment"
)

// DatasetRecord is one row of a causal dataset: an episode joined
// with its matching shadow execution, if one exists.
type DatasetRecord struct {
	EpisodeID         string  `json:"episode_id"`
	Treatment         int     `json:"treatment"`
	PropensityScore   float64 `json:"propensity_score"`
	StratificationKey string  `json:"stratification_key"`

	OutcomeSuccess   int     `json:"outcome_success"`
	OutcomeConfidence float64 `json:"outcome_confidence"`
	OutcomeLatencyMs float64 `json:"outcome_latency_ms"`

	CovariateMode                    string  `json:"covariate_mode"`
	CovariateDomain                  string  `json:"covariate_domain"`
	CovariateProblemType             string  `json:"covariate_problem_type"`
	CovariateComputeTier             string  `json:"covariate_compute_tier"`
	CovariateWorldImpact             string  `json:"covariate_world_impact"`
	CovariateValidationConfidencePrior float64 `json:"covariate_validation_confidence_prior"`

	HasShadow                       bool    `json:"has_shadow"`
	ShadowExecutionID               string  `json:"shadow_execution_id,omitempty"`
	ShadowComparable                 bool    `json:"shadow_comparable,omitempty"`
	ShadowValidationRegimeIdentical bool    `json:"shadow_validation_regime_identical,omitempty"`
	ShadowOutcomeChanged              bool    `json:"shadow_outcome_changed,omitempty"`
	ShadowActualSuccess               bool    `json:"shadow_actual_success,omitempty"`
	ShadowActualConfidence             float64 `json:"shadow_actual_confidence,omitempty"`
	ShadowShadowSuccess                bool    `json:"shadow_shadow_success,omitempty"`
	ShadowShadowConfidence              float64 `json:"shadow_shadow_confidence,omitempty"`
	ShadowConfidenceDelta                float64 `json:"shadow_confidence_delta,omitempty"`
}

// Dataset is the causal dataset for one experiment.
type Dataset struct {
	Episodes []DatasetRecord `json:"episodes"`
}

// GenerateCausalDataset loads every episode tagged with experimentID
// from episodeLogPath (a JSONL log, one contracts.Episode per line),
// joins each with its matching shadow execution from registry, and
// returns the resulting dataset.
func GenerateCausalDataset(experimentID string, registry *experiment.Registry, episodeLogPath string) (Dataset, error) {
	episodes, err := loadEpisodesForExperiment(experimentID, episodeLogPath)
	if err != nil {
		return Dataset{}, err
	}

	shadows := registry.Shadows(experimentID)

	dataset := Dataset{Episodes: make([]DatasetRecord, 0, len(episodes))}
	for _, ep := range episodes {
		record := episodeToRecord(ep)
		if shadow, ok := findMatchingShadow(ep, shadows); ok {
			applyShadowToRecord(&record, shadow)
		}
		dataset.Episodes = append(dataset.Episodes, record)
	}

	slog.Info("generated causal dataset", "experiment_id", experimentID, "episodes", len(dataset.Episodes), "shadows", len(shadows))
	return dataset, nil
}

// loadEpisodesForExperiment scans episodeLogPath line by line,
// returning episodes whose metadata.experiment_id matches. Malformed
// lines are skipped rather than failing the whole load, matching the
// original's tolerant log-scraping behavior.
func loadEpisodesForExperiment(experimentID, episodeLogPath string) ([]contracts.Episode, error) {
	f, err := os.Open(episodeLogPath)
	if os.IsNotExist(err) {
		slog.Warn("episode log not found", "path", episodeLogPath)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("causal: open episode log: %w", err)
	}
	defer f.Close()

	var episodes []contracts.Episode
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ep contracts.Episode
		if err := json.Unmarshal(line, &ep); err != nil {
			slog.Debug("failed to parse episode line", "error", err)
			continue
		}
		if ep.Metadata.ExperimentID == experimentID {
			episodes = append(episodes, ep)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("causal: scan episode log: %w", err)
	}
	return episodes, nil
}

func episodeToRecord(ep contracts.Episode) DatasetRecord {
	treatment := 0
	if ep.Metadata.IsTreatment != nil && *ep.Metadata.IsTreatment {
		treatment = 1
	}
	propensity := 0.5
	if ep.Metadata.PropensityScore != nil {
		propensity = *ep.Metadata.PropensityScore
	}
	stratificationKey := ep.Metadata.StratificationKey
	if stratificationKey == "" {
		stratificationKey = "unknown"
	}
	outcomeSuccess := 0
	if ep.Result.Success {
		outcomeSuccess = 1
	}
	computeTier := "standard"

	return DatasetRecord{
		EpisodeID:         ep.EpisodeID,
		Treatment:         treatment,
		PropensityScore:   propensity,
		StratificationKey: stratificationKey,
		OutcomeSuccess:    outcomeSuccess,
		OutcomeConfidence: ep.Validation.Confidence,
		OutcomeLatencyMs:  float64(ep.FinishedAt.Sub(ep.StartedAt).Milliseconds()),
		CovariateMode:     orUnknown(ep.Mode),
		CovariateDomain:   "unknown",
		CovariateProblemType: "unknown",
		CovariateComputeTier: computeTier,
		CovariateWorldImpact: string(ep.WorldImpact.Category),
		CovariateValidationConfidencePrior: ep.Validation.Confidence,
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// findMatchingShadow matches by correlation_id first (most accurate),
// falling back to episode_id.
func findMatchingShadow(ep contracts.Episode, shadows []contracts.ShadowExecution) (contracts.ShadowExecution, bool) {
	if ep.Metadata.CorrelationID != "" {
		for _, s := range shadows {
			if s.EpisodeID == ep.Metadata.CorrelationID {
				return s, true
			}
		}
	}
	if ep.EpisodeID != "" {
		for _, s := range shadows {
			if s.EpisodeID == ep.EpisodeID {
				return s, true
			}
		}
	}
	return contracts.ShadowExecution{}, false
}

func applyShadowToRecord(record *DatasetRecord, shadow contracts.ShadowExecution) {
	record.HasShadow = true
	record.ShadowExecutionID = shadow.ShadowID
	record.ShadowComparable = shadow.Comparable()
	record.ShadowValidationRegimeIdentical = shadow.ValidationRegimeIdentical
	record.ShadowOutcomeChanged = shadow.DeltaSuccess() != 0
	record.ShadowActualSuccess = shadow.ActualSuccess
	record.ShadowActualConfidence = shadow.ActualConfidence
	record.ShadowShadowSuccess = shadow.ShadowSuccess
	record.ShadowShadowConfidence = shadow.ShadowConfidence
	record.ShadowConfidenceDelta = shadow.DeltaConfidence()
}
