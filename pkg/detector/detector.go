// Package detector classifies a query into a working domain (math,
// build, chemistry, biology, unknown) using a multinomial Naive Bayes
// model with Laplace smoothing, falling back to keyword heuristics
// when the model is untrained. It is a Go port of
// original_source/quintet/core/probabilistic_detector.py.
package detector

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/unicode/norm"
)

// Mode is a working domain the detector can classify a query into.
type Mode string

const (
	ModeMath       Mode = "math"
	ModeBuild      Mode = "build"
	ModeChemistry  Mode = "chemistry"
	ModeBiology    Mode = "biology"
	ModeUnknown    Mode = "unknown"
	minExamplesPerMode = 5
	laplaceAlpha       = 1.0
	maxQueryLen        = 4096
)

// Modes is the closed set of classification targets, in the order the
// original enumerates them.
var Modes = []Mode{ModeMath, ModeBuild, ModeChemistry, ModeBiology, ModeUnknown}

// Method names the classification strategy that produced a Result.
type Method string

const (
	MethodBayes     Method = "bayes"
	MethodHeuristic Method = "heuristic"
	MethodHybrid    Method = "hybrid"
)

// Result is a query's classification: the winning mode, its
// confidence, the full probability distribution, and which features
// (matched tokens) contributed.
type Result struct {
	Mode          Mode               `json:"mode"`
	Confidence    float64            `json:"confidence"`
	Probabilities map[Mode]float64   `json:"probabilities"`
	Method        Method             `json:"method"`
	FeaturesUsed  []string           `json:"features_used"`
}

// Example is one labeled training instance.
type Example struct {
	Query   string
	Mode    Mode
	Success bool
	Weight  float64
}

var keywords = map[Mode]map[string]struct{}{
	ModeMath: toSet(
		"solve", "equation", "integrate", "derivative", "matrix",
		"vector", "calculate", "compute", "simplify", "factor",
		"polynomial", "quadratic", "linear", "algebra", "calculus",
		"limit", "sum", "product", "series", "sequence", "proof",
		"theorem", "formula", "expression", "variable", "function",
		"graph", "plot", "root", "zero", "solution", "eigenvalue",
		"determinant", "inverse", "transpose", "gradient", "hessian",
		"integral", "differentiate", "taylor", "fourier", "laplace",
	),
	ModeBuild: toSet(
		"create", "build", "generate", "scaffold", "implement",
		"refactor", "test", "fix", "debug", "deploy", "setup",
		"configure", "install", "project", "file", "folder",
		"directory", "code", "script", "function", "class",
		"module", "package", "api", "endpoint", "server",
	),
	ModeChemistry: toSet(
		"molecule", "compound", "reaction", "element", "atom",
		"bond", "orbital", "electron", "proton", "neutron",
		"acid", "base", "ph", "molar", "concentration", "solution",
		"precipitate", "catalyst", "enzyme", "protein", "synthesis",
	),
	ModeBiology: toSet(
		"cell", "gene", "dna", "rna", "protein", "enzyme",
		"organism", "species", "evolution", "mutation", "genome",
		"chromosome", "mitosis", "meiosis", "photosynthesis",
		"respiration", "metabolism", "anatomy", "physiology",
	),
}

func toSet(words ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		out[w] = struct{}{}
	}
	return out
}

var tokenPattern = regexp.MustCompile(`[a-z]+`)

// Detector is a stateful Naive Bayes classifier with online updates.
type Detector struct {
	mu sync.RWMutex

	modeCounts      map[Mode]float64
	totalExamples   float64
	wordCounts      map[Mode]map[string]float64
	modeWordTotals  map[Mode]float64
	vocabulary      map[string]struct{}
	fitted          bool
}

// New returns an untrained detector; Classify falls back to keyword
// heuristics until enough examples accumulate.
func New() *Detector {
	return &Detector{
		modeCounts:     map[Mode]float64{},
		wordCounts:     map[Mode]map[string]float64{},
		modeWordTotals: map[Mode]float64{},
		vocabulary:     map[string]struct{}{},
	}
}

// IsFitted reports whether the model has seen enough examples to be
// trusted over the heuristic fallback.
func (d *Detector) IsFitted() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.isFittedLocked()
}

func (d *Detector) isFittedLocked() bool {
	return d.fitted && d.totalExamples >= minExamplesPerMode
}

// Fit resets the model and trains it from scratch on examples.
func (d *Detector) Fit(examples []Example) *Detector {
	d.mu.Lock()
	d.modeCounts = map[Mode]float64{}
	d.wordCounts = map[Mode]map[string]float64{}
	d.modeWordTotals = map[Mode]float64{}
	d.vocabulary = map[string]struct{}{}
	d.totalExamples = 0
	d.mu.Unlock()

	for _, ex := range examples {
		d.AddExample(ex.Query, ex.Mode, ex.Success, ex.Weight)
	}

	d.mu.Lock()
	d.fitted = true
	d.mu.Unlock()
	return d
}

// AddExample incrementally updates the model with one labeled query —
// the online-learning path used to fold in new episode outcomes
// without a full refit.
func (d *Detector) AddExample(query string, mode Mode, success bool, weight float64) {
	if !isValidMode(mode) {
		mode = ModeUnknown
	}
	if weight == 0 {
		weight = 1.0
	}
	effectiveWeight := weight
	if !success {
		effectiveWeight = weight * 0.5
	}

	words := tokenize(query)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.modeCounts[mode] += effectiveWeight
	d.totalExamples += effectiveWeight

	if d.wordCounts[mode] == nil {
		d.wordCounts[mode] = map[string]float64{}
	}
	for _, w := range words {
		d.wordCounts[mode][w] += effectiveWeight
		d.modeWordTotals[mode] += effectiveWeight
		d.vocabulary[w] = struct{}{}
	}
	d.fitted = true
}

func isValidMode(m Mode) bool {
	for _, candidate := range Modes {
		if candidate == m {
			return true
		}
	}
	return false
}

// Classify picks Bayes when the model is fitted, heuristics otherwise.
func (d *Detector) Classify(query string) Result {
	if d.IsFitted() {
		return d.classifyBayes(query)
	}
	return classifyHeuristic(query)
}

// ClassifyHybrid blends the Bayes posterior with the heuristic
// distribution, weighting Bayes more heavily as more training data
// accumulates (capped at 0.8 trust), matching classify_hybrid.
func (d *Detector) ClassifyHybrid(query string) Result {
	heuristic := classifyHeuristic(query)
	if !d.IsFitted() {
		return heuristic
	}
	bayes := d.classifyBayes(query)

	d.mu.RLock()
	bayesWeight := math.Min(d.totalExamples/100, 0.8)
	d.mu.RUnlock()
	heuristicWeight := 1.0 - bayesWeight

	combined := map[Mode]float64{}
	seen := map[Mode]struct{}{}
	for m := range bayes.Probabilities {
		seen[m] = struct{}{}
	}
	for m := range heuristic.Probabilities {
		seen[m] = struct{}{}
	}
	for m := range seen {
		combined[m] = bayesWeight*bayes.Probabilities[m] + heuristicWeight*heuristic.Probabilities[m]
	}
	normalize(combined)

	best, confidence := argmax(combined)
	features := append(append([]string{}, bayes.FeaturesUsed...), "heuristic_keywords")
	return Result{
		Mode:          best,
		Confidence:    confidence,
		Probabilities: combined,
		Method:        MethodHybrid,
		FeaturesUsed:  features,
	}
}

func (d *Detector) classifyBayes(query string) Result {
	words := tokenize(query)

	d.mu.RLock()
	defer d.mu.RUnlock()

	vocabSize := float64(len(d.vocabulary))
	if vocabSize == 0 {
		vocabSize = 1
	}

	logProbs := map[Mode]float64{}
	var featuresUsed []string

	for _, mode := range Modes {
		prior := (d.modeCounts[mode] + laplaceAlpha) / (d.totalExamples + laplaceAlpha*float64(len(Modes)))
		logProb := math.Log(prior)

		modeTotal := d.modeWordTotals[mode] + laplaceAlpha*vocabSize
		for _, w := range words {
			wordCount := d.wordCounts[mode][w] + laplaceAlpha
			logProb += math.Log(wordCount / modeTotal)
			if _, ok := d.vocabulary[w]; ok {
				featuresUsed = append(featuresUsed, w)
			}
		}
		logProbs[mode] = logProb
	}

	maxLog := math.Inf(-1)
	for _, lp := range logProbs {
		if lp > maxLog {
			maxLog = lp
		}
	}
	probs := map[Mode]float64{}
	var total float64
	for mode, lp := range logProbs {
		p := math.Exp(lp - maxLog)
		probs[mode] = p
		total += p
	}
	for mode := range probs {
		probs[mode] /= total
	}

	best, confidence := argmax(probs)
	return Result{
		Mode:          best,
		Confidence:    confidence,
		Probabilities: probs,
		Method:        MethodBayes,
		FeaturesUsed:  topUnique(featuresUsed, 10),
	}
}

func classifyHeuristic(query string) Result {
	words := tokenize(query)
	wordSet := map[string]struct{}{}
	for _, w := range words {
		wordSet[w] = struct{}{}
	}

	scores := map[Mode]float64{}
	var featuresUsed []string
	for mode, kw := range keywords {
		var matches int
		for w := range wordSet {
			if _, ok := kw[w]; ok {
				matches++
				featuresUsed = append(featuresUsed, w)
			}
		}
		scores[mode] = float64(matches)
	}
	scores[ModeUnknown] = 0.1

	var total float64
	for _, s := range scores {
		total += s
	}
	probs := map[Mode]float64{}
	for mode, s := range scores {
		probs[mode] = s / total
	}

	best, confidence := argmax(probs)
	switch {
	case scores[best] == 0:
		confidence = 0.2
	case scores[best] < 2:
		confidence = math.Min(confidence, 0.5)
	}

	return Result{
		Mode:          best,
		Confidence:    confidence,
		Probabilities: probs,
		Method:        MethodHeuristic,
		FeaturesUsed:  uniqueStrings(featuresUsed),
	}
}

func argmax(probs map[Mode]float64) (Mode, float64) {
	var best Mode
	var bestScore float64 = -1
	modes := make([]Mode, 0, len(probs))
	for m := range probs {
		modes = append(modes, m)
	}
	sort.Slice(modes, func(i, j int) bool { return modes[i] < modes[j] })
	for _, m := range modes {
		if probs[m] > bestScore {
			best, bestScore = m, probs[m]
		}
	}
	return best, bestScore
}

func normalize(probs map[Mode]float64) {
	var total float64
	for _, p := range probs {
		total += p
	}
	if total <= 0 {
		return
	}
	for m := range probs {
		probs[m] /= total
	}
}

func uniqueStrings(in []string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, s := range in {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

func topUnique(in []string, n int) []string {
	out := uniqueStrings(in)
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// tokenize NFC-normalizes text before lowercasing and splitting into
// alphabetic runs longer than two characters, so combining-mark and
// precomposed forms of the same character (e.g. the two encodings of
// "café") hash to the same token.
func tokenize(text string) []string {
	normalized := norm.NFC.String(text)
	lower := strings.ToLower(normalized)
	matches := tokenPattern.FindAllString(lower, -1)
	var out []string
	for _, w := range matches {
		if len(w) > 2 {
			out = append(out, w)
		}
	}
	return out
}

// SanitizeQuery strips control characters and clamps length before a
// query reaches tokenization, a small direct port of
// security/input_sanitizer.py's query-hardening pass.
func SanitizeQuery(query string) string {
	var b strings.Builder
	for _, r := range query {
		if r == '\n' || r == '\t' || r == ' ' || !isControlRune(r) {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if len(out) > maxQueryLen {
		out = out[:maxQueryLen]
	}
	return out
}

func isControlRune(r rune) bool {
	return r < 0x20 || r == 0x7f
}

// Stats summarizes the model's training state.
type Stats struct {
	TotalExamples     float64          `json:"total_examples"`
	VocabularySize    int              `json:"vocabulary_size"`
	ModeDistribution  map[Mode]float64 `json:"mode_distribution"`
	IsFitted          bool             `json:"is_fitted"`
	MinExamplesNeeded int              `json:"min_examples_needed"`
}

// GetStats reports the model's current training state.
func (d *Detector) GetStats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	dist := make(map[Mode]float64, len(d.modeCounts))
	for m, c := range d.modeCounts {
		dist[m] = c
	}
	return Stats{
		TotalExamples:     d.totalExamples,
		VocabularySize:    len(d.vocabulary),
		ModeDistribution:  dist,
		IsFitted:          d.isFittedLocked(),
		MinExamplesNeeded: minExamplesPerMode,
	}
}

// persistedModel is the on-disk shape Save/Load serialize to JSON.
type persistedModel struct {
	ModeCounts     map[Mode]float64            `json:"mode_counts"`
	WordCounts     map[Mode]map[string]float64 `json:"word_counts"`
	ModeWordTotals map[Mode]float64            `json:"mode_word_totals"`
	Vocabulary     []string                    `json:"vocabulary"`
	TotalExamples  float64                     `json:"total_examples"`
	Alpha          float64                     `json:"alpha"`
	Fitted         bool                        `json:"fitted"`
}

// Save persists the model to a JSON file.
func (d *Detector) Save(path string) error {
	d.mu.RLock()
	vocab := make([]string, 0, len(d.vocabulary))
	for w := range d.vocabulary {
		vocab = append(vocab, w)
	}
	sort.Strings(vocab)
	model := persistedModel{
		ModeCounts:     d.modeCounts,
		WordCounts:     d.wordCounts,
		ModeWordTotals: d.modeWordTotals,
		Vocabulary:     vocab,
		TotalExamples:  d.totalExamples,
		Alpha:          laplaceAlpha,
		Fitted:         d.fitted,
	}
	d.mu.RUnlock()

	raw, err := json.MarshalIndent(model, "", "  ")
	if err != nil {
		return fmt.Errorf("detector: marshal model: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("detector: write model %s: %w", path, err)
	}
	return nil
}

// Load restores a model previously written by Save.
func Load(path string) (*Detector, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("detector: read model %s: %w", path, err)
	}
	var model persistedModel
	if err := json.Unmarshal(raw, &model); err != nil {
		return nil, fmt.Errorf("detector: unmarshal model: %w", err)
	}

	d := New()
	d.modeCounts = model.ModeCounts
	d.wordCounts = model.WordCounts
	d.modeWordTotals = model.ModeWordTotals
	for _, w := range model.Vocabulary {
		d.vocabulary[w] = struct{}{}
	}
	d.totalExamples = model.TotalExamples
	d.fitted = model.Fitted
	return d, nil
}
