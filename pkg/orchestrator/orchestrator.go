// Package orchestrator implements the Observe/Orient/Decide/Act/
// Verify/Finalize skeleton shared by every mode built on this kernel.
// It owns no domain logic of its own — intent detection, problem
// parsing, planning, subgoal execution, and validation are all
// injected — and instead owns the sequencing, the capability gate, the
// constitutional checkpoints, the retry loop, and the narrative
// (ContextFlowEntry) that ties a query's lifecycle into one Episode.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/quintet-kernel/quintet/pkg/capreg"
	"github.com/quintet-kernel/quintet/pkg/constitutional"
	"github.com/quintet-kernel/quintet/pkg/contracts"
	"github.com/quintet-kernel/quintet/pkg/debate"
	"github.com/quintet-kernel/quintet/pkg/experiment"
	"github.com/quintet-kernel/quintet/pkg/modeerrors"
	"github.com/quintet-kernel/quintet/pkg/receipts"
	"github.com/quintet-kernel/quintet/pkg/selfheal"
)

const instrumentationName = "github.com/quintet-kernel/quintet/pkg/orchestrator"

// defaultConfidenceThreshold is the Act-phase retry loop's exit bar:
// valid ∧ confidence ≥ threshold.
const defaultConfidenceThreshold = 0.6

// IntentDetector classifies a raw query. A detector reporting
// IntentCategoryOutOfScope short-circuits Observe.
type IntentDetector interface {
	Detect(ctx context.Context, query string) (contracts.Intent, error)
}

// ProblemParser turns a query plus its detected intent into a Problem
// and a ParseConfidence breakdown.
type ProblemParser interface {
	Parse(ctx context.Context, query string, intent contracts.Intent) (contracts.Problem, contracts.ParseConfidence, error)
}

// Planner builds a Plan's subgoal DAG from a parsed Problem.
type Planner interface {
	Plan(ctx context.Context, problem contracts.Problem) (contracts.Plan, error)
}

// ExecutionOutcome is what one Act-phase attempt produces, independent
// of whether it ultimately validates.
type ExecutionOutcome struct {
	ConversationText string
	Details          map[string]string
}

// SubgoalExecutor runs a Plan under the resource limits resolved for
// the episode's compute tier.
type SubgoalExecutor interface {
	Execute(ctx context.Context, plan contracts.Plan, limits TierLimits) (ExecutionOutcome, error)
}

// Validator checks an ExecutionOutcome against the Problem it was
// meant to solve.
type Validator interface {
	Validate(ctx context.Context, problem contracts.Problem, outcome ExecutionOutcome) (contracts.ValidationResult, contracts.ValidationConfidence, error)
}

// CorrectionHook proposes a retry hint after a failed validation. The
// hint is recorded in the context flow; the executor decides whether
// to act on it.
type CorrectionHook interface {
	ProposeRetryHint(ctx context.Context, problem contracts.Problem, result contracts.ValidationResult) (string, bool)
}

// CouncilSynthesizer optionally folds a multi-agent synthesis into
// Orient as an additional constraint edge ahead of planning.
type CouncilSynthesizer interface {
	Synthesize(ctx context.Context, problem contracts.Problem) (contracts.Synthesis, bool)
}

// TierLimits bounds one episode's resource consumption, resolved from
// its ComputeTier at Decide.
type TierLimits struct {
	MaxWallTime   time.Duration
	MaxIterations int
	RateLimit     rate.Limit
	Burst         int
}

// defaultTierLimits is the tier → limits table. Deep searches get a
// longer wall clock and a stingier rate but the same iteration budget
// as standard; light queries get neither slack.
func defaultTierLimits(tier contracts.ComputeTier) TierLimits {
	switch tier {
	case contracts.ComputeTierDeepSearch:
		return TierLimits{MaxWallTime: 60 * time.Second, MaxIterations: 3, RateLimit: 2, Burst: 2}
	case contracts.ComputeTierStandard:
		return TierLimits{MaxWallTime: 15 * time.Second, MaxIterations: 3, RateLimit: 5, Burst: 3}
	default: // ComputeTierLight and anything unrecognized
		return TierLimits{MaxWallTime: 5 * time.Second, MaxIterations: 2, RateLimit: 10, Burst: 5}
	}
}

// Orchestrator composes the mode-specific producers with the shared
// governance components into one OODA loop.
type Orchestrator struct {
	detector  IntentDetector
	parser    ProblemParser
	planner   Planner
	executor  SubgoalExecutor
	validator Validator
	corrector CorrectionHook
	council   CouncilSynthesizer

	capRegistry *capreg.Registry
	enforcer    *constitutional.Enforcer
	expHook     *experiment.Hook
	healer      *selfheal.Controller
	debateLoop  *debate.Loop

	episodeLog   *EpisodeLog
	receiptStore *receipts.Store

	tracer              trace.Tracer
	logger              *slog.Logger
	clock               func() time.Time
	confidenceThreshold float64

	mu       sync.Mutex
	limiters map[contracts.ComputeTier]*rate.Limiter
}

// New builds an Orchestrator from its required producers and
// governance dependencies. Optional collaborators (correction hook,
// council, experiment hook, self-healing controller, debate loop,
// receipt store) are attached with the With* options.
func New(
	detector IntentDetector,
	parser ProblemParser,
	planner Planner,
	executor SubgoalExecutor,
	validator Validator,
	capRegistry *capreg.Registry,
	enforcer *constitutional.Enforcer,
	episodeLog *EpisodeLog,
) *Orchestrator {
	return &Orchestrator{
		detector:            detector,
		parser:              parser,
		planner:             planner,
		executor:            executor,
		validator:           validator,
		capRegistry:         capRegistry,
		enforcer:            enforcer,
		episodeLog:          episodeLog,
		tracer:              otel.Tracer(instrumentationName),
		logger:              slog.Default(),
		clock:               time.Now,
		confidenceThreshold: defaultConfidenceThreshold,
		limiters:            make(map[contracts.ComputeTier]*rate.Limiter),
	}
}

func (o *Orchestrator) WithCorrectionHook(h CorrectionHook) *Orchestrator { o.corrector = h; return o }
func (o *Orchestrator) WithCouncil(c CouncilSynthesizer) *Orchestrator    { o.council = c; return o }
func (o *Orchestrator) WithExperimentHook(h *experiment.Hook) *Orchestrator {
	o.expHook = h
	return o
}
func (o *Orchestrator) WithSelfHealController(c *selfheal.Controller) *Orchestrator {
	o.healer = c
	return o
}
func (o *Orchestrator) WithDebateLoop(l *debate.Loop) *Orchestrator { o.debateLoop = l; return o }
func (o *Orchestrator) WithReceiptStore(s *receipts.Store) *Orchestrator {
	o.receiptStore = s
	return o
}
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator { o.clock = clock; return o }
func (o *Orchestrator) WithConfidenceThreshold(t float64) *Orchestrator {
	o.confidenceThreshold = t
	return o
}

// getLimiter returns (creating on first use) the shared rate limiter
// for a compute tier. The key space is the fixed three-tier set, so
// unlike a per-visitor limiter map there is no eviction to manage.
func (o *Orchestrator) getLimiter(tier contracts.ComputeTier) *rate.Limiter {
	o.mu.Lock()
	defer o.mu.Unlock()

	if l, ok := o.limiters[tier]; ok {
		return l
	}
	limits := defaultTierLimits(tier)
	l := rate.NewLimiter(limits.RateLimit, limits.Burst)
	o.limiters[tier] = l
	return l
}

// Run walks one query through Observe/Orient/Decide/Act/Verify/
// Finalize and returns the assembled Episode. It never panics on a
// producer's error: every failure path resolves to a ModeError
// attached to the episode's result and the function still returns
// (episode, nil) — Run's own error return is reserved for failures to
// even persist the episode.
func (o *Orchestrator) Run(ctx context.Context, query string, meta contracts.EpisodeMetadata) (contracts.Episode, error) {
	episodeID := uuid.NewString()
	startedAt := o.clock()
	var flow []contracts.ContextFlowEntry
	addFlow := func(phase, source, target, influence string, weight float64, note string) {
		flow = append(flow, contracts.ContextFlowEntry{
			Timestamp: o.clock(), Phase: phase, Source: source, Target: target,
			InfluenceType: influence, Weight: weight, Note: note,
		})
	}

	// --- Observe ---
	ctx, obsSpan := o.tracer.Start(ctx, "ooda.observe")
	intent, err := o.detector.Detect(ctx, query)
	obsSpan.End()
	if err != nil {
		return o.finalizeFailed(episodeID, query, "", startedAt, flow, meta,
			modeerrors.New(modeerrors.CodeIntentUnclear, "observe", err.Error(), err)), nil
	}
	addFlow("observe", "detector", "orchestrator", "classification", intent.Confidence, string(intent.Category))

	if intent.Category == contracts.IntentCategoryOutOfScope {
		return o.finalizeNotApplicable(episodeID, query, startedAt, flow, meta, intent), nil
	}

	// --- Orient ---
	ctx, oriSpan := o.tracer.Start(ctx, "ooda.orient")
	problem, parseConf, err := o.parser.Parse(ctx, query, intent)
	if err != nil {
		oriSpan.End()
		return o.finalizeFailed(episodeID, query, string(intent.Category), startedAt, flow, meta,
			modeerrors.New(modeerrors.CodeParseError, "orient", err.Error(), err)), nil
	}

	plan, err := o.planner.Plan(ctx, problem)
	if err != nil {
		oriSpan.End()
		return o.finalizeFailed(episodeID, query, string(intent.Category), startedAt, flow, meta,
			modeerrors.New(modeerrors.CodePlanError, "orient", err.Error(), err)), nil
	}
	if missing := o.uncapableSubgoals(plan); len(missing) > 0 {
		oriSpan.End()
		return o.finalizeFailed(episodeID, query, string(intent.Category), startedAt, flow, meta,
			modeerrors.New(modeerrors.CodeBackendUnavailable, "orient",
				fmt.Sprintf("no capable backend for capabilities: %v", missing), nil)), nil
	}

	var synthesis contracts.Synthesis
	if o.council != nil {
		if s, ok := o.council.Synthesize(ctx, problem); ok {
			synthesis = s
			addFlow("orient", "council", "plan", "constraint", 1.0, "synthesis folded in as constraint edge")
		}
	}
	oriSpan.End()

	// --- Decide ---
	ctx, decSpan := o.tracer.Start(ctx, "ooda.decide")
	limits := defaultTierLimits(intent.ComputeTier)
	limitsMap := map[string]string{
		"max_wall_time_ms": fmt.Sprintf("%d", limits.MaxWallTime.Milliseconds()),
		"max_iterations":   fmt.Sprintf("%d", limits.MaxIterations),
	}

	provisionalImpact := classifyWorldImpact(intent.ComputeTier)

	var expCtx *experiment.ExperimentContext
	if o.expHook != nil {
		expCtx, err = o.expHook.CheckAndAssign(intent, problem, provisionalImpact.Category, parseConf.Combined())
		if err != nil {
			o.logger.Warn("orchestrator: experiment assignment failed, continuing without it", "error", err)
		}
		if expCtx != nil {
			limitsMap = experiment.ApplyIntervention(limitsMap, expCtx.Intervention)
			addFlow("decide", "experiment_hook", "resource_limits", "intervention", 1.0, expCtx.ExperimentID)
		}
	}

	evalContext := map[string]interface{}{
		"episode_id":   episodeID,
		"compute_tier": string(intent.ComputeTier),
		"resource_limits": limitsMap,
	}
	preCheck := o.enforcer.CheckPreConditions(ctx, intent, synthesis, evalContext)
	decSpan.End()
	if !preCheck.Allowed {
		return o.finalizeFailed(episodeID, query, string(intent.Category), startedAt, flow, meta,
			modeerrors.New(modeerrors.CodeWorldImpactBlocked, "decide", preCheck.BlockingReason, nil)), nil
	}

	// --- Act ---
	ctx, actSpan := o.tracer.Start(ctx, "ooda.act")
	actCtx, cancel := context.WithTimeout(ctx, limits.MaxWallTime)
	limiter := o.getLimiter(intent.ComputeTier)

	var outcome ExecutionOutcome
	var validation contracts.ValidationResult
	var validationConf contracts.ValidationConfidence
	var actErr *modeerrors.ModeError

	maxIter := limits.MaxIterations
	if maxIter <= 0 {
		maxIter = 1
	}
	for iter := 1; iter <= maxIter; iter++ {
		if werr := limiter.Wait(actCtx); werr != nil {
			actErr = modeerrors.New(modeerrors.CodeTimeout, "act", "rate limiter wait exceeded wall clock", werr)
			break
		}

		outcome, err = o.executor.Execute(actCtx, plan, limits)
		if err != nil {
			if actCtx.Err() != nil {
				actErr = modeerrors.New(modeerrors.CodeTimeout, "act", "wall clock exceeded during execution", actCtx.Err())
				break
			}
			actErr = modeerrors.New(modeerrors.CodeExecutionError, "act", err.Error(), err)
			continue
		}

		validation, validationConf, err = o.validator.Validate(actCtx, problem, outcome)
		if err != nil {
			actErr = modeerrors.New(modeerrors.CodeVerificationFailed, "act", err.Error(), err)
			continue
		}
		actErr = nil

		if validation.Valid && validationConf.Combined() >= o.confidenceThreshold {
			break
		}

		if o.corrector != nil {
			if hint, ok := o.corrector.ProposeRetryHint(actCtx, problem, validation); ok {
				addFlow("act", "correction_hook", "plan", "retry_hint", validationConf.Combined(), hint)
			}
		}
	}
	cancel()
	actSpan.End()

	// --- Verify ---
	ctx, verSpan := o.tracer.Start(ctx, "ooda.verify")
	succeeded := actErr == nil && validation.Valid
	if succeeded && o.debateLoop != nil {
		dres, derr := o.debateLoop.Run(ctx, problem.Goal, outcome.ConversationText, nil)
		if derr != nil {
			o.logger.Warn("orchestrator: debate loop failed, keeping validator-only confidence", "error", derr)
		} else {
			validation.Confidence = (validation.Confidence + dres.Confidence) / 2
			addFlow("verify", "debate_loop", "validation", "confidence_blend", dres.Confidence, string(dres.Verdict))
		}
	}

	postInput := map[string]interface{}{
		"world_impact": map[string]interface{}{"category": string(provisionalImpact.Category)},
		"validation":   map[string]interface{}{"valid": validation.Valid, "confidence": validation.Confidence},
	}
	postCheck := o.enforcer.CheckPostConditions(ctx, postInput, evalContext)
	var warnings []string
	warnings = append(warnings, postCheck.Warnings...)

	if o.healer != nil {
		harm := 0.0
		if !succeeded {
			harm = 1.0 - validation.Confidence
		}
		obs := contracts.HealthObservation{
			Timestamp:            o.clock(),
			HarmProbability:      harm,
			ValidationConfidence: validation.Confidence,
			ParseConfidence:      parseConf.Combined(),
			ErrorRate:            boolToErrRate(!succeeded),
			LatencyMs:            float64(o.clock().Sub(startedAt).Milliseconds()),
		}
		if _, herr := o.healer.Observe(ctx, obs); herr != nil {
			o.logger.Warn("orchestrator: self-healing observe failed", "error", herr)
		}
	}
	verSpan.End()

	// --- Finalize ---
	ctx, finSpan := o.tracer.Start(ctx, "ooda.finalize")
	defer finSpan.End()

	result := contracts.EpisodeResult{
		Success:          succeeded,
		Mode:             string(intent.Category),
		ConversationText: outcome.ConversationText,
		ContextFlow:      flow,
		Tiles:            buildColorTiles(succeeded, validation.Confidence),
		Details:          outcome.Details,
	}
	if actErr != nil {
		result.Errors = append(result.Errors, toErrorRecord(actErr))
	}

	incompleteness := contracts.Incompleteness{IsIncomplete: !succeeded}
	if !succeeded {
		incompleteness.Severity = "hard"
		if actErr != nil && actErr.Recoverable {
			incompleteness.Severity = "soft"
		}
	}

	episodeMeta := meta
	if expCtx != nil {
		episodeMeta = expCtx.ToEpisodeMetadata()
	}

	ep := contracts.Episode{
		EpisodeID:      episodeID,
		Query:          query,
		Mode:           string(intent.Category),
		StartedAt:      startedAt,
		FinishedAt:     o.clock(),
		Result:         result,
		Validation:     validation,
		WorldImpact:    provisionalImpact,
		Incompleteness: incompleteness,
		TrustScore:     trustScore(parseConf, validationConf),
		Metadata:       episodeMeta,
	}

	if o.episodeLog != nil {
		if err := o.episodeLog.Append(ep); err != nil {
			return ep, fmt.Errorf("orchestrator: append episode: %w", err)
		}
	}
	return ep, nil
}

// uncapableSubgoals returns the distinct capabilities named by the
// plan's subgoals for which the capability registry has no available
// backend.
func (o *Orchestrator) uncapableSubgoals(plan contracts.Plan) []string {
	seen := make(map[string]struct{})
	var missing []string
	for _, sg := range plan.Subgoals {
		if sg.Capability == "" {
			continue
		}
		if _, dup := seen[sg.Capability]; dup {
			continue
		}
		seen[sg.Capability] = struct{}{}
		if len(o.capRegistry.CapableBackends(sg.Capability)) == 0 {
			missing = append(missing, sg.Capability)
		}
	}
	return missing
}

func (o *Orchestrator) finalizeFailed(
	episodeID, query, mode string,
	startedAt time.Time,
	flow []contracts.ContextFlowEntry,
	meta contracts.EpisodeMetadata,
	cause *modeerrors.ModeError,
) contracts.Episode {
	ep := contracts.Episode{
		EpisodeID:  episodeID,
		Query:      query,
		Mode:       mode,
		StartedAt:  startedAt,
		FinishedAt: o.clock(),
		Result: contracts.EpisodeResult{
			Success:     false,
			Mode:        mode,
			Errors:      []contracts.ErrorRecord{toErrorRecord(cause)},
			ContextFlow: flow,
		},
		Incompleteness: contracts.Incompleteness{IsIncomplete: true, Severity: "hard"},
		Metadata:       meta,
	}
	if o.episodeLog != nil {
		if err := o.episodeLog.Append(ep); err != nil {
			o.logger.Error("orchestrator: failed to persist failed episode", "error", err)
		}
	}
	return ep
}

func (o *Orchestrator) finalizeNotApplicable(
	episodeID, query string,
	startedAt time.Time,
	flow []contracts.ContextFlowEntry,
	meta contracts.EpisodeMetadata,
	intent contracts.Intent,
) contracts.Episode {
	ep := contracts.Episode{
		EpisodeID:  episodeID,
		Query:      query,
		Mode:       string(intent.Category),
		StartedAt:  startedAt,
		FinishedAt: o.clock(),
		Result: contracts.EpisodeResult{
			Success:          true,
			Mode:             string(intent.Category),
			ConversationText: "this query is outside the domains this kernel handles",
			ContextFlow:      flow,
			Details:          map[string]string{"outcome": "not_applicable"},
		},
		Metadata: meta,
	}
	if o.episodeLog != nil {
		if err := o.episodeLog.Append(ep); err != nil {
			o.logger.Error("orchestrator: failed to persist not-applicable episode", "error", err)
		}
	}
	return ep
}

// classifyWorldImpact is a deterministic compute-tier heuristic: a
// deep-search query is assumed consequential enough to warrant the
// strictest treatment until Verify's checks say otherwise.
func classifyWorldImpact(tier contracts.ComputeTier) contracts.WorldImpact {
	switch tier {
	case contracts.ComputeTierDeepSearch:
		return contracts.WorldImpact{Category: contracts.WorldImpactHighStakes, Rationale: "deep_search compute tier"}
	case contracts.ComputeTierStandard:
		return contracts.WorldImpact{Category: contracts.WorldImpactModerate, Rationale: "standard compute tier"}
	default:
		return contracts.WorldImpact{Category: contracts.WorldImpactLow, Rationale: "light compute tier"}
	}
}

// buildColorTiles renders the 3x3 display grid: green when the
// episode succeeded with high confidence, yellow for a marginal pass,
// red otherwise — uniform across the grid, since the skeleton has no
// per-subgoal granularity to report yet.
func buildColorTiles(success bool, confidence float64) []contracts.ColorTile {
	color := "red"
	if success {
		if confidence >= 0.8 {
			color = "green"
		} else {
			color = "yellow"
		}
	}
	tiles := make([]contracts.ColorTile, 0, 9)
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			tiles = append(tiles, contracts.ColorTile{Row: row, Col: col, Color: color})
		}
	}
	return tiles
}

func toErrorRecord(e *modeerrors.ModeError) contracts.ErrorRecord {
	return contracts.ErrorRecord{
		Code:            string(e.Code),
		Stage:           e.Stage,
		Message:         e.Message,
		Recoverable:     e.Recoverable,
		SuggestedAction: e.SuggestedAction,
		OrganismAction:  string(e.OrganismAction),
	}
}

func boolToErrRate(failed bool) float64 {
	if failed {
		return 1.0
	}
	return 0.0
}

func trustScore(parse contracts.ParseConfidence, validation contracts.ValidationConfidence) float64 {
	score := 0.4*parse.Combined() + 0.6*validation.Combined()
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
