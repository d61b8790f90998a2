// Package constitutional is the invariant enforcer every orchestrator
// phase consults before and after acting. It generalizes the teacher's
// Guardian (pkg/guardian/guardian.go) — construct input, evaluate a
// rule set, sign/record the verdict — from a single PRG rule lookup to
// an ordered registry of CEL-compiled invariants, and its policy
// evaluation engine (pkg/governance/policy_engine.go) from a single
// allow/deny program to a severity-and-precedence-ordered chain.
package constitutional

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"
	"github.com/google/cel-go/common/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/quintet-kernel/quintet/pkg/contracts"
	"github.com/quintet-kernel/quintet/pkg/modeerrors"
	"github.com/quintet-kernel/quintet/pkg/receipts"
)

// Phase selects which invariants an evaluation considers.
type Phase string

const (
	PhasePre   Phase = "pre"
	PhasePost  Phase = "post"
	PhaseBoth  Phase = "both"
)

// Severity determines how a failing invariant propagates.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityHigh:
		return 1
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 3
	default:
		return 4
	}
}

// PredicateFunc is the escape hatch for invariants too irregular for a
// CEL expression (e.g. receipt-store lookups). Predicates return true
// when the invariant HOLDS.
type PredicateFunc func(ctx context.Context, input map[string]interface{}) (bool, string, error)

// Invariant is one entry in the constitutional registry.
type Invariant struct {
	ID         string
	Phase      Phase
	Severity   Severity
	Precedence int
	// Expression is a CEL boolean expression over the evaluation input
	// map. Exactly one of Expression or Predicate must be set.
	Expression string
	Predicate  PredicateFunc
	program    cel.Program
}

// EnforcementResult is the outcome of check_pre_conditions /
// check_post_conditions.
type EnforcementResult struct {
	Allowed          bool          `json:"allowed"`
	PassedChecks     []string      `json:"passed_checks"`
	FailedChecks     []string      `json:"failed_checks"`
	BlockingInvariant string       `json:"blocking_invariant,omitempty"`
	BlockingReason    string       `json:"blocking_reason,omitempty"`
	Warnings          []string     `json:"warnings"`
	CheckTimeMs       float64      `json:"check_time_ms"`
}

// Enforcer holds the ordered invariant registry and mints receipts for
// blocks and violations.
type Enforcer struct {
	mu         sync.RWMutex
	env        *cel.Env
	invariants []*Invariant
	store      *receipts.Store
	clock      func() time.Time
	tracer     trace.Tracer
}

// New builds an Enforcer with a CEL environment exposing the standard
// evaluation input variables (intent, synthesis, result, context,
// world_impact, validation — all passed as dynamic maps so invariants
// can address arbitrary nested fields).
func New(store *receipts.Store) (*Enforcer, error) {
	mapType := types.NewMapType(types.StringType, types.DynType)
	env, err := cel.NewEnv(
		cel.VariableDecls(
			decls.NewVariable("intent", mapType),
			decls.NewVariable("synthesis", mapType),
			decls.NewVariable("result", mapType),
			decls.NewVariable("context", mapType),
			decls.NewVariable("world_impact", mapType),
			decls.NewVariable("validation", mapType),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("constitutional: build CEL env: %w", err)
	}
	return &Enforcer{
		env:    env,
		store:  store,
		clock:  time.Now,
		tracer: otel.Tracer("github.com/quintet-kernel/quintet/pkg/constitutional"),
	}, nil
}

// WithClock overrides the enforcer's time source — injected rather
// than calling time.Now() directly, matching the teacher's Clock
// discipline (pkg/guardian.Clock): the kernel must not read wall-clock
// time inline.
func (e *Enforcer) WithClock(clock func() time.Time) *Enforcer {
	e.clock = clock
	return e
}

// Register compiles (if Expression is set) and adds an invariant to
// the registry. Precedence ties are broken by severity desc, then
// registration order, at evaluation time — Register itself just
// appends.
func (e *Enforcer) Register(inv Invariant) error {
	if inv.Expression == "" && inv.Predicate == nil {
		return fmt.Errorf("constitutional: invariant %s has neither Expression nor Predicate", inv.ID)
	}
	if inv.Expression != "" {
		ast, issues := e.env.Compile(inv.Expression)
		if issues != nil && issues.Err() != nil {
			return fmt.Errorf("constitutional: compile invariant %s: %w", inv.ID, issues.Err())
		}
		prg, err := e.env.Program(ast)
		if err != nil {
			return fmt.Errorf("constitutional: program for invariant %s: %w", inv.ID, err)
		}
		inv.program = prg
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.invariants = append(e.invariants, &inv)
	return nil
}

// ordered returns the registry sorted by (precedence asc, severity
// desc), the order spec §4.C requires for evaluation and short-
// circuiting.
func (e *Enforcer) ordered(phase Phase) []*Invariant {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var selected []*Invariant
	for _, inv := range e.invariants {
		if inv.Phase == phase || inv.Phase == PhaseBoth {
			selected = append(selected, inv)
		}
	}
	sort.SliceStable(selected, func(i, j int) bool {
		if selected[i].Precedence != selected[j].Precedence {
			return selected[i].Precedence < selected[j].Precedence
		}
		return selected[i].Severity.rank() < selected[j].Severity.rank()
	})
	return selected
}

func (e *Enforcer) evaluate(ctx context.Context, inv *Invariant, input map[string]interface{}) (bool, string, error) {
	if inv.Predicate != nil {
		return inv.Predicate(ctx, input)
	}
	out, _, err := inv.program.Eval(input)
	if err != nil {
		return false, "", fmt.Errorf("evaluation error: %w", err)
	}
	holds, ok := out.Value().(bool)
	if !ok {
		return false, "", fmt.Errorf("invariant did not evaluate to a boolean")
	}
	if holds {
		return true, "", nil
	}
	return false, "invariant predicate evaluated false", nil
}

// check runs every invariant for phase against input, applying the
// severity-propagation rules of spec §4.C.
func (e *Enforcer) check(ctx context.Context, phase Phase, input map[string]interface{}) EnforcementResult {
	start := e.clock()
	result := EnforcementResult{Allowed: true, PassedChecks: []string{}, FailedChecks: []string{}, Warnings: []string{}}

	for _, inv := range e.ordered(phase) {
		holds, reason, err := e.evaluate(ctx, inv, input)
		if err != nil {
			holds = false
			if reason == "" {
				reason = err.Error()
			}
		}

		if holds {
			result.PassedChecks = append(result.PassedChecks, inv.ID)
			continue
		}

		result.FailedChecks = append(result.FailedChecks, inv.ID)

		switch inv.Severity {
		case SeverityCritical:
			result.Allowed = false
			if result.BlockingInvariant == "" {
				result.BlockingInvariant = inv.ID
				result.BlockingReason = reason
			}
			// Short-circuit: lower-precedence invariants of equal or
			// lower severity are not evaluated once a critical block
			// is found, per spec §4.C.
			e.emitBlockReceipt(ctx, inv, reason)
			return result
		case SeverityHigh:
			result.Warnings = append(result.Warnings, fmt.Sprintf("%s: %s", inv.ID, reason))
			e.emitViolationReceipt(ctx, inv, reason)
		default:
			// medium/low: logged only, via the violation receipt kind
			// at debug-equivalent severity; no warning surfaced.
			e.emitViolationReceipt(ctx, inv, reason)
		}
	}

	result.CheckTimeMs = float64(e.clock().Sub(start).Microseconds()) / 1000.0
	return result
}

// CheckPreConditions evaluates all pre and both invariants.
func (e *Enforcer) CheckPreConditions(ctx context.Context, intent contracts.IntentLike, synthesis contracts.SynthesisLike, evalContext map[string]interface{}) EnforcementResult {
	ctx, span := e.tracer.Start(ctx, "constitutional.CheckPreConditions")
	defer span.End()

	input := map[string]interface{}{
		"intent":       toDynMap(intent),
		"synthesis":    toDynMap(synthesis),
		"result":       map[string]interface{}{},
		"context":      evalContext,
		"world_impact": map[string]interface{}{},
		"validation":   map[string]interface{}{},
	}
	return e.check(ctx, PhasePre, input)
}

// CheckPostConditions evaluates all post and both invariants.
func (e *Enforcer) CheckPostConditions(ctx context.Context, result map[string]interface{}, evalContext map[string]interface{}) EnforcementResult {
	ctx, span := e.tracer.Start(ctx, "constitutional.CheckPostConditions")
	defer span.End()

	input := map[string]interface{}{
		"intent":       map[string]interface{}{},
		"synthesis":    map[string]interface{}{},
		"result":       result,
		"context":      evalContext,
		"world_impact": result["world_impact"],
		"validation":   result["validation"],
	}
	return e.check(ctx, PhasePost, input)
}

// ResolveConflict returns the higher-precedence invariant between a
// and b. Ties are broken by severity (more severe wins), then by
// stable ID order — it never inspects predicate outputs itself; the
// caller determines conflict existence (spec §4.C: "core does not
// detect conflicts automatically").
func ResolveConflict(a, b Invariant) Invariant {
	if a.Precedence != b.Precedence {
		if a.Precedence < b.Precedence {
			return a
		}
		return b
	}
	if a.Severity.rank() != b.Severity.rank() {
		if a.Severity.rank() < b.Severity.rank() {
			return a
		}
		return b
	}
	if a.ID <= b.ID {
		return a
	}
	return b
}

func (e *Enforcer) emitBlockReceipt(ctx context.Context, inv *Invariant, reason string) {
	if e.store == nil {
		return
	}
	_, _ = e.store.Append(ctx, contracts.Receipt{
		ReceiptID: fmt.Sprintf("block-%s-%d", inv.ID, e.clock().UnixNano()),
		Timestamp: e.clock(),
		Kind:      contracts.ReceiptKindConstitutionalBlock,
		Payload: map[string]interface{}{
			"invariant_id": inv.ID,
			"severity":     inv.Severity,
			"reason":       reason,
		},
	})
}

func (e *Enforcer) emitViolationReceipt(ctx context.Context, inv *Invariant, reason string) {
	if e.store == nil {
		return
	}
	_, _ = e.store.Append(ctx, contracts.Receipt{
		ReceiptID: fmt.Sprintf("violation-%s-%d", inv.ID, e.clock().UnixNano()),
		Timestamp: e.clock(),
		Kind:      contracts.ReceiptKindConstitutionalViolation,
		Payload: map[string]interface{}{
			"invariant_id": inv.ID,
			"severity":     inv.Severity,
			"reason":       reason,
		},
	})
}

func toDynMap(v interface{}) map[string]interface{} {
	if v == nil {
		return map[string]interface{}{}
	}
	if m, ok := v.(map[string]interface{}); ok {
		return m
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]interface{}{}
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]interface{}{}
	}
	return m
}

// ModeErrorForBlock converts a blocked EnforcementResult into the
// typed error taxonomy the orchestrator propagates.
func ModeErrorForBlock(stage string, result EnforcementResult) *modeerrors.ModeError {
	return modeerrors.New(modeerrors.CodeWorldImpactBlocked, stage, result.BlockingReason, nil).
		WithDetails(map[string]string{"blocking_invariant": result.BlockingInvariant})
}
