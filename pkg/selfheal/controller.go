// Package selfheal implements the hysteresis-driven health state
// machine that tightens or relaxes the operating policy envelope in
// response to observed harm signals, with rollback when tightening
// fails to help and a signed guardian override out of BLOCKED. It is
// a direct Go port of
// original_source/quintet/core/self_healing.py's SelfHealingController.
package selfheal

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quintet-kernel/quintet/pkg/contracts"
	"github.com/quintet-kernel/quintet/pkg/receipts"
)

// direction names the transition search direction.
type direction string

const (
	tighten direction = "tighten"
	relax   direction = "relax"
)

// WindowedMetrics holds health observations over a rolling window and
// derives the EMA the controller's rollback logic compares against.
type WindowedMetrics struct {
	windowSize   time.Duration
	observations []contracts.HealthObservation
	clock        func() time.Time
}

// NewWindowedMetrics builds a rolling window of the given size.
func NewWindowedMetrics(windowSize time.Duration) *WindowedMetrics {
	return &WindowedMetrics{windowSize: windowSize, clock: time.Now}
}

// AddObservation appends obs and prunes entries older than the window.
func (w *WindowedMetrics) AddObservation(obs contracts.HealthObservation) {
	w.observations = append(w.observations, obs)
	cutoff := w.clock().Add(-w.windowSize)
	kept := w.observations[:0]
	for _, o := range w.observations {
		if o.Timestamp.After(cutoff) {
			kept = append(kept, o)
		}
	}
	w.observations = kept
}

// Observations returns the current window contents.
func (w *WindowedMetrics) Observations() []contracts.HealthObservation {
	return w.observations
}

// HarmProbabilityEMA is the exponential moving average (alpha=0.5) of
// harm probability across the window, matching the original exactly.
func (w *WindowedMetrics) HarmProbabilityEMA() float64 {
	if len(w.observations) == 0 {
		return 0
	}
	if len(w.observations) == 1 {
		return w.observations[0].HarmProbability
	}
	const alpha = 0.5
	ema := w.observations[0].HarmProbability
	for _, obs := range w.observations[1:] {
		ema = alpha*obs.HarmProbability + (1-alpha)*ema
	}
	return ema
}

// HarmProbabilityRaw is the latest observation's raw harm probability.
func (w *WindowedMetrics) HarmProbabilityRaw() float64 {
	if len(w.observations) == 0 {
		return 0
	}
	return w.observations[len(w.observations)-1].HarmProbability
}

// TransitionRecord describes one state transition.
type TransitionRecord struct {
	TransitionID    string                      `json:"transition_id"`
	Timestamp       time.Time                   `json:"timestamp"`
	FromState       contracts.HealthState       `json:"from_state"`
	ToState         contracts.HealthState       `json:"to_state"`
	TriggerReason   string                      `json:"trigger_reason"`
	HarmProbability float64                     `json:"harm_probability"`
	WindowsBreached int                         `json:"windows_breached"`
	Observation     *contracts.HealthObservation `json:"observation,omitempty"`
}

// RollbackRecord describes one rollback-on-insufficient-improvement event.
type RollbackRecord struct {
	RollbackID      string                `json:"rollback_id"`
	Timestamp       time.Time             `json:"timestamp"`
	FromState       contracts.HealthState `json:"from_state"`
	ToState         contracts.HealthState `json:"to_state"`
	Reason          string                `json:"reason"`
	HarmBefore      float64               `json:"harm_before"`
	HarmAfter       float64               `json:"harm_after"`
	ImprovementPct  float64               `json:"improvement_pct"`
	WindowsObserved int                   `json:"windows_observed"`
}

// Thresholds bundles every hysteresis constant the controller uses.
// The field values are the pre-approved defaults from the original
// design; callers needing different tuning construct their own set
// rather than mutating a running Controller's.
type Thresholds struct {
	// Tightening thresholds (easier to tighten than to relax).
	NormalToCaution           float64
	CautionToConstrained      float64
	ConstrainedToShadowOnly   float64
	ShadowOnlyToBlocked       float64
	CriticalSpikeShadowOnly   float64
	CriticalSpikeBlocked      float64

	// Relaxing thresholds (harder to relax).
	ConstrainedToCaution  float64
	CautionToNormal       float64
	ShadowOnlyToConstrained float64
	BlockedToShadowOnly   float64

	// Window counts for breach persistence (tighten direction).
	WindowsToTightenCaution     int
	WindowsToTightenConstrained int
	WindowsToTightenShadowOnly  int
	WindowsToTightenBlocked     int

	// Window counts for recovery persistence (relax direction).
	WindowsToRelaxConstrained int
	WindowsToRelaxCaution     int
	WindowsToRelaxShadowOnly  int
	WindowsToRelaxBlocked     int

	CooldownTighten        time.Duration
	CooldownRelax          time.Duration
	// CooldownBlockedRelax is carried for parity with the original's
	// declared-but-unused field of the same name; the transition logic
	// below, like the original, applies CooldownRelax uniformly to the
	// non-tightening branch (NORMAL and BLOCKED alike).
	CooldownBlockedRelax time.Duration

	ImprovementThreshold     float64
	RollbackObservationWindows int

	MaxBlockedDuration time.Duration
}

// DefaultThresholds returns the pre-approved constants.
func DefaultThresholds() Thresholds {
	return Thresholds{
		NormalToCaution:         0.60,
		CautionToConstrained:    0.75,
		ConstrainedToShadowOnly: 0.85,
		ShadowOnlyToBlocked:     0.90,
		CriticalSpikeShadowOnly: 0.90,
		CriticalSpikeBlocked:    0.95,

		ConstrainedToCaution:    0.40,
		CautionToNormal:         0.30,
		ShadowOnlyToConstrained: 0.70,
		BlockedToShadowOnly:     0.70,

		WindowsToTightenCaution:     3,
		WindowsToTightenConstrained: 5,
		WindowsToTightenShadowOnly:  3,
		WindowsToTightenBlocked:     3,

		WindowsToRelaxConstrained: 8,
		WindowsToRelaxCaution:     10,
		WindowsToRelaxShadowOnly:  6,
		WindowsToRelaxBlocked:     6,

		CooldownTighten:      5 * time.Minute,
		CooldownRelax:        10 * time.Minute,
		CooldownBlockedRelax: 15 * time.Minute,

		ImprovementThreshold:       0.15,
		RollbackObservationWindows: 3,

		MaxBlockedDuration: 30 * time.Minute,
	}
}

// Controller is the self-healing FSM: NORMAL < CAUTION < CONSTRAINED <
// SHADOW_ONLY < BLOCKED, with hysteresis, cooldowns, critical-spike
// bypass, and rollback when tightening does not help.
type Controller struct {
	mu sync.Mutex

	ControllerID string
	CreatedAt    time.Time

	thresholds Thresholds
	current    contracts.HealthState
	windowed   *WindowedMetrics

	transitionHistory []TransitionRecord
	rollbackHistory   []RollbackRecord

	lastTransitionTime          *time.Time
	transitionCountCurrentState int

	harmBaselineBeforeTightening *float64
	windowsSinceLastTightening   int

	clock func() time.Time
	store *receipts.Store

	lock    CooldownLock
	lockKey string
}

// NewController builds a controller starting in HealthNormal with a
// one-minute observation window, matching the original's default.
func NewController(thresholds Thresholds) *Controller {
	return &Controller{
		ControllerID: uuid.NewString(),
		CreatedAt:    time.Now(),
		thresholds:   thresholds,
		current:      contracts.HealthNormal,
		windowed:     NewWindowedMetrics(time.Minute),
		clock:        time.Now,
	}
}

// WithClock overrides the controller's and its window's time source.
func (c *Controller) WithClock(clock func() time.Time) *Controller {
	c.clock = clock
	c.windowed.clock = clock
	return c
}

// WithReceiptStore attaches a receipt store; every transition and
// rollback is appended as a POLICY_CHANGE receipt when set.
func (c *Controller) WithReceiptStore(store *receipts.Store) *Controller {
	c.store = store
	return c
}

// WithCooldownLock attaches a cross-process lock so tighten/relax
// transitions (not the critical-spike bypass, which must never wait
// on a distributed call) are coordinated across replicas sharing key.
func (c *Controller) WithCooldownLock(lock CooldownLock, key string) *Controller {
	c.lock = lock
	c.lockKey = key
	return c
}

// CurrentState reports the FSM's current state.
func (c *Controller) CurrentState() contracts.HealthState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Observe feeds a health observation through the window and applies
// any resulting transition, returning it if one occurred.
func (c *Controller) Observe(ctx context.Context, obs contracts.HealthObservation) (*TransitionRecord, error) {
	c.mu.Lock()
	c.windowed.AddObservation(obs)
	transition := c.checkAndApplyTransition(ctx, obs)
	if transition != nil {
		now := c.clock()
		c.lastTransitionTime = &now
		c.transitionCountCurrentState = 0
	} else {
		c.transitionCountCurrentState++
	}
	store := c.store
	c.mu.Unlock()

	if transition != nil && store != nil {
		if err := c.emitTransitionReceipt(ctx, store, *transition); err != nil {
			return transition, err
		}
	}
	return transition, nil
}

// checkAndApplyTransition mirrors _check_and_apply_transition exactly:
// cooldown respect, critical-spike bypass, breach-window counting for
// tighten, recovery-window counting for relax, then rollback
// consideration. Caller holds c.mu.
func (c *Controller) checkAndApplyTransition(ctx context.Context, obs contracts.HealthObservation) *TransitionRecord {
	t := c.thresholds
	now := c.clock()

	if c.lastTransitionTime != nil {
		var cooldown time.Duration
		switch c.current {
		case contracts.HealthConstrained, contracts.HealthCaution, contracts.HealthShadowOnly:
			cooldown = t.CooldownTighten
		default:
			cooldown = t.CooldownRelax
		}
		if now.Sub(*c.lastTransitionTime) < cooldown {
			return nil
		}
	}

	if obs.HarmProbability > t.CriticalSpikeBlocked && c.current != contracts.HealthBlocked {
		return c.transitionTo(contracts.HealthBlocked, fmt.Sprintf("Critical spike: hp=%.2f", obs.HarmProbability), obs)
	}
	if obs.HarmProbability > t.CriticalSpikeShadowOnly &&
		(c.current == contracts.HealthNormal || c.current == contracts.HealthCaution || c.current == contracts.HealthConstrained) {
		return c.transitionTo(contracts.HealthShadowOnly, fmt.Sprintf("Critical spike: hp=%.2f", obs.HarmProbability), obs)
	}

	breachThreshold := c.getBreachThreshold(c.current, tighten)
	windowRequirement := c.getWindowRequirement(c.current, tighten)
	breaches := 0
	for _, o := range c.windowed.Observations() {
		if o.HarmProbability > breachThreshold {
			breaches++
		}
	}
	if breaches >= windowRequirement {
		if next, ok := c.nextState(c.current, tighten); ok && next != c.current && c.tryAcquireLock(ctx, t.CooldownTighten) {
			baseline := c.windowed.HarmProbabilityEMA()
			c.harmBaselineBeforeTightening = &baseline
			return c.transitionTo(next, fmt.Sprintf("Breach: %d/%d windows at hp>%.2f", breaches, windowRequirement, breachThreshold), obs)
		}
	}

	relaxThreshold := c.getBreachThreshold(c.current, relax)
	relaxWindowRequirement := c.getWindowRequirement(c.current, relax)
	relaxBreaches := 0
	for _, o := range c.windowed.Observations() {
		if o.HarmProbability > relaxThreshold {
			relaxBreaches++
		}
	}
	if relaxBreaches == 0 && len(c.windowed.Observations()) >= relaxWindowRequirement {
		if next, ok := c.nextState(c.current, relax); ok && next != c.current && c.tryAcquireLock(ctx, t.CooldownRelax) {
			return c.transitionTo(next, fmt.Sprintf("Recovery: %d windows at hp<%.2f", relaxWindowRequirement, relaxThreshold), obs)
		}
	}

	if c.harmBaselineBeforeTightening != nil {
		c.windowsSinceLastTightening++
		if c.windowsSinceLastTightening >= t.RollbackObservationWindows {
			baseline := *c.harmBaselineBeforeTightening
			denom := math.Max(baseline, 0.01)
			improvement := (baseline - obs.HarmProbability) / denom
			if improvement < t.ImprovementThreshold {
				return c.performRollback(obs, improvement)
			}
		}
	}
	return nil
}

// transitionTo executes a state change. Caller holds c.mu.
func (c *Controller) transitionTo(newState contracts.HealthState, reason string, obs contracts.HealthObservation) *TransitionRecord {
	obsCopy := obs
	record := TransitionRecord{
		TransitionID:    uuid.NewString(),
		Timestamp:       c.clock(),
		FromState:       c.current,
		ToState:         newState,
		TriggerReason:   reason,
		HarmProbability: obs.HarmProbability,
		Observation:     &obsCopy,
	}
	c.transitionHistory = append(c.transitionHistory, record)
	c.current = newState
	c.windowsSinceLastTightening = 0
	return &record
}

// performRollback reverts a tightening that failed to improve harm
// enough within RollbackObservationWindows. Caller holds c.mu.
func (c *Controller) performRollback(obs contracts.HealthObservation, improvement float64) *TransitionRecord {
	if c.harmBaselineBeforeTightening == nil {
		return nil
	}
	priorState, ok := c.nextState(c.current, relax)
	if !ok || priorState == c.current {
		return nil
	}

	improvementPct := improvement * 100
	reason := fmt.Sprintf("Improvement %.1f%% < %.0f%% threshold", improvementPct, c.thresholds.ImprovementThreshold*100)

	c.rollbackHistory = append(c.rollbackHistory, RollbackRecord{
		RollbackID:      uuid.NewString(),
		Timestamp:       c.clock(),
		FromState:       c.current,
		ToState:         priorState,
		Reason:          reason,
		HarmBefore:      *c.harmBaselineBeforeTightening,
		HarmAfter:       obs.HarmProbability,
		ImprovementPct:  improvementPct,
		WindowsObserved: c.windowsSinceLastTightening,
	})

	obsCopy := obs
	transition := TransitionRecord{
		TransitionID:    uuid.NewString(),
		Timestamp:       c.clock(),
		FromState:       c.current,
		ToState:         priorState,
		TriggerReason:   "Rollback: " + reason,
		HarmProbability: obs.HarmProbability,
		Observation:     &obsCopy,
	}
	c.transitionHistory = append(c.transitionHistory, transition)
	c.current = priorState
	c.harmBaselineBeforeTightening = nil
	c.windowsSinceLastTightening = 0
	return &transition
}

// tryAcquireLock reports whether this replica may apply a tighten/relax
// transition right now. With no lock configured every call succeeds,
// preserving single-process behavior identical to the original.
func (c *Controller) tryAcquireLock(ctx context.Context, ttl time.Duration) bool {
	if c.lock == nil {
		return true
	}
	ok, err := c.lock.TryAcquire(ctx, c.lockKey, ttl)
	return err == nil && ok
}

func (c *Controller) getBreachThreshold(state contracts.HealthState, dir direction) float64 {
	t := c.thresholds
	if dir == tighten {
		switch state {
		case contracts.HealthNormal:
			return t.NormalToCaution
		case contracts.HealthCaution:
			return t.CautionToConstrained
		case contracts.HealthConstrained:
			return t.ConstrainedToShadowOnly
		default:
			return t.ShadowOnlyToBlocked
		}
	}
	switch state {
	case contracts.HealthCaution, contracts.HealthConstrained:
		return t.ConstrainedToCaution
	case contracts.HealthShadowOnly:
		return t.ShadowOnlyToConstrained
	case contracts.HealthBlocked:
		return t.BlockedToShadowOnly
	default:
		return 0
	}
}

func (c *Controller) getWindowRequirement(state contracts.HealthState, dir direction) int {
	t := c.thresholds
	if dir == tighten {
		switch state {
		case contracts.HealthNormal:
			return t.WindowsToTightenCaution
		case contracts.HealthCaution:
			return t.WindowsToTightenConstrained
		case contracts.HealthConstrained:
			return t.WindowsToTightenShadowOnly
		default:
			return t.WindowsToTightenBlocked
		}
	}
	switch state {
	case contracts.HealthCaution:
		return t.WindowsToRelaxCaution
	case contracts.HealthConstrained:
		return t.WindowsToRelaxConstrained
	case contracts.HealthShadowOnly:
		return t.WindowsToRelaxShadowOnly
	case contracts.HealthBlocked:
		return t.WindowsToRelaxBlocked
	default:
		return 1
	}
}

func (c *Controller) nextState(current contracts.HealthState, dir direction) (contracts.HealthState, bool) {
	if dir == tighten {
		switch current {
		case contracts.HealthNormal:
			return contracts.HealthCaution, true
		case contracts.HealthCaution:
			return contracts.HealthConstrained, true
		case contracts.HealthConstrained:
			return contracts.HealthShadowOnly, true
		case contracts.HealthShadowOnly:
			return contracts.HealthBlocked, true
		default:
			return current, false
		}
	}
	switch current {
	case contracts.HealthBlocked:
		return contracts.HealthShadowOnly, true
	case contracts.HealthShadowOnly:
		return contracts.HealthConstrained, true
	case contracts.HealthConstrained:
		return contracts.HealthCaution, true
	case contracts.HealthCaution:
		return contracts.HealthNormal, true
	default:
		return current, false
	}
}

// GetCurrentPolicy returns the policy envelope for the controller's
// current state, the Go analog of get_current_policy.
func (c *Controller) GetCurrentPolicy() contracts.PolicyEnvelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return policyForState(c.current)
}

func policyForState(state contracts.HealthState) contracts.PolicyEnvelope {
	switch state {
	case contracts.HealthCaution:
		return contracts.PolicyEnvelope{State: state, TemperatureCap: 0.8, ModelSlot: "safe", ValidationRegime: "full"}
	case contracts.HealthConstrained:
		return contracts.PolicyEnvelope{State: state, TemperatureCap: 0.5, ModelSlot: "conservative", ValidationRegime: "strict", RequiresGuardianApproval: true}
	case contracts.HealthShadowOnly:
		return contracts.PolicyEnvelope{State: state, TemperatureCap: 0.3, ModelSlot: "minimal", ValidationRegime: "exhaustive", RequiresGuardianApproval: true, ForceExplainOnly: true}
	case contracts.HealthBlocked:
		return contracts.PolicyEnvelope{State: state, TemperatureCap: 0.1, ModelSlot: "none", ValidationRegime: "explain_only", RequiresGuardianApproval: true, BlockAllNewQueries: true}
	default:
		return contracts.PolicyEnvelope{State: contracts.HealthNormal, TemperatureCap: 1.0, ModelSlot: "default", ValidationRegime: "full"}
	}
}

// TimeSinceLastTransition reports how long the controller has been in
// its current state.
func (c *Controller) TimeSinceLastTransition() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastTransitionTime == nil {
		return 0, false
	}
	return c.clock().Sub(*c.lastTransitionTime), true
}

// MaxBlockedDuration exposes the configured blocked-duration threshold
// (30 minutes by default). The controller does not act on it: it does
// not escalate on its own, emits no escalation receipt and keeps
// relaxing out of BLOCKED automatically however long it stays there.
func (c *Controller) MaxBlockedDuration() time.Duration { return c.thresholds.MaxBlockedDuration }

func (c *Controller) emitTransitionReceipt(ctx context.Context, store *receipts.Store, t TransitionRecord) error {
	_, err := store.Append(ctx, contracts.Receipt{
		ReceiptID: fmt.Sprintf("selfheal-%s", t.TransitionID),
		Timestamp: t.Timestamp,
		Kind:      contracts.ReceiptKindPolicyChange,
		Payload: map[string]interface{}{
			"transition_id":    t.TransitionID,
			"from_state":       t.FromState.String(),
			"to_state":         t.ToState.String(),
			"trigger_reason":   t.TriggerReason,
			"harm_probability": t.HarmProbability,
		},
	})
	return err
}
