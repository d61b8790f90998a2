// Package experiment is the process-wide causal-experiment registry
// and the hook that threads an in-flight episode through at most one
// active experiment. It generalizes the teacher's escalation manager
// (pkg/escalation/manager.go) — a mutex-guarded map of lifecycle
// records with clock injection and defensive-copy reads — from
// approval intents to policy experiments and their shadow executions.
package experiment

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/quintet-kernel/quintet/pkg/canonicalize"
	"github.com/quintet-kernel/quintet/pkg/contracts"
)

// Registry is a thread-safe, disk-backed store of PolicyExperiments
// and their recorded shadow executions. Writes hold a single lock;
// reads return defensive copies so callers cannot mutate registry
// state through an aliased pointer.
type Registry struct {
	mu          sync.Mutex
	storageRoot string
	experiments map[string]*contracts.PolicyExperiment
	shadows     map[string][]contracts.ShadowExecution
	order       []string // registration order, for deterministic "first active" selection
	clock       func() time.Time
}

// NewRegistry creates a registry rooted at storageRoot. storageRoot is
// created lazily on first write.
func NewRegistry(storageRoot string) *Registry {
	return &Registry{
		storageRoot: storageRoot,
		experiments: make(map[string]*contracts.PolicyExperiment),
		shadows:     make(map[string][]contracts.ShadowExecution),
		clock:       time.Now,
	}
}

// WithClock overrides the registry's time source for deterministic
// testing.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// RegisterExperiment adds a new experiment to the registry and
// persists its metadata under storage/<id>/metadata.json.
func (r *Registry) RegisterExperiment(exp contracts.PolicyExperiment) error {
	if exp.ExperimentID == "" {
		return fmt.Errorf("experiment: ExperimentID must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.experiments[exp.ExperimentID]; exists {
		return fmt.Errorf("experiment: %q is already registered", exp.ExperimentID)
	}
	if exp.RegisteredAt.IsZero() {
		exp.RegisteredAt = r.clock()
	}

	stored := exp
	r.experiments[exp.ExperimentID] = &stored
	r.order = append(r.order, exp.ExperimentID)

	return r.persistMetadataLocked(&stored)
}

func (r *Registry) persistMetadataLocked(exp *contracts.PolicyExperiment) error {
	if r.storageRoot == "" {
		return nil
	}
	dir := filepath.Join(r.storageRoot, exp.ExperimentID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("experiment: create storage dir: %w", err)
	}
	canonical, err := canonicalize.JCS(exp)
	if err != nil {
		return fmt.Errorf("experiment: canonicalize metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), canonical, 0o644); err != nil {
		return fmt.Errorf("experiment: write metadata.json: %w", err)
	}
	return nil
}

// GetExperiment returns a defensive copy of the experiment, if known.
func (r *Registry) GetExperiment(id string) (contracts.PolicyExperiment, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	exp, ok := r.experiments[id]
	if !ok {
		return contracts.PolicyExperiment{}, false
	}
	return *exp, true
}

// FirstActive returns the first active experiment in registration
// order, matching spec's deterministic selection rule for
// check_and_assign.
func (r *Registry) FirstActive() (contracts.PolicyExperiment, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.order {
		exp := r.experiments[id]
		if exp.IsActive() {
			return *exp, true
		}
	}
	return contracts.PolicyExperiment{}, false
}

// StartExperiment marks an experiment as started (sets StartedAt),
// making it eligible for FirstActive selection.
func (r *Registry) StartExperiment(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	exp, ok := r.experiments[id]
	if !ok {
		return fmt.Errorf("experiment: %q not found", id)
	}
	now := r.clock()
	exp.StartedAt = &now
	return r.persistMetadataLocked(exp)
}

// EndExperiment marks an experiment as ended, sealing it against
// further shadow writes (Open Question #4: rejected after EndedAt).
func (r *Registry) EndExperiment(id string, summary *contracts.CausalSummary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	exp, ok := r.experiments[id]
	if !ok {
		return fmt.Errorf("experiment: %q not found", id)
	}
	now := r.clock()
	exp.EndedAt = &now
	exp.CausalSummary = summary
	return r.persistMetadataLocked(exp)
}

// RecordShadowExecution appends a shadow execution to the in-memory
// list and to storage/<id>/shadows.jsonl. Rejected once the
// experiment has ended.
func (r *Registry) RecordShadowExecution(shadow contracts.ShadowExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	exp, ok := r.experiments[shadow.ExperimentID]
	if !ok {
		return fmt.Errorf("experiment: %q not found", shadow.ExperimentID)
	}
	if exp.IsComplete() {
		return fmt.Errorf("experiment: %q has ended, rejecting shadow write", shadow.ExperimentID)
	}

	if shadow.RecordedAt.IsZero() {
		shadow.RecordedAt = r.clock()
	}
	r.shadows[shadow.ExperimentID] = append(r.shadows[shadow.ExperimentID], shadow)
	exp.ShadowExecutionCount++

	if err := r.appendShadowLineLocked(shadow); err != nil {
		return err
	}
	return r.persistMetadataLocked(exp)
}

func (r *Registry) appendShadowLineLocked(shadow contracts.ShadowExecution) error {
	if r.storageRoot == "" {
		return nil
	}
	dir := filepath.Join(r.storageRoot, shadow.ExperimentID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("experiment: create storage dir: %w", err)
	}
	line, err := canonicalize.JCS(shadow)
	if err != nil {
		return fmt.Errorf("experiment: canonicalize shadow: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "shadows.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("experiment: open shadows.jsonl: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("experiment: append shadow: %w", err)
	}
	return nil
}

// Shadows returns a defensive copy of the shadow executions recorded
// for an experiment.
func (r *Registry) Shadows(experimentID string) []contracts.ShadowExecution {
	r.mu.Lock()
	defer r.mu.Unlock()
	src := r.shadows[experimentID]
	out := make([]contracts.ShadowExecution, len(src))
	copy(out, src)
	return out
}
