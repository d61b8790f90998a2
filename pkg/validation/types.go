// Package validation implements the two-phase validation gate: Phase 1
// checks a fixture export of episodes for structural soundness and
// coherent recommendations; Phase 2 checks a live Loom ↔ Quintet
// integration path. Ported from
// original_source/quintet/validation/{types,phase1,phase2}.py.
package validation

// CheckResult is the Go analog of validation/types.py's
// ValidationCheckResult dataclass: one named check's outcome.
type CheckResult struct {
	Name    string                 `json:"name"`
	Passed  bool                   `json:"passed"`
	Warnings []string              `json:"warnings,omitempty"`
	Errors  []string               `json:"errors,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// HasFailures mirrors ValidationCheckResult.has_failures.
func (r CheckResult) HasFailures() bool { return len(r.Errors) > 0 }

// Summary is the Go analog of ValidationSummary: a phase's full set of
// check results plus the rollup properties the CLI interprets.
type Summary struct {
	Checks []CheckResult `json:"checks"`
}

// PassedChecks is the count of checks with Passed == true.
func (s Summary) PassedChecks() int {
	n := 0
	for _, c := range s.Checks {
		if c.Passed {
			n++
		}
	}
	return n
}

// TotalChecks is len(Checks).
func (s Summary) TotalChecks() int { return len(s.Checks) }

// WarningsCount sums warnings across every check.
func (s Summary) WarningsCount() int {
	n := 0
	for _, c := range s.Checks {
		n += len(c.Warnings)
	}
	return n
}

// Failures lists the names of checks that have hard errors (not
// merely warnings).
func (s Summary) Failures() []string {
	var names []string
	for _, c := range s.Checks {
		if c.HasFailures() {
			names = append(names, c.Name)
		}
	}
	return names
}

// AllPassed mirrors ValidationSummary.all_passed.
func (s Summary) AllPassed() bool {
	for _, c := range s.Checks {
		if !c.Passed {
			return false
		}
	}
	return len(s.Checks) > 0
}

// FixtureValidation is the embedded per-episode confidence a fixture
// export carries, when its producer recorded one.
type FixtureValidation struct {
	Confidence float64 `json:"confidence"`
}

// FixtureEpisode is the Go analog of validation/phase1.py's
// LoomEpisode: a loosely-typed export record read back from a JSON
// fixture file, kept deliberately separate from contracts.Episode
// (the kernel's own live episode format) since a fixture export is an
// external, versioned-independently artifact, not a live Episode.
type FixtureEpisode struct {
	EpisodeID    string                 `json:"episode_id"`
	Mode         string                 `json:"mode"`
	Outcome      map[string]interface{} `json:"outcome"`
	Validation   *FixtureValidation     `json:"validation,omitempty"`
	PolicyLevers map[string]string      `json:"policy_levers,omitempty"`
}

// outcomeSuccess reads outcome.success defensively: a fixture may have
// been hand-written and the key can be absent or non-boolean.
func (e FixtureEpisode) outcomeSuccess() bool {
	if e.Outcome == nil {
		return false
	}
	v, ok := e.Outcome["success"]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// confidence returns the episode's recorded validation confidence, or
// a 0/1 proxy from outcome.success when no validation block was
// exported.
func (e FixtureEpisode) confidence() float64 {
	if e.Validation != nil {
		return e.Validation.Confidence
	}
	if e.outcomeSuccess() {
		return 1.0
	}
	return 0.0
}
