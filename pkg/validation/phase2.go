package validation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// PhaseConfig carries the live endpoints Phase 2 exercises. There is
// no HTTP client library anywhere in the corpus this kernel was
// grounded on — no example repo imports one for outbound calls — so
// these checks use net/http directly rather than inventing a
// dependency the pack never reaches for.
type PhaseConfig struct {
	LoomBaseURL    string
	QuintetBaseURL string
	Client         *http.Client
}

func (c PhaseConfig) client() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return &http.Client{Timeout: 10 * time.Second}
}

// quintetCallRecord is the Go analog of validation/phase2.py's
// QuintetCallRecord: one entry from GET /api/calls.
type quintetCallRecord struct {
	EpisodeID  string  `json:"episode_id"`
	LatencyMs  float64 `json:"latency_ms"`
	Success    bool    `json:"success"`
	HasError   bool    `json:"has_error"`
	ErrorMsg   string  `json:"error_message"`
}

func postJSON(ctx context.Context, client *http.Client, url string, body interface{}) (*http.Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("validation: marshal request to %s: %w", url, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("validation: build request to %s: %w", url, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return client.Do(req)
}

func getJSON(ctx context.Context, client *http.Client, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("validation: build request to %s: %w", url, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("validation: request to %s: %w", url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("validation: read response from %s: %w", url, err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("validation: %s returned %d: %s", url, resp.StatusCode, string(data))
	}
	return json.Unmarshal(data, out)
}

// CheckLivePath is the Go analog of check_live_path: confirm the Loom
// daemon and Quintet service both answer a health probe, trigger one
// synthetic episode against Loom, and confirm Quintet's call log
// picked it up.
func CheckLivePath(ctx context.Context, cfg PhaseConfig) CheckResult {
	res := CheckResult{Name: "live_path", Details: map[string]interface{}{}}
	client := cfg.client()

	if err := probeHealth(ctx, client, cfg.LoomBaseURL); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("loom health probe failed: %v", err))
	}
	if err := probeHealth(ctx, client, cfg.QuintetBaseURL); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("quintet health probe failed: %v", err))
	}
	if len(res.Errors) > 0 {
		res.Passed = false
		return res
	}

	resp, err := postJSON(ctx, client, cfg.LoomBaseURL+"/api/episodes", map[string]string{
		"query": "phase2 live-path probe",
	})
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("trigger episode failed: %v", err))
		res.Passed = false
		return res
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		res.Errors = append(res.Errors, fmt.Sprintf("trigger episode returned %d", resp.StatusCode))
		res.Passed = false
		return res
	}

	var calls []quintetCallRecord
	if err := getJSON(ctx, client, cfg.QuintetBaseURL+"/api/calls", &calls); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("fetch call log failed: %v", err))
		res.Passed = false
		return res
	}
	if len(calls) == 0 {
		res.Errors = append(res.Errors, "quintet call log recorded zero calls after triggering an episode")
		res.Passed = false
		return res
	}

	res.Details["call_count"] = len(calls)
	res.Passed = true
	return res
}

func probeHealth(ctx context.Context, client *http.Client, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// CheckPolicyEffect is the Go analog of check_policy_effect: record a
// baseline episode's latency, apply a policy change, re-run, and
// require at least a 5% latency differential as evidence the policy
// change actually took effect end to end.
func CheckPolicyEffect(ctx context.Context, cfg PhaseConfig) CheckResult {
	res := CheckResult{Name: "policy_effect", Details: map[string]interface{}{}}
	client := cfg.client()

	baseline, err := runTimedEpisode(ctx, client, cfg.LoomBaseURL, "phase2 baseline probe")
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("baseline episode failed: %v", err))
		res.Passed = false
		return res
	}

	resp, err := postJSON(ctx, client, cfg.QuintetBaseURL+"/api/test-policy-change", map[string]string{
		"parameter_name": "brain_temperature",
		"new_value":      "0.9",
	})
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("apply policy change failed: %v", err))
		res.Passed = false
		return res
	}
	resp.Body.Close()

	candidate, err := runTimedEpisode(ctx, client, cfg.LoomBaseURL, "phase2 post-change probe")
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("post-change episode failed: %v", err))
		res.Passed = false
		return res
	}

	res.Details["baseline_latency_ms"] = baseline
	res.Details["candidate_latency_ms"] = candidate

	if baseline <= 0 {
		res.Errors = append(res.Errors, "baseline latency was zero; cannot compute a differential")
		res.Passed = false
		return res
	}

	differential := (candidate - baseline) / baseline
	if differential < 0 {
		differential = -differential
	}
	res.Details["latency_differential"] = differential

	res.Passed = differential >= 0.05
	if !res.Passed {
		res.Errors = append(res.Errors, fmt.Sprintf("latency differential %.4f below the 5%% threshold", differential))
	}
	return res
}

func runTimedEpisode(ctx context.Context, client *http.Client, loomBaseURL, query string) (float64, error) {
	start := time.Now()
	resp, err := postJSON(ctx, client, loomBaseURL+"/api/episodes", map[string]string{"query": query})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("episode trigger returned %d", resp.StatusCode)
	}
	return float64(time.Since(start).Milliseconds()), nil
}

// CheckFailureMode is the Go analog of check_failure_mode: point the
// kernel at a deliberately broken Quintet URL and require the episode
// to come back with an explicit error, never a silent success.
func CheckFailureMode(ctx context.Context, cfg PhaseConfig, brokenQuintetURL string) CheckResult {
	res := CheckResult{Name: "failure_mode", Details: map[string]interface{}{"broken_url": brokenQuintetURL}}
	client := cfg.client()

	resp, err := postJSON(ctx, client, cfg.LoomBaseURL+"/api/episodes", map[string]string{
		"query":            "phase2 failure-mode probe",
		"quintet_base_url": brokenQuintetURL,
	})
	if err != nil {
		// A transport-level failure is itself an explicit error signal.
		res.Details["error_observed"] = err.Error()
		res.Passed = true
		return res
	}
	defer resp.Body.Close()

	var body struct {
		HasError     bool   `json:"has_error"`
		ErrorMessage string `json:"error_message"`
	}
	data, err := io.ReadAll(resp.Body)
	if err == nil {
		_ = json.Unmarshal(data, &body)
	}

	if resp.StatusCode < 400 && !body.HasError {
		res.Errors = append(res.Errors, "episode against a broken quintet url returned success with no error signal")
		res.Passed = false
		return res
	}
	if body.HasError && body.ErrorMessage == "" {
		res.Errors = append(res.Errors, "has_error was set but error_message was empty")
		res.Passed = false
		return res
	}

	res.Details["error_observed"] = body.ErrorMessage
	res.Passed = true
	return res
}

// RunPhase2 runs all three Phase 2 checks.
func RunPhase2(ctx context.Context, cfg PhaseConfig, brokenQuintetURL string) Summary {
	return Summary{Checks: []CheckResult{
		CheckLivePath(ctx, cfg),
		CheckPolicyEffect(ctx, cfg),
		CheckFailureMode(ctx, cfg, brokenQuintetURL),
	}}
}

// SummarizePhase2 mirrors summarize_phase2: stricter than Phase 1 —
// every check must pass outright, warnings included, since Phase 2
// exercises a live path rather than a static fixture.
func SummarizePhase2(s Summary) string {
	if s.AllPassed() && s.WarningsCount() == 0 {
		return "passed"
	}
	if len(s.Failures()) == 0 {
		return "incomplete"
	}
	return "failed"
}
