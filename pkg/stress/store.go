// Package stress tracks stress-scenario test runs in a SQLite-backed
// coverage database, detects coverage gaps, and gates promotion from
// shadow to production based on per-scenario statistics. It is a Go
// port of original_source/quintet/stress/coverage.py and
// promotion.py's CoverageTracker/StressPromotionManager.
package stress

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// TestRun is one recorded stress-scenario execution.
type TestRun struct {
	RunID           string            `json:"run_id"`
	ScenarioID      string            `json:"scenario_id"`
	CaseID          string            `json:"case_id"`
	BudgetTier      string            `json:"budget_tier"`
	ToleranceConfig map[string]string `json:"tolerance_config"`
	Passed          bool              `json:"passed"`
	Confidence      float64           `json:"confidence"`
	DurationMs      float64           `json:"duration_ms"`
	Outcome         string            `json:"outcome"`
	FailureReason   string            `json:"failure_reason,omitempty"`
	Warnings        []string          `json:"warnings,omitempty"`
	Timestamp       time.Time         `json:"timestamp"`
}

// ScenarioStats summarizes one scenario's accumulated runs.
type ScenarioStats struct {
	TotalRuns     int       `json:"total_runs"`
	PassedRuns    int       `json:"passed_runs"`
	AvgConfidence float64   `json:"avg_confidence"`
	LastRunAt     time.Time `json:"last_run_at"`
	FailureRate   float64   `json:"failure_rate"`
}

// CoverageGap is one identified testing gap.
type CoverageGap struct {
	GapID        string     `json:"gap_id"`
	ScenarioID   string     `json:"scenario_id"`
	GapType      string     `json:"gap_type"` // "untested" | "low_confidence" | "high_failure_rate"
	Description  string     `json:"description"`
	Priority     int        `json:"priority"` // 1-5, higher is more urgent
	DiscoveredAt time.Time  `json:"discovered_at"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
}

// ScenarioRow is one scenario's registration plus its rolled-up stats,
// as returned by a full coverage report.
type ScenarioRow struct {
	ScenarioID string `json:"scenario_id"`
	Name       string `json:"name"`
	Category   string `json:"category"`
	Domain     string `json:"domain"`
	ScenarioStats
}

// CoverageReport is the comprehensive snapshot produced by
// generate_coverage_report in the original: per-scenario stats, open
// gaps, and a gap-type/priority summary.
type CoverageReport struct {
	GeneratedAt        time.Time     `json:"generated_at"`
	TotalScenarios     int           `json:"total_scenarios"`
	TotalRuns          int           `json:"total_runs"`
	TotalPassed        int           `json:"total_passed"`
	OverallFailureRate float64       `json:"overall_failure_rate"`
	AvgConfidence      float64       `json:"avg_confidence"`
	Scenarios          []ScenarioRow `json:"scenarios"`
	Gaps               []CoverageGap `json:"gaps"`
	GapSummary         GapSummary    `json:"gap_summary"`
}

// GapSummary buckets open gaps by type and flags high-priority ones.
type GapSummary struct {
	TotalGaps        int            `json:"total_gaps"`
	ByType           map[string]int `json:"by_type"`
	HighPriorityGaps int            `json:"high_priority_gaps"`
}

// highPriorityThreshold matches the original's priority >= 4 cutoff
// for flagging a gap as high-priority in the summary.
const highPriorityThreshold = 4

// CoverageStore is the persistence contract coverage tracking needs;
// SQLiteCoverageStore is the production implementation and
// MemoryCoverageStore a dependency-free one for tests and local runs.
type CoverageStore interface {
	RecordScenario(ctx context.Context, scenarioID, name, category, domain string) error
	RecordRun(ctx context.Context, run TestRun) error
	ScenarioStats(ctx context.Context, scenarioID string) (ScenarioStats, error)
	RecordGap(ctx context.Context, gap CoverageGap) error
	CoverageGaps(ctx context.Context, priorityMin int) ([]CoverageGap, error)
	AllScenarioStats(ctx context.Context) (map[string]ScenarioStats, error)
	ScenarioRows(ctx context.Context) ([]ScenarioRow, error)
	GenerateCoverageReport(ctx context.Context) (CoverageReport, error)
}

// SQLiteCoverageStore persists coverage data via database/sql against
// modernc.org/sqlite, the teacher's pure-Go SQLite driver
// (pkg/store/receipt_store_sqlite.go), with the same table shape as
// the original's three tables (scenarios, test_runs, coverage_gaps).
type SQLiteCoverageStore struct {
	db *sql.DB
}

// NewSQLiteCoverageStore wraps an existing *sql.DB and runs migrations.
func NewSQLiteCoverageStore(db *sql.DB) (*SQLiteCoverageStore, error) {
	s := &SQLiteCoverageStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLiteCoverageStore opens (or creates) a SQLite database file at
// path and migrates it.
func OpenSQLiteCoverageStore(path string) (*SQLiteCoverageStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("stress: open sqlite %s: %w", path, err)
	}
	return NewSQLiteCoverageStore(db)
}

func (s *SQLiteCoverageStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS scenarios (
			scenario_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			category TEXT,
			domain TEXT,
			total_runs INTEGER DEFAULT 0,
			passed_runs INTEGER DEFAULT 0,
			avg_confidence REAL DEFAULT 0.0,
			last_run_at TEXT,
			created_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS test_runs (
			run_id TEXT PRIMARY KEY,
			scenario_id TEXT NOT NULL,
			case_id TEXT NOT NULL,
			budget_tier TEXT,
			tolerance_config TEXT,
			passed BOOLEAN,
			confidence REAL,
			duration_ms REAL,
			outcome TEXT,
			failure_reason TEXT,
			warnings TEXT,
			timestamp TEXT,
			FOREIGN KEY (scenario_id) REFERENCES scenarios(scenario_id)
		)`,
		`CREATE TABLE IF NOT EXISTS coverage_gaps (
			gap_id TEXT PRIMARY KEY,
			scenario_id TEXT NOT NULL,
			gap_type TEXT,
			description TEXT,
			priority INTEGER,
			discovered_at TEXT,
			resolved_at TEXT,
			FOREIGN KEY (scenario_id) REFERENCES scenarios(scenario_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_scenario ON test_runs(scenario_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_timestamp ON test_runs(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_gaps_scenario ON coverage_gaps(scenario_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("stress: migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteCoverageStore) RecordScenario(ctx context.Context, scenarioID, name, category, domain string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scenarios (scenario_id, name, category, domain, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(scenario_id) DO UPDATE SET name=excluded.name, category=excluded.category, domain=excluded.domain
	`, scenarioID, name, category, domain, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func (s *SQLiteCoverageStore) RecordRun(ctx context.Context, run TestRun) error {
	toleranceJSON, _ := json.Marshal(run.ToleranceConfig)
	warningsJSON, _ := json.Marshal(run.Warnings)
	ts := run.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("stress: begin record_run: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO test_runs (
			run_id, scenario_id, case_id, budget_tier, tolerance_config,
			passed, confidence, duration_ms, outcome, failure_reason,
			warnings, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.RunID, run.ScenarioID, run.CaseID, run.BudgetTier, string(toleranceJSON),
		run.Passed, run.Confidence, run.DurationMs, run.Outcome, run.FailureReason,
		string(warningsJSON), ts.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("stress: insert test_run: %w", err)
	}

	if err := updateScenarioStats(ctx, tx, run.ScenarioID); err != nil {
		return err
	}
	return tx.Commit()
}

func updateScenarioStats(ctx context.Context, tx *sql.Tx, scenarioID string) error {
	row := tx.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN passed THEN 1 ELSE 0 END), 0), COALESCE(AVG(confidence), 0.0)
		FROM test_runs WHERE scenario_id = ?
	`, scenarioID)

	var totalRuns, passedRuns int
	var avgConfidence float64
	if err := row.Scan(&totalRuns, &passedRuns, &avgConfidence); err != nil {
		return fmt.Errorf("stress: scenario stats query: %w", err)
	}

	_, err := tx.ExecContext(ctx, `
		UPDATE scenarios SET total_runs=?, passed_runs=?, avg_confidence=?, last_run_at=?
		WHERE scenario_id=?
	`, totalRuns, passedRuns, avgConfidence, time.Now().UTC().Format(time.RFC3339Nano), scenarioID)
	if err != nil {
		return fmt.Errorf("stress: update scenario stats: %w", err)
	}
	return nil
}

func (s *SQLiteCoverageStore) ScenarioStats(ctx context.Context, scenarioID string) (ScenarioStats, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT total_runs, passed_runs, avg_confidence, last_run_at
		FROM scenarios WHERE scenario_id = ?
	`, scenarioID)

	var totalRuns, passedRuns int
	var avgConfidence float64
	var lastRunAt sql.NullString
	if err := row.Scan(&totalRuns, &passedRuns, &avgConfidence, &lastRunAt); err != nil {
		if err == sql.ErrNoRows {
			return ScenarioStats{FailureRate: 1.0}, nil
		}
		return ScenarioStats{}, fmt.Errorf("stress: scenario stats: %w", err)
	}
	return scenarioStatsFromCounts(totalRuns, passedRuns, avgConfidence, lastRunAt.String), nil
}

func scenarioStatsFromCounts(totalRuns, passedRuns int, avgConfidence float64, lastRunAt string) ScenarioStats {
	denom := totalRuns
	if denom == 0 {
		denom = 1
	}
	stats := ScenarioStats{
		TotalRuns:     totalRuns,
		PassedRuns:    passedRuns,
		AvgConfidence: avgConfidence,
		FailureRate:   1.0 - float64(passedRuns)/float64(denom),
	}
	if lastRunAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, lastRunAt); err == nil {
			stats.LastRunAt = t
		}
	}
	return stats
}

func (s *SQLiteCoverageStore) AllScenarioStats(ctx context.Context) (map[string]ScenarioStats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT scenario_id, total_runs, passed_runs, avg_confidence, last_run_at FROM scenarios`)
	if err != nil {
		return nil, fmt.Errorf("stress: all scenario stats: %w", err)
	}
	defer rows.Close()

	out := map[string]ScenarioStats{}
	for rows.Next() {
		var id string
		var totalRuns, passedRuns int
		var avgConfidence float64
		var lastRunAt sql.NullString
		if err := rows.Scan(&id, &totalRuns, &passedRuns, &avgConfidence, &lastRunAt); err != nil {
			return nil, fmt.Errorf("stress: scan scenario row: %w", err)
		}
		out[id] = scenarioStatsFromCounts(totalRuns, passedRuns, avgConfidence, lastRunAt.String)
	}
	return out, rows.Err()
}

func (s *SQLiteCoverageStore) RecordGap(ctx context.Context, gap CoverageGap) error {
	var resolvedAt interface{}
	if gap.ResolvedAt != nil {
		resolvedAt = gap.ResolvedAt.Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO coverage_gaps (gap_id, scenario_id, gap_type, description, priority, discovered_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(gap_id) DO UPDATE SET resolved_at=excluded.resolved_at
	`, gap.GapID, gap.ScenarioID, gap.GapType, gap.Description, gap.Priority, gap.DiscoveredAt.Format(time.RFC3339Nano), resolvedAt)
	return err
}

func (s *SQLiteCoverageStore) CoverageGaps(ctx context.Context, priorityMin int) ([]CoverageGap, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT gap_id, scenario_id, gap_type, description, priority, discovered_at, resolved_at
		FROM coverage_gaps
		WHERE resolved_at IS NULL AND priority >= ?
		ORDER BY priority DESC, discovered_at ASC
	`, priorityMin)
	if err != nil {
		return nil, fmt.Errorf("stress: coverage gaps: %w", err)
	}
	defer rows.Close()

	var gaps []CoverageGap
	for rows.Next() {
		var gap CoverageGap
		var discoveredAt string
		var resolvedAt sql.NullString
		if err := rows.Scan(&gap.GapID, &gap.ScenarioID, &gap.GapType, &gap.Description, &gap.Priority, &discoveredAt, &resolvedAt); err != nil {
			return nil, fmt.Errorf("stress: scan gap row: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, discoveredAt); err == nil {
			gap.DiscoveredAt = t
		}
		gaps = append(gaps, gap)
	}
	return gaps, rows.Err()
}

func (s *SQLiteCoverageStore) ScenarioRows(ctx context.Context) ([]ScenarioRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT scenario_id, name, category, domain, total_runs, passed_runs, avg_confidence
		FROM scenarios
		ORDER BY category, domain, name
	`)
	if err != nil {
		return nil, fmt.Errorf("stress: scenario rows: %w", err)
	}
	defer rows.Close()

	var out []ScenarioRow
	for rows.Next() {
		var row ScenarioRow
		var category, domain sql.NullString
		if err := rows.Scan(&row.ScenarioID, &row.Name, &category, &domain, &row.TotalRuns, &row.PassedRuns, &row.AvgConfidence); err != nil {
			return nil, fmt.Errorf("stress: scan scenario row: %w", err)
		}
		row.Category = category.String
		row.Domain = domain.String
		denom := row.TotalRuns
		if denom == 0 {
			denom = 1
			row.FailureRate = 1.0
		} else {
			row.FailureRate = 1.0 - float64(row.PassedRuns)/float64(denom)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// GenerateCoverageReport assembles the full snapshot, matching
// generate_coverage_report: per-scenario stats ordered by
// category/domain/name, all open gaps, and a gap-type/priority
// summary.
func (s *SQLiteCoverageStore) GenerateCoverageReport(ctx context.Context) (CoverageReport, error) {
	scenarios, err := s.ScenarioRows(ctx)
	if err != nil {
		return CoverageReport{}, err
	}
	gaps, err := s.CoverageGaps(ctx, 1)
	if err != nil {
		return CoverageReport{}, err
	}
	report := buildCoverageReport(scenarios, gaps)
	report.GeneratedAt = time.Now().UTC()
	return report, nil
}

func buildCoverageReport(scenarios []ScenarioRow, gaps []CoverageGap) CoverageReport {
	var totalRuns, totalPassed int
	var totalAvgConfidence float64
	for _, sc := range scenarios {
		totalRuns += sc.TotalRuns
		totalPassed += sc.PassedRuns
		totalAvgConfidence += sc.AvgConfidence
	}

	overallFailureRate := 1.0
	if totalRuns > 0 {
		overallFailureRate = 1.0 - float64(totalPassed)/float64(totalRuns)
	}
	avgConfidence := 0.0
	if len(scenarios) > 0 {
		avgConfidence = totalAvgConfidence / float64(len(scenarios))
	}

	byType := map[string]int{}
	highPriority := 0
	for _, gap := range gaps {
		byType[gap.GapType]++
		if gap.Priority >= highPriorityThreshold {
			highPriority++
		}
	}

	return CoverageReport{
		TotalScenarios:     len(scenarios),
		TotalRuns:          totalRuns,
		TotalPassed:        totalPassed,
		OverallFailureRate: overallFailureRate,
		AvgConfidence:      avgConfidence,
		Scenarios:          scenarios,
		Gaps:               gaps,
		GapSummary: GapSummary{
			TotalGaps:        len(gaps),
			ByType:           byType,
			HighPriorityGaps: highPriority,
		},
	}
}
