package stress

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryCoverageStore is an in-process CoverageStore, used by tests
// and single-process local runs that don't need the SQLite schema.
type MemoryCoverageStore struct {
	mu        sync.Mutex
	scenarios map[string]*scenarioEntry
	gaps      map[string]CoverageGap
}

type scenarioEntry struct {
	name, category, domain string
	runs                   []TestRun
}

// NewMemoryCoverageStore returns an empty store.
func NewMemoryCoverageStore() *MemoryCoverageStore {
	return &MemoryCoverageStore{
		scenarios: map[string]*scenarioEntry{},
		gaps:      map[string]CoverageGap{},
	}
}

func (m *MemoryCoverageStore) RecordScenario(_ context.Context, scenarioID, name, category, domain string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.scenarios[scenarioID]
	if !ok {
		entry = &scenarioEntry{}
		m.scenarios[scenarioID] = entry
	}
	entry.name, entry.category, entry.domain = name, category, domain
	return nil
}

func (m *MemoryCoverageStore) RecordRun(_ context.Context, run TestRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.scenarios[run.ScenarioID]
	if !ok {
		entry = &scenarioEntry{name: run.ScenarioID}
		m.scenarios[run.ScenarioID] = entry
	}
	if run.Timestamp.IsZero() {
		run.Timestamp = time.Now().UTC()
	}
	entry.runs = append(entry.runs, run)
	return nil
}

func statsFromRuns(runs []TestRun) ScenarioStats {
	if len(runs) == 0 {
		return ScenarioStats{FailureRate: 1.0}
	}
	var passed int
	var confidenceSum float64
	var lastRun time.Time
	for _, r := range runs {
		if r.Passed {
			passed++
		}
		confidenceSum += r.Confidence
		if r.Timestamp.After(lastRun) {
			lastRun = r.Timestamp
		}
	}
	return ScenarioStats{
		TotalRuns:     len(runs),
		PassedRuns:    passed,
		AvgConfidence: confidenceSum / float64(len(runs)),
		LastRunAt:     lastRun,
		FailureRate:   1.0 - float64(passed)/float64(len(runs)),
	}
}

func (m *MemoryCoverageStore) ScenarioStats(_ context.Context, scenarioID string) (ScenarioStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.scenarios[scenarioID]
	if !ok {
		return ScenarioStats{FailureRate: 1.0}, nil
	}
	return statsFromRuns(entry.runs), nil
}

func (m *MemoryCoverageStore) AllScenarioStats(_ context.Context) (map[string]ScenarioStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]ScenarioStats{}
	for id, entry := range m.scenarios {
		out[id] = statsFromRuns(entry.runs)
	}
	return out, nil
}

func (m *MemoryCoverageStore) RecordGap(_ context.Context, gap CoverageGap) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gaps[gap.GapID] = gap
	return nil
}

func (m *MemoryCoverageStore) CoverageGaps(_ context.Context, priorityMin int) ([]CoverageGap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []CoverageGap
	for _, g := range m.gaps {
		if g.ResolvedAt == nil && g.Priority >= priorityMin {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].DiscoveredAt.Before(out[j].DiscoveredAt)
	})
	return out, nil
}

func (m *MemoryCoverageStore) ScenarioRows(_ context.Context) ([]ScenarioRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ScenarioRow
	for id, entry := range m.scenarios {
		out = append(out, ScenarioRow{
			ScenarioID:    id,
			Name:          entry.name,
			Category:      entry.category,
			Domain:        entry.domain,
			ScenarioStats: statsFromRuns(entry.runs),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		if out[i].Domain != out[j].Domain {
			return out[i].Domain < out[j].Domain
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (m *MemoryCoverageStore) GenerateCoverageReport(ctx context.Context) (CoverageReport, error) {
	scenarios, err := m.ScenarioRows(ctx)
	if err != nil {
		return CoverageReport{}, err
	}
	gaps, err := m.CoverageGaps(ctx, 1)
	if err != nil {
		return CoverageReport{}, err
	}
	report := buildCoverageReport(scenarios, gaps)
	report.GeneratedAt = time.Now().UTC()
	return report, nil
}
