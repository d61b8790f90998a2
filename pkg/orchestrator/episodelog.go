package orchestrator

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/quintet-kernel/quintet/pkg/contracts"
)

// EpisodeLog is an append-only, newline-delimited JSON log of
// Episodes — the "episode log file" of SPEC_FULL.md §6. Unlike
// pkg/receipts.Store it carries no hash chain: episodes are keyed by
// episode_id, not by a sequence invariant, and the receipt store is
// where chain-of-custody evidence lives. Structurally it follows the
// same single-writer-mutex-plus-append shape as receipts.Store.
type EpisodeLog struct {
	mu     sync.Mutex
	path   string
	logger *slog.Logger
}

// NewEpisodeLog opens (or creates) the episode log at path.
func NewEpisodeLog(path string) (*EpisodeLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("orchestrator: create episode log dir: %w", err)
	}
	return &EpisodeLog{path: path, logger: slog.Default()}, nil
}

// Append writes one Episode as a single JSON line.
func (l *EpisodeLog) Append(ep contracts.Episode) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	line, err := json.Marshal(ep)
	if err != nil {
		return fmt.Errorf("orchestrator: marshal episode %s: %w", ep.EpisodeID, err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("orchestrator: open %s for append: %w", l.path, err)
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("orchestrator: write %s: %w", l.path, err)
	}

	l.logger.Info("episode appended", "episode_id", ep.EpisodeID, "mode", ep.Mode, "success", ep.Result.Success)
	return nil
}

// ReadAll loads every episode currently in the log, in file order.
func (l *EpisodeLog) ReadAll() ([]contracts.Episode, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("orchestrator: open %s: %w", l.path, err)
	}
	defer f.Close()

	var out []contracts.Episode
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ep contracts.Episode
		if err := json.Unmarshal(line, &ep); err != nil {
			l.logger.Warn("orchestrator: skipping unparseable episode line", "error", err)
			continue
		}
		out = append(out, ep)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("orchestrator: scan %s: %w", l.path, err)
	}
	return out, nil
}
