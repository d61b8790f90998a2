package receipts

import (
	"bufio"
	"context"
	"fmt"
	"os"

	"github.com/quintet-kernel/quintet/pkg/contracts"
)

// ReadOptions controls ReadAll's tolerance for malformed input and
// whether the hash chain is validated as it is read.
type ReadOptions struct {
	// SkipCorrupt, when true (the default), logs and skips malformed
	// lines instead of failing the whole read.
	SkipCorrupt bool
	// VerifyChain, when true, returns an error the moment a parent-hash
	// mismatch is found.
	VerifyChain bool
}

// DefaultReadOptions matches the original's read_all_receipts defaults.
func DefaultReadOptions() ReadOptions {
	return ReadOptions{SkipCorrupt: true, VerifyChain: false}
}

// ReadAll reads every receipt from the store in append order.
func (s *Store) ReadAll(opts ReadOptions) ([]contracts.ReceiptWithHash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readAllLocked(opts)
}

func (s *Store) readAllLocked(opts ReadOptions) ([]contracts.ReceiptWithHash, error) {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("receipts: open %s: %w", s.path, err)
	}
	defer f.Close()

	var out []contracts.ReceiptWithHash
	corrupt := 0
	lineNum := 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		rwh, err := unmarshalLine(line)
		if err != nil {
			corrupt++
			if opts.SkipCorrupt {
				s.logger.Warn("receipts: skipping corrupt line", "line", lineNum, "error", err)
				continue
			}
			return nil, fmt.Errorf("receipts: corrupt line %d: %w", lineNum, err)
		}
		out = append(out, rwh)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("receipts: scan %s: %w", s.path, err)
	}
	if corrupt > 0 {
		s.logger.Warn("receipts: skipped corrupt lines", "count", corrupt)
	}

	if opts.VerifyChain && len(out) > 0 {
		if err := verifyChainLinks(out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ReadRecent returns the most recent limit receipts.
func (s *Store) ReadRecent(ctx context.Context, limit int) ([]contracts.ReceiptWithHash, error) {
	all, err := s.ReadAll(DefaultReadOptions())
	if err != nil {
		return nil, err
	}
	if len(all) <= limit {
		return all, nil
	}
	return all[len(all)-limit:], nil
}

// Filter predicate over the full receipt set is the Go analog of the
// original's filter_receipts' multiple optional keyword filters: call
// Filter with a closure composing whichever checks are needed.
func (s *Store) Filter(pred func(contracts.ReceiptWithHash) bool) ([]contracts.ReceiptWithHash, error) {
	all, err := s.ReadAll(DefaultReadOptions())
	if err != nil {
		return nil, err
	}
	var out []contracts.ReceiptWithHash
	for _, rwh := range all {
		if pred(rwh) {
			out = append(out, rwh)
		}
	}
	return out, nil
}

// FilterByKind is the most common Filter use: receipts of one kind.
func (s *Store) FilterByKind(kind contracts.ReceiptKind) ([]contracts.ReceiptWithHash, error) {
	return s.Filter(func(rwh contracts.ReceiptWithHash) bool { return rwh.Receipt.Kind == kind })
}
