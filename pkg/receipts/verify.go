package receipts

import (
	"context"
	"fmt"

	"github.com/quintet-kernel/quintet/pkg/contracts"
)

// ChainBreak records a position where the stored parent_hash does not
// match the previous entry's receipt_hash.
type ChainBreak struct {
	Position       int    `json:"position"`
	ExpectedParent string `json:"expected_parent"`
	ActualParent   string `json:"actual_parent"`
}

// TamperedReceipt records a position whose recomputed hash does not
// match the stored hash.
type TamperedReceipt struct {
	Position      int    `json:"position"`
	Sequence      uint64 `json:"sequence_number"`
	StoredHash    string `json:"stored_hash"`
	ComputedHash  string `json:"computed_hash"`
}

// IntegrityReport is the result of VerifyIntegrity.
type IntegrityReport struct {
	Status           string            `json:"status"`
	TotalReceipts    int               `json:"total_receipts"`
	HashChainValid   bool              `json:"hash_chain_valid"`
	TamperedReceipts []TamperedReceipt `json:"tampered_receipts"`
	ChainBreaks      []ChainBreak      `json:"chain_breaks"`
}

// VerifyIntegrity re-derives every receipt's hash and checks the
// parent-hash chain, mirroring the original's verify_integrity.
func (s *Store) VerifyIntegrity(ctx context.Context) (IntegrityReport, error) {
	ctx, span := s.tracer.Start(ctx, "receipts.VerifyIntegrity")
	defer span.End()

	receipts, err := s.ReadAll(ReadOptions{SkipCorrupt: true, VerifyChain: false})
	if err != nil {
		return IntegrityReport{}, err
	}
	if len(receipts) == 0 {
		return IntegrityReport{
			Status:           "empty",
			HashChainValid:   true,
			TamperedReceipts: []TamperedReceipt{},
			ChainBreaks:      []ChainBreak{},
		}, nil
	}

	var breaks []ChainBreak
	for i := 1; i < len(receipts); i++ {
		expected := receipts[i-1].ReceiptHash
		actual := receipts[i].ParentHash
		if expected != actual {
			breaks = append(breaks, ChainBreak{Position: i, ExpectedParent: expected, ActualParent: actual})
		}
	}

	var tampered []TamperedReceipt
	for i, rwh := range receipts {
		computed, err := computeReceiptHash(rwh.Receipt)
		if err != nil {
			return IntegrityReport{}, fmt.Errorf("receipts: recompute hash at position %d: %w", i, err)
		}
		if computed != rwh.ReceiptHash {
			tampered = append(tampered, TamperedReceipt{
				Position: i, Sequence: rwh.SequenceNumber,
				StoredHash: rwh.ReceiptHash, ComputedHash: computed,
			})
		}
	}

	status := "valid"
	if len(breaks) > 0 || len(tampered) > 0 {
		status = "invalid"
		s.verifyCount.Add(ctx, int64(len(breaks)+len(tampered)))
	}

	if tampered == nil {
		tampered = []TamperedReceipt{}
	}
	if breaks == nil {
		breaks = []ChainBreak{}
	}

	return IntegrityReport{
		Status:           status,
		TotalReceipts:    len(receipts),
		HashChainValid:   len(breaks) == 0,
		TamperedReceipts: tampered,
		ChainBreaks:      breaks,
	}, nil
}

// verifyChainLinks is the strict form used when ReadOptions.VerifyChain
// is set: it errors on the first break instead of collecting a report.
func verifyChainLinks(receipts []contracts.ReceiptWithHash) error {
	for i := 1; i < len(receipts); i++ {
		expected := receipts[i-1].ReceiptHash
		actual := receipts[i].ParentHash
		if expected != actual {
			return fmt.Errorf("receipts: hash chain broken at position %d: expected parent %s, got %s", i, shortHash(expected), shortHash(actual))
		}
	}
	return nil
}

func shortHash(h string) string {
	if len(h) <= 8 {
		return h
	}
	return h[:8] + "..."
}
