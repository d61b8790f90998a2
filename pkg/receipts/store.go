// Package receipts implements the hash-chained, append-only JSONL
// receipt store every other component mints evidence into. It
// generalizes the teacher's in-memory pkg/ledger (four hash-chained
// ledgers: Release/Policy/Run/Evidence) into a single durable,
// file-backed chain keyed by ReceiptKind, following the persistence
// shape of the causal receipt store it was distilled from.
package receipts

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/quintet-kernel/quintet/pkg/canonicalize"
	"github.com/quintet-kernel/quintet/pkg/contracts"
)

const instrumentationName = "github.com/quintet-kernel/quintet/pkg/receipts"

// Store is a single-writer, append-only, hash-chained JSONL receipt
// log. A Store owns exactly one file; callers wanting separate chains
// per concern (validation receipts vs. episode receipts) construct
// separate Stores.
type Store struct {
	mu       sync.Mutex
	path     string
	lastHash string
	sequence uint64
	logger   *slog.Logger

	tracer      trace.Tracer
	appendCount metric.Int64Counter
	appendLat   metric.Float64Histogram
	verifyCount metric.Int64Counter
}

// Option configures a Store at construction.
type Option func(*Store)

// WithLogger overrides the default slog.Default() logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New opens (or creates) a receipt store backed by the JSONL file at
// path, restoring the last hash and sequence number from the final
// line of the file if one exists.
func New(path string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("receipts: create storage dir: %w", err)
	}

	meter := otel.Meter(instrumentationName)
	appendCount, err := meter.Int64Counter("quintet.receipts.appended",
		metric.WithDescription("receipts appended to the store"))
	if err != nil {
		return nil, fmt.Errorf("receipts: counter: %w", err)
	}
	appendLat, err := meter.Float64Histogram("quintet.receipts.append_latency_ms",
		metric.WithDescription("latency of Append in milliseconds"))
	if err != nil {
		return nil, fmt.Errorf("receipts: histogram: %w", err)
	}
	verifyCount, err := meter.Int64Counter("quintet.receipts.verify_failures",
		metric.WithDescription("integrity verification failures detected"))
	if err != nil {
		return nil, fmt.Errorf("receipts: counter: %w", err)
	}

	s := &Store{
		path:        path,
		logger:      slog.Default(),
		tracer:      otel.Tracer(instrumentationName),
		appendCount: appendCount,
		appendLat:   appendLat,
		verifyCount: verifyCount,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.initializeFromFile(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the backing JSONL file path.
func (s *Store) Path() string { return s.path }

// initializeFromFile restores lastHash/sequence from the final
// non-blank line of an existing store file, mirroring the original's
// _initialize_from_file. If that line does not parse, a warning is
// logged and the store starts with an empty last hash and sequence 0;
// the resulting parent-hash gap surfaces when VerifyIntegrity runs.
func (s *Store) initializeFromFile() error {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("receipts: open %s: %w", s.path, err)
	}
	defer f.Close()

	var lastLine string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) > 0 {
			lastLine = line
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("receipts: scan %s: %w", s.path, err)
	}
	if lastLine == "" {
		return nil
	}

	var rwh contracts.ReceiptWithHash
	if err := json.Unmarshal([]byte(lastLine), &rwh); err != nil {
		s.logger.Warn("receipts: could not parse trailing line during init", "error", err)
		return nil
	}
	s.lastHash = rwh.ReceiptHash
	s.sequence = rwh.SequenceNumber
	return nil
}

// computeReceiptHash hashes the canonical JSON form of the receipt
// body only — hash-chain metadata (ReceiptHash/ParentHash/
// SequenceNumber) is never itself part of the hashed payload.
func computeReceiptHash(r contracts.Receipt) (string, error) {
	return canonicalize.CanonicalHash(r)
}

// Append writes r to the store, computing its content hash and
// linking it to the previous receipt's hash. Safe for concurrent use;
// writers are fully serialized.
func (s *Store) Append(ctx context.Context, r contracts.Receipt) (contracts.ReceiptWithHash, error) {
	ctx, span := s.tracer.Start(ctx, "receipts.Append")
	defer span.End()
	start := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	hash, err := computeReceiptHash(r)
	if err != nil {
		return contracts.ReceiptWithHash{}, fmt.Errorf("receipts: hash receipt %s: %w", r.ReceiptID, err)
	}

	rwh := contracts.ReceiptWithHash{
		Receipt:        r,
		ReceiptHash:    hash,
		ParentHash:     s.lastHash,
		SequenceNumber: s.sequence + 1,
	}

	line, err := marshalLine(rwh)
	if err != nil {
		return contracts.ReceiptWithHash{}, err
	}

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return contracts.ReceiptWithHash{}, fmt.Errorf("receipts: open %s for append: %w", s.path, err)
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return contracts.ReceiptWithHash{}, fmt.Errorf("receipts: write %s: %w", s.path, err)
	}

	s.lastHash = hash
	s.sequence++

	s.appendCount.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(r.Kind))))
	s.appendLat.Record(ctx, float64(time.Since(start).Microseconds())/1000.0)
	s.logger.Info("receipt appended",
		"receipt_id", r.ReceiptID, "kind", r.Kind, "sequence", s.sequence, "hash_prefix", hash[:minInt(8, len(hash))])

	return rwh, nil
}

// marshalLine serializes a ReceiptWithHash to a single JSONL line that
// flattens the Receipt's own fields alongside the hash-chain metadata,
// matching the original's to_dict() shape.
func marshalLine(rwh contracts.ReceiptWithHash) ([]byte, error) {
	flat := map[string]interface{}{
		"receipt_id":      rwh.Receipt.ReceiptID,
		"timestamp":       rwh.Receipt.Timestamp,
		"kind":            rwh.Receipt.Kind,
		"payload":         rwh.Receipt.Payload,
		"receipt_hash":    rwh.ReceiptHash,
		"parent_hash":     rwh.ParentHash,
		"sequence_number": rwh.SequenceNumber,
	}
	b, err := json.Marshal(flat)
	if err != nil {
		return nil, fmt.Errorf("receipts: marshal line: %w", err)
	}
	return append(b, '\n'), nil
}

func unmarshalLine(line []byte) (contracts.ReceiptWithHash, error) {
	var flat struct {
		ReceiptID      string                 `json:"receipt_id"`
		Timestamp      time.Time              `json:"timestamp"`
		Kind           contracts.ReceiptKind  `json:"kind"`
		Payload        map[string]interface{} `json:"payload"`
		ReceiptHash    string                 `json:"receipt_hash"`
		ParentHash     string                 `json:"parent_hash"`
		SequenceNumber uint64                 `json:"sequence_number"`
	}
	if err := json.Unmarshal(line, &flat); err != nil {
		return contracts.ReceiptWithHash{}, err
	}
	return contracts.ReceiptWithHash{
		Receipt: contracts.Receipt{
			ReceiptID: flat.ReceiptID,
			Timestamp: flat.Timestamp,
			Kind:      flat.Kind,
			Payload:   flat.Payload,
		},
		ReceiptHash:    flat.ReceiptHash,
		ParentHash:     flat.ParentHash,
		SequenceNumber: flat.SequenceNumber,
	}, nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
