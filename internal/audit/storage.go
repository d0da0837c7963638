package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/vitamin33/agent-poi/internal/protocol"
)

// Store persists flushed batches as one JSON file per batch so Merkle proofs
// survive restarts. File names encode the batch index; LoadBatches returns
// them in index order.
type Store struct {
	dir string
}

func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("audit store: directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("audit store: create directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) SaveBatch(batch *protocol.AuditBatch) error {
	raw, err := json.MarshalIndent(batch, "", "  ")
	if err != nil {
		return fmt.Errorf("audit store: encode batch %d: %w", batch.BatchIndex, err)
	}
	path := filepath.Join(s.dir, fmt.Sprintf("batch_%06d.json", batch.BatchIndex))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("audit store: write batch %d: %w", batch.BatchIndex, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("audit store: rename batch %d: %w", batch.BatchIndex, err)
	}
	return nil
}

func (s *Store) LoadBatches() ([]*protocol.AuditBatch, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "batch_*.json"))
	if err != nil {
		return nil, fmt.Errorf("audit store: list batches: %w", err)
	}
	sort.Strings(matches)

	batches := make([]*protocol.AuditBatch, 0, len(matches))
	for _, path := range matches {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("audit store: read %s: %w", filepath.Base(path), err)
		}
		var batch protocol.AuditBatch
		if err := json.Unmarshal(raw, &batch); err != nil {
			return nil, fmt.Errorf("audit store: decode %s: %w", filepath.Base(path), err)
		}
		batches = append(batches, &batch)
	}
	return batches, nil
}
