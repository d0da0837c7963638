package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vitamin33/agent-poi/internal/ledger"
	"github.com/vitamin33/agent-poi/internal/protocol"
)

// RetryPolicy bounds commit attempts within a single flush and the
// standalone retry sweep over previously failed batches.
type RetryPolicy struct {
	MaxAttempts      int
	Backoff          time.Duration
	CollisionBackoff time.Duration
	RetryWindow      int
	MaxConsecutive   int
	SettleDelay      time.Duration
	FailureDelay     time.Duration

	// Retryable classifies which commit errors are worth another attempt.
	// Errors it rejects, such as a bad write token, fail the commit at once.
	Retryable func(error) bool
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:      3,
		Backoff:          2 * time.Second,
		CollisionBackoff: 3 * time.Second,
		RetryWindow:      10,
		MaxConsecutive:   3,
		SettleDelay:      3 * time.Second,
		FailureDelay:     4 * time.Second,
		Retryable:        defaultRetryable,
	}
}

func defaultRetryable(err error) bool {
	return ledger.IsTransient(err) || ledger.IsIndexCollision(err)
}

// Stats is a point-in-time snapshot of batcher counters.
type Stats struct {
	TotalEntriesLogged int64 `json:"total_entries_logged"`
	TotalBatchesStored int   `json:"total_batches_stored"`
	PendingEntries     int   `json:"pending_entries"`
	BatchSize          int   `json:"batch_size"`
	NextFlushAt        int   `json:"next_flush_at"`
}

// Batcher collects audit entries and anchors one Merkle root per batch on
// the registry instead of one transaction per action. Full entries stay in
// local storage for proof generation; commits that fail are kept and
// retried later, so flushing never loses entries.
type Batcher struct {
	agentID   string
	batchSize int
	committer ledger.Committer
	store     *Store
	retry     RetryPolicy
	logger    *slog.Logger

	now   func() time.Time
	sleep func(context.Context, time.Duration) error

	mu                 sync.Mutex
	pending            []protocol.AuditEntry
	flushed            []*protocol.AuditBatch
	totalEntriesLogged int64
	totalBatchesStored int
}

type BatcherParams struct {
	AgentID   string
	BatchSize int
	Committer ledger.Committer
	Store     *Store
	Retry     RetryPolicy
	Logger    *slog.Logger
}

func NewBatcher(p BatcherParams) (*Batcher, error) {
	if p.AgentID == "" {
		return nil, fmt.Errorf("audit batcher: agent id is required")
	}
	if p.Store == nil {
		return nil, fmt.Errorf("audit batcher: store is required")
	}
	if p.Logger == nil {
		return nil, fmt.Errorf("audit batcher: logger is required")
	}
	if p.BatchSize <= 0 {
		p.BatchSize = 10
	}
	if p.Retry.MaxAttempts <= 0 {
		p.Retry = DefaultRetryPolicy()
	}
	if p.Retry.Retryable == nil {
		p.Retry.Retryable = defaultRetryable
	}

	b := &Batcher{
		agentID:   p.AgentID,
		batchSize: p.BatchSize,
		committer: p.Committer,
		store:     p.Store,
		retry:     p.Retry,
		logger:    p.Logger,
		now:       time.Now,
		sleep:     sleepCtx,
	}

	// Restore persisted batches so batch indices and counters continue
	// where the previous process stopped.
	batches, err := p.Store.LoadBatches()
	if err != nil {
		return nil, err
	}
	b.flushed = batches
	for _, batch := range batches {
		b.totalEntriesLogged += int64(batch.EntriesCount)
		if batch.BatchIndex >= b.totalBatchesStored {
			b.totalBatchesStored = batch.BatchIndex + 1
		}
	}
	if len(batches) > 0 {
		b.logger.Info("audit batches restored",
			slog.Int("batches", len(batches)),
			slog.Int("next_batch_index", b.totalBatchesStored),
		)
	}
	return b, nil
}

// Log records one action in the pending batch and returns the hashed entry.
// Callers replaying actions that happened earlier may pass the original
// timestamp; otherwise the entry is stamped with the current time.
func (b *Batcher) Log(actionType protocol.ActionType, details map[string]any, at ...time.Time) (protocol.AuditEntry, error) {
	ts := b.now()
	if len(at) > 0 && !at[0].IsZero() {
		ts = at[0]
	}
	entry, err := protocol.NewAuditEntry(actionType, details, ts.Unix())
	if err != nil {
		return protocol.AuditEntry{}, err
	}

	b.mu.Lock()
	b.pending = append(b.pending, entry)
	b.totalEntriesLogged++
	pendingCount := len(b.pending)
	b.mu.Unlock()

	b.logger.Info("audit entry logged",
		slog.String("action_type", string(actionType)),
		slog.String("entry_hash", entry.EntryHash[:16]),
		slog.Int("pending", pendingCount),
		slog.Int("batch_size", b.batchSize),
	)
	return entry, nil
}

// ShouldFlush reports whether the pending batch reached the flush threshold.
func (b *Batcher) ShouldFlush() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending) >= b.batchSize
}

func (b *Batcher) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Batcher) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		TotalEntriesLogged: b.totalEntriesLogged,
		TotalBatchesStored: b.totalBatchesStored,
		PendingEntries:     len(b.pending),
		BatchSize:          b.batchSize,
		NextFlushAt:        b.batchSize - len(b.pending),
	}
}

// Flush seals the pending batch, commits its root and persists the batch
// locally. It returns nil when there is nothing to flush, or when the batch
// is under the threshold and force is false. A failed commit does not fail
// the flush: the batch is persisted with the commit error recorded and
// picked up later by RetryFailedBatches.
func (b *Batcher) Flush(ctx context.Context, force bool) (*protocol.AuditBatch, error) {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return nil, nil
	}
	if !force && len(b.pending) < b.batchSize {
		b.mu.Unlock()
		return nil, nil
	}
	entries := b.pending
	b.pending = nil
	batchIndex := b.totalBatchesStored
	b.totalBatchesStored++
	b.mu.Unlock()

	hashes := entryHashes(entries)
	root, err := protocol.ComputeMerkleRoot(hashes)
	if err != nil {
		return nil, fmt.Errorf("compute batch root: %w", err)
	}

	batch := &protocol.AuditBatch{
		BatchIndex:   batchIndex,
		MerkleRoot:   root,
		EntriesCount: len(entries),
		Timestamp:    b.now().Unix(),
		Entries:      entries,
	}

	b.logger.Info("flushing audit batch",
		slog.Int("batch_index", batchIndex),
		slog.Int("entries", len(entries)),
		slog.String("merkle_root", root[:16]),
	)

	if b.committer != nil {
		if txID, err := b.commitWithRetry(ctx, root, len(entries)); err != nil {
			batch.CommitError = truncate(err.Error(), 500)
			b.logger.Error("batch commit failed, keeping batch for retry",
				slog.Int("batch_index", batchIndex),
				slog.String("error", err.Error()),
			)
		} else {
			batch.CommitSignature = txID
		}
	}

	if err := b.store.SaveBatch(batch); err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.flushed = append(b.flushed, batch)
	b.mu.Unlock()
	return batch, nil
}

func (b *Batcher) commitWithRetry(ctx context.Context, root string, entriesCount int) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= b.retry.MaxAttempts; attempt++ {
		txID, err := b.committer.SubmitRoot(ctx, b.agentID, root, entriesCount)
		if err == nil {
			return txID, nil
		}
		lastErr = err
		b.logger.Warn("commit attempt failed",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", b.retry.MaxAttempts),
			slog.String("error", err.Error()),
		)
		if !b.retry.Retryable(err) {
			break
		}
		if attempt == b.retry.MaxAttempts {
			break
		}
		wait := b.retry.Backoff
		if ledger.IsIndexCollision(err) {
			// The registry holds a root at our cached index; drop the
			// cache so the next attempt re-reads the authoritative count.
			b.committer.InvalidateIndex(b.agentID)
			wait = b.retry.CollisionBackoff
		}
		if err := b.sleep(ctx, wait); err != nil {
			return "", err
		}
	}
	return "", lastErr
}

// RetryFailedBatches re-commits roots for recent batches whose original
// commit failed. Only the newest RetryWindow failures are attempted, and
// the sweep stops early after MaxConsecutive failures in a row.
func (b *Batcher) RetryFailedBatches(ctx context.Context) (int, error) {
	if b.committer == nil {
		return 0, nil
	}

	b.mu.Lock()
	var failed []*protocol.AuditBatch
	for _, batch := range b.flushed {
		if !batch.Committed() {
			failed = append(failed, batch)
		}
	}
	b.mu.Unlock()

	if len(failed) > b.retry.RetryWindow {
		failed = failed[len(failed)-b.retry.RetryWindow:]
	}
	if len(failed) == 0 {
		return 0, nil
	}

	b.logger.Info("retrying failed batch commits", slog.Int("count", len(failed)))

	retried := 0
	consecutive := 0
	for _, batch := range failed {
		txID, err := b.committer.SubmitRoot(ctx, b.agentID, batch.MerkleRoot, batch.EntriesCount)
		if err != nil {
			consecutive++
			b.logger.Warn("batch retry failed",
				slog.Int("batch_index", batch.BatchIndex),
				slog.String("error", err.Error()),
			)
			if ledger.IsIndexCollision(err) {
				b.committer.InvalidateIndex(b.agentID)
			}
			if !b.retry.Retryable(err) {
				b.logger.Warn("stopping retry sweep on non-retryable error",
					slog.String("error", err.Error()),
				)
				break
			}
			if consecutive >= b.retry.MaxConsecutive {
				b.logger.Warn("stopping retry sweep after consecutive failures",
					slog.Int("consecutive", consecutive),
				)
				break
			}
			if err := b.sleep(ctx, b.retry.FailureDelay); err != nil {
				return retried, err
			}
			continue
		}

		b.mu.Lock()
		batch.CommitSignature = txID
		batch.CommitError = ""
		b.mu.Unlock()
		if err := b.store.SaveBatch(batch); err != nil {
			return retried, err
		}
		retried++
		consecutive = 0
		b.logger.Info("batch retry committed",
			slog.Int("batch_index", batch.BatchIndex),
			slog.String("tx_id", txID),
		)
		if err := b.sleep(ctx, b.retry.SettleDelay); err != nil {
			return retried, err
		}
	}
	return retried, nil
}

// ProofForEntry builds a Merkle proof for the entry hash, searching the
// pending batch first and then the persisted ones. The second return value
// is false when the entry is unknown.
func (b *Batcher) ProofForEntry(entryHash string) (*protocol.ProofBundle, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pendingHashes := entryHashes(b.pending)
	if idx := indexOf(pendingHashes, entryHash); idx >= 0 {
		root, err := protocol.ComputeMerkleRoot(pendingHashes)
		if err != nil {
			return nil, false, err
		}
		proof, err := protocol.ComputeMerkleProof(pendingHashes, idx)
		if err != nil {
			return nil, false, err
		}
		return &protocol.ProofBundle{
			Pending:    true,
			MerkleRoot: root,
			Proof:      proof,
		}, true, nil
	}

	for _, batch := range b.flushed {
		hashes := entryHashes(batch.Entries)
		idx := indexOf(hashes, entryHash)
		if idx < 0 {
			continue
		}
		proof, err := protocol.ComputeMerkleProof(hashes, idx)
		if err != nil {
			return nil, false, err
		}
		return &protocol.ProofBundle{
			BatchIndex:      batch.BatchIndex,
			MerkleRoot:      batch.MerkleRoot,
			Proof:           proof,
			CommitSignature: batch.CommitSignature,
			Committed:       batch.Committed(),
		}, true, nil
	}
	return nil, false, nil
}

func entryHashes(entries []protocol.AuditEntry) []string {
	hashes := make([]string, len(entries))
	for i, e := range entries {
		hashes[i] = e.EntryHash
	}
	return hashes
}

func indexOf(hashes []string, target string) int {
	for i, h := range hashes {
		if h == target {
			return i
		}
	}
	return -1
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
