package audit

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/vitamin33/agent-poi/internal/ledger"
	"github.com/vitamin33/agent-poi/internal/protocol"
)

type fakeCommitter struct {
	mu          sync.Mutex
	errs        []error
	submitted   []string
	invalidated int
}

func (f *fakeCommitter) SubmitRoot(ctx context.Context, agentID, root string, entriesCount int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return "", err
		}
	}
	f.submitted = append(f.submitted, root)
	return fmt.Sprintf("tx_%03d", len(f.submitted)), nil
}

func (f *fakeCommitter) InvalidateIndex(agentID string) {
	f.mu.Lock()
	f.invalidated++
	f.mu.Unlock()
}

func newTestBatcher(t *testing.T, committer ledger.Committer) *Batcher {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	b, err := NewBatcher(BatcherParams{
		AgentID:   "agent_test",
		BatchSize: 10,
		Committer: committer,
		Store:     store,
		Logger:    slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("new batcher: %v", err)
	}
	b.sleep = func(context.Context, time.Duration) error { return nil }
	return b
}

func logEntries(t *testing.T, b *Batcher, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := b.Log(protocol.ActionChallengePassed, map[string]any{"challenge_id": fmt.Sprintf("ch_%d", i)})
		if err != nil {
			t.Fatalf("log entry %d: %v", i, err)
		}
	}
}

func TestFlushBelowThresholdIsNoop(t *testing.T) {
	b := newTestBatcher(t, &fakeCommitter{})
	logEntries(t, b, 9)

	if b.ShouldFlush() {
		t.Fatal("9 entries should not trigger flush at batch size 10")
	}
	batch, err := b.Flush(context.Background(), false)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if batch != nil {
		t.Fatalf("expected nil batch below threshold, got index %d", batch.BatchIndex)
	}
	if got := b.PendingCount(); got != 9 {
		t.Fatalf("pending = %d, want 9", got)
	}
}

func TestFlushEmptyReturnsNil(t *testing.T) {
	b := newTestBatcher(t, &fakeCommitter{})
	batch, err := b.Flush(context.Background(), true)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if batch != nil {
		t.Fatal("force flush of empty batch should return nil")
	}
}

func TestFlushAtThresholdCommitsAndProves(t *testing.T) {
	committer := &fakeCommitter{}
	b := newTestBatcher(t, committer)
	entries := make([]protocol.AuditEntry, 0, 10)
	for i := 0; i < 10; i++ {
		e, err := b.Log(protocol.ActionEvaluationCompleted, map[string]any{"domain": "defi", "score": i})
		if err != nil {
			t.Fatalf("log: %v", err)
		}
		entries = append(entries, e)
	}
	if !b.ShouldFlush() {
		t.Fatal("10 entries should trigger flush")
	}

	batch, err := b.Flush(context.Background(), false)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if batch == nil {
		t.Fatal("expected a flushed batch")
	}
	if batch.EntriesCount != 10 || batch.BatchIndex != 0 {
		t.Fatalf("batch index=%d count=%d, want 0/10", batch.BatchIndex, batch.EntriesCount)
	}
	if !batch.Committed() {
		t.Fatalf("batch not committed: %s", batch.CommitError)
	}
	if got := b.PendingCount(); got != 0 {
		t.Fatalf("pending after flush = %d, want 0", got)
	}

	// Every entry in the flushed batch verifies against the batch root.
	for _, e := range entries {
		bundle, ok, err := b.ProofForEntry(e.EntryHash)
		if err != nil || !ok {
			t.Fatalf("proof for %s: ok=%v err=%v", e.EntryHash[:8], ok, err)
		}
		if bundle.Pending || !bundle.Committed {
			t.Fatalf("bundle should be committed and not pending: %+v", bundle)
		}
		valid, err := protocol.VerifyMerkleProof(e.EntryHash, bundle.Proof, bundle.MerkleRoot)
		if err != nil || !valid {
			t.Fatalf("proof invalid for %s: valid=%v err=%v", e.EntryHash[:8], valid, err)
		}
	}
}

func TestFlushRecoversFromIndexCollision(t *testing.T) {
	committer := &fakeCommitter{errs: []error{
		&ledger.CommitError{Kind: ledger.KindIndexCollision, Code: "AUDIT_INDEX_EXISTS", Message: "index taken"},
	}}
	b := newTestBatcher(t, committer)
	logEntries(t, b, 10)

	batch, err := b.Flush(context.Background(), false)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if !batch.Committed() {
		t.Fatalf("expected commit after collision retry, got error %q", batch.CommitError)
	}
	if committer.invalidated != 1 {
		t.Fatalf("invalidated = %d, want 1", committer.invalidated)
	}
}

func TestFlushPersistsBatchWhenCommitFails(t *testing.T) {
	boom := &ledger.CommitError{Kind: ledger.KindTransient, Message: "registry down"}
	committer := &fakeCommitter{errs: []error{boom, boom, boom}}
	b := newTestBatcher(t, committer)
	logEntries(t, b, 3)

	batch, err := b.Flush(context.Background(), true)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if batch.Committed() {
		t.Fatal("commit should have failed")
	}
	if batch.CommitError == "" {
		t.Fatal("commit error should be recorded on the batch")
	}

	// The batch survived locally; the retry sweep commits it.
	retried, err := b.RetryFailedBatches(context.Background())
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried != 1 {
		t.Fatalf("retried = %d, want 1", retried)
	}
	if !batch.Committed() || batch.CommitError != "" {
		t.Fatalf("batch should be committed after retry: %+v", batch)
	}
}

func TestFlushDoesNotRetryPermanentErrors(t *testing.T) {
	denied := &ledger.CommitError{Kind: ledger.KindPermanent, Code: "UNAUTHORIZED", Message: "invalid write token"}
	committer := &fakeCommitter{errs: []error{denied, denied, denied}}
	b := newTestBatcher(t, committer)
	logEntries(t, b, 3)

	batch, err := b.Flush(context.Background(), true)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if batch.Committed() {
		t.Fatal("commit should have failed")
	}
	if got := 3 - len(committer.errs); got != 1 {
		t.Fatalf("committer called %d times for a permanent rejection, want 1", got)
	}

	// The sweep gives the batch one fresh attempt, then also stops on the
	// permanent rejection instead of burning its failure budget.
	if _, err := b.RetryFailedBatches(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got := 2 - len(committer.errs); got != 1 {
		t.Fatalf("sweep called the committer %d times, want 1", got)
	}
}

func TestBatchFilesAreOwnerOnly(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	b, err := NewBatcher(BatcherParams{
		AgentID:   "agent_test",
		BatchSize: 10,
		Committer: &fakeCommitter{},
		Store:     store,
		Logger:    slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("new batcher: %v", err)
	}
	logEntries(t, b, 3)
	if _, err := b.Flush(context.Background(), true); err != nil {
		t.Fatalf("flush: %v", err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "batch_*.json"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("batch files = %v (err %v), want exactly one", matches, err)
	}
	info, err := os.Stat(matches[0])
	if err != nil {
		t.Fatalf("stat batch file: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("batch file mode = %o, want 600", perm)
	}
}

func TestLogHonorsCallerTimestamp(t *testing.T) {
	b := newTestBatcher(t, &fakeCommitter{})
	at := time.Unix(1_700_000_123, 0)

	entry, err := b.Log(protocol.ActionChallengePassed, map[string]any{"challenge_id": "ch_1"}, at)
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	if entry.Timestamp != at.Unix() {
		t.Fatalf("timestamp = %d, want %d", entry.Timestamp, at.Unix())
	}

	entry, err = b.Log(protocol.ActionChallengePassed, map[string]any{"challenge_id": "ch_2"})
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	if entry.Timestamp == at.Unix() {
		t.Fatalf("default timestamp should come from the clock, got %d", entry.Timestamp)
	}
}

func TestRetryStopsAfterConsecutiveFailures(t *testing.T) {
	down := &ledger.CommitError{Kind: ledger.KindTransient, Message: "registry down"}
	committer := &fakeCommitter{errs: []error{down, down, down}}
	b := newTestBatcher(t, committer)
	b.committer = nil
	for i := 0; i < 5; i++ {
		logEntries(t, b, 2)
		if _, err := b.Flush(context.Background(), true); err != nil {
			t.Fatalf("flush %d: %v", i, err)
		}
	}
	b.committer = committer

	// First three retries fail in a row; the sweep stops without touching
	// the remaining batches.
	retried, err := b.RetryFailedBatches(context.Background())
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried != 0 {
		t.Fatalf("retried = %d, want 0", retried)
	}
	if len(committer.submitted) != 0 {
		t.Fatalf("no batch should have committed, got %d", len(committer.submitted))
	}

	// With the registry healthy again, the full backlog drains.
	retried, err = b.RetryFailedBatches(context.Background())
	if err != nil {
		t.Fatalf("second retry: %v", err)
	}
	if retried != 5 {
		t.Fatalf("retried = %d, want 5", retried)
	}
}

func TestRestartRestoresCountersAndProofs(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	b1, err := NewBatcher(BatcherParams{
		AgentID: "agent_test",
		Store:   store,
		Logger:  slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("new batcher: %v", err)
	}

	var tracked protocol.AuditEntry
	for i := 0; i < 2; i++ {
		for j := 0; j < 4; j++ {
			e, err := b1.Log(protocol.ActionReputationChanged, map[string]any{"delta": j})
			if err != nil {
				t.Fatalf("log: %v", err)
			}
			tracked = e
		}
		if _, err := b1.Flush(context.Background(), true); err != nil {
			t.Fatalf("flush: %v", err)
		}
	}

	store2, err := NewStore(dir)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	b2, err := NewBatcher(BatcherParams{
		AgentID: "agent_test",
		Store:   store2,
		Logger:  slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("restart batcher: %v", err)
	}

	stats := b2.Stats()
	if stats.TotalBatchesStored != 2 {
		t.Fatalf("total batches after restart = %d, want 2", stats.TotalBatchesStored)
	}
	if stats.TotalEntriesLogged != 8 {
		t.Fatalf("total entries after restart = %d, want 8", stats.TotalEntriesLogged)
	}

	bundle, ok, err := b2.ProofForEntry(tracked.EntryHash)
	if err != nil || !ok {
		t.Fatalf("proof after restart: ok=%v err=%v", ok, err)
	}
	valid, err := protocol.VerifyMerkleProof(tracked.EntryHash, bundle.Proof, bundle.MerkleRoot)
	if err != nil || !valid {
		t.Fatalf("restored proof invalid: valid=%v err=%v", valid, err)
	}

	// The next flush continues the index sequence instead of reusing 0.
	logEntries(t, b2, 1)
	batch, err := b2.Flush(context.Background(), true)
	if err != nil {
		t.Fatalf("flush after restart: %v", err)
	}
	if batch.BatchIndex != 2 {
		t.Fatalf("batch index after restart = %d, want 2", batch.BatchIndex)
	}
}

func TestProofForUnknownEntry(t *testing.T) {
	b := newTestBatcher(t, &fakeCommitter{})
	_, ok, err := b.ProofForEntry(protocol.SHA256Hex([]byte("never logged")))
	if err != nil {
		t.Fatalf("proof: %v", err)
	}
	if ok {
		t.Fatal("unknown entry should not produce a proof")
	}
}
