package registry

import (
	"context"
	"crypto/ed25519"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/vitamin33/agent-poi/internal/apperror"
	poicrypto "github.com/vitamin33/agent-poi/internal/crypto"
	"github.com/vitamin33/agent-poi/internal/protocol"
	"github.com/vitamin33/agent-poi/internal/storage"
)

type memStore struct {
	agents map[string]protocol.AgentRecord
	roots  map[string]map[int]protocol.AuditRootRecord
}

func newMemStore() *memStore {
	return &memStore{
		agents: make(map[string]protocol.AgentRecord),
		roots:  make(map[string]map[int]protocol.AuditRootRecord),
	}
}

func (m *memStore) Close() {}

func (m *memStore) RegisterAgent(ctx context.Context, req protocol.RegisterAgentRequest) (protocol.AgentRecord, error) {
	if _, ok := m.agents[req.AgentID]; ok {
		return protocol.AgentRecord{}, storage.ErrAgentExists
	}
	rec := protocol.AgentRecord{
		AgentID:      req.AgentID,
		Name:         req.Name,
		Owner:        req.Owner,
		Address:      req.Address,
		Reputation:   500,
		RegisteredAt: time.Now().UTC(),
	}
	m.agents[req.AgentID] = rec
	return rec, nil
}

func (m *memStore) GetAgent(ctx context.Context, agentID string) (protocol.AgentRecord, bool, error) {
	rec, ok := m.agents[agentID]
	return rec, ok, nil
}

func (m *memStore) ListAgents(ctx context.Context) ([]protocol.AgentRecord, error) {
	var out []protocol.AgentRecord
	for _, rec := range m.agents {
		out = append(out, rec)
	}
	return out, nil
}

func (m *memStore) InsertAuditRoot(ctx context.Context, req protocol.SubmitRootRequest, txID string) (protocol.AuditRootRecord, error) {
	if m.roots[req.AgentID] == nil {
		m.roots[req.AgentID] = make(map[int]protocol.AuditRootRecord)
	}
	if _, ok := m.roots[req.AgentID][req.BatchIndex]; ok {
		return protocol.AuditRootRecord{}, storage.ErrIndexExists
	}
	rec := protocol.AuditRootRecord{
		AgentID:      req.AgentID,
		BatchIndex:   req.BatchIndex,
		MerkleRoot:   req.MerkleRoot,
		EntriesCount: req.EntriesCount,
		TxID:         txID,
		RecordedAt:   time.Now().UTC(),
	}
	m.roots[req.AgentID][req.BatchIndex] = rec
	return rec, nil
}

func (m *memStore) GetAuditRoot(ctx context.Context, agentID string, batchIndex int) (protocol.AuditRootRecord, bool, error) {
	rec, ok := m.roots[agentID][batchIndex]
	return rec, ok, nil
}

func (m *memStore) ListAuditRoots(ctx context.Context, agentID string) ([]protocol.AuditRootRecord, error) {
	var out []protocol.AuditRootRecord
	for _, rec := range m.roots[agentID] {
		out = append(out, rec)
	}
	return out, nil
}

func (m *memStore) AuditSummary(ctx context.Context, agentID string) (protocol.AuditSummary, error) {
	summary := protocol.AuditSummary{AgentID: agentID}
	for _, rec := range m.roots[agentID] {
		summary.TotalBatches++
		summary.TotalEntries += int64(rec.EntriesCount)
		at := rec.RecordedAt
		if summary.LastBatchAt == nil || at.After(*summary.LastBatchAt) {
			summary.LastBatchAt = &at
		}
	}
	return summary, nil
}

func (m *memStore) AdjustReputation(ctx context.Context, agentID string, delta int64) (int64, error) {
	rec, ok := m.agents[agentID]
	if !ok {
		return 0, storage.ErrAgentNotFound
	}
	rec.Reputation += delta
	if rec.Reputation < 0 {
		rec.Reputation = 0
	}
	m.agents[agentID] = rec
	return rec.Reputation, nil
}

func (m *memStore) GetReputation(ctx context.Context, agentID string) (int64, error) {
	rec, ok := m.agents[agentID]
	if !ok {
		return 0, storage.ErrAgentNotFound
	}
	return rec.Reputation, nil
}

func newTestService(t *testing.T) (*Service, *memStore) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	store := newMemStore()
	svc, err := New(Params{
		Store:      store,
		Signer:     &poicrypto.Signer{Private: priv, Public: pub, KeyID: poicrypto.KeyID(pub)},
		WriteToken: "test-write-token",
		Logger:     slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, store
}

func TestVerifyWriteToken(t *testing.T) {
	svc := &Service{writeToken: "secret-token"}
	if !svc.VerifyWriteToken("secret-token") {
		t.Fatalf("expected exact token match")
	}
	if !svc.VerifyWriteToken("  secret-token ") {
		t.Fatalf("expected token match with whitespace")
	}
	if svc.VerifyWriteToken("wrong-token") {
		t.Fatalf("expected mismatch token to fail")
	}
	if svc.VerifyWriteToken("") {
		t.Fatalf("expected empty token to fail")
	}
}

func registerTestAgent(t *testing.T, svc *Service, agentID string) {
	t.Helper()
	_, err := svc.RegisterAgent(context.Background(), protocol.RegisterAgentRequest{
		AgentID: agentID,
		Name:    "test agent",
	})
	if err != nil {
		t.Fatalf("register agent: %v", err)
	}
}

func TestRegisterAgentDuplicate(t *testing.T) {
	svc, _ := newTestService(t)
	registerTestAgent(t, svc, "agent_a")

	_, err := svc.RegisterAgent(context.Background(), protocol.RegisterAgentRequest{AgentID: "agent_a", Name: "again"})
	if !apperror.IsCode(err, "AGENT_EXISTS") {
		t.Fatalf("expected AGENT_EXISTS, got %v", err)
	}
}

func TestSubmitRootSignsVerifiableAck(t *testing.T) {
	svc, _ := newTestService(t)
	registerTestAgent(t, svc, "agent_a")

	req := protocol.SubmitRootRequest{
		AgentID:      "agent_a",
		BatchIndex:   0,
		MerkleRoot:   protocol.SHA256Hex([]byte("root")),
		EntriesCount: 10,
	}
	resp, err := svc.SubmitRoot(context.Background(), req)
	if err != nil {
		t.Fatalf("submit root: %v", err)
	}
	if resp.TxID == "" || !strings.HasPrefix(resp.TxID, "tx_") {
		t.Fatalf("tx id = %q", resp.TxID)
	}
	if resp.Ack.Alg != "ed25519" || resp.Ack.Kid != svc.signer.KeyID {
		t.Fatalf("ack header = %+v", resp.Ack)
	}

	payload := struct {
		AgentID    string    `json:"agent_id"`
		BatchIndex int       `json:"batch_index"`
		MerkleRoot string    `json:"merkle_root"`
		TxID       string    `json:"tx_id"`
		RecordedAt time.Time `json:"recorded_at"`
		KeyID      string    `json:"kid"`
	}{resp.AgentID, resp.BatchIndex, req.MerkleRoot, resp.TxID, resp.RecordedAt, resp.Ack.Kid}
	raw, err := protocol.CanonicalJSON(payload)
	if err != nil {
		t.Fatalf("canonical json: %v", err)
	}
	if !poicrypto.Verify(svc.signer.Public, raw, resp.Ack.Sig) {
		t.Fatal("ack signature does not verify")
	}
}

func TestSubmitRootIndexConflict(t *testing.T) {
	svc, _ := newTestService(t)
	registerTestAgent(t, svc, "agent_a")

	req := protocol.SubmitRootRequest{
		AgentID:      "agent_a",
		BatchIndex:   3,
		MerkleRoot:   protocol.SHA256Hex([]byte("root")),
		EntriesCount: 5,
	}
	if _, err := svc.SubmitRoot(context.Background(), req); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, err := svc.SubmitRoot(context.Background(), req)
	if !apperror.IsCode(err, "AUDIT_INDEX_EXISTS") {
		t.Fatalf("expected AUDIT_INDEX_EXISTS, got %v", err)
	}
}

func TestSubmitRootValidation(t *testing.T) {
	svc, _ := newTestService(t)
	registerTestAgent(t, svc, "agent_a")
	ctx := context.Background()

	cases := []protocol.SubmitRootRequest{
		{AgentID: "", BatchIndex: 0, MerkleRoot: protocol.SHA256Hex([]byte("x")), EntriesCount: 1},
		{AgentID: "agent_a", BatchIndex: -1, MerkleRoot: protocol.SHA256Hex([]byte("x")), EntriesCount: 1},
		{AgentID: "agent_a", BatchIndex: 0, MerkleRoot: protocol.SHA256Hex([]byte("x")), EntriesCount: 0},
		{AgentID: "agent_a", BatchIndex: 0, MerkleRoot: "tooshort", EntriesCount: 1},
		{AgentID: "agent_a", BatchIndex: 0, MerkleRoot: strings.Repeat("z", 64), EntriesCount: 1},
	}
	for i, req := range cases {
		if _, err := svc.SubmitRoot(ctx, req); !apperror.IsCode(err, "AUDIT_BAD_REQUEST") {
			t.Fatalf("case %d: expected AUDIT_BAD_REQUEST, got %v", i, err)
		}
	}

	unknown := protocol.SubmitRootRequest{
		AgentID:      "agent_ghost",
		MerkleRoot:   protocol.SHA256Hex([]byte("x")),
		EntriesCount: 1,
	}
	if _, err := svc.SubmitRoot(ctx, unknown); !apperror.IsCode(err, "AGENT_NOT_FOUND") {
		t.Fatalf("expected AGENT_NOT_FOUND, got %v", err)
	}
}

func TestAuditSummaryAccumulates(t *testing.T) {
	svc, _ := newTestService(t)
	registerTestAgent(t, svc, "agent_a")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		req := protocol.SubmitRootRequest{
			AgentID:      "agent_a",
			BatchIndex:   i,
			MerkleRoot:   protocol.SHA256Hex([]byte{byte(i)}),
			EntriesCount: 10,
		}
		if _, err := svc.SubmitRoot(ctx, req); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	summary, err := svc.AuditSummary(ctx, "agent_a")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.TotalBatches != 3 || summary.TotalEntries != 30 {
		t.Fatalf("summary = %+v, want 3 batches / 30 entries", summary)
	}
	if summary.LastBatchAt == nil {
		t.Fatal("last batch time should be set")
	}
}

func TestAdjustReputation(t *testing.T) {
	svc, _ := newTestService(t)
	registerTestAgent(t, svc, "agent_a")
	ctx := context.Background()

	rep, err := svc.AdjustReputation(ctx, "agent_a", -200)
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if rep != 300 {
		t.Fatalf("reputation = %d, want 300", rep)
	}

	// Floor at zero.
	rep, err = svc.AdjustReputation(ctx, "agent_a", -1000)
	if err != nil {
		t.Fatalf("adjust below zero: %v", err)
	}
	if rep != 0 {
		t.Fatalf("reputation = %d, want 0", rep)
	}

	if _, err := svc.AdjustReputation(ctx, "agent_ghost", 10); !apperror.IsCode(err, "AGENT_NOT_FOUND") {
		t.Fatalf("expected AGENT_NOT_FOUND, got %v", err)
	}
}
