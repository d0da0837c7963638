package ledger

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	poicrypto "github.com/vitamin33/agent-poi/internal/crypto"
	"github.com/vitamin33/agent-poi/internal/protocol"
)

// Committer anchors batch roots on the registry. Implementations own the
// batch index bookkeeping: SubmitRoot picks the next free index itself, and
// InvalidateIndex discards any cached view of it after a collision.
type Committer interface {
	SubmitRoot(ctx context.Context, agentID, merkleRoot string, entriesCount int) (txID string, err error)
	InvalidateIndex(agentID string)
}

// Directory exposes the registry's agent roster for peer discovery.
type Directory interface {
	RegisterAgent(ctx context.Context, req protocol.RegisterAgentRequest) (protocol.AgentRecord, error)
	ListAgents(ctx context.Context) ([]protocol.AgentRecord, error)
	AuditSummary(ctx context.Context, agentID string) (protocol.AuditSummary, error)
}

const maxResponseBytes = 2 << 20

// RegistryClient talks to one registry node over HTTP. It caches the next
// batch index per agent so steady-state commits skip the summary read; the
// cache entry is dropped on index collisions so the next attempt re-reads
// the authoritative count.
type RegistryClient struct {
	baseURL    string
	client     *http.Client
	writeToken string
	ackPublic  ed25519.PublicKey
	ackKeyID   string
	logger     *slog.Logger

	mu        sync.Mutex
	nextIndex map[string]int
}

type RegistryClientParams struct {
	BaseURL      string
	WriteToken   string
	Timeout      time.Duration
	AckPublicKey ed25519.PublicKey
	AckKeyID     string
	Logger       *slog.Logger
}

func NewRegistryClient(p RegistryClientParams) (*RegistryClient, error) {
	if strings.TrimSpace(p.BaseURL) == "" {
		return nil, fmt.Errorf("registry client: base url is required")
	}
	if p.AckPublicKey == nil {
		return nil, fmt.Errorf("registry client: ack public key is required")
	}
	if p.Logger == nil {
		return nil, fmt.Errorf("registry client: logger is required")
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RegistryClient{
		baseURL:    strings.TrimRight(p.BaseURL, "/"),
		client:     &http.Client{Timeout: timeout},
		writeToken: strings.TrimSpace(p.WriteToken),
		ackPublic:  p.AckPublicKey,
		ackKeyID:   p.AckKeyID,
		logger:     p.Logger,
		nextIndex:  make(map[string]int),
	}, nil
}

func (c *RegistryClient) SubmitRoot(ctx context.Context, agentID, merkleRoot string, entriesCount int) (string, error) {
	index, err := c.resolveNextIndex(ctx, agentID)
	if err != nil {
		return "", err
	}

	req := protocol.SubmitRootRequest{
		AgentID:      agentID,
		BatchIndex:   index,
		MerkleRoot:   merkleRoot,
		EntriesCount: entriesCount,
		SubmittedAt:  time.Now().UTC(),
	}
	var resp protocol.SubmitRootResponse
	if err := c.post(ctx, "/v1/audit/roots", req, &resp); err != nil {
		return "", err
	}
	if err := c.verifyAck(req, resp); err != nil {
		return "", &CommitError{Kind: KindPermanent, Message: err.Error(), Cause: err}
	}

	c.mu.Lock()
	c.nextIndex[agentID] = index + 1
	c.mu.Unlock()

	c.logger.Info("audit root committed",
		slog.String("agent_id", agentID),
		slog.Int("batch_index", index),
		slog.String("tx_id", resp.TxID),
	)
	return resp.TxID, nil
}

func (c *RegistryClient) InvalidateIndex(agentID string) {
	c.mu.Lock()
	delete(c.nextIndex, agentID)
	c.mu.Unlock()
}

func (c *RegistryClient) RegisterAgent(ctx context.Context, req protocol.RegisterAgentRequest) (protocol.AgentRecord, error) {
	var rec protocol.AgentRecord
	err := c.post(ctx, "/v1/agents", req, &rec)
	return rec, err
}

func (c *RegistryClient) ListAgents(ctx context.Context) ([]protocol.AgentRecord, error) {
	var resp protocol.AgentListResponse
	if err := c.get(ctx, "/v1/agents", &resp); err != nil {
		return nil, err
	}
	return resp.Agents, nil
}

func (c *RegistryClient) GetAgent(ctx context.Context, agentID string) (protocol.AgentRecord, error) {
	var rec protocol.AgentRecord
	err := c.get(ctx, "/v1/agents/"+agentID, &rec)
	return rec, err
}

func (c *RegistryClient) AdjustReputation(ctx context.Context, agentID string, delta int64, reason string) (int64, error) {
	var resp protocol.ReputationAdjustResponse
	req := protocol.ReputationAdjustRequest{Delta: delta, Reason: reason}
	if err := c.post(ctx, "/v1/agents/"+agentID+"/reputation", req, &resp); err != nil {
		return 0, err
	}
	return resp.Reputation, nil
}

func (c *RegistryClient) AuditSummary(ctx context.Context, agentID string) (protocol.AuditSummary, error) {
	var summary protocol.AuditSummary
	err := c.get(ctx, "/v1/agents/"+agentID+"/audit/summary", &summary)
	return summary, err
}

// resolveNextIndex returns the cached next batch index for agentID, reading
// the registry summary only on a cache miss.
func (c *RegistryClient) resolveNextIndex(ctx context.Context, agentID string) (int, error) {
	c.mu.Lock()
	index, ok := c.nextIndex[agentID]
	c.mu.Unlock()
	if ok {
		return index, nil
	}
	summary, err := c.AuditSummary(ctx, agentID)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.nextIndex[agentID] = summary.TotalBatches
	c.mu.Unlock()
	return summary.TotalBatches, nil
}

func (c *RegistryClient) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return &CommitError{Kind: KindPermanent, Message: "encode request", Cause: err}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return &CommitError{Kind: KindPermanent, Message: "build request", Cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.writeToken != "" {
		httpReq.Header.Set("X-PoI-Write-Token", c.writeToken)
	}
	return c.do(httpReq, out)
}

func (c *RegistryClient) get(ctx context.Context, path string, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return &CommitError{Kind: KindPermanent, Message: "build request", Cause: err}
	}
	return c.do(httpReq, out)
}

func (c *RegistryClient) do(req *http.Request, out any) error {
	httpResp, err := c.client.Do(req)
	if err != nil {
		return transientErr("registry unreachable", err)
	}
	defer httpResp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return transientErr("read response", err)
	}
	if httpResp.StatusCode >= 400 {
		return classifyStatus(httpResp.StatusCode, body)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &CommitError{Kind: KindPermanent, Message: fmt.Sprintf("decode response: %s", truncate(string(body), 200)), Cause: err}
	}
	return nil
}

func classifyStatus(status int, body []byte) *CommitError {
	var envelope protocol.ErrorResponse
	_ = json.Unmarshal(body, &envelope)
	code := envelope.Error.Code
	message := envelope.Error.Message
	if message == "" {
		message = truncate(string(body), 200)
	}
	switch {
	case status == http.StatusConflict && code == "AUDIT_INDEX_EXISTS":
		return &CommitError{Kind: KindIndexCollision, Code: code, Message: message}
	case status >= 500:
		return &CommitError{Kind: KindTransient, Code: code, Message: fmt.Sprintf("status %d: %s", status, message)}
	default:
		return &CommitError{Kind: KindPermanent, Code: code, Message: fmt.Sprintf("status %d: %s", status, message)}
	}
}

func (c *RegistryClient) verifyAck(req protocol.SubmitRootRequest, resp protocol.SubmitRootResponse) error {
	if resp.Ack.Alg != "ed25519" {
		return fmt.Errorf("unsupported ack alg: %s", resp.Ack.Alg)
	}
	if c.ackKeyID != "" && resp.Ack.Kid != c.ackKeyID {
		return fmt.Errorf("ack key id mismatch: got %s want %s", resp.Ack.Kid, c.ackKeyID)
	}
	if resp.AgentID != req.AgentID || resp.BatchIndex != req.BatchIndex {
		return fmt.Errorf("ack identity mismatch: got %s/%d want %s/%d",
			resp.AgentID, resp.BatchIndex, req.AgentID, req.BatchIndex)
	}
	payload := struct {
		AgentID    string    `json:"agent_id"`
		BatchIndex int       `json:"batch_index"`
		MerkleRoot string    `json:"merkle_root"`
		TxID       string    `json:"tx_id"`
		RecordedAt time.Time `json:"recorded_at"`
		KeyID      string    `json:"kid"`
	}{
		AgentID:    resp.AgentID,
		BatchIndex: resp.BatchIndex,
		MerkleRoot: req.MerkleRoot,
		TxID:       resp.TxID,
		RecordedAt: resp.RecordedAt,
		KeyID:      resp.Ack.Kid,
	}
	raw, err := protocol.CanonicalJSON(payload)
	if err != nil {
		return err
	}
	if !poicrypto.Verify(c.ackPublic, raw, resp.Ack.Sig) {
		return fmt.Errorf("invalid ack signature")
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
