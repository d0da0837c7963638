package registry

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vitamin33/agent-poi/internal/apperror"
	poicrypto "github.com/vitamin33/agent-poi/internal/crypto"
	"github.com/vitamin33/agent-poi/internal/protocol"
	"github.com/vitamin33/agent-poi/internal/storage"
)

// Service is the registry node: it keeps the agent roster and anchors audit
// batch roots. Every accepted root gets a signed ack so agents can prove
// the registry recorded it.
type Service struct {
	store      storage.RegistryStore
	signer     *poicrypto.Signer
	writeToken string
	service    string
	version    string
	logger     *slog.Logger
	now        func() time.Time
}

type Params struct {
	Store      storage.RegistryStore
	Signer     *poicrypto.Signer
	WriteToken string
	Service    string
	Version    string
	Logger     *slog.Logger
}

func New(params Params) (*Service, error) {
	if params.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if params.Signer == nil {
		return nil, fmt.Errorf("signer is required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if params.WriteToken == "" {
		return nil, fmt.Errorf("write token is required")
	}
	if params.Service == "" {
		params.Service = "agent-poi-registry"
	}
	if params.Version == "" {
		params.Version = "dev"
	}
	return &Service{
		store:      params.Store,
		signer:     params.Signer,
		writeToken: params.WriteToken,
		service:    params.Service,
		version:    params.Version,
		logger:     params.Logger,
		now:        time.Now,
	}, nil
}

func (s *Service) VerifyWriteToken(token string) bool {
	token = strings.TrimSpace(token)
	if token == "" || s.writeToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.writeToken)) == 1
}

func (s *Service) RegisterAgent(ctx context.Context, req protocol.RegisterAgentRequest) (protocol.AgentRecord, error) {
	if req.AgentID == "" || req.Name == "" {
		return protocol.AgentRecord{}, apperror.BadRequest("AGENT_BAD_REQUEST", "agent_id and name are required")
	}
	rec, err := s.store.RegisterAgent(ctx, req)
	if errors.Is(err, storage.ErrAgentExists) {
		return protocol.AgentRecord{}, apperror.Conflict("AGENT_EXISTS", "agent already registered")
	}
	if err != nil {
		return protocol.AgentRecord{}, apperror.Internal("register agent", err)
	}
	s.logger.Info("agent registered",
		slog.String("agent_id", rec.AgentID),
		slog.String("name", rec.Name),
	)
	return rec, nil
}

func (s *Service) GetAgent(ctx context.Context, agentID string) (protocol.AgentRecord, error) {
	rec, found, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return protocol.AgentRecord{}, apperror.Internal("get agent", err)
	}
	if !found {
		return protocol.AgentRecord{}, apperror.NotFound("AGENT_NOT_FOUND", "agent not found")
	}
	return rec, nil
}

func (s *Service) ListAgents(ctx context.Context) ([]protocol.AgentRecord, error) {
	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		return nil, apperror.Internal("list agents", err)
	}
	return agents, nil
}

// SubmitRoot anchors one batch root. The (agent, batch index) pair is
// unique; a second submission at the same index fails with
// AUDIT_INDEX_EXISTS so the agent knows to re-read its summary.
func (s *Service) SubmitRoot(ctx context.Context, req protocol.SubmitRootRequest) (protocol.SubmitRootResponse, error) {
	if err := validateSubmitRoot(req); err != nil {
		return protocol.SubmitRootResponse{}, err
	}
	if _, err := s.GetAgent(ctx, req.AgentID); err != nil {
		return protocol.SubmitRootResponse{}, err
	}

	txID := "tx_" + uuid.NewString()
	rec, err := s.store.InsertAuditRoot(ctx, req, txID)
	if errors.Is(err, storage.ErrIndexExists) {
		return protocol.SubmitRootResponse{}, apperror.Conflict("AUDIT_INDEX_EXISTS", fmt.Sprintf("batch index %d already recorded for agent", req.BatchIndex))
	}
	if err != nil {
		return protocol.SubmitRootResponse{}, apperror.Internal("insert audit root", err)
	}

	ackPayload := struct {
		AgentID    string    `json:"agent_id"`
		BatchIndex int       `json:"batch_index"`
		MerkleRoot string    `json:"merkle_root"`
		TxID       string    `json:"tx_id"`
		RecordedAt time.Time `json:"recorded_at"`
		KeyID      string    `json:"kid"`
	}{
		AgentID:    rec.AgentID,
		BatchIndex: rec.BatchIndex,
		MerkleRoot: rec.MerkleRoot,
		TxID:       rec.TxID,
		RecordedAt: rec.RecordedAt,
		KeyID:      s.signer.KeyID,
	}
	raw, err := protocol.CanonicalJSON(ackPayload)
	if err != nil {
		return protocol.SubmitRootResponse{}, apperror.Internal("encode ack payload", err)
	}

	s.logger.Info("audit root anchored",
		slog.String("agent_id", rec.AgentID),
		slog.Int("batch_index", rec.BatchIndex),
		slog.Int("entries_count", rec.EntriesCount),
		slog.String("tx_id", rec.TxID),
	)
	return protocol.SubmitRootResponse{
		TxID:       rec.TxID,
		AgentID:    rec.AgentID,
		BatchIndex: rec.BatchIndex,
		RecordedAt: rec.RecordedAt,
		Ack: protocol.RegistryAck{
			Alg: "ed25519",
			Kid: s.signer.KeyID,
			Sig: s.signer.Sign(raw),
		},
	}, nil
}

func validateSubmitRoot(req protocol.SubmitRootRequest) error {
	if req.AgentID == "" {
		return apperror.BadRequest("AUDIT_BAD_REQUEST", "agent_id is required")
	}
	if req.BatchIndex < 0 {
		return apperror.BadRequest("AUDIT_BAD_REQUEST", "batch_index must not be negative")
	}
	if req.EntriesCount <= 0 {
		return apperror.BadRequest("AUDIT_BAD_REQUEST", "entries_count must be positive")
	}
	if len(req.MerkleRoot) != 64 {
		return apperror.BadRequest("AUDIT_BAD_REQUEST", "merkle_root must be 64 hex characters")
	}
	if _, err := hex.DecodeString(req.MerkleRoot); err != nil {
		return apperror.BadRequest("AUDIT_BAD_REQUEST", "merkle_root must be hex encoded")
	}
	return nil
}

func (s *Service) AuditSummary(ctx context.Context, agentID string) (protocol.AuditSummary, error) {
	if _, err := s.GetAgent(ctx, agentID); err != nil {
		return protocol.AuditSummary{}, err
	}
	summary, err := s.store.AuditSummary(ctx, agentID)
	if err != nil {
		return protocol.AuditSummary{}, apperror.Internal("audit summary", err)
	}
	return summary, nil
}

func (s *Service) ListAuditRoots(ctx context.Context, agentID string) ([]protocol.AuditRootRecord, error) {
	if _, err := s.GetAgent(ctx, agentID); err != nil {
		return nil, err
	}
	roots, err := s.store.ListAuditRoots(ctx, agentID)
	if err != nil {
		return nil, apperror.Internal("list audit roots", err)
	}
	return roots, nil
}

func (s *Service) GetAuditRoot(ctx context.Context, agentID string, batchIndex int) (protocol.AuditRootRecord, error) {
	rec, found, err := s.store.GetAuditRoot(ctx, agentID, batchIndex)
	if err != nil {
		return protocol.AuditRootRecord{}, apperror.Internal("get audit root", err)
	}
	if !found {
		return protocol.AuditRootRecord{}, apperror.NotFound("AUDIT_ROOT_NOT_FOUND", "no root at that batch index")
	}
	return rec, nil
}

// AdjustReputation applies a signed delta to an agent's reputation and
// returns the new value. Reputation never goes below zero.
func (s *Service) AdjustReputation(ctx context.Context, agentID string, delta int64) (int64, error) {
	reputation, err := s.store.AdjustReputation(ctx, agentID, delta)
	if errors.Is(err, storage.ErrAgentNotFound) {
		return 0, apperror.NotFound("AGENT_NOT_FOUND", "agent not found")
	}
	if err != nil {
		return 0, apperror.Internal("adjust reputation", err)
	}
	s.logger.Info("reputation adjusted",
		slog.String("agent_id", agentID),
		slog.Int64("delta", delta),
		slog.Int64("reputation", reputation),
	)
	return reputation, nil
}

func (s *Service) Health(ctx context.Context) map[string]any {
	return map[string]any{
		"service": s.service,
		"version": s.version,
		"status":  "ok",
		"key_id":  s.signer.KeyID,
		"time":    s.now().UTC(),
	}
}
