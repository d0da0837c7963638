package storage

import (
	"context"
	"errors"

	"github.com/vitamin33/agent-poi/internal/protocol"
)

var (
	ErrAgentExists   = errors.New("agent already registered")
	ErrAgentNotFound = errors.New("agent not found")
	ErrIndexExists   = errors.New("audit root index already exists")
)

// RegistryStore is the persistence surface of the registry node: the agent
// roster, per-agent reputation and the anchored audit roots.
type RegistryStore interface {
	Close()

	RegisterAgent(ctx context.Context, req protocol.RegisterAgentRequest) (protocol.AgentRecord, error)
	GetAgent(ctx context.Context, agentID string) (protocol.AgentRecord, bool, error)
	ListAgents(ctx context.Context) ([]protocol.AgentRecord, error)

	InsertAuditRoot(ctx context.Context, req protocol.SubmitRootRequest, txID string) (protocol.AuditRootRecord, error)
	GetAuditRoot(ctx context.Context, agentID string, batchIndex int) (protocol.AuditRootRecord, bool, error)
	ListAuditRoots(ctx context.Context, agentID string) ([]protocol.AuditRootRecord, error)
	AuditSummary(ctx context.Context, agentID string) (protocol.AuditSummary, error)

	AdjustReputation(ctx context.Context, agentID string, delta int64) (int64, error)
	GetReputation(ctx context.Context, agentID string) (int64, error)
}
