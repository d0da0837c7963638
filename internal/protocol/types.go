package protocol

import "time"

// ActionType tags one auditable autonomous action.
type ActionType string

const (
	ActionAgentRegistered     ActionType = "agent_registered"
	ActionAgentUpdated        ActionType = "agent_updated"
	ActionAgentVerified       ActionType = "agent_verified"
	ActionChallengeCreated    ActionType = "challenge_created"
	ActionChallengePassed     ActionType = "challenge_passed"
	ActionChallengeFailed     ActionType = "challenge_failed"
	ActionChallengeExpired    ActionType = "challenge_expired"
	ActionEvaluationCompleted ActionType = "evaluation_completed"
	ActionReputationChanged   ActionType = "reputation_changed"
	ActionCrossAgentChallenge ActionType = "cross_agent_challenge"
	ActionSecurityAlert       ActionType = "security_alert"
)

// AuditEntry is one observed action. The hash is computed once at
// construction over the canonical serialization of the other three fields;
// callers must treat the entry as immutable afterwards.
type AuditEntry struct {
	ActionType ActionType     `json:"action_type"`
	Timestamp  int64          `json:"timestamp"`
	Details    map[string]any `json:"details"`
	EntryHash  string         `json:"entry_hash"`
}

func NewAuditEntry(actionType ActionType, details map[string]any, timestamp int64) (AuditEntry, error) {
	if details == nil {
		details = map[string]any{}
	}
	hash, err := HashCanonical(map[string]any{
		"action_type": string(actionType),
		"timestamp":   timestamp,
		"details":     details,
	})
	if err != nil {
		return AuditEntry{}, err
	}
	return AuditEntry{
		ActionType: actionType,
		Timestamp:  timestamp,
		Details:    details,
		EntryHash:  hash,
	}, nil
}

// AuditBatch is one flush unit: the full entry records stay local for proof
// generation; only the root and count go to the registry.
type AuditBatch struct {
	BatchIndex      int          `json:"batch_index"`
	MerkleRoot      string       `json:"merkle_root"`
	EntriesCount    int          `json:"entries_count"`
	Timestamp       int64        `json:"timestamp"`
	Entries         []AuditEntry `json:"entries"`
	CommitSignature string       `json:"commit_signature,omitempty"`
	CommitError     string       `json:"commit_error,omitempty"`
}

func (b *AuditBatch) Committed() bool {
	return b.CommitSignature != ""
}

// ProofBundle is the result of looking up a Merkle proof for one entry.
type ProofBundle struct {
	BatchIndex      int          `json:"batch_index"`
	Pending         bool         `json:"pending"`
	MerkleRoot      string       `json:"merkle_root"`
	Proof           []MerkleStep `json:"proof"`
	CommitSignature string       `json:"commit_signature,omitempty"`
	Committed       bool         `json:"committed"`
}

// Registry wire types.

type SubmitRootRequest struct {
	AgentID      string    `json:"agent_id"`
	BatchIndex   int       `json:"batch_index"`
	MerkleRoot   string    `json:"merkle_root"`
	EntriesCount int       `json:"entries_count"`
	SubmittedAt  time.Time `json:"submitted_at"`
}

type RegistryAck struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	Sig string `json:"sig"`
}

type SubmitRootResponse struct {
	TxID       string      `json:"tx_id"`
	AgentID    string      `json:"agent_id"`
	BatchIndex int         `json:"batch_index"`
	RecordedAt time.Time   `json:"recorded_at"`
	Ack        RegistryAck `json:"ack"`
}

type AuditSummary struct {
	AgentID      string     `json:"agent_id"`
	TotalBatches int        `json:"total_batches"`
	TotalEntries int64      `json:"total_entries"`
	LastBatchAt  *time.Time `json:"last_batch_at,omitempty"`
}

type RegisterAgentRequest struct {
	Name    string `json:"name"`
	AgentID string `json:"agent_id"`
	Owner   string `json:"owner"`
	Address string `json:"address"`
}

type AgentRecord struct {
	Name         string    `json:"name"`
	AgentID      string    `json:"agent_id"`
	Owner        string    `json:"owner"`
	Address      string    `json:"address"`
	Reputation   int64     `json:"reputation"`
	RegisteredAt time.Time `json:"registered_at"`
}

type AgentListResponse struct {
	Agents []AgentRecord `json:"agents"`
}

type AuditRootRecord struct {
	AgentID      string    `json:"agent_id"`
	BatchIndex   int       `json:"batch_index"`
	MerkleRoot   string    `json:"merkle_root"`
	EntriesCount int       `json:"entries_count"`
	TxID         string    `json:"tx_id"`
	RecordedAt   time.Time `json:"recorded_at"`
}

type ReputationAdjustRequest struct {
	Delta  int64  `json:"delta"`
	Reason string `json:"reason,omitempty"`
}

type ReputationAdjustResponse struct {
	AgentID    string `json:"agent_id"`
	Reputation int64  `json:"reputation"`
}

// Peer wire types (the agent-to-agent probe surface).

type PeerChallengeRequest struct {
	Question     string `json:"question"`
	ExpectedHash string `json:"expected_hash"`
	Challenger   string `json:"challenger"`
}

type PeerChallengeResponse struct {
	Answer     string `json:"answer"`
	AnswerHash string `json:"answer_hash"`
	Matches    bool   `json:"matches"`
}

type PeerHealth struct {
	Status       string `json:"status"`
	AgentName    string `json:"agent_name"`
	AgentVersion string `json:"agent_version"`
	Personality  string `json:"personality"`
}

type PeerStatus struct {
	Name        string `json:"name"`
	AgentID     string `json:"agent_id"`
	Owner       string `json:"owner"`
	Personality string `json:"personality"`
	Reputation  int64  `json:"reputation"`
	Verified    bool   `json:"verified"`
}

// Error envelope shared by both HTTP surfaces.

type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}
