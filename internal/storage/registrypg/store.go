package registrypg

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vitamin33/agent-poi/internal/protocol"
	"github.com/vitamin33/agent-poi/internal/storage"
)

//go:embed migrations/001_init.sql
var migration001 string

const pgUniqueViolation = "23505"

type Store struct {
	pool *pgxpool.Pool
}

func Open(ctx context.Context, dsn string, maxConns, minConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns >= 0 {
		cfg.MinConns = minConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	store := &Store{pool: pool}
	if err := store.applyMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) applyMigrations(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, migration001); err != nil {
		return fmt.Errorf("apply migration 001: %w", err)
	}
	return nil
}

func (s *Store) RegisterAgent(ctx context.Context, req protocol.RegisterAgentRequest) (protocol.AgentRecord, error) {
	var out protocol.AgentRecord
	err := s.pool.QueryRow(ctx, `
INSERT INTO agents (agent_id, name, owner, address)
VALUES ($1, $2, $3, $4)
RETURNING agent_id, name, owner, address, reputation, registered_at
`, req.AgentID, req.Name, req.Owner, req.Address).Scan(
		&out.AgentID,
		&out.Name,
		&out.Owner,
		&out.Address,
		&out.Reputation,
		&out.RegisteredAt,
	)
	if isUniqueViolation(err) {
		return out, storage.ErrAgentExists
	}
	if err != nil {
		return out, err
	}
	out.RegisteredAt = out.RegisteredAt.UTC()
	return out, nil
}

func (s *Store) GetAgent(ctx context.Context, agentID string) (protocol.AgentRecord, bool, error) {
	var out protocol.AgentRecord
	err := s.pool.QueryRow(ctx, `
SELECT agent_id, name, owner, address, reputation, registered_at
FROM agents WHERE agent_id = $1
`, agentID).Scan(
		&out.AgentID,
		&out.Name,
		&out.Owner,
		&out.Address,
		&out.Reputation,
		&out.RegisteredAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return out, false, nil
	}
	if err != nil {
		return out, false, err
	}
	out.RegisteredAt = out.RegisteredAt.UTC()
	return out, true, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]protocol.AgentRecord, error) {
	rows, err := s.pool.Query(ctx, `
SELECT agent_id, name, owner, address, reputation, registered_at
FROM agents ORDER BY registered_at
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []protocol.AgentRecord
	for rows.Next() {
		var rec protocol.AgentRecord
		if err := rows.Scan(&rec.AgentID, &rec.Name, &rec.Owner, &rec.Address, &rec.Reputation, &rec.RegisteredAt); err != nil {
			return nil, err
		}
		rec.RegisteredAt = rec.RegisteredAt.UTC()
		agents = append(agents, rec)
	}
	return agents, rows.Err()
}

func (s *Store) InsertAuditRoot(ctx context.Context, req protocol.SubmitRootRequest, txID string) (protocol.AuditRootRecord, error) {
	var out protocol.AuditRootRecord
	var recordedAt time.Time
	err := s.pool.QueryRow(ctx, `
INSERT INTO audit_roots (agent_id, batch_index, merkle_root, entries_count, tx_id)
VALUES ($1, $2, $3, $4, $5)
RETURNING agent_id, batch_index, merkle_root, entries_count, tx_id, recorded_at
`, req.AgentID, req.BatchIndex, req.MerkleRoot, req.EntriesCount, txID).Scan(
		&out.AgentID,
		&out.BatchIndex,
		&out.MerkleRoot,
		&out.EntriesCount,
		&out.TxID,
		&recordedAt,
	)
	if isUniqueViolation(err) {
		return out, storage.ErrIndexExists
	}
	if err != nil {
		return out, err
	}
	out.RecordedAt = recordedAt.UTC()
	return out, nil
}

func (s *Store) GetAuditRoot(ctx context.Context, agentID string, batchIndex int) (protocol.AuditRootRecord, bool, error) {
	var out protocol.AuditRootRecord
	err := s.pool.QueryRow(ctx, `
SELECT agent_id, batch_index, merkle_root, entries_count, tx_id, recorded_at
FROM audit_roots WHERE agent_id = $1 AND batch_index = $2
`, agentID, batchIndex).Scan(
		&out.AgentID,
		&out.BatchIndex,
		&out.MerkleRoot,
		&out.EntriesCount,
		&out.TxID,
		&out.RecordedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return out, false, nil
	}
	if err != nil {
		return out, false, err
	}
	out.RecordedAt = out.RecordedAt.UTC()
	return out, true, nil
}

func (s *Store) ListAuditRoots(ctx context.Context, agentID string) ([]protocol.AuditRootRecord, error) {
	rows, err := s.pool.Query(ctx, `
SELECT agent_id, batch_index, merkle_root, entries_count, tx_id, recorded_at
FROM audit_roots WHERE agent_id = $1 ORDER BY batch_index
`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roots []protocol.AuditRootRecord
	for rows.Next() {
		var rec protocol.AuditRootRecord
		if err := rows.Scan(&rec.AgentID, &rec.BatchIndex, &rec.MerkleRoot, &rec.EntriesCount, &rec.TxID, &rec.RecordedAt); err != nil {
			return nil, err
		}
		rec.RecordedAt = rec.RecordedAt.UTC()
		roots = append(roots, rec)
	}
	return roots, rows.Err()
}

func (s *Store) AuditSummary(ctx context.Context, agentID string) (protocol.AuditSummary, error) {
	summary := protocol.AuditSummary{AgentID: agentID}
	var lastBatchAt *time.Time
	err := s.pool.QueryRow(ctx, `
SELECT COUNT(*), COALESCE(SUM(entries_count), 0), MAX(recorded_at)
FROM audit_roots WHERE agent_id = $1
`, agentID).Scan(&summary.TotalBatches, &summary.TotalEntries, &lastBatchAt)
	if err != nil {
		return summary, err
	}
	if lastBatchAt != nil {
		utc := lastBatchAt.UTC()
		summary.LastBatchAt = &utc
	}
	return summary, nil
}

func (s *Store) AdjustReputation(ctx context.Context, agentID string, delta int64) (int64, error) {
	var reputation int64
	err := s.pool.QueryRow(ctx, `
UPDATE agents SET reputation = GREATEST(reputation + $2, 0)
WHERE agent_id = $1
RETURNING reputation
`, agentID, delta).Scan(&reputation)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, storage.ErrAgentNotFound
	}
	return reputation, err
}

func (s *Store) GetReputation(ctx context.Context, agentID string) (int64, error) {
	var reputation int64
	err := s.pool.QueryRow(ctx, `SELECT reputation FROM agents WHERE agent_id = $1`, agentID).Scan(&reputation)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, storage.ErrAgentNotFound
	}
	return reputation, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
