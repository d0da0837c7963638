package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vitamin33/agent-poi/internal/apperror"
	"github.com/vitamin33/agent-poi/internal/audit"
	"github.com/vitamin33/agent-poi/internal/judge"
	"github.com/vitamin33/agent-poi/internal/ledger"
	"github.com/vitamin33/agent-poi/internal/protocol"
	"github.com/vitamin33/agent-poi/internal/question"
	"github.com/vitamin33/agent-poi/internal/trigger"
)

const (
	passReputationDelta = 10
	failReputationDelta = -10
)

// Registry is the subset of registry operations the agent needs.
type Registry interface {
	RegisterAgent(ctx context.Context, req protocol.RegisterAgentRequest) (protocol.AgentRecord, error)
	ListAgents(ctx context.Context) ([]protocol.AgentRecord, error)
	GetAgent(ctx context.Context, agentID string) (protocol.AgentRecord, error)
	AdjustReputation(ctx context.Context, agentID string, delta int64, reason string) (int64, error)
}

// Answerer produces the agent's answer to a question. The default
// implementation answers from the shared question pools; deployments with a
// model swap in their own.
type Answerer interface {
	Answer(ctx context.Context, questionText string) (string, error)
}

// PoolAnswerer answers questions it finds in the question pools with the
// reference answer and admits ignorance otherwise.
type PoolAnswerer struct{}

func (PoolAnswerer) Answer(ctx context.Context, questionText string) (string, error) {
	for _, q := range question.All() {
		if q.Text == questionText {
			return q.ReferenceAnswer, nil
		}
	}
	return "I do not know the answer to that question.", nil
}

// Service runs the agent's autonomous behavior: answering challenges,
// self-evaluating, challenging peers on a steady cadence and reacting to
// urgent triggers. Every consequential action lands in the audit batcher.
type Service struct {
	state    *State
	batcher  *audit.Batcher
	engine   *trigger.Engine
	selector *question.Selector
	judge    *judge.Judge
	registry Registry
	peers    *PeerClient
	answerer Answerer
	address  string
	owner    string
	logger   *slog.Logger

	mu      sync.Mutex
	peerIdx int
}

type ServiceParams struct {
	State    *State
	Batcher  *audit.Batcher
	Engine   *trigger.Engine
	Selector *question.Selector
	Judge    *judge.Judge
	Registry Registry
	Peers    *PeerClient
	Answerer Answerer
	Address  string
	Owner    string
	Logger   *slog.Logger
}

func NewService(p ServiceParams) (*Service, error) {
	if p.State == nil {
		return nil, fmt.Errorf("agent service: state is required")
	}
	if p.Batcher == nil {
		return nil, fmt.Errorf("agent service: audit batcher is required")
	}
	if p.Engine == nil {
		return nil, fmt.Errorf("agent service: trigger engine is required")
	}
	if p.Selector == nil {
		return nil, fmt.Errorf("agent service: question selector is required")
	}
	if p.Judge == nil {
		return nil, fmt.Errorf("agent service: judge is required")
	}
	if p.Registry == nil {
		return nil, fmt.Errorf("agent service: registry client is required")
	}
	if p.Logger == nil {
		return nil, fmt.Errorf("agent service: logger is required")
	}
	if p.Peers == nil {
		p.Peers = NewPeerClient(0)
	}
	if p.Answerer == nil {
		p.Answerer = PoolAnswerer{}
	}
	return &Service{
		state:    p.State,
		batcher:  p.Batcher,
		engine:   p.Engine,
		selector: p.Selector,
		judge:    p.Judge,
		registry: p.Registry,
		peers:    p.Peers,
		answerer: p.Answerer,
		address:  p.Address,
		owner:    p.Owner,
		logger:   p.Logger,
	}, nil
}

// Register announces the agent to the registry. An already registered agent
// refreshes its reputation from the existing record instead of failing.
func (s *Service) Register(ctx context.Context) error {
	rec, err := s.registry.RegisterAgent(ctx, protocol.RegisterAgentRequest{
		AgentID: s.state.AgentID(),
		Name:    s.state.Name(),
		Owner:   s.owner,
		Address: s.address,
	})
	if apperror.IsCode(err, "AGENT_EXISTS") || ledger.HasCode(err, "AGENT_EXISTS") {
		rec, err = s.registry.GetAgent(ctx, s.state.AgentID())
	}
	if err != nil {
		return fmt.Errorf("register agent: %w", err)
	}

	s.state.SetReputation(rec.Reputation)
	s.engine.ObserveReputation(rec.Reputation)
	s.state.LogActivity("agent_registered", "complete", map[string]any{
		"reputation": rec.Reputation,
	})
	if _, err := s.batcher.Log(protocol.ActionAgentRegistered, map[string]any{
		"agent_id": s.state.AgentID(),
		"name":     s.state.Name(),
	}); err != nil {
		return err
	}
	return nil
}

// RespondChallenge answers an incoming peer challenge.
func (s *Service) RespondChallenge(ctx context.Context, req protocol.PeerChallengeRequest) (protocol.PeerChallengeResponse, error) {
	if strings.TrimSpace(req.Question) == "" {
		return protocol.PeerChallengeResponse{}, apperror.BadRequest("CHALLENGE_BAD_REQUEST", "question is required")
	}

	answer, err := s.answerer.Answer(ctx, req.Question)
	if err != nil {
		return protocol.PeerChallengeResponse{}, apperror.Internal("answer challenge", err)
	}
	answerHash := protocol.AnswerHash(answer)
	matches := req.ExpectedHash != "" && answerHash == req.ExpectedHash

	s.state.BumpCounter(func(c *Counters) { c.ChallengesAnswered++ })
	s.state.LogActivity("challenge_received", "answered", map[string]any{
		"challenger": req.Challenger,
		"matches":    matches,
	})
	if _, err := s.batcher.Log(protocol.ActionCrossAgentChallenge, map[string]any{
		"direction":  "received",
		"challenger": req.Challenger,
		"matches":    matches,
	}); err != nil {
		return protocol.PeerChallengeResponse{}, apperror.Internal("audit challenge response", err)
	}
	if err := s.maybeFlush(ctx); err != nil {
		s.logger.Error("flush after challenge response failed", slog.String("error", err.Error()))
	}

	return protocol.PeerChallengeResponse{
		Answer:     answer,
		AnswerHash: answerHash,
		Matches:    matches,
	}, nil
}

// DiscoverPeers refreshes the peer roster from the registry and probes
// each peer's health endpoint.
func (s *Service) DiscoverPeers(ctx context.Context) error {
	agents, err := s.registry.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("discover peers: %w", err)
	}
	s.state.SetPeers(agents)

	online := 0
	for _, peer := range s.state.Peers() {
		if peer.Address == "" {
			s.state.SetPeerStatus(peer.AgentID, "offline")
			continue
		}
		if _, err := s.peers.Health(ctx, peer.Address); err != nil {
			s.state.SetPeerStatus(peer.AgentID, "offline")
			continue
		}
		s.state.SetPeerStatus(peer.AgentID, "online")
		online++
	}
	s.state.LogActivity("peer_discovery", "found", map[string]any{
		"peers":  len(s.state.Peers()),
		"online": online,
	})
	return nil
}

// SelfEvaluationRound answers one question in the currently weakest domain
// and feeds the judged score back into the trigger engine.
func (s *Service) SelfEvaluationRound(ctx context.Context) error {
	domain, _ := s.engine.WeakestDomain()
	difficulty := s.engine.AdaptiveDifficulty(domain)
	q, err := s.selector.SelectWithDifficulty("self:"+s.state.AgentID(), domain, difficulty)
	if err != nil {
		return fmt.Errorf("self evaluation: %w", err)
	}

	answer, err := s.answerer.Answer(ctx, q.Text)
	if err != nil {
		return fmt.Errorf("self evaluation answer: %w", err)
	}
	result := s.judge.Judge(ctx, q.Text, q.ReferenceAnswer, answer)
	s.engine.RecordSelfScore(q.Domain, result.Score)

	s.state.BumpCounter(func(c *Counters) { c.SelfEvaluations++ })
	s.state.LogActivity("self_evaluation", "completed", map[string]any{
		"domain":     q.Domain,
		"difficulty": q.Difficulty,
		"score":      result.Score,
	})
	if _, err := s.batcher.Log(protocol.ActionEvaluationCompleted, map[string]any{
		"domain":      q.Domain,
		"difficulty":  q.Difficulty,
		"question_id": q.ID(),
		"score":       result.Score,
		"method":      result.Method,
	}); err != nil {
		return err
	}
	return s.maybeFlush(ctx)
}

// ChallengePeerRound issues one steady-cadence challenge to the next peer
// in round-robin order.
func (s *Service) ChallengePeerRound(ctx context.Context) error {
	peer, ok := s.nextPeer()
	if !ok {
		if err := s.DiscoverPeers(ctx); err != nil {
			return err
		}
		if peer, ok = s.nextPeer(); !ok {
			return nil
		}
	}
	return s.challengePeer(ctx, peer, "", "")
}

// EvaluateTriggers refreshes the agent's reputation, runs the trigger
// engine and issues an urgent challenge when a condition fires.
func (s *Service) EvaluateTriggers(ctx context.Context) error {
	rec, err := s.registry.GetAgent(ctx, s.state.AgentID())
	if err != nil {
		return fmt.Errorf("refresh reputation: %w", err)
	}
	s.state.SetReputation(rec.Reputation)

	trig := s.engine.Evaluate(rec.Reputation, s.state.OnlinePeerIDs())
	if trig == nil {
		return nil
	}

	s.state.LogActivity("urgent_challenge", "triggered", map[string]any{
		"category": string(trig.Category),
		"domain":   trig.Domain,
		"reason":   trig.Reason,
	})
	if _, err := s.batcher.Log(protocol.ActionChallengeCreated, map[string]any{
		"trigger": string(trig.Category),
		"domain":  trig.Domain,
		"reason":  trig.Reason,
	}); err != nil {
		return err
	}

	peer, ok := s.pickPeer(trig.PeerID)
	if !ok {
		return nil
	}
	preferred := trig.Domain
	if preferred == "" {
		preferred, _ = s.engine.WeakestDomain()
	}
	return s.challengePeer(ctx, peer, preferred, string(trig.Category))
}

func (s *Service) challengePeer(ctx context.Context, peer PeerInfo, preferredDomain, triggerName string) error {
	q, err := s.selector.Select(peer.AgentID, preferredDomain)
	if err != nil {
		return fmt.Errorf("select question: %w", err)
	}
	s.engine.RecordChallenge(peer.AgentID)

	req := protocol.PeerChallengeRequest{
		Question:     q.Text,
		ExpectedHash: protocol.AnswerHash(q.ReferenceAnswer),
		Challenger:   s.state.Name(),
	}
	s.state.LogActivity("a2a_challenge", "targeting_peer", map[string]any{
		"peer":        peer.Name,
		"question_id": q.ID(),
	})

	s.state.BumpCounter(func(c *Counters) { c.ChallengesIssued++ })
	resp, err := s.peers.Challenge(ctx, peer.Address, req)
	if err != nil {
		s.state.LogActivity("a2a_challenge", "peer_unreachable", map[string]any{
			"peer":  peer.Name,
			"error": truncate(err.Error(), 100),
		})
		_, auditErr := s.batcher.Log(protocol.ActionChallengeExpired, map[string]any{
			"peer":        peer.AgentID,
			"question_id": q.ID(),
			"error":       truncate(err.Error(), 100),
		})
		return auditErr
	}

	result := s.judge.Judge(ctx, q.Text, q.ReferenceAnswer, resp.Answer)
	s.engine.RecordPeerScore(q.Domain, result.Score)
	passed := result.Passed()

	action := protocol.ActionChallengeFailed
	delta := int64(failReputationDelta)
	if passed {
		action = protocol.ActionChallengePassed
		delta = passReputationDelta
	}
	s.state.BumpCounter(func(c *Counters) {
		if passed {
			c.ChallengesPassed++
		} else {
			c.ChallengesFailed++
		}
	})

	if _, err := s.batcher.Log(action, map[string]any{
		"peer":        peer.AgentID,
		"question_id": q.ID(),
		"domain":      q.Domain,
		"score":       result.Score,
		"trigger":     triggerName,
	}); err != nil {
		return err
	}

	if reputation, err := s.registry.AdjustReputation(ctx, peer.AgentID, delta, string(action)); err != nil {
		s.logger.Warn("peer reputation adjust failed",
			slog.String("peer", peer.AgentID),
			slog.String("error", err.Error()),
		)
	} else {
		if _, err := s.batcher.Log(protocol.ActionReputationChanged, map[string]any{
			"peer":       peer.AgentID,
			"delta":      delta,
			"reputation": reputation,
		}); err != nil {
			return err
		}
	}

	s.state.AddInteraction(Interaction{
		ID:          "int_" + uuid.NewString(),
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		TargetAgent: peer.Name,
		TargetURL:   peer.Address,
		QuestionID:  q.ID(),
		Domain:      q.Domain,
		Score:       result.Score,
		Passed:      passed,
		Trigger:     triggerName,
	})
	s.state.LogActivity("a2a_challenge", "completed", map[string]any{
		"peer":   peer.Name,
		"score":  result.Score,
		"passed": passed,
	})
	return s.maybeFlush(ctx)
}

// nextPeer walks the roster round-robin, preferring peers whose last health
// probe succeeded.
func (s *Service) nextPeer() (PeerInfo, bool) {
	peers := s.state.OnlinePeers()
	if len(peers) == 0 {
		peers = s.state.Peers()
	}
	if len(peers) == 0 {
		return PeerInfo{}, false
	}
	s.mu.Lock()
	peer := peers[s.peerIdx%len(peers)]
	s.peerIdx++
	s.mu.Unlock()
	return peer, true
}

func (s *Service) pickPeer(preferredID string) (PeerInfo, bool) {
	if preferredID != "" {
		for _, p := range s.state.Peers() {
			if p.AgentID == preferredID {
				return p, true
			}
		}
	}
	return s.nextPeer()
}

func (s *Service) maybeFlush(ctx context.Context) error {
	if !s.batcher.ShouldFlush() {
		return nil
	}
	_, err := s.batcher.Flush(ctx, false)
	return err
}

// ProofForEntry exposes Merkle proof lookup for the HTTP surface.
func (s *Service) ProofForEntry(entryHash string) (*protocol.ProofBundle, error) {
	bundle, found, err := s.batcher.ProofForEntry(entryHash)
	if err != nil {
		return nil, apperror.Internal("build proof", err)
	}
	if !found {
		return nil, apperror.NotFound("ENTRY_NOT_FOUND", "no audit entry with that hash")
	}
	return bundle, nil
}

// Activity returns the most recent activity log entries and all retained
// peer interactions.
func (s *Service) Activity(n int) map[string]any {
	return map[string]any{
		"activities":   s.state.RecentActivities(n),
		"interactions": s.state.Interactions(),
	}
}

// Evaluations reports per-domain score history plus the engine's current
// weakest-domain and difficulty view.
func (s *Service) Evaluations() map[string]any {
	weakest, _ := s.engine.WeakestDomain()
	return map[string]any{
		"domains":        s.engine.ScoreSummary(),
		"weakest_domain": weakest,
		"difficulty":     s.engine.AdaptiveDifficulty(weakest),
	}
}

// AuditStats reports the audit batcher counters.
func (s *Service) AuditStats() audit.Stats {
	return s.batcher.Stats()
}

// Status assembles the status payload from every component.
func (s *Service) Status() map[string]any {
	out := s.state.Snapshot()
	out["audit"] = s.batcher.Stats()
	out["questions"] = s.selector.Stats()
	out["trigger_budget_remaining"] = s.engine.BudgetRemaining()
	return out
}

// Health is the lightweight probe peers use before challenging.
func (s *Service) Health() protocol.PeerHealth {
	return protocol.PeerHealth{
		Status:       "ok",
		AgentName:    s.state.Name(),
		AgentVersion: s.state.Version(),
		Personality:  s.state.Personality(),
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
