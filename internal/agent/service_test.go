package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vitamin33/agent-poi/internal/apperror"
	"github.com/vitamin33/agent-poi/internal/audit"
	"github.com/vitamin33/agent-poi/internal/judge"
	"github.com/vitamin33/agent-poi/internal/protocol"
	"github.com/vitamin33/agent-poi/internal/question"
	"github.com/vitamin33/agent-poi/internal/trigger"
)

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type fakeRegistry struct {
	agents      map[string]protocol.AgentRecord
	reputations map[string]int64
	adjustments []int64
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		agents:      make(map[string]protocol.AgentRecord),
		reputations: make(map[string]int64),
	}
}

func (r *fakeRegistry) RegisterAgent(ctx context.Context, req protocol.RegisterAgentRequest) (protocol.AgentRecord, error) {
	if _, ok := r.agents[req.AgentID]; ok {
		return protocol.AgentRecord{}, apperror.Conflict("AGENT_EXISTS", "agent already registered")
	}
	rec := protocol.AgentRecord{
		Name:         req.Name,
		AgentID:      req.AgentID,
		Owner:        req.Owner,
		Address:      req.Address,
		Reputation:   500,
		RegisteredAt: time.Now().UTC(),
	}
	r.agents[req.AgentID] = rec
	r.reputations[req.AgentID] = 500
	return rec, nil
}

func (r *fakeRegistry) ListAgents(ctx context.Context) ([]protocol.AgentRecord, error) {
	out := make([]protocol.AgentRecord, 0, len(r.agents))
	for _, rec := range r.agents {
		rec.Reputation = r.reputations[rec.AgentID]
		out = append(out, rec)
	}
	return out, nil
}

func (r *fakeRegistry) GetAgent(ctx context.Context, agentID string) (protocol.AgentRecord, error) {
	rec, ok := r.agents[agentID]
	if !ok {
		return protocol.AgentRecord{}, apperror.NotFound("AGENT_NOT_FOUND", "no such agent")
	}
	rec.Reputation = r.reputations[agentID]
	return rec, nil
}

func (r *fakeRegistry) AdjustReputation(ctx context.Context, agentID string, delta int64, reason string) (int64, error) {
	if _, ok := r.agents[agentID]; !ok {
		return 0, apperror.NotFound("AGENT_NOT_FOUND", "no such agent")
	}
	next := r.reputations[agentID] + delta
	if next < 0 {
		next = 0
	}
	r.reputations[agentID] = next
	r.adjustments = append(r.adjustments, delta)
	return next, nil
}

type nopCommitter struct {
	submitted int
}

func (c *nopCommitter) SubmitRoot(ctx context.Context, agentID, merkleRoot string, entriesCount int) (string, error) {
	c.submitted++
	return "tx_test", nil
}

func (c *nopCommitter) InvalidateIndex(agentID string) {}

type fixedAnswerer struct {
	answer string
}

func (a fixedAnswerer) Answer(ctx context.Context, questionText string) (string, error) {
	return a.answer, nil
}

func newTestService(t *testing.T, answerer Answerer, registry Registry) (*Service, *nopCommitter) {
	t.Helper()
	store, err := audit.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	committer := &nopCommitter{}
	batcher, err := audit.NewBatcher(audit.BatcherParams{
		AgentID:   "agent-test",
		BatchSize: 10,
		Committer: committer,
		Store:     store,
		Logger:    discard(),
	})
	if err != nil {
		t.Fatalf("new batcher: %v", err)
	}
	selector := question.NewSelector(question.SelectorParams{
		Personality: "defi",
		Logger:      discard(),
	})
	engine := trigger.NewEngine(trigger.Params{Logger: discard()})
	svc, err := NewService(ServiceParams{
		State:    NewState("tester", "agent-test", "defi", "test"),
		Batcher:  batcher,
		Engine:   engine,
		Selector: selector,
		Judge:    judge.New(judge.Params{Enabled: true, Logger: discard()}),
		Registry: registry,
		Answerer: answerer,
		Address:  "http://localhost:0",
		Owner:    "tester",
		Logger:   discard(),
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, committer
}

func TestRegisterSeedsReputation(t *testing.T) {
	registry := newFakeRegistry()
	svc, _ := newTestService(t, PoolAnswerer{}, registry)

	if err := svc.Register(context.Background()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if got := svc.state.Reputation(); got != 500 {
		t.Fatalf("reputation = %d, want 500", got)
	}

	// Registering again must tolerate the conflict and refresh instead.
	registry.reputations["agent-test"] = 640
	if err := svc.Register(context.Background()); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if got := svc.state.Reputation(); got != 640 {
		t.Fatalf("reputation after re-register = %d, want 640", got)
	}
}

func TestRespondChallengeMatchesExpectedHash(t *testing.T) {
	svc, _ := newTestService(t, PoolAnswerer{}, newFakeRegistry())
	q := question.Pools["defi"][0]

	resp, err := svc.RespondChallenge(context.Background(), protocol.PeerChallengeRequest{
		Question:     q.Text,
		ExpectedHash: protocol.AnswerHash(q.ReferenceAnswer),
		Challenger:   "rival",
	})
	if err != nil {
		t.Fatalf("respond challenge: %v", err)
	}
	if !resp.Matches {
		t.Fatalf("expected pool answer to match reference hash")
	}
	if resp.AnswerHash != protocol.AnswerHash(resp.Answer) {
		t.Fatalf("answer hash does not cover the returned answer")
	}
	if got := svc.state.Counters().ChallengesAnswered; got != 1 {
		t.Fatalf("challenges answered = %d, want 1", got)
	}
}

func TestRespondChallengeRejectsEmptyQuestion(t *testing.T) {
	svc, _ := newTestService(t, PoolAnswerer{}, newFakeRegistry())

	_, err := svc.RespondChallenge(context.Background(), protocol.PeerChallengeRequest{Challenger: "rival"})
	if !apperror.IsCode(err, "CHALLENGE_BAD_REQUEST") {
		t.Fatalf("err = %v, want CHALLENGE_BAD_REQUEST", err)
	}
}

func TestSelfEvaluationRecordsScore(t *testing.T) {
	svc, _ := newTestService(t, PoolAnswerer{}, newFakeRegistry())

	if err := svc.SelfEvaluationRound(context.Background()); err != nil {
		t.Fatalf("self evaluation: %v", err)
	}
	if got := svc.state.Counters().SelfEvaluations; got != 1 {
		t.Fatalf("self evaluations = %d, want 1", got)
	}
	stats := svc.batcher.Stats()
	if stats.PendingEntries == 0 {
		t.Fatalf("expected a pending audit entry after self evaluation")
	}
}

func peerServer(t *testing.T, answerer Answerer) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(protocol.PeerHealth{Status: "ok", AgentName: "peer"})
	})
	mux.HandleFunc("POST /v1/challenge", func(w http.ResponseWriter, r *http.Request) {
		var req protocol.PeerChallengeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		answer, _ := answerer.Answer(r.Context(), req.Question)
		json.NewEncoder(w).Encode(protocol.PeerChallengeResponse{
			Answer:     answer,
			AnswerHash: protocol.AnswerHash(answer),
			Matches:    protocol.AnswerHash(answer) == req.ExpectedHash,
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestChallengePeerRoundRewardsGoodAnswer(t *testing.T) {
	registry := newFakeRegistry()
	svc, _ := newTestService(t, PoolAnswerer{}, registry)
	srv := peerServer(t, PoolAnswerer{})

	if _, err := registry.RegisterAgent(context.Background(), protocol.RegisterAgentRequest{
		Name: "peer", AgentID: "agent-peer", Owner: "x", Address: srv.URL,
	}); err != nil {
		t.Fatalf("register peer: %v", err)
	}
	if err := svc.DiscoverPeers(context.Background()); err != nil {
		t.Fatalf("discover peers: %v", err)
	}

	if err := svc.ChallengePeerRound(context.Background()); err != nil {
		t.Fatalf("challenge round: %v", err)
	}
	counters := svc.state.Counters()
	if counters.ChallengesIssued != 1 || counters.ChallengesPassed != 1 {
		t.Fatalf("counters = %+v, want one issued and one passed", counters)
	}
	if got := registry.reputations["agent-peer"]; got != 510 {
		t.Fatalf("peer reputation = %d, want 510", got)
	}
	interactions := svc.state.Interactions()
	if len(interactions) != 1 || !interactions[0].Passed {
		t.Fatalf("interactions = %+v, want one passed record", interactions)
	}
}

func TestChallengePeerRoundPenalizesBadAnswer(t *testing.T) {
	registry := newFakeRegistry()
	svc, _ := newTestService(t, PoolAnswerer{}, registry)
	srv := peerServer(t, fixedAnswerer{answer: "banana"})

	if _, err := registry.RegisterAgent(context.Background(), protocol.RegisterAgentRequest{
		Name: "peer", AgentID: "agent-peer", Owner: "x", Address: srv.URL,
	}); err != nil {
		t.Fatalf("register peer: %v", err)
	}
	if err := svc.DiscoverPeers(context.Background()); err != nil {
		t.Fatalf("discover peers: %v", err)
	}

	if err := svc.ChallengePeerRound(context.Background()); err != nil {
		t.Fatalf("challenge round: %v", err)
	}
	if got := svc.state.Counters().ChallengesFailed; got != 1 {
		t.Fatalf("challenges failed = %d, want 1", got)
	}
	if got := registry.reputations["agent-peer"]; got != 490 {
		t.Fatalf("peer reputation = %d, want 490", got)
	}
}

func TestChallengePeerRoundHandlesUnreachablePeer(t *testing.T) {
	registry := newFakeRegistry()
	svc, _ := newTestService(t, PoolAnswerer{}, registry)

	if _, err := registry.RegisterAgent(context.Background(), protocol.RegisterAgentRequest{
		Name: "ghost", AgentID: "agent-ghost", Owner: "x", Address: "http://127.0.0.1:1",
	}); err != nil {
		t.Fatalf("register peer: %v", err)
	}
	if err := svc.DiscoverPeers(context.Background()); err != nil {
		t.Fatalf("discover peers: %v", err)
	}

	if err := svc.ChallengePeerRound(context.Background()); err != nil {
		t.Fatalf("challenge round: %v", err)
	}
	if got := svc.state.Counters().ChallengesPassed; got != 0 {
		t.Fatalf("challenges passed = %d, want 0 for unreachable peer", got)
	}
	if len(registry.adjustments) != 0 {
		t.Fatalf("no reputation adjustment expected for unreachable peer")
	}
}

func TestDiscoverPeersExcludesSelf(t *testing.T) {
	registry := newFakeRegistry()
	svc, _ := newTestService(t, PoolAnswerer{}, registry)

	if err := svc.Register(context.Background()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := registry.RegisterAgent(context.Background(), protocol.RegisterAgentRequest{
		Name: "peer", AgentID: "agent-peer", Owner: "x", Address: "http://localhost:1",
	}); err != nil {
		t.Fatalf("register peer: %v", err)
	}
	if err := svc.DiscoverPeers(context.Background()); err != nil {
		t.Fatalf("discover peers: %v", err)
	}

	peers := svc.state.Peers()
	if len(peers) != 1 || peers[0].AgentID != "agent-peer" {
		t.Fatalf("peers = %+v, want only agent-peer", peers)
	}
}

func TestDiscoverPeersTracksStatus(t *testing.T) {
	registry := newFakeRegistry()
	svc, _ := newTestService(t, PoolAnswerer{}, registry)
	srv := peerServer(t, PoolAnswerer{})

	if err := svc.Register(context.Background()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := registry.RegisterAgent(context.Background(), protocol.RegisterAgentRequest{
		Name: "up", AgentID: "agent-up", Owner: "x", Address: srv.URL,
	}); err != nil {
		t.Fatalf("register reachable peer: %v", err)
	}
	if _, err := registry.RegisterAgent(context.Background(), protocol.RegisterAgentRequest{
		Name: "down", AgentID: "agent-down", Owner: "x", Address: "http://127.0.0.1:1",
	}); err != nil {
		t.Fatalf("register unreachable peer: %v", err)
	}
	if err := svc.DiscoverPeers(context.Background()); err != nil {
		t.Fatalf("discover peers: %v", err)
	}

	statuses := make(map[string]string)
	for _, peer := range svc.state.Peers() {
		statuses[peer.AgentID] = peer.Status
	}
	if statuses["agent-up"] != "online" {
		t.Fatalf("agent-up status = %q, want online", statuses["agent-up"])
	}
	if statuses["agent-down"] != "offline" {
		t.Fatalf("agent-down status = %q, want offline", statuses["agent-down"])
	}
	online := svc.state.OnlinePeers()
	if len(online) != 1 || online[0].AgentID != "agent-up" {
		t.Fatalf("online peers = %+v, want only agent-up", online)
	}
}

func TestEvaluateTriggersIssuesUrgentChallenge(t *testing.T) {
	registry := newFakeRegistry()
	svc, _ := newTestService(t, PoolAnswerer{}, registry)
	srv := peerServer(t, PoolAnswerer{})

	if err := svc.Register(context.Background()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := registry.RegisterAgent(context.Background(), protocol.RegisterAgentRequest{
		Name: "peer", AgentID: "agent-peer", Owner: "x", Address: srv.URL,
	}); err != nil {
		t.Fatalf("register peer: %v", err)
	}
	if err := svc.DiscoverPeers(context.Background()); err != nil {
		t.Fatalf("discover peers: %v", err)
	}

	// A 250 point drop crosses the reputation_drop threshold.
	registry.reputations["agent-test"] = 250
	if err := svc.EvaluateTriggers(context.Background()); err != nil {
		t.Fatalf("evaluate triggers: %v", err)
	}
	if got := svc.state.Counters().ChallengesIssued; got != 1 {
		t.Fatalf("challenges issued = %d, want 1 urgent challenge", got)
	}
	if got := svc.state.Reputation(); got != 250 {
		t.Fatalf("reputation = %d, want refreshed 250", got)
	}
}

func TestEvaluateTriggersIgnoresOfflinePeers(t *testing.T) {
	registry := newFakeRegistry()
	svc, _ := newTestService(t, PoolAnswerer{}, registry)

	if err := svc.Register(context.Background()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := registry.RegisterAgent(context.Background(), protocol.RegisterAgentRequest{
		Name: "down", AgentID: "agent-down", Owner: "x", Address: "http://127.0.0.1:1",
	}); err != nil {
		t.Fatalf("register unreachable peer: %v", err)
	}
	if err := svc.DiscoverPeers(context.Background()); err != nil {
		t.Fatalf("discover peers: %v", err)
	}

	// The unchallenged peer is offline, so new_peer must stay quiet.
	if err := svc.EvaluateTriggers(context.Background()); err != nil {
		t.Fatalf("evaluate triggers: %v", err)
	}
	for _, act := range svc.state.RecentActivities(20) {
		if act.Action == "urgent_challenge" {
			t.Fatalf("urgent challenge fired for an offline peer: %+v", act)
		}
	}
	if got := svc.state.Counters().ChallengesIssued; got != 0 {
		t.Fatalf("challenges issued = %d, want 0", got)
	}
}

func TestStatusIncludesComponentStats(t *testing.T) {
	svc, _ := newTestService(t, PoolAnswerer{}, newFakeRegistry())

	status := svc.Status()
	if _, ok := status["audit"]; !ok {
		t.Fatalf("status missing audit stats: %v", status)
	}
	if _, ok := status["questions"]; !ok {
		t.Fatalf("status missing question stats: %v", status)
	}
}

func TestProofForEntryUnknownHash(t *testing.T) {
	svc, _ := newTestService(t, PoolAnswerer{}, newFakeRegistry())

	_, err := svc.ProofForEntry("deadbeef")
	if !apperror.IsCode(err, "ENTRY_NOT_FOUND") {
		t.Fatalf("err = %v, want ENTRY_NOT_FOUND", err)
	}
}
