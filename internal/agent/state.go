package agent

import (
	"sort"
	"sync"
	"time"

	"github.com/vitamin33/agent-poi/internal/protocol"
)

const (
	activityLogCap = 200
	interactionCap = 100
)

// Activity is one entry in the rolling activity log exposed over HTTP.
type Activity struct {
	Timestamp string         `json:"timestamp"`
	Action    string         `json:"action"`
	Status    string         `json:"status"`
	Details   map[string]any `json:"details,omitempty"`
	Hash      string         `json:"hash"`
}

// PeerInfo pairs a directory record with the latest health-probe result.
// Status is "unknown" until the first probe, then "online" or "offline".
type PeerInfo struct {
	protocol.AgentRecord
	Status   string `json:"status"`
	LastSeen string `json:"last_seen,omitempty"`
}

// Interaction records one cross-agent challenge from the challenger's side.
type Interaction struct {
	ID          string `json:"id"`
	Timestamp   string `json:"timestamp"`
	TargetAgent string `json:"target_agent"`
	TargetURL   string `json:"target_url"`
	QuestionID  string `json:"question_id"`
	Domain      string `json:"domain"`
	Score       int    `json:"score"`
	Passed      bool   `json:"passed"`
	Trigger     string `json:"trigger,omitempty"`
}

// Counters aggregates lifetime totals for the status endpoint.
type Counters struct {
	ChallengesIssued   int `json:"challenges_issued"`
	ChallengesPassed   int `json:"challenges_passed"`
	ChallengesFailed   int `json:"challenges_failed"`
	ChallengesAnswered int `json:"challenges_answered"`
	SelfEvaluations    int `json:"self_evaluations"`
}

// State is the agent's mutable runtime view: identity, discovered peers,
// the rolling activity log and interaction history.
type State struct {
	mu sync.RWMutex

	name        string
	agentID     string
	personality string
	version     string

	reputation int64
	verified   bool

	peers        map[string]PeerInfo
	activities   []Activity
	interactions []Interaction
	counters     Counters
}

func NewState(name, agentID, personality, version string) *State {
	return &State{
		name:        name,
		agentID:     agentID,
		personality: personality,
		version:     version,
		peers:       make(map[string]PeerInfo),
	}
}

func (s *State) Name() string        { return s.name }
func (s *State) AgentID() string     { return s.agentID }
func (s *State) Personality() string { return s.personality }
func (s *State) Version() string     { return s.version }

func (s *State) Reputation() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reputation
}

func (s *State) SetReputation(v int64) {
	s.mu.Lock()
	s.reputation = v
	s.mu.Unlock()
}

func (s *State) SetVerified(v bool) {
	s.mu.Lock()
	s.verified = v
	s.mu.Unlock()
}

// SetPeers replaces the discovered peer roster, keyed by agent id. Probe
// results for peers that survive the refresh are preserved.
func (s *State) SetPeers(peers []protocol.AgentRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make(map[string]PeerInfo, len(peers))
	for _, p := range peers {
		if p.AgentID == s.agentID {
			continue
		}
		info := PeerInfo{AgentRecord: p, Status: "unknown"}
		if prev, ok := s.peers[p.AgentID]; ok {
			info.Status = prev.Status
			info.LastSeen = prev.LastSeen
		}
		next[p.AgentID] = info
	}
	s.peers = next
}

// SetPeerStatus records a health-probe outcome; "online" refreshes last-seen.
func (s *State) SetPeerStatus(agentID, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.peers[agentID]
	if !ok {
		return
	}
	info.Status = status
	if status == "online" {
		info.LastSeen = time.Now().UTC().Format(time.RFC3339)
	}
	s.peers[agentID] = info
}

// Peers returns the roster sorted by agent id so round-robin iteration over
// it is stable between refreshes.
func (s *State) Peers() []PeerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PeerInfo, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// OnlinePeers filters the roster to peers whose last probe succeeded.
func (s *State) OnlinePeers() []PeerInfo {
	all := s.Peers()
	out := make([]PeerInfo, 0, len(all))
	for _, p := range all {
		if p.Status == "online" {
			out = append(out, p)
		}
	}
	return out
}

// OnlinePeerIDs lists the IDs of peers whose last probe succeeded. Trigger
// evaluation works off this view so unreachable peers cannot fire new_peer.
func (s *State) OnlinePeerIDs() []string {
	online := s.OnlinePeers()
	out := make([]string, 0, len(online))
	for _, p := range online {
		out = append(out, p.AgentID)
	}
	return out
}

// LogActivity appends one entry to the rolling activity log and returns it.
// The hash gives each entry a short stable reference in log output.
func (s *State) LogActivity(action, status string, details map[string]any) Activity {
	entry := Activity{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Action:    action,
		Status:    status,
		Details:   details,
	}
	raw, err := protocol.CanonicalJSON(map[string]any{
		"timestamp": entry.Timestamp,
		"action":    action,
		"status":    status,
		"details":   details,
	})
	if err == nil {
		entry.Hash = protocol.SHA256Hex(raw)[:16]
	}

	s.mu.Lock()
	s.activities = append(s.activities, entry)
	if len(s.activities) > activityLogCap {
		s.activities = s.activities[len(s.activities)-activityLogCap:]
	}
	s.mu.Unlock()
	return entry
}

// RecentActivities returns up to n newest entries, oldest first.
func (s *State) RecentActivities(n int) []Activity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n <= 0 || n > len(s.activities) {
		n = len(s.activities)
	}
	out := make([]Activity, n)
	copy(out, s.activities[len(s.activities)-n:])
	return out
}

func (s *State) ActivityCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.activities)
}

func (s *State) AddInteraction(in Interaction) {
	s.mu.Lock()
	s.interactions = append(s.interactions, in)
	if len(s.interactions) > interactionCap {
		s.interactions = s.interactions[len(s.interactions)-interactionCap:]
	}
	s.mu.Unlock()
}

func (s *State) Interactions() []Interaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Interaction, len(s.interactions))
	copy(out, s.interactions)
	return out
}

func (s *State) BumpCounter(update func(*Counters)) {
	s.mu.Lock()
	update(&s.counters)
	s.mu.Unlock()
}

func (s *State) Counters() Counters {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counters
}

// Snapshot builds the status payload.
func (s *State) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	online := 0
	for _, p := range s.peers {
		if p.Status == "online" {
			online++
		}
	}
	return map[string]any{
		"name":              s.name,
		"agent_id":          s.agentID,
		"personality":       s.personality,
		"version":           s.version,
		"reputation":        s.reputation,
		"verified":          s.verified,
		"peers":             len(s.peers),
		"peers_online":      online,
		"activities_logged": len(s.activities),
		"counters":          s.counters,
	}
}
