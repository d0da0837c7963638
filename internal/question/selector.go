package question

import (
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
)

// preferredBoost multiplies the weight of questions in a caller-preferred
// domain, letting trigger-driven challenges lean on the weak domain without
// excluding the others.
const preferredBoost = 4.0

// Selector picks challenge questions weighted by agent personality and
// tracks per-peer history so the same peer never sees a question twice
// until the pool is exhausted.
type Selector struct {
	personality string
	weights     map[string]float64
	rng         *rand.Rand
	logger      *slog.Logger

	mu      sync.Mutex
	history map[string]map[string]bool
}

type SelectorParams struct {
	Personality string
	Rand        *rand.Rand
	Logger      *slog.Logger
}

func NewSelector(p SelectorParams) *Selector {
	weights, ok := PersonalityWeights[p.Personality]
	if !ok {
		weights = PersonalityWeights["general"]
	}
	if p.Rand == nil {
		p.Rand = rand.New(rand.NewSource(rand.Int63()))
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	return &Selector{
		personality: p.Personality,
		weights:     weights,
		rng:         p.Rand,
		logger:      p.Logger,
		history:     make(map[string]map[string]bool),
	}
}

// Select picks a question for peerName. preferredDomain may be empty; when
// set, questions in that domain get a fixed weight boost. If every question
// has already been asked to this peer, the peer's history resets.
func (s *Selector) Select(peerName, preferredDomain string) (Question, error) {
	return s.pick(peerName, preferredDomain, "")
}

// SelectWithDifficulty behaves like Select but restricts candidates to one
// difficulty, falling back to the full pool when the restriction would leave
// nothing to ask.
func (s *Selector) SelectWithDifficulty(peerName, preferredDomain, difficulty string) (Question, error) {
	return s.pick(peerName, preferredDomain, difficulty)
}

func (s *Selector) pick(peerName, preferredDomain, difficulty string) (Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := All()
	candidates := s.unasked(peerName, all, difficulty)
	if len(candidates) == 0 && difficulty != "" {
		candidates = s.unasked(peerName, all, "")
	}
	if len(candidates) == 0 {
		s.logger.Info("question pool exhausted for peer, resetting history",
			slog.String("peer", peerName),
		)
		delete(s.history, peerName)
		candidates = all
	}

	weights := make([]float64, len(candidates))
	for i, q := range candidates {
		w, ok := s.weights[q.Domain]
		if !ok {
			w = 0.1
		}
		if preferredDomain != "" && q.Domain == preferredDomain {
			w *= preferredBoost
		}
		weights[i] = w
	}

	selected, err := weightedPick(s.rng, candidates, weights)
	if err != nil {
		return Question{}, err
	}

	if s.history[peerName] == nil {
		s.history[peerName] = make(map[string]bool)
	}
	s.history[peerName][selected.ID()] = true

	s.logger.Info("question selected",
		slog.String("peer", peerName),
		slog.String("domain", selected.Domain),
		slog.String("difficulty", selected.Difficulty),
		slog.String("question_id", selected.ID()),
	)
	return selected, nil
}

func (s *Selector) unasked(peerName string, all []Question, difficulty string) []Question {
	asked := s.history[peerName]
	candidates := make([]Question, 0, len(all))
	for _, q := range all {
		if asked[q.ID()] {
			continue
		}
		if difficulty != "" && q.Difficulty != difficulty {
			continue
		}
		candidates = append(candidates, q)
	}
	return candidates
}

// ByID resolves a question from its deterministic identifier.
func ByID(id string) (Question, bool) {
	for _, q := range All() {
		if q.ID() == id {
			return q, true
		}
	}
	return Question{}, false
}

// Stats summarizes the selector state for the status endpoint.
func (s *Selector) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	perDomain := make(map[string]int, len(Pools))
	for domain, pool := range Pools {
		perDomain[domain] = len(pool)
	}
	perPeer := make(map[string]int, len(s.history))
	for peer, asked := range s.history {
		perPeer[peer] = len(asked)
	}
	return map[string]any{
		"personality":     s.personality,
		"total_questions": len(All()),
		"domains":         perDomain,
		"weights":         s.weights,
		"peer_history":    perPeer,
	}
}

func weightedPick(rng *rand.Rand, candidates []Question, weights []float64) (Question, error) {
	total := 0.0
	for _, w := range weights {
		total += w
	}
	if total <= 0 {
		return Question{}, fmt.Errorf("question selector: no positive weights")
	}
	target := rng.Float64() * total
	for i, w := range weights {
		target -= w
		if target < 0 {
			return candidates[i], nil
		}
	}
	return candidates[len(candidates)-1], nil
}
