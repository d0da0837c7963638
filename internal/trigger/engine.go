package trigger

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Category names one class of condition that can fire an urgent challenge.
// Score-based categories are tracked per domain; their cooldown keys carry
// the domain suffix so one weak domain cannot starve the others.
type Category string

const (
	CategoryReputationDrop Category = "reputation_drop"
	CategoryNewPeer        Category = "new_peer"
	CategoryLowSelfScore   Category = "low_self_score"
	CategoryScoreVariance  Category = "score_variance"
)

// Domains is the closed set of knowledge domains scores are tracked under.
var Domains = []string{"defi", "solana", "security", "general"}

const (
	defaultCooldown     = 600 * time.Second
	defaultHourlyBudget = 8
	budgetWindow        = time.Hour

	scoreWindowCap      = 20
	challengeHistoryCap = 20

	reputationDropThreshold = 200
	lowScoreThreshold       = 55
	varianceThreshold       = 10
)

// Trigger is one fired condition. PeerID is set only for new peer triggers;
// Domain is set only for the per-domain score categories.
type Trigger struct {
	Category Category `json:"category"`
	Domain   string   `json:"domain,omitempty"`
	Reason   string   `json:"reason"`
	PeerID   string   `json:"peer_id,omitempty"`
	FiredAt  int64    `json:"fired_at"`
}

// Engine decides when the agent should issue an out-of-schedule challenge.
// Conditions are evaluated in a fixed order and at most one trigger fires
// per evaluation; per-condition cooldowns and a rolling hourly budget keep
// the urgent path from starving the steady cadence.
type Engine struct {
	cooldown time.Duration
	budget   int
	now      func() time.Time
	logger   *slog.Logger

	mu          sync.Mutex
	lastFired   map[string]time.Time
	windowStart time.Time
	used        int

	reputation     int64
	reputationSeen bool

	selfScores map[string][]int
	peerScores map[string][]int
	challenged []string
}

type Params struct {
	Cooldown     time.Duration
	HourlyBudget int
	Now          func() time.Time
	Logger       *slog.Logger
}

func NewEngine(p Params) *Engine {
	if p.Cooldown <= 0 {
		p.Cooldown = defaultCooldown
	}
	if p.HourlyBudget <= 0 {
		p.HourlyBudget = defaultHourlyBudget
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	return &Engine{
		cooldown:   p.Cooldown,
		budget:     p.HourlyBudget,
		now:        p.Now,
		logger:     p.Logger,
		lastFired:  make(map[string]time.Time),
		selfScores: make(map[string][]int, len(Domains)),
		peerScores: make(map[string][]int, len(Domains)),
	}
}

// ObserveReputation records the latest reputation reading. The first reading
// only seeds the baseline and can never fire a drop trigger.
func (e *Engine) ObserveReputation(reputation int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.reputationSeen {
		e.reputation = reputation
		e.reputationSeen = true
	}
}

// RecordSelfScore appends a self-evaluation score for a domain. Unknown
// domains are folded into "general" so score maps stay bounded.
func (e *Engine) RecordSelfScore(domain string, score int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	domain = normalizeDomain(domain)
	e.selfScores[domain] = appendCapped(e.selfScores[domain], score, scoreWindowCap)
}

// RecordPeerScore appends a score earned answering another agent's challenge.
func (e *Engine) RecordPeerScore(domain string, score int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	domain = normalizeDomain(domain)
	e.peerScores[domain] = appendCapped(e.peerScores[domain], score, scoreWindowCap)
}

// RecordChallenge notes that a peer was challenged, for new-peer detection.
func (e *Engine) RecordChallenge(peerID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.challenged = appendCapped(e.challenged, peerID, challengeHistoryCap)
}

// Evaluate runs the trigger conditions against the current state and the
// given peer roster. At most one trigger fires; firing consumes hourly
// budget and starts the condition's cooldown.
func (e *Engine) Evaluate(reputation int64, peers []string) *Trigger {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.updateReputation(reputation)

	now := e.now()
	if !e.budgetAvailable(now) {
		return nil
	}

	trig := e.firstReady(now, reputation, peers)
	if trig == nil {
		return nil
	}
	trig.FiredAt = now.Unix()
	e.lastFired[cooldownKey(trig.Category, trig.Domain)] = now
	e.consumeBudget(now)
	e.logger.Info("challenge trigger fired",
		slog.String("category", string(trig.Category)),
		slog.String("reason", trig.Reason),
	)
	return trig
}

// firstReady walks the conditions in priority order and returns the first
// one that both holds and is out of cooldown. Score conditions are checked
// domain by domain against that domain's own window.
func (e *Engine) firstReady(now time.Time, reputation int64, peers []string) *Trigger {
	ready := func(cat Category, domain string) bool {
		last, ok := e.lastFired[cooldownKey(cat, domain)]
		return !ok || now.Sub(last) >= e.cooldown
	}

	if ready(CategoryReputationDrop, "") && e.reputationSeen && e.reputation-reputation >= reputationDropThreshold {
		return &Trigger{
			Category: CategoryReputationDrop,
			Reason:   fmt.Sprintf("reputation dropped by %d", e.reputation-reputation),
		}
	}

	if ready(CategoryNewPeer, "") {
		for _, peer := range peers {
			if !contains(e.challenged, peer) {
				return &Trigger{
					Category: CategoryNewPeer,
					Reason:   fmt.Sprintf("peer %s has not been challenged recently", peer),
					PeerID:   peer,
				}
			}
		}
	}

	for _, domain := range Domains {
		if !ready(CategoryLowSelfScore, domain) {
			continue
		}
		window := e.selfScores[domain]
		if len(window) < 2 {
			continue
		}
		latest := window[len(window)-1]
		if latest < lowScoreThreshold {
			return &Trigger{
				Category: CategoryLowSelfScore,
				Domain:   domain,
				Reason:   fmt.Sprintf("latest %s self score %d below %d", domain, latest, lowScoreThreshold),
			}
		}
	}

	for _, domain := range Domains {
		if !ready(CategoryScoreVariance, domain) {
			continue
		}
		window := e.selfScores[domain]
		if len(window) < 3 {
			continue
		}
		delta := window[len(window)-1] - window[len(window)-2]
		if delta >= varianceThreshold {
			return &Trigger{
				Category: CategoryScoreVariance,
				Domain:   domain,
				Reason:   fmt.Sprintf("%s self score improved by %d", domain, delta),
			}
		}
		if -delta >= varianceThreshold {
			return &Trigger{
				Category: CategoryScoreVariance,
				Domain:   domain,
				Reason:   fmt.Sprintf("%s self score declined by %d", domain, -delta),
			}
		}
	}

	return nil
}

func cooldownKey(cat Category, domain string) string {
	if domain == "" {
		return string(cat)
	}
	return string(cat) + ":" + domain
}

// WeakestDomain returns the domain with the lowest mean over the last five
// self scores. Peer scores only stand in when no self score exists at all.
// The second return is false when no score of either kind has been recorded.
func (e *Engine) WeakestDomain() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	scores := e.selfScores
	if countScores(e.selfScores) == 0 {
		scores = e.peerScores
	}

	weakest := ""
	lowest := -1.0
	for _, domain := range Domains {
		window := scores[domain]
		if len(window) == 0 {
			continue
		}
		if len(window) > 5 {
			window = window[len(window)-5:]
		}
		avg := mean(window)
		if lowest < 0 || avg < lowest {
			lowest = avg
			weakest = domain
		}
	}
	if weakest == "" {
		return "", false
	}
	return weakest, true
}

// AdaptiveDifficulty picks a difficulty from the mean of the last three
// self scores in the domain. With no history it stays at medium.
func (e *Engine) AdaptiveDifficulty(domain string) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	window := e.selfScores[normalizeDomain(domain)]
	if len(window) == 0 {
		return "medium"
	}
	if len(window) > 3 {
		window = window[len(window)-3:]
	}
	avg := mean(window)
	switch {
	case avg >= 85:
		return "hard"
	case avg >= 60:
		return "medium"
	default:
		return "easy"
	}
}

// ScoreSummary reports per-domain self and peer score counts and means for
// the evaluations endpoint.
func (e *Engine) ScoreSummary() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]any, len(Domains))
	for _, domain := range Domains {
		self := e.selfScores[domain]
		peer := e.peerScores[domain]
		summary := map[string]any{
			"self_count": len(self),
			"peer_count": len(peer),
		}
		if len(self) > 0 {
			summary["self_mean"] = mean(self)
		}
		if len(peer) > 0 {
			summary["peer_mean"] = mean(peer)
		}
		out[domain] = summary
	}
	return out
}

// BudgetRemaining reports how many triggers may still fire in the current
// rolling hour.
func (e *Engine) BudgetRemaining() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	if e.windowStart.IsZero() || now.Sub(e.windowStart) >= budgetWindow {
		return e.budget
	}
	return e.budget - e.used
}

func (e *Engine) budgetAvailable(now time.Time) bool {
	if e.windowStart.IsZero() || now.Sub(e.windowStart) >= budgetWindow {
		return true
	}
	return e.used < e.budget
}

func (e *Engine) consumeBudget(now time.Time) {
	if e.windowStart.IsZero() || now.Sub(e.windowStart) >= budgetWindow {
		e.windowStart = now
		e.used = 0
	}
	e.used++
}

func (e *Engine) updateReputation(reputation int64) {
	e.reputation = reputation
	e.reputationSeen = true
}

func normalizeDomain(domain string) string {
	for _, d := range Domains {
		if d == domain {
			return domain
		}
	}
	return "general"
}

func appendCapped[T any](window []T, v T, limit int) []T {
	window = append(window, v)
	if len(window) > limit {
		window = window[len(window)-limit:]
	}
	return window
}

func contains(list []string, target string) bool {
	for _, v := range list {
		if v == target {
			return true
		}
	}
	return false
}

func countScores(m map[string][]int) int {
	total := 0
	for _, window := range m {
		total += len(window)
	}
	return total
}

func mean(window []int) float64 {
	sum := 0
	for _, v := range window {
		sum += v
	}
	return float64(sum) / float64(len(window))
}
