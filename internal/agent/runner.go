package agent

import (
	"context"
	"log/slog"
	"time"
)

// RunnerIntervals controls the cadence of the background loops. Zero values
// fall back to the defaults.
type RunnerIntervals struct {
	Flush     time.Duration
	SelfEval  time.Duration
	Challenge time.Duration
	Trigger   time.Duration
	Discovery time.Duration
}

func (r *RunnerIntervals) applyDefaults() {
	if r.Flush <= 0 {
		r.Flush = 30 * time.Second
	}
	if r.SelfEval <= 0 {
		r.SelfEval = 2 * time.Minute
	}
	if r.Challenge <= 0 {
		r.Challenge = 3 * time.Minute
	}
	if r.Trigger <= 0 {
		r.Trigger = time.Minute
	}
	if r.Discovery <= 0 {
		r.Discovery = 5 * time.Minute
	}
}

// Run drives the agent's background loops until the context is canceled:
// audit flushing and commit retries, self-evaluation, steady peer
// challenges, trigger evaluation and peer discovery. On shutdown the
// pending audit entries are force-flushed so nothing is lost.
func (s *Service) Run(ctx context.Context, intervals RunnerIntervals) error {
	intervals.applyDefaults()

	if err := s.Register(ctx); err != nil {
		return err
	}
	if err := s.DiscoverPeers(ctx); err != nil {
		s.logger.Warn("initial peer discovery failed", slog.String("error", err.Error()))
	}

	flush := time.NewTicker(intervals.Flush)
	defer flush.Stop()
	selfEval := time.NewTicker(intervals.SelfEval)
	defer selfEval.Stop()
	challenge := time.NewTicker(intervals.Challenge)
	defer challenge.Stop()
	triggers := time.NewTicker(intervals.Trigger)
	defer triggers.Stop()
	discovery := time.NewTicker(intervals.Discovery)
	defer discovery.Stop()

	s.logger.Info("agent loops started",
		slog.String("agent_id", s.state.AgentID()),
		slog.String("personality", s.state.Personality()),
	)

	for {
		select {
		case <-ctx.Done():
			return s.shutdown()
		case <-flush.C:
			if _, err := s.batcher.Flush(ctx, false); err != nil {
				s.logger.Error("audit flush failed", slog.String("error", err.Error()))
			}
			if _, err := s.batcher.RetryFailedBatches(ctx); err != nil {
				s.logger.Error("audit retry pass failed", slog.String("error", err.Error()))
			}
		case <-selfEval.C:
			if err := s.SelfEvaluationRound(ctx); err != nil {
				s.logger.Error("self evaluation failed", slog.String("error", err.Error()))
			}
		case <-challenge.C:
			if err := s.ChallengePeerRound(ctx); err != nil {
				s.logger.Error("peer challenge round failed", slog.String("error", err.Error()))
			}
		case <-triggers.C:
			if err := s.EvaluateTriggers(ctx); err != nil {
				s.logger.Error("trigger evaluation failed", slog.String("error", err.Error()))
			}
		case <-discovery.C:
			if err := s.DiscoverPeers(ctx); err != nil {
				s.logger.Warn("peer discovery failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (s *Service) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := s.batcher.Flush(ctx, true); err != nil {
		s.logger.Error("final audit flush failed", slog.String("error", err.Error()))
		return err
	}
	s.logger.Info("agent stopped")
	return nil
}
