package app

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/vitamin33/agent-poi/internal/agent"
	"github.com/vitamin33/agent-poi/internal/api"
	"github.com/vitamin33/agent-poi/internal/audit"
	"github.com/vitamin33/agent-poi/internal/config"
	poicrypto "github.com/vitamin33/agent-poi/internal/crypto"
	"github.com/vitamin33/agent-poi/internal/judge"
	"github.com/vitamin33/agent-poi/internal/ledger"
	"github.com/vitamin33/agent-poi/internal/logging"
	"github.com/vitamin33/agent-poi/internal/question"
	"github.com/vitamin33/agent-poi/internal/trigger"
)

type AgentApplication struct {
	Server    *http.Server
	Service   *agent.Service
	Intervals agent.RunnerIntervals
}

func BuildAgent(cfg *config.AgentConfig, logger *slog.Logger) (*AgentApplication, error) {
	ackKeyRaw, err := os.ReadFile(cfg.Registry.AckPublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read registry ack public key: %w", err)
	}
	ackKey, err := poicrypto.ParsePublicKey(string(ackKeyRaw))
	if err != nil {
		return nil, fmt.Errorf("parse registry ack public key: %w", err)
	}

	registryClient, err := ledger.NewRegistryClient(ledger.RegistryClientParams{
		BaseURL:      cfg.Registry.URL,
		WriteToken:   cfg.Registry.WriteToken,
		Timeout:      time.Duration(cfg.Registry.TimeoutSeconds) * time.Second,
		AckPublicKey: ackKey,
		AckKeyID:     cfg.Registry.AckKeyID,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build registry client: %w", err)
	}

	store, err := audit.NewStore(cfg.Audit.Dir)
	if err != nil {
		return nil, fmt.Errorf("open audit store: %w", err)
	}
	batcher, err := audit.NewBatcher(audit.BatcherParams{
		AgentID:   cfg.Agent.AgentID,
		BatchSize: cfg.Audit.BatchSize,
		Committer: registryClient,
		Store:     store,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build audit batcher: %w", err)
	}

	var rotator *judge.KeyRotator
	if cfg.Judge.Provider == "groq" && cfg.Judge.KeyPrefix != "" {
		rotator = judge.NewKeyRotator(judge.KeysFromEnv(cfg.Judge.KeyPrefix), logger)
	}
	scorer := judge.New(judge.Params{
		Provider: cfg.Judge.Provider,
		Model:    cfg.Judge.Model,
		APIKey:   cfg.Judge.APIKey,
		Enabled:  *cfg.Judge.Enabled,
		Rotator:  rotator,
		Logger:   logger,
	})

	engine := trigger.NewEngine(trigger.Params{
		Cooldown:     time.Duration(cfg.Trigger.CooldownSeconds) * time.Second,
		HourlyBudget: cfg.Trigger.HourlyBudget,
		Logger:       logger,
	})
	selector := question.NewSelector(question.SelectorParams{
		Personality: cfg.Agent.Personality,
		Logger:      logger,
	})

	state := agent.NewState(cfg.Agent.Name, cfg.Agent.AgentID, cfg.Agent.Personality, cfg.Agent.Version)
	svc, err := agent.NewService(agent.ServiceParams{
		State:    state,
		Batcher:  batcher,
		Engine:   engine,
		Selector: selector,
		Judge:    scorer,
		Registry: registryClient,
		Peers:    agent.NewPeerClient(0),
		Address:  cfg.Agent.Address,
		Owner:    cfg.Agent.Owner,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build agent service: %w", err)
	}

	handler := api.NewAgentHandler(svc)
	root := logging.Middleware(logger, handler.Router())

	server := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           root,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	intervals := agent.RunnerIntervals{
		Flush:     time.Duration(cfg.Intervals.FlushSeconds) * time.Second,
		SelfEval:  time.Duration(cfg.Intervals.SelfEvalSeconds) * time.Second,
		Challenge: time.Duration(cfg.Intervals.ChallengeSeconds) * time.Second,
		Trigger:   time.Duration(cfg.Intervals.TriggerSeconds) * time.Second,
		Discovery: time.Duration(cfg.Intervals.DiscoverySeconds) * time.Second,
	}
	return &AgentApplication{Server: server, Service: svc, Intervals: intervals}, nil
}
