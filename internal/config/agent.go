package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type AgentConfig struct {
	Agent struct {
		Name        string `yaml:"name"`
		AgentID     string `yaml:"agent_id"`
		Personality string `yaml:"personality"`
		Owner       string `yaml:"owner"`
		Address     string `yaml:"address"`
		Version     string `yaml:"version"`
	} `yaml:"agent"`

	Server struct {
		Listen                 string `yaml:"listen"`
		ReadTimeoutSeconds     int    `yaml:"read_timeout_seconds"`
		WriteTimeoutSeconds    int    `yaml:"write_timeout_seconds"`
		ShutdownTimeoutSeconds int    `yaml:"shutdown_timeout_seconds"`
	} `yaml:"server"`

	Registry struct {
		URL              string `yaml:"url"`
		WriteToken       string `yaml:"write_token"`
		TimeoutSeconds   int    `yaml:"timeout_seconds"`
		AckKeyID         string `yaml:"ack_key_id"`
		AckPublicKeyPath string `yaml:"ack_public_key_path"`
	} `yaml:"registry"`

	Audit struct {
		Dir       string `yaml:"dir"`
		BatchSize int    `yaml:"batch_size"`
	} `yaml:"audit"`

	Judge struct {
		Provider  string `yaml:"provider"`
		Model     string `yaml:"model"`
		APIKey    string `yaml:"api_key"`
		KeyPrefix string `yaml:"key_prefix"`
		Enabled   *bool  `yaml:"enabled"`
	} `yaml:"judge"`

	Trigger struct {
		CooldownSeconds int `yaml:"cooldown_seconds"`
		HourlyBudget    int `yaml:"hourly_budget"`
	} `yaml:"trigger"`

	Intervals struct {
		FlushSeconds     int `yaml:"flush_seconds"`
		SelfEvalSeconds  int `yaml:"self_eval_seconds"`
		ChallengeSeconds int `yaml:"challenge_seconds"`
		TriggerSeconds   int `yaml:"trigger_seconds"`
		DiscoverySeconds int `yaml:"discovery_seconds"`
	} `yaml:"intervals"`

	Security struct {
		EnforceSecureTLS *bool `yaml:"enforce_secure_transport"`
	} `yaml:"security"`

	Logging struct {
		Level   string `yaml:"level"`
		Service string `yaml:"service"`
		Version string `yaml:"version"`
	} `yaml:"logging"`
}

func LoadAgent(path string) (*AgentConfig, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent config: %w", err)
	}
	var cfg AgentConfig
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, fmt.Errorf("parse agent config yaml: %w", err)
	}
	cfg.expandEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *AgentConfig) applyDefaults() {
	if c.Agent.Personality == "" {
		c.Agent.Personality = "general"
	}
	if c.Agent.Version == "" {
		c.Agent.Version = "dev"
	}
	if c.Server.Listen == "" {
		c.Server.Listen = "127.0.0.1:8450"
	}
	if c.Server.ReadTimeoutSeconds <= 0 {
		c.Server.ReadTimeoutSeconds = 15
	}
	if c.Server.WriteTimeoutSeconds <= 0 {
		c.Server.WriteTimeoutSeconds = 30
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 20
	}
	if c.Registry.TimeoutSeconds <= 0 {
		c.Registry.TimeoutSeconds = 10
	}
	if c.Audit.Dir == "" {
		c.Audit.Dir = "audit_logs"
	}
	if c.Audit.BatchSize <= 0 {
		c.Audit.BatchSize = 10
	}
	if c.Judge.Provider == "" {
		c.Judge.Provider = "anthropic"
	}
	if c.Judge.Enabled == nil {
		c.Judge.Enabled = boolPtr(true)
	}
	if c.Trigger.CooldownSeconds <= 0 {
		c.Trigger.CooldownSeconds = 600
	}
	if c.Trigger.HourlyBudget <= 0 {
		c.Trigger.HourlyBudget = 8
	}
	if c.Intervals.FlushSeconds <= 0 {
		c.Intervals.FlushSeconds = 30
	}
	if c.Intervals.SelfEvalSeconds <= 0 {
		c.Intervals.SelfEvalSeconds = 120
	}
	if c.Intervals.ChallengeSeconds <= 0 {
		c.Intervals.ChallengeSeconds = 180
	}
	if c.Intervals.TriggerSeconds <= 0 {
		c.Intervals.TriggerSeconds = 60
	}
	if c.Intervals.DiscoverySeconds <= 0 {
		c.Intervals.DiscoverySeconds = 300
	}
	if c.Security.EnforceSecureTLS == nil {
		c.Security.EnforceSecureTLS = boolPtr(false)
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Service == "" {
		c.Logging.Service = "agent-poi-node"
	}
	if c.Logging.Version == "" {
		c.Logging.Version = c.Agent.Version
	}
}

func (c *AgentConfig) validate() error {
	if c.Agent.Name == "" {
		return errors.New("agent.name is required")
	}
	if c.Agent.AgentID == "" {
		return errors.New("agent.agent_id is required")
	}
	switch c.Agent.Personality {
	case "defi", "solana", "security", "general":
	default:
		return errors.New("agent.personality must be one of defi|solana|security|general")
	}
	if c.Registry.URL == "" {
		return errors.New("registry.url is required")
	}
	if *c.Security.EnforceSecureTLS && !isHTTPSURL(c.Registry.URL) {
		return errors.New("registry.url must be https when enforce_secure_transport is enabled")
	}
	if c.Registry.WriteToken == "" {
		return errors.New("registry.write_token is required")
	}
	switch c.Judge.Provider {
	case "anthropic", "openai", "groq":
	default:
		return errors.New("judge.provider must be one of anthropic|openai|groq")
	}
	return nil
}

func (c *AgentConfig) expandEnv() {
	c.Registry.URL = os.ExpandEnv(strings.TrimSpace(c.Registry.URL))
	c.Registry.WriteToken = os.ExpandEnv(strings.TrimSpace(c.Registry.WriteToken))
	c.Registry.AckKeyID = os.ExpandEnv(strings.TrimSpace(c.Registry.AckKeyID))
	c.Registry.AckPublicKeyPath = os.ExpandEnv(strings.TrimSpace(c.Registry.AckPublicKeyPath))
	c.Audit.Dir = os.ExpandEnv(strings.TrimSpace(c.Audit.Dir))
	c.Judge.APIKey = os.ExpandEnv(strings.TrimSpace(c.Judge.APIKey))
}
