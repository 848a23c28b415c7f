// Package types holds the configuration schema and the JSON-RPC wire
// types shared across the server, orchestrator, and tool surface.
package types

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration for YAML fields like "5m" or "500ms"
type Duration time.Duration

// UnmarshalYAML parses Go duration syntax
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full server configuration loaded from YAML
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Store        StoreConfig        `yaml:"store"`
	Routing      RoutingConfig      `yaml:"routing"`
	Consensus    ConsensusConfig    `yaml:"consensus"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Agents       []AgentConfig      `yaml:"agents"`
	Registry     RegistryConfig     `yaml:"registry"`
	Bus          BusConfig          `yaml:"bus"`
	NATS         NATSConfig         `yaml:"nats"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// ServerConfig controls the HTTP listener
type ServerConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	MaxInflight int    `yaml:"max_inflight"`
}

// Addr returns the listen address
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StoreConfig controls the embedded task store
type StoreConfig struct {
	Path            string `yaml:"path"`
	EventsRetention int    `yaml:"events_retention"`
}

// RoutingConfig carries the strategy decision thresholds
type RoutingConfig struct {
	SoloMaxComplexity      int `yaml:"solo_max_complexity"`
	SoloMaxRisk            int `yaml:"solo_max_risk"`
	ConsensusMinComplexity int `yaml:"consensus_min_complexity"`
	ConsensusMinRisk       int `yaml:"consensus_min_risk"`
	ParallelTopK           int `yaml:"parallel_top_k"`
	ConsensusMaxAgents     int `yaml:"consensus_max_agents"`
}

// ConsensusConfig tunes proposal collection and evaluation
type ConsensusConfig struct {
	DefaultStrategy   string   `yaml:"default_strategy"`
	ApprovalThreshold float64  `yaml:"approval_threshold"`
	QualityMargin     float64  `yaml:"quality_margin"`
	MaxRounds         int      `yaml:"max_rounds"`
	RoundTimeout      Duration `yaml:"round_timeout"`
	SoloTimeout       Duration `yaml:"solo_timeout"`
}

// OrchestratorConfig tunes dispatch behavior
type OrchestratorConfig struct {
	MaxRetries       int      `yaml:"max_retries"`
	RetryBackoff     Duration `yaml:"retry_backoff"`
	UpgradeThreshold float64  `yaml:"upgrade_threshold"`
}

// AgentConfig declares a pre-registered agent
type AgentConfig struct {
	ID           string             `yaml:"id"`
	Name         string             `yaml:"name"`
	Endpoint     string             `yaml:"endpoint"`
	Capabilities map[string]float64 `yaml:"capabilities"`
}

// RegistryConfig controls agent health probing
type RegistryConfig struct {
	ProbeInterval Duration `yaml:"probe_interval"`
	ProbeTimeout  Duration `yaml:"probe_timeout"`
	OfflineAfter  int      `yaml:"offline_after"`
}

// BusConfig controls event fan-out
type BusConfig struct {
	QueueSize int `yaml:"queue_size"`
}

// NATSConfig controls the optional embedded NATS mirror
type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// LoggingConfig controls structured log output
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	JSON  bool   `yaml:"json"`
}

// Load reads a YAML config file, expanding ${VAR} references from the
// environment before parsing, and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse parses config bytes with env expansion and defaults
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "127.0.0.1", Port: 8700, MaxInflight: 64},
		Store:  StoreConfig{Path: "data/agora.db", EventsRetention: 10000},
		Routing: RoutingConfig{
			SoloMaxComplexity:      3,
			SoloMaxRisk:            3,
			ConsensusMinComplexity: 7,
			ConsensusMinRisk:       7,
			ParallelTopK:           2,
			ConsensusMaxAgents:     5,
		},
		Consensus: ConsensusConfig{
			DefaultStrategy:   "VOTING",
			ApprovalThreshold: 0.75,
			QualityMargin:     0.1,
			MaxRounds:         3,
			RoundTimeout:      Duration(5 * time.Minute),
			SoloTimeout:       Duration(30 * time.Second),
		},
		Orchestrator: OrchestratorConfig{
			MaxRetries:       3,
			RetryBackoff:     Duration(500 * time.Millisecond),
			UpgradeThreshold: 0.6,
		},
		Registry: RegistryConfig{
			ProbeInterval: Duration(15 * time.Second),
			ProbeTimeout:  Duration(time.Second),
			OfflineAfter:  3,
		},
		Bus:     BusConfig{QueueSize: 128},
		NATS:    NATSConfig{Host: "127.0.0.1", Port: 4222},
		Logging: LoggingConfig{Level: "info"},
	}
}

// applyDefaults fills zero values left by a sparse config file
func (c *Config) applyDefaults() {
	def := Default()
	if c.Server.Host == "" {
		c.Server.Host = def.Server.Host
	}
	if c.Server.Port == 0 {
		c.Server.Port = def.Server.Port
	}
	if c.Server.MaxInflight == 0 {
		c.Server.MaxInflight = def.Server.MaxInflight
	}
	if c.Store.Path == "" {
		c.Store.Path = def.Store.Path
	}
	if c.Store.EventsRetention == 0 {
		c.Store.EventsRetention = def.Store.EventsRetention
	}
	if c.Consensus.DefaultStrategy == "" {
		c.Consensus.DefaultStrategy = def.Consensus.DefaultStrategy
	}
	if c.Consensus.MaxRounds == 0 {
		c.Consensus.MaxRounds = def.Consensus.MaxRounds
	}
	if c.Consensus.RoundTimeout == 0 {
		c.Consensus.RoundTimeout = def.Consensus.RoundTimeout
	}
	if c.Consensus.SoloTimeout == 0 {
		c.Consensus.SoloTimeout = def.Consensus.SoloTimeout
	}
	if c.Orchestrator.RetryBackoff == 0 {
		c.Orchestrator.RetryBackoff = def.Orchestrator.RetryBackoff
	}
	if c.Orchestrator.UpgradeThreshold == 0 {
		c.Orchestrator.UpgradeThreshold = def.Orchestrator.UpgradeThreshold
	}
	if c.Registry.ProbeInterval == 0 {
		c.Registry.ProbeInterval = def.Registry.ProbeInterval
	}
	if c.Registry.ProbeTimeout == 0 {
		c.Registry.ProbeTimeout = def.Registry.ProbeTimeout
	}
	if c.Registry.OfflineAfter == 0 {
		c.Registry.OfflineAfter = def.Registry.OfflineAfter
	}
	if c.Bus.QueueSize == 0 {
		c.Bus.QueueSize = def.Bus.QueueSize
	}
	if c.NATS.Host == "" {
		c.NATS.Host = def.NATS.Host
	}
	if c.NATS.Port == 0 {
		c.NATS.Port = def.NATS.Port
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
}

// Validate rejects configs that cannot produce a working server
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Consensus.ApprovalThreshold < 0 || c.Consensus.ApprovalThreshold > 1 {
		return fmt.Errorf("consensus.approval_threshold must be in [0,1]")
	}
	if c.Orchestrator.UpgradeThreshold < 0 || c.Orchestrator.UpgradeThreshold > 1 {
		return fmt.Errorf("orchestrator.upgrade_threshold must be in [0,1]")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q not one of debug, info, warn, error", c.Logging.Level)
	}
	seen := make(map[string]bool)
	for _, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agents[].id is required")
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate agent id %q", a.ID)
		}
		seen[a.ID] = true
		if a.Endpoint == "" {
			return fmt.Errorf("agent %s: endpoint is required", a.ID)
		}
		for cap, strength := range a.Capabilities {
			if strength < 0 || strength > 1 {
				return fmt.Errorf("agent %s: capability %s strength %g out of [0,1]", a.ID, cap, strength)
			}
		}
	}
	return nil
}
