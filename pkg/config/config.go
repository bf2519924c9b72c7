// Package config loads and validates the marketd daemon configuration.
//
// Configuration is YAML with a strict schema: unknown keys are an error so a
// typo cannot silently disable a threshold. All durations are plain integers
// in the unit named by the key (Sec, Ms).
package config

import (
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration.
type Config struct {
	// Consensus-layer endpoints.
	RPCEndpoint string `yaml:"rpcEndpoint"`
	WSEndpoint  string `yaml:"wsEndpoint"`

	// Process identity and surfaces.
	ListenAddr      string `yaml:"listenAddr"`
	DataDir         string `yaml:"dataDir"`
	MarketplaceURL  string `yaml:"marketplaceURL"`
	ProviderAddress string `yaml:"providerAddress"`
	ProviderKeyFile string `yaml:"providerKeyFile"`

	// Clusters this provider operates. Nodes can only register into a
	// seeded cluster.
	Clusters []ClusterConfig `yaml:"clusters"`

	// Heartbeat classifier thresholds.
	StaleThresholdSec   int `yaml:"staleThresholdSec"`
	OfflineThresholdSec int `yaml:"offlineThresholdSec"`
	DeregThresholdSec   int `yaml:"deregThresholdSec"`

	SchedulerWeights SchedulerWeights `yaml:"schedulerWeights"`
	Outbox           OutboxConfig     `yaml:"outbox"`
	Reporter         ReporterConfig   `yaml:"reporter"`
	EventClient      EventClient      `yaml:"eventClient"`

	// Aggregator chain-metadata batching.
	BatchSubmitIntervalSec int `yaml:"batchSubmitIntervalSec"`
	MaxBatchSize           int `yaml:"maxBatchSize"`

	ShutdownGracePeriodSec int `yaml:"shutdownGracePeriodSec"`

	Log LogConfig `yaml:"log"`
}

// ClusterConfig seeds one provider cluster into the roster at startup.
type ClusterConfig struct {
	ID     string `yaml:"id"`
	Region string `yaml:"region"`
}

// SchedulerWeights are the scoring weights; they must sum to 1.0.
type SchedulerWeights struct {
	Capacity    float64 `yaml:"capacity"`
	Latency     float64 `yaml:"latency"`
	Reliability float64 `yaml:"reliability"`
}

// OutboxConfig controls the flusher's retry policy.
type OutboxConfig struct {
	MaxAttempts   int `yaml:"maxAttempts"`
	BaseBackoffMs int `yaml:"baseBackoffMs"`
	MaxBackoffMs  int `yaml:"maxBackoffMs"`
	JitterPct     int `yaml:"jitterPct"`
}

// ReporterConfig bounds usage record periods.
type ReporterConfig struct {
	MinPeriodSec int `yaml:"minPeriodSec"`
	MaxPeriodSec int `yaml:"maxPeriodSec"`
}

// EventClient controls chain event subscription reconnects.
type EventClient struct {
	ReconnectBaseMs      int  `yaml:"reconnectBaseMs"`
	ReconnectMaxMs       int  `yaml:"reconnectMaxMs"`
	MaxReconnectAttempts int  `yaml:"maxReconnectAttempts"`
	AutoReconnect        bool `yaml:"autoReconnect"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns the configuration defaults from which a loaded file only
// needs to override what it changes.
func Default() *Config {
	return &Config{
		ListenAddr:          ":8081",
		DataDir:             "/var/lib/marketd",
		StaleThresholdSec:   30,
		OfflineThresholdSec: 120,
		DeregThresholdSec:   3600,
		SchedulerWeights: SchedulerWeights{
			Capacity:    0.5,
			Latency:     0.25,
			Reliability: 0.25,
		},
		Outbox: OutboxConfig{
			MaxAttempts:   10,
			BaseBackoffMs: 1000,
			MaxBackoffMs:  300000,
			JitterPct:     20,
		},
		Reporter: ReporterConfig{
			MinPeriodSec: 60,
			MaxPeriodSec: 3600,
		},
		EventClient: EventClient{
			ReconnectBaseMs:      1000,
			ReconnectMaxMs:       60000,
			MaxReconnectAttempts: 0, // unlimited
			AutoReconnect:        true,
		},
		BatchSubmitIntervalSec: 60,
		MaxBatchSize:           50,
		ShutdownGracePeriodSec: 30,
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML config file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	sum := c.SchedulerWeights.Capacity + c.SchedulerWeights.Latency + c.SchedulerWeights.Reliability
	if math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("schedulerWeights must sum to 1.0, got %v", sum)
	}
	if c.StaleThresholdSec <= 0 || c.OfflineThresholdSec <= c.StaleThresholdSec {
		return fmt.Errorf("offlineThresholdSec (%d) must exceed staleThresholdSec (%d > 0)",
			c.OfflineThresholdSec, c.StaleThresholdSec)
	}
	if c.DeregThresholdSec <= c.OfflineThresholdSec {
		return fmt.Errorf("deregThresholdSec (%d) must exceed offlineThresholdSec (%d)",
			c.DeregThresholdSec, c.OfflineThresholdSec)
	}
	if c.Outbox.MaxAttempts <= 0 {
		return fmt.Errorf("outbox.maxAttempts must be positive")
	}
	if c.Outbox.JitterPct < 0 || c.Outbox.JitterPct > 100 {
		return fmt.Errorf("outbox.jitterPct must be in [0,100]")
	}
	if c.Reporter.MinPeriodSec <= 0 {
		return fmt.Errorf("reporter.minPeriodSec must be positive")
	}
	if c.Reporter.MaxPeriodSec < c.Reporter.MinPeriodSec {
		return fmt.Errorf("reporter.maxPeriodSec must be >= minPeriodSec")
	}
	seen := make(map[string]bool, len(c.Clusters))
	for _, cl := range c.Clusters {
		if cl.ID == "" {
			return fmt.Errorf("clusters entries must have an id")
		}
		if seen[cl.ID] {
			return fmt.Errorf("duplicate cluster id %q", cl.ID)
		}
		seen[cl.ID] = true
	}
	return nil
}

// StaleThreshold returns the stale classification threshold.
func (c *Config) StaleThreshold() time.Duration {
	return time.Duration(c.StaleThresholdSec) * time.Second
}

// OfflineThreshold returns the offline classification threshold.
func (c *Config) OfflineThreshold() time.Duration {
	return time.Duration(c.OfflineThresholdSec) * time.Second
}

// DeregThreshold returns the deregistration threshold.
func (c *Config) DeregThreshold() time.Duration {
	return time.Duration(c.DeregThresholdSec) * time.Second
}

// CheckInterval derives the monitor sweep interval from the stale
// threshold (at most a third of it).
func (c *Config) CheckInterval() time.Duration {
	return c.StaleThreshold() / 3
}

// ShutdownGracePeriod returns how long components get to drain on shutdown.
func (c *Config) ShutdownGracePeriod() time.Duration {
	return time.Duration(c.ShutdownGracePeriodSec) * time.Second
}
