// Package config defines the daemon's configuration: cluster topology,
// store sizing, scheduling limits, transport, and observability settings.
// Configuration loads from YAML with environment overrides.
package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/taskmesh/errors"
	"github.com/c360/taskmesh/executor"
	"github.com/c360/taskmesh/pkg/retry"
	"github.com/c360/taskmesh/scheduler"
	"github.com/c360/taskmesh/store"
	"github.com/c360/taskmesh/types"
)

// Duration wraps time.Duration with YAML string parsing ("10s", "2m").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the complete daemon configuration.
type Config struct {
	Cluster   ClusterConfig   `yaml:"cluster"`
	Store     StoreConfig     `yaml:"store"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Transport TransportConfig `yaml:"transport"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Health    HealthConfig    `yaml:"health"`
}

// ClusterConfig declares the logical topology: nodes and the workers they
// host.
type ClusterConfig struct {
	Name  string       `yaml:"name"`
	Nodes []NodeConfig `yaml:"nodes"`
}

// NodeConfig is one node and its workers.
type NodeConfig struct {
	ID      string         `yaml:"id"`
	Workers []WorkerConfig `yaml:"workers"`
}

// WorkerConfig is one worker's identity and capacity.
type WorkerConfig struct {
	ID        string             `yaml:"id"`
	Resources map[string]float64 `yaml:"resources"`
}

// StoreConfig sizes the object store tiers.
type StoreConfig struct {
	// PromotionThreshold is the serialized size, in bytes, above which an
	// object moves to the node-shared store.
	PromotionThreshold int `yaml:"promotion_threshold"`
	// HighWatermark caps shared-store memory per node before spilling.
	HighWatermark int64 `yaml:"high_watermark"`
	// SpillDir receives spilled objects. Required when spilling can occur.
	SpillDir string `yaml:"spill_dir"`
	// FetchAttempts bounds per-hint remote fetch retries.
	FetchAttempts int `yaml:"fetch_attempts"`
	// FetchBackoff is the initial retry delay for remote fetches.
	FetchBackoff Duration `yaml:"fetch_backoff"`
	// HintWait bounds how long a deadline-free Get waits for a remote
	// object's location to become known.
	HintWait Duration `yaml:"hint_wait"`
}

// SchedulerConfig tunes placement.
type SchedulerConfig struct {
	QueueLimit     int      `yaml:"queue_limit"`
	AgingThreshold Duration `yaml:"aging_threshold"`
}

// ExecutorConfig tunes execution.
type ExecutorConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
}

// TransportConfig selects the cross-node transport.
type TransportConfig struct {
	NATS NATSConfig `yaml:"nats"`
}

// NATSConfig configures the NATS transport. Disabled means the in-process
// loopback transport, which suits single-process deployments.
type NATSConfig struct {
	Enabled       bool     `yaml:"enabled"`
	URLs          []string `yaml:"urls"`
	MaxReconnects int      `yaml:"max_reconnects"`
	ReconnectWait Duration `yaml:"reconnect_wait"`
	Username      string   `yaml:"username"`
	Password      string   `yaml:"password"`
	Token         string   `yaml:"token"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// HealthConfig controls the health endpoint.
type HealthConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Listen   string   `yaml:"listen"`
	Interval Duration `yaml:"interval"`
}

// Default returns a runnable single-node configuration.
func Default() *Config {
	return &Config{
		Cluster: ClusterConfig{
			Name: "local",
			Nodes: []NodeConfig{{
				ID: "node-0",
				Workers: []WorkerConfig{{
					ID:        "worker-0",
					Resources: map[string]float64{types.ResourceCPU: 4},
				}},
			}},
		},
		Store: StoreConfig{
			PromotionThreshold: store.DefaultPromotionThreshold,
			HighWatermark:      store.DefaultHighWatermark,
			SpillDir:           "/var/lib/taskmesh/spill",
			FetchAttempts:      3,
			FetchBackoff:       Duration(50 * time.Millisecond),
			HintWait:           Duration(store.DefaultHintWait),
		},
		Scheduler: SchedulerConfig{
			QueueLimit:     scheduler.DefaultConfig().QueueLimit,
			AgingThreshold: Duration(scheduler.DefaultConfig().AgingThreshold),
		},
		Executor: ExecutorConfig{
			MaxAttempts: executor.DefaultMaxAttempts,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Enabled: true, Listen: ":9090"},
		Health:  HealthConfig{Enabled: true, Listen: ":9091", Interval: Duration(10 * time.Second)},
	}
}

// Validate checks cross-field consistency and normalizes identifiers.
func (c *Config) Validate() error {
	if len(c.Cluster.Nodes) == 0 {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "cluster has no nodes")
	}

	seenNodes := make(map[string]bool)
	seenWorkers := make(map[string]bool)
	for i, node := range c.Cluster.Nodes {
		if node.ID == "" {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
				fmt.Sprintf("node %d has no id", i))
		}
		if seenNodes[node.ID] {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
				"duplicate node id "+node.ID)
		}
		seenNodes[node.ID] = true

		if len(node.Workers) == 0 {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
				"node "+node.ID+" has no workers")
		}
		for _, w := range node.Workers {
			if w.ID == "" {
				return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
					"node "+node.ID+" has a worker with no id")
			}
			if seenWorkers[w.ID] {
				return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
					"duplicate worker id "+w.ID)
			}
			seenWorkers[w.ID] = true
			if err := types.ResourceMap(w.Resources).Validate(); err != nil {
				return errors.WrapInvalid(err, "Config", "Validate", "worker "+w.ID+" resources")
			}
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"unknown log level "+c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"unknown log format "+c.Logging.Format)
	}

	if c.Transport.NATS.Enabled && len(c.Transport.NATS.URLs) == 0 {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate",
			"nats transport enabled without urls")
	}

	if err := c.StoreConfig().Validate(); err != nil {
		return err
	}
	return nil
}

// StoreConfig bridges to the store package's configuration.
func (c *Config) StoreConfig() store.Config {
	out := store.DefaultConfig()
	if c.Store.PromotionThreshold > 0 {
		out.PromotionThreshold = c.Store.PromotionThreshold
	}
	if c.Store.HighWatermark > 0 {
		out.HighWatermark = c.Store.HighWatermark
	}
	if c.Store.SpillDir != "" {
		out.SpillDir = c.Store.SpillDir
	}
	if c.Store.FetchAttempts > 0 {
		out.FetchRetry = retry.Config{
			MaxAttempts:  c.Store.FetchAttempts,
			InitialDelay: c.Store.FetchBackoff.Std(),
			MaxDelay:     time.Second,
			Multiplier:   2.0,
			AddJitter:    true,
		}
	}
	if c.Store.HintWait > 0 {
		out.HintWait = c.Store.HintWait.Std()
	}
	return out
}

// SchedulerConfig bridges to the scheduler package's configuration.
func (c *Config) SchedulerConfig() scheduler.Config {
	out := scheduler.DefaultConfig()
	if c.Scheduler.QueueLimit > 0 {
		out.QueueLimit = c.Scheduler.QueueLimit
	}
	if c.Scheduler.AgingThreshold > 0 {
		out.AgingThreshold = c.Scheduler.AgingThreshold.Std()
	}
	return out
}

// ExecutorConfig bridges to the executor package's configuration.
func (c *Config) ExecutorConfig() executor.Config {
	return executor.Config{MaxAttempts: c.Executor.MaxAttempts}
}

// Workers flattens the topology into membership records.
func (c *Config) Workers() []types.WorkerInfo {
	var out []types.WorkerInfo
	for _, node := range c.Cluster.Nodes {
		for _, w := range node.Workers {
			out = append(out, types.WorkerInfo{
				ID:        types.WorkerID(w.ID),
				Node:      types.NodeID(node.ID),
				Resources: types.ResourceMap(w.Resources).Clone(),
			})
		}
	}
	return out
}

// SafeConfig provides thread-safe access to a live configuration.
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig wraps a configuration for concurrent access.
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Default()
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration.
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically replaces the configuration after validation.
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "SafeConfig", "Update", "nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}

// Clone deep-copies the configuration through its YAML form.
func (c *Config) Clone() *Config {
	if c == nil {
		return Default()
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := yaml.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}
