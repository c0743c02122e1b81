package config

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/c360/taskmesh/errors"
)

// Environment override variables. Overrides apply after file loading and
// before validation, so a bad override fails startup the same way a bad file
// does.
const (
	EnvLogLevel      = "TASKMESH_LOG_LEVEL"
	EnvLogFormat     = "TASKMESH_LOG_FORMAT"
	EnvNATSURL       = "TASKMESH_NATS_URL"
	EnvSpillDir      = "TASKMESH_SPILL_DIR"
	EnvMetricsListen = "TASKMESH_METRICS_LISTEN"
	EnvHealthListen  = "TASKMESH_HEALTH_LISTEN"
)

// Load reads a YAML configuration file, applies environment overrides, and
// validates the result. An empty path yields the defaults with overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WrapFatal(err, "Config", "Load", "read "+path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapInvalid(err, "Config", "Load", "parse "+path)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv(EnvNATSURL); v != "" {
		cfg.Transport.NATS.Enabled = true
		cfg.Transport.NATS.URLs = strings.Split(v, ",")
	}
	if v := os.Getenv(EnvSpillDir); v != "" {
		cfg.Store.SpillDir = v
	}
	if v := os.Getenv(EnvMetricsListen); v != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Listen = v
	}
	if v := os.Getenv(EnvHealthListen); v != "" {
		cfg.Health.Enabled = true
		cfg.Health.Listen = v
	}
}
