package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/taskmesh/types"
)

const sampleYAML = `
cluster:
  name: test-cluster
  nodes:
    - id: node-a
      workers:
        - id: w1
          resources: {cpu: 4, memory: 8192}
        - id: w2
          resources: {cpu: 2}
    - id: node-b
      workers:
        - id: w3
          resources: {cpu: 8, gpu: 1}
store:
  promotion_threshold: 65536
  high_watermark: 1048576
  spill_dir: /tmp/taskmesh-test
  fetch_attempts: 2
  fetch_backoff: 25ms
scheduler:
  queue_limit: 64
  aging_threshold: 5s
executor:
  max_attempts: 2
logging:
  level: debug
  format: json
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "taskmesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_FullFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "test-cluster", cfg.Cluster.Name)
	assert.Len(t, cfg.Workers(), 3)
	assert.Equal(t, 65536, cfg.Store.PromotionThreshold)
	assert.Equal(t, 25*time.Millisecond, cfg.Store.FetchBackoff.Std())
	assert.Equal(t, "debug", cfg.Logging.Level)

	sched := cfg.SchedulerConfig()
	assert.Equal(t, 64, sched.QueueLimit)
	assert.Equal(t, 5*time.Second, sched.AgingThreshold)

	exec := cfg.ExecutorConfig()
	assert.Equal(t, 2, exec.MaxAttempts)

	st := cfg.StoreConfig()
	assert.Equal(t, 2, st.FetchRetry.MaxAttempts)
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "local", cfg.Cluster.Name)
	require.Len(t, cfg.Workers(), 1)
	assert.Equal(t, types.WorkerID("worker-0"), cfg.Workers()[0].ID)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv(EnvLogLevel, "error")
	t.Setenv(EnvNATSURL, "nats://a:4222,nats://b:4222")
	t.Setenv(EnvSpillDir, t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.Logging.Level)
	assert.True(t, cfg.Transport.NATS.Enabled)
	assert.Equal(t, []string{"nats://a:4222", "nats://b:4222"}, cfg.Transport.NATS.URLs)
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no nodes", func(c *Config) { c.Cluster.Nodes = nil }},
		{"duplicate worker", func(c *Config) {
			c.Cluster.Nodes[0].Workers = append(c.Cluster.Nodes[0].Workers,
				WorkerConfig{ID: "worker-0", Resources: map[string]float64{"cpu": 1}})
		}},
		{"negative resources", func(c *Config) {
			c.Cluster.Nodes[0].Workers[0].Resources = map[string]float64{"cpu": -1}
		}},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"nats without urls", func(c *Config) { c.Transport.NATS.Enabled = true }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_BadYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "cluster: [not a map"))
	assert.Error(t, err)
}

func TestSafeConfig_UpdateValidates(t *testing.T) {
	sc := NewSafeConfig(Default())

	bad := Default()
	bad.Cluster.Nodes = nil
	assert.Error(t, sc.Update(bad))

	good := Default()
	good.Cluster.Name = "updated"
	require.NoError(t, sc.Update(good))
	assert.Equal(t, "updated", sc.Get().Cluster.Name)

	// Get returns a copy; mutating it never touches the live config.
	snapshot := sc.Get()
	snapshot.Cluster.Name = "mutated"
	assert.Equal(t, "updated", sc.Get().Cluster.Name)
}
