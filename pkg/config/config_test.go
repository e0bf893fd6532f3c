package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/keeper/pkg/errdefs"
	"github.com/cuemby/keeper/pkg/health"
	"github.com/cuemby/keeper/pkg/manager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keeper.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "keeper-1", cfg.Node.ID)
	assert.True(t, cfg.Cleanup.Enabled)
	assert.Equal(t, []string{"UD0", "UD1", "UD2"}, cfg.UpgradeDomains)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
node:
  node_id: keeper-2
  data_dir: /var/lib/keeper
  peers:
    - keeper-1=10.0.0.1:7946
log:
  level: debug
  json: true
accept:
  default_timeout: 45s
rollout:
  workers: 8
  domain_delay: 2s
cleanup:
  schedule: "0 0 3 * * *"
  retention_count: 5
health:
  probes:
    - entity: cluster
      domain: fd0
      type: tcp
      target: 10.0.0.1:7946
      interval: 15s
      failure_threshold: 3
upgrade_domains: [fd0, fd1]
runtime:
  unsupported_preview_features: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "keeper-2", cfg.Node.ID)
	assert.Equal(t, "127.0.0.1:7946", cfg.Node.BindAddr)
	assert.Equal(t, 45*time.Second, cfg.PipelineConfig().DefaultTimeout)
	assert.True(t, cfg.PipelineConfig().PreviewFeatures)
	assert.Equal(t, 8, cfg.Rollout.Workers)
	assert.Equal(t, 2*time.Second, cfg.DeployConfig().DomainDelay)
	assert.Equal(t, 5, cfg.Cleanup.RetentionCount)
	assert.Equal(t, 64, cfg.Cleanup.QueueSize)
	assert.Equal(t, []string{"fd0", "fd1"}, cfg.UpgradeDomains)
	require.Len(t, cfg.Health.Probes, 1)
	assert.Equal(t, health.CheckTypeTCP, cfg.Health.Probes[0].Type)
	assert.Equal(t, 15*time.Second, cfg.Health.Probes[0].Interval)

	mc, err := cfg.ManagerConfig()
	require.NoError(t, err)
	assert.Equal(t, []manager.Peer{{ID: "keeper-1", Addr: "10.0.0.1:7946"}}, mc.Peers)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "rollout:\n  wrokers: 3\n")
	_, err := Load(path)
	assert.ErrorIs(t, err, errdefs.NotValid)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"missing node id", func(c *Config) { c.Node.ID = "" }},
		{"bad peer", func(c *Config) { c.Node.Peers = []string{"keeper-1"} }},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
		{"zero workers", func(c *Config) { c.Rollout.Workers = 0 }},
		{"negative domain delay", func(c *Config) { c.Rollout.DomainDelay = -time.Second }},
		{"zero reconcile interval", func(c *Config) { c.ReconcileInterval = 0 }},
		{"duplicate domain", func(c *Config) { c.UpgradeDomains = []string{"UD0", "UD0"} }},
		{"bad probe", func(c *Config) { c.Health.Probes = []health.ProbeConfig{{Entity: "cluster", Type: "tcp"}} }},
		{"bad cron spec", func(c *Config) { c.Cleanup.Schedule = "whenever" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), errdefs.NotValid)
		})
	}
}

func TestDisabledCleanupSkipsItsValidation(t *testing.T) {
	cfg := Default()
	cfg.Cleanup.Enabled = false
	cfg.Cleanup.Schedule = "whenever"
	assert.NoError(t, cfg.Validate())
}

func TestMarshalRoundTrips(t *testing.T) {
	cfg := Default()
	cfg.Rollout.DomainDelay = 3 * time.Second

	out, err := cfg.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(out), "domain_delay: 3s")

	loaded, err := Load(writeConfig(t, string(out)))
	require.NoError(t, err)
	assert.Equal(t, cfg.Rollout, loaded.Rollout)
	assert.Equal(t, cfg.Cleanup, loaded.Cleanup)
	assert.Equal(t, cfg.UpgradeDomains, loaded.UpgradeDomains)
}
