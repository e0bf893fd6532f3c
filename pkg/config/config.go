// Package config loads the keeper node configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/cuemby/keeper/pkg/accept"
	"github.com/cuemby/keeper/pkg/cleanup"
	"github.com/cuemby/keeper/pkg/deploy"
	"github.com/cuemby/keeper/pkg/errdefs"
	"github.com/cuemby/keeper/pkg/health"
	"github.com/cuemby/keeper/pkg/log"
	"github.com/cuemby/keeper/pkg/manager"
	"github.com/cuemby/keeper/pkg/reconciler"
	"gopkg.in/yaml.v3"
)

// Config is the full node configuration
type Config struct {
	Node        NodeConfig    `yaml:"node"`
	Log         LogConfig     `yaml:"log"`
	MetricsAddr string        `yaml:"metrics_addr"`
	Accept      AcceptConfig  `yaml:"accept"`
	Rollout     RolloutConfig `yaml:"rollout"`
	Health      HealthConfig  `yaml:"health"`

	Cleanup cleanup.Config `yaml:"cleanup"`

	ReconcileInterval time.Duration `yaml:"reconcile_interval"`

	// RequestRetention is how long idle duplicate-detection state is kept
	RequestRetention time.Duration `yaml:"request_retention"`

	// UpgradeDomains is the order new upgrades walk
	UpgradeDomains []string `yaml:"upgrade_domains"`

	Runtime RuntimeConfig `yaml:"runtime"`
}

// NodeConfig identifies this node in the raft group
type NodeConfig struct {
	ID       string `yaml:"node_id"`
	BindAddr string `yaml:"bind_addr"`
	DataDir  string `yaml:"data_dir"`

	// Peers are "id=address" pairs bootstrapped together with this node
	Peers []string `yaml:"peers"`
}

// LogConfig configures zerolog
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// AcceptConfig tunes the accept pipeline
type AcceptConfig struct {
	DefaultTimeout     time.Duration `yaml:"default_timeout"`
	MaxConflictRetries int           `yaml:"max_conflict_retries"`
	ConflictRetryDelay time.Duration `yaml:"conflict_retry_delay"`
}

// RolloutConfig tunes the rollout queue and executor
type RolloutConfig struct {
	Workers     int           `yaml:"workers"`
	DomainDelay time.Duration `yaml:"domain_delay"`
}

// HealthConfig tunes monitored upgrades
type HealthConfig struct {
	RetryInterval time.Duration `yaml:"retry_interval"`

	// Probes are node-local checks feeding the health aggregator
	Probes []health.ProbeConfig `yaml:"probes"`
}

// RuntimeConfig holds cluster runtime switches
type RuntimeConfig struct {
	// UnsupportedPreviewFeatures blocks runtime code upgrades while set
	UnsupportedPreviewFeatures bool `yaml:"unsupported_preview_features"`
}

// Default returns the configuration keeper serve starts from
func Default() *Config {
	acc := accept.DefaultConfig()
	dep := deploy.DefaultConfig()
	rec := reconciler.DefaultConfig()

	return &Config{
		Node: NodeConfig{
			ID:       "keeper-1",
			BindAddr: "127.0.0.1:7946",
			DataDir:  "./keeper-data",
		},
		Log:         LogConfig{Level: string(log.InfoLevel)},
		MetricsAddr: "127.0.0.1:9090",
		Accept: AcceptConfig{
			DefaultTimeout:     acc.DefaultTimeout,
			MaxConflictRetries: acc.MaxConflictRetries,
			ConflictRetryDelay: acc.ConflictRetryDelay,
		},
		Rollout:           RolloutConfig{Workers: 4, DomainDelay: dep.DomainDelay},
		Health:            HealthConfig{RetryInterval: dep.HealthRetryInterval},
		Cleanup:           cleanup.DefaultConfig(),
		ReconcileInterval: rec.Interval,
		RequestRetention:  rec.RequestRetention,
		UpgradeDomains:    []string{"UD0", "UD1", "UD2"},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := cfg.decode(data); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config: %v: %w", err, errdefs.NotValid)
	}
	return nil
}

// Validate rejects values keeper cannot run with
func (c *Config) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	check(c.Node.ID != "", "node.node_id is required")
	check(c.Node.BindAddr != "", "node.bind_addr is required")
	check(c.Node.DataDir != "", "node.data_dir is required")
	if _, err := c.Peers(); err != nil {
		problems = append(problems, err.Error())
	}

	if err := log.Level(c.Log.Level).Validate(); err != nil {
		problems = append(problems, fmt.Sprintf("log.level: %v", err))
	}

	check(c.Accept.DefaultTimeout > 0, "accept.default_timeout must be positive")
	check(c.Accept.MaxConflictRetries >= 0, "accept.max_conflict_retries must not be negative")
	check(c.Accept.ConflictRetryDelay > 0, "accept.conflict_retry_delay must be positive")
	check(c.Rollout.Workers > 0, "rollout.workers must be positive")
	check(c.Rollout.DomainDelay >= 0, "rollout.domain_delay must not be negative")
	check(c.Health.RetryInterval > 0, "health.retry_interval must be positive")
	for _, p := range c.Health.Probes {
		if err := p.Validate(); err != nil {
			problems = append(problems, err.Error())
		}
	}
	check(c.ReconcileInterval > 0, "reconcile_interval must be positive")
	check(c.RequestRetention >= 0, "request_retention must not be negative")

	seen := make(map[string]bool)
	for _, d := range c.UpgradeDomains {
		check(d != "", "upgrade_domains contains an empty name")
		check(!seen[d], "upgrade domain %q listed twice", d)
		seen[d] = true
	}

	if c.Cleanup.Enabled {
		if err := c.Cleanup.Validate(); err != nil {
			problems = append(problems, err.Error())
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s: %w", strings.Join(problems, "; "), errdefs.NotValid)
	}
	return nil
}

// Peers parses the configured raft peers
func (c *Config) Peers() ([]manager.Peer, error) {
	peers := make([]manager.Peer, 0, len(c.Node.Peers))
	for _, p := range c.Node.Peers {
		id, addr, ok := strings.Cut(p, "=")
		if !ok || id == "" || addr == "" {
			return nil, fmt.Errorf("peer %q is not id=address", p)
		}
		peers = append(peers, manager.Peer{ID: id, Addr: addr})
	}
	return peers, nil
}

// LogSettings returns the zerolog setup writing to out
func (c *Config) LogSettings(out io.Writer) log.Config {
	return log.Config{Level: log.Level(c.Log.Level), JSONOutput: c.Log.JSON, Output: out, NodeID: c.Node.ID}
}

// ManagerConfig returns the raft manager setup
func (c *Config) ManagerConfig() (*manager.Config, error) {
	peers, err := c.Peers()
	if err != nil {
		return nil, err
	}
	return &manager.Config{
		NodeID:   c.Node.ID,
		BindAddr: c.Node.BindAddr,
		DataDir:  c.Node.DataDir,
		Peers:    peers,
	}, nil
}

// PipelineConfig returns the accept pipeline tuning
func (c *Config) PipelineConfig() accept.Config {
	return accept.Config{
		DefaultTimeout:     c.Accept.DefaultTimeout,
		MaxConflictRetries: c.Accept.MaxConflictRetries,
		ConflictRetryDelay: c.Accept.ConflictRetryDelay,
		PreviewFeatures:    c.Runtime.UnsupportedPreviewFeatures,
	}
}

// DeployConfig returns the executor tuning
func (c *Config) DeployConfig() deploy.Config {
	return deploy.Config{
		DomainDelay:         c.Rollout.DomainDelay,
		HealthRetryInterval: c.Health.RetryInterval,
	}
}

// ReconcilerConfig returns the reconciler tuning
func (c *Config) ReconcilerConfig() reconciler.Config {
	return reconciler.Config{
		Interval:         c.ReconcileInterval,
		RequestRetention: c.RequestRetention,
	}
}

// Marshal renders the effective configuration as YAML
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
