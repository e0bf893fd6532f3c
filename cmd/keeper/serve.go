package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/keeper/pkg/config"
	"github.com/cuemby/keeper/pkg/log"
	"github.com/cuemby/keeper/pkg/metrics"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a keeper control-plane node",
	Long: `Run a keeper node: bootstrap or rejoin the raft group, then start the
accept pipeline, the rollout queue, the reconciler, the cleanup job queue and
the metrics server.

Examples:
  # Single node with defaults
  keeper serve

  # Three voters, this one keeper-2
  keeper serve -c keeper.yaml --node-id keeper-2 \
    --peer keeper-1=10.0.0.1:7946 --peer keeper-3=10.0.0.3:7946

  # Submit a manifest once this node leads
  keeper serve --apply cluster.yaml`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("node-id", "", "Unique node ID")
	serveCmd.Flags().String("bind-addr", "", "Address for raft communication")
	serveCmd.Flags().String("data-dir", "", "Data directory for cluster state")
	serveCmd.Flags().StringSlice("peer", nil, "Raft voter as id=address (repeatable)")
	serveCmd.Flags().String("metrics-addr", "", "Address for /metrics and health endpoints")
	serveCmd.Flags().String("log-level", "", "Log level (debug, info, warn, error)")
	serveCmd.Flags().Bool("log-json", false, "Log in JSON")
	serveCmd.Flags().StringSlice("apply", nil, "Manifest files submitted once this node is leader")
	serveCmd.Flags().Duration("apply-timeout", 2*time.Minute, "Timeout for each applied resource")
}

// loadConfig reads --config and applies flag overrides
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	override := func(name string, dst *string) {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	override("node-id", &cfg.Node.ID)
	override("bind-addr", &cfg.Node.BindAddr)
	override("data-dir", &cfg.Node.DataDir)
	override("metrics-addr", &cfg.MetricsAddr)
	override("log-level", &cfg.Log.Level)
	if flags.Changed("peer") {
		cfg.Node.Peers, _ = flags.GetStringSlice("peer")
	}
	if flags.Changed("log-json") {
		cfg.Log.JSON, _ = flags.GetBool("log-json")
	}

	return cfg, cfg.Validate()
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log.Init(cfg.LogSettings(os.Stdout))
	metrics.SetVersion(Version)

	manifests, _ := cmd.Flags().GetStringSlice("apply")
	applyTimeout, _ := cmd.Flags().GetDuration("apply-timeout")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := startNode(ctx, cfg)
	if err != nil {
		return err
	}

	if len(manifests) > 0 {
		go n.applyManifests(ctx, manifests, applyTimeout)
	}

	<-ctx.Done()
	log.Info("Shutting down")
	n.stop()
	log.Info("Shutdown complete")
	return nil
}

// applyManifests waits for a leader and submits the manifests if this node
// leads; followers skip them
func (n *node) applyManifests(ctx context.Context, paths []string, timeout time.Duration) {
	waitCtx, cancel := context.WithTimeout(ctx, time.Minute)
	err := n.mgr.WaitForLeader(waitCtx)
	cancel()
	if err != nil {
		n.logger.Error().Err(err).Msg("Manifests not applied")
		return
	}
	if !n.mgr.IsLeader() {
		n.logger.Info().Str("leader", n.mgr.LeaderAddr()).Msg("Not the leader, skipping manifests")
		return
	}

	a := newApplier(n.pipeline, timeout)
	for _, path := range paths {
		resources, err := readManifest(path)
		if err != nil {
			n.logger.Error().Err(err).Msg("Manifest rejected")
			continue
		}
		for i := range resources {
			msg, err := a.apply(ctx, &resources[i])
			if err != nil {
				n.logger.Error().Err(err).Str("manifest", path).Msg("Apply failed")
				continue
			}
			n.logger.Info().Str("manifest", path).Msg(msg)
		}
	}
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect keeper configuration",
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration and print the effective values",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		out, err := cfg.Marshal()
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), string(out))
		return nil
	},
}

func init() {
	configCmd.AddCommand(configCheckCmd)
}
