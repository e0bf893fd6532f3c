package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/keeper/pkg/accept"
	"github.com/cuemby/keeper/pkg/cleanup"
	"github.com/cuemby/keeper/pkg/config"
	"github.com/cuemby/keeper/pkg/deploy"
	"github.com/cuemby/keeper/pkg/events"
	"github.com/cuemby/keeper/pkg/health"
	"github.com/cuemby/keeper/pkg/log"
	"github.com/cuemby/keeper/pkg/manager"
	"github.com/cuemby/keeper/pkg/metrics"
	"github.com/cuemby/keeper/pkg/reconciler"
	"github.com/cuemby/keeper/pkg/rollout"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
)

// node is one running keeper control-plane member
type node struct {
	cfg    *config.Config
	logger zerolog.Logger

	mgr        *manager.Manager
	health     *health.ReportAggregator
	prober     *health.Prober
	queue      *rollout.Queue
	pipeline   *accept.Pipeline
	reconciler *reconciler.Reconciler
	cleaner    *cleanup.Cleaner
	collector  *metrics.Collector
	server     *http.Server

	events events.Subscriber
	cancel context.CancelFunc
}

// startNode bootstraps raft and starts every background component
func startNode(ctx context.Context, cfg *config.Config) (*node, error) {
	n := &node{cfg: cfg, logger: log.WithComponent("node")}
	ctx, n.cancel = context.WithCancel(ctx)

	mcfg, err := cfg.ManagerConfig()
	if err != nil {
		return nil, err
	}
	n.mgr, err = manager.NewManager(mcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create manager: %v", err)
	}
	if err := n.mgr.Bootstrap(); err != nil {
		_ = n.mgr.Shutdown()
		return nil, fmt.Errorf("failed to bootstrap: %v", err)
	}
	metrics.RegisterComponent(metrics.ComponentStore, true, "")

	broker := n.mgr.GetEventBroker()
	store := n.mgr.Store()

	n.health = health.NewReportAggregator(clock.WallClock)
	n.prober, err = health.NewProber(n.health, clock.WallClock, cfg.Health.Probes)
	if err != nil {
		n.stop()
		return nil, err
	}
	n.prober.Start(ctx)

	deployer, err := deploy.NewDeployer(deploy.Options{
		Store:     store,
		Activator: &deploy.LogActivator{Logger: log.WithComponent("activator")},
		Health:    n.health,
		Events:    broker,
		Config:    cfg.DeployConfig(),
	})
	if err != nil {
		n.stop()
		return nil, err
	}
	n.queue = rollout.NewQueue(deployer, cfg.Rollout.Workers)
	n.queue.Start(ctx)

	n.pipeline, err = accept.New(accept.Options{
		Store:    store,
		Queue:    n.queue,
		Health:   n.health,
		Topology: accept.StaticTopology(cfg.UpgradeDomains),
		Events:   broker,
		Config:   cfg.PipelineConfig(),
	})
	if err != nil {
		n.stop()
		return nil, err
	}

	n.reconciler, err = reconciler.NewReconciler(reconciler.Options{
		Store:  store,
		Queue:  n.queue,
		Pruner: n.pipeline,
		Leader: n.mgr.IsLeader,
		Config: cfg.ReconcilerConfig(),
	})
	if err != nil {
		n.stop()
		return nil, err
	}
	n.reconciler.Start()

	if cfg.Cleanup.Enabled {
		n.cleaner, err = cleanup.NewCleaner(cleanup.Options{
			Store:         store,
			Unprovisioner: n.pipeline,
			Leader:        n.mgr.IsLeader,
			Events:        broker,
			Config:        cfg.Cleanup,
		})
		if err != nil {
			n.stop()
			return nil, err
		}
		n.cleaner.Start(ctx)
	}

	n.collector = metrics.NewCollector(n.mgr, 15*time.Second)
	n.collector.Start()

	n.events = broker.Subscribe()
	go n.logEvents()

	if cfg.MetricsAddr != "" {
		n.serveMetrics(cfg.MetricsAddr)
	}

	n.logger.Info().
		Str("node_id", cfg.Node.ID).
		Str("bind_addr", cfg.Node.BindAddr).
		Strs("upgrade_domains", cfg.UpgradeDomains).
		Msg("Keeper node started")
	return n, nil
}

func (n *node) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())

	n.server = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := n.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.logger.Error().Err(err).Str("addr", addr).Msg("Metrics server failed")
		}
	}()
	n.logger.Info().Str("addr", addr).Msg("Metrics server listening")
}

func (n *node) logEvents() {
	logger := log.WithComponent("events")
	for ev := range n.events {
		logger.Debug().
			Str("type", string(ev.Type)).
			Str("kind", ev.Kind).
			Str("key", ev.Key).
			Msg(ev.Message)
	}
}

// stop shuts components down in reverse start order
func (n *node) stop() {
	if n.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = n.server.Shutdown(ctx)
		cancel()
	}
	if n.collector != nil {
		n.collector.Stop()
	}
	if n.cleaner != nil {
		n.cleaner.Stop()
	}
	if n.reconciler != nil {
		n.reconciler.Stop()
	}
	if n.queue != nil {
		n.queue.Stop()
	}
	if n.prober != nil {
		n.prober.Stop()
	}
	n.cancel()

	if n.events != nil {
		n.mgr.GetEventBroker().Unsubscribe(n.events)
	}
	if err := n.mgr.Shutdown(); err != nil {
		n.logger.Error().Err(err).Msg("Manager shutdown failed")
	}
}
