package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/keeper/pkg/errdefs"
	"github.com/cuemby/keeper/pkg/events"
	"github.com/cuemby/keeper/pkg/log"
	"github.com/cuemby/keeper/pkg/metrics"
	"github.com/cuemby/keeper/pkg/storage"
	"github.com/cuemby/keeper/pkg/types"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"
)

// DefaultCommitTimeout bounds a commit when the caller passes no timeout
const DefaultCommitTimeout = 5 * time.Second

// Manager represents a keeper control-plane node: the raft group and the
// local store it replicates into
type Manager struct {
	nodeID   string
	bindAddr string
	dataDir  string
	peers    []Peer
	inMemory bool

	raft        *raft.Raft
	transport   raft.Transport
	fsm         *KeeperFSM
	store       *storage.BoltStore
	eventBroker *events.Broker
	logger      zerolog.Logger
}

// Peer is another voter known at bootstrap
type Peer struct {
	ID   string `yaml:"id"`
	Addr string `yaml:"addr"`
}

// Config holds configuration for creating a Manager
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
	Peers    []Peer

	// Transport overrides the TCP transport; InMemory keeps the raft log
	// and snapshots in memory. Both exist for tests.
	Transport raft.Transport
	InMemory  bool
}

// NewManager creates a new Manager instance
func NewManager(cfg *Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %v", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %v", err)
	}

	eventBroker := events.NewBroker()
	eventBroker.Start()

	m := &Manager{
		nodeID:      cfg.NodeID,
		bindAddr:    cfg.BindAddr,
		dataDir:     cfg.DataDir,
		peers:       cfg.Peers,
		inMemory:    cfg.InMemory,
		transport:   cfg.Transport,
		fsm:         NewKeeperFSM(store),
		store:       store,
		eventBroker: eventBroker,
		logger:      log.WithComponent("manager").With().Str("node_id", cfg.NodeID).Logger(),
	}

	return m, nil
}

// Bootstrap starts raft and, on first start, bootstraps the configured
// voters. Restarting nodes rejoin from their existing raft state.
func (m *Manager) Bootstrap() error {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(m.nodeID)
	config.LogOutput = m.logger

	// Tuned for LAN failover in a few seconds
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond

	transport := m.transport
	if transport == nil {
		addr, err := net.ResolveTCPAddr("tcp", m.bindAddr)
		if err != nil {
			return fmt.Errorf("failed to resolve bind address: %v", err)
		}
		tcp, err := raft.NewTCPTransport(m.bindAddr, addr, 3, 10*time.Second, m.logger)
		if err != nil {
			return fmt.Errorf("failed to create transport: %v", err)
		}
		transport = tcp
		m.transport = tcp
	}

	var (
		logStore      raft.LogStore
		stableStore   raft.StableStore
		snapshotStore raft.SnapshotStore
	)
	if m.inMemory {
		mem := raft.NewInmemStore()
		logStore, stableStore = mem, mem
		snapshotStore = raft.NewInmemSnapshotStore()
	} else {
		snapshots, err := raft.NewFileSnapshotStore(m.dataDir, 2, m.logger)
		if err != nil {
			return fmt.Errorf("failed to create snapshot store: %v", err)
		}
		snapshotStore = snapshots

		boltLog, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-log.db"))
		if err != nil {
			return fmt.Errorf("failed to create log store: %v", err)
		}
		logStore = boltLog

		boltStable, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-stable.db"))
		if err != nil {
			return fmt.Errorf("failed to create stable store: %v", err)
		}
		stableStore = boltStable
	}

	existing, err := raft.HasExistingState(logStore, stableStore, snapshotStore)
	if err != nil {
		return fmt.Errorf("failed to inspect raft state: %v", err)
	}

	r, err := raft.NewRaft(config, m.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return fmt.Errorf("failed to create raft: %v", err)
	}
	m.raft = r

	if existing {
		m.logger.Info().Msg("Resuming from existing raft state")
		metrics.RegisterComponent(metrics.ComponentRaft, true, "resumed")
		return nil
	}

	servers := []raft.Server{{ID: config.LocalID, Address: transport.LocalAddr()}}
	for _, p := range m.peers {
		if p.ID == m.nodeID {
			continue
		}
		servers = append(servers, raft.Server{ID: raft.ServerID(p.ID), Address: raft.ServerAddress(p.Addr)})
	}

	future := m.raft.BootstrapCluster(raft.Configuration{Servers: servers})
	if err := future.Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
		return fmt.Errorf("failed to bootstrap cluster: %v", err)
	}

	m.logger.Info().Int("voters", len(servers)).Msg("Bootstrapped raft cluster")
	metrics.RegisterComponent(metrics.ComponentRaft, true, "bootstrapped")
	return nil
}

// WaitForLeader blocks until some node is leader or ctx ends
func (m *Manager) WaitForLeader(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if m.LeaderAddr() != "" {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("no raft leader: %w", errdefs.Unavailable)
		case <-ticker.C:
		}
	}
}

// Store returns a transactional store whose commits go through raft
func (m *Manager) Store() *storage.TxStore {
	return storage.NewTxStore(m.store, m)
}

// Commit replicates batch through raft. Once the batch has been handed to
// raft, a caller that stops waiting gets errdefs.CommitTimeout: the entry
// may still commit and must be treated as possibly applied.
func (m *Manager) Commit(ctx context.Context, batch *storage.Batch, timeout time.Duration) error {
	if m.raft == nil {
		return fmt.Errorf("raft not initialized: %w", errdefs.Unavailable)
	}
	if !m.IsLeader() {
		return fmt.Errorf("not the leader, current leader: %s: %w", m.LeaderAddr(), errdefs.Unavailable)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = DefaultCommitTimeout
	}

	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to marshal batch: %v", err)
	}
	cmd, err := json.Marshal(Command{Op: opCommitBatch, Data: data})
	if err != nil {
		return fmt.Errorf("failed to marshal command: %v", err)
	}

	timer := metrics.NewTimer()
	future := m.raft.Apply(cmd, timeout)

	done := make(chan error, 1)
	go func() { done <- future.Error() }()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case err := <-done:
		timer.ObserveDuration(metrics.CommitDuration)
		if err != nil {
			return applyError(err)
		}
		if resp := future.Response(); resp != nil {
			if err, ok := resp.(error); ok && err != nil {
				return err
			}
		}
		return nil
	case <-ctx.Done():
		metrics.CommitTimeouts.Inc()
		m.logger.Warn().Dur("timeout", timeout).Msg("Commit outcome unknown, caller stopped waiting")
		return fmt.Errorf("commit not acknowledged within %s: %w", timeout, errdefs.CommitTimeout)
	}
}

// applyError maps raft apply failures onto the error taxonomy. Errors raised
// before the entry could be appended are unavailability; the rest leave the
// outcome unknown.
func applyError(err error) error {
	switch {
	case errors.Is(err, raft.ErrNotLeader),
		errors.Is(err, raft.ErrEnqueueTimeout),
		errors.Is(err, raft.ErrRaftShutdown):
		return fmt.Errorf("%v: %w", err, errdefs.Unavailable)
	case errors.Is(err, raft.ErrLeadershipLost),
		errors.Is(err, raft.ErrAbortedByRestore):
		return fmt.Errorf("%v: %w", err, errdefs.CommitTimeout)
	}
	return fmt.Errorf("failed to apply command: %v: %w", err, errdefs.CommitTimeout)
}

// AddVoter adds a new manager node to the Raft cluster
func (m *Manager) AddVoter(nodeID, address string) error {
	if m.raft == nil {
		return fmt.Errorf("raft not initialized: %w", errdefs.Unavailable)
	}

	if !m.IsLeader() {
		return fmt.Errorf("not the leader, current leader: %s: %w", m.LeaderAddr(), errdefs.Unavailable)
	}

	future := m.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to add voter: %v", err)
	}

	m.logger.Info().Str("voter", nodeID).Str("address", address).Msg("Added voter")
	return nil
}

// RemoveServer removes a server from the Raft cluster
func (m *Manager) RemoveServer(nodeID string) error {
	if m.raft == nil {
		return fmt.Errorf("raft not initialized: %w", errdefs.Unavailable)
	}

	if !m.IsLeader() {
		return fmt.Errorf("not the leader: %w", errdefs.Unavailable)
	}

	future := m.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to remove server: %v", err)
	}

	return nil
}

// GetClusterServers returns information about all servers in the Raft cluster
func (m *Manager) GetClusterServers() ([]raft.Server, error) {
	if m.raft == nil {
		return nil, fmt.Errorf("raft not initialized: %w", errdefs.Unavailable)
	}

	future := m.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("failed to get configuration: %v", err)
	}

	return future.Configuration().Servers, nil
}

// IsLeader returns true if this manager is the Raft leader
func (m *Manager) IsLeader() bool {
	if m.raft == nil {
		return false
	}
	return m.raft.State() == raft.Leader
}

// LeaderAddr returns the address of the current Raft leader
func (m *Manager) LeaderAddr() string {
	if m.raft == nil {
		return ""
	}
	addr, _ := m.raft.LeaderWithID()
	return string(addr)
}

// RaftStats samples replication state for the metrics collector
func (m *Manager) RaftStats() metrics.RaftStats {
	if m.raft == nil {
		return metrics.RaftStats{}
	}

	stats := metrics.RaftStats{
		Leader:       m.IsLeader(),
		LastLogIndex: m.raft.LastIndex(),
		AppliedIndex: m.raft.AppliedIndex(),
	}
	if servers, err := m.GetClusterServers(); err == nil {
		stats.Peers = len(servers)
	}
	return stats
}

// ContextCounts counts stored rollout contexts by kind and status
func (m *Manager) ContextCounts() ([]metrics.ContextCount, error) {
	var counts []metrics.ContextCount
	for _, kind := range types.AllKinds() {
		contexts, err := storage.ListContexts(m.store, kind)
		if err != nil {
			return nil, err
		}

		byStatus := make(map[types.Status]int)
		for _, c := range contexts {
			byStatus[c.Status]++
		}
		for status, n := range byStatus {
			counts = append(counts, metrics.ContextCount{Kind: string(kind), Status: string(status), Count: n})
		}
	}
	return counts, nil
}

// GetEventBroker returns the event broker
func (m *Manager) GetEventBroker() *events.Broker {
	return m.eventBroker
}

// Shutdown gracefully shuts down the manager
func (m *Manager) Shutdown() error {
	if m.eventBroker != nil {
		m.eventBroker.Stop()
	}

	if m.raft != nil {
		future := m.raft.Shutdown()
		if err := future.Error(); err != nil {
			return fmt.Errorf("failed to shutdown raft: %v", err)
		}
	}
	metrics.UpdateComponent(metrics.ComponentRaft, false, "shut down")

	if m.store != nil {
		if err := m.store.Close(); err != nil {
			return fmt.Errorf("failed to close store: %v", err)
		}
	}

	return nil
}
