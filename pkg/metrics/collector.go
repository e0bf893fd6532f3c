package metrics

import (
	"time"
)

// RaftStats is a snapshot of replication state
type RaftStats struct {
	Leader       bool
	Peers        int
	LastLogIndex uint64
	AppliedIndex uint64
}

// ContextCount is the number of rollout contexts of one kind and status
type ContextCount struct {
	Kind   string
	Status string
	Count  int
}

// Source is what the collector samples
type Source interface {
	RaftStats() RaftStats
	ContextCounts() ([]ContextCount, error)
}

// Collector periodically refreshes gauges from a Source
type Collector struct {
	source   Source
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source Source, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		defer close(c.doneCh)
		defer ticker.Stop()

		// Collect immediately on start
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop stops the collector and waits for the loop to exit
func (c *Collector) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

// Collect samples the source once
func (c *Collector) Collect() {
	c.collectRaftMetrics()
	c.collectContextMetrics()
}

func (c *Collector) collectContextMetrics() {
	counts, err := c.source.ContextCounts()
	if err != nil {
		return
	}

	// Series for combinations that dropped to zero would otherwise linger
	ContextsTotal.Reset()
	for _, cc := range counts {
		ContextsTotal.WithLabelValues(cc.Kind, cc.Status).Set(float64(cc.Count))
	}
}

func (c *Collector) collectRaftMetrics() {
	stats := c.source.RaftStats()
	if stats.Leader {
		RaftLeader.Set(1)
	} else {
		RaftLeader.Set(0)
	}
	RaftPeers.Set(float64(stats.Peers))
	RaftLogIndex.Set(float64(stats.LastLogIndex))
	RaftAppliedIndex.Set(float64(stats.AppliedIndex))
}
