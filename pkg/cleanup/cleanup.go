package cleanup

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/keeper/pkg/accept"
	"github.com/cuemby/keeper/pkg/errdefs"
	"github.com/cuemby/keeper/pkg/events"
	"github.com/cuemby/keeper/pkg/log"
	"github.com/cuemby/keeper/pkg/metrics"
	"github.com/cuemby/keeper/pkg/storage"
	"github.com/cuemby/keeper/pkg/types"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/robfig/cron"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrQueueFull is returned by Scan when the job queue cannot take every
// type; the whole scan is retried later
const ErrQueueFull = errors.ConstError("cleanup queue full")

// Unprovisioner submits unprovision requests. *accept.Pipeline implements it.
type Unprovisioner interface {
	UnprovisionApplicationType(ctx context.Context, hdr accept.Header, typeName, version string) (*types.RolloutContext, error)
}

// Config tunes the cleanup job queue
type Config struct {
	Enabled bool `yaml:"enabled"`

	// Schedule is a cron spec; descriptors such as "@every 1h" work too
	Schedule string `yaml:"schedule"`

	// RetentionCount is how many of the most recent completed versions of
	// each type are kept regardless of use
	RetentionCount int `yaml:"retention_count"`

	QueueSize int `yaml:"queue_size"`
	Workers   int `yaml:"workers"`

	// RetryInterval is the pause before a scan rejected by a full queue is
	// run again
	RetryInterval time.Duration `yaml:"retry_interval"`

	// RequestTimeout bounds each unprovision request
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// DefaultConfig returns the defaults used by keeper serve
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		Schedule:       "@every 1h",
		RetentionCount: 3,
		QueueSize:      64,
		Workers:        2,
		RetryInterval:  time.Minute,
		RequestTimeout: 30 * time.Second,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if _, err := cron.Parse(c.Schedule); err != nil {
		return fmt.Errorf("cleanup schedule %q: %v: %w", c.Schedule, err, errdefs.NotValid)
	}
	if c.RetentionCount < 0 {
		return fmt.Errorf("negative cleanup retention count: %w", errdefs.NotValid)
	}
	if c.QueueSize <= 0 || c.Workers <= 0 {
		return fmt.Errorf("cleanup needs a positive queue size and worker count: %w", errdefs.NotValid)
	}
	if c.RetryInterval <= 0 {
		return fmt.Errorf("cleanup retry interval must be positive: %w", errdefs.NotValid)
	}
	return nil
}

// Options wires the cleaner. Store and Unprovisioner are required.
type Options struct {
	Store         storage.Reader
	Unprovisioner Unprovisioner

	// Leader gates each scan; nil means always scan
	Leader func() bool

	Clock  clock.Clock
	Events *events.Broker
	Config Config
}

// Cleaner periodically unprovisions application type versions nothing
// uses any more
type Cleaner struct {
	store    storage.Reader
	target   Unprovisioner
	leader   func() bool
	clock    clock.Clock
	events   *events.Broker
	cfg      Config
	schedule cron.Schedule
	logger   zerolog.Logger

	jobs chan string

	mu      sync.Mutex
	pending map[string]bool

	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewCleaner creates a new cleaner
func NewCleaner(opts Options) (*Cleaner, error) {
	if opts.Store == nil || opts.Unprovisioner == nil {
		return nil, fmt.Errorf("cleaner requires a store and an unprovisioner: %w", errdefs.NotValid)
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	schedule, err := cron.Parse(opts.Config.Schedule)
	if err != nil {
		return nil, err
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.WallClock
	}

	return &Cleaner{
		store:    opts.Store,
		target:   opts.Unprovisioner,
		leader:   opts.Leader,
		clock:    clk,
		events:   opts.Events,
		cfg:      opts.Config,
		schedule: schedule,
		logger:   log.WithComponent("cleanup"),
		jobs:     make(chan string, opts.Config.QueueSize),
		pending:  make(map[string]bool),
	}, nil
}

// Start launches the scan timer and the job workers
func (c *Cleaner) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	c.group = g

	g.Go(func() error {
		c.loop(ctx)
		return nil
	})
	for i := 0; i < c.cfg.Workers; i++ {
		g.Go(func() error {
			c.work(ctx)
			return nil
		})
	}

	metrics.RegisterComponent(metrics.ComponentCleanup, true, "")
	c.logger.Info().
		Str("schedule", c.cfg.Schedule).
		Int("retention", c.cfg.RetentionCount).
		Int("workers", c.cfg.Workers).
		Msg("Cleanup started")
}

// Stop cancels the timer and running jobs and waits for them
func (c *Cleaner) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	_ = c.group.Wait()
	metrics.UpdateComponent(metrics.ComponentCleanup, false, "stopped")
}

func (c *Cleaner) loop(ctx context.Context) {
	for {
		now := c.clock.Now()
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(c.schedule.Next(now).Sub(now)):
		}

		for {
			err := c.Scan(ctx)
			if !errors.Is(err, ErrQueueFull) {
				if err != nil {
					c.logger.Warn().Err(err).Msg("Cleanup scan failed")
				}
				break
			}
			c.logger.Debug().Dur("retry_in", c.cfg.RetryInterval).Msg("Cleanup queue full, retrying scan")
			select {
			case <-ctx.Done():
				return
			case <-c.clock.After(c.cfg.RetryInterval):
			}
		}
	}
}

// Scan enqueues one job per application type name. Types already queued are
// skipped; when the queue is full the scan stops with ErrQueueFull.
func (c *Cleaner) Scan(ctx context.Context) error {
	if c.leader != nil && !c.leader() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	all, err := storage.ListContexts(c.store, types.KindApplicationType)
	if err != nil {
		metrics.CleanupScansTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to list application types: %w", err)
	}

	seen := make(map[string]bool)
	var names []string
	for _, t := range all {
		if !seen[t.ApplicationType.TypeName] {
			seen[t.ApplicationType.TypeName] = true
			names = append(names, t.ApplicationType.TypeName)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		if !c.enqueue(name) {
			metrics.CleanupScansTotal.WithLabelValues("rejected").Inc()
			return fmt.Errorf("type %s: %w", name, ErrQueueFull)
		}
	}

	metrics.CleanupScansTotal.WithLabelValues("success").Inc()
	c.events.Publish(&events.Event{
		Type:    events.EventCleanupScan,
		Kind:    string(types.KindApplicationType),
		Message: fmt.Sprintf("scanned %d types", len(names)),
	})
	return nil
}

// enqueue adds a job without blocking. A type that is already queued or
// running counts as accepted.
func (c *Cleaner) enqueue(typeName string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[typeName] {
		return true
	}
	select {
	case c.jobs <- typeName:
		c.pending[typeName] = true
		return true
	default:
		return false
	}
}

func (c *Cleaner) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case name := <-c.jobs:
			if err := c.Clean(ctx, name); err != nil {
				c.logger.Warn().Err(err).Str("type", name).Msg("Cleanup job failed")
			}
			c.mu.Lock()
			delete(c.pending, name)
			c.mu.Unlock()
		}
	}
}

// Clean unprovisions the unused versions of one type beyond the retention
// count and returns the first unexpected error
func (c *Cleaner) Clean(ctx context.Context, typeName string) error {
	snap, err := c.snapshot(typeName)
	if err != nil {
		return err
	}
	victims := UnusedVersions(snap.versions, snap.inUse, c.cfg.RetentionCount)
	if len(victims) == 0 {
		return nil
	}

	logger := c.logger.With().Str("type", typeName).Logger()
	for _, version := range victims {
		if err := ctx.Err(); err != nil {
			return err
		}

		hdr := accept.Header{Timeout: c.cfg.RequestTimeout, ActivityID: uuid.NewString()}
		_, err := c.target.UnprovisionApplicationType(ctx, hdr, typeName, version)
		category := errdefs.Classify(err)
		metrics.CleanupUnprovisionsTotal.WithLabelValues(string(category)).Inc()

		switch category {
		case errdefs.CategoryOK:
			logger.Info().Str("version", version).Str("activity_id", hdr.ActivityID).Msg("Unprovisioned unused type version")
		case errdefs.CategoryConflict, errdefs.CategoryProgress:
			// referenced or changed since the snapshot; next scan decides again
			logger.Debug().Err(err).Str("version", version).Msg("Skipped type version")
		default:
			return fmt.Errorf("unprovision %s/%s: %w", typeName, version, err)
		}
	}
	return nil
}

// UnusedVersions orders the completed versions most recent first and
// returns those past the first retention entries that are not in use
func UnusedVersions(versions []Version, inUse map[string]bool, retention int) []string {
	sorted := make([]Version, len(versions))
	copy(sorted, versions)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].ProvisionedAt.Equal(sorted[j].ProvisionedAt) {
			return sorted[i].ProvisionedAt.After(sorted[j].ProvisionedAt)
		}
		return sorted[i].Version > sorted[j].Version
	})

	var out []string
	for i, v := range sorted {
		if i < retention || inUse[v.Version] {
			continue
		}
		out = append(out, v.Version)
	}
	return out
}
