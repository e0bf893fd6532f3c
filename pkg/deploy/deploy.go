package deploy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/keeper/pkg/errdefs"
	"github.com/cuemby/keeper/pkg/events"
	"github.com/cuemby/keeper/pkg/health"
	"github.com/cuemby/keeper/pkg/log"
	"github.com/cuemby/keeper/pkg/storage"
	"github.com/cuemby/keeper/pkg/types"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
)

// maxRaces bounds how often one Execute call re-reads a context that kept
// changing underneath it
const maxRaces = 100

const commitTimeout = 10 * time.Second

// Config tunes domain walking
type Config struct {
	// DomainDelay is the pause between two automatically started domains
	DomainDelay time.Duration

	// HealthRetryInterval separates health evaluations of a monitored
	// domain
	HealthRetryInterval time.Duration
}

// DefaultConfig returns the defaults used by keeper serve
func DefaultConfig() Config {
	return Config{
		HealthRetryInterval: 10 * time.Second,
	}
}

// Options wires the deployer. Store and Activator are required.
type Options struct {
	Store     storage.Store
	Activator Activator
	Health    health.Aggregator
	Clock     clock.Clock
	Events    *events.Broker
	Config    Config
}

// Deployer is the default rollout executor. It drives provisioning and
// deletion contexts to a terminal status and walks upgrade domains.
type Deployer struct {
	store     storage.Store
	activator Activator
	health    health.Aggregator
	clock     clock.Clock
	events    *events.Broker
	cfg       Config
	logger    zerolog.Logger
}

// NewDeployer creates a new deployer
func NewDeployer(opts Options) (*Deployer, error) {
	if opts.Store == nil || opts.Activator == nil {
		return nil, fmt.Errorf("deployer requires a store and an activator: %w", errdefs.NotValid)
	}
	cfg := opts.Config
	if cfg.HealthRetryInterval <= 0 {
		cfg.HealthRetryInterval = DefaultConfig().HealthRetryInterval
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.WallClock
	}

	return &Deployer{
		store:     opts.Store,
		activator: opts.Activator,
		health:    opts.Health,
		clock:     clk,
		events:    opts.Events,
		cfg:       cfg,
		logger:    log.WithComponent("deployer"),
	}, nil
}

// Execute implements rollout.Executor. It works from the committed state
// of the context, not from c, and returns once the context is terminal,
// deleted or parked waiting for a client.
func (d *Deployer) Execute(ctx context.Context, c *types.RolloutContext) (*types.RolloutContext, error) {
	logger := log.WithContextKey(d.logger, string(c.Kind), c.Key)

	races := 0
	for {
		cur, err := storage.GetContext(d.store, c.Kind, c.Key)
		if errdefs.IsNotFound(err) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if !needsWork(cur) {
			return cur, nil
		}
		if err := ctx.Err(); err != nil {
			return cur, err
		}

		err = d.step(ctx, cur)
		if err == nil {
			races = 0
			continue
		}
		if !isRace(err) {
			return cur, err
		}
		races++
		if races > maxRaces {
			return cur, fmt.Errorf("%s %q keeps changing: %w", c.Kind, c.Key, err)
		}
		logger.Debug().Err(err).Msg("Context changed underneath, re-reading")
	}
}

// needsWork reports whether the deployer has anything to do for c. A
// manual upgrade between domains is parked until a client moves it on.
func needsWork(c *types.RolloutContext) bool {
	if !c.Status.IsPickable() && !c.Status.IsInFlight() {
		return false
	}
	if !c.Kind.IsUpgrade() || c.Status == types.StatusPending {
		return true
	}
	return !c.AwaitsClient()
}

// isRace reports errors caused by a concurrent writer; the step is redone
// from a fresh read
func isRace(err error) bool {
	for _, target := range []error{
		errdefs.StaleSequence,
		errdefs.CommitTimeout,
		errdefs.StaleUpgradeInstance,
		errdefs.UpgradeNotInProgress,
		errdefs.InvalidUpgradeDomain,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// step performs one transition of c and commits it
func (d *Deployer) step(ctx context.Context, c *types.RolloutContext) error {
	if c.Kind.IsUpgrade() {
		return d.stepUpgrade(ctx, c)
	}

	switch c.Status {
	case types.StatusPending:
		return d.mark(ctx, c, types.StatusProcessing)
	case types.StatusDeletePending:
		return d.mark(ctx, c, types.StatusDeleting)
	case types.StatusProcessing:
		return d.activate(ctx, c)
	case types.StatusDeleting:
		return d.deactivate(ctx, c)
	}
	return fmt.Errorf("%s %q has nothing to do in %s: %w", c.Kind, c.Key, c.Status, errdefs.InvariantViolation)
}

// mutation changes the context read inside tx; it may stage writes to
// other contexts and returns nil to delete the context
type mutation func(tx storage.Tx, cur *types.RolloutContext, now time.Time) (*types.RolloutContext, error)

// transition re-reads the context in a transaction, applies fn and commits.
// A non-zero sequence must still match the stored one.
func (d *Deployer) transition(ctx context.Context, kind types.ContextKind, key string, sequence uint64, fn mutation) (*types.RolloutContext, error) {
	tx := d.store.Begin()
	cur, err := storage.ReadContext(tx, kind, key)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if sequence != 0 && cur.SequenceNumber != sequence {
		tx.Rollback()
		return nil, fmt.Errorf("%s %q moved from %d to %d: %w", kind, key, sequence, cur.SequenceNumber, errdefs.StaleSequence)
	}

	now := d.clock.Now()
	next, err := fn(tx, cur, now)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if next == nil {
		err = storage.DeleteContext(tx, cur)
	} else {
		next.Touch(now)
		err = storage.WriteContext(tx, next)
	}
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(ctx, commitTimeout); err != nil {
		return nil, err
	}
	return next, nil
}

func (d *Deployer) mark(ctx context.Context, c *types.RolloutContext, status types.Status) error {
	_, err := d.transition(ctx, c.Kind, c.Key, c.SequenceNumber, func(tx storage.Tx, cur *types.RolloutContext, now time.Time) (*types.RolloutContext, error) {
		cur.Status = status
		return cur, nil
	})
	return err
}

// fail records cause on the context. A cancelled context leaves it in
// flight for the reconciler instead.
func (d *Deployer) fail(ctx context.Context, c *types.RolloutContext, cause error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	next, err := d.transition(ctx, c.Kind, c.Key, c.SequenceNumber, func(tx storage.Tx, cur *types.RolloutContext, now time.Time) (*types.RolloutContext, error) {
		cur.Status = types.StatusFailed
		cur.FailureReason = cause.Error()
		if p := cur.Progress(); p != nil && !p.State.IsTerminal() {
			p.Fail(cause.Error(), now)
		}
		return cur, nil
	})
	if err != nil {
		return err
	}
	d.logger.Warn().Err(cause).Str("kind", string(c.Kind)).Str("key", c.Key).Msg("Rollout failed")
	d.publish(events.EventContextFailed, next, cause.Error())
	return nil
}

func (d *Deployer) publish(t events.EventType, c *types.RolloutContext, message string) {
	if c == nil {
		return
	}
	d.events.Publish(&events.Event{
		Type:    t,
		Kind:    string(c.Kind),
		Key:     c.Key,
		Message: message,
		Metadata: map[string]string{
			"activity_id": c.ActivityID,
		},
	})
}

// newRecord builds a context the deployer creates as a side effect, such
// as the generated type of a deployment
func newRecord(kind types.ContextKind, key string, owner *types.RolloutContext, now time.Time) *types.RolloutContext {
	c := &types.RolloutContext{
		Kind:       kind,
		Key:        key,
		Status:     types.StatusCompleted,
		ActivityID: owner.ActivityID,
	}
	c.Touch(now)
	return c
}

// readOptional reads a context in tx, returning nil when it does not exist
func readOptional(tx storage.Tx, kind types.ContextKind, key string) (*types.RolloutContext, error) {
	c, err := storage.ReadContext(tx, kind, key)
	if errdefs.IsNotFound(err) {
		return nil, nil
	}
	return c, err
}
