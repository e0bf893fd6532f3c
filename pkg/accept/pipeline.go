package accept

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/keeper/pkg/compose"
	"github.com/cuemby/keeper/pkg/dedup"
	"github.com/cuemby/keeper/pkg/errdefs"
	"github.com/cuemby/keeper/pkg/events"
	"github.com/cuemby/keeper/pkg/health"
	"github.com/cuemby/keeper/pkg/log"
	"github.com/cuemby/keeper/pkg/metrics"
	"github.com/cuemby/keeper/pkg/reply"
	"github.com/cuemby/keeper/pkg/storage"
	"github.com/cuemby/keeper/pkg/types"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/rs/zerolog"
)

// Enqueuer hands staged contexts to background rollout. A collapsed
// submission returns an error wrapping errdefs.RequestAlreadyProcessing
// and still attaches the binding.
type Enqueuer interface {
	Enqueue(c *types.RolloutContext, binding *reply.Binding) error
}

// Topology supplies the upgrade domain order for new upgrades
type Topology interface {
	UpgradeDomains(ctx context.Context) ([]string, error)
}

// StaticTopology is a fixed domain order
type StaticTopology []string

// UpgradeDomains returns the configured order
func (t StaticTopology) UpgradeDomains(context.Context) ([]string, error) {
	return []string(t), nil
}

// Config tunes the pipeline
type Config struct {
	// DefaultTimeout applies to requests that carry no timeout
	DefaultTimeout time.Duration

	// MaxConflictRetries bounds how often staging is replayed after the
	// commit lost an optimistic concurrency race
	MaxConflictRetries int

	// ConflictRetryDelay is the first backoff delay between replays
	ConflictRetryDelay time.Duration

	// PreviewFeatures blocks runtime code upgrades while set
	PreviewFeatures bool
}

// DefaultConfig returns the defaults used by keeper serve
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:     30 * time.Second,
		MaxConflictRetries: 5,
		ConflictRetryDelay: 10 * time.Millisecond,
	}
}

// Options wires the pipeline collaborators. Store and Queue are required.
type Options struct {
	Store     storage.Store
	Queue     Enqueuer
	Health    health.Aggregator
	Validator compose.Validator
	Topology  Topology
	Clock     clock.Clock
	Events    *events.Broker
	Config    Config
}

// Header carries the request metadata shared by every operation
type Header struct {
	// Instance is the client's request instance for the target key. Retries
	// reuse it; a new logical request uses a larger one. Zero skips
	// duplicate detection.
	Instance int64

	// Timeout is the client's budget for this call
	Timeout time.Duration

	// ActivityID correlates logs; generated when empty
	ActivityID string
}

func (h Header) owns(c *types.RolloutContext) bool {
	return h.Instance != 0 && c.RequestInstance == h.Instance
}

// Pipeline accepts client mutations: it deduplicates retries, stages the
// transition in a store transaction, commits it, replies and schedules the
// background rollout.
type Pipeline struct {
	store     storage.Store
	queue     Enqueuer
	health    health.Aggregator
	validator compose.Validator
	topology  Topology
	clock     clock.Clock
	events    *events.Broker
	cfg       Config
	logger    zerolog.Logger

	names   *dedup.Tracker[types.Name]
	strings *dedup.Tracker[string]
}

// New creates a pipeline
func New(opts Options) (*Pipeline, error) {
	if opts.Store == nil || opts.Queue == nil {
		return nil, fmt.Errorf("accept pipeline requires a store and a queue: %w", errdefs.NotValid)
	}

	cfg := opts.Config
	defaults := DefaultConfig()
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaults.DefaultTimeout
	}
	if cfg.MaxConflictRetries < 0 {
		cfg.MaxConflictRetries = 0
	}
	if cfg.ConflictRetryDelay <= 0 {
		cfg.ConflictRetryDelay = defaults.ConflictRetryDelay
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	validator := opts.Validator
	if validator == nil {
		validator = compose.YAMLValidator{}
	}
	topology := opts.Topology
	if topology == nil {
		topology = StaticTopology(nil)
	}

	metrics.RegisterComponent(metrics.ComponentPipeline, true, "")

	return &Pipeline{
		store:     opts.Store,
		queue:     opts.Queue,
		health:    opts.Health,
		validator: validator,
		topology:  topology,
		clock:     clk,
		events:    opts.Events,
		cfg:       cfg,
		logger:    log.WithComponent("accept"),
		names:     dedup.NewTracker[types.Name](clk),
		strings:   dedup.NewTracker[string](clk),
	}, nil
}

// PruneRequests drops duplicate-detection state idle for longer than
// olderThan
func (p *Pipeline) PruneRequests(olderThan time.Duration) int {
	return p.names.Prune(olderThan) + p.strings.Prune(olderThan)
}

// staged is the decision of one stage function
type staged struct {
	// context is the resulting context; nil when nothing was staged
	context *types.RolloutContext
	// commit is set when the transaction holds writes to commit
	commit bool
	// replyNow answers the client as soon as the commit is durable
	// instead of waiting for the background rollout
	replyNow bool
}

// stageFunc reads inside tx and stages the transition. It may return a
// progress error together with a context that still needs scheduling.
type stageFunc func(ctx context.Context, tx storage.Tx, now time.Time) (staged, error)

// requestKey is the duplicate-detection key: either a structured name or
// a family-prefixed string
type requestKey struct {
	name types.Name
	str  string
}

const (
	familyType           = "type:"
	familyRuntime        = "runtime"
	familyRuntimeVersion = "runtime:"
	familyTask           = "task:"
	familyCompose        = "compose:"
	familySingle         = "single:"
)

func nameKey(n types.Name) requestKey {
	return requestKey{name: n}
}

func stringKey(family, s string) requestKey {
	return requestKey{str: family + s}
}

func (p *Pipeline) tryAccept(k requestKey, instance int64) dedup.Decision {
	if !k.name.IsZero() {
		return p.names.TryAccept(k.name, instance)
	}
	return p.strings.TryAccept(k.str, instance)
}

func (p *Pipeline) release(k requestKey, instance int64, completed bool) {
	switch {
	case !k.name.IsZero() && completed:
		p.names.Complete(k.name, instance)
	case !k.name.IsZero():
		p.names.Abandon(k.name, instance)
	case completed:
		p.strings.Complete(k.str, instance)
	default:
		p.strings.Abandon(k.str, instance)
	}
}

// accept runs one request through duplicate detection, staging with
// conflict retries and finish
func (p *Pipeline) accept(ctx context.Context, op string, key requestKey, hdr Header, stage stageFunc) (result *types.RolloutContext, err error) {
	timer := metrics.NewTimer()
	if hdr.Timeout <= 0 {
		hdr.Timeout = p.cfg.DefaultTimeout
	}
	if hdr.ActivityID == "" {
		hdr.ActivityID = uuid.NewString()
	}
	logger := log.WithActivityID(p.logger, hdr.ActivityID).With().Str("operation", op).Logger()

	defer func() {
		metrics.AcceptTotal.WithLabelValues(op, string(errdefs.Classify(err))).Inc()
		timer.ObserveDurationVec(metrics.AcceptDuration, op)
	}()

	if hdr.Instance != 0 {
		decision := p.tryAccept(key, hdr.Instance)
		if decision.Rejected() {
			metrics.DuplicateRejections.WithLabelValues(decision.String()).Inc()
			logger.Debug().Int64("instance", hdr.Instance).Str("decision", decision.String()).Msg("Duplicate request rejected")
			if decision == dedup.RejectBusy {
				return nil, fmt.Errorf("%s: newer request while one is in flight: %w", op, errdefs.RequestAlreadyProcessing)
			}
			// The original request was or will be answered; a stale or
			// completed retry gets a canned success.
			return nil, nil
		}
		defer func() {
			p.release(key, hdr.Instance, !errdefs.IsRetryable(err))
		}()
	}

	ctx, cancel := context.WithTimeout(ctx, hdr.Timeout)
	defer cancel()

	out, err := p.stageWithRetries(ctx, stage)
	result, err = p.finish(ctx, out, err)

	ev := logger.Debug()
	if err != nil && errdefs.Classify(err) != errdefs.CategoryProgress {
		ev = logger.Info().Err(err)
	}
	ev.Str("category", string(errdefs.Classify(err))).Msg("Request handled")
	return result, err
}

const maxConflictDelay = 500 * time.Millisecond

// stageWithRetries replays staging while the commit loses optimistic
// concurrency races
func (p *Pipeline) stageWithRetries(ctx context.Context, stage stageFunc) (staged, error) {
	var out staged
	var lastErr error
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			var err error
			out, err = p.attempt(ctx, stage)
			lastErr = err
			if errdefs.Classify(err) == errdefs.CategoryProgress {
				// progress is an outcome, not a failure to retry
				return nil
			}
			return err
		},
		IsFatalError: func(err error) bool {
			return !errors.Is(err, errdefs.StaleSequence)
		},
		NotifyFunc: func(err error, attempt int) {
			metrics.AcceptConflictRetries.Inc()
			p.logger.Debug().Err(err).Int("attempt", attempt).Msg("Staging conflict, retrying")
		},
		Attempts:    p.cfg.MaxConflictRetries + 1,
		Delay:       p.cfg.ConflictRetryDelay,
		MaxDelay:    maxConflictDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       p.clock,
		Stop:        ctx.Done(),
	})
	if err == nil {
		return out, lastErr
	}
	if lastErr != nil && (retry.IsAttemptsExceeded(err) || !errors.Is(err, lastErr)) {
		return out, lastErr
	}
	return out, err
}

// attempt stages once in a fresh transaction and commits what was staged
func (p *Pipeline) attempt(ctx context.Context, stage stageFunc) (staged, error) {
	tx := p.store.Begin()
	out, err := stage(ctx, tx, p.clock.Now())
	if err != nil && errdefs.Classify(err) != errdefs.CategoryProgress {
		tx.Rollback()
		return staged{}, err
	}
	if !out.commit || !tx.HasWrites() {
		tx.Rollback()
		out.commit = false
		return out, err
	}

	if cerr := tx.Commit(ctx, remaining(ctx)); cerr != nil {
		return out, cerr
	}
	if out.context != nil {
		p.events.Publish(&events.Event{
			Type:    events.EventContextAccepted,
			Kind:    string(out.context.Kind),
			Key:     out.context.Key,
			Message: string(out.context.Status),
			Metadata: map[string]string{
				"activity_id": out.context.ActivityID,
			},
		})
	}
	return out, err
}

func remaining(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		return time.Until(deadline)
	}
	return 0
}

// newContext builds the header of a context staged for the first time
func (p *Pipeline) newContext(kind types.ContextKind, key string, hdr Header, now time.Time) *types.RolloutContext {
	c := &types.RolloutContext{
		Kind:             kind,
		Key:              key,
		Status:           types.StatusPending,
		OperationTimeout: hdr.Timeout,
		RequestInstance:  hdr.Instance,
		ActivityID:       hdr.ActivityID,
	}
	c.Touch(now)
	return c
}

// restart reopens an existing record for a new request
func restart(c *types.RolloutContext, status types.Status, hdr Header, now time.Time) {
	c.Reinitialize(status, hdr.Instance, hdr.ActivityID, hdr.Timeout, now)
}

// insert stages a brand-new context
func insert(tx storage.Tx, c *types.RolloutContext, replyNow bool) (staged, error) {
	if err := storage.InsertContext(tx, c); err != nil {
		return staged{}, err
	}
	return staged{context: c, commit: true, replyNow: replyNow}, nil
}

// write stages an update of a context read in tx
func write(tx storage.Tx, c *types.RolloutContext, replyNow bool) (staged, error) {
	if err := storage.WriteContext(tx, c); err != nil {
		return staged{}, err
	}
	return staged{context: c, commit: true, replyNow: replyNow}, nil
}

// refresh renews the timeout of an in-flight context for a retried
// request without changing its status
func refresh(tx storage.Tx, c *types.RolloutContext, hdr Header, now time.Time, replyNow bool) (staged, error) {
	c.OperationTimeout = hdr.Timeout
	c.Touch(now)
	return write(tx, c, replyNow)
}

// readOptional reads a context, returning nil when it does not exist
func readOptional(tx storage.Tx, kind types.ContextKind, key string) (*types.RolloutContext, error) {
	c, err := storage.ReadContext(tx, kind, key)
	if errdefs.IsNotFound(err) {
		return nil, nil
	}
	return c, err
}

func inProgress(what string, c *types.RolloutContext) error {
	return fmt.Errorf("%s %q is %s: %w", what, c.Key, c.Status, errdefs.RequestAlreadyProcessing)
}
