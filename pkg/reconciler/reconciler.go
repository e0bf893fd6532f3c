package reconciler

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/keeper/pkg/errdefs"
	"github.com/cuemby/keeper/pkg/log"
	"github.com/cuemby/keeper/pkg/metrics"
	"github.com/cuemby/keeper/pkg/reply"
	"github.com/cuemby/keeper/pkg/storage"
	"github.com/cuemby/keeper/pkg/types"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
)

// Queue is the part of the rollout queue the reconciler feeds
type Queue interface {
	Enqueue(c *types.RolloutContext, binding *reply.Binding) error
	Active(kind types.ContextKind, key string) bool
}

// Pruner drops idle duplicate-detection state
type Pruner interface {
	PruneRequests(olderThan time.Duration) int
}

// Config tunes the reconciliation loop
type Config struct {
	// Interval between reconciliation cycles
	Interval time.Duration

	// RequestRetention is how long idle duplicate-detection entries are
	// kept; zero disables pruning
	RequestRetention time.Duration
}

// DefaultConfig returns the defaults used by keeper serve
func DefaultConfig() Config {
	return Config{
		Interval:         10 * time.Second,
		RequestRetention: 10 * time.Minute,
	}
}

// Options wires the reconciler. Store and Queue are required.
type Options struct {
	Store  storage.Reader
	Queue  Queue
	Pruner Pruner

	// Leader gates each cycle; nil means always reconcile
	Leader func() bool

	Clock  clock.Clock
	Config Config
}

// Reconciler hands unfinished rollout contexts back to the rollout queue.
// Contexts end up orphaned when a worker stops mid-rollout, when a commit
// timed out before scheduling or after a leader change.
type Reconciler struct {
	store  storage.Reader
	queue  Queue
	pruner Pruner
	leader func() bool
	clock  clock.Clock
	cfg    Config
	logger zerolog.Logger

	mu     sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewReconciler creates a new reconciler
func NewReconciler(opts Options) (*Reconciler, error) {
	if opts.Store == nil || opts.Queue == nil {
		return nil, fmt.Errorf("reconciler requires a store and a queue: %w", errdefs.NotValid)
	}
	cfg := opts.Config
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.WallClock
	}

	return &Reconciler{
		store:  opts.Store,
		queue:  opts.Queue,
		pruner: opts.Pruner,
		leader: opts.Leader,
		clock:  clk,
		cfg:    cfg,
		logger: log.WithComponent("reconciler"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Start begins the reconciliation loop
func (r *Reconciler) Start() {
	metrics.RegisterComponent(metrics.ComponentReconciler, true, "")
	go r.run()
}

// Stop stops the loop and waits for the running cycle to finish
func (r *Reconciler) Stop() {
	close(r.stopCh)
	<-r.doneCh
	metrics.UpdateComponent(metrics.ComponentReconciler, false, "stopped")
}

func (r *Reconciler) run() {
	defer close(r.doneCh)

	for {
		select {
		case <-r.clock.After(r.cfg.Interval):
			if _, err := r.Reconcile(); err != nil {
				r.logger.Warn().Err(err).Msg("Reconciliation cycle failed")
			}
		case <-r.stopCh:
			return
		}
	}
}

// Reconcile performs one cycle and returns how many contexts were handed to
// the queue
func (r *Reconciler) Reconcile() (int, error) {
	if r.leader != nil && !r.leader() {
		return 0, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	requeued := 0
	var errs []error
	for _, kind := range types.AllKinds() {
		n, err := r.reconcileKind(kind)
		requeued += n
		if errors.Is(err, errdefs.Unavailable) {
			return requeued, err
		}
		if err != nil {
			errs = append(errs, err)
		}
	}

	if r.pruner != nil && r.cfg.RequestRetention > 0 {
		if pruned := r.pruner.PruneRequests(r.cfg.RequestRetention); pruned > 0 {
			r.logger.Debug().Int("pruned", pruned).Msg("Pruned idle request state")
		}
	}

	if requeued > 0 {
		r.logger.Info().Int("requeued", requeued).Msg("Handed unfinished rollouts back to the queue")
	}
	return requeued, errors.Join(errs...)
}

func (r *Reconciler) reconcileKind(kind types.ContextKind) (int, error) {
	contexts, err := storage.ListContexts(r.store, kind)
	if err != nil {
		return 0, fmt.Errorf("failed to list %s contexts: %w", kind, err)
	}

	requeued := 0
	for _, c := range contexts {
		if !Unfinished(c) || r.queue.Active(c.Kind, c.Key) {
			continue
		}

		err := r.queue.Enqueue(c, nil)
		switch {
		case err == nil:
		case errors.Is(err, errdefs.RequestAlreadyProcessing):
			continue
		default:
			return requeued, err
		}

		requeued++
		metrics.ReconciliationRequeuedTotal.WithLabelValues(string(kind)).Inc()
		logger := log.WithContextKey(r.logger, string(c.Kind), c.Key)
		logger.Debug().
			Str("status", string(c.Status)).
			Msg("Requeued unfinished rollout")
	}
	return requeued, nil
}

// Unfinished reports whether c still needs a rollout worker. A manual
// upgrade parked between domains waits for its client instead.
func Unfinished(c *types.RolloutContext) bool {
	if !c.Status.IsPickable() && !c.Status.IsInFlight() {
		return false
	}
	return c.Status == types.StatusPending || !c.AwaitsClient()
}
