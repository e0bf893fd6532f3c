package rollout

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/keeper/pkg/errdefs"
	"github.com/cuemby/keeper/pkg/log"
	"github.com/cuemby/keeper/pkg/metrics"
	"github.com/cuemby/keeper/pkg/reply"
	"github.com/cuemby/keeper/pkg/types"
	"github.com/rs/zerolog"
)

// Executor advances one rollout context. It re-reads the context from the
// store, persists every transition it makes and returns the last state it
// wrote, or nil when the context was deleted.
type Executor interface {
	Execute(ctx context.Context, c *types.RolloutContext) (*types.RolloutContext, error)
}

// ExecutorFunc adapts a function to Executor
type ExecutorFunc func(ctx context.Context, c *types.RolloutContext) (*types.RolloutContext, error)

// Execute calls f
func (f ExecutorFunc) Execute(ctx context.Context, c *types.RolloutContext) (*types.RolloutContext, error) {
	return f(ctx, c)
}

type jobKey struct {
	kind types.ContextKind
	key  string
}

type job struct {
	key      jobKey
	context  *types.RolloutContext
	bindings []*reply.Binding
	active   bool
	rerun    bool
}

// Queue runs rollout contexts on a fixed worker pool with at most one
// active worker per context key. Submissions for a key that is queued or
// running collapse into the existing job.
type Queue struct {
	executor Executor
	workers  int
	logger   zerolog.Logger

	mu      sync.Mutex
	jobs    map[jobKey]*job
	pending []jobKey
	stopped bool
	wake    chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewQueue creates a queue; Start launches the workers
func NewQueue(executor Executor, workers int) *Queue {
	if workers <= 0 {
		workers = 1
	}
	return &Queue{
		executor: executor,
		workers:  workers,
		logger:   log.WithComponent("rollout"),
		jobs:     make(map[jobKey]*job),
		wake:     make(chan struct{}, 1),
	}
}

// Start launches the worker pool
func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.work(ctx)
		}()
	}
	metrics.RegisterComponent(metrics.ComponentRollout, true, "")
	q.logger.Info().Int("workers", q.workers).Msg("Rollout queue started")
}

// Stop cancels running jobs, waits for the workers and fails every binding
// still waiting
func (q *Queue) Stop() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()

	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()

	q.mu.Lock()
	defer q.mu.Unlock()
	for k, j := range q.jobs {
		for _, b := range j.bindings {
			b.Complete(reply.Result{Err: fmt.Errorf("rollout queue stopped: %w", errdefs.Unavailable)})
		}
		delete(q.jobs, k)
	}
	q.pending = nil
	metrics.RolloutQueueDepth.Set(0)
	metrics.UpdateComponent(metrics.ComponentRollout, false, "stopped")
}

// Enqueue submits c. The binding, if any, completes when a run of the
// context that started after this call finishes. If the key is already
// queued or running the submission is collapsed and the returned error
// wraps errdefs.RequestAlreadyProcessing; a running job is then run once
// more so it observes the newer state.
func (q *Queue) Enqueue(c *types.RolloutContext, binding *reply.Binding) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return fmt.Errorf("rollout queue stopped: %w", errdefs.Unavailable)
	}

	k := jobKey{kind: c.Kind, key: c.Key}
	if j, ok := q.jobs[k]; ok {
		j.context = c
		if binding != nil {
			j.bindings = append(j.bindings, binding)
		}
		if j.active {
			j.rerun = true
		}
		return fmt.Errorf("%s %q: %w", c.Kind, c.Key, errdefs.RequestAlreadyProcessing)
	}

	j := &job{key: k, context: c}
	if binding != nil {
		j.bindings = append(j.bindings, binding)
	}
	q.jobs[k] = j
	q.pending = append(q.pending, k)
	metrics.RolloutQueueDepth.Set(float64(len(q.jobs)))
	q.signal()
	return nil
}

// Active reports whether the key is queued or running
func (q *Queue) Active(kind types.ContextKind, key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.jobs[jobKey{kind: kind, key: key}]
	return ok
}

// Len returns the number of queued or running keys
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) work(ctx context.Context) {
	for ctx.Err() == nil {
		j, c, bindings := q.next()
		if j == nil {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}
		q.run(ctx, j, c, bindings)
	}
}

// next pops the oldest pending job and marks it active
func (q *Queue) next() (*job, *types.RolloutContext, []*reply.Binding) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return nil, nil, nil
	}
	k := q.pending[0]
	q.pending = q.pending[1:]
	if len(q.pending) > 0 {
		q.signal()
	}

	j := q.jobs[k]
	j.active = true
	bindings := j.bindings
	j.bindings = nil
	return j, j.context, bindings
}

func (q *Queue) run(ctx context.Context, j *job, c *types.RolloutContext, bindings []*reply.Binding) {
	logger := log.WithContextKey(q.logger, string(c.Kind), c.Key)
	logger.Debug().Str("status", string(c.Status)).Msg("Rollout job started")

	final, err := q.executor.Execute(ctx, c)

	result := "success"
	switch {
	case err != nil:
		result = "error"
		logger.Warn().Err(err).Msg("Rollout job failed")
	case final != nil && final.Status == types.StatusFailed:
		result = "failed"
	}
	metrics.RolloutJobsTotal.WithLabelValues(string(c.Kind), result).Inc()

	for _, b := range bindings {
		b.Complete(reply.Result{Context: final, Err: err})
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	j.active = false
	if j.rerun && !q.stopped {
		j.rerun = false
		q.pending = append(q.pending, j.key)
		q.signal()
		return
	}
	for _, b := range j.bindings {
		b.Complete(reply.Result{Err: fmt.Errorf("rollout queue stopped: %w", errdefs.Unavailable)})
	}
	delete(q.jobs, j.key)
	metrics.RolloutQueueDepth.Set(float64(len(q.jobs)))
}
