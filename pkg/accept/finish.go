package accept

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/keeper/pkg/errdefs"
	"github.com/cuemby/keeper/pkg/reply"
	"github.com/cuemby/keeper/pkg/types"
)

// finish is the single step after staging. It decides from the staging
// outcome alone whether to reply now, schedule background work and wait
// for it.
//
// A commit that timed out may still become durable, so its context is
// scheduled anyway and the caller gets the retryable error; a replay
// of the request then observes whatever the store holds.
func (p *Pipeline) finish(ctx context.Context, out staged, err error) (*types.RolloutContext, error) {
	if err != nil && !errdefs.ShouldEnqueue(err) {
		return nil, err
	}

	c := out.context
	if c == nil {
		return nil, err
	}
	if !schedulable(c) {
		return c, err
	}

	if errors.Is(err, errdefs.CommitTimeout) || errdefs.Classify(err) == errdefs.CategoryProgress {
		p.enqueue(c, nil)
		return c, err
	}

	if out.replyNow {
		p.enqueue(c, nil)
		return c, nil
	}

	binding := reply.New()
	if qerr := p.enqueue(c, binding); qerr != nil {
		return c, qerr
	}

	res, werr := binding.Wait(ctx)
	if werr != nil {
		if errors.Is(werr, context.DeadlineExceeded) {
			return c, fmt.Errorf("%s %q still running: %w", c.Kind, c.Key, errdefs.OperationTimeout)
		}
		return c, werr
	}
	if res.Err == nil && res.Context != nil && res.Context.Status == types.StatusFailed {
		return res.Context, fmt.Errorf("%s %q failed: %s", res.Context.Kind, res.Context.Key, res.Context.FailureReason)
	}
	return res.Context, res.Err
}

// enqueue submits c; a collapsed submission is not an error because the
// binding is attached to the job already running
func (p *Pipeline) enqueue(c *types.RolloutContext, binding *reply.Binding) error {
	err := p.queue.Enqueue(c, binding)
	if err == nil || errors.Is(err, errdefs.RequestAlreadyProcessing) {
		return nil
	}
	p.logger.Warn().Err(err).Str("kind", string(c.Kind)).Str("key", c.Key).Msg("Failed to schedule rollout")
	return err
}

// schedulable reports whether background rollout still has work for c
func schedulable(c *types.RolloutContext) bool {
	return c.Status.IsPickable() || c.Status.IsInFlight()
}
