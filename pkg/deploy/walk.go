package deploy

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/cuemby/keeper/pkg/errdefs"
	"github.com/cuemby/keeper/pkg/events"
	"github.com/cuemby/keeper/pkg/health"
	"github.com/cuemby/keeper/pkg/metrics"
	"github.com/cuemby/keeper/pkg/storage"
	"github.com/cuemby/keeper/pkg/types"
	"github.com/cuemby/keeper/pkg/upgrade"
	"github.com/juju/retry"
)

// stepUpgrade advances an upgrade context by one transition
func (d *Deployer) stepUpgrade(ctx context.Context, c *types.RolloutContext) error {
	if c.Status == types.StatusPending {
		return d.pickUp(ctx, c)
	}

	p := c.Progress()
	switch {
	case c.DeploymentUpgrade != nil && c.DeploymentUpgrade.Replacement && !p.State.IsRolling():
		return d.replace(ctx, c)
	case p.State.IsRolling() && p.Domains.InProgress != "":
		return d.upgradeDomain(ctx, c)
	case p.State.IsRolling() && len(p.Domains.Pending) > 0:
		return d.startNextDomain(ctx, c)
	default:
		return d.settle(ctx, c)
	}
}

// pickUp moves a Pending upgrade to Processing. A deployment upgrade gets
// its generated target type first.
func (d *Deployer) pickUp(ctx context.Context, c *types.RolloutContext) error {
	du := c.DeploymentUpgrade
	var typeName string
	if du != nil && !du.Replacement && c.Progress().State.IsRolling() {
		typeName = upgrade.SyntheticTypeName(du.Deployment)
		target := c.Progress().TargetVersion
		if err := d.activator.Activate(ctx, Action{Kind: ActionProvisionType, Subject: types.ApplicationTypeKey(typeName, target), Version: target}); err != nil {
			return d.fail(ctx, c, fmt.Errorf("provision %s %s: %w", typeName, target, err))
		}
	}

	_, err := d.transition(ctx, c.Kind, c.Key, c.SequenceNumber, func(tx storage.Tx, cur *types.RolloutContext, now time.Time) (*types.RolloutContext, error) {
		if typeName != "" {
			if err := ensureType(tx, cur, typeName, cur.Progress().TargetVersion, now); err != nil {
				return nil, err
			}
		}
		cur.Status = types.StatusProcessing
		return cur, nil
	})
	return err
}

// subject is the name domain activations and health evaluation refer to
func (d *Deployer) subject(c *types.RolloutContext) string {
	switch {
	case c.ApplicationUpgrade != nil:
		return c.ApplicationUpgrade.Application.String()
	case c.DeploymentUpgrade != nil:
		return types.DefaultScheme + ":/" + c.DeploymentUpgrade.Deployment
	}
	return health.ClusterEntity
}

// startNextDomain starts the next pending domain, pausing between domains
func (d *Deployer) startNextDomain(ctx context.Context, c *types.RolloutContext) error {
	p := c.Progress()
	next, ok := p.NextDomain()
	if !ok {
		return fmt.Errorf("%s %q has no startable domain: %w", c.Kind, c.Key, errdefs.InvariantViolation)
	}
	if len(p.Domains.Completed) > 0 && d.cfg.DomainDelay > 0 {
		select {
		case <-d.clock.After(d.cfg.DomainDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	started, err := d.transition(ctx, c.Kind, c.Key, c.SequenceNumber, func(tx storage.Tx, cur *types.RolloutContext, now time.Time) (*types.RolloutContext, error) {
		if err := cur.Progress().MoveNextDomain(next); err != nil {
			return nil, err
		}
		return cur, nil
	})
	if err != nil {
		return err
	}
	d.publish(events.EventDomainStarted, started, next)
	return nil
}

// upgradeDomain activates the in-progress domain, gates it on health for
// monitored rollforwards and records the outcome
func (d *Deployer) upgradeDomain(ctx context.Context, c *types.RolloutContext) error {
	p := c.Progress()
	instance, domain := p.Instance, p.Domains.InProgress
	rollingBack := p.State == upgrade.StateRollingBack

	action := Action{
		Kind:       ActionUpgradeDomain,
		Subject:    d.subject(c),
		Version:    p.TargetVersion,
		Parameters: p.Parameters,
		Domain:     domain,
	}
	if rollingBack {
		action.Version = p.RollbackVersion
		action.Parameters = d.runningParameters(c)
	}
	if err := d.activator.Activate(ctx, action); err != nil {
		return d.fail(ctx, c, fmt.Errorf("domain %s: %w", domain, err))
	}

	healthy, reason := true, ""
	if p.Mode == upgrade.ModeMonitored && !rollingBack {
		var err error
		if healthy, reason, err = d.checkHealth(ctx, c, domain); err != nil {
			return err
		}
	}

	var rolledBack, finished bool
	next, err := d.transition(ctx, c.Kind, c.Key, 0, func(tx storage.Tx, cur *types.RolloutContext, now time.Time) (*types.RolloutContext, error) {
		cp := cur.Progress()
		if cp.Instance != instance {
			return nil, fmt.Errorf("instance %d, current %d: %w", instance, cp.Instance, errdefs.StaleUpgradeInstance)
		}
		if !cp.State.IsRolling() || cp.Domains.InProgress != domain {
			return nil, fmt.Errorf("domain %s no longer in progress (%s): %w", domain, cp.State, errdefs.UpgradeNotInProgress)
		}

		if !healthy {
			switch cp.HealthPolicy.FailureAction {
			case health.FailureActionRollback:
				if err := cp.StartRollback(); err != nil {
					cp.Fail(reason, now)
					cur.Status = types.StatusFailed
					cur.FailureReason = reason
					return cur, nil
				}
				rolledBack = true
				return cur, nil
			case health.FailureActionManual:
				// the client decides how to continue
				cp.Mode = upgrade.ModeUnmonitoredManual
			}
		}

		done, err := cp.CompleteDomain(instance, domain, now)
		if err != nil {
			return nil, err
		}
		if done {
			finished = true
			if err := d.finishUpgrade(ctx, tx, cur, now); err != nil {
				return nil, err
			}
		}
		return cur, nil
	})
	if err != nil {
		return err
	}

	switch {
	case rolledBack:
		d.logger.Warn().Str("kind", string(c.Kind)).Str("key", c.Key).Str("reason", reason).Msg("Health check failed, rolling back")
		d.publish(events.EventUpgradeRollback, next, reason)
		return nil
	case next.Status == types.StatusFailed:
		d.publish(events.EventContextFailed, next, reason)
		return nil
	}
	metrics.UpgradeDomainsCompleted.WithLabelValues(string(c.Kind)).Inc()
	d.publish(events.EventDomainCompleted, next, domain)
	if finished {
		d.publish(events.EventUpgradeCompleted, next, string(next.Progress().State))
	}
	return nil
}

// checkHealth waits for the policy's settle time and evaluates the entity
// over every domain upgraded so far, retrying per the policy
func (d *Deployer) checkHealth(ctx context.Context, c *types.RolloutContext, domain string) (bool, string, error) {
	p := c.Progress()
	policy := p.HealthPolicy
	if d.health == nil || policy == nil {
		return true, "", nil
	}

	if policy.HealthCheckWait > 0 {
		select {
		case <-d.clock.After(policy.HealthCheckWait):
		case <-ctx.Done():
			return false, "", ctx.Err()
		}
	}

	domains := append(slices.Clone(p.Domains.Completed), domain)
	entity := d.subject(c)
	var reason string
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			var healthy bool
			var evals []health.Evaluation
			var err error
			if c.RuntimeUpgrade != nil {
				healthy, evals, err = d.health.IsClusterHealthy(ctx, policy, domains, p.Baseline)
			} else {
				healthy, evals, err = d.health.IsApplicationHealthy(ctx, entity, policy, domains, p.Baseline)
			}
			if err != nil {
				return err
			}
			if !healthy {
				reason = describe(evals)
				return fmt.Errorf("%s: %w", reason, errdefs.HealthCheckFailed)
			}
			return nil
		},
		IsFatalError: func(err error) bool {
			return !errors.Is(err, errdefs.HealthCheckFailed)
		},
		Attempts: policy.HealthCheckRetries + 1,
		Delay:    d.cfg.HealthRetryInterval,
		Clock:    d.clock,
		Stop:     ctx.Done(),
	})

	switch {
	case err == nil:
		return true, "", nil
	case ctx.Err() != nil:
		return false, "", ctx.Err()
	case retry.IsAttemptsExceeded(err), errors.Is(err, errdefs.HealthCheckFailed):
		return false, reason, nil
	}
	return false, "", err
}

func describe(evals []health.Evaluation) string {
	if len(evals) == 0 {
		return "unhealthy"
	}
	parts := make([]string, 0, len(evals))
	for _, e := range evals {
		parts = append(parts, fmt.Sprintf("%s in %s is %s", e.Entity, e.Domain, e.State))
	}
	return strings.Join(parts, "; ")
}

// runningParameters returns the parameters the subject ran before the
// upgrade, used when domains roll back
func (d *Deployer) runningParameters(c *types.RolloutContext) map[string]string {
	if c.ApplicationUpgrade == nil {
		return nil
	}
	app, err := storage.GetContext(d.store, types.KindApplication, c.ApplicationUpgrade.Application.String())
	if err != nil {
		return nil
	}
	return app.Application.Parameters
}

// settle resolves an upgrade with no domain work left
func (d *Deployer) settle(ctx context.Context, c *types.RolloutContext) error {
	var finished bool
	next, err := d.transition(ctx, c.Kind, c.Key, c.SequenceNumber, func(tx storage.Tx, cur *types.RolloutContext, now time.Time) (*types.RolloutContext, error) {
		p := cur.Progress()
		if p.State.IsRolling() && !p.FinishIfDrained(now) {
			return nil, fmt.Errorf("%s %q still has domains: %w", cur.Kind, cur.Key, errdefs.InvariantViolation)
		}

		switch p.State {
		case upgrade.StateCompletedRollforward, upgrade.StateCompletedRollback:
			finished = true
			return cur, d.finishUpgrade(ctx, tx, cur, now)
		case upgrade.StateFailed:
			cur.Status = types.StatusFailed
			cur.FailureReason = p.FailureReason
		default:
			cur.Status = types.StatusCompleted
		}
		return cur, nil
	})
	if err != nil {
		return err
	}
	if finished {
		d.publish(events.EventUpgradeCompleted, next, string(next.Progress().State))
	}
	return nil
}

// finishUpgrade applies a completed upgrade to its subject and starts a
// queued goal state, if any. It runs inside the transition that completed
// the last domain.
func (d *Deployer) finishUpgrade(ctx context.Context, tx storage.Tx, cur *types.RolloutContext, now time.Time) error {
	p := cur.Progress()
	if p.State == upgrade.StateCompletedRollforward {
		if err := applyVersion(tx, cur, now); err != nil {
			return err
		}

		promoted, err := p.PromoteGoalState(now)
		if err != nil {
			return err
		}
		if promoted {
			if p.Mode == upgrade.ModeMonitored && d.health != nil {
				baseline, err := d.health.Baseline(ctx, d.subject(cur), p.HealthPolicy)
				if err != nil {
					return fmt.Errorf("baseline for goal state: %v: %w", err, errdefs.HealthCheckFailed)
				}
				p.Baseline = baseline
			}
			cur.Status = types.StatusProcessing
			return nil
		}
	}
	cur.Status = types.StatusCompleted
	return nil
}

// applyVersion records the version an upgrade completed at on its subject
func applyVersion(tx storage.Tx, cur *types.RolloutContext, now time.Time) error {
	p := cur.Progress()
	switch {
	case cur.ApplicationUpgrade != nil:
		app, err := storage.ReadContext(tx, types.KindApplication, cur.ApplicationUpgrade.Application.String())
		if err != nil {
			return err
		}
		app.Application.TypeVersion = p.CurrentVersion
		app.Application.Parameters = maps.Clone(p.Parameters)
		app.Touch(now)
		return storage.WriteContext(tx, app)

	case cur.DeploymentUpgrade != nil:
		du := cur.DeploymentUpgrade
		dep, err := storage.ReadContext(tx, deploymentKindOf(cur.Kind), du.Deployment)
		if err != nil {
			return err
		}
		dep.Deployment.Description = du.Target
		dep.Deployment.TypeVersion = p.CurrentVersion
		dep.Deployment.Generation++
		dep.Touch(now)
		if err := storage.WriteContext(tx, dep); err != nil {
			return err
		}
		return materialize(tx, dep, now)
	}
	return nil
}

// replace swaps a deployment's application for one built from an
// incompatible description in a single step
func (d *Deployer) replace(ctx context.Context, c *types.RolloutContext) error {
	du := c.DeploymentUpgrade
	dep, err := storage.GetContext(d.store, deploymentKindOf(c.Kind), du.Deployment)
	if err != nil {
		return err
	}
	app := dep.Deployment.Application.String()
	typeName := dep.Deployment.TypeName
	target := c.Progress().TargetVersion

	for _, a := range []Action{
		{Kind: ActionStopApplication, Subject: app, Version: dep.Deployment.TypeVersion},
		{Kind: ActionProvisionType, Subject: types.ApplicationTypeKey(typeName, target), Version: target},
		{Kind: ActionStartApplication, Subject: app, Version: target},
	} {
		if err := d.activator.Activate(ctx, a); err != nil {
			return d.fail(ctx, c, fmt.Errorf("replace %s: %s: %w", du.Deployment, a.Kind, err))
		}
	}

	next, err := d.transition(ctx, c.Kind, c.Key, c.SequenceNumber, func(tx storage.Tx, cur *types.RolloutContext, now time.Time) (*types.RolloutContext, error) {
		if err := applyVersion(tx, cur, now); err != nil {
			return nil, err
		}
		cur.Progress().FinishedAt = now
		cur.Status = types.StatusCompleted
		return cur, nil
	})
	if err != nil {
		return err
	}
	d.publish(events.EventUpgradeCompleted, next, "replaced")
	return nil
}
