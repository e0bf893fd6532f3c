package accept

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/cuemby/keeper/pkg/errdefs"
	"github.com/cuemby/keeper/pkg/storage"
	"github.com/cuemby/keeper/pkg/types"
	"github.com/cuemby/keeper/pkg/upgrade"
)

// upgradeSubject describes the entity an upgrade context belongs to
type upgradeSubject struct {
	kind types.ContextKind
	key  string

	// entity is the name health is evaluated for
	entity string

	// current and params describe what the entity runs right now
	current string
	params  map[string]string

	// attach sets the kind specific payload on a new context
	attach func(c *types.RolloutContext, prog upgrade.Progress)
}

// isNoop reports whether req asks for what the subject already runs
func (s upgradeSubject) isNoop(prog *upgrade.Progress, req upgrade.Request) bool {
	if s.current == "" {
		return prog.IsNoop(req)
	}
	return s.current == req.TargetVersion && maps.Equal(s.params, req.Parameters)
}

// stageUpgrade applies an upgrade request to the existing upgrade
// context of the subject, or starts the first one.
func (p *Pipeline) stageUpgrade(ctx context.Context, tx storage.Tx, now time.Time, hdr Header, existing *types.RolloutContext, s upgradeSubject, req upgrade.Request) (staged, error) {
	if existing == nil {
		prog := upgrade.NewProgress(s.current, s.params)
		if s.isNoop(prog, req) {
			return staged{}, fmt.Errorf("%s already runs %s: %w", s.key, req.TargetVersion, errdefs.AlreadyInTargetVersion)
		}
		if err := p.startProgress(ctx, prog, req, s.entity, now); err != nil {
			return staged{}, err
		}
		c := p.newContext(s.kind, s.key, hdr, now)
		s.attach(c, *prog)
		return insert(tx, c, true)
	}

	prog := existing.Progress()
	switch {
	case prog.State.IsTerminal():
		if hdr.owns(existing) {
			return staged{context: existing, replyNow: true}, nil
		}
		if s.current != "" {
			prog.CurrentVersion = s.current
			prog.Parameters = maps.Clone(s.params)
		}
		if s.isNoop(prog, req) {
			return staged{}, fmt.Errorf("%s already runs %s: %w", s.key, req.TargetVersion, errdefs.AlreadyInTargetVersion)
		}
		if err := p.startProgress(ctx, prog, req, s.entity, now); err != nil {
			return staged{}, err
		}
		restart(existing, types.StatusPending, hdr, now)
		return write(tx, existing, true)

	case prog.State == upgrade.StateInterrupted:
		if s.isNoop(prog, req) {
			// back to where it started: the interruption completes forward
			if err := prog.ConvergeToCurrent(now); err != nil {
				return staged{}, err
			}
			restart(existing, types.StatusCompleted, hdr, now)
			return write(tx, existing, true)
		}
		if err := p.startProgress(ctx, prog, req, s.entity, now); err != nil {
			return staged{}, err
		}
		restart(existing, types.StatusPending, hdr, now)
		return write(tx, existing, true)

	case prog.State == upgrade.StateRollingForward:
		if prog.Matches(req) || goalMatches(prog.GoalState, req) {
			return refresh(tx, existing, hdr, now, true)
		}
		if err := prog.StageGoalState(req); err != nil {
			return staged{}, err
		}
		existing.Touch(now)
		return write(tx, existing, true)

	default:
		return staged{context: existing}, fmt.Errorf("%s is %s: %w", s.key, prog.State, errdefs.UpgradeInProgress)
	}
}

// startProgress starts prog over the current topology and captures the
// health baseline monitored upgrades are judged against
func (p *Pipeline) startProgress(ctx context.Context, prog *upgrade.Progress, req upgrade.Request, entity string, now time.Time) error {
	domains, err := p.topology.UpgradeDomains(ctx)
	if err != nil {
		return fmt.Errorf("failed to read upgrade domains: %w", err)
	}
	if err := prog.Start(req, domains, now); err != nil {
		return err
	}

	if req.Mode == upgrade.ModeMonitored && p.health != nil {
		baseline, err := p.health.Baseline(ctx, entity, req.HealthPolicy)
		if err != nil {
			return fmt.Errorf("failed to capture health baseline for %s: %v: %w", entity, err, errdefs.HealthCheckFailed)
		}
		prog.Baseline = baseline
	}
	return nil
}

func goalMatches(g *upgrade.GoalState, req upgrade.Request) bool {
	if g == nil {
		return false
	}
	return g.TargetVersion == req.TargetVersion &&
		g.Mode == req.Mode &&
		maps.Equal(g.Parameters, req.Parameters)
}

// control mutates a loaded upgrade context. It reports whether anything
// changed; an unchanged context is answered without a commit.
type control func(c *types.RolloutContext, prog *upgrade.Progress, now time.Time) (bool, error)

// controlUpgrade runs a client control operation against an upgrade
func (p *Pipeline) controlUpgrade(ctx context.Context, op string, key requestKey, hdr Header, kind types.ContextKind, ctxKey string, fn control) (*types.RolloutContext, error) {
	return p.accept(ctx, op, key, hdr, func(ctx context.Context, tx storage.Tx, now time.Time) (staged, error) {
		up, err := readOptional(tx, kind, ctxKey)
		if err != nil {
			return staged{}, err
		}
		if up == nil {
			return staged{}, fmt.Errorf("no upgrade for %s: %w", ctxKey, errdefs.UpgradeNotInProgress)
		}

		changed, err := fn(up, up.Progress(), now)
		if err != nil {
			return staged{}, err
		}
		if !changed {
			return staged{context: up, replyNow: true}, nil
		}
		up.Touch(now)
		return write(tx, up, true)
	})
}

// interrupt halts the upgrade. Background work notices on its next write.
func interrupt(requestedTarget string) control {
	return func(c *types.RolloutContext, prog *upgrade.Progress, now time.Time) (bool, error) {
		changed, err := prog.Interrupt(requestedTarget, now)
		if err != nil || !changed {
			return false, err
		}
		c.Status = types.StatusCompleted
		return true, nil
	}
}

func rollback() control {
	return func(c *types.RolloutContext, prog *upgrade.Progress, now time.Time) (bool, error) {
		if prog.State == upgrade.StateRollingBack {
			return false, nil
		}
		if err := prog.StartRollback(); err != nil {
			return false, err
		}
		c.Status = types.StatusPending
		return true, nil
	}
}

// moveNext starts the next domain of a manual upgrade. Every completed
// domain must have been verified first.
func moveNext(domain string) control {
	return func(c *types.RolloutContext, prog *upgrade.Progress, now time.Time) (bool, error) {
		if prog.Mode != upgrade.ModeUnmonitoredManual {
			return false, fmt.Errorf("%s upgrade advances on its own: %w", prog.Mode, errdefs.NotValid)
		}
		if prog.Domains.InProgress == domain && prog.State.IsRolling() {
			return false, nil
		}
		for _, d := range prog.Domains.Completed {
			if !slices.Contains(prog.VerifiedDomains, d) {
				return false, fmt.Errorf("domain %q completed but not verified: %w", d, errdefs.InvalidUpgradeDomain)
			}
		}
		if err := prog.MoveNextDomain(domain); err != nil {
			return false, err
		}
		c.Status = types.StatusPending
		return true, nil
	}
}

func verify(domains []string) control {
	return func(c *types.RolloutContext, prog *upgrade.Progress, now time.Time) (bool, error) {
		if prog.Mode != upgrade.ModeUnmonitoredManual {
			return false, fmt.Errorf("%s upgrade takes no verification: %w", prog.Mode, errdefs.NotValid)
		}
		return len(prog.VerifyDomains(domains)) > 0, nil
	}
}
