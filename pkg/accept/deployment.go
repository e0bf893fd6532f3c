package accept

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/keeper/pkg/compose"
	"github.com/cuemby/keeper/pkg/errdefs"
	"github.com/cuemby/keeper/pkg/health"
	"github.com/cuemby/keeper/pkg/storage"
	"github.com/cuemby/keeper/pkg/types"
	"github.com/cuemby/keeper/pkg/upgrade"
)

// deploymentFlavor binds the compose and single-instance variants to their
// context kinds
type deploymentFlavor struct {
	name           string
	flavor         compose.Flavor
	family         string
	deploymentKind types.ContextKind
	upgradeKind    types.ContextKind
}

var (
	composeFlavor = deploymentFlavor{
		name:           "compose",
		flavor:         compose.FlavorCompose,
		family:         familyCompose,
		deploymentKind: types.KindComposeDeployment,
		upgradeKind:    types.KindComposeUpgrade,
	}
	singleInstanceFlavor = deploymentFlavor{
		name:           "single_instance",
		flavor:         compose.FlavorSingleInstance,
		family:         familySingle,
		deploymentKind: types.KindSingleInstanceDeployment,
		upgradeKind:    types.KindSingleInstanceUpgrade,
	}
)

// DeploymentUpgradeRequest asks to apply a new description to a deployment
type DeploymentUpgradeRequest struct {
	Content      string
	Mode         upgrade.Mode
	HealthPolicy *health.Policy
}

// DeploymentApplication is the application backing a deployment
func DeploymentApplication(deployment string) (types.Name, error) {
	return types.ParseName(types.DefaultScheme + ":/" + deployment)
}

// CreateComposeDeployment creates a compose deployment from a description
// and returns once its application runs
func (p *Pipeline) CreateComposeDeployment(ctx context.Context, hdr Header, name, content string) (*types.RolloutContext, error) {
	return p.createDeployment(ctx, hdr, composeFlavor, name, content)
}

// UpgradeComposeDeployment applies a new description to a compose
// deployment
func (p *Pipeline) UpgradeComposeDeployment(ctx context.Context, hdr Header, name string, req DeploymentUpgradeRequest) (*types.RolloutContext, error) {
	return p.upgradeDeployment(ctx, hdr, composeFlavor, name, req)
}

// DeleteComposeDeployment removes a compose deployment with its
// application and generated types
func (p *Pipeline) DeleteComposeDeployment(ctx context.Context, hdr Header, name string) (*types.RolloutContext, error) {
	return p.deleteDeployment(ctx, hdr, composeFlavor, name)
}

// CreateSingleInstanceDeployment creates a single-instance deployment
func (p *Pipeline) CreateSingleInstanceDeployment(ctx context.Context, hdr Header, name, content string) (*types.RolloutContext, error) {
	return p.createDeployment(ctx, hdr, singleInstanceFlavor, name, content)
}

// UpgradeSingleInstanceDeployment applies a new description to a
// single-instance deployment
func (p *Pipeline) UpgradeSingleInstanceDeployment(ctx context.Context, hdr Header, name string, req DeploymentUpgradeRequest) (*types.RolloutContext, error) {
	return p.upgradeDeployment(ctx, hdr, singleInstanceFlavor, name, req)
}

// DeleteSingleInstanceDeployment removes a single-instance deployment
func (p *Pipeline) DeleteSingleInstanceDeployment(ctx context.Context, hdr Header, name string) (*types.RolloutContext, error) {
	return p.deleteDeployment(ctx, hdr, singleInstanceFlavor, name)
}

func (p *Pipeline) createDeployment(ctx context.Context, hdr Header, f deploymentFlavor, name, content string) (*types.RolloutContext, error) {
	appName, err := DeploymentApplication(name)
	if err != nil {
		return nil, err
	}
	if _, err := p.validator.Validate(f.flavor, content); err != nil {
		return nil, err
	}
	payload := types.Deployment{
		Name:        name,
		Description: types.DeploymentDescription{Content: content},
		TypeName:    upgrade.SyntheticTypeName(name),
		TypeVersion: upgrade.SyntheticTypeVersion(1),
		Generation:  1,
		Application: appName,
	}

	return p.accept(ctx, "create_"+f.name, stringKey(f.family, name), hdr, func(ctx context.Context, tx storage.Tx, now time.Time) (staged, error) {
		existing, err := readOptional(tx, f.deploymentKind, name)
		if err != nil {
			return staged{}, err
		}

		switch {
		case existing == nil:
			app, err := readOptional(tx, types.KindApplication, appName.String())
			if err != nil {
				return staged{}, err
			}
			if app != nil {
				return staged{}, fmt.Errorf("%s: %w", appName, errdefs.ApplicationAlreadyExists)
			}
			c := p.newContext(f.deploymentKind, name, hdr, now)
			c.Deployment = &payload
			return insert(tx, c, false)

		case existing.Status == types.StatusFailed:
			existing.Deployment = &payload
			restart(existing, types.StatusPending, hdr, now)
			return write(tx, existing, false)

		case existing.Status == types.StatusCompleted:
			if hdr.owns(existing) {
				return staged{context: existing}, nil
			}
			return staged{}, fmt.Errorf("deployment %s: %w", name, errdefs.AlreadyExists)

		case existing.Status == types.StatusDeletePending, existing.Status == types.StatusDeleting:
			return staged{context: existing}, inProgress("deployment", existing)

		default:
			if existing.Deployment.Description.Content != content {
				return staged{}, fmt.Errorf("deployment %s is being created from another description: %w", name, errdefs.AlreadyExists)
			}
			return refresh(tx, existing, hdr, now, false)
		}
	})
}

// upgradeDeployment rolls a compatible description out as an upgrade of
// the generated type. An incompatible one replaces the deployment: the
// upgrade context starts over at the new version and background rollout
// swaps the application in one step.
func (p *Pipeline) upgradeDeployment(ctx context.Context, hdr Header, f deploymentFlavor, name string, req DeploymentUpgradeRequest) (*types.RolloutContext, error) {
	target, err := p.validator.Validate(f.flavor, req.Content)
	if err != nil {
		return nil, err
	}

	return p.accept(ctx, "upgrade_"+f.name, stringKey(f.family, name), hdr, func(ctx context.Context, tx storage.Tx, now time.Time) (staged, error) {
		dep, err := readOptional(tx, f.deploymentKind, name)
		if err != nil {
			return staged{}, err
		}
		if dep == nil {
			return staged{}, fmt.Errorf("deployment %s: %w", name, errdefs.DeploymentNotFound)
		}

		existing, err := readOptional(tx, f.upgradeKind, name)
		if err != nil {
			return staged{}, err
		}
		if existing != nil && !existing.Status.IsTerminal() {
			if existing.DeploymentUpgrade.Target.Content == req.Content {
				return refresh(tx, existing, hdr, now, true)
			}
			return staged{context: existing}, fmt.Errorf("deployment %s: %w", name, errdefs.UpgradeInProgress)
		}
		if existing != nil && hdr.owns(existing) {
			return staged{context: existing, replyNow: true}, nil
		}

		switch dep.Status {
		case types.StatusCompleted:
		case types.StatusFailed:
			return staged{}, fmt.Errorf("deployment %s failed to deploy: %w", name, errdefs.DeploymentNotUpgradable)
		default:
			return staged{context: dep}, inProgress("deployment", dep)
		}
		if dep.Deployment.Description.Content == req.Content {
			if existing != nil && existing.Progress().State == upgrade.StateInterrupted {
				// back to where it started: the interruption completes forward
				if err := existing.Progress().ConvergeToCurrent(now); err != nil {
					return staged{}, err
				}
				existing.DeploymentUpgrade.Target = dep.Deployment.Description
				restart(existing, types.StatusCompleted, hdr, now)
				return write(tx, existing, true)
			}
			return staged{}, fmt.Errorf("deployment %s already runs this description: %w", name, errdefs.AlreadyInTargetVersion)
		}

		current, err := compose.Parse(dep.Deployment.Description.Content)
		if err != nil {
			return staged{}, fmt.Errorf("stored description of %s: %v: %w", name, err, errdefs.InvariantViolation)
		}
		targetVersion := upgrade.SyntheticTypeVersion(dep.Deployment.Generation + 1)
		payload := func(prog upgrade.Progress, replacement bool) *types.DeploymentUpgrade {
			return &types.DeploymentUpgrade{
				Deployment:  name,
				Target:      types.DeploymentDescription{Content: req.Content},
				Replacement: replacement,
				Progress:    prog,
			}
		}

		if !p.validator.IsUpgradeCompatible(current, target) {
			prog := upgrade.NewProgress(targetVersion, nil)
			c := p.newContext(f.upgradeKind, name, hdr, now)
			if existing != nil {
				prog.Instance = existing.Progress().Instance + 1
				c.SequenceNumber = existing.SequenceNumber
			} else {
				prog.Instance = 1
			}
			prog.StartedAt = now
			c.DeploymentUpgrade = payload(*prog, true)
			return write(tx, c, true)
		}

		upReq := upgrade.Request{
			TargetVersion: targetVersion,
			Mode:          req.Mode,
			HealthPolicy:  req.HealthPolicy,
		}
		if err := upReq.Validate(); err != nil {
			return staged{}, err
		}

		if existing == nil {
			prog := upgrade.NewProgress(dep.Deployment.TypeVersion, nil)
			if err := p.startProgress(ctx, prog, upReq, dep.Deployment.Application.String(), now); err != nil {
				return staged{}, err
			}
			c := p.newContext(f.upgradeKind, name, hdr, now)
			c.DeploymentUpgrade = payload(*prog, false)
			return insert(tx, c, true)
		}

		prog := existing.Progress()
		prog.CurrentVersion = dep.Deployment.TypeVersion
		if err := p.startProgress(ctx, prog, upReq, dep.Deployment.Application.String(), now); err != nil {
			return staged{}, err
		}
		existing.DeploymentUpgrade = payload(*prog, false)
		restart(existing, types.StatusPending, hdr, now)
		return write(tx, existing, true)
	})
}

func (p *Pipeline) deleteDeployment(ctx context.Context, hdr Header, f deploymentFlavor, name string) (*types.RolloutContext, error) {
	return p.accept(ctx, "delete_"+f.name, stringKey(f.family, name), hdr, func(ctx context.Context, tx storage.Tx, now time.Time) (staged, error) {
		dep, err := readOptional(tx, f.deploymentKind, name)
		if err != nil {
			return staged{}, err
		}
		if dep == nil {
			return staged{}, fmt.Errorf("deployment %s: %w", name, errdefs.DeploymentNotFound)
		}

		up, err := readOptional(tx, f.upgradeKind, name)
		if err != nil {
			return staged{}, err
		}
		if up != nil && !up.Status.IsTerminal() {
			return staged{context: up}, fmt.Errorf("deployment %s: %w", name, errdefs.UpgradeInProgress)
		}

		if dep.Status == types.StatusDeletePending || dep.Status == types.StatusDeleting {
			return refresh(tx, dep, hdr, now, false)
		}
		restart(dep, types.StatusDeletePending, hdr, now)
		return write(tx, dep, false)
	})
}

// InterruptComposeUpgrade stops a rolling compose upgrade
func (p *Pipeline) InterruptComposeUpgrade(ctx context.Context, hdr Header, name string) (*types.RolloutContext, error) {
	return p.controlUpgrade(ctx, "interrupt_compose_upgrade", stringKey(familyCompose, name), hdr, types.KindComposeUpgrade, name, interrupt(""))
}

// RollbackComposeUpgrade walks a compose upgrade back
func (p *Pipeline) RollbackComposeUpgrade(ctx context.Context, hdr Header, name string) (*types.RolloutContext, error) {
	return p.controlUpgrade(ctx, "rollback_compose_upgrade", stringKey(familyCompose, name), hdr, types.KindComposeUpgrade, name, rollback())
}

// InterruptSingleInstanceUpgrade stops a rolling single-instance upgrade
func (p *Pipeline) InterruptSingleInstanceUpgrade(ctx context.Context, hdr Header, name string) (*types.RolloutContext, error) {
	return p.controlUpgrade(ctx, "interrupt_single_instance_upgrade", stringKey(familySingle, name), hdr, types.KindSingleInstanceUpgrade, name, interrupt(""))
}

// RollbackSingleInstanceUpgrade walks a single-instance upgrade back
func (p *Pipeline) RollbackSingleInstanceUpgrade(ctx context.Context, hdr Header, name string) (*types.RolloutContext, error) {
	return p.controlUpgrade(ctx, "rollback_single_instance_upgrade", stringKey(familySingle, name), hdr, types.KindSingleInstanceUpgrade, name, rollback())
}

// MoveNextComposeDomain starts the next domain of a manual compose upgrade
func (p *Pipeline) MoveNextComposeDomain(ctx context.Context, hdr Header, name, domain string) (*types.RolloutContext, error) {
	return p.controlUpgrade(ctx, "move_next_compose_domain", stringKey(familyCompose, name), hdr, types.KindComposeUpgrade, name, moveNext(domain))
}

// VerifyComposeDomains records manual verification of completed compose
// upgrade domains
func (p *Pipeline) VerifyComposeDomains(ctx context.Context, hdr Header, name string, domains []string) (*types.RolloutContext, error) {
	return p.controlUpgrade(ctx, "verify_compose_domains", stringKey(familyCompose, name), hdr, types.KindComposeUpgrade, name, verify(domains))
}

// MoveNextSingleInstanceDomain starts the next domain of a manual
// single-instance upgrade
func (p *Pipeline) MoveNextSingleInstanceDomain(ctx context.Context, hdr Header, name, domain string) (*types.RolloutContext, error) {
	return p.controlUpgrade(ctx, "move_next_single_instance_domain", stringKey(familySingle, name), hdr, types.KindSingleInstanceUpgrade, name, moveNext(domain))
}

// VerifySingleInstanceDomains records manual verification of completed
// single-instance upgrade domains
func (p *Pipeline) VerifySingleInstanceDomains(ctx context.Context, hdr Header, name string, domains []string) (*types.RolloutContext, error) {
	return p.controlUpgrade(ctx, "verify_single_instance_domains", stringKey(familySingle, name), hdr, types.KindSingleInstanceUpgrade, name, verify(domains))
}
