package deploy

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/keeper/pkg/errdefs"
	"github.com/cuemby/keeper/pkg/events"
	"github.com/cuemby/keeper/pkg/storage"
	"github.com/cuemby/keeper/pkg/types"
)

// activate performs the node-local work of a Processing context and marks
// it Completed
func (d *Deployer) activate(ctx context.Context, c *types.RolloutContext) error {
	var actions []Action
	switch c.Kind {
	case types.KindApplicationType:
		actions = append(actions, Action{Kind: ActionProvisionType, Subject: c.Key, Version: c.ApplicationType.Version})
	case types.KindApplication:
		actions = append(actions, startApplication(c.Application))
	case types.KindRuntimeProvision:
		actions = append(actions, Action{Kind: ActionProvisionRuntime, Subject: c.Key})
	case types.KindInfrastructureTask:
		task := c.InfrastructureTask
		kind := ActionPrepareNodes
		if task.State == types.TaskStateFinishing {
			kind = ActionRestoreNodes
		}
		actions = append(actions, Action{Kind: kind, Subject: task.TaskID, Nodes: task.Nodes})
	case types.KindComposeDeployment, types.KindSingleInstanceDeployment:
		dep := c.Deployment
		actions = append(actions,
			Action{Kind: ActionProvisionType, Subject: types.ApplicationTypeKey(dep.TypeName, dep.TypeVersion), Version: dep.TypeVersion},
			Action{Kind: ActionStartApplication, Subject: dep.Application.String(), Version: dep.TypeVersion},
		)
	default:
		return fmt.Errorf("no activation for %s: %w", c.Kind, errdefs.InvariantViolation)
	}

	for _, a := range actions {
		if err := d.activator.Activate(ctx, a); err != nil {
			return d.fail(ctx, c, fmt.Errorf("%s %s: %w", a.Kind, a.Subject, err))
		}
	}

	next, err := d.transition(ctx, c.Kind, c.Key, c.SequenceNumber, func(tx storage.Tx, cur *types.RolloutContext, now time.Time) (*types.RolloutContext, error) {
		switch {
		case cur.ApplicationType != nil:
			cur.ApplicationType.ProvisionedAt = now
		case cur.RuntimeProvision != nil:
			cur.RuntimeProvision.ProvisionedAt = now
		case cur.InfrastructureTask != nil:
			switch cur.InfrastructureTask.State {
			case types.TaskStatePreparing:
				cur.InfrastructureTask.State = types.TaskStatePrepared
			case types.TaskStateFinishing:
				cur.InfrastructureTask.State = types.TaskStateFinished
			}
		case cur.Deployment != nil:
			if err := materialize(tx, cur, now); err != nil {
				return nil, err
			}
		}
		cur.Status = types.StatusCompleted
		return cur, nil
	})
	if err != nil {
		return err
	}
	d.publish(events.EventContextCompleted, next, string(next.Status))
	return nil
}

// deactivate undoes the node-local work of a Deleting context and removes
// it, together with what a deployment generated
func (d *Deployer) deactivate(ctx context.Context, c *types.RolloutContext) error {
	var actions []Action
	switch c.Kind {
	case types.KindApplicationType:
		actions = append(actions, Action{Kind: ActionUnprovisionType, Subject: c.Key, Version: c.ApplicationType.Version})
	case types.KindApplication:
		actions = append(actions, Action{Kind: ActionStopApplication, Subject: c.Key})
	case types.KindRuntimeProvision:
		actions = append(actions, Action{Kind: ActionUnprovisionRuntime, Subject: c.Key})
	case types.KindComposeDeployment, types.KindSingleInstanceDeployment:
		generated, err := storage.ListContexts(d.store, types.KindApplicationType)
		if err != nil {
			return err
		}
		actions = append(actions, Action{Kind: ActionStopApplication, Subject: c.Deployment.Application.String()})
		for _, t := range generated {
			if t.ApplicationType.TypeName == c.Deployment.TypeName {
				actions = append(actions, Action{Kind: ActionUnprovisionType, Subject: t.Key, Version: t.ApplicationType.Version})
			}
		}
	default:
		return fmt.Errorf("no deactivation for %s: %w", c.Kind, errdefs.InvariantViolation)
	}

	for _, a := range actions {
		if err := d.activator.Activate(ctx, a); err != nil {
			return d.fail(ctx, c, fmt.Errorf("%s %s: %w", a.Kind, a.Subject, err))
		}
	}

	_, err := d.transition(ctx, c.Kind, c.Key, c.SequenceNumber, func(tx storage.Tx, cur *types.RolloutContext, now time.Time) (*types.RolloutContext, error) {
		switch {
		case cur.Deployment != nil:
			if err := dematerialize(tx, cur); err != nil {
				return nil, err
			}
		case cur.Application != nil:
			if err := dropSettledUpgrade(tx, types.KindApplicationUpgrade, cur.Key); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return err
	}
	d.publish(events.EventContextDeleted, c, "")
	return nil
}

func startApplication(app *types.Application) Action {
	return Action{
		Kind:       ActionStartApplication,
		Subject:    app.Name.String(),
		Version:    app.TypeVersion,
		Parameters: app.Parameters,
	}
}

// upgradeKindOf maps a deployment kind to its upgrade kind and back
func upgradeKindOf(kind types.ContextKind) types.ContextKind {
	if kind == types.KindSingleInstanceDeployment {
		return types.KindSingleInstanceUpgrade
	}
	return types.KindComposeUpgrade
}

func deploymentKindOf(kind types.ContextKind) types.ContextKind {
	if kind == types.KindSingleInstanceUpgrade {
		return types.KindSingleInstanceDeployment
	}
	return types.KindComposeDeployment
}

// materialize records the generated type version and the backing
// application of a deployment
func materialize(tx storage.Tx, owner *types.RolloutContext, now time.Time) error {
	dep := owner.Deployment
	if err := ensureType(tx, owner, dep.TypeName, dep.TypeVersion, now); err != nil {
		return err
	}

	key := dep.Application.String()
	app, err := readOptional(tx, types.KindApplication, key)
	if err != nil {
		return err
	}
	if app == nil {
		app = newRecord(types.KindApplication, key, owner, now)
	}
	app.Application = &types.Application{
		Name:        dep.Application,
		TypeName:    dep.TypeName,
		TypeVersion: dep.TypeVersion,
		Deployment:  dep.Name,
	}
	app.Status = types.StatusCompleted
	app.Touch(now)
	return storage.WriteContext(tx, app)
}

// ensureType records a generated type version unless it already exists
func ensureType(tx storage.Tx, owner *types.RolloutContext, typeName, version string, now time.Time) error {
	key := types.ApplicationTypeKey(typeName, version)
	existing, err := readOptional(tx, types.KindApplicationType, key)
	if err != nil || existing != nil {
		return err
	}
	t := newRecord(types.KindApplicationType, key, owner, now)
	t.ApplicationType = &types.ApplicationType{TypeName: typeName, Version: version, ProvisionedAt: now}
	return storage.InsertContext(tx, t)
}

// dematerialize removes the application, the generated type versions and
// the settled upgrade of a deployment
func dematerialize(tx storage.Tx, owner *types.RolloutContext) error {
	dep := owner.Deployment

	app, err := readOptional(tx, types.KindApplication, dep.Application.String())
	if err != nil {
		return err
	}
	if app != nil {
		if err := storage.DeleteContext(tx, app); err != nil {
			return err
		}
	}

	generated, err := storage.ReadContexts(tx, types.KindApplicationType, types.ApplicationTypePrefix(dep.TypeName))
	if err != nil {
		return err
	}
	for _, t := range generated {
		if err := storage.DeleteContext(tx, t); err != nil {
			return err
		}
	}

	return dropSettledUpgrade(tx, upgradeKindOf(owner.Kind), owner.Key)
}

// dropSettledUpgrade removes the upgrade record of a deleted entity so its
// versions stop counting as in use
func dropSettledUpgrade(tx storage.Tx, kind types.ContextKind, key string) error {
	up, err := readOptional(tx, kind, key)
	if err != nil || up == nil {
		return err
	}
	if !up.Status.IsTerminal() {
		return fmt.Errorf("%s %s: %w", kind, key, errdefs.UpgradeInProgress)
	}
	return storage.DeleteContext(tx, up)
}
