package accept

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/cuemby/keeper/pkg/errdefs"
	"github.com/cuemby/keeper/pkg/storage"
	"github.com/cuemby/keeper/pkg/types"
	"github.com/cuemby/keeper/pkg/upgrade"
)

const (
	opCreateApplication = "create_application"
	opUpdateApplication = "update_application"
	opDeleteApplication = "delete_application"
)

// CreateApplicationRequest describes a new application
type CreateApplicationRequest struct {
	Name        types.Name
	TypeName    string
	TypeVersion string
	Parameters  map[string]string
}

func (r *CreateApplicationRequest) validate() error {
	if r.Name.IsZero() {
		return fmt.Errorf("application name is required: %w", errdefs.NotValid)
	}
	if r.TypeName == "" || r.TypeVersion == "" {
		return fmt.Errorf("application %s needs a type name and version: %w", r.Name, errdefs.NotValid)
	}
	return nil
}

// CreateApplication creates an application of a provisioned type version
// and returns once it is running
func (p *Pipeline) CreateApplication(ctx context.Context, hdr Header, req CreateApplicationRequest) (*types.RolloutContext, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	key := req.Name.String()

	return p.accept(ctx, opCreateApplication, nameKey(req.Name), hdr, func(ctx context.Context, tx storage.Tx, now time.Time) (staged, error) {
		existing, err := readOptional(tx, types.KindApplication, key)
		if err != nil {
			return staged{}, err
		}
		if existing != nil && existing.Status == types.StatusCompleted {
			if hdr.owns(existing) {
				return staged{context: existing}, nil
			}
			return staged{}, fmt.Errorf("%s: %w", key, errdefs.ApplicationAlreadyExists)
		}

		if err := requireType(tx, req.TypeName, req.TypeVersion); err != nil {
			return staged{}, err
		}

		payload := &types.Application{
			Name:        req.Name,
			TypeName:    req.TypeName,
			TypeVersion: req.TypeVersion,
			Parameters:  maps.Clone(req.Parameters),
		}

		switch {
		case existing == nil:
			c := p.newContext(types.KindApplication, key, hdr, now)
			c.Application = payload
			return insert(tx, c, false)

		case existing.Status == types.StatusFailed:
			existing.Application = payload
			restart(existing, types.StatusPending, hdr, now)
			return write(tx, existing, false)

		case existing.Status == types.StatusDeletePending, existing.Status == types.StatusDeleting:
			return staged{context: existing}, inProgress("application", existing)

		default:
			if !sameApplication(existing.Application, payload) {
				return staged{}, fmt.Errorf("%s is being created with another description: %w", key, errdefs.ApplicationAlreadyExists)
			}
			return refresh(tx, existing, hdr, now, false)
		}
	})
}

// UpdateApplication replaces the parameters of a running application
func (p *Pipeline) UpdateApplication(ctx context.Context, hdr Header, name types.Name, parameters map[string]string) (*types.RolloutContext, error) {
	if name.IsZero() {
		return nil, fmt.Errorf("application name is required: %w", errdefs.NotValid)
	}
	key := name.String()

	return p.accept(ctx, opUpdateApplication, nameKey(name), hdr, func(ctx context.Context, tx storage.Tx, now time.Time) (staged, error) {
		app, err := p.readManagedApplication(tx, key)
		if err != nil {
			return staged{}, err
		}
		if err := requireNoUpgrade(tx, key); err != nil {
			return staged{}, err
		}

		switch app.Status {
		case types.StatusCompleted:
			if maps.Equal(app.Application.Parameters, parameters) {
				return staged{context: app}, nil
			}
		case types.StatusFailed:
		case types.StatusPending, types.StatusProcessing:
			if hdr.owns(app) && maps.Equal(app.Application.Parameters, parameters) {
				return refresh(tx, app, hdr, now, false)
			}
			return staged{context: app}, inProgress("application", app)
		default:
			return staged{context: app}, inProgress("application", app)
		}

		app.Application.Parameters = maps.Clone(parameters)
		restart(app, types.StatusPending, hdr, now)
		return write(tx, app, false)
	})
}

// DeleteApplication deletes an application and returns once it is gone
func (p *Pipeline) DeleteApplication(ctx context.Context, hdr Header, name types.Name) (*types.RolloutContext, error) {
	if name.IsZero() {
		return nil, fmt.Errorf("application name is required: %w", errdefs.NotValid)
	}
	key := name.String()

	return p.accept(ctx, opDeleteApplication, nameKey(name), hdr, func(ctx context.Context, tx storage.Tx, now time.Time) (staged, error) {
		app, err := p.readManagedApplication(tx, key)
		if err != nil {
			return staged{}, err
		}
		if err := requireNoUpgrade(tx, key); err != nil {
			return staged{}, err
		}

		if app.Status == types.StatusDeletePending || app.Status == types.StatusDeleting {
			return refresh(tx, app, hdr, now, false)
		}
		restart(app, types.StatusDeletePending, hdr, now)
		return write(tx, app, false)
	})
}

// readManagedApplication reads an application that clients may mutate
// directly; deployment-backed applications change through their deployment
func (p *Pipeline) readManagedApplication(tx storage.Tx, key string) (*types.RolloutContext, error) {
	app, err := readOptional(tx, types.KindApplication, key)
	if err != nil {
		return nil, err
	}
	if app == nil {
		return nil, fmt.Errorf("%s: %w", key, errdefs.ApplicationNotFound)
	}
	if app.Application.Deployment != "" {
		return nil, fmt.Errorf("%s is managed by deployment %q: %w", key, app.Application.Deployment, errdefs.NotValid)
	}
	return app, nil
}

// requireType fails unless the type version is provisioned
func requireType(tx storage.Tx, typeName, version string) error {
	key := types.ApplicationTypeKey(typeName, version)
	c, err := readOptional(tx, types.KindApplicationType, key)
	if err != nil {
		return err
	}
	if c == nil || c.Status != types.StatusCompleted {
		return fmt.Errorf("%s: %w", key, errdefs.ApplicationTypeNotFound)
	}
	return nil
}

// requireNoUpgrade fails while an upgrade of the application is running
func requireNoUpgrade(tx storage.Tx, key string) error {
	up, err := readOptional(tx, types.KindApplicationUpgrade, key)
	if err != nil || up == nil {
		return err
	}
	if state := up.ApplicationUpgrade.Progress.State; !state.IsTerminal() && state != upgrade.StateInterrupted {
		return fmt.Errorf("%s is %s: %w", key, state, errdefs.UpgradeInProgress)
	}
	return nil
}

func sameApplication(a, b *types.Application) bool {
	return a.Name == b.Name &&
		a.TypeName == b.TypeName &&
		a.TypeVersion == b.TypeVersion &&
		maps.Equal(a.Parameters, b.Parameters)
}
