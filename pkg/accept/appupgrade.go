package accept

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/keeper/pkg/errdefs"
	"github.com/cuemby/keeper/pkg/storage"
	"github.com/cuemby/keeper/pkg/types"
	"github.com/cuemby/keeper/pkg/upgrade"
)

const (
	opUpgradeApplication   = "upgrade_application"
	opInterruptApplication = "interrupt_application_upgrade"
	opRollbackApplication  = "rollback_application_upgrade"
	opMoveNextApplication  = "move_next_application_domain"
	opVerifyApplication    = "verify_application_domains"
)

// UpgradeApplication starts an upgrade of the application to another
// provisioned version of its type. A request that arrives while a
// rollforward runs is queued as its goal state. The reply is sent once the
// request is durably staged.
func (p *Pipeline) UpgradeApplication(ctx context.Context, hdr Header, name types.Name, req upgrade.Request) (*types.RolloutContext, error) {
	if name.IsZero() {
		return nil, fmt.Errorf("application name is required: %w", errdefs.NotValid)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	key := name.String()

	return p.accept(ctx, opUpgradeApplication, nameKey(name), hdr, func(ctx context.Context, tx storage.Tx, now time.Time) (staged, error) {
		app, err := p.readManagedApplication(tx, key)
		if err != nil {
			return staged{}, err
		}
		switch app.Status {
		case types.StatusCompleted:
		case types.StatusFailed:
			return staged{}, fmt.Errorf("application %s failed to deploy: %w", key, errdefs.NotValid)
		default:
			return staged{context: app}, inProgress("application", app)
		}

		if err := requireType(tx, app.Application.TypeName, req.TargetVersion); err != nil {
			return staged{}, err
		}

		existing, err := readOptional(tx, types.KindApplicationUpgrade, key)
		if err != nil {
			return staged{}, err
		}
		return p.stageUpgrade(ctx, tx, now, hdr, existing, upgradeSubject{
			kind:    types.KindApplicationUpgrade,
			key:     key,
			entity:  key,
			current: app.Application.TypeVersion,
			params:  app.Application.Parameters,
			attach: func(c *types.RolloutContext, prog upgrade.Progress) {
				c.ApplicationUpgrade = &types.ApplicationUpgrade{
					Application: name,
					TypeName:    app.Application.TypeName,
					Progress:    prog,
				}
			},
		}, req)
	})
}

// InterruptApplicationUpgrade stops a running upgrade. When
// requestedTarget equals the version the application ran before, the
// upgrade converges and completes forward.
func (p *Pipeline) InterruptApplicationUpgrade(ctx context.Context, hdr Header, name types.Name, requestedTarget string) (*types.RolloutContext, error) {
	return p.controlUpgrade(ctx, opInterruptApplication, nameKey(name), hdr, types.KindApplicationUpgrade, name.String(), interrupt(requestedTarget))
}

// RollbackApplicationUpgrade walks the upgraded domains back
func (p *Pipeline) RollbackApplicationUpgrade(ctx context.Context, hdr Header, name types.Name) (*types.RolloutContext, error) {
	return p.controlUpgrade(ctx, opRollbackApplication, nameKey(name), hdr, types.KindApplicationUpgrade, name.String(), rollback())
}

// MoveNextApplicationDomain starts the next domain of a manual upgrade
func (p *Pipeline) MoveNextApplicationDomain(ctx context.Context, hdr Header, name types.Name, domain string) (*types.RolloutContext, error) {
	return p.controlUpgrade(ctx, opMoveNextApplication, nameKey(name), hdr, types.KindApplicationUpgrade, name.String(), moveNext(domain))
}

// VerifyApplicationDomains records manual verification of completed domains
func (p *Pipeline) VerifyApplicationDomains(ctx context.Context, hdr Header, name types.Name, domains []string) (*types.RolloutContext, error) {
	return p.controlUpgrade(ctx, opVerifyApplication, nameKey(name), hdr, types.KindApplicationUpgrade, name.String(), verify(domains))
}
