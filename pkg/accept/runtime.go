package accept

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/keeper/pkg/errdefs"
	"github.com/cuemby/keeper/pkg/health"
	"github.com/cuemby/keeper/pkg/storage"
	"github.com/cuemby/keeper/pkg/types"
	"github.com/cuemby/keeper/pkg/upgrade"
)

const (
	opProvisionRuntime   = "provision_runtime"
	opUnprovisionRuntime = "unprovision_runtime"
	opUpgradeRuntime     = "upgrade_runtime"
	opInterruptRuntime   = "interrupt_runtime_upgrade"
	opRollbackRuntime    = "rollback_runtime_upgrade"
	opMoveNextRuntime    = "move_next_runtime_domain"
	opVerifyRuntime      = "verify_runtime_domains"
)

// RuntimeUpgradeRequest asks for a cluster runtime upgrade. An empty code
// or config part keeps the current one, except on the first upgrade.
type RuntimeUpgradeRequest struct {
	Version      upgrade.RuntimeVersion
	Mode         upgrade.Mode
	HealthPolicy *health.Policy
}

// ProvisionRuntime registers a runtime code/config pair
func (p *Pipeline) ProvisionRuntime(ctx context.Context, hdr Header, version upgrade.RuntimeVersion) (*types.RolloutContext, error) {
	if version.Code == "" || version.Config == "" {
		return nil, fmt.Errorf("runtime version needs code and config: %w", errdefs.NotValid)
	}
	if err := version.ValidateCode(); err != nil {
		return nil, err
	}
	key := version.String()

	return p.accept(ctx, opProvisionRuntime, stringKey(familyRuntimeVersion, key), hdr, func(ctx context.Context, tx storage.Tx, now time.Time) (staged, error) {
		existing, err := readOptional(tx, types.KindRuntimeProvision, key)
		if err != nil {
			return staged{}, err
		}

		switch {
		case existing == nil:
			c := p.newContext(types.KindRuntimeProvision, key, hdr, now)
			c.RuntimeProvision = &types.RuntimeProvision{Version: version}
			return insert(tx, c, false)
		case existing.Status == types.StatusFailed:
			restart(existing, types.StatusPending, hdr, now)
			return write(tx, existing, false)
		case existing.Status == types.StatusCompleted:
			if hdr.owns(existing) {
				return staged{context: existing}, nil
			}
			return staged{}, fmt.Errorf("runtime %s: %w", key, errdefs.AlreadyExists)
		case existing.Status == types.StatusDeletePending, existing.Status == types.StatusDeleting:
			return staged{context: existing}, inProgress("runtime version", existing)
		default:
			return refresh(tx, existing, hdr, now, false)
		}
	})
}

// UnprovisionRuntime removes a runtime version the cluster neither runs
// nor upgrades to
func (p *Pipeline) UnprovisionRuntime(ctx context.Context, hdr Header, version upgrade.RuntimeVersion) (*types.RolloutContext, error) {
	key := version.String()

	return p.accept(ctx, opUnprovisionRuntime, stringKey(familyRuntimeVersion, key), hdr, func(ctx context.Context, tx storage.Tx, now time.Time) (staged, error) {
		existing, err := readOptional(tx, types.KindRuntimeProvision, key)
		if err != nil {
			return staged{}, err
		}

		switch {
		case existing == nil:
			return staged{}, fmt.Errorf("runtime %s: %w", key, errdefs.RuntimeVersionNotFound)
		case existing.Status == types.StatusPending, existing.Status == types.StatusProcessing:
			return staged{context: existing}, inProgress("runtime version", existing)
		case existing.Status == types.StatusDeletePending, existing.Status == types.StatusDeleting:
			return refresh(tx, existing, hdr, now, false)
		}

		up, err := readOptional(tx, types.KindRuntimeUpgrade, types.RuntimeUpgradeKey)
		if err != nil {
			return staged{}, err
		}
		if up != nil && up.RuntimeUpgrade.Progress.ReferencesVersion(key) {
			return staged{}, fmt.Errorf("runtime %s: %w", key, errdefs.RuntimeVersionInUse)
		}

		restart(existing, types.StatusDeletePending, hdr, now)
		return write(tx, existing, false)
	})
}

// UpgradeRuntime upgrades the cluster runtime. There is one runtime
// upgrade per cluster.
func (p *Pipeline) UpgradeRuntime(ctx context.Context, hdr Header, req RuntimeUpgradeRequest) (*types.RolloutContext, error) {
	return p.accept(ctx, opUpgradeRuntime, stringKey(familyRuntime, ""), hdr, func(ctx context.Context, tx storage.Tx, now time.Time) (staged, error) {
		existing, err := readOptional(tx, types.KindRuntimeUpgrade, types.RuntimeUpgradeKey)
		if err != nil {
			return staged{}, err
		}

		var current upgrade.RuntimeVersion
		if existing != nil {
			if current, err = upgrade.ParseRuntimeVersion(existing.RuntimeUpgrade.Progress.CurrentVersion); err != nil {
				return staged{}, err
			}
		}
		target, err := upgrade.ResolveRuntimeTarget(current, req.Version, p.cfg.PreviewFeatures)
		if err != nil {
			return staged{}, err
		}

		provisioned, err := readOptional(tx, types.KindRuntimeProvision, target.String())
		if err != nil {
			return staged{}, err
		}
		if provisioned == nil || provisioned.Status != types.StatusCompleted {
			return staged{}, fmt.Errorf("runtime %s: %w", target, errdefs.RuntimeVersionNotFound)
		}
		if err := requireNoActiveTask(tx); err != nil {
			return staged{}, err
		}

		upReq := upgrade.Request{
			TargetVersion: target.String(),
			Mode:          req.Mode,
			HealthPolicy:  req.HealthPolicy,
		}
		if err := upReq.Validate(); err != nil {
			return staged{}, err
		}

		var currentVersion string
		if !current.IsZero() {
			currentVersion = current.String()
		}
		return p.stageUpgrade(ctx, tx, now, hdr, existing, upgradeSubject{
			kind:    types.KindRuntimeUpgrade,
			key:     types.RuntimeUpgradeKey,
			entity:  health.ClusterEntity,
			current: currentVersion,
			attach: func(c *types.RolloutContext, prog upgrade.Progress) {
				c.RuntimeUpgrade = &types.RuntimeUpgrade{Progress: prog}
			},
		}, upReq)
	})
}

// InterruptRuntimeUpgrade stops the runtime upgrade
func (p *Pipeline) InterruptRuntimeUpgrade(ctx context.Context, hdr Header, requestedTarget string) (*types.RolloutContext, error) {
	return p.controlUpgrade(ctx, opInterruptRuntime, stringKey(familyRuntime, ""), hdr, types.KindRuntimeUpgrade, types.RuntimeUpgradeKey, interrupt(requestedTarget))
}

// RollbackRuntimeUpgrade walks the runtime upgrade back
func (p *Pipeline) RollbackRuntimeUpgrade(ctx context.Context, hdr Header) (*types.RolloutContext, error) {
	return p.controlUpgrade(ctx, opRollbackRuntime, stringKey(familyRuntime, ""), hdr, types.KindRuntimeUpgrade, types.RuntimeUpgradeKey, rollback())
}

// MoveNextRuntimeDomain starts the next domain of a manual runtime upgrade
func (p *Pipeline) MoveNextRuntimeDomain(ctx context.Context, hdr Header, domain string) (*types.RolloutContext, error) {
	return p.controlUpgrade(ctx, opMoveNextRuntime, stringKey(familyRuntime, ""), hdr, types.KindRuntimeUpgrade, types.RuntimeUpgradeKey, moveNext(domain))
}

// VerifyRuntimeDomains records manual verification of completed domains
func (p *Pipeline) VerifyRuntimeDomains(ctx context.Context, hdr Header, domains []string) (*types.RolloutContext, error) {
	return p.controlUpgrade(ctx, opVerifyRuntime, stringKey(familyRuntime, ""), hdr, types.KindRuntimeUpgrade, types.RuntimeUpgradeKey, verify(domains))
}
