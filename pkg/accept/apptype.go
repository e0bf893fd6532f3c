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
	opProvisionType   = "provision_type"
	opUnprovisionType = "unprovision_type"
)

// ProvisionApplicationType registers an application type version. It
// returns once the version is provisioned.
func (p *Pipeline) ProvisionApplicationType(ctx context.Context, hdr Header, typeName, version, packagePath string) (*types.RolloutContext, error) {
	if typeName == "" || version == "" {
		return nil, fmt.Errorf("type name and version are required: %w", errdefs.NotValid)
	}
	key := types.ApplicationTypeKey(typeName, version)
	payload := types.ApplicationType{TypeName: typeName, Version: version, PackagePath: packagePath}

	return p.accept(ctx, opProvisionType, stringKey(familyType, key), hdr, func(ctx context.Context, tx storage.Tx, now time.Time) (staged, error) {
		existing, err := readOptional(tx, types.KindApplicationType, key)
		if err != nil {
			return staged{}, err
		}

		switch {
		case existing == nil:
			c := p.newContext(types.KindApplicationType, key, hdr, now)
			c.ApplicationType = &payload
			return insert(tx, c, false)

		case existing.Status == types.StatusFailed:
			existing.ApplicationType = &payload
			restart(existing, types.StatusPending, hdr, now)
			return write(tx, existing, false)

		case existing.Status == types.StatusCompleted:
			if hdr.owns(existing) {
				return staged{context: existing}, nil
			}
			return staged{}, fmt.Errorf("%s: %w", key, errdefs.ApplicationTypeAlreadyExists)

		case existing.Status == types.StatusDeletePending, existing.Status == types.StatusDeleting:
			return staged{context: existing}, inProgress("application type", existing)

		default:
			if existing.ApplicationType.PackagePath != packagePath {
				return staged{}, fmt.Errorf("%s provisioning from another package: %w", key, errdefs.ApplicationTypeAlreadyExists)
			}
			return refresh(tx, existing, hdr, now, false)
		}
	})
}

// UnprovisionApplicationType removes a type version that nothing references
func (p *Pipeline) UnprovisionApplicationType(ctx context.Context, hdr Header, typeName, version string) (*types.RolloutContext, error) {
	if typeName == "" || version == "" {
		return nil, fmt.Errorf("type name and version are required: %w", errdefs.NotValid)
	}
	key := types.ApplicationTypeKey(typeName, version)

	return p.accept(ctx, opUnprovisionType, stringKey(familyType, key), hdr, func(ctx context.Context, tx storage.Tx, now time.Time) (staged, error) {
		existing, err := readOptional(tx, types.KindApplicationType, key)
		if err != nil {
			return staged{}, err
		}

		switch {
		case existing == nil:
			return staged{}, fmt.Errorf("%s: %w", key, errdefs.ApplicationTypeNotFound)
		case existing.Status == types.StatusPending, existing.Status == types.StatusProcessing:
			return staged{context: existing}, inProgress("application type", existing)
		case existing.Status == types.StatusDeletePending, existing.Status == types.StatusDeleting:
			return refresh(tx, existing, hdr, now, false)
		}

		if err := checkTypeUnused(tx, typeName, version); err != nil {
			return staged{}, err
		}
		restart(existing, types.StatusDeletePending, hdr, now)
		return write(tx, existing, false)
	})
}

// checkTypeUnused fails with errdefs.TypeInUse when an application, an
// upgrade or a deployment still references the version. Every context it
// scans joins the read set, so a concurrent reference makes the commit
// fail instead of slipping past the check.
func checkTypeUnused(tx storage.Tx, typeName, version string) error {
	apps, err := storage.ReadContexts(tx, types.KindApplication, "")
	if err != nil {
		return err
	}
	for _, c := range apps {
		if c.Application.TypeName == typeName && c.Application.TypeVersion == version {
			return fmt.Errorf("%s/%s used by application %s: %w", typeName, version, c.Key, errdefs.TypeInUse)
		}
	}

	upgrades, err := storage.ReadContexts(tx, types.KindApplicationUpgrade, "")
	if err != nil {
		return err
	}
	for _, c := range upgrades {
		if c.ApplicationUpgrade.TypeName == typeName && c.ApplicationUpgrade.Progress.ReferencesVersion(version) {
			return fmt.Errorf("%s/%s referenced by upgrade of %s: %w", typeName, version, c.Key, errdefs.TypeInUse)
		}
	}

	if !upgrade.IsSyntheticType(typeName) {
		return nil
	}
	for _, f := range []deploymentFlavor{composeFlavor, singleInstanceFlavor} {
		deployments, err := storage.ReadContexts(tx, f.deploymentKind, "")
		if err != nil {
			return err
		}
		for _, c := range deployments {
			if c.Deployment.TypeName == typeName && c.Deployment.TypeVersion == version {
				return fmt.Errorf("%s/%s used by deployment %s: %w", typeName, version, c.Key, errdefs.TypeInUse)
			}
		}

		upgrades, err := storage.ReadContexts(tx, f.upgradeKind, "")
		if err != nil {
			return err
		}
		for _, c := range upgrades {
			if upgrade.SyntheticTypeName(c.DeploymentUpgrade.Deployment) == typeName && c.DeploymentUpgrade.Progress.ReferencesVersion(version) {
				return fmt.Errorf("%s/%s referenced by upgrade of %s: %w", typeName, version, c.Key, errdefs.TypeInUse)
			}
		}
	}
	return nil
}
