package cleanup

import (
	"time"

	"github.com/cuemby/keeper/pkg/storage"
	"github.com/cuemby/keeper/pkg/types"
	"github.com/cuemby/keeper/pkg/upgrade"
)

// Version is a completed application type version
type Version struct {
	Version       string
	ProvisionedAt time.Time
}

type snapshot struct {
	versions []Version
	inUse    map[string]bool
}

// snapshot reads the completed versions of typeName and marks those an
// application, a deployment or an unfinished upgrade references
func (c *Cleaner) snapshot(typeName string) (*snapshot, error) {
	snap := &snapshot{inUse: make(map[string]bool)}

	all, err := storage.ListContexts(c.store, types.KindApplicationType)
	if err != nil {
		return nil, err
	}
	for _, t := range all {
		at := t.ApplicationType
		if at.TypeName != typeName || t.Status != types.StatusCompleted {
			continue
		}
		provisioned := at.ProvisionedAt
		if provisioned.IsZero() {
			provisioned = t.CreatedAt
		}
		snap.versions = append(snap.versions, Version{Version: at.Version, ProvisionedAt: provisioned})
	}
	if len(snap.versions) == 0 {
		return snap, nil
	}

	apps, err := storage.ListContexts(c.store, types.KindApplication)
	if err != nil {
		return nil, err
	}
	for _, a := range apps {
		if a.Application.TypeName == typeName {
			snap.inUse[a.Application.TypeVersion] = true
		}
	}

	var progress []*upgrade.Progress
	for _, kind := range []types.ContextKind{types.KindApplicationUpgrade, types.KindComposeUpgrade, types.KindSingleInstanceUpgrade} {
		upgrades, err := storage.ListContexts(c.store, kind)
		if err != nil {
			return nil, err
		}
		for _, u := range upgrades {
			if upgradeTypeName(u) == typeName {
				progress = append(progress, u.Progress())
			}
		}
	}
	for _, kind := range []types.ContextKind{types.KindComposeDeployment, types.KindSingleInstanceDeployment} {
		deployments, err := storage.ListContexts(c.store, kind)
		if err != nil {
			return nil, err
		}
		for _, d := range deployments {
			if d.Deployment.TypeName == typeName {
				snap.inUse[d.Deployment.TypeVersion] = true
			}
		}
	}

	for _, v := range snap.versions {
		for _, p := range progress {
			if p.ReferencesVersion(v.Version) {
				snap.inUse[v.Version] = true
			}
		}
	}
	return snap, nil
}

func upgradeTypeName(c *types.RolloutContext) string {
	switch {
	case c.ApplicationUpgrade != nil:
		return c.ApplicationUpgrade.TypeName
	case c.DeploymentUpgrade != nil:
		return upgrade.SyntheticTypeName(c.DeploymentUpgrade.Deployment)
	}
	return ""
}
