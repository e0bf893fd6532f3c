package accept

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/keeper/pkg/errdefs"
	"github.com/cuemby/keeper/pkg/health"
	"github.com/cuemby/keeper/pkg/storage"
	"github.com/cuemby/keeper/pkg/types"
	"github.com/cuemby/keeper/pkg/upgrade"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// upgradedApp provisions web 1.0 to 1.2, creates app:/web on 1.0 and
// starts an upgrade to 1.1 in the given mode
func upgradedApp(t *testing.T, h *harness, mode upgrade.Mode) types.Name {
	t.Helper()
	h.provisionType(t, "web", "1.0")
	h.provisionType(t, "web", "1.1")
	h.provisionType(t, "web", "1.2")
	name := h.createApp(t, "app:/web", "web", "1.0", map[string]string{"color": "blue"})

	req := upgrade.Request{TargetVersion: "1.1", Mode: mode, Parameters: map[string]string{"color": "blue"}}
	if mode == upgrade.ModeMonitored {
		policy := health.DefaultPolicy()
		req.HealthPolicy = &policy
	}
	c, err := h.p.UpgradeApplication(context.Background(), h.hdr(), name, req)
	require.NoError(t, err)
	require.Equal(t, upgrade.StateRollingForward, c.Progress().State)
	return name
}

func TestUpgradeApplicationRepliesOnceStaged(t *testing.T) {
	h := newHarness(t)
	name := upgradedApp(t, h, upgrade.ModeUnmonitoredAuto)

	up := h.get(t, types.KindApplicationUpgrade, name.String())
	assert.Equal(t, types.StatusPending, up.Status)
	prog := up.Progress()
	assert.Equal(t, "1.0", prog.CurrentVersion)
	assert.Equal(t, "1.1", prog.TargetVersion)
	assert.Equal(t, []string{"UD0", "UD1", "UD2"}, prog.Domains.Pending)
	assert.Equal(t, 1, h.queue.count(types.KindApplicationUpgrade))
}

func TestUpgradeApplicationToUnprovisionedVersion(t *testing.T) {
	h := newHarness(t)
	h.provisionType(t, "web", "1.0")
	name := h.createApp(t, "app:/web", "web", "1.0", nil)

	_, err := h.p.UpgradeApplication(context.Background(), h.hdr(), name, upgrade.Request{TargetVersion: "9.9", Mode: upgrade.ModeUnmonitoredAuto})
	assert.ErrorIs(t, err, errdefs.ApplicationTypeNotFound)
}

func TestUpgradeApplicationToCurrentVersion(t *testing.T) {
	h := newHarness(t)
	h.provisionType(t, "web", "1.0")
	name := h.createApp(t, "app:/web", "web", "1.0", nil)

	_, err := h.p.UpgradeApplication(context.Background(), h.hdr(), name, upgrade.Request{TargetVersion: "1.0", Mode: upgrade.ModeUnmonitoredAuto})
	assert.ErrorIs(t, err, errdefs.AlreadyInTargetVersion)
}

func TestUpgradeDuringRollforwardStagesGoalState(t *testing.T) {
	h := newHarness(t)
	name := upgradedApp(t, h, upgrade.ModeMonitored)

	policy := health.DefaultPolicy()
	c, err := h.p.UpgradeApplication(context.Background(), h.hdr(), name, upgrade.Request{
		TargetVersion: "1.2",
		Mode:          upgrade.ModeMonitored,
		HealthPolicy:  &policy,
		Parameters:    map[string]string{"color": "green"},
	})
	require.NoError(t, err)

	prog := c.Progress()
	assert.Equal(t, upgrade.StateRollingForward, prog.State)
	assert.Equal(t, "1.1", prog.TargetVersion)
	require.NotNil(t, prog.GoalState)
	assert.Equal(t, "1.2", prog.GoalState.TargetVersion)
	assert.Equal(t, "green", prog.GoalState.Parameters["color"])

	stored := h.get(t, types.KindApplicationUpgrade, name.String()).Progress()
	assert.Equal(t, "1.2", stored.GoalState.TargetVersion)
}

func TestInterruptToCurrentVersionConverges(t *testing.T) {
	h := newHarness(t)
	name := upgradedApp(t, h, upgrade.ModeUnmonitoredAuto)

	c, err := h.p.InterruptApplicationUpgrade(context.Background(), h.hdr(), name, "1.0")
	require.NoError(t, err)

	prog := c.Progress()
	assert.Equal(t, upgrade.StateCompletedRollforward, prog.State)
	assert.Equal(t, "1.0", prog.CurrentVersion)
	assert.Equal(t, "1.0", prog.TargetVersion)
	assert.Equal(t, types.StatusCompleted, c.Status)
}

func TestInterruptTwiceIsNoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	name := upgradedApp(t, h, upgrade.ModeUnmonitoredAuto)

	c, err := h.p.InterruptApplicationUpgrade(ctx, h.hdr(), name, "")
	require.NoError(t, err)
	assert.Equal(t, upgrade.StateInterrupted, c.Progress().State)

	before := h.get(t, types.KindApplicationUpgrade, name.String())
	seq := h.lastSequence(t)

	_, err = h.p.InterruptApplicationUpgrade(ctx, h.hdr(), name, "")
	require.NoError(t, err)
	assert.Equal(t, seq, h.lastSequence(t))

	after := h.get(t, types.KindApplicationUpgrade, name.String())
	assert.Equal(t, before.SequenceNumber, after.SequenceNumber)
	assert.Equal(t, upgrade.StateInterrupted, after.Progress().State)
	assert.Equal(t, before.Progress().Domains, after.Progress().Domains)

	// an interrupted application accepts plain updates again
	_, err = h.p.UpdateApplication(ctx, h.hdr(), name, map[string]string{"color": "red"})
	assert.NoError(t, err)
}

func TestUpgradeBackToCurrentAfterInterruptConverges(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	name := upgradedApp(t, h, upgrade.ModeUnmonitoredAuto)

	_, err := h.p.InterruptApplicationUpgrade(ctx, h.hdr(), name, "")
	require.NoError(t, err)

	c, err := h.p.UpgradeApplication(ctx, h.hdr(), name, upgrade.Request{
		TargetVersion: "1.0",
		Mode:          upgrade.ModeUnmonitoredAuto,
		Parameters:    map[string]string{"color": "blue"},
	})
	require.NoError(t, err)
	assert.Equal(t, upgrade.StateCompletedRollforward, c.Progress().State)
	assert.Equal(t, types.StatusCompleted, c.Status)
}

func TestVersionsReferencedByUpgradeStayProvisioned(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	upgradedApp(t, h, upgrade.ModeUnmonitoredAuto)

	_, err := h.p.UnprovisionApplicationType(ctx, h.hdr(), "web", "1.0")
	assert.ErrorIs(t, err, errdefs.TypeInUse)
	_, err = h.p.UnprovisionApplicationType(ctx, h.hdr(), "web", "1.1")
	assert.ErrorIs(t, err, errdefs.TypeInUse)

	_, err = h.p.UnprovisionApplicationType(ctx, h.hdr(), "web", "1.2")
	assert.NoError(t, err)
}

func TestDeletedApplicationReleasesUpgradeVersions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	name := upgradedApp(t, h, upgrade.ModeUnmonitoredAuto)

	_, err := h.p.InterruptApplicationUpgrade(ctx, h.hdr(), name, "")
	require.NoError(t, err)
	_, err = h.p.DeleteApplication(ctx, h.hdr(), name)
	require.NoError(t, err)

	_, err = h.p.GetContext(types.KindApplication, name.String())
	assert.ErrorIs(t, err, errdefs.NotFound)
	_, err = h.p.GetContext(types.KindApplicationUpgrade, name.String())
	assert.ErrorIs(t, err, errdefs.NotFound)

	for _, version := range []string{"1.0", "1.1"} {
		_, err = h.p.UnprovisionApplicationType(ctx, h.hdr(), "web", version)
		assert.NoError(t, err, version)
	}
}

func TestUpgradeBlocksApplicationChanges(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	name := upgradedApp(t, h, upgrade.ModeUnmonitoredAuto)

	_, err := h.p.UpdateApplication(ctx, h.hdr(), name, map[string]string{"color": "red"})
	assert.ErrorIs(t, err, errdefs.UpgradeInProgress)
	_, err = h.p.DeleteApplication(ctx, h.hdr(), name)
	assert.ErrorIs(t, err, errdefs.UpgradeInProgress)
}

func TestRollbackApplicationUpgrade(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	name := upgradedApp(t, h, upgrade.ModeUnmonitoredAuto)

	c, err := h.p.RollbackApplicationUpgrade(ctx, h.hdr(), name)
	require.NoError(t, err)
	prog := c.Progress()
	assert.Equal(t, upgrade.StateRollingBack, prog.State)
	assert.Equal(t, "1.0", prog.RollbackVersion)
	assert.Equal(t, types.StatusPending, c.Status)

	seq := h.lastSequence(t)
	_, err = h.p.RollbackApplicationUpgrade(ctx, h.hdr(), name)
	require.NoError(t, err)
	assert.Equal(t, seq, h.lastSequence(t))
}

func TestControlWithoutUpgrade(t *testing.T) {
	h := newHarness(t)
	_, err := h.p.RollbackApplicationUpgrade(context.Background(), h.hdr(), types.MustParseName("app:/missing"))
	assert.ErrorIs(t, err, errdefs.UpgradeNotInProgress)
}

// completeDomain plays the executor finishing the in-progress domain
func completeDomain(t *testing.T, h *harness, kind types.ContextKind, key, domain string) {
	t.Helper()
	tx := h.store.Begin()
	c, err := storage.ReadContext(tx, kind, key)
	require.NoError(t, err)
	prog := c.Progress()
	_, err = prog.CompleteDomain(prog.Instance, domain, time.Now())
	require.NoError(t, err)
	require.NoError(t, storage.WriteContext(tx, c))
	require.NoError(t, tx.Commit(context.Background(), time.Second))
}

func TestManualUpgradeDomainControl(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	name := upgradedApp(t, h, upgrade.ModeUnmonitoredManual)

	_, err := h.p.MoveNextApplicationDomain(ctx, h.hdr(), name, "UD1")
	assert.ErrorIs(t, err, errdefs.InvalidUpgradeDomain)

	c, err := h.p.MoveNextApplicationDomain(ctx, h.hdr(), name, "UD0")
	require.NoError(t, err)
	assert.Equal(t, "UD0", c.Progress().Domains.InProgress)

	completeDomain(t, h, types.KindApplicationUpgrade, name.String(), "UD0")

	_, err = h.p.MoveNextApplicationDomain(ctx, h.hdr(), name, "UD1")
	assert.ErrorIs(t, err, errdefs.InvalidUpgradeDomain)

	c, err = h.p.VerifyApplicationDomains(ctx, h.hdr(), name, []string{"UD0", "UD2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"UD0"}, c.Progress().VerifiedDomains)

	c, err = h.p.MoveNextApplicationDomain(ctx, h.hdr(), name, "UD1")
	require.NoError(t, err)
	assert.Equal(t, "UD1", c.Progress().Domains.InProgress)
	assert.Equal(t, []string{"UD0"}, c.Progress().Domains.Completed)
}

func TestMoveNextRequiresManualMode(t *testing.T) {
	h := newHarness(t)
	name := upgradedApp(t, h, upgrade.ModeUnmonitoredAuto)

	_, err := h.p.MoveNextApplicationDomain(context.Background(), h.hdr(), name, "UD0")
	assert.ErrorIs(t, err, errdefs.NotValid)
}

func TestMonitoredUpgradeCapturesBaseline(t *testing.T) {
	h := newHarness(t)
	h.health.Report("app:/web", "UD2", health.StateError, "disk full")
	name := upgradedApp(t, h, upgrade.ModeMonitored)

	prog := h.get(t, types.KindApplicationUpgrade, name.String()).Progress()
	require.NotNil(t, prog.Baseline)
	assert.Equal(t, []string{"UD2"}, prog.Baseline.UnhealthyDomains)
}

func TestGetUpgradeProgress(t *testing.T) {
	h := newHarness(t)
	name := upgradedApp(t, h, upgrade.ModeUnmonitoredAuto)

	status, err := h.p.GetUpgradeProgress(types.KindApplicationUpgrade, name.String())
	require.NoError(t, err)
	assert.Equal(t, upgrade.StateRollingForward, status.Progress.State)

	_, err = h.p.GetUpgradeProgress(types.KindApplication, name.String())
	assert.ErrorIs(t, err, errdefs.NotValid)
}
