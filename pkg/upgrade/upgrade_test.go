package upgrade

import (
	"slices"
	"testing"
	"time"

	"github.com/cuemby/keeper/pkg/errdefs"
	"github.com/cuemby/keeper/pkg/health"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	now     = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	domains = []string{"UD0", "UD1", "UD2"}
)

func autoRequest(target string) Request {
	return Request{TargetVersion: target, Mode: ModeUnmonitoredAuto}
}

func startedProgress(t *testing.T) *Progress {
	t.Helper()
	p := NewProgress("1.0", nil)
	require.NoError(t, p.Start(autoRequest("1.1"), domains, now))
	return p
}

func TestRequestValidate(t *testing.T) {
	policy := health.DefaultPolicy()
	badPolicy := health.Policy{MaxPercentUnhealthyDomains: 150, FailureAction: health.FailureActionRollback}

	tests := []struct {
		name    string
		req     Request
		wantErr bool
	}{
		{name: "auto", req: autoRequest("1.1")},
		{name: "manual", req: Request{TargetVersion: "1.1", Mode: ModeUnmonitoredManual}},
		{name: "monitored with policy", req: Request{TargetVersion: "1.1", Mode: ModeMonitored, HealthPolicy: &policy}},
		{name: "monitored without policy", req: Request{TargetVersion: "1.1", Mode: ModeMonitored}, wantErr: true},
		{name: "monitored bad policy", req: Request{TargetVersion: "1.1", Mode: ModeMonitored, HealthPolicy: &badPolicy}, wantErr: true},
		{name: "missing target", req: Request{Mode: ModeUnmonitoredAuto}, wantErr: true},
		{name: "unknown mode", req: Request{TargetVersion: "1.1", Mode: "fast"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, errdefs.NotValid)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDomainWalkIsMonotonic(t *testing.T) {
	p := startedProgress(t)
	require.NoError(t, p.CheckInvariants())

	prevCompleted := 0
	prevPending := len(p.Domains.Pending)
	for _, d := range domains {
		require.NoError(t, p.MoveNextDomain(d))
		require.NoError(t, p.CheckInvariants())

		done, err := p.CompleteDomain(p.Instance, d, now)
		require.NoError(t, err)
		require.NoError(t, p.CheckInvariants())

		assert.Greater(t, len(p.Domains.Completed), prevCompleted)
		assert.Less(t, len(p.Domains.Pending), prevPending)
		prevCompleted = len(p.Domains.Completed)
		prevPending = len(p.Domains.Pending)
		assert.Equal(t, d == "UD2", done)
	}

	assert.Equal(t, StateCompletedRollforward, p.State)
	assert.Equal(t, "1.1", p.CurrentVersion)
}

func TestMoveNextDomainRules(t *testing.T) {
	p := startedProgress(t)

	err := p.MoveNextDomain("UD1")
	assert.ErrorIs(t, err, errdefs.InvalidUpgradeDomain, "skipping ahead")

	require.NoError(t, p.MoveNextDomain("UD0"))
	err = p.MoveNextDomain("UD1")
	assert.ErrorIs(t, err, errdefs.InvalidUpgradeDomain, "domain already in progress")

	_, err = p.CompleteDomain(p.Instance, "UD0", now)
	require.NoError(t, err)
	assert.NoError(t, p.MoveNextDomain("UD1"))
}

func TestCompleteDomainRejectsStaleInstance(t *testing.T) {
	p := startedProgress(t)
	require.NoError(t, p.MoveNextDomain("UD0"))

	_, err := p.CompleteDomain(p.Instance-1, "UD0", now)
	assert.ErrorIs(t, err, errdefs.StaleUpgradeInstance)

	_, err = p.CompleteDomain(p.Instance, "UD1", now)
	assert.ErrorIs(t, err, errdefs.InvalidUpgradeDomain)
}

func TestInterruptIsIdempotent(t *testing.T) {
	p := startedProgress(t)
	require.NoError(t, p.MoveNextDomain("UD0"))

	changed, err := p.Interrupt("", now)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StateInterrupted, p.State)

	snapshot := Domains{
		Order:      slices.Clone(p.Domains.Order),
		Completed:  slices.Clone(p.Domains.Completed),
		InProgress: p.Domains.InProgress,
		Pending:    slices.Clone(p.Domains.Pending),
	}
	for _, target := range []string{"", "1.0", "1.1"} {
		changed, err = p.Interrupt(target, now)
		require.NoError(t, err, "target %q", target)
		assert.False(t, changed, "target %q", target)
		assert.Equal(t, StateInterrupted, p.State, "target %q", target)
		assert.Equal(t, snapshot, p.Domains, "target %q", target)
		assert.Equal(t, "1.1", p.TargetVersion, "target %q", target)
	}
}

func TestInterruptClearsGoalState(t *testing.T) {
	p := startedProgress(t)
	require.NoError(t, p.StageGoalState(autoRequest("1.2")))

	_, err := p.Interrupt("", now)
	require.NoError(t, err)
	assert.Nil(t, p.GoalState)
}

func TestInterruptToCurrentVersionCompletesForward(t *testing.T) {
	p := startedProgress(t)
	require.NoError(t, p.MoveNextDomain("UD0"))

	changed, err := p.Interrupt("1.0", now)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, StateCompletedRollforward, p.State)
	assert.Equal(t, "1.0", p.TargetVersion)
	assert.Equal(t, "1.0", p.CurrentVersion)
	assert.NoError(t, p.CheckInvariants())
}

func TestInterruptTerminalUpgrade(t *testing.T) {
	p := NewProgress("1.0", nil)
	_, err := p.Interrupt("", now)
	assert.ErrorIs(t, err, errdefs.UpgradeNotInProgress)
}

func TestGoalStatePromotion(t *testing.T) {
	p := startedProgress(t)
	require.NoError(t, p.StageGoalState(Request{
		TargetVersion: "1.2",
		Parameters:    map[string]string{"k": "v"},
		Mode:          ModeUnmonitoredAuto,
	}))
	assert.Equal(t, StateRollingForward, p.State)
	assert.Equal(t, "1.1", p.TargetVersion)

	for _, d := range domains {
		require.NoError(t, p.MoveNextDomain(d))
		_, err := p.CompleteDomain(p.Instance, d, now)
		require.NoError(t, err)
	}
	require.Equal(t, StateCompletedRollforward, p.State)

	instance := p.Instance
	promoted, err := p.PromoteGoalState(now)
	require.NoError(t, err)
	assert.True(t, promoted)
	assert.Equal(t, StateRollingForward, p.State)
	assert.Equal(t, "1.1", p.CurrentVersion)
	assert.Equal(t, "1.2", p.TargetVersion)
	assert.Equal(t, instance+1, p.Instance)
	assert.Nil(t, p.GoalState)
	assert.Equal(t, domains, p.Domains.Pending)
}

func TestStageGoalStateRequiresRollforward(t *testing.T) {
	p := NewProgress("1.0", nil)
	err := p.StageGoalState(autoRequest("1.2"))
	assert.ErrorIs(t, err, errdefs.UpgradeNotInProgress)
}

func TestRollback(t *testing.T) {
	p := startedProgress(t)
	require.NoError(t, p.MoveNextDomain("UD0"))
	_, err := p.CompleteDomain(p.Instance, "UD0", now)
	require.NoError(t, err)

	instance := p.Instance
	require.NoError(t, p.StartRollback())
	assert.Equal(t, StateRollingBack, p.State)
	assert.Equal(t, "1.0", p.RollbackVersion)
	assert.Equal(t, instance+1, p.Instance)
	require.NoError(t, p.CheckInvariants())

	_, err = p.CompleteDomain(instance, "UD0", now)
	assert.ErrorIs(t, err, errdefs.StaleUpgradeInstance, "reports from the rolled back instance are stale")

	for _, d := range domains {
		require.NoError(t, p.MoveNextDomain(d))
		_, err := p.CompleteDomain(p.Instance, d, now)
		require.NoError(t, err)
	}
	assert.Equal(t, StateCompletedRollback, p.State)
	assert.Equal(t, "1.0", p.CurrentVersion)
	assert.NoError(t, p.CheckInvariants())
}

func TestRollbackConfigOnlyUpgrade(t *testing.T) {
	p := NewProgress("1.0", nil)
	require.NoError(t, p.Start(Request{TargetVersion: "1.0", Parameters: map[string]string{"a": "b"}, Mode: ModeUnmonitoredAuto}, domains, now))

	err := p.StartRollback()
	assert.ErrorIs(t, err, errdefs.NotValid)
}

func TestVerifyDomainsFiltersIncomplete(t *testing.T) {
	p := NewProgress("1.0", nil)
	require.NoError(t, p.Start(Request{TargetVersion: "1.1", Mode: ModeUnmonitoredManual}, domains, now))
	require.NoError(t, p.MoveNextDomain("UD0"))
	_, err := p.CompleteDomain(p.Instance, "UD0", now)
	require.NoError(t, err)

	accepted := p.VerifyDomains([]string{"UD0", "UD1", "UD2"})
	assert.Equal(t, []string{"UD0"}, accepted)
	assert.Equal(t, []string{"UD0"}, p.VerifiedDomains)

	assert.Empty(t, p.VerifyDomains([]string{"UD0"}), "already verified")
}

func TestReferencesVersion(t *testing.T) {
	p := startedProgress(t)
	require.NoError(t, p.StageGoalState(autoRequest("1.2")))

	assert.True(t, p.ReferencesVersion("1.0"))
	assert.True(t, p.ReferencesVersion("1.1"))
	assert.True(t, p.ReferencesVersion("1.2"))
	assert.False(t, p.ReferencesVersion("0.9"))

	p.Fail("boom", now)
	assert.True(t, p.ReferencesVersion("1.0"))
	assert.False(t, p.ReferencesVersion("1.1"))
}

func TestStartWhileRolling(t *testing.T) {
	p := startedProgress(t)
	err := p.Start(autoRequest("1.2"), domains, now)
	assert.ErrorIs(t, err, errdefs.UpgradeInProgress)
}

func TestFinishIfDrained(t *testing.T) {
	p := NewProgress("1.0", nil)
	require.NoError(t, p.Start(autoRequest("1.1"), nil, now))
	assert.True(t, p.FinishIfDrained(now))
	assert.Equal(t, StateCompletedRollforward, p.State)
	assert.Equal(t, "1.1", p.CurrentVersion)
}
