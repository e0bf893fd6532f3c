package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/keeper/pkg/accept"
	"github.com/cuemby/keeper/pkg/deploy"
	"github.com/cuemby/keeper/pkg/errdefs"
	"github.com/cuemby/keeper/pkg/health"
	"github.com/cuemby/keeper/pkg/rollout"
	"github.com/cuemby/keeper/pkg/storage"
	"github.com/cuemby/keeper/pkg/types"
	"github.com/cuemby/keeper/pkg/upgrade"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const clusterManifest = `
apiVersion: keeper/v1
kind: ApplicationType
metadata:
  name: web
spec:
  version: "1.0"
---
apiVersion: keeper/v1
kind: ApplicationType
metadata:
  name: web
spec:
  version: "1.1"
---
---
apiVersion: keeper/v1
kind: Application
metadata:
  name: app:/web
spec:
  type: web
  version: "1.0"
  parameters:
    replicas: 3
`

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "manifest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

// newLocalPipeline wires a single-node pipeline over a bolt store
func newLocalPipeline(t *testing.T) (*accept.Pipeline, *storage.BoltStore, *deploy.LogActivator) {
	t.Helper()

	bolt, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { bolt.Close() })
	store := storage.NewTxStore(bolt, bolt)

	act := &deploy.LogActivator{Logger: zerolog.Nop()}
	agg := health.NewReportAggregator(nil)
	deployer, err := deploy.NewDeployer(deploy.Options{
		Store:     store,
		Activator: act,
		Health:    agg,
		Config:    deploy.Config{HealthRetryInterval: time.Millisecond},
	})
	require.NoError(t, err)

	queue := rollout.NewQueue(deployer, 2)
	queue.Start(context.Background())
	t.Cleanup(queue.Stop)

	p, err := accept.New(accept.Options{
		Store:    store,
		Queue:    queue,
		Health:   agg,
		Topology: accept.StaticTopology{"UD0", "UD1"},
	})
	require.NoError(t, err)
	return p, bolt, act
}

func TestReadManifest(t *testing.T) {
	resources, err := readManifest(writeManifest(t, clusterManifest))
	require.NoError(t, err)
	require.Len(t, resources, 3)
	assert.Equal(t, KindApplication, resources[2].Kind)
	assert.Equal(t, map[string]string{"replicas": "3"}, getStringMap(resources[2].Spec, "parameters"))

	_, err = readManifest(writeManifest(t, "kind: [unclosed"))
	assert.ErrorIs(t, err, errdefs.NotValid)

	_, err = readManifest(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestApplyManifest(t *testing.T) {
	p, bolt, act := newLocalPipeline(t)
	a := newApplier(p, 10*time.Second)
	ctx := context.Background()

	resources, err := readManifest(writeManifest(t, clusterManifest))
	require.NoError(t, err)

	var out []string
	for i := range resources {
		msg, err := a.apply(ctx, &resources[i])
		require.NoError(t, err)
		out = append(out, msg)
	}
	assert.Equal(t, []string{
		"ApplicationType web completed",
		"ApplicationType web completed",
		"Application app:/web completed",
	}, out)

	// a second pass finds everything in place
	for i := range resources {
		msg, err := a.apply(ctx, &resources[i])
		require.NoError(t, err)
		assert.True(t, strings.HasSuffix(msg, "unchanged"), msg)
	}

	up := &Resource{
		Kind:     KindApplicationUpgrade,
		Metadata: ResourceMetadata{Name: "app:/web"},
		Spec:     map[string]any{"version": "1.1"},
	}
	_, err = a.apply(ctx, up)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		c, err := storage.GetContext(bolt, types.KindApplication, "app:/web")
		return err == nil && c.Application.TypeVersion == "1.1"
	}, 5*time.Second, 10*time.Millisecond)

	var upgraded []string
	for _, action := range act.Actions() {
		if action.Kind == deploy.ActionUpgradeDomain {
			upgraded = append(upgraded, action.Domain)
		}
	}
	assert.Equal(t, []string{"UD0", "UD1"}, upgraded)
}

func TestApplyRejectsUnknownKind(t *testing.T) {
	p, _, _ := newLocalPipeline(t)
	_, err := newApplier(p, time.Second).apply(context.Background(), &Resource{Kind: "Secret"})
	assert.ErrorIs(t, err, errdefs.NotValid)
}

func TestUpgradeRequest(t *testing.T) {
	req, err := upgradeRequest(map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, upgrade.ModeUnmonitoredAuto, req.Mode)
	assert.Nil(t, req.HealthPolicy)

	req, err = upgradeRequest(map[string]any{
		"mode": "monitored",
		"healthPolicy": map[string]any{
			"maxPercentUnhealthyDomains": 20,
			"failureAction":              "manual",
			"healthCheckWait":            "30s",
		},
	})
	require.NoError(t, err)
	require.NotNil(t, req.HealthPolicy)
	assert.Equal(t, 20, req.HealthPolicy.MaxPercentUnhealthyDomains)
	assert.Equal(t, health.FailureActionManual, req.HealthPolicy.FailureAction)
	assert.Equal(t, 30*time.Second, req.HealthPolicy.HealthCheckWait)
	assert.Equal(t, 3, req.HealthPolicy.HealthCheckRetries)

	_, err = upgradeRequest(map[string]any{"mode": "monitored", "healthPolicy": map[string]any{"healthCheckWait": "soon"}})
	assert.ErrorIs(t, err, errdefs.NotValid)
}

func TestWriteTable(t *testing.T) {
	prog := upgrade.NewProgress("1.0", nil)
	require.NoError(t, prog.Start(upgrade.Request{TargetVersion: "1.1", Mode: upgrade.ModeUnmonitoredAuto}, []string{"UD0", "UD1"}, time.Now()))
	web := types.MustParseName("app:/web")

	var buf bytes.Buffer
	require.NoError(t, writeTable(&buf, []*types.RolloutContext{
		{Kind: types.KindApplication, Key: "app:/web", Status: types.StatusCompleted, SequenceNumber: 4},
		{
			Kind:               types.KindApplicationUpgrade,
			Key:                "app:/web",
			Status:             types.StatusProcessing,
			ApplicationUpgrade: &types.ApplicationUpgrade{Application: web, TypeName: "web", Progress: *prog},
		},
	}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "KIND"))
	assert.Contains(t, lines[2], "1.0->1.1")
	assert.Contains(t, lines[2], "UD0,UD1")
}

func TestParseKinds(t *testing.T) {
	kinds, err := parseKinds(nil)
	require.NoError(t, err)
	assert.Equal(t, types.AllKinds(), kinds)

	kinds, err = parseKinds([]string{"application_upgrade"})
	require.NoError(t, err)
	assert.Equal(t, []types.ContextKind{types.KindApplicationUpgrade}, kinds)

	_, err = parseKinds([]string{"service"})
	assert.ErrorIs(t, err, errdefs.NotValid)
}

func TestDescribeDomains(t *testing.T) {
	assert.Equal(t, "UD0 [UD1] UD2,UD3", describeDomains([]string{"UD0"}, "UD1", []string{"UD2", "UD3"}))
	assert.Equal(t, "-", describeDomains(nil, "", nil))
}
