package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cuemby/keeper/pkg/accept"
	"github.com/cuemby/keeper/pkg/errdefs"
	"github.com/cuemby/keeper/pkg/health"
	"github.com/cuemby/keeper/pkg/types"
	"github.com/cuemby/keeper/pkg/upgrade"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Resource kinds a manifest may declare
const (
	KindApplicationType          = "ApplicationType"
	KindApplication              = "Application"
	KindApplicationUpgrade       = "ApplicationUpgrade"
	KindRuntime                  = "Runtime"
	KindRuntimeUpgrade           = "RuntimeUpgrade"
	KindComposeDeployment        = "ComposeDeployment"
	KindSingleInstanceDeployment = "SingleInstanceDeployment"
)

// Resource is one document of a keeper manifest
type Resource struct {
	APIVersion string           `yaml:"apiVersion"`
	Kind       string           `yaml:"kind"`
	Metadata   ResourceMetadata `yaml:"metadata"`
	Spec       map[string]any   `yaml:"spec"`
}

// ResourceMetadata names the resource
type ResourceMetadata struct {
	Name   string            `yaml:"name"`
	Labels map[string]string `yaml:"labels,omitempty"`
}

// readManifest decodes every YAML document in path
func readManifest(path string) ([]Resource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %v", err)
	}

	var resources []Resource
	dec := yaml.NewDecoder(bytes.NewReader(data))
	for {
		var r Resource
		err := dec.Decode(&r)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: failed to parse manifest: %v: %w", path, err, errdefs.NotValid)
		}
		if r.Kind == "" {
			continue
		}
		resources = append(resources, r)
	}
	return resources, nil
}

// applier submits manifest resources through the accept pipeline
type applier struct {
	pipeline *accept.Pipeline
	timeout  time.Duration
	instance int64
}

func newApplier(p *accept.Pipeline, timeout time.Duration) *applier {
	return &applier{pipeline: p, timeout: timeout, instance: time.Now().UnixNano()}
}

func (a *applier) header() accept.Header {
	a.instance++
	return accept.Header{Instance: a.instance, Timeout: a.timeout, ActivityID: uuid.NewString()}
}

// apply submits one resource and describes the outcome. Resources that
// already match the cluster are reported as unchanged.
func (a *applier) apply(ctx context.Context, r *Resource) (string, error) {
	var (
		c   *types.RolloutContext
		err error
	)
	switch r.Kind {
	case KindApplicationType:
		version := getString(r.Spec, "version", "")
		c, err = a.pipeline.ProvisionApplicationType(ctx, a.header(), r.Metadata.Name, version, getString(r.Spec, "packagePath", ""))
		if errors.Is(err, errdefs.ApplicationTypeAlreadyExists) {
			return unchanged(r), nil
		}

	case KindApplication:
		var name types.Name
		if name, err = types.ParseName(r.Metadata.Name); err != nil {
			return "", err
		}
		c, err = a.pipeline.CreateApplication(ctx, a.header(), accept.CreateApplicationRequest{
			Name:        name,
			TypeName:    getString(r.Spec, "type", ""),
			TypeVersion: getString(r.Spec, "version", ""),
			Parameters:  getStringMap(r.Spec, "parameters"),
		})
		if errors.Is(err, errdefs.ApplicationAlreadyExists) {
			return unchanged(r), nil
		}

	case KindApplicationUpgrade:
		var name types.Name
		if name, err = types.ParseName(r.Metadata.Name); err != nil {
			return "", err
		}
		var req upgrade.Request
		if req, err = upgradeRequest(r.Spec); err != nil {
			return "", err
		}
		req.TargetVersion = getString(r.Spec, "version", "")
		req.Parameters = getStringMap(r.Spec, "parameters")
		c, err = a.pipeline.UpgradeApplication(ctx, a.header(), name, req)
		if errors.Is(err, errdefs.AlreadyInTargetVersion) {
			return unchanged(r), nil
		}

	case KindRuntime:
		c, err = a.pipeline.ProvisionRuntime(ctx, a.header(), runtimeVersion(r.Spec))
		if errors.Is(err, errdefs.AlreadyExists) {
			return unchanged(r), nil
		}

	case KindRuntimeUpgrade:
		var req upgrade.Request
		if req, err = upgradeRequest(r.Spec); err != nil {
			return "", err
		}
		c, err = a.pipeline.UpgradeRuntime(ctx, a.header(), accept.RuntimeUpgradeRequest{
			Version:      runtimeVersion(r.Spec),
			Mode:         req.Mode,
			HealthPolicy: req.HealthPolicy,
		})
		if errors.Is(err, errdefs.AlreadyInTargetVersion) {
			return unchanged(r), nil
		}

	case KindComposeDeployment, KindSingleInstanceDeployment:
		c, err = a.applyDeployment(ctx, r)
		if errors.Is(err, errdefs.AlreadyInTargetVersion) {
			return unchanged(r), nil
		}

	default:
		return "", fmt.Errorf("unsupported resource kind %q: %w", r.Kind, errdefs.NotValid)
	}

	if err != nil {
		if errdefs.Classify(err) == errdefs.CategoryProgress {
			return fmt.Sprintf("%s %s accepted, still processing", r.Kind, r.Metadata.Name), nil
		}
		return "", fmt.Errorf("%s %s: %w", r.Kind, r.Metadata.Name, err)
	}
	return fmt.Sprintf("%s %s %s", r.Kind, r.Metadata.Name, statusOf(c)), nil
}

// applyDeployment creates the deployment, or upgrades it when it exists
func (a *applier) applyDeployment(ctx context.Context, r *Resource) (*types.RolloutContext, error) {
	content := getString(r.Spec, "content", "")
	create := a.pipeline.CreateComposeDeployment
	upgradeFn := a.pipeline.UpgradeComposeDeployment
	if r.Kind == KindSingleInstanceDeployment {
		create = a.pipeline.CreateSingleInstanceDeployment
		upgradeFn = a.pipeline.UpgradeSingleInstanceDeployment
	}

	c, err := create(ctx, a.header(), r.Metadata.Name, content)
	if !errors.Is(err, errdefs.AlreadyExists) {
		return c, err
	}

	req, err := upgradeRequest(r.Spec)
	if err != nil {
		return nil, err
	}
	return upgradeFn(ctx, a.header(), r.Metadata.Name, accept.DeploymentUpgradeRequest{
		Content:      content,
		Mode:         req.Mode,
		HealthPolicy: req.HealthPolicy,
	})
}

// upgradeRequest reads mode and health policy; unmonitored auto is the
// default mode
func upgradeRequest(spec map[string]any) (upgrade.Request, error) {
	req := upgrade.Request{Mode: upgrade.Mode(getString(spec, "mode", string(upgrade.ModeUnmonitoredAuto)))}
	if req.Mode != upgrade.ModeMonitored {
		return req, nil
	}

	policy := health.DefaultPolicy()
	if hp, ok := spec["healthPolicy"].(map[string]any); ok {
		policy.ConsiderWarningAsError = getBool(hp, "considerWarningAsError", policy.ConsiderWarningAsError)
		policy.MaxPercentUnhealthyDomains = getInt(hp, "maxPercentUnhealthyDomains", policy.MaxPercentUnhealthyDomains)
		policy.HealthCheckRetries = getInt(hp, "healthCheckRetries", policy.HealthCheckRetries)
		policy.FailureAction = health.FailureAction(getString(hp, "failureAction", string(policy.FailureAction)))
		if wait := getString(hp, "healthCheckWait", ""); wait != "" {
			d, err := time.ParseDuration(wait)
			if err != nil {
				return req, fmt.Errorf("healthCheckWait %q: %v: %w", wait, err, errdefs.NotValid)
			}
			policy.HealthCheckWait = d
		}
	}
	req.HealthPolicy = &policy
	return req, nil
}

func runtimeVersion(spec map[string]any) upgrade.RuntimeVersion {
	return upgrade.RuntimeVersion{Code: getString(spec, "code", ""), Config: getString(spec, "config", "")}
}

func unchanged(r *Resource) string {
	return fmt.Sprintf("%s %s unchanged", r.Kind, r.Metadata.Name)
}

func statusOf(c *types.RolloutContext) string {
	if c == nil {
		return "applied"
	}
	return string(c.Status)
}

// Helper functions
func getString(m map[string]any, key, defaultValue string) string {
	if v, ok := m[key]; ok && v != nil {
		return fmt.Sprintf("%v", v)
	}
	return defaultValue
}

func getInt(m map[string]any, key string, defaultValue int) int {
	if v, ok := m[key]; ok {
		switch val := v.(type) {
		case int:
			return val
		case float64:
			return int(val)
		}
	}
	return defaultValue
}

func getBool(m map[string]any, key string, defaultValue bool) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return defaultValue
}

func getStringMap(m map[string]any, key string) map[string]string {
	raw, ok := m[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = fmt.Sprintf("%v", v)
	}
	return out
}
