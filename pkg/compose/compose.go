// Package compose parses and validates the descriptions behind compose and
// single-instance deployments.
//
// A description is a YAML document listing services:
//
//	services:
//	  web:
//	    image: nginx:1.27
//	    ports: ["8080:80"]
//	    environment:
//	      MODE: prod
//
// Single-instance deployments use the same format but must declare exactly
// one service running a single replica.
package compose

import (
	"bytes"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/cuemby/keeper/pkg/errdefs"
	"gopkg.in/yaml.v3"
)

// Flavor selects the validation rules
type Flavor string

const (
	FlavorCompose        Flavor = "compose"
	FlavorSingleInstance Flavor = "single_instance"
)

// Description is a parsed deployment description
type Description struct {
	Services map[string]Service `yaml:"services"`
}

// Service is one service of a description
type Service struct {
	Image       string            `yaml:"image"`
	Ports       []string          `yaml:"ports,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty"`
	Replicas    int               `yaml:"replicas,omitempty"`
}

// PortMapping is a parsed "host:container" port entry
type PortMapping struct {
	HostPort      int
	ContainerPort int
}

// Validator checks descriptions and decides whether a change can be rolled
// out as an upgrade or needs a replacement
type Validator interface {
	Validate(flavor Flavor, content string) (*Description, error)
	IsUpgradeCompatible(current, target *Description) bool
}

// YAMLValidator is the default Validator
type YAMLValidator struct{}

var _ Validator = YAMLValidator{}

// Validate parses content and checks it against the flavor rules
func (YAMLValidator) Validate(flavor Flavor, content string) (*Description, error) {
	desc, err := Parse(content)
	if err != nil {
		return nil, err
	}

	if len(desc.Services) == 0 {
		return nil, fmt.Errorf("description declares no services: %w", errdefs.NotValid)
	}
	if flavor == FlavorSingleInstance && len(desc.Services) != 1 {
		return nil, fmt.Errorf("single-instance description declares %d services: %w", len(desc.Services), errdefs.NotValid)
	}

	hostPorts := make(map[int]string)
	for _, name := range desc.ServiceNames() {
		svc := desc.Services[name]
		if svc.Image == "" {
			return nil, fmt.Errorf("service %q has no image: %w", name, errdefs.NotValid)
		}
		if svc.Replicas < 0 {
			return nil, fmt.Errorf("service %q has negative replicas: %w", name, errdefs.NotValid)
		}
		if flavor == FlavorSingleInstance && svc.Replicas > 1 {
			return nil, fmt.Errorf("single-instance service %q requests %d replicas: %w", name, svc.Replicas, errdefs.NotValid)
		}

		ports, err := svc.PortMappings()
		if err != nil {
			return nil, fmt.Errorf("service %q: %w", name, err)
		}
		for _, p := range ports {
			if p.HostPort == 0 {
				continue
			}
			if other, ok := hostPorts[p.HostPort]; ok {
				return nil, fmt.Errorf("host port %d used by %q and %q: %w", p.HostPort, other, name, errdefs.NotValid)
			}
			hostPorts[p.HostPort] = name
		}
	}
	return desc, nil
}

// IsUpgradeCompatible reports whether target keeps the service set and the
// published ports of current. Anything else is a replacement.
func (YAMLValidator) IsUpgradeCompatible(current, target *Description) bool {
	if current == nil || target == nil {
		return false
	}
	if !slices.Equal(current.ServiceNames(), target.ServiceNames()) {
		return false
	}
	for name, svc := range current.Services {
		if !slices.Equal(normalizedPorts(svc.Ports), normalizedPorts(target.Services[name].Ports)) {
			return false
		}
	}
	return true
}

// Parse decodes a description, rejecting unknown fields
func Parse(content string) (*Description, error) {
	dec := yaml.NewDecoder(bytes.NewBufferString(content))
	dec.KnownFields(true)

	var desc Description
	if err := dec.Decode(&desc); err != nil {
		return nil, fmt.Errorf("failed to parse description: %v: %w", err, errdefs.NotValid)
	}
	return &desc, nil
}

// ServiceNames returns the service names in sorted order
func (d *Description) ServiceNames() []string {
	return slices.Sorted(maps.Keys(d.Services))
}

// PortMappings parses the port entries of the service
func (s Service) PortMappings() ([]PortMapping, error) {
	out := make([]PortMapping, 0, len(s.Ports))
	for _, entry := range s.Ports {
		p, err := ParsePort(entry)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// ParsePort parses "container" or "host:container"
func ParsePort(entry string) (PortMapping, error) {
	host, container, published := strings.Cut(entry, ":")
	if !published {
		container, host = host, ""
	}

	var p PortMapping
	var err error
	if p.ContainerPort, err = parsePortNumber(container); err != nil {
		return PortMapping{}, fmt.Errorf("port %q: %w", entry, err)
	}
	if published {
		if p.HostPort, err = parsePortNumber(host); err != nil {
			return PortMapping{}, fmt.Errorf("port %q: %w", entry, err)
		}
	}
	return p, nil
}

func parsePortNumber(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 65535 {
		return 0, fmt.Errorf("invalid port number %q: %w", s, errdefs.NotValid)
	}
	return n, nil
}

func normalizedPorts(ports []string) []string {
	out := slices.Clone(ports)
	slices.Sort(out)
	return out
}
