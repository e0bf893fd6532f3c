package upgrade

import (
	"fmt"
	"strings"

	"github.com/blang/semver"
	"github.com/cuemby/keeper/pkg/errdefs"
)

// RuntimeVersion identifies a cluster runtime build: code plus config
type RuntimeVersion struct {
	Code   string `json:"code"`
	Config string `json:"config"`
}

// String renders the version as "code:config"; this is the form stored in
// Progress version fields
func (v RuntimeVersion) String() string {
	return v.Code + ":" + v.Config
}

// IsZero reports whether neither part is set
func (v RuntimeVersion) IsZero() bool {
	return v.Code == "" && v.Config == ""
}

// ParseRuntimeVersion parses the "code:config" form
func ParseRuntimeVersion(s string) (RuntimeVersion, error) {
	if s == "" {
		return RuntimeVersion{}, nil
	}
	code, config, ok := strings.Cut(s, ":")
	if !ok {
		return RuntimeVersion{}, fmt.Errorf("runtime version %q: %w", s, errdefs.NotValid)
	}
	return RuntimeVersion{Code: code, Config: config}, nil
}

// ValidateCode checks that the code version is a semantic version
func (v RuntimeVersion) ValidateCode() error {
	if v.Code == "" {
		return nil
	}
	if _, err := semver.ParseTolerant(v.Code); err != nil {
		return fmt.Errorf("code version %q: %v: %w", v.Code, err, errdefs.NotValid)
	}
	return nil
}

// CompareCode orders two code versions; unparsable versions compare by string
func CompareCode(a, b string) int {
	va, errA := semver.ParseTolerant(a)
	vb, errB := semver.ParseTolerant(b)
	if errA != nil || errB != nil {
		return strings.Compare(a, b)
	}
	return va.Compare(vb)
}

// ResolveRuntimeTarget fills in the missing parts of the requested target
// from the current version and enforces the runtime-only rules: the first
// upgrade must name both code and config, and a code change is refused while
// unsupported preview features are enabled.
func ResolveRuntimeTarget(current RuntimeVersion, requested RuntimeVersion, previewFeatures bool) (RuntimeVersion, error) {
	if current.IsZero() {
		if requested.Code == "" || requested.Config == "" {
			return RuntimeVersion{}, fmt.Errorf("first runtime upgrade must set code and config versions: %w", errdefs.NotValid)
		}
	}
	if requested.IsZero() {
		return RuntimeVersion{}, fmt.Errorf("runtime upgrade names no version: %w", errdefs.NotValid)
	}

	target := requested
	if target.Code == "" {
		target.Code = current.Code
	}
	if target.Config == "" {
		target.Config = current.Config
	}
	if err := target.ValidateCode(); err != nil {
		return RuntimeVersion{}, err
	}

	if previewFeatures && !current.IsZero() && target.Code != current.Code {
		return RuntimeVersion{}, fmt.Errorf("code %s -> %s: %w", current.Code, target.Code, errdefs.PreviewFeatureBlocked)
	}
	return target, nil
}
