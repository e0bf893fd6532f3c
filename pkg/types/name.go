package types

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cuemby/keeper/pkg/errdefs"
)

// DefaultScheme is the scheme of application names
const DefaultScheme = "app"

// Name is a structured hierarchical name such as "app:/team/web". It is
// comparable and can key maps directly.
type Name struct {
	Scheme string
	Path   string
}

// ParseName parses "scheme:/a/b". Empty segments and trailing slashes are
// normalized away.
func ParseName(s string) (Name, error) {
	scheme, rest, ok := strings.Cut(s, ":")
	if !ok || scheme == "" || !strings.HasPrefix(rest, "/") {
		return Name{}, fmt.Errorf("name %q must look like scheme:/path: %w", s, errdefs.NotValid)
	}

	var segments []string
	for _, seg := range strings.Split(rest, "/") {
		if seg != "" {
			segments = append(segments, seg)
		}
	}
	if len(segments) == 0 {
		return Name{}, fmt.Errorf("name %q has no path: %w", s, errdefs.NotValid)
	}
	return Name{Scheme: strings.ToLower(scheme), Path: strings.Join(segments, "/")}, nil
}

// MustParseName is ParseName for constants and tests
func MustParseName(s string) Name {
	n, err := ParseName(s)
	if err != nil {
		panic(err)
	}
	return n
}

// String renders the name in its canonical form
func (n Name) String() string {
	if n.IsZero() {
		return ""
	}
	return n.Scheme + ":/" + n.Path
}

// IsZero reports whether the name is unset
func (n Name) IsZero() bool {
	return n.Scheme == "" && n.Path == ""
}

// Segments returns the path segments
func (n Name) Segments() []string {
	if n.Path == "" {
		return nil
	}
	return strings.Split(n.Path, "/")
}

// IsPrefixOf reports whether other is n or lives below n
func (n Name) IsPrefixOf(other Name) bool {
	if n.Scheme != other.Scheme {
		return false
	}
	return other.Path == n.Path || strings.HasPrefix(other.Path, n.Path+"/")
}

// MarshalJSON stores the canonical string
func (n Name) MarshalJSON() ([]byte, error) {
	return json.Marshal(n.String())
}

// UnmarshalJSON parses the canonical string
func (n *Name) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*n = Name{}
		return nil
	}
	parsed, err := ParseName(s)
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}
