package upgrade

import (
	"fmt"
	"strings"
)

const syntheticTypePrefix = "Compose_"

// SyntheticTypeName is the application type generated for a compose or
// single-instance deployment
func SyntheticTypeName(deployment string) string {
	return syntheticTypePrefix + strings.ReplaceAll(deployment, "/", "_")
}

// SyntheticTypeVersion is the generated version for the n-th description
// applied to a deployment
func SyntheticTypeVersion(generation uint64) string {
	return fmt.Sprintf("v%d", generation)
}

// IsSyntheticType reports whether typeName was generated for a deployment
func IsSyntheticType(typeName string) bool {
	return strings.HasPrefix(typeName, syntheticTypePrefix)
}
