// Package access decides which operator roles may change camera settings.
package access

import "strings"

// DefaultRole is assumed when no role is configured.
const DefaultRole = "admin"

// DefaultAllowed lists the roles allowed to change settings by default.
var DefaultAllowed = []string{"admin", "atasan"}

// Gate is an explicit role allow-list.
type Gate struct {
	Role    string
	Allowed []string
}

// NewGate builds a gate, applying the defaults for empty values.
func NewGate(role string, allowed []string) Gate {
	if strings.TrimSpace(role) == "" {
		role = DefaultRole
	}
	if len(allowed) == 0 {
		allowed = DefaultAllowed
	}
	return Gate{Role: role, Allowed: allowed}
}

// Allows reports whether the configured role may change camera settings.
// Roles compare case-insensitively.
func (g Gate) Allows() bool {
	role := strings.TrimSpace(g.Role)
	for _, a := range g.Allowed {
		if strings.EqualFold(role, strings.TrimSpace(a)) {
			return true
		}
	}
	return false
}
