package model

import (
	"context"
	"strings"
)

// Well-known capabilities.
const (
	CapWorkflowsAdmin = "workflows:admin"
	CapTasksExport    = "tasks:export"
	CapTasksRelease   = "tasks:release:any"
)

// RoleAdministrator is the role that may act on any task regardless of
// assignment.
const RoleAdministrator = "administrator"

// TransitionCapability returns the capability that gates transitions of the
// given procedure type, e.g. "procedures:acquisition:transition".
func TransitionCapability(procedureType string) string {
	return "procedures:" + procedureType + ":transition"
}

// CapabilitySet is a set of capabilities granted to a user. Each key is a
// capability string (e.g. "procedures:loans_in:transition") and may include
// wildcards (e.g. "procedures:*").
type CapabilitySet map[string]bool

// Has returns true if the set contains the exact capability or a wildcard
// that matches it.
func (cs CapabilitySet) Has(cap string) bool {
	if cs[cap] {
		return true
	}
	for pattern := range cs {
		if matchWildcard(pattern, cap) {
			return true
		}
	}
	return false
}

// HasAll returns true if the set matches all given capabilities.
func (cs CapabilitySet) HasAll(caps ...string) bool {
	for _, cap := range caps {
		if !cs.Has(cap) {
			return false
		}
	}
	return true
}

// HasAny returns true if the set matches at least one of the given
// capabilities.
func (cs CapabilitySet) HasAny(caps ...string) bool {
	for _, cap := range caps {
		if cs.Has(cap) {
			return true
		}
	}
	return false
}

// matchWildcard returns true if pattern (which may end in "*") matches cap.
//
//	"*"                     matches anything
//	"procedures:*"          matches "procedures:loans_in:transition"
//	"procedures:loans_in:*" matches "procedures:loans_in:transition"
//	"procedures:loans_in"   does NOT match "procedures:loans_in:transition"
func matchWildcard(pattern, cap string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.HasSuffix(pattern, ":*") {
		return false
	}
	prefix := pattern[:len(pattern)-1]
	return strings.HasPrefix(cap, prefix)
}

// Principal is the authorization view of a user: who they are, which roles
// they hold and how far their security clearance reaches.
type Principal struct {
	ID             string        `json:"id"`
	Email          string        `json:"email,omitempty"`
	Name           string        `json:"name,omitempty"`
	Roles          []string      `json:"roles,omitempty"`
	ClearanceLevel int           `json:"clearance_level"`
	Active         bool          `json:"active"`
	Capabilities   CapabilitySet `json:"-"`
}

// HasRole reports whether the principal holds the role.
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsAdministrator reports whether the principal may act on tasks it does not
// own.
func (p *Principal) IsAdministrator() bool {
	return p.HasRole(RoleAdministrator) || p.Capabilities.Has(CapWorkflowsAdmin)
}

// Authorizer answers role and clearance questions for the workflow engine.
// An empty requiredRole means any authenticated user; a nil
// requiredClearance means no clearance gate.
type Authorizer interface {
	IsAuthorized(ctx context.Context, p *Principal, requiredRole string, requiredClearance *int) (bool, error)
}

// Directory looks up principals that are not the current caller, for
// eligibility checks, auto-assignment and notification fan-out.
type Directory interface {
	Lookup(ctx context.Context, userID string) (*Principal, error)
	UsersWithRole(ctx context.Context, role string) ([]*Principal, error)
}

// ObjectResolver names the domain entity a task refers to. It is used for
// display only.
type ObjectResolver interface {
	ObjectTitle(ctx context.Context, objectType, objectID string) (string, bool)
}
