package capability

import (
	"context"

	"github.com/pitabwire/curator/model"
)

// RoleAuthorizer is the default model.Authorizer. Administrators pass any
// role gate; the clearance gate applies to everybody.
type RoleAuthorizer struct{}

// NewRoleAuthorizer creates a RoleAuthorizer.
func NewRoleAuthorizer() *RoleAuthorizer {
	return &RoleAuthorizer{}
}

// IsAuthorized reports whether p satisfies requiredRole and
// requiredClearance. An empty role admits any active user.
func (a *RoleAuthorizer) IsAuthorized(_ context.Context, p *model.Principal, requiredRole string, requiredClearance *int) (bool, error) {
	if p == nil || !p.Active {
		return false, nil
	}
	if requiredRole != "" && !p.HasRole(requiredRole) && !p.IsAdministrator() {
		return false, nil
	}
	if requiredClearance != nil && p.ClearanceLevel < *requiredClearance {
		return false, nil
	}
	return true, nil
}
