package app

import (
	"slices"

	"github.com/neomorfeo/esimflow/internal/domain"
)

// Guard evaluates role and tenant membership. It has no side effects;
// callers audit the outcome.
type Guard struct{}

// NewGuard creates an authorization guard.
func NewGuard() *Guard {
	return &Guard{}
}

// Authorize checks that actor is active, belongs to resourceTenant (when
// given) and ranks at least as high as required.
func (g *Guard) Authorize(actor domain.Actor, required domain.Role, resourceTenant string) error {
	if err := g.membership(actor, resourceTenant); err != nil {
		return err
	}
	if actor.Role.Rank() < required.Rank() {
		return &domain.ForbiddenError{Reason: domain.ReasonInsufficientRole}
	}
	return nil
}

// Permit is Authorize against the role to permission table instead of a
// role rank.
func (g *Guard) Permit(actor domain.Actor, perm domain.Permission, resourceTenant string) error {
	if err := g.membership(actor, resourceTenant); err != nil {
		return err
	}
	if !slices.Contains(domain.RolePermissions[actor.Role], perm) {
		return &domain.ForbiddenError{Reason: domain.ReasonInsufficientRole}
	}
	return nil
}

// PermissionsFor returns the permissions granted to the actor's role.
// Inactive actors have none.
func (g *Guard) PermissionsFor(actor domain.Actor) []domain.Permission {
	if !actor.Active {
		return nil
	}
	return slices.Clone(domain.RolePermissions[actor.Role])
}

func (g *Guard) membership(actor domain.Actor, resourceTenant string) error {
	if !actor.Active {
		return &domain.ForbiddenError{Reason: domain.ReasonInactiveActor}
	}
	// No cross-tenant override exists, not even for admins.
	if resourceTenant != "" && resourceTenant != actor.TenantID {
		return &domain.ForbiddenError{Reason: domain.ReasonTenantMismatch}
	}
	return nil
}
