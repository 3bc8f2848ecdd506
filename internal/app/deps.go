package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/neomorfeo/esimflow/internal/domain"
)

// Deps bundles the adapters shared by the services.
type Deps struct {
	Tenants    domain.TenantRepository
	Profiles   domain.ProfileRepository
	Migrations domain.MigrationRepository
	Artifacts  domain.ArtifactRepository
	Validator  domain.TransitionValidator
	Audit      *AuditRecorder
	Guard      *Guard
	Metrics    Metrics
	Clock      clock.Clock
	Logger     *zap.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Guard == nil {
		d.Guard = NewGuard()
	}
	if d.Metrics == nil {
		d.Metrics = noopMetrics{}
	}
	if d.Clock == nil {
		d.Clock = clock.WallClock
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return d
}

// admit checks perm for actor within its own tenant and loads the tenant,
// which must be active. Denials are audited as non-compliant.
func (d Deps) admit(ctx context.Context, actor domain.Actor, perm domain.Permission, resource domain.ResourceType, resourceID string) (domain.Tenant, error) {
	if err := d.Guard.Permit(actor, perm, actor.TenantID); err != nil {
		return domain.Tenant{}, d.denied(ctx, actor, err, resource, resourceID)
	}

	tenant, err := d.Tenants.GetByID(ctx, actor.TenantID)
	if errors.Is(err, domain.ErrTenantNotFound) || (err == nil && !tenant.Active) {
		return domain.Tenant{}, d.denied(ctx, actor, &domain.ForbiddenError{Reason: domain.ReasonTenantInactive}, resource, resourceID)
	}
	if err != nil {
		return domain.Tenant{}, fmt.Errorf("loading tenant: %w", err)
	}
	return tenant, nil
}

// requireRole is the rank-based counterpart of admit, used where an
// operation needs more than its base permission.
func (d Deps) requireRole(ctx context.Context, actor domain.Actor, role domain.Role, resource domain.ResourceType, resourceID string) error {
	if err := d.Guard.Authorize(actor, role, actor.TenantID); err != nil {
		return d.denied(ctx, actor, err, resource, resourceID)
	}
	return nil
}

// denied audits and counts a *domain.ForbiddenError and returns err unchanged.
func (d Deps) denied(ctx context.Context, actor domain.Actor, err error, resource domain.ResourceType, resourceID string) error {
	var forbidden *domain.ForbiddenError
	if !errors.As(err, &forbidden) {
		return err
	}
	d.Metrics.AccessDenied(forbidden.Reason)
	d.Audit.Flag(ctx, actor, domain.OpAccessDenied, resource, resourceID, domain.NonCompliant, map[string]any{
		"reason": string(forbidden.Reason),
		"role":   string(actor.Role),
	})
	d.Logger.Warn("access denied",
		zap.String("actor_id", actor.ID),
		zap.String("tenant_id", actor.TenantID),
		zap.String("reason", string(forbidden.Reason)),
		zap.String("resource_type", string(resource)),
		zap.String("resource_id", resourceID),
	)
	return err
}
