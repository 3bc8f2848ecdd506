package app

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/neomorfeo/esimflow/internal/domain"
)

// TenantService is the platform operator's view of tenants. It is used by
// the CLI, which runs outside any tenant, so it takes no actor.
type TenantService struct {
	Deps
}

// NewTenantService creates a tenant service.
func NewTenantService(deps Deps) *TenantService {
	return &TenantService{Deps: deps.withDefaults()}
}

// Create persists a new active tenant with default settings.
func (s *TenantService) Create(ctx context.Context, name string, provider domain.Provider, settings *domain.TenantSettings) (domain.Tenant, error) {
	if strings.TrimSpace(name) == "" {
		return domain.Tenant{}, &domain.ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if !provider.Valid() {
		return domain.Tenant{}, &domain.ValidationError{Field: "provider", Reason: fmt.Sprintf("unsupported provider %q", provider)}
	}

	id, err := generateID()
	if err != nil {
		return domain.Tenant{}, fmt.Errorf("generating tenant id: %w", err)
	}

	tenant := domain.NewTenant(id, name, provider, s.Clock.Now())
	if settings != nil {
		if settings.MaxProfiles <= 0 {
			return domain.Tenant{}, &domain.ValidationError{Field: "max_profiles", Reason: "must be positive"}
		}
		tenant.Settings = *settings
	}

	if err := s.Tenants.Create(ctx, tenant); err != nil {
		return domain.Tenant{}, fmt.Errorf("creating tenant: %w", err)
	}

	s.Logger.Info("tenant created", zap.String("tenant_id", tenant.ID), zap.String("provider", string(provider)))
	return tenant, nil
}

// Get returns a tenant by its unique identifier.
func (s *TenantService) Get(ctx context.Context, id string) (domain.Tenant, error) {
	return s.Tenants.GetByID(ctx, id)
}

// List returns every tenant.
func (s *TenantService) List(ctx context.Context) ([]domain.Tenant, error) {
	return s.Tenants.List(ctx)
}

// Deactivate soft-deletes a tenant: its actors are refused from then on.
func (s *TenantService) Deactivate(ctx context.Context, id string) (domain.Tenant, error) {
	tenant, err := s.Tenants.GetByID(ctx, id)
	if err != nil {
		return domain.Tenant{}, err
	}
	if !tenant.Active {
		return tenant, nil
	}

	tenant.Active = false
	tenant.UpdatedAt = s.Clock.Now().UTC()
	if err := s.Tenants.Update(ctx, tenant); err != nil {
		return domain.Tenant{}, fmt.Errorf("deactivating tenant: %w", err)
	}

	s.Logger.Info("tenant deactivated", zap.String("tenant_id", id))
	return tenant, nil
}
