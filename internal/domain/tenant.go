package domain

import "time"

// Default tenant settings applied when a tenant is created without overrides.
const (
	DefaultMaxProfiles        = 1000
	DefaultAuditRetentionDays = 2555
)

// TenantSettings holds the per-tenant knobs consulted by the profile and
// migration services.
type TenantSettings struct {
	MaxProfiles        int
	AllowMigration     bool
	AuditRetentionDays int
}

// DefaultTenantSettings returns the settings a new tenant starts with.
func DefaultTenantSettings() TenantSettings {
	return TenantSettings{
		MaxProfiles:        DefaultMaxProfiles,
		AllowMigration:     true,
		AuditRetentionDays: DefaultAuditRetentionDays,
	}
}

// Tenant is the isolation boundary. Profiles, actors, migrations and
// artifacts all reference exactly one tenant by ID.
type Tenant struct {
	ID        string
	Name      string
	Provider  Provider
	Active    bool
	Settings  TenantSettings
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewTenant creates an active tenant with default settings.
func NewTenant(id, name string, provider Provider, now time.Time) Tenant {
	now = now.UTC()
	return Tenant{
		ID:        id,
		Name:      name,
		Provider:  provider,
		Active:    true,
		Settings:  DefaultTenantSettings(),
		CreatedAt: now,
		UpdatedAt: now,
	}
}
