package domain

import (
	"context"
	"time"
)

// TenantRepository defines the persistence contract for tenants.
type TenantRepository interface {
	Create(ctx context.Context, tenant Tenant) error
	GetByID(ctx context.Context, id string) (Tenant, error)
	List(ctx context.Context) ([]Tenant, error)
	Update(ctx context.Context, tenant Tenant) error
}

// ProfileRepository defines the persistence contract for profiles. Every read
// and write is scoped by tenant; a profile of another tenant is ErrProfileNotFound.
// Writes are optimistic on the expected prior status and return a
// *ConflictError when the stored status differs.
type ProfileRepository interface {
	Create(ctx context.Context, profile Profile) error
	GetByID(ctx context.Context, tenantID, id string) (Profile, error)
	List(ctx context.Context, tenantID string, filter ProfileFilter) ([]Profile, error)
	Count(ctx context.Context, tenantID string) (int, error)
	UpdateStatus(ctx context.Context, tenantID, id string, expected, next ProfileStatus, metadata map[string]string, updatedBy string, at time.Time) (Profile, error)
	BindDevice(ctx context.Context, tenantID, id string, expected ProfileStatus, deviceID, updatedBy string, at time.Time) (Profile, error)
	Delete(ctx context.Context, tenantID, id string) error
}

// MigrationRepository defines the persistence contract for migrations and
// their append-only step log. Create returns a *ConflictError when the
// profile already has an open migration. Latest returns the profile's most
// recently created migration.
type MigrationRepository interface {
	Create(ctx context.Context, migration Migration) error
	GetByID(ctx context.Context, tenantID, id string) (Migration, error)
	List(ctx context.Context, tenantID string, filter MigrationFilter) ([]Migration, error)
	HasOpen(ctx context.Context, tenantID, profileID string) (bool, error)
	Latest(ctx context.Context, tenantID, profileID string) (Migration, error)
	UpdateStatus(ctx context.Context, tenantID, id string, expected, next MigrationStatus, at time.Time) error
	AppendStep(ctx context.Context, tenantID, id string, step MigrationStep) error
}

// ArtifactRepository defines the persistence contract for activation artifacts.
type ArtifactRepository interface {
	Create(ctx context.Context, artifact ActivationArtifact) error
	Current(ctx context.Context, tenantID, profileID string, now time.Time) (ActivationArtifact, error)
	MarkScanned(ctx context.Context, tenantID, id string, at time.Time) (bool, error)
	DeactivateForProfile(ctx context.Context, tenantID, profileID string) (int, error)
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// AuditSink accepts audit entries. Appending an entry whose ID is already
// stored is a no-op.
type AuditSink interface {
	Append(ctx context.Context, entry AuditEntry) error
}

// AuditRepository is an AuditSink that can also be read back.
type AuditRepository interface {
	AuditSink
	List(ctx context.Context, tenantID string, filter AuditFilter) ([]AuditEntry, error)
}

// TransitionValidator checks status changes against the lifecycle tables.
type TransitionValidator interface {
	ValidateProfile(ctx context.Context, from, to ProfileStatus) error
	ValidateMigration(ctx context.Context, from, to MigrationStatus) error
}

// DeploymentExecutor performs device-side actions. A failed action is
// reported through ExecutionResult; a non-nil error means the action could
// not be attempted at all.
type DeploymentExecutor interface {
	Run(ctx context.Context, req ExecutionRequest) (ExecutionResult, error)
}

// DeviceProbe reports whether a device currently has a profile active.
type DeviceProbe interface {
	Probe(ctx context.Context, profileID, deviceID string) (bool, error)
}

// ArtifactRenderer renders an activation payload into a scannable image.
type ArtifactRenderer interface {
	Render(payload string) ([]byte, error)
}
