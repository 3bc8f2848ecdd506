package app

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/neomorfeo/esimflow/internal/domain"
)

// ProfileService owns the profile lifecycle. It is the only writer of
// profile status and device binding.
type ProfileService struct {
	Deps
	locks *keyedMutex
}

// NewProfileService creates the lifecycle controller.
func NewProfileService(deps Deps) *ProfileService {
	return &ProfileService{Deps: deps.withDefaults(), locks: newKeyedMutex()}
}

// ProvisionInput describes a new profile.
type ProvisionInput struct {
	DisplayName    string
	Provider       domain.Provider
	ActivationCode string
	SMDPServerURL  string
	Metadata       map[string]string
}

func (in ProvisionInput) validate() error {
	switch {
	case strings.TrimSpace(in.DisplayName) == "":
		return &domain.ValidationError{Field: "display_name", Reason: "must not be empty"}
	case !in.Provider.Valid():
		return &domain.ValidationError{Field: "provider", Reason: fmt.Sprintf("unsupported provider %q", in.Provider)}
	case strings.TrimSpace(in.ActivationCode) == "":
		return &domain.ValidationError{Field: "activation_code", Reason: "must not be empty"}
	case strings.TrimSpace(in.SMDPServerURL) == "":
		return &domain.ValidationError{Field: "smdp_server_url", Reason: "must not be empty"}
	}
	return nil
}

// Provision creates a profile in the "created" state within the actor's
// tenant, subject to the tenant's profile quota.
func (s *ProfileService) Provision(ctx context.Context, actor domain.Actor, in ProvisionInput) (domain.Profile, error) {
	if err := in.validate(); err != nil {
		return domain.Profile{}, err
	}

	tenant, err := s.admit(ctx, actor, domain.PermCreateProfile, domain.ResourceProfile, "")
	if err != nil {
		return domain.Profile{}, err
	}

	count, err := s.Profiles.Count(ctx, tenant.ID)
	if err != nil {
		return domain.Profile{}, err
	}
	if count >= tenant.Settings.MaxProfiles {
		return domain.Profile{}, s.denied(ctx, actor, &domain.ForbiddenError{Reason: domain.ReasonProfileQuota}, domain.ResourceProfile, "")
	}

	id, err := generateID()
	if err != nil {
		return domain.Profile{}, fmt.Errorf("generating profile id: %w", err)
	}

	profile := domain.NewProfile(id, tenant.ID, in.DisplayName, in.Provider,
		domain.Activation{ActivationCode: in.ActivationCode, SMDPServerURL: in.SMDPServerURL},
		actor.ID, s.Clock.Now())
	profile.Metadata = profile.MergeMetadata(in.Metadata)

	if err := s.Profiles.Create(ctx, profile); err != nil {
		return domain.Profile{}, fmt.Errorf("creating profile: %w", err)
	}

	s.Audit.Record(ctx, actor, domain.OpCreateProfile, domain.ResourceProfile, profile.ID, map[string]any{
		"provider":     string(profile.Provider),
		"display_name": profile.DisplayName,
	})
	return profile, nil
}

// Get returns a profile of the actor's tenant.
func (s *ProfileService) Get(ctx context.Context, actor domain.Actor, id string) (domain.Profile, error) {
	if _, err := s.admit(ctx, actor, domain.PermReadProfile, domain.ResourceProfile, id); err != nil {
		return domain.Profile{}, err
	}
	return s.Profiles.GetByID(ctx, actor.TenantID, id)
}

// List returns the actor's tenant profiles matching filter.
func (s *ProfileService) List(ctx context.Context, actor domain.Actor, filter domain.ProfileFilter) ([]domain.Profile, error) {
	if _, err := s.admit(ctx, actor, domain.PermReadProfile, domain.ResourceProfile, ""); err != nil {
		return nil, err
	}
	return s.Profiles.List(ctx, actor.TenantID, filter)
}

// Delete removes a profile that is not involved in a migration.
func (s *ProfileService) Delete(ctx context.Context, actor domain.Actor, id string) error {
	if _, err := s.admit(ctx, actor, domain.PermDeleteProfile, domain.ResourceProfile, id); err != nil {
		return err
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	profile, err := s.Profiles.GetByID(ctx, actor.TenantID, id)
	if err != nil {
		return err
	}
	if profile.Status == domain.ProfileMigrating {
		return &domain.ConflictError{Resource: domain.ResourceProfile, ID: id, Reason: "profile is migrating"}
	}
	open, err := s.Migrations.HasOpen(ctx, actor.TenantID, id)
	if err != nil {
		return err
	}
	if open {
		return &domain.ConflictError{Resource: domain.ResourceProfile, ID: id, Reason: "profile has an open migration"}
	}

	if err := s.Profiles.Delete(ctx, actor.TenantID, id); err != nil {
		return err
	}

	s.Audit.Record(ctx, actor, domain.OpDeleteProfile, domain.ResourceProfile, id, map[string]any{
		"status": string(profile.Status),
	})
	return nil
}

// Transition moves a profile to next on an explicit request. The migrating
// state is reserved for migrations, and suspending or deactivating needs an
// admin.
func (s *ProfileService) Transition(ctx context.Context, actor domain.Actor, id string, next domain.ProfileStatus, metadata map[string]string) (domain.Profile, error) {
	if !next.Valid() {
		return domain.Profile{}, &domain.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown profile status %q", next)}
	}
	if next == domain.ProfileMigrating {
		return domain.Profile{}, &domain.ValidationError{Field: "status", Reason: "migrating is entered by executing a migration"}
	}

	if _, err := s.admit(ctx, actor, domain.PermUpdateProfile, domain.ResourceProfile, id); err != nil {
		return domain.Profile{}, err
	}
	if next == domain.ProfileSuspended || next == domain.ProfileDeactivated {
		if err := s.requireRole(ctx, actor, domain.RoleAdmin, domain.ResourceProfile, id); err != nil {
			return domain.Profile{}, err
		}
	}

	profile, err := s.Profiles.GetByID(ctx, actor.TenantID, id)
	if err != nil {
		return domain.Profile{}, err
	}
	if profile.Status == domain.ProfileMigrating {
		return domain.Profile{}, &domain.ConflictError{Resource: domain.ResourceProfile, ID: id, Reason: "profile is migrating"}
	}

	return s.apply(ctx, actor, profile, next, metadata)
}

// apply validates and persists one status change of profile, expecting the
// stored status to still be profile.Status, and audits it.
func (s *ProfileService) apply(ctx context.Context, actor domain.Actor, profile domain.Profile, next domain.ProfileStatus, metadata map[string]string) (domain.Profile, error) {
	if err := s.Validator.ValidateProfile(ctx, profile.Status, next); err != nil {
		return domain.Profile{}, err
	}

	var merged map[string]string
	if len(metadata) > 0 {
		merged = profile.MergeMetadata(metadata)
	}

	updated, err := s.Profiles.UpdateStatus(ctx, profile.TenantID, profile.ID, profile.Status, next, merged, actor.ID, s.Clock.Now())
	if err != nil {
		return domain.Profile{}, err
	}

	details := map[string]any{
		"old_status": string(profile.Status),
		"new_status": string(next),
	}
	if len(metadata) > 0 {
		details["metadata"] = metadata
	}
	s.Audit.Record(ctx, actor, domain.OpUpdateProfileStatus, domain.ResourceProfile, profile.ID, details)

	if next == domain.ProfileSuspended || next == domain.ProfileDeactivated {
		n, err := s.Artifacts.DeactivateForProfile(ctx, profile.TenantID, profile.ID)
		if err != nil {
			return domain.Profile{}, fmt.Errorf("invalidating activation artifacts: %w", err)
		}
		if n > 0 {
			s.Logger.Info("activation artifacts invalidated",
				zap.String("profile_id", profile.ID),
				zap.String("status", string(next)),
				zap.Int("count", n),
			)
		}
	}

	return updated, nil
}

// bindDevice sets the device binding of profile, expecting its status to be
// unchanged. Only the migration orchestrator calls it.
func (s *ProfileService) bindDevice(ctx context.Context, actor domain.Actor, profile domain.Profile, deviceID string) (domain.Profile, error) {
	updated, err := s.Profiles.BindDevice(ctx, profile.TenantID, profile.ID, profile.Status, deviceID, actor.ID, s.Clock.Now())
	if err != nil {
		return domain.Profile{}, err
	}

	s.Audit.Record(ctx, actor, domain.OpBindDevice, domain.ResourceProfile, profile.ID, map[string]any{
		"previous_device_id": profile.DeviceID,
		"device_id":          deviceID,
	})
	return updated, nil
}
