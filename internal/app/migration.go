package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/neomorfeo/esimflow/internal/domain"
)

// Default executor ceilings per action.
const (
	DefaultDeactivateTimeout = 2 * time.Minute
	DefaultDeployTimeout     = 5 * time.Minute
)

// Timeouts bounds each executor call made by the orchestrator.
type Timeouts struct {
	Deactivate time.Duration
	Deploy     time.Duration
}

func (t Timeouts) withDefaults() Timeouts {
	if t.Deactivate <= 0 {
		t.Deactivate = DefaultDeactivateTimeout
	}
	if t.Deploy <= 0 {
		t.Deploy = DefaultDeployTimeout
	}
	return t
}

// MigrationService drives device-to-device migrations: initiate, a strictly
// ordered three-step execute, and an explicit rollback.
type MigrationService struct {
	Deps
	profiles *ProfileService
	executor domain.DeploymentExecutor
	verifier *ActivationVerifier
	timeouts Timeouts
	locks    *keyedMutex
}

// NewMigrationService creates the orchestrator. Profile status and binding
// changes go through profiles.
func NewMigrationService(deps Deps, profiles *ProfileService, executor domain.DeploymentExecutor, verifier *ActivationVerifier, timeouts Timeouts) *MigrationService {
	return &MigrationService{
		Deps:     deps.withDefaults(),
		profiles: profiles,
		executor: executor,
		verifier: verifier,
		timeouts: timeouts.withDefaults(),
		locks:    newKeyedMutex(),
	}
}

// InitiateInput describes a requested migration.
type InitiateInput struct {
	ProfileID      string
	SourceDeviceID string
	TargetDeviceID string
	Notes          string
}

func (in InitiateInput) validate() error {
	switch {
	case strings.TrimSpace(in.ProfileID) == "":
		return &domain.ValidationError{Field: "profile_id", Reason: "must not be empty"}
	case strings.TrimSpace(in.SourceDeviceID) == "":
		return &domain.ValidationError{Field: "source_device_id", Reason: "must not be empty"}
	case strings.TrimSpace(in.TargetDeviceID) == "":
		return &domain.ValidationError{Field: "target_device_id", Reason: "must not be empty"}
	case in.SourceDeviceID == in.TargetDeviceID:
		return &domain.ValidationError{Field: "target_device_id", Reason: "must differ from the source device"}
	}
	return nil
}

// Initiate records a pending migration for a profile. The profile itself is
// not touched until Execute.
func (s *MigrationService) Initiate(ctx context.Context, actor domain.Actor, in InitiateInput) (domain.Migration, error) {
	if err := in.validate(); err != nil {
		return domain.Migration{}, err
	}

	tenant, err := s.admit(ctx, actor, domain.PermMigrateDevice, domain.ResourceProfile, in.ProfileID)
	if err != nil {
		return domain.Migration{}, err
	}
	if !tenant.Settings.AllowMigration {
		return domain.Migration{}, s.denied(ctx, actor, &domain.ForbiddenError{Reason: domain.ReasonMigrationDisabled}, domain.ResourceProfile, in.ProfileID)
	}

	// Shared with profile deletion; the unique open-migration index backs it up.
	unlock := s.profiles.locks.Lock(in.ProfileID)
	defer unlock()

	profile, err := s.Profiles.GetByID(ctx, actor.TenantID, in.ProfileID)
	if err != nil {
		return domain.Migration{}, err
	}
	if profile.Status == domain.ProfileMigrating {
		return domain.Migration{}, &domain.ConflictError{Resource: domain.ResourceProfile, ID: profile.ID, Reason: "profile is migrating"}
	}
	open, err := s.Migrations.HasOpen(ctx, actor.TenantID, profile.ID)
	if err != nil {
		return domain.Migration{}, err
	}
	if open {
		return domain.Migration{}, &domain.ConflictError{Resource: domain.ResourceProfile, ID: profile.ID, Reason: "profile already has an open migration"}
	}
	if profile.Status != domain.ProfileActive && profile.Status != domain.ProfileDeployed {
		return domain.Migration{}, &domain.InvalidStateError{
			Resource:  domain.ResourceProfile,
			ID:        profile.ID,
			Operation: "migrate",
			Current:   string(profile.Status),
		}
	}
	if profile.DeviceID != "" && profile.DeviceID != in.SourceDeviceID {
		return domain.Migration{}, &domain.ValidationError{Field: "source_device_id", Reason: "does not match the profile's current device"}
	}

	id, err := generateID()
	if err != nil {
		return domain.Migration{}, fmt.Errorf("generating migration id: %w", err)
	}

	migration := domain.NewMigration(id, profile.ID, actor.TenantID, in.SourceDeviceID, in.TargetDeviceID, actor.ID, in.Notes, s.Clock.Now())
	if err := s.Migrations.Create(ctx, migration); err != nil {
		return domain.Migration{}, err
	}

	s.Audit.Record(ctx, actor, domain.OpInitiateMigration, domain.ResourceMigration, migration.ID, map[string]any{
		"profile_id":       profile.ID,
		"source_device_id": migration.SourceDeviceID,
		"target_device_id": migration.TargetDeviceID,
	})
	return migration, nil
}

// Get returns a migration of the actor's tenant with its step log.
func (s *MigrationService) Get(ctx context.Context, actor domain.Actor, id string) (domain.Migration, error) {
	if _, err := s.admit(ctx, actor, domain.PermReadProfile, domain.ResourceMigration, id); err != nil {
		return domain.Migration{}, err
	}
	return s.Migrations.GetByID(ctx, actor.TenantID, id)
}

// List returns the actor's tenant migrations matching filter.
func (s *MigrationService) List(ctx context.Context, actor domain.Actor, filter domain.MigrationFilter) ([]domain.Migration, error) {
	if _, err := s.admit(ctx, actor, domain.PermReadProfile, domain.ResourceMigration, ""); err != nil {
		return nil, err
	}
	return s.Migrations.List(ctx, actor.TenantID, filter)
}

// Execute runs a pending migration to completion: deactivate on the source,
// deploy to the target, verify on the target. The first failing step fails
// the migration and leaves the profile in error; the returned error is then
// a *domain.ExecutorError and the migration reflects how far it got. A
// failure to bind or activate the profile afterwards fails it the same way.
func (s *MigrationService) Execute(ctx context.Context, actor domain.Actor, id string) (domain.Migration, error) {
	if _, err := s.admit(ctx, actor, domain.PermMigrateDevice, domain.ResourceMigration, id); err != nil {
		return domain.Migration{}, err
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	migration, err := s.Migrations.GetByID(ctx, actor.TenantID, id)
	if err != nil {
		return domain.Migration{}, err
	}
	if migration.Status != domain.MigrationPending {
		return domain.Migration{}, &domain.InvalidStateError{
			Resource:  domain.ResourceMigration,
			ID:        id,
			Operation: "execute",
			Current:   string(migration.Status),
		}
	}
	if err := s.Validator.ValidateMigration(ctx, migration.Status, domain.MigrationInProgress); err != nil {
		return domain.Migration{}, err
	}

	profile, err := s.Profiles.GetByID(ctx, actor.TenantID, migration.ProfileID)
	if err != nil {
		return domain.Migration{}, err
	}

	// Steps run to completion or time out; the caller going away does not
	// abandon a half-run workflow.
	ctx = context.WithoutCancel(ctx)

	if err := s.Migrations.UpdateStatus(ctx, actor.TenantID, id, domain.MigrationPending, domain.MigrationInProgress, s.Clock.Now()); err != nil {
		return domain.Migration{}, err
	}
	s.Audit.Record(ctx, actor, domain.OpExecuteMigration, domain.ResourceMigration, id, map[string]any{
		"profile_id": profile.ID,
	})

	profile, err = s.profiles.apply(ctx, actor, profile, domain.ProfileMigrating, nil)
	if err != nil {
		// The profile is untouched; only the migration records the failure.
		if ferr := s.finish(ctx, actor, migration, domain.MigrationInProgress, domain.MigrationFailed, err.Error()); ferr != nil {
			return domain.Migration{}, errors.Join(err, ferr)
		}
		return domain.Migration{}, err
	}

	steps := []func() (*domain.ExecutorError, error){
		func() (*domain.ExecutorError, error) {
			return s.runStep(ctx, migration, domain.StepDeactivateSource, domain.ActionDeactivate, profile, migration.SourceDeviceID, s.timeouts.Deactivate)
		},
		func() (*domain.ExecutorError, error) {
			return s.runStep(ctx, migration, domain.StepDeployTarget, domain.ActionDeploy, profile, migration.TargetDeviceID, s.timeouts.Deploy)
		},
		func() (*domain.ExecutorError, error) {
			return s.verifyStep(ctx, migration, profile)
		},
	}

	for _, step := range steps {
		stepErr, err := step()
		switch {
		case stepErr != nil:
			return s.fail(ctx, actor, migration, stepErr)
		case err != nil:
			return s.fail(ctx, actor, migration, err)
		}
	}

	if err := s.commit(ctx, actor, migration, profile); err != nil {
		return s.fail(ctx, actor, migration, fmt.Errorf("committing migration: %w", err))
	}
	return s.Migrations.GetByID(ctx, actor.TenantID, id)
}

// commit binds the profile to the target device, activates it and completes
// the migration.
func (s *MigrationService) commit(ctx context.Context, actor domain.Actor, migration domain.Migration, profile domain.Profile) error {
	profile, err := s.profiles.bindDevice(ctx, actor, profile, migration.TargetDeviceID)
	if err != nil {
		return fmt.Errorf("binding target device: %w", err)
	}
	if _, err := s.profiles.apply(ctx, actor, profile, domain.ProfileActive, nil); err != nil {
		return fmt.Errorf("activating profile: %w", err)
	}
	return s.finish(ctx, actor, migration, domain.MigrationInProgress, domain.MigrationCompleted, "")
}

// fail closes an in-progress migration as failed and moves its profile to
// error. cause is returned alongside the failed migration; if the failure
// itself cannot be recorded both errors are returned.
func (s *MigrationService) fail(ctx context.Context, actor domain.Actor, migration domain.Migration, cause error) (domain.Migration, error) {
	profile, err := s.Profiles.GetByID(ctx, migration.TenantID, migration.ProfileID)
	if err == nil && profile.Status != domain.ProfileError {
		_, err = s.profiles.apply(ctx, actor, profile, domain.ProfileError, nil)
	}
	if err != nil {
		s.Logger.Error("moving profile to error", zap.Error(err), zap.String("profile_id", migration.ProfileID))
	}

	if err := s.finish(ctx, actor, migration, domain.MigrationInProgress, domain.MigrationFailed, cause.Error()); err != nil {
		return domain.Migration{}, errors.Join(cause, err)
	}

	failed, err := s.Migrations.GetByID(ctx, migration.TenantID, migration.ID)
	if err != nil {
		return domain.Migration{}, errors.Join(cause, err)
	}
	return failed, cause
}

// Rollback re-deploys the profile of a failed migration to its source device.
// Only the profile's latest migration can be rolled back, and only while the
// profile is still in error from it. On success the profile is active on the
// source again and the migration is rolled back; on failure the migration
// stays failed.
func (s *MigrationService) Rollback(ctx context.Context, actor domain.Actor, id string) (domain.Migration, error) {
	if _, err := s.admit(ctx, actor, domain.PermMigrateDevice, domain.ResourceMigration, id); err != nil {
		return domain.Migration{}, err
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	migration, err := s.Migrations.GetByID(ctx, actor.TenantID, id)
	if err != nil {
		return domain.Migration{}, err
	}
	if migration.Status != domain.MigrationFailed {
		return domain.Migration{}, &domain.InvalidStateError{
			Resource:  domain.ResourceMigration,
			ID:        id,
			Operation: "rollback",
			Current:   string(migration.Status),
		}
	}
	if err := s.Validator.ValidateMigration(ctx, migration.Status, domain.MigrationRolledBack); err != nil {
		return domain.Migration{}, err
	}

	unlockProfile := s.profiles.locks.Lock(migration.ProfileID)
	defer unlockProfile()

	profile, err := s.Profiles.GetByID(ctx, actor.TenantID, migration.ProfileID)
	if err != nil {
		return domain.Migration{}, err
	}
	if err := s.checkRollback(ctx, migration, profile); err != nil {
		return domain.Migration{}, err
	}
	if err := s.Validator.ValidateProfile(ctx, profile.Status, domain.ProfileActive); err != nil {
		return domain.Migration{}, err
	}

	ctx = context.WithoutCancel(ctx)

	stepErr, err := s.runStep(ctx, migration, domain.StepRollbackSource, domain.ActionDeploy, profile, migration.SourceDeviceID, s.timeouts.Deploy)
	if err != nil {
		return domain.Migration{}, err
	}
	if stepErr != nil {
		s.Audit.Flag(ctx, actor, domain.OpRollbackMigration, domain.ResourceMigration, id, domain.RequiresReview, map[string]any{
			"success": false,
			"error":   stepErr.Detail,
		})
		failed, gerr := s.Migrations.GetByID(ctx, actor.TenantID, id)
		if gerr != nil {
			return domain.Migration{}, gerr
		}
		return failed, stepErr
	}

	profile, err = s.profiles.bindDevice(ctx, actor, profile, migration.SourceDeviceID)
	if err != nil {
		return domain.Migration{}, fmt.Errorf("binding source device: %w", err)
	}
	if _, err := s.profiles.apply(ctx, actor, profile, domain.ProfileActive, nil); err != nil {
		return domain.Migration{}, fmt.Errorf("reactivating profile: %w", err)
	}
	if err := s.finish(ctx, actor, migration, domain.MigrationFailed, domain.MigrationRolledBack, ""); err != nil {
		return domain.Migration{}, fmt.Errorf("completing rollback: %w", err)
	}

	return s.Migrations.GetByID(ctx, actor.TenantID, id)
}

// checkRollback refuses to roll back a migration the profile has moved on
// from. The profile may still be bound to the target when the commit failed
// after binding.
func (s *MigrationService) checkRollback(ctx context.Context, migration domain.Migration, profile domain.Profile) error {
	refuse := func(reason string) error {
		return &domain.InvalidStateError{
			Resource:  domain.ResourceMigration,
			ID:        migration.ID,
			Operation: "rollback",
			Current:   string(migration.Status),
			Reason:    reason,
		}
	}

	if profile.Status != domain.ProfileError {
		return refuse(fmt.Sprintf("profile is %s, not %s", profile.Status, domain.ProfileError))
	}
	switch profile.DeviceID {
	case "", migration.SourceDeviceID, migration.TargetDeviceID:
	default:
		return refuse("profile is bound to another device")
	}

	open, err := s.Migrations.HasOpen(ctx, migration.TenantID, migration.ProfileID)
	if err != nil {
		return err
	}
	if open {
		return refuse("profile has an open migration")
	}

	latest, err := s.Migrations.Latest(ctx, migration.TenantID, migration.ProfileID)
	if err != nil {
		return err
	}
	if latest.ID != migration.ID {
		return refuse("a newer migration exists")
	}
	return nil
}

// runStep performs one executor action under its timeout and appends the
// outcome to the step log. A failed or timed-out action is returned as a
// *domain.ExecutorError; a non-nil error means the step could not be recorded.
func (s *MigrationService) runStep(ctx context.Context, migration domain.Migration, name domain.StepName, action domain.Action, profile domain.Profile, deviceID string, timeout time.Duration) (*domain.ExecutorError, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := s.Clock.Now()
	result, err := s.executor.Run(runCtx, domain.ExecutionRequest{
		Action:    action,
		ProfileID: profile.ID,
		DeviceID:  deviceID,
		Params:    profile.Params(),
		Timeout:   timeout,
	})

	step := domain.MigrationStep{
		Name:    name,
		Success: err == nil && result.Success,
		Output:  result.Output,
		Error:   result.Error,
	}
	switch {
	case err != nil:
		step.Error = err.Error()
	case !result.Success && step.Error == "":
		step.Error = "executor reported failure"
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && !step.Success {
		step.Error = fmt.Sprintf("timed out after %s: %s", timeout, step.Error)
	}

	return s.record(ctx, migration, step, deviceID, started)
}

func (s *MigrationService) verifyStep(ctx context.Context, migration domain.Migration, profile domain.Profile) (*domain.ExecutorError, error) {
	started := s.Clock.Now()
	output, err := s.verifier.Verify(ctx, profile.ID, migration.TargetDeviceID)

	step := domain.MigrationStep{
		Name:    domain.StepVerifyActivation,
		Success: err == nil,
		Output:  output,
	}
	if err != nil {
		step.Error = err.Error()
	}
	return s.record(ctx, migration, step, migration.TargetDeviceID, started)
}

func (s *MigrationService) record(ctx context.Context, migration domain.Migration, step domain.MigrationStep, deviceID string, started time.Time) (*domain.ExecutorError, error) {
	step.ExecutedAt = s.Clock.Now().UTC()
	s.Metrics.StepFinished(step.Name, step.Success, step.ExecutedAt.Sub(started))

	if err := s.Migrations.AppendStep(ctx, migration.TenantID, migration.ID, step); err != nil {
		return nil, fmt.Errorf("recording step %s: %w", step.Name, err)
	}

	logger := s.Logger.With(
		zap.String("migration_id", migration.ID),
		zap.String("step", string(step.Name)),
		zap.String("device_id", deviceID),
	)
	if !step.Success {
		logger.Warn("migration step failed", zap.String("error", step.Error))
		return &domain.ExecutorError{Step: step.Name, DeviceID: deviceID, Detail: step.Error}, nil
	}
	logger.Info("migration step succeeded")
	return nil, nil
}

// finish moves the migration to a terminal-side status, audits and counts it.
func (s *MigrationService) finish(ctx context.Context, actor domain.Actor, migration domain.Migration, from, to domain.MigrationStatus, detail string) error {
	if err := s.Validator.ValidateMigration(ctx, from, to); err != nil {
		return err
	}
	if err := s.Migrations.UpdateStatus(ctx, migration.TenantID, migration.ID, from, to, s.Clock.Now()); err != nil {
		return fmt.Errorf("marking migration %s: %w", to, err)
	}
	s.Metrics.MigrationFinished(to)

	details := map[string]any{"profile_id": migration.ProfileID}
	switch to {
	case domain.MigrationCompleted:
		details["device_id"] = migration.TargetDeviceID
		s.Audit.Record(ctx, actor, domain.OpCompleteMigration, domain.ResourceMigration, migration.ID, details)
	case domain.MigrationRolledBack:
		details["device_id"] = migration.SourceDeviceID
		s.Audit.Record(ctx, actor, domain.OpRollbackMigration, domain.ResourceMigration, migration.ID, details)
	case domain.MigrationFailed:
		details["error"] = detail
		s.Audit.Flag(ctx, actor, domain.OpFailMigration, domain.ResourceMigration, migration.ID, domain.RequiresReview, details)
	}

	s.Logger.Info("migration finished",
		zap.String("migration_id", migration.ID),
		zap.String("profile_id", migration.ProfileID),
		zap.String("status", string(to)),
	)
	return nil
}
