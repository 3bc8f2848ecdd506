package app_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/neomorfeo/esimflow/internal/app"
	"github.com/neomorfeo/esimflow/internal/domain"
)

func initiate(t *testing.T, f *fixture, profileID, source, target string) domain.Migration {
	t.Helper()
	m, err := f.migrations.Initiate(context.Background(), operator, app.InitiateInput{
		ProfileID:      profileID,
		SourceDeviceID: source,
		TargetDeviceID: target,
		Notes:          "handset swap",
	})
	require.NoError(t, err)
	return m
}

func stepNames(m domain.Migration) []domain.StepName {
	out := make([]domain.StepName, 0, len(m.Steps))
	for _, s := range m.Steps {
		out = append(out, s.Name)
	}
	return out
}

func TestMigration_Execute_Success(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.activeProfile(t, "dev-1")

	m := initiate(t, f, p.ID, "dev-1", "dev-2")
	require.Equal(t, domain.MigrationPending, m.Status)

	// Initiate leaves the profile alone.
	got, err := f.profiles.Get(ctx, operator, p.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ProfileActive, got.Status)

	m, err = f.migrations.Execute(ctx, operator, m.ID)
	require.NoError(t, err)
	require.Equal(t, domain.MigrationCompleted, m.Status)
	require.NotNil(t, m.CompletedAt)
	require.Equal(t, []domain.StepName{
		domain.StepDeactivateSource,
		domain.StepDeployTarget,
		domain.StepVerifyActivation,
	}, stepNames(m))
	for i, s := range m.Steps {
		require.True(t, s.Success, "step %s", s.Name)
		if i > 0 {
			require.False(t, s.ExecutedAt.Before(m.Steps[i-1].ExecutedAt))
		}
	}

	got, err = f.profiles.Get(ctx, operator, p.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ProfileActive, got.Status)
	require.Equal(t, "dev-2", got.DeviceID)

	calls := f.exec.calls
	require.Len(t, calls, 2)
	require.Equal(t, domain.ActionDeactivate, calls[0].Action)
	require.Equal(t, "dev-1", calls[0].DeviceID)
	require.Equal(t, app.DefaultDeactivateTimeout, calls[0].Timeout)
	require.Equal(t, domain.ActionDeploy, calls[1].Action)
	require.Equal(t, "dev-2", calls[1].DeviceID)
	require.Equal(t, "K2-4E1F-9A", calls[1].Params.ActivationCode)
	require.Equal(t, app.DefaultDeployTimeout, calls[1].Timeout)

	require.Equal(t, 1, f.metrics.finished[domain.MigrationCompleted])
	require.Subset(t, f.auditOps(t, "t-1"), []domain.Operation{
		domain.OpInitiateMigration,
		domain.OpExecuteMigration,
		domain.OpBindDevice,
		domain.OpCompleteMigration,
	})
}

func TestMigration_DeployFailure_ThenRollback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.activeProfile(t, "dev-1")
	m := initiate(t, f, p.ID, "dev-1", "dev-2")

	f.exec.failOn(domain.ActionDeploy, "dev-2", true)

	failed, err := f.migrations.Execute(ctx, operator, m.ID)
	var execErr *domain.ExecutorError
	require.ErrorAs(t, err, &execErr)
	require.Equal(t, domain.StepDeployTarget, execErr.Step)
	require.Equal(t, domain.MigrationFailed, failed.Status)
	require.Equal(t, []domain.StepName{domain.StepDeactivateSource, domain.StepDeployTarget}, stepNames(failed))
	require.False(t, failed.Steps[1].Success)
	require.Equal(t, "device unreachable", failed.Steps[1].Error)

	got, err := f.profiles.Get(ctx, operator, p.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ProfileError, got.Status)
	require.Equal(t, "dev-1", got.DeviceID)

	rolled, err := f.migrations.Rollback(ctx, operator, m.ID)
	require.NoError(t, err)
	require.Equal(t, domain.MigrationRolledBack, rolled.Status)
	require.NotNil(t, rolled.CompletedAt)
	require.Equal(t, domain.StepRollbackSource, rolled.Steps[len(rolled.Steps)-1].Name)

	got, err = f.profiles.Get(ctx, operator, p.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ProfileActive, got.Status)
	require.Equal(t, "dev-1", got.DeviceID)

	// Terminal migrations are never re-run.
	_, err = f.migrations.Execute(ctx, operator, m.ID)
	require.Equal(t, domain.KindInvalidState, domain.KindOf(err))
	_, err = f.migrations.Rollback(ctx, operator, m.ID)
	require.Equal(t, domain.KindInvalidState, domain.KindOf(err))
}

func TestMigration_RollbackFailure_StaysFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.activeProfile(t, "dev-1")
	m := initiate(t, f, p.ID, "dev-1", "dev-2")

	f.exec.failOn(domain.ActionDeactivate, "dev-1", true)
	failed, err := f.migrations.Execute(ctx, operator, m.ID)
	require.Equal(t, domain.KindExecutorFailure, domain.KindOf(err))
	require.Len(t, failed.Steps, 1)

	f.exec.failOn(domain.ActionDeploy, "dev-1", true)
	still, err := f.migrations.Rollback(ctx, operator, m.ID)
	var execErr *domain.ExecutorError
	require.ErrorAs(t, err, &execErr)
	require.Equal(t, domain.StepRollbackSource, execErr.Step)
	require.Equal(t, domain.MigrationFailed, still.Status)
	require.Len(t, still.Steps, 2)

	// A later rollback can still succeed.
	f.exec.failOn(domain.ActionDeploy, "dev-1", false)
	rolled, err := f.migrations.Rollback(ctx, operator, m.ID)
	require.NoError(t, err)
	require.Equal(t, domain.MigrationRolledBack, rolled.Status)
}

// failedMigration runs a dev-1 -> target migration that fails at deploy and
// leaves the profile in error on dev-1.
func failedMigration(t *testing.T, f *fixture, profileID, target string) domain.Migration {
	t.Helper()
	m := initiate(t, f, profileID, "dev-1", target)
	f.exec.failOn(domain.ActionDeploy, target, true)
	failed, err := f.migrations.Execute(context.Background(), operator, m.ID)
	require.Equal(t, domain.KindExecutorFailure, domain.KindOf(err))
	require.Equal(t, domain.MigrationFailed, failed.Status)
	return failed
}

func TestMigration_Rollback_RefusedOnceProfileMovedOn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.activeProfile(t, "dev-1")
	m1 := failedMigration(t, f, p.ID, "dev-2")

	// Recovered by hand, then migrated elsewhere.
	_, err := f.profiles.Transition(ctx, admin, p.ID, domain.ProfileActive, nil)
	require.NoError(t, err)
	m2 := initiate(t, f, p.ID, "dev-1", "dev-3")
	m2, err = f.migrations.Execute(ctx, operator, m2.ID)
	require.NoError(t, err)
	require.Equal(t, domain.MigrationCompleted, m2.Status)

	calls := f.exec.callCount()
	_, err = f.migrations.Rollback(ctx, operator, m1.ID)
	var invalid *domain.InvalidStateError
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, m1.ID, invalid.ID)
	require.Equal(t, calls, f.exec.callCount())

	got, err := f.profiles.Get(ctx, operator, p.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ProfileActive, got.Status)
	require.Equal(t, "dev-3", got.DeviceID)

	still, err := f.migrations.Get(ctx, operator, m1.ID)
	require.NoError(t, err)
	require.Equal(t, domain.MigrationFailed, still.Status)
}

func TestMigration_Rollback_OnlyLatestMigration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.activeProfile(t, "dev-1")
	m1 := failedMigration(t, f, p.ID, "dev-2")

	_, err := f.profiles.Transition(ctx, admin, p.ID, domain.ProfileActive, nil)
	require.NoError(t, err)
	m2 := failedMigration(t, f, p.ID, "dev-3")

	// Same profile state as right after m1 failed, but m2 came later.
	calls := f.exec.callCount()
	_, err = f.migrations.Rollback(ctx, operator, m1.ID)
	require.Equal(t, domain.KindInvalidState, domain.KindOf(err))
	require.ErrorContains(t, err, "a newer migration exists")
	require.Equal(t, calls, f.exec.callCount())

	rolled, err := f.migrations.Rollback(ctx, operator, m2.ID)
	require.NoError(t, err)
	require.Equal(t, domain.MigrationRolledBack, rolled.Status)
}

func TestMigration_Rollback_RefusedWithOpenMigration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.activeProfile(t, "dev-1")
	m1 := failedMigration(t, f, p.ID, "dev-2")

	_, err := f.profiles.Transition(ctx, admin, p.ID, domain.ProfileActive, nil)
	require.NoError(t, err)
	pending := initiate(t, f, p.ID, "dev-1", "dev-3")
	_, err = f.profiles.Transition(ctx, admin, p.ID, domain.ProfileError, nil)
	require.NoError(t, err)

	calls := f.exec.callCount()
	_, err = f.migrations.Rollback(ctx, operator, m1.ID)
	require.Equal(t, domain.KindInvalidState, domain.KindOf(err))
	require.ErrorContains(t, err, "open migration")
	require.Equal(t, calls, f.exec.callCount())

	got, err := f.migrations.Get(ctx, operator, pending.ID)
	require.NoError(t, err)
	require.Equal(t, domain.MigrationPending, got.Status)
}

func TestMigration_Rollback_RefusedForSuspendedProfile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.activeProfile(t, "dev-1")
	m := initiate(t, f, p.ID, "dev-1", "dev-2")

	_, err := f.profiles.Transition(ctx, admin, p.ID, domain.ProfileSuspended, nil)
	require.NoError(t, err)

	// Entering migrating from suspended is not allowed, so nothing runs.
	_, err = f.migrations.Execute(ctx, operator, m.ID)
	require.Equal(t, domain.KindInvalidState, domain.KindOf(err))
	failed, err := f.migrations.Get(ctx, operator, m.ID)
	require.NoError(t, err)
	require.Equal(t, domain.MigrationFailed, failed.Status)

	_, err = f.migrations.Rollback(ctx, operator, m.ID)
	require.Equal(t, domain.KindInvalidState, domain.KindOf(err))
	require.Equal(t, 0, f.exec.callCount())

	got, err := f.profiles.Get(ctx, operator, p.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ProfileSuspended, got.Status)
	require.Equal(t, "dev-1", got.DeviceID)
}

func TestMigration_CommitFailure_FailsMigration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.activeProfile(t, "dev-1")
	m := initiate(t, f, p.ID, "dev-1", "dev-2")

	f.repo.failBind(errors.New("database is locked"))
	failed, err := f.migrations.Execute(ctx, operator, m.ID)
	require.ErrorContains(t, err, "binding target device")
	require.Equal(t, domain.KindInternal, domain.KindOf(err))
	require.Equal(t, domain.MigrationFailed, failed.Status)
	require.Len(t, failed.Steps, 3)
	require.Equal(t, 1, f.metrics.finished[domain.MigrationFailed])

	got, err := f.profiles.Get(ctx, operator, p.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ProfileError, got.Status)
	require.Equal(t, "dev-1", got.DeviceID)

	open, err := f.store.Migrations().HasOpen(ctx, "t-1", p.ID)
	require.NoError(t, err)
	require.False(t, open)
	require.Contains(t, f.auditOps(t, "t-1"), domain.OpFailMigration)

	// The failed migration can be rolled back like any other.
	f.repo.failBind(nil)
	rolled, err := f.migrations.Rollback(ctx, operator, m.ID)
	require.NoError(t, err)
	require.Equal(t, domain.MigrationRolledBack, rolled.Status)

	again := initiate(t, f, p.ID, "dev-1", "dev-2")
	again, err = f.migrations.Execute(ctx, operator, again.ID)
	require.NoError(t, err)
	require.Equal(t, domain.MigrationCompleted, again.Status)
}

func TestMigration_VerifyFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.activeProfile(t, "dev-1")
	m := initiate(t, f, p.ID, "dev-1", "dev-2")
	f.probe.active = false

	failed, err := f.migrations.Execute(ctx, operator, m.ID)
	var execErr *domain.ExecutorError
	require.ErrorAs(t, err, &execErr)
	require.Equal(t, domain.StepVerifyActivation, execErr.Step)
	require.Len(t, failed.Steps, 3)
	require.Equal(t, domain.MigrationFailed, failed.Status)
}

func TestMigration_StepTimeoutIsFailure(t *testing.T) {
	f := newFixtureWith(t, app.Timeouts{Deactivate: 20 * time.Millisecond}, app.VerifyPolicy{Attempts: 1, Delay: time.Millisecond})
	ctx := context.Background()
	p := f.activeProfile(t, "dev-1")
	m := initiate(t, f, p.ID, "dev-1", "dev-2")

	f.exec.gate = make(chan struct{}) // never released

	failed, err := f.migrations.Execute(ctx, operator, m.ID)
	var execErr *domain.ExecutorError
	require.ErrorAs(t, err, &execErr)
	require.Equal(t, domain.StepDeactivateSource, execErr.Step)
	require.Contains(t, execErr.Detail, "timed out")
	require.Equal(t, domain.MigrationFailed, failed.Status)
	require.Len(t, failed.Steps, 1)
}

func TestMigration_ConcurrentInitiate_ExactlyOneWins(t *testing.T) {
	f := newFixture(t)
	p := f.activeProfile(t, "dev-1")

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.migrations.Initiate(context.Background(), operator, app.InitiateInput{
				ProfileID: p.ID, SourceDeviceID: "dev-1", TargetDeviceID: "dev-2",
			})
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		require.Equal(t, domain.KindConflict, domain.KindOf(err), "unexpected error: %v", err)
	}
	require.Equal(t, 1, succeeded)
}

func TestMigration_ConcurrentExecute_ExactlyOneRuns(t *testing.T) {
	f := newFixture(t)
	p := f.activeProfile(t, "dev-1")
	m := initiate(t, f, p.ID, "dev-1", "dev-2")

	const n = 4
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.migrations.Execute(context.Background(), operator, m.ID)
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		require.Equal(t, domain.KindInvalidState, domain.KindOf(err), "unexpected error: %v", err)
	}
	require.Equal(t, 1, succeeded)

	got, err := f.migrations.Get(context.Background(), operator, m.ID)
	require.NoError(t, err)
	require.Len(t, got.Steps, 3, "steps must never be appended twice")
	require.Equal(t, 2, f.exec.callCount())
}

func TestMigration_Initiate_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.activeProfile(t, "dev-1")

	cases := []struct {
		name  string
		actor domain.Actor
		in    app.InitiateInput
		want  domain.ErrorKind
	}{
		{"same device", operator, app.InitiateInput{ProfileID: p.ID, SourceDeviceID: "dev-1", TargetDeviceID: "dev-1"}, domain.KindValidation},
		{"missing target", operator, app.InitiateInput{ProfileID: p.ID, SourceDeviceID: "dev-1"}, domain.KindValidation},
		{"wrong source", operator, app.InitiateInput{ProfileID: p.ID, SourceDeviceID: "dev-9", TargetDeviceID: "dev-2"}, domain.KindValidation},
		{"viewer", viewer, app.InitiateInput{ProfileID: p.ID, SourceDeviceID: "dev-1", TargetDeviceID: "dev-2"}, domain.KindForbidden},
		{"other tenant", outsider, app.InitiateInput{ProfileID: p.ID, SourceDeviceID: "dev-1", TargetDeviceID: "dev-2"}, domain.KindNotFound},
		{"unknown profile", operator, app.InitiateInput{ProfileID: "nope", SourceDeviceID: "dev-1", TargetDeviceID: "dev-2"}, domain.KindNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.migrations.Initiate(ctx, tc.actor, tc.in)
			require.Equal(t, tc.want, domain.KindOf(err), "err = %v", err)
		})
	}
	require.Equal(t, 1, f.metrics.denied[domain.ReasonInsufficientRole])

	// Nothing was stored by any rejected call.
	open, err := f.store.Migrations().HasOpen(ctx, "t-1", p.ID)
	require.NoError(t, err)
	require.False(t, open)
}

func TestMigration_Initiate_RequiresActiveOrDeployed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.profiles.Provision(ctx, operator, app.ProvisionInput{
		DisplayName: "New", Provider: domain.ProviderMytel, ActivationCode: "c", SMDPServerURL: "s",
	})
	require.NoError(t, err)

	_, err = f.migrations.Initiate(ctx, operator, app.InitiateInput{ProfileID: p.ID, SourceDeviceID: "a", TargetDeviceID: "b"})
	var invalid *domain.InvalidStateError
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, string(domain.ProfileCreated), invalid.Current)
}

func TestMigration_Initiate_TenantSettings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.activeProfile(t, "dev-1")

	tenant, err := f.store.Tenants().GetByID(ctx, "t-1")
	require.NoError(t, err)
	tenant.Settings.AllowMigration = false
	require.NoError(t, f.store.Tenants().Update(ctx, tenant))

	_, err = f.migrations.Initiate(ctx, operator, app.InitiateInput{ProfileID: p.ID, SourceDeviceID: "dev-1", TargetDeviceID: "dev-2"})
	var forbidden *domain.ForbiddenError
	require.ErrorAs(t, err, &forbidden)
	require.Equal(t, domain.ReasonMigrationDisabled, forbidden.Reason)

	_, err = f.tenants.Deactivate(ctx, "t-1")
	require.NoError(t, err)
	_, err = f.migrations.Initiate(ctx, operator, app.InitiateInput{ProfileID: p.ID, SourceDeviceID: "dev-1", TargetDeviceID: "dev-2"})
	require.ErrorAs(t, err, &forbidden)
	require.Equal(t, domain.ReasonTenantInactive, forbidden.Reason)
}

func TestMigration_TenantIsolation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.activeProfile(t, "dev-1")
	m := initiate(t, f, p.ID, "dev-1", "dev-2")

	_, err := f.migrations.Get(ctx, outsider, m.ID)
	require.True(t, errors.Is(err, domain.ErrNotFound), "err = %v", err)

	_, err = f.migrations.Execute(ctx, outsider, m.ID)
	require.True(t, errors.Is(err, domain.ErrNotFound), "err = %v", err)

	list, err := f.migrations.List(ctx, outsider, domain.MigrationFilter{})
	require.NoError(t, err)
	require.Empty(t, list)

	// The migration is untouched and still executable by its own tenant.
	got, err := f.migrations.Get(ctx, operator, m.ID)
	require.NoError(t, err)
	require.Equal(t, domain.MigrationPending, got.Status)
	require.Equal(t, 0, f.exec.callCount())
}

func TestMigration_ProfileMigratingBlocksOtherChanges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	p := f.activeProfile(t, "dev-1")
	m := initiate(t, f, p.ID, "dev-1", "dev-2")

	// Hold the executor so the profile stays migrating.
	f.exec.gate = make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := f.migrations.Execute(ctx, operator, m.ID)
		done <- err
	}()

	require.Eventually(t, func() bool {
		got, err := f.store.Profiles().GetByID(ctx, "t-1", p.ID)
		return err == nil && got.Status == domain.ProfileMigrating
	}, 5*time.Second, 5*time.Millisecond)

	_, err := f.profiles.Transition(ctx, admin, p.ID, domain.ProfileSuspended, nil)
	require.Equal(t, domain.KindConflict, domain.KindOf(err))
	require.Equal(t, domain.KindConflict, domain.KindOf(f.profiles.Delete(ctx, admin, p.ID)))

	close(f.exec.gate)
	require.NoError(t, <-done)
}
