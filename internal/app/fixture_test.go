package app_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/neomorfeo/esimflow/internal/adapter/fsm"
	"github.com/neomorfeo/esimflow/internal/adapter/sqlite"
	"github.com/neomorfeo/esimflow/internal/app"
	"github.com/neomorfeo/esimflow/internal/domain"
)

var epoch = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

var (
	admin    = domain.Actor{ID: "admin-1", TenantID: "t-1", Role: domain.RoleAdmin, Active: true}
	operator = domain.Actor{ID: "op-1", TenantID: "t-1", Role: domain.RoleOperator, Active: true}
	viewer   = domain.Actor{ID: "view-1", TenantID: "t-1", Role: domain.RoleViewer, Active: true}
	outsider = domain.Actor{ID: "admin-2", TenantID: "t-2", Role: domain.RoleAdmin, Active: true}
)

// --- Fakes ---

// fakeExecutor succeeds unless the action/device pair is marked as failing.
// When gate is set, every call waits for it (or for its context).
type fakeExecutor struct {
	mu    sync.Mutex
	calls []domain.ExecutionRequest
	fail  map[string]bool
	gate  chan struct{}
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{fail: make(map[string]bool)}
}

func (f *fakeExecutor) failOn(action domain.Action, deviceID string, failing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[string(action)+":"+deviceID] = failing
}

func (f *fakeExecutor) Run(ctx context.Context, req domain.ExecutionRequest) (domain.ExecutionResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	failing := f.fail[string(req.Action)+":"+req.DeviceID]
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return domain.ExecutionResult{}, ctx.Err()
		}
	}
	if failing {
		return domain.ExecutionResult{Success: false, Error: "device unreachable"}, nil
	}
	return domain.ExecutionResult{Success: true, Output: string(req.Action) + " ok"}, nil
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// flakyProfiles fails BindDevice with bindErr while it is set.
type flakyProfiles struct {
	domain.ProfileRepository
	mu      sync.Mutex
	bindErr error
}

func (p *flakyProfiles) failBind(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bindErr = err
}

func (p *flakyProfiles) BindDevice(ctx context.Context, tenantID, id string, expected domain.ProfileStatus, deviceID, updatedBy string, at time.Time) (domain.Profile, error) {
	p.mu.Lock()
	err := p.bindErr
	p.mu.Unlock()
	if err != nil {
		return domain.Profile{}, err
	}
	return p.ProfileRepository.BindDevice(ctx, tenantID, id, expected, deviceID, updatedBy, at)
}

type fakeProbe struct {
	mu     sync.Mutex
	active bool
	calls  int
}

func (p *fakeProbe) Probe(context.Context, string, string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.active, nil
}

type fakeRenderer struct{}

func (fakeRenderer) Render(payload string) ([]byte, error) {
	return []byte("png:" + payload), nil
}

type fakeMetrics struct {
	mu       sync.Mutex
	finished map[domain.MigrationStatus]int
	denied   map[domain.DenialReason]int
	steps    int
	purged   int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{
		finished: make(map[domain.MigrationStatus]int),
		denied:   make(map[domain.DenialReason]int),
	}
}

func (m *fakeMetrics) MigrationFinished(s domain.MigrationStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished[s]++
}

func (m *fakeMetrics) StepFinished(domain.StepName, bool, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps++
}

func (m *fakeMetrics) AccessDenied(r domain.DenialReason) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.denied[r]++
}

func (m *fakeMetrics) ArtifactsPurged(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purged += n
}

// --- Fixture ---

type fixture struct {
	store      *sqlite.Store
	repo       *flakyProfiles
	clock      *testclock.Clock
	exec       *fakeExecutor
	probe      *fakeProbe
	metrics    *fakeMetrics
	tenants    *app.TenantService
	profiles   *app.ProfileService
	migrations *app.MigrationService
	artifacts  *app.ArtifactService
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, app.Timeouts{}, app.VerifyPolicy{Attempts: 1, Delay: time.Millisecond})
}

func newFixtureWith(t *testing.T, timeouts app.Timeouts, policy app.VerifyPolicy) *fixture {
	t.Helper()

	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		store:   store,
		repo:    &flakyProfiles{ProfileRepository: store.Profiles()},
		clock:   testclock.NewClock(epoch),
		exec:    newFakeExecutor(),
		probe:   &fakeProbe{active: true},
		metrics: newFakeMetrics(),
	}

	logger := zap.NewNop()
	deps := app.Deps{
		Tenants:    store.Tenants(),
		Profiles:   f.repo,
		Migrations: store.Migrations(),
		Artifacts:  store.Artifacts(),
		Validator:  fsm.New(),
		Audit:      app.NewAuditRecorder(store.Audit(), logger, f.clock),
		Metrics:    f.metrics,
		Clock:      f.clock,
		Logger:     logger,
	}

	f.tenants = app.NewTenantService(deps)
	f.profiles = app.NewProfileService(deps)
	// Verification polls on the wall clock; with one attempt it never sleeps.
	verifier := app.NewActivationVerifier(f.probe, policy, nil, logger)
	f.migrations = app.NewMigrationService(deps, f.profiles, f.exec, verifier, timeouts)
	f.artifacts = app.NewArtifactService(deps, fakeRenderer{}, 0)

	ctx := context.Background()
	for _, id := range []string{"t-1", "t-2"} {
		require.NoError(t, store.Tenants().Create(ctx, domain.NewTenant(id, "Tenant "+id, domain.ProviderMPT, epoch)))
	}
	return f
}

// activeProfile provisions a profile, walks it to active and binds it to deviceID.
func (f *fixture) activeProfile(t *testing.T, deviceID string) domain.Profile {
	t.Helper()
	ctx := context.Background()

	p, err := f.profiles.Provision(ctx, operator, app.ProvisionInput{
		DisplayName:    "Field tablet",
		Provider:       domain.ProviderOoredoo,
		ActivationCode: "K2-4E1F-9A",
		SMDPServerURL:  "smdp.example.com",
	})
	require.NoError(t, err)

	for _, next := range []domain.ProfileStatus{domain.ProfileValidated, domain.ProfileDeployed, domain.ProfileActive} {
		p, err = f.profiles.Transition(ctx, operator, p.ID, next, nil)
		require.NoError(t, err)
	}

	if deviceID != "" {
		p, err = f.store.Profiles().BindDevice(ctx, p.TenantID, p.ID, domain.ProfileActive, deviceID, "seed", f.clock.Now())
		require.NoError(t, err)
	}
	return p
}

func (f *fixture) auditOps(t *testing.T, tenantID string) []domain.Operation {
	t.Helper()
	entries, err := f.store.Audit().List(context.Background(), tenantID, domain.AuditFilter{Limit: 1000})
	require.NoError(t, err)
	ops := make([]domain.Operation, 0, len(entries))
	// Oldest first reads more naturally in assertions.
	for i := len(entries) - 1; i >= 0; i-- {
		ops = append(ops, entries[i].Operation)
	}
	return ops
}
