package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"github.com/neomorfeo/esimflow/internal/adapter/executor"
	"github.com/neomorfeo/esimflow/internal/adapter/fsm"
	adapter "github.com/neomorfeo/esimflow/internal/adapter/http"
	"github.com/neomorfeo/esimflow/internal/adapter/qr"
	"github.com/neomorfeo/esimflow/internal/adapter/sqlite"
	"github.com/neomorfeo/esimflow/internal/adapter/token"
	"github.com/neomorfeo/esimflow/internal/app"
	"github.com/neomorfeo/esimflow/internal/domain"
)

// fakeQueue records enqueued executions.
type fakeQueue struct {
	mu  sync.Mutex
	ids []string
}

func (q *fakeQueue) EnqueueExecute(_ context.Context, _ domain.Actor, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, id)
	return nil
}

// failingExecutor fails every deploy.
type failingExecutor struct{}

func (failingExecutor) Run(_ context.Context, req domain.ExecutionRequest) (domain.ExecutionResult, error) {
	if req.Action == domain.ActionDeploy {
		return domain.ExecutionResult{Error: "carrier rejected activation"}, nil
	}
	return domain.ExecutionResult{Success: true}, nil
}

type testServer struct {
	*httptest.Server
	authority *token.Authority
	queue     *fakeQueue
}

type serverOptions struct {
	executor domain.DeploymentExecutor
	noQueue  bool
}

// newTestServer creates a full-stack httptest.Server with SQLite in-memory.
func newTestServer(t *testing.T, opts serverOptions) *testServer {
	t.Helper()

	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	now := time.Now()
	for _, id := range []string{"t-1", "t-2"} {
		if err := store.Tenants().Create(ctx, domain.NewTenant(id, "Tenant "+id, domain.ProviderMPT, now)); err != nil {
			t.Fatalf("seeding tenant: %v", err)
		}
	}

	deps := app.Deps{
		Tenants:    store.Tenants(),
		Profiles:   store.Profiles(),
		Migrations: store.Migrations(),
		Artifacts:  store.Artifacts(),
		Validator:  fsm.New(),
		Audit:      app.NewAuditRecorder(store.Audit(), nil, nil),
	}
	exec := opts.executor
	if exec == nil {
		exec = executor.Simulated{}
	}
	profiles := app.NewProfileService(deps)
	verifier := app.NewActivationVerifier(executor.AssumeActive{}, app.VerifyPolicy{Attempts: 1, Delay: time.Millisecond}, nil, nil)

	queue := &fakeQueue{}
	svc := adapter.Services{
		Profiles:   profiles,
		Migrations: app.NewMigrationService(deps, profiles, exec, verifier, app.Timeouts{}),
		Artifacts:  app.NewArtifactService(deps, qr.Renderer{}, 0),
		AuditLog:   app.NewAuditLog(deps, store.Audit()),
		Queue:      queue,
	}
	if opts.noQueue {
		svc.Queue = nil
	}

	authority, err := token.NewAuthority("test-secret", "esimflow")
	if err != nil {
		t.Fatalf("authority: %v", err)
	}

	router := chi.NewMux()
	api := humachi.New(router, adapter.APIConfig("esimflow", "test"))
	api.UseMiddleware(adapter.Authenticate(api, authority))
	adapter.Register(api, svc)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &testServer{Server: srv, authority: authority, queue: queue}
}

func (s *testServer) token(t *testing.T, id, tenantID string, role domain.Role) string {
	t.Helper()
	raw, err := s.authority.Issue(domain.Actor{ID: id, TenantID: tenantID, Role: role, Active: true}, time.Hour)
	if err != nil {
		t.Fatalf("issuing token: %v", err)
	}
	return raw
}

// do performs a request and decodes a JSON response into out when non-nil.
func (s *testServer) do(t *testing.T, method, path, bearer string, body any, out any) int {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encoding body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(context.Background(), method, s.URL+path, reader)
	if err != nil {
		t.Fatalf("creating request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decoding %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (s *testServer) activeProfile(t *testing.T, bearer string) adapter.ProfileResponse {
	t.Helper()

	var p adapter.ProfileResponse
	status := s.do(t, http.MethodPost, "/api/v1/profiles", bearer, map[string]any{
		"display_name":    "Field tablet",
		"provider":        "OOREDOO",
		"activation_code": "K2-4E1F-9A",
		"smdp_server_url": "smdp.example.com",
	}, &p)
	if status != http.StatusCreated {
		t.Fatalf("provision status = %d, want 201", status)
	}

	for _, next := range []string{"validated", "deployed", "active"} {
		if status := s.do(t, http.MethodPost, "/api/v1/profiles/"+p.ID+"/transitions", bearer, map[string]any{"status": next}, &p); status != http.StatusOK {
			t.Fatalf("transition to %s status = %d", next, status)
		}
	}
	return p
}

func TestAuth(t *testing.T) {
	srv := newTestServer(t, serverOptions{})

	if status := srv.do(t, http.MethodGet, "/healthz", "", nil, nil); status != http.StatusOK {
		t.Errorf("healthz = %d, want 200", status)
	}
	if status := srv.do(t, http.MethodGet, "/api/v1/profiles", "", nil, nil); status != http.StatusUnauthorized {
		t.Errorf("no token = %d, want 401", status)
	}
	if status := srv.do(t, http.MethodGet, "/api/v1/profiles", "garbage", nil, nil); status != http.StatusUnauthorized {
		t.Errorf("bad token = %d, want 401", status)
	}
	if status := srv.do(t, http.MethodGet, "/api/v1/profiles", srv.token(t, "v", "t-1", domain.RoleViewer), nil, nil); status != http.StatusOK {
		t.Errorf("viewer list = %d, want 200", status)
	}
}

func TestProfiles(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	operator := srv.token(t, "op-1", "t-1", domain.RoleOperator)
	viewer := srv.token(t, "view-1", "t-1", domain.RoleViewer)
	outsider := srv.token(t, "admin-2", "t-2", domain.RoleAdmin)

	p := srv.activeProfile(t, operator)
	if p.Status != "active" || p.CreatedBy != "op-1" {
		t.Errorf("profile = %+v", p)
	}

	var got adapter.ProfileResponse
	if status := srv.do(t, http.MethodGet, "/api/v1/profiles/"+p.ID, viewer, nil, &got); status != http.StatusOK {
		t.Fatalf("get = %d", status)
	}
	if got.ID != p.ID || got.SMDPServerURL != "smdp.example.com" {
		t.Errorf("get = %+v", got)
	}

	tests := []struct {
		name   string
		method string
		path   string
		bearer string
		body   any
		want   int
	}{
		{"other tenant cannot read", http.MethodGet, "/api/v1/profiles/" + p.ID, outsider, nil, http.StatusNotFound},
		{"viewer cannot provision", http.MethodPost, "/api/v1/profiles", viewer, map[string]any{"display_name": "x", "provider": "MPT", "activation_code": "c", "smdp_server_url": "s"}, http.StatusForbidden},
		{"unknown provider", http.MethodPost, "/api/v1/profiles", operator, map[string]any{"display_name": "x", "provider": "ACME", "activation_code": "c", "smdp_server_url": "s"}, http.StatusBadRequest},
		{"disallowed transition", http.MethodPost, "/api/v1/profiles/" + p.ID + "/transitions", operator, map[string]any{"status": "created"}, http.StatusUnprocessableEntity},
		{"unknown status", http.MethodPost, "/api/v1/profiles/" + p.ID + "/transitions", operator, map[string]any{"status": "frozen"}, http.StatusBadRequest},
		{"operator cannot suspend", http.MethodPost, "/api/v1/profiles/" + p.ID + "/transitions", operator, map[string]any{"status": "suspended"}, http.StatusForbidden},
		{"bad list filter", http.MethodGet, "/api/v1/profiles?status=frozen", viewer, nil, http.StatusBadRequest},
		{"operator cannot delete", http.MethodDelete, "/api/v1/profiles/" + p.ID, operator, nil, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if status := srv.do(t, tt.method, tt.path, tt.bearer, tt.body, nil); status != tt.want {
				t.Errorf("status = %d, want %d", status, tt.want)
			}
		})
	}

	var list []adapter.ProfileResponse
	if status := srv.do(t, http.MethodGet, "/api/v1/profiles?status=active&provider=OOREDOO", viewer, nil, &list); status != http.StatusOK {
		t.Fatalf("list = %d", status)
	}
	if len(list) != 1 {
		t.Errorf("list returned %d profiles, want 1", len(list))
	}

	admin := srv.token(t, "admin-1", "t-1", domain.RoleAdmin)
	if status := srv.do(t, http.MethodDelete, "/api/v1/profiles/"+p.ID, admin, nil, nil); status != http.StatusNoContent {
		t.Errorf("delete = %d, want 204", status)
	}
	if status := srv.do(t, http.MethodGet, "/api/v1/profiles/"+p.ID, viewer, nil, nil); status != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", status)
	}
}

func TestMigrationFlow(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	operator := srv.token(t, "op-1", "t-1", domain.RoleOperator)
	p := srv.activeProfile(t, operator)

	body := map[string]any{"profile_id": p.ID, "source_device_id": "dev-1", "target_device_id": "dev-2"}
	var m adapter.MigrationResponse
	if status := srv.do(t, http.MethodPost, "/api/v1/migrations", operator, body, &m); status != http.StatusCreated {
		t.Fatalf("initiate = %d, want 201", status)
	}
	if m.Status != "pending" {
		t.Errorf("status = %q, want pending", m.Status)
	}

	if status := srv.do(t, http.MethodPost, "/api/v1/migrations", operator, body, nil); status != http.StatusConflict {
		t.Errorf("second initiate = %d, want 409", status)
	}

	var done adapter.MigrationResponse
	if status := srv.do(t, http.MethodPost, "/api/v1/migrations/"+m.ID+"/execute", operator, nil, &done); status != http.StatusOK {
		t.Fatalf("execute = %d, want 200", status)
	}
	if done.Status != "completed" || len(done.Steps) != 3 || done.CompletedAt == "" {
		t.Errorf("executed migration = %+v", done)
	}

	if status := srv.do(t, http.MethodPost, "/api/v1/migrations/"+m.ID+"/execute", operator, nil, nil); status != http.StatusUnprocessableEntity {
		t.Errorf("re-execute = %d, want 422", status)
	}
	if status := srv.do(t, http.MethodPost, "/api/v1/migrations/"+m.ID+"/rollback", operator, nil, nil); status != http.StatusUnprocessableEntity {
		t.Errorf("rollback of completed = %d, want 422", status)
	}

	var got adapter.ProfileResponse
	srv.do(t, http.MethodGet, "/api/v1/profiles/"+p.ID, operator, nil, &got)
	if got.DeviceID != "dev-2" || got.Status != "active" {
		t.Errorf("profile after migration = %+v", got)
	}

	var list []adapter.MigrationResponse
	if status := srv.do(t, http.MethodGet, "/api/v1/migrations?status=completed&profile_id="+p.ID, operator, nil, &list); status != http.StatusOK || len(list) != 1 {
		t.Errorf("list = %d with %d migrations", status, len(list))
	}

	outsider := srv.token(t, "admin-2", "t-2", domain.RoleAdmin)
	if status := srv.do(t, http.MethodGet, "/api/v1/migrations/"+m.ID, outsider, nil, nil); status != http.StatusNotFound {
		t.Errorf("cross-tenant get = %d, want 404", status)
	}
}

func TestMigrationExecutorFailure(t *testing.T) {
	srv := newTestServer(t, serverOptions{executor: failingExecutor{}})
	operator := srv.token(t, "op-1", "t-1", domain.RoleOperator)
	p := srv.activeProfile(t, operator)

	var m adapter.MigrationResponse
	srv.do(t, http.MethodPost, "/api/v1/migrations", operator, map[string]any{
		"profile_id": p.ID, "source_device_id": "dev-1", "target_device_id": "dev-2",
	}, &m)

	var problem struct {
		Status    int                       `json:"status"`
		Detail    string                    `json:"detail"`
		Migration adapter.MigrationResponse `json:"migration"`
	}
	if status := srv.do(t, http.MethodPost, "/api/v1/migrations/"+m.ID+"/execute", operator, nil, &problem); status != http.StatusBadGateway {
		t.Fatalf("execute = %d, want 502", status)
	}
	if problem.Status != http.StatusBadGateway || !strings.Contains(problem.Detail, "carrier rejected activation") {
		t.Errorf("problem = %d %q", problem.Status, problem.Detail)
	}
	if problem.Migration.ID != m.ID || problem.Migration.Status != "failed" || len(problem.Migration.Steps) != 2 {
		t.Fatalf("problem migration = %+v", problem.Migration)
	}

	var failed adapter.MigrationResponse
	srv.do(t, http.MethodGet, "/api/v1/migrations/"+m.ID, operator, nil, &failed)
	if failed.Status != "failed" || len(failed.Steps) != 2 {
		t.Fatalf("migration = %+v", failed)
	}
	if failed.Steps[1].Error != "carrier rejected activation" {
		t.Errorf("step error = %q", failed.Steps[1].Error)
	}

	// Rolling back deploys to the source, which also fails here.
	if status := srv.do(t, http.MethodPost, "/api/v1/migrations/"+m.ID+"/rollback", operator, nil, nil); status != http.StatusBadGateway {
		t.Errorf("rollback = %d, want 502", status)
	}
}

func TestMigrationAsync(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	operator := srv.token(t, "op-1", "t-1", domain.RoleOperator)
	p := srv.activeProfile(t, operator)

	var m adapter.MigrationResponse
	srv.do(t, http.MethodPost, "/api/v1/migrations", operator, map[string]any{
		"profile_id": p.ID, "source_device_id": "dev-1", "target_device_id": "dev-2",
	}, &m)

	var queued adapter.MigrationResponse
	if status := srv.do(t, http.MethodPost, "/api/v1/migrations/"+m.ID+"/execute?async=true", operator, nil, &queued); status != http.StatusAccepted {
		t.Fatalf("async execute = %d, want 202", status)
	}
	if queued.Status != "pending" {
		t.Errorf("queued status = %q, want pending", queued.Status)
	}
	if len(srv.queue.ids) != 1 || srv.queue.ids[0] != m.ID {
		t.Errorf("queue = %v", srv.queue.ids)
	}

	noQueue := newTestServer(t, serverOptions{noQueue: true})
	op2 := noQueue.token(t, "op-1", "t-1", domain.RoleOperator)
	p2 := noQueue.activeProfile(t, op2)
	var m2 adapter.MigrationResponse
	noQueue.do(t, http.MethodPost, "/api/v1/migrations", op2, map[string]any{
		"profile_id": p2.ID, "source_device_id": "dev-1", "target_device_id": "dev-2",
	}, &m2)
	if status := noQueue.do(t, http.MethodPost, "/api/v1/migrations/"+m2.ID+"/execute?async=true", op2, nil, nil); status != http.StatusBadRequest {
		t.Errorf("async without queue = %d, want 400", status)
	}
}

func TestArtifacts(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	operator := srv.token(t, "op-1", "t-1", domain.RoleOperator)
	p := srv.activeProfile(t, operator)

	if status := srv.do(t, http.MethodGet, "/api/v1/profiles/"+p.ID+"/artifacts/current", operator, nil, nil); status != http.StatusNotFound {
		t.Errorf("fetch before issue = %d, want 404", status)
	}

	var a adapter.ArtifactResponse
	if status := srv.do(t, http.MethodPost, "/api/v1/profiles/"+p.ID+"/artifacts", operator, map[string]any{"ttl_hours": 2}, &a); status != http.StatusCreated {
		t.Fatalf("issue = %d, want 201", status)
	}
	if a.Payload != "LPA:1$smdp.example.com$K2-4E1F-9A" {
		t.Errorf("payload = %q", a.Payload)
	}
	if !bytes.HasPrefix(a.Image, []byte("\x89PNG")) {
		t.Error("image is not a PNG")
	}

	var current adapter.ArtifactResponse
	if status := srv.do(t, http.MethodGet, "/api/v1/profiles/"+p.ID+"/artifacts/current", operator, nil, &current); status != http.StatusOK {
		t.Fatalf("fetch = %d, want 200", status)
	}
	if current.ID != a.ID {
		t.Errorf("current = %s, want %s", current.ID, a.ID)
	}

	var scan struct {
		Scanned bool `json:"scanned"`
	}
	srv.do(t, http.MethodPost, "/api/v1/artifacts/"+a.ID+"/scan", operator, nil, &scan)
	if !scan.Scanned {
		t.Error("first scan should report true")
	}
	srv.do(t, http.MethodPost, "/api/v1/artifacts/"+a.ID+"/scan", operator, nil, &scan)
	if scan.Scanned {
		t.Error("second scan should report false")
	}

	if status := srv.do(t, http.MethodGet, "/api/v1/profiles/"+p.ID+"/artifacts/current", operator, nil, nil); status != http.StatusNotFound {
		t.Errorf("fetch after scan = %d, want 404", status)
	}
	if status := srv.do(t, http.MethodPost, "/api/v1/profiles/"+p.ID+"/artifacts", operator, map[string]any{"ttl_hours": -1}, nil); status < 400 || status >= 500 {
		t.Errorf("negative ttl = %d, want a client error", status)
	}
}

func TestAuditLog(t *testing.T) {
	srv := newTestServer(t, serverOptions{})
	operator := srv.token(t, "op-1", "t-1", domain.RoleOperator)
	viewer := srv.token(t, "view-1", "t-1", domain.RoleViewer)
	p := srv.activeProfile(t, operator)

	// A denied request is audited too.
	srv.do(t, http.MethodPost, "/api/v1/profiles/"+p.ID+"/transitions", viewer, map[string]any{"status": "suspended"}, nil)

	var entries []adapter.AuditEntryResponse
	if status := srv.do(t, http.MethodGet, "/api/v1/audit", viewer, nil, &entries); status != http.StatusOK {
		t.Fatalf("audit = %d", status)
	}
	if len(entries) != 5 {
		t.Fatalf("got %d entries, want 5", len(entries))
	}
	if entries[0].Operation != "ACCESS_DENIED" || entries[0].Compliance != "non_compliant" {
		t.Errorf("newest entry = %+v", entries[0])
	}

	var creates []adapter.AuditEntryResponse
	srv.do(t, http.MethodGet, "/api/v1/audit?operation=CREATE_PROFILE&limit=10", viewer, nil, &creates)
	if len(creates) != 1 || !strings.EqualFold(creates[0].ResourceID, p.ID) {
		t.Errorf("filtered entries = %+v", creates)
	}

	if status := srv.do(t, http.MethodGet, "/api/v1/audit?operation=NOPE", viewer, nil, nil); status != http.StatusBadRequest {
		t.Errorf("unknown operation = %d, want 400", status)
	}
}
