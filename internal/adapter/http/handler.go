package http

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"go.uber.org/zap"

	"github.com/neomorfeo/esimflow/internal/app"
	"github.com/neomorfeo/esimflow/internal/domain"
)

const timeFormat = time.RFC3339

// MigrationQueue schedules a migration for asynchronous execution.
type MigrationQueue interface {
	EnqueueExecute(ctx context.Context, actor domain.Actor, id string) error
}

// Services are the application services behind the API.
type Services struct {
	Profiles   *app.ProfileService
	Migrations *app.MigrationService
	Artifacts  *app.ArtifactService
	AuditLog   *app.AuditLog
	// Queue enables ?async=true on execute. Nil disables it.
	Queue  MigrationQueue
	Logger *zap.Logger
}

// Register adds all API routes to the Huma API. Install Authenticate as a
// middleware on the same API first.
func Register(api huma.API, svc Services) {
	if svc.Logger == nil {
		svc.Logger = zap.NewNop()
	}
	h := &handler{Services: svc}

	huma.Register(api, huma.Operation{
		OperationID: "healthz",
		Method:      http.MethodGet,
		Path:        "/healthz",
		Summary:     "Liveness probe",
		Tags:        []string{"Health"},
	}, func(context.Context, *struct{}) (*HealthOutput, error) {
		out := &HealthOutput{}
		out.Body.Status = "ok"
		return out, nil
	})

	h.registerProfiles(api)
	h.registerMigrations(api)
	h.registerArtifacts(api)
	h.registerAudit(api)
}

type handler struct {
	Services
}

// call resolves the actor and maps the error of fn.
func call[O any](ctx context.Context, h *handler, fn func(domain.Actor) (*O, error)) (*O, error) {
	actor, ok := actorFrom(ctx)
	if !ok {
		return nil, errUnauthenticated
	}
	out, err := fn(actor)
	if err != nil {
		return nil, toHumaError(ctx, h.Logger, err)
	}
	return out, nil
}

// HealthOutput reports liveness.
type HealthOutput struct {
	Body struct {
		Status string `json:"status" example:"ok"`
	}
}

// --- Profiles ---

// ProfileResponse is the API representation of a profile. The activation
// code is never returned; it travels only inside activation artifacts.
type ProfileResponse struct {
	ID            string            `json:"id" doc:"Unique identifier"`
	TenantID      string            `json:"tenant_id"`
	DisplayName   string            `json:"display_name"`
	Provider      string            `json:"provider" doc:"MPT, ATOM, OOREDOO or MYTEL"`
	SMDPServerURL string            `json:"smdp_server_url"`
	DeviceID      string            `json:"device_id,omitempty" doc:"Bound device, empty when unbound"`
	Status        string            `json:"status" doc:"Lifecycle state"`
	Metadata      map[string]string `json:"metadata"`
	CreatedBy     string            `json:"created_by"`
	UpdatedBy     string            `json:"updated_by"`
	CreatedAt     string            `json:"created_at" doc:"Creation timestamp (ISO 8601)"`
	UpdatedAt     string            `json:"updated_at" doc:"Last update timestamp (ISO 8601)"`
}

func toProfileResponse(p domain.Profile) ProfileResponse {
	return ProfileResponse{
		ID:            p.ID,
		TenantID:      p.TenantID,
		DisplayName:   p.DisplayName,
		Provider:      string(p.Provider),
		SMDPServerURL: p.Activation.SMDPServerURL,
		DeviceID:      p.DeviceID,
		Status:        string(p.Status),
		Metadata:      p.Metadata,
		CreatedBy:     p.CreatedBy,
		UpdatedBy:     p.UpdatedBy,
		CreatedAt:     p.CreatedAt.Format(timeFormat),
		UpdatedAt:     p.UpdatedAt.Format(timeFormat),
	}
}

type ProvisionProfileInput struct {
	Body struct {
		DisplayName    string            `json:"display_name" minLength:"1" maxLength:"255"`
		Provider       string            `json:"provider" doc:"MPT, ATOM, OOREDOO or MYTEL"`
		ActivationCode string            `json:"activation_code" minLength:"1"`
		SMDPServerURL  string            `json:"smdp_server_url" minLength:"1"`
		Metadata       map[string]string `json:"metadata,omitempty" required:"false"`
	}
}

type ProfileIDInput struct {
	ID string `path:"id" doc:"Profile ID"`
}

type ProfileOutput struct {
	Body ProfileResponse
}

type ListProfilesInput struct {
	Status   string `query:"status" required:"false" doc:"Filter by lifecycle state"`
	Provider string `query:"provider" required:"false" doc:"Filter by provider"`
	Limit    int    `query:"limit" required:"false" default:"50" minimum:"0" doc:"Max results"`
	Offset   int    `query:"offset" required:"false" default:"0" minimum:"0" doc:"Pagination offset"`
}

type ListProfilesOutput struct {
	Body []ProfileResponse
}

type TransitionProfileInput struct {
	ID   string `path:"id" doc:"Profile ID"`
	Body struct {
		Status   string            `json:"status" doc:"Target lifecycle state"`
		Metadata map[string]string `json:"metadata,omitempty" required:"false" doc:"Merged into the profile metadata"`
	}
}

type NoContentOutput struct{}

func (h *handler) registerProfiles(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "provision-profile",
		Method:        http.MethodPost,
		Path:          "/api/v1/profiles",
		Summary:       "Provision a new eSIM profile",
		Tags:          []string{"Profiles"},
		DefaultStatus: http.StatusCreated,
		Security:      bearerSecurity,
	}, func(ctx context.Context, input *ProvisionProfileInput) (*ProfileOutput, error) {
		return call(ctx, h, func(actor domain.Actor) (*ProfileOutput, error) {
			p, err := h.Profiles.Provision(ctx, actor, app.ProvisionInput{
				DisplayName:    input.Body.DisplayName,
				Provider:       domain.Provider(input.Body.Provider),
				ActivationCode: input.Body.ActivationCode,
				SMDPServerURL:  input.Body.SMDPServerURL,
				Metadata:       input.Body.Metadata,
			})
			if err != nil {
				return nil, err
			}
			return &ProfileOutput{Body: toProfileResponse(p)}, nil
		})
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-profile",
		Method:      http.MethodGet,
		Path:        "/api/v1/profiles/{id}",
		Summary:     "Get a profile by ID",
		Tags:        []string{"Profiles"},
		Security:    bearerSecurity,
	}, func(ctx context.Context, input *ProfileIDInput) (*ProfileOutput, error) {
		return call(ctx, h, func(actor domain.Actor) (*ProfileOutput, error) {
			p, err := h.Profiles.Get(ctx, actor, input.ID)
			if err != nil {
				return nil, err
			}
			return &ProfileOutput{Body: toProfileResponse(p)}, nil
		})
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-profiles",
		Method:      http.MethodGet,
		Path:        "/api/v1/profiles",
		Summary:     "List profiles",
		Tags:        []string{"Profiles"},
		Security:    bearerSecurity,
	}, func(ctx context.Context, input *ListProfilesInput) (*ListProfilesOutput, error) {
		return call(ctx, h, func(actor domain.Actor) (*ListProfilesOutput, error) {
			filter := domain.ProfileFilter{Limit: input.Limit, Offset: input.Offset}
			if input.Status != "" {
				s, err := domain.ParseProfileStatus(input.Status)
				if err != nil {
					return nil, err
				}
				filter.Status = &s
			}
			if input.Provider != "" {
				p, err := domain.ParseProvider(input.Provider)
				if err != nil {
					return nil, err
				}
				filter.Provider = &p
			}

			profiles, err := h.Profiles.List(ctx, actor, filter)
			if err != nil {
				return nil, err
			}
			resp := make([]ProfileResponse, len(profiles))
			for i, p := range profiles {
				resp[i] = toProfileResponse(p)
			}
			return &ListProfilesOutput{Body: resp}, nil
		})
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-profile",
		Method:        http.MethodDelete,
		Path:          "/api/v1/profiles/{id}",
		Summary:       "Delete a profile",
		Tags:          []string{"Profiles"},
		DefaultStatus: http.StatusNoContent,
		Security:      bearerSecurity,
	}, func(ctx context.Context, input *ProfileIDInput) (*NoContentOutput, error) {
		return call(ctx, h, func(actor domain.Actor) (*NoContentOutput, error) {
			if err := h.Profiles.Delete(ctx, actor, input.ID); err != nil {
				return nil, err
			}
			return &NoContentOutput{}, nil
		})
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-profile",
		Method:      http.MethodPost,
		Path:        "/api/v1/profiles/{id}/transitions",
		Summary:     "Move a profile to another lifecycle state",
		Tags:        []string{"Profiles"},
		Security:    bearerSecurity,
	}, func(ctx context.Context, input *TransitionProfileInput) (*ProfileOutput, error) {
		return call(ctx, h, func(actor domain.Actor) (*ProfileOutput, error) {
			p, err := h.Profiles.Transition(ctx, actor, input.ID, domain.ProfileStatus(input.Body.Status), input.Body.Metadata)
			if err != nil {
				return nil, err
			}
			return &ProfileOutput{Body: toProfileResponse(p)}, nil
		})
	})
}

// --- Migrations ---

// StepResponse is one recorded workflow step.
type StepResponse struct {
	Name       string `json:"name"`
	Success    bool   `json:"success"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	ExecutedAt string `json:"executed_at"`
}

// MigrationResponse is the API representation of a migration.
type MigrationResponse struct {
	ID             string         `json:"id"`
	ProfileID      string         `json:"profile_id"`
	TenantID       string         `json:"tenant_id"`
	SourceDeviceID string         `json:"source_device_id"`
	TargetDeviceID string         `json:"target_device_id"`
	Status         string         `json:"status"`
	InitiatedBy    string         `json:"initiated_by"`
	Notes          string         `json:"notes,omitempty"`
	Steps          []StepResponse `json:"steps"`
	CreatedAt      string         `json:"created_at"`
	UpdatedAt      string         `json:"updated_at"`
	CompletedAt    string         `json:"completed_at,omitempty"`
}

func toMigrationResponse(m domain.Migration) MigrationResponse {
	resp := MigrationResponse{
		ID:             m.ID,
		ProfileID:      m.ProfileID,
		TenantID:       m.TenantID,
		SourceDeviceID: m.SourceDeviceID,
		TargetDeviceID: m.TargetDeviceID,
		Status:         string(m.Status),
		InitiatedBy:    m.InitiatedBy,
		Notes:          m.Notes,
		Steps:          make([]StepResponse, len(m.Steps)),
		CreatedAt:      m.CreatedAt.Format(timeFormat),
		UpdatedAt:      m.UpdatedAt.Format(timeFormat),
	}
	for i, s := range m.Steps {
		resp.Steps[i] = StepResponse{
			Name:       string(s.Name),
			Success:    s.Success,
			Output:     s.Output,
			Error:      s.Error,
			ExecutedAt: s.ExecutedAt.Format(timeFormat),
		}
	}
	if m.CompletedAt != nil {
		resp.CompletedAt = m.CompletedAt.Format(timeFormat)
	}
	return resp
}

type InitiateMigrationInput struct {
	Body struct {
		ProfileID      string `json:"profile_id" minLength:"1"`
		SourceDeviceID string `json:"source_device_id" minLength:"1"`
		TargetDeviceID string `json:"target_device_id" minLength:"1"`
		Notes          string `json:"notes,omitempty" required:"false" maxLength:"1000"`
	}
}

type MigrationIDInput struct {
	ID string `path:"id" doc:"Migration ID"`
}

type ExecuteMigrationInput struct {
	ID    string `path:"id" doc:"Migration ID"`
	Async bool   `query:"async" required:"false" doc:"Enqueue instead of running in the request"`
}

type MigrationOutput struct {
	Body MigrationResponse
}

// ExecuteMigrationOutput is 200 with the finished migration, or 202 with
// the still pending one when queued.
type ExecuteMigrationOutput struct {
	Status int
	Body   MigrationResponse
}

type ListMigrationsInput struct {
	ProfileID string `query:"profile_id" required:"false"`
	Status    string `query:"status" required:"false"`
	Limit     int    `query:"limit" required:"false" default:"50" minimum:"0"`
	Offset    int    `query:"offset" required:"false" default:"0" minimum:"0"`
}

type ListMigrationsOutput struct {
	Body []MigrationResponse
}

func (h *handler) registerMigrations(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "initiate-migration",
		Method:        http.MethodPost,
		Path:          "/api/v1/migrations",
		Summary:       "Start moving a profile to another device",
		Tags:          []string{"Migrations"},
		DefaultStatus: http.StatusCreated,
		Security:      bearerSecurity,
	}, func(ctx context.Context, input *InitiateMigrationInput) (*MigrationOutput, error) {
		return call(ctx, h, func(actor domain.Actor) (*MigrationOutput, error) {
			m, err := h.Migrations.Initiate(ctx, actor, app.InitiateInput{
				ProfileID:      input.Body.ProfileID,
				SourceDeviceID: input.Body.SourceDeviceID,
				TargetDeviceID: input.Body.TargetDeviceID,
				Notes:          input.Body.Notes,
			})
			if err != nil {
				return nil, err
			}
			return &MigrationOutput{Body: toMigrationResponse(m)}, nil
		})
	})

	huma.Register(api, huma.Operation{
		OperationID: "execute-migration",
		Method:      http.MethodPost,
		Path:        "/api/v1/migrations/{id}/execute",
		Summary:     "Run the migration workflow",
		Tags:        []string{"Migrations"},
		Security:    bearerSecurity,
	}, func(ctx context.Context, input *ExecuteMigrationInput) (*ExecuteMigrationOutput, error) {
		return call(ctx, h, func(actor domain.Actor) (*ExecuteMigrationOutput, error) {
			if input.Async {
				return h.enqueue(ctx, actor, input.ID)
			}
			m, err := h.Migrations.Execute(ctx, actor, input.ID)
			if err != nil {
				return nil, failedMigration(m, err)
			}
			return &ExecuteMigrationOutput{Status: http.StatusOK, Body: toMigrationResponse(m)}, nil
		})
	})

	huma.Register(api, huma.Operation{
		OperationID: "rollback-migration",
		Method:      http.MethodPost,
		Path:        "/api/v1/migrations/{id}/rollback",
		Summary:     "Restore a failed migration's profile to its source device",
		Tags:        []string{"Migrations"},
		Security:    bearerSecurity,
	}, func(ctx context.Context, input *MigrationIDInput) (*MigrationOutput, error) {
		return call(ctx, h, func(actor domain.Actor) (*MigrationOutput, error) {
			m, err := h.Migrations.Rollback(ctx, actor, input.ID)
			if err != nil {
				return nil, failedMigration(m, err)
			}
			return &MigrationOutput{Body: toMigrationResponse(m)}, nil
		})
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-migration",
		Method:      http.MethodGet,
		Path:        "/api/v1/migrations/{id}",
		Summary:     "Get a migration with its steps",
		Tags:        []string{"Migrations"},
		Security:    bearerSecurity,
	}, func(ctx context.Context, input *MigrationIDInput) (*MigrationOutput, error) {
		return call(ctx, h, func(actor domain.Actor) (*MigrationOutput, error) {
			m, err := h.Migrations.Get(ctx, actor, input.ID)
			if err != nil {
				return nil, err
			}
			return &MigrationOutput{Body: toMigrationResponse(m)}, nil
		})
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-migrations",
		Method:      http.MethodGet,
		Path:        "/api/v1/migrations",
		Summary:     "List migrations",
		Tags:        []string{"Migrations"},
		Security:    bearerSecurity,
	}, func(ctx context.Context, input *ListMigrationsInput) (*ListMigrationsOutput, error) {
		return call(ctx, h, func(actor domain.Actor) (*ListMigrationsOutput, error) {
			filter := domain.MigrationFilter{ProfileID: input.ProfileID, Limit: input.Limit, Offset: input.Offset}
			if input.Status != "" {
				s, err := domain.ParseMigrationStatus(input.Status)
				if err != nil {
					return nil, err
				}
				filter.Status = &s
			}

			migrations, err := h.Migrations.List(ctx, actor, filter)
			if err != nil {
				return nil, err
			}
			resp := make([]MigrationResponse, len(migrations))
			for i, m := range migrations {
				resp[i] = toMigrationResponse(m)
			}
			return &ListMigrationsOutput{Body: resp}, nil
		})
	})
}

// enqueue checks the migration is visible and pending before queueing it.
// The worker runs the same checks again.
func (h *handler) enqueue(ctx context.Context, actor domain.Actor, id string) (*ExecuteMigrationOutput, error) {
	if h.Queue == nil {
		return nil, &domain.ValidationError{Field: "async", Reason: "asynchronous execution is not enabled"}
	}

	m, err := h.Migrations.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if m.Status != domain.MigrationPending {
		return nil, &domain.InvalidStateError{
			Resource:  domain.ResourceMigration,
			ID:        id,
			Operation: "execute",
			Current:   string(m.Status),
		}
	}

	if err := h.Queue.EnqueueExecute(ctx, actor, id); err != nil {
		return nil, err
	}
	return &ExecuteMigrationOutput{Status: http.StatusAccepted, Body: toMigrationResponse(m)}, nil
}

// --- Artifacts ---

// ArtifactResponse is the API representation of an activation artifact.
type ArtifactResponse struct {
	ID        string `json:"id"`
	ProfileID string `json:"profile_id"`
	Payload   string `json:"payload" doc:"LPA activation string"`
	Image     []byte `json:"image" doc:"QR code PNG, base64"`
	CreatedAt string `json:"created_at"`
	ExpiresAt string `json:"expires_at"`
	Active    bool   `json:"active"`
	ScannedAt string `json:"scanned_at,omitempty"`
}

func toArtifactResponse(a domain.ActivationArtifact) ArtifactResponse {
	resp := ArtifactResponse{
		ID:        a.ID,
		ProfileID: a.ProfileID,
		Payload:   a.Payload,
		Image:     a.Image,
		CreatedAt: a.CreatedAt.Format(timeFormat),
		ExpiresAt: a.ExpiresAt.Format(timeFormat),
		Active:    a.Active,
	}
	if a.ScannedAt != nil {
		resp.ScannedAt = a.ScannedAt.Format(timeFormat)
	}
	return resp
}

type IssueArtifactInput struct {
	ID   string `path:"id" doc:"Profile ID"`
	Body struct {
		TTLHours int `json:"ttl_hours,omitempty" required:"false" minimum:"0" doc:"Validity in hours, default 24"`
	} `required:"false"`
}

type ArtifactOutput struct {
	Body ArtifactResponse
}

type ArtifactIDInput struct {
	ID string `path:"id" doc:"Artifact ID"`
}

type ScanArtifactOutput struct {
	Body struct {
		Scanned bool `json:"scanned" doc:"False when already scanned or unknown"`
	}
}

func (h *handler) registerArtifacts(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "issue-artifact",
		Method:        http.MethodPost,
		Path:          "/api/v1/profiles/{id}/artifacts",
		Summary:       "Issue a new activation QR code",
		Tags:          []string{"Artifacts"},
		DefaultStatus: http.StatusCreated,
		Security:      bearerSecurity,
	}, func(ctx context.Context, input *IssueArtifactInput) (*ArtifactOutput, error) {
		return call(ctx, h, func(actor domain.Actor) (*ArtifactOutput, error) {
			ttl := time.Duration(input.Body.TTLHours) * time.Hour
			a, err := h.Artifacts.IssueForProfile(ctx, actor, input.ID, ttl)
			if err != nil {
				return nil, err
			}
			return &ArtifactOutput{Body: toArtifactResponse(a)}, nil
		})
	})

	huma.Register(api, huma.Operation{
		OperationID: "fetch-artifact",
		Method:      http.MethodGet,
		Path:        "/api/v1/profiles/{id}/artifacts/current",
		Summary:     "Get the profile's current activation QR code",
		Tags:        []string{"Artifacts"},
		Security:    bearerSecurity,
	}, func(ctx context.Context, input *ProfileIDInput) (*ArtifactOutput, error) {
		return call(ctx, h, func(actor domain.Actor) (*ArtifactOutput, error) {
			a, ok, err := h.Artifacts.FetchForProfile(ctx, actor, input.ID)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, domain.ErrArtifactNotFound
			}
			return &ArtifactOutput{Body: toArtifactResponse(a)}, nil
		})
	})

	huma.Register(api, huma.Operation{
		OperationID: "scan-artifact",
		Method:      http.MethodPost,
		Path:        "/api/v1/artifacts/{id}/scan",
		Summary:     "Record that an activation QR code was scanned",
		Tags:        []string{"Artifacts"},
		Security:    bearerSecurity,
	}, func(ctx context.Context, input *ArtifactIDInput) (*ScanArtifactOutput, error) {
		return call(ctx, h, func(actor domain.Actor) (*ScanArtifactOutput, error) {
			scanned, err := h.Artifacts.Scan(ctx, actor, input.ID)
			if err != nil {
				return nil, err
			}
			out := &ScanArtifactOutput{}
			out.Body.Scanned = scanned
			return out, nil
		})
	})
}

// --- Audit ---

// AuditEntryResponse is one compliance log entry.
type AuditEntryResponse struct {
	ID           string         `json:"id"`
	Operation    string         `json:"operation"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	ActorID      string         `json:"actor_id"`
	ActorRole    string         `json:"actor_role"`
	OccurredAt   string         `json:"occurred_at"`
	Details      map[string]any `json:"details"`
	Compliance   string         `json:"compliance"`
}

type ListAuditInput struct {
	Operation  string `query:"operation" required:"false" doc:"Filter by operation"`
	ResourceID string `query:"resource_id" required:"false"`
	Limit      int    `query:"limit" required:"false" default:"100" minimum:"0" maximum:"1000"`
}

type ListAuditOutput struct {
	Body []AuditEntryResponse
}

func (h *handler) registerAudit(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/api/v1/audit",
		Summary:     "List the tenant's compliance log, newest first",
		Tags:        []string{"Audit"},
		Security:    bearerSecurity,
	}, func(ctx context.Context, input *ListAuditInput) (*ListAuditOutput, error) {
		return call(ctx, h, func(actor domain.Actor) (*ListAuditOutput, error) {
			filter := domain.AuditFilter{ResourceID: input.ResourceID, Limit: input.Limit}
			if input.Operation != "" {
				op := domain.Operation(input.Operation)
				filter.Operation = &op
			}

			entries, err := h.AuditLog.List(ctx, actor, filter)
			if err != nil {
				return nil, err
			}
			resp := make([]AuditEntryResponse, len(entries))
			for i, e := range entries {
				resp[i] = AuditEntryResponse{
					ID:           e.ID,
					Operation:    string(e.Operation),
					ResourceType: string(e.ResourceType),
					ResourceID:   e.ResourceID,
					ActorID:      e.ActorID,
					ActorRole:    string(e.ActorRole),
					OccurredAt:   e.OccurredAt.Format(timeFormat),
					Details:      e.Details,
					Compliance:   string(e.Compliance),
				}
			}
			return &ListAuditOutput{Body: resp}, nil
		})
	})
}
