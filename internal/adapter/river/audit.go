package river

import (
	"context"
	"fmt"
	"time"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"github.com/neomorfeo/esimflow/internal/domain"
)

// Compile-time check: AuditPublisher implements domain.AuditSink.
var _ domain.AuditSink = (*AuditPublisher)(nil)

// AuditStore is where the worker finally writes entries.
type AuditStore interface {
	Append(ctx context.Context, entry domain.AuditEntry) error
}

// AuditJobArgs is a complete audit entry. River serializes it as JSON into
// its job table, so the worker needs nothing but the store.
type AuditJobArgs struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenant_id"`
	Operation    string         `json:"operation"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	ActorID      string         `json:"actor_id"`
	ActorRole    string         `json:"actor_role"`
	OccurredAt   time.Time      `json:"occurred_at"`
	Details      map[string]any `json:"details"`
	Compliance   string         `json:"compliance"`
}

// Kind returns the unique job type identifier used by River's job routing.
func (AuditJobArgs) Kind() string { return "audit.append" }

func (a AuditJobArgs) entry() domain.AuditEntry {
	return domain.AuditEntry{
		ID:           a.ID,
		TenantID:     a.TenantID,
		Operation:    domain.Operation(a.Operation),
		ResourceType: domain.ResourceType(a.ResourceType),
		ResourceID:   a.ResourceID,
		ActorID:      a.ActorID,
		ActorRole:    domain.Role(a.ActorRole),
		OccurredAt:   a.OccurredAt,
		Details:      a.Details,
		Compliance:   domain.Compliance(a.Compliance),
	}
}

// AuditPublisher implements domain.AuditSink by enqueuing River jobs, so a
// slow or locked audit table never delays the audited operation.
type AuditPublisher struct {
	client *Client
}

// NewAuditPublisher creates a publisher backed by the given River client.
func NewAuditPublisher(client *Client) *AuditPublisher {
	return &AuditPublisher{client: client}
}

// Append enqueues entry for asynchronous persistence.
func (p *AuditPublisher) Append(ctx context.Context, entry domain.AuditEntry) error {
	_, err := p.client.Insert(ctx, AuditJobArgs{
		ID:           entry.ID,
		TenantID:     entry.TenantID,
		Operation:    string(entry.Operation),
		ResourceType: string(entry.ResourceType),
		ResourceID:   entry.ResourceID,
		ActorID:      entry.ActorID,
		ActorRole:    string(entry.ActorRole),
		OccurredAt:   entry.OccurredAt,
		Details:      entry.Details,
		Compliance:   string(entry.Compliance),
	}, nil)
	if err != nil {
		return fmt.Errorf("enqueuing audit job: %w", err)
	}
	return nil
}

// AuditWorker persists enqueued audit entries. Appends are idempotent on
// the entry ID, so River's retries are safe.
type AuditWorker struct {
	river.WorkerDefaults[AuditJobArgs]
	handlers *Handlers
	logger   *zap.Logger
}

// Work appends a single entry.
func (w *AuditWorker) Work(ctx context.Context, job *river.Job[AuditJobArgs]) error {
	if err := w.handlers.Audit.Append(ctx, job.Args.entry()); err != nil {
		w.logger.Error("persisting audit entry",
			zap.Error(err),
			zap.String("audit_id", job.Args.ID),
			zap.Int64("job_id", job.ID),
			zap.Int("attempt", job.Attempt),
		)
		return err
	}
	return nil
}
