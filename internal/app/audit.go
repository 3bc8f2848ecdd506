package app

import (
	"context"
	"fmt"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/neomorfeo/esimflow/internal/domain"
)

// AuditRecorder appends compliance entries. Recording never fails the
// calling operation: sink errors are logged and dropped.
type AuditRecorder struct {
	sink   domain.AuditSink
	logger *zap.Logger
	clock  clock.Clock
}

// NewAuditRecorder creates a recorder writing to sink.
func NewAuditRecorder(sink domain.AuditSink, logger *zap.Logger, clk clock.Clock) *AuditRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &AuditRecorder{sink: sink, logger: logger, clock: clk}
}

// Record appends a compliant entry for an action performed by actor.
func (r *AuditRecorder) Record(ctx context.Context, actor domain.Actor, op domain.Operation, resource domain.ResourceType, resourceID string, details map[string]any) {
	r.Flag(ctx, actor, op, resource, resourceID, domain.Compliant, details)
}

// Flag appends an entry with an explicit compliance classification.
func (r *AuditRecorder) Flag(ctx context.Context, actor domain.Actor, op domain.Operation, resource domain.ResourceType, resourceID string, compliance domain.Compliance, details map[string]any) {
	id, err := generateID()
	if err != nil {
		r.logger.Error("generating audit entry id", zap.Error(err), zap.String("operation", string(op)))
		return
	}
	if details == nil {
		details = map[string]any{}
	}

	entry := domain.AuditEntry{
		ID:           id,
		TenantID:     actor.TenantID,
		Operation:    op,
		ResourceType: resource,
		ResourceID:   resourceID,
		ActorID:      actor.ID,
		ActorRole:    actor.Role,
		OccurredAt:   r.clock.Now().UTC(),
		Details:      details,
		Compliance:   compliance,
	}

	if err := r.sink.Append(ctx, entry); err != nil {
		r.logger.Error("audit entry dropped",
			zap.Error(err),
			zap.String("audit_id", entry.ID),
			zap.String("tenant_id", entry.TenantID),
			zap.String("operation", string(op)),
			zap.String("resource_type", string(resource)),
			zap.String("resource_id", resourceID),
		)
	}
}

// AuditLog is the read side of the compliance log.
type AuditLog struct {
	Deps
	repo domain.AuditRepository
}

// NewAuditLog creates a reader over repo.
func NewAuditLog(deps Deps, repo domain.AuditRepository) *AuditLog {
	return &AuditLog{Deps: deps.withDefaults(), repo: repo}
}

// List returns the actor's tenant entries matching filter, newest first.
func (l *AuditLog) List(ctx context.Context, actor domain.Actor, filter domain.AuditFilter) ([]domain.AuditEntry, error) {
	if _, err := l.admit(ctx, actor, domain.PermViewAuditLogs, domain.ResourceAudit, ""); err != nil {
		return nil, err
	}
	if filter.Operation != nil && !filter.Operation.Valid() {
		return nil, &domain.ValidationError{Field: "operation", Reason: fmt.Sprintf("unknown operation %q", *filter.Operation)}
	}
	return l.repo.List(ctx, actor.TenantID, filter)
}
