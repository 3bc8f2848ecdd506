package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/neomorfeo/esimflow/internal/domain"
)

const tracerName = "github.com/neomorfeo/esimflow/internal/adapter/otel"

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// TracingProfileRepository wraps a domain.ProfileRepository with
// OpenTelemetry tracing. Each method creates a span with semantic
// attributes and records errors.
type TracingProfileRepository struct {
	next   domain.ProfileRepository
	tracer trace.Tracer
}

// Compile-time check: TracingProfileRepository implements domain.ProfileRepository.
var _ domain.ProfileRepository = (*TracingProfileRepository)(nil)

// NewTracingProfileRepository creates a tracing decorator around the given repository.
func NewTracingProfileRepository(next domain.ProfileRepository) *TracingProfileRepository {
	return &TracingProfileRepository{
		next:   next,
		tracer: otel.Tracer(tracerName),
	}
}

func (r *TracingProfileRepository) Create(ctx context.Context, p domain.Profile) (err error) {
	ctx, span := r.tracer.Start(ctx, "ProfileRepository.Create",
		trace.WithAttributes(
			attribute.String("tenant.id", p.TenantID),
			attribute.String("profile.id", p.ID),
			attribute.String("profile.provider", string(p.Provider)),
		),
	)
	defer func() { endSpan(span, err) }()

	return r.next.Create(ctx, p)
}

func (r *TracingProfileRepository) GetByID(ctx context.Context, tenantID, id string) (p domain.Profile, err error) {
	ctx, span := r.tracer.Start(ctx, "ProfileRepository.GetByID",
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.String("profile.id", id),
		),
	)
	defer func() { endSpan(span, err) }()

	return r.next.GetByID(ctx, tenantID, id)
}

func (r *TracingProfileRepository) List(ctx context.Context, tenantID string, filter domain.ProfileFilter) (out []domain.Profile, err error) {
	ctx, span := r.tracer.Start(ctx, "ProfileRepository.List",
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.Int("filter.limit", filter.Limit),
			attribute.Int("filter.offset", filter.Offset),
		),
	)
	defer func() { endSpan(span, err) }()

	out, err = r.next.List(ctx, tenantID, filter)
	span.SetAttributes(attribute.Int("result.count", len(out)))
	return out, err
}

func (r *TracingProfileRepository) Count(ctx context.Context, tenantID string) (n int, err error) {
	ctx, span := r.tracer.Start(ctx, "ProfileRepository.Count",
		trace.WithAttributes(attribute.String("tenant.id", tenantID)),
	)
	defer func() { endSpan(span, err) }()

	return r.next.Count(ctx, tenantID)
}

func (r *TracingProfileRepository) UpdateStatus(ctx context.Context, tenantID, id string, expected, next domain.ProfileStatus, metadata map[string]string, updatedBy string, at time.Time) (p domain.Profile, err error) {
	ctx, span := r.tracer.Start(ctx, "ProfileRepository.UpdateStatus",
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.String("profile.id", id),
			attribute.String("profile.status.expected", string(expected)),
			attribute.String("profile.status.next", string(next)),
		),
	)
	defer func() { endSpan(span, err) }()

	return r.next.UpdateStatus(ctx, tenantID, id, expected, next, metadata, updatedBy, at)
}

func (r *TracingProfileRepository) BindDevice(ctx context.Context, tenantID, id string, expected domain.ProfileStatus, deviceID, updatedBy string, at time.Time) (p domain.Profile, err error) {
	ctx, span := r.tracer.Start(ctx, "ProfileRepository.BindDevice",
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.String("profile.id", id),
			attribute.String("device.id", deviceID),
		),
	)
	defer func() { endSpan(span, err) }()

	return r.next.BindDevice(ctx, tenantID, id, expected, deviceID, updatedBy, at)
}

func (r *TracingProfileRepository) Delete(ctx context.Context, tenantID, id string) (err error) {
	ctx, span := r.tracer.Start(ctx, "ProfileRepository.Delete",
		trace.WithAttributes(
			attribute.String("tenant.id", tenantID),
			attribute.String("profile.id", id),
		),
	)
	defer func() { endSpan(span, err) }()

	return r.next.Delete(ctx, tenantID, id)
}

// TracingExecutor wraps a domain.DeploymentExecutor. A result reporting
// failure marks the span as errored even though Run returned no error.
type TracingExecutor struct {
	next   domain.DeploymentExecutor
	tracer trace.Tracer
}

// Compile-time check: TracingExecutor implements domain.DeploymentExecutor.
var _ domain.DeploymentExecutor = (*TracingExecutor)(nil)

// NewTracingExecutor creates a tracing decorator around the given executor.
func NewTracingExecutor(next domain.DeploymentExecutor) *TracingExecutor {
	return &TracingExecutor{
		next:   next,
		tracer: otel.Tracer(tracerName),
	}
}

func (e *TracingExecutor) Run(ctx context.Context, req domain.ExecutionRequest) (domain.ExecutionResult, error) {
	ctx, span := e.tracer.Start(ctx, "DeploymentExecutor.Run",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("executor.action", string(req.Action)),
			attribute.String("tenant.id", req.Params.TenantID),
			attribute.String("profile.id", req.ProfileID),
			attribute.String("device.id", req.DeviceID),
			attribute.String("executor.timeout", req.Timeout.String()),
		),
	)
	defer span.End()

	res, err := e.next.Run(ctx, req)
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case !res.Success:
		span.SetStatus(codes.Error, res.Error)
	}
	span.SetAttributes(attribute.Bool("executor.success", res.Success))
	return res, err
}

// TracingAuditSink wraps a domain.AuditSink.
type TracingAuditSink struct {
	next   domain.AuditSink
	tracer trace.Tracer
}

// Compile-time check: TracingAuditSink implements domain.AuditSink.
var _ domain.AuditSink = (*TracingAuditSink)(nil)

// NewTracingAuditSink creates a tracing decorator around the given sink.
func NewTracingAuditSink(next domain.AuditSink) *TracingAuditSink {
	return &TracingAuditSink{
		next:   next,
		tracer: otel.Tracer(tracerName),
	}
}

func (s *TracingAuditSink) Append(ctx context.Context, entry domain.AuditEntry) (err error) {
	ctx, span := s.tracer.Start(ctx, "AuditSink.Append",
		trace.WithAttributes(
			attribute.String("tenant.id", entry.TenantID),
			attribute.String("audit.operation", string(entry.Operation)),
			attribute.String("audit.compliance", string(entry.Compliance)),
		),
	)
	defer func() { endSpan(span, err) }()

	return s.next.Append(ctx, entry)
}
