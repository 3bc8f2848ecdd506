package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/neomorfeo/esimflow/internal/domain"
)

// Compile-time check: AuditRepository implements domain.AuditRepository.
var _ domain.AuditRepository = (*AuditRepository)(nil)

// AuditRepository implements domain.AuditRepository using SQLite. Entries are
// never updated or deleted.
type AuditRepository struct {
	db *sql.DB
}

// DefaultAuditLimit caps audit listings when the filter sets no limit.
const DefaultAuditLimit = 100

const auditColumns = `id, tenant_id, operation, resource_type, resource_id, actor_id, actor_role,
	occurred_at, details, compliance`

// Append stores an entry. Re-appending an entry with a known ID is a no-op,
// which keeps redelivered async audit jobs from duplicating history.
func (r *AuditRepository) Append(ctx context.Context, e domain.AuditEntry) error {
	details := e.Details
	if details == nil {
		details = map[string]any{}
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("encoding audit details: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO audit_entries (`+auditColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TenantID, string(e.Operation), string(e.ResourceType), e.ResourceID,
		e.ActorID, string(e.ActorRole), formatTime(e.OccurredAt), string(raw), string(e.Compliance),
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

// List returns the tenant's entries, newest first.
func (r *AuditRepository) List(ctx context.Context, tenantID string, filter domain.AuditFilter) ([]domain.AuditEntry, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_entries WHERE tenant_id = ?`
	args := []any{tenantID}

	if filter.Operation != nil {
		query += ` AND operation = ?`
		args = append(args, string(*filter.Operation))
	}
	if filter.ResourceID != "" {
		query += ` AND resource_id = ?`
		args = append(args, filter.ResourceID)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultAuditLimit
	}
	query += ` ORDER BY occurred_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing audit entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var operation, resourceType, role, occurredAt, details, compliance string
		if err := rows.Scan(&e.ID, &e.TenantID, &operation, &resourceType, &e.ResourceID,
			&e.ActorID, &role, &occurredAt, &details, &compliance); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		e.Operation = domain.Operation(operation)
		e.ResourceType = domain.ResourceType(resourceType)
		e.ActorRole = domain.Role(role)
		e.Compliance = domain.Compliance(compliance)
		if e.OccurredAt, err = parseTime(occurredAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
			return nil, fmt.Errorf("decoding audit details: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
