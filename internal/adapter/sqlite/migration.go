package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/neomorfeo/esimflow/internal/domain"
)

// Compile-time check: MigrationRepository implements domain.MigrationRepository.
var _ domain.MigrationRepository = (*MigrationRepository)(nil)

// MigrationRepository implements domain.MigrationRepository using SQLite.
// Steps live in their own table keyed by (migration_id, seq) and are only
// ever inserted.
type MigrationRepository struct {
	db *sql.DB
}

const migrationColumns = `id, profile_id, tenant_id, source_device_id, target_device_id, status,
	initiated_by, notes, created_at, updated_at, completed_at`

func (r *MigrationRepository) Create(ctx context.Context, m domain.Migration) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO device_migrations (`+migrationColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ProfileID, m.TenantID, m.SourceDeviceID, m.TargetDeviceID, string(m.Status),
		m.InitiatedBy, m.Notes, formatTime(m.CreatedAt), formatTime(m.UpdatedAt),
		formatNullTime(m.CompletedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &domain.ConflictError{
				Resource: domain.ResourceProfile,
				ID:       m.ProfileID,
				Reason:   "profile already has an open migration",
			}
		}
		return fmt.Errorf("inserting migration: %w", err)
	}
	return nil
}

func (r *MigrationRepository) GetByID(ctx context.Context, tenantID, id string) (domain.Migration, error) {
	m, err := scanMigration(r.db.QueryRowContext(ctx,
		`SELECT `+migrationColumns+` FROM device_migrations WHERE tenant_id = ? AND id = ?`,
		tenantID, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Migration{}, domain.ErrMigrationNotFound
	}
	if err != nil {
		return domain.Migration{}, err
	}

	if m.Steps, err = r.steps(ctx, m.ID); err != nil {
		return domain.Migration{}, err
	}
	return m, nil
}

// Latest returns the profile's most recently created migration.
func (r *MigrationRepository) Latest(ctx context.Context, tenantID, profileID string) (domain.Migration, error) {
	m, err := scanMigration(r.db.QueryRowContext(ctx,
		`SELECT `+migrationColumns+` FROM device_migrations
		 WHERE tenant_id = ? AND profile_id = ?
		 ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		tenantID, profileID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Migration{}, domain.ErrMigrationNotFound
	}
	if err != nil {
		return domain.Migration{}, err
	}

	if m.Steps, err = r.steps(ctx, m.ID); err != nil {
		return domain.Migration{}, err
	}
	return m, nil
}

func (r *MigrationRepository) List(ctx context.Context, tenantID string, filter domain.MigrationFilter) ([]domain.Migration, error) {
	query := `SELECT ` + migrationColumns + ` FROM device_migrations WHERE tenant_id = ?`
	args := []any{tenantID}

	if filter.ProfileID != "" {
		query += ` AND profile_id = ?`
		args = append(args, filter.ProfileID)
	}
	if filter.Status != nil {
		query += ` AND status = ?`
		args = append(args, string(*filter.Status))
	}

	query += ` ORDER BY created_at DESC, id`
	query, args = paginate(query, args, filter.Limit, filter.Offset)

	migrations, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	// Steps are loaded after the row cursor is closed; the pool holds one connection.
	for i := range migrations {
		if migrations[i].Steps, err = r.steps(ctx, migrations[i].ID); err != nil {
			return nil, err
		}
	}
	return migrations, nil
}

func (r *MigrationRepository) query(ctx context.Context, query string, args ...any) ([]domain.Migration, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing migrations: %w", err)
	}
	defer rows.Close()

	var migrations []domain.Migration
	for rows.Next() {
		m, err := scanMigration(rows)
		if err != nil {
			return nil, err
		}
		migrations = append(migrations, m)
	}
	return migrations, rows.Err()
}

func (r *MigrationRepository) HasOpen(ctx context.Context, tenantID, profileID string) (bool, error) {
	var open bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM device_migrations
			WHERE tenant_id = ? AND profile_id = ? AND status IN (?, ?)
		 )`,
		tenantID, profileID, string(domain.MigrationPending), string(domain.MigrationInProgress),
	).Scan(&open)
	if err != nil {
		return false, fmt.Errorf("checking open migrations: %w", err)
	}
	return open, nil
}

// UpdateStatus moves the migration to next only if it is still in expected.
// CompletedAt is stamped when next is completed or rolled back.
func (r *MigrationRepository) UpdateStatus(ctx context.Context, tenantID, id string, expected, next domain.MigrationStatus, at time.Time) error {
	var completedAt sql.NullString
	if next == domain.MigrationCompleted || next == domain.MigrationRolledBack {
		completedAt = sql.NullString{String: formatTime(at), Valid: true}
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE device_migrations
		 SET status = ?, updated_at = ?, completed_at = COALESCE(?, completed_at)
		 WHERE tenant_id = ? AND id = ? AND status = ?`,
		string(next), formatTime(at), completedAt,
		tenantID, id, string(expected),
	)
	if err != nil {
		return fmt.Errorf("updating migration status: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var current string
	err = r.db.QueryRowContext(ctx,
		`SELECT status FROM device_migrations WHERE tenant_id = ? AND id = ?`, tenantID, id,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrMigrationNotFound
	}
	if err != nil {
		return fmt.Errorf("reading migration status: %w", err)
	}
	return &domain.InvalidStateError{
		Resource:  domain.ResourceMigration,
		ID:        id,
		Operation: "move to " + string(next),
		Current:   current,
	}
}

// AppendStep inserts the next step of a migration. The sequence number is
// assigned inside the INSERT so steps keep their execution order.
func (r *MigrationRepository) AppendStep(ctx context.Context, tenantID, id string, step domain.MigrationStep) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO migration_steps (migration_id, seq, name, success, output, error, executed_at)
		 SELECT ?, COALESCE((SELECT MAX(seq) FROM migration_steps WHERE migration_id = ?), 0) + 1,
		        ?, ?, ?, ?, ?
		 WHERE EXISTS (SELECT 1 FROM device_migrations WHERE tenant_id = ? AND id = ?)`,
		id, id,
		string(step.Name), boolInt(step.Success), step.Output, step.Error, formatTime(step.ExecutedAt),
		tenantID, id,
	)
	if err != nil {
		return fmt.Errorf("appending migration step: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrMigrationNotFound
	}
	return nil
}

func (r *MigrationRepository) steps(ctx context.Context, migrationID string) ([]domain.MigrationStep, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT name, success, output, error, executed_at
		 FROM migration_steps WHERE migration_id = ? ORDER BY seq`, migrationID)
	if err != nil {
		return nil, fmt.Errorf("listing migration steps: %w", err)
	}
	defer rows.Close()

	steps := []domain.MigrationStep{}
	for rows.Next() {
		var s domain.MigrationStep
		var name, executedAt string
		if err := rows.Scan(&name, &s.Success, &s.Output, &s.Error, &executedAt); err != nil {
			return nil, fmt.Errorf("scanning migration step: %w", err)
		}
		s.Name = domain.StepName(name)
		if s.ExecutedAt, err = parseTime(executedAt); err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

func scanMigration(row rowScanner) (domain.Migration, error) {
	var m domain.Migration
	var status, createdAt, updatedAt string
	var completedAt sql.NullString

	err := row.Scan(&m.ID, &m.ProfileID, &m.TenantID, &m.SourceDeviceID, &m.TargetDeviceID,
		&status, &m.InitiatedBy, &m.Notes, &createdAt, &updatedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Migration{}, err
		}
		return domain.Migration{}, fmt.Errorf("scanning migration: %w", err)
	}

	m.Status = domain.MigrationStatus(status)
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return domain.Migration{}, err
	}
	if m.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return domain.Migration{}, err
	}
	if m.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return domain.Migration{}, err
	}

	return m, nil
}
