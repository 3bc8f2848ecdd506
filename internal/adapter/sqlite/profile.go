package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/neomorfeo/esimflow/internal/domain"
)

// Compile-time check: ProfileRepository implements domain.ProfileRepository.
var _ domain.ProfileRepository = (*ProfileRepository)(nil)

// ProfileRepository implements domain.ProfileRepository using SQLite.
type ProfileRepository struct {
	db *sql.DB
}

const profileColumns = `id, tenant_id, display_name, provider, activation_code, smdp_server_url,
	device_id, status, metadata, created_by, updated_by, created_at, updated_at`

func (r *ProfileRepository) Create(ctx context.Context, p domain.Profile) error {
	metadata, err := encodeMetadata(p.Metadata)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO profiles (`+profileColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.TenantID, p.DisplayName, string(p.Provider),
		p.Activation.ActivationCode, p.Activation.SMDPServerURL,
		p.DeviceID, string(p.Status), metadata, p.CreatedBy, p.UpdatedBy,
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &domain.ConflictError{Resource: domain.ResourceProfile, ID: p.ID, Reason: "already exists"}
		}
		return fmt.Errorf("inserting profile: %w", err)
	}
	return nil
}

func (r *ProfileRepository) GetByID(ctx context.Context, tenantID, id string) (domain.Profile, error) {
	p, err := scanProfile(r.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE tenant_id = ? AND id = ?`,
		tenantID, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Profile{}, domain.ErrProfileNotFound
	}
	return p, err
}

func (r *ProfileRepository) List(ctx context.Context, tenantID string, filter domain.ProfileFilter) ([]domain.Profile, error) {
	query := `SELECT ` + profileColumns + ` FROM profiles WHERE tenant_id = ?`
	args := []any{tenantID}

	if filter.Status != nil {
		query += ` AND status = ?`
		args = append(args, string(*filter.Status))
	}
	if filter.Provider != nil {
		query += ` AND provider = ?`
		args = append(args, string(*filter.Provider))
	}

	query += ` ORDER BY created_at DESC, id`
	query, args = paginate(query, args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing profiles: %w", err)
	}
	defer rows.Close()

	var profiles []domain.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}

	return profiles, rows.Err()
}

func (r *ProfileRepository) Count(ctx context.Context, tenantID string) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM profiles WHERE tenant_id = ?`, tenantID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting profiles: %w", err)
	}
	return n, nil
}

// UpdateStatus moves the profile to next only if it is still in expected.
// A nil metadata map leaves the stored metadata unchanged.
func (r *ProfileRepository) UpdateStatus(ctx context.Context, tenantID, id string, expected, next domain.ProfileStatus, metadata map[string]string, updatedBy string, at time.Time) (domain.Profile, error) {
	var encoded sql.NullString
	if metadata != nil {
		raw, err := encodeMetadata(metadata)
		if err != nil {
			return domain.Profile{}, err
		}
		encoded = sql.NullString{String: raw, Valid: true}
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE profiles SET status = ?, metadata = COALESCE(?, metadata), updated_by = ?, updated_at = ?
		 WHERE tenant_id = ? AND id = ? AND status = ?`,
		string(next), encoded, updatedBy, formatTime(at),
		tenantID, id, string(expected),
	)
	if err != nil {
		return domain.Profile{}, fmt.Errorf("updating profile status: %w", err)
	}

	return r.afterConditionalWrite(ctx, result, tenantID, id, expected)
}

// BindDevice sets the profile's device binding only if the profile is still in expected.
func (r *ProfileRepository) BindDevice(ctx context.Context, tenantID, id string, expected domain.ProfileStatus, deviceID, updatedBy string, at time.Time) (domain.Profile, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE profiles SET device_id = ?, updated_by = ?, updated_at = ?
		 WHERE tenant_id = ? AND id = ? AND status = ?`,
		deviceID, updatedBy, formatTime(at),
		tenantID, id, string(expected),
	)
	if err != nil {
		return domain.Profile{}, fmt.Errorf("binding profile device: %w", err)
	}

	return r.afterConditionalWrite(ctx, result, tenantID, id, expected)
}

func (r *ProfileRepository) afterConditionalWrite(ctx context.Context, result sql.Result, tenantID, id string, expected domain.ProfileStatus) (domain.Profile, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return domain.Profile{}, fmt.Errorf("checking rows affected: %w", err)
	}

	current, err := r.GetByID(ctx, tenantID, id)
	if err != nil {
		return domain.Profile{}, err
	}
	if n == 0 {
		return domain.Profile{}, &domain.ConflictError{
			Resource: domain.ResourceProfile,
			ID:       id,
			Reason:   fmt.Sprintf("status is %q, expected %q", current.Status, expected),
		}
	}
	return current, nil
}

func (r *ProfileRepository) Delete(ctx context.Context, tenantID, id string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM profiles WHERE tenant_id = ? AND id = ?`, tenantID, id)
	if err != nil {
		return fmt.Errorf("deleting profile: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrProfileNotFound
	}
	return nil
}

func scanProfile(row rowScanner) (domain.Profile, error) {
	var p domain.Profile
	var provider, status, metadata, createdAt, updatedAt string

	err := row.Scan(&p.ID, &p.TenantID, &p.DisplayName, &provider,
		&p.Activation.ActivationCode, &p.Activation.SMDPServerURL,
		&p.DeviceID, &status, &metadata, &p.CreatedBy, &p.UpdatedBy,
		&createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Profile{}, err
		}
		return domain.Profile{}, fmt.Errorf("scanning profile: %w", err)
	}

	p.Provider = domain.Provider(provider)
	p.Status = domain.ProfileStatus(status)
	if err := json.Unmarshal([]byte(metadata), &p.Metadata); err != nil {
		return domain.Profile{}, fmt.Errorf("decoding profile metadata: %w", err)
	}
	if p.Metadata == nil {
		p.Metadata = map[string]string{}
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return domain.Profile{}, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return domain.Profile{}, err
	}

	return p, nil
}

func encodeMetadata(m map[string]string) (string, error) {
	if m == nil {
		m = map[string]string{}
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encoding profile metadata: %w", err)
	}
	return string(raw), nil
}
