package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/neomorfeo/esimflow/internal/domain"
)

// Compile-time check: ArtifactRepository implements domain.ArtifactRepository.
var _ domain.ArtifactRepository = (*ArtifactRepository)(nil)

// ArtifactRepository implements domain.ArtifactRepository using SQLite.
type ArtifactRepository struct {
	db *sql.DB
}

const artifactColumns = `id, profile_id, tenant_id, payload, image, created_at, expires_at, active, scanned_at`

func (r *ArtifactRepository) Create(ctx context.Context, a domain.ActivationArtifact) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO activation_artifacts (`+artifactColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ProfileID, a.TenantID, a.Payload, a.Image,
		formatTime(a.CreatedAt), formatTime(a.ExpiresAt), boolInt(a.Active),
		formatNullTime(a.ScannedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting artifact: %w", err)
	}
	return nil
}

// Current returns the newest active artifact of the profile that has not
// expired at now.
func (r *ArtifactRepository) Current(ctx context.Context, tenantID, profileID string, now time.Time) (domain.ActivationArtifact, error) {
	var a domain.ActivationArtifact
	var createdAt, expiresAt string
	var scannedAt sql.NullString

	err := r.db.QueryRowContext(ctx,
		`SELECT `+artifactColumns+` FROM activation_artifacts
		 WHERE tenant_id = ? AND profile_id = ? AND active = 1 AND expires_at > ?
		 ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		tenantID, profileID, formatTime(now),
	).Scan(&a.ID, &a.ProfileID, &a.TenantID, &a.Payload, &a.Image,
		&createdAt, &expiresAt, &a.Active, &scannedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ActivationArtifact{}, domain.ErrArtifactNotFound
	}
	if err != nil {
		return domain.ActivationArtifact{}, fmt.Errorf("reading current artifact: %w", err)
	}

	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return domain.ActivationArtifact{}, err
	}
	if a.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return domain.ActivationArtifact{}, err
	}
	if a.ScannedAt, err = parseNullTime(scannedAt); err != nil {
		return domain.ActivationArtifact{}, err
	}
	return a, nil
}

// MarkScanned records the first scan of an artifact and deactivates it. It
// reports false when the artifact is unknown to the tenant or was already scanned.
func (r *ArtifactRepository) MarkScanned(ctx context.Context, tenantID, id string, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE activation_artifacts SET scanned_at = ?, active = 0
		 WHERE tenant_id = ? AND id = ? AND scanned_at IS NULL`,
		formatTime(at), tenantID, id,
	)
	if err != nil {
		return false, fmt.Errorf("marking artifact scanned: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return n > 0, nil
}

func (r *ArtifactRepository) DeactivateForProfile(ctx context.Context, tenantID, profileID string) (int, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE activation_artifacts SET active = 0
		 WHERE tenant_id = ? AND profile_id = ? AND active = 1`,
		tenantID, profileID,
	)
	if err != nil {
		return 0, fmt.Errorf("deactivating artifacts: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return int(n), nil
}

// DeleteExpired removes every artifact with expires_at <= now, across tenants.
func (r *ArtifactRepository) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM activation_artifacts WHERE expires_at <= ?`, formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("deleting expired artifacts: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return int(n), nil
}
