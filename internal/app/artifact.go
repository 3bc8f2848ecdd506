package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/neomorfeo/esimflow/internal/domain"
)

// ArtifactService manages time-bounded activation artifacts. Expiry is
// evaluated when an artifact is read; PurgeExpired only reclaims storage.
type ArtifactService struct {
	Deps
	renderer   domain.ArtifactRenderer
	defaultTTL time.Duration
}

// NewArtifactService creates the artifact manager. A non-positive defaultTTL
// falls back to domain.DefaultArtifactTTL.
func NewArtifactService(deps Deps, renderer domain.ArtifactRenderer, defaultTTL time.Duration) *ArtifactService {
	if defaultTTL <= 0 {
		defaultTTL = domain.DefaultArtifactTTL
	}
	return &ArtifactService{Deps: deps.withDefaults(), renderer: renderer, defaultTTL: defaultTTL}
}

// Issue always creates a new artifact for payload, valid for ttl.
func (s *ArtifactService) Issue(ctx context.Context, profileID, tenantID, payload string, ttl time.Duration) (domain.ActivationArtifact, error) {
	if ttl < 0 {
		return domain.ActivationArtifact{}, &domain.ValidationError{Field: "ttl", Reason: "must not be negative"}
	}
	if ttl == 0 {
		ttl = s.defaultTTL
	}

	id, err := generateID()
	if err != nil {
		return domain.ActivationArtifact{}, fmt.Errorf("generating artifact id: %w", err)
	}

	image, err := s.renderer.Render(payload)
	if err != nil {
		return domain.ActivationArtifact{}, fmt.Errorf("rendering artifact: %w", err)
	}

	now := s.Clock.Now().UTC()
	artifact := domain.ActivationArtifact{
		ID:        id,
		ProfileID: profileID,
		TenantID:  tenantID,
		Payload:   payload,
		Image:     image,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Active:    true,
	}
	if err := s.Artifacts.Create(ctx, artifact); err != nil {
		return domain.ActivationArtifact{}, err
	}
	return artifact, nil
}

// FetchCurrent returns the newest active artifact that has not expired. The
// boolean is false when there is none; deciding to issue a new one is up to
// the caller.
func (s *ArtifactService) FetchCurrent(ctx context.Context, profileID, tenantID string) (domain.ActivationArtifact, bool, error) {
	artifact, err := s.Artifacts.Current(ctx, tenantID, profileID, s.Clock.Now())
	if errors.Is(err, domain.ErrArtifactNotFound) {
		return domain.ActivationArtifact{}, false, nil
	}
	if err != nil {
		return domain.ActivationArtifact{}, false, err
	}
	return artifact, true, nil
}

// MarkScanned stamps and deactivates an artifact. It reports false if the
// artifact does not belong to tenantID or was already scanned.
func (s *ArtifactService) MarkScanned(ctx context.Context, artifactID, tenantID string) (bool, error) {
	return s.Artifacts.MarkScanned(ctx, tenantID, artifactID, s.Clock.Now())
}

// PurgeExpired deletes every artifact past its expiry. Safe to run
// repeatedly and concurrently.
func (s *ArtifactService) PurgeExpired(ctx context.Context) (int, error) {
	n, err := s.Artifacts.DeleteExpired(ctx, s.Clock.Now())
	if err != nil {
		return 0, err
	}
	s.Metrics.ArtifactsPurged(n)
	s.Logger.Info("expired activation artifacts purged", zap.Int("count", n))
	return n, nil
}

// IssueForProfile issues an artifact carrying the profile's activation
// payload on behalf of actor.
func (s *ArtifactService) IssueForProfile(ctx context.Context, actor domain.Actor, profileID string, ttl time.Duration) (domain.ActivationArtifact, error) {
	if _, err := s.admit(ctx, actor, domain.PermDeployProfile, domain.ResourceArtifact, profileID); err != nil {
		return domain.ActivationArtifact{}, err
	}

	profile, err := s.Profiles.GetByID(ctx, actor.TenantID, profileID)
	if err != nil {
		return domain.ActivationArtifact{}, err
	}
	switch profile.Status {
	case domain.ProfileSuspended, domain.ProfileDeactivated, domain.ProfileError:
		return domain.ActivationArtifact{}, &domain.InvalidStateError{
			Resource:  domain.ResourceProfile,
			ID:        profile.ID,
			Operation: "issue artifact for",
			Current:   string(profile.Status),
		}
	}

	artifact, err := s.Issue(ctx, profile.ID, profile.TenantID, profile.Activation.LPAString(), ttl)
	if err != nil {
		return domain.ActivationArtifact{}, err
	}

	s.Audit.Record(ctx, actor, domain.OpIssueArtifact, domain.ResourceArtifact, artifact.ID, map[string]any{
		"profile_id": profile.ID,
		"expires_at": artifact.ExpiresAt.Format(time.RFC3339),
	})
	return artifact, nil
}

// FetchForProfile returns the current artifact of one of the actor's profiles.
func (s *ArtifactService) FetchForProfile(ctx context.Context, actor domain.Actor, profileID string) (domain.ActivationArtifact, bool, error) {
	if _, err := s.admit(ctx, actor, domain.PermReadProfile, domain.ResourceArtifact, profileID); err != nil {
		return domain.ActivationArtifact{}, false, err
	}
	if _, err := s.Profiles.GetByID(ctx, actor.TenantID, profileID); err != nil {
		return domain.ActivationArtifact{}, false, err
	}
	return s.FetchCurrent(ctx, profileID, actor.TenantID)
}

// Scan marks an artifact of the actor's tenant as scanned.
func (s *ArtifactService) Scan(ctx context.Context, actor domain.Actor, artifactID string) (bool, error) {
	if _, err := s.admit(ctx, actor, domain.PermDeployProfile, domain.ResourceArtifact, artifactID); err != nil {
		return false, err
	}

	scanned, err := s.MarkScanned(ctx, artifactID, actor.TenantID)
	if err != nil {
		return false, err
	}
	if scanned {
		s.Audit.Record(ctx, actor, domain.OpScanArtifact, domain.ResourceArtifact, artifactID, nil)
	}
	return scanned, nil
}
