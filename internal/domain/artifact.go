package domain

import "time"

// DefaultArtifactTTL is how long an activation artifact stays scannable
// unless the caller asks otherwise.
const DefaultArtifactTTL = 24 * time.Hour

// ActivationArtifact is a time-bounded scannable encoding of a profile's
// activation payload.
type ActivationArtifact struct {
	ID        string
	ProfileID string
	TenantID  string
	Payload   string
	Image     []byte
	CreatedAt time.Time
	ExpiresAt time.Time
	Active    bool
	ScannedAt *time.Time
}

// Current reports whether the artifact can still be handed out at now.
func (a ActivationArtifact) Current(now time.Time) bool {
	return a.Active && a.ExpiresAt.After(now)
}
