package domain

import (
	"fmt"
	"maps"
	"time"
)

// ProfileStatus represents the lifecycle state of an eSIM profile.
type ProfileStatus string

const (
	ProfileCreated     ProfileStatus = "created"
	ProfileValidated   ProfileStatus = "validated"
	ProfileDeployed    ProfileStatus = "deployed"
	ProfileActive      ProfileStatus = "active"
	ProfileSuspended   ProfileStatus = "suspended"
	ProfileMigrating   ProfileStatus = "migrating"
	ProfileDeactivated ProfileStatus = "deactivated"
	ProfileError       ProfileStatus = "error"
)

// ProfileStatuses lists every profile state in lifecycle order.
var ProfileStatuses = []ProfileStatus{
	ProfileCreated,
	ProfileValidated,
	ProfileDeployed,
	ProfileActive,
	ProfileSuspended,
	ProfileMigrating,
	ProfileDeactivated,
	ProfileError,
}

// Valid reports whether s is one of the known profile states.
func (s ProfileStatus) Valid() bool {
	for _, known := range ProfileStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// ParseProfileStatus converts raw input into a ProfileStatus.
func ParseProfileStatus(raw string) (ProfileStatus, error) {
	s := ProfileStatus(raw)
	if !s.Valid() {
		return "", &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown profile status %q", raw)}
	}
	return s, nil
}

// ProfileTransition is a permitted move of a profile from Src to Dst.
type ProfileTransition struct {
	Src ProfileStatus
	Dst ProfileStatus
}

// ProfileTransitions defines every valid state change in the profile lifecycle.
// Consumed by the FSM adapter.
var ProfileTransitions = buildProfileTransitions()

func buildProfileTransitions() []ProfileTransition {
	out := []ProfileTransition{
		// Forward provisioning path.
		{Src: ProfileCreated, Dst: ProfileValidated},
		{Src: ProfileValidated, Dst: ProfileDeployed},
		{Src: ProfileDeployed, Dst: ProfileActive},

		// Executor failures during provisioning.
		{Src: ProfileCreated, Dst: ProfileError},
		{Src: ProfileValidated, Dst: ProfileError},
		{Src: ProfileDeployed, Dst: ProfileError},
		{Src: ProfileActive, Dst: ProfileError},

		// Migration.
		{Src: ProfileActive, Dst: ProfileMigrating},
		{Src: ProfileDeployed, Dst: ProfileMigrating},
		{Src: ProfileMigrating, Dst: ProfileActive},
		{Src: ProfileMigrating, Dst: ProfileError},

		// Recovery and re-activation.
		{Src: ProfileError, Dst: ProfileActive},
		{Src: ProfileError, Dst: ProfileValidated},
		{Src: ProfileSuspended, Dst: ProfileActive},
		{Src: ProfileDeactivated, Dst: ProfileActive},
	}

	// Administrative suspend/deactivate from everywhere except mid-migration.
	for _, src := range ProfileStatuses {
		if src == ProfileMigrating {
			continue
		}
		for _, dst := range []ProfileStatus{ProfileSuspended, ProfileDeactivated} {
			if src != dst {
				out = append(out, ProfileTransition{Src: src, Dst: dst})
			}
		}
	}
	return out
}

// Provider is the mobile operator that issued a profile.
type Provider string

const (
	ProviderMPT     Provider = "MPT"
	ProviderATOM    Provider = "ATOM"
	ProviderOoredoo Provider = "OOREDOO"
	ProviderMytel   Provider = "MYTEL"
)

// Providers lists the supported operators.
var Providers = []Provider{ProviderMPT, ProviderATOM, ProviderOoredoo, ProviderMytel}

// Valid reports whether p is a supported provider.
func (p Provider) Valid() bool {
	for _, known := range Providers {
		if p == known {
			return true
		}
	}
	return false
}

// ParseProvider converts raw input into a Provider.
func ParseProvider(raw string) (Provider, error) {
	p := Provider(raw)
	if !p.Valid() {
		return "", &ValidationError{Field: "provider", Reason: fmt.Sprintf("unsupported provider %q", raw)}
	}
	return p, nil
}

// Activation is the data a device needs to download a profile from the SM-DP+ server.
type Activation struct {
	ActivationCode string
	SMDPServerURL  string
}

// LPAString encodes the activation in the GSMA LPA format used by QR codes.
func (a Activation) LPAString() string {
	return "LPA:1$" + a.SMDPServerURL + "$" + a.ActivationCode
}

// Profile is an eSIM provisioning record.
type Profile struct {
	ID          string
	TenantID    string
	DisplayName string
	Provider    Provider
	Activation  Activation
	DeviceID    string
	Status      ProfileStatus
	Metadata    map[string]string
	CreatedBy   string
	UpdatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewProfile creates a profile in the initial "created" state.
func NewProfile(id, tenantID, displayName string, provider Provider, activation Activation, createdBy string, now time.Time) Profile {
	now = now.UTC()
	return Profile{
		ID:          id,
		TenantID:    tenantID,
		DisplayName: displayName,
		Provider:    provider,
		Activation:  activation,
		Status:      ProfileCreated,
		Metadata:    map[string]string{},
		CreatedBy:   createdBy,
		UpdatedBy:   createdBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// MergeMetadata returns a copy of the profile metadata with delta applied.
func (p Profile) MergeMetadata(delta map[string]string) map[string]string {
	out := make(map[string]string, len(p.Metadata)+len(delta))
	maps.Copy(out, p.Metadata)
	maps.Copy(out, delta)
	return out
}

// Params returns the profile data handed to the deployment executor.
func (p Profile) Params() ProfileParams {
	return ProfileParams{
		TenantID:       p.TenantID,
		Provider:       p.Provider,
		ActivationCode: p.Activation.ActivationCode,
		SMDPServerURL:  p.Activation.SMDPServerURL,
	}
}

// ProfileFilter holds optional criteria for listing profiles.
type ProfileFilter struct {
	Status   *ProfileStatus
	Provider *Provider
	Limit    int
	Offset   int
}
