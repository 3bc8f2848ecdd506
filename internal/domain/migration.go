package domain

import (
	"fmt"
	"time"
)

// MigrationStatus represents the state of a device-to-device migration.
type MigrationStatus string

const (
	MigrationPending    MigrationStatus = "pending"
	MigrationInProgress MigrationStatus = "in_progress"
	MigrationCompleted  MigrationStatus = "completed"
	MigrationFailed     MigrationStatus = "failed"
	MigrationRolledBack MigrationStatus = "rolled_back"
)

// MigrationStatuses lists every migration state.
var MigrationStatuses = []MigrationStatus{
	MigrationPending,
	MigrationInProgress,
	MigrationCompleted,
	MigrationFailed,
	MigrationRolledBack,
}

// Valid reports whether s is one of the known migration states.
func (s MigrationStatus) Valid() bool {
	for _, known := range MigrationStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Open reports whether a migration in this state still holds the profile.
func (s MigrationStatus) Open() bool {
	return s == MigrationPending || s == MigrationInProgress
}

// ParseMigrationStatus converts raw input into a MigrationStatus.
func ParseMigrationStatus(raw string) (MigrationStatus, error) {
	s := MigrationStatus(raw)
	if !s.Valid() {
		return "", &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown migration status %q", raw)}
	}
	return s, nil
}

// MigrationTransition is a permitted move of a migration from Src to Dst.
type MigrationTransition struct {
	Src MigrationStatus
	Dst MigrationStatus
}

// MigrationTransitions defines every valid migration state change.
var MigrationTransitions = []MigrationTransition{
	{Src: MigrationPending, Dst: MigrationInProgress},
	{Src: MigrationPending, Dst: MigrationFailed},
	{Src: MigrationInProgress, Dst: MigrationCompleted},
	{Src: MigrationInProgress, Dst: MigrationFailed},
	{Src: MigrationFailed, Dst: MigrationRolledBack},
}

// StepName identifies one step of the migration workflow.
type StepName string

const (
	StepDeactivateSource StepName = "deactivate_source"
	StepDeployTarget     StepName = "deploy_target"
	StepVerifyActivation StepName = "verify_activation"
	StepRollbackSource   StepName = "rollback_source"
)

// MigrationStep is the recorded outcome of a single workflow step.
type MigrationStep struct {
	Name       StepName
	Success    bool
	Output     string
	Error      string
	ExecutedAt time.Time
}

// Migration records one attempt to move a profile from one device to another.
// Steps is append-only.
type Migration struct {
	ID             string
	ProfileID      string
	TenantID       string
	SourceDeviceID string
	TargetDeviceID string
	Status         MigrationStatus
	InitiatedBy    string
	Steps          []MigrationStep
	Notes          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
}

// NewMigration creates a migration in the initial "pending" state.
func NewMigration(id, profileID, tenantID, source, target, initiatedBy, notes string, now time.Time) Migration {
	now = now.UTC()
	return Migration{
		ID:             id,
		ProfileID:      profileID,
		TenantID:       tenantID,
		SourceDeviceID: source,
		TargetDeviceID: target,
		Status:         MigrationPending,
		InitiatedBy:    initiatedBy,
		Steps:          []MigrationStep{},
		Notes:          notes,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// MigrationFilter holds optional criteria for listing migrations.
type MigrationFilter struct {
	ProfileID string
	Status    *MigrationStatus
	Limit     int
	Offset    int
}
