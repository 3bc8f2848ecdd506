package domain

import (
	"slices"
	"time"
)

// Operation names an audited action.
type Operation string

const (
	OpCreateProfile       Operation = "CREATE_PROFILE"
	OpDeleteProfile       Operation = "DELETE_PROFILE"
	OpUpdateProfileStatus Operation = "UPDATE_PROFILE_STATUS"
	OpBindDevice          Operation = "BIND_DEVICE"
	OpInitiateMigration   Operation = "INITIATE_MIGRATION"
	OpExecuteMigration    Operation = "EXECUTE_MIGRATION"
	OpCompleteMigration   Operation = "COMPLETE_MIGRATION"
	OpFailMigration       Operation = "FAIL_MIGRATION"
	OpRollbackMigration   Operation = "ROLLBACK_MIGRATION"
	OpIssueArtifact       Operation = "ISSUE_ARTIFACT"
	OpScanArtifact        Operation = "SCAN_ARTIFACT"
	OpAccessDenied        Operation = "ACCESS_DENIED"
)

// Operations lists every audited action.
var Operations = []Operation{
	OpCreateProfile,
	OpDeleteProfile,
	OpUpdateProfileStatus,
	OpBindDevice,
	OpInitiateMigration,
	OpExecuteMigration,
	OpCompleteMigration,
	OpFailMigration,
	OpRollbackMigration,
	OpIssueArtifact,
	OpScanArtifact,
	OpAccessDenied,
}

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	return slices.Contains(Operations, op)
}

// ResourceType names the kind of resource an audit entry refers to.
type ResourceType string

const (
	ResourceTenant    ResourceType = "tenant"
	ResourceProfile   ResourceType = "esim_profile"
	ResourceMigration ResourceType = "device_migration"
	ResourceArtifact  ResourceType = "activation_artifact"
	ResourceAudit     ResourceType = "audit_log"
)

// Compliance classifies an audit entry for compliance review.
type Compliance string

const (
	Compliant      Compliance = "compliant"
	NonCompliant   Compliance = "non_compliant"
	RequiresReview Compliance = "requires_review"
)

// AuditEntry is an immutable compliance record of a state-changing action.
type AuditEntry struct {
	ID           string
	TenantID     string
	Operation    Operation
	ResourceType ResourceType
	ResourceID   string
	ActorID      string
	ActorRole    Role
	OccurredAt   time.Time
	Details      map[string]any
	Compliance   Compliance
}

// AuditFilter holds optional criteria for listing audit entries.
type AuditFilter struct {
	Operation  *Operation
	ResourceID string
	Limit      int
}
