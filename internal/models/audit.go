package models

import "time"

// AuditAction names an auditable operation.
type AuditAction string

const (
	ActionPlanCreated           AuditAction = "PLAN_CREATED"
	ActionPlanApproved          AuditAction = "PLAN_APPROVED"
	ActionPlanStatusUpdate      AuditAction = "PLAN_STATUS_UPDATE"
	ActionPlanRollbackInitiated AuditAction = "PLAN_ROLLBACK_INITIATED"
	ActionPlanRollbackCompleted AuditAction = "PLAN_ROLLBACK_COMPLETED"
	ActionAuthzDenied           AuditAction = "AUTHZ_DENIED"
	ActionWrite                 AuditAction = "WRITE"
	ActionReadSensitive         AuditAction = "READ_SENSITIVE"
	ActionApprovalRequested     AuditAction = "APPROVAL_REQUESTED"
	ActionApprovalDecided       AuditAction = "APPROVAL_DECIDED"
	ActionJobExecuted           AuditAction = "JOB_EXECUTED"
	ActionSnapshotCaptured      AuditAction = "SNAPSHOT_CAPTURED"
)

// AuditResult is the binary outcome of an audited operation.
type AuditResult string

const (
	AuditSuccess AuditResult = "SUCCESS"
	AuditFailure AuditResult = "FAILURE"
)

// ToolTier grades a tool's required privilege.
type ToolTier string

const (
	TierFundamental  ToolTier = "fundamental"
	TierAdvanced     ToolTier = "advanced"
	TierProfessional ToolTier = "professional"
)

// AuditEvent is one append-only log row. Events are never mutated.
type AuditEvent struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`

	ActorSub   string `json:"actor_sub"`
	ActorEmail string `json:"actor_email,omitempty"`
	ActorRole  string `json:"actor_role,omitempty"`

	DeviceID    string `json:"device_id,omitempty"`
	Environment string `json:"environment,omitempty"`

	Action   AuditAction `json:"action"`
	ToolName string      `json:"tool_name,omitempty"`
	ToolTier ToolTier    `json:"tool_tier,omitempty"`

	PlanID string `json:"plan_id,omitempty"`
	JobID  string `json:"job_id,omitempty"`

	Result       AuditResult    `json:"result"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}
