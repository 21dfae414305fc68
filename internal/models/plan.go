package models

import (
	"time"
)

// PlanStatus is the lifecycle state of a plan.
type PlanStatus string

const (
	PlanPending             PlanStatus = "pending"
	PlanApproved            PlanStatus = "approved"
	PlanExecuting           PlanStatus = "executing"
	PlanCompleted           PlanStatus = "completed"
	PlanCompletedWithErrors PlanStatus = "completed_with_errors"
	PlanFailed              PlanStatus = "failed"
	PlanCancelled           PlanStatus = "cancelled"
	PlanRolledBack          PlanStatus = "rolled_back"
)

// planAliasApplied is a legacy write-side alias for completed. It is
// rejected on reads.
const planAliasApplied PlanStatus = "applied"

// NormalizePlanStatus maps legacy write-side aliases onto canonical
// statuses. Unknown values pass through for the validity check to reject.
func NormalizePlanStatus(s PlanStatus) PlanStatus {
	if s == planAliasApplied {
		return PlanCompleted
	}
	return s
}

// ValidPlanStatus reports membership in the closed (canonical) status set.
func ValidPlanStatus(s PlanStatus) bool {
	switch s {
	case PlanPending, PlanApproved, PlanExecuting, PlanCompleted,
		PlanCompletedWithErrors, PlanFailed, PlanCancelled, PlanRolledBack:
		return true
	}
	return false
}

// IsTerminal reports whether the status freezes the plan.
func (s PlanStatus) IsTerminal() bool {
	switch s {
	case PlanCompleted, PlanCompletedWithErrors, PlanFailed, PlanCancelled, PlanRolledBack:
		return true
	}
	return false
}

// planTransitions is the edge set of the plan state machine.
var planTransitions = map[PlanStatus][]PlanStatus{
	PlanPending:   {PlanApproved, PlanCancelled},
	PlanApproved:  {PlanExecuting, PlanCancelled},
	PlanExecuting: {PlanCompleted, PlanCompletedWithErrors, PlanFailed, PlanRolledBack, PlanCancelled},
}

// CanTransition reports whether from→to is a valid state machine edge.
// The legacy "applied" alias is accepted on the write side.
func CanTransition(from, to PlanStatus) bool {
	to = NormalizePlanStatus(to)
	for _, next := range planTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// DevicePlanStatus tracks one device's progress within a plan.
type DevicePlanStatus string

const (
	DevicePlanPending        DevicePlanStatus = "pending"
	DevicePlanApplying       DevicePlanStatus = "applying"
	DevicePlanApplied        DevicePlanStatus = "applied"
	DevicePlanFailed         DevicePlanStatus = "failed"
	DevicePlanRollingBack    DevicePlanStatus = "rolling_back"
	DevicePlanRolledBack     DevicePlanStatus = "rolled_back"
	DevicePlanRollbackFailed DevicePlanStatus = "rollback_failed"
)

// RiskLevel grades a plan's blast radius.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// PrecheckStatus summarises a pre-check run.
type PrecheckStatus string

const (
	PrecheckPassed PrecheckStatus = "passed"
	PrecheckFailed PrecheckStatus = "failed"
)

// PrecheckResult carries the warnings and errors a pre-check produced.
// Errors block plan creation; warnings do not.
type PrecheckResult struct {
	Status   PrecheckStatus `json:"status"`
	Warnings []string       `json:"warnings"`
	Errors   []string       `json:"errors"`
}

// Rollout parameter bounds.
const (
	MinBatchSize        = 1
	MaxBatchSize        = 50
	MinMultiPlanDevices = 2
	MaxPlanDevices      = 50
)

// Plan is an immutable description of a change to apply to one or more
// devices. Only the status and the per-device status map mutate after
// creation.
type Plan struct {
	ID        string     `json:"id"`
	CreatedBy string     `json:"created_by"`
	ToolName  string     `json:"tool_name"`
	Status    PlanStatus `json:"status"`

	DeviceIDs   []string  `json:"device_ids"`
	Environment string    `json:"environment"`
	Summary     string    `json:"summary"`
	RiskLevel   RiskLevel `json:"risk_level"`

	// Changes is the structured payload handed to the change service.
	// The previous_state subtree inside it is populated during apply and
	// consumed by rollback.
	Changes map[string]any `json:"changes"`

	Precheck PrecheckResult `json:"precheck"`

	ApprovalToken     string     `json:"-"`
	ApprovalExpiresAt time.Time  `json:"approval_expires_at"`
	ApprovedBy        string     `json:"approved_by,omitempty"`
	ApprovedAt        *time.Time `json:"approved_at,omitempty"`

	BatchSize           int  `json:"batch_size"`
	PauseSecondsBetween int  `json:"pause_seconds_between_batches"`
	RollbackOnFailure   bool `json:"rollback_on_failure"`

	DeviceStatuses map[string]DevicePlanStatus `json:"device_statuses"`
	DeviceErrors   map[string]string           `json:"device_errors,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ApprovalValidity is how long an approval token stays usable.
const ApprovalValidity = 15 * time.Minute

// Batches partitions ids into ordered chunks of size batchSize. The last
// chunk may be short. batchSize must be >= 1.
func Batches(ids []string, batchSize int) [][]string {
	if batchSize < 1 {
		return nil
	}
	batches := make([][]string, 0, (len(ids)+batchSize-1)/batchSize)
	for i := 0; i < len(ids); i += batchSize {
		end := i + batchSize
		if end > len(ids) {
			end = len(ids)
		}
		batches = append(batches, ids[i:end])
	}
	return batches
}

// BatchCount returns ceil(n/batchSize).
func BatchCount(n, batchSize int) int {
	if batchSize < 1 {
		return 0
	}
	return (n + batchSize - 1) / batchSize
}

// PreviousState extracts the captured previous_state block for a device
// from the changes payload, or nil when absent.
func (p *Plan) PreviousState(deviceID string) map[string]any {
	prev, ok := p.Changes["previous_state"].(map[string]any)
	if !ok {
		return nil
	}
	state, ok := prev[deviceID].(map[string]any)
	if !ok {
		return nil
	}
	return state
}

// SetPreviousState records the captured pre-change state for a device in
// the changes payload. Callers must persist the plan afterwards; the
// storage layer is only updated through an explicit repository write.
func (p *Plan) SetPreviousState(deviceID string, state map[string]any) {
	if p.Changes == nil {
		p.Changes = make(map[string]any)
	}
	prev, ok := p.Changes["previous_state"].(map[string]any)
	if !ok {
		prev = make(map[string]any)
		p.Changes["previous_state"] = prev
	}
	prev[deviceID] = state
}
