package models

import "time"

// ApprovalStatus is the state of an out-of-band approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// ApprovalRequest is the human chain-of-custody record for a
// professional-tier plan. At most one pending request exists per plan, and
// the requester can never be the approver.
type ApprovalRequest struct {
	ID          string         `json:"id"`
	PlanID      string         `json:"plan_id"`
	Status      ApprovalStatus `json:"status"`
	RequestedBy string         `json:"requested_by"`
	Approver    string         `json:"approver,omitempty"`
	Note        string         `json:"note,omitempty"`
	RequestedAt time.Time      `json:"requested_at"`
	DecidedAt   *time.Time     `json:"decided_at,omitempty"`
}
