// Package approval implements the out-of-band approval workflow for
// professional-tier plans. It is separate from the in-plan token: a
// decided request still leaves the token workflow to run.
package approval

import (
	"context"
	"fmt"
	"log/slog"

	"rosfleet.sh/internal/audit"
	"rosfleet.sh/internal/models"
	"rosfleet.sh/internal/notify"
	"rosfleet.sh/internal/rerrors"
	"rosfleet.sh/internal/repository"
)

// Service manages approval requests.
type Service struct {
	approvals repository.ApprovalRepository
	plans     repository.PlanRepository
	recorder  audit.Recorder
	sink      *notify.Sink
	logger    *slog.Logger
}

// NewService creates an approval service.
func NewService(approvals repository.ApprovalRepository, plans repository.PlanRepository, recorder audit.Recorder, sink *notify.Sink) *Service {
	return &Service{
		approvals: approvals,
		plans:     plans,
		recorder:  recorder,
		sink:      sink,
		logger:    slog.Default().With("component", "approval"),
	}
}

// CreateRequest raises a pending request for a plan. The plan must exist
// and may carry at most one pending request at a time.
func (s *Service) CreateRequest(ctx context.Context, planID, requestedBy, note string) (*models.ApprovalRequest, error) {
	p, err := s.plans.Get(ctx, planID)
	if err != nil {
		return nil, err
	}

	req := &models.ApprovalRequest{
		PlanID:      planID,
		RequestedBy: requestedBy,
		Note:        note,
	}
	if err := s.approvals.Create(ctx, req); err != nil {
		return nil, err
	}

	s.recorder.Record(ctx, &models.AuditEvent{
		ActorSub: requestedBy,
		Action:   models.ActionApprovalRequested,
		PlanID:   planID,
		Result:   models.AuditSuccess,
		Metadata: map[string]any{"request_id": req.ID},
	})
	s.sink.Send(ctx, &notify.Message{
		Kind:    notify.KindApprovalRequested,
		Subject: fmt.Sprintf("Approval requested for plan %s", planID),
		Body: fmt.Sprintf("%s requested approval for plan %s (%s).\n%s",
			requestedBy, planID, p.Summary, note),
		PlanID: planID,
	})
	return req, nil
}

// ApproveRequest records a positive decision. Self-approval is rejected.
func (s *Service) ApproveRequest(ctx context.Context, requestID, approver, note string) (*models.ApprovalRequest, error) {
	return s.decide(ctx, requestID, approver, note, models.ApprovalApproved)
}

// RejectRequest records a negative decision, with the same guards.
func (s *Service) RejectRequest(ctx context.Context, requestID, approver, note string) (*models.ApprovalRequest, error) {
	return s.decide(ctx, requestID, approver, note, models.ApprovalRejected)
}

func (s *Service) decide(ctx context.Context, requestID, approver, note string, decision models.ApprovalStatus) (*models.ApprovalRequest, error) {
	req, err := s.approvals.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != models.ApprovalPending {
		return nil, rerrors.Newf(rerrors.ErrCodePlanStateConflict,
			"approval request %s is already %s", requestID, req.Status)
	}
	if req.RequestedBy == approver {
		return nil, rerrors.Newf(rerrors.ErrCodeSelfApproval,
			"%s cannot decide their own approval request", approver)
	}

	if err := s.approvals.Decide(ctx, requestID, decision, approver, note); err != nil {
		return nil, err
	}

	s.recorder.Record(ctx, &models.AuditEvent{
		ActorSub: approver,
		Action:   models.ActionApprovalDecided,
		PlanID:   req.PlanID,
		Result:   models.AuditSuccess,
		Metadata: map[string]any{
			"request_id": requestID,
			"decision":   string(decision),
		},
	})

	kind := notify.KindApprovalApproved
	if decision == models.ApprovalRejected {
		kind = notify.KindApprovalRejected
	}
	s.sink.Send(ctx, &notify.Message{
		Kind:      kind,
		Subject:   fmt.Sprintf("Plan %s approval %s", req.PlanID, decision),
		Body:      fmt.Sprintf("%s %s the approval request for plan %s.\n%s", approver, decision, req.PlanID, note),
		PlanID:    req.PlanID,
		Recipient: req.RequestedBy,
	})
	return s.approvals.Get(ctx, requestID)
}
