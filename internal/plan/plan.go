// Package plan owns the plan lifecycle: creation with pre-checks,
// approval through HMAC-signed tokens, state machine transitions and
// rollback orchestration.
package plan

import (
	"context"
	"crypto/hmac"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"rosfleet.sh/internal/audit"
	"rosfleet.sh/internal/metrics"
	"rosfleet.sh/internal/models"
	"rosfleet.sh/internal/rerrors"
	"rosfleet.sh/internal/repository"
)

// ChangeService applies and reverts a plan's changes on one device. The
// per-topic tool implementations satisfy it; tests use fakes.
type ChangeService interface {
	// CapturePreviousState reads the state the change will overwrite,
	// for use by Rollback.
	CapturePreviousState(ctx context.Context, deviceID string) (map[string]any, error)

	// Apply applies the plan's changes payload to the device.
	Apply(ctx context.Context, deviceID string, changes map[string]any) error

	// Rollback restores the captured previous state.
	Rollback(ctx context.Context, deviceID string, previousState map[string]any) error
}

// Service manages plans.
type Service struct {
	plans    repository.PlanRepository
	devices  repository.DeviceRepository
	signer   *TokenSigner
	recorder audit.Recorder
	logger   *slog.Logger

	// now is swapped in tests.
	now func() time.Time
}

// NewService creates a plan service.
func NewService(plans repository.PlanRepository, devices repository.DeviceRepository, signer *TokenSigner, recorder audit.Recorder) *Service {
	return &Service{
		plans:    plans,
		devices:  devices,
		signer:   signer,
		recorder: recorder,
		logger:   slog.Default().With("component", "plan"),
		now:      time.Now,
	}
}

// CreateRequest describes a single-device plan.
type CreateRequest struct {
	ToolName  string
	CreatedBy string
	DeviceIDs []string
	Summary   string
	Changes   map[string]any
	RiskLevel models.RiskLevel
}

// MultiDeviceRequest adds the rollout parameters. It requires between 2
// and 50 devices sharing one environment.
type MultiDeviceRequest struct {
	CreateRequest
	BatchSize           int
	PauseSecondsBetween int
	RollbackOnFailure   bool
}

// CreateResult is the plan plus the data the caller needs to drive the
// approval workflow.
type CreateResult struct {
	Plan     *models.Plan          `json:"plan"`
	Token    string                `json:"approval_token"`
	Batches  [][]string            `json:"batches,omitempty"`
	Precheck models.PrecheckResult `json:"precheck"`
}

// CreatePlan validates the targets, runs pre-checks and persists a
// pending plan with a fresh approval token. Pre-check errors abort before
// anything is persisted.
func (s *Service) CreatePlan(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	return s.create(ctx, req, 1, 0, false, false)
}

// CreateMultiDevicePlan is CreatePlan with rollout parameters and the
// multi-device constraints applied.
func (s *Service) CreateMultiDevicePlan(ctx context.Context, req MultiDeviceRequest) (*CreateResult, error) {
	if len(req.DeviceIDs) < models.MinMultiPlanDevices {
		return nil, rerrors.Newf(rerrors.ErrCodeValidation,
			"multi-device plans need at least %d devices", models.MinMultiPlanDevices)
	}
	if len(req.DeviceIDs) > models.MaxPlanDevices {
		return nil, rerrors.Newf(rerrors.ErrCodeValidation,
			"multi-device plans allow at most %d devices", models.MaxPlanDevices)
	}
	if req.BatchSize < models.MinBatchSize || req.BatchSize > len(req.DeviceIDs) {
		return nil, rerrors.Newf(rerrors.ErrCodeValidation,
			"batch size must be within [1, %d]", len(req.DeviceIDs))
	}
	if req.PauseSecondsBetween < 0 {
		return nil, rerrors.New(rerrors.ErrCodeValidation, "pause between batches must be non-negative")
	}
	return s.create(ctx, req.CreateRequest, req.BatchSize, req.PauseSecondsBetween, req.RollbackOnFailure, true)
}

func (s *Service) create(ctx context.Context, req CreateRequest, batchSize, pause int, rollbackOnFailure, multi bool) (*CreateResult, error) {
	if len(req.DeviceIDs) == 0 {
		return nil, rerrors.New(rerrors.ErrCodeValidation, "plan needs at least one device")
	}
	if req.CreatedBy == "" {
		return nil, rerrors.New(rerrors.ErrCodeValidation, "plan creator is required")
	}
	if req.RiskLevel == "" {
		req.RiskLevel = models.RiskLow
	}

	devices := make([]*models.Device, 0, len(req.DeviceIDs))
	environment := ""
	for _, id := range req.DeviceIDs {
		device, err := s.devices.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !device.Eligible() {
			return nil, rerrors.Newf(rerrors.ErrCodeValidation,
				"device %s is %s and cannot be planned against", id, device.Status)
		}
		if environment == "" {
			environment = device.Environment
		} else if multi && device.Environment != environment {
			return nil, rerrors.Newf(rerrors.ErrCodeEnvironmentMismatch,
				"devices span environments %s and %s; a plan targets one environment",
				environment, device.Environment)
		}
		devices = append(devices, device)
	}

	precheck := runPrechecks(devices, req.RiskLevel)
	if precheck.Status == models.PrecheckFailed {
		err := rerrors.New(rerrors.ErrCodeValidation,
			"pre-checks failed: "+strings.Join(precheck.Errors, "; ")).
			WithMetadata("precheck_errors", precheck.Errors)
		s.recorder.Record(ctx, &models.AuditEvent{
			ActorSub:     req.CreatedBy,
			Action:       models.ActionPlanCreated,
			ToolName:     req.ToolName,
			Environment:  environment,
			Result:       models.AuditFailure,
			ErrorMessage: err.Error(),
			Metadata:     map[string]any{"precheck_errors": precheck.Errors},
		})
		return nil, err
	}

	now := s.now().UTC()
	planID := models.NewPlanID(now)
	expiresAt := now.Add(models.ApprovalValidity)
	token, err := s.signer.Generate(planID, req.CreatedBy, expiresAt)
	if err != nil {
		return nil, err
	}

	statuses := make(map[string]models.DevicePlanStatus, len(req.DeviceIDs))
	for _, id := range req.DeviceIDs {
		statuses[id] = models.DevicePlanPending
	}

	p := &models.Plan{
		ID:                  planID,
		CreatedBy:           req.CreatedBy,
		ToolName:            req.ToolName,
		Status:              models.PlanPending,
		DeviceIDs:           req.DeviceIDs,
		Environment:         environment,
		Summary:             req.Summary,
		RiskLevel:           req.RiskLevel,
		Changes:             req.Changes,
		Precheck:            precheck,
		ApprovalToken:       token,
		ApprovalExpiresAt:   expiresAt,
		BatchSize:           batchSize,
		PauseSecondsBetween: pause,
		RollbackOnFailure:   rollbackOnFailure,
		DeviceStatuses:      statuses,
	}
	if err := s.plans.Create(ctx, p); err != nil {
		return nil, err
	}

	metrics.PlansCreatedTotal.WithLabelValues(string(req.RiskLevel)).Inc()
	s.recorder.Record(ctx, &models.AuditEvent{
		ActorSub:    req.CreatedBy,
		Action:      models.ActionPlanCreated,
		ToolName:    req.ToolName,
		Environment: environment,
		PlanID:      planID,
		Result:      models.AuditSuccess,
		Metadata: map[string]any{
			"devices":    len(req.DeviceIDs),
			"batch_size": batchSize,
			"risk_level": string(req.RiskLevel),
			"warnings":   precheck.Warnings,
		},
	})

	return &CreateResult{
		Plan:     p,
		Token:    token,
		Batches:  models.Batches(req.DeviceIDs, batchSize),
		Precheck: precheck,
	}, nil
}

// runPrechecks grades the target devices. Errors block creation,
// warnings ride along on the plan.
func runPrechecks(devices []*models.Device, risk models.RiskLevel) models.PrecheckResult {
	result := models.PrecheckResult{Status: models.PrecheckPassed}
	for _, device := range devices {
		switch device.Status {
		case models.DeviceUnreachable:
			result.Errors = append(result.Errors,
				fmt.Sprintf("device %s is unreachable", device.ID))
		case models.DeviceDecommissioned:
			result.Errors = append(result.Errors,
				fmt.Sprintf("device %s is decommissioned", device.ID))
		case models.DeviceDegraded:
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("device %s is degraded", device.ID))
		}
		if !device.Capabilities.Has(models.CapProfessionalWorkflows) {
			result.Errors = append(result.Errors,
				fmt.Sprintf("device %s does not allow professional workflows", device.ID))
		}
		if risk == models.RiskHigh && device.Environment == "prod" {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("high-risk change targets production device %s", device.ID))
		}
	}
	if len(result.Errors) > 0 {
		result.Status = models.PrecheckFailed
	}
	return result
}

// Get returns a plan.
func (s *Service) Get(ctx context.Context, planID string) (*models.Plan, error) {
	return s.plans.Get(ctx, planID)
}

// ApprovePlan consumes an approval token. The plan must still be pending,
// the token must match under constant-time comparison and must not have
// expired. Approval is one-shot: the pending→approved transition can only
// happen once.
func (s *Service) ApprovePlan(ctx context.Context, planID, token, approver string) (*models.Plan, error) {
	p, err := s.plans.Get(ctx, planID)
	if err != nil {
		return nil, err
	}
	if p.Status != models.PlanPending {
		metrics.PlanApprovalsTotal.WithLabelValues("conflict").Inc()
		return nil, rerrors.Newf(rerrors.ErrCodePlanStateConflict,
			"plan %s is %s, not pending", planID, p.Status)
	}
	if !hmac.Equal([]byte(p.ApprovalToken), []byte(token)) {
		metrics.PlanApprovalsTotal.WithLabelValues("invalid_token").Inc()
		return nil, rerrors.Newf(rerrors.ErrCodeApprovalTokenInvalid,
			"approval token does not match plan %s", planID)
	}
	if s.now().After(p.ApprovalExpiresAt) {
		metrics.PlanApprovalsTotal.WithLabelValues("expired").Inc()
		return nil, rerrors.Newf(rerrors.ErrCodeApprovalExpired,
			"approval for plan %s expired at %s", planID,
			p.ApprovalExpiresAt.UTC().Format(time.RFC3339))
	}

	if err := s.plans.SetApproved(ctx, planID, approver); err != nil {
		metrics.PlanApprovalsTotal.WithLabelValues("conflict").Inc()
		return nil, err
	}

	metrics.PlanApprovalsTotal.WithLabelValues("success").Inc()
	s.recorder.Record(ctx, &models.AuditEvent{
		ActorSub: approver,
		Action:   models.ActionPlanApproved,
		PlanID:   planID,
		Result:   models.AuditSuccess,
		Metadata: map[string]any{"created_by": p.CreatedBy},
	})
	return s.plans.Get(ctx, planID)
}

// Transition moves a plan along the state machine and audits the edge.
func (s *Service) Transition(ctx context.Context, planID string, from, to models.PlanStatus, actor string) error {
	if err := s.plans.UpdateStatus(ctx, planID, from, to); err != nil {
		return err
	}
	s.recorder.Record(ctx, &models.AuditEvent{
		ActorSub: actor,
		Action:   models.ActionPlanStatusUpdate,
		PlanID:   planID,
		Result:   models.AuditSuccess,
		Metadata: map[string]any{
			"old_status": string(from),
			"new_status": string(models.NormalizePlanStatus(to)),
		},
	})
	return nil
}

// Cancel cancels a plan from any non-terminal state.
func (s *Service) Cancel(ctx context.Context, planID, actor string) error {
	p, err := s.plans.Get(ctx, planID)
	if err != nil {
		return err
	}
	if p.Status.IsTerminal() {
		return rerrors.Newf(rerrors.ErrCodePlanStateConflict,
			"plan %s is already %s", planID, p.Status)
	}
	return s.Transition(ctx, planID, p.Status, models.PlanCancelled, actor)
}
