package plan

import (
	"context"

	"rosfleet.sh/internal/metrics"
	"rosfleet.sh/internal/models"
	"rosfleet.sh/internal/rerrors"
	"rosfleet.sh/internal/retry"
)

// RollbackSummary reports the outcome of a plan rollback.
type RollbackSummary struct {
	Attempted  int               `json:"attempted"`
	RolledBack int               `json:"rolled_back"`
	Failed     int               `json:"failed"`
	Skipped    int               `json:"skipped"`
	Errors     map[string]string `json:"errors,omitempty"`
}

// RollbackPlan reverts every applied device of an executing plan to its
// captured previous state. Per-device failures are recorded and never
// abort the rollback of the remaining devices. If at least one device
// rolled back, the plan transitions to rolled_back.
func (s *Service) RollbackPlan(ctx context.Context, planID, reason, triggeredBy string, maxRetries int, changes ChangeService) (*RollbackSummary, error) {
	p, err := s.plans.Get(ctx, planID)
	if err != nil {
		return nil, err
	}
	if p.Status != models.PlanExecuting {
		return nil, rerrors.Newf(rerrors.ErrCodePlanStateConflict,
			"plan %s is %s; rollback requires executing", planID, p.Status)
	}
	if !p.RollbackOnFailure {
		return nil, rerrors.Newf(rerrors.ErrCodeRollbackNotEnabled,
			"plan %s was created without rollback_on_failure", planID)
	}
	if maxRetries < 1 {
		maxRetries = 3
	}

	s.recorder.Record(ctx, &models.AuditEvent{
		ActorSub: triggeredBy,
		Action:   models.ActionPlanRollbackInitiated,
		PlanID:   planID,
		Result:   models.AuditSuccess,
		Metadata: map[string]any{"reason": reason},
	})

	summary := &RollbackSummary{Errors: make(map[string]string)}
	cfg := retry.RollbackConfig()
	cfg.MaxAttempts = maxRetries

	for _, deviceID := range p.DeviceIDs {
		if p.DeviceStatuses[deviceID] != models.DevicePlanApplied {
			summary.Skipped++
			continue
		}
		summary.Attempted++

		if err := s.plans.UpdateDeviceStatus(ctx, planID, deviceID, models.DevicePlanRollingBack, ""); err != nil {
			s.logger.Error("Failed to mark device rolling back",
				"plan_id", planID, "device_id", deviceID, "error", err)
		}

		prev := p.PreviousState(deviceID)
		if prev == nil {
			rbErr := rerrors.Newf(rerrors.ErrCodeNoPreviousState,
				"no previous state captured for device %s", deviceID)
			s.finishDeviceRollback(ctx, planID, deviceID, summary, rbErr)
			continue
		}

		rbErr := retry.DoWithRetryable(ctx, cfg,
			func(error) bool { return true },
			func(ctx context.Context) error {
				return changes.Rollback(ctx, deviceID, prev)
			})
		s.finishDeviceRollback(ctx, planID, deviceID, summary, rbErr)
	}

	if summary.RolledBack > 0 {
		if err := s.Transition(ctx, planID, models.PlanExecuting, models.PlanRolledBack, triggeredBy); err != nil {
			s.logger.Error("Failed to transition plan to rolled_back",
				"plan_id", planID, "error", err)
		}
	}

	s.recorder.Record(ctx, &models.AuditEvent{
		ActorSub: triggeredBy,
		Action:   models.ActionPlanRollbackCompleted,
		PlanID:   planID,
		Result:   models.AuditSuccess,
		Metadata: map[string]any{
			"attempted":   summary.Attempted,
			"rolled_back": summary.RolledBack,
			"failed":      summary.Failed,
			"skipped":     summary.Skipped,
		},
	})
	return summary, nil
}

func (s *Service) finishDeviceRollback(ctx context.Context, planID, deviceID string, summary *RollbackSummary, rbErr error) {
	if rbErr == nil {
		summary.RolledBack++
		metrics.RollbacksTotal.WithLabelValues("success").Inc()
		if err := s.plans.UpdateDeviceStatus(ctx, planID, deviceID, models.DevicePlanRolledBack, ""); err != nil {
			s.logger.Error("Failed to mark device rolled back",
				"plan_id", planID, "device_id", deviceID, "error", err)
		}
		return
	}

	summary.Failed++
	summary.Errors[deviceID] = rbErr.Error()
	metrics.RollbacksTotal.WithLabelValues("failure").Inc()
	if err := s.plans.UpdateDeviceStatus(ctx, planID, deviceID, models.DevicePlanRollbackFailed, rbErr.Error()); err != nil {
		s.logger.Error("Failed to mark device rollback failed",
			"plan_id", planID, "device_id", deviceID, "error", err)
	}
}
