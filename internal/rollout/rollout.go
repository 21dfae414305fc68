// Package rollout executes approved plans across their device batches:
// apply, post-batch health gate, and automatic rollback when the gate
// trips.
package rollout

import (
	"context"
	"crypto/hmac"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"rosfleet.sh/internal/health"
	"rosfleet.sh/internal/job"
	"rosfleet.sh/internal/metrics"
	"rosfleet.sh/internal/models"
	"rosfleet.sh/internal/plan"
	"rosfleet.sh/internal/rerrors"
	"rosfleet.sh/internal/repository"
)

// Health gate defaults, stricter than the health service's own
// classification thresholds.
const (
	DefaultGateCPUThreshold    = 80.0
	DefaultGateMemoryThreshold = 85.0
)

// Summary counts per-device outcomes.
type Summary struct {
	Applied    int `json:"applied"`
	Failed     int `json:"failed"`
	RolledBack int `json:"rolled_back"`
}

// Result is the outcome of one apply run.
type Result struct {
	PlanID           string                `json:"plan_id"`
	JobID            string                `json:"job_id"`
	Status           models.PlanStatus     `json:"status"`
	BatchesCompleted int                   `json:"batches_completed"`
	Summary          Summary               `json:"summary"`
	HaltReason       string                `json:"halt_reason,omitempty"`
	Rollback         *plan.RollbackSummary `json:"rollback,omitempty"`
}

// Executor drives batched rollouts.
type Executor struct {
	plans    *plan.Service
	planRepo repository.PlanRepository
	jobs     *job.Service
	health   *health.Service
	logger   *slog.Logger

	GateCPUThreshold    float64
	GateMemoryThreshold float64

	// now and sleep are swapped in tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates a rollout executor.
func NewExecutor(plans *plan.Service, planRepo repository.PlanRepository, jobs *job.Service, healthSvc *health.Service) *Executor {
	return &Executor{
		plans:               plans,
		planRepo:            planRepo,
		jobs:                jobs,
		health:              healthSvc,
		logger:              slog.Default().With("component", "rollout"),
		GateCPUThreshold:    DefaultGateCPUThreshold,
		GateMemoryThreshold: DefaultGateMemoryThreshold,
		now:                 time.Now,
		sleep:               sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ApplyMultiDevicePlan walks the plan's device batches. Batches run
// strictly in order; the health gate fully completes before the next
// batch starts. The plan is not re-entrant: the approved→executing
// transition is a conditional write, so a concurrent second apply loses.
func (e *Executor) ApplyMultiDevicePlan(ctx context.Context, planID, token, appliedBy string, changes plan.ChangeService) (*Result, error) {
	p, err := e.plans.Get(ctx, planID)
	if err != nil {
		return nil, err
	}

	// Token binding is checked before the status so an expired approval
	// reports as expired, not as a state conflict.
	if !hmac.Equal([]byte(p.ApprovalToken), []byte(token)) {
		return nil, rerrors.Newf(rerrors.ErrCodeApprovalTokenInvalid,
			"approval token does not match plan %s", planID)
	}
	if e.now().After(p.ApprovalExpiresAt) {
		return nil, rerrors.Newf(rerrors.ErrCodeApprovalExpired,
			"approval for plan %s expired at %s", planID,
			p.ApprovalExpiresAt.UTC().Format(time.RFC3339))
	}
	if p.Status != models.PlanApproved {
		return nil, rerrors.Newf(rerrors.ErrCodePlanStateConflict,
			"plan %s is %s; apply requires approved", planID, p.Status)
	}

	if err := e.plans.Transition(ctx, planID, models.PlanApproved, models.PlanExecuting, appliedBy); err != nil {
		return nil, err
	}

	j, err := e.jobs.CreateJob(ctx, "apply_multi_device_plan", p.DeviceIDs, planID, 1)
	if err != nil {
		return nil, err
	}

	for _, id := range p.DeviceIDs {
		if err := e.planRepo.UpdateDeviceStatus(ctx, planID, id, models.DevicePlanPending, ""); err != nil {
			e.logger.Error("Failed to reset device status", "plan_id", planID, "device_id", id, "error", err)
		}
	}

	batches := models.Batches(p.DeviceIDs, p.BatchSize)
	result := &Result{PlanID: planID, JobID: j.ID}

	for i, batch := range batches {
		cancelled, err := e.cancellationRequested(ctx, j.ID)
		if err != nil {
			return nil, err
		}
		if cancelled {
			return e.finishCancelled(ctx, p, j.ID, appliedBy, result)
		}

		e.applyBatch(ctx, p, batch, changes, result)
		result.BatchesCompleted++

		if halted, haltResult, err := e.gate(ctx, p, j.ID, appliedBy, i, batch, changes, result); halted || err != nil {
			return haltResult, err
		}

		if i < len(batches)-1 && p.PauseSecondsBetween > 0 {
			if err := e.sleep(ctx, time.Duration(p.PauseSecondsBetween)*time.Second); err != nil {
				return nil, err
			}
		}
	}

	return e.finish(ctx, p, j.ID, appliedBy, result)
}

// applyBatch applies the changes to every device in the batch. Previous
// state is captured and persisted before each apply so rollback always
// has an anchor.
func (e *Executor) applyBatch(ctx context.Context, p *models.Plan, batch []string, changes plan.ChangeService, result *Result) {
	for _, deviceID := range batch {
		e.setDeviceStatus(ctx, p, deviceID, models.DevicePlanApplying, "")

		prev, err := changes.CapturePreviousState(ctx, deviceID)
		if err != nil {
			e.failDevice(ctx, p, deviceID, result,
				rerrors.Wrapf(err, rerrors.ErrCodeNoPreviousState,
					"failed to capture previous state for %s", deviceID))
			continue
		}
		p.SetPreviousState(deviceID, prev)
		if err := e.planRepo.UpdateChanges(ctx, p.ID, p.Changes); err != nil {
			e.failDevice(ctx, p, deviceID, result, err)
			continue
		}

		if err := changes.Apply(ctx, deviceID, p.Changes); err != nil {
			e.failDevice(ctx, p, deviceID, result, err)
			continue
		}

		e.setDeviceStatus(ctx, p, deviceID, models.DevicePlanApplied, "")
		result.Summary.Applied++
		metrics.RolloutDeviceApplies.WithLabelValues("success").Inc()
	}
}

func (e *Executor) failDevice(ctx context.Context, p *models.Plan, deviceID string, result *Result, err error) {
	e.setDeviceStatus(ctx, p, deviceID, models.DevicePlanFailed, err.Error())
	result.Summary.Failed++
	metrics.RolloutDeviceApplies.WithLabelValues("failure").Inc()
	e.logger.Warn("Device apply failed", "plan_id", p.ID, "device_id", deviceID, "error", err)
}

// gate runs the post-batch health check. A non-healthy device halts the
// rollout: rollback runs when the plan enables it, and the plan lands in
// rolled_back or failed.
func (e *Executor) gate(ctx context.Context, p *models.Plan, jobID, appliedBy string, batchIndex int, batch []string, changes plan.ChangeService, result *Result) (bool, *Result, error) {
	checks := e.health.RunBatchHealthChecks(ctx, batch, e.GateCPUThreshold, e.GateMemoryThreshold)

	var unhealthy []string
	for _, deviceID := range batch {
		check, ok := checks[deviceID]
		if !ok || check.Status != models.DeviceHealthy {
			unhealthy = append(unhealthy, deviceID)
		}
	}
	if len(unhealthy) == 0 {
		metrics.RolloutBatchesTotal.WithLabelValues("healthy").Inc()
		return false, nil, nil
	}
	metrics.RolloutBatchesTotal.WithLabelValues("unhealthy").Inc()

	sort.Strings(unhealthy)
	result.HaltReason = fmt.Sprintf("batch %d health gate failed: %s unhealthy",
		batchIndex+1, strings.Join(unhealthy, ", "))
	e.logger.Warn("Rollout halted", "plan_id", p.ID, "reason", result.HaltReason)

	if p.RollbackOnFailure {
		rollback, err := e.plans.RollbackPlan(ctx, p.ID, result.HaltReason, appliedBy, 3, changes)
		if err != nil {
			e.logger.Error("Rollback failed to run", "plan_id", p.ID, "error", err)
		} else {
			result.Rollback = rollback
			result.Summary.RolledBack = rollback.RolledBack
			result.Summary.Applied -= rollback.RolledBack
			if result.Summary.Applied < 0 {
				result.Summary.Applied = 0
			}
		}
	}

	// RollbackPlan moves the plan to rolled_back when anything reverted;
	// otherwise the halt lands the plan in failed.
	final, err := e.plans.Get(ctx, p.ID)
	if err != nil {
		return true, nil, err
	}
	if final.Status == models.PlanExecuting {
		if err := e.plans.Transition(ctx, p.ID, models.PlanExecuting, models.PlanFailed, appliedBy); err != nil {
			return true, nil, err
		}
		final.Status = models.PlanFailed
	}
	result.Status = final.Status

	jobStatus := models.JobFailed
	if final.Status == models.PlanRolledBack {
		jobStatus = models.JobRolledBack
	}
	if err := e.jobs.Finish(ctx, jobID, jobStatus, e.resultSummary(final), result.HaltReason); err != nil {
		e.logger.Error("Failed to finish job", "job_id", jobID, "error", err)
	}

	metrics.RolloutsTotal.WithLabelValues(string(final.Status)).Inc()
	return true, result, nil
}

func (e *Executor) finishCancelled(ctx context.Context, p *models.Plan, jobID, appliedBy string, result *Result) (*Result, error) {
	if err := e.plans.Transition(ctx, p.ID, models.PlanExecuting, models.PlanCancelled, appliedBy); err != nil {
		return nil, err
	}
	result.Status = models.PlanCancelled

	message := fmt.Sprintf("cancelled after %d/%d devices",
		result.Summary.Applied+result.Summary.Failed, len(p.DeviceIDs))
	current, err := e.plans.Get(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if err := e.jobs.Finish(ctx, jobID, models.JobCancelled, e.resultSummary(current), message); err != nil {
		e.logger.Error("Failed to finish job", "job_id", jobID, "error", err)
	}

	metrics.RolloutsTotal.WithLabelValues(string(models.PlanCancelled)).Inc()
	e.logger.Info("Rollout cancelled", "plan_id", p.ID, "message", message)
	return result, nil
}

func (e *Executor) finish(ctx context.Context, p *models.Plan, jobID, appliedBy string, result *Result) (*Result, error) {
	status := models.PlanCompleted
	jobStatus := models.JobSuccess
	if result.Summary.Failed > 0 {
		status = models.PlanCompletedWithErrors
		jobStatus = models.JobCompletedWithErrors
	}
	if err := e.plans.Transition(ctx, p.ID, models.PlanExecuting, status, appliedBy); err != nil {
		return nil, err
	}
	result.Status = status

	message := fmt.Sprintf("%d/%d devices successfully applied",
		result.Summary.Applied, len(p.DeviceIDs))
	current, err := e.plans.Get(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if err := e.jobs.Finish(ctx, jobID, jobStatus, e.resultSummary(current), message); err != nil {
		e.logger.Error("Failed to finish job", "job_id", jobID, "error", err)
	}

	metrics.RolloutsTotal.WithLabelValues(string(status)).Inc()
	e.logger.Info("Rollout finished", "plan_id", p.ID, "status", string(status), "message", message)
	return result, nil
}

func (e *Executor) cancellationRequested(ctx context.Context, jobID string) (bool, error) {
	j, err := e.jobs.Get(ctx, jobID)
	if err != nil {
		return false, err
	}
	return j.CancellationRequested, nil
}

func (e *Executor) setDeviceStatus(ctx context.Context, p *models.Plan, deviceID string, status models.DevicePlanStatus, deviceErr string) {
	p.DeviceStatuses[deviceID] = status
	if err := e.planRepo.UpdateDeviceStatus(ctx, p.ID, deviceID, status, deviceErr); err != nil {
		e.logger.Error("Failed to persist device status",
			"plan_id", p.ID, "device_id", deviceID, "error", err)
	}
}

func (e *Executor) resultSummary(p *models.Plan) map[string]string {
	summary := make(map[string]string, len(p.DeviceStatuses))
	for id, status := range p.DeviceStatuses {
		summary[id] = string(status)
	}
	return summary
}
