// Package job tracks named units of work. A job ties a plan to one
// execution attempt, or stands alone for operations like snapshot sweeps.
package job

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"rosfleet.sh/internal/metrics"
	"rosfleet.sh/internal/models"
	"rosfleet.sh/internal/rerrors"
	"rosfleet.sh/internal/repository"
)

// Executor runs one batch of a job and returns per-device results.
type Executor func(ctx context.Context, jobID string, deviceIDs []string) (map[string]string, error)

// Service manages jobs.
type Service struct {
	jobs   repository.JobRepository
	logger *slog.Logger

	// sleep is swapped in tests so inter-batch pauses do not slow them.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewService creates a job service.
func NewService(jobs repository.JobRepository) *Service {
	return &Service{
		jobs:   jobs,
		logger: slog.Default().With("component", "job"),
		sleep:  sleepContext,
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

// CreateJob allocates and persists a pending job.
func (s *Service) CreateJob(ctx context.Context, jobType string, deviceIDs []string, planID string, maxAttempts int) (*models.Job, error) {
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	now := time.Now().UTC()
	j := &models.Job{
		ID:          models.NewJobID(now),
		PlanID:      planID,
		Type:        jobType,
		Status:      models.JobPending,
		DeviceIDs:   deviceIDs,
		MaxAttempts: maxAttempts,
		NextRunAt:   now,
	}
	if err := s.jobs.Create(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}

// Get returns a job.
func (s *Service) Get(ctx context.Context, jobID string) (*models.Job, error) {
	return s.jobs.Get(ctx, jobID)
}

// RequestCancellation flags a pending or running job for cooperative
// cancellation. The executor honors the flag between batches.
func (s *Service) RequestCancellation(ctx context.Context, jobID string) error {
	return s.jobs.RequestCancellation(ctx, jobID)
}

// ExecuteJob runs the job's device list through the executor in batches.
// Only pending and failed jobs may run. A batch error fails the job and
// is returned to the caller; the cancellation flag is honored before each
// batch.
func (s *Service) ExecuteJob(ctx context.Context, jobID string, executor Executor, batchSize, batchPauseSecs int) (*models.Job, error) {
	j, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.Status != models.JobPending && j.Status != models.JobFailed {
		return nil, rerrors.Newf(rerrors.ErrCodeJobStateConflict,
			"job %s is %s; execution requires pending or failed", jobID, j.Status)
	}
	if batchSize < 1 {
		batchSize = 1
	}

	j.Attempts++
	j.Status = models.JobRunning
	j.ErrorMessage = ""
	if j.ResultSummary == nil {
		j.ResultSummary = make(map[string]string)
	}
	if err := s.jobs.Update(ctx, j); err != nil {
		return nil, err
	}

	batches := models.Batches(j.DeviceIDs, batchSize)
	processed := 0

	for i, batch := range batches {
		// Cooperative cancellation: re-read the flag before each batch.
		current, err := s.jobs.Get(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if current.CancellationRequested {
			j.Status = models.JobCancelled
			j.ErrorMessage = fmt.Sprintf("cancelled after %d/%d devices", processed, len(j.DeviceIDs))
			if err := s.jobs.Update(ctx, j); err != nil {
				return nil, err
			}
			metrics.JobsExecutedTotal.WithLabelValues(j.Type, string(j.Status)).Inc()
			s.logger.Info("Job cancelled", "id", jobID, "processed", processed)
			return j, nil
		}

		j.CurrentDeviceID = batch[0]
		results, execErr := executor(ctx, jobID, batch)
		for id, outcome := range results {
			j.ResultSummary[id] = outcome
		}
		if execErr != nil {
			j.Status = models.JobFailed
			j.ErrorMessage = execErr.Error()
			if err := s.jobs.Update(ctx, j); err != nil {
				return nil, err
			}
			metrics.JobsExecutedTotal.WithLabelValues(j.Type, string(j.Status)).Inc()
			return j, execErr
		}

		processed += len(batch)
		j.ProgressPercent = processed * 100 / len(j.DeviceIDs)
		if err := s.jobs.Update(ctx, j); err != nil {
			return nil, err
		}

		if i < len(batches)-1 && batchPauseSecs > 0 {
			if err := s.sleep(ctx, time.Duration(batchPauseSecs)*time.Second); err != nil {
				return nil, err
			}
		}
	}

	j.Status = models.JobSuccess
	j.CurrentDeviceID = ""
	j.ProgressPercent = 100
	j.ErrorMessage = fmt.Sprintf("%d/%d devices processed", processed, len(j.DeviceIDs))
	if err := s.jobs.Update(ctx, j); err != nil {
		return nil, err
	}
	metrics.JobsExecutedTotal.WithLabelValues(j.Type, string(j.Status)).Inc()
	return j, nil
}

// Finish records a terminal status decided by the caller, typically the
// rollout executor mapping the plan outcome onto the job.
func (s *Service) Finish(ctx context.Context, jobID string, status models.JobStatus, summary map[string]string, message string) error {
	j, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	j.Status = status
	j.CurrentDeviceID = ""
	if summary != nil {
		j.ResultSummary = summary
	}
	j.ErrorMessage = message
	if status != models.JobFailed {
		j.ProgressPercent = 100
	}
	if err := s.jobs.Update(ctx, j); err != nil {
		return err
	}
	metrics.JobsExecutedTotal.WithLabelValues(j.Type, string(status)).Inc()
	return nil
}

// ScheduleRetry re-queues a failed job after delay, while attempts
// remain.
func (s *Service) ScheduleRetry(ctx context.Context, jobID string, delay time.Duration) (*models.Job, error) {
	j, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.Status != models.JobFailed {
		return nil, rerrors.Newf(rerrors.ErrCodeJobStateConflict,
			"job %s is %s; retry requires failed", jobID, j.Status)
	}
	if j.Attempts >= j.MaxAttempts {
		return nil, rerrors.Newf(rerrors.ErrCodeRetriesExhausted,
			"job %s used all %d attempts", jobID, j.MaxAttempts)
	}

	j.Status = models.JobPending
	j.NextRunAt = time.Now().UTC().Add(delay)
	if err := s.jobs.Update(ctx, j); err != nil {
		return nil, err
	}
	s.logger.Info("Job retry scheduled", "id", jobID, "next_run_at", j.NextRunAt, "attempt", j.Attempts+1)
	return j, nil
}
