package repository

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"rosfleet.sh/internal/database"
	"rosfleet.sh/internal/models"
	"rosfleet.sh/internal/rerrors"
)

// JobRepository stores jobs.
type JobRepository interface {
	// Create persists a new job.
	Create(ctx context.Context, job *models.Job) error

	// Get returns a job by ID.
	Get(ctx context.Context, id string) (*models.Job, error)

	// GetByPlan returns jobs attached to a plan, newest first.
	GetByPlan(ctx context.Context, planID string) ([]*models.Job, error)

	// Update overwrites the job's mutable fields.
	Update(ctx context.Context, job *models.Job) error

	// RequestCancellation sets the cancellation flag. The executor checks
	// it between batches.
	RequestCancellation(ctx context.Context, id string) error

	// ListDue returns pending or failed jobs whose next_run_at has passed.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*models.Job, error)
}

type jobRepository struct {
	db     *database.DB
	logger *slog.Logger
}

// NewJobRepository creates a job repository.
func NewJobRepository(db *database.DB) JobRepository {
	return &jobRepository{
		db:     db,
		logger: slog.Default().With("component", "job-repository"),
	}
}

const jobColumns = `id, plan_id, job_type, status, device_ids, attempts,
       max_attempts, next_run_at, progress_percent, current_device_id,
       cancellation_requested, result_summary, error_message,
       created_at, updated_at`

func (r *jobRepository) Create(ctx context.Context, job *models.Job) error {
	if err := job.Validate(); err != nil {
		return rerrors.Wrap(err, rerrors.ErrCodeValidation, "invalid job")
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.NextRunAt.IsZero() {
		job.NextRunAt = now
	}

	deviceIDs, err := marshalJSON(job.DeviceIDs)
	if err != nil {
		return err
	}
	summary, err := marshalJSON(job.ResultSummary)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO job (id, plan_id, job_type, status, device_ids, attempts,
		                 max_attempts, next_run_at, progress_percent,
		                 current_device_id, cancellation_requested,
		                 result_summary, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, nullString(job.PlanID), job.Type, string(job.Status), deviceIDs,
		job.Attempts, job.MaxAttempts, job.NextRunAt, job.ProgressPercent,
		nullString(job.CurrentDeviceID), job.CancellationRequested,
		summary, nullString(job.ErrorMessage), job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return rerrors.Wrap(err, rerrors.ErrCodeInternal, "failed to create job")
	}

	r.logger.Info("Job created", "id", job.ID, "type", job.Type, "plan_id", job.PlanID)
	return nil
}

func (r *jobRepository) Get(ctx context.Context, id string) (*models.Job, error) {
	if id == "" {
		return nil, rerrors.New(rerrors.ErrCodeValidation, "job ID is required")
	}
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM job WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		if rerrors.GetCode(err) == rerrors.ErrCodeNotFound {
			return nil, rerrors.Newf(rerrors.ErrCodeJobNotFound, "job not found: %s", id)
		}
		return nil, err
	}
	return job, nil
}

func (r *jobRepository) GetByPlan(ctx context.Context, planID string) ([]*models.Job, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM job WHERE plan_id = ? ORDER BY created_at DESC`,
		planID)
	if err != nil {
		return nil, rerrors.Wrap(err, rerrors.ErrCodeInternal, "failed to query jobs")
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (r *jobRepository) Update(ctx context.Context, job *models.Job) error {
	if err := job.Validate(); err != nil {
		return rerrors.Wrap(err, rerrors.ErrCodeValidation, "invalid job")
	}
	job.UpdatedAt = time.Now().UTC()

	deviceIDs, err := marshalJSON(job.DeviceIDs)
	if err != nil {
		return err
	}
	summary, err := marshalJSON(job.ResultSummary)
	if err != nil {
		return err
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE job
		SET status = ?, device_ids = ?, attempts = ?, max_attempts = ?,
		    next_run_at = ?, progress_percent = ?, current_device_id = ?,
		    result_summary = ?, error_message = ?, updated_at = ?
		WHERE id = ?`,
		string(job.Status), deviceIDs, job.Attempts, job.MaxAttempts,
		job.NextRunAt, job.ProgressPercent, nullString(job.CurrentDeviceID),
		summary, nullString(job.ErrorMessage), job.UpdatedAt, job.ID,
	)
	if err != nil {
		return rerrors.Wrap(err, rerrors.ErrCodeInternal, "failed to update job")
	}
	return requireRow(result, rerrors.ErrCodeJobNotFound, "job not found: "+job.ID)
}

func (r *jobRepository) RequestCancellation(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE job SET cancellation_requested = 1, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		time.Now().UTC(), id, string(models.JobPending), string(models.JobRunning))
	if err != nil {
		return rerrors.Wrap(err, rerrors.ErrCodeInternal, "failed to request cancellation")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return rerrors.Wrap(err, rerrors.ErrCodeInternal, "failed to get rows affected")
	}
	if n == 0 {
		if _, getErr := r.Get(ctx, id); getErr != nil {
			return getErr
		}
		return rerrors.Newf(rerrors.ErrCodeJobStateConflict,
			"job %s is not pending or running", id)
	}
	r.logger.Info("Job cancellation requested", "id", id)
	return nil
}

func (r *jobRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*models.Job, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM job
		WHERE status IN (?, ?) AND next_run_at <= ?
		ORDER BY next_run_at LIMIT ?`,
		string(models.JobPending), string(models.JobFailed), now, limit)
	if err != nil {
		return nil, rerrors.Wrap(err, rerrors.ErrCodeInternal, "failed to query due jobs")
	}
	defer rows.Close()
	return collectJobs(rows)
}

func collectJobs(rows *sql.Rows) ([]*models.Job, error) {
	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, rerrors.Wrap(err, rerrors.ErrCodeInternal, "failed to iterate job rows")
	}
	return jobs, nil
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		job       models.Job
		planID    sql.NullString
		status    string
		deviceIDs string
		current   sql.NullString
		summary   string
		errMsg    sql.NullString
	)
	err := row.Scan(
		&job.ID, &planID, &job.Type, &status, &deviceIDs, &job.Attempts,
		&job.MaxAttempts, &job.NextRunAt, &job.ProgressPercent, &current,
		&job.CancellationRequested, &summary, &errMsg,
		&job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, rerrors.New(rerrors.ErrCodeNotFound, "no rows")
		}
		return nil, rerrors.Wrap(err, rerrors.ErrCodeInternal, "failed to scan job row")
	}
	job.PlanID = planID.String
	job.Status = models.JobStatus(status)
	job.CurrentDeviceID = current.String
	job.ErrorMessage = errMsg.String
	if err := unmarshalJSON(deviceIDs, &job.DeviceIDs); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(summary, &job.ResultSummary); err != nil {
		return nil, err
	}
	return &job, nil
}
