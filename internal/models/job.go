package models

import "time"

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobPending             JobStatus = "pending"
	JobRunning             JobStatus = "running"
	JobSuccess             JobStatus = "success"
	JobFailed              JobStatus = "failed"
	JobRolledBack          JobStatus = "rolled_back"
	JobCompletedWithErrors JobStatus = "completed_with_errors"
	JobCancelled           JobStatus = "cancelled"
)

// ValidJobStatus reports membership in the closed status set.
func ValidJobStatus(s JobStatus) bool {
	switch s {
	case JobPending, JobRunning, JobSuccess, JobFailed, JobRolledBack,
		JobCompletedWithErrors, JobCancelled:
		return true
	}
	return false
}

// Job is a named unit of work: one execution attempt of a plan, or a
// standalone operation like a snapshot sweep. Jobs linked to a plan are
// deleted with it.
type Job struct {
	ID      string    `json:"id"`
	PlanID  string    `json:"plan_id,omitempty"`
	Type    string    `json:"job_type"`
	Status  JobStatus `json:"status"`

	DeviceIDs []string `json:"device_ids"`

	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	NextRunAt   time.Time `json:"next_run_at"`

	ProgressPercent int    `json:"progress_percent"`
	CurrentDeviceID string `json:"current_device_id,omitempty"`

	CancellationRequested bool `json:"cancellation_requested"`

	// ResultSummary maps device IDs to a short outcome string.
	ResultSummary map[string]string `json:"result_summary,omitempty"`
	ErrorMessage  string            `json:"error_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the job's structural invariants.
func (j *Job) Validate() error {
	if j.ID == "" {
		return ErrInvalidModel("job ID is required")
	}
	if j.Type == "" {
		return ErrInvalidModel("job type is required")
	}
	if !ValidJobStatus(j.Status) {
		return ErrInvalidModel("invalid job status")
	}
	if j.ProgressPercent < 0 || j.ProgressPercent > 100 {
		return ErrInvalidModel("job progress must be within [0, 100]")
	}
	if j.MaxAttempts < 1 {
		return ErrInvalidModel("job max attempts must be at least 1")
	}
	return nil
}
