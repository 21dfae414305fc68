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

// PlanRepository stores plans. Status transitions go through UpdateStatus,
// which enforces the state machine at the storage boundary as well.
type PlanRepository interface {
	// Create persists a new plan in pending state.
	Create(ctx context.Context, plan *models.Plan) error

	// Get returns a plan by ID, including its approval token.
	Get(ctx context.Context, id string) (*models.Plan, error)

	// List returns plans, newest first, optionally filtered by status.
	List(ctx context.Context, status models.PlanStatus, limit, offset int) ([]*models.Plan, error)

	// UpdateStatus moves a plan along the state machine. The write is
	// conditional on the current status so concurrent movers cannot both
	// win.
	UpdateStatus(ctx context.Context, id string, from, to models.PlanStatus) error

	// SetApproved records the approver and approval time together with the
	// pending→approved transition.
	SetApproved(ctx context.Context, id, approvedBy string) error

	// UpdateDeviceStatus writes one device's status (and optional error)
	// into the plan's per-device maps.
	UpdateDeviceStatus(ctx context.Context, id, deviceID string, status models.DevicePlanStatus, deviceErr string) error

	// UpdateChanges persists the changes payload. Mutating the in-memory
	// map alone does not reach storage; captured previous state must be
	// written back through this method.
	UpdateChanges(ctx context.Context, id string, changes map[string]any) error
}

type planRepository struct {
	db     *database.DB
	logger *slog.Logger
}

// NewPlanRepository creates a plan repository.
func NewPlanRepository(db *database.DB) PlanRepository {
	return &planRepository{
		db:     db,
		logger: slog.Default().With("component", "plan-repository"),
	}
}

const planColumns = `id, created_by, tool_name, status, device_ids, environment,
       summary, risk_level, changes, precheck, approval_token,
       approval_expires_at, approved_by, approved_at, batch_size,
       pause_seconds_between_batches, rollback_on_failure, device_statuses,
       device_errors, created_at, updated_at`

func (r *planRepository) Create(ctx context.Context, plan *models.Plan) error {
	if plan.ID == "" {
		return rerrors.New(rerrors.ErrCodeValidation, "plan ID is required")
	}
	now := time.Now().UTC()
	plan.CreatedAt = now
	plan.UpdatedAt = now

	deviceIDs, err := marshalJSON(plan.DeviceIDs)
	if err != nil {
		return err
	}
	changes, err := marshalJSON(plan.Changes)
	if err != nil {
		return err
	}
	precheck, err := marshalJSON(plan.Precheck)
	if err != nil {
		return err
	}
	statuses, err := marshalJSON(plan.DeviceStatuses)
	if err != nil {
		return err
	}
	deviceErrs, err := marshalJSON(plan.DeviceErrors)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO plan (id, created_by, tool_name, status, device_ids,
		                  environment, summary, risk_level, changes, precheck,
		                  approval_token, approval_expires_at, approved_by,
		                  approved_at, batch_size, pause_seconds_between_batches,
		                  rollback_on_failure, device_statuses, device_errors,
		                  created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		plan.ID, plan.CreatedBy, plan.ToolName, string(plan.Status), deviceIDs,
		plan.Environment, plan.Summary, string(plan.RiskLevel), changes, precheck,
		plan.ApprovalToken, plan.ApprovalExpiresAt, nullString(plan.ApprovedBy),
		plan.ApprovedAt, plan.BatchSize, plan.PauseSecondsBetween,
		plan.RollbackOnFailure, statuses, deviceErrs,
		plan.CreatedAt, plan.UpdatedAt,
	)
	if err != nil {
		return rerrors.Wrap(err, rerrors.ErrCodeInternal, "failed to create plan")
	}

	r.logger.Info("Plan created",
		"id", plan.ID, "tool", plan.ToolName, "devices", len(plan.DeviceIDs),
		"environment", plan.Environment, "risk", string(plan.RiskLevel))
	return nil
}

func (r *planRepository) Get(ctx context.Context, id string) (*models.Plan, error) {
	if id == "" {
		return nil, rerrors.New(rerrors.ErrCodeValidation, "plan ID is required")
	}
	row := r.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plan WHERE id = ?`, id)
	plan, err := scanPlan(row)
	if err != nil {
		if rerrors.GetCode(err) == rerrors.ErrCodeNotFound {
			return nil, rerrors.Newf(rerrors.ErrCodePlanNotFound, "plan not found: %s", id)
		}
		return nil, err
	}
	return plan, nil
}

func (r *planRepository) List(ctx context.Context, status models.PlanStatus, limit, offset int) ([]*models.Plan, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + planColumns + ` FROM plan`
	var args []any
	if status != "" {
		status = models.NormalizePlanStatus(status)
		if !models.ValidPlanStatus(status) {
			return nil, rerrors.Newf(rerrors.ErrCodeValidation, "invalid plan status: %s", status)
		}
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, rerrors.Wrap(err, rerrors.ErrCodeInternal, "failed to query plans")
	}
	defer rows.Close()

	var plans []*models.Plan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	if err := rows.Err(); err != nil {
		return nil, rerrors.Wrap(err, rerrors.ErrCodeInternal, "failed to iterate plan rows")
	}
	return plans, nil
}

func (r *planRepository) UpdateStatus(ctx context.Context, id string, from, to models.PlanStatus) error {
	to = models.NormalizePlanStatus(to)
	if !models.ValidPlanStatus(to) {
		return rerrors.Newf(rerrors.ErrCodeValidation, "invalid plan status: %s", to)
	}
	if !models.CanTransition(from, to) {
		return rerrors.Newf(rerrors.ErrCodePlanStateConflict,
			"invalid plan transition %s -> %s", from, to).
			WithMetadata("plan_id", id).
			WithMetadata("from", string(from)).
			WithMetadata("to", string(to))
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE plan SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), time.Now().UTC(), id, string(from))
	if err != nil {
		return rerrors.Wrap(err, rerrors.ErrCodeInternal, "failed to update plan status")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return rerrors.Wrap(err, rerrors.ErrCodeInternal, "failed to get rows affected")
	}
	if n == 0 {
		// Either the plan is gone or someone moved it first.
		if _, getErr := r.Get(ctx, id); getErr != nil {
			return getErr
		}
		return rerrors.Newf(rerrors.ErrCodePlanStateConflict,
			"plan %s is no longer in status %s", id, from)
	}

	r.logger.Info("Plan status updated", "id", id, "from", string(from), "to", string(to))
	return nil
}

func (r *planRepository) SetApproved(ctx context.Context, id, approvedBy string) error {
	now := time.Now().UTC()
	result, err := r.db.ExecContext(ctx, `
		UPDATE plan
		SET status = ?, approved_by = ?, approved_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(models.PlanApproved), approvedBy, now, now,
		id, string(models.PlanPending))
	if err != nil {
		return rerrors.Wrap(err, rerrors.ErrCodeInternal, "failed to approve plan")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return rerrors.Wrap(err, rerrors.ErrCodeInternal, "failed to get rows affected")
	}
	if n == 0 {
		if _, getErr := r.Get(ctx, id); getErr != nil {
			return getErr
		}
		return rerrors.Newf(rerrors.ErrCodePlanStateConflict,
			"plan %s is not pending approval", id)
	}
	return nil
}

func (r *planRepository) UpdateDeviceStatus(ctx context.Context, id, deviceID string, status models.DevicePlanStatus, deviceErr string) error {
	return r.db.Transaction(ctx, func(tx *sql.Tx) error {
		var (
			statusesJSON string
			errorsJSON   string
		)
		err := tx.QueryRowContext(ctx,
			`SELECT device_statuses, device_errors FROM plan WHERE id = ?`, id).
			Scan(&statusesJSON, &errorsJSON)
		if err != nil {
			if err == sql.ErrNoRows {
				return rerrors.Newf(rerrors.ErrCodePlanNotFound, "plan not found: %s", id)
			}
			return rerrors.Wrap(err, rerrors.ErrCodeInternal, "failed to read plan device statuses")
		}

		statuses := make(map[string]models.DevicePlanStatus)
		deviceErrors := make(map[string]string)
		if err := unmarshalJSON(statusesJSON, &statuses); err != nil {
			return err
		}
		if err := unmarshalJSON(errorsJSON, &deviceErrors); err != nil {
			return err
		}
		statuses[deviceID] = status
		if deviceErr != "" {
			deviceErrors[deviceID] = deviceErr
		} else {
			delete(deviceErrors, deviceID)
		}

		newStatuses, err := marshalJSON(statuses)
		if err != nil {
			return err
		}
		newErrors, err := marshalJSON(deviceErrors)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE plan SET device_statuses = ?, device_errors = ?, updated_at = ?
			WHERE id = ?`,
			newStatuses, newErrors, time.Now().UTC(), id); err != nil {
			return rerrors.Wrap(err, rerrors.ErrCodeInternal, "failed to update plan device status")
		}
		return nil
	})
}

func (r *planRepository) UpdateChanges(ctx context.Context, id string, changes map[string]any) error {
	payload, err := marshalJSON(changes)
	if err != nil {
		return err
	}
	result, err := r.db.ExecContext(ctx, `
		UPDATE plan SET changes = ?, updated_at = ? WHERE id = ?`,
		payload, time.Now().UTC(), id)
	if err != nil {
		return rerrors.Wrap(err, rerrors.ErrCodeInternal, "failed to update plan changes")
	}
	return requireRow(result, rerrors.ErrCodePlanNotFound, "plan not found: "+id)
}

func scanPlan(row rowScanner) (*models.Plan, error) {
	var (
		plan         models.Plan
		status       string
		risk         string
		deviceIDs    string
		changes      string
		precheck     string
		statuses     string
		deviceErrors string
		approvedBy   sql.NullString
		approvedAt   sql.NullTime
	)
	err := row.Scan(
		&plan.ID, &plan.CreatedBy, &plan.ToolName, &status, &deviceIDs,
		&plan.Environment, &plan.Summary, &risk, &changes, &precheck,
		&plan.ApprovalToken, &plan.ApprovalExpiresAt, &approvedBy, &approvedAt,
		&plan.BatchSize, &plan.PauseSecondsBetween, &plan.RollbackOnFailure,
		&statuses, &deviceErrors, &plan.CreatedAt, &plan.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, rerrors.New(rerrors.ErrCodeNotFound, "no rows")
		}
		return nil, rerrors.Wrap(err, rerrors.ErrCodeInternal, "failed to scan plan row")
	}

	plan.Status = models.PlanStatus(status)
	plan.RiskLevel = models.RiskLevel(risk)
	plan.ApprovedBy = approvedBy.String
	if approvedAt.Valid {
		t := approvedAt.Time
		plan.ApprovedAt = &t
	}
	if err := unmarshalJSON(deviceIDs, &plan.DeviceIDs); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(changes, &plan.Changes); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(precheck, &plan.Precheck); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(statuses, &plan.DeviceStatuses); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(deviceErrors, &plan.DeviceErrors); err != nil {
		return nil, err
	}
	return &plan, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
