package repository

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"time"

	"rosfleet.sh/internal/database"
	"rosfleet.sh/internal/models"
	"rosfleet.sh/internal/rerrors"
)

// ApprovalRepository stores out-of-band approval requests.
type ApprovalRepository interface {
	// Create persists a new pending request. A second pending request for
	// the same plan is rejected.
	Create(ctx context.Context, req *models.ApprovalRequest) error

	// Get returns a request by ID.
	Get(ctx context.Context, id string) (*models.ApprovalRequest, error)

	// GetPendingByPlan returns the pending request for a plan, or
	// NOT_FOUND.
	GetPendingByPlan(ctx context.Context, planID string) (*models.ApprovalRequest, error)

	// Decide records the approver's decision on a pending request.
	Decide(ctx context.Context, id string, status models.ApprovalStatus, approver, note string) error
}

type approvalRepository struct {
	db     *database.DB
	logger *slog.Logger
}

// NewApprovalRepository creates an approval repository.
func NewApprovalRepository(db *database.DB) ApprovalRepository {
	return &approvalRepository{
		db:     db,
		logger: slog.Default().With("component", "approval-repository"),
	}
}

const approvalColumns = `id, plan_id, status, requested_by, approver, note,
       requested_at, decided_at`

func (r *approvalRepository) Create(ctx context.Context, req *models.ApprovalRequest) error {
	if req.PlanID == "" {
		return rerrors.New(rerrors.ErrCodeValidation, "approval plan ID is required")
	}
	if req.RequestedBy == "" {
		return rerrors.New(rerrors.ErrCodeValidation, "approval requester is required")
	}
	if req.ID == "" {
		req.ID = models.NewApprovalID(time.Now().UTC())
	}
	req.Status = models.ApprovalPending
	req.RequestedAt = time.Now().UTC()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO approval_request (id, plan_id, status, requested_by,
		                              approver, note, requested_at, decided_at)
		VALUES (?, ?, ?, ?, NULL, ?, ?, NULL)`,
		req.ID, req.PlanID, string(req.Status), req.RequestedBy,
		nullString(req.Note), req.RequestedAt)
	if err != nil {
		// The partial unique index enforces one pending request per plan.
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return rerrors.Newf(rerrors.ErrCodePlanStateConflict,
				"plan %s already has a pending approval request", req.PlanID)
		}
		return rerrors.Wrap(err, rerrors.ErrCodeInternal, "failed to create approval request")
	}

	r.logger.Info("Approval request created",
		"id", req.ID, "plan_id", req.PlanID, "requested_by", req.RequestedBy)
	return nil
}

func (r *approvalRepository) Get(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approval_request WHERE id = ?`, id)
	return scanApproval(row)
}

func (r *approvalRepository) GetPendingByPlan(ctx context.Context, planID string) (*models.ApprovalRequest, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+approvalColumns+` FROM approval_request
		WHERE plan_id = ? AND status = ?`,
		planID, string(models.ApprovalPending))
	return scanApproval(row)
}

func (r *approvalRepository) Decide(ctx context.Context, id string, status models.ApprovalStatus, approver, note string) error {
	if status != models.ApprovalApproved && status != models.ApprovalRejected {
		return rerrors.Newf(rerrors.ErrCodeValidation, "invalid approval decision: %s", status)
	}
	if approver == "" {
		return rerrors.New(rerrors.ErrCodeValidation, "approver is required")
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE approval_request
		SET status = ?, approver = ?, note = ?, decided_at = ?
		WHERE id = ? AND status = ?`,
		string(status), approver, nullString(note), time.Now().UTC(),
		id, string(models.ApprovalPending))
	if err != nil {
		return rerrors.Wrap(err, rerrors.ErrCodeInternal, "failed to decide approval request")
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
			"approval request %s is not pending", id)
	}

	r.logger.Info("Approval request decided", "id", id, "status", string(status), "approver", approver)
	return nil
}

func scanApproval(row rowScanner) (*models.ApprovalRequest, error) {
	var (
		req       models.ApprovalRequest
		status    string
		approver  sql.NullString
		note      sql.NullString
		decidedAt sql.NullTime
	)
	err := row.Scan(
		&req.ID, &req.PlanID, &status, &req.RequestedBy,
		&approver, &note, &req.RequestedAt, &decidedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, rerrors.New(rerrors.ErrCodeNotFound, "approval request not found")
		}
		return nil, rerrors.Wrap(err, rerrors.ErrCodeInternal, "failed to scan approval row")
	}
	req.Status = models.ApprovalStatus(status)
	req.Approver = approver.String
	req.Note = note.String
	if decidedAt.Valid {
		t := decidedAt.Time
		req.DecidedAt = &t
	}
	return &req, nil
}
