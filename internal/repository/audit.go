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

// AuditRepository is the append-only audit log. Rows are never updated or
// deleted.
type AuditRepository interface {
	// Append writes one event.
	Append(ctx context.Context, event *models.AuditEvent) error

	// Query returns events matching the filter, newest first.
	Query(ctx context.Context, filter AuditFilter) ([]*models.AuditEvent, error)
}

// AuditFilter selects audit events. Zero-valued fields match everything.
type AuditFilter struct {
	ActorSub string
	DeviceID string
	ToolName string
	Action   models.AuditAction
	PlanID   string
	Since    time.Time
	Until    time.Time
	// MetadataContains matches a substring of the serialized metadata.
	MetadataContains string
	Limit            int
	Offset           int
}

type auditRepository struct {
	db     *database.DB
	logger *slog.Logger
}

// NewAuditRepository creates an audit repository.
func NewAuditRepository(db *database.DB) AuditRepository {
	return &auditRepository{
		db:     db,
		logger: slog.Default().With("component", "audit-repository"),
	}
}

func (r *auditRepository) Append(ctx context.Context, event *models.AuditEvent) error {
	if event.ActorSub == "" {
		return rerrors.New(rerrors.ErrCodeValidation, "audit actor is required")
	}
	if event.Action == "" {
		return rerrors.New(rerrors.ErrCodeValidation, "audit action is required")
	}
	if event.ID == "" {
		event.ID = models.NewAuditID(time.Now().UTC())
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	metadata, err := marshalJSON(event.Metadata)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO audit_event (id, timestamp, actor_sub, actor_email,
		                         actor_role, device_id, environment, action,
		                         tool_name, tool_tier, plan_id, job_id,
		                         result, metadata, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.Timestamp, event.ActorSub,
		nullString(event.ActorEmail), nullString(event.ActorRole),
		nullString(event.DeviceID), nullString(event.Environment),
		string(event.Action), nullString(event.ToolName),
		nullString(string(event.ToolTier)), nullString(event.PlanID),
		nullString(event.JobID), string(event.Result), metadata,
		nullString(event.ErrorMessage),
	)
	if err != nil {
		return rerrors.Wrap(err, rerrors.ErrCodeInternal, "failed to append audit event")
	}
	return nil
}

func (r *auditRepository) Query(ctx context.Context, filter AuditFilter) ([]*models.AuditEvent, error) {
	if filter.Limit <= 0 || filter.Limit > 1000 {
		filter.Limit = 1000
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var (
		conds []string
		args  []any
	)
	if filter.ActorSub != "" {
		conds = append(conds, "actor_sub = ?")
		args = append(args, filter.ActorSub)
	}
	if filter.DeviceID != "" {
		conds = append(conds, "device_id = ?")
		args = append(args, filter.DeviceID)
	}
	if filter.ToolName != "" {
		conds = append(conds, "tool_name = ?")
		args = append(args, filter.ToolName)
	}
	if filter.Action != "" {
		conds = append(conds, "action = ?")
		args = append(args, string(filter.Action))
	}
	if filter.PlanID != "" {
		conds = append(conds, "plan_id = ?")
		args = append(args, filter.PlanID)
	}
	if !filter.Since.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, filter.Since)
	}
	if !filter.Until.IsZero() {
		conds = append(conds, "timestamp <= ?")
		args = append(args, filter.Until)
	}
	if filter.MetadataContains != "" {
		conds = append(conds, "metadata LIKE ?")
		args = append(args, "%"+filter.MetadataContains+"%")
	}

	query := `SELECT id, timestamp, actor_sub, actor_email, actor_role,
	                 device_id, environment, action, tool_name, tool_tier,
	                 plan_id, job_id, result, metadata, error_message
	          FROM audit_event`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY timestamp DESC LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, rerrors.Wrap(err, rerrors.ErrCodeInternal, "failed to query audit events")
	}
	defer rows.Close()

	var events []*models.AuditEvent
	for rows.Next() {
		event, err := scanAuditEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, rerrors.Wrap(err, rerrors.ErrCodeInternal, "failed to iterate audit rows")
	}
	return events, nil
}

func scanAuditEvent(row rowScanner) (*models.AuditEvent, error) {
	var (
		event    models.AuditEvent
		email    sql.NullString
		role     sql.NullString
		deviceID sql.NullString
		env      sql.NullString
		action   string
		tool     sql.NullString
		tier     sql.NullString
		planID   sql.NullString
		jobID    sql.NullString
		result   string
		metadata string
		errMsg   sql.NullString
	)
	err := row.Scan(
		&event.ID, &event.Timestamp, &event.ActorSub, &email, &role,
		&deviceID, &env, &action, &tool, &tier, &planID, &jobID,
		&result, &metadata, &errMsg,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, rerrors.New(rerrors.ErrCodeNotFound, "no rows")
		}
		return nil, rerrors.Wrap(err, rerrors.ErrCodeInternal, "failed to scan audit row")
	}
	event.ActorEmail = email.String
	event.ActorRole = role.String
	event.DeviceID = deviceID.String
	event.Environment = env.String
	event.Action = models.AuditAction(action)
	event.ToolName = tool.String
	event.ToolTier = models.ToolTier(tier.String)
	event.PlanID = planID.String
	event.JobID = jobID.String
	event.Result = models.AuditResult(result)
	event.ErrorMessage = errMsg.String
	if err := unmarshalJSON(metadata, &event.Metadata); err != nil {
		return nil, err
	}
	return &event, nil
}
