// Package audit provides the append-only audit trail. Recording is
// best-effort from the caller's point of view: a failed write is logged
// and swallowed so audit problems never fail the audited operation.
package audit

import (
	"context"
	"log/slog"
	"time"

	"rosfleet.sh/internal/models"
	"rosfleet.sh/internal/repository"
)

// Recorder accepts audit events. Services depend on this instead of the
// repository so tests can capture events in memory.
type Recorder interface {
	Record(ctx context.Context, event *models.AuditEvent)
}

// Service writes events through the audit repository and answers filtered
// queries.
type Service struct {
	repo   repository.AuditRepository
	logger *slog.Logger
}

// NewService creates an audit service.
func NewService(repo repository.AuditRepository) *Service {
	return &Service{
		repo:   repo,
		logger: slog.Default().With("component", "audit"),
	}
}

// Record appends one event. Failures are logged, never returned.
func (s *Service) Record(ctx context.Context, event *models.AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if err := s.repo.Append(ctx, event); err != nil {
		s.logger.Error("Failed to record audit event",
			"action", string(event.Action), "actor", event.ActorSub, "error", err)
	}
}

// Query returns events matching the filter, newest first.
func (s *Service) Query(ctx context.Context, filter repository.AuditFilter) ([]*models.AuditEvent, error) {
	return s.repo.Query(ctx, filter)
}
