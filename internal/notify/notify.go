// Package notify fans approval and job events out to configured
// backends. Delivery is best-effort: failures are logged and never
// propagate to the operation that triggered the notification.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Kind names a notification template.
type Kind string

const (
	KindApprovalRequested Kind = "approval_requested"
	KindApprovalApproved  Kind = "approval_approved"
	KindApprovalRejected  Kind = "approval_rejected"
	KindJobCompleted      Kind = "job_completed"
	KindJobFailed         Kind = "job_failed"
)

// Message is one notification.
type Message struct {
	Kind      Kind           `json:"kind"`
	Subject   string         `json:"subject"`
	Body      string         `json:"body"`
	PlanID    string         `json:"plan_id,omitempty"`
	JobID     string         `json:"job_id,omitempty"`
	Recipient string         `json:"recipient,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	SentAt    time.Time      `json:"sent_at"`
}

// Backend delivers messages to one channel (email, webhook, test mock).
type Backend interface {
	Name() string
	Send(ctx context.Context, msg *Message) error
}

// Sink fans messages out to every registered backend.
type Sink struct {
	mu       sync.RWMutex
	backends []Backend
	logger   *slog.Logger
}

// NewSink creates a notification sink.
func NewSink(backends ...Backend) *Sink {
	return &Sink{
		backends: backends,
		logger:   slog.Default().With("component", "notify"),
	}
}

// Register adds a backend.
func (s *Sink) Register(backend Backend) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backends = append(s.backends, backend)
}

// Send delivers to all backends. Per-backend failures are logged and
// swallowed.
func (s *Sink) Send(ctx context.Context, msg *Message) {
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}
	s.mu.RLock()
	backends := make([]Backend, len(s.backends))
	copy(backends, s.backends)
	s.mu.RUnlock()

	for _, backend := range backends {
		if err := backend.Send(ctx, msg); err != nil {
			s.logger.Error("Notification delivery failed",
				"backend", backend.Name(), "kind", string(msg.Kind), "error", err)
		}
	}
}

// MockBackend records messages for tests.
type MockBackend struct {
	mu       sync.Mutex
	Messages []*Message
}

func (m *MockBackend) Name() string { return "mock" }

func (m *MockBackend) Send(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Messages = append(m.Messages, msg)
	return nil
}

// Sent returns a snapshot of recorded messages.
func (m *MockBackend) Sent() []*Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Message, len(m.Messages))
	copy(out, m.Messages)
	return out
}
