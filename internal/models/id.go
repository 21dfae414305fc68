package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewID builds an opaque identifier of the form prefix-YYYYMMDDHHMMSS-rand.
// Identifiers are treated as foreign keys and never parsed back.
func NewID(prefix string, now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return prefix + "-" + now.UTC().Format("20060102150405") + "-" + suffix
}

func NewDeviceID(now time.Time) string   { return NewID("dev", now) }
func NewPlanID(now time.Time) string     { return NewID("plan", now) }
func NewJobID(now time.Time) string      { return NewID("job", now) }
func NewSnapshotID(now time.Time) string { return NewID("snap", now) }
func NewAuditID(now time.Time) string    { return NewID("audit", now) }
func NewApprovalID(now time.Time) string { return NewID("apprq", now) }
func NewCredentialID(now time.Time) string { return NewID("cred", now) }
