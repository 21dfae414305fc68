// Package authz implements the authorization gate every tool invocation
// passes through. Checks run in a fixed order and short-circuit on the
// first failure; each denial is audited.
package authz

import (
	"context"
	"crypto/hmac"
	"log/slog"
	"strings"
	"time"

	"rosfleet.sh/internal/audit"
	"rosfleet.sh/internal/config"
	"rosfleet.sh/internal/metrics"
	"rosfleet.sh/internal/models"
	"rosfleet.sh/internal/rerrors"
)

// Request is one tool invocation to authorize.
type Request struct {
	User     *models.User
	ToolName string

	// Device is the target, nil for fleet-wide tools.
	Device *models.Device

	// Environment is the environment the caller claims to operate in.
	Environment string

	// Plan and ApprovalToken are set when the tool consumes an approval
	// token; the gate verifies the binding.
	Plan          *models.Plan
	ApprovalToken string
}

// approvalTools are reachable by the approver role regardless of tier.
var approvalTools = map[string]bool{
	"approve_plan":          true,
	"request_plan_approval": true,
	"decide_plan_approval":  true,
}

// Gate evaluates authorization requests.
type Gate struct {
	registry *Registry
	cfg      *config.Config
	recorder audit.Recorder
	logger   *slog.Logger

	// now is swapped in tests.
	now func() time.Time
}

// NewGate creates an authorization gate.
func NewGate(registry *Registry, cfg *config.Config, recorder audit.Recorder) *Gate {
	return &Gate{
		registry: registry,
		cfg:      cfg,
		recorder: recorder,
		logger:   slog.Default().With("component", "authz"),
		now:      time.Now,
	}
}

// Authorize runs the ordered checks: role tier, device scope, environment
// match, per-topic capability, production guardrail, approval token
// binding. The first failing check wins and is recorded to the audit log.
func (g *Gate) Authorize(ctx context.Context, req *Request) error {
	if req.User == nil {
		return g.deny(ctx, req, "authn", rerrors.New(rerrors.ErrCodeAuthn, "no authenticated user"))
	}
	tool, ok := g.registry.Lookup(req.ToolName)
	if !ok {
		return g.deny(ctx, req, "tool",
			rerrors.Newf(rerrors.ErrCodeValidation, "unknown tool: %s", req.ToolName))
	}

	// 1. Role tier. Approvers additionally reach the approval actions
	// even though those sit in the professional tier.
	if !req.User.Role.CanUseTier(tool.Tier) &&
		!(req.User.Role == models.RoleApprover && approvalTools[tool.Name]) {
		return g.deny(ctx, req, "role_tier",
			rerrors.Newf(rerrors.ErrCodeAuthzDenied,
				"role %s may not use %s-tier tool %s", req.User.Role, tool.Tier, tool.Name))
	}

	// 2. Device scope.
	if req.Device != nil && !req.User.InScope(req.Device.ID) {
		return g.deny(ctx, req, "device_scope",
			rerrors.Newf(rerrors.ErrCodeAuthzDenied,
				"device %s is outside the caller's scope", req.Device.ID))
	}

	// 3. Environment match. The device must live in the environment this
	// service is configured for; a caller-supplied environment can narrow
	// the check but never widen it.
	if req.Device != nil && !tool.CrossEnvironment {
		if req.Device.Environment != string(g.cfg.Environment) {
			return g.deny(ctx, req, "environment",
				rerrors.Newf(rerrors.ErrCodeEnvironmentMismatch,
					"device %s is in %s, not %s", req.Device.ID, req.Device.Environment, g.cfg.Environment))
		}
		if req.Environment != "" && req.Device.Environment != req.Environment {
			return g.deny(ctx, req, "environment",
				rerrors.Newf(rerrors.ErrCodeEnvironmentMismatch,
					"device %s is in %s, not %s", req.Device.ID, req.Device.Environment, req.Environment))
		}
	}

	// 4. Per-topic capability.
	if tool.Capability != "" && req.Device != nil && !req.Device.Capabilities.Has(tool.Capability) {
		return g.deny(ctx, req, "capability",
			rerrors.Newf(rerrors.ErrCodeCapabilityDenied,
				"device %s does not grant capability %s", req.Device.ID, tool.Capability).
				WithMetadata("capability", string(tool.Capability)))
	}

	// 5. Production guardrail. Write tools only run in environments the
	// operator has opted into; the denial names the allowed set.
	if tool.Write {
		env := req.Environment
		if env == "" && req.Device != nil {
			env = req.Device.Environment
		}
		if env != "" && !g.cfg.WritesAllowedIn(config.Environment(env)) {
			return g.deny(ctx, req, "write_guardrail",
				rerrors.Newf(rerrors.ErrCodeAuthzDenied,
					"writes are not allowed in %s (allowed: %s)",
					env, strings.Join(g.cfg.WriteEnvironmentNames(), ", ")).
					WithMetadata("allowed_environments", g.cfg.WriteEnvironmentNames()))
		}
	}

	// 6. Approval token binding.
	if req.Plan != nil {
		if err := g.checkApprovalToken(req.Plan, req.ApprovalToken); err != nil {
			return g.deny(ctx, req, "approval_token", err)
		}
	}

	metrics.AuthzDecisionsTotal.WithLabelValues("allow", "all").Inc()
	return nil
}

func (g *Gate) checkApprovalToken(plan *models.Plan, token string) *rerrors.Error {
	if token == "" {
		return rerrors.New(rerrors.ErrCodeApprovalTokenInvalid, "approval token is required")
	}
	if !hmac.Equal([]byte(plan.ApprovalToken), []byte(token)) {
		return rerrors.Newf(rerrors.ErrCodeApprovalTokenInvalid,
			"approval token does not match plan %s", plan.ID)
	}
	if g.now().After(plan.ApprovalExpiresAt) {
		return rerrors.Newf(rerrors.ErrCodeApprovalExpired,
			"approval for plan %s expired at %s", plan.ID,
			plan.ApprovalExpiresAt.UTC().Format(time.RFC3339))
	}
	return nil
}

// deny audits and returns the denial.
func (g *Gate) deny(ctx context.Context, req *Request, check string, err *rerrors.Error) error {
	metrics.AuthzDecisionsTotal.WithLabelValues("deny", check).Inc()

	event := &models.AuditEvent{
		Action:       models.ActionAuthzDenied,
		ToolName:     req.ToolName,
		Result:       models.AuditFailure,
		ErrorMessage: err.Error(),
		Metadata: map[string]any{
			"check": check,
			"code":  string(err.Code),
		},
	}
	if req.User != nil {
		event.ActorSub = req.User.Sub
		event.ActorEmail = req.User.Email
		event.ActorRole = string(req.User.Role)
	} else {
		event.ActorSub = "anonymous"
	}
	if req.Device != nil {
		event.DeviceID = req.Device.ID
		event.Environment = req.Device.Environment
	} else if req.Environment != "" {
		event.Environment = req.Environment
	}
	if req.Plan != nil {
		event.PlanID = req.Plan.ID
	}
	g.recorder.Record(ctx, event)

	g.logger.Warn("Authorization denied",
		"tool", req.ToolName, "check", check, "actor", event.ActorSub, "error", err)
	return err
}
