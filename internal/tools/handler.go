package tools

import (
	"context"
	"log/slog"
	"time"

	"rosfleet.sh/internal/approval"
	"rosfleet.sh/internal/audit"
	"rosfleet.sh/internal/authz"
	"rosfleet.sh/internal/health"
	"rosfleet.sh/internal/job"
	"rosfleet.sh/internal/models"
	"rosfleet.sh/internal/plan"
	"rosfleet.sh/internal/rerrors"
	"rosfleet.sh/internal/repository"
	"rosfleet.sh/internal/rollout"
	"rosfleet.sh/internal/snapshot"
	"rosfleet.sh/internal/transport"
)

// Handler authenticates, authorizes and dispatches tool invocations. It
// is the single entry point for callers: every invocation passes the
// session check and the gate before any service runs.
type Handler struct {
	sessions  *authz.SessionManager
	gate      *authz.Gate
	devices   repository.DeviceRepository
	plans     *plan.Service
	rollouts  *rollout.Executor
	jobs      *job.Service
	health    *health.Service
	snapshots *snapshot.Service
	approvals *approval.Service
	auditSvc  *audit.Service
	broker    transport.Broker
	changes   plan.ChangeService
	logger    *slog.Logger
}

// NewHandler creates a tool handler.
func NewHandler(
	sessions *authz.SessionManager,
	gate *authz.Gate,
	devices repository.DeviceRepository,
	plans *plan.Service,
	rollouts *rollout.Executor,
	jobs *job.Service,
	healthSvc *health.Service,
	snapshots *snapshot.Service,
	approvals *approval.Service,
	auditSvc *audit.Service,
	broker transport.Broker,
	changes plan.ChangeService,
) *Handler {
	return &Handler{
		sessions:  sessions,
		gate:      gate,
		devices:   devices,
		plans:     plans,
		rollouts:  rollouts,
		jobs:      jobs,
		health:    healthSvc,
		snapshots: snapshots,
		approvals: approvals,
		auditSvc:  auditSvc,
		broker:    broker,
		changes:   changes,
		logger:    slog.Default().With("component", "tools"),
	}
}

// Invoke runs one tool call. Errors never escape as Go errors; they fold
// into the result envelope with their machine code.
func (h *Handler) Invoke(ctx context.Context, sessionToken, name string, args map[string]any) *Result {
	user, err := h.sessions.Verify(sessionToken)
	if err != nil {
		return Error(err)
	}

	req := &authz.Request{
		User:        user,
		ToolName:    name,
		Environment: argString(args, "environment"),
	}
	if id := argString(args, "device_id"); id != "" {
		device, err := h.devices.Get(ctx, id)
		if err != nil {
			return Error(err)
		}
		req.Device = device
	}
	// Apply tools bind their approval token at the gate so an expired or
	// foreign token is denied before any state moves.
	if name == "apply_plan" || name == "apply_multi_device_plan" {
		p, err := h.plans.Get(ctx, argString(args, "plan_id"))
		if err != nil {
			return Error(err)
		}
		req.Plan = p
		req.ApprovalToken = argString(args, "approval_token")
	}

	if err := h.gate.Authorize(ctx, req); err != nil {
		return Error(err)
	}
	return h.dispatch(ctx, user, name, args, req.Device)
}

func (h *Handler) dispatch(ctx context.Context, user *models.User, name string, args map[string]any, device *models.Device) *Result {
	switch name {
	case "list_devices":
		devices, err := h.devices.List(ctx, repository.DeviceListOptions{
			Environment:           argString(args, "environment"),
			ExcludeDecommissioned: argBool(args, "exclude_decommissioned"),
		})
		if err != nil {
			return Error(err)
		}
		return JSON(map[string]any{"devices": devices})

	case "get_device":
		if device == nil {
			return Error(rerrors.New(rerrors.ErrCodeValidation, "device_id is required"))
		}
		return JSON(device)

	case "get_system_resource":
		if device == nil {
			return Error(rerrors.New(rerrors.ErrCodeValidation, "device_id is required"))
		}
		sess, err := h.broker.REST(ctx, device)
		if err != nil {
			return Error(err)
		}
		defer sess.Close()
		resource, err := sess.SystemResource(ctx)
		if err != nil {
			return Error(err)
		}
		return JSON(resource)

	case "run_health_check":
		result, err := h.health.RunHealthCheck(ctx, argString(args, "device_id"))
		if err != nil {
			return Error(err)
		}
		return JSON(result)

	case "run_batch_health_checks":
		cpuThr := argFloat(args, "cpu_threshold", rollout.DefaultGateCPUThreshold)
		memThr := argFloat(args, "memory_threshold", rollout.DefaultGateMemoryThreshold)
		results := h.health.RunBatchHealthChecks(ctx, argStrings(args, "device_ids"), cpuThr, memThr)
		return JSON(results)

	case "get_config_snapshot":
		snap, err := h.snapshots.GetLatest(ctx, argString(args, "device_id"))
		if err != nil {
			return Error(err)
		}
		text, err := h.snapshots.Decode(snap)
		if err != nil {
			return Error(err)
		}
		return JSON(map[string]any{"snapshot": snap, "config": text})

	case "capture_config_snapshot":
		if device == nil {
			return Error(rerrors.New(rerrors.ErrCodeValidation, "device_id is required"))
		}
		snap, err := h.snapshots.Capture(ctx, device)
		if err != nil {
			return Error(err)
		}
		return JSON(snap)

	case "create_plan":
		result, err := h.plans.CreatePlan(ctx, plan.CreateRequest{
			ToolName:  argString(args, "tool_name"),
			CreatedBy: user.Sub,
			DeviceIDs: argStrings(args, "device_ids"),
			Summary:   argString(args, "summary"),
			Changes:   argMap(args, "changes"),
			RiskLevel: models.RiskLevel(argString(args, "risk_level")),
		})
		if err != nil {
			return Error(err)
		}
		return JSON(result)

	case "create_multi_device_plan":
		result, err := h.plans.CreateMultiDevicePlan(ctx, plan.MultiDeviceRequest{
			CreateRequest: plan.CreateRequest{
				ToolName:  argString(args, "tool_name"),
				CreatedBy: user.Sub,
				DeviceIDs: argStrings(args, "device_ids"),
				Summary:   argString(args, "summary"),
				Changes:   argMap(args, "changes"),
				RiskLevel: models.RiskLevel(argString(args, "risk_level")),
			},
			BatchSize:           argInt(args, "batch_size", 1),
			PauseSecondsBetween: argInt(args, "pause_seconds_between", 0),
			RollbackOnFailure:   argBool(args, "rollback_on_failure"),
		})
		if err != nil {
			return Error(err)
		}
		return JSON(result)

	case "approve_plan":
		p, err := h.plans.ApprovePlan(ctx,
			argString(args, "plan_id"), argString(args, "approval_token"), user.Sub)
		if err != nil {
			return Error(err)
		}
		return JSON(p)

	case "apply_plan", "apply_multi_device_plan":
		result, err := h.rollouts.ApplyMultiDevicePlan(ctx,
			argString(args, "plan_id"), argString(args, "approval_token"), user.Sub, h.changes)
		if err != nil {
			return Error(err)
		}
		return JSON(result)

	case "rollback_plan":
		summary, err := h.plans.RollbackPlan(ctx,
			argString(args, "plan_id"), argString(args, "reason"), user.Sub,
			argInt(args, "max_retries", 0), h.changes)
		if err != nil {
			return Error(err)
		}
		return JSON(summary)

	case "request_plan_approval":
		req, err := h.approvals.CreateRequest(ctx,
			argString(args, "plan_id"), user.Sub, argString(args, "note"))
		if err != nil {
			return Error(err)
		}
		return JSON(req)

	case "decide_plan_approval":
		requestID := argString(args, "request_id")
		note := argString(args, "note")
		var req *models.ApprovalRequest
		var err error
		if argBool(args, "approve") {
			req, err = h.approvals.ApproveRequest(ctx, requestID, user.Sub, note)
		} else {
			req, err = h.approvals.RejectRequest(ctx, requestID, user.Sub, note)
		}
		if err != nil {
			return Error(err)
		}
		return JSON(req)

	case "cancel_job":
		jobID := argString(args, "job_id")
		if err := h.jobs.RequestCancellation(ctx, jobID); err != nil {
			return Error(err)
		}
		j, err := h.jobs.Get(ctx, jobID)
		if err != nil {
			return Error(err)
		}
		return JSON(j)

	case "query_audit_log":
		filter := repository.AuditFilter{
			ActorSub:         argString(args, "actor"),
			DeviceID:         argString(args, "device_id"),
			ToolName:         argString(args, "tool_name"),
			Action:           models.AuditAction(argString(args, "action")),
			PlanID:           argString(args, "plan_id"),
			MetadataContains: argString(args, "metadata_contains"),
			Limit:            argInt(args, "limit", 0),
			Offset:           argInt(args, "offset", 0),
		}
		if since := argString(args, "since"); since != "" {
			t, err := time.Parse(time.RFC3339, since)
			if err != nil {
				return Error(rerrors.Wrap(err, rerrors.ErrCodeValidation, "invalid since timestamp"))
			}
			filter.Since = t
		}
		if until := argString(args, "until"); until != "" {
			t, err := time.Parse(time.RFC3339, until)
			if err != nil {
				return Error(rerrors.Wrap(err, rerrors.ErrCodeValidation, "invalid until timestamp"))
			}
			filter.Until = t
		}
		events, err := h.auditSvc.Query(ctx, filter)
		if err != nil {
			return Error(err)
		}
		return JSON(map[string]any{"events": events})

	default:
		return Error(rerrors.Newf(rerrors.ErrCodeValidation,
			"tool %s is not available on this server", name))
	}
}

func argString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func argBool(args map[string]any, key string) bool {
	b, _ := args[key].(bool)
	return b
}

func argInt(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return fallback
	}
}

func argFloat(args map[string]any, key string, fallback float64) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return fallback
	}
}

func argStrings(args map[string]any, key string) []string {
	switch v := args[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func argMap(args map[string]any, key string) map[string]any {
	m, _ := args[key].(map[string]any)
	return m
}
