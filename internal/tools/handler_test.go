package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rosfleet.sh/internal/approval"
	"rosfleet.sh/internal/audit"
	"rosfleet.sh/internal/authz"
	"rosfleet.sh/internal/config"
	"rosfleet.sh/internal/health"
	"rosfleet.sh/internal/job"
	"rosfleet.sh/internal/models"
	"rosfleet.sh/internal/notify"
	"rosfleet.sh/internal/plan"
	"rosfleet.sh/internal/repository"
	"rosfleet.sh/internal/rerrors"
	"rosfleet.sh/internal/rollout"
	"rosfleet.sh/internal/snapshot"
	"rosfleet.sh/internal/testutil"
	"rosfleet.sh/internal/transport"
)

type fakeBroker struct{}

func (fakeBroker) REST(context.Context, *models.Device) (transport.RESTSession, error) {
	return fakeRESTSession{}, nil
}

func (fakeBroker) Shell(context.Context, *models.Device) (transport.ShellSession, error) {
	return nil, rerrors.New(rerrors.ErrCodeNoCredentials, "no shell credentials")
}

func (fakeBroker) CheckConnectivity(context.Context, *models.Device) (string, error) {
	return "rest", nil
}

type fakeRESTSession struct{}

func (fakeRESTSession) SystemResource(context.Context) (*transport.SystemResource, error) {
	return &transport.SystemResource{
		Uptime:      "2d4h",
		Version:     "7.15",
		BoardName:   "CCR2004-1G-12S+2XS",
		CPULoad:     8,
		FreeMemory:  768 << 20,
		TotalMemory: 1024 << 20,
	}, nil
}

func (fakeRESTSession) ExportConfig(context.Context) (string, error) {
	return "/ip firewall filter\nadd chain=input action=drop\n", nil
}

func (fakeRESTSession) Command(context.Context, string, string, any) (json.RawMessage, error) {
	return nil, nil
}

func (fakeRESTSession) Close() error { return nil }

type fakeChanges struct{}

func (fakeChanges) CapturePreviousState(context.Context, string) (map[string]any, error) {
	return map[string]any{"export": "/ip firewall filter\n"}, nil
}

func (fakeChanges) Apply(context.Context, string, map[string]any) error { return nil }

func (fakeChanges) Rollback(context.Context, string, map[string]any) error { return nil }

type handlerHarness struct {
	handler  *Handler
	sessions *authz.SessionManager
	devices  repository.DeviceRepository
	planRepo repository.PlanRepository
	auditSvc *audit.Service
}

func newHandlerHarness(t *testing.T) *handlerHarness {
	return newHandlerHarnessWithConfig(t, config.Default())
}

func newHandlerHarnessWithConfig(t *testing.T, cfg *config.Config) *handlerHarness {
	t.Helper()
	db := testutil.NewDB(t)

	devices := repository.NewDeviceRepository(db)
	planRepo := repository.NewPlanRepository(db)
	jobRepo := repository.NewJobRepository(db)
	snapRepo := repository.NewSnapshotRepository(db)
	approvalRepo := repository.NewApprovalRepository(db)
	auditRepo := repository.NewAuditRepository(db)

	auditSvc := audit.NewService(auditRepo)

	sessions, err := authz.NewSessionManager(&authz.SessionConfig{
		SigningKey: []byte("test-session-key"),
	})
	require.NoError(t, err)
	gate := authz.NewGate(authz.DefaultRegistry(), cfg, auditSvc)

	signer, err := plan.NewTokenSigner([]byte("test-token-key"))
	require.NoError(t, err)
	planSvc := plan.NewService(planRepo, devices, signer, auditSvc)

	broker := fakeBroker{}
	jobSvc := job.NewService(jobRepo)
	healthSvc := health.NewService(devices, broker, 5)
	rollouts := rollout.NewExecutor(planSvc, planRepo, jobSvc, healthSvc)
	snapshots := snapshot.NewService(snapRepo, devices, broker, cfg, auditSvc)
	approvals := approval.NewService(approvalRepo, planRepo, auditSvc, notify.NewSink(&notify.MockBackend{}))

	handler := NewHandler(sessions, gate, devices, planSvc, rollouts, jobSvc,
		healthSvc, snapshots, approvals, auditSvc, broker, fakeChanges{})

	return &handlerHarness{
		handler:  handler,
		sessions: sessions,
		devices:  devices,
		planRepo: planRepo,
		auditSvc: auditSvc,
	}
}

func (h *handlerHarness) seedDevice(t *testing.T, id, environment string) {
	t.Helper()
	require.NoError(t, h.devices.Create(context.Background(), &models.Device{
		ID:          id,
		Name:        "router-" + id,
		Address:     "10.0.0.1",
		Port:        443,
		Environment: environment,
		Status:      models.DeviceHealthy,
		Capabilities: models.CapabilitySet{
			models.CapProfessionalWorkflows: true,
			models.CapFirewall:              true,
		},
	}))
}

func (h *handlerHarness) token(t *testing.T, sub string, role models.RoleName) string {
	t.Helper()
	token, _, err := h.sessions.Issue(&models.User{Sub: sub, Role: role})
	require.NoError(t, err)
	return token
}

func TestInvokeRejectsBadSession(t *testing.T) {
	h := newHandlerHarness(t)

	result := h.handler.Invoke(context.Background(), "not-a-jwt", "list_devices", nil)
	assert.True(t, result.IsError)
	assert.Equal(t, string(rerrors.ErrCodeAuthn), result.Meta["code"])
}

func TestInvokeListDevices(t *testing.T) {
	h := newHandlerHarness(t)
	h.seedDevice(t, "dev-01", "lab")
	h.seedDevice(t, "dev-02", "staging")

	result := h.handler.Invoke(context.Background(),
		h.token(t, "user:alice", models.RoleReadOnly), "list_devices", nil)
	require.False(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "dev-01")
	assert.Contains(t, result.Content[0].Text, "dev-02")
}

func TestInvokeGetSystemResource(t *testing.T) {
	h := newHandlerHarness(t)
	h.seedDevice(t, "dev-01", "lab")

	result := h.handler.Invoke(context.Background(),
		h.token(t, "user:alice", models.RoleReadOnly), "get_system_resource",
		map[string]any{"device_id": "dev-01"})
	require.False(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "CCR2004")
}

func TestInvokeDeniesOutOfEnvironmentDevice(t *testing.T) {
	// The default configuration manages lab; a prod device is out of
	// reach even for reads with no environment argument supplied.
	h := newHandlerHarness(t)
	h.seedDevice(t, "dev-prod", "prod")

	result := h.handler.Invoke(context.Background(),
		h.token(t, "user:alice", models.RoleReadOnly), "get_device",
		map[string]any{"device_id": "dev-prod"})
	require.True(t, result.IsError)
	assert.Equal(t, string(rerrors.ErrCodeEnvironmentMismatch), result.Meta["code"])
}

func TestInvokeDeniesTierViolations(t *testing.T) {
	h := newHandlerHarness(t)
	h.seedDevice(t, "dev-01", "lab")

	result := h.handler.Invoke(context.Background(),
		h.token(t, "user:alice", models.RoleReadOnly), "capture_config_snapshot",
		map[string]any{"device_id": "dev-01"})
	assert.True(t, result.IsError)
	assert.Equal(t, string(rerrors.ErrCodeAuthzDenied), result.Meta["code"])
}

func TestInvokeProductionWriteGuardrail(t *testing.T) {
	// The service manages prod but the operator has not opted into prod
	// writes.
	cfg := config.Default()
	cfg.Environment = config.EnvProd
	h := newHandlerHarnessWithConfig(t, cfg)
	h.seedDevice(t, "dev-prod", "prod")
	ctx := context.Background()

	result := h.handler.Invoke(ctx, h.token(t, "user:alice", models.RoleAdmin), "create_plan",
		map[string]any{
			"device_id":  "dev-prod",
			"tool_name":  "update_firewall_rules",
			"summary":    "Tighten the input chain",
			"device_ids": []any{"dev-prod"},
			"changes":    map[string]any{"script": "/ip firewall filter add chain=input action=drop"},
		})
	require.True(t, result.IsError)
	assert.Equal(t, string(rerrors.ErrCodeAuthzDenied), result.Meta["code"])
	assert.Contains(t, result.Content[0].Text, "writes are not allowed in prod")

	// The gate fired before the plan service: nothing was persisted and
	// the denial is on the audit trail.
	plans, err := h.planRepo.List(ctx, "", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, plans)

	events, err := h.auditSvc.Query(ctx, repository.AuditFilter{Action: models.ActionAuthzDenied})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "write_guardrail", events[0].Metadata["check"])
}

func TestInvokeCreateAndApprovePlan(t *testing.T) {
	h := newHandlerHarness(t)
	h.seedDevice(t, "dev-01", "lab")
	ctx := context.Background()
	adminToken := h.token(t, "user:alice", models.RoleAdmin)

	result := h.handler.Invoke(ctx, adminToken, "create_plan", map[string]any{
		"device_id":  "dev-01",
		"tool_name":  "update_firewall_rules",
		"summary":    "Tighten the input chain",
		"device_ids": []any{"dev-01"},
		"changes":    map[string]any{"script": "/ip firewall filter add chain=input action=drop"},
	})
	require.False(t, result.IsError, result.Content[0].Text)

	var created struct {
		Plan  models.Plan `json:"plan"`
		Token string      `json:"approval_token"`
	}
	require.NoError(t, json.Unmarshal([]byte(result.Content[0].Text), &created))
	assert.Equal(t, models.PlanPending, created.Plan.Status)
	require.NotEmpty(t, created.Token)

	result = h.handler.Invoke(ctx, adminToken, "approve_plan", map[string]any{
		"plan_id":        created.Plan.ID,
		"approval_token": created.Token,
	})
	require.False(t, result.IsError, result.Content[0].Text)

	stored, err := h.planRepo.Get(ctx, created.Plan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PlanApproved, stored.Status)
	assert.Equal(t, "user:alice", stored.ApprovedBy)
}

func TestInvokeApplyBindsApprovalToken(t *testing.T) {
	h := newHandlerHarness(t)
	h.seedDevice(t, "dev-01", "lab")
	ctx := context.Background()
	adminToken := h.token(t, "user:alice", models.RoleAdmin)

	result := h.handler.Invoke(ctx, adminToken, "create_plan", map[string]any{
		"device_id":  "dev-01",
		"tool_name":  "update_firewall_rules",
		"summary":    "Tighten the input chain",
		"device_ids": []any{"dev-01"},
		"changes":    map[string]any{"script": "/ip firewall filter add chain=input action=drop"},
	})
	require.False(t, result.IsError, result.Content[0].Text)

	var created struct {
		Plan  models.Plan `json:"plan"`
		Token string      `json:"approval_token"`
	}
	require.NoError(t, json.Unmarshal([]byte(result.Content[0].Text), &created))

	// A forged token is caught at the gate, before the executor runs.
	result = h.handler.Invoke(ctx, adminToken, "apply_multi_device_plan", map[string]any{
		"plan_id":        created.Plan.ID,
		"approval_token": "approve-0000-forged",
	})
	require.True(t, result.IsError)
	assert.Equal(t, string(rerrors.ErrCodeApprovalTokenInvalid), result.Meta["code"])

	stored, err := h.planRepo.Get(ctx, created.Plan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PlanPending, stored.Status)
}

func TestInvokeUnknownTool(t *testing.T) {
	h := newHandlerHarness(t)

	result := h.handler.Invoke(context.Background(),
		h.token(t, "user:alice", models.RoleAdmin), "reboot_everything", nil)
	assert.True(t, result.IsError)
	assert.Equal(t, string(rerrors.ErrCodeValidation), result.Meta["code"])
}
