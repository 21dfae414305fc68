package authz

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rosfleet.sh/internal/config"
	"rosfleet.sh/internal/models"
	"rosfleet.sh/internal/rerrors"
)

type recordingSink struct {
	events []*models.AuditEvent
}

func (r *recordingSink) Record(_ context.Context, event *models.AuditEvent) {
	r.events = append(r.events, event)
}

func newTestGate(t *testing.T) (*Gate, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	return NewGate(DefaultRegistry(), config.Default(), sink), sink
}

func labDevice(id string) *models.Device {
	return &models.Device{
		ID:          id,
		Name:        "router-" + id,
		Environment: "lab",
		Status:      models.DeviceHealthy,
		Capabilities: models.CapabilitySet{
			models.CapProfessionalWorkflows: true,
			models.CapFirewall:              true,
		},
	}
}

func adminUser() *models.User {
	return &models.User{Sub: "alice", Role: models.RoleAdmin}
}

func TestGateAllowsAdmin(t *testing.T) {
	gate, sink := newTestGate(t)

	err := gate.Authorize(context.Background(), &Request{
		User:        adminUser(),
		ToolName:    "update_firewall_rules",
		Device:      labDevice("dev-01"),
		Environment: "lab",
	})
	require.NoError(t, err)
	assert.Empty(t, sink.events)
}

func TestGateDeniesUnauthenticated(t *testing.T) {
	gate, sink := newTestGate(t)

	err := gate.Authorize(context.Background(), &Request{ToolName: "list_devices"})
	assert.Equal(t, rerrors.ErrCodeAuthn, rerrors.GetCode(err))
	require.Len(t, sink.events, 1)
	assert.Equal(t, "anonymous", sink.events[0].ActorSub)
	assert.Equal(t, models.ActionAuthzDenied, sink.events[0].Action)
	assert.Equal(t, "authn", sink.events[0].Metadata["check"])
}

func TestGateDeniesUnknownTool(t *testing.T) {
	gate, _ := newTestGate(t)

	err := gate.Authorize(context.Background(), &Request{
		User:     adminUser(),
		ToolName: "reboot_everything",
	})
	assert.Equal(t, rerrors.ErrCodeValidation, rerrors.GetCode(err))
}

func TestGateRoleTier(t *testing.T) {
	gate, sink := newTestGate(t)

	err := gate.Authorize(context.Background(), &Request{
		User:     &models.User{Sub: "bob", Role: models.RoleReadOnly},
		ToolName: "capture_config_snapshot",
		Device:   labDevice("dev-01"),
	})
	assert.Equal(t, rerrors.ErrCodeAuthzDenied, rerrors.GetCode(err))
	require.Len(t, sink.events, 1)
	assert.Equal(t, "role_tier", sink.events[0].Metadata["check"])

	// Ops reach advanced but not professional tools.
	err = gate.Authorize(context.Background(), &Request{
		User:     &models.User{Sub: "bob", Role: models.RoleOps},
		ToolName: "create_plan",
		Device:   labDevice("dev-01"),
	})
	assert.Equal(t, rerrors.ErrCodeAuthzDenied, rerrors.GetCode(err))
}

func TestGateApproverReachesApprovalActions(t *testing.T) {
	gate, _ := newTestGate(t)
	approver := &models.User{Sub: "carol", Role: models.RoleApprover}

	for _, tool := range []string{"approve_plan", "request_plan_approval", "decide_plan_approval"} {
		err := gate.Authorize(context.Background(), &Request{
			User:     approver,
			ToolName: tool,
			Device:   labDevice("dev-01"),
		})
		assert.NoError(t, err, tool)
	}

	// The exception covers approval actions only.
	err := gate.Authorize(context.Background(), &Request{
		User:     approver,
		ToolName: "create_plan",
		Device:   labDevice("dev-01"),
	})
	assert.Equal(t, rerrors.ErrCodeAuthzDenied, rerrors.GetCode(err))
}

func TestGateDeviceScope(t *testing.T) {
	gate, sink := newTestGate(t)

	scoped := &models.User{Sub: "dave", Role: models.RoleAdmin, DeviceScope: []string{"dev-01"}}

	err := gate.Authorize(context.Background(), &Request{
		User:     scoped,
		ToolName: "get_device",
		Device:   labDevice("dev-02"),
	})
	assert.Equal(t, rerrors.ErrCodeAuthzDenied, rerrors.GetCode(err))
	require.Len(t, sink.events, 1)
	assert.Equal(t, "device_scope", sink.events[0].Metadata["check"])

	err = gate.Authorize(context.Background(), &Request{
		User:     scoped,
		ToolName: "get_device",
		Device:   labDevice("dev-01"),
	})
	assert.NoError(t, err)
}

func TestGateEnvironmentMatch(t *testing.T) {
	gate, _ := newTestGate(t)

	err := gate.Authorize(context.Background(), &Request{
		User:        adminUser(),
		ToolName:    "get_device",
		Device:      labDevice("dev-01"),
		Environment: "prod",
	})
	assert.Equal(t, rerrors.ErrCodeEnvironmentMismatch, rerrors.GetCode(err))

	// Cross-environment tools skip the check.
	err = gate.Authorize(context.Background(), &Request{
		User:        adminUser(),
		ToolName:    "run_batch_health_checks",
		Device:      labDevice("dev-01"),
		Environment: "prod",
	})
	assert.NoError(t, err)
}

func TestGateEnforcesServiceEnvironment(t *testing.T) {
	gate, sink := newTestGate(t)

	prodDevice := labDevice("dev-01")
	prodDevice.Environment = "prod"

	// A lab-configured service never reaches a prod device, even when the
	// caller omits the environment argument.
	err := gate.Authorize(context.Background(), &Request{
		User:     adminUser(),
		ToolName: "get_device",
		Device:   prodDevice,
	})
	assert.Equal(t, rerrors.ErrCodeEnvironmentMismatch, rerrors.GetCode(err))
	assert.Contains(t, err.Error(), "is in prod, not lab")
	require.Len(t, sink.events, 1)
	assert.Equal(t, "environment", sink.events[0].Metadata["check"])

	// Cross-environment tools stay exempt.
	err = gate.Authorize(context.Background(), &Request{
		User:     adminUser(),
		ToolName: "run_batch_health_checks",
		Device:   prodDevice,
	})
	assert.NoError(t, err)

	// A caller-supplied environment narrows the check but cannot widen it
	// past the service environment.
	gate.cfg.Environment = config.EnvProd
	err = gate.Authorize(context.Background(), &Request{
		User:        adminUser(),
		ToolName:    "get_device",
		Device:      prodDevice,
		Environment: "prod",
	})
	assert.NoError(t, err)
}

func TestGateCapability(t *testing.T) {
	gate, sink := newTestGate(t)

	device := labDevice("dev-01")
	device.Capabilities = models.CapabilitySet{models.CapAdvanced: true}

	err := gate.Authorize(context.Background(), &Request{
		User:     adminUser(),
		ToolName: "run_bandwidth_test",
		Device:   device,
	})
	assert.Equal(t, rerrors.ErrCodeCapabilityDenied, rerrors.GetCode(err))
	require.Len(t, sink.events, 1)
	assert.Equal(t, "capability", sink.events[0].Metadata["check"])
}

func TestGateWriteGuardrail(t *testing.T) {
	gate, sink := newTestGate(t)
	// A prod-configured service whose operator has not opted into prod
	// writes.
	gate.cfg.Environment = config.EnvProd

	device := labDevice("dev-01")
	device.Environment = "prod"

	err := gate.Authorize(context.Background(), &Request{
		User:        adminUser(),
		ToolName:    "update_firewall_rules",
		Device:      device,
		Environment: "prod",
	})
	require.Error(t, err)
	assert.Equal(t, rerrors.ErrCodeAuthzDenied, rerrors.GetCode(err))
	assert.Contains(t, err.Error(), "writes are not allowed in prod")
	assert.Contains(t, err.Error(), "lab, staging")
	require.Len(t, sink.events, 1)
	assert.Equal(t, "write_guardrail", sink.events[0].Metadata["check"])

	// Opting prod in lifts the guardrail.
	gate.cfg.WriteEnvironments = append(gate.cfg.WriteEnvironments, config.EnvProd)
	err = gate.Authorize(context.Background(), &Request{
		User:        adminUser(),
		ToolName:    "update_firewall_rules",
		Device:      device,
		Environment: "prod",
	})
	assert.NoError(t, err)
}

func TestGateApprovalTokenBinding(t *testing.T) {
	gate, _ := newTestGate(t)
	now := time.Now().UTC()

	plan := &models.Plan{
		ID:                "plan-01",
		ApprovalToken:     "approve-correct-token",
		ApprovalExpiresAt: now.Add(models.ApprovalValidity),
	}
	req := func(token string) *Request {
		return &Request{
			User:          adminUser(),
			ToolName:      "apply_multi_device_plan",
			Device:        labDevice("dev-01"),
			Environment:   "lab",
			Plan:          plan,
			ApprovalToken: token,
		}
	}

	err := gate.Authorize(context.Background(), req(""))
	assert.Equal(t, rerrors.ErrCodeApprovalTokenInvalid, rerrors.GetCode(err))

	err = gate.Authorize(context.Background(), req("approve-wrong-token"))
	assert.Equal(t, rerrors.ErrCodeApprovalTokenInvalid, rerrors.GetCode(err))

	err = gate.Authorize(context.Background(), req("approve-correct-token"))
	assert.NoError(t, err)

	gate.now = func() time.Time { return now.Add(20 * time.Minute) }
	err = gate.Authorize(context.Background(), req("approve-correct-token"))
	assert.Equal(t, rerrors.ErrCodeApprovalExpired, rerrors.GetCode(err))
}
