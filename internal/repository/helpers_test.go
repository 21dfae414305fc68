package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"rosfleet.sh/internal/database"
	"rosfleet.sh/internal/models"
	"rosfleet.sh/internal/repository"
	"rosfleet.sh/internal/testutil"
)

func testDB(t *testing.T) *database.DB {
	t.Helper()
	return testutil.NewDB(t)
}

func newRepos(t *testing.T) (*database.DB, repository.DeviceRepository) {
	t.Helper()
	db := testDB(t)
	return db, repository.NewDeviceRepository(db)
}

func seedDevice(t *testing.T, devices repository.DeviceRepository, id, env string, status models.DeviceStatus) *models.Device {
	t.Helper()
	d := &models.Device{
		ID:          id,
		Name:        "router-" + id,
		Address:     "10.0.0.1",
		Port:        443,
		Environment: env,
		Status:      status,
		Capabilities: models.CapabilitySet{
			models.CapProfessionalWorkflows: true,
			models.CapFirewall:              true,
		},
	}
	require.NoError(t, devices.Create(context.Background(), d))
	return d
}

func seedPlan(t *testing.T, plans repository.PlanRepository, id string, deviceIDs []string) *models.Plan {
	t.Helper()
	statuses := make(map[string]models.DevicePlanStatus, len(deviceIDs))
	for _, deviceID := range deviceIDs {
		statuses[deviceID] = models.DevicePlanPending
	}
	p := &models.Plan{
		ID:                id,
		CreatedBy:         "alice",
		ToolName:          "update_firewall_rules",
		Status:            models.PlanPending,
		DeviceIDs:         deviceIDs,
		Environment:       "staging",
		Summary:           "tighten input chain",
		RiskLevel:         models.RiskLow,
		Changes:           map[string]any{"script": "/ip firewall filter add chain=input action=drop"},
		ApprovalToken:     "approve-test-token",
		ApprovalExpiresAt: time.Now().UTC().Add(models.ApprovalValidity),
		BatchSize:         1,
		DeviceStatuses:    statuses,
	}
	require.NoError(t, plans.Create(context.Background(), p))
	return p
}
