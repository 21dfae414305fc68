package repository_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rosfleet.sh/internal/models"
	"rosfleet.sh/internal/repository"
	"rosfleet.sh/internal/rerrors"
)

func TestPlanRepositoryRoundTrip(t *testing.T) {
	db := testDB(t)
	plans := repository.NewPlanRepository(db)
	ctx := context.Background()

	seedPlan(t, plans, "plan-01", []string{"dev-01", "dev-02"})

	got, err := plans.Get(ctx, "plan-01")
	require.NoError(t, err)
	assert.Equal(t, models.PlanPending, got.Status)
	assert.Equal(t, []string{"dev-01", "dev-02"}, got.DeviceIDs)
	assert.Equal(t, "approve-test-token", got.ApprovalToken)
	assert.Equal(t, models.DevicePlanPending, got.DeviceStatuses["dev-01"])

	_, err = plans.Get(ctx, "plan-nope")
	assert.Equal(t, rerrors.ErrCodePlanNotFound, rerrors.GetCode(err))
}

func TestPlanRepositoryUpdateStatusConditional(t *testing.T) {
	db := testDB(t)
	plans := repository.NewPlanRepository(db)
	ctx := context.Background()

	seedPlan(t, plans, "plan-01", []string{"dev-01"})

	require.NoError(t, plans.UpdateStatus(ctx, "plan-01", models.PlanPending, models.PlanApproved))

	// Losing a conditional update surfaces as a state conflict.
	err := plans.UpdateStatus(ctx, "plan-01", models.PlanPending, models.PlanApproved)
	assert.Equal(t, rerrors.ErrCodePlanStateConflict, rerrors.GetCode(err))

	// Invalid edges are rejected before touching the database.
	err = plans.UpdateStatus(ctx, "plan-01", models.PlanApproved, models.PlanCompleted)
	assert.Equal(t, rerrors.ErrCodePlanStateConflict, rerrors.GetCode(err))

	require.NoError(t, plans.UpdateStatus(ctx, "plan-01", models.PlanApproved, models.PlanExecuting))
	// The legacy applied alias is normalised on the write side.
	require.NoError(t, plans.UpdateStatus(ctx, "plan-01", models.PlanExecuting, "applied"))

	got, err := plans.Get(ctx, "plan-01")
	require.NoError(t, err)
	assert.Equal(t, models.PlanCompleted, got.Status)
}

func TestPlanRepositorySetApproved(t *testing.T) {
	db := testDB(t)
	plans := repository.NewPlanRepository(db)
	ctx := context.Background()

	seedPlan(t, plans, "plan-01", []string{"dev-01"})

	require.NoError(t, plans.SetApproved(ctx, "plan-01", "bob"))
	got, err := plans.Get(ctx, "plan-01")
	require.NoError(t, err)
	assert.Equal(t, models.PlanApproved, got.Status)
	assert.Equal(t, "bob", got.ApprovedBy)
	require.NotNil(t, got.ApprovedAt)

	// Approval is one-shot.
	err = plans.SetApproved(ctx, "plan-01", "carol")
	assert.Equal(t, rerrors.ErrCodePlanStateConflict, rerrors.GetCode(err))
}

func TestPlanRepositoryUpdateDeviceStatus(t *testing.T) {
	db := testDB(t)
	plans := repository.NewPlanRepository(db)
	ctx := context.Background()

	seedPlan(t, plans, "plan-01", []string{"dev-01", "dev-02"})

	require.NoError(t, plans.UpdateDeviceStatus(ctx, "plan-01", "dev-01", models.DevicePlanFailed, "apply timed out"))
	got, err := plans.Get(ctx, "plan-01")
	require.NoError(t, err)
	assert.Equal(t, models.DevicePlanFailed, got.DeviceStatuses["dev-01"])
	assert.Equal(t, "apply timed out", got.DeviceErrors["dev-01"])
	assert.Equal(t, models.DevicePlanPending, got.DeviceStatuses["dev-02"])

	// Clearing the error removes the map entry.
	require.NoError(t, plans.UpdateDeviceStatus(ctx, "plan-01", "dev-01", models.DevicePlanApplied, ""))
	got, err = plans.Get(ctx, "plan-01")
	require.NoError(t, err)
	assert.Equal(t, models.DevicePlanApplied, got.DeviceStatuses["dev-01"])
	_, hasErr := got.DeviceErrors["dev-01"]
	assert.False(t, hasErr)
}

func TestPlanRepositoryUpdateChanges(t *testing.T) {
	db := testDB(t)
	plans := repository.NewPlanRepository(db)
	ctx := context.Background()

	p := seedPlan(t, plans, "plan-01", []string{"dev-01"})
	p.SetPreviousState("dev-01", map[string]any{"export": "/ip firewall"})
	require.NoError(t, plans.UpdateChanges(ctx, "plan-01", p.Changes))

	got, err := plans.Get(ctx, "plan-01")
	require.NoError(t, err)
	state := got.PreviousState("dev-01")
	require.NotNil(t, state)
	assert.Equal(t, "/ip firewall", state["export"])
}

func TestPlanRepositoryList(t *testing.T) {
	db := testDB(t)
	plans := repository.NewPlanRepository(db)
	ctx := context.Background()

	seedPlan(t, plans, "plan-01", []string{"dev-01"})
	seedPlan(t, plans, "plan-02", []string{"dev-01"})
	require.NoError(t, plans.UpdateStatus(ctx, "plan-02", models.PlanPending, models.PlanApproved))

	pending, err := plans.List(ctx, models.PlanPending, 0, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "plan-01", pending[0].ID)

	_, err = plans.List(ctx, "bogus", 0, 0)
	assert.Equal(t, rerrors.ErrCodeValidation, rerrors.GetCode(err))
}
