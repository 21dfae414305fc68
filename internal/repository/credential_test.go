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

func seedCredential(t *testing.T, creds repository.CredentialRepository, deviceID string, kind models.CredentialKind) *models.Credential {
	t.Helper()
	c := &models.Credential{
		DeviceID:         deviceID,
		Kind:             kind,
		Username:         "fleet-admin",
		SecretCiphertext: []byte("not-a-real-ciphertext"),
	}
	require.NoError(t, creds.Create(context.Background(), c))
	return c
}

func TestCredentialRepositoryRotation(t *testing.T) {
	db, devices := newRepos(t)
	creds := repository.NewCredentialRepository(db)
	ctx := context.Background()

	seedDevice(t, devices, "dev-01", "lab", models.DeviceHealthy)

	first := seedCredential(t, creds, "dev-01", models.CredentialREST)
	second := seedCredential(t, creds, "dev-01", models.CredentialREST)

	// Creating a second credential of the same kind retires the first.
	active, err := creds.GetActive(ctx, "dev-01", models.CredentialREST)
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID)
	assert.True(t, active.Active)
	assert.Nil(t, active.RotatedAt)

	all, err := creds.ListByDevice(ctx, "dev-01")
	require.NoError(t, err)
	require.Len(t, all, 2)
	for _, c := range all {
		if c.ID == first.ID {
			assert.False(t, c.Active)
			assert.NotNil(t, c.RotatedAt)
		}
	}
}

func TestCredentialRepositoryKindsAreIndependent(t *testing.T) {
	db, devices := newRepos(t)
	creds := repository.NewCredentialRepository(db)
	ctx := context.Background()

	seedDevice(t, devices, "dev-01", "lab", models.DeviceHealthy)

	rest := seedCredential(t, creds, "dev-01", models.CredentialREST)
	shell := seedCredential(t, creds, "dev-01", models.CredentialShell)

	gotREST, err := creds.GetActive(ctx, "dev-01", models.CredentialREST)
	require.NoError(t, err)
	assert.Equal(t, rest.ID, gotREST.ID)

	gotShell, err := creds.GetActive(ctx, "dev-01", models.CredentialShell)
	require.NoError(t, err)
	assert.Equal(t, shell.ID, gotShell.ID)
}

func TestCredentialRepositoryGetActiveMissing(t *testing.T) {
	db, devices := newRepos(t)
	creds := repository.NewCredentialRepository(db)

	seedDevice(t, devices, "dev-01", "lab", models.DeviceHealthy)

	_, err := creds.GetActive(context.Background(), "dev-01", models.CredentialShell)
	require.Error(t, err)
	assert.Equal(t, rerrors.ErrCodeNoCredentials, rerrors.GetCode(err))

	var rerr *rerrors.Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "dev-01", rerr.Metadata["device_id"])
	assert.Equal(t, "shell", rerr.Metadata["kind"])
}

func TestCredentialRepositoryDeactivate(t *testing.T) {
	db, devices := newRepos(t)
	creds := repository.NewCredentialRepository(db)
	ctx := context.Background()

	seedDevice(t, devices, "dev-01", "lab", models.DeviceHealthy)
	c := seedCredential(t, creds, "dev-01", models.CredentialREST)

	require.NoError(t, creds.Deactivate(ctx, c.ID))
	_, err := creds.GetActive(ctx, "dev-01", models.CredentialREST)
	assert.Equal(t, rerrors.ErrCodeNoCredentials, rerrors.GetCode(err))

	// Already inactive.
	err = creds.Deactivate(ctx, c.ID)
	assert.Equal(t, rerrors.ErrCodeNotFound, rerrors.GetCode(err))
}

func TestCredentialRepositoryValidates(t *testing.T) {
	db, devices := newRepos(t)
	creds := repository.NewCredentialRepository(db)

	seedDevice(t, devices, "dev-01", "lab", models.DeviceHealthy)

	err := creds.Create(context.Background(), &models.Credential{
		DeviceID: "dev-01",
		Kind:     "telnet",
		Username: "fleet-admin",
	})
	assert.Equal(t, rerrors.ErrCodeValidation, rerrors.GetCode(err))
}
