package authz

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rosfleet.sh/internal/models"
	"rosfleet.sh/internal/rerrors"
)

func TestSessionRoundTrip(t *testing.T) {
	mgr, err := NewSessionManager(&SessionConfig{SigningKey: []byte("test-signing-key")})
	require.NoError(t, err)

	user := &models.User{
		Sub:         "alice",
		Email:       "alice@example.net",
		Role:        models.RoleOps,
		DeviceScope: []string{"dev-01", "dev-02"},
	}
	token, expiresAt, err := mgr.Issue(user)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(8*time.Hour), expiresAt, time.Minute)

	got, err := mgr.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, user.Sub, got.Sub)
	assert.Equal(t, user.Email, got.Email)
	assert.Equal(t, models.RoleOps, got.Role)
	assert.Equal(t, user.DeviceScope, got.DeviceScope)
}

func TestSessionVerifyRejectsGarbage(t *testing.T) {
	mgr, err := NewSessionManager(nil)
	require.NoError(t, err)

	for _, token := range []string{"", "not-a-jwt", "a.b.c"} {
		_, err := mgr.Verify(token)
		assert.Equal(t, rerrors.ErrCodeAuthn, rerrors.GetCode(err), "%q", token)
	}
}

func TestSessionVerifyRejectsForeignKey(t *testing.T) {
	issuer, err := NewSessionManager(&SessionConfig{SigningKey: []byte("key-one")})
	require.NoError(t, err)
	verifier, err := NewSessionManager(&SessionConfig{SigningKey: []byte("key-two")})
	require.NoError(t, err)

	token, _, err := issuer.Issue(&models.User{Sub: "alice", Role: models.RoleAdmin})
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.Equal(t, rerrors.ErrCodeAuthn, rerrors.GetCode(err))
}

func TestSessionVerifyRejectsExpired(t *testing.T) {
	mgr, err := NewSessionManager(&SessionConfig{
		SigningKey: []byte("test-signing-key"),
		TTL:        -time.Minute,
	})
	require.NoError(t, err)

	token, _, err := mgr.Issue(&models.User{Sub: "alice", Role: models.RoleAdmin})
	require.NoError(t, err)

	_, err = mgr.Verify(token)
	assert.Equal(t, rerrors.ErrCodeAuthn, rerrors.GetCode(err))
}

func TestSessionIssueRequiresSub(t *testing.T) {
	mgr, err := NewSessionManager(nil)
	require.NoError(t, err)

	_, _, err = mgr.Issue(&models.User{Role: models.RoleAdmin})
	assert.Equal(t, rerrors.ErrCodeValidation, rerrors.GetCode(err))
}
