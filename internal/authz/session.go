package authz

import (
	"crypto/rand"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"rosfleet.sh/internal/models"
	"rosfleet.sh/internal/rerrors"
)

// SessionConfig holds session token configuration.
type SessionConfig struct {
	SigningKey []byte
	Issuer     string
	TTL        time.Duration
}

// DefaultSessionConfig returns default session configuration.
func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{
		Issuer: "rosfleetd",
		TTL:    8 * time.Hour,
	}
}

// SessionManager issues and verifies session tokens. Tokens resolve to a
// models.User carrying the role and device scope the gate evaluates.
type SessionManager struct {
	config *SessionConfig
	logger *slog.Logger
}

// NewSessionManager creates a session manager. A signing key is generated
// when none is configured; such sessions do not survive restarts.
func NewSessionManager(config *SessionConfig) (*SessionManager, error) {
	if config == nil {
		config = DefaultSessionConfig()
	}
	if config.Issuer == "" {
		config.Issuer = "rosfleetd"
	}
	if config.TTL == 0 {
		config.TTL = 8 * time.Hour
	}
	if len(config.SigningKey) == 0 {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, rerrors.Wrap(err, rerrors.ErrCodeInternal, "failed to generate signing key")
		}
		config.SigningKey = key
	}
	return &SessionManager{
		config: config,
		logger: slog.Default().With("component", "session"),
	}, nil
}

// SessionClaims are the JWT claims carried by a session token.
type SessionClaims struct {
	jwt.RegisteredClaims
	Email       string   `json:"email,omitempty"`
	Role        string   `json:"role"`
	DeviceScope []string `json:"device_scope,omitempty"`
}

// Issue creates a signed session token for a user.
func (m *SessionManager) Issue(user *models.User) (string, time.Time, error) {
	if user.Sub == "" {
		return "", time.Time{}, rerrors.New(rerrors.ErrCodeValidation, "user sub is required")
	}
	now := time.Now().UTC()
	expiresAt := now.Add(m.config.TTL)

	claims := &SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.Sub,
			Issuer:    m.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Email:       user.Email,
		Role:        string(user.Role),
		DeviceScope: user.DeviceScope,
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.config.SigningKey)
	if err != nil {
		return "", time.Time{}, rerrors.Wrap(err, rerrors.ErrCodeInternal, "failed to sign session token")
	}
	return token, expiresAt, nil
}

// Verify parses and validates a session token, returning the principal.
// Expired, malformed and forged tokens all map onto AUTHN.
func (m *SessionManager) Verify(tokenString string) (*models.User, error) {
	if tokenString == "" {
		return nil, rerrors.New(rerrors.ErrCodeAuthn, "session token is required")
	}

	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, rerrors.Newf(rerrors.ErrCodeAuthn, "unexpected signing method: %v", t.Header["alg"])
			}
			return m.config.SigningKey, nil
		},
		jwt.WithIssuer(m.config.Issuer),
	)
	if err != nil {
		return nil, rerrors.Wrap(err, rerrors.ErrCodeAuthn, "invalid session token")
	}

	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return nil, rerrors.New(rerrors.ErrCodeAuthn, "invalid session token")
	}

	return &models.User{
		Sub:         claims.Subject,
		Email:       claims.Email,
		Role:        models.RoleName(claims.Role),
		DeviceScope: claims.DeviceScope,
	}, nil
}
