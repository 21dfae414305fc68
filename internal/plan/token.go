package plan

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"rosfleet.sh/internal/rerrors"
)

// TokenSigner mints approval tokens. A token has the shape
// approve-{sig}-{rand}: sig binds the plan ID, creator and expiry under a
// server-held HMAC key, and rand makes each token unique. Consumers
// compare the whole token with constant-time equality against the stored
// copy.
type TokenSigner struct {
	key []byte
}

// NewTokenSigner creates a signer. The key is held for the process
// lifetime; restarting invalidates outstanding tokens, which is fine
// given the 15 minute validity.
func NewTokenSigner(key []byte) (*TokenSigner, error) {
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, rerrors.Wrap(err, rerrors.ErrCodeInternal, "failed to generate token key")
		}
	}
	return &TokenSigner{key: key}, nil
}

// Generate mints a token for the plan.
func (s *TokenSigner) Generate(planID, createdBy string, expiresAt time.Time) (string, error) {
	mac := hmac.New(sha256.New, s.key)
	fmt.Fprintf(mac, "%s|%s|%s", planID, createdBy, expiresAt.UTC().Format(time.RFC3339))
	sig := hex.EncodeToString(mac.Sum(nil))[:32]

	nonce := make([]byte, 8)
	if _, err := rand.Read(nonce); err != nil {
		return "", rerrors.Wrap(err, rerrors.ErrCodeInternal, "failed to generate token nonce")
	}
	return fmt.Sprintf("approve-%s-%s", sig, hex.EncodeToString(nonce)), nil
}
