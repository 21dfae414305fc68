package models

import "time"

// CredentialKind selects the transport a credential unlocks.
type CredentialKind string

const (
	CredentialREST     CredentialKind = "rest"
	CredentialShell    CredentialKind = "shell"
	CredentialShellKey CredentialKind = "shell_key"
)

// Credential is a device login. The secret is stored encrypted; plaintext
// never leaves the transport broker. At most one credential per
// (device, kind) pair may be active.
type Credential struct {
	ID                string         `json:"id"`
	DeviceID          string         `json:"device_id"`
	Kind              CredentialKind `json:"kind"`
	Username          string         `json:"username"`
	SecretCiphertext  []byte         `json:"-"`
	SSHKeyFingerprint string         `json:"ssh_key_fingerprint,omitempty"`
	Active            bool           `json:"active"`
	RotatedAt         *time.Time     `json:"rotated_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// Validate checks the credential's structural invariants.
func (c *Credential) Validate() error {
	if c.DeviceID == "" {
		return ErrInvalidModel("credential device ID is required")
	}
	switch c.Kind {
	case CredentialREST, CredentialShell, CredentialShellKey:
	default:
		return ErrInvalidModel("credential kind must be rest, shell or shell_key")
	}
	if c.Username == "" {
		return ErrInvalidModel("credential username is required")
	}
	if len(c.SecretCiphertext) == 0 {
		return ErrInvalidModel("credential secret is required")
	}
	return nil
}
