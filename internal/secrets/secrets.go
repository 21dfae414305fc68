// Package secrets encrypts device credentials at rest. Secrets are sealed
// with AES-256-GCM under a key derived from the configured passphrase;
// plaintext only exists in memory inside the transport broker.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"rosfleet.sh/internal/rerrors"
)

const (
	keyIterations = 100000
	keyLength     = 32
	saltLength    = 16
)

// Cipher seals and opens credential secrets.
type Cipher struct {
	passphrase []byte
}

// NewCipher creates a cipher from the configured passphrase. Key material
// is derived per secret with a random salt, so rotating the passphrase
// only requires re-encrypting stored credentials.
func NewCipher(passphrase string) (*Cipher, error) {
	if passphrase == "" {
		return nil, rerrors.New(rerrors.ErrCodeValidation, "encryption passphrase is required")
	}
	return &Cipher{passphrase: []byte(passphrase)}, nil
}

// Encrypt seals plaintext. Output layout: salt || nonce || ciphertext.
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, rerrors.Wrap(err, rerrors.ErrCodeInternal, "failed to generate salt")
	}

	gcm, err := c.aead(salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, rerrors.Wrap(err, rerrors.ErrCodeInternal, "failed to generate nonce")
	}

	out := make([]byte, 0, saltLength+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, nil), nil
}

// Decrypt opens a sealed secret. A wrong key or corrupted blob yields a
// DECRYPTION error; callers must not retry.
func (c *Cipher) Decrypt(sealed []byte) ([]byte, error) {
	if len(sealed) < saltLength {
		return nil, rerrors.New(rerrors.ErrCodeDecryption, "sealed secret is truncated")
	}
	salt := sealed[:saltLength]

	gcm, err := c.aead(salt)
	if err != nil {
		return nil, err
	}
	rest := sealed[saltLength:]
	if len(rest) < gcm.NonceSize() {
		return nil, rerrors.New(rerrors.ErrCodeDecryption, "sealed secret is truncated")
	}
	nonce, ciphertext := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, rerrors.Wrap(err, rerrors.ErrCodeDecryption, "failed to decrypt secret")
	}
	return plaintext, nil
}

func (c *Cipher) aead(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(c.passphrase, salt, keyIterations, keyLength, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, rerrors.Wrap(err, rerrors.ErrCodeInternal, "failed to create cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, rerrors.Wrap(err, rerrors.ErrCodeInternal, "failed to create GCM")
	}
	return gcm, nil
}
