package repository

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"rosfleet.sh/internal/database"
	"rosfleet.sh/internal/models"
	"rosfleet.sh/internal/rerrors"
)

// CredentialRepository stores encrypted device credentials.
type CredentialRepository interface {
	// GetActive returns the active credential for a (device, kind) pair.
	GetActive(ctx context.Context, deviceID string, kind models.CredentialKind) (*models.Credential, error)

	// Create stores a credential. Any previously active credential of the
	// same kind is deactivated in the same transaction, so the
	// one-active-per-kind invariant holds.
	Create(ctx context.Context, cred *models.Credential) error

	// Deactivate retires a credential without replacing it.
	Deactivate(ctx context.Context, id string) error

	// ListByDevice returns all credentials for a device, newest first.
	// Ciphertext is included; callers must not log it.
	ListByDevice(ctx context.Context, deviceID string) ([]*models.Credential, error)
}

type credentialRepository struct {
	db     *database.DB
	logger *slog.Logger
}

// NewCredentialRepository creates a credential repository.
func NewCredentialRepository(db *database.DB) CredentialRepository {
	return &credentialRepository{
		db:     db,
		logger: slog.Default().With("component", "credential-repository"),
	}
}

const credentialColumns = `id, device_id, kind, username, secret_ciphertext,
       ssh_key_fingerprint, active, rotated_at, created_at`

func (r *credentialRepository) GetActive(ctx context.Context, deviceID string, kind models.CredentialKind) (*models.Credential, error) {
	if deviceID == "" {
		return nil, rerrors.New(rerrors.ErrCodeValidation, "device ID is required")
	}
	row := r.db.QueryRowContext(ctx, `
		SELECT `+credentialColumns+`
		FROM credential
		WHERE device_id = ? AND kind = ? AND active = 1`,
		deviceID, string(kind))

	cred, err := scanCredential(row)
	if err != nil {
		if rerrors.GetCode(err) == rerrors.ErrCodeNotFound {
			return nil, rerrors.Newf(rerrors.ErrCodeNoCredentials,
				"no active %s credential for device %s", kind, deviceID).
				WithMetadata("device_id", deviceID).
				WithMetadata("kind", string(kind))
		}
		return nil, err
	}
	return cred, nil
}

func (r *credentialRepository) Create(ctx context.Context, cred *models.Credential) error {
	if err := cred.Validate(); err != nil {
		return rerrors.Wrap(err, rerrors.ErrCodeValidation, "invalid credential")
	}
	if cred.ID == "" {
		cred.ID = models.NewCredentialID(time.Now().UTC())
	}
	cred.CreatedAt = time.Now().UTC()
	cred.Active = true

	err := r.db.Transaction(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE credential SET active = 0, rotated_at = ?
			WHERE device_id = ? AND kind = ? AND active = 1`,
			now, cred.DeviceID, string(cred.Kind)); err != nil {
			return rerrors.Wrap(err, rerrors.ErrCodeInternal, "failed to deactivate previous credential")
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO credential (id, device_id, kind, username, secret_ciphertext,
			                        ssh_key_fingerprint, active, rotated_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, 1, NULL, ?)`,
			cred.ID, cred.DeviceID, string(cred.Kind), cred.Username,
			cred.SecretCiphertext, cred.SSHKeyFingerprint, cred.CreatedAt); err != nil {
			return rerrors.Wrap(err, rerrors.ErrCodeInternal, "failed to create credential")
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.logger.Info("Credential stored",
		"id", cred.ID, "device_id", cred.DeviceID, "kind", string(cred.Kind))
	return nil
}

func (r *credentialRepository) Deactivate(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE credential SET active = 0, rotated_at = ? WHERE id = ? AND active = 1`,
		time.Now().UTC(), id)
	if err != nil {
		return rerrors.Wrap(err, rerrors.ErrCodeInternal, "failed to deactivate credential")
	}
	return requireRow(result, rerrors.ErrCodeNotFound, "active credential not found: "+id)
}

func (r *credentialRepository) ListByDevice(ctx context.Context, deviceID string) ([]*models.Credential, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+credentialColumns+`
		FROM credential WHERE device_id = ? ORDER BY created_at DESC`,
		deviceID)
	if err != nil {
		return nil, rerrors.Wrap(err, rerrors.ErrCodeInternal, "failed to query credentials")
	}
	defer rows.Close()

	var creds []*models.Credential
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, cred)
	}
	if err := rows.Err(); err != nil {
		return nil, rerrors.Wrap(err, rerrors.ErrCodeInternal, "failed to iterate credential rows")
	}
	return creds, nil
}

func scanCredential(row rowScanner) (*models.Credential, error) {
	var (
		cred        models.Credential
		kind        string
		fingerprint sql.NullString
		rotatedAt   sql.NullTime
	)
	err := row.Scan(
		&cred.ID, &cred.DeviceID, &kind, &cred.Username,
		&cred.SecretCiphertext, &fingerprint, &cred.Active,
		&rotatedAt, &cred.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, rerrors.New(rerrors.ErrCodeNotFound, "no rows")
		}
		return nil, rerrors.Wrap(err, rerrors.ErrCodeInternal, "failed to scan credential row")
	}
	cred.Kind = models.CredentialKind(kind)
	cred.SSHKeyFingerprint = fingerprint.String
	if rotatedAt.Valid {
		t := rotatedAt.Time
		cred.RotatedAt = &t
	}
	return &cred, nil
}
