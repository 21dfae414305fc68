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

// SnapshotRepository stores compressed configuration captures.
type SnapshotRepository interface {
	// Create persists a snapshot.
	Create(ctx context.Context, snap *models.Snapshot) error

	// Get returns a snapshot by ID, including the blob.
	Get(ctx context.Context, id string) (*models.Snapshot, error)

	// GetLatest returns the newest snapshot for a device, or NOT_FOUND.
	GetLatest(ctx context.Context, deviceID string, kind models.SnapshotKind) (*models.Snapshot, error)

	// ListByDevice returns snapshot metadata for a device, newest first.
	// Blobs are not loaded.
	ListByDevice(ctx context.Context, deviceID string, limit int) ([]*models.Snapshot, error)

	// Prune keeps the newest keep snapshots per (device, kind) and deletes
	// the rest, returning the number deleted.
	Prune(ctx context.Context, deviceID string, kind models.SnapshotKind, keep int) (int, error)
}

type snapshotRepository struct {
	db     *database.DB
	logger *slog.Logger
}

// NewSnapshotRepository creates a snapshot repository.
func NewSnapshotRepository(db *database.DB) SnapshotRepository {
	return &snapshotRepository{
		db:     db,
		logger: slog.Default().With("component", "snapshot-repository"),
	}
}

func (r *snapshotRepository) Create(ctx context.Context, snap *models.Snapshot) error {
	if snap.DeviceID == "" {
		return rerrors.New(rerrors.ErrCodeValidation, "snapshot device ID is required")
	}
	if len(snap.Data) == 0 {
		return rerrors.New(rerrors.ErrCodeValidation, "snapshot data is required")
	}
	if snap.ID == "" {
		snap.ID = models.NewSnapshotID(time.Now().UTC())
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}

	meta, err := marshalJSON(snap.Meta)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO snapshot (id, device_id, kind, created_at, data, meta)
		VALUES (?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.DeviceID, string(snap.Kind), snap.CreatedAt, snap.Data, meta)
	if err != nil {
		return rerrors.Wrap(err, rerrors.ErrCodeInternal, "failed to create snapshot")
	}

	r.logger.Info("Snapshot stored",
		"id", snap.ID, "device_id", snap.DeviceID,
		"compressed_size", snap.Meta.CompressedSize,
		"uncompressed_size", snap.Meta.UncompressedSize)
	return nil
}

func (r *snapshotRepository) Get(ctx context.Context, id string) (*models.Snapshot, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, device_id, kind, created_at, data, meta
		FROM snapshot WHERE id = ?`, id)
	return scanSnapshot(row, true)
}

func (r *snapshotRepository) GetLatest(ctx context.Context, deviceID string, kind models.SnapshotKind) (*models.Snapshot, error) {
	if deviceID == "" {
		return nil, rerrors.New(rerrors.ErrCodeValidation, "device ID is required")
	}
	row := r.db.QueryRowContext(ctx, `
		SELECT id, device_id, kind, created_at, data, meta
		FROM snapshot
		WHERE device_id = ? AND kind = ?
		ORDER BY created_at DESC LIMIT 1`,
		deviceID, string(kind))
	return scanSnapshot(row, true)
}

func (r *snapshotRepository) ListByDevice(ctx context.Context, deviceID string, limit int) ([]*models.Snapshot, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, device_id, kind, created_at, meta
		FROM snapshot
		WHERE device_id = ?
		ORDER BY created_at DESC LIMIT ?`,
		deviceID, limit)
	if err != nil {
		return nil, rerrors.Wrap(err, rerrors.ErrCodeInternal, "failed to query snapshots")
	}
	defer rows.Close()

	var snaps []*models.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows, false)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, rerrors.Wrap(err, rerrors.ErrCodeInternal, "failed to iterate snapshot rows")
	}
	return snaps, nil
}

func (r *snapshotRepository) Prune(ctx context.Context, deviceID string, kind models.SnapshotKind, keep int) (int, error) {
	if keep < 1 {
		return 0, rerrors.New(rerrors.ErrCodeValidation, "keep must be at least 1")
	}
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM snapshot
		WHERE device_id = ? AND kind = ? AND id NOT IN (
		    SELECT id FROM snapshot
		    WHERE device_id = ? AND kind = ?
		    ORDER BY created_at DESC LIMIT ?
		)`,
		deviceID, string(kind), deviceID, string(kind), keep)
	if err != nil {
		return 0, rerrors.Wrap(err, rerrors.ErrCodeInternal, "failed to prune snapshots")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, rerrors.Wrap(err, rerrors.ErrCodeInternal, "failed to get rows affected")
	}
	if n > 0 {
		r.logger.Info("Snapshots pruned", "device_id", deviceID, "deleted", n, "kept", keep)
	}
	return int(n), nil
}

func scanSnapshot(row rowScanner, withData bool) (*models.Snapshot, error) {
	var (
		snap models.Snapshot
		kind string
		meta string
		err  error
	)
	if withData {
		err = row.Scan(&snap.ID, &snap.DeviceID, &kind, &snap.CreatedAt, &snap.Data, &meta)
	} else {
		err = row.Scan(&snap.ID, &snap.DeviceID, &kind, &snap.CreatedAt, &meta)
	}
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, rerrors.New(rerrors.ErrCodeNotFound, "snapshot not found")
		}
		return nil, rerrors.Wrap(err, rerrors.ErrCodeInternal, "failed to scan snapshot row")
	}
	snap.Kind = models.SnapshotKind(kind)
	if err := unmarshalJSON(meta, &snap.Meta); err != nil {
		return nil, err
	}
	return &snap, nil
}
