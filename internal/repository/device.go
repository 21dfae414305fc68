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

// DeviceRepository defines the data access surface for devices.
type DeviceRepository interface {
	// List returns devices, optionally filtered by environment.
	List(ctx context.Context, opts DeviceListOptions) ([]*models.Device, error)

	// Get returns a single device by ID.
	Get(ctx context.Context, id string) (*models.Device, error)

	// GetByName returns a single device by its unique name.
	GetByName(ctx context.Context, name string) (*models.Device, error)

	// Create adds a new device.
	Create(ctx context.Context, device *models.Device) error

	// Update modifies an existing device.
	Update(ctx context.Context, device *models.Device) error

	// Delete removes a device and its owned rows.
	Delete(ctx context.Context, id string) error

	// UpdateStatus sets the operational status and optionally last_seen_at.
	UpdateStatus(ctx context.Context, id string, status models.DeviceStatus, seenAt *time.Time) error

	// UpdatePolling persists the adaptive polling state.
	UpdatePolling(ctx context.Context, id string, intervalSeconds, consecutiveHealthy int, lastBackoffAt *time.Time) error

	// UpdateFacts records version/model metadata learned on first contact.
	UpdateFacts(ctx context.Context, id, version, model string) error
}

// DeviceListOptions filters List.
type DeviceListOptions struct {
	Environment string
	// ExcludeDecommissioned drops decommissioned devices; the snapshot
	// sweep uses it to pick eligible targets.
	ExcludeDecommissioned bool
	Limit                 int
	Offset                int
}

type deviceRepository struct {
	db     *database.DB
	logger *slog.Logger
}

// NewDeviceRepository creates a device repository.
func NewDeviceRepository(db *database.DB) DeviceRepository {
	return &deviceRepository{
		db:     db,
		logger: slog.Default().With("component", "device-repository"),
	}
}

const deviceColumns = `id, name, address, port, environment, status, tags,
       capabilities, critical, routeros_version, model,
       poll_interval_seconds, consecutive_healthy, last_backoff_at,
       last_seen_at, created_at, updated_at`

func (r *deviceRepository) List(ctx context.Context, opts DeviceListOptions) ([]*models.Device, error) {
	if opts.Limit <= 0 || opts.Limit > 1000 {
		opts.Limit = 1000
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	query := `SELECT ` + deviceColumns + ` FROM device`
	var args []any
	where := ""
	if opts.Environment != "" {
		where = " WHERE environment = ?"
		args = append(args, opts.Environment)
	}
	if opts.ExcludeDecommissioned {
		if where == "" {
			where = " WHERE status != ?"
		} else {
			where += " AND status != ?"
		}
		args = append(args, string(models.DeviceDecommissioned))
	}
	query += where + " ORDER BY name LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, rerrors.Wrap(err, rerrors.ErrCodeInternal, "failed to query devices")
	}
	defer rows.Close()

	var devices []*models.Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, device)
	}
	if err := rows.Err(); err != nil {
		return nil, rerrors.Wrap(err, rerrors.ErrCodeInternal, "failed to iterate device rows")
	}
	return devices, nil
}

func (r *deviceRepository) Get(ctx context.Context, id string) (*models.Device, error) {
	if id == "" {
		return nil, rerrors.New(rerrors.ErrCodeValidation, "device ID is required")
	}
	row := r.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM device WHERE id = ?`, id)
	device, err := scanDevice(row)
	if err != nil {
		if rerrors.GetCode(err) == rerrors.ErrCodeNotFound {
			return nil, rerrors.Newf(rerrors.ErrCodeDeviceNotFound, "device not found: %s", id)
		}
		return nil, err
	}
	return device, nil
}

func (r *deviceRepository) GetByName(ctx context.Context, name string) (*models.Device, error) {
	if name == "" {
		return nil, rerrors.New(rerrors.ErrCodeValidation, "device name is required")
	}
	row := r.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM device WHERE name = ?`, name)
	device, err := scanDevice(row)
	if err != nil {
		if rerrors.GetCode(err) == rerrors.ErrCodeNotFound {
			return nil, rerrors.Newf(rerrors.ErrCodeDeviceNotFound, "device not found: %s", name)
		}
		return nil, err
	}
	return device, nil
}

func (r *deviceRepository) Create(ctx context.Context, device *models.Device) error {
	if err := device.Validate(); err != nil {
		return rerrors.Wrap(err, rerrors.ErrCodeValidation, "invalid device")
	}

	now := time.Now().UTC()
	device.CreatedAt = now
	device.UpdatedAt = now

	tags, err := marshalJSON(device.Tags)
	if err != nil {
		return err
	}
	caps, err := marshalJSON(device.Capabilities)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO device (id, name, address, port, environment, status, tags,
		                    capabilities, critical, routeros_version, model,
		                    poll_interval_seconds, consecutive_healthy,
		                    last_backoff_at, last_seen_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		device.ID, device.Name, device.Address, device.Port,
		device.Environment, string(device.Status), tags, caps,
		device.Critical, device.RouterOSVersion, device.Model,
		device.PollIntervalSeconds, device.ConsecutiveHealthy,
		device.LastBackoffAt, device.LastSeenAt,
		device.CreatedAt, device.UpdatedAt,
	)
	if err != nil {
		return rerrors.Wrap(err, rerrors.ErrCodeInternal, "failed to create device")
	}

	r.logger.Info("Device created", "id", device.ID, "name", device.Name, "environment", device.Environment)
	return nil
}

func (r *deviceRepository) Update(ctx context.Context, device *models.Device) error {
	if err := device.Validate(); err != nil {
		return rerrors.Wrap(err, rerrors.ErrCodeValidation, "invalid device")
	}
	device.UpdatedAt = time.Now().UTC()

	tags, err := marshalJSON(device.Tags)
	if err != nil {
		return err
	}
	caps, err := marshalJSON(device.Capabilities)
	if err != nil {
		return err
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE device
		SET name = ?, address = ?, port = ?, environment = ?, status = ?,
		    tags = ?, capabilities = ?, critical = ?, routeros_version = ?,
		    model = ?, updated_at = ?
		WHERE id = ?`,
		device.Name, device.Address, device.Port, device.Environment,
		string(device.Status), tags, caps, device.Critical,
		device.RouterOSVersion, device.Model, device.UpdatedAt, device.ID,
	)
	if err != nil {
		return rerrors.Wrap(err, rerrors.ErrCodeInternal, "failed to update device")
	}
	return requireRow(result, rerrors.ErrCodeDeviceNotFound, "device not found: "+device.ID)
}

func (r *deviceRepository) Delete(ctx context.Context, id string) error {
	if id == "" {
		return rerrors.New(rerrors.ErrCodeValidation, "device ID is required")
	}
	// Credentials and snapshots cascade via foreign keys.
	result, err := r.db.ExecContext(ctx, "DELETE FROM device WHERE id = ?", id)
	if err != nil {
		return rerrors.Wrap(err, rerrors.ErrCodeInternal, "failed to delete device")
	}
	if err := requireRow(result, rerrors.ErrCodeDeviceNotFound, "device not found: "+id); err != nil {
		return err
	}
	r.logger.Info("Device deleted", "id", id)
	return nil
}

func (r *deviceRepository) UpdateStatus(ctx context.Context, id string, status models.DeviceStatus, seenAt *time.Time) error {
	if !models.ValidDeviceStatus(status) {
		return rerrors.Newf(rerrors.ErrCodeValidation, "invalid device status: %s", status)
	}
	var (
		result sql.Result
		err    error
	)
	if seenAt != nil {
		result, err = r.db.ExecContext(ctx, `
			UPDATE device SET status = ?, last_seen_at = ?, updated_at = ? WHERE id = ?`,
			string(status), seenAt, time.Now().UTC(), id)
	} else {
		result, err = r.db.ExecContext(ctx, `
			UPDATE device SET status = ?, updated_at = ? WHERE id = ?`,
			string(status), time.Now().UTC(), id)
	}
	if err != nil {
		return rerrors.Wrap(err, rerrors.ErrCodeInternal, "failed to update device status")
	}
	return requireRow(result, rerrors.ErrCodeDeviceNotFound, "device not found: "+id)
}

func (r *deviceRepository) UpdatePolling(ctx context.Context, id string, intervalSeconds, consecutiveHealthy int, lastBackoffAt *time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE device
		SET poll_interval_seconds = ?, consecutive_healthy = ?,
		    last_backoff_at = ?, updated_at = ?
		WHERE id = ?`,
		intervalSeconds, consecutiveHealthy, lastBackoffAt, time.Now().UTC(), id)
	if err != nil {
		return rerrors.Wrap(err, rerrors.ErrCodeInternal, "failed to update polling state")
	}
	return requireRow(result, rerrors.ErrCodeDeviceNotFound, "device not found: "+id)
}

func (r *deviceRepository) UpdateFacts(ctx context.Context, id, version, model string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE device SET routeros_version = ?, model = ?, updated_at = ? WHERE id = ?`,
		version, model, time.Now().UTC(), id)
	if err != nil {
		return rerrors.Wrap(err, rerrors.ErrCodeInternal, "failed to update device facts")
	}
	return requireRow(result, rerrors.ErrCodeDeviceNotFound, "device not found: "+id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*models.Device, error) {
	var (
		device        models.Device
		status        string
		tagsJSON      string
		capsJSON      string
		version       sql.NullString
		model         sql.NullString
		lastBackoffAt sql.NullTime
		lastSeenAt    sql.NullTime
	)
	err := row.Scan(
		&device.ID, &device.Name, &device.Address, &device.Port,
		&device.Environment, &status, &tagsJSON, &capsJSON,
		&device.Critical, &version, &model,
		&device.PollIntervalSeconds, &device.ConsecutiveHealthy,
		&lastBackoffAt, &lastSeenAt, &device.CreatedAt, &device.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, rerrors.New(rerrors.ErrCodeNotFound, "no rows")
		}
		return nil, rerrors.Wrap(err, rerrors.ErrCodeInternal, "failed to scan device row")
	}

	device.Status = models.DeviceStatus(status)
	device.RouterOSVersion = version.String
	device.Model = model.String
	if lastBackoffAt.Valid {
		t := lastBackoffAt.Time
		device.LastBackoffAt = &t
	}
	if lastSeenAt.Valid {
		t := lastSeenAt.Time
		device.LastSeenAt = &t
	}
	if err := unmarshalJSON(tagsJSON, &device.Tags); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(capsJSON, &device.Capabilities); err != nil {
		return nil, err
	}
	return &device, nil
}

// requireRow converts a zero-rows-affected result into a typed not-found
// error.
func requireRow(result sql.Result, code rerrors.ErrorCode, message string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return rerrors.Wrap(err, rerrors.ErrCodeInternal, "failed to get rows affected")
	}
	if n == 0 {
		return rerrors.New(code, message)
	}
	return nil
}
