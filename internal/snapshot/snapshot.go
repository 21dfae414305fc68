// Package snapshot captures, stores and restores device configuration
// exports. Captures are compressed and checksummed; the newest few per
// device are retained as rollback anchors.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
	"unicode/utf8"

	"rosfleet.sh/internal/audit"
	"rosfleet.sh/internal/compression"
	"rosfleet.sh/internal/config"
	"rosfleet.sh/internal/metrics"
	"rosfleet.sh/internal/models"
	"rosfleet.sh/internal/rerrors"
	"rosfleet.sh/internal/repository"
	"rosfleet.sh/internal/transport"
)

// shellExportCommand is the console fallback used when the REST export is
// unavailable. hide-sensitive redacts secrets from the capture.
const shellExportCommand = "/export hide-sensitive compact"

// Service captures and serves configuration snapshots.
type Service struct {
	snapshots  repository.SnapshotRepository
	devices    repository.DeviceRepository
	broker     transport.Broker
	compressor compression.Compressor
	cfg        *config.Config
	recorder   audit.Recorder
	logger     *slog.Logger
}

// NewService creates a snapshot service.
func NewService(
	snapshots repository.SnapshotRepository,
	devices repository.DeviceRepository,
	broker transport.Broker,
	cfg *config.Config,
	recorder audit.Recorder,
) *Service {
	return &Service{
		snapshots:  snapshots,
		devices:    devices,
		broker:     broker,
		compressor: compression.NewGzipCompressor(cfg.SnapshotCompressionLevel),
		cfg:        cfg,
		recorder:   recorder,
		logger:     slog.Default().With("component", "snapshot"),
	}
}

// Capture exports the device's configuration, REST first with a shell
// fallback, and persists the compressed result. Oversized exports are
// rejected before anything is stored.
func (s *Service) Capture(ctx context.Context, device *models.Device) (*models.Snapshot, error) {
	start := time.Now()

	text, source, err := s.export(ctx, device)
	if err != nil {
		metrics.SnapshotCapturesTotal.WithLabelValues(string(source), "error").Inc()
		return nil, err
	}
	metrics.SnapshotCaptureDuration.WithLabelValues(string(source)).Observe(time.Since(start).Seconds())

	if int64(len(text)) > s.cfg.SnapshotMaxSizeBytes {
		metrics.SnapshotCapturesTotal.WithLabelValues(string(source), "oversize").Inc()
		return nil, rerrors.Newf(rerrors.ErrCodeValidation,
			"export for device %s is %d bytes, above the %d byte limit",
			device.ID, len(text), s.cfg.SnapshotMaxSizeBytes)
	}

	sum := sha256.Sum256([]byte(text))
	compressed, err := s.compressor.Compress([]byte(text))
	if err != nil {
		metrics.SnapshotCapturesTotal.WithLabelValues(string(source), "error").Inc()
		return nil, rerrors.Wrap(err, rerrors.ErrCodeInternal, "failed to compress export")
	}

	snap := &models.Snapshot{
		ID:        models.NewSnapshotID(time.Now().UTC()),
		DeviceID:  device.ID,
		Kind:      models.SnapshotConfig,
		CreatedAt: time.Now().UTC(),
		Data:      compressed,
		Meta: models.SnapshotMeta{
			UncompressedSize: int64(len(text)),
			CompressedSize:   int64(len(compressed)),
			Algorithm:        s.compressor.Type(),
			Checksum:         hex.EncodeToString(sum[:]),
			Source:           source,
			Redacted:         source == models.SnapshotSourceShell,
		},
	}
	if err := s.snapshots.Create(ctx, snap); err != nil {
		metrics.SnapshotCapturesTotal.WithLabelValues(string(source), "error").Inc()
		return nil, err
	}

	metrics.SnapshotCapturesTotal.WithLabelValues(string(source), "success").Inc()
	metrics.SnapshotSizeBytes.WithLabelValues(string(source)).Observe(float64(len(text)))
	metrics.SnapshotAgeSeconds.WithLabelValues(device.ID).Set(0)
	if len(text) > 0 {
		metrics.SnapshotCompressionRatio.Observe(float64(len(compressed)) / float64(len(text)))
	}

	// A successful export proves the device reachable.
	now := time.Now().UTC()
	if err := s.devices.UpdateStatus(ctx, device.ID, device.Status, &now); err != nil {
		s.logger.Error("Failed to update last_seen_at", "device_id", device.ID, "error", err)
	}

	if _, err := s.snapshots.Prune(ctx, device.ID, models.SnapshotConfig, s.cfg.SnapshotRetentionCount); err != nil {
		s.logger.Error("Snapshot prune failed", "device_id", device.ID, "error", err)
	}

	s.recorder.Record(ctx, &models.AuditEvent{
		ActorSub: "system",
		DeviceID: device.ID,
		Action:   models.ActionSnapshotCaptured,
		Result:   models.AuditSuccess,
		Metadata: map[string]any{
			"snapshot_id":       snap.ID,
			"source":            string(source),
			"uncompressed_size": snap.Meta.UncompressedSize,
		},
	})
	return snap, nil
}

func (s *Service) export(ctx context.Context, device *models.Device) (string, models.SnapshotSource, error) {
	rest, err := s.broker.REST(ctx, device)
	if err == nil {
		text, exportErr := rest.ExportConfig(ctx)
		rest.Close()
		if exportErr == nil {
			return text, models.SnapshotSourceREST, nil
		}
		err = exportErr
		s.logger.Debug("REST export failed", "device_id", device.ID, "error", exportErr)
	}
	if !s.cfg.SnapshotUseShellFallback {
		return "", models.SnapshotSourceREST, err
	}

	shell, shellErr := s.broker.Shell(ctx, device)
	if shellErr != nil {
		return "", models.SnapshotSourceShell, shellErr
	}
	defer shell.Close()
	text, runErr := shell.Run(ctx, shellExportCommand)
	if runErr != nil {
		return "", models.SnapshotSourceShell, runErr
	}
	return text, models.SnapshotSourceShell, nil
}

// GetLatest returns the newest snapshot for a device and updates the age
// gauge. Absence increments the missing counter before returning
// NOT_FOUND.
func (s *Service) GetLatest(ctx context.Context, deviceID string) (*models.Snapshot, error) {
	snap, err := s.snapshots.GetLatest(ctx, deviceID, models.SnapshotConfig)
	if err != nil {
		if rerrors.IsCode(err, rerrors.ErrCodeNotFound) {
			metrics.SnapshotMissingTotal.WithLabelValues(deviceID).Inc()
		}
		return nil, err
	}
	metrics.SnapshotAgeSeconds.WithLabelValues(deviceID).Set(time.Since(snap.CreatedAt).Seconds())
	return snap, nil
}

// Decode decompresses a snapshot back to its configuration text,
// verifying the checksum and that the result is valid UTF-8. Corruption
// maps onto VALIDATION so callers do not treat it as transient.
func (s *Service) Decode(snap *models.Snapshot) (string, error) {
	data, err := compression.ForAlgorithm(snap.Meta.Algorithm).Decompress(snap.Data)
	if err != nil {
		return "", rerrors.Wrapf(err, rerrors.ErrCodeValidation,
			"snapshot %s failed to decompress", snap.ID)
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != snap.Meta.Checksum {
		return "", rerrors.Newf(rerrors.ErrCodeValidation,
			"snapshot %s checksum mismatch", snap.ID)
	}
	if !utf8.Valid(data) {
		return "", rerrors.Newf(rerrors.ErrCodeValidation,
			"snapshot %s is not valid UTF-8", snap.ID)
	}
	return string(data), nil
}

// List returns snapshot metadata for a device, newest first.
func (s *Service) List(ctx context.Context, deviceID string, limit int) ([]*models.Snapshot, error) {
	return s.snapshots.ListByDevice(ctx, deviceID, limit)
}

// Prune trims a device's snapshots down to the configured retention.
func (s *Service) Prune(ctx context.Context, deviceID string) (int, error) {
	return s.snapshots.Prune(ctx, deviceID, models.SnapshotConfig, s.cfg.SnapshotRetentionCount)
}
