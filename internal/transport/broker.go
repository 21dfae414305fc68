// Package transport brokers authenticated device sessions. The broker is
// the only component that sees credential plaintext: it loads the active
// credential, decrypts it and hands back a live session.
package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"rosfleet.sh/internal/config"
	"rosfleet.sh/internal/models"
	"rosfleet.sh/internal/rerrors"
	"rosfleet.sh/internal/repository"
	"rosfleet.sh/internal/secrets"
)

// Broker opens authenticated sessions to devices.
type Broker interface {
	// REST opens a REST session using the device's active rest credential.
	REST(ctx context.Context, device *models.Device) (RESTSession, error)

	// Shell opens an SSH session using the device's active shell or
	// shell_key credential.
	Shell(ctx context.Context, device *models.Device) (ShellSession, error)

	// CheckConnectivity probes the device, REST first with shell
	// fallback, and updates its status and last_seen_at. The returned
	// string names the transport that answered.
	CheckConnectivity(ctx context.Context, device *models.Device) (string, error)
}

type broker struct {
	creds    repository.CredentialRepository
	devices  repository.DeviceRepository
	cipher   *secrets.Cipher
	cfg      *config.Config
	breakers *rerrors.BreakerGroup
	logger   *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewBroker creates a transport broker.
func NewBroker(creds repository.CredentialRepository, devices repository.DeviceRepository, cipher *secrets.Cipher, cfg *config.Config) Broker {
	return &broker{
		creds:    creds,
		devices:  devices,
		cipher:   cipher,
		cfg:      cfg,
		breakers: rerrors.NewBreakerGroup(nil),
		logger:   slog.Default().With("component", "transport-broker"),
		limiters: make(map[string]*rate.Limiter),
	}
}

// limiter returns the per-device rate limiter: 5 requests per second with
// a burst of 10, so a runaway poller cannot hammer one device.
func (b *broker) limiter(deviceID string) *rate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.limiters[deviceID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(5), 10)
		b.limiters[deviceID] = l
	}
	return l
}

func (b *broker) REST(ctx context.Context, device *models.Device) (RESTSession, error) {
	if err := b.limiter(device.ID).Wait(ctx); err != nil {
		return nil, rerrors.Wrap(err, rerrors.ErrCodeUnavailable, "rate limit wait cancelled")
	}

	cred, err := b.creds.GetActive(ctx, device.ID, models.CredentialREST)
	if err != nil {
		return nil, err
	}
	password, err := b.cipher.Decrypt(cred.SecretCiphertext)
	if err != nil {
		return nil, rerrors.Wrapf(err, rerrors.ErrCodeDecryption,
			"failed to decrypt rest credential for device %s", device.ID)
	}

	session := newRESTSession(RESTOptions{
		Address:   device.Address,
		Port:      device.Port,
		Username:  cred.Username,
		Password:  string(password),
		VerifySSL: b.cfg.RouterOSVerifySSL,
		Timeout:   b.cfg.RESTTimeout,
	})
	// Wrap the session so every call goes through the device's breaker.
	return &breakerRESTSession{
		inner:   session,
		breaker: b.breakers.Get("rest:" + device.ID),
	}, nil
}

func (b *broker) Shell(ctx context.Context, device *models.Device) (ShellSession, error) {
	if err := b.limiter(device.ID).Wait(ctx); err != nil {
		return nil, rerrors.Wrap(err, rerrors.ErrCodeUnavailable, "rate limit wait cancelled")
	}

	opts := ShellOptions{
		Address: device.Address,
		Port:    22,
		Timeout: b.cfg.ShellExportTimeout,
	}

	cred, err := b.creds.GetActive(ctx, device.ID, models.CredentialShellKey)
	if err == nil {
		key, derr := b.cipher.Decrypt(cred.SecretCiphertext)
		if derr != nil {
			return nil, rerrors.Wrapf(derr, rerrors.ErrCodeDecryption,
				"failed to decrypt shell key for device %s", device.ID)
		}
		opts.Username = cred.Username
		opts.PrivateKey = key
		return newShellSession(opts)
	}
	if !rerrors.IsCode(err, rerrors.ErrCodeNoCredentials) {
		return nil, err
	}

	cred, err = b.creds.GetActive(ctx, device.ID, models.CredentialShell)
	if err != nil {
		return nil, err
	}
	password, derr := b.cipher.Decrypt(cred.SecretCiphertext)
	if derr != nil {
		return nil, rerrors.Wrapf(derr, rerrors.ErrCodeDecryption,
			"failed to decrypt shell credential for device %s", device.ID)
	}
	opts.Username = cred.Username
	opts.Password = string(password)
	return newShellSession(opts)
}

func (b *broker) CheckConnectivity(ctx context.Context, device *models.Device) (string, error) {
	var attempted []string

	if rest, err := b.REST(ctx, device); err == nil {
		_, probeErr := rest.SystemResource(ctx)
		rest.Close()
		if probeErr == nil {
			b.markSeen(ctx, device)
			return "rest", nil
		}
		attempted = append(attempted, "rest")
		b.logger.Debug("REST connectivity probe failed",
			"device_id", device.ID, "error", probeErr)
	} else if !rerrors.IsCode(err, rerrors.ErrCodeNoCredentials) {
		attempted = append(attempted, "rest")
	}

	if shell, err := b.Shell(ctx, device); err == nil {
		_, probeErr := shell.Run(ctx, "/system/identity/print")
		shell.Close()
		if probeErr == nil {
			b.markSeen(ctx, device)
			return "shell", nil
		}
		attempted = append(attempted, "shell")
	} else if !rerrors.IsCode(err, rerrors.ErrCodeNoCredentials) {
		attempted = append(attempted, "shell")
	}

	if len(attempted) == 0 {
		return "", rerrors.Newf(rerrors.ErrCodeNoCredentials,
			"device %s has no active credentials", device.ID)
	}

	if err := b.devices.UpdateStatus(ctx, device.ID, models.DeviceUnreachable, nil); err != nil {
		b.logger.Error("Failed to mark device unreachable", "device_id", device.ID, "error", err)
	}
	return "", rerrors.Newf(rerrors.ErrCodeDeviceUnreachable,
		"device %s did not answer on any transport", device.ID).
		WithMetadata("attempted_transports", attempted)
}

func (b *broker) markSeen(ctx context.Context, device *models.Device) {
	now := time.Now().UTC()
	status := device.Status
	if status == models.DevicePending || status == models.DeviceUnreachable {
		status = models.DeviceHealthy
	}
	if err := b.devices.UpdateStatus(ctx, device.ID, status, &now); err != nil {
		b.logger.Error("Failed to update device last seen", "device_id", device.ID, "error", err)
	}
}

// breakerRESTSession routes every call through the device's circuit
// breaker so a flapping device fails fast instead of tying up workers.
type breakerRESTSession struct {
	inner   RESTSession
	breaker *rerrors.Breaker
}

func (s *breakerRESTSession) SystemResource(ctx context.Context) (*SystemResource, error) {
	var out *SystemResource
	err := s.breaker.Execute(ctx, func() error {
		var err error
		out, err = s.inner.SystemResource(ctx)
		return err
	})
	return out, err
}

func (s *breakerRESTSession) ExportConfig(ctx context.Context) (string, error) {
	var out string
	err := s.breaker.Execute(ctx, func() error {
		var err error
		out, err = s.inner.ExportConfig(ctx)
		return err
	})
	return out, err
}

func (s *breakerRESTSession) Command(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var out json.RawMessage
	err := s.breaker.Execute(ctx, func() error {
		var err error
		out, err = s.inner.Command(ctx, method, path, body)
		return err
	})
	return out, err
}

func (s *breakerRESTSession) Close() error {
	return s.inner.Close()
}
