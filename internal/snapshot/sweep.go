package snapshot

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"rosfleet.sh/internal/models"
	"rosfleet.sh/internal/repository"
)

// Sweeper periodically captures snapshots for every eligible device.
type Sweeper struct {
	service *Service
	devices repository.DeviceRepository
	logger  *slog.Logger

	interval    time.Duration
	concurrency int64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a snapshot sweeper.
func NewSweeper(service *Service, devices repository.DeviceRepository, interval time.Duration, concurrency int64) *Sweeper {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Sweeper{
		service:     service,
		devices:     devices,
		logger:      slog.Default().With("component", "snapshot-sweeper"),
		interval:    interval,
		concurrency: concurrency,
	}
}

// Start launches the periodic sweep. One sweep runs immediately.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		s.Sweep(ctx)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()
	s.logger.Info("Snapshot sweeper started", "interval", s.interval)
}

// Stop cancels the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

// Sweep captures a snapshot for every non-decommissioned device in the
// service's environment, bounded by the configured concurrency. Failures
// are logged per device; one bad device never stops the sweep.
func (s *Sweeper) Sweep(ctx context.Context) {
	devices, err := s.devices.List(ctx, repository.DeviceListOptions{
		Environment:           string(s.service.cfg.Environment),
		ExcludeDecommissioned: true,
	})
	if err != nil {
		s.logger.Error("Sweep failed to list devices", "error", err)
		return
	}

	sem := semaphore.NewWeighted(s.concurrency)
	for _, device := range devices {
		if device.Status == models.DeviceUnreachable {
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		go func(device *models.Device) {
			defer sem.Release(1)
			if _, err := s.service.Capture(ctx, device); err != nil {
				s.logger.Warn("Sweep capture failed", "device_id", device.ID, "error", err)
			}
		}(device)
	}

	// Wait for in-flight captures.
	if err := sem.Acquire(ctx, s.concurrency); err == nil {
		sem.Release(s.concurrency)
	}
}
