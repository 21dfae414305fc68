package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"rosfleet.sh/internal/repository"
)

// Scheduler owns one periodic health check task per device, named
// health_check_{device_id}. After each check it re-reads the device's
// adaptive interval and reschedules the task when it changed.
type Scheduler struct {
	service *Service
	devices repository.DeviceRepository
	logger  *slog.Logger

	mu    sync.Mutex
	tasks map[string]*task

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type task struct {
	name     string
	deviceID string
	interval time.Duration
	stop     chan struct{}
}

// NewScheduler creates a health check scheduler.
func NewScheduler(service *Service, devices repository.DeviceRepository) *Scheduler {
	return &Scheduler{
		service: service,
		devices: devices,
		logger:  slog.Default().With("component", "health-scheduler"),
		tasks:   make(map[string]*task),
	}
}

// Start schedules a task for every known non-decommissioned device.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	devices, err := s.devices.List(ctx, repository.DeviceListOptions{ExcludeDecommissioned: true})
	if err != nil {
		return err
	}
	for _, device := range devices {
		interval := time.Duration(device.PollIntervalSeconds) * time.Second
		if interval <= 0 {
			interval = baseIntervalNormal
			if device.Critical {
				interval = baseIntervalCritical
			}
		}
		s.Schedule(device.ID, interval)
	}
	s.logger.Info("Health scheduler started", "devices", len(devices))
	return nil
}

// Schedule adds or reschedules the device's task with the given interval.
func (s *Scheduler) Schedule(deviceID string, interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil || s.ctx.Err() != nil {
		return
	}

	if existing, ok := s.tasks[deviceID]; ok {
		if existing.interval == interval {
			return
		}
		close(existing.stop)
	}

	t := &task{
		name:     fmt.Sprintf("health_check_%s", deviceID),
		deviceID: deviceID,
		interval: interval,
		stop:     make(chan struct{}),
	}
	s.tasks[deviceID] = t

	s.wg.Add(1)
	go s.run(t)
}

// Remove cancels the device's task.
func (s *Scheduler) Remove(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[deviceID]; ok {
		close(t.stop)
		delete(s.tasks, deviceID)
	}
}

// Stop cancels every task and waits for them to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	for id, t := range s.tasks {
		close(t.stop)
		delete(s.tasks, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) run(t *task) {
	defer s.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			if _, err := s.service.RunHealthCheck(s.ctx, t.deviceID); err != nil {
				s.logger.Warn("Scheduled health check failed",
					"task", t.name, "error", err)
				continue
			}
			// The adaptive update may have moved the interval.
			device, err := s.devices.Get(s.ctx, t.deviceID)
			if err != nil {
				continue
			}
			next := time.Duration(device.PollIntervalSeconds) * time.Second
			if next > 0 && next != t.interval {
				s.Schedule(t.deviceID, next)
				return
			}
		}
	}
}
