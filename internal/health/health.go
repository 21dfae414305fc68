// Package health checks device health, classifies the result and drives
// the adaptive polling schedule.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"rosfleet.sh/internal/metrics"
	"rosfleet.sh/internal/models"
	"rosfleet.sh/internal/repository"
	"rosfleet.sh/internal/transport"
)

// Default classification thresholds. Above the issue threshold the device
// is flagged with an issue, above the warning threshold with a warning;
// either makes the overall status degraded.
const (
	DefaultCPUIssueThreshold    = 90.0
	DefaultMemoryIssueThreshold = 90.0
	DefaultCPUWarnThreshold     = 75.0
	DefaultMemoryWarnThreshold  = 75.0
)

// Adaptive polling bounds.
const (
	baseIntervalCritical = 30 * time.Second
	baseIntervalNormal   = 60 * time.Second
	maxHealthyInterval   = 300 * time.Second
	healthyGrowthStreak  = 10
	healthyGrowthFactor  = 1.5
	unreachableInitial   = 60 * time.Second
	unreachableCap       = 960 * time.Second
)

// CheckResult is the outcome of one health check.
type CheckResult struct {
	DeviceID    string              `json:"device_id"`
	Status      models.DeviceStatus `json:"status"`
	CPUUsage    float64             `json:"cpu_usage"`
	MemoryUsage float64             `json:"memory_usage"`
	UptimeSecs  int64               `json:"uptime_s"`
	Issues      []string            `json:"issues"`
	Warnings    []string            `json:"warnings"`
	Transport   string              `json:"transport,omitempty"`
	Metadata    map[string]any      `json:"metadata,omitempty"`
	CheckedAt   time.Time           `json:"checked_at"`
}

// Notification is the lightweight broadcast sent to health subscribers.
// Only the URI, an etag and a status hint travel; interested subscribers
// re-fetch the full result.
type Notification struct {
	URI        string `json:"uri"`
	ETag       string `json:"etag"`
	StatusHint string `json:"status_hint"`
}

// Service runs health checks.
type Service struct {
	devices repository.DeviceRepository
	broker  transport.Broker
	logger  *slog.Logger

	// Bounds parallel checks across the whole service.
	sem *semaphore.Weighted

	mu          sync.RWMutex
	subscribers map[string][]chan Notification
}

// NewService creates a health service. concurrency bounds batch fan-out,
// default 5.
func NewService(devices repository.DeviceRepository, broker transport.Broker, concurrency int64) *Service {
	if concurrency < 1 {
		concurrency = 5
	}
	return &Service{
		devices:     devices,
		broker:      broker,
		logger:      slog.Default().With("component", "health"),
		sem:         semaphore.NewWeighted(concurrency),
		subscribers: make(map[string][]chan Notification),
	}
}

// RunHealthCheck checks one device. Transport failures do not return an
// error: they classify the device as unreachable with the failure text as
// an issue. The result is persisted to the device row, the adaptive
// polling state is updated and subscribers are notified.
func (s *Service) RunHealthCheck(ctx context.Context, deviceID string) (*CheckResult, error) {
	device, err := s.devices.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	result := s.probe(ctx, device)
	result.CheckedAt = time.Now().UTC()

	metrics.HealthChecksTotal.WithLabelValues(string(result.Status), result.Transport).Inc()

	now := result.CheckedAt
	var seenAt *time.Time
	if result.Status != models.DeviceUnreachable {
		seenAt = &now
	}
	if err := s.devices.UpdateStatus(ctx, device.ID, result.Status, seenAt); err != nil {
		s.logger.Error("Failed to persist health status", "device_id", device.ID, "error", err)
	}

	s.updatePolling(ctx, device, result.Status)
	s.broadcast(device.ID, result)
	return result, nil
}

func (s *Service) probe(ctx context.Context, device *models.Device) *CheckResult {
	start := time.Now()

	rest, err := s.broker.REST(ctx, device)
	if err == nil {
		res, probeErr := rest.SystemResource(ctx)
		rest.Close()
		if probeErr == nil {
			metrics.HealthCheckDuration.WithLabelValues("rest").Observe(time.Since(start).Seconds())
			result := classify(device.ID, float64(res.CPULoad), res.MemoryUsedPercent(),
				DefaultCPUIssueThreshold, DefaultMemoryIssueThreshold,
				DefaultCPUWarnThreshold, DefaultMemoryWarnThreshold)
			result.UptimeSecs = parseUptime(res.Uptime)
			result.Transport = "rest"
			result.Metadata = map[string]any{
				"version":    res.Version,
				"board_name": res.BoardName,
			}
			return result
		}
		err = probeErr
	}

	// Shell fallback: parse the console print output.
	shell, shellErr := s.broker.Shell(ctx, device)
	if shellErr == nil {
		out, runErr := shell.Run(ctx, "/system/resource/print")
		shell.Close()
		if runErr == nil {
			metrics.HealthCheckDuration.WithLabelValues("shell").Observe(time.Since(start).Seconds())
			cpu, mem, uptime := ParseShellResource(out)
			result := classify(device.ID, cpu, mem,
				DefaultCPUIssueThreshold, DefaultMemoryIssueThreshold,
				DefaultCPUWarnThreshold, DefaultMemoryWarnThreshold)
			result.UptimeSecs = uptime
			result.Transport = "shell"
			return result
		}
		shellErr = runErr
	}
	if err == nil {
		err = shellErr
	}

	return &CheckResult{
		DeviceID: device.ID,
		Status:   models.DeviceUnreachable,
		Issues:   []string{fmt.Sprintf("device unreachable: %v", err)},
	}
}

// classify grades CPU and memory usage against issue and warning
// thresholds. Any issue or warning makes the device degraded.
func classify(deviceID string, cpu, mem, cpuIssue, memIssue, cpuWarn, memWarn float64) *CheckResult {
	result := &CheckResult{
		DeviceID:    deviceID,
		CPUUsage:    cpu,
		MemoryUsage: mem,
		Status:      models.DeviceHealthy,
	}
	switch {
	case cpu > cpuIssue:
		result.Issues = append(result.Issues, fmt.Sprintf("CPU usage %.1f%% above %.0f%%", cpu, cpuIssue))
	case cpu > cpuWarn:
		result.Warnings = append(result.Warnings, fmt.Sprintf("CPU usage %.1f%% above %.0f%%", cpu, cpuWarn))
	}
	switch {
	case mem > memIssue:
		result.Issues = append(result.Issues, fmt.Sprintf("memory usage %.1f%% above %.0f%%", mem, memIssue))
	case mem > memWarn:
		result.Warnings = append(result.Warnings, fmt.Sprintf("memory usage %.1f%% above %.0f%%", mem, memWarn))
	}
	if len(result.Issues) > 0 || len(result.Warnings) > 0 {
		result.Status = models.DeviceDegraded
	}
	return result
}

// RunBatchHealthChecks fans out checks over the devices in parallel and
// re-evaluates each result against the caller's thresholds. The rollout
// executor uses this with stricter gates than the defaults. Per-device
// failures fold into unreachable results, never an error.
func (s *Service) RunBatchHealthChecks(ctx context.Context, deviceIDs []string, cpuThr, memThr float64) map[string]*CheckResult {
	results := make(map[string]*CheckResult, len(deviceIDs))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, id := range deviceIDs {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer s.sem.Release(1)

			result, err := s.RunHealthCheck(ctx, id)
			if err != nil {
				result = &CheckResult{
					DeviceID:  id,
					Status:    models.DeviceUnreachable,
					Issues:    []string{err.Error()},
					CheckedAt: time.Now().UTC(),
				}
			}
			// Re-grade against the caller's thresholds.
			if result.Status != models.DeviceUnreachable {
				regraded := classify(id, result.CPUUsage, result.MemoryUsage,
					cpuThr, memThr, cpuThr, memThr)
				regraded.UptimeSecs = result.UptimeSecs
				regraded.Transport = result.Transport
				regraded.Metadata = result.Metadata
				regraded.CheckedAt = result.CheckedAt
				result = regraded
			}

			mu.Lock()
			results[id] = result
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	return results
}

// updatePolling applies the adaptive polling rules for the observed
// status and persists the new state.
func (s *Service) updatePolling(ctx context.Context, device *models.Device, status models.DeviceStatus) {
	interval := time.Duration(device.PollIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = s.baseInterval(device)
	}
	consecutive := device.ConsecutiveHealthy
	lastBackoff := device.LastBackoffAt

	switch status {
	case models.DeviceHealthy:
		consecutive++
		if consecutive >= healthyGrowthStreak {
			interval = time.Duration(float64(interval) * healthyGrowthFactor)
			if interval > maxHealthyInterval {
				interval = maxHealthyInterval
			}
			consecutive = 0
		}
		lastBackoff = nil

	case models.DeviceDegraded:
		consecutive = 0
		interval = s.baseInterval(device)
		lastBackoff = nil

	case models.DeviceUnreachable:
		consecutive = 0
		if lastBackoff == nil {
			interval = unreachableInitial
		} else {
			interval *= 2
			if interval > unreachableCap {
				interval = unreachableCap
			}
		}
		now := time.Now().UTC()
		lastBackoff = &now

	default:
		return
	}

	if err := s.devices.UpdatePolling(ctx, device.ID, int(interval/time.Second), consecutive, lastBackoff); err != nil {
		s.logger.Error("Failed to persist polling state", "device_id", device.ID, "error", err)
		return
	}
	device.PollIntervalSeconds = int(interval / time.Second)
	device.ConsecutiveHealthy = consecutive
	device.LastBackoffAt = lastBackoff
}

func (s *Service) baseInterval(device *models.Device) time.Duration {
	if device.Critical {
		return baseIntervalCritical
	}
	return baseIntervalNormal
}

// Subscribe returns a channel receiving health notifications for a
// device. The channel is buffered; slow subscribers miss updates rather
// than stalling the health path.
func (s *Service) Subscribe(deviceID string) <-chan Notification {
	ch := make(chan Notification, 8)
	s.mu.Lock()
	s.subscribers[deviceID] = append(s.subscribers[deviceID], ch)
	s.mu.Unlock()
	return ch
}

// broadcast is fire-and-forget: a full subscriber never blocks the check.
func (s *Service) broadcast(deviceID string, result *CheckResult) {
	note := Notification{
		URI:        fmt.Sprintf("device://%s/health", deviceID),
		ETag:       result.CheckedAt.UTC().Format(time.RFC3339Nano),
		StatusHint: string(result.Status),
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subscribers[deviceID] {
		select {
		case ch <- note:
		default:
		}
	}
}

// ParseShellResource extracts CPU load, memory usage percent and uptime
// from /system/resource/print output, tolerating KiB/MiB/GiB suffixes.
func ParseShellResource(output string) (cpu, mem float64, uptimeSecs int64) {
	var freeMem, totalMem float64
	for _, line := range strings.Split(output, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "cpu-load":
			cpu, _ = strconv.ParseFloat(strings.TrimSuffix(value, "%"), 64)
		case "free-memory":
			freeMem = parseSize(value)
		case "total-memory":
			totalMem = parseSize(value)
		case "uptime":
			uptimeSecs = parseUptime(value)
		}
	}
	if totalMem > 0 {
		mem = (totalMem - freeMem) / totalMem * 100
	}
	return cpu, mem, uptimeSecs
}

func parseSize(value string) float64 {
	multipliers := []struct {
		suffix string
		factor float64
	}{
		{"GiB", 1 << 30},
		{"MiB", 1 << 20},
		{"KiB", 1 << 10},
	}
	for _, m := range multipliers {
		if strings.HasSuffix(value, m.suffix) {
			n, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(value, m.suffix)), 64)
			if err != nil {
				return 0
			}
			return n * m.factor
		}
	}
	n, _ := strconv.ParseFloat(value, 64)
	return n
}

// parseUptime converts RouterOS uptime notation (1w2d3h4m5s) to seconds.
func parseUptime(value string) int64 {
	units := map[byte]int64{
		'w': 7 * 24 * 3600,
		'd': 24 * 3600,
		'h': 3600,
		'm': 60,
		's': 1,
	}
	var total, current int64
	for i := 0; i < len(value); i++ {
		c := value[i]
		if c >= '0' && c <= '9' {
			current = current*10 + int64(c-'0')
			continue
		}
		if factor, ok := units[c]; ok {
			total += current * factor
		}
		current = 0
	}
	return total
}
