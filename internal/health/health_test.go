package health

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rosfleet.sh/internal/models"
	"rosfleet.sh/internal/repository"
	"rosfleet.sh/internal/testutil"
	"rosfleet.sh/internal/transport"
)

type fakeBroker struct {
	cpu  map[string]int
	down bool
}

func (b *fakeBroker) REST(_ context.Context, device *models.Device) (transport.RESTSession, error) {
	if b.down {
		return nil, errors.New("connection refused")
	}
	cpu, ok := b.cpu[device.ID]
	if !ok {
		cpu = 5
	}
	return &fakeRESTSession{cpu: cpu}, nil
}

func (b *fakeBroker) Shell(context.Context, *models.Device) (transport.ShellSession, error) {
	return nil, errors.New("connection refused")
}

func (b *fakeBroker) CheckConnectivity(context.Context, *models.Device) (string, error) {
	return "rest", nil
}

type fakeRESTSession struct {
	cpu int
}

func (s *fakeRESTSession) SystemResource(context.Context) (*transport.SystemResource, error) {
	return &transport.SystemResource{
		Uptime:      "1h30m",
		Version:     "7.15",
		BoardName:   "hEX S",
		CPULoad:     s.cpu,
		FreeMemory:  512 << 20,
		TotalMemory: 1024 << 20,
	}, nil
}

func (s *fakeRESTSession) ExportConfig(context.Context) (string, error) { return "", nil }

func (s *fakeRESTSession) Command(context.Context, string, string, any) (json.RawMessage, error) {
	return nil, nil
}

func (s *fakeRESTSession) Close() error { return nil }

func newTestService(t *testing.T, broker *fakeBroker) (*Service, repository.DeviceRepository) {
	t.Helper()
	db := testutil.NewDB(t)
	devices := repository.NewDeviceRepository(db)
	return NewService(devices, broker, 5), devices
}

func seedDevice(t *testing.T, devices repository.DeviceRepository, id string, critical bool) {
	t.Helper()
	require.NoError(t, devices.Create(context.Background(), &models.Device{
		ID:          id,
		Name:        "router-" + id,
		Address:     "10.0.0.1",
		Port:        443,
		Environment: "lab",
		Status:      models.DevicePending,
		Critical:    critical,
	}))
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name     string
		cpu, mem float64
		status   models.DeviceStatus
		issues   int
		warnings int
	}{
		{"idle", 10, 20, models.DeviceHealthy, 0, 0},
		{"at warn threshold", 75, 75, models.DeviceHealthy, 0, 0},
		{"cpu warning", 80, 20, models.DeviceDegraded, 0, 1},
		{"memory warning", 10, 80, models.DeviceDegraded, 0, 1},
		{"cpu issue", 95, 20, models.DeviceDegraded, 1, 0},
		{"both issues", 95, 95, models.DeviceDegraded, 2, 0},
		{"issue and warning", 95, 80, models.DeviceDegraded, 1, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := classify("dev-01", tc.cpu, tc.mem,
				DefaultCPUIssueThreshold, DefaultMemoryIssueThreshold,
				DefaultCPUWarnThreshold, DefaultMemoryWarnThreshold)
			assert.Equal(t, tc.status, result.Status)
			assert.Len(t, result.Issues, tc.issues)
			assert.Len(t, result.Warnings, tc.warnings)
		})
	}
}

func TestRunHealthCheckPersistsStatus(t *testing.T) {
	broker := &fakeBroker{cpu: map[string]int{"dev-01": 5}}
	svc, devices := newTestService(t, broker)
	ctx := context.Background()

	seedDevice(t, devices, "dev-01", false)

	result, err := svc.RunHealthCheck(ctx, "dev-01")
	require.NoError(t, err)
	assert.Equal(t, models.DeviceHealthy, result.Status)
	assert.Equal(t, "rest", result.Transport)
	assert.Equal(t, int64(5400), result.UptimeSecs)
	assert.Equal(t, "7.15", result.Metadata["version"])

	d, err := devices.Get(ctx, "dev-01")
	require.NoError(t, err)
	assert.Equal(t, models.DeviceHealthy, d.Status)
	require.NotNil(t, d.LastSeenAt)
	assert.Equal(t, 1, d.ConsecutiveHealthy)
}

func TestRunHealthCheckUnreachable(t *testing.T) {
	broker := &fakeBroker{down: true}
	svc, devices := newTestService(t, broker)
	ctx := context.Background()

	seedDevice(t, devices, "dev-01", false)

	result, err := svc.RunHealthCheck(ctx, "dev-01")
	require.NoError(t, err)
	assert.Equal(t, models.DeviceUnreachable, result.Status)
	require.Len(t, result.Issues, 1)
	assert.Contains(t, result.Issues[0], "device unreachable")

	d, err := devices.Get(ctx, "dev-01")
	require.NoError(t, err)
	assert.Equal(t, models.DeviceUnreachable, d.Status)
	assert.Nil(t, d.LastSeenAt)
}

func TestRunBatchHealthChecksRegrades(t *testing.T) {
	broker := &fakeBroker{cpu: map[string]int{"dev-01": 5, "dev-02": 70}}
	svc, devices := newTestService(t, broker)
	ctx := context.Background()

	seedDevice(t, devices, "dev-01", false)
	seedDevice(t, devices, "dev-02", false)

	// 70% CPU is healthy against the defaults but fails a 60% gate.
	results := svc.RunBatchHealthChecks(ctx, []string{"dev-01", "dev-02"}, 60, 60)
	require.Len(t, results, 2)
	assert.Equal(t, models.DeviceHealthy, results["dev-01"].Status)
	assert.Equal(t, models.DeviceDegraded, results["dev-02"].Status)

	// Missing devices fold into unreachable results instead of errors.
	results = svc.RunBatchHealthChecks(ctx, []string{"dev-01", "dev-nope"}, 90, 90)
	require.Len(t, results, 2)
	assert.Equal(t, models.DeviceUnreachable, results["dev-nope"].Status)
}

func TestUpdatePollingHealthyGrowth(t *testing.T) {
	broker := &fakeBroker{cpu: map[string]int{}}
	svc, devices := newTestService(t, broker)
	ctx := context.Background()

	seedDevice(t, devices, "dev-01", false)
	d, err := devices.Get(ctx, "dev-01")
	require.NoError(t, err)
	assert.Equal(t, 60, d.PollIntervalSeconds)

	// Nine healthy checks only bump the streak counter.
	for i := 0; i < healthyGrowthStreak-1; i++ {
		svc.updatePolling(ctx, d, models.DeviceHealthy)
	}
	assert.Equal(t, 60, d.PollIntervalSeconds)
	assert.Equal(t, healthyGrowthStreak-1, d.ConsecutiveHealthy)

	// The tenth grows the interval and resets the streak.
	svc.updatePolling(ctx, d, models.DeviceHealthy)
	assert.Equal(t, 90, d.PollIntervalSeconds)
	assert.Zero(t, d.ConsecutiveHealthy)

	// Growth caps at the maximum healthy interval.
	for i := 0; i < 10*healthyGrowthStreak; i++ {
		svc.updatePolling(ctx, d, models.DeviceHealthy)
	}
	assert.Equal(t, int(maxHealthyInterval/time.Second), d.PollIntervalSeconds)
}

func TestUpdatePollingDegradedResets(t *testing.T) {
	broker := &fakeBroker{cpu: map[string]int{}}
	svc, devices := newTestService(t, broker)
	ctx := context.Background()

	seedDevice(t, devices, "dev-01", false)
	d, err := devices.Get(ctx, "dev-01")
	require.NoError(t, err)
	d.PollIntervalSeconds = 300
	d.ConsecutiveHealthy = 7

	svc.updatePolling(ctx, d, models.DeviceDegraded)
	assert.Equal(t, 60, d.PollIntervalSeconds)
	assert.Zero(t, d.ConsecutiveHealthy)
}

func TestUpdatePollingCriticalBaseInterval(t *testing.T) {
	broker := &fakeBroker{cpu: map[string]int{}}
	svc, devices := newTestService(t, broker)
	ctx := context.Background()

	seedDevice(t, devices, "dev-01", true)
	d, err := devices.Get(ctx, "dev-01")
	require.NoError(t, err)

	svc.updatePolling(ctx, d, models.DeviceDegraded)
	assert.Equal(t, int(baseIntervalCritical/time.Second), d.PollIntervalSeconds)
}

func TestUpdatePollingUnreachableBackoff(t *testing.T) {
	broker := &fakeBroker{cpu: map[string]int{}}
	svc, devices := newTestService(t, broker)
	ctx := context.Background()

	seedDevice(t, devices, "dev-01", false)
	d, err := devices.Get(ctx, "dev-01")
	require.NoError(t, err)

	// First miss pins the initial backoff; repeats double up to the cap.
	svc.updatePolling(ctx, d, models.DeviceUnreachable)
	assert.Equal(t, 60, d.PollIntervalSeconds)
	require.NotNil(t, d.LastBackoffAt)

	for _, want := range []int{120, 240, 480, 960, 960} {
		svc.updatePolling(ctx, d, models.DeviceUnreachable)
		assert.Equal(t, want, d.PollIntervalSeconds)
	}

	// Recovery clears the backoff marker.
	svc.updatePolling(ctx, d, models.DeviceHealthy)
	assert.Nil(t, d.LastBackoffAt)
	assert.Equal(t, 1, d.ConsecutiveHealthy)
}

func TestSubscribeReceivesBroadcast(t *testing.T) {
	broker := &fakeBroker{cpu: map[string]int{"dev-01": 5}}
	svc, devices := newTestService(t, broker)
	ctx := context.Background()

	seedDevice(t, devices, "dev-01", false)
	ch := svc.Subscribe("dev-01")

	_, err := svc.RunHealthCheck(ctx, "dev-01")
	require.NoError(t, err)

	select {
	case note := <-ch:
		assert.Equal(t, "device://dev-01/health", note.URI)
		assert.Equal(t, string(models.DeviceHealthy), note.StatusHint)
		assert.NotEmpty(t, note.ETag)
	default:
		t.Fatal("expected a health notification")
	}
}

func TestParseShellResource(t *testing.T) {
	out := `
  uptime: 1w2d3h4m5s
  version: 7.15.2 (stable)
  free-memory: 768.0MiB
  total-memory: 1024.0MiB
  cpu-load: 12%
`
	cpu, mem, uptime := ParseShellResource(out)
	assert.Equal(t, 12.0, cpu)
	assert.InDelta(t, 25.0, mem, 0.01)
	assert.Equal(t, int64(7*24*3600+2*24*3600+3*3600+4*60+5), uptime)
}

func TestParseShellResourceSizes(t *testing.T) {
	_, mem, _ := ParseShellResource("free-memory: 1.0GiB\ntotal-memory: 4.0GiB")
	assert.InDelta(t, 75.0, mem, 0.01)

	_, mem, _ = ParseShellResource("free-memory: 512.0KiB\ntotal-memory: 1024.0KiB")
	assert.InDelta(t, 50.0, mem, 0.01)

	// No totals means no percentage.
	cpu, mem, _ := ParseShellResource("cpu-load: 3%")
	assert.Equal(t, 3.0, cpu)
	assert.Zero(t, mem)
}

func TestParseUptime(t *testing.T) {
	assert.Equal(t, int64(0), parseUptime(""))
	assert.Equal(t, int64(5), parseUptime("5s"))
	assert.Equal(t, int64(90), parseUptime("1m30s"))
	assert.Equal(t, int64(3600+60+1), parseUptime("1h1m1s"))
	assert.Equal(t, int64(7*24*3600), parseUptime("1w"))
}
