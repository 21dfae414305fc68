package tools

import (
	"context"
	"net/http"
	"time"

	"rosfleet.sh/internal/repository"
	"rosfleet.sh/internal/rerrors"
	"rosfleet.sh/internal/transport"
)

// ScriptChangeService applies plan changes as RouterOS console scripts
// pushed through the REST execute surface. The previous state it captures
// is the device's full configuration export, which replays as a console
// script on rollback.
type ScriptChangeService struct {
	devices repository.DeviceRepository
	broker  transport.Broker
}

// NewScriptChangeService creates a script-based change service.
func NewScriptChangeService(devices repository.DeviceRepository, broker transport.Broker) *ScriptChangeService {
	return &ScriptChangeService{devices: devices, broker: broker}
}

func (c *ScriptChangeService) CapturePreviousState(ctx context.Context, deviceID string) (map[string]any, error) {
	export, err := c.execute(ctx, deviceID, func(ctx context.Context, sess transport.RESTSession) (string, error) {
		return sess.ExportConfig(ctx)
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"export":      export,
		"captured_at": time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func (c *ScriptChangeService) Apply(ctx context.Context, deviceID string, changes map[string]any) error {
	script, _ := changes["script"].(string)
	if script == "" {
		return rerrors.New(rerrors.ErrCodeValidation, "changes must carry a script entry")
	}
	return c.runScript(ctx, deviceID, script)
}

func (c *ScriptChangeService) Rollback(ctx context.Context, deviceID string, previousState map[string]any) error {
	export, _ := previousState["export"].(string)
	if export == "" {
		return rerrors.Newf(rerrors.ErrCodeNoPreviousState,
			"captured state for device %s has no configuration export", deviceID)
	}
	return c.runScript(ctx, deviceID, export)
}

func (c *ScriptChangeService) runScript(ctx context.Context, deviceID, script string) error {
	_, err := c.execute(ctx, deviceID, func(ctx context.Context, sess transport.RESTSession) (string, error) {
		_, err := sess.Command(ctx, http.MethodPost, "/execute", map[string]any{"script": script})
		return "", err
	})
	return err
}

func (c *ScriptChangeService) execute(ctx context.Context, deviceID string, fn func(context.Context, transport.RESTSession) (string, error)) (string, error) {
	device, err := c.devices.Get(ctx, deviceID)
	if err != nil {
		return "", err
	}
	sess, err := c.broker.REST(ctx, device)
	if err != nil {
		return "", err
	}
	defer sess.Close()
	return fn(ctx, sess)
}
