package tools

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rosfleet.sh/internal/rerrors"
)

func TestTextResult(t *testing.T) {
	result := Text("3 devices healthy")
	assert.False(t, result.IsError)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "text", result.Content[0].Type)
	assert.Equal(t, "3 devices healthy", result.Content[0].Text)
}

func TestJSONResult(t *testing.T) {
	result := JSON(map[string]any{"device_id": "dev-01"})
	assert.False(t, result.IsError)
	require.Len(t, result.Content, 1)
	assert.Contains(t, result.Content[0].Text, `"device_id": "dev-01"`)
}

func TestErrorResultCarriesCode(t *testing.T) {
	err := rerrors.Newf(rerrors.ErrCodeDeviceUnreachable, "device %s is unreachable", "dev-01")
	result := Error(err)

	assert.True(t, result.IsError)
	assert.Equal(t, "device dev-01 is unreachable", result.Content[0].Text)
	assert.Equal(t, string(rerrors.ErrCodeDeviceUnreachable), result.Meta["code"])
}

func TestErrorResultHidesCauses(t *testing.T) {
	cause := errors.New("dial tcp 10.0.0.1:443: connection refused")
	err := rerrors.Wrap(cause, rerrors.ErrCodeDeviceUnreachable, "device dev-01 is unreachable")
	result := Error(err)

	// The wrapped cause stays server-side.
	assert.Equal(t, "device dev-01 is unreachable", result.Content[0].Text)
	assert.NotContains(t, result.Content[0].Text, "10.0.0.1")
}

func TestErrorResultPlainError(t *testing.T) {
	result := Error(errors.New("something broke"))

	assert.True(t, result.IsError)
	assert.Equal(t, "internal error", result.Content[0].Text)
	assert.Equal(t, string(rerrors.ErrCodeUnknown), result.Meta["code"])
}

func TestArgHelpers(t *testing.T) {
	// JSON decoding hands numbers over as float64.
	args := map[string]any{
		"device_id":  "dev-01",
		"batch_size": float64(5),
		"limit":      10,
		"threshold":  82.5,
		"dry_run":    true,
		"device_ids": []any{"dev-01", "dev-02", 3},
		"changes":    map[string]any{"script": "/system reboot"},
	}

	assert.Equal(t, "dev-01", argString(args, "device_id"))
	assert.Equal(t, "", argString(args, "missing"))
	assert.True(t, argBool(args, "dry_run"))
	assert.False(t, argBool(args, "missing"))
	assert.Equal(t, 5, argInt(args, "batch_size", 1))
	assert.Equal(t, 10, argInt(args, "limit", 1))
	assert.Equal(t, 1, argInt(args, "missing", 1))
	assert.Equal(t, 82.5, argFloat(args, "threshold", 80))
	assert.Equal(t, 80.0, argFloat(args, "missing", 80))
	// Non-string members are dropped.
	assert.Equal(t, []string{"dev-01", "dev-02"}, argStrings(args, "device_ids"))
	assert.Nil(t, argStrings(args, "missing"))
	assert.Equal(t, "/system reboot", argMap(args, "changes")["script"])
}
