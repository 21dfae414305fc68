package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"rosfleet.sh/internal/metrics"
	"rosfleet.sh/internal/rerrors"
)

// SystemResource is the device's /system/resource view.
type SystemResource struct {
	Uptime      string `json:"uptime"`
	Version     string `json:"version"`
	BoardName   string `json:"board-name"`
	CPULoad     int    `json:"cpu-load"`
	FreeMemory  int64  `json:"free-memory"`
	TotalMemory int64  `json:"total-memory"`
	FreeHDDSpace  int64 `json:"free-hdd-space"`
	TotalHDDSpace int64 `json:"total-hdd-space"`
}

// MemoryUsedPercent derives memory pressure from free and total.
func (r *SystemResource) MemoryUsedPercent() float64 {
	if r.TotalMemory <= 0 {
		return 0
	}
	return float64(r.TotalMemory-r.FreeMemory) / float64(r.TotalMemory) * 100
}

// RESTSession is one authenticated REST conversation with a device.
// Sessions must be closed after use.
type RESTSession interface {
	SystemResource(ctx context.Context) (*SystemResource, error)
	ExportConfig(ctx context.Context) (string, error)
	Command(ctx context.Context, method, path string, body any) (json.RawMessage, error)
	Close() error
}

type restSession struct {
	baseURL  string
	username string
	password string
	client   *http.Client
}

// RESTOptions configures a REST session.
type RESTOptions struct {
	Address   string
	Port      int
	Username  string
	Password  string
	VerifySSL bool
	Timeout   time.Duration
}

func newRESTSession(opts RESTOptions) *restSession {
	if opts.Port == 0 {
		opts.Port = 443
	}
	if opts.Timeout == 0 {
		opts.Timeout = 15 * time.Second
	}
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: !opts.VerifySSL},
	}
	return &restSession{
		baseURL:  fmt.Sprintf("https://%s:%d/rest", opts.Address, opts.Port),
		username: opts.Username,
		password: opts.Password,
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
	}
}

func (s *restSession) SystemResource(ctx context.Context) (*SystemResource, error) {
	raw, err := s.Command(ctx, http.MethodGet, "/system/resource", nil)
	if err != nil {
		return nil, err
	}
	var res systemResourceWire
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, rerrors.Wrap(err, rerrors.ErrCodeInternal, "failed to decode system resource")
	}
	return res.toSystemResource(), nil
}

func (s *restSession) ExportConfig(ctx context.Context) (string, error) {
	// The export console command is reached through the REST execute
	// surface; hide-sensitive keeps secrets out of the capture.
	raw, err := s.Command(ctx, http.MethodPost, "/execute", map[string]any{
		"script": "/export hide-sensitive compact",
	})
	if err != nil {
		return "", err
	}
	var out struct {
		Ret string `json:"ret"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		// Some RouterOS builds return the export text directly.
		return string(bytes.Trim(raw, `"`)), nil
	}
	return out.Ret, nil
}

func (s *restSession) Command(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	start := time.Now()
	raw, err := s.do(ctx, method, path, body)
	metrics.TransportRequestDuration.WithLabelValues("rest").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.TransportRequestsTotal.WithLabelValues("rest", "error").Inc()
		return nil, err
	}
	metrics.TransportRequestsTotal.WithLabelValues("rest", "success").Inc()
	return raw, nil
}

func (s *restSession) do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var reqBody io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, rerrors.Wrap(err, rerrors.ErrCodeValidation, "failed to encode request body")
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reqBody)
	if err != nil {
		return nil, rerrors.Wrap(err, rerrors.ErrCodeInternal, "failed to build request")
	}
	req.SetBasicAuth(s.username, s.password)
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, rerrors.Wrapf(err, rerrors.ErrCodeDeviceUnreachable,
			"REST request %s %s failed", method, path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, rerrors.Wrap(err, rerrors.ErrCodeDeviceUnreachable, "failed to read response")
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, rerrors.Newf(rerrors.ErrCodeAuthn,
			"device rejected credentials (HTTP %d)", resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, rerrors.Newf(rerrors.ErrCodeDeviceUnreachable,
			"REST request %s %s returned HTTP %d", method, path, resp.StatusCode).
			WithMetadata("body", string(data))
	}
	return json.RawMessage(data), nil
}

func (s *restSession) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// systemResourceWire tolerates RouterOS returning numbers as strings.
type systemResourceWire struct {
	Uptime        string          `json:"uptime"`
	Version       string          `json:"version"`
	BoardName     string          `json:"board-name"`
	CPULoad       json.RawMessage `json:"cpu-load"`
	FreeMemory    json.RawMessage `json:"free-memory"`
	TotalMemory   json.RawMessage `json:"total-memory"`
	FreeHDDSpace  json.RawMessage `json:"free-hdd-space"`
	TotalHDDSpace json.RawMessage `json:"total-hdd-space"`
}

func (w *systemResourceWire) toSystemResource() *SystemResource {
	return &SystemResource{
		Uptime:        w.Uptime,
		Version:       w.Version,
		BoardName:     w.BoardName,
		CPULoad:       int(rawNumber(w.CPULoad)),
		FreeMemory:    rawNumber(w.FreeMemory),
		TotalMemory:   rawNumber(w.TotalMemory),
		FreeHDDSpace:  rawNumber(w.FreeHDDSpace),
		TotalHDDSpace: rawNumber(w.TotalHDDSpace),
	}
}

func rawNumber(raw json.RawMessage) int64 {
	if len(raw) == 0 {
		return 0
	}
	text := string(bytes.Trim(raw, `"`))
	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
