package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const (
	// signatureVersion is the current version of the signature scheme.
	signatureVersion = "v1"

	signatureHeader = "X-Rosfleet-Signature"
)

// WebhookBackend POSTs messages as JSON with an HMAC-SHA256 signature
// header so receivers can verify origin and freshness.
type WebhookBackend struct {
	url    string
	secret string
	client *http.Client
}

// NewWebhookBackend creates a webhook backend.
func NewWebhookBackend(url, secret string, timeout time.Duration) *WebhookBackend {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &WebhookBackend{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: timeout},
	}
}

func (w *WebhookBackend) Name() string { return "webhook" }

func (w *WebhookBackend) Send(ctx context.Context, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signatureHeader, Sign(body, w.secret, time.Now()))

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// Sign produces a v1=timestamp.signature header value, where signature is
// HMAC-SHA256(timestamp.body, secret).
func Sign(body []byte, secret string, timestamp time.Time) string {
	ts := fmt.Sprintf("%d", timestamp.Unix())
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return fmt.Sprintf("%s=%s.%s", signatureVersion, ts, hex.EncodeToString(mac.Sum(nil)))
}
