package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingBackend struct{}

func (failingBackend) Name() string { return "failing" }

func (failingBackend) Send(context.Context, *Message) error {
	return errors.New("delivery refused")
}

func TestSinkFansOut(t *testing.T) {
	a := &MockBackend{}
	b := &MockBackend{}
	sink := NewSink(a)
	sink.Register(b)

	sink.Send(context.Background(), &Message{
		Kind:    KindJobCompleted,
		Subject: "Job done",
		JobID:   "job-01",
	})

	require.Len(t, a.Sent(), 1)
	require.Len(t, b.Sent(), 1)
	assert.Equal(t, "job-01", a.Sent()[0].JobID)
	assert.False(t, a.Sent()[0].SentAt.IsZero())
}

func TestSinkSwallowsBackendFailures(t *testing.T) {
	mock := &MockBackend{}
	sink := NewSink(failingBackend{}, mock)

	// The failing backend must not stop delivery to the others.
	sink.Send(context.Background(), &Message{Kind: KindJobFailed, Subject: "Job failed"})
	require.Len(t, mock.Sent(), 1)
}

func TestSignFormat(t *testing.T) {
	ts := time.Unix(1756000000, 0)
	sig := Sign([]byte(`{"kind":"job_completed"}`), "secret", ts)

	parts := strings.SplitN(sig, "=", 2)
	require.Len(t, parts, 2)
	assert.Equal(t, "v1", parts[0])

	fields := strings.SplitN(parts[1], ".", 2)
	require.Len(t, fields, 2)
	assert.Equal(t, "1756000000", fields[0])
	assert.Len(t, fields[1], 64)

	mac := hmac.New(sha256.New, []byte("secret"))
	fmt.Fprintf(mac, "%s.%s", fields[0], `{"kind":"job_completed"}`)
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), fields[1])
}

func TestWebhookBackendSends(t *testing.T) {
	var gotSignature string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSignature = r.Header.Get("X-Rosfleet-Signature")
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	backend := NewWebhookBackend(server.URL, "secret", time.Second)
	err := backend.Send(context.Background(), &Message{
		Kind:    KindApprovalRequested,
		Subject: "Approval requested for plan plan-01",
		PlanID:  "plan-01",
		SentAt:  time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(gotSignature, "v1="))
}

func TestWebhookBackendRejectsErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	backend := NewWebhookBackend(server.URL, "secret", time.Second)
	err := backend.Send(context.Background(), &Message{Kind: KindJobCompleted, SentAt: time.Now().UTC()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 502")
}
