package executor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	authkiro "github.com/kirohub/kiroproxy/internal/auth/kiro"
	"github.com/kirohub/kiroproxy/internal/config"
)

func TestSanitizePayloadForLogRemovesControl(t *testing.T) {
	raw := []byte(":message-type event\r\n{\"content\":\"Hello\"}\x1e\r\n:event-type assistantResponseEvent\x90\r\n")
	got := sanitizePayloadForLog(raw)
	expected := ":message-type event\n{\"content\":\"Hello\"}\n:event-type assistantResponseEvent"
	if got != expected {
		t.Fatalf("expected %q, got %q", expected, got)
	}
}

func TestSanitizePayloadForLogPreservesPrintable(t *testing.T) {
	raw := []byte("Tool output says 30°C\nand rising.")
	got := sanitizePayloadForLog(raw)
	expected := "Tool output says 30°C\nand rising."
	if got != expected {
		t.Fatalf("expected printable text to remain, want %q got %q", expected, got)
	}
}

func freshToken() *authkiro.KiroTokenStorage {
	return &authkiro.KiroTokenStorage{
		AccessToken:  "tok",
		RefreshToken: "refresh",
		AuthMethod:   "social",
		Region:       "us-east-1",
		ExpiresAt:    time.Now().Add(time.Hour),
	}
}

// 429s back off and retry until the upstream recovers.
func TestDoRequestWithRetry_BackoffOn429ThenSuccess(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`event{"content":"ok"}`))
	}))
	defer srv.Close()

	cfg := &config.Config{RequestMaxRetries: 3, RequestBaseDelay: time.Millisecond}
	client := newKiroClient(cfg)
	client.endpointOverride = srv.URL

	data, status, _, err := client.doRequestWithRetry(context.Background(), nil, freshToken(), "", "claude-sonnet-4-5", []byte(`{}`))
	if err != nil {
		t.Fatalf("expected success after backoff, got %v", err)
	}
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if !strings.Contains(string(data), "ok") {
		t.Fatalf("unexpected body %q", data)
	}
	if hits.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", hits.Load())
	}
}

// A non-retryable 4xx surfaces immediately, without a second attempt.
func TestDoRequestWithRetry_SurfacesOther4xxImmediately(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"malformed"}`))
	}))
	defer srv.Close()

	cfg := &config.Config{RequestMaxRetries: 3, RequestBaseDelay: time.Millisecond}
	client := newKiroClient(cfg)
	client.endpointOverride = srv.URL

	_, status, _, err := client.doRequestWithRetry(context.Background(), nil, freshToken(), "", "claude-sonnet-4-5", []byte(`{}`))
	if err == nil {
		t.Fatalf("expected error for 400")
	}
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d", status)
	}
	if hits.Load() != 1 {
		t.Fatalf("400 must not be retried, got %d attempts", hits.Load())
	}
	var se kiroStatusError
	if ok := errors.As(err, &se); !ok || se.StatusCode() != http.StatusBadRequest {
		t.Fatalf("expected kiroStatusError(400), got %v", err)
	}
}

// A 403 forces a credential refresh before the single retry; when the
// credential cannot refresh, that failure surfaces and no retry happens.
func TestDoRequestWithRetry_403RefreshFailureSurfaces(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	cfg := &config.Config{RequestMaxRetries: 3, RequestBaseDelay: time.Millisecond}
	client := newKiroClient(cfg)
	client.endpointOverride = srv.URL

	token := freshToken()
	token.RefreshToken = ""

	_, _, _, err := client.doRequestWithRetry(context.Background(), nil, token, "", "claude-sonnet-4-5", []byte(`{}`))
	if err == nil || !strings.Contains(err.Error(), "refresh") {
		t.Fatalf("expected refresh failure, got %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("failed refresh must not retry upstream, got %d attempts", hits.Load())
	}
}

func TestIsRetryableStatus(t *testing.T) {
	cases := []struct {
		status int
		err    string
		want   bool
	}{
		{status: http.StatusTooManyRequests, want: true},
		{status: http.StatusBadGateway, want: true},
		{status: http.StatusBadRequest, want: false},
		{status: 0, err: "read tcp: connection reset by peer", want: true},
		{status: 0, err: "stream has been aborted", want: true},
		{status: 0, err: "no such host", want: false},
	}
	for _, tc := range cases {
		var err error
		if tc.err != "" {
			err = &testError{msg: tc.err}
		}
		if got := isRetryableStatus(tc.status, err); got != tc.want {
			t.Errorf("isRetryableStatus(%d, %q) = %v, want %v", tc.status, tc.err, got, tc.want)
		}
	}
}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
