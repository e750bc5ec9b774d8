package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/kirohub/kiroproxy/internal/config"
	cliproxyauth "github.com/kirohub/kiroproxy/sdk/cliproxy/auth"
	"github.com/kirohub/kiroproxy/sdk/cliproxy/usage"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// reportUsage surfaces token accounting for one completed call. The host
// metering pipeline is out of scope for this adapter; logging at debug level
// keeps the call site meaningful without inventing a fake publish sink.
func reportUsage(_ context.Context, cfg *config.Config, auth *cliproxyauth.Auth, detail usage.Detail) {
	fields := log.Fields{
		"input_tokens":  detail.InputTokens,
		"output_tokens": detail.OutputTokens,
		"total_tokens":  detail.TotalTokens,
	}
	if auth != nil {
		fields["auth_id"] = auth.ID
	}
	entry := log.WithFields(fields)
	if cfg != nil && cfg.Debug {
		entry.Debug("kiro: usage")
	}
}

// upstreamRequestLog captures one outbound Kiro call for the best-effort
// debug dump. Only populated/written when cfg.Debug is set.
type upstreamRequestLog struct {
	URL       string
	Method    string
	Headers   http.Header
	Body      []byte
	Provider  string
	AuthID    string
	AuthLabel string
}

var (
	debugDumpOnce sync.Once
	debugDumpFile *lumberjack.Logger
)

// debugDumpWriter lazily opens the rotated request-dump sidecar so a
// long-running adapter with debug logging on doesn't fill disk.
func debugDumpWriter() *lumberjack.Logger {
	debugDumpOnce.Do(func() {
		debugDumpFile = &lumberjack.Logger{
			Filename:   "logs/kiro_request_dump.json",
			MaxSize:    20, // megabytes
			MaxBackups: 5,
			MaxAge:     7, // days
			Compress:   true,
		}
	})
	return debugDumpFile
}

func writeDebugDumpLine(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	data = append(data, '\n')
	if _, err := debugDumpWriter().Write(data); err != nil {
		log.WithError(err).Debug("kiro debug dump: write failed")
	}
}

// recordAPIRequest logs and, under debug, persists the sanitized outbound
// request for offline inspection.
func recordAPIRequest(_ context.Context, cfg *config.Config, entry upstreamRequestLog) {
	if cfg == nil || !cfg.Debug {
		return
	}
	log.WithFields(log.Fields{
		"provider":   entry.Provider,
		"auth_id":    entry.AuthID,
		"auth_label": entry.AuthLabel,
		"url":        entry.URL,
		"method":     entry.Method,
	}).Debug("kiro: sending upstream request")
	writeDebugDumpLine(map[string]any{
		"kind":     "request",
		"provider": entry.Provider,
		"auth_id":  entry.AuthID,
		"url":      entry.URL,
		"method":   entry.Method,
		"body":     sanitizePayloadForLog(entry.Body),
	})
}

// recordAPIResponseMetadata logs the status/headers of the upstream reply.
func recordAPIResponseMetadata(_ context.Context, cfg *config.Config, status int, _ http.Header) {
	if cfg == nil || !cfg.Debug {
		return
	}
	log.WithField("status", status).Debug("kiro: received upstream response")
}

// recordAPIResponseError logs a transport-level failure (no status code).
func recordAPIResponseError(_ context.Context, cfg *config.Config, err error) {
	if cfg == nil || !cfg.Debug || err == nil {
		return
	}
	log.WithError(err).Debug("kiro: upstream request failed")
}

// appendAPIResponseChunk persists the (already decompressed, already
// event-stream-normalized) response body to the debug dump.
func appendAPIResponseChunk(_ context.Context, cfg *config.Config, data []byte) {
	if cfg == nil || !cfg.Debug || len(data) == 0 {
		return
	}
	writeDebugDumpLine(map[string]any{
		"kind": "response",
		"body": sanitizePayloadForLog(data),
	})
}

// newProxyAwareHTTPClient builds the client used for one upstream call,
// honoring the configured proxy. cfg.UseSystemProxyKiro is off by default:
// Kiro calls do not inherit HTTP_PROXY/HTTPS_PROXY unless explicitly opted
// in, since the adapter usually runs behind its own egress path.
func newProxyAwareHTTPClient(_ context.Context, cfg *config.Config, _ *cliproxyauth.Auth, timeout time.Duration) *http.Client {
	client := &http.Client{Timeout: timeout}
	if cfg == nil {
		return client
	}
	switch {
	case cfg.ProxyURL != "":
		if proxyURL, err := url.Parse(cfg.ProxyURL); err == nil {
			client.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
		} else {
			log.Warnf("kiro client: invalid proxy URL %q", cfg.ProxyURL)
		}
	case cfg.UseSystemProxyKiro:
		client.Transport = &http.Transport{Proxy: http.ProxyFromEnvironment}
	}
	return client
}
