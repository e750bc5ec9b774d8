package executor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kirohub/kiroproxy/internal/config"
	cliproxyauth "github.com/kirohub/kiroproxy/sdk/cliproxy/auth"
	sdkexecutor "github.com/kirohub/kiroproxy/sdk/cliproxy/executor"
)

func writeRotatorToken(t *testing.T, path, accessToken string) {
	t.Helper()
	expires := time.Now().Add(2 * time.Hour).Format(time.RFC3339)
	body := `{
		"accessToken": "` + accessToken + `",
		"refreshToken": "r",
		"expiresAt": "` + expires + `",
		"authMethod": "social",
		"region": "us-east-1",
		"type": "kiro"
	}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
}

// S8: with two configured token files, a candidate that fails to load is
// skipped and the next one is used; the selected path is recorded in the
// auth record's metadata.
func TestTokenStorageFromAuth_FailsOverToNextCandidate(t *testing.T) {
	dir := t.TempDir()
	badPath := filepath.Join(dir, "kiro-bad.json")
	goodPath := filepath.Join(dir, "kiro-good.json")

	if err := os.WriteFile(badPath, []byte(`{not valid json`), 0o600); err != nil {
		t.Fatal(err)
	}
	expires := time.Now().Add(2 * time.Hour).Format(time.RFC3339)
	good := `{
		"accessToken": "good-token",
		"refreshToken": "r",
		"expiresAt": "` + expires + `",
		"authMethod": "social",
		"region": "us-east-1",
		"type": "kiro"
	}`
	if err := os.WriteFile(goodPath, []byte(good), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{
		AuthDir: dir,
		KiroTokenFiles: []config.KiroTokenFile{
			{TokenFilePath: "kiro-bad.json"},
			{TokenFilePath: "kiro-good.json"},
		},
	}
	cfg.NormalizeKiroTokenFiles()

	exec := NewKiroExecutor(cfg)
	auth := &cliproxyauth.Auth{ID: "kiro"}

	ts, err := exec.tokenStorageFromAuth(context.Background(), auth)
	if err != nil {
		t.Fatalf("expected failover to the second candidate, got %v", err)
	}
	if ts.AccessToken != "good-token" {
		t.Fatalf("wrong credential selected: %q", ts.AccessToken)
	}
	if got, _ := auth.Metadata[kiroTokenPathMetadataKey].(string); got != goodPath {
		t.Fatalf("selected path not pinned on auth record: %q", got)
	}
}

// All candidates failing yields a joined error naming every attempt.
func TestTokenStorageFromAuth_AllCandidatesFail(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"kiro-a.json", "kiro-b.json"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(`{broken`), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	cfg := &config.Config{
		AuthDir: dir,
		KiroTokenFiles: []config.KiroTokenFile{
			{TokenFilePath: "kiro-a.json"},
			{TokenFilePath: "kiro-b.json"},
		},
	}
	cfg.NormalizeKiroTokenFiles()

	exec := NewKiroExecutor(cfg)
	if _, err := exec.tokenStorageFromAuth(context.Background(), &cliproxyauth.Auth{ID: "kiro"}); err == nil {
		t.Fatalf("expected error when every candidate fails")
	}
}

// An exhausted retry budget against one credential advances to the next
// candidate, the third failover trigger alongside load and refresh failures.
func TestPerformCompletion_FailsOverOnExhaustedRetries(t *testing.T) {
	dir := t.TempDir()
	writeRotatorToken(t, filepath.Join(dir, "kiro-first.json"), "first-token")
	writeRotatorToken(t, filepath.Join(dir, "kiro-second.json"), "second-token")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.Header.Get("Authorization"), "first-token") {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`event{"content":"ok"}`))
	}))
	defer srv.Close()

	cfg := &config.Config{
		AuthDir:           dir,
		RequestMaxRetries: 1,
		RequestBaseDelay:  time.Millisecond,
		KiroTokenFiles: []config.KiroTokenFile{
			{TokenFilePath: "kiro-first.json"},
			{TokenFilePath: "kiro-second.json"},
		},
	}
	cfg.NormalizeKiroTokenFiles()

	exec := NewKiroExecutor(cfg)
	exec.client.endpointOverride = srv.URL

	req := sdkexecutor.Request{
		Model:   "claude-sonnet-4-5",
		Payload: []byte(`{"messages":[{"role":"user","content":"hi"}]}`),
	}
	result, err := exec.performCompletion(context.Background(), &cliproxyauth.Auth{ID: "kiro"}, req, sdkexecutor.Options{})
	if err != nil {
		t.Fatalf("expected failover to the second credential, got %v", err)
	}
	if result.Text != "ok" {
		t.Fatalf("unexpected text %q", result.Text)
	}
}

// When every candidate exhausts its retry budget, the per-candidate errors
// are joined into the surfaced failure.
func TestPerformCompletion_JoinsErrorsWhenAllCandidatesExhaust(t *testing.T) {
	dir := t.TempDir()
	writeRotatorToken(t, filepath.Join(dir, "kiro-first.json"), "first-token")
	writeRotatorToken(t, filepath.Join(dir, "kiro-second.json"), "second-token")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`upstream down`))
	}))
	defer srv.Close()

	cfg := &config.Config{
		AuthDir:           dir,
		RequestMaxRetries: 1,
		RequestBaseDelay:  time.Millisecond,
		KiroTokenFiles: []config.KiroTokenFile{
			{TokenFilePath: "kiro-first.json"},
			{TokenFilePath: "kiro-second.json"},
		},
	}
	cfg.NormalizeKiroTokenFiles()

	exec := NewKiroExecutor(cfg)
	exec.client.endpointOverride = srv.URL

	req := sdkexecutor.Request{
		Model:   "claude-sonnet-4-5",
		Payload: []byte(`{"messages":[{"role":"user","content":"hi"}]}`),
	}
	_, err := exec.performCompletion(context.Background(), &cliproxyauth.Auth{ID: "kiro"}, req, sdkexecutor.Options{})
	if err == nil {
		t.Fatalf("expected error when every candidate exhausts")
	}
	if strings.Count(err.Error(), "upstream down") != 2 {
		t.Fatalf("expected joined errors from both candidates, got %v", err)
	}
}

func TestRotatorCandidatesStartAtCursor(t *testing.T) {
	rot := &kiroTokenRotator{entries: []kiroRotatorEntry{
		{path: "/a"}, {path: "/b"}, {path: "/c"},
	}}
	rot.advance(0) // cursor now at 1

	cands := rot.candidates()
	if len(cands) != 3 {
		t.Fatalf("expected all entries offered, got %d", len(cands))
	}
	if cands[0].path != "/b" || cands[1].path != "/c" || cands[2].path != "/a" {
		t.Fatalf("rotation order wrong: %+v", cands)
	}
}
