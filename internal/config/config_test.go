package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTokenFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("failed to write token: %v", err)
	}
}

func TestNormalizeKiroTokenFiles(t *testing.T) {
	cfg := &Config{
		KiroTokenFiles: []KiroTokenFile{
			{TokenFilePath: " token-a.json ", Region: "us-east-1"},
			{TokenFilePath: "token-a.json", Region: "us-east-1"},
			{TokenFilePath: "token-b.json", Region: ""},
		},
	}

	cfg.NormalizeKiroTokenFiles()

	if len(cfg.KiroTokenFiles) != 2 {
		t.Fatalf("expected 2 normalized entries, got %d", len(cfg.KiroTokenFiles))
	}
	for _, entry := range cfg.KiroTokenFiles {
		if strings.TrimSpace(entry.TokenFilePath) == "" {
			t.Fatalf("unexpected empty token file path in normalized list: %+v", entry)
		}
		if entry.Region == "" {
			t.Fatalf("expected default region to be applied, entry=%+v", entry)
		}
	}
}

func TestValidateKiroTokenFiles_Success(t *testing.T) {
	tempDir := t.TempDir()
	tokenPath := filepath.Join(tempDir, "kiro.json")
	expires := time.Now().Add(2 * time.Hour).Format(time.RFC3339)
	writeTokenFile(t, tokenPath, `{
		"accessToken": "access",
		"refreshToken": "refresh",
		"profileArn": "arn:aws:codewhisperer:us-east-1:123456789012:profile/test",
		"expiresAt": "`+expires+`",
		"authMethod": "social",
		"provider": "GitHub"
	}`)

	cfg := &Config{
		AuthDir: tempDir,
		KiroTokenFiles: []KiroTokenFile{
			{TokenFilePath: filepath.Base(tokenPath)},
		},
	}
	cfg.NormalizeKiroTokenFiles()
	if err := cfg.ValidateKiroTokenFiles(); err != nil {
		t.Fatalf("validate success: %v", err)
	}
}

func TestValidateKiroTokenFiles_MissingFile(t *testing.T) {
	tempDir := t.TempDir()
	cfg := &Config{
		AuthDir: tempDir,
		KiroTokenFiles: []KiroTokenFile{
			{TokenFilePath: "missing.json"},
		},
	}
	cfg.NormalizeKiroTokenFiles()
	err := cfg.ValidateKiroTokenFiles()
	if err == nil {
		t.Fatalf("expected error for missing token file")
	}
}

func TestValidateKiroTokenFiles_InvalidToken(t *testing.T) {
	tempDir := t.TempDir()
	tokenPath := filepath.Join(tempDir, "invalid.json")
	writeTokenFile(t, tokenPath, `{"accessToken":"only-access"}`)

	cfg := &Config{
		AuthDir: tempDir,
		KiroTokenFiles: []KiroTokenFile{
			{TokenFilePath: filepath.Base(tokenPath)},
		},
	}
	cfg.NormalizeKiroTokenFiles()
	err := cfg.ValidateKiroTokenFiles()
	if err == nil || !strings.Contains(err.Error(), "refreshToken") {
		t.Fatalf("expected refreshToken error, got %v", err)
	}
}

func TestValidateKiroTokenFiles_ExpiredToken(t *testing.T) {
	tempDir := t.TempDir()
	tokenPath := filepath.Join(tempDir, "expired.json")
	expires := time.Now().Add(-time.Hour).Format(time.RFC3339)
	writeTokenFile(t, tokenPath, `{
		"accessToken": "abc",
		"refreshToken": "def",
		"expiresAt": "`+expires+`",
		"authMethod": "social"
	}`)

	cfg := &Config{
		AuthDir: tempDir,
		KiroTokenFiles: []KiroTokenFile{
			{TokenFilePath: filepath.Base(tokenPath)},
		},
	}
	cfg.NormalizeKiroTokenFiles()
	err := cfg.ValidateKiroTokenFiles()
	if err == nil || !strings.Contains(err.Error(), "expired") {
		t.Fatalf("expected expiry error, got %v", err)
	}
}

func TestResolvePath_RelativeRequiresAuthDir(t *testing.T) {
	entry := KiroTokenFile{TokenFilePath: "kiro.json"}
	if _, err := entry.ResolvePath(""); err == nil {
		t.Fatalf("expected error for relative path without auth-dir")
	}

	resolved, err := entry.ResolvePath("/tmp/auth")
	if err != nil {
		t.Fatalf("resolve with auth-dir: %v", err)
	}
	if resolved != filepath.Join("/tmp/auth", "kiro.json") {
		t.Fatalf("unexpected resolved path %q", resolved)
	}
}
