package kiro

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kirohub/kiroproxy/internal/config"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"
)

// LoadCredentials implements the merge-based Credential Store: a base64 blob
// (consumed once: cfg.KiroOAuthCredsBase64 is cleared after it is decoded;
// merged first, so it has the lowest precedence), a primary token
// file, and any sibling *.json files in the same directory are folded into a
// single KiroTokenStorage, later sources overwriting earlier ones field by
// field except expiresAt, which the primary file always owns. The merged
// record is persisted back to the primary path so later field-level updates
// (a region default, a refreshed token) don't need re-merging on every call.
//
// Returns the merged token storage and the path it should be persisted to.
func LoadCredentials(cfg *config.Config) (*KiroTokenStorage, string, error) {
	if cfg == nil {
		return nil, "", fmt.Errorf("kiro credentials: config is required")
	}

	primaryPath, err := primaryCredentialPath(cfg)
	if err != nil {
		return nil, "", err
	}

	merged := map[string]any{}

	if blob := strings.TrimSpace(cfg.KiroOAuthCredsBase64); blob != "" {
		decoded, err := base64.StdEncoding.DecodeString(blob)
		if err != nil {
			return nil, "", fmt.Errorf("kiro credentials: invalid KIRO_OAUTH_CREDS_BASE64: %w", err)
		}
		if err := mergeJSONInto(merged, decoded); err != nil {
			return nil, "", fmt.Errorf("kiro credentials: decoding KIRO_OAUTH_CREDS_BASE64: %w", err)
		}
		cfg.KiroOAuthCredsBase64 = ""
	}

	var expiresAtRaw any
	if data, err := os.ReadFile(primaryPath); err == nil {
		if err := mergeJSONInto(merged, data); err != nil {
			return nil, "", fmt.Errorf("kiro credentials: parsing %s: %w", primaryPath, err)
		}
		expiresAtRaw = merged["expiresAt"]
	} else if !os.IsNotExist(err) {
		return nil, "", fmt.Errorf("kiro credentials: reading %s: %w", primaryPath, err)
	}

	siblings, err := siblingCredentialFiles(primaryPath)
	if err != nil {
		return nil, "", err
	}
	for _, path := range siblings {
		data, err := os.ReadFile(path)
		if err != nil {
			log.WithError(err).WithField("path", path).Warn("[Kiro Credentials] skipping unreadable sibling file")
			continue
		}
		if err := mergeJSONInto(merged, data); err != nil {
			log.WithError(err).WithField("path", path).Warn("[Kiro Credentials] skipping malformed sibling file")
			continue
		}
	}
	// expiresAt always tracks the primary file; a sibling merged after it
	// must not silently extend or shorten the primary's own expiry.
	if expiresAtRaw != nil {
		merged["expiresAt"] = expiresAtRaw
	}

	if len(merged) == 0 {
		return nil, "", fmt.Errorf("kiro credentials: no credential source found (checked base64 env, %s, and sibling files)", primaryPath)
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return nil, "", fmt.Errorf("kiro credentials: remarshal merged token: %w", err)
	}
	var token KiroTokenStorage
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, "", fmt.Errorf("kiro credentials: decode merged token: %w", err)
	}
	token.AccessToken = coalesceString(token.AccessToken, merged, "accessToken", "access_token")
	token.RefreshToken = coalesceString(token.RefreshToken, merged, "refreshToken", "refresh_token")
	token.ProfileArn = coalesceString(token.ProfileArn, merged, "profileArn", "profile_arn")
	token.AuthMethod = coalesceString(token.AuthMethod, merged, "authMethod", "auth_method")
	token.Region = coalesceString(token.Region, merged, "region")
	token.ClientID = coalesceString(token.ClientID, merged, "clientId", "client_id")
	token.ClientSecret = coalesceString(token.ClientSecret, merged, "clientSecret", "client_secret")
	token.Provider = coalesceString(token.Provider, merged, "provider")
	if token.ExpiresAt.IsZero() {
		if ts, ok := coalesceTime(merged, "expiresAt", "expires_at"); ok {
			token.ExpiresAt = ts
		}
	}

	if strings.TrimSpace(token.Region) == "" {
		log.Warn("[Kiro Credentials] no region in any merged credential source; defaulting to us-east-1")
		token.Region = defaultRegion
	}

	if strings.TrimSpace(token.AccessToken) == "" {
		return nil, "", fmt.Errorf("kiro credentials: merged record is missing accessToken")
	}
	if !strings.EqualFold(token.AuthMethod, authMethodSocial) {
		if strings.TrimSpace(token.ClientID) == "" || strings.TrimSpace(token.ClientSecret) == "" {
			return nil, "", fmt.Errorf("kiro credentials: clientId/clientSecret are required for authMethod %q", token.AuthMethod)
		}
	}

	token.Type = "kiro"
	token.FilePath = primaryPath
	if err := persistMergedToken(&token, primaryPath); err != nil {
		log.WithError(err).WithField("path", primaryPath).Warn("[Kiro Credentials] failed to persist merged token")
	}

	return &token, primaryPath, nil
}

func primaryCredentialPath(cfg *config.Config) (string, error) {
	if p := strings.TrimSpace(cfg.KiroOAuthCredsFilePath); p != "" {
		return p, nil
	}
	if dir := strings.TrimSpace(cfg.KiroOAuthCredsDirPath); dir != "" {
		return filepath.Join(dir, "kiro-auth-token.json"), nil
	}
	if len(cfg.KiroTokenFiles) > 0 {
		if p, err := cfg.KiroTokenFiles[0].ResolvePath(cfg.AuthDir); err == nil && p != "" {
			return p, nil
		}
	}
	if cfg.AuthDir != "" {
		return filepath.Join(cfg.AuthDir, "kiro-auth-token.json"), nil
	}
	return "", fmt.Errorf("kiro credentials: no credential path configured (set auth-dir, kiro-token-files, or KIRO_OAUTH_CREDS_FILE_PATH/DIR_PATH)")
}

// siblingCredentialFiles lists every other *.json file alongside primaryPath,
// sorted for deterministic merge order (later files win per field).
func siblingCredentialFiles(primaryPath string) ([]string, error) {
	dir := filepath.Dir(primaryPath)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("kiro credentials: listing %s: %w", dir, err)
	}
	base := filepath.Base(primaryPath)
	var out []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if name == base || !strings.HasSuffix(strings.ToLower(name), ".json") {
			continue
		}
		out = append(out, filepath.Join(dir, name))
	}
	sort.Strings(out)
	return out, nil
}

func mergeJSONInto(dst map[string]any, data []byte) error {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	var parsed map[string]any
	if err := json.Unmarshal(data, &parsed); err != nil {
		return err
	}
	for k, v := range parsed {
		dst[k] = v
	}
	return nil
}

// persistMergedToken writes the merged, validated record back to the primary
// path using sjson so the write touches only known fields and leaves any
// other keys already on disk untouched.
func persistMergedToken(token *KiroTokenStorage, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	existing, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		existing = []byte("{}")
	}
	doc := string(existing)
	fields := map[string]any{
		"accessToken":  token.AccessToken,
		"refreshToken": token.RefreshToken,
		"profileArn":   token.ProfileArn,
		"expiresAt":    token.ExpiresAt,
		"authMethod":   token.AuthMethod,
		"region":       token.Region,
		"provider":     token.Provider,
		"type":         "kiro",
	}
	if token.ClientID != "" {
		fields["clientId"] = token.ClientID
	}
	if token.ClientSecret != "" {
		fields["clientSecret"] = token.ClientSecret
	}
	for key, value := range fields {
		updated, err := sjson.Set(doc, key, value)
		if err != nil {
			return fmt.Errorf("sjson.Set(%s): %w", key, err)
		}
		doc = updated
	}
	return os.WriteFile(path, []byte(doc), 0600)
}
