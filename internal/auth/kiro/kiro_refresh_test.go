package kiro

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kirohub/kiroproxy/internal/config"
	"github.com/stretchr/testify/require"
)

// S4 (refresh half): a successful refresh updates the in-memory token and
// writes it back through the read-merge-write path, preserving sibling fields
// already present in the primary file.
func TestRefreshToken_UpdatesAndPersistsMergedFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "old-refresh", body["refreshToken"])
		_ = json.NewEncoder(w).Encode(map[string]any{
			"accessToken":  "new",
			"refreshToken": "r2",
			"expiresIn":    3600,
		})
	}))
	defer srv.Close()

	dir := t.TempDir()
	primary := filepath.Join(dir, "kiro-auth-token.json")
	require.NoError(t, os.WriteFile(primary, []byte(`{"accessToken":"old","clientId":"keep-me"}`), 0o600))

	ts := &KiroTokenStorage{
		AccessToken:  "old",
		RefreshToken: "old-refresh",
		AuthMethod:   "social",
		Region:       "us-east-1",
		FilePath:     primary,
	}
	k := &KiroAuth{refreshURLOverride: srv.URL}

	require.NoError(t, k.refreshToken(ts, &config.Config{}))
	require.Equal(t, "new", ts.AccessToken)
	require.Equal(t, "r2", ts.RefreshToken)
	require.True(t, ts.ExpiresAt.After(time.Now().Add(30*time.Minute)))

	data, err := os.ReadFile(primary)
	require.NoError(t, err)
	var onDisk map[string]any
	require.NoError(t, json.Unmarshal(data, &onDisk))
	require.Equal(t, "new", onDisk["accessToken"])
	require.Equal(t, "r2", onDisk["refreshToken"])
	require.Equal(t, "keep-me", onDisk["clientId"], "fields not owned by the refresh must survive the merge")
}

// S7: concurrent callers against the same near-expiry token coalesce onto a
// single refresh POST, and every caller observes the refreshed token.
func TestGetAuthenticatedClient_CoalescesConcurrentRefreshes(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		time.Sleep(150 * time.Millisecond)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"accessToken":  "coalesced",
			"refreshToken": "r2",
			"expiresIn":    3600,
		})
	}))
	defer srv.Close()

	ts := &KiroTokenStorage{
		AccessToken:  "stale",
		RefreshToken: "refresh",
		AuthMethod:   "social",
		Region:       "us-east-1",
		ExpiresAt:    time.Now().Add(time.Minute),
	}
	k := &KiroAuth{refreshURLOverride: srv.URL}
	cfg := &config.Config{CronNearMinutes: 10}

	var ready, done sync.WaitGroup
	start := make(chan struct{})
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		ready.Add(1)
		done.Add(1)
		go func(i int) {
			defer done.Done()
			ready.Done()
			<-start
			_, errs[i] = k.GetAuthenticatedClient(context.Background(), ts, cfg)
		}(i)
	}
	ready.Wait()
	close(start)
	done.Wait()

	for i, err := range errs {
		require.NoError(t, err, "caller %d", i)
	}
	require.Equal(t, int32(1), hits.Load(), "concurrent refreshes must coalesce onto one POST")
	require.Equal(t, "coalesced", ts.AccessTokenSnapshot())
}

// A refresh without a refresh token is a configuration error, not a network call.
func TestRefreshToken_NoRefreshTokenFails(t *testing.T) {
	k := NewKiroAuth()
	err := k.refreshToken(&KiroTokenStorage{AuthMethod: "social"}, &config.Config{})
	require.Error(t, err)
}
