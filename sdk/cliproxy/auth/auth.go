// Package auth holds the provider-agnostic credential record passed between
// the executor, the authenticator, and the host that schedules refreshes.
// The host owns persistence and rotation policy; this package only defines
// the shape both sides agree on.
package auth

import "time"

// Auth is the host-visible view of one configured credential set. Providers
// populate Runtime with their own token type (for Kiro, *kiro.KiroTokenStorage)
// and use Metadata/Attributes for anything that needs to round-trip through
// the host's persisted auth record.
type Auth struct {
	ID       string
	Provider string
	Label    string
	FileName string

	// Storage holds the provider's serializable credential, set at Login time.
	Storage any
	// Runtime holds the provider's live, possibly-refreshed credential,
	// populated lazily by the executor on first use.
	Runtime any

	Metadata   map[string]any
	Attributes map[string]string

	LastRefreshedAt  time.Time
	NextRefreshAfter time.Time
}
