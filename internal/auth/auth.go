// Package auth declares the minimal interface a provider's token storage
// must satisfy to be handed back through the shared authentication surface.
package auth

// TokenStorage is implemented by each provider's token type (e.g.
// kiro.KiroTokenStorage) so generic auth plumbing can check expiry without
// importing the provider package.
type TokenStorage interface {
	IsExpired() bool
}
