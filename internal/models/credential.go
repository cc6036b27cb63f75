package models

import "time"

// Provider identifiers. Only Google is wired today; the credential and
// channel tables are keyed by provider so a second one slots in without
// schema changes.
const ProviderGoogle = "google"

// OAuthCredential holds the delegated-access token pair for one
// (user, provider). Exactly one row per pair; the refresh token rotates
// only on explicit re-authorization or provider-issued rotation.
type OAuthCredential struct {
	UserID        string    `json:"user_id"`
	Provider      string    `json:"provider"`
	AccessToken   string    `json:"-"`
	RefreshToken  string    `json:"-"`
	ExpiresAt     time.Time `json:"expires_at"`
	GrantedScopes []string  `json:"granted_scopes"`
	NeedsReauth   bool      `json:"needs_reauth"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Valid reports whether the access token is usable at the given instant
// with the given safety margin.
func (c *OAuthCredential) Valid(now time.Time, margin time.Duration) bool {
	return c.AccessToken != "" && now.Before(c.ExpiresAt.Add(-margin))
}
