package models

import "time"

// Watched resource kinds.
const (
	ResourceMailbox  = "mailbox"
	ResourceCalendar = "calendar"
)

// ValidResource reports whether r names a watchable resource.
func ValidResource(r string) bool {
	return r == ResourceMailbox || r == ResourceCalendar
}

// Channel lifecycle states.
const (
	ChannelActive  = "active"
	ChannelExpired = "expired" // renewal failed past the retry budget
	ChannelRevoked = "revoked" // explicit unregister or credential disconnect
)

// WebhookChannel is a provider-side push subscription with a bounded
// lifetime. At most one active channel exists per (user, resource).
type WebhookChannel struct {
	ID            string    `json:"id"` // provider-issued channel identifier
	UserID        string    `json:"user_id"`
	Resource      string    `json:"resource"`
	ResourceToken string    `json:"-"` // provider-side resource handle needed for stop calls
	Status        string    `json:"status"`
	ExpiresAt     time.Time `json:"expires_at"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Active reports whether the channel is registered and not past expiry.
func (ch *WebhookChannel) Active(now time.Time) bool {
	return ch.Status == ChannelActive && now.Before(ch.ExpiresAt)
}
