package models

import "time"

// Integration health states reported by the status endpoint.
const (
	StatusOK           = "ok"
	StatusAuthRequired = "auth_required"
	StatusDegraded     = "degraded"
)

// ResourceStatus is the per-resource health record behind the status
// endpoint, the single source of truth for "is my integration healthy".
type ResourceStatus struct {
	Resource        string    `json:"resource"`
	State           string    `json:"state"`
	LastSyncAt      time.Time `json:"last_sync_at,omitempty"`
	CursorPresent   bool      `json:"cursor_present"`
	ChannelExpiry   time.Time `json:"channel_expiry,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
	RemediationHint string    `json:"remediation_hint,omitempty"`
}

// RemediationFor returns the user-facing hint for a health state.
func RemediationFor(state string) string {
	switch state {
	case StatusAuthRequired:
		return "reconnect your account"
	case StatusDegraded:
		return "push notifications lapsed; changes sync on the next manual refresh"
	default:
		return ""
	}
}
