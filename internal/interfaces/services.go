package interfaces

import (
	"context"

	"github.com/brightpath/crmsync/internal/models"
)

// TokenVault owns OAuth credential lifecycle per (user, provider).
type TokenVault interface {
	// GetValidAccessToken returns a token valid for at least the configured
	// safety margin, refreshing first when necessary. Concurrent callers
	// during a refresh share one in-flight refresh request. Returns
	// models.ErrAuthExpired when the provider rejects the refresh token.
	GetValidAccessToken(ctx context.Context, userID, provider string) (string, error)

	// StoreCredential upserts the credential after an authorization code
	// exchange. Idempotent.
	StoreCredential(ctx context.Context, cred *models.OAuthCredential) error

	// Revoke clears stored tokens and cascades channel deactivation.
	Revoke(ctx context.Context, userID, provider string) error
}

// ChannelManager registers, renews, and unregisters provider push channels.
type ChannelManager interface {
	Register(ctx context.Context, userID, resource string) (*models.WebhookChannel, error)
	Unregister(ctx context.Context, userID, resource string) error

	// HandleNotification validates an inbound push notification and, for a
	// live channel, triggers a sync pass asynchronously. Stale or foreign
	// notifications are ignored. Never returns an error to the caller;
	// webhook ingress always acknowledges.
	HandleNotification(ctx context.Context, channelID, resourceState string)

	// DeactivateUser revokes every channel for a user (credential disconnect).
	DeactivateUser(ctx context.Context, userID string) error

	Start()
	Stop()
}

// SyncEngine reconciles remote resource state into the local mirror.
type SyncEngine interface {
	// TriggerSync is idempotent and coalescing: at most one pass runs per
	// (user, resource); a trigger landing mid-pass schedules exactly one
	// follow-up pass. Returns immediately.
	TriggerSync(userID, resource string)

	// CancelKey converts the key's in-flight pass into a no-op, so pages
	// fetched after channel teardown are neither applied nor announced.
	CancelKey(userID, resource string)

	// Drain blocks until all in-flight passes complete.
	Drain()
}

// RateGovernor enforces external API quota budgets per scope.
type RateGovernor interface {
	// Acquire consumes capacity, waiting up to the scope's bounded maximum,
	// then failing with models.ErrRateLimited.
	Acquire(ctx context.Context, scope string, cost int) error
}

// EventPublisher is the emit side of the notification fan-out. The sync
// engine and the CRUD layer publish through it; the concrete hub also owns
// session registration for the websocket endpoint.
type EventPublisher interface {
	Publish(event models.DomainEvent)
}
