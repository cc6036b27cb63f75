// Package interfaces defines service contracts for crmsync
package interfaces

import (
	"context"
	"time"

	"github.com/brightpath/crmsync/internal/models"
)

// StorageManager coordinates the relational stores backing the
// integration core. All rows are scoped by user ID.
type StorageManager interface {
	CredentialStore() CredentialStore
	ChannelStore() ChannelStore
	SyncStore() SyncStore
	StatusStore() StatusStore

	// Lifecycle
	Close() error
}

// CredentialStore persists OAuth credentials, one row per (user, provider).
type CredentialStore interface {
	Get(ctx context.Context, userID, provider string) (*models.OAuthCredential, error)

	// Upsert is idempotent: it creates the row on first authorization and
	// overwrites tokens on every refresh.
	Upsert(ctx context.Context, cred *models.OAuthCredential) error

	// SetNeedsReauth flags a credential whose refresh token was rejected.
	SetNeedsReauth(ctx context.Context, userID, provider string, needs bool) error

	// Delete clears the stored tokens on disconnect.
	Delete(ctx context.Context, userID, provider string) error
}

// ChannelStore persists webhook channel registrations.
type ChannelStore interface {
	Get(ctx context.Context, channelID string) (*models.WebhookChannel, error)
	GetActive(ctx context.Context, userID, resource string) (*models.WebhookChannel, error)
	Save(ctx context.Context, ch *models.WebhookChannel) error
	UpdateStatus(ctx context.Context, channelID, status string) error

	// ListActive returns every active channel, used on startup to reschedule
	// renewals after a restart.
	ListActive(ctx context.Context) ([]*models.WebhookChannel, error)
	ListByUser(ctx context.Context, userID string) ([]*models.WebhookChannel, error)
}

// SyncStore persists sync cursors and mirrored entities. ApplyPage is the
// single write path for a delta page: entity upserts, deletions, and the
// cursor advance commit together or not at all.
type SyncStore interface {
	GetCursor(ctx context.Context, userID, resource string) (*models.SyncCursor, error)
	DeleteCursor(ctx context.Context, userID, resource string) error

	// ApplyPage atomically applies one page of remote changes and, when
	// nextCursor is non-empty, advances the cursor. A crash before commit
	// leaves the cursor untouched so the page is safely re-fetched.
	ApplyPage(ctx context.Context, userID, resource string, upserts []models.SyncedEntity, deletes []string, nextCursor string) error

	GetEntity(ctx context.Context, userID, externalID string) (*models.SyncedEntity, error)
	CountEntities(ctx context.Context, userID, resource string) (int, error)
}

// StatusStore persists per-resource integration health for the status
// endpoint.
type StatusStore interface {
	Set(ctx context.Context, userID, resource, state, lastError string, lastSyncAt time.Time) error
	Get(ctx context.Context, userID, resource string) (*models.ResourceStatus, error)
}
