package interfaces

import (
	"context"
	"time"

	"github.com/brightpath/crmsync/internal/models"
)

// ProviderClient wraps the Google watch/stop and change-listing endpoints.
// Implementations must be safe for concurrent use.
type ProviderClient interface {
	// Watch registers a push channel for a resource. Returns the
	// provider-issued channel with its expiry.
	Watch(ctx context.Context, accessToken, userID, resource, callbackURL string, ttl time.Duration) (*models.WebhookChannel, error)

	// Stop tears down a push channel at the provider.
	Stop(ctx context.Context, accessToken, channelID, resourceToken string) error

	// ListChanges fetches one page of changes. An empty cursor requests a
	// bootstrap page of current items; pageToken continues a multi-page
	// fetch within the same pass. Returns models.ErrCursorInvalid (wrapped)
	// when the provider reports the cursor as too old.
	ListChanges(ctx context.Context, accessToken, userID, resource, cursor, pageToken string, pageSize int) (*models.ChangePage, error)
}

// OAuthExchanger performs the provider token-endpoint grants.
type OAuthExchanger interface {
	// ExchangeCode trades an authorization code for a token pair.
	ExchangeCode(ctx context.Context, code string) (*models.OAuthCredential, error)

	// RefreshToken trades a refresh token for a fresh access token. Returns
	// models.ErrAuthExpired (wrapped) when the grant is rejected as invalid.
	RefreshToken(ctx context.Context, refreshToken string) (*models.OAuthCredential, error)

	// AuthCodeURL builds the consent redirect URL for the given state.
	AuthCodeURL(state string) string
}
