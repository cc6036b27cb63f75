package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/brightpath/crmsync/internal/models"
)

// CredentialStore implements interfaces.CredentialStore.
type CredentialStore struct {
	db *sql.DB
}

// Credentials returns the credential store view.
func (s *Store) Credentials() *CredentialStore {
	return &CredentialStore{db: s.db}
}

// Get returns the credential row for (user, provider).
func (c *CredentialStore) Get(ctx context.Context, userID, provider string) (*models.OAuthCredential, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	row := c.db.QueryRowContext(ctx, `
		SELECT user_id, provider, access_token, refresh_token, expires_at,
		       scopes, needs_reauth, created_at, updated_at
		FROM oauth_credentials
		WHERE user_id = $1 AND provider = $2`, userID, provider)

	var cred models.OAuthCredential
	var scopes string
	err := row.Scan(&cred.UserID, &cred.Provider, &cred.AccessToken,
		&cred.RefreshToken, &cred.ExpiresAt, &scopes, &cred.NeedsReauth,
		&cred.CreatedAt, &cred.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("credential for user '%s' provider '%s': %w", userID, provider, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	if scopes != "" {
		cred.GrantedScopes = strings.Fields(scopes)
	}
	return &cred, nil
}

// Upsert creates or overwrites the credential row. An empty refresh token
// in the update keeps the stored one (providers rotate only sometimes);
// the reauth flag clears because a fresh pair means the user re-authorized.
func (c *CredentialStore) Upsert(ctx context.Context, cred *models.OAuthCredential) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO oauth_credentials
			(user_id, provider, access_token, refresh_token, expires_at, scopes, needs_reauth, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, NOW(), NOW())
		ON CONFLICT (user_id, provider) DO UPDATE SET
			access_token  = EXCLUDED.access_token,
			refresh_token = CASE WHEN EXCLUDED.refresh_token = '' THEN oauth_credentials.refresh_token ELSE EXCLUDED.refresh_token END,
			expires_at    = EXCLUDED.expires_at,
			scopes        = EXCLUDED.scopes,
			needs_reauth  = FALSE,
			updated_at    = NOW()`,
		cred.UserID, cred.Provider, cred.AccessToken, cred.RefreshToken,
		cred.ExpiresAt, strings.Join(cred.GrantedScopes, " "))
	if err != nil {
		return fmt.Errorf("failed to upsert credential: %w", err)
	}
	return nil
}

// SetNeedsReauth flags a credential whose refresh grant was rejected.
func (c *CredentialStore) SetNeedsReauth(ctx context.Context, userID, provider string, needs bool) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	_, err := c.db.ExecContext(ctx, `
		UPDATE oauth_credentials
		SET needs_reauth = $3, updated_at = NOW()
		WHERE user_id = $1 AND provider = $2`, userID, provider, needs)
	if err != nil {
		return fmt.Errorf("failed to set reauth flag: %w", err)
	}
	return nil
}

// Delete removes the credential row on disconnect.
func (c *CredentialStore) Delete(ctx context.Context, userID, provider string) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	_, err := c.db.ExecContext(ctx, `
		DELETE FROM oauth_credentials WHERE user_id = $1 AND provider = $2`,
		userID, provider)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}
