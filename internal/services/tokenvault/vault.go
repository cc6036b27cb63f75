// Package tokenvault owns the OAuth credential lifecycle per
// (user, provider): validity checks, single-flight refresh, and revocation
// with channel-deactivation cascade.
package tokenvault

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/brightpath/crmsync/internal/common"
	"github.com/brightpath/crmsync/internal/interfaces"
	"github.com/brightpath/crmsync/internal/models"
)

const keySep = "\x00"

// Vault implements the TokenVault interface.
type Vault struct {
	creds     interfaces.CredentialStore
	exchanger interfaces.OAuthExchanger
	clock     common.Clock
	margin    time.Duration
	logger    *common.Logger

	mu       sync.Mutex
	inflight map[string]*refreshCall

	hookMu      sync.Mutex
	revokeHooks []func(ctx context.Context, userID string) error
}

// refreshCall is one in-flight refresh shared by concurrent callers.
// Duplicate refresh requests can invalidate a refresh token with some
// providers, so only the first caller issues the outbound call.
type refreshCall struct {
	done  chan struct{}
	token string
	err   error
}

// NewVault creates a token vault.
func NewVault(creds interfaces.CredentialStore, exchanger interfaces.OAuthExchanger, clock common.Clock, margin time.Duration, logger *common.Logger) *Vault {
	if clock == nil {
		clock = common.NewSystemClock()
	}
	return &Vault{
		creds:     creds,
		exchanger: exchanger,
		clock:     clock,
		margin:    margin,
		logger:    logger,
		inflight:  make(map[string]*refreshCall),
	}
}

// RegisterRevokeHook adds a cascade invoked after a credential is revoked.
// The channel manager registers here so revocation deactivates channels
// without a package cycle.
func (v *Vault) RegisterRevokeHook(fn func(ctx context.Context, userID string) error) {
	v.hookMu.Lock()
	defer v.hookMu.Unlock()
	v.revokeHooks = append(v.revokeHooks, fn)
}

// GetValidAccessToken returns a token valid for at least the safety margin,
// refreshing through the shared in-flight call when necessary.
func (v *Vault) GetValidAccessToken(ctx context.Context, userID, provider string) (string, error) {
	cred, err := v.creds.Get(ctx, userID, provider)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return "", fmt.Errorf("no credential for user '%s': %w", userID, models.ErrAuthExpired)
		}
		return "", err
	}
	if cred.NeedsReauth {
		return "", fmt.Errorf("credential for user '%s' needs re-authorization: %w", userID, models.ErrAuthExpired)
	}
	if cred.Valid(v.clock.Now(), v.margin) {
		return cred.AccessToken, nil
	}

	key := userID + keySep + provider

	v.mu.Lock()
	if call, ok := v.inflight[key]; ok {
		v.mu.Unlock()
		select {
		case <-call.done:
			return call.token, call.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	call := &refreshCall{done: make(chan struct{})}
	v.inflight[key] = call
	v.mu.Unlock()

	call.token, call.err = v.refresh(ctx, cred)

	v.mu.Lock()
	delete(v.inflight, key)
	v.mu.Unlock()
	close(call.done)

	return call.token, call.err
}

// refresh performs the outbound refresh grant and persists the result.
func (v *Vault) refresh(ctx context.Context, cred *models.OAuthCredential) (string, error) {
	fresh, err := v.exchanger.RefreshToken(ctx, cred.RefreshToken)
	if err != nil {
		if errors.Is(err, models.ErrAuthExpired) {
			if setErr := v.creds.SetNeedsReauth(ctx, cred.UserID, cred.Provider, true); setErr != nil {
				v.logger.Warn().Err(setErr).Str("user_id", cred.UserID).Msg("Failed to flag credential for re-authorization")
			}
			v.logger.Info().
				Str("user_id", cred.UserID).
				Str("provider", cred.Provider).
				Msg("Refresh token rejected; user must re-authorize")
		}
		return "", err
	}

	fresh.UserID = cred.UserID
	fresh.Provider = cred.Provider
	if len(fresh.GrantedScopes) == 0 {
		fresh.GrantedScopes = cred.GrantedScopes
	}
	if err := v.creds.Upsert(ctx, fresh); err != nil {
		return "", fmt.Errorf("failed to persist refreshed token: %w", err)
	}

	v.logger.Debug().
		Str("user_id", cred.UserID).
		Str("provider", cred.Provider).
		Time("expires_at", fresh.ExpiresAt).
		Msg("Access token refreshed")

	return fresh.AccessToken, nil
}

// StoreCredential upserts a credential after the authorization code
// exchange. Idempotent.
func (v *Vault) StoreCredential(ctx context.Context, cred *models.OAuthCredential) error {
	if cred.UserID == "" || cred.Provider == "" {
		return fmt.Errorf("credential missing user or provider")
	}
	if err := v.creds.Upsert(ctx, cred); err != nil {
		return err
	}
	v.logger.Info().
		Str("user_id", cred.UserID).
		Str("provider", cred.Provider).
		Time("expires_at", cred.ExpiresAt).
		Msg("Credential stored")
	return nil
}

// Revoke clears stored tokens and cascades channel deactivation.
func (v *Vault) Revoke(ctx context.Context, userID, provider string) error {
	if err := v.creds.Delete(ctx, userID, provider); err != nil {
		return err
	}

	v.hookMu.Lock()
	hooks := make([]func(ctx context.Context, userID string) error, len(v.revokeHooks))
	copy(hooks, v.revokeHooks)
	v.hookMu.Unlock()

	for _, hook := range hooks {
		if err := hook(ctx, userID); err != nil {
			v.logger.Warn().Err(err).Str("user_id", userID).Msg("Revoke cascade failed")
		}
	}

	v.logger.Info().Str("user_id", userID).Str("provider", provider).Msg("Credential revoked")
	return nil
}
