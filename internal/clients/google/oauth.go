package google

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/brightpath/crmsync/internal/common"
	"github.com/brightpath/crmsync/internal/models"
)

// OAuth implements the OAuthExchanger interface over the provider token
// endpoint using golang.org/x/oauth2.
type OAuth struct {
	cfg    *oauth2.Config
	logger *common.Logger
}

// NewOAuth builds the exchanger from provider config. redirectURL is the
// public callback URL this server registered with the provider.
func NewOAuth(provider common.ProviderConfig, redirectURL string, logger *common.Logger) *OAuth {
	if logger == nil {
		logger = common.NewSilentLogger()
	}
	return &OAuth{
		cfg: &oauth2.Config{
			ClientID:     provider.ClientID,
			ClientSecret: provider.ClientSecret,
			RedirectURL:  redirectURL,
			Scopes:       provider.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  provider.AuthURL,
				TokenURL: provider.TokenURL,
			},
		},
		logger: logger,
	}
}

// AuthCodeURL builds the consent redirect URL. offline access is requested
// so the provider issues a refresh token.
func (o *OAuth) AuthCodeURL(state string) string {
	return o.cfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
}

// ExchangeCode trades an authorization code for a token pair.
func (o *OAuth) ExchangeCode(ctx context.Context, code string) (*models.OAuthCredential, error) {
	tok, err := o.cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("authorization code exchange failed: %w", err)
	}
	return credentialFromToken(tok), nil
}

// RefreshToken trades a refresh token for a fresh access token. A rejected
// grant (revoked or invalid refresh token) maps to models.ErrAuthExpired;
// transport failures pass through for retry classification.
func (o *OAuth) RefreshToken(ctx context.Context, refreshToken string) (*models.OAuthCredential, error) {
	src := o.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) &&
			(retrieveErr.Response.StatusCode == http.StatusBadRequest ||
				retrieveErr.Response.StatusCode == http.StatusUnauthorized) {
			o.logger.Warn().Int("status", retrieveErr.Response.StatusCode).Msg("Refresh token rejected by provider")
			return nil, fmt.Errorf("%w: refresh grant rejected", models.ErrAuthExpired)
		}
		return nil, fmt.Errorf("token refresh failed: %w", err)
	}

	cred := credentialFromToken(tok)
	if cred.RefreshToken == "" {
		// Provider did not rotate the refresh token; the stored one stays valid.
		cred.RefreshToken = refreshToken
	}
	return cred, nil
}

// credentialFromToken maps an oauth2 token onto the stored credential shape.
func credentialFromToken(tok *oauth2.Token) *models.OAuthCredential {
	cred := &models.OAuthCredential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	if cred.ExpiresAt.IsZero() {
		cred.ExpiresAt = time.Now().Add(time.Hour)
	}
	if scope, ok := tok.Extra("scope").(string); ok && scope != "" {
		cred.GrantedScopes = strings.Fields(scope)
	}
	return cred
}
