package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/brightpath/crmsync/internal/models"
)

// statePurpose marks state tokens so an access token cannot be replayed as
// an OAuth state parameter.
const statePurpose = "oauth_state"

// signState issues a short-lived signed state parameter bound to the user.
func signState(userID, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"jti":     uuid.New().String(),
		"sub":     userID,
		"purpose": statePurpose,
		"iat":     now.Unix(),
		"exp":     now.Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// parseState validates a state parameter and returns the bound user ID.
func parseState(state, secret string) (string, error) {
	claims, err := validateJWT(state, []byte(secret))
	if err != nil {
		return "", err
	}
	if purpose, _ := claims["purpose"].(string); purpose != statePurpose {
		return "", fmt.Errorf("not a state token")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", fmt.Errorf("state token without subject")
	}
	return sub, nil
}

// handleOAuthConnect handles GET /auth/google/connect. It redirects the
// authenticated user to the provider consent page with a state parameter
// bound to their identity.
func (s *Server) handleOAuthConnect(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	state, err := signState(userID, s.app.Config.Auth.JWTSecret, s.app.Config.Auth.GetOAuthStateTTL())
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to sign OAuth state")
		WriteError(w, http.StatusInternalServerError, "failed to start authorization")
		return
	}

	http.Redirect(w, r, s.app.OAuth.AuthCodeURL(state), http.StatusFound)
}

// handleOAuthCallback handles GET /auth/google/callback: it validates the
// state, exchanges the authorization code, and stores the credential.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	if errParam := r.URL.Query().Get("error"); errParam != "" {
		s.logger.Info().Str("error", errParam).Msg("OAuth consent denied")
		WriteErrorWithCode(w, http.StatusBadRequest, "authorization was denied", errParam)
		return
	}

	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" {
		WriteError(w, http.StatusBadRequest, "state and code are required")
		return
	}

	userID, err := parseState(state, s.app.Config.Auth.JWTSecret)
	if err != nil {
		s.logger.Warn().Err(err).Msg("OAuth callback with invalid state")
		WriteError(w, http.StatusBadRequest, "invalid or expired state")
		return
	}

	cred, err := s.app.OAuth.ExchangeCode(r.Context(), code)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Authorization code exchange failed")
		WriteError(w, http.StatusBadGateway, "code exchange failed")
		return
	}
	cred.UserID = userID
	cred.Provider = models.ProviderGoogle

	if err := s.app.Vault.StoreCredential(r.Context(), cred); err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to store credential")
		WriteError(w, http.StatusInternalServerError, "failed to store credential")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "connected",
		"provider": models.ProviderGoogle,
		"scopes":   cred.GrantedScopes,
	})
}
