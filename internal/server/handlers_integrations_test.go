package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightpath/crmsync/internal/models"
)

func TestRegisterChannelCreated(t *testing.T) {
	env := newTestServer(t)

	req := authed(httptest.NewRequest(http.MethodPost, "/api/integrations/google/channels",
		jsonBody(t, map[string]string{"resource": "mailbox"})), signTestToken(t, "u1"))
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var ch models.WebhookChannel
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ch))
	assert.Equal(t, "ch-1", ch.ID)
	assert.Equal(t, models.ChannelActive, ch.Status)
	assert.Equal(t, []string{"u1/mailbox"}, env.channels.registered)
}

func TestRegisterChannelRejectsUnknownResource(t *testing.T) {
	env := newTestServer(t)

	req := authed(httptest.NewRequest(http.MethodPost, "/api/integrations/google/channels",
		jsonBody(t, map[string]string{"resource": "contacts"})), signTestToken(t, "u1"))
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, env.channels.registered)
}

func TestRegisterChannelAuthExpiredConflict(t *testing.T) {
	env := newTestServer(t)
	env.channels.registerErr = models.ErrAuthExpired

	req := authed(httptest.NewRequest(http.MethodPost, "/api/integrations/google/channels",
		jsonBody(t, map[string]string{"resource": "calendar"})), signTestToken(t, "u1"))
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "auth_expired", resp.Code)
}

func TestRegisterChannelRateLimited(t *testing.T) {
	env := newTestServer(t)
	env.channels.registerErr = models.ErrRateLimited

	req := authed(httptest.NewRequest(http.MethodPost, "/api/integrations/google/channels",
		jsonBody(t, map[string]string{"resource": "calendar"})), signTestToken(t, "u1"))
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "rate_limited", resp.Code)
}

func TestListChannelsScopedToUser(t *testing.T) {
	env := newTestServer(t)
	env.storage.channels.Save(context.Background(), &models.WebhookChannel{
		ID: "ch-mine", UserID: "u1", Resource: "mailbox", Status: models.ChannelActive,
	})
	env.storage.channels.Save(context.Background(), &models.WebhookChannel{
		ID: "ch-theirs", UserID: "u2", Resource: "mailbox", Status: models.ChannelActive,
	})

	req := authed(httptest.NewRequest(http.MethodGet, "/api/integrations/google/channels", nil), signTestToken(t, "u1"))
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Channels []models.WebhookChannel `json:"channels"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Channels, 1)
	assert.Equal(t, "ch-mine", resp.Channels[0].ID)
}

func TestUnregisterChannel(t *testing.T) {
	env := newTestServer(t)

	req := authed(httptest.NewRequest(http.MethodDelete, "/api/integrations/google/channels/mailbox", nil), signTestToken(t, "u1"))
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"u1/mailbox"}, env.channels.unregistered)
}

func TestUnregisterChannelRejectsUnknownResource(t *testing.T) {
	env := newTestServer(t)

	req := authed(httptest.NewRequest(http.MethodDelete, "/api/integrations/google/channels/drive", nil), signTestToken(t, "u1"))
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, env.channels.unregistered)
}

func TestChannelEndpointsRequireAuth(t *testing.T) {
	env := newTestServer(t)

	for _, tc := range []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/api/integrations/google/channels"},
		{http.MethodGet, "/api/integrations/google/channels"},
		{http.MethodDelete, "/api/integrations/google/channels/mailbox"},
		{http.MethodPost, "/api/integrations/google/sync"},
		{http.MethodGet, "/api/integrations/google/status"},
		{http.MethodDelete, "/api/integrations/google"},
	} {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		rec := httptest.NewRecorder()
		env.server.Handler().ServeHTTP(rec, req)
		assert.Equalf(t, http.StatusUnauthorized, rec.Code, "%s %s", tc.method, tc.path)
	}
}

func TestSyncTriggerAccepted(t *testing.T) {
	env := newTestServer(t)

	req := authed(httptest.NewRequest(http.MethodPost, "/api/integrations/google/sync",
		jsonBody(t, map[string]string{"resource": "mailbox"})), signTestToken(t, "u1"))
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "scheduled", resp["status"])
}

func TestSyncTriggerRejectsUnknownResource(t *testing.T) {
	env := newTestServer(t)

	req := authed(httptest.NewRequest(http.MethodPost, "/api/integrations/google/sync",
		jsonBody(t, map[string]string{"resource": "everything"})), signTestToken(t, "u1"))
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIntegrationStatusDefaults(t *testing.T) {
	env := newTestServer(t)

	req := authed(httptest.NewRequest(http.MethodGet, "/api/integrations/google/status", nil), signTestToken(t, "u1"))
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Resources []models.ResourceStatus `json:"resources"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Resources, 2)
	for _, st := range resp.Resources {
		assert.Equal(t, models.StatusOK, st.State)
		assert.False(t, st.CursorPresent)
		assert.True(t, st.ChannelExpiry.IsZero())
	}
}

func TestIntegrationStatusAssemblesStoredState(t *testing.T) {
	env := newTestServer(t)
	ctx := context.Background()

	expiry := time.Now().Add(100 * time.Hour).UTC().Truncate(time.Second)
	env.storage.statuses.Set(ctx, "u1", "mailbox", models.StatusAuthRequired, "token refresh rejected", time.Time{})
	env.storage.syncs.ApplyPage(ctx, "u1", "mailbox", nil, nil, "cursor-7")
	env.storage.channels.Save(ctx, &models.WebhookChannel{
		ID: "ch-9", UserID: "u1", Resource: "mailbox", Status: models.ChannelActive, ExpiresAt: expiry,
	})

	req := authed(httptest.NewRequest(http.MethodGet, "/api/integrations/google/status", nil), signTestToken(t, "u1"))
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Resources []models.ResourceStatus `json:"resources"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Resources, 2)

	var mailbox models.ResourceStatus
	for _, st := range resp.Resources {
		if st.Resource == "mailbox" {
			mailbox = st
		}
	}
	assert.Equal(t, models.StatusAuthRequired, mailbox.State)
	assert.Equal(t, "token refresh rejected", mailbox.LastError)
	assert.True(t, mailbox.CursorPresent)
	assert.True(t, mailbox.ChannelExpiry.Equal(expiry))
	assert.Equal(t, models.RemediationFor(models.StatusAuthRequired), mailbox.RemediationHint)
}

func TestDisconnectIntegration(t *testing.T) {
	env := newTestServer(t)

	req := authed(httptest.NewRequest(http.MethodDelete, "/api/integrations/google", nil), signTestToken(t, "u1"))
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"u1/" + models.ProviderGoogle}, env.vault.revoked)
}
