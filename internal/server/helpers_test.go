package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/brightpath/crmsync/internal/app"
	"github.com/brightpath/crmsync/internal/common"
	"github.com/brightpath/crmsync/internal/interfaces"
	"github.com/brightpath/crmsync/internal/models"
	"github.com/brightpath/crmsync/internal/services/fanout"
	"github.com/brightpath/crmsync/internal/services/syncengine"
)

const testJWTSecret = "test-secret-test-secret-test-secret!"

// --- storage mocks ---

type mockCredentialStore struct {
	mu    sync.Mutex
	creds map[string]*models.OAuthCredential
}

func (m *mockCredentialStore) key(userID, provider string) string { return userID + "/" + provider }

func (m *mockCredentialStore) Get(_ context.Context, userID, provider string) (*models.OAuthCredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred, ok := m.creds[m.key(userID, provider)]
	if !ok {
		return nil, fmt.Errorf("credential: %w", models.ErrNotFound)
	}
	cp := *cred
	return &cp, nil
}

func (m *mockCredentialStore) Upsert(_ context.Context, cred *models.OAuthCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *cred
	m.creds[m.key(cred.UserID, cred.Provider)] = &cp
	return nil
}

func (m *mockCredentialStore) SetNeedsReauth(_ context.Context, userID, provider string, needs bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cred, ok := m.creds[m.key(userID, provider)]; ok {
		cred.NeedsReauth = needs
	}
	return nil
}

func (m *mockCredentialStore) Delete(_ context.Context, userID, provider string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.creds, m.key(userID, provider))
	return nil
}

type mockChannelStore struct {
	mu       sync.Mutex
	channels map[string]*models.WebhookChannel
}

func (m *mockChannelStore) Get(_ context.Context, channelID string) (*models.WebhookChannel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[channelID]
	if !ok {
		return nil, fmt.Errorf("channel: %w", models.ErrNotFound)
	}
	cp := *ch
	return &cp, nil
}

func (m *mockChannelStore) GetActive(_ context.Context, userID, resource string) (*models.WebhookChannel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.channels {
		if ch.UserID == userID && ch.Resource == resource && ch.Status == models.ChannelActive {
			cp := *ch
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("channel: %w", models.ErrNotFound)
}

func (m *mockChannelStore) Save(_ context.Context, ch *models.WebhookChannel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ch
	m.channels[ch.ID] = &cp
	return nil
}

func (m *mockChannelStore) UpdateStatus(_ context.Context, channelID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.channels[channelID]; ok {
		ch.Status = status
	}
	return nil
}

func (m *mockChannelStore) ListActive(_ context.Context) ([]*models.WebhookChannel, error) {
	return nil, nil
}

func (m *mockChannelStore) ListByUser(_ context.Context, userID string) ([]*models.WebhookChannel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var list []*models.WebhookChannel
	for _, ch := range m.channels {
		if ch.UserID == userID {
			cp := *ch
			list = append(list, &cp)
		}
	}
	return list, nil
}

type mockSyncStore struct {
	mu      sync.Mutex
	cursors map[string]string
}

func (m *mockSyncStore) GetCursor(_ context.Context, userID, resource string) (*models.SyncCursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.cursors[userID+"/"+resource]
	if !ok {
		return nil, fmt.Errorf("cursor: %w", models.ErrNotFound)
	}
	return &models.SyncCursor{UserID: userID, Resource: resource, Position: pos}, nil
}

func (m *mockSyncStore) DeleteCursor(_ context.Context, userID, resource string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cursors, userID+"/"+resource)
	return nil
}

func (m *mockSyncStore) ApplyPage(_ context.Context, userID, resource string, _ []models.SyncedEntity, _ []string, nextCursor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if nextCursor != "" {
		m.cursors[userID+"/"+resource] = nextCursor
	}
	return nil
}

func (m *mockSyncStore) GetEntity(_ context.Context, _, _ string) (*models.SyncedEntity, error) {
	return nil, fmt.Errorf("entity: %w", models.ErrNotFound)
}

func (m *mockSyncStore) CountEntities(_ context.Context, _, _ string) (int, error) { return 0, nil }

type mockStatusStore struct {
	mu      sync.Mutex
	records map[string]*models.ResourceStatus
}

func (m *mockStatusStore) Set(_ context.Context, userID, resource, state, lastError string, lastSyncAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[userID+"/"+resource] = &models.ResourceStatus{
		Resource:   resource,
		State:      state,
		LastError:  lastError,
		LastSyncAt: lastSyncAt,
	}
	return nil
}

func (m *mockStatusStore) Get(_ context.Context, userID, resource string) (*models.ResourceStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.records[userID+"/"+resource]
	if !ok {
		return nil, fmt.Errorf("status: %w", models.ErrNotFound)
	}
	cp := *st
	return &cp, nil
}

type mockStorageManager struct {
	creds    *mockCredentialStore
	channels *mockChannelStore
	syncs    *mockSyncStore
	statuses *mockStatusStore
}

func newMockStorageManager() *mockStorageManager {
	return &mockStorageManager{
		creds:    &mockCredentialStore{creds: make(map[string]*models.OAuthCredential)},
		channels: &mockChannelStore{channels: make(map[string]*models.WebhookChannel)},
		syncs:    &mockSyncStore{cursors: make(map[string]string)},
		statuses: &mockStatusStore{records: make(map[string]*models.ResourceStatus)},
	}
}

func (m *mockStorageManager) CredentialStore() interfaces.CredentialStore { return m.creds }
func (m *mockStorageManager) ChannelStore() interfaces.ChannelStore       { return m.channels }
func (m *mockStorageManager) SyncStore() interfaces.SyncStore             { return m.syncs }
func (m *mockStorageManager) StatusStore() interfaces.StatusStore         { return m.statuses }
func (m *mockStorageManager) Close() error                                { return nil }

// --- service mocks ---

type mockVault struct {
	mu      sync.Mutex
	stored  []*models.OAuthCredential
	revoked []string
}

func (m *mockVault) GetValidAccessToken(_ context.Context, _, _ string) (string, error) {
	return "tok", nil
}

func (m *mockVault) StoreCredential(_ context.Context, cred *models.OAuthCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *cred
	m.stored = append(m.stored, &cp)
	return nil
}

func (m *mockVault) Revoke(_ context.Context, userID, provider string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked = append(m.revoked, userID+"/"+provider)
	return nil
}

type notification struct {
	channelID     string
	resourceState string
}

type mockChannelManager struct {
	mu            sync.Mutex
	registerErr   error
	registered    []string
	unregistered  []string
	notifications []notification
}

func (m *mockChannelManager) Register(_ context.Context, userID, resource string) (*models.WebhookChannel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registerErr != nil {
		return nil, m.registerErr
	}
	m.registered = append(m.registered, userID+"/"+resource)
	return &models.WebhookChannel{
		ID:        "ch-1",
		UserID:    userID,
		Resource:  resource,
		Status:    models.ChannelActive,
		ExpiresAt: time.Now().Add(168 * time.Hour),
	}, nil
}

func (m *mockChannelManager) Unregister(_ context.Context, userID, resource string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unregistered = append(m.unregistered, userID+"/"+resource)
	return nil
}

func (m *mockChannelManager) HandleNotification(_ context.Context, channelID, resourceState string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, notification{channelID: channelID, resourceState: resourceState})
}

func (m *mockChannelManager) DeactivateUser(_ context.Context, _ string) error { return nil }
func (m *mockChannelManager) Start()                                           {}
func (m *mockChannelManager) Stop()                                            {}

type mockExchanger struct {
	exchangeErr error
}

func (m *mockExchanger) ExchangeCode(_ context.Context, code string) (*models.OAuthCredential, error) {
	if m.exchangeErr != nil {
		return nil, m.exchangeErr
	}
	return &models.OAuthCredential{
		AccessToken:   "access-" + code,
		RefreshToken:  "refresh-" + code,
		ExpiresAt:     time.Now().Add(time.Hour),
		GrantedScopes: []string{"gmail.readonly"},
	}, nil
}

func (m *mockExchanger) RefreshToken(_ context.Context, _ string) (*models.OAuthCredential, error) {
	return nil, fmt.Errorf("not used")
}

func (m *mockExchanger) AuthCodeURL(state string) string {
	return "https://accounts.example.com/consent?state=" + state
}

type mockProviderClient struct{}

func (mockProviderClient) Watch(_ context.Context, _, _, _, _ string, _ time.Duration) (*models.WebhookChannel, error) {
	return nil, fmt.Errorf("not used")
}
func (mockProviderClient) Stop(_ context.Context, _, _, _ string) error { return nil }
func (mockProviderClient) ListChanges(_ context.Context, _, _, _, _, _ string, _ int) (*models.ChangePage, error) {
	return &models.ChangePage{NextCursor: "c"}, nil
}

type allowGovernor struct{}

func (allowGovernor) Acquire(_ context.Context, _ string, _ int) error { return nil }

// --- test server ---

type testEnv struct {
	server   *Server
	storage  *mockStorageManager
	vault    *mockVault
	channels *mockChannelManager
	exchange *mockExchanger
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()

	config := common.NewDefaultConfig()
	config.Auth.JWTSecret = testJWTSecret
	logger := common.NewSilentLogger()

	storage := newMockStorageManager()
	vault := &mockVault{}
	channelManager := &mockChannelManager{}
	exchange := &mockExchanger{}
	hub := fanout.NewHub(logger)
	go hub.Run()
	t.Cleanup(hub.Stop)

	engine := syncengine.NewEngine(
		storage.syncs,
		storage.statuses,
		vault,
		mockProviderClient{},
		allowGovernor{},
		hub,
		common.NewSystemClock(),
		logger,
		config.Sync,
	)
	t.Cleanup(engine.Stop)

	a := &app.App{
		Config:      config,
		Logger:      logger,
		Storage:     storage,
		OAuth:       exchange,
		Provider:    mockProviderClient{},
		Governor:    allowGovernor{},
		Vault:       vault,
		Hub:         hub,
		Sync:        engine,
		Channels:    channelManager,
		StartupTime: time.Now(),
	}

	return &testEnv{
		server:   NewServer(a),
		storage:  storage,
		vault:    vault,
		channels: channelManager,
		exchange: exchange,
	}
}

// signTestToken issues a bearer token the middleware accepts.
func signTestToken(t *testing.T, userID string) string {
	t.Helper()
	return signTokenWithSecret(t, userID, testJWTSecret)
}

func signTokenWithSecret(t *testing.T, userID, secret string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":   userID,
		"email": userID + "@example.com",
		"iat":   time.Now().Unix(),
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return token
}

func jsonBody(t *testing.T, v interface{}) io.Reader {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal body: %v", err)
	}
	return bytes.NewReader(data)
}

func authed(req *http.Request, token string) *http.Request {
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}
